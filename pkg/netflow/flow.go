// Package netflow implements the stateful NetFlow/IPFIX ingest engine:
// UDP listeners, fixed-layout v5/v7 parsing, template-driven v9/IPFIX
// parsing with a bounded per-exporter template cache, and flow record
// emission as telemetry points.
package netflow

import (
	"strconv"

	"github.com/p13marc/zensight/pkg/keyexpr"
	"github.com/p13marc/zensight/pkg/model"
)

// FlowRecord is one parsed flow ready for emission. Numeric and string
// fields are kept apart so counters stay counters.
type FlowRecord struct {
	ExporterIP string
	Exporter   string
	Version    uint16
	Num        map[string]uint64
	Str        map[string]string
	Timestamp  int64
}

func newRecord(exporterIP, exporter string, version uint16, ts int64) *FlowRecord {
	return &FlowRecord{
		ExporterIP: exporterIP,
		Exporter:   exporter,
		Version:    version,
		Num:        make(map[string]uint64),
		Str:        make(map[string]string),
		Timestamp:  ts,
	}
}

// ToPoint converts a flow record into its telemetry point: keyed by
// <exporter>/<src>/<dst>, byte count as the counter value, every field
// as a label.
func (r *FlowRecord) ToPoint() *model.TelemetryPoint {
	src, ok := r.Str["src_addr"]
	if !ok {
		src = "unknown"
	}
	dst, ok := r.Str["dst_addr"]
	if !ok {
		dst = "unknown"
	}
	metric := keyexpr.SanitizeSegment(src) + "/" + keyexpr.SanitizeSegment(dst)

	value := model.Counter(1)
	if b, ok := r.Num["bytes"]; ok {
		value = model.Counter(b)
	} else if p, ok := r.Num["packets"]; ok {
		value = model.Counter(p)
	}

	point := &model.TelemetryPoint{
		Timestamp: r.Timestamp,
		Source:    r.Exporter,
		Protocol:  model.ProtocolNetflow,
		Metric:    metric,
		Value:     value,
	}
	point.WithLabel("version", "v"+strconv.FormatUint(uint64(r.Version), 10))
	point.WithLabel("exporter_ip", r.ExporterIP)
	for k, v := range r.Str {
		point.WithLabel(k, v)
	}
	for k, v := range r.Num {
		point.WithLabel(k, strconv.FormatUint(v, 10))
	}
	if proto, ok := r.Num["protocol"]; ok {
		point.WithLabel("protocol_name", ProtocolName(uint8(proto)))
	}
	return point
}

// ProtocolName maps an IANA protocol number to its short name.
func ProtocolName(proto uint8) string {
	switch proto {
	case 1:
		return "icmp"
	case 6:
		return "tcp"
	case 17:
		return "udp"
	case 47:
		return "gre"
	case 50:
		return "esp"
	case 51:
		return "ah"
	case 58:
		return "icmpv6"
	case 89:
		return "ospf"
	case 132:
		return "sctp"
	}
	return "proto_" + strconv.FormatUint(uint64(proto), 10)
}

// Package model defines the canonical telemetry types shared by every
// bridge, exporter and frontend consumer. These types represent the
// in-memory and wire form of all published data; every other package
// depends on this package and nothing here depends on any other internal
// package.
package model

import (
	"fmt"
	"strings"
	"time"
)

// Protocol identifies the origin protocol of a telemetry source.
type Protocol string

const (
	ProtocolSNMP    Protocol = "snmp"
	ProtocolSyslog  Protocol = "syslog"
	ProtocolNetflow Protocol = "netflow"
	ProtocolModbus  Protocol = "modbus"
	ProtocolSysinfo Protocol = "sysinfo"
	ProtocolGNMI    Protocol = "gnmi"
)

// Protocols lists every known protocol in a stable order.
var Protocols = []Protocol{
	ProtocolSNMP,
	ProtocolSyslog,
	ProtocolNetflow,
	ProtocolModbus,
	ProtocolSysinfo,
	ProtocolGNMI,
}

// ParseProtocol returns the protocol for its key-expression segment.
func ParseProtocol(s string) (Protocol, bool) {
	for _, p := range Protocols {
		if string(p) == s {
			return p, true
		}
	}
	return "", false
}

func (p Protocol) Valid() bool {
	_, ok := ParseProtocol(string(p))
	return ok
}

func (p Protocol) String() string { return string(p) }

// TelemetryPoint is the universal sample emitted by bridges.
type TelemetryPoint struct {
	// Unix epoch milliseconds when the measurement was taken.
	Timestamp int64 `json:"timestamp"`

	// Device/host identifier (e.g. "router01", "192.168.1.1").
	Source string `json:"source"`

	// Origin protocol.
	Protocol Protocol `json:"protocol"`

	// Metric name/path (e.g. "system/sysUpTime", "if/1/ifInOctets").
	Metric string `json:"metric"`

	// The measured value.
	Value Value `json:"value"`

	// Additional context labels (e.g. OID, interface name).
	Labels map[string]string `json:"labels,omitempty"`
}

// NewPoint creates a telemetry point stamped with the current time.
func NewPoint(source string, protocol Protocol, metric string, value Value) *TelemetryPoint {
	return &TelemetryPoint{
		Timestamp: NowMillis(),
		Source:    source,
		Protocol:  protocol,
		Metric:    metric,
		Value:     value,
	}
}

// WithLabel attaches a label and returns the point for chaining.
func (p *TelemetryPoint) WithLabel(key, value string) *TelemetryPoint {
	if p.Labels == nil {
		p.Labels = make(map[string]string)
	}
	p.Labels[key] = value
	return p
}

// WithLabels attaches every label in the map.
func (p *TelemetryPoint) WithLabels(labels map[string]string) *TelemetryPoint {
	for k, v := range labels {
		p.WithLabel(k, v)
	}
	return p
}

// forbiddenSegmentChars are the characters a source or metric segment may
// not contain. They collide with key-expression syntax on the fabric.
const forbiddenSegmentChars = "/*?#$"

// ValidSegment reports whether s can appear as a single key segment.
func ValidSegment(s string) bool {
	return s != "" && !strings.ContainsAny(s, forbiddenSegmentChars)
}

// validMetricSegment allows bracket-quoted path keys such as
// interface[name=eth0]; characters inside the brackets are exempt from the
// segment restriction apart from the key-expression specials.
func validMetricSegment(s string) bool {
	if s == "" {
		return false
	}
	open := strings.IndexByte(s, '[')
	if open < 0 {
		return ValidSegment(s)
	}
	if !strings.HasSuffix(s, "]") || strings.Count(s, "[") != 1 || strings.Count(s, "]") != 1 {
		return false
	}
	if !ValidSegment(s[:open]) {
		return false
	}
	inner := s[open+1 : len(s)-1]
	return inner != "" && !strings.ContainsAny(inner, "/#$?*")
}

// ValidMetric reports whether the slash-delimited metric path is
// well-formed.
func ValidMetric(metric string) bool {
	if metric == "" {
		return false
	}
	for _, seg := range strings.Split(metric, "/") {
		if !validMetricSegment(seg) {
			return false
		}
	}
	return true
}

// Validate checks that the point is well-formed per the key grammar and
// value constraints. It is called by the publisher before a sample is
// accepted.
func (p *TelemetryPoint) Validate() error {
	if !ValidSegment(p.Source) {
		return fmt.Errorf("invalid source %q", p.Source)
	}
	if !p.Protocol.Valid() {
		return fmt.Errorf("invalid protocol %q", p.Protocol)
	}
	if !ValidMetric(p.Metric) {
		return fmt.Errorf("invalid metric %q", p.Metric)
	}
	if err := p.Value.Validate(); err != nil {
		return err
	}
	return nil
}

// Equal compares two points field by field. Label order is irrelevant.
func (p *TelemetryPoint) Equal(o *TelemetryPoint) bool {
	if p.Timestamp != o.Timestamp || p.Source != o.Source ||
		p.Protocol != o.Protocol || p.Metric != o.Metric {
		return false
	}
	if !p.Value.Equal(o.Value) {
		return false
	}
	if len(p.Labels) != len(o.Labels) {
		return false
	}
	for k, v := range p.Labels {
		if ov, ok := o.Labels[k]; !ok || ov != v {
			return false
		}
	}
	return true
}

// NowMillis returns the current timestamp in milliseconds since the Unix
// epoch.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}

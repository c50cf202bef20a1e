// Package keyexpr builds and parses the ZenSight key expressions that
// identify every publication on the fabric.
//
// The canonical layout:
//
//	zensight/<protocol>/<source>/<metric>           telemetry
//	zensight/<protocol>/@/health                    health snapshot
//	zensight/<protocol>/@/heartbeat                 miss-detection digest
//	zensight/<protocol>/@/devices/<device>/liveness liveness record
//	zensight/<protocol>/@/devices/<device>/alive    device liveness token
//	zensight/<protocol>/@/alive                     bridge liveness token
//	zensight/<protocol>/@/errors                    error stream
//	zensight/_meta/correlation/<ip>                 cross-bridge correlation
//	zensight/_meta/bridges/<bridge>                 bridge announcement
package keyexpr

import (
	"fmt"
	"strings"

	"github.com/p13marc/zensight/pkg/model"
)

// Prefix is the root of the ZenSight keyspace.
const Prefix = "zensight"

// Meta is the reserved segment separating out-of-band data from telemetry.
const Meta = "@"

// Telemetry builds the key for a telemetry point.
func Telemetry(p model.Protocol, source, metric string) string {
	return Prefix + "/" + string(p) + "/" + source + "/" + metric
}

// ForPoint builds the telemetry key for a point.
func ForPoint(pt *model.TelemetryPoint) string {
	return Telemetry(pt.Protocol, pt.Source, pt.Metric)
}

// Health builds the health snapshot key for a bridge protocol.
func Health(p model.Protocol) string {
	return Prefix + "/" + string(p) + "/@/health"
}

// Heartbeat builds the miss-detection digest key.
func Heartbeat(p model.Protocol) string {
	return Prefix + "/" + string(p) + "/@/heartbeat"
}

// Errors builds the error stream key.
func Errors(p model.Protocol) string {
	return Prefix + "/" + string(p) + "/@/errors"
}

// BridgeAlive builds the bridge liveness token key.
func BridgeAlive(p model.Protocol) string {
	return Prefix + "/" + string(p) + "/@/alive"
}

// DeviceAlive builds the per-device liveness token key.
func DeviceAlive(p model.Protocol, device string) string {
	return Prefix + "/" + string(p) + "/@/devices/" + device + "/alive"
}

// DeviceLiveness builds the per-device liveness record key.
func DeviceLiveness(p model.Protocol, device string) string {
	return Prefix + "/" + string(p) + "/@/devices/" + device + "/liveness"
}

// Correlation builds the cross-bridge correlation key for an IP address.
func Correlation(ip string) string {
	return Prefix + "/_meta/correlation/" + SanitizeSegment(ip)
}

// Bridge builds the bridge announcement key.
func Bridge(name string) string {
	return Prefix + "/_meta/bridges/" + name
}

// Control builds a per-publisher control key used for history and
// recovery queries.
func Control(instance, op string) string {
	return Prefix + "/_ctrl/" + instance + "/" + op
}

// Wildcards for subscriptions.

func AllTelemetry() string                     { return Prefix + "/**" }
func ProtocolWildcard(p model.Protocol) string { return Prefix + "/" + string(p) + "/**" }
func SourceWildcard(p model.Protocol, source string) string {
	return Prefix + "/" + string(p) + "/" + source + "/**"
}
func AllHealth() string      { return Prefix + "/*/@/health" }
func AllErrors() string      { return Prefix + "/*/@/errors" }
func AllLiveness() string    { return Prefix + "/*/@/devices/*/liveness" }
func AllTokens() string      { return Prefix + "/*/@/**" }
func AllCorrelation() string { return Prefix + "/_meta/correlation/*" }
func AllBridges() string     { return Prefix + "/_meta/bridges/*" }

// SanitizeSegment makes an arbitrary identifier (typically an IP address)
// usable as a single key segment by replacing separator and wildcard
// characters with underscores.
func SanitizeSegment(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', ':', '/', '*', '?', '#', '$', ' ':
			return '_'
		}
		return r
	}, s)
}

// Parsed holds the components recovered from a telemetry key.
type Parsed struct {
	Protocol model.Protocol
	Source   string
	Metric   string
}

// Parse recovers (protocol, source, metric) from a telemetry key. Keys in
// the @ or _meta namespaces are not telemetry and return an error; callers
// treat a parse failure as a non-fatal warning.
func Parse(key string) (Parsed, error) {
	parts := strings.Split(key, "/")
	if len(parts) < 4 || parts[0] != Prefix {
		return Parsed{}, fmt.Errorf("not a telemetry key: %q", key)
	}
	if parts[1] == "_meta" || parts[1] == "_ctrl" {
		return Parsed{}, fmt.Errorf("meta key, not telemetry: %q", key)
	}
	proto, ok := model.ParseProtocol(parts[1])
	if !ok {
		return Parsed{}, fmt.Errorf("unknown protocol %q in key %q", parts[1], key)
	}
	if parts[2] == Meta {
		return Parsed{}, fmt.Errorf("out-of-band key, not telemetry: %q", key)
	}
	return Parsed{
		Protocol: proto,
		Source:   parts[2],
		Metric:   strings.Join(parts[3:], "/"),
	}, nil
}

// KeyKind classifies a key within the ZenSight keyspace.
type KeyKind int

const (
	KindTelemetry KeyKind = iota
	KindHealth
	KindHeartbeat
	KindErrors
	KindLivenessRecord
	KindToken
	KindCorrelation
	KindBridgeMeta
	KindOther
)

// Classify determines what a received key carries without fully parsing
// it. Token keys end in /alive, liveness records in /liveness.
func Classify(key string) KeyKind {
	parts := strings.Split(key, "/")
	if len(parts) < 3 || parts[0] != Prefix {
		return KindOther
	}
	if parts[1] == "_meta" {
		switch parts[2] {
		case "correlation":
			return KindCorrelation
		case "bridges":
			return KindBridgeMeta
		}
		return KindOther
	}
	if parts[1] == "_ctrl" {
		return KindOther
	}
	if len(parts) >= 4 && parts[2] == Meta {
		switch parts[3] {
		case "health":
			return KindHealth
		case "heartbeat":
			return KindHeartbeat
		case "errors":
			return KindErrors
		case "alive":
			return KindToken
		case "devices":
			if strings.HasSuffix(key, "/alive") {
				return KindToken
			}
			if strings.HasSuffix(key, "/liveness") {
				return KindLivenessRecord
			}
		}
		return KindOther
	}
	if len(parts) >= 4 {
		return KindTelemetry
	}
	return KindOther
}

// TokenDevice extracts the device name from a device token or liveness
// record key, or "" for a bridge-level key.
func TokenDevice(key string) string {
	parts := strings.Split(key, "/")
	for i, p := range parts {
		if p == "devices" && i+1 < len(parts) {
			return parts[i+1]
		}
	}
	return ""
}

// TokenProtocol extracts the protocol segment from any @-namespace key.
func TokenProtocol(key string) (model.Protocol, bool) {
	parts := strings.Split(key, "/")
	if len(parts) < 2 {
		return "", false
	}
	return model.ParseProtocol(parts[1])
}

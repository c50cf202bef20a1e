// Package otlpexport batches the telemetry stream into OTLP metric and
// log exports over gRPC or HTTP.
package otlpexport

import (
	"strconv"
	"strings"
	"time"

	commonpb "go.opentelemetry.io/proto/otlp/common/v1"
	logspb "go.opentelemetry.io/proto/otlp/logs/v1"
	metricspb "go.opentelemetry.io/proto/otlp/metrics/v1"
	resourcepb "go.opentelemetry.io/proto/otlp/resource/v1"

	"github.com/p13marc/zensight/pkg/model"
)

// MapSyslogSeverity maps the numeric syslog severity onto the OTLP
// severity number and text: 0-2 FATAL, 3 ERROR, 4 WARN, 5-6 INFO,
// 7 DEBUG.
func MapSyslogSeverity(severity int) (logspb.SeverityNumber, string) {
	switch {
	case severity >= 0 && severity <= 2:
		return logspb.SeverityNumber_SEVERITY_NUMBER_FATAL, "FATAL"
	case severity == 3:
		return logspb.SeverityNumber_SEVERITY_NUMBER_ERROR, "ERROR"
	case severity == 4:
		return logspb.SeverityNumber_SEVERITY_NUMBER_WARN, "WARN"
	case severity == 5 || severity == 6:
		return logspb.SeverityNumber_SEVERITY_NUMBER_INFO, "INFO"
	case severity == 7:
		return logspb.SeverityNumber_SEVERITY_NUMBER_DEBUG, "DEBUG"
	}
	return logspb.SeverityNumber_SEVERITY_NUMBER_UNSPECIFIED, "UNSPECIFIED"
}

// resourceFor builds the OTLP resource for a point: service identity,
// device id, protocol, plus operator overrides.
func resourceFor(point *model.TelemetryPoint, serviceName, serviceVersion string, overrides map[string]string) *resourcepb.Resource {
	attrs := []*commonpb.KeyValue{
		stringAttr("service.name", serviceName),
		stringAttr("service.version", serviceVersion),
		stringAttr("device.id", point.Source),
		stringAttr("telemetry.protocol", string(point.Protocol)),
	}
	for k, v := range overrides {
		attrs = append(attrs, stringAttr(k, v))
	}
	return &resourcepb.Resource{Attributes: attrs}
}

// resourceKey buckets points sharing identical resource attributes
// (source and protocol). Instrument kind is tracked per metric inside
// the bucket, not in this key.
func resourceKey(point *model.TelemetryPoint) string {
	return point.Source + "\xff" + string(point.Protocol)
}

// metricName converts the slash path into dotted OTLP convention.
func metricName(point *model.TelemetryPoint) string {
	return string(point.Protocol) + "." + strings.ReplaceAll(point.Metric, "/", ".")
}

// dataPoint builds the OTLP number datapoint for a numeric value.
func dataPoint(point *model.TelemetryPoint, start time.Time) *metricspb.NumberDataPoint {
	dp := &metricspb.NumberDataPoint{
		StartTimeUnixNano: uint64(start.UnixNano()),
		TimeUnixNano:      uint64(point.Timestamp) * uint64(time.Millisecond),
		Attributes:        labelAttrs(point.Labels),
	}
	switch point.Value.Kind() {
	case model.KindCounter:
		c, _ := point.Value.Counter()
		dp.Value = &metricspb.NumberDataPoint_AsInt{AsInt: int64(c)}
	default:
		f, _ := point.Value.AsFloat()
		dp.Value = &metricspb.NumberDataPoint_AsDouble{AsDouble: f}
	}
	return dp
}

// logRecord builds an OTLP log record for a syslog text point. The
// numeric syslog severity rides in labels.severity.
func logRecord(point *model.TelemetryPoint) *logspb.LogRecord {
	text, _ := point.Value.Text()
	severity := -1
	if s, ok := point.Labels["severity"]; ok {
		if n, err := strconv.Atoi(s); err == nil {
			severity = n
		}
	}
	num, txt := MapSyslogSeverity(severity)

	attrs := []*commonpb.KeyValue{
		stringAttr("syslog.hostname", point.Source),
	}
	if facility, ok := point.Labels["facility"]; ok {
		attrs = append(attrs, stringAttr("syslog.facility", facility))
	}
	if app, ok := point.Labels["appname"]; ok {
		attrs = append(attrs, stringAttr("syslog.appname", app))
	}
	for k, v := range point.Labels {
		switch k {
		case "severity", "facility", "appname":
			continue
		}
		attrs = append(attrs, stringAttr(k, v))
	}

	return &logspb.LogRecord{
		TimeUnixNano:   uint64(point.Timestamp) * uint64(time.Millisecond),
		SeverityNumber: num,
		SeverityText:   txt,
		Body:           &commonpb.AnyValue{Value: &commonpb.AnyValue_StringValue{StringValue: text}},
		Attributes:     attrs,
	}
}

func labelAttrs(labels map[string]string) []*commonpb.KeyValue {
	out := make([]*commonpb.KeyValue, 0, len(labels))
	for k, v := range labels {
		out = append(out, stringAttr(k, v))
	}
	return out
}

func stringAttr(key, value string) *commonpb.KeyValue {
	return &commonpb.KeyValue{
		Key:   key,
		Value: &commonpb.AnyValue{Value: &commonpb.AnyValue_StringValue{StringValue: value}},
	}
}

package otlpexport

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	collogspb "go.opentelemetry.io/proto/otlp/collector/logs/v1"
	colmetricspb "go.opentelemetry.io/proto/otlp/collector/metrics/v1"
	logspb "go.opentelemetry.io/proto/otlp/logs/v1"
	metricspb "go.opentelemetry.io/proto/otlp/metrics/v1"

	"github.com/p13marc/zensight/pkg/model"
)

// mockSender records exported batches and can fail a configured number
// of times.
type mockSender struct {
	MetricRequests []*colmetricspb.ExportMetricsServiceRequest
	LogRequests    []*collogspb.ExportLogsServiceRequest

	FailCount int // transient failures before success
	Permanent bool
}

func (m *mockSender) ExportMetrics(_ context.Context, req *colmetricspb.ExportMetricsServiceRequest) error {
	if err := m.maybeFail(); err != nil {
		return err
	}
	m.MetricRequests = append(m.MetricRequests, req)
	return nil
}

func (m *mockSender) ExportLogs(_ context.Context, req *collogspb.ExportLogsServiceRequest) error {
	if err := m.maybeFail(); err != nil {
		return err
	}
	m.LogRequests = append(m.LogRequests, req)
	return nil
}

func (m *mockSender) maybeFail() error {
	if m.Permanent {
		return &ExportError{Err: errors.New("bad request"), Retryable: false}
	}
	if m.FailCount > 0 {
		m.FailCount--
		return &ExportError{Err: errors.New("unavailable"), Retryable: true}
	}
	return nil
}

func (m *mockSender) Close() error { return nil }

func testExporter(cfg Config, sender Sender) *Exporter {
	cfg.ExportMetrics = true
	cfg.ExportLogs = true
	return NewExporter(cfg, sender, zap.NewNop())
}

func counterPoint(source, metric string, v uint64) *model.TelemetryPoint {
	return &model.TelemetryPoint{
		Timestamp: 1700000000000,
		Source:    source,
		Protocol:  model.ProtocolSNMP,
		Metric:    metric,
		Value:     model.Counter(v),
	}
}

func syslogPoint(severity, text string) *model.TelemetryPoint {
	return &model.TelemetryPoint{
		Timestamp: 1700000000000,
		Source:    "fw01",
		Protocol:  model.ProtocolSyslog,
		Metric:    "message",
		Value:     model.Text(text),
		Labels: map[string]string{
			"severity": severity,
			"facility": "4",
			"appname":  "sshd",
		},
	}
}

func TestSyslogSeverityMapping(t *testing.T) {
	cases := []struct {
		severity int
		want     logspb.SeverityNumber
		text     string
	}{
		{0, logspb.SeverityNumber_SEVERITY_NUMBER_FATAL, "FATAL"},
		{1, logspb.SeverityNumber_SEVERITY_NUMBER_FATAL, "FATAL"},
		{2, logspb.SeverityNumber_SEVERITY_NUMBER_FATAL, "FATAL"},
		{3, logspb.SeverityNumber_SEVERITY_NUMBER_ERROR, "ERROR"},
		{4, logspb.SeverityNumber_SEVERITY_NUMBER_WARN, "WARN"},
		{5, logspb.SeverityNumber_SEVERITY_NUMBER_INFO, "INFO"},
		{6, logspb.SeverityNumber_SEVERITY_NUMBER_INFO, "INFO"},
		{7, logspb.SeverityNumber_SEVERITY_NUMBER_DEBUG, "DEBUG"},
	}
	for _, tc := range cases {
		num, text := MapSyslogSeverity(tc.severity)
		if num != tc.want || text != tc.text {
			t.Fatalf("severity %d: got %v/%s, want %v/%s", tc.severity, num, text, tc.want, tc.text)
		}
	}
}

func TestSyslogLogRecord(t *testing.T) {
	sender := &mockSender{}
	e := testExporter(Config{Endpoint: "collector:4317"}, sender)
	e.Add(syslogPoint("3", "disk failure imminent"))
	e.Flush(context.Background())

	if len(sender.LogRequests) != 1 {
		t.Fatalf("log batches: %d", len(sender.LogRequests))
	}
	records := sender.LogRequests[0].ResourceLogs[0].ScopeLogs[0].LogRecords
	if len(records) != 1 {
		t.Fatalf("log records: %d", len(records))
	}
	rec := records[0]
	if rec.SeverityNumber != logspb.SeverityNumber_SEVERITY_NUMBER_ERROR || rec.SeverityText != "ERROR" {
		t.Fatalf("severity: %v %s", rec.SeverityNumber, rec.SeverityText)
	}
	if rec.Body.GetStringValue() != "disk failure imminent" {
		t.Fatalf("body: %v", rec.Body)
	}
	attrs := map[string]string{}
	for _, kv := range rec.Attributes {
		attrs[kv.Key] = kv.Value.GetStringValue()
	}
	if attrs["syslog.hostname"] != "fw01" || attrs["syslog.facility"] != "4" || attrs["syslog.appname"] != "sshd" {
		t.Fatalf("attributes: %v", attrs)
	}
}

func TestCounterBecomesMonotonicSum(t *testing.T) {
	sender := &mockSender{}
	e := testExporter(Config{Endpoint: "collector:4317"}, sender)
	e.Add(counterPoint("router01", "if/1/ifInOctets", 100))
	e.Flush(context.Background())

	metrics := sender.MetricRequests[0].ResourceMetrics[0].ScopeMetrics[0].Metrics
	if len(metrics) != 1 {
		t.Fatalf("metrics: %d", len(metrics))
	}
	sum := metrics[0].GetSum()
	if sum == nil || !sum.IsMonotonic {
		t.Fatalf("counter should map to a monotonic sum: %+v", metrics[0])
	}
	if sum.AggregationTemporality != metricspb.AggregationTemporality_AGGREGATION_TEMPORALITY_CUMULATIVE {
		t.Fatalf("temporality: %v", sum.AggregationTemporality)
	}
	dp := sum.DataPoints[0]
	if dp.GetAsInt() != 100 {
		t.Fatalf("datapoint value: %v", dp)
	}
	if dp.StartTimeUnixNano == 0 {
		t.Fatalf("sum start time missing")
	}
}

func TestGaugeAndBooleanBecomeGauge(t *testing.T) {
	sender := &mockSender{}
	e := testExporter(Config{Endpoint: "collector:4317"}, sender)
	g := counterPoint("h", "cpu", 0)
	g.Value = model.Gauge(42.5)
	b := counterPoint("h", "up", 0)
	b.Value = model.Boolean(true)
	e.Add(g)
	e.Add(b)
	e.Flush(context.Background())

	metrics := sender.MetricRequests[0].ResourceMetrics[0].ScopeMetrics[0].Metrics
	if len(metrics) != 2 {
		t.Fatalf("metrics: %d", len(metrics))
	}
	for _, m := range metrics {
		if m.GetGauge() == nil {
			t.Fatalf("%s should map to gauge", m.Name)
		}
	}
}

func TestResourceAttributes(t *testing.T) {
	sender := &mockSender{}
	e := testExporter(Config{
		Endpoint:    "collector:4317",
		ServiceName: "zensight-test",
		Resource:    map[string]string{"deployment.environment": "lab"},
	}, sender)
	e.Add(counterPoint("router01", "m", 1))
	e.Flush(context.Background())

	attrs := map[string]string{}
	for _, kv := range sender.MetricRequests[0].ResourceMetrics[0].Resource.Attributes {
		attrs[kv.Key] = kv.Value.GetStringValue()
	}
	if attrs["service.name"] != "zensight-test" || attrs["device.id"] != "router01" ||
		attrs["telemetry.protocol"] != "snmp" || attrs["deployment.environment"] != "lab" {
		t.Fatalf("resource attributes: %v", attrs)
	}
}

func TestBinarySkipped(t *testing.T) {
	sender := &mockSender{}
	e := testExporter(Config{Endpoint: "collector:4317"}, sender)
	p := counterPoint("h", "blob", 0)
	p.Value = model.Binary([]byte{1})
	e.Add(p)
	if e.Pending() != 0 {
		t.Fatalf("binary point buffered")
	}
}

func TestNonSyslogTextSkippedByDefault(t *testing.T) {
	sender := &mockSender{}
	e := testExporter(Config{Endpoint: "collector:4317"}, sender)
	p := counterPoint("h", "descr", 0)
	p.Value = model.Text("hello")
	e.Add(p)
	if e.Pending() != 0 {
		t.Fatalf("non-syslog text buffered without export_text")
	}

	e2 := testExporter(Config{Endpoint: "collector:4317", ExportText: true}, sender)
	e2.Add(p)
	if e2.Pending() != 1 {
		t.Fatalf("export_text not honored")
	}
}

func TestRetryOnTransientFailure(t *testing.T) {
	sender := &mockSender{FailCount: 2}
	e := testExporter(Config{Endpoint: "collector:4317"}, sender)
	e.retryBase = time.Millisecond
	e.Add(counterPoint("h", "m", 1))
	e.Flush(context.Background())

	if len(sender.MetricRequests) != 1 {
		t.Fatalf("batch not delivered after transient failures")
	}
	if e.exported != 1 {
		t.Fatalf("exported counter: %d", e.exported)
	}
}

func TestPermanentFailureDropsBatch(t *testing.T) {
	sender := &mockSender{Permanent: true}
	e := testExporter(Config{Endpoint: "collector:4317"}, sender)
	e.Add(counterPoint("h", "m", 1))
	e.Flush(context.Background())

	if len(sender.MetricRequests) != 0 {
		t.Fatalf("permanently failing batch delivered")
	}
	if e.dropped == 0 {
		t.Fatalf("dropped batch not counted")
	}
	if e.Pending() != 0 {
		t.Fatalf("dropped batch still buffered")
	}
}

func TestBucketingByResource(t *testing.T) {
	sender := &mockSender{}
	e := testExporter(Config{Endpoint: "collector:4317"}, sender)
	e.Add(counterPoint("router01", "m", 1))
	e.Add(counterPoint("router02", "m", 2))
	e.Flush(context.Background())

	if got := len(sender.MetricRequests[0].ResourceMetrics); got != 2 {
		t.Fatalf("resource buckets: %d, want 2", got)
	}
}

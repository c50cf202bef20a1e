package otlpexport

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	collogspb "go.opentelemetry.io/proto/otlp/collector/logs/v1"
	colmetricspb "go.opentelemetry.io/proto/otlp/collector/metrics/v1"
	commonpb "go.opentelemetry.io/proto/otlp/common/v1"
	logspb "go.opentelemetry.io/proto/otlp/logs/v1"
	metricspb "go.opentelemetry.io/proto/otlp/metrics/v1"
	resourcepb "go.opentelemetry.io/proto/otlp/resource/v1"

	"github.com/p13marc/zensight/pkg/model"
	"github.com/p13marc/zensight/pkg/subscriber"
	"github.com/p13marc/zensight/pkg/version"
)

// Config drives the OTLP pipeline.
type Config struct {
	Endpoint           string            `mapstructure:"endpoint"`
	Protocol           string            `mapstructure:"protocol"` // grpc|http
	ExportIntervalSecs int               `mapstructure:"export_interval_secs"`
	TimeoutSecs        int               `mapstructure:"timeout_secs"`
	BatchSize          int               `mapstructure:"batch_size"`
	ExportMetrics      bool              `mapstructure:"export_metrics"`
	ExportLogs         bool              `mapstructure:"export_logs"`
	ExportText         bool              `mapstructure:"export_text"`
	ServiceName        string            `mapstructure:"service_name"`
	ServiceVersion     string            `mapstructure:"service_version"`
	Headers            map[string]string `mapstructure:"headers"`
	Resource           map[string]string `mapstructure:"resource"`
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.Protocol == "" {
		out.Protocol = "grpc"
	}
	if out.ExportIntervalSecs <= 0 {
		out.ExportIntervalSecs = 10
	}
	if out.TimeoutSecs <= 0 {
		out.TimeoutSecs = 30
	}
	if out.BatchSize <= 0 {
		out.BatchSize = 1000
	}
	if out.ServiceName == "" {
		out.ServiceName = "zensight"
	}
	if out.ServiceVersion == "" {
		out.ServiceVersion = version.Info().Version
	}
	return out
}

// ExportError carries whether the failure is worth retrying: network
// errors and 5xx/429 are, other 4xx are not.
type ExportError struct {
	Err       error
	Retryable bool
}

func (e *ExportError) Error() string { return e.Err.Error() }
func (e *ExportError) Unwrap() error { return e.Err }

// Sender ships serialized batches. Implementations: gRPC, HTTP, and the
// test mock.
type Sender interface {
	ExportMetrics(ctx context.Context, req *colmetricspb.ExportMetricsServiceRequest) error
	ExportLogs(ctx context.Context, req *collogspb.ExportLogsServiceRequest) error
	Close() error
}

type metricAccum struct {
	name      string
	monotonic bool
	isSum     bool
	points    []*metricspb.NumberDataPoint
}

type bucket struct {
	resource *resourcepb.Resource
	metrics  map[string]*metricAccum
	logs     []*logspb.LogRecord
	count    int
}

// Exporter is the buffered OTLP pipeline: points bucketed by resource
// attributes and instrument kind, flushed on interval or batch size,
// with bounded retry.
type Exporter struct {
	cfg    Config
	sender Sender
	logger *zap.Logger
	start  time.Time

	buckets map[string]*bucket
	pending int

	// retryBase is the first backoff delay; tests shrink it.
	retryBase time.Duration

	// Counters surfaced in logs at shutdown.
	exported uint64
	dropped  uint64
}

// NewExporter builds the pipeline around a sender.
func NewExporter(cfg Config, sender Sender, logger *zap.Logger) *Exporter {
	return &Exporter{
		cfg:       cfg.withDefaults(),
		sender:    sender,
		logger:    logger,
		start:     time.Now(),
		buckets:   make(map[string]*bucket),
		retryBase: time.Second,
	}
}

// Run consumes subscriber events until ctx is cancelled, then flushes a
// final batch.
func (e *Exporter) Run(ctx context.Context, engine *subscriber.Engine) error {
	ticker := time.NewTicker(time.Duration(e.cfg.ExportIntervalSecs) * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			e.Flush(context.Background())
			return e.sender.Close()
		case <-ticker.C:
			e.Flush(ctx)
		case ev := <-engine.Events():
			if point, ok := ev.(subscriber.PointUpdate); ok {
				e.Add(point.Point)
				if e.pending >= e.cfg.BatchSize {
					e.Flush(ctx)
				}
			}
		}
	}
}

// Add routes one point into its bucket. Signal mapping: counter -> Sum
// (monotonic cumulative), gauge/boolean -> Gauge, syslog text ->
// LogRecord, other text skipped unless export_text, binary skipped.
func (e *Exporter) Add(point *model.TelemetryPoint) {
	switch point.Value.Kind() {
	case model.KindBinary:
		e.dropped++
		return
	case model.KindText:
		if point.Protocol == model.ProtocolSyslog {
			if e.cfg.ExportLogs {
				b := e.bucketFor(point)
				b.logs = append(b.logs, logRecord(point))
				b.count++
				e.pending++
			}
			return
		}
		if !e.cfg.ExportText {
			return
		}
		// Non-syslog text exports as a log record without severity.
		if e.cfg.ExportLogs {
			b := e.bucketFor(point)
			b.logs = append(b.logs, logRecord(point))
			b.count++
			e.pending++
		}
		return
	}

	if !e.cfg.ExportMetrics {
		return
	}
	b := e.bucketFor(point)
	name := metricName(point)
	acc, ok := b.metrics[name]
	if !ok {
		acc = &metricAccum{
			name:      name,
			isSum:     point.Value.Kind() == model.KindCounter,
			monotonic: point.Value.Kind() == model.KindCounter,
		}
		b.metrics[name] = acc
	}
	acc.points = append(acc.points, dataPoint(point, e.start))
	b.count++
	e.pending++
}

func (e *Exporter) bucketFor(point *model.TelemetryPoint) *bucket {
	key := resourceKey(point)
	b, ok := e.buckets[key]
	if !ok {
		b = &bucket{
			resource: resourceFor(point, e.cfg.ServiceName, e.cfg.ServiceVersion, e.cfg.Resource),
			metrics:  make(map[string]*metricAccum),
		}
		e.buckets[key] = b
	}
	return b
}

// Flush serializes and sends everything buffered. A failed batch is
// retried up to 3 times with 1s/2s/4s backoff (±25% jitter); permanent
// failures drop the batch.
func (e *Exporter) Flush(ctx context.Context) {
	if e.pending == 0 {
		return
	}
	metricsReq, logsReq, count := e.drain()

	if metricsReq != nil {
		if err := e.sendWithRetry(ctx, func(c context.Context) error {
			return e.sender.ExportMetrics(c, metricsReq)
		}); err != nil {
			e.dropped += uint64(count)
			e.logger.Error("metrics batch dropped", zap.Error(err))
		} else {
			e.exported += uint64(count)
		}
	}
	if logsReq != nil {
		if err := e.sendWithRetry(ctx, func(c context.Context) error {
			return e.sender.ExportLogs(c, logsReq)
		}); err != nil {
			e.logger.Error("logs batch dropped", zap.Error(err))
		}
	}
}

func (e *Exporter) drain() (*colmetricspb.ExportMetricsServiceRequest, *collogspb.ExportLogsServiceRequest, int) {
	var resourceMetrics []*metricspb.ResourceMetrics
	var resourceLogs []*logspb.ResourceLogs
	count := e.pending

	scope := &commonpb.InstrumentationScope{Name: "zensight", Version: e.cfg.ServiceVersion}

	for _, b := range e.buckets {
		if len(b.metrics) > 0 {
			var metrics []*metricspb.Metric
			for _, acc := range b.metrics {
				m := &metricspb.Metric{Name: acc.name}
				if acc.isSum {
					m.Data = &metricspb.Metric_Sum{Sum: &metricspb.Sum{
						AggregationTemporality: metricspb.AggregationTemporality_AGGREGATION_TEMPORALITY_CUMULATIVE,
						IsMonotonic:            acc.monotonic,
						DataPoints:             acc.points,
					}}
				} else {
					m.Data = &metricspb.Metric_Gauge{Gauge: &metricspb.Gauge{
						DataPoints: acc.points,
					}}
				}
				metrics = append(metrics, m)
			}
			resourceMetrics = append(resourceMetrics, &metricspb.ResourceMetrics{
				Resource: b.resource,
				ScopeMetrics: []*metricspb.ScopeMetrics{
					{Scope: scope, Metrics: metrics},
				},
			})
		}
		if len(b.logs) > 0 {
			resourceLogs = append(resourceLogs, &logspb.ResourceLogs{
				Resource: b.resource,
				ScopeLogs: []*logspb.ScopeLogs{
					{Scope: scope, LogRecords: b.logs},
				},
			})
		}
	}

	e.buckets = make(map[string]*bucket)
	e.pending = 0

	var metricsReq *colmetricspb.ExportMetricsServiceRequest
	if len(resourceMetrics) > 0 {
		metricsReq = &colmetricspb.ExportMetricsServiceRequest{ResourceMetrics: resourceMetrics}
	}
	var logsReq *collogspb.ExportLogsServiceRequest
	if len(resourceLogs) > 0 {
		logsReq = &collogspb.ExportLogsServiceRequest{ResourceLogs: resourceLogs}
	}
	return metricsReq, logsReq, count
}

// sendWithRetry retries transient failures up to 3 times on a
// 1s/2s/4s schedule with ±25% jitter; permanent failures abort
// immediately.
func (e *Exporter) sendWithRetry(ctx context.Context, send func(context.Context) error) error {
	timeout := time.Duration(e.cfg.TimeoutSecs) * time.Second

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = e.retryBase
	bo.Multiplier = 2
	bo.MaxInterval = 4 * e.retryBase
	bo.RandomizationFactor = 0.25
	bo.MaxElapsedTime = 0 // bounded by the retry count, not wall clock

	op := func() error {
		sendCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		err := send(sendCtx)
		if err == nil {
			return nil
		}
		var ee *ExportError
		if errors.As(err, &ee) && !ee.Retryable {
			return backoff.Permanent(err)
		}
		return err
	}
	if err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(bo, 3), ctx)); err != nil {
		return fmt.Errorf("export failed after retries: %w", err)
	}
	return nil
}

// Pending returns the buffered point count, for tests.
func (e *Exporter) Pending() int { return e.pending }

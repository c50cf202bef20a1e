// Package promexport turns the telemetry stream into a Prometheus
// scrape endpoint: a bounded series aggregator with staleness sweeping
// and a byte-reproducible text exposition.
package promexport

import (
	"context"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/p13marc/zensight/pkg/model"
)

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// SeriesKind is the Prometheus type derived from a telemetry value.
type SeriesKind int

const (
	SeriesCounter SeriesKind = iota
	SeriesGauge
	SeriesInfo
)

func (k SeriesKind) String() string {
	switch k {
	case SeriesCounter:
		return "counter"
	case SeriesInfo:
		return "gauge" // info metrics expose as constant-1 gauges
	}
	return "gauge"
}

// kindOf derives the series kind; binary values are not exportable.
func kindOf(v model.Value) (SeriesKind, bool) {
	switch v.Kind() {
	case model.KindCounter:
		return SeriesCounter, true
	case model.KindGauge, model.KindBoolean:
		return SeriesGauge, true
	case model.KindText:
		return SeriesInfo, true
	}
	return SeriesGauge, false
}

// FilterConfig narrows which points become series.
type FilterConfig struct {
	IncludeProtocols []string `mapstructure:"include_protocols"`
	ExcludeProtocols []string `mapstructure:"exclude_protocols"`
	IncludeSources   []string `mapstructure:"include_sources"`
	ExcludeSources   []string `mapstructure:"exclude_sources"`
	IncludeMetrics   []string `mapstructure:"include_metrics"`
	ExcludeMetrics   []string `mapstructure:"exclude_metrics"`
}

// AggregationConfig bounds the series store.
type AggregationConfig struct {
	StaleTimeoutSecs    int `mapstructure:"stale_timeout_secs"`
	MaxSeries           int `mapstructure:"max_series"`
	CleanupIntervalSecs int `mapstructure:"cleanup_interval_secs"`
}

// Config is the exporter-facing aggregator configuration.
type Config struct {
	Prefix        string            `mapstructure:"prefix"`
	DefaultLabels map[string]string `mapstructure:"default_labels"`
	Aggregation   AggregationConfig `mapstructure:"aggregation"`
	Filters       FilterConfig      `mapstructure:"filters"`
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.Prefix == "" {
		out.Prefix = "zensight"
	}
	if out.Aggregation.StaleTimeoutSecs <= 0 {
		out.Aggregation.StaleTimeoutSecs = 300
	}
	if out.Aggregation.MaxSeries <= 0 {
		out.Aggregation.MaxSeries = 100000
	}
	if out.Aggregation.CleanupIntervalSecs <= 0 {
		out.Aggregation.CleanupIntervalSecs = 60
	}
	return out
}

type labelPair struct {
	key, value string
}

type series struct {
	name       string
	labels     []labelPair // sorted by key
	kind       SeriesKind
	value      float64
	text       string
	lastUpdate time.Time
}

// Stats counts aggregator outcomes; the exporter republishes them as its
// own operational metrics.
type Stats struct {
	PointsReceived   uint64
	PointsAccepted   uint64
	PointsFiltered   uint64
	PointsDropped    uint64 // binary / kind conflict
	DroppedMaxSeries uint64
	StaleRemoved     uint64
}

// Aggregator maps (protocol, source, metric, label fingerprint) to the
// latest sample. Writers take a short write lock per point; the
// exposition takes a read lock and renders a snapshot.
type Aggregator struct {
	cfg    Config
	clock  Clock
	logger *zap.Logger

	mu     sync.RWMutex
	series map[string]*series // keyed by name + label fingerprint
	stats  Stats
	ready  bool
}

// NewAggregator builds the series store. clock may be nil for real
// time.
func NewAggregator(cfg Config, clock Clock, logger *zap.Logger) *Aggregator {
	if clock == nil {
		clock = realClock{}
	}
	return &Aggregator{
		cfg:    cfg.withDefaults(),
		clock:  clock,
		logger: logger,
		series: make(map[string]*series),
	}
}

// Ready reports whether at least one point was accepted, for /ready.
func (a *Aggregator) Ready() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.ready
}

// Stats returns a copy of the counters.
func (a *Aggregator) Stats() Stats {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.stats
}

// SeriesCount returns the live series count.
func (a *Aggregator) SeriesCount() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.series)
}

// Record upserts one telemetry point into the series store.
func (a *Aggregator) Record(point *model.TelemetryPoint) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stats.PointsReceived++

	if !a.include(point) {
		a.stats.PointsFiltered++
		return
	}
	kind, ok := kindOf(point.Value)
	if !ok {
		a.stats.PointsDropped++
		return
	}

	name := SanitizeMetricName(a.cfg.Prefix + "_" + string(point.Protocol) + "_" + point.Metric)
	labels := a.buildLabels(point)
	fp := fingerprint(labels)
	key := name + "\xff" + fp

	existing, found := a.series[key]
	if found && existing.kind != kind {
		a.stats.PointsDropped++
		a.logger.Warn("series kind conflict, point rejected",
			zap.String("series", name),
			zap.String("have", existing.kind.String()),
			zap.String("got", kind.String()))
		return
	}
	if !found && len(a.series) >= a.cfg.Aggregation.MaxSeries {
		// Never evict a live series in favor of a new one.
		a.stats.DroppedMaxSeries++
		return
	}

	s := existing
	if s == nil {
		s = &series{name: name, labels: labels, kind: kind}
		a.series[key] = s
	}
	s.lastUpdate = a.clock.Now()
	switch kind {
	case SeriesInfo:
		text, _ := point.Value.Text()
		s.text = text
		s.value = 1
	default:
		v, _ := point.Value.AsFloat()
		s.value = v
	}
	a.stats.PointsAccepted++
	a.ready = true
}

// buildLabels merges default labels, the built-in source/protocol pair
// and the point labels; point labels win on conflict.
func (a *Aggregator) buildLabels(point *model.TelemetryPoint) []labelPair {
	merged := make(map[string]string, len(a.cfg.DefaultLabels)+len(point.Labels)+2)
	for k, v := range a.cfg.DefaultLabels {
		merged[SanitizeLabelName(k)] = v
	}
	merged["source"] = point.Source
	merged["protocol"] = string(point.Protocol)
	for k, v := range point.Labels {
		merged[SanitizeLabelName(k)] = v
	}
	out := make([]labelPair, 0, len(merged))
	for k, v := range merged {
		out = append(out, labelPair{key: k, value: v})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].key < out[j].key })
	return out
}

func fingerprint(labels []labelPair) string {
	var b strings.Builder
	for _, l := range labels {
		b.WriteString(l.key)
		b.WriteByte('=')
		b.WriteString(l.value)
		b.WriteByte('\xfe')
	}
	return b.String()
}

func (a *Aggregator) include(point *model.TelemetryPoint) bool {
	proto := string(point.Protocol)
	if len(a.cfg.Filters.IncludeProtocols) > 0 && !contains(a.cfg.Filters.IncludeProtocols, proto) {
		return false
	}
	if contains(a.cfg.Filters.ExcludeProtocols, proto) {
		return false
	}
	if len(a.cfg.Filters.IncludeSources) > 0 && !contains(a.cfg.Filters.IncludeSources, point.Source) {
		return false
	}
	if contains(a.cfg.Filters.ExcludeSources, point.Source) {
		return false
	}
	if len(a.cfg.Filters.IncludeMetrics) > 0 && !matchesAny(a.cfg.Filters.IncludeMetrics, point.Metric) {
		return false
	}
	if matchesAny(a.cfg.Filters.ExcludeMetrics, point.Metric) {
		return false
	}
	return true
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func matchesAny(patterns []string, metric string) bool {
	for _, p := range patterns {
		if ok, err := path.Match(p, metric); err == nil && ok {
			return true
		}
	}
	return false
}

// CleanupStale removes series older than the stale timeout. Returns the
// number removed.
func (a *Aggregator) CleanupStale() int {
	timeout := time.Duration(a.cfg.Aggregation.StaleTimeoutSecs) * time.Second
	cutoff := a.clock.Now().Add(-timeout)
	a.mu.Lock()
	defer a.mu.Unlock()
	removed := 0
	for key, s := range a.series {
		if s.lastUpdate.Before(cutoff) {
			delete(a.series, key)
			removed++
		}
	}
	if removed > 0 {
		a.stats.StaleRemoved += uint64(removed)
		a.logger.Debug("stale series removed",
			zap.Int("removed", removed),
			zap.Int("remaining", len(a.series)))
	}
	return removed
}

// RunCleanup sweeps on the configured interval until ctx is cancelled.
func (a *Aggregator) RunCleanup(ctx context.Context) {
	interval := time.Duration(a.cfg.Aggregation.CleanupIntervalSecs) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.CleanupStale()
		}
	}
}

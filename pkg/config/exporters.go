package config

import (
	"fmt"

	"github.com/p13marc/zensight/pkg/otlpexport"
	"github.com/p13marc/zensight/pkg/promexport"
)

// PrometheusFile is the Prometheus exporter configuration file.
type PrometheusFile struct {
	Base        `mapstructure:",squash"`
	Prometheus  promexport.ServerConfig      `mapstructure:"prometheus"`
	Prefix      string                       `mapstructure:"prefix"`
	Aggregation promexport.AggregationConfig `mapstructure:"aggregation"`
	Filters     promexport.FilterConfig      `mapstructure:"filters"`
	Labels      map[string]string            `mapstructure:"default_labels"`
}

// AggregatorConfig assembles the promexport configuration.
func (c *PrometheusFile) AggregatorConfig() promexport.Config {
	return promexport.Config{
		Prefix:        c.Prefix,
		DefaultLabels: c.Labels,
		Aggregation:   c.Aggregation,
		Filters:       c.Filters,
	}
}

// LoadPrometheus reads and validates a Prometheus exporter config.
func LoadPrometheus(path string) (*PrometheusFile, error) {
	v, err := newViper(path)
	if err != nil {
		return nil, err
	}
	v.SetDefault("bridge", "prometheus-exporter")
	v.SetDefault("prometheus.listen", ":9469")
	v.SetDefault("prometheus.path", "/metrics")
	v.SetDefault("prefix", "zensight")
	v.SetDefault("aggregation.stale_timeout_secs", 300)
	v.SetDefault("aggregation.max_series", 100000)
	v.SetDefault("aggregation.cleanup_interval_secs", 60)

	var cfg PrometheusFile
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decoding config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Prometheus.Listen == "" {
		return nil, fmt.Errorf("prometheus.listen is required")
	}
	return &cfg, nil
}

// OTelFile is the OTLP exporter configuration file.
type OTelFile struct {
	Base          `mapstructure:",squash"`
	OpenTelemetry otlpexport.Config `mapstructure:"opentelemetry"`
}

// LoadOTel reads and validates an OTLP exporter config.
func LoadOTel(path string) (*OTelFile, error) {
	v, err := newViper(path)
	if err != nil {
		return nil, err
	}
	v.SetDefault("bridge", "otel-exporter")
	v.SetDefault("opentelemetry.protocol", "grpc")
	v.SetDefault("opentelemetry.export_interval_secs", 10)
	v.SetDefault("opentelemetry.timeout_secs", 30)
	v.SetDefault("opentelemetry.batch_size", 1000)
	v.SetDefault("opentelemetry.export_metrics", true)
	v.SetDefault("opentelemetry.export_logs", true)
	v.SetDefault("opentelemetry.service_name", "zensight")

	var cfg OTelFile
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decoding config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.OpenTelemetry.Endpoint == "" {
		return nil, fmt.Errorf("opentelemetry.endpoint is required")
	}
	switch cfg.OpenTelemetry.Protocol {
	case "grpc", "http":
	default:
		return nil, fmt.Errorf("opentelemetry.protocol %q: want grpc or http", cfg.OpenTelemetry.Protocol)
	}
	return &cfg, nil
}

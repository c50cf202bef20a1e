package promexport

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/p13marc/zensight/pkg/subscriber"
)

// ServerConfig is the HTTP surface of the exporter.
type ServerConfig struct {
	Listen string `mapstructure:"listen"` // e.g. ":9469"
	Path   string `mapstructure:"path"`   // default /metrics
}

// internalMetrics are the exporter's own operational counters, served on
// /internal/metrics through the Prometheus client library.
type internalMetrics struct {
	registry       *prometheus.Registry
	pointsReceived prometheus.Counter
	pointsFiltered prometheus.Counter
	pointsDropped  prometheus.Counter
	seriesTotal    prometheus.GaugeFunc
}

func newInternalMetrics(agg *Aggregator) *internalMetrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	m := &internalMetrics{
		registry: reg,
		pointsReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "zensight_exporter_points_received_total",
			Help: "Telemetry points received from the fabric.",
		}),
		pointsFiltered: factory.NewCounter(prometheus.CounterOpts{
			Name: "zensight_exporter_points_filtered_total",
			Help: "Telemetry points rejected by the configured filters.",
		}),
		pointsDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "zensight_exporter_points_dropped_total",
			Help: "Telemetry points dropped (binary values, kind conflicts, max series).",
		}),
	}
	m.seriesTotal = factory.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "zensight_exporter_series_total",
		Help: "Live series in the aggregator.",
	}, func() float64 { return float64(agg.SeriesCount()) })
	return m
}

// Server is the Prometheus exporter process: subscriber events in,
// scrape endpoint out.
type Server struct {
	cfg    ServerConfig
	agg    *Aggregator
	engine *subscriber.Engine
	logger *zap.Logger
	im     *internalMetrics
}

// NewServer wires the aggregator to the subscriber engine and the HTTP
// listener.
func NewServer(cfg ServerConfig, agg *Aggregator, engine *subscriber.Engine, logger *zap.Logger) *Server {
	if cfg.Path == "" {
		cfg.Path = "/metrics"
	}
	return &Server{
		cfg:    cfg,
		agg:    agg,
		engine: engine,
		logger: logger,
		im:     newInternalMetrics(agg),
	}
}

// Run consumes subscriber events, sweeps staleness and serves HTTP until
// ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc(s.cfg.Path, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		_, _ = w.Write([]byte(s.agg.Render()))
	})
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	mux.HandleFunc("/ready", func(w http.ResponseWriter, _ *http.Request) {
		if s.agg.Ready() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready\n"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("no telemetry accepted yet\n"))
	})
	mux.Handle("/internal/metrics", promhttp.HandlerFor(s.im.registry, promhttp.HandlerOpts{}))

	srv := &http.Server{Addr: s.cfg.Listen, Handler: mux}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("prometheus exporter listening",
			zap.String("addr", s.cfg.Listen),
			zap.String("path", s.cfg.Path))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	go s.agg.RunCleanup(ctx)
	go s.consume(ctx)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		return err
	}
}

// consume drains subscriber events into the aggregator.
func (s *Server) consume(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-s.engine.Events():
			if point, ok := ev.(subscriber.PointUpdate); ok {
				before := s.agg.Stats()
				s.agg.Record(point.Point)
				after := s.agg.Stats()
				s.im.pointsReceived.Inc()
				if after.PointsFiltered > before.PointsFiltered {
					s.im.pointsFiltered.Inc()
				}
				if after.PointsDropped > before.PointsDropped || after.DroppedMaxSeries > before.DroppedMaxSeries {
					s.im.pointsDropped.Inc()
				}
			}
		}
	}
}

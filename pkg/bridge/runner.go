package bridge

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/p13marc/zensight/pkg/fabric"
	"github.com/p13marc/zensight/pkg/keyexpr"
	"github.com/p13marc/zensight/pkg/model"
)

// Adapter is the contract every protocol ingest task satisfies. Run
// loops until ctx is cancelled, publishing samples and recording poll
// outcomes through the handles.
type Adapter interface {
	Name() string
	Run(ctx context.Context, h *Handles) error
}

// Handles is the bundle given to each adapter; every adapter of a runner
// receives the same *Handles. The runner keeps the cancel token;
// adapters hold these shared handles.
type Handles struct {
	Publisher *Publisher
	Health    *Reporter
	Liveness  *Manager
	Logger    *zap.Logger

	bridge   string
	protocol model.Protocol
	conn     fabric.Conn
}

// Correlate publishes a cross-bridge correlation record for a device
// address this bridge monitors.
func (h *Handles) Correlate(ip, source string) {
	rec := model.CorrelationRecord{
		IP:        ip,
		Source:    source,
		Protocol:  h.protocol,
		Bridge:    h.bridge,
		UpdatedMS: model.NowMillis(),
	}
	payload, err := json.Marshal(&rec)
	if err != nil {
		return
	}
	if perr := h.conn.Publish(keyexpr.Correlation(ip), payload, nil); perr != nil {
		h.Logger.Debug("correlation publish failed", zap.String("ip", ip), zap.Error(perr))
	}
}

// RunnerConfig assembles a bridge process.
type RunnerConfig struct {
	// Bridge is the bridge identity (e.g. "snmp-bridge-lab").
	Bridge string
	// Protocol this bridge ingests.
	Protocol model.Protocol
	// Publisher settings, including the serialization format.
	Publisher PublisherConfig
	// Liveness thresholds and refresh cadence.
	Liveness LivenessConfig
	// Health publication cadence.
	Health HealthConfig
	// Grace bounds in-flight work on shutdown. Default 5s.
	Grace time.Duration
}

// Runner is the scaffolding every bridge shares: it owns the publisher,
// liveness manager and health reporter, runs adapters with panic
// isolation, and drives graceful shutdown.
type Runner struct {
	conn   fabric.Conn
	cfg    RunnerConfig
	logger *zap.Logger

	publisher *Publisher
	liveness  *Manager
	health    *Reporter
	instance  string
}

// NewRunner wires the bridge runtime. clock may be nil for real time.
func NewRunner(conn fabric.Conn, cfg RunnerConfig, clock Clock, logger *zap.Logger) *Runner {
	if cfg.Grace <= 0 {
		cfg.Grace = 5 * time.Second
	}
	instance := uuid.NewString()
	pub := NewPublisher(conn, cfg.Bridge, cfg.Protocol, instance, cfg.Publisher, logger)
	liv := NewManager(conn, pub, cfg.Bridge, cfg.Protocol, instance, cfg.Liveness, clock, logger)
	rep := NewReporter(cfg.Bridge, cfg.Protocol, pub, liv, cfg.Health, clock, logger)
	pub.SetDropHandler(rep.ReportError)
	return &Runner{
		conn:      conn,
		cfg:       cfg,
		logger:    logger,
		publisher: pub,
		liveness:  liv,
		health:    rep,
		instance:  instance,
	}
}

// Handles returns the handle bundle passed to adapters.
func (r *Runner) Handles() *Handles {
	return &Handles{
		Publisher: r.publisher,
		Health:    r.health,
		Liveness:  r.liveness,
		Logger:    r.logger,
		bridge:    r.cfg.Bridge,
		protocol:  r.cfg.Protocol,
		conn:      r.conn,
	}
}

// Run starts the bridge: declares liveness before any telemetry, starts
// the runtime loops, then runs every adapter until ctx is cancelled. An
// adapter panic is reported and terminates only that adapter.
func (r *Runner) Run(ctx context.Context, adapters ...Adapter) error {
	if len(adapters) == 0 {
		return Errf(KindConfig, "", false, "no adapters configured")
	}

	// Liveness first: the token must exist before the first telemetry.
	if err := r.liveness.DeclareBridge(); err != nil {
		return err
	}
	r.announce()
	if err := r.publisher.ServeControl(); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	loopCtx, stopLoops := context.WithCancel(context.Background())
	defer stopLoops()

	var loops sync.WaitGroup
	loops.Add(3)
	go func() { defer loops.Done(); _ = r.publisher.Serve(loopCtx) }()
	go func() { defer loops.Done(); _ = r.liveness.Run(loopCtx) }()
	go func() { defer loops.Done(); _ = r.health.Run(loopCtx) }()

	h := r.Handles()
	var tasks sync.WaitGroup
	for _, a := range adapters {
		tasks.Add(1)
		go func(a Adapter) {
			defer tasks.Done()
			defer func() {
				if rec := recover(); rec != nil {
					// The task dies; siblings keep running. Operators
					// restart the process to bring it back.
					err := Errf(KindOther, "", false, "adapter %s panicked: %v", a.Name(), rec)
					r.health.ReportError(err)
					r.logger.Error("adapter panicked",
						zap.String("adapter", a.Name()),
						zap.Any("panic", rec))
				}
			}()
			r.logger.Info("adapter started", zap.String("adapter", a.Name()))
			if err := a.Run(runCtx, h); err != nil && runCtx.Err() == nil {
				r.health.ReportError(Classify("", err))
				r.logger.Error("adapter exited with error",
					zap.String("adapter", a.Name()), zap.Error(err))
			}
		}(a)
	}

	<-ctx.Done()
	r.logger.Info("shutdown requested", zap.Duration("grace", r.cfg.Grace))

	// Let adapters finish in-flight work within the grace period, flush,
	// then tear down the runtime loops (which revokes liveness tokens).
	cancel()
	done := make(chan struct{})
	go func() {
		tasks.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(r.cfg.Grace):
		r.logger.Warn("grace period expired with adapters still running")
	}

	if f, ok := r.conn.(interface{ Flush() error }); ok {
		_ = f.Flush()
	}
	stopLoops()
	loops.Wait()
	r.logger.Info("bridge stopped", zap.String("bridge", r.cfg.Bridge))
	return nil
}

func (r *Runner) announce() {
	ann := model.BridgeAnnouncement{
		Bridge:    r.cfg.Bridge,
		Protocol:  r.cfg.Protocol,
		Instance:  r.instance,
		StartedMS: model.NowMillis(),
	}
	payload, err := json.Marshal(&ann)
	if err != nil {
		return
	}
	if perr := r.conn.Publish(keyexpr.Bridge(r.cfg.Bridge), payload,
		map[string]string{fabric.HeaderInstance: r.instance}); perr != nil {
		r.logger.Warn("bridge announcement failed", zap.Error(perr))
	}
}

// Instance returns the publisher instance id, mainly for tests.
func (r *Runner) Instance() string { return r.instance }

package bridge

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/p13marc/zensight/pkg/keyexpr"
	"github.com/p13marc/zensight/pkg/model"
)

// HealthConfig tunes the periodic health publication.
type HealthConfig struct {
	// Interval between health snapshots. Default 10s.
	Interval time.Duration
}

func (c *HealthConfig) withDefaults() HealthConfig {
	out := *c
	if out.Interval <= 0 {
		out.Interval = 10 * time.Second
	}
	return out
}

// Reporter tracks bridge health and publishes a HealthSnapshot
// periodically. Poll results are forwarded to the liveness manager so
// adapters record each attempt exactly once.
type Reporter struct {
	bridge   string
	protocol model.Protocol
	pub      *Publisher
	liveness *Manager
	cfg      HealthConfig
	clock    Clock
	logger   *zap.Logger

	start        time.Time
	devicesTotal atomic.Uint64
	lastPollMS   atomic.Uint64

	mu       sync.Mutex
	errTimes []time.Time
}

// NewReporter builds a health reporter wired to the publisher and
// liveness manager.
func NewReporter(bridge string, protocol model.Protocol, pub *Publisher, liveness *Manager, cfg HealthConfig, clock Clock, logger *zap.Logger) *Reporter {
	if clock == nil {
		clock = realClock{}
	}
	return &Reporter{
		bridge:   bridge,
		protocol: protocol,
		pub:      pub,
		liveness: liveness,
		cfg:      cfg.withDefaults(),
		clock:    clock,
		logger:   logger,
		start:    clock.Now(),
	}
}

// SetDevicesTotal records the configured device count.
func (r *Reporter) SetDevicesTotal(n uint64) { r.devicesTotal.Store(n) }

// RecordSuccess notes a successful poll attempt and its duration.
func (r *Reporter) RecordSuccess(device string, duration time.Duration) {
	r.lastPollMS.Store(uint64(duration.Milliseconds()))
	r.liveness.RecordSuccess(device, duration)
}

// RecordFailure notes a failed poll attempt.
func (r *Reporter) RecordFailure(device string, err error) {
	r.liveness.RecordFailure(device, err)
}

// ReportError publishes an error report and counts it toward the
// errors-last-hour window.
func (r *Reporter) ReportError(e *Error) {
	now := r.clock.Now()
	r.mu.Lock()
	r.errTimes = append(r.errTimes, now)
	r.trimLocked(now)
	r.mu.Unlock()

	rep := e.Report()
	payload, err := model.Encode(&rep, r.pub.cfg.Format)
	if err != nil {
		return
	}
	if perr := r.pub.PublishRaw(keyexpr.Errors(r.protocol), payload); perr != nil {
		r.logger.Debug("error report publish failed", zap.Error(perr))
	}
}

func (r *Reporter) trimLocked(now time.Time) {
	cutoff := now.Add(-time.Hour)
	i := 0
	for i < len(r.errTimes) && r.errTimes[i].Before(cutoff) {
		i++
	}
	r.errTimes = r.errTimes[i:]
}

func (r *Reporter) errorsLastHour() uint64 {
	now := r.clock.Now()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.trimLocked(now)
	return uint64(len(r.errTimes))
}

// Snapshot assembles the current health snapshot.
func (r *Reporter) Snapshot() model.HealthSnapshot {
	counts := r.liveness.Counts()
	total := r.devicesTotal.Load()
	if total == 0 {
		total = counts.Total
	}
	errs := r.errorsLastHour()
	stats := r.pub.Stats()

	status := model.BridgeHealthy
	switch {
	case total > 0 && counts.Responding == 0 && counts.Failed > 0:
		status = model.BridgeUnhealthy
	case counts.Failed > 0 || errs > 0 || stats.Dropped > 0:
		status = model.BridgeDegraded
	}

	return model.HealthSnapshot{
		Bridge:             r.bridge,
		Status:             status,
		UptimeSecs:         uint64(r.clock.Now().Sub(r.start).Seconds()),
		DevicesTotal:       total,
		DevicesResponding:  counts.Responding,
		DevicesFailed:      counts.Failed,
		LastPollDurationMS: r.lastPollMS.Load(),
		ErrorsLastHour:     errs,
		MetricsPublished:   stats.Published,
	}
}

// Run publishes health snapshots until ctx is cancelled. A final
// snapshot is published on the way out.
func (r *Reporter) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			r.publish()
			return nil
		case <-ticker.C:
			r.publish()
		}
	}
}

func (r *Reporter) publish() {
	snap := r.Snapshot()
	payload, err := model.Encode(&snap, r.pub.cfg.Format)
	if err != nil {
		return
	}
	if perr := r.pub.PublishRaw(keyexpr.Health(r.protocol), payload); perr != nil {
		r.logger.Debug("health publish failed", zap.Error(perr))
	}
}

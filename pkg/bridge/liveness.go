package bridge

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/p13marc/zensight/pkg/fabric"
	"github.com/p13marc/zensight/pkg/keyexpr"
	"github.com/p13marc/zensight/pkg/model"
)

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// LivenessConfig tunes token refresh and device status thresholds.
type LivenessConfig struct {
	// RefreshInterval is how often declared tokens are re-announced so
	// absence propagates within the keepalive window. Default 10s.
	RefreshInterval time.Duration
	// DegradedThreshold is the consecutive-failure count that moves a
	// device Online -> Degraded. Default 1.
	DegradedThreshold uint32
	// OfflineThreshold is the consecutive-failure count that moves a
	// device to Offline. Default 3.
	OfflineThreshold uint32
	// DegradedLatency, when non-zero, marks a device Degraded when a
	// successful poll exceeds it.
	DegradedLatency time.Duration
}

func (c *LivenessConfig) withDefaults() LivenessConfig {
	out := *c
	if out.RefreshInterval <= 0 {
		out.RefreshInterval = 10 * time.Second
	}
	if out.DegradedThreshold == 0 {
		out.DegradedThreshold = 1
	}
	if out.OfflineThreshold == 0 {
		out.OfflineThreshold = 3
	}
	return out
}

// TokenInfo is the payload carried by liveness token messages. It lets
// subscribers locate the publisher's control keys for history fetch.
type TokenInfo struct {
	Bridge   string         `json:"bridge"`
	Protocol model.Protocol `json:"protocol"`
	Instance string         `json:"instance"`
}

type deviceState struct {
	status        model.DeviceStatus
	lastSeen      int64
	failures      uint32
	lastError     string
	tokenDeclared bool
}

type livenessUpdate struct {
	device  string
	success bool
	latency time.Duration
	err     error
	forced  model.DeviceStatus // "" unless Mark was used
}

// DeviceCounts summarizes device states for the health snapshot.
type DeviceCounts struct {
	Total      uint64
	Responding uint64
	Failed     uint64
}

// Manager owns the bridge and per-device liveness tokens and computes
// device status transitions. Status changes arrive through a queue and
// are applied by the single Run task, so no state is shared across tasks.
type Manager struct {
	conn     fabric.Conn
	pub      *Publisher
	bridge   string
	protocol model.Protocol
	instance string
	cfg      LivenessConfig
	clock    Clock
	logger   *zap.Logger

	// mu guards devices; updates are applied by the single Run task,
	// the lock only covers reads from the health loop and tests.
	mu      sync.Mutex
	devices map[string]*deviceState
	updates chan livenessUpdate

	bridgeDeclared bool
}

// NewManager builds a liveness manager. The bridge token is declared by
// DeclareBridge, which the runner calls before any telemetry flows.
func NewManager(conn fabric.Conn, pub *Publisher, bridge string, protocol model.Protocol, instance string, cfg LivenessConfig, clock Clock, logger *zap.Logger) *Manager {
	if clock == nil {
		clock = realClock{}
	}
	return &Manager{
		conn:     conn,
		pub:      pub,
		bridge:   bridge,
		protocol: protocol,
		instance: instance,
		cfg:      cfg.withDefaults(),
		clock:    clock,
		logger:   logger,
		devices:  make(map[string]*deviceState),
		updates:  make(chan livenessUpdate, 256),
	}
}

func (m *Manager) tokenPayload() []byte {
	b, _ := json.Marshal(TokenInfo{Bridge: m.bridge, Protocol: m.protocol, Instance: m.instance})
	return b
}

func (m *Manager) publishToken(key, op string) error {
	return m.conn.Publish(key, m.tokenPayload(), map[string]string{
		fabric.HeaderToken:    op,
		fabric.HeaderInstance: m.instance,
	})
}

// DeclareBridge announces the bridge liveness token. Must run before the
// first telemetry publish and is idempotent.
func (m *Manager) DeclareBridge() error {
	if m.bridgeDeclared {
		return nil
	}
	if err := m.publishToken(keyexpr.BridgeAlive(m.protocol), fabric.TokenDeclare); err != nil {
		return TransportError(err)
	}
	m.bridgeDeclared = true
	m.logger.Info("bridge liveness token declared",
		zap.String("key", keyexpr.BridgeAlive(m.protocol)))
	return nil
}

// RecordSuccess queues a successful poll result for a device.
func (m *Manager) RecordSuccess(device string, latency time.Duration) {
	m.enqueue(livenessUpdate{device: device, success: true, latency: latency})
}

// RecordFailure queues a failed poll result for a device.
func (m *Manager) RecordFailure(device string, err error) {
	m.enqueue(livenessUpdate{device: device, err: err})
}

// Mark forces a device status, for adapters that learn status out of
// band (e.g. a trap reporting a link down).
func (m *Manager) Mark(device string, status model.DeviceStatus) {
	m.enqueue(livenessUpdate{device: device, forced: status})
}

func (m *Manager) enqueue(u livenessUpdate) {
	select {
	case m.updates <- u:
	default:
		// Queue full: drop the update rather than block the poll path.
		m.logger.Warn("liveness update queue full", zap.String("device", u.device))
	}
}

// Counts summarizes device states for the health snapshot.
func (m *Manager) Counts() DeviceCounts {
	m.mu.Lock()
	defer m.mu.Unlock()
	var c DeviceCounts
	c.Total = uint64(len(m.devices))
	for _, st := range m.devices {
		switch st.status {
		case model.DeviceOnline, model.DeviceDegraded:
			c.Responding++
		case model.DeviceOffline:
			c.Failed++
		}
	}
	return c
}

// Run consumes status updates and refreshes declared tokens until ctx is
// cancelled, then revokes everything.
func (m *Manager) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.RefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			m.revokeAll()
			return nil
		case u := <-m.updates:
			m.apply(u)
		case <-ticker.C:
			m.refreshTokens()
		}
	}
}

func (m *Manager) refreshTokens() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.bridgeDeclared {
		if err := m.publishToken(keyexpr.BridgeAlive(m.protocol), fabric.TokenRefresh); err != nil {
			m.logger.Debug("bridge token refresh failed", zap.Error(err))
		}
	}
	for device, st := range m.devices {
		if st.tokenDeclared {
			if err := m.publishToken(keyexpr.DeviceAlive(m.protocol, device), fabric.TokenRefresh); err != nil {
				m.logger.Debug("device token refresh failed",
					zap.String("device", device), zap.Error(err))
			}
		}
	}
}

func (m *Manager) revokeAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for device, st := range m.devices {
		if st.tokenDeclared {
			_ = m.publishToken(keyexpr.DeviceAlive(m.protocol, device), fabric.TokenRevoke)
			st.tokenDeclared = false
		}
	}
	if m.bridgeDeclared {
		_ = m.publishToken(keyexpr.BridgeAlive(m.protocol), fabric.TokenRevoke)
		m.bridgeDeclared = false
	}
}

func (m *Manager) apply(u livenessUpdate) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.devices[u.device]
	if !ok {
		st = &deviceState{status: model.DeviceUnknown}
		m.devices[u.device] = st
	}

	next := st.status
	switch {
	case u.forced != "":
		next = u.forced
	case u.success:
		st.failures = 0
		st.lastSeen = m.clock.Now().UnixMilli()
		st.lastError = ""
		next = model.DeviceOnline
		if m.cfg.DegradedLatency > 0 && u.latency > m.cfg.DegradedLatency {
			next = model.DeviceDegraded
		}
	default:
		st.failures++
		if u.err != nil {
			st.lastError = u.err.Error()
		}
		switch {
		case st.failures >= m.cfg.OfflineThreshold:
			next = model.DeviceOffline
		case st.failures >= m.cfg.DegradedThreshold && st.status != model.DeviceOffline:
			next = model.DeviceDegraded
		}
	}

	if next == st.status {
		return
	}
	prev := st.status
	st.status = next
	m.transitionToken(u.device, st, prev)
	m.publishLiveness(u.device, st)
}

// transitionToken keeps the token declared exactly while the device is
// considered alive: declared on entry to Online/Degraded, revoked on
// entry to Offline. Declares are never doubled.
func (m *Manager) transitionToken(device string, st *deviceState, prev model.DeviceStatus) {
	alive := st.status == model.DeviceOnline || st.status == model.DeviceDegraded
	switch {
	case alive && !st.tokenDeclared:
		if err := m.publishToken(keyexpr.DeviceAlive(m.protocol, device), fabric.TokenDeclare); err != nil {
			m.logger.Warn("device token declare failed",
				zap.String("device", device), zap.Error(err))
			return
		}
		st.tokenDeclared = true
		m.logger.Debug("device token declared", zap.String("device", device))
	case st.status == model.DeviceOffline && st.tokenDeclared:
		if err := m.publishToken(keyexpr.DeviceAlive(m.protocol, device), fabric.TokenRevoke); err != nil {
			m.logger.Warn("device token revoke failed",
				zap.String("device", device), zap.Error(err))
		}
		st.tokenDeclared = false
		m.logger.Info("device offline, token revoked",
			zap.String("device", device), zap.String("was", string(prev)))
	}
}

func (m *Manager) publishLiveness(device string, st *deviceState) {
	rec := model.DeviceLiveness{
		Device:              device,
		Status:              st.status,
		LastSeen:            st.lastSeen,
		ConsecutiveFailures: st.failures,
		LastError:           st.lastError,
	}
	payload, err := model.Encode(&rec, m.pub.cfg.Format)
	if err != nil {
		return
	}
	if err := m.pub.PublishRaw(keyexpr.DeviceLiveness(m.protocol, device), payload); err != nil {
		m.logger.Debug("liveness record publish failed",
			zap.String("device", device), zap.Error(err))
	}
}

// Status returns the current status of a device. Production consumers
// read liveness from the fabric; this accessor serves health and tests.
func (m *Manager) Status(device string) model.DeviceStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.devices[device]; ok {
		return st.status
	}
	return model.DeviceUnknown
}

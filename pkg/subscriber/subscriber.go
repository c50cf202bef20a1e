// Package subscriber implements the cache-and-recovery consumer shared
// by the visualizer and both exporters: a wildcard subscription over the
// ZenSight keyspace with history replay from known publishers, sequence
// gap recovery, liveness token tracking, and payload auto-detection.
package subscriber

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/p13marc/zensight/pkg/bridge"
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

// Config tunes the subscriber engine.
type Config struct {
	// Pattern is the subscription root. Default "zensight/**".
	Pattern string
	// KeepaliveWindow after which a silent liveness token is ABSENT.
	// Default 30s.
	KeepaliveWindow time.Duration
	// RequestTimeout bounds history and recovery queries. Default 5s.
	RequestTimeout time.Duration
	// SweepInterval between token keepalive sweeps. Default 5s.
	SweepInterval time.Duration
	// BufferSize of the event channel. Default 1024.
	BufferSize int
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.Pattern == "" {
		out.Pattern = keyexpr.AllTelemetry()
	}
	if out.KeepaliveWindow <= 0 {
		out.KeepaliveWindow = 30 * time.Second
	}
	if out.RequestTimeout <= 0 {
		out.RequestTimeout = 5 * time.Second
	}
	if out.SweepInterval <= 0 {
		out.SweepInterval = 5 * time.Second
	}
	if out.BufferSize <= 0 {
		out.BufferSize = 1024
	}
	return out
}

type tokenState struct {
	instance string
	info     bridge.TokenInfo
	lastSeen time.Time
	device   string // "" for bridge tokens
	protocol model.Protocol
}

// Engine is the advanced subscriber.
type Engine struct {
	conn   fabric.Conn
	cfg    Config
	clock  Clock
	logger *zap.Logger

	events  chan Event
	dropped atomic.Uint64

	mu       sync.Mutex
	lastSeq  map[string]uint64      // per key
	keyOwner map[string]string      // key -> publisher instance
	tokens   map[string]*tokenState // token key -> state
	fetched  map[string]bool        // instances whose history was fetched

	sub fabric.Subscription
}

// New builds a subscriber engine. clock may be nil for real time.
func New(conn fabric.Conn, cfg Config, clock Clock, logger *zap.Logger) *Engine {
	if clock == nil {
		clock = realClock{}
	}
	c := cfg.withDefaults()
	return &Engine{
		conn:     conn,
		cfg:      c,
		clock:    clock,
		logger:   logger,
		events:   make(chan Event, c.BufferSize),
		lastSeq:  make(map[string]uint64),
		keyOwner: make(map[string]string),
		tokens:   make(map[string]*tokenState),
		fetched:  make(map[string]bool),
	}
}

// Events is the fan-out channel. The engine never blocks on it: when the
// consumer lags, events are dropped and counted.
func (e *Engine) Events() <-chan Event { return e.events }

// DroppedEvents returns how many events were lost to a slow consumer.
func (e *Engine) DroppedEvents() uint64 { return e.dropped.Load() }

// Subscribe registers the wildcard subscription without starting the
// sweeper loop. Start calls it; exported for tests that drive messages
// by hand.
func (e *Engine) Subscribe() error {
	if e.sub != nil {
		return nil
	}
	sub, err := e.conn.Subscribe(e.cfg.Pattern, e.onMessage)
	if err != nil {
		return err
	}
	e.sub = sub
	e.logger.Info("subscribed", zap.String("pattern", e.cfg.Pattern))
	return nil
}

// Start subscribes and runs the keepalive sweeper until ctx is
// cancelled.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.Subscribe(); err != nil {
		return err
	}

	ticker := time.NewTicker(e.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			_ = e.sub.Unsubscribe()
			return nil
		case <-ticker.C:
			e.SweepTokens()
		}
	}
}

func (e *Engine) emit(ev Event) {
	select {
	case e.events <- ev:
	default:
		// Consumer is saturated; drop rather than backpressure the
		// transport.
		e.dropped.Add(1)
	}
}

func (e *Engine) onMessage(m fabric.Message) {
	if op := m.Header(fabric.HeaderToken); op != "" {
		e.handleToken(m, op)
		return
	}

	switch keyexpr.Classify(m.Key) {
	case keyexpr.KindHeartbeat:
		e.handleHeartbeat(m)
	case keyexpr.KindTelemetry:
		e.handleSequenced(m, false)
	case keyexpr.KindHealth, keyexpr.KindLivenessRecord, keyexpr.KindErrors:
		e.handleSequenced(m, false)
	case keyexpr.KindCorrelation:
		var rec model.CorrelationRecord
		if err := json.Unmarshal(m.Data, &rec); err != nil {
			e.logger.Warn("undecodable correlation record", zap.Error(err))
			return
		}
		e.emit(CorrelationUpdate{Record: rec})
	case keyexpr.KindBridgeMeta:
		// A bridge announcement is another late-publisher signal; fetch
		// its cached history if we have not already.
		instance := m.Header(fabric.HeaderInstance)
		if instance == "" {
			return
		}
		e.mu.Lock()
		needFetch := !e.fetched[instance]
		if needFetch {
			e.fetched[instance] = true
		}
		e.mu.Unlock()
		if needFetch {
			e.fetchHistory(instance)
		}
	}
}

// handleSequenced applies per-key ordering and gap recovery, then
// decodes and delivers.
func (e *Engine) handleSequenced(m fabric.Message, fromHistory bool) {
	seqStr := m.Header(fabric.HeaderSeq)
	if seqStr == "" {
		e.deliver(m.Key, m.Data, fromHistory)
		return
	}
	seq, err := strconv.ParseUint(seqStr, 10, 64)
	if err != nil {
		e.deliver(m.Key, m.Data, fromHistory)
		return
	}
	instance := m.Header(fabric.HeaderInstance)

	e.mu.Lock()
	if instance != "" {
		e.keyOwner[m.Key] = instance
	}
	last := e.lastSeq[m.Key]
	if seq <= last && last != 0 {
		e.mu.Unlock()
		return // duplicate or already replayed
	}
	gapFrom, gapTo := uint64(0), uint64(0)
	if last != 0 && seq > last+1 {
		gapFrom, gapTo = last+1, seq-1
	}
	e.lastSeq[m.Key] = seq
	e.mu.Unlock()

	if gapFrom != 0 && instance != "" {
		e.recoverRange(instance, m.Key, gapFrom, gapTo)
	}
	e.deliver(m.Key, m.Data, fromHistory)
}

// recoverRange asks the publisher for a missed sequence range. One retry,
// then the loss is surfaced as a parse-class error report.
func (e *Engine) recoverRange(instance, key string, from, to uint64) {
	req, _ := json.Marshal(bridge.RecoverRequest{Key: key, From: from, To: to})
	ctrl := keyexpr.Control(instance, "recover")

	var samples []bridge.CachedSample
	var err error
	for attempt := 0; attempt < 2; attempt++ {
		var resp []byte
		resp, err = e.conn.Request(ctrl, req, e.cfg.RequestTimeout)
		if err == nil {
			err = json.Unmarshal(resp, &samples)
		}
		if err == nil {
			break
		}
	}
	if err != nil {
		e.logger.Warn("sample recovery failed",
			zap.String("key", key),
			zap.Uint64("from", from), zap.Uint64("to", to),
			zap.Error(err))
		e.emit(ErrorUpdate{Report: model.ErrorReport{
			Timestamp: e.clock.Now().UnixMilli(),
			ErrorType: model.ErrParse,
			Message:   "sample recovery failed for " + key,
			Retryable: false,
		}})
		return
	}
	for _, s := range samples {
		e.deliver(s.Key, s.Data, true)
	}
}

// deliver decodes a payload by key kind and emits the event. Decoding
// errors are logged and the sample dropped; the subscription survives.
func (e *Engine) deliver(key string, data []byte, fromHistory bool) {
	switch keyexpr.Classify(key) {
	case keyexpr.KindTelemetry:
		point, err := model.DecodePoint(data)
		if err != nil {
			e.logger.Warn("undecodable telemetry payload",
				zap.String("key", key), zap.Error(err))
			return
		}
		e.emit(PointUpdate{Key: key, Point: point, FromHistory: fromHistory})
	case keyexpr.KindHealth:
		var snap model.HealthSnapshot
		if err := model.Decode(data, &snap); err != nil {
			e.logger.Warn("undecodable health payload", zap.Error(err))
			return
		}
		proto, _ := keyexpr.TokenProtocol(key)
		e.emit(HealthUpdate{Protocol: proto, Snapshot: snap})
	case keyexpr.KindLivenessRecord:
		var liv model.DeviceLiveness
		if err := model.Decode(data, &liv); err != nil {
			e.logger.Warn("undecodable liveness payload", zap.Error(err))
			return
		}
		proto, _ := keyexpr.TokenProtocol(key)
		e.emit(LivenessUpdate{Protocol: proto, Liveness: liv})
	case keyexpr.KindErrors:
		var rep model.ErrorReport
		if err := model.Decode(data, &rep); err != nil {
			e.logger.Warn("undecodable error report", zap.Error(err))
			return
		}
		proto, _ := keyexpr.TokenProtocol(key)
		e.emit(ErrorUpdate{Protocol: proto, Report: rep})
	}
}

// handleHeartbeat compares the publisher digest against local sequence
// state and recovers silent gaps even when no traffic flows.
func (e *Engine) handleHeartbeat(m fabric.Message) {
	instance := m.Header(fabric.HeaderInstance)
	if instance == "" {
		return
	}
	var digest map[string]uint64
	if err := json.Unmarshal(m.Data, &digest); err != nil {
		return
	}
	for key, seq := range digest {
		e.mu.Lock()
		last := e.lastSeq[key]
		if seq <= last {
			e.mu.Unlock()
			continue
		}
		e.lastSeq[key] = seq
		e.keyOwner[key] = instance
		from := last + 1
		e.mu.Unlock()
		e.recoverRange(instance, key, from, seq)
	}
}

// handleToken tracks PRESENT/ABSENT transitions and triggers history
// fetch when a new publisher appears.
func (e *Engine) handleToken(m fabric.Message, op string) {
	var info bridge.TokenInfo
	_ = json.Unmarshal(m.Data, &info)
	instance := m.Header(fabric.HeaderInstance)
	device := keyexpr.TokenDevice(m.Key)
	proto, _ := keyexpr.TokenProtocol(m.Key)

	e.mu.Lock()
	st, present := e.tokens[m.Key]
	switch op {
	case fabric.TokenDeclare, fabric.TokenRefresh:
		if st == nil {
			st = &tokenState{instance: instance, info: info, device: device, protocol: proto}
			e.tokens[m.Key] = st
		}
		st.lastSeen = e.clock.Now()
		st.instance = instance
		needFetch := device == "" && instance != "" && !e.fetched[instance]
		if needFetch {
			e.fetched[instance] = true
		}
		e.mu.Unlock()
		if !present {
			if device == "" {
				e.emit(BridgeOnline{Protocol: proto, Bridge: info.Bridge, Instance: instance})
			} else {
				e.emit(DeviceOnline{Protocol: proto, Device: device})
			}
		}
		if needFetch {
			e.fetchHistory(instance)
		}
	case fabric.TokenRevoke:
		delete(e.tokens, m.Key)
		e.mu.Unlock()
		if present {
			e.emitAbsent(st)
		}
	default:
		e.mu.Unlock()
	}
}

func (e *Engine) emitAbsent(st *tokenState) {
	if st.device == "" {
		e.emit(BridgeOffline{Protocol: st.protocol, Bridge: st.info.Bridge})
	} else {
		e.emit(DeviceOffline{Protocol: st.protocol, Device: st.device})
	}
}

// SweepTokens marks tokens ABSENT when their keepalive window lapses.
// Called periodically by Start; exported for deterministic tests.
func (e *Engine) SweepTokens() {
	now := e.clock.Now()
	var lapsed []*tokenState
	e.mu.Lock()
	for key, st := range e.tokens {
		if now.Sub(st.lastSeen) > e.cfg.KeepaliveWindow {
			delete(e.tokens, key)
			lapsed = append(lapsed, st)
		}
	}
	e.mu.Unlock()
	for _, st := range lapsed {
		e.emitAbsent(st)
	}
}

// fetchHistory replays the cached samples of a newly seen publisher.
// Samples already superseded by live traffic are skipped; the rest are
// delivered in per-key sequence order before subsequent live points.
func (e *Engine) fetchHistory(instance string) {
	req, _ := json.Marshal(bridge.HistoryRequest{Pattern: e.cfg.Pattern})
	resp, err := e.conn.Request(keyexpr.Control(instance, "history"), req, e.cfg.RequestTimeout)
	if err != nil {
		e.logger.Warn("history fetch failed",
			zap.String("instance", instance), zap.Error(err))
		e.mu.Lock()
		delete(e.fetched, instance) // allow a later retry on next refresh
		e.mu.Unlock()
		return
	}
	var samples []bridge.CachedSample
	if err := json.Unmarshal(resp, &samples); err != nil {
		e.logger.Warn("undecodable history response", zap.Error(err))
		return
	}
	for _, s := range samples {
		e.mu.Lock()
		if s.Seq <= e.lastSeq[s.Key] {
			e.mu.Unlock()
			continue
		}
		e.lastSeq[s.Key] = s.Seq
		e.keyOwner[s.Key] = instance
		e.mu.Unlock()
		e.deliver(s.Key, s.Data, true)
	}
}

package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/p13marc/zensight/pkg/fabric"
	"github.com/p13marc/zensight/pkg/keyexpr"
	"github.com/p13marc/zensight/pkg/model"
)

// PublisherConfig tunes the advanced publisher.
type PublisherConfig struct {
	// Format is the wire serialization, chosen once at bridge start.
	Format model.Format
	// CacheSize is the per-key ring capacity. Default 100.
	CacheSize int
	// HeartbeatInterval drives the miss-detection digest. Default 500ms.
	HeartbeatInterval time.Duration
	// Retry policy for transient transport errors.
	RetryInitial time.Duration // default 200ms
	RetryMax     time.Duration // default 10s
	RetryElapsed time.Duration // default 30s, then the sample is dropped
}

func (c *PublisherConfig) withDefaults() PublisherConfig {
	out := *c
	if out.CacheSize <= 0 {
		out.CacheSize = 100
	}
	if out.HeartbeatInterval <= 0 {
		out.HeartbeatInterval = 500 * time.Millisecond
	}
	if out.RetryInitial <= 0 {
		out.RetryInitial = 200 * time.Millisecond
	}
	if out.RetryMax <= 0 {
		out.RetryMax = 10 * time.Second
	}
	if out.RetryElapsed <= 0 {
		out.RetryElapsed = 30 * time.Second
	}
	return out
}

// CachedSample is one ring entry: the encoded payload and its sequence
// number. It is also the unit served to history and recovery queries.
type CachedSample struct {
	Key  string `json:"key"`
	Seq  uint64 `json:"seq"`
	Data []byte `json:"data"`
}

// HistoryRequest asks a publisher for its cached samples.
type HistoryRequest struct {
	Pattern string `json:"pattern"`
}

// RecoverRequest asks a publisher for a missed sequence range on a key.
type RecoverRequest struct {
	Key  string `json:"key"`
	From uint64 `json:"from"`
	To   uint64 `json:"to"`
}

type keyState struct {
	seq  uint64
	ring []CachedSample
}

// PublisherStats exposes drop and publish counters for health.
type PublisherStats struct {
	Published uint64
	Dropped   uint64
	Keys      int
}

// Publisher provides durable-enough delivery: per-key FIFO with 64-bit
// monotonic sequence numbers, a bounded ring cache per key serving
// late-join history and gap recovery, a periodic heartbeat digest for
// miss detection, and transient-error retry with exponential backoff.
type Publisher struct {
	conn     fabric.Conn
	cfg      PublisherConfig
	bridge   string
	protocol model.Protocol
	instance string
	logger   *zap.Logger

	mu   sync.Mutex
	keys map[string]*keyState

	published atomic.Uint64
	dropped   atomic.Uint64

	// onDrop is invoked when a sample is dropped after retry exhaustion.
	onDrop func(*Error)

	subs []fabric.Subscription
}

// NewPublisher builds a publisher for one bridge.
func NewPublisher(conn fabric.Conn, bridge string, protocol model.Protocol, instance string, cfg PublisherConfig, logger *zap.Logger) *Publisher {
	return &Publisher{
		conn:     conn,
		cfg:      cfg.withDefaults(),
		bridge:   bridge,
		protocol: protocol,
		instance: instance,
		logger:   logger,
		keys:     make(map[string]*keyState),
	}
}

// Instance returns the publisher's unique instance id, carried on every
// message header for publisher detection.
func (p *Publisher) Instance() string { return p.instance }

// SetDropHandler wires the error sink invoked on retry exhaustion.
func (p *Publisher) SetDropHandler(h func(*Error)) { p.onDrop = h }

// Publish encodes and sends one telemetry point. The sample enters the
// per-key cache before transmission, so a disconnect window never loses
// more than the ring capacity.
func (p *Publisher) Publish(point *model.TelemetryPoint) error {
	if err := point.Validate(); err != nil {
		p.dropped.Add(1)
		return ParseError(point.Source, err)
	}
	payload, err := model.Encode(point, p.cfg.Format)
	if err != nil {
		p.dropped.Add(1)
		return ParseError(point.Source, err)
	}
	return p.PublishRaw(keyexpr.ForPoint(point), payload)
}

// PublishRaw sends an already encoded payload under a key, with sequence
// assignment, caching and retry. Health, liveness and error records share
// this path so they too are sequenced and recoverable.
func (p *Publisher) PublishRaw(key string, payload []byte) error {
	p.mu.Lock()
	st, ok := p.keys[key]
	if !ok {
		st = &keyState{}
		p.keys[key] = st
	}
	st.seq++
	seq := st.seq
	sample := CachedSample{Key: key, Seq: seq, Data: payload}
	st.ring = append(st.ring, sample)
	if len(st.ring) > p.cfg.CacheSize {
		// Oldest-first eviction. Overflow during a disconnect window is
		// the only way recovery data is lost; the drop counter surfaces
		// it in health.
		st.ring = st.ring[len(st.ring)-p.cfg.CacheSize:]
	}
	p.mu.Unlock()

	headers := map[string]string{
		fabric.HeaderSeq:      strconv.FormatUint(seq, 10),
		fabric.HeaderInstance: p.instance,
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.cfg.RetryInitial
	bo.MaxInterval = p.cfg.RetryMax
	bo.RandomizationFactor = 0.25
	bo.MaxElapsedTime = p.cfg.RetryElapsed

	err := backoff.Retry(func() error {
		err := p.conn.Publish(key, payload, headers)
		if errors.Is(err, fabric.ErrClosed) {
			return backoff.Permanent(err)
		}
		return err
	}, bo)
	if err != nil {
		p.dropped.Add(1)
		derr := TransportError(err)
		derr.Retryable = false
		if p.onDrop != nil {
			p.onDrop(derr)
		}
		p.logger.Warn("sample dropped after retry exhaustion",
			zap.String("key", key), zap.Error(err))
		return derr
	}
	p.published.Add(1)
	return nil
}

// Stats returns publish counters for the health snapshot.
func (p *Publisher) Stats() PublisherStats {
	p.mu.Lock()
	keys := len(p.keys)
	p.mu.Unlock()
	return PublisherStats{
		Published: p.published.Load(),
		Dropped:   p.dropped.Load(),
		Keys:      keys,
	}
}

// digest snapshots the highest sequence number per key.
func (p *Publisher) digest() map[string]uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]uint64, len(p.keys))
	for k, st := range p.keys {
		out[k] = st.seq
	}
	return out
}

// ServeControl registers the history and recovery query handlers. The
// runner calls it once before any adapter publishes.
func (p *Publisher) ServeControl() error {
	histSub, err := p.conn.Subscribe(keyexpr.Control(p.instance, "history"), p.handleHistory)
	if err != nil {
		return TransportError(err)
	}
	recSub, err := p.conn.Subscribe(keyexpr.Control(p.instance, "recover"), p.handleRecover)
	if err != nil {
		_ = histSub.Unsubscribe()
		return TransportError(err)
	}
	p.subs = append(p.subs, histSub, recSub)
	return nil
}

// Serve runs the heartbeat loop until ctx is cancelled, then drops the
// control subscriptions.
func (p *Publisher) Serve(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			for _, s := range p.subs {
				_ = s.Unsubscribe()
			}
			return nil
		case <-ticker.C:
			p.emitHeartbeat()
		}
	}
}

// emitHeartbeat publishes the per-key sequence digest even when no
// traffic flows, so subscribers can detect silent gaps.
func (p *Publisher) emitHeartbeat() {
	payload, err := json.Marshal(p.digest())
	if err != nil {
		return
	}
	headers := map[string]string{fabric.HeaderInstance: p.instance}
	if err := p.conn.Publish(keyexpr.Heartbeat(p.protocol), payload, headers); err != nil {
		p.logger.Debug("heartbeat publish failed", zap.Error(err))
	}
}

func (p *Publisher) handleHistory(m fabric.Message) {
	var req HistoryRequest
	if err := json.Unmarshal(m.Data, &req); err != nil || req.Pattern == "" {
		_ = p.conn.Respond(m, []byte("[]"))
		return
	}
	p.mu.Lock()
	var out []CachedSample
	for key, st := range p.keys {
		if keyexpr.Match(req.Pattern, key) {
			out = append(out, st.ring...)
		}
	}
	p.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Key != out[j].Key {
			return out[i].Key < out[j].Key
		}
		return out[i].Seq < out[j].Seq
	})
	resp, err := json.Marshal(out)
	if err != nil {
		resp = []byte("[]")
	}
	_ = p.conn.Respond(m, resp)
}

func (p *Publisher) handleRecover(m fabric.Message) {
	var req RecoverRequest
	if err := json.Unmarshal(m.Data, &req); err != nil {
		_ = p.conn.Respond(m, []byte("[]"))
		return
	}
	p.mu.Lock()
	var out []CachedSample
	if st, ok := p.keys[req.Key]; ok {
		for _, s := range st.ring {
			if s.Seq >= req.From && s.Seq <= req.To {
				out = append(out, s)
			}
		}
	}
	p.mu.Unlock()
	resp, err := json.Marshal(out)
	if err != nil {
		resp = []byte("[]")
	}
	_ = p.conn.Respond(m, resp)
}

// Cached returns the ring contents for a key, oldest first. Used by
// tests and the final flush.
func (p *Publisher) Cached(key string) []CachedSample {
	p.mu.Lock()
	defer p.mu.Unlock()
	st, ok := p.keys[key]
	if !ok {
		return nil
	}
	out := make([]CachedSample, len(st.ring))
	copy(out, st.ring)
	return out
}

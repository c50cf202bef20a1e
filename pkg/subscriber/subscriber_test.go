package subscriber

import (
	"encoding/json"
	"strconv"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/p13marc/zensight/pkg/bridge"
	"github.com/p13marc/zensight/pkg/fabric"
	"github.com/p13marc/zensight/pkg/keyexpr"
	"github.com/p13marc/zensight/pkg/model"
	"github.com/p13marc/zensight/pkg/testutil"
)

func newTestEngine(conn fabric.Conn, clock Clock) *Engine {
	return New(conn, Config{
		RequestTimeout: 200 * time.Millisecond,
	}, clock, zap.NewNop())
}

func newTestPublisher(conn fabric.Conn) *bridge.Publisher {
	pub := bridge.NewPublisher(conn, "snmp-bridge", model.ProtocolSNMP, "inst-1",
		bridge.PublisherConfig{
			RetryInitial: time.Millisecond,
			RetryMax:     2 * time.Millisecond,
			RetryElapsed: 10 * time.Millisecond,
		}, zap.NewNop())
	return pub
}

func testPoint(n uint64) *model.TelemetryPoint {
	return &model.TelemetryPoint{
		Timestamp: int64(1700000000000 + n),
		Source:    "router01",
		Protocol:  model.ProtocolSNMP,
		Metric:    "if/1/ifInOctets",
		Value:     model.Counter(n * 100),
	}
}

func declareMsg(key string) fabric.Message {
	info, _ := json.Marshal(bridge.TokenInfo{
		Bridge: "snmp-bridge", Protocol: model.ProtocolSNMP, Instance: "inst-1",
	})
	return fabric.Message{
		Key:  key,
		Data: info,
		Headers: map[string]string{
			fabric.HeaderToken:    fabric.TokenDeclare,
			fabric.HeaderInstance: "inst-1",
		},
	}
}

func drainEvents(e *Engine) []Event {
	var out []Event
	for {
		select {
		case ev := <-e.Events():
			out = append(out, ev)
		default:
			return out
		}
	}
}

// Publisher cache replay: five cached points must arrive, in order,
// before any live point.
func TestHistoryReplayBeforeLive(t *testing.T) {
	conn := testutil.NewMemConn()
	pub := newTestPublisher(conn)
	if err := pub.ServeControl(); err != nil {
		t.Fatalf("serve control: %v", err)
	}
	for i := uint64(1); i <= 5; i++ {
		if err := pub.Publish(testPoint(i)); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}

	engine := newTestEngine(conn, testutil.NewFakeClock())

	// The bridge token appears: the engine fetches the publisher's
	// history.
	engine.onMessage(declareMsg(keyexpr.BridgeAlive(model.ProtocolSNMP)))

	// Then a live point arrives.
	live := testPoint(6)
	payload, _ := model.Encode(live, model.FormatJSON)
	engine.onMessage(fabric.Message{
		Key:  keyexpr.ForPoint(live),
		Data: payload,
		Headers: map[string]string{
			fabric.HeaderSeq:      "6",
			fabric.HeaderInstance: "inst-1",
		},
	})

	events := drainEvents(engine)
	var points []PointUpdate
	var sawOnline bool
	for _, ev := range events {
		switch e := ev.(type) {
		case PointUpdate:
			points = append(points, e)
		case BridgeOnline:
			sawOnline = true
		}
	}
	if !sawOnline {
		t.Fatalf("missing BridgeOnline event")
	}
	if len(points) != 6 {
		t.Fatalf("got %d point updates, want 6", len(points))
	}
	for i := 0; i < 5; i++ {
		if !points[i].FromHistory {
			t.Fatalf("point %d should be history", i)
		}
		if c, _ := points[i].Point.Value.Counter(); c != uint64(i+1)*100 {
			t.Fatalf("history out of order at %d: %d", i, c)
		}
	}
	if points[5].FromHistory {
		t.Fatalf("live point flagged as history")
	}
}

// A sequence gap triggers recovery from the publisher cache; recovered
// samples are delivered in order before the sample that revealed the
// gap.
func TestGapRecovery(t *testing.T) {
	conn := testutil.NewMemConn()
	pub := newTestPublisher(conn)
	if err := pub.ServeControl(); err != nil {
		t.Fatalf("serve control: %v", err)
	}
	// Publish 1..4 so the cache has the middle samples.
	for i := uint64(1); i <= 4; i++ {
		if err := pub.Publish(testPoint(i)); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}

	engine := newTestEngine(conn, testutil.NewFakeClock())
	key := keyexpr.ForPoint(testPoint(1))

	feed := func(n uint64) {
		payload, _ := model.Encode(testPoint(n), model.FormatJSON)
		engine.onMessage(fabric.Message{
			Key:  key,
			Data: payload,
			Headers: map[string]string{
				fabric.HeaderSeq:      strconv.FormatUint(n, 10),
				fabric.HeaderInstance: "inst-1",
			},
		})
	}
	feed(1)
	feed(4) // gap: 2 and 3 were missed

	var counters []uint64
	for _, ev := range drainEvents(engine) {
		if p, ok := ev.(PointUpdate); ok {
			c, _ := p.Point.Value.Counter()
			counters = append(counters, c/100)
		}
	}
	want := []uint64{1, 2, 3, 4}
	if len(counters) != len(want) {
		t.Fatalf("got %v, want %v", counters, want)
	}
	for i := range want {
		if counters[i] != want[i] {
			t.Fatalf("got %v, want %v", counters, want)
		}
	}
}

// Recovery that cannot reach a publisher surfaces a parse-class error
// after one retry and keeps the subscription alive.
func TestRecoveryFailureSurfacesParseError(t *testing.T) {
	conn := testutil.NewMemConn()
	engine := newTestEngine(conn, testutil.NewFakeClock())
	key := keyexpr.Telemetry(model.ProtocolSNMP, "router01", "m")

	payload, _ := model.Encode(testPoint(1), model.FormatJSON)
	engine.onMessage(fabric.Message{Key: key, Data: payload,
		Headers: map[string]string{fabric.HeaderSeq: "1", fabric.HeaderInstance: "ghost"}})
	engine.onMessage(fabric.Message{Key: key, Data: payload,
		Headers: map[string]string{fabric.HeaderSeq: "5", fabric.HeaderInstance: "ghost"}})

	var sawParseError bool
	var pointCount int
	for _, ev := range drainEvents(engine) {
		switch e := ev.(type) {
		case ErrorUpdate:
			if e.Report.ErrorType == model.ErrParse {
				sawParseError = true
			}
		case PointUpdate:
			pointCount++
		}
	}
	if !sawParseError {
		t.Fatalf("recovery failure not surfaced")
	}
	if pointCount != 2 {
		t.Fatalf("live points must still be delivered, got %d", pointCount)
	}
}

func TestDuplicateSamplesDropped(t *testing.T) {
	conn := testutil.NewMemConn()
	engine := newTestEngine(conn, testutil.NewFakeClock())
	key := keyexpr.Telemetry(model.ProtocolSNMP, "router01", "m")
	payload, _ := model.Encode(testPoint(1), model.FormatJSON)

	msg := fabric.Message{Key: key, Data: payload,
		Headers: map[string]string{fabric.HeaderSeq: "1", fabric.HeaderInstance: "inst-1"}}
	engine.onMessage(msg)
	engine.onMessage(msg)

	if n := len(drainEvents(engine)); n != 1 {
		t.Fatalf("duplicate not dropped: %d events", n)
	}
}

// Token keepalive: a bridge killed without revoking its token goes
// ABSENT once the keepalive window lapses.
func TestTokenKeepaliveLapse(t *testing.T) {
	conn := testutil.NewMemConn()
	clock := testutil.NewFakeClock()
	engine := newTestEngine(conn, clock)

	engine.onMessage(declareMsg(keyexpr.BridgeAlive(model.ProtocolSNMP)))
	engine.onMessage(declareMsg(keyexpr.DeviceAlive(model.ProtocolSNMP, "r1")))
	_ = drainEvents(engine)

	clock.Advance(31 * time.Second)
	engine.SweepTokens()

	var sawBridgeOffline, sawDeviceOffline bool
	for _, ev := range drainEvents(engine) {
		switch e := ev.(type) {
		case BridgeOffline:
			if e.Protocol == model.ProtocolSNMP {
				sawBridgeOffline = true
			}
		case DeviceOffline:
			if e.Device == "r1" {
				sawDeviceOffline = true
			}
		}
	}
	if !sawBridgeOffline || !sawDeviceOffline {
		t.Fatalf("missing ABSENT events: bridge=%v device=%v", sawBridgeOffline, sawDeviceOffline)
	}
}

func TestTokenRevokeEmitsOffline(t *testing.T) {
	conn := testutil.NewMemConn()
	engine := newTestEngine(conn, testutil.NewFakeClock())

	engine.onMessage(declareMsg(keyexpr.DeviceAlive(model.ProtocolSNMP, "r1")))
	_ = drainEvents(engine)

	revoke := declareMsg(keyexpr.DeviceAlive(model.ProtocolSNMP, "r1"))
	revoke.Headers[fabric.HeaderToken] = fabric.TokenRevoke
	engine.onMessage(revoke)

	events := drainEvents(engine)
	if len(events) != 1 {
		t.Fatalf("want 1 event, got %d", len(events))
	}
	if off, ok := events[0].(DeviceOffline); !ok || off.Device != "r1" {
		t.Fatalf("unexpected event %+v", events[0])
	}
}

func TestHeartbeatTriggersRecovery(t *testing.T) {
	conn := testutil.NewMemConn()
	pub := newTestPublisher(conn)
	if err := pub.ServeControl(); err != nil {
		t.Fatalf("serve control: %v", err)
	}
	for i := uint64(1); i <= 3; i++ {
		_ = pub.Publish(testPoint(i))
	}

	engine := newTestEngine(conn, testutil.NewFakeClock())
	key := keyexpr.ForPoint(testPoint(1))

	digest, _ := json.Marshal(map[string]uint64{key: 3})
	engine.onMessage(fabric.Message{
		Key:     keyexpr.Heartbeat(model.ProtocolSNMP),
		Data:    digest,
		Headers: map[string]string{fabric.HeaderInstance: "inst-1"},
	})

	var points int
	for _, ev := range drainEvents(engine) {
		if _, ok := ev.(PointUpdate); ok {
			points++
		}
	}
	if points != 3 {
		t.Fatalf("heartbeat recovery delivered %d points, want 3", points)
	}
}

func TestUndecodablePayloadDropped(t *testing.T) {
	conn := testutil.NewMemConn()
	engine := newTestEngine(conn, testutil.NewFakeClock())
	engine.onMessage(fabric.Message{
		Key:     keyexpr.Telemetry(model.ProtocolSNMP, "r1", "m"),
		Data:    []byte("{not json"),
		Headers: map[string]string{fabric.HeaderSeq: "1", fabric.HeaderInstance: "i"},
	})
	if n := len(drainEvents(engine)); n != 0 {
		t.Fatalf("undecodable sample produced %d events", n)
	}
}

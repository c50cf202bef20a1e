package bridge

import (
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/p13marc/zensight/pkg/fabric"
	"github.com/p13marc/zensight/pkg/keyexpr"
	"github.com/p13marc/zensight/pkg/model"
	"github.com/p13marc/zensight/pkg/testutil"
)

func testManager(conn fabric.Conn, cfg LivenessConfig) *Manager {
	pub := NewPublisher(conn, "snmp-bridge", model.ProtocolSNMP, "inst-1", PublisherConfig{
		RetryInitial: time.Millisecond,
		RetryMax:     2 * time.Millisecond,
		RetryElapsed: 10 * time.Millisecond,
	}, zap.NewNop())
	return NewManager(conn, pub, "snmp-bridge", model.ProtocolSNMP, "inst-1",
		cfg, testutil.NewFakeClock(), zap.NewNop())
}

// drive applies poll results synchronously, the way the Run task would.
func drive(m *Manager, device string, outcomes ...bool) {
	for _, ok := range outcomes {
		if ok {
			m.apply(livenessUpdate{device: device, success: true})
		} else {
			m.apply(livenessUpdate{device: device, err: errors.New("poll failed")})
		}
	}
}

func TestUnknownToOnlineOnFirstSuccess(t *testing.T) {
	conn := testutil.NewMemConn()
	m := testManager(conn, LivenessConfig{})
	drive(m, "r1", true)
	if got := m.Status("r1"); got != model.DeviceOnline {
		t.Fatalf("status after first success: %s", got)
	}
	// Token declared exactly once.
	tokens := conn.MessagesFor(keyexpr.DeviceAlive(model.ProtocolSNMP, "r1"))
	if len(tokens) != 1 || tokens[0].Header(fabric.HeaderToken) != fabric.TokenDeclare {
		t.Fatalf("expected a single declare, got %+v", tokens)
	}
}

func TestOfflineAfterThresholdAndRecovery(t *testing.T) {
	conn := testutil.NewMemConn()
	m := testManager(conn, LivenessConfig{DegradedThreshold: 1, OfflineThreshold: 3})

	// After offline_threshold consecutive failures with no intervening
	// success, the device is Offline; first success thereafter, Online.
	drive(m, "r1", true, false)
	if got := m.Status("r1"); got != model.DeviceDegraded {
		t.Fatalf("after 1 failure: %s", got)
	}
	drive(m, "r1", false, false)
	if got := m.Status("r1"); got != model.DeviceOffline {
		t.Fatalf("after 3 failures: %s", got)
	}

	// Revoke accompanies the transition to Offline.
	tokens := conn.MessagesFor(keyexpr.DeviceAlive(model.ProtocolSNMP, "r1"))
	last := tokens[len(tokens)-1]
	if last.Header(fabric.HeaderToken) != fabric.TokenRevoke {
		t.Fatalf("expected revoke on offline, got %s", last.Header(fabric.HeaderToken))
	}

	drive(m, "r1", true)
	if got := m.Status("r1"); got != model.DeviceOnline {
		t.Fatalf("after recovery: %s", got)
	}
	tokens = conn.MessagesFor(keyexpr.DeviceAlive(model.ProtocolSNMP, "r1"))
	last = tokens[len(tokens)-1]
	if last.Header(fabric.HeaderToken) != fabric.TokenDeclare {
		t.Fatalf("expected declare on recovery, got %s", last.Header(fabric.HeaderToken))
	}
}

func TestNoDoubleDeclare(t *testing.T) {
	conn := testutil.NewMemConn()
	m := testManager(conn, LivenessConfig{})
	drive(m, "r1", true, true, true)
	declares := 0
	for _, msg := range conn.MessagesFor(keyexpr.DeviceAlive(model.ProtocolSNMP, "r1")) {
		if msg.Header(fabric.HeaderToken) == fabric.TokenDeclare {
			declares++
		}
	}
	if declares != 1 {
		t.Fatalf("token declared %d times", declares)
	}
}

func TestDegradedOnSlowPoll(t *testing.T) {
	conn := testutil.NewMemConn()
	m := testManager(conn, LivenessConfig{DegradedLatency: 100 * time.Millisecond, OfflineThreshold: 3})
	m.apply(livenessUpdate{device: "r1", success: true, latency: 250 * time.Millisecond})
	if got := m.Status("r1"); got != model.DeviceDegraded {
		t.Fatalf("slow poll should degrade, got %s", got)
	}
}

func TestDeclareBridgeIdempotent(t *testing.T) {
	conn := testutil.NewMemConn()
	m := testManager(conn, LivenessConfig{})
	if err := m.DeclareBridge(); err != nil {
		t.Fatalf("declare: %v", err)
	}
	if err := m.DeclareBridge(); err != nil {
		t.Fatalf("second declare: %v", err)
	}
	msgs := conn.MessagesFor(keyexpr.BridgeAlive(model.ProtocolSNMP))
	if len(msgs) != 1 {
		t.Fatalf("bridge token declared %d times", len(msgs))
	}
}

func TestLivenessRecordPublished(t *testing.T) {
	conn := testutil.NewMemConn()
	m := testManager(conn, LivenessConfig{})
	drive(m, "r1", true)

	msg, ok := conn.LastFor(keyexpr.DeviceLiveness(model.ProtocolSNMP, "r1"))
	if !ok {
		t.Fatalf("no liveness record published")
	}
	var rec model.DeviceLiveness
	if err := model.Decode(msg.Data, &rec); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if rec.Device != "r1" || rec.Status != model.DeviceOnline || rec.ConsecutiveFailures != 0 {
		t.Fatalf("liveness record: %+v", rec)
	}
}

func TestMarkForcesStatus(t *testing.T) {
	conn := testutil.NewMemConn()
	m := testManager(conn, LivenessConfig{})
	m.apply(livenessUpdate{device: "r1", forced: model.DeviceOffline})
	if got := m.Status("r1"); got != model.DeviceOffline {
		t.Fatalf("forced status: %s", got)
	}
}

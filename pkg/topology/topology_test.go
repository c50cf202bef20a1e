package topology

import (
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/p13marc/zensight/pkg/model"
	"github.com/p13marc/zensight/pkg/testutil"
)

func flowPoint(exporter, src, dst string, bytes uint64) *model.TelemetryPoint {
	return &model.TelemetryPoint{
		Timestamp: 1700000000000,
		Source:    exporter,
		Protocol:  model.ProtocolNetflow,
		Metric:    "x/y",
		Value:     model.Counter(bytes),
		Labels:    map[string]string{"src_addr": src, "dst_addr": dst},
	}
}

func TestObserveNetflowBuildsEdges(t *testing.T) {
	g := NewGraph(0, testutil.NewFakeClock())
	g.Observe(flowPoint("exp", "10.0.0.1", "10.0.0.2", 500))
	g.Observe(flowPoint("exp", "10.0.0.1", "10.0.0.2", 300))

	if g.NodeCount() != 3 { // exporter + two hosts
		t.Fatalf("node count: %d", g.NodeCount())
	}
	if g.EdgeCount() != 1 {
		t.Fatalf("edge count: %d", g.EdgeCount())
	}
	e := g.Edges()[0]
	if e.From != "10.0.0.1" || e.To != "10.0.0.2" {
		t.Fatalf("edge direction: %+v", e)
	}
	if e.Refs != 2 || e.Weight != 800 {
		t.Fatalf("edge accounting: %+v", e)
	}
}

func TestObserveSNMPPeerLabels(t *testing.T) {
	g := NewGraph(0, testutil.NewFakeClock())
	p := &model.TelemetryPoint{
		Source:   "sw1",
		Protocol: model.ProtocolSNMP,
		Metric:   "if/1/ifOperStatus",
		Value:    model.Gauge(1),
		Labels:   map[string]string{"peer_ip": "10.0.0.9"},
	}
	g.Observe(p)
	if g.EdgeCount() != 1 {
		t.Fatalf("snmp peer edge missing")
	}
	e := g.Edges()[0]
	if e.From != "sw1" || e.To != "10.0.0.9" {
		t.Fatalf("snmp edge: %+v", e)
	}
}

func TestEdgeTTL(t *testing.T) {
	clock := testutil.NewFakeClock()
	g := NewGraph(120*time.Second, clock)
	g.Observe(flowPoint("exp", "a", "b", 1))

	clock.Advance(60 * time.Second)
	if removed := g.Sweep(); removed != 0 {
		t.Fatalf("edge removed early")
	}
	clock.Advance(61 * time.Second)
	if removed := g.Sweep(); removed != 1 {
		t.Fatalf("expired edge kept")
	}
	if g.EdgeCount() != 0 {
		t.Fatalf("edge survived TTL")
	}
	// Nodes with no edges and no recent samples go too.
	if g.NodeCount() != 0 {
		t.Fatalf("orphan nodes kept: %d", g.NodeCount())
	}
}

func TestRefreshedEdgeSurvives(t *testing.T) {
	clock := testutil.NewFakeClock()
	g := NewGraph(120*time.Second, clock)
	g.Observe(flowPoint("exp", "a", "b", 1))
	clock.Advance(100 * time.Second)
	g.Observe(flowPoint("exp", "a", "b", 1)) // refresh
	clock.Advance(100 * time.Second)
	if removed := g.Sweep(); removed != 0 {
		t.Fatalf("refreshed edge expired")
	}
}

// Layout convergence: any seed, up to 200 nodes, no pinning, bounded
// tick count.
func TestLayoutConverges200Nodes(t *testing.T) {
	clock := testutil.NewFakeClock()
	g := NewGraph(0, clock)
	// A ring: 200 nodes, each linked to the next.
	for i := 0; i < 200; i++ {
		from := fmt.Sprintf("host-%03d", i)
		to := fmt.Sprintf("host-%03d", (i+1)%200)
		g.Observe(flowPoint(from, from, to, uint64(i+1)))
	}

	sim := NewSimulator(DefaultLayoutConfig())
	sim.Sync(g)
	ticks, settled := sim.Converge(5000)
	if !settled {
		t.Fatalf("layout did not converge within 5000 ticks")
	}
	t.Logf("converged in %d ticks", ticks)

	// Idle layout stays idle without topology change.
	if energy := sim.Step(); energy != 0 {
		t.Fatalf("idle layout still moving: %f", energy)
	}
}

func TestPinnedNodeDoesNotMove(t *testing.T) {
	clock := testutil.NewFakeClock()
	g := NewGraph(0, clock)
	g.Observe(flowPoint("exp", "a", "b", 1))

	sim := NewSimulator(DefaultLayoutConfig())
	sim.Sync(g)
	pinnedPos, _ := sim.Position("a")
	sim.Pin("a", true)

	for i := 0; i < 50; i++ {
		sim.Step()
	}
	after, _ := sim.Position("a")
	if after != pinnedPos {
		t.Fatalf("pinned node moved: %+v -> %+v", pinnedPos, after)
	}
	// The pinned node still repels its neighbor.
	bPos, _ := sim.Position("b")
	dist := math.Hypot(bPos.X-after.X, bPos.Y-after.Y)
	if dist < 1 {
		t.Fatalf("pinned node stopped exerting forces")
	}
}

func TestSeedDeterministic(t *testing.T) {
	sim1 := NewSimulator(DefaultLayoutConfig())
	sim2 := NewSimulator(DefaultLayoutConfig())
	for _, id := range []string{"router01", "router02", "10.0.0.1"} {
		if sim1.SeedPosition(id) != sim2.SeedPosition(id) {
			t.Fatalf("seed not deterministic for %s", id)
		}
	}
	if sim1.SeedPosition("a") == sim1.SeedPosition("b") {
		t.Fatalf("distinct ids seeded to the same point")
	}
}

func TestTopologyChangeWakesLayout(t *testing.T) {
	clock := testutil.NewFakeClock()
	g := NewGraph(0, clock)
	g.Observe(flowPoint("exp", "a", "b", 1))

	sim := NewSimulator(DefaultLayoutConfig())
	sim.Sync(g)
	if _, settled := sim.Converge(5000); !settled {
		t.Fatalf("small layout did not converge")
	}

	g.Observe(flowPoint("exp", "b", "c", 1))
	sim.Sync(g)
	if sim.Idle() {
		t.Fatalf("layout stayed idle after topology change")
	}
}

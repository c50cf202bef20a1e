// Package topology infers a network graph from the live telemetry
// stream and lays it out with a deterministic force-directed simulator.
package topology

import (
	"time"

	"github.com/p13marc/zensight/pkg/model"
)

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// DefaultEdgeTTL removes an edge when its last supporting observation is
// older than this.
const DefaultEdgeTTL = 120 * time.Second

// Node is a host in the inferred topology, keyed by telemetry source.
type Node struct {
	ID        string
	Protocols map[model.Protocol]bool
	LastSeen  time.Time
}

type edgeKey struct {
	from, to string
}

// Edge is a directed connection between two hosts. Refs counts the
// supporting observations; Weight carries the observed byte volume for
// NetFlow edges.
type Edge struct {
	From     string
	To       string
	Weight   float64
	Refs     uint64
	LastSeen time.Time
}

// Graph is the inferred topology. Single-writer: the consumer task feeds
// Observe and Sweep; the layout reads snapshots.
type Graph struct {
	clock   Clock
	edgeTTL time.Duration
	nodes   map[string]*Node
	edges   map[edgeKey]*Edge

	// version increments on node/edge addition or removal so the layout
	// knows when to leave idle state.
	version uint64
}

// NewGraph builds an empty topology. clock may be nil for real time.
func NewGraph(edgeTTL time.Duration, clock Clock) *Graph {
	if clock == nil {
		clock = realClock{}
	}
	if edgeTTL <= 0 {
		edgeTTL = DefaultEdgeTTL
	}
	return &Graph{
		clock:   clock,
		edgeTTL: edgeTTL,
		nodes:   make(map[string]*Node),
		edges:   make(map[edgeKey]*Edge),
	}
}

// Version changes whenever the topology changes.
func (g *Graph) Version() uint64 { return g.version }

// Observe folds one telemetry point into the graph. NetFlow records
// yield directed src->dst edges weighted by byte count; SNMP interface
// walks yield candidate edges when peer discovery labels are present.
func (g *Graph) Observe(point *model.TelemetryPoint) {
	now := g.clock.Now()
	g.touchNode(point.Source, point.Protocol, now)

	switch point.Protocol {
	case model.ProtocolNetflow:
		src, okSrc := point.Labels["src_addr"]
		dst, okDst := point.Labels["dst_addr"]
		if !okSrc || !okDst {
			return
		}
		g.touchNode(src, point.Protocol, now)
		g.touchNode(dst, point.Protocol, now)
		var weight float64
		if bytes, ok := point.Value.Counter(); ok {
			weight = float64(bytes)
		}
		g.touchEdge(src, dst, weight, now)
	case model.ProtocolSNMP:
		for _, label := range []string{"peer_ip", "peer_mac", "neighbor"} {
			if peer, ok := point.Labels[label]; ok && peer != "" {
				g.touchNode(peer, point.Protocol, now)
				g.touchEdge(point.Source, peer, 0, now)
			}
		}
	}
}

func (g *Graph) touchNode(id string, proto model.Protocol, now time.Time) {
	n, ok := g.nodes[id]
	if !ok {
		n = &Node{ID: id, Protocols: make(map[model.Protocol]bool)}
		g.nodes[id] = n
		g.version++
	}
	n.Protocols[proto] = true
	n.LastSeen = now
}

func (g *Graph) touchEdge(from, to string, weight float64, now time.Time) {
	key := edgeKey{from: from, to: to}
	e, ok := g.edges[key]
	if !ok {
		e = &Edge{From: from, To: to}
		g.edges[key] = e
		g.version++
	}
	e.Refs++
	e.Weight += weight
	e.LastSeen = now
}

// Sweep drops edges whose last observation is older than the TTL, and
// nodes left with no edges and no recent samples. Returns the number of
// removed edges.
func (g *Graph) Sweep() int {
	now := g.clock.Now()
	cutoff := now.Add(-g.edgeTTL)
	removed := 0
	for key, e := range g.edges {
		if e.LastSeen.Before(cutoff) {
			delete(g.edges, key)
			removed++
			g.version++
		}
	}

	connected := make(map[string]bool)
	for key := range g.edges {
		connected[key.from] = true
		connected[key.to] = true
	}
	for id, n := range g.nodes {
		if !connected[id] && n.LastSeen.Before(cutoff) {
			delete(g.nodes, id)
			g.version++
		}
	}
	return removed
}

// Nodes returns a snapshot of the node set.
func (g *Graph) Nodes() []*Node {
	out := make([]*Node, 0, len(g.nodes))
	for _, n := range g.nodes {
		out = append(out, n)
	}
	return out
}

// Edges returns a snapshot of the edge set.
func (g *Graph) Edges() []*Edge {
	out := make([]*Edge, 0, len(g.edges))
	for _, e := range g.edges {
		out = append(out, e)
	}
	return out
}

// NodeCount and EdgeCount report graph size.
func (g *Graph) NodeCount() int { return len(g.nodes) }
func (g *Graph) EdgeCount() int { return len(g.edges) }

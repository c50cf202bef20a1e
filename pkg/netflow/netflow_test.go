package netflow

import (
	"encoding/binary"
	"net"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/p13marc/zensight/pkg/bridge"
	"github.com/p13marc/zensight/pkg/keyexpr"
	"github.com/p13marc/zensight/pkg/model"
	"github.com/p13marc/zensight/pkg/testutil"
)

func be16(v uint16) []byte { b := make([]byte, 2); binary.BigEndian.PutUint16(b, v); return b }
func be32(v uint32) []byte { b := make([]byte, 4); binary.BigEndian.PutUint32(b, v); return b }

func cat(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

func testAdapter(clock Clock) (*Adapter, *testutil.MemConn, *bridge.Handles) {
	conn := testutil.NewMemConn()
	runner := bridge.NewRunner(conn, bridge.RunnerConfig{
		Bridge:   "netflow-bridge",
		Protocol: model.ProtocolNetflow,
		Publisher: bridge.PublisherConfig{
			RetryInitial: time.Millisecond,
			RetryMax:     2 * time.Millisecond,
			RetryElapsed: 10 * time.Millisecond,
		},
	}, testutil.NewFakeClock(), zap.NewNop())
	a := NewAdapter(Config{TemplateTimeoutSecs: 1800}, clock, zap.NewNop())
	return a, conn, runner.Handles()
}

func exporterAddr() *net.UDPAddr {
	return &net.UDPAddr{IP: net.IPv4(192, 0, 2, 50), Port: 2055}
}

// buildV5 builds a v5 datagram with one record.
func buildV5(src, dst net.IP, packets, bytes uint32, srcPort, dstPort uint16, proto byte) []byte {
	header := cat(
		be16(5), be16(1), // version, count
		be32(12345), be32(1700000000), be32(0), // uptime, secs, nsecs
		be32(1),      // flow sequence
		[]byte{0, 0}, // engine type, engine id
		be16(0),      // sampling
	)
	record := cat(
		src.To4(), dst.To4(), net.IPv4(0, 0, 0, 0).To4(),
		be16(1), be16(2), // input, output
		be32(packets), be32(bytes),
		be32(100), be32(200), // first, last
		be16(srcPort), be16(dstPort),
		[]byte{0, 0x18, proto, 0}, // pad, tcp flags, proto, tos
		be16(65001), be16(65002),  // src as, dst as
		[]byte{24, 24, 0, 0}, // masks, pad
	)
	return cat(header, record)
}

func TestParseV5Datagram(t *testing.T) {
	a, conn, h := testAdapter(testutil.NewFakeClock())
	cache := NewTemplateCache(time.Hour, testutil.NewFakeClock())
	seen := make(map[string]bool)

	data := buildV5(net.IPv4(10, 0, 0, 1), net.IPv4(10, 0, 0, 2), 7, 4200, 443, 51000, 6)
	a.HandleDatagram(h, cache, data, exporterAddr(), seen)

	key := keyexpr.Telemetry(model.ProtocolNetflow, "192.0.2.50", "10_0_0_1/10_0_0_2")
	msgs := conn.MessagesFor(key)
	if len(msgs) != 1 {
		t.Fatalf("flow not published under %s (%d msgs)", key, len(msgs))
	}
	point, err := model.DecodePoint(msgs[0].Data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if c, _ := point.Value.Counter(); c != 4200 {
		t.Fatalf("byte counter: %v", point.Value)
	}
	if point.Labels["src_addr"] != "10.0.0.1" || point.Labels["dst_addr"] != "10.0.0.2" {
		t.Fatalf("address labels: %v", point.Labels)
	}
	if point.Labels["protocol_name"] != "tcp" {
		t.Fatalf("protocol name: %v", point.Labels["protocol_name"])
	}
	if point.Labels["packets"] != "7" || point.Labels["src_port"] != "443" {
		t.Fatalf("record labels: %v", point.Labels)
	}
}

func TestExporterNameMapping(t *testing.T) {
	clock := testutil.NewFakeClock()
	conn := testutil.NewMemConn()
	runner := bridge.NewRunner(conn, bridge.RunnerConfig{
		Bridge:   "netflow-bridge",
		Protocol: model.ProtocolNetflow,
		Publisher: bridge.PublisherConfig{
			RetryInitial: time.Millisecond,
			RetryMax:     2 * time.Millisecond,
			RetryElapsed: 10 * time.Millisecond,
		},
	}, clock, zap.NewNop())
	a := NewAdapter(Config{ExporterNames: map[string]string{"192.0.2.50": "edge-router"}}, clock, zap.NewNop())
	cache := NewTemplateCache(time.Hour, clock)

	data := buildV5(net.IPv4(10, 0, 0, 1), net.IPv4(10, 0, 0, 2), 1, 100, 1, 2, 17)
	a.HandleDatagram(runner.Handles(), cache, data, exporterAddr(), make(map[string]bool))

	key := keyexpr.Telemetry(model.ProtocolNetflow, "edge-router", "10_0_0_1/10_0_0_2")
	if msgs := conn.MessagesFor(key); len(msgs) != 1 {
		t.Fatalf("configured exporter name not used as source")
	}
}

// v9 template flowset with template 256: srcIP(8), dstIP(12), inBytes(1).
func v9Template(sourceID uint32) []byte {
	header := cat(be16(9), be16(1), be32(1), be32(1700000000), be32(1), be32(sourceID))
	body := cat(be16(256), be16(3), be16(8), be16(4), be16(12), be16(4), be16(1), be16(4))
	flowset := cat(be16(0), be16(uint16(4+len(body))), body)
	return cat(header, flowset)
}

// v9 data flowset referencing template 256 with one record.
func v9Data(sourceID uint32, src, dst net.IP, bytes uint32) []byte {
	header := cat(be16(9), be16(1), be32(1), be32(1700000000), be32(2), be32(sourceID))
	body := cat(src.To4(), dst.To4(), be32(bytes))
	flowset := cat(be16(256), be16(uint16(4+len(body))), body)
	return cat(header, flowset)
}

// NetFlow v9 late template: a data-only datagram arrives first, then
// the template; the buffered record must be emitted, not dropped.
func TestV9LateTemplate(t *testing.T) {
	clock := testutil.NewFakeClock()
	a, conn, h := testAdapter(clock)
	cache := NewTemplateCache(1800*time.Second, clock)
	seen := make(map[string]bool)

	a.HandleDatagram(h, cache, v9Data(7, net.IPv4(172, 16, 0, 1), net.IPv4(172, 16, 0, 2), 999), exporterAddr(), seen)

	key := keyexpr.Telemetry(model.ProtocolNetflow, "192.0.2.50", "172_16_0_1/172_16_0_2")
	if msgs := conn.MessagesFor(key); len(msgs) != 0 {
		t.Fatalf("data without template must not emit")
	}

	a.HandleDatagram(h, cache, v9Template(7), exporterAddr(), seen)

	msgs := conn.MessagesFor(key)
	if len(msgs) != 1 {
		t.Fatalf("buffered record not released after template: %d msgs", len(msgs))
	}
	point, _ := model.DecodePoint(msgs[0].Data)
	if c, _ := point.Value.Counter(); c != 999 {
		t.Fatalf("released record decoded wrong: %v", point.Value)
	}
}

func TestV9TemplateThenData(t *testing.T) {
	clock := testutil.NewFakeClock()
	a, conn, h := testAdapter(clock)
	cache := NewTemplateCache(1800*time.Second, clock)
	seen := make(map[string]bool)

	a.HandleDatagram(h, cache, v9Template(7), exporterAddr(), seen)
	a.HandleDatagram(h, cache, v9Data(7, net.IPv4(10, 1, 0, 1), net.IPv4(10, 1, 0, 2), 512), exporterAddr(), seen)

	key := keyexpr.Telemetry(model.ProtocolNetflow, "192.0.2.50", "10_1_0_1/10_1_0_2")
	if msgs := conn.MessagesFor(key); len(msgs) != 1 {
		t.Fatalf("v9 data with known template not emitted")
	}
}

// Templates are keyed by source-id: a template for one observation
// domain must not decode another's data.
func TestV9SourceIDScoping(t *testing.T) {
	clock := testutil.NewFakeClock()
	a, conn, h := testAdapter(clock)
	cache := NewTemplateCache(1800*time.Second, clock)
	seen := make(map[string]bool)

	a.HandleDatagram(h, cache, v9Template(1), exporterAddr(), seen)
	a.HandleDatagram(h, cache, v9Data(2, net.IPv4(10, 9, 0, 1), net.IPv4(10, 9, 0, 2), 100), exporterAddr(), seen)

	key := keyexpr.Telemetry(model.ProtocolNetflow, "192.0.2.50", "10_9_0_1/10_9_0_2")
	if msgs := conn.MessagesFor(key); len(msgs) != 0 {
		t.Fatalf("template leaked across source ids")
	}
}

func TestPendingBufferBound(t *testing.T) {
	clock := testutil.NewFakeClock()
	cache := NewTemplateCache(1800*time.Second, clock)
	for i := 0; i < maxPendingPerExporter; i++ {
		if err := cache.Buffer("exp", 1, uint16(256+i), []byte{1}); err != nil {
			t.Fatalf("buffer %d: %v", i, err)
		}
	}
	if err := cache.Buffer("exp", 1, 999, []byte{1}); err == nil {
		t.Fatalf("pending bound not enforced")
	}
}

// Stale templates and pending sets are purged on receipt of the next
// datagram, never decoded with stale schemas.
func TestTemplateTimeoutPurgeOnReceipt(t *testing.T) {
	clock := testutil.NewFakeClock()
	a, conn, h := testAdapter(clock)
	cache := NewTemplateCache(30*time.Minute, clock)
	seen := make(map[string]bool)

	a.HandleDatagram(h, cache, v9Template(7), exporterAddr(), seen)
	if cache.TemplateCount("192.0.2.50") != 1 {
		t.Fatalf("template not cached")
	}

	clock.Advance(31 * time.Minute)
	a.HandleDatagram(h, cache, v9Data(7, net.IPv4(10, 2, 0, 1), net.IPv4(10, 2, 0, 2), 1), exporterAddr(), seen)

	// The stale template was purged before the data set was decoded,
	// so the record is buffered, not emitted.
	key := keyexpr.Telemetry(model.ProtocolNetflow, "192.0.2.50", "10_2_0_1/10_2_0_2")
	if msgs := conn.MessagesFor(key); len(msgs) != 0 {
		t.Fatalf("record decoded with a stale template")
	}
	if cache.TemplateCount("192.0.2.50") != 0 {
		t.Fatalf("stale template survived the purge")
	}
}

func TestTemplateLRUCap(t *testing.T) {
	clock := testutil.NewFakeClock()
	cache := NewTemplateCache(time.Hour, clock)
	for i := 0; i < maxTemplatesPerExporter+10; i++ {
		clock.Advance(time.Millisecond)
		cache.Store("exp", 1, uint16(i%60000+256), []fieldSpec{{id: 1, length: 4}})
	}
	if got := cache.TemplateCount("exp"); got > maxTemplatesPerExporter {
		t.Fatalf("template cache exceeded cap: %d", got)
	}
}

func TestUnsupportedVersionReportsParseError(t *testing.T) {
	clock := testutil.NewFakeClock()
	a, conn, h := testAdapter(clock)
	cache := NewTemplateCache(time.Hour, clock)

	a.HandleDatagram(h, cache, cat(be16(3), be16(0)), exporterAddr(), make(map[string]bool))

	msg, ok := conn.LastFor(keyexpr.Errors(model.ProtocolNetflow))
	if !ok {
		t.Fatalf("no error report")
	}
	var rep model.ErrorReport
	if err := model.Decode(msg.Data, &rep); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if rep.ErrorType != model.ErrParse {
		t.Fatalf("error type: %s", rep.ErrorType)
	}
}

package snmp

import (
	"net"
	"testing"

	"github.com/gosnmp/gosnmp"
	"go.uber.org/zap"

	"github.com/p13marc/zensight/pkg/keyexpr"
	"github.com/p13marc/zensight/pkg/model"
	"github.com/p13marc/zensight/pkg/testutil"
)

func trapPacket(trapOID string, extra ...gosnmp.SnmpPDU) *gosnmp.SnmpPacket {
	vars := []gosnmp.SnmpPDU{
		{Name: "." + oidSysUpTime, Type: gosnmp.TimeTicks, Value: uint32(123456)},
		{Name: "." + oidSNMPTrapOID, Type: gosnmp.ObjectIdentifier, Value: "." + trapOID},
	}
	vars = append(vars, extra...)
	return &gosnmp.SnmpPacket{Variables: vars}
}

func TestHandleTrapSourceFromSender(t *testing.T) {
	conn := testutil.NewMemConn()
	h := testHandles(conn)
	tl := NewTrapListener(TrapConfig{Enabled: true, Bind: "0.0.0.0:162"}, zap.NewNop())

	addr := &net.UDPAddr{IP: net.IPv4(192, 0, 2, 7), Port: 50000}
	tl.HandleTrap(h, trapPacket("1.3.6.1.6.3.1.1.5.3"), addr) // linkDown

	key := keyexpr.Telemetry(model.ProtocolSNMP, "192.0.2.7", "trap/1.3.6.1.6.3.1.1.5.3")
	msgs := conn.MessagesFor(key)
	if len(msgs) != 1 {
		t.Fatalf("trap not published under %s", key)
	}
	point, err := model.DecodePoint(msgs[0].Data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if point.Labels["trap_oid"] != "1.3.6.1.6.3.1.1.5.3" {
		t.Fatalf("trap_oid label: %v", point.Labels)
	}
	if point.Labels["sender_ip"] != "192.0.2.7" {
		t.Fatalf("sender_ip label: %v", point.Labels)
	}
	if point.Labels["uptime"] != "123456" {
		t.Fatalf("uptime label: %v", point.Labels)
	}
}

func TestHandleTrapSysNameOverridesSource(t *testing.T) {
	conn := testutil.NewMemConn()
	h := testHandles(conn)
	tl := NewTrapListener(TrapConfig{Enabled: true, Bind: "0.0.0.0:162"}, zap.NewNop())

	pkt := trapPacket("1.3.6.1.6.3.1.1.5.4",
		gosnmp.SnmpPDU{Name: "." + oidSysName, Type: gosnmp.OctetString, Value: []byte("core-sw1")})
	addr := &net.UDPAddr{IP: net.IPv4(192, 0, 2, 7), Port: 50000}
	tl.HandleTrap(h, pkt, addr)

	key := keyexpr.Telemetry(model.ProtocolSNMP, "core-sw1", "trap/1.3.6.1.6.3.1.1.5.4")
	if msgs := conn.MessagesFor(key); len(msgs) != 1 {
		t.Fatalf("sysName varbind should supply the source")
	}
}

func TestHandleTrapVarbindLabels(t *testing.T) {
	conn := testutil.NewMemConn()
	h := testHandles(conn)
	tl := NewTrapListener(TrapConfig{Enabled: true, Bind: "0.0.0.0:162"}, zap.NewNop())

	pkt := trapPacket("1.3.6.1.6.3.1.1.5.3",
		gosnmp.SnmpPDU{Name: ".1.3.6.1.2.1.2.2.1.2.4", Type: gosnmp.OctetString, Value: []byte("ge-0/0/4")})
	tl.HandleTrap(h, pkt, &net.UDPAddr{IP: net.IPv4(192, 0, 2, 7)})

	msg, ok := conn.LastFor("zensight/snmp/192.0.2.7/trap/**")
	if !ok {
		t.Fatalf("trap missing")
	}
	point, _ := model.DecodePoint(msg.Data)
	if point.Labels["1.3.6.1.2.1.2.2.1.2.4"] != "ge-0/0/4" {
		t.Fatalf("varbind label missing: %v", point.Labels)
	}
	if c, ok := point.Value.Counter(); !ok || c != 1 {
		t.Fatalf("trap value: %v", point.Value)
	}
}

package snmp

import (
	"context"
	"encoding/hex"
	"fmt"
	"net"
	"strconv"
	"unicode/utf8"

	"github.com/gosnmp/gosnmp"
	"go.uber.org/zap"

	"github.com/p13marc/zensight/pkg/bridge"
	"github.com/p13marc/zensight/pkg/model"
)

const (
	oidSNMPTrapOID = "1.3.6.1.6.3.1.1.4.1.0"
	oidSysUpTime   = "1.3.6.1.2.1.1.3.0"
	oidSysName     = "1.3.6.1.2.1.1.5.0"
)

// TrapConfig configures the trap listener.
type TrapConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Bind    string `mapstructure:"bind"`
}

// TrapListener accepts trap PDUs on one bound address and republishes
// each as a telemetry point under <source>/trap/<trap-oid>. Traps bypass
// the per-device scheduler and are not rate limited here.
type TrapListener struct {
	cfg    TrapConfig
	logger *zap.Logger
}

// NewTrapListener builds the listener.
func NewTrapListener(cfg TrapConfig, logger *zap.Logger) *TrapListener {
	return &TrapListener{cfg: cfg, logger: logger}
}

// Run listens until ctx is cancelled.
func (t *TrapListener) Run(ctx context.Context, h *bridge.Handles) error {
	tl := gosnmp.NewTrapListener()
	tl.Params = gosnmp.Default
	tl.OnNewTrap = func(pkt *gosnmp.SnmpPacket, addr *net.UDPAddr) {
		t.HandleTrap(h, pkt, addr)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- tl.Listen(t.cfg.Bind)
	}()
	t.logger.Info("trap listener started", zap.String("bind", t.cfg.Bind))

	select {
	case <-ctx.Done():
		tl.Close()
		return nil
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("trap listener on %s: %w", t.cfg.Bind, err)
		}
		return nil
	}
}

// HandleTrap converts one trap PDU into a telemetry point. The source is
// the sender IP unless a sysName varbind supplies a canonical name.
func (t *TrapListener) HandleTrap(h *bridge.Handles, pkt *gosnmp.SnmpPacket, addr *net.UDPAddr) {
	source := ""
	if addr != nil {
		source = addr.IP.String()
	}
	trapOID := ""
	labels := make(map[string]string)

	for _, v := range pkt.Variables {
		oid := stripDot(v.Name)
		switch oid {
		case oidSNMPTrapOID:
			if s, ok := v.Value.(string); ok {
				trapOID = stripDot(s)
			}
		case oidSysName:
			if name := varbindText(v); name != "" {
				source = name
			}
		case oidSysUpTime:
			labels["uptime"] = strconv.FormatUint(gosnmp.ToBigInt(v.Value).Uint64(), 10)
		default:
			if text := varbindText(v); text != "" {
				labels[oid] = text
			}
		}
	}
	if trapOID == "" {
		// v1 traps carry enterprise + generic/specific instead of
		// snmpTrapOID; fall back to the enterprise OID.
		if pkt.SnmpTrap.Enterprise != "" {
			trapOID = stripDot(pkt.SnmpTrap.Enterprise)
		} else {
			trapOID = "unknown"
		}
	}
	if source == "" {
		source = "unknown"
	}

	point := model.NewPoint(source, model.ProtocolSNMP,
		"trap/"+trapOID, model.Counter(1)).
		WithLabels(labels).
		WithLabel("trap_oid", trapOID)
	if addr != nil {
		point.WithLabel("sender_ip", addr.IP.String())
	}

	if err := h.Publisher.Publish(point); err != nil {
		t.logger.Warn("trap publish failed", zap.Error(err))
	}
}

func varbindText(v gosnmp.SnmpPDU) string {
	switch val := v.Value.(type) {
	case string:
		return val
	case []byte:
		if utf8.Valid(val) {
			return string(val)
		}
		return hex.EncodeToString(val)
	case int, int64, uint, uint32, uint64:
		return fmt.Sprintf("%d", val)
	}
	return ""
}

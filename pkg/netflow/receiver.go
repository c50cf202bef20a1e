package netflow

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/p13marc/zensight/pkg/bridge"
)

// ListenerConfig is one UDP bind.
type ListenerConfig struct {
	Bind string `mapstructure:"bind"`
}

// Config is the NetFlow bridge configuration.
type Config struct {
	Listeners           []ListenerConfig  `mapstructure:"listeners"`
	TemplateTimeoutSecs int               `mapstructure:"template_timeout_secs"`
	ExporterNames       map[string]string `mapstructure:"exporter_names"`
	MaxPacketSize       int               `mapstructure:"max_packet_size"`
}

// Adapter is the NetFlow/IPFIX ingest engine: one receiver loop per
// configured bind, each owning its own template cache so no state
// crosses tasks. Records are emitted in arrival order per exporter.
type Adapter struct {
	cfg    Config
	clock  Clock
	logger *zap.Logger
}

// NewAdapter builds the adapter. clock may be nil for real time.
func NewAdapter(cfg Config, clock Clock, logger *zap.Logger) *Adapter {
	if clock == nil {
		clock = realClock{}
	}
	return &Adapter{cfg: cfg, clock: clock, logger: logger}
}

func (a *Adapter) Name() string { return "netflow" }

// Run starts every listener and blocks until ctx is cancelled.
func (a *Adapter) Run(ctx context.Context, h *bridge.Handles) error {
	if len(a.cfg.Listeners) == 0 {
		return bridge.Errf(bridge.KindConfig, "", false, "no netflow listeners configured")
	}
	var wg sync.WaitGroup
	for _, lc := range a.cfg.Listeners {
		conn, err := net.ListenPacket("udp", lc.Bind)
		if err != nil {
			return bridge.Errf(bridge.KindConfig, "", false, "bind %s: %v", lc.Bind, err)
		}
		a.logger.Info("netflow listener started", zap.String("bind", lc.Bind))
		wg.Add(1)
		go func(conn net.PacketConn, bind string) {
			defer wg.Done()
			defer conn.Close()
			a.listen(ctx, conn, h)
		}(conn, lc.Bind)
	}
	wg.Wait()
	return nil
}

// listen is the single-task receive loop. The template cache lives here
// and is never shared.
func (a *Adapter) listen(ctx context.Context, conn net.PacketConn, h *bridge.Handles) {
	timeout := time.Duration(a.cfg.TemplateTimeoutSecs) * time.Second
	cache := NewTemplateCache(timeout, a.clock)

	size := a.cfg.MaxPacketSize
	if size <= 0 {
		size = 65535
	}
	buf := make([]byte, size)
	seenExporters := make(map[string]bool)

	for {
		if ctx.Err() != nil {
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(time.Second))
		n, addr, err := conn.ReadFrom(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			a.logger.Warn("udp read error", zap.Error(err))
			continue
		}
		a.HandleDatagram(h, cache, buf[:n], addr, seenExporters)
	}
}

// HandleDatagram parses one datagram and emits its flow records.
// Exported so tests can drive the engine without a socket.
func (a *Adapter) HandleDatagram(h *bridge.Handles, cache *TemplateCache, data []byte, addr net.Addr, seen map[string]bool) {
	if len(data) < 2 {
		return
	}
	exporterIP := ""
	if udp, ok := addr.(*net.UDPAddr); ok {
		exporterIP = udp.IP.String()
	} else if addr != nil {
		exporterIP, _, _ = net.SplitHostPort(addr.String())
	}
	exporter := exporterIP
	if name, ok := a.cfg.ExporterNames[exporterIP]; ok {
		exporter = name
	}
	ts := a.clock.Now().UnixMilli()

	// Stale templates are purged on receipt, not on a periodic sweep.
	if expired := cache.Purge(exporter); expired > 0 {
		h.Health.ReportError(bridge.ParseError(exporter,
			fmt.Errorf("%d buffered data sets expired without a template", expired)))
	}

	version := binary.BigEndian.Uint16(data[0:2])
	var records []*FlowRecord
	var errs []error
	switch version {
	case 5:
		var err error
		records, err = parseV5(data, exporterIP, exporter, ts)
		if err != nil {
			errs = append(errs, err)
		}
	case 7:
		var err error
		records, err = parseV7(data, exporterIP, exporter, ts)
		if err != nil {
			errs = append(errs, err)
		}
	case 9, 10:
		records, errs = parseTemplated(data, version, exporterIP, exporter, ts, cache)
	default:
		errs = append(errs, fmt.Errorf("unsupported netflow version %d from %s", version, exporterIP))
	}

	for _, err := range errs {
		h.Health.ReportError(bridge.ParseError(exporter, err))
	}

	for _, rec := range records {
		point := rec.ToPoint()
		if err := h.Publisher.Publish(point); err != nil {
			a.logger.Debug("flow publish failed", zap.Error(err))
		}
	}

	if len(records) > 0 {
		h.Health.RecordSuccess(exporter, 0)
		if !seen[exporter] {
			seen[exporter] = true
			h.Correlate(exporterIP, exporter)
		}
	}
}

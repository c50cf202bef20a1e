package snmp

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/p13marc/zensight/pkg/bridge"
)

// OIDGroup is a reusable bundle of OIDs and walk roots shared between
// devices via the oid_group reference.
type OIDGroup struct {
	OIDs  []string `mapstructure:"oids"`
	Walks []string `mapstructure:"walks"`
}

// Config is the SNMP bridge configuration.
type Config struct {
	Devices      []DeviceConfig      `mapstructure:"devices"`
	OIDGroups    map[string]OIDGroup `mapstructure:"oid_groups"`
	OIDNames     map[string]string   `mapstructure:"oid_names"`
	MIBDirs      []string            `mapstructure:"mib_dirs"`
	TrapListener TrapConfig          `mapstructure:"trap_listener"`
}

// Adapter is the SNMP ingest engine plugged into the bridge runner: one
// poller task per device plus the optional trap listener.
type Adapter struct {
	cfg     Config
	factory ClientFactory
	logger  *zap.Logger
}

// NewAdapter builds the adapter. factory may be nil for the gosnmp
// client.
func NewAdapter(cfg Config, factory ClientFactory, logger *zap.Logger) *Adapter {
	return &Adapter{cfg: cfg, factory: factory, logger: logger}
}

func (a *Adapter) Name() string { return "snmp" }

// Run spawns the device pollers and the trap listener and blocks until
// ctx is cancelled.
func (a *Adapter) Run(ctx context.Context, h *bridge.Handles) error {
	mib := NewMIB()
	for _, dir := range a.cfg.MIBDirs {
		if err := mib.LoadDir(dir); err != nil {
			return bridge.Errf(bridge.KindConfig, "", false, "loading MIB dir: %v", err)
		}
	}

	h.Health.SetDevicesTotal(uint64(len(a.cfg.Devices)))

	var wg sync.WaitGroup
	for _, dev := range a.cfg.Devices {
		oids, walks := a.expand(dev)
		mapper := NewMapper(dev.OIDNames, a.cfg.OIDNames, mib)
		poller := NewPoller(dev, oids, walks, mapper, a.factory, a.logger)
		h.Correlate(dev.Host(), dev.Name)

		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = poller.Run(ctx, h)
		}()
	}

	if a.cfg.TrapListener.Enabled {
		tl := NewTrapListener(a.cfg.TrapListener, a.logger)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := tl.Run(ctx, h); err != nil {
				h.Health.ReportError(bridge.Classify("", err))
				a.logger.Error("trap listener failed", zap.Error(err))
			}
		}()
	}

	wg.Wait()
	return nil
}

// expand merges a device's inline OID lists with its referenced group.
func (a *Adapter) expand(dev DeviceConfig) (oids, walks []string) {
	oids = append(oids, dev.OIDs...)
	walks = append(walks, dev.Walks...)
	if dev.OIDGroup != "" {
		if group, ok := a.cfg.OIDGroups[dev.OIDGroup]; ok {
			oids = append(oids, group.OIDs...)
			walks = append(walks, group.Walks...)
		} else {
			a.logger.Warn("unknown oid_group",
				zap.String("device", dev.Name),
				zap.String("group", dev.OIDGroup))
		}
	}
	return oids, walks
}

package config

import (
	"fmt"

	"github.com/p13marc/zensight/pkg/netflow"
	"github.com/p13marc/zensight/pkg/snmp"
)

// SNMPFile is the SNMP bridge configuration file.
type SNMPFile struct {
	Base `mapstructure:",squash"`
	SNMP snmp.Config `mapstructure:"snmp"`
}

// LoadSNMP reads and validates an SNMP bridge config.
func LoadSNMP(path string) (*SNMPFile, error) {
	v, err := newViper(path)
	if err != nil {
		return nil, err
	}
	var cfg SNMPFile
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decoding config %s: %w", path, err)
	}
	if cfg.Bridge == "" {
		cfg.Bridge = "snmp-bridge"
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if len(cfg.SNMP.Devices) == 0 && !cfg.SNMP.TrapListener.Enabled {
		return nil, fmt.Errorf("snmp: no devices configured and trap listener disabled")
	}
	seen := make(map[string]bool, len(cfg.SNMP.Devices))
	for i, dev := range cfg.SNMP.Devices {
		if dev.Name == "" {
			return nil, fmt.Errorf("snmp.devices[%d]: name is required", i)
		}
		if seen[dev.Name] {
			return nil, fmt.Errorf("snmp.devices: duplicate name %q", dev.Name)
		}
		seen[dev.Name] = true
		if dev.Address == "" {
			return nil, fmt.Errorf("snmp device %s: address is required", dev.Name)
		}
		switch dev.Version {
		case "", "v1", "v2c":
			if dev.Community == "" {
				return nil, fmt.Errorf("snmp device %s: community is required for %s", dev.Name, dev.Version)
			}
		case "v3":
			if dev.Security == nil || dev.Security.Username == "" {
				return nil, fmt.Errorf("snmp device %s: v3 requires security.username", dev.Name)
			}
		default:
			return nil, fmt.Errorf("snmp device %s: unknown version %q", dev.Name, dev.Version)
		}
		if dev.OIDGroup != "" {
			if _, ok := cfg.SNMP.OIDGroups[dev.OIDGroup]; !ok {
				return nil, fmt.Errorf("snmp device %s: oid_group %q is not defined", dev.Name, dev.OIDGroup)
			}
		}
	}
	if cfg.SNMP.TrapListener.Enabled && cfg.SNMP.TrapListener.Bind == "" {
		return nil, fmt.Errorf("snmp.trap_listener: bind is required when enabled")
	}
	return &cfg, nil
}

// NetFlowFile is the NetFlow bridge configuration file.
type NetFlowFile struct {
	Base    `mapstructure:",squash"`
	NetFlow netflow.Config `mapstructure:"netflow"`
}

// LoadNetFlow reads and validates a NetFlow bridge config.
func LoadNetFlow(path string) (*NetFlowFile, error) {
	v, err := newViper(path)
	if err != nil {
		return nil, err
	}
	v.SetDefault("netflow.template_timeout_secs", 1800)
	var cfg NetFlowFile
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decoding config %s: %w", path, err)
	}
	if cfg.Bridge == "" {
		cfg.Bridge = "netflow-bridge"
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if len(cfg.NetFlow.Listeners) == 0 {
		return nil, fmt.Errorf("netflow: at least one listener is required")
	}
	for i, l := range cfg.NetFlow.Listeners {
		if l.Bind == "" {
			return nil, fmt.Errorf("netflow.listeners[%d]: bind is required", i)
		}
	}
	return &cfg, nil
}

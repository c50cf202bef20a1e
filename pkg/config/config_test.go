package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadSNMP(t *testing.T) {
	path := writeConfig(t, `{
		"bridge": "snmp-lab",
		"fabric": {"mode": "client", "connect": ["nats://10.0.0.1:4222"]},
		"serialization": "cbor",
		"logging": {"level": "debug"},
		"snmp": {
			"devices": [{
				"name": "router01",
				"address": "192.0.2.1:161",
				"version": "v2c",
				"community": "public",
				"poll_interval_secs": 30,
				"oids": ["1.3.6.1.2.1.1.3.0"],
				"walks": ["1.3.6.1.2.1.2.2.1.10"],
				"oid_group": "core"
			}],
			"oid_groups": {"core": {"oids": ["1.3.6.1.2.1.1.5.0"]}},
			"oid_names": {"1.3.6.1.2.1.1.3.0": "system/uptime"},
			"trap_listener": {"enabled": true, "bind": "0.0.0.0:1162"}
		}
	}`)
	cfg, err := LoadSNMP(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Bridge != "snmp-lab" {
		t.Fatalf("bridge: %s", cfg.Bridge)
	}
	if cfg.Serialization != "cbor" {
		t.Fatalf("serialization: %s", cfg.Serialization)
	}
	if len(cfg.SNMP.Devices) != 1 || cfg.SNMP.Devices[0].PollIntervalSecs != 30 {
		t.Fatalf("devices: %+v", cfg.SNMP.Devices)
	}
	if cfg.SNMP.OIDNames["1.3.6.1.2.1.1.3.0"] != "system/uptime" {
		t.Fatalf("oid names: %+v", cfg.SNMP.OIDNames)
	}
	if !cfg.SNMP.TrapListener.Enabled || cfg.SNMP.TrapListener.Bind != "0.0.0.0:1162" {
		t.Fatalf("trap listener: %+v", cfg.SNMP.TrapListener)
	}
}

func TestLoadSNMPValidation(t *testing.T) {
	cases := []struct {
		name    string
		content string
	}{
		{"no devices", `{"fabric":{"connect":["nats://x:4222"]},"snmp":{}}`},
		{"missing community", `{"fabric":{"connect":["nats://x:4222"]},
			"snmp":{"devices":[{"name":"r","address":"a","version":"v2c"}]}}`},
		{"v3 without security", `{"fabric":{"connect":["nats://x:4222"]},
			"snmp":{"devices":[{"name":"r","address":"a","version":"v3"}]}}`},
		{"duplicate names", `{"fabric":{"connect":["nats://x:4222"]},
			"snmp":{"devices":[
				{"name":"r","address":"a","version":"v2c","community":"c"},
				{"name":"r","address":"b","version":"v2c","community":"c"}]}}`},
		{"unknown group", `{"fabric":{"connect":["nats://x:4222"]},
			"snmp":{"devices":[{"name":"r","address":"a","version":"v2c","community":"c","oid_group":"nope"}]}}`},
		{"bad serialization", `{"serialization":"xml","fabric":{"connect":["nats://x:4222"]},
			"snmp":{"devices":[{"name":"r","address":"a","version":"v2c","community":"c"}]}}`},
	}
	for _, tc := range cases {
		path := writeConfig(t, tc.content)
		if _, err := LoadSNMP(path); err == nil {
			t.Fatalf("%s: expected error", tc.name)
		}
	}
}

func TestLoadNetFlowDefaults(t *testing.T) {
	path := writeConfig(t, `{
		"fabric": {"connect": ["nats://10.0.0.1:4222"]},
		"netflow": {"listeners": [{"bind": "0.0.0.0:2055"}]}
	}`)
	cfg, err := LoadNetFlow(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Bridge != "netflow-bridge" {
		t.Fatalf("default bridge name: %s", cfg.Bridge)
	}
	if cfg.NetFlow.TemplateTimeoutSecs != 1800 {
		t.Fatalf("template timeout default: %d", cfg.NetFlow.TemplateTimeoutSecs)
	}
}

func TestLoadNetFlowRequiresListeners(t *testing.T) {
	path := writeConfig(t, `{"fabric":{"connect":["nats://x:4222"]},"netflow":{}}`)
	if _, err := LoadNetFlow(path); err == nil {
		t.Fatalf("expected listener validation error")
	}
}

func TestLoadPrometheusDefaults(t *testing.T) {
	path := writeConfig(t, `{"fabric":{"connect":["nats://x:4222"]}}`)
	cfg, err := LoadPrometheus(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Prometheus.Listen != ":9469" || cfg.Prometheus.Path != "/metrics" {
		t.Fatalf("defaults: %+v", cfg.Prometheus)
	}
	agg := cfg.AggregatorConfig()
	if agg.Prefix != "zensight" || agg.Aggregation.StaleTimeoutSecs != 300 {
		t.Fatalf("aggregator config: %+v", agg)
	}
}

func TestLoadOTel(t *testing.T) {
	path := writeConfig(t, `{
		"fabric": {"connect": ["nats://x:4222"]},
		"opentelemetry": {
			"endpoint": "collector:4317",
			"protocol": "grpc",
			"headers": {"authorization": "Bearer t"},
			"resource": {"deployment.environment": "lab"}
		}
	}`)
	cfg, err := LoadOTel(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.OpenTelemetry.Endpoint != "collector:4317" {
		t.Fatalf("endpoint: %s", cfg.OpenTelemetry.Endpoint)
	}
	if cfg.OpenTelemetry.ExportIntervalSecs != 10 || cfg.OpenTelemetry.BatchSize != 1000 {
		t.Fatalf("defaults: %+v", cfg.OpenTelemetry)
	}
}

func TestLoadOTelRequiresEndpoint(t *testing.T) {
	path := writeConfig(t, `{"fabric":{"connect":["nats://x:4222"]},"opentelemetry":{}}`)
	if _, err := LoadOTel(path); err == nil {
		t.Fatalf("expected endpoint validation error")
	}
}

func TestMissingConfigFile(t *testing.T) {
	if _, err := LoadSNMP(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Fatalf("missing file accepted")
	}
}

func TestFabricModeValidation(t *testing.T) {
	path := writeConfig(t, `{"fabric":{"mode":"mesh","connect":["nats://x:4222"]},
		"netflow":{"listeners":[{"bind":"0.0.0.0:2055"}]}}`)
	if _, err := LoadNetFlow(path); err == nil {
		t.Fatalf("unknown fabric mode accepted")
	}
}

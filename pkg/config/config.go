// Package config loads and validates the per-binary configuration
// files. Files are JSON, loaded through viper with ZENSIGHT_* env
// overrides; each binary has its own schema sharing the common base.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"github.com/p13marc/zensight/pkg/model"
)

// FabricConfig is the pub/sub transport section. The shape follows the
// mode/connect/listen layout; the concrete transport is NATS, so
// connect entries are NATS URLs.
type FabricConfig struct {
	Mode    string   `mapstructure:"mode"` // client|peer|router
	Connect []string `mapstructure:"connect"`
	Listen  []string `mapstructure:"listen"`
}

// LoggingConfig selects the log level.
type LoggingConfig struct {
	Level string `mapstructure:"level"`
}

// Base is shared by every bridge and exporter config.
type Base struct {
	Bridge        string        `mapstructure:"bridge"`
	Fabric        FabricConfig  `mapstructure:"fabric"`
	Serialization string        `mapstructure:"serialization"` // json|cbor
	Logging       LoggingConfig `mapstructure:"logging"`
}

// Format parses the serialization choice.
func (b *Base) Format() (model.Format, error) {
	return model.ParseFormat(b.Serialization)
}

// Validate checks the common section.
func (b *Base) Validate() error {
	switch b.Fabric.Mode {
	case "", "client", "peer", "router":
	default:
		return fmt.Errorf("fabric.mode %q: want client, peer or router", b.Fabric.Mode)
	}
	if len(b.Fabric.Connect) == 0 {
		return fmt.Errorf("fabric.connect: at least one endpoint is required")
	}
	if _, err := b.Format(); err != nil {
		return err
	}
	switch strings.ToLower(b.Logging.Level) {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level %q: want debug, info, warn or error", b.Logging.Level)
	}
	return nil
}

// newViper builds the loader for a config file with env overrides
// (ZENSIGHT_FABRIC_MODE, ...).
func newViper(path string) (*viper.Viper, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("json")
	v.SetEnvPrefix("ZENSIGHT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("fabric.mode", "client")
	v.SetDefault("fabric.connect", []string{"nats://127.0.0.1:4222"})
	v.SetDefault("serialization", "json")
	v.SetDefault("logging.level", "info")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	return v, nil
}

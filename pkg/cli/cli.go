// Package cli carries the flag parsing, logger setup and exit codes
// shared by every ZenSight binary.
package cli

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/p13marc/zensight/pkg/version"
)

// Exit codes: 0 normal, 1 config error, 2 transport connect failure,
// 3 fatal runtime.
const (
	ExitOK        = 0
	ExitConfig    = 1
	ExitTransport = 2
	ExitRuntime   = 3
)

// Flags are the standard options every binary accepts.
type Flags struct {
	ConfigPath string
	LogLevel   string
}

// Parse handles --config, --log-level and --version. It exits directly
// for --version and for a missing --config.
func Parse(binary string) Flags {
	fs := flag.NewFlagSet(binary, flag.ExitOnError)
	configPath := fs.String("config", "", "path to the configuration file (required)")
	logLevel := fs.String("log-level", "", "log level override (debug|info|warn|error)")
	showVersion := fs.Bool("version", false, "print version and exit")
	_ = fs.Parse(os.Args[1:])

	if *showVersion {
		info := version.Info()
		fmt.Printf("%s version %s, commit %s, built %s\n", binary, info.Version, info.Commit, info.Built)
		os.Exit(ExitOK)
	}
	if *configPath == "" {
		fmt.Fprintf(os.Stderr, "%s: --config is required\n", binary)
		os.Exit(ExitConfig)
	}
	return Flags{ConfigPath: *configPath, LogLevel: *logLevel}
}

// NewLogger builds the process logger. The flag override wins over the
// configured level.
func NewLogger(configured, override string) (*zap.Logger, error) {
	level := configured
	if override != "" {
		level = override
	}
	var zl zapcore.Level
	switch strings.ToLower(level) {
	case "", "info":
		zl = zapcore.InfoLevel
	case "debug":
		zl = zapcore.DebugLevel
	case "warn":
		zl = zapcore.WarnLevel
	case "error":
		zl = zapcore.ErrorLevel
	default:
		return nil, fmt.Errorf("unknown log level %q", level)
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zl)
	cfg.Encoding = "console"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return cfg.Build()
}

// Fail prints an error and exits with the given code.
func Fail(code int, format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(code)
}

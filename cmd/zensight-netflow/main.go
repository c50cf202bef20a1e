package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/p13marc/zensight/pkg/bridge"
	"github.com/p13marc/zensight/pkg/cli"
	"github.com/p13marc/zensight/pkg/config"
	"github.com/p13marc/zensight/pkg/fabric"
	"github.com/p13marc/zensight/pkg/model"
	"github.com/p13marc/zensight/pkg/netflow"
)

func main() {
	flags := cli.Parse("zensight-netflow")

	cfg, err := config.LoadNetFlow(flags.ConfigPath)
	if err != nil {
		cli.Fail(cli.ExitConfig, "config error: %v", err)
	}
	logger, err := cli.NewLogger(cfg.Logging.Level, flags.LogLevel)
	if err != nil {
		cli.Fail(cli.ExitConfig, "config error: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	format, _ := cfg.Format()
	conn, err := fabric.Dial(fabric.Options{
		Name:    cfg.Bridge,
		Servers: cfg.Fabric.Connect,
	}, logger)
	if err != nil {
		logger.Error("fabric connect failed", zap.Error(err))
		os.Exit(cli.ExitTransport)
	}
	defer conn.Close()

	runner := bridge.NewRunner(conn, bridge.RunnerConfig{
		Bridge:    cfg.Bridge,
		Protocol:  model.ProtocolNetflow,
		Publisher: bridge.PublisherConfig{Format: format},
	}, nil, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	adapter := netflow.NewAdapter(cfg.NetFlow, nil, logger)
	if err := runner.Run(ctx, adapter); err != nil {
		logger.Error("bridge failed", zap.Error(err))
		os.Exit(cli.ExitRuntime)
	}
}

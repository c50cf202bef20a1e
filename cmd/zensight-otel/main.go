package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"go.uber.org/zap"

	"github.com/p13marc/zensight/pkg/cli"
	"github.com/p13marc/zensight/pkg/config"
	"github.com/p13marc/zensight/pkg/fabric"
	"github.com/p13marc/zensight/pkg/otlpexport"
	"github.com/p13marc/zensight/pkg/subscriber"
)

func main() {
	flags := cli.Parse("zensight-otel")

	cfg, err := config.LoadOTel(flags.ConfigPath)
	if err != nil {
		cli.Fail(cli.ExitConfig, "config error: %v", err)
	}
	logger, err := cli.NewLogger(cfg.Logging.Level, flags.LogLevel)
	if err != nil {
		cli.Fail(cli.ExitConfig, "config error: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	conn, err := fabric.Dial(fabric.Options{
		Name:    cfg.Bridge,
		Servers: cfg.Fabric.Connect,
	}, logger)
	if err != nil {
		logger.Error("fabric connect failed", zap.Error(err))
		os.Exit(cli.ExitTransport)
	}
	defer conn.Close()

	sender, err := otlpexport.NewSender(cfg.OpenTelemetry)
	if err != nil {
		logger.Error("otlp endpoint unreachable", zap.Error(err))
		os.Exit(cli.ExitTransport)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	engine := subscriber.New(conn, subscriber.Config{}, nil, logger)
	exporter := otlpexport.NewExporter(cfg.OpenTelemetry, sender, logger)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = engine.Start(ctx)
	}()

	if err := exporter.Run(ctx, engine); err != nil {
		logger.Error("exporter failed", zap.Error(err))
		os.Exit(cli.ExitRuntime)
	}
	stop()
	wg.Wait()
}

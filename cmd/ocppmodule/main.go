// Package main is a sample module process. It answers BootNotification,
// StatusNotification and Authorize for the modules that own them, showing how
// a service plugs into the router over the broker.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/c360/ocpprouter/broker"
	"github.com/c360/ocpprouter/config"
	"github.com/c360/ocpprouter/module"
	"github.com/c360/ocpprouter/natsclient"
	"github.com/c360/ocpprouter/router"
	"github.com/c360/ocpprouter/storage"
)

const appName = "ocppmodule"

func main() {
	var (
		configPath = flag.String("config", os.Getenv("OCPPROUTER_CONFIG"), "Path to the router configuration file (env: OCPPROUTER_CONFIG)")
		modules    = flag.String("module", "configuration,transactions,evdriver", "Comma-separated modules to serve")
		workers    = flag.Int("workers", 8, "Handler workers per module")
		interval   = flag.Int("heartbeat-interval", 300, "Heartbeat interval returned to booting stations, seconds")
		logLevel   = flag.String("log-level", "info", "Log level: debug, info, warn, error")
	)
	flag.Parse()

	level := slog.LevelInfo
	_ = level.UnmarshalText([]byte(*logLevel))
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})).
		With("service", appName, "pid", os.Getpid())
	slog.SetDefault(logger)

	if err := run(*configPath, strings.Split(*modules, ","), *workers, *interval, logger); err != nil {
		slog.Error("Module failed", "error", err)
		os.Exit(1)
	}
}

func run(configPath string, modules []string, workers, interval int, logger *slog.Logger) error {
	cfg := config.Default()
	if configPath != "" {
		loaded, err := config.NewLoader().LoadFile(configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = loaded
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	client, err := natsclient.NewClient(cfg.NATS.URL(), natsclient.WithName(appName), natsclient.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("create NATS client: %w", err)
	}
	if err := client.Connect(ctx); err != nil {
		return fmt.Errorf("connect to NATS: %w", err)
	}
	defer func() {
		closeCtx, closeCancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = client.Close(closeCtx)
		closeCancel()
	}()

	var seq module.SequenceRepository
	if cfg.Redis.Addr != "" {
		rdb, err := storage.NewRedisClient(ctx, cfg.Redis)
		if err != nil {
			return err
		}
		defer rdb.Close()
		seq = storage.NewRedisSequences(rdb)
	}

	adapter := broker.NewAdapter(broker.NewNATSTransport(client), cfg.NATS, broker.WithLogger(logger))
	h := handlers{interval: interval, now: time.Now}

	var services []*module.Service
	for _, name := range modules {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		svc := module.NewService(name, adapter,
			module.WithWorkers(workers, workers*64),
			module.WithSequences(seq),
			module.WithServiceLogger(logger))
		for action, fn := range h.all() {
			if router.DefaultModuleFor(action) == name {
				svc.Handle(action, fn)
			}
		}
		if len(svc.Actions()) == 0 {
			slog.Warn("Module serves no sample actions", "module", name)
			continue
		}
		if err := svc.Start(ctx); err != nil {
			return fmt.Errorf("start module %s: %w", name, err)
		}
		slog.Info("Module serving", "module", name, "actions", svc.Actions())
		services = append(services, svc)
	}
	if len(services) == 0 {
		return fmt.Errorf("no modules to serve")
	}

	<-ctx.Done()
	slog.Info("Received shutdown signal")
	for _, svc := range services {
		if err := svc.Stop(5 * time.Second); err != nil {
			slog.Warn("Module stop failed", "module", svc.Name(), "error", err)
		}
	}
	return nil
}

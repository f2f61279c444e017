package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"reflect"
	"syscall"
	"time"

	"github.com/c360/ocpprouter/config"
	"github.com/c360/ocpprouter/ocpp"
	"github.com/c360/ocpprouter/router"
)

// buildTable assembles the dispatch table for cfg. Protocol versions come
// from the startup configuration since the station server negotiates with
// them.
func (app *application) buildTable(cfg *config.Config) (*router.Table, error) {
	callTimeout := cfg.Server.MaxCallLength()
	table, err := router.NewTableBuilder(app.cfg.Server.Versions()...).
		Local(ocpp.V16, "Heartbeat", router.NewHeartbeatHandler(time.Now)).
		Local(ocpp.V201, "Heartbeat", router.NewHeartbeatHandler(time.Now)).
		Overrides(cfg.Routes).
		Build(func(moduleName string) router.Handler {
			return router.NewRemoteHandler(moduleName, app.adapter, app.engine, callTimeout)
		})
	if err != nil {
		return nil, fmt.Errorf("build dispatch table: %w", err)
	}
	return table, nil
}

// reload re-reads the configuration file and applies what can change
// without a restart: route overrides and the webhook subscription snapshot.
// A file that fails to load or validate leaves the running configuration
// untouched.
func (app *application) reload(ctx context.Context, path string) error {
	cfg, err := config.NewLoader().LoadFile(path)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	table, err := app.buildTable(cfg)
	if err != nil {
		return err
	}
	prev := app.live.Get()
	if err := app.live.Update(cfg); err != nil {
		return err
	}
	for section, changed := range map[string]bool{
		"server":   !reflect.DeepEqual(prev.Server, cfg.Server),
		"security": !reflect.DeepEqual(prev.Security, cfg.Security),
		"nats":     !reflect.DeepEqual(prev.NATS, cfg.NATS),
		"tenancy":  !reflect.DeepEqual(prev.Tenancy, cfg.Tenancy),
	} {
		if changed {
			slog.Warn("Configuration section changed; restart to apply", "section", section)
		}
	}
	if err := app.router.SetTable(ctx, table); err != nil {
		return fmt.Errorf("install dispatch table: %w", err)
	}
	if err := app.registry.Sync(ctx, app.store); err != nil {
		return fmt.Errorf("resync webhook subscriptions: %w", err)
	}
	slog.Info("Configuration reloaded", "config_path", path, "route_overrides", len(cfg.Routes))
	return nil
}

// watchReload reloads on SIGHUP until ctx ends
func (app *application) watchReload(ctx context.Context, path string) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	go func() {
		defer signal.Stop(hup)
		for {
			select {
			case <-ctx.Done():
				return
			case <-hup:
				if err := app.reload(ctx, path); err != nil {
					slog.Error("Configuration reload failed", "error", err)
				}
			}
		}
	}()
}

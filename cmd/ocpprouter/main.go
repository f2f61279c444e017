// Package main is the ocpprouter binary: the station-facing OCPP-J
// WebSocket server with its broker fanout, webhook notifier and management
// API.
package main

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/redis/go-redis/v9"

	"github.com/c360/ocpprouter/api"
	"github.com/c360/ocpprouter/broker"
	"github.com/c360/ocpprouter/config"
	"github.com/c360/ocpprouter/connection"
	"github.com/c360/ocpprouter/correlation"
	"github.com/c360/ocpprouter/health"
	"github.com/c360/ocpprouter/metric"
	"github.com/c360/ocpprouter/module"
	"github.com/c360/ocpprouter/natsclient"
	"github.com/c360/ocpprouter/pkg/tlsutil"
	"github.com/c360/ocpprouter/router"
	"github.com/c360/ocpprouter/storage"
	"github.com/c360/ocpprouter/webhook"
)

// Build information constants
const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "ocpprouter"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(); err != nil {
		slog.Error("Application failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

func run() error {
	cliCfg := parseFlags()
	if err := validateFlags(cliCfg); err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}
	if cliCfg.ShowVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil
	}
	if cliCfg.ShowHelp {
		printDetailedHelp()
		return nil
	}

	logger := setupLogger(cliCfg.LogLevel, cliCfg.LogFormat)
	slog.SetDefault(logger)
	slog.Info("Starting ocpprouter", "version", Version, "build_time", BuildTime, "config_path", cliCfg.ConfigPath)

	cfg, err := config.NewLoader().LoadFile(cliCfg.ConfigPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if cliCfg.Validate {
		slog.Info("Configuration is valid")
		return nil
	}

	signalCtx, signalCancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer signalCancel()

	app, err := build(signalCtx, cfg, cliCfg, logger)
	if err != nil {
		app.close()
		return err
	}
	if err := app.start(signalCtx); err != nil {
		app.close()
		return err
	}
	slog.Info("ocpprouter started", "addr", cfg.Server.Addr(), "instance_id", app.adapter.InstanceID(),
		"protocols", cfg.Server.Protocols, "security_profile", cfg.Security.Profile)
	app.watchReload(signalCtx, cliCfg.ConfigPath)

	select {
	case <-signalCtx.Done():
		slog.Info("Received shutdown signal")
	case err := <-app.errs:
		slog.Error("Server failed", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cliCfg.ShutdownTimeout)
	defer cancel()
	app.shutdown(shutdownCtx)
	slog.Info("ocpprouter shutdown complete")
	return nil
}

// application holds every long-lived component so startup and shutdown can
// walk them in order
type application struct {
	cfg    *config.Config
	live   *config.SafeConfig
	logger *slog.Logger
	errs   chan error

	metrics  *metric.MetricsRegistry
	monitor  *health.Monitor
	nats     *natsclient.Client
	pg       *pgxpool.Pool
	redis    *redis.Client
	adapter  *broker.Adapter
	engine   *correlation.Engine
	manager  *connection.Manager
	router   *router.Router
	registry *webhook.Registry
	store    webhook.Store
	notifier *webhook.Notifier
	caller   *module.Caller

	stationServer *http.Server
	metricsServer *metric.Server
	apiServer     *api.Server
}

func build(ctx context.Context, cfg *config.Config, cliCfg *CLIConfig, logger *slog.Logger) (*application, error) {
	app := &application{
		cfg:     cfg,
		live:    config.NewSafeConfig(cfg.Clone()),
		logger:  logger,
		errs:    make(chan error, 4),
		metrics: metric.NewMetricsRegistry(),
		monitor: health.NewMonitor(),
	}
	core := app.metrics.CoreMetrics()

	if err := app.connectNATS(ctx, core); err != nil {
		return app, err
	}

	var tenants connection.TenantRepository
	auth, err := app.connectStorage(ctx, cliCfg.Migrate, &tenants)
	if err != nil {
		return app, err
	}

	app.adapter = broker.NewAdapter(broker.NewNATSTransport(app.nats), cfg.NATS,
		broker.WithLogger(logger), broker.WithMetrics(core))

	app.manager, err = connection.NewManager(ctx, cfg,
		connection.WithAuthenticator(auth),
		connection.WithTenantRepository(tenants),
		connection.WithLogger(logger),
		connection.WithMetrics(app.metrics))
	if err != nil {
		return app, fmt.Errorf("create connection manager: %w", err)
	}

	app.engine = correlation.New(app.manager,
		correlation.WithLogger(logger),
		correlation.WithMetrics(core),
		correlation.WithDefaultTimeout(cfg.Server.MaxCallLength()))

	table, err := app.buildTable(cfg)
	if err != nil {
		return app, err
	}
	app.router = router.New(table, app.engine,
		router.WithAdapter(app.adapter),
		router.WithLogger(logger),
		router.WithMetrics(core))
	app.manager.SetHandler(app.router)
	app.manager.AddObserver(app.router)

	if err := app.setupWebhooks(ctx, core); err != nil {
		return app, err
	}
	app.manager.AddObserver(app.notifier)

	app.caller = module.NewCaller(app.adapter, cfg.Server.MaxCallLength(), logger, core)
	app.registerHealth()
	return app, nil
}

func (app *application) connectNATS(ctx context.Context, core *metric.Metrics) error {
	cfg := app.cfg.NATS
	opts := []natsclient.ClientOption{
		natsclient.WithName(appName),
		natsclient.WithLogger(app.logger),
		natsclient.WithMetrics(core),
		natsclient.WithDisconnectCallback(app.reportNATS),
		natsclient.WithReconnectCallback(func() { app.reportNATS(nil) }),
	}
	if cfg.MaxReconnects != 0 {
		opts = append(opts, natsclient.WithMaxReconnects(cfg.MaxReconnects))
	}
	if cfg.Username != "" {
		opts = append(opts, natsclient.WithCredentials(cfg.Username, cfg.Password))
	}
	if cfg.Token != "" {
		opts = append(opts, natsclient.WithToken(cfg.Token))
	}
	if app.cfg.Security.TLS.Client.Enabled {
		tlsCfg, err := tlsutil.LoadClientTLSConfig(app.cfg.Security.TLS.Client)
		if err != nil {
			return fmt.Errorf("load NATS client TLS: %w", err)
		}
		opts = append(opts, natsclient.WithTLSConfig(tlsCfg))
	}

	client, err := natsclient.NewClient(cfg.URL(), opts...)
	if err != nil {
		return fmt.Errorf("create NATS client: %w", err)
	}
	app.nats = client

	slog.Info("Connecting to NATS", "urls", cfg.URLs)
	if err := client.Connect(ctx); err != nil {
		return fmt.Errorf("connect to NATS: %w", err)
	}
	connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := client.WaitForConnection(connCtx); err != nil {
		return fmt.Errorf("NATS connection timeout: %w", err)
	}
	app.reportNATS(nil)
	return nil
}

// reportNATS pushes the client's connection state into the health monitor.
// It runs on connect and from the client's disconnect and reconnect
// callbacks.
func (app *application) reportNATS(err error) {
	status := app.nats.Health(context.Background())
	if err != nil {
		status.Message = fmt.Sprintf("%s: %v", status.Message, err)
	}
	app.monitor.Update("nats", status)
}

// connectStorage opens the postgres and redis backends the configuration
// asks for and returns the station authenticator
func (app *application) connectStorage(ctx context.Context, migrate bool,
	tenants *connection.TenantRepository) (connection.Authenticator, error) {
	if app.cfg.Postgres.URL != "" {
		pool, err := storage.Connect(ctx, app.cfg.Postgres)
		if err != nil {
			return nil, err
		}
		app.pg = pool
		if migrate {
			if err := storage.Migrate(ctx, pool); err != nil {
				return nil, err
			}
			slog.Info("Postgres schema applied")
		}
		if app.cfg.Tenancy.DynamicResolution {
			*tenants = storage.NewPostgresTenants(pool)
		}
	}

	if app.cfg.Redis.Addr != "" {
		client, err := storage.NewRedisClient(ctx, app.cfg.Redis)
		if err != nil {
			return nil, err
		}
		app.redis = client
	}

	switch app.cfg.Auth.Mode {
	case config.AuthModeStatic:
		return storage.NewStaticAuthenticator(app.cfg.Auth.Stations), nil
	case config.AuthModePostgres:
		return storage.NewPostgresAuthenticator(app.pg, app.logger), nil
	default:
		return storage.AllowAll{}, nil
	}
}

func (app *application) setupWebhooks(ctx context.Context, core *metric.Metrics) error {
	app.registry = webhook.NewRegistry(app.logger)

	var kvStore *natsclient.KVStore
	if bucket := app.cfg.Webhooks.KVBucket; bucket != "" {
		kv, err := app.nats.GetKeyValueBucket(ctx, bucket)
		if err != nil {
			kv, err = app.nats.CreateKeyValueBucket(ctx, jetstream.KeyValueConfig{
				Bucket:      bucket,
				Description: "ocpprouter webhook subscriptions",
			})
			if err != nil {
				return fmt.Errorf("open webhook bucket %s: %w", bucket, err)
			}
		}
		kvStore = app.nats.NewKVStore(kv)
		app.store = webhook.NewKVStore(kvStore)
	} else {
		app.store = webhook.NewMemoryStore()
	}

	if err := app.registry.Sync(ctx, app.store); err != nil {
		return fmt.Errorf("load webhook subscriptions: %w", err)
	}
	if kvStore != nil {
		if err := app.registry.Watch(ctx, kvStore); err != nil {
			return fmt.Errorf("watch webhook subscriptions: %w", err)
		}
	}

	app.notifier = webhook.NewNotifier(app.registry, app.cfg.Webhooks,
		webhook.WithLogger(app.logger),
		webhook.WithMetrics(core),
		webhook.WithPoolMetrics(app.metrics))
	return nil
}

func (app *application) registerHealth() {
	app.monitor.Register("connections", health.CheckerFunc(func(context.Context) health.Status {
		msg := fmt.Sprintf("%d stations connected", app.manager.Count())
		if app.manager.Draining() {
			return health.NewDegraded("connections", "draining, "+msg)
		}
		return health.NewHealthy("connections", msg)
	}))
	app.monitor.Register("correlation", health.CheckerFunc(func(context.Context) health.Status {
		return health.NewHealthy("correlation", fmt.Sprintf("%d calls pending", app.engine.Len()))
	}))
	app.monitor.Register("webhook", health.CheckerFunc(func(context.Context) health.Status {
		stats := app.notifier.Stats()
		if stats.QueueSize > 0 && stats.QueueDepth >= stats.QueueSize {
			return health.NewDegraded("webhook", "delivery queue full")
		}
		return health.NewHealthy("webhook", fmt.Sprintf("%d delivered, %d failed, %d dropped",
			stats.Processed, stats.Failed, stats.Dropped))
	}))
	if app.pg != nil {
		app.monitor.Register("postgres", health.CheckerFunc(func(ctx context.Context) health.Status {
			if err := app.pg.Ping(ctx); err != nil {
				return health.FromError("postgres", err)
			}
			return health.NewHealthy("postgres", "reachable")
		}))
	}
	if app.redis != nil {
		app.monitor.Register("redis", health.CheckerFunc(func(ctx context.Context) health.Status {
			if err := app.redis.Ping(ctx).Err(); err != nil {
				return health.FromError("redis", err)
			}
			return health.NewHealthy("redis", "reachable")
		}))
	}
}

func (app *application) start(ctx context.Context) error {
	if err := app.notifier.Start(ctx); err != nil {
		return fmt.Errorf("start webhook notifier: %w", err)
	}
	if err := app.router.Start(ctx); err != nil {
		return fmt.Errorf("start router: %w", err)
	}
	if err := app.caller.Start(ctx); err != nil {
		return fmt.Errorf("start module caller: %w", err)
	}

	if app.cfg.Metrics.Enabled {
		app.metricsServer = metric.NewServer(app.cfg.Metrics.Port, app.cfg.Metrics.Path, app.metrics, app.cfg.Security)
		go app.serve("metrics", app.metricsServer.Start)
	}

	if app.cfg.Management.Enabled {
		opts := []api.Option{
			api.WithSubscriptions(app.registry, app.store),
			api.WithCaller(app.caller),
			api.WithHealth(app.monitor),
			api.WithLogger(app.logger),
		}
		if app.redis != nil {
			opts = append(opts, api.WithSequences(storage.NewRedisSequences(app.redis)))
		}
		app.apiServer = api.NewServer(app.cfg.Management, app.manager, opts...)
		go app.serve("management", app.apiServer.Start)
	}

	tlsConfig, err := tlsutil.ForProfile(app.cfg.Security)
	if err != nil {
		return err
	}
	app.stationServer = &http.Server{
		Addr:              app.cfg.Server.Addr(),
		Handler:           app.manager,
		TLSConfig:         tlsConfig,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go app.serve("station", func() error {
		var err error
		if tlsConfig != nil {
			err = app.stationServer.ListenAndServeTLS("", "")
		} else {
			err = app.stationServer.ListenAndServe()
		}
		if err != nil && !stderrors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	return nil
}

func (app *application) serve(name string, fn func() error) {
	if err := fn(); err != nil {
		app.errs <- fmt.Errorf("%s server: %w", name, err)
	}
}

// shutdown drains stations first so in-flight Calls can finish, then stops
// the broker side and finally the infrastructure
func (app *application) shutdown(ctx context.Context) {
	drainCtx, cancel := context.WithTimeout(ctx, app.cfg.Server.DrainTimeout())
	if err := app.manager.Shutdown(drainCtx); err != nil {
		slog.Warn("Stations did not close in time", "error", err)
	}
	cancel()
	if app.stationServer != nil {
		_ = app.stationServer.Shutdown(ctx)
	}

	if err := app.router.Stop(ctx); err != nil {
		slog.Warn("Router stop failed", "error", err)
	}
	if err := app.caller.Stop(ctx); err != nil {
		slog.Warn("Module caller stop failed", "error", err)
	}
	if err := app.engine.Shutdown(ctx); err != nil {
		slog.Warn("Correlation engine shutdown failed", "error", err)
	}
	if err := app.notifier.Stop(5 * time.Second); err != nil {
		slog.Warn("Webhook notifier stop failed", "error", err)
	}
	if app.apiServer != nil {
		_ = app.apiServer.Stop(ctx)
	}
	if app.metricsServer != nil {
		_ = app.metricsServer.Stop(ctx)
	}
	app.close()
}

// close releases infrastructure connections. Safe on a partially built
// application.
func (app *application) close() {
	if app == nil {
		return
	}
	if app.redis != nil {
		_ = app.redis.Close()
	}
	if app.pg != nil {
		app.pg.Close()
	}
	if app.nats != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = app.nats.Close(ctx)
		cancel()
	}
}

package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fyrsmithlabs/cutover/internal/backend"
	"github.com/fyrsmithlabs/cutover/internal/config"
	"github.com/fyrsmithlabs/cutover/internal/execution"
	cuthttp "github.com/fyrsmithlabs/cutover/internal/http"
	"github.com/fyrsmithlabs/cutover/internal/logging"
	"github.com/fyrsmithlabs/cutover/internal/migration"
	"github.com/fyrsmithlabs/cutover/internal/rollback"
	"github.com/fyrsmithlabs/cutover/internal/routing"
	"github.com/fyrsmithlabs/cutover/internal/store"
	"github.com/fyrsmithlabs/cutover/internal/telemetry"
)

const instrumentationName = "github.com/fyrsmithlabs/cutover"

// run loads configuration, wires the components and blocks until ctx is
// cancelled.
//
// Startup order:
//  1. Config, telemetry, logger
//  2. Rollback state store
//  3. Backend clients for both systems
//  4. Routing controller, rollback manager, migration router
//  5. HTTP server, rollback monitor and config watcher
func run(ctx context.Context, path string, watch bool) error {
	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	tel, err := telemetry.New(ctx, telemetry.FromSettings(cfg.Telemetry, version), nil)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	logCfg, err := logging.FromSettings(cfg.Logging)
	if err != nil {
		return fmt.Errorf("invalid logging config: %w", err)
	}
	logger, err := logging.NewLogger(logCfg, tel.LoggerProvider())
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() {
		_ = logger.Sync()
	}()

	logger.Info(ctx, "starting cutoverd",
		zap.String("version", version),
		zap.String("commit", gitCommit),
		zap.Int("port", cfg.Server.Port),
		zap.String("store", cfg.Store.Backend),
		zap.Bool("telemetry", tel.IsEnabled()))

	d, err := newDaemon(ctx, cfg, logger, tel)
	if err != nil {
		return err
	}

	if watch {
		if path == "" {
			if path, err = config.DefaultPath(); err != nil {
				logger.Warn(ctx, "config watch disabled", zap.Error(err))
				watch = false
			}
		}
	}
	if watch {
		d.watchPath = path
	}

	return d.run(ctx)
}

// daemon holds the wired components.
type daemon struct {
	cfg       *config.Config
	logger    *logging.Logger
	telemetry *telemetry.Telemetry

	controller *routing.Controller
	manager    *rollback.Manager
	router     *migration.Router
	server     *cuthttp.Server
	monitor    *rollback.Monitor

	closeStore func() error
	watchPath  string
}

// newDaemon builds every component from cfg. On error, anything already
// opened is closed.
func newDaemon(ctx context.Context, cfg *config.Config, logger *logging.Logger, tel *telemetry.Telemetry) (_ *daemon, err error) {
	zl := logger.Underlying()
	d := &daemon{cfg: cfg, logger: logger, telemetry: tel}
	defer func() {
		if err != nil {
			err = errors.Join(err, d.close())
		}
	}()

	stateStore, closeStore, err := store.Open(cfg.Store.Backend, cfg.Store.Path, zl.Named("store"))
	if err != nil {
		return nil, fmt.Errorf("failed to open rollback store: %w", err)
	}
	d.closeStore = closeStore

	legacy, err := backend.NewClient(backendConfig(execution.SystemLegacy, cfg.Backends.LegacyURL, cfg.Backends), zl.Named("backend"))
	if err != nil {
		return nil, err
	}
	replacement, err := backend.NewClient(backendConfig(execution.SystemReplacement, cfg.Backends.ReplacementURL, cfg.Backends), zl.Named("backend"))
	if err != nil {
		return nil, err
	}

	rcfg, err := routingConfig(cfg.Migration)
	if err != nil {
		return nil, err
	}
	d.controller, err = routing.NewController(rcfg, routing.WithLogger(zl.Named("routing")))
	if err != nil {
		return nil, fmt.Errorf("failed to create routing controller: %w", err)
	}

	d.manager, err = rollback.New(ctx, d.controller, stateStore, rollbackConfig(cfg),
		rollback.WithLogger(zl.Named("rollback")),
		rollback.WithTracer(tel.Tracer(instrumentationName+"/rollback")),
		rollback.WithHealthProbe(rollback.ExecutorProbe(legacy, cfg.Rollback.ProbeTimeout)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create rollback manager: %w", err)
	}

	d.router, err = migration.NewRouter(d.controller, legacy, replacement, migrationConfig(cfg.Comparison), zl.Named("migration"),
		migration.WithInstrumentation(
			tel.Tracer(instrumentationName+"/migration"),
			tel.Meter(instrumentationName+"/migration"),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create migration router: %w", err)
	}

	if cfg.Rollback.MonitorInterval > 0 {
		d.monitor, err = rollback.NewMonitor(d.manager, cfg.Rollback.MonitorInterval, zl.Named("monitor"))
		if err != nil {
			return nil, err
		}
	}

	d.server, err = cuthttp.NewServer(cuthttp.Dependencies{
		Routing:   d.controller,
		Rollback:  d.manager,
		Router:    d.router,
		Telemetry: tel,
		Metrics:   cuthttp.NewHTTPMetrics(tel.Meter(instrumentationName+"/http"), zl.Named("http")),
	}, logger.Named("http"), serverConfig(cfg.Server))
	if err != nil {
		return nil, fmt.Errorf("failed to create http server: %w", err)
	}

	logger.Info(ctx, "components initialized",
		zap.String("rollback_state", string(d.manager.State())),
		zap.Int("new_system_percentage", rcfg.NewSystemPercentage),
		zap.Bool("canary_enabled", rcfg.CanaryEnabled),
		zap.Bool("monitor", d.monitor != nil))
	return d, nil
}

// run serves until ctx is cancelled or a component fails, then shuts down.
func (d *daemon) run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(d.server.Start)
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), d.cfg.Server.ShutdownTimeout)
		defer cancel()
		return d.server.Shutdown(shutdownCtx)
	})
	if d.monitor != nil {
		g.Go(func() error {
			return ignoreCanceled(d.monitor.Run(gctx))
		})
	}
	if d.watchPath != "" {
		g.Go(func() error {
			err := config.Watch(gctx, d.watchPath, d.reload)
			if err != nil && !errors.Is(err, context.Canceled) {
				// The daemon keeps serving with the loaded configuration.
				d.logger.Warn(gctx, "config watch stopped", zap.Error(err))
			}
			return nil
		})
	}

	err := g.Wait()
	return errors.Join(err, d.close())
}

// reload applies a changed config file to the routing controller. Only
// routing settings are applied; everything else needs a restart.
func (d *daemon) reload(cfg *config.Config, err error) {
	ctx := context.Background()
	if err != nil {
		d.logger.Warn(ctx, "config reload failed, keeping current settings", zap.Error(err))
		return
	}

	holding := d.manager.State() != rollback.StateActive
	update, err := routingUpdate(cfg.Migration, holding)
	if err != nil {
		d.logger.Warn(ctx, "config reload rejected", zap.Error(err))
		return
	}
	if err := d.controller.UpdateConfig(update); err != nil {
		d.logger.Warn(ctx, "config reload rejected", zap.Error(err))
		return
	}
	if holding {
		d.logger.Info(ctx, "config reloaded; manual override held by rollback",
			zap.String("rollback_state", string(d.manager.State())))
		return
	}
	d.logger.Info(ctx, "config reloaded",
		zap.Int("new_system_percentage", cfg.Migration.NewSystemPercentage),
		zap.String("manual_override", cfg.Migration.ManualOverride))
}

// close releases resources in reverse start order.
func (d *daemon) close() error {
	var errs []error
	if d.manager != nil {
		d.manager.Close()
	}
	if d.closeStore != nil {
		errs = append(errs, d.closeStore())
	}
	if d.telemetry != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		errs = append(errs, d.telemetry.Shutdown(ctx))
	}
	return errors.Join(errs...)
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

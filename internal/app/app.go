// Package app assembles settingsd from its configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/devrev/settingsd/internal/client"
	"github.com/devrev/settingsd/internal/config"
	"github.com/devrev/settingsd/internal/dispatch"
	apperrors "github.com/devrev/settingsd/internal/errors"
	"github.com/devrev/settingsd/internal/handler"
	"github.com/devrev/settingsd/internal/health"
	"github.com/devrev/settingsd/internal/inflight"
	"github.com/devrev/settingsd/internal/metrics"
	"github.com/devrev/settingsd/internal/notify"
	"github.com/devrev/settingsd/internal/server"
	"github.com/devrev/settingsd/internal/service"
	"github.com/devrev/settingsd/internal/store"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// App owns every long-lived component of a settingsd process
type App struct {
	cfg       *config.Config
	logger    *zap.Logger
	store     store.FlagStore
	mainQueue *dispatch.Queue
	updater   *service.OptimisticFlagUpdater
	settings  *service.SettingsService
	health    *health.HealthChecker
	http      *server.Server
	grpc      *server.GRPCServer
}

// New builds the application. reg receives the metrics and is served on the
// metrics path.
func New(cfg *config.Config, reg *prometheus.Registry, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := metrics.NewMetrics(cfg.Server.NodeID, reg)

	flagStore, err := NewFlagStore(&cfg.Store, logger)
	if err != nil {
		return nil, err
	}

	mainQueue := dispatch.NewQueue("main", cfg.Updater.MainQueueSize, logger)
	tracker := inflight.NewTracker(logger)

	updater := service.NewOptimisticFlagUpdater(&service.UpdaterConfig{
		PendingPolicy:   service.PendingPolicy(cfg.Updater.PendingPolicy),
		Workers:         cfg.Updater.Workers,
		QueueSize:       cfg.Updater.QueueSize,
		ShutdownTimeout: cfg.Updater.ShutdownTimeout,
	}, flagStore, mainQueue, tracker, m, logger)

	contentBlocker := client.NewContentBlockerClient(upstreamConfig(cfg.ContentBlocker), m, logger)
	vpn := client.NewVPNManagerClient(upstreamConfig(cfg.VPN), m, logger)
	events := notify.NewBroadcaster(logger)
	events.Subscribe(func(ev notify.Event) {
		logger.Debug("Settings event",
			zap.String("type", string(ev.Type)),
			zap.String("key", ev.Key),
			zap.Bool("value", ev.Value))
	})

	settings := service.NewSettingsService(updater, flagStore, contentBlocker, vpn, events, tracker, logger)

	var grpcServer *server.GRPCServer
	checkerCfg := &health.HealthCheckConfig{NodeID: cfg.Server.NodeID}
	var checker *health.HealthChecker
	if cfg.GRPC.Enabled {
		grpcServer = server.NewGRPCServer(cfg.GRPC.Port, logger)
		checker = health.NewHealthChecker(checkerCfg, flagStore, updater, tracker, grpcServer.Health(), logger)
	} else {
		checker = health.NewHealthChecker(checkerCfg, flagStore, updater, tracker, nil, logger)
	}

	errorHandler := apperrors.NewHandler(logger)
	handlers := handler.NewHandlers(settings, errorHandler, logger, cfg.Server.WaitTimeout)
	httpServer := server.NewServer(cfg, handlers, checker, errorHandler, m, reg, logger)

	return &App{
		cfg:       cfg,
		logger:    logger,
		store:     flagStore,
		mainQueue: mainQueue,
		updater:   updater,
		settings:  settings,
		health:    checker,
		http:      httpServer,
		grpc:      grpcServer,
	}, nil
}

// NewFlagStore opens the flag store selected by cfg.Backend
func NewFlagStore(cfg *config.StoreConfig, logger *zap.Logger) (store.FlagStore, error) {
	switch cfg.Backend {
	case config.StoreBackendMemory:
		return store.NewInMemoryFlagStore(cfg.Initial, logger), nil
	case config.StoreBackendFile:
		return store.NewFileFlagStore(cfg.File.Path, logger)
	case config.StoreBackendRedis:
		return store.NewRedisFlagStore(&store.RedisConfig{
			Addr:      cfg.Redis.Addr,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			KeyPrefix: cfg.Redis.KeyPrefix,
		}, logger)
	default:
		return nil, fmt.Errorf("unknown store backend: %q", cfg.Backend)
	}
}

func upstreamConfig(c config.UpstreamConfig) *client.Config {
	return &client.Config{
		BaseURL:      c.BaseURL,
		Timeout:      c.Timeout,
		MaxRetries:   c.MaxRetries,
		RetryWaitMin: c.RetryWaitMin,
		RetryWaitMax: c.RetryWaitMax,
	}
}

// Settings returns the settings service
func (a *App) Settings() *service.SettingsService {
	return a.settings
}

// Server returns the HTTP server
func (a *App) Server() *server.Server {
	return a.http
}

// Run serves until ctx is cancelled or a server fails, then shuts down
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.health.Start(gctx)
		return nil
	})
	g.Go(a.http.Start)
	if a.grpc != nil {
		g.Go(a.grpc.Serve)
	}

	g.Go(func() error {
		<-gctx.Done()
		return a.Shutdown()
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// Shutdown stops accepting traffic, drains in-flight changes and closes the store
func (a *App) Shutdown() error {
	a.logger.Info("Shutting down gracefully...")
	a.health.SetDraining()

	ctx, cancel := context.WithTimeout(context.Background(), a.shutdownTimeout())
	defer cancel()

	var errs []error
	if err := a.http.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	if a.grpc != nil {
		a.grpc.Stop()
	}
	if err := a.settings.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("settings shutdown: %w", err))
	}
	a.mainQueue.Stop()
	if err := a.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("store close: %w", err))
	}
	return errors.Join(errs...)
}

func (a *App) shutdownTimeout() time.Duration {
	if a.cfg.Server.ShutdownTimeout > 0 {
		return a.cfg.Server.ShutdownTimeout
	}
	return 30 * time.Second
}

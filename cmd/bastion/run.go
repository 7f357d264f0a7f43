package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	gateway "github.com/nmorel/bastion/internal"
	"github.com/nmorel/bastion/internal/auth"
	"github.com/nmorel/bastion/internal/config"
	"github.com/nmorel/bastion/internal/dispatch"
	"github.com/nmorel/bastion/internal/metrics"
	"github.com/nmorel/bastion/internal/provider"
	"github.com/nmorel/bastion/internal/ratelimit"
	"github.com/nmorel/bastion/internal/registry"
	"github.com/nmorel/bastion/internal/server"
	"github.com/nmorel/bastion/internal/storage/sqlite"
	"github.com/nmorel/bastion/internal/telemetry"
	"github.com/nmorel/bastion/internal/worker"
)

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger := newLogger(cfg.Settings.LogJSON)
	logger.Info("starting bastion", "version", version, "addr", cfg.Server.Addr)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	// Storage
	store, err := sqlite.New(cfg.Dependencies.Database.DSN)
	if err != nil {
		return err
	}
	defer store.Close()

	// Redis backs the metric store, the rate limiter, and (in queued
	// mode) the dispatch broker.
	redisOpts, err := redis.ParseURL(cfg.Dependencies.RedisURL)
	if err != nil {
		return fmt.Errorf("parse redis_url: %w", err)
	}
	rdb := redis.NewClient(redisOpts)
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}

	ms := metrics.New(rdb)
	pool := provider.NewPool(ms, logger)

	// Catalogue
	reg := registry.New(store, pool, logger)
	if err := reg.Load(ctx); err != nil {
		return err
	}
	if err := seedRouters(ctx, cfg.Routers, reg, logger); err != nil {
		return err
	}

	// Observability
	var (
		tm             *telemetry.Metrics
		metricsHandler http.Handler
	)
	if cfg.Settings.MetricsEnabled {
		promReg := prometheus.NewRegistry()
		tm = telemetry.NewMetrics(promReg)
		metricsHandler = promhttp.HandlerFor(promReg, promhttp.HandlerOpts{})
	}

	// Admission chain
	limiter := ratelimit.New(rdb, ratelimit.Policy(cfg.Settings.RateLimitStrategy))
	var broker *dispatch.Broker
	if cfg.Settings.DispatchMode == dispatch.ModeQueued {
		broker = dispatch.NewBroker(rdb, cfg.Settings.MaxPriority, logger)
	}
	var retryCounter dispatch.RetryCounter
	if tm != nil {
		retryCounter = tm.DispatchRetries
	}
	dispatcher := dispatch.New(
		dispatch.NewBalancer(ms, logger),
		dispatch.NewGate(ms, logger),
		reg, broker,
		dispatch.Config{
			Mode:           cfg.Settings.DispatchMode,
			MaxRetries:     cfg.Settings.MaxRetries,
			RetryCountdown: cfg.Settings.RetryCountdown,
			Retries:        retryCounter,
		},
		logger,
	)

	authn, err := auth.New(store, cfg.Settings.MasterKey, cfg.Settings.MaxTokenExpiryDays)
	if err != nil {
		return err
	}
	if cfg.Dependencies.Telemetry.Enabled {
		shutdown, err := telemetry.SetupTracing(ctx,
			cfg.Dependencies.Telemetry.Endpoint, cfg.Dependencies.Telemetry.SampleRate)
		if err != nil {
			return fmt.Errorf("setup tracing: %w", err)
		}
		defer shutdown(context.Background())
	}

	// Background workers
	var queueGauge worker.QueueGauge
	if tm != nil {
		queueGauge = tm.UsageQueueLength
	}
	recorder := worker.NewUsageRecorder(store, queueGauge, logger)
	workers := []worker.Worker{recorder}
	if broker != nil {
		for i := range cfg.Settings.DispatchWorkers {
			workers = append(workers, worker.Func(fmt.Sprintf("dispatch_worker_%d", i),
				func(ctx context.Context) error {
					dispatcher.RunWorker(ctx)
					return nil
				}))
		}
	}
	runner := worker.NewRunner(logger, workers...)

	handler := server.New(server.Deps{
		Auth:           authn,
		Registry:       reg,
		Dispatcher:     dispatcher,
		Pool:           pool,
		Store:          store,
		Limiter:        limiter,
		Usage:          recorder,
		Telemetry:      tm,
		MetricsHandler: metricsHandler,
		MaxFileSize:    cfg.Settings.MaxFileSize,
		ReadyCheck: func(ctx context.Context) error {
			if err := store.Ping(ctx); err != nil {
				return err
			}
			return ms.Ping(ctx)
		},
		Logger: logger,
	})

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return runner.Run(ctx)
	})
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	logger.Info("bastion ready", "addr", cfg.Server.Addr)
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("bastion stopped")
	return nil
}

func newLogger(jsonOut bool) *slog.Logger {
	var h slog.Handler
	if jsonOut {
		h = slog.NewJSONHandler(os.Stdout, nil)
	} else {
		h = slog.NewTextHandler(os.Stdout, nil)
	}
	logger := slog.New(h)
	slog.SetDefault(logger)
	return logger
}

// seedRouters creates config-declared routers that do not exist yet.
// Existing routers are left untouched; the database is the source of
// truth after first boot.
func seedRouters(ctx context.Context, entries []config.RouterEntry, reg *registry.Registry, logger *slog.Logger) error {
	for _, entry := range entries {
		if _, err := reg.Resolve(entry.Name); err == nil {
			continue
		}
		rt := &gateway.Router{
			Name:           entry.Name,
			Aliases:        entry.Aliases,
			Type:           gateway.RouterType(entry.Type),
			Strategy:       entry.Strategy,
			CostPrompt:     entry.CostPrompt,
			CostCompletion: entry.CostCompletion,
			OwnerID:        gateway.MasterUserID,
		}
		if err := reg.CreateRouter(ctx, rt); err != nil {
			return fmt.Errorf("seed router %q: %w", entry.Name, err)
		}
		for _, pe := range entry.Providers {
			endpoints := make(gateway.EndpointTable, len(pe.Endpoints))
			for k, v := range pe.Endpoints {
				endpoints[gateway.Endpoint(k)] = v
			}
			p := &gateway.Provider{
				RouterID:     rt.ID,
				OwnerID:      gateway.MasterUserID,
				Type:         pe.Type,
				BaseURL:      pe.BaseURL,
				Key:          pe.Key,
				TimeoutS:     pe.Timeout,
				ModelName:    pe.ModelName,
				CountryCode:  pe.Country,
				TotalParams:  pe.TotalParams,
				ActiveParams: pe.ActiveParams,
				QoSMetric:    pe.QoSMetric,
				QoSLimit:     pe.QoSLimit,
				Endpoints:    endpoints,
			}
			if err := reg.AddProvider(ctx, p); err != nil {
				return fmt.Errorf("seed provider for %q: %w", entry.Name, err)
			}
		}
		logger.Info("seeded router", "name", entry.Name, "providers", len(entry.Providers))
	}
	return nil
}

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/angelmondragon/eventcore/pkg/config"
	"github.com/angelmondragon/eventcore/pkg/db"
	"github.com/angelmondragon/eventcore/pkg/lifecycle"
	"github.com/angelmondragon/eventcore/pkg/logger"
	"github.com/angelmondragon/eventcore/pkg/metrics"
	"github.com/angelmondragon/eventcore/pkg/migrate"
	"github.com/angelmondragon/eventcore/pkg/notify"
)

func main() {
	logg := logger.New(logger.Options{ServiceName: "worker"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}

	cfg.Service.Kind = "worker"

	logg = logger.New(logger.Options{
		ServiceName: "worker",
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		WarnStack:   cfg.App.LogWarnStack,
	})

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	pm := newPipelineMetrics(reg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = logg.WithFields(ctx, map[string]any{
		"env":         cfg.App.Env,
		"serviceKind": cfg.Service.Kind,
		"listener_id": cfg.Listener.ID,
	})
	logg.Info(ctx, "starting worker")

	err = lifecycle.RunSupervised(ctx, logg, "worker", nil, func(ctx context.Context) error {
		return run(ctx, cfg, logg, reg, pm)
	})
	if err != nil {
		logg.Error(ctx, "worker stopped unexpectedly", err)
		os.Exit(1)
	}

	logg.Info(ctx, "worker shutting down gracefully")
}

// run bootstraps every resource, serves until ctx ends, and releases the
// resources again. A recoverable failure makes the supervisor call it anew.
func run(ctx context.Context, cfg *config.Config, logg *logger.Logger, reg *prometheus.Registry, pm pipelineMetrics) error {
	dbClient, err := db.New(ctx, cfg.DB, logg)
	if err != nil {
		return fmt.Errorf("bootstrap database: %w", err)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing database", err)
		}
	}()

	if err := migrate.MaybeRunDev(ctx, cfg, logg, dbClient); err != nil {
		return fmt.Errorf("run dev migrations: %w", err)
	}

	subscriber, err := notify.NewPGSubscriber(cfg.DB.DSN)
	if err != nil {
		return fmt.Errorf("create notification subscriber: %w", err)
	}

	backend, err := newBroadcastBackend(ctx, cfg, logg)
	if err != nil {
		return fmt.Errorf("bootstrap broadcast backend: %w", err)
	}
	defer func() {
		if err := backend.close(); err != nil {
			logg.Error(context.Background(), "error closing broadcast backend", err)
		}
	}()

	service, err := NewService(ServiceParams{
		Config:      cfg,
		Logger:      logg,
		DB:          dbClient,
		Subscriber:  subscriber,
		Broadcaster: backend.broadcaster,
		Checks:      backend.checks,
		Metrics:     pm,
		Gatherer:    reg,
	})
	if err != nil {
		return fmt.Errorf("create worker service: %w", err)
	}
	return service.Run(ctx)
}

type pipelineMetrics struct {
	listener *metrics.ListenerMetrics
	queue    *metrics.QueueMetrics
	ticker   *metrics.TickerMetrics
}

func newPipelineMetrics(reg prometheus.Registerer) pipelineMetrics {
	return pipelineMetrics{
		listener: metrics.NewListenerMetrics(reg),
		queue:    metrics.NewQueueMetrics(reg),
		ticker:   metrics.NewTickerMetrics(reg),
	}
}

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
	"github.com/angelmondragon/eventcore/pkg/instance"
	"github.com/angelmondragon/eventcore/pkg/lifecycle"
	"github.com/angelmondragon/eventcore/pkg/logger"
	"github.com/angelmondragon/eventcore/pkg/metrics"
	"github.com/angelmondragon/eventcore/pkg/migrate"
)

func main() {
	logg := logger.New(logger.Options{ServiceName: "cron-worker"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}

	cfg.Service.Kind = "cron-worker"
	cfg.Service.InstanceID = instance.ID(cfg.Service.InstanceID)

	logg = logger.New(logger.Options{
		ServiceName: "cron-worker",
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		WarnStack:   cfg.App.LogWarnStack,
	})

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	cm := newCronMetrics(reg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = logg.WithFields(ctx, map[string]any{
		"env":         cfg.App.Env,
		"serviceKind": cfg.Service.Kind,
		"instance_id": cfg.Service.InstanceID,
	})
	logg.Info(ctx, "starting cron worker")

	err = lifecycle.RunSupervised(ctx, logg, "cron-worker", nil, func(ctx context.Context) error {
		return run(ctx, cfg, logg, reg, cm)
	})
	if err != nil {
		logg.Error(ctx, "cron worker stopped unexpectedly", err)
		os.Exit(1)
	}

	logg.Info(ctx, "cron worker shutting down gracefully")
}

func run(ctx context.Context, cfg *config.Config, logg *logger.Logger, reg *prometheus.Registry, cm cronMetrics) error {
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

	service, err := NewService(ServiceParams{
		Config:   cfg,
		Logger:   logg,
		DB:       dbClient,
		Metrics:  cm,
		Gatherer: reg,
	})
	if err != nil {
		return fmt.Errorf("create cron service: %w", err)
	}
	return service.Run(ctx)
}

type cronMetrics struct {
	jobs   *metrics.CronJobMetrics
	queue  *metrics.QueueMetrics
	ticker *metrics.TickerMetrics
}

func newCronMetrics(reg prometheus.Registerer) cronMetrics {
	return cronMetrics{
		jobs:   metrics.NewCronJobMetrics(reg),
		queue:  metrics.NewQueueMetrics(reg),
		ticker: metrics.NewTickerMetrics(reg),
	}
}

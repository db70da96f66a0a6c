package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/angelmondragon/eventcore/api"
	"github.com/angelmondragon/eventcore/api/handlers"
	"github.com/angelmondragon/eventcore/internal/cron"
	"github.com/angelmondragon/eventcore/internal/jobs"
	"github.com/angelmondragon/eventcore/internal/outbox"
	"github.com/angelmondragon/eventcore/pkg/config"
	"github.com/angelmondragon/eventcore/pkg/db"
	"github.com/angelmondragon/eventcore/pkg/lifecycle"
	"github.com/angelmondragon/eventcore/pkg/logger"
)

const readHeaderTimeout = 5 * time.Second

type ServiceParams struct {
	Config   *config.Config
	Logger   *logger.Logger
	DB       *db.Client
	Metrics  cronMetrics
	Gatherer prometheus.Gatherer
	// Now overrides the clock of every cron job.
	Now func() time.Time
}

// Service hosts the schedule manager, the tick executor, the tick cleanup
// worker and both retention jobs on one cron.Service.
type Service struct {
	cfg     *config.Config
	logg    *logger.Logger
	manager *cron.ScheduleManager
	cron    *cron.Service
	server  *http.Server
}

func NewService(params ServiceParams) (*Service, error) {
	if params.Config == nil {
		return nil, errors.New("config is required")
	}
	if params.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if params.DB == nil {
		return nil, errors.New("database client is required")
	}
	if params.Config.Service.InstanceID == "" {
		return nil, errors.New("instance id is required")
	}
	cfg := params.Config
	logg := params.Logger
	m := params.Metrics

	// No registry: ticks may target queues served by other worker deployments.
	queue, err := jobs.NewQueue(params.DB, jobs.Options{
		MaxAttempts: cfg.Jobs.MaxAttempts,
		BackoffBase: cfg.Jobs.BackoffBase,
		BackoffMax:  cfg.Jobs.BackoffMax,
		Logger:      logg,
		Metrics:     m.queue,
		Now:         params.Now,
	})
	if err != nil {
		return nil, err
	}

	manager, err := cron.NewScheduleManager(cron.ScheduleManagerParams{
		DB:                  params.DB,
		Interval:            cfg.Cron.ManagerInterval,
		Lookahead:           cfg.Cron.Lookahead,
		BatchSize:           cfg.Cron.BatchSize,
		MaxTicksPerSchedule: cfg.Cron.MaxTicksPerSchedule,
		Logger:              logg,
		Metrics:             m.jobs,
		Now:                 params.Now,
	})
	if err != nil {
		return nil, err
	}

	executor, err := cron.NewTickExecutor(cron.TickExecutorParams{
		DB:         params.DB,
		Jobs:       queue,
		InstanceID: cfg.Service.InstanceID,
		Interval:   cfg.Cron.ExecutorInterval,
		BatchSize:  cfg.Cron.ExecutorBatchSize,
		Lease:      cfg.Cron.TickLease,
		Logger:     logg,
		Metrics:    m.jobs,
		Now:        params.Now,

		ReclaimWindow: cfg.Cleanup.ExpiredThreshold,
	})
	if err != nil {
		return nil, err
	}

	cleanup, err := cron.NewCleanupWorker(cron.CleanupWorkerParams{
		DB:                 params.DB,
		Interval:           cfg.Cleanup.Interval,
		ExpiredThreshold:   cfg.Cleanup.ExpiredThreshold,
		CompletedRetention: cfg.Cleanup.CompletedRetention,
		Logger:             logg,
		Metrics:            m.jobs,
		Now:                params.Now,
	})
	if err != nil {
		return nil, err
	}

	retention := cron.RetentionParams{
		Logger:    logg,
		DB:        params.DB,
		Interval:  cfg.Retention.Interval,
		BatchSize: cfg.Retention.BatchSize,
		Now:       params.Now,
	}
	outboxParams := retention
	outboxParams.Retention = cfg.Retention.OutboxRetention
	outboxRetention, err := cron.NewOutboxRetentionJob(outboxParams, outbox.NewRepository())
	if err != nil {
		return nil, err
	}
	jobParams := retention
	jobParams.Retention = cfg.Retention.JobRetention
	jobRetention, err := cron.NewJobRetentionJob(jobParams)
	if err != nil {
		return nil, err
	}

	registry := cron.NewRegistry(manager, executor, cleanup, outboxRetention, jobRetention)
	svc, err := cron.NewService(cron.ServiceParams{
		Logger:         logg,
		Registry:       registry,
		Metrics:        m.jobs,
		TickerMetrics:  m.ticker,
		RunImmediately: true,
	})
	if err != nil {
		return nil, err
	}

	server := &http.Server{
		Addr: net.JoinHostPort("", cfg.App.Port),
		Handler: api.NewHandler(api.HandlerParams{
			Config:      cfg,
			Logger:      logg,
			Checks:      []handlers.ReadinessCheck{{Name: "database", Ping: params.DB.Ping}},
			Gatherer:    params.Gatherer,
			DeadLetters: queue,
			Schedules:   manager,
		}),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	return &Service{
		cfg:     cfg,
		logg:    logg,
		manager: manager,
		cron:    svc,
		server:  server,
	}, nil
}

// Run starts every cron job and the ops server, then blocks until ctx ends or
// the server fails.
func (s *Service) Run(ctx context.Context) error {
	group := lifecycle.NewGroup(s.logg)
	group.Add("cron", s.cron)
	if err := group.Start(ctx); err != nil {
		return err
	}
	group.Serve(ctx, s.server)

	var runErr error
	select {
	case <-ctx.Done():
		s.logg.Info(ctx, "cron worker context canceled")
	case runErr = <-group.Errors():
		s.logg.Error(ctx, "http server stopped unexpectedly", runErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.App.ShutdownTimeout)
	defer cancel()
	if err := group.Shutdown(shutdownCtx); err != nil {
		s.logg.Error(ctx, "cron worker shutdown incomplete", err)
		if runErr == nil {
			runErr = err
		}
	}
	return runErr
}

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
	eventhandlers "github.com/angelmondragon/eventcore/internal/handlers"
	"github.com/angelmondragon/eventcore/internal/jobs"
	"github.com/angelmondragon/eventcore/internal/listener"
	"github.com/angelmondragon/eventcore/internal/outbox"
	"github.com/angelmondragon/eventcore/pkg/config"
	"github.com/angelmondragon/eventcore/pkg/db"
	"github.com/angelmondragon/eventcore/pkg/db/models"
	"github.com/angelmondragon/eventcore/pkg/lifecycle"
	"github.com/angelmondragon/eventcore/pkg/logger"
	"github.com/angelmondragon/eventcore/pkg/notify"
)

const readHeaderTimeout = 5 * time.Second

type ServiceParams struct {
	Config      *config.Config
	Logger      *logger.Logger
	DB          *db.Client
	Subscriber  notify.Subscriber
	Broadcaster listener.Broadcaster
	Checks      []handlers.ReadinessCheck
	Metrics     pipelineMetrics
	Gatherer    prometheus.Gatherer
}

// Service runs the outbox listener, the job worker and the ops HTTP server.
type Service struct {
	cfg      *config.Config
	logg     *logger.Logger
	queue    *jobs.Queue
	worker   *jobs.Worker
	listener *listener.Listener
	server   *http.Server
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
	if params.Broadcaster == nil {
		return nil, errors.New("broadcaster is required")
	}
	cfg := params.Config
	logg := params.Logger

	registry := jobs.NewRegistry()
	if err := eventhandlers.RegisterJobHandlers(registry, logg, cfg.Jobs.Queues...); err != nil {
		return nil, err
	}

	queue, err := jobs.NewQueue(params.DB, jobs.Options{
		MaxAttempts:  cfg.Jobs.MaxAttempts,
		BackoffBase:  cfg.Jobs.BackoffBase,
		BackoffMax:   cfg.Jobs.BackoffMax,
		Registry:     registry,
		OnDeadLetter: deadLetterLogger(logg),
		Logger:       logg,
		Metrics:      params.Metrics.queue,
	})
	if err != nil {
		return nil, err
	}

	worker, err := jobs.NewWorker(queue, registry, jobs.WorkerOptions{
		Queues:       registry.Queues(),
		Lease:        cfg.Jobs.Lease,
		PollInterval: cfg.Jobs.PollInterval,
		Concurrency:  cfg.Jobs.Concurrency,
		ClaimRate:    cfg.Jobs.ClaimRate,
		Logger:       logg,
		Metrics:      params.Metrics.ticker,
	})
	if err != nil {
		return nil, err
	}

	router := eventhandlers.NewRouter(logg)
	eventhandlers.RegisterDefaults(router)

	l, err := listener.New(listener.Params{
		Config:        cfg.Listener,
		DB:            params.DB,
		Subscriber:    params.Subscriber,
		Repository:    outbox.NewRepository(),
		Handler:       router.Dispatch,
		Jobs:          queue,
		Broadcaster:   params.Broadcaster,
		Logger:        logg,
		Metrics:       params.Metrics.listener,
		TickerMetrics: params.Metrics.ticker,
	})
	if err != nil {
		return nil, err
	}

	checks := append([]handlers.ReadinessCheck{{Name: "database", Ping: params.DB.Ping}}, params.Checks...)
	server := &http.Server{
		Addr: net.JoinHostPort("", cfg.App.Port),
		Handler: api.NewHandler(api.HandlerParams{
			Config:      cfg,
			Logger:      logg,
			Checks:      checks,
			Gatherer:    params.Gatherer,
			DeadLetters: queue,
		}),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	logg.Info(logg.WithFields(context.Background(), map[string]any{
		"routes": router.Routes(),
		"queues": registry.Queues(),
	}), "worker pipeline configured")

	return &Service{
		cfg:      cfg,
		logg:     logg,
		queue:    queue,
		worker:   worker,
		listener: l,
		server:   server,
	}, nil
}

// Run starts the worker before the listener so jobs committed by the first
// pass are claimable at once, then blocks until ctx ends or the HTTP server
// fails.
func (s *Service) Run(ctx context.Context) error {
	group := lifecycle.NewGroup(s.logg)
	group.Add("job-worker", s.worker)
	group.Add("outbox-listener", s.listener)
	if err := group.Start(ctx); err != nil {
		return err
	}
	group.Serve(ctx, s.server)

	var runErr error
	select {
	case <-ctx.Done():
		s.logg.Info(ctx, "worker context canceled")
	case runErr = <-group.Errors():
		s.logg.Error(ctx, "http server stopped unexpectedly", runErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.App.ShutdownTimeout)
	defer cancel()
	if err := group.Shutdown(shutdownCtx); err != nil {
		s.logg.Error(ctx, "worker shutdown incomplete", err)
		if runErr == nil {
			runErr = err
		}
	}
	return runErr
}

func deadLetterLogger(logg *logger.Logger) jobs.DeadLetterHook {
	return func(ctx context.Context, entry models.JobDeadLetter) {
		logg.Warn(logg.WithFields(ctx, map[string]any{
			"job_id":   entry.JobID.String(),
			"queue":    entry.QueueName,
			"reason":   string(entry.Reason),
			"attempts": entry.Attempts,
		}), "job dead-lettered")
	}
}

package cron

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"go.uber.org/multierr"

	"github.com/angelmondragon/eventcore/pkg/crash"
	"github.com/angelmondragon/eventcore/pkg/logger"
	"github.com/angelmondragon/eventcore/pkg/metrics"
	"github.com/angelmondragon/eventcore/pkg/ticker"
)

// ServiceParams configure the cron service.
type ServiceParams struct {
	Logger        *logger.Logger
	Registry      *Registry
	Metrics       *metrics.CronJobMetrics
	TickerMetrics *metrics.TickerMetrics
	// RunImmediately runs every job once on Start.
	RunImmediately bool
}

// Service runs each registered job on its own interval. Jobs never overlap
// with themselves; a slow run makes the next tick skip.
type Service struct {
	logg     *logger.Logger
	registry *Registry
	metrics  *metrics.CronJobMetrics

	mu      sync.Mutex
	tickers []*ticker.Ticker
	jobs    []Job
}

// NewService builds a cron service.
func NewService(params ServiceParams) (*Service, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	registry := params.Registry
	if registry == nil {
		registry = NewRegistry()
	}
	s := &Service{
		logg:     params.Logger,
		registry: registry,
		metrics:  params.Metrics,
	}
	for _, job := range registry.Jobs() {
		t, err := ticker.New(ticker.Options{
			Name:           "cron:" + job.Name(),
			Interval:       job.Interval(),
			MaxConcurrency: 1,
			RunImmediately: params.RunImmediately,
			Logger:         params.Logger,
			Metrics:        params.TickerMetrics,
		})
		if err != nil {
			return nil, fmt.Errorf("cron job %s: %w", job.Name(), err)
		}
		s.tickers = append(s.tickers, t)
		s.jobs = append(s.jobs, job)
	}
	return s, nil
}

// Start schedules every registered job.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, t := range s.tickers {
		job := s.jobs[i]
		if err := t.Start(ctx, func(ctx context.Context) error {
			s.runJob(ctx, job)
			return nil
		}); err != nil {
			return fmt.Errorf("start cron job %s: %w", job.Name(), err)
		}
	}
	s.logg.Info(s.logg.WithField(ctx, "jobs", len(s.jobs)), "cron service started")
	return nil
}

// Stop cancels future runs without waiting for running jobs.
func (s *Service) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tickers {
		t.Stop()
	}
}

// Drain waits for running jobs to return.
func (s *Service) Drain(ctx context.Context) error {
	s.mu.Lock()
	tickers := append([]*ticker.Ticker(nil), s.tickers...)
	s.mu.Unlock()
	var errs error
	for _, t := range tickers {
		errs = multierr.Append(errs, t.Drain(ctx))
	}
	return errs
}

// RunAll runs every job once, sequentially. Used by operators and tests.
func (s *Service) RunAll(ctx context.Context) {
	for _, job := range s.jobs {
		s.runJob(ctx, job)
	}
}

func (s *Service) runJob(ctx context.Context, job Job) {
	jobCtx := s.logg.WithField(ctx, "job", job.Name())
	jobCtx = s.logg.WithField(jobCtx, "event", "cron.job")
	s.logg.Debug(jobCtx, "job start")
	start := time.Now()
	err := s.invoke(jobCtx, job)
	duration := time.Since(start)
	s.metrics.ObserveDuration(job.Name(), duration)
	jobCtx = s.logg.WithField(jobCtx, "duration_ms", duration.Milliseconds())
	if err != nil {
		s.logg.Error(jobCtx, "job failed", err)
		s.metrics.IncFailure(job.Name())
		return
	}
	s.logg.Debug(jobCtx, "job completed")
	s.metrics.IncSuccess(job.Name())
}

func (s *Service) invoke(ctx context.Context, job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			fields := crash.WithStack(crash.Describe(r), debug.Stack())
			s.logg.Error(s.logg.WithFields(ctx, fields), "cron job panicked", nil)
			err = fmt.Errorf("cron job %s panic: %v", job.Name(), r)
		}
	}()
	return job.Run(ctx)
}

package cron

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/multierr"

	"github.com/angelmondragon/eventcore/pkg/db"
	"github.com/angelmondragon/eventcore/pkg/db/models"
	"github.com/angelmondragon/eventcore/pkg/logger"
	"github.com/angelmondragon/eventcore/pkg/metrics"
)

const (
	defaultCleanupInterval    = 5 * time.Minute
	defaultExpiredThreshold   = 10 * time.Minute
	defaultCompletedRetention = time.Hour
)

type CleanupWorkerParams struct {
	DB                 *db.Client
	Interval           time.Duration
	ExpiredThreshold   time.Duration
	CompletedRetention time.Duration
	Logger             *logger.Logger
	Metrics            *metrics.CronJobMetrics
	Now                func() time.Time
}

// CleanupWorker deletes ticks nobody will execute: abandoned leases, ticks of
// deleted schedules, and old completed ticks.
type CleanupWorker struct {
	db                 *db.Client
	interval           time.Duration
	expiredThreshold   time.Duration
	completedRetention time.Duration
	logg               *logger.Logger
	metrics            *metrics.CronJobMetrics
	now                func() time.Time
}

// CleanupResult counts deleted ticks per category.
type CleanupResult struct {
	Expired   int64
	Orphaned  int64
	Completed int64
}

func (r CleanupResult) Total() int64 { return r.Expired + r.Orphaned + r.Completed }

func NewCleanupWorker(params CleanupWorkerParams) (*CleanupWorker, error) {
	if params.DB == nil {
		return nil, fmt.Errorf("db client required")
	}
	w := &CleanupWorker{
		db:                 params.DB,
		interval:           params.Interval,
		expiredThreshold:   params.ExpiredThreshold,
		completedRetention: params.CompletedRetention,
		logg:               params.Logger,
		metrics:            params.Metrics,
	}
	if w.interval <= 0 {
		w.interval = defaultCleanupInterval
	}
	if w.expiredThreshold <= 0 {
		w.expiredThreshold = defaultExpiredThreshold
	}
	if w.completedRetention <= 0 {
		w.completedRetention = defaultCompletedRetention
	}
	if w.logg == nil {
		w.logg = logger.Nop()
	}
	now := params.Now
	if now == nil {
		now = time.Now
	}
	w.now = func() time.Time { return now().UTC() }
	return w, nil
}

func (w *CleanupWorker) Name() string            { return "tick-cleanup" }
func (w *CleanupWorker) Interval() time.Duration { return w.interval }

func (w *CleanupWorker) Run(ctx context.Context) error {
	_, err := w.RunOnce(ctx)
	return err
}

// RunOnce runs each deletion independently. A failing deletion does not stop
// the others; all errors are returned combined.
func (w *CleanupWorker) RunOnce(ctx context.Context) (CleanupResult, error) {
	now := w.now()
	var (
		res  CleanupResult
		errs error
		err  error
	)

	res.Expired, err = w.deleteExpired(ctx, now.Add(-w.expiredThreshold))
	errs = multierr.Append(errs, err)
	res.Orphaned, err = w.deleteOrphaned(ctx)
	errs = multierr.Append(errs, err)
	res.Completed, err = w.deleteCompleted(ctx, now.Add(-w.completedRetention))
	errs = multierr.Append(errs, err)

	w.metrics.AddTicks("deleted", res.Total())
	logCtx := w.logg.WithFields(ctx, map[string]any{
		"expired":   res.Expired,
		"orphaned":  res.Orphaned,
		"completed": res.Completed,
	})
	if errs != nil {
		w.logg.WarnErr(logCtx, "tick cleanup finished with errors", errs)
	} else if res.Total() > 0 {
		w.logg.Info(logCtx, "tick cleanup complete")
	}
	return res, errs
}

func (w *CleanupWorker) deleteExpired(ctx context.Context, cutoff time.Time) (int64, error) {
	res := w.db.DB().WithContext(ctx).
		Where("completed_at IS NULL AND lease_expires_at IS NOT NULL AND lease_expires_at < ?", cutoff).
		Delete(&models.CronTick{})
	if res.Error != nil {
		return 0, fmt.Errorf("delete expired ticks: %w", res.Error)
	}
	return res.RowsAffected, nil
}

func (w *CleanupWorker) deleteOrphaned(ctx context.Context) (int64, error) {
	res := w.db.DB().WithContext(ctx).
		Where("NOT EXISTS (SELECT 1 FROM cron_schedules s WHERE s.id = cron_ticks.schedule_id)").
		Delete(&models.CronTick{})
	if res.Error != nil {
		return 0, fmt.Errorf("delete orphaned ticks: %w", res.Error)
	}
	return res.RowsAffected, nil
}

func (w *CleanupWorker) deleteCompleted(ctx context.Context, cutoff time.Time) (int64, error) {
	res := w.db.DB().WithContext(ctx).
		Where("completed_at IS NOT NULL AND completed_at < ?", cutoff).
		Delete(&models.CronTick{})
	if res.Error != nil {
		return 0, fmt.Errorf("delete completed ticks: %w", res.Error)
	}
	return res.RowsAffected, nil
}

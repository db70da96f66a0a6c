package cron

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/angelmondragon/eventcore/pkg/db/models"
	"github.com/angelmondragon/eventcore/pkg/enums"
	"github.com/angelmondragon/eventcore/pkg/logger"
)

const (
	defaultRetentionInterval = time.Hour
	defaultOutboxRetention   = 30 * 24 * time.Hour
	defaultJobRetention      = 7 * 24 * time.Hour
	defaultRetentionBatch    = 1000
	// maxRetentionBatches bounds one run so a large backlog is spread over runs.
	maxRetentionBatches = 100
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type outboxPruner interface {
	PruneConsumed(tx *gorm.DB, cutoff time.Time, limit int) (int64, error)
}

type RetentionParams struct {
	Logger    *logger.Logger
	DB        txRunner
	Interval  time.Duration
	Retention time.Duration
	BatchSize int
	Now       func() time.Time
}

type retentionJob struct {
	name      string
	logg      *logger.Logger
	db        txRunner
	interval  time.Duration
	retention time.Duration
	batchSize int
	now       func() time.Time
	deleteFn  func(tx *gorm.DB, cutoff time.Time, limit int) (int64, error)
}

func newRetentionJob(name string, params RetentionParams, retention time.Duration, deleteFn func(tx *gorm.DB, cutoff time.Time, limit int) (int64, error)) (*retentionJob, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.DB == nil {
		return nil, fmt.Errorf("db runner required")
	}
	j := &retentionJob{
		name:      name,
		logg:      params.Logger,
		db:        params.DB,
		interval:  params.Interval,
		retention: params.Retention,
		batchSize: params.BatchSize,
		now:       params.Now,
		deleteFn:  deleteFn,
	}
	if j.interval <= 0 {
		j.interval = defaultRetentionInterval
	}
	if j.retention <= 0 {
		j.retention = retention
	}
	if j.batchSize <= 0 {
		j.batchSize = defaultRetentionBatch
	}
	if j.now == nil {
		j.now = time.Now
	}
	return j, nil
}

// NewOutboxRetentionJob deletes outbox events older than the retention window
// that every listener cursor has already passed.
func NewOutboxRetentionJob(params RetentionParams, repo outboxPruner) (Job, error) {
	if repo == nil {
		return nil, fmt.Errorf("outbox repository required")
	}
	return newRetentionJob("outbox-retention", params, defaultOutboxRetention, repo.PruneConsumed)
}

// NewJobRetentionJob deletes completed jobs older than the retention window.
// Failed jobs are kept alongside their dead letters.
func NewJobRetentionJob(params RetentionParams) (Job, error) {
	return newRetentionJob("job-retention", params, defaultJobRetention, deleteCompletedJobs)
}

func deleteCompletedJobs(tx *gorm.DB, cutoff time.Time, limit int) (int64, error) {
	sub := tx.Model(&models.Job{}).
		Select("id").
		Where("state = ? AND completed_at < ?", enums.JobStateCompleted, cutoff).
		Order("completed_at ASC").
		Limit(limit)
	res := tx.Where("id IN (?)", sub).Delete(&models.Job{})
	if res.Error != nil {
		return 0, fmt.Errorf("delete completed jobs: %w", res.Error)
	}
	return res.RowsAffected, nil
}

func (j *retentionJob) Name() string            { return j.name }
func (j *retentionJob) Interval() time.Duration { return j.interval }

func (j *retentionJob) Run(ctx context.Context) error {
	cutoff := j.now().UTC().Add(-j.retention)
	var deleted int64
	for i := 0; i < maxRetentionBatches; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		var rows int64
		err := j.db.WithTx(ctx, func(tx *gorm.DB) error {
			n, err := j.deleteFn(tx, cutoff, j.batchSize)
			if err != nil {
				return err
			}
			rows = n
			return nil
		})
		if err != nil {
			return fmt.Errorf("%s: %w", j.name, err)
		}
		deleted += rows
		if rows < int64(j.batchSize) {
			break
		}
	}
	logCtx := j.logg.WithFields(ctx, map[string]any{
		"cutoff":       cutoff,
		"retention":    j.retention.String(),
		"rows_deleted": deleted,
	})
	j.logg.Info(logCtx, j.name+" cleanup complete")
	return nil
}

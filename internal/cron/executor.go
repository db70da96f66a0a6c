package cron

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/angelmondragon/eventcore/pkg/db"
	"github.com/angelmondragon/eventcore/pkg/db/models"
	"github.com/angelmondragon/eventcore/pkg/logger"
	"github.com/angelmondragon/eventcore/pkg/metrics"
)

const (
	defaultExecutorInterval  = time.Second
	defaultExecutorBatchSize = 50
	defaultTickLease         = 30 * time.Second
)

// errLeaseLost rolls back an execution whose tick is no longer held.
var errLeaseLost = stdErrors.New("tick lease lost")

// Enqueuer inserts a job inside the caller's transaction.
type Enqueuer interface {
	Enqueue(ctx context.Context, tx *gorm.DB, queue string, payload json.RawMessage) (uuid.UUID, error)
}

type TickExecutorParams struct {
	DB         *db.Client
	Jobs       Enqueuer
	InstanceID string
	Interval   time.Duration
	BatchSize  int
	Lease      time.Duration
	Logger     *logger.Logger
	Metrics    *metrics.CronJobMetrics
	Now        func() time.Time

	// ReclaimWindow bounds how long after execute_at a tick with an expired
	// lease may be claimed again. Defaults to the cleanup expiry threshold.
	ReclaimWindow time.Duration
}

// TickExecutor claims due ticks and turns each into a job. The job insert and
// the tick completion share a transaction, so a tick yields at most one job.
type TickExecutor struct {
	db        *db.Client
	jobs      Enqueuer
	owner     string
	interval  time.Duration
	batchSize int
	lease     time.Duration
	reclaim   time.Duration
	logg      *logger.Logger
	metrics   *metrics.CronJobMetrics
	now       func() time.Time
}

// ExecuteResult summarizes one executor run.
type ExecuteResult struct {
	Claimed  int
	Executed int
	Failed   int
}

func NewTickExecutor(params TickExecutorParams) (*TickExecutor, error) {
	if params.DB == nil {
		return nil, fmt.Errorf("db client required")
	}
	if params.Jobs == nil {
		return nil, fmt.Errorf("job enqueuer required")
	}
	if params.InstanceID == "" {
		return nil, fmt.Errorf("instance id required")
	}
	e := &TickExecutor{
		db:        params.DB,
		jobs:      params.Jobs,
		owner:     params.InstanceID,
		interval:  params.Interval,
		batchSize: params.BatchSize,
		lease:     params.Lease,
		reclaim:   params.ReclaimWindow,
		logg:      params.Logger,
		metrics:   params.Metrics,
	}
	if e.interval <= 0 {
		e.interval = defaultExecutorInterval
	}
	if e.batchSize <= 0 {
		e.batchSize = defaultExecutorBatchSize
	}
	if e.lease <= 0 {
		e.lease = defaultTickLease
	}
	if e.reclaim <= 0 {
		e.reclaim = defaultExpiredThreshold
	}
	if e.logg == nil {
		e.logg = logger.Nop()
	}
	now := params.Now
	if now == nil {
		now = time.Now
	}
	e.now = func() time.Time { return now().UTC() }
	return e, nil
}

func (e *TickExecutor) Name() string            { return "tick-executor" }
func (e *TickExecutor) Interval() time.Duration { return e.interval }

func (e *TickExecutor) Run(ctx context.Context) error {
	_, err := e.RunOnce(ctx)
	return err
}

// RunOnce claims up to BatchSize due ticks and executes them one by one.
// A tick whose holder let the lease expire without completing it is claimable
// again within ReclaimWindow of its execute_at, so a failed tick is retried by
// the next run after its lease ends. Ticks that keep failing past that window
// are left for the cleanup worker.
func (e *TickExecutor) RunOnce(ctx context.Context) (ExecuteResult, error) {
	claimed, err := e.claim(ctx)
	if err != nil {
		return ExecuteResult{}, err
	}
	res := ExecuteResult{Claimed: len(claimed)}
	var errs error
	for _, tick := range claimed {
		if ctx.Err() != nil {
			errs = multierr.Append(errs, ctx.Err())
			break
		}
		if err := e.execute(ctx, tick); err != nil {
			res.Failed++
			errs = multierr.Append(errs, err)
			e.logg.Error(e.logg.WithFields(ctx, map[string]any{
				"tick_id":     tick.ID.String(),
				"schedule_id": tick.ScheduleID.String(),
				"queue":       tick.QueueName,
			}), "cron tick execution failed", err)
			continue
		}
		res.Executed++
	}
	e.metrics.AddTicks("executed", int64(res.Executed))
	return res, errs
}

// claimableTick matches due, incomplete ticks that are unclaimed, or whose
// lease has run out while still inside the reclaim window. Arguments: now,
// now, and the oldest execute_at that may be reclaimed.
const claimableTick = "completed_at IS NULL AND execute_at <= ? AND " +
	"(claimed_by IS NULL OR (lease_expires_at <= ? AND execute_at > ?))"

func (e *TickExecutor) claim(ctx context.Context) ([]models.CronTick, error) {
	var claimed []models.CronTick
	err := e.db.WithTx(ctx, func(tx *gorm.DB) error {
		claimed = nil
		now := e.now()
		reclaimAfter := now.Add(-e.reclaim)
		var due []models.CronTick
		err := tx.Clauses(clause.Locking{Strength: clause.LockingStrengthUpdate, Options: clause.LockingOptionsSkipLocked}).
			Where(claimableTick, now, now, reclaimAfter).
			Order("execute_at ASC").
			Limit(e.batchSize).
			Find(&due).Error
		if err != nil {
			return fmt.Errorf("select due ticks: %w", err)
		}
		leaseUntil := now.Add(e.lease)
		for _, tick := range due {
			res := tx.Model(&models.CronTick{}).
				Where("id = ?", tick.ID).
				Where(claimableTick, now, now, reclaimAfter).
				Updates(map[string]any{
					"claimed_by":       e.owner,
					"lease_expires_at": leaseUntil,
				})
			if res.Error != nil {
				return fmt.Errorf("claim tick %s: %w", tick.ID, res.Error)
			}
			if res.RowsAffected != 1 {
				continue
			}
			if tick.ClaimedBy != nil {
				e.logg.Warn(e.logg.WithFields(ctx, map[string]any{
					"tick_id":        tick.ID.String(),
					"previous_owner": *tick.ClaimedBy,
				}), "reclaiming cron tick with expired lease")
			}
			owner := e.owner
			tick.ClaimedBy = &owner
			tick.LeaseExpiresAt = &leaseUntil
			claimed = append(claimed, tick)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func (e *TickExecutor) execute(ctx context.Context, tick models.CronTick) error {
	return e.db.WithTx(ctx, func(tx *gorm.DB) error {
		now := e.now()
		res := tx.Model(&models.CronTick{}).
			Where("id = ? AND claimed_by = ? AND completed_at IS NULL AND lease_expires_at > ?", tick.ID, e.owner, now).
			Update("completed_at", now)
		if res.Error != nil {
			return fmt.Errorf("complete tick %s: %w", tick.ID, res.Error)
		}
		if res.RowsAffected != 1 {
			return fmt.Errorf("tick %s: %w", tick.ID, errLeaseLost)
		}
		if _, err := e.jobs.Enqueue(ctx, tx, tick.QueueName, tick.Payload); err != nil {
			return fmt.Errorf("enqueue tick %s on %s: %w", tick.ID, tick.QueueName, err)
		}
		return nil
	})
}

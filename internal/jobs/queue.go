// Package jobs is an at-least-once work queue on Postgres. Claims lease one
// row at a time with SKIP LOCKED; an expired lease makes the row claimable
// again, which is how a crashed worker's job gets picked up.
package jobs

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/angelmondragon/eventcore/pkg/backoff"
	"github.com/angelmondragon/eventcore/pkg/db"
	"github.com/angelmondragon/eventcore/pkg/db/models"
	"github.com/angelmondragon/eventcore/pkg/enums"
	"github.com/angelmondragon/eventcore/pkg/errors"
	"github.com/angelmondragon/eventcore/pkg/logger"
	"github.com/angelmondragon/eventcore/pkg/metrics"
)

const (
	defaultMaxAttempts = 5
	defaultBackoffBase = time.Second
	maxErrorLen        = 1024
)

// ErrNotActive is returned when completing or failing a job the caller no
// longer holds: it is not active, or another claim replaced the lease.
var ErrNotActive = stdErrors.New("job is not active")

var claimableStates = []enums.JobState{enums.JobStatePending, enums.JobStateActive}

// DeadLetterHook observes dead-lettered jobs after the transaction commits.
type DeadLetterHook func(ctx context.Context, entry models.JobDeadLetter)

// Options configure a Queue.
type Options struct {
	MaxAttempts int
	BackoffBase time.Duration
	BackoffMax  time.Duration
	Random      backoff.RandomSource
	// Registry, when set, rejects enqueues to unregistered queues.
	Registry     *Registry
	OnDeadLetter DeadLetterHook
	Logger       *logger.Logger
	Metrics      *metrics.QueueMetrics
	Now          func() time.Time
}

type Queue struct {
	db       *db.Client
	backoff  backoff.Calculator
	maxTries int
	registry *Registry
	hook     DeadLetterHook
	logg     *logger.Logger
	metrics  *metrics.QueueMetrics
	now      func() time.Time
}

// FailOutcome reports what Fail did with the job.
type FailOutcome struct {
	Attempts     int
	DeadLettered bool
	Reason       enums.DeadLetterReason
	RetryAt      time.Time
}

func NewQueue(client *db.Client, opts Options) (*Queue, error) {
	if client == nil {
		return nil, stdErrors.New("database client is required")
	}
	maxTries := opts.MaxAttempts
	if maxTries <= 0 {
		maxTries = defaultMaxAttempts
	}
	base := opts.BackoffBase
	if base <= 0 {
		base = defaultBackoffBase
	}
	maxDelay := opts.BackoffMax
	if maxDelay <= 0 {
		maxDelay = backoff.DefaultMax
	}
	logg := opts.Logger
	if logg == nil {
		logg = logger.Nop()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Queue{
		db:       client,
		backoff:  backoff.Calculator{Base: base, Max: maxDelay, Random: opts.Random},
		maxTries: maxTries,
		registry: opts.Registry,
		hook:     opts.OnDeadLetter,
		logg:     logg,
		metrics:  opts.Metrics,
		now:      func() time.Time { return now().UTC() },
	}, nil
}

// Enqueue inserts a pending job visible immediately. With a non-nil tx the
// insert joins the caller's transaction.
func (q *Queue) Enqueue(ctx context.Context, tx *gorm.DB, queue string, payload json.RawMessage) (uuid.UUID, error) {
	return q.EnqueueAt(ctx, tx, queue, payload, time.Time{})
}

// EnqueueAt inserts a pending job that becomes claimable at visibleAt.
func (q *Queue) EnqueueAt(ctx context.Context, tx *gorm.DB, queue string, payload json.RawMessage, visibleAt time.Time) (uuid.UUID, error) {
	if queue == "" {
		return uuid.Nil, fmt.Errorf("%w: empty queue name", ErrUnknownQueue)
	}
	if q.registry != nil && !q.registry.Has(queue) {
		return uuid.Nil, fmt.Errorf("%w: %s", ErrUnknownQueue, queue)
	}
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	now := q.now()
	if visibleAt.IsZero() || visibleAt.Before(now) {
		visibleAt = now
	}
	job := models.Job{
		ID:          uuid.New(),
		QueueName:   queue,
		Payload:     payload,
		State:       enums.JobStatePending,
		MaxAttempts: q.maxTries,
		VisibleAt:   visibleAt.UTC(),
	}
	conn := tx
	if conn == nil {
		conn = q.db.DB()
	}
	if err := conn.WithContext(ctx).Create(&job).Error; err != nil {
		return uuid.Nil, fmt.Errorf("enqueue %s: %w", queue, err)
	}
	q.metrics.Inc(queue, metrics.QueueEnqueued)
	return job.ID, nil
}

// Claim leases the oldest due job on queue until now+lease. The returned job
// carries a fresh LeaseID that Complete and Fail must present. It returns nil
// when nothing is due or another worker won the race.
func (q *Queue) Claim(ctx context.Context, queue string, lease time.Duration) (*models.Job, error) {
	if lease <= 0 {
		return nil, fmt.Errorf("lease must be positive")
	}
	var claimed *models.Job
	err := q.db.WithTx(ctx, func(tx *gorm.DB) error {
		now := q.now()
		var candidates []models.Job
		err := tx.Clauses(clause.Locking{Strength: clause.LockingStrengthUpdate, Options: clause.LockingOptionsSkipLocked}).
			Where("queue_name = ? AND state IN ? AND visible_at <= ?", queue, claimableStates, now).
			Order("visible_at ASC").
			Limit(1).
			Find(&candidates).Error
		if err != nil {
			return fmt.Errorf("select due job: %w", err)
		}
		if len(candidates) == 0 {
			return nil
		}
		job := candidates[0]
		leaseUntil := now.Add(lease)
		leaseID := uuid.New()

		// The guard repeats the due check so a lost race updates nothing.
		res := tx.Model(&models.Job{}).
			Where("id = ? AND state IN ? AND visible_at <= ?", job.ID, claimableStates, now).
			Updates(map[string]any{
				"state":      enums.JobStateActive,
				"visible_at": leaseUntil,
				"lease_id":   leaseID,
				"updated_at": now,
			})
		if res.Error != nil {
			return fmt.Errorf("claim job %s: %w", job.ID, res.Error)
		}
		if res.RowsAffected != 1 {
			return nil
		}
		job.State = enums.JobStateActive
		job.VisibleAt = leaseUntil
		job.LeaseID = &leaseID
		job.UpdatedAt = now
		claimed = &job
		return nil
	})
	if err != nil {
		return nil, err
	}
	if claimed != nil {
		q.metrics.Inc(queue, metrics.QueueClaimed)
	}
	return claimed, nil
}

// Complete marks the job completed if leaseID is still its current lease.
func (q *Queue) Complete(ctx context.Context, id, leaseID uuid.UUID) error {
	now := q.now()
	res := q.db.DB().WithContext(ctx).Model(&models.Job{}).
		Where("id = ? AND state = ? AND lease_id = ?", id, enums.JobStateActive, leaseID).
		Updates(map[string]any{
			"state":        enums.JobStateCompleted,
			"completed_at": now,
			"updated_at":   now,
			"lease_id":     nil,
			"last_error":   nil,
		})
	if res.Error != nil {
		return fmt.Errorf("complete job %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("complete job %s: %w", id, ErrNotActive)
	}
	return nil
}

// Fail records a failed attempt by the holder of leaseID. Below the attempt
// limit the job returns to pending with a backed-off visible_at; at the
// limit, or for a malformed cause, it is dead-lettered and the hook runs
// after commit.
func (q *Queue) Fail(ctx context.Context, id, leaseID uuid.UUID, cause error) (FailOutcome, error) {
	var (
		outcome FailOutcome
		entry   models.JobDeadLetter
		queue   string
	)
	err := q.db.WithTx(ctx, func(tx *gorm.DB) error {
		var job models.Job
		err := tx.Clauses(clause.Locking{Strength: clause.LockingStrengthUpdate}).
			Where("id = ?", id).
			Take(&job).Error
		if err != nil {
			return fmt.Errorf("load job %s: %w", id, err)
		}
		if job.State != enums.JobStateActive || job.Lease() != leaseID {
			return fmt.Errorf("fail job %s: %w", id, ErrNotActive)
		}
		queue = job.QueueName

		now := q.now()
		attempts := job.Attempts + 1
		lastErr := errorText(cause)
		outcome.Attempts = attempts

		maxTries := job.MaxAttempts
		if maxTries <= 0 {
			maxTries = q.maxTries
		}
		switch {
		case errors.IsMalformed(cause):
			outcome.DeadLettered = true
			outcome.Reason = enums.DeadLetterNonRetryable
		case attempts >= maxTries:
			outcome.DeadLettered = true
			outcome.Reason = enums.DeadLetterMaxAttempts
		}

		if !outcome.DeadLettered {
			outcome.RetryAt = now.Add(q.backoff.Delay(attempts))
			return tx.Model(&models.Job{}).
				Where("id = ?", id).
				Updates(map[string]any{
					"state":      enums.JobStatePending,
					"attempts":   attempts,
					"visible_at": outcome.RetryAt,
					"lease_id":   nil,
					"last_error": lastErr,
					"updated_at": now,
				}).Error
		}

		if err := tx.Model(&models.Job{}).
			Where("id = ?", id).
			Updates(map[string]any{
				"state":      enums.JobStateFailed,
				"attempts":   attempts,
				"lease_id":   nil,
				"last_error": lastErr,
				"updated_at": now,
			}).Error; err != nil {
			return fmt.Errorf("mark job %s failed: %w", id, err)
		}
		entry = models.JobDeadLetter{
			ID:        uuid.New(),
			JobID:     job.ID,
			QueueName: job.QueueName,
			Payload:   job.Payload,
			Reason:    outcome.Reason,
			Attempts:  attempts,
			LastError: lastErr,
			FailedAt:  now,
		}
		if err := tx.Create(&entry).Error; err != nil {
			return fmt.Errorf("insert dead letter %s: %w", id, err)
		}
		return nil
	})
	if err != nil {
		return FailOutcome{}, err
	}

	logCtx := q.logg.WithFields(ctx, map[string]any{
		"job_id":   id.String(),
		"queue":    queue,
		"attempts": outcome.Attempts,
	})
	if !outcome.DeadLettered {
		q.metrics.Inc(queue, metrics.QueueRetried)
		q.logg.WarnErr(q.logg.WithField(logCtx, "retry_at", outcome.RetryAt), "job failed, retry scheduled", cause)
		return outcome, nil
	}

	q.metrics.Inc(queue, metrics.QueueDeadLettered)
	q.logg.Error(q.logg.WithField(logCtx, "reason", outcome.Reason), "job dead-lettered", cause)
	if q.hook != nil {
		q.runHook(ctx, entry)
	}
	return outcome, nil
}

func (q *Queue) runHook(ctx context.Context, entry models.JobDeadLetter) {
	defer func() {
		if r := recover(); r != nil {
			q.logg.Error(ctx, "dead letter hook panicked", fmt.Errorf("panic: %v", r))
		}
	}()
	q.hook(ctx, entry)
}

func errorText(err error) *string {
	if err == nil {
		return nil
	}
	msg := err.Error()
	if len(msg) > maxErrorLen {
		msg = msg[:maxErrorLen]
	}
	return &msg
}

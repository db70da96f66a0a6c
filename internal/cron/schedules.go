package cron

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/angelmondragon/eventcore/pkg/db"
	"github.com/angelmondragon/eventcore/pkg/db/models"
	"github.com/angelmondragon/eventcore/pkg/logger"
	"github.com/angelmondragon/eventcore/pkg/metrics"
)

const (
	defaultManagerInterval     = 10 * time.Second
	defaultLookahead           = time.Minute
	defaultScheduleBatchSize   = 100
	defaultMaxTicksPerSchedule = 60
)

var (
	// ErrScheduleNotFound is returned when a schedule id does not exist.
	ErrScheduleNotFound = stdErrors.New("schedule not found")
	// ErrInvalidSchedule is returned for schedules that cannot be materialized.
	ErrInvalidSchedule = stdErrors.New("invalid schedule")
)

// ScheduleSpec describes a recurring job.
type ScheduleSpec struct {
	Name     string
	Queue    string
	Payload  json.RawMessage
	Interval time.Duration
}

func (s ScheduleSpec) validate() error {
	if strings.TrimSpace(s.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidSchedule)
	}
	if strings.TrimSpace(s.Queue) == "" {
		return fmt.Errorf("%w: queue is required", ErrInvalidSchedule)
	}
	if s.Interval < time.Second || s.Interval%time.Second != 0 {
		return fmt.Errorf("%w: interval %s must be a whole number of seconds", ErrInvalidSchedule, s.Interval)
	}
	return nil
}

type ScheduleManagerParams struct {
	DB                  *db.Client
	Interval            time.Duration
	Lookahead           time.Duration
	BatchSize           int
	MaxTicksPerSchedule int
	Logger              *logger.Logger
	Metrics             *metrics.CronJobMetrics
	Now                 func() time.Time
}

// ScheduleManager materializes ticks for schedules whose next execution falls
// inside the lookahead window. Any number of managers may run; the unique
// (schedule_id, execute_at) index makes them converge on one tick per slot.
type ScheduleManager struct {
	db        *db.Client
	interval  time.Duration
	lookahead time.Duration
	batchSize int
	maxTicks  int
	logg      *logger.Logger
	metrics   *metrics.CronJobMetrics
	now       func() time.Time
}

// GenerateResult summarizes one manager run.
type GenerateResult struct {
	Schedules int
	Ticks     int
}

func NewScheduleManager(params ScheduleManagerParams) (*ScheduleManager, error) {
	if params.DB == nil {
		return nil, fmt.Errorf("db client required")
	}
	m := &ScheduleManager{
		db:        params.DB,
		interval:  params.Interval,
		lookahead: params.Lookahead,
		batchSize: params.BatchSize,
		maxTicks:  params.MaxTicksPerSchedule,
		logg:      params.Logger,
		metrics:   params.Metrics,
	}
	if m.interval <= 0 {
		m.interval = defaultManagerInterval
	}
	if m.lookahead <= 0 {
		m.lookahead = defaultLookahead
	}
	if m.batchSize <= 0 {
		m.batchSize = defaultScheduleBatchSize
	}
	if m.maxTicks <= 0 {
		m.maxTicks = defaultMaxTicksPerSchedule
	}
	if m.logg == nil {
		m.logg = logger.Nop()
	}
	now := params.Now
	if now == nil {
		now = time.Now
	}
	m.now = func() time.Time { return now().UTC() }
	return m, nil
}

func (m *ScheduleManager) Name() string            { return "schedule-manager" }
func (m *ScheduleManager) Interval() time.Duration { return m.interval }

func (m *ScheduleManager) Run(ctx context.Context) error {
	_, err := m.RunOnce(ctx)
	return err
}

// CreateSchedule inserts a schedule whose first tick is the next aligned slot.
func (m *ScheduleManager) CreateSchedule(ctx context.Context, spec ScheduleSpec) (models.CronSchedule, error) {
	if err := spec.validate(); err != nil {
		return models.CronSchedule{}, err
	}
	now := m.now()
	schedule := models.CronSchedule{
		ID:               uuid.New(),
		Name:             spec.Name,
		QueueName:        spec.Queue,
		Payload:          payloadOrEmpty(spec.Payload),
		IntervalSeconds:  int(spec.Interval / time.Second),
		NextTickNeededAt: now,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := m.db.DB().WithContext(ctx).Create(&schedule).Error; err != nil {
		if db.IsUniqueViolation(err, "ux_cron_schedules_name") {
			return models.CronSchedule{}, fmt.Errorf("%w: schedule %q already exists", ErrInvalidSchedule, spec.Name)
		}
		return models.CronSchedule{}, fmt.Errorf("create schedule %s: %w", spec.Name, err)
	}
	return schedule, nil
}

// EnsureSchedule creates the named schedule or updates its queue, payload and
// interval. The next tick time of an existing schedule is kept.
func (m *ScheduleManager) EnsureSchedule(ctx context.Context, spec ScheduleSpec) (models.CronSchedule, error) {
	if err := spec.validate(); err != nil {
		return models.CronSchedule{}, err
	}
	now := m.now()
	schedule := models.CronSchedule{
		ID:               uuid.New(),
		Name:             spec.Name,
		QueueName:        spec.Queue,
		Payload:          payloadOrEmpty(spec.Payload),
		IntervalSeconds:  int(spec.Interval / time.Second),
		NextTickNeededAt: now,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	var out models.CronSchedule
	err := m.db.WithTx(ctx, func(tx *gorm.DB) error {
		err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "name"}},
			DoUpdates: clause.AssignmentColumns([]string{"queue_name", "payload", "interval_seconds", "updated_at"}),
		}).Create(&schedule).Error
		if err != nil {
			return err
		}
		return tx.Where("name = ?", spec.Name).Take(&out).Error
	})
	if err != nil {
		return models.CronSchedule{}, fmt.Errorf("ensure schedule %s: %w", spec.Name, err)
	}
	return out, nil
}

// DeleteSchedule removes a schedule. Its pending ticks become orphans and are
// swept by the cleanup worker.
func (m *ScheduleManager) DeleteSchedule(ctx context.Context, id uuid.UUID) error {
	res := m.db.DB().WithContext(ctx).Where("id = ?", id).Delete(&models.CronSchedule{})
	if res.Error != nil {
		return fmt.Errorf("delete schedule %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("delete schedule %s: %w", id, ErrScheduleNotFound)
	}
	return nil
}

// ListSchedules returns schedules ordered by name.
func (m *ScheduleManager) ListSchedules(ctx context.Context) ([]models.CronSchedule, error) {
	var rows []models.CronSchedule
	if err := m.db.DB().WithContext(ctx).Order("name ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list schedules: %w", err)
	}
	return rows, nil
}

// RunOnce locks due schedules and materializes their ticks in one transaction.
func (m *ScheduleManager) RunOnce(ctx context.Context) (GenerateResult, error) {
	var res GenerateResult
	err := m.db.WithTx(ctx, func(tx *gorm.DB) error {
		res = GenerateResult{}
		now := m.now()
		horizon := now.Add(m.lookahead)

		var schedules []models.CronSchedule
		err := tx.Clauses(clause.Locking{Strength: clause.LockingStrengthUpdate, Options: clause.LockingOptionsSkipLocked}).
			Where("next_tick_needed_at <= ?", horizon).
			Order("next_tick_needed_at ASC").
			Limit(m.batchSize).
			Find(&schedules).Error
		if err != nil {
			return fmt.Errorf("select due schedules: %w", err)
		}
		for _, schedule := range schedules {
			created, err := m.generate(tx, schedule, now, horizon)
			if err != nil {
				return err
			}
			res.Schedules++
			res.Ticks += created
		}
		return nil
	})
	if err != nil {
		return GenerateResult{}, err
	}
	m.metrics.AddTicks("created", int64(res.Ticks))
	if res.Ticks > 0 {
		m.logg.Debug(m.logg.WithFields(ctx, map[string]any{
			"schedules": res.Schedules,
			"ticks":     res.Ticks,
		}), "cron ticks generated")
	}
	return res, nil
}

func (m *ScheduleManager) generate(tx *gorm.DB, schedule models.CronSchedule, now, horizon time.Time) (int, error) {
	interval := schedule.Interval()
	if interval <= 0 {
		return 0, fmt.Errorf("schedule %s: %w: interval_seconds=%d", schedule.ID, ErrInvalidSchedule, schedule.IntervalSeconds)
	}
	next := schedule.NextTickNeededAt.UTC()
	// Missed slots are not back-filled.
	if now.Sub(next) > interval {
		next = now
	}

	created := 0
	for i := 0; i < m.maxTicks && !next.After(horizon); i++ {
		executeAt := ExecuteAt(next, interval)
		tick := models.CronTick{
			ID:         uuid.New(),
			ScheduleID: schedule.ID,
			ExecuteAt:  executeAt,
			QueueName:  schedule.QueueName,
			Payload:    payloadOrEmpty(schedule.Payload),
			CreatedAt:  now,
		}
		res := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "schedule_id"}, {Name: "execute_at"}},
			DoNothing: true,
		}).Create(&tick)
		if res.Error != nil {
			return created, fmt.Errorf("insert tick for schedule %s at %s: %w", schedule.ID, executeAt.Format(time.RFC3339), res.Error)
		}
		created += int(res.RowsAffected)
		next = executeAt.Add(interval)
	}

	err := tx.Model(&models.CronSchedule{}).
		Where("id = ?", schedule.ID).
		Updates(map[string]any{
			"next_tick_needed_at": next,
			"updated_at":          now,
		}).Error
	if err != nil {
		return created, fmt.Errorf("advance schedule %s: %w", schedule.ID, err)
	}
	return created, nil
}

// ExecuteAt aligns next up to the first multiple of interval since the Unix
// epoch, so every generator derives the same slot for the same schedule.
func ExecuteAt(next time.Time, interval time.Duration) time.Time {
	if interval <= 0 {
		return next.UTC()
	}
	ns := next.UnixNano()
	step := interval.Nanoseconds()
	q := ns / step
	if ns%step > 0 {
		q++
	}
	return time.Unix(0, q*step).UTC()
}

func payloadOrEmpty(payload json.RawMessage) json.RawMessage {
	if len(payload) == 0 {
		return json.RawMessage(`{}`)
	}
	return payload
}

package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// CronSchedule defines recurring work. NextTickNeededAt is the earliest
// execution time that has not been materialized as a tick yet.
type CronSchedule struct {
	ID               uuid.UUID       `gorm:"column:id;type:uuid;primaryKey"`
	Name             string          `gorm:"column:name;not null"`
	QueueName        string          `gorm:"column:queue_name;not null"`
	Payload          json.RawMessage `gorm:"column:payload;type:jsonb;not null"`
	IntervalSeconds  int             `gorm:"column:interval_seconds;not null"`
	NextTickNeededAt time.Time       `gorm:"column:next_tick_needed_at;not null"`
	CreatedAt        time.Time       `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt        time.Time       `gorm:"column:updated_at;autoUpdateTime"`
}

// Interval returns the schedule period as a duration.
func (s CronSchedule) Interval() time.Duration {
	return time.Duration(s.IntervalSeconds) * time.Second
}

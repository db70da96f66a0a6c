package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// CronTick is one materialized execution of a schedule. (ScheduleID, ExecuteAt)
// is unique so concurrent generators converge on a single row.
type CronTick struct {
	ID             uuid.UUID       `gorm:"column:id;type:uuid;primaryKey"`
	ScheduleID     uuid.UUID       `gorm:"column:schedule_id;type:uuid;not null"`
	ExecuteAt      time.Time       `gorm:"column:execute_at;not null"`
	QueueName      string          `gorm:"column:queue_name;not null"`
	Payload        json.RawMessage `gorm:"column:payload;type:jsonb;not null"`
	ClaimedBy      *string         `gorm:"column:claimed_by"`
	LeaseExpiresAt *time.Time      `gorm:"column:lease_expires_at"`
	CompletedAt    *time.Time      `gorm:"column:completed_at"`
	CreatedAt      time.Time       `gorm:"column:created_at;autoCreateTime"`
}

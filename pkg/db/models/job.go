package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/eventcore/pkg/enums"
)

// Job is a durable queue message. VisibleAt doubles as the lease expiry while
// active and as the next retry time while pending. LeaseID is rotated by
// every claim and identifies the current lease holder.
type Job struct {
	ID          uuid.UUID       `gorm:"column:id;type:uuid;primaryKey"`
	QueueName   string          `gorm:"column:queue_name;not null"`
	Payload     json.RawMessage `gorm:"column:payload;type:jsonb;not null"`
	State       enums.JobState  `gorm:"column:state;type:job_state_enum;not null"`
	Attempts    int             `gorm:"column:attempts;not null;default:0"`
	MaxAttempts int             `gorm:"column:max_attempts;not null"`
	VisibleAt   time.Time       `gorm:"column:visible_at;not null"`
	LeaseID     *uuid.UUID      `gorm:"column:lease_id;type:uuid"`
	LastError   *string         `gorm:"column:last_error"`
	CreatedAt   time.Time       `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt   time.Time       `gorm:"column:updated_at;autoUpdateTime"`
	CompletedAt *time.Time      `gorm:"column:completed_at"`
}

// Lease returns the lease token of the current claim, or uuid.Nil.
func (j Job) Lease() uuid.UUID {
	if j.LeaseID == nil {
		return uuid.Nil
	}
	return *j.LeaseID
}

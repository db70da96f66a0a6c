package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/eventcore/pkg/enums"
)

// JobDeadLetter captures jobs that will not be retried, for inspection and replay.
type JobDeadLetter struct {
	ID        uuid.UUID              `gorm:"column:id;type:uuid;primaryKey"`
	JobID     uuid.UUID              `gorm:"column:job_id;type:uuid;not null"`
	QueueName string                 `gorm:"column:queue_name;not null"`
	Payload   json.RawMessage        `gorm:"column:payload;type:jsonb;not null"`
	Reason    enums.DeadLetterReason `gorm:"column:reason;not null"`
	Attempts  int                    `gorm:"column:attempts;not null;default:0"`
	LastError *string                `gorm:"column:last_error"`
	FailedAt  time.Time              `gorm:"column:failed_at;not null"`
}

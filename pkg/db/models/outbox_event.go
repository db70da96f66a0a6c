package models

import (
	"encoding/json"
	"time"
)

// OutboxEvent is an append-only record written by a business transaction.
// IDs come from a sequence, so ordering by id matches insertion order.
type OutboxEvent struct {
	ID        int64           `gorm:"column:id;primaryKey;autoIncrement"`
	EventType string          `gorm:"column:event_type;not null"`
	Payload   json.RawMessage `gorm:"column:payload;type:jsonb;not null"`
	CreatedAt time.Time       `gorm:"column:created_at;autoCreateTime"`
}

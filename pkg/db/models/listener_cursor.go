package models

import "time"

// ListenerCursor records the last outbox event a listener identity committed.
type ListenerCursor struct {
	ListenerID  string    `gorm:"column:listener_id;primaryKey"`
	LastEventID int64     `gorm:"column:last_event_id;not null;default:0"`
	UpdatedAt   time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// Package dbtest opens throwaway sqlite databases carrying the pipeline schema.
package dbtest

import (
	"strings"
	"testing"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/angelmondragon/eventcore/pkg/db"
)

// schema mirrors the goose migrations with sqlite column types.
var schema = []string{
	`CREATE TABLE outbox_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		event_type TEXT NOT NULL,
		payload BLOB NOT NULL,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE TABLE listener_cursors (
		listener_id TEXT PRIMARY KEY,
		last_event_id INTEGER NOT NULL DEFAULT 0,
		updated_at DATETIME
	)`,
	`CREATE TABLE jobs (
		id TEXT PRIMARY KEY,
		queue_name TEXT NOT NULL,
		payload BLOB NOT NULL,
		state TEXT NOT NULL DEFAULT 'pending',
		attempts INTEGER NOT NULL DEFAULT 0,
		max_attempts INTEGER NOT NULL DEFAULT 5,
		visible_at DATETIME NOT NULL,
		lease_id TEXT,
		last_error TEXT,
		created_at DATETIME,
		updated_at DATETIME,
		completed_at DATETIME
	)`,
	`CREATE TABLE job_dead_letters (
		id TEXT PRIMARY KEY,
		job_id TEXT NOT NULL,
		queue_name TEXT NOT NULL,
		payload BLOB NOT NULL,
		reason TEXT NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		last_error TEXT,
		failed_at DATETIME NOT NULL
	)`,
	`CREATE TABLE cron_schedules (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		queue_name TEXT NOT NULL,
		payload BLOB NOT NULL,
		interval_seconds INTEGER NOT NULL CHECK (interval_seconds > 0),
		next_tick_needed_at DATETIME NOT NULL,
		created_at DATETIME,
		updated_at DATETIME
	)`,
	`CREATE UNIQUE INDEX ux_cron_schedules_name ON cron_schedules (name)`,
	`CREATE TABLE cron_ticks (
		id TEXT PRIMARY KEY,
		schedule_id TEXT NOT NULL,
		execute_at DATETIME NOT NULL,
		queue_name TEXT NOT NULL,
		payload BLOB NOT NULL,
		claimed_by TEXT,
		lease_expires_at DATETIME,
		completed_at DATETIME,
		created_at DATETIME
	)`,
	`CREATE UNIQUE INDEX ux_cron_ticks_schedule_execute ON cron_ticks (schedule_id, execute_at)`,
}

// Open returns a client over a private in-memory database named after the test.
func Open(t testing.TB) *db.Client {
	t.Helper()

	name := strings.NewReplacer("/", "_", " ", "_", "#", "_").Replace(t.Name())
	conn, err := gorm.Open(sqlite.Open("file:"+name+"?mode=memory&cache=shared"), &gorm.Config{
		SkipDefaultTransaction: true,
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := conn.DB()
	if err != nil {
		t.Fatalf("sql handle: %v", err)
	}
	// One connection keeps transactions serialized like row locks would.
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	for _, stmt := range schema {
		if err := conn.Exec(stmt).Error; err != nil {
			t.Fatalf("apply schema: %v", err)
		}
	}
	return db.NewFromConn(conn)
}

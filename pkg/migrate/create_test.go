package migrate

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestCreateSQLMigrationWritesTimestampedFile(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "migrations")
	now := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)

	path, err := createSQLMigration(dir, "  Add Tick Index! ", now)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if want := filepath.Join(dir, "20260304050607_add_tick_index.sql"); path != want {
		t.Fatalf("path = %q, want %q", path, want)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !strings.Contains(string(data), "-- +goose Up") || !strings.Contains(string(data), "-- rollback add_tick_index") {
		t.Fatalf("unexpected template:\n%s", data)
	}
	if err := validateFile(filepath.Base(path), data); err != nil {
		t.Fatalf("generated migration does not validate: %v", err)
	}

	if _, err := createSQLMigration(dir, "add tick index", now); err == nil {
		t.Fatal("expected duplicate migration error")
	}
}

func TestCreateSQLMigrationRejectsEmptyNames(t *testing.T) {
	if _, err := createSQLMigration(t.TempDir(), "!!!", time.Now()); err == nil {
		t.Fatal("expected error for name without usable characters")
	}
	if _, err := createSQLMigration("", "x", time.Now()); err == nil {
		t.Fatal("expected error for empty dir")
	}
}

//go:build integration

package outbox_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/angelmondragon/eventcore/internal/outbox"
	"github.com/angelmondragon/eventcore/pkg/migrate"
)

func startPostgres(t *testing.T) *gorm.DB {
	t.Helper()
	ctx := context.Background()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:16-alpine",
			Env:          map[string]string{"POSTGRES_PASSWORD": "secret", "POSTGRES_USER": "postgres", "POSTGRES_DB": "eventcore"},
			ExposedPorts: []string{"5432/tcp"},
			WaitingFor:   wait.ForListeningPort("5432/tcp").WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5432/tcp")
	require.NoError(t, err)
	dsn := fmt.Sprintf("postgres://postgres:secret@%s:%s/eventcore?sslmode=disable", host, port.Port())

	var conn *gorm.DB
	require.Eventually(t, func() bool {
		conn, err = gorm.Open(postgres.Open(dsn), &gorm.Config{SkipDefaultTransaction: true})
		return err == nil && conn.Exec("SELECT 1").Error == nil
	}, 20*time.Second, 250*time.Millisecond)

	sqlDB, err := conn.DB()
	require.NoError(t, err)
	require.NoError(t, migrate.Run(ctx, sqlDB, migrate.Embedded, "up"))
	return conn
}

func TestConcurrentWritersCommitInIDOrder(t *testing.T) {
	conn := startPostgres(t)
	ctx := context.Background()
	repo := outbox.NewRepository()
	svc := outbox.NewService(repo, nil, "outbox_events", nil)

	first := conn.Begin()
	firstID, err := svc.Emit(ctx, first, outbox.DomainEvent{EventType: "tick", Data: 1})
	require.NoError(t, err)

	secondID := make(chan int64, 1)
	go func() {
		var id int64
		_ = conn.Transaction(func(tx *gorm.DB) error {
			var err error
			id, err = svc.Emit(ctx, tx, outbox.DomainEvent{EventType: "tick", Data: 2})
			return err
		})
		secondID <- id
	}()

	// The second writer queues behind the first until it commits.
	select {
	case id := <-secondID:
		t.Fatalf("second writer committed id %d while the first was open", id)
	case <-time.After(300 * time.Millisecond):
	}

	var visible int64
	require.NoError(t, conn.Raw("SELECT COUNT(*) FROM outbox_events").Scan(&visible).Error)
	assert.Zero(t, visible)

	require.NoError(t, first.Commit().Error)
	var id2 int64
	select {
	case id2 = <-secondID:
	case <-time.After(5 * time.Second):
		t.Fatal("second writer never committed")
	}
	assert.Greater(t, id2, firstID)

	var rows []int64
	require.NoError(t, conn.Raw("SELECT id FROM outbox_events ORDER BY id").Scan(&rows).Error)
	assert.Equal(t, []int64{firstID, id2}, rows)
}

//go:build integration

package notify_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/angelmondragon/eventcore/pkg/notify"
)

func startPostgres(t *testing.T) string {
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
	return fmt.Sprintf("postgres://postgres:secret@%s:%s/eventcore?sslmode=disable", host, port.Port())
}

func TestNotifyDeliveredOnlyAfterCommit(t *testing.T) {
	dsn := startPostgres(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var conn *gorm.DB
	require.Eventually(t, func() bool {
		var err error
		conn, err = gorm.Open(postgres.Open(dsn), &gorm.Config{})
		return err == nil && conn.Exec("SELECT 1").Error == nil
	}, 20*time.Second, 250*time.Millisecond)

	sub, err := notify.NewPGSubscriber(dsn)
	require.NoError(t, err)
	s, err := sub.Subscribe(ctx, "outbox_events")
	require.NoError(t, err)
	defer s.Close(ctx)

	// Rolled back notifications never arrive.
	tx := conn.Begin()
	require.NoError(t, notify.PGNotifier{}.Notify(ctx, tx, "outbox_events", "lost"))
	require.NoError(t, tx.Rollback().Error)

	tx = conn.Begin()
	require.NoError(t, notify.PGNotifier{}.Notify(ctx, tx, "outbox_events", "42"))
	require.NoError(t, tx.Commit().Error)

	n, err := s.Wait(ctx)
	require.NoError(t, err)
	require.Equal(t, "outbox_events", n.Channel)
	require.Equal(t, "42", n.Payload)

	require.NoError(t, s.Close(ctx))
	_, err = s.Wait(ctx)
	require.ErrorIs(t, err, notify.ErrClosed)
}

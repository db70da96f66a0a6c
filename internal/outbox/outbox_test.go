package outbox

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/angelmondragon/eventcore/pkg/db/dbtest"
	"github.com/angelmondragon/eventcore/pkg/db/models"
	"github.com/angelmondragon/eventcore/pkg/errors"
)

type recordingNotifier struct {
	mu       sync.Mutex
	payloads []string
}

func (n *recordingNotifier) Notify(_ context.Context, _ *gorm.DB, channel, payload string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.payloads = append(n.payloads, channel+":"+payload)
	return nil
}

type messageCreated struct {
	MessageID string `json:"messageId"`
	RoomID    string `json:"roomId"`
}

func (m *messageCreated) Validate() error {
	if m.RoomID == "" {
		return assert.AnError
	}
	return nil
}

func TestEmitWritesEnvelopeAndNotifies(t *testing.T) {
	client := dbtest.Open(t)
	notifier := &recordingNotifier{}
	svc := NewService(NewRepository(), notifier, "outbox_events", nil)
	ctx := context.Background()

	var id int64
	err := client.WithTx(ctx, func(tx *gorm.DB) error {
		var err error
		id, err = svc.Emit(ctx, tx, DomainEvent{
			EventType: "message.created",
			Actor:     &ActorRef{UserID: "u-1"},
			Data:      messageCreated{MessageID: "m-1", RoomID: "r-1"},
		})
		return err
	})
	require.NoError(t, err)
	require.Positive(t, id)
	assert.Equal(t, []string{"outbox_events:" + itoa(id)}, notifier.payloads)

	var row models.OutboxEvent
	require.NoError(t, client.DB().First(&row, id).Error)
	assert.Equal(t, "message.created", row.EventType)

	var envelope PayloadEnvelope
	require.NoError(t, json.Unmarshal(row.Payload, &envelope))
	assert.Equal(t, 1, envelope.Version)
	assert.NotEmpty(t, envelope.EventID)
	assert.Equal(t, "u-1", envelope.Actor.UserID)
	assert.JSONEq(t, `{"messageId":"m-1","roomId":"r-1"}`, string(envelope.Data))
}

func TestWriterLockOnlyOnPostgres(t *testing.T) {
	pg := &gorm.DB{Config: &gorm.Config{Dialector: postgres.New(postgres.Config{DSN: "postgres://localhost/eventcore"})}}
	assert.True(t, serializesWrites(pg))

	lite := &gorm.DB{Config: &gorm.Config{Dialector: sqlite.Open("file::memory:")}}
	assert.False(t, serializesWrites(lite))

	// Emit on SQLite never issues the Postgres-only lock statement.
	client := dbtest.Open(t)
	svc := NewService(NewRepository(), nil, "outbox_events", nil)
	require.NoError(t, client.WithTx(context.Background(), func(tx *gorm.DB) error {
		_, err := svc.Emit(context.Background(), tx, DomainEvent{EventType: "tick", Data: 1})
		return err
	}))
}

func TestEmitRequiresTransaction(t *testing.T) {
	svc := NewService(NewRepository(), nil, "outbox_events", nil)
	_, err := svc.Emit(context.Background(), nil, DomainEvent{EventType: "x"})
	require.Error(t, err)
}

func TestCursorLockAdvanceAndFetch(t *testing.T) {
	client := dbtest.Open(t)
	repo := NewRepository()
	svc := NewService(repo, nil, "outbox_events", nil)
	ctx := context.Background()

	require.NoError(t, client.WithTx(ctx, func(tx *gorm.DB) error {
		for i := 0; i < 5; i++ {
			if _, err := svc.Emit(ctx, tx, DomainEvent{EventType: "tick", Data: map[string]int{"i": i}}); err != nil {
				return err
			}
		}
		return nil
	}))

	now := time.Now().UTC()
	require.NoError(t, client.WithTx(ctx, func(tx *gorm.DB) error {
		cursor, err := repo.LockCursor(tx, "primary")
		require.NoError(t, err)
		assert.Zero(t, cursor)

		rows, err := repo.FetchAfter(tx, cursor, 3)
		require.NoError(t, err)
		require.Len(t, rows, 3)
		assert.Less(t, rows[0].ID, rows[1].ID)
		return repo.AdvanceCursor(tx, "primary", rows[2].ID, now)
	}))

	require.NoError(t, client.WithTx(ctx, func(tx *gorm.DB) error {
		cursor, err := repo.LockCursor(tx, "primary")
		require.NoError(t, err)
		rows, err := repo.FetchAfter(tx, cursor, 10)
		require.NoError(t, err)
		assert.Len(t, rows, 2)

		// Moving backwards is ignored.
		require.NoError(t, repo.AdvanceCursor(tx, "primary", 1, now))
		again, err := repo.Cursor(tx, "primary")
		require.NoError(t, err)
		assert.Equal(t, cursor, again)
		return nil
	}))

	got, err := repo.Cursor(client.DB(), "unknown")
	require.NoError(t, err)
	assert.Zero(t, got)
}

func TestPruneConsumedStopsAtSlowestCursor(t *testing.T) {
	client := dbtest.Open(t)
	repo := NewRepository()
	svc := NewService(repo, nil, "outbox_events", nil)
	ctx := context.Background()

	old := time.Now().UTC().Add(-48 * time.Hour)
	svc.now = func() time.Time { return old }
	var ids []int64
	require.NoError(t, client.WithTx(ctx, func(tx *gorm.DB) error {
		for i := 0; i < 4; i++ {
			id, err := svc.Emit(ctx, tx, DomainEvent{EventType: "tick", Data: i})
			if err != nil {
				return err
			}
			ids = append(ids, id)
		}
		return tx.Model(&models.OutboxEvent{}).Where("1 = 1").Update("created_at", old).Error
	}))

	cutoff := time.Now().UTC().Add(-time.Hour)

	deleted, err := repo.PruneConsumed(client.DB(), cutoff, 100)
	require.NoError(t, err)
	assert.Zero(t, deleted, "nothing is consumed without cursors")

	now := time.Now().UTC()
	require.NoError(t, client.WithTx(ctx, func(tx *gorm.DB) error {
		if _, err := repo.LockCursor(tx, "fast"); err != nil {
			return err
		}
		if _, err := repo.LockCursor(tx, "slow"); err != nil {
			return err
		}
		if err := repo.AdvanceCursor(tx, "fast", ids[3], now); err != nil {
			return err
		}
		return repo.AdvanceCursor(tx, "slow", ids[1], now)
	}))

	deleted, err = repo.PruneConsumed(client.DB(), cutoff, 100)
	require.NoError(t, err)
	assert.EqualValues(t, 2, deleted)

	var remaining int64
	require.NoError(t, client.DB().Model(&models.OutboxEvent{}).Count(&remaining).Error)
	assert.EqualValues(t, 2, remaining)
}

func TestRegistryResolve(t *testing.T) {
	reg := NewRegistry()
	RegisterType[messageCreated](reg, "message.created", 1)

	event := models.OutboxEvent{
		ID:        7,
		EventType: "message.created",
		Payload:   mustEnvelope(t, 1, `{"messageId":"m-1","roomId":"r-1"}`),
	}
	resolved, err := reg.Resolve(event)
	require.NoError(t, err)
	payload, ok := resolved.Payload.(*messageCreated)
	require.True(t, ok, "unexpected payload type %T", resolved.Payload)
	assert.Equal(t, "m-1", payload.MessageID)
	assert.Equal(t, int64(7), resolved.Event.ID)
}

func TestRegistryResolveMalformed(t *testing.T) {
	reg := NewRegistry()
	RegisterType[messageCreated](reg, "message.created", 1)

	cases := map[string]models.OutboxEvent{
		"bad envelope":    {EventType: "message.created", Payload: json.RawMessage(`not json`)},
		"unknown type":    {EventType: "message.deleted", Payload: mustEnvelope(t, 1, `{}`)},
		"unknown version": {EventType: "message.created", Payload: mustEnvelope(t, 2, `{"roomId":"r"}`)},
		"null data":       {EventType: "message.created", Payload: mustEnvelope(t, 1, `null`)},
		"wrong shape":     {EventType: "message.created", Payload: mustEnvelope(t, 1, `{"roomId":42}`)},
		"invalid":         {EventType: "message.created", Payload: mustEnvelope(t, 1, `{"messageId":"m"}`)},
	}
	for name, event := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := reg.Resolve(event)
			require.Error(t, err)
			assert.True(t, errors.IsMalformed(err), "expected malformed, got %v", err)
			assert.ErrorIs(t, err, ErrMalformed)
		})
	}
}

func mustEnvelope(t *testing.T, version int, data string) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(PayloadEnvelope{
		Version:    version,
		EventID:    "evt-1",
		OccurredAt: time.Now().UTC(),
		Data:       json.RawMessage(data),
	})
	require.NoError(t, err)
	return raw
}

func itoa(v int64) string {
	b, _ := json.Marshal(v)
	return string(b)
}

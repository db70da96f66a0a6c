package handlers

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/angelmondragon/eventcore/internal/effects"
	"github.com/angelmondragon/eventcore/internal/jobs"
	"github.com/angelmondragon/eventcore/internal/outbox"
	"github.com/angelmondragon/eventcore/pkg/db/models"
	pkgerrors "github.com/angelmondragon/eventcore/pkg/errors"
)

func row(t *testing.T, eventType string, version int, data any) models.OutboxEvent {
	t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	payload, err := json.Marshal(outbox.PayloadEnvelope{
		Version:    version,
		EventID:    uuid.NewString(),
		OccurredAt: time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC),
		Actor:      &outbox.ActorRef{UserID: "u-1"},
		Data:       raw,
	})
	require.NoError(t, err)
	return models.OutboxEvent{ID: 42, EventType: eventType, Payload: payload}
}

func defaultRouter() *Router {
	r := NewRouter(nil)
	RegisterDefaults(r)
	return r
}

func kinds(list []effects.Effect) []effects.Kind {
	out := make([]effects.Kind, 0, len(list))
	for _, e := range list {
		out = append(out, e.Kind())
	}
	return out
}

func TestMessageCreatedFansOut(t *testing.T) {
	r := defaultRouter()
	out, err := r.Dispatch(context.Background(), row(t, EventMessageCreated, 1, MessageCreated{
		MessageID: "m-1",
		RoomID:    "r-1",
		AuthorID:  "u-1",
		Body:      "hi @u-2 @u-3",
		Mentions:  []string{"u-2", "u-3", "u-2", "u-1"},
	}), nil)
	require.NoError(t, err)
	assert.Equal(t, []effects.Kind{
		effects.KindEmit, effects.KindJob, effects.KindEmitToUser, effects.KindEmitToUser, effects.KindJob,
	}, kinds(out))

	durable, ephemeral := effects.Partition(out)
	require.Len(t, durable, 2)
	assert.Equal(t, QueueSearchIndex, durable[0].Queue)
	assert.Equal(t, QueueNotifications, durable[1].Queue)
	assert.JSONEq(t, `{"messageId":"m-1","userIds":["u-2","u-3"]}`, string(durable[1].Payload))

	room := ephemeral[0].(effects.Emit)
	assert.Equal(t, "r-1", room.Room)
	assert.Equal(t, EventMessageCreated, room.Event)
}

func TestMessageWithoutMentionsSkipsNotifications(t *testing.T) {
	out, err := defaultRouter().Dispatch(context.Background(), row(t, EventMessageCreated, 1, MessageCreated{
		MessageID: "m-1", RoomID: "r-1", AuthorID: "u-1",
	}), nil)
	require.NoError(t, err)
	assert.Equal(t, []effects.Kind{effects.KindEmit, effects.KindJob}, kinds(out))
}

func TestMemberJoined(t *testing.T) {
	out, err := defaultRouter().Dispatch(context.Background(), row(t, EventMemberJoined, 1, MemberJoined{RoomID: "r-1", UserID: "u-5"}), nil)
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, "u-5", out[1].(effects.EmitToUser).UserID)
}

func TestDispatchRejectsMalformedRows(t *testing.T) {
	r := defaultRouter()
	cases := map[string]models.OutboxEvent{
		"unknown type":      row(t, "invoice.paid", 1, map[string]any{"id": 1}),
		"unknown version":   row(t, EventMessageCreated, 2, MessageCreated{MessageID: "m", RoomID: "r", AuthorID: "a"}),
		"failed validation": row(t, EventMessageCreated, 1, MessageCreated{MessageID: "m"}),
		"blank mention":     row(t, EventMessageCreated, 1, MessageCreated{MessageID: "m", RoomID: "r", AuthorID: "a", Mentions: []string{""}}),
		"garbage envelope":  {ID: 1, EventType: EventMessageCreated, Payload: json.RawMessage(`[]`)},
	}
	for name, event := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := r.Dispatch(context.Background(), event, nil)
			require.Error(t, err)
			assert.True(t, pkgerrors.IsMalformed(err))
			assert.ErrorIs(t, err, outbox.ErrMalformed)
		})
	}
}

func TestHandlePassesEnvelopeMetadata(t *testing.T) {
	type ping struct {
		N int `json:"n"`
	}
	r := NewRouter(nil)
	var got Event[ping]
	Handle(r, "ping", 0, func(_ context.Context, ev Event[ping], _ *gorm.DB) ([]effects.Effect, error) {
		got = ev
		return nil, nil
	})
	assert.Equal(t, []string{"ping@v1"}, r.Routes())

	_, err := r.Dispatch(context.Background(), row(t, "ping", 1, ping{N: 3}), nil)
	require.NoError(t, err)
	assert.Equal(t, int64(42), got.OutboxID)
	assert.Equal(t, 1, got.Version)
	assert.Equal(t, 3, got.Data.N)
	assert.Equal(t, "u-1", got.Actor.UserID)
	assert.NotEmpty(t, got.EventID)
}

func TestLogJob(t *testing.T) {
	h := LogJob(nil)
	job := models.Job{ID: uuid.New(), QueueName: QueueSearchIndex, Payload: json.RawMessage(`{"messageId":"m-1"}`)}
	require.NoError(t, h(context.Background(), job))

	job.Payload = json.RawMessage(`"not an object"`)
	err := h(context.Background(), job)
	require.Error(t, err)
	assert.True(t, pkgerrors.IsMalformed(err))
}

func TestRegisterJobHandlers(t *testing.T) {
	reg := jobs.NewRegistry()
	require.NoError(t, reg.Register("reports", LogJob(nil)))
	require.NoError(t, RegisterJobHandlers(reg, nil, "reports", "digest"))
	assert.Equal(t, []string{"digest", QueueNotifications, "reports", QueueSearchIndex}, reg.Queues())
}

package broadcast

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/eventcore/pkg/logger"
)

var fixedNow = time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC)

type fakeRedis struct {
	channels []string
	bodies   [][]byte
	err      error
}

func (f *fakeRedis) Publish(_ context.Context, channel string, message any) (int64, error) {
	if f.err != nil {
		return 0, f.err
	}
	f.channels = append(f.channels, channel)
	f.bodies = append(f.bodies, message.([]byte))
	return 1, nil
}

func (f *fakeRedis) RoomChannel(room string) string   { return "room:" + room }
func (f *fakeRedis) UserChannel(userID string) string { return "user:" + userID }

func decode(t *testing.T, body []byte) Message {
	t.Helper()
	var msg Message
	require.NoError(t, json.Unmarshal(body, &msg))
	return msg
}

func TestRedisBroadcasterPublishesPerTarget(t *testing.T) {
	redis := &fakeRedis{}
	b, err := NewRedisBroadcaster(redis, nil)
	require.NoError(t, err)
	b.now = func() time.Time { return fixedNow }
	ctx := context.Background()

	require.NoError(t, b.Emit(ctx, "r-1", "message.created", json.RawMessage(`{"id":7}`)))
	require.NoError(t, b.EmitToUser(ctx, "u-9", "mention", nil))

	assert.Equal(t, []string{"room:r-1", "user:u-9"}, redis.channels)
	room := decode(t, redis.bodies[0])
	assert.Equal(t, Message{Target: TargetRoom, TargetID: "r-1", Event: "message.created", Payload: json.RawMessage(`{"id":7}`), SentAt: fixedNow}, room)
	user := decode(t, redis.bodies[1])
	assert.Equal(t, TargetUser, user.Target)
	assert.JSONEq(t, `{}`, string(user.Payload))
}

func TestRedisBroadcasterErrors(t *testing.T) {
	_, err := NewRedisBroadcaster(nil, nil)
	require.Error(t, err)

	redis := &fakeRedis{err: errors.New("connection refused")}
	b, err := NewRedisBroadcaster(redis, nil)
	require.NoError(t, err)
	err = b.Emit(context.Background(), "r-1", "message.created", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "room:r-1")

	require.Error(t, b.Emit(context.Background(), "", "message.created", nil))
	require.Error(t, b.EmitToUser(context.Background(), "u-1", "", nil))
}

func TestPubSubBroadcasterSetsRoutingAttributes(t *testing.T) {
	var (
		gotData  []byte
		gotAttrs map[string]string
	)
	b, err := NewPubSubBroadcaster(func(_ context.Context, data []byte, attrs map[string]string) error {
		gotData, gotAttrs = data, attrs
		return nil
	}, nil)
	require.NoError(t, err)

	require.NoError(t, b.EmitToUser(context.Background(), "u-1", "mention", json.RawMessage(`{"by":"u-2"}`)))
	assert.Equal(t, map[string]string{"target": TargetUser, "target_id": "u-1", "event": "mention"}, gotAttrs)
	assert.Equal(t, "u-1", decode(t, gotData).TargetID)

	failing, err := NewPubSubBroadcaster(func(context.Context, []byte, map[string]string) error {
		return errors.New("deadline exceeded")
	}, nil)
	require.NoError(t, err)
	require.Error(t, failing.Emit(context.Background(), "r-1", "message.created", nil))

	_, err = NewPubSubBroadcaster(nil, nil)
	require.Error(t, err)
}

func TestLogBroadcasterNeverFails(t *testing.T) {
	var buf bytes.Buffer
	b := NewLogBroadcaster(logger.New(logger.Options{ServiceName: "test", Output: &buf}))

	require.NoError(t, b.Emit(context.Background(), "r-1", "message.created", json.RawMessage(`{}`)))
	require.NoError(t, b.EmitToUser(context.Background(), "u-1", "mention", nil))
	assert.Contains(t, buf.String(), `"target_id":"r-1"`)
	assert.Contains(t, buf.String(), `"event":"mention"`)
}

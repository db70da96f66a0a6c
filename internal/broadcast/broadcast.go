// Package broadcast delivers ephemeral effects to real-time subscribers.
// Delivery is best effort: callers log failures and move on.
package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	pubsub "cloud.google.com/go/pubsub/v2"

	"github.com/angelmondragon/eventcore/pkg/logger"
)

// Target kinds carried on every message.
const (
	TargetRoom = "room"
	TargetUser = "user"
)

// Broadcaster fans ephemeral effects out to connected clients.
type Broadcaster interface {
	Emit(ctx context.Context, room, event string, payload json.RawMessage) error
	EmitToUser(ctx context.Context, userID, event string, payload json.RawMessage) error
}

// Message is the wire form shared by every transport.
type Message struct {
	Target   string          `json:"target"`
	TargetID string          `json:"targetId"`
	Event    string          `json:"event"`
	Payload  json.RawMessage `json:"payload"`
	SentAt   time.Time       `json:"sentAt"`
}

func newMessage(target, id, event string, payload json.RawMessage, now time.Time) ([]byte, error) {
	if id == "" {
		return nil, fmt.Errorf("broadcast %s: empty %s id", event, target)
	}
	if event == "" {
		return nil, errors.New("broadcast: event name is required")
	}
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	return json.Marshal(Message{
		Target:   target,
		TargetID: id,
		Event:    event,
		Payload:  payload,
		SentAt:   now.UTC(),
	})
}

type redisPublisher interface {
	Publish(ctx context.Context, channel string, message any) (int64, error)
	RoomChannel(room string) string
	UserChannel(userID string) string
}

// RedisBroadcaster publishes each message on a per-room or per-user channel.
type RedisBroadcaster struct {
	client redisPublisher
	logg   *logger.Logger
	now    func() time.Time
}

func NewRedisBroadcaster(client redisPublisher, logg *logger.Logger) (*RedisBroadcaster, error) {
	if client == nil {
		return nil, errors.New("redis client required")
	}
	if logg == nil {
		logg = logger.Nop()
	}
	return &RedisBroadcaster{client: client, logg: logg, now: time.Now}, nil
}

func (b *RedisBroadcaster) Emit(ctx context.Context, room, event string, payload json.RawMessage) error {
	return b.publish(ctx, b.client.RoomChannel(room), TargetRoom, room, event, payload)
}

func (b *RedisBroadcaster) EmitToUser(ctx context.Context, userID, event string, payload json.RawMessage) error {
	return b.publish(ctx, b.client.UserChannel(userID), TargetUser, userID, event, payload)
}

func (b *RedisBroadcaster) publish(ctx context.Context, channel, target, id, event string, payload json.RawMessage) error {
	body, err := newMessage(target, id, event, payload, b.now())
	if err != nil {
		return err
	}
	receivers, err := b.client.Publish(ctx, channel, body)
	if err != nil {
		return fmt.Errorf("publish %s to %s: %w", event, channel, err)
	}
	b.logg.Debug(b.logg.WithFields(ctx, map[string]any{
		"channel":   channel,
		"event":     event,
		"receivers": receivers,
	}), "broadcast published")
	return nil
}

// PublishFunc sends one message to a Pub/Sub topic and waits for the ack.
type PublishFunc func(ctx context.Context, data []byte, attrs map[string]string) error

// TopicPublisher adapts a Pub/Sub publisher into a PublishFunc.
func TopicPublisher(p *pubsub.Publisher) PublishFunc {
	return func(ctx context.Context, data []byte, attrs map[string]string) error {
		_, err := p.Publish(ctx, &pubsub.Message{Data: data, Attributes: attrs}).Get(ctx)
		return err
	}
}

// PubSubBroadcaster publishes every message on one topic; subscribers route
// by the target attributes.
type PubSubBroadcaster struct {
	publish PublishFunc
	logg    *logger.Logger
	now     func() time.Time
}

func NewPubSubBroadcaster(publish PublishFunc, logg *logger.Logger) (*PubSubBroadcaster, error) {
	if publish == nil {
		return nil, errors.New("pubsub publisher required")
	}
	if logg == nil {
		logg = logger.Nop()
	}
	return &PubSubBroadcaster{publish: publish, logg: logg, now: time.Now}, nil
}

func (b *PubSubBroadcaster) Emit(ctx context.Context, room, event string, payload json.RawMessage) error {
	return b.send(ctx, TargetRoom, room, event, payload)
}

func (b *PubSubBroadcaster) EmitToUser(ctx context.Context, userID, event string, payload json.RawMessage) error {
	return b.send(ctx, TargetUser, userID, event, payload)
}

func (b *PubSubBroadcaster) send(ctx context.Context, target, id, event string, payload json.RawMessage) error {
	body, err := newMessage(target, id, event, payload, b.now())
	if err != nil {
		return err
	}
	attrs := map[string]string{
		"target":    target,
		"target_id": id,
		"event":     event,
	}
	if err := b.publish(ctx, body, attrs); err != nil {
		return fmt.Errorf("pubsub publish %s to %s %s: %w", event, target, id, err)
	}
	return nil
}

// LogBroadcaster only logs messages. Used in development and when no
// real-time transport is configured.
type LogBroadcaster struct {
	logg *logger.Logger
}

func NewLogBroadcaster(logg *logger.Logger) *LogBroadcaster {
	if logg == nil {
		logg = logger.Nop()
	}
	return &LogBroadcaster{logg: logg}
}

func (b *LogBroadcaster) Emit(ctx context.Context, room, event string, payload json.RawMessage) error {
	b.log(ctx, TargetRoom, room, event, payload)
	return nil
}

func (b *LogBroadcaster) EmitToUser(ctx context.Context, userID, event string, payload json.RawMessage) error {
	b.log(ctx, TargetUser, userID, event, payload)
	return nil
}

func (b *LogBroadcaster) log(ctx context.Context, target, id, event string, payload json.RawMessage) {
	b.logg.Info(b.logg.WithFields(ctx, map[string]any{
		"target":    target,
		"target_id": id,
		"event":     event,
		"bytes":     len(payload),
	}), "broadcast")
}

package handlers

import (
	"context"

	"github.com/go-playground/validator/v10"
	"gorm.io/gorm"

	"github.com/angelmondragon/eventcore/internal/effects"
)

// Event types routed by the worker.
const (
	EventMessageCreated = "message.created"
	EventMemberJoined   = "room.member_joined"
)

// Queues fed by the default routes.
const (
	QueueSearchIndex   = "search.index"
	QueueNotifications = "notifications.deliver"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

type MessageCreated struct {
	MessageID string   `json:"messageId" validate:"required"`
	RoomID    string   `json:"roomId" validate:"required"`
	AuthorID  string   `json:"authorId" validate:"required"`
	Body      string   `json:"body" validate:"max=65536"`
	Mentions  []string `json:"mentions" validate:"dive,required"`
}

func (m *MessageCreated) Validate() error { return validate.Struct(m) }

type MemberJoined struct {
	RoomID string `json:"roomId" validate:"required"`
	UserID string `json:"userId" validate:"required"`
}

func (m *MemberJoined) Validate() error { return validate.Struct(m) }

// RegisterDefaults wires the routes shipped with the worker binary.
func RegisterDefaults(r *Router) {
	Handle(r, EventMessageCreated, 1, onMessageCreated)
	Handle(r, EventMemberJoined, 1, onMemberJoined)
}

func onMessageCreated(_ context.Context, ev Event[MessageCreated], _ *gorm.DB) ([]effects.Effect, error) {
	msg := ev.Data
	out := make([]effects.Effect, 0, 3+len(msg.Mentions))

	emit, err := effects.NewEmit(msg.RoomID, EventMessageCreated, map[string]any{
		"messageId": msg.MessageID,
		"authorId":  msg.AuthorID,
		"body":      msg.Body,
	})
	if err != nil {
		return nil, err
	}
	out = append(out, emit)

	index, err := effects.NewJob(QueueSearchIndex, map[string]any{
		"messageId": msg.MessageID,
		"roomId":    msg.RoomID,
	})
	if err != nil {
		return nil, err
	}
	out = append(out, index)

	mentioned := uniqueExcept(msg.Mentions, msg.AuthorID)
	if len(mentioned) == 0 {
		return out, nil
	}
	for _, userID := range mentioned {
		e, err := effects.NewEmitToUser(userID, "mention", map[string]any{
			"messageId": msg.MessageID,
			"roomId":    msg.RoomID,
		})
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	notify, err := effects.NewJob(QueueNotifications, map[string]any{
		"messageId": msg.MessageID,
		"userIds":   mentioned,
	})
	if err != nil {
		return nil, err
	}
	return append(out, notify), nil
}

func onMemberJoined(_ context.Context, ev Event[MemberJoined], _ *gorm.DB) ([]effects.Effect, error) {
	room, err := effects.NewEmit(ev.Data.RoomID, "member.joined", map[string]any{"userId": ev.Data.UserID})
	if err != nil {
		return nil, err
	}
	user, err := effects.NewEmitToUser(ev.Data.UserID, "room.joined", map[string]any{"roomId": ev.Data.RoomID})
	if err != nil {
		return nil, err
	}
	return []effects.Effect{room, user}, nil
}

func uniqueExcept(ids []string, skip string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == skip {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

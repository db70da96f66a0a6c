package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/eventcore/pkg/db/models"
	"github.com/angelmondragon/eventcore/pkg/logger"
	"github.com/angelmondragon/eventcore/pkg/notify"
)

// DomainEvent is what a business transaction records.
type DomainEvent struct {
	EventType  string
	Actor      *ActorRef
	Data       any
	Version    int
	OccurredAt time.Time
}

// Service is the writer side: one outbox row plus one notification, both
// inside the caller's transaction.
type Service struct {
	repo     *Repository
	notifier notify.Notifier
	channel  string
	logg     *logger.Logger
	now      func() time.Time
}

func NewService(repo *Repository, notifier notify.Notifier, channel string, logg *logger.Logger) *Service {
	if notifier == nil {
		notifier = notify.NopNotifier{}
	}
	if logg == nil {
		logg = logger.Nop()
	}
	return &Service{repo: repo, notifier: notifier, channel: channel, logg: logg, now: time.Now}
}

// Emit appends event and signals the channel with the new row id.
func (s *Service) Emit(ctx context.Context, tx *gorm.DB, event DomainEvent) (int64, error) {
	if tx == nil {
		return 0, errors.New("transaction required")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if event.EventType == "" {
		return 0, errors.New("event type required")
	}
	payload, err := json.Marshal(event.Data)
	if err != nil {
		return 0, fmt.Errorf("marshal %s data: %w", event.EventType, err)
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = s.now().UTC()
	}
	if event.Version == 0 {
		event.Version = 1
	}
	envelope := PayloadEnvelope{
		Version:    event.Version,
		EventID:    uuid.NewString(),
		OccurredAt: event.OccurredAt,
		Actor:      event.Actor,
		Data:       payload,
	}
	payloadJSON, err := json.Marshal(envelope)
	if err != nil {
		return 0, err
	}
	row := models.OutboxEvent{
		EventType: event.EventType,
		Payload:   json.RawMessage(payloadJSON),
	}
	if err := s.repo.Insert(tx, &row); err != nil {
		return 0, fmt.Errorf("insert outbox event: %w", err)
	}
	if err := s.notifier.Notify(ctx, tx, s.channel, strconv.FormatInt(row.ID, 10)); err != nil {
		return 0, err
	}

	logCtx := s.logg.WithFields(ctx, map[string]any{
		"event_id":   envelope.EventID,
		"event_type": event.EventType,
		"outbox_id":  row.ID,
	})
	s.logg.Debug(logCtx, "outbox event queued")
	return row.ID, nil
}

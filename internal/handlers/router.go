// Package handlers turns decoded outbox events into effects and ships the job
// handlers the worker binary registers.
package handlers

import (
	"context"
	"fmt"
	"sort"
	"time"

	"gorm.io/gorm"

	"github.com/angelmondragon/eventcore/internal/effects"
	"github.com/angelmondragon/eventcore/internal/outbox"
	"github.com/angelmondragon/eventcore/pkg/db/models"
	"github.com/angelmondragon/eventcore/pkg/errors"
	"github.com/angelmondragon/eventcore/pkg/logger"
)

// Event is a decoded outbox row with a typed payload.
type Event[T any] struct {
	OutboxID   int64
	Type       string
	Version    int
	EventID    string
	OccurredAt time.Time
	Actor      *outbox.ActorRef
	Data       *T
}

// RouteFunc handles one event type.
type RouteFunc[T any] func(ctx context.Context, event Event[T], tx *gorm.DB) ([]effects.Effect, error)

type route func(ctx context.Context, resolved *outbox.ResolvedEvent, tx *gorm.DB) ([]effects.Effect, error)

// Router dispatches outbox rows to typed routes. Rows whose type has no route
// fail the registry parse gate and are skipped as malformed.
type Router struct {
	registry *outbox.Registry
	routes   map[string]route
	logg     *logger.Logger
}

func NewRouter(logg *logger.Logger) *Router {
	if logg == nil {
		logg = logger.Nop()
	}
	return &Router{
		registry: outbox.NewRegistry(),
		routes:   make(map[string]route),
		logg:     logg,
	}
}

// Handle registers fn for eventType at version with T as the payload schema.
func Handle[T any](r *Router, eventType string, version int, fn RouteFunc[T]) {
	if version <= 0 {
		version = 1
	}
	outbox.RegisterType[T](r.registry, eventType, version)
	r.routes[routeKey(eventType, version)] = func(ctx context.Context, resolved *outbox.ResolvedEvent, tx *gorm.DB) ([]effects.Effect, error) {
		data, ok := resolved.Payload.(*T)
		if !ok {
			return nil, errors.Malformed(fmt.Errorf("%w: payload type %T", outbox.ErrMalformed, resolved.Payload), "skip outbox event")
		}
		return fn(ctx, Event[T]{
			OutboxID:   resolved.Event.ID,
			Type:       resolved.Event.EventType,
			Version:    resolved.Descriptor.Version,
			EventID:    resolved.Envelope.EventID,
			OccurredAt: resolved.Envelope.OccurredAt,
			Actor:      resolved.Envelope.Actor,
			Data:       data,
		}, tx)
	}
}

// Dispatch resolves the row and runs its route. It satisfies listener.Handler.
func (r *Router) Dispatch(ctx context.Context, event models.OutboxEvent, tx *gorm.DB) ([]effects.Effect, error) {
	resolved, err := r.registry.Resolve(event)
	if err != nil {
		return nil, err
	}
	fn, ok := r.routes[routeKey(event.EventType, resolved.Descriptor.Version)]
	if !ok {
		return nil, errors.Malformed(fmt.Errorf("%w: no route for %s", outbox.ErrMalformed, event.EventType), "skip outbox event")
	}
	return fn(ctx, resolved, tx)
}

// Routes lists the registered event types as type@vN, sorted.
func (r *Router) Routes() []string {
	out := make([]string, 0, len(r.routes))
	for key := range r.routes {
		out = append(out, key)
	}
	sort.Strings(out)
	return out
}

func routeKey(eventType string, version int) string {
	return fmt.Sprintf("%s@v%d", eventType, version)
}

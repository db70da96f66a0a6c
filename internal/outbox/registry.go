package outbox

import (
	"bytes"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"sync"

	"github.com/angelmondragon/eventcore/pkg/db/models"
	"github.com/angelmondragon/eventcore/pkg/errors"
)

// ErrMalformed marks rows that can never be decoded. Resolve wraps it in a
// CodeMalformed error so consumers skip the row instead of retrying.
var ErrMalformed = stdErrors.New("malformed outbox event")

type registryKey struct {
	eventType string
	version   int
}

// Descriptor links an event type and version to its payload schema.
type Descriptor struct {
	EventType      string
	Version        int
	PayloadFactory func() any
}

// ResolvedEvent is the result of decoding an outbox row.
type ResolvedEvent struct {
	Descriptor Descriptor
	Event      models.OutboxEvent
	Envelope   PayloadEnvelope
	Payload    any
}

// Registry is the single parse gate between raw rows and typed payloads.
type Registry struct {
	mtx     sync.RWMutex
	entries map[registryKey]Descriptor
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[registryKey]Descriptor)}
}

// Register stores a descriptor. Version 0 is treated as 1.
func (r *Registry) Register(desc Descriptor) {
	if desc.Version == 0 {
		desc.Version = 1
	}
	r.mtx.Lock()
	defer r.mtx.Unlock()
	r.entries[registryKey{eventType: desc.EventType, version: desc.Version}] = desc
}

// RegisterType registers T as the payload for eventType at version.
func RegisterType[T any](r *Registry, eventType string, version int) {
	r.Register(Descriptor{
		EventType:      eventType,
		Version:        version,
		PayloadFactory: func() any { return new(T) },
	})
}

// Resolve decodes the envelope and the typed payload of event.
func (r *Registry) Resolve(event models.OutboxEvent) (*ResolvedEvent, error) {
	var envelope PayloadEnvelope
	if err := json.Unmarshal(event.Payload, &envelope); err != nil {
		return nil, malformed(fmt.Errorf("decode envelope: %w", err), event)
	}
	version := envelope.Version
	if version == 0 {
		version = 1
	}

	r.mtx.RLock()
	desc, ok := r.entries[registryKey{eventType: event.EventType, version: version}]
	r.mtx.RUnlock()
	if !ok {
		return nil, malformed(fmt.Errorf("no descriptor for %s@v%d", event.EventType, version), event)
	}

	trimmed := bytes.TrimSpace(envelope.Data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, malformed(fmt.Errorf("payload missing for %s", event.EventType), event)
	}
	payload := desc.PayloadFactory()
	if payload == nil {
		return nil, malformed(fmt.Errorf("payload factory not configured for %s", event.EventType), event)
	}
	if err := json.Unmarshal(trimmed, payload); err != nil {
		return nil, malformed(fmt.Errorf("decode %s payload: %w", event.EventType, err), event)
	}
	if v, ok := payload.(interface{ Validate() error }); ok {
		if err := v.Validate(); err != nil {
			return nil, malformed(fmt.Errorf("validate %s payload: %w", event.EventType, err), event)
		}
	}

	return &ResolvedEvent{
		Descriptor: desc,
		Event:      event,
		Envelope:   envelope,
		Payload:    payload,
	}, nil
}

func malformed(err error, event models.OutboxEvent) error {
	return errors.Malformed(fmt.Errorf("%w: %w", ErrMalformed, err), "skip outbox event").
		WithDetails(map[string]any{"outbox_id": event.ID, "event_type": event.EventType})
}

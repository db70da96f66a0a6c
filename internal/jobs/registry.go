package jobs

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/angelmondragon/eventcore/pkg/db/models"
)

// ErrUnknownQueue is returned when work targets a queue with no handler.
var ErrUnknownQueue = errors.New("unknown queue")

// Handler runs the business logic for one claimed job. Returning an error
// schedules a retry; a CodeMalformed error dead-letters immediately.
type Handler func(ctx context.Context, job models.Job) error

// Registry maps queue names to handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

func (r *Registry) Register(queue string, h Handler) error {
	queue = strings.TrimSpace(queue)
	if queue == "" {
		return errors.New("queue name is required")
	}
	if h == nil {
		return fmt.Errorf("queue %s: handler is required", queue)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[queue]; exists {
		return fmt.Errorf("queue %s already registered", queue)
	}
	r.handlers[queue] = h
	return nil
}

func (r *Registry) Handler(queue string) (Handler, bool) {
	if r == nil {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[queue]
	return h, ok
}

func (r *Registry) Has(queue string) bool {
	_, ok := r.Handler(queue)
	return ok
}

// Queues returns the registered queue names, sorted.
func (r *Registry) Queues() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

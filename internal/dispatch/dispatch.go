package dispatch

import (
	"context"
	"fmt"
	"sort"

	"github.com/artpromedia/payhook/internal/event"
)

// Handler processes one verified event. Handlers may be invoked more than
// once for the same event across retries and must be retry-safe; the
// pipeline does not roll back partial handler effects.
type Handler func(ctx context.Context, evt event.Event) error

// Registry maps provider event types to handlers. It is populated once at
// startup and read-only afterwards, so lookups need no locking.
type Registry struct {
	handlers map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register binds a handler to an event type. Registering the same type
// twice is a configuration error.
func (r *Registry) Register(eventType string, h Handler) error {
	if eventType == "" {
		return fmt.Errorf("event type is required")
	}
	if h == nil {
		return fmt.Errorf("handler for %s is nil", eventType)
	}
	if _, exists := r.handlers[eventType]; exists {
		return fmt.Errorf("handler already registered for %s", eventType)
	}
	r.handlers[eventType] = h
	return nil
}

// Lookup returns the handler for an event type. Unknown types are not an
// error; the pipeline completes them as no-ops.
func (r *Registry) Lookup(eventType string) (Handler, bool) {
	h, ok := r.handlers[eventType]
	return h, ok
}

// Types lists registered event types, sorted.
func (r *Registry) Types() []string {
	types := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

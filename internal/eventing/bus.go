package eventing

import (
	"context"
	"errors"
	"log"
	"reflect"
	"sync"
)

// EventHandler handles a published event.
type EventHandler func(ctx context.Context, event any) error

// EventBus delivers events to subscribed handlers.
type EventBus interface {
	Publish(ctx context.Context, event any) error
	Subscribe(eventType string, handler EventHandler)
}

// ErrNilEvent is returned when a nil event is published.
var ErrNilEvent = errors.New("eventing: nil event")

// ErrInvalidEventType is returned when the event type cannot be determined.
var ErrInvalidEventType = errors.New("eventing: invalid event type")

// InMemoryBus is a minimal in-process event bus. Handlers run synchronously
// in subscription order; the first handler error is reported after all
// handlers ran.
type InMemoryBus struct {
	mu   sync.RWMutex
	subs map[string][]EventHandler
}

// NewInMemoryBus constructs a new in-memory bus.
func NewInMemoryBus() *InMemoryBus {
	return &InMemoryBus{subs: make(map[string][]EventHandler)}
}

// Publish dispatches an event to all handlers of its type. Every handler
// runs even when an earlier one fails.
func (b *InMemoryBus) Publish(ctx context.Context, event any) error {
	if event == nil {
		return ErrNilEvent
	}
	eventType := EventType(event)
	if eventType == "" {
		return ErrInvalidEventType
	}

	var firstErr error
	for _, handler := range b.snapshot(eventType) {
		if err := handler(ctx, event); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Subscribe registers a handler for an event type.
func (b *InMemoryBus) Subscribe(eventType string, handler EventHandler) {
	if eventType == "" || handler == nil {
		return
	}
	b.mu.Lock()
	b.subs[eventType] = append(b.subs[eventType], handler)
	b.mu.Unlock()
}

// snapshot copies the handler list so Publish never holds the lock while
// handlers run (a handler may subscribe).
func (b *InMemoryBus) snapshot(eventType string) []EventHandler {
	b.mu.RLock()
	defer b.mu.RUnlock()
	registered := b.subs[eventType]
	if len(registered) == 0 {
		return nil
	}
	handlers := make([]EventHandler, len(registered))
	copy(handlers, registered)
	return handlers
}

// SubscribeTyped registers a handler for T and takes care of the type
// assertion. Handler failures are logged, never propagated to the
// publisher: downstream consumers must not fail a run.
func SubscribeTyped[T any](bus EventBus, name string, logger *log.Logger, handler func(ctx context.Context, event T) error) {
	if bus == nil || handler == nil {
		return
	}
	bus.Subscribe(EventTypeOf[T](), func(ctx context.Context, event any) error {
		evt, ok := event.(T)
		if !ok {
			return ErrInvalidEventType
		}
		if err := handler(ctx, evt); err != nil && logger != nil {
			logger.Printf("event consumer %s error: %v", name, err)
		}
		return nil
	})
}

// EventType returns the fully-qualified type name for an event instance.
func EventType(event any) string {
	if event == nil {
		return ""
	}
	t := reflect.TypeOf(event)
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	return t.String()
}

// EventTypeOf returns the fully-qualified type name for a type parameter.
func EventTypeOf[T any]() string {
	return reflect.TypeOf((*T)(nil)).Elem().String()
}

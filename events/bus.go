package events

import (
	"sync"

	"github.com/google/uuid"
)

// Handler receives a copy of each published event. Handlers are invoked
// synchronously on the publishing goroutine and must not block.
type Handler func(Event)

// Bus is a per-bucket fan-out of events to registered handlers.
// A nil *Bus is valid; all methods are no-ops on it.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewBus creates an empty event bus.
func NewBus() *Bus {
	return &Bus{
		handlers: make(map[string]Handler),
	}
}

// Subscribe registers a handler and returns an opaque subscription id
// that can be passed to Unsubscribe.
func (b *Bus) Subscribe(h Handler) string {
	if b == nil || h == nil {
		return ""
	}
	id := uuid.NewString()
	b.mu.Lock()
	b.handlers[id] = h
	b.mu.Unlock()
	return id
}

// Unsubscribe removes the handler registered under id.
// It reports whether a handler was removed.
func (b *Bus) Unsubscribe(id string) bool {
	if b == nil {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.handlers[id]; !ok {
		return false
	}
	delete(b.handlers, id)
	return true
}

// Publish delivers a copy of e to every registered handler.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, h := range b.handlers {
		h(e)
	}
}

// Len returns the number of registered handlers.
func (b *Bus) Len() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers)
}

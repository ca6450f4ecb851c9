package engine

import (
	"sync"
	"time"
)

// subscription pairs a handler with an optional type filter.
type subscription struct {
	fn    func(Event)
	types map[EventType]bool // nil means all types
}

// EventBus fans events out to subscribers synchronously, in the emitter's
// goroutine. Handlers must be fast; anything slow should hand off to its
// own goroutine.
type EventBus struct {
	mu   sync.RWMutex
	subs map[int]subscription
	next int
}

// NewEventBus creates an empty bus.
func NewEventBus() *EventBus {
	return &EventBus{subs: make(map[int]subscription)}
}

// Subscribe registers a handler for all events and returns its ID.
func (b *EventBus) Subscribe(fn func(Event)) int {
	return b.subscribe(fn, nil)
}

// SubscribeTypes registers a handler for specific event types only.
func (b *EventBus) SubscribeTypes(fn func(Event), types ...EventType) int {
	filter := make(map[EventType]bool, len(types))
	for _, t := range types {
		filter[t] = true
	}
	return b.subscribe(fn, filter)
}

func (b *EventBus) subscribe(fn func(Event), types map[EventType]bool) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.next++
	id := b.next
	b.subs[id] = subscription{fn: fn, types: types}
	return id
}

// Unsubscribe removes a handler. Unknown IDs are ignored.
func (b *EventBus) Unsubscribe(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, id)
}

// Emit stamps and delivers an event to every matching subscriber.
func (b *EventBus) Emit(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	b.mu.RLock()
	handlers := make([]func(Event), 0, len(b.subs))
	for _, sub := range b.subs {
		if sub.types == nil || sub.types[e.Type] {
			handlers = append(handlers, sub.fn)
		}
	}
	b.mu.RUnlock()

	for _, fn := range handlers {
		fn(e)
	}
}

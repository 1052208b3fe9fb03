package events

import (
	"sync"
	"time"
)

// Handler processes a single event.
type Handler func(Event)

// Bus distributes events to subscribed handlers. Emit never blocks the
// caller: events are queued on a buffered channel and delivered by a
// single dispatch goroutine, preserving emit order.
type Bus struct {
	events chan Event

	mu       sync.RWMutex
	handlers []Handler
	closed   bool
	done     chan struct{}
}

// NewBus creates a new event bus with the specified queue capacity.
func NewBus(capacity int) *Bus {
	b := &Bus{
		events: make(chan Event, capacity),
		done:   make(chan struct{}),
	}
	go b.dispatch()
	return b
}

// Subscribe registers a handler for all future events.
func (b *Bus) Subscribe(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, h)
}

// Emit queues an event for delivery, stamping its time.
// Events emitted after Close, or while the queue is full, are dropped.
func (b *Bus) Emit(e Event) {
	e.Time = time.Now()

	b.mu.RLock()
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		return
	}

	select {
	case b.events <- e:
	default:
		// Queue full; observability events are best-effort.
	}
}

// Close shuts down the bus and waits for queued events to drain.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	close(b.events)
	<-b.done
	return nil
}

func (b *Bus) dispatch() {
	defer close(b.done)
	for e := range b.events {
		b.mu.RLock()
		handlers := make([]Handler, len(b.handlers))
		copy(handlers, b.handlers)
		b.mu.RUnlock()

		for _, h := range handlers {
			h(e)
		}
	}
}

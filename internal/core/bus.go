package core

import (
	"context"
	"log/slog"
	"sync"
)

// DefaultQueueSize is the capacity of the run-request and event queues.
const DefaultQueueSize = 1024

// Emitter accepts events for asynchronous delivery.
type Emitter interface {
	Emit(ev Event)
}

// EmitterFunc adapts a function to Emitter.
type EmitterFunc func(ev Event)

func (f EmitterFunc) Emit(ev Event) { f(ev) }

// Bus queues events from any number of producers and delivers them to one
// handler from a single goroutine, preserving each producer's order.
type Bus struct {
	handler Handler
	logger  *slog.Logger
	ch      chan Event
	done    chan struct{}

	mu     sync.RWMutex
	closed bool
}

// NewBus creates a bus with a queue of the given capacity.
func NewBus(handler Handler, capacity int, logger *slog.Logger) *Bus {
	if capacity <= 0 {
		capacity = DefaultQueueSize
	}
	return &Bus{
		handler: handler,
		logger:  logger,
		ch:      make(chan Event, capacity),
		done:    make(chan struct{}),
	}
}

// Emit queues ev, blocking while the queue is full. Events emitted after
// Close are dropped.
func (b *Bus) Emit(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		b.logger.Debug("event dropped after close", "event", ev.Name())
		return
	}
	b.ch <- ev
}

// Run delivers queued events until the bus is closed and drained.
func (b *Bus) Run(ctx context.Context) {
	defer close(b.done)
	for ev := range b.ch {
		Deliver(ctx, b.handler, ev, b.logger)
	}
}

// Close stops accepting events. Run returns once the queue is drained.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	close(b.ch)
}

// CloseWith queues final as the last event and closes the bus. It does
// nothing when the bus is already closed.
func (b *Bus) CloseWith(final Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.ch <- final
	b.closed = true
	close(b.ch)
}

// Done is closed when Run has returned.
func (b *Bus) Done() <-chan struct{} {
	return b.done
}

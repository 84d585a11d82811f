// Package bus provides the process-local, synchronous pub/sub fabric that
// connects drivers, the engine and the runtime glue.
package bus

import (
	"log/slog"
	"sync"

	"github.com/parleyio/parley/pkg/event"
)

// Handler receives one event. Handlers run synchronously on the dispatching
// goroutine; a panicking handler is recovered and reported to the bus error
// handler without affecting other handlers or the emitter.
type Handler func(evt event.Event)

// ErrorHandler is notified when a subscriber panics during dispatch.
type ErrorHandler func(evt event.Event, recovered any)

// subscription is one registered handler. typ == "" subscribes to all types.
type subscription struct {
	id  int
	typ string
	fn  Handler
}

// Bus dispatches events to subscribers in registration order. Emission is
// FIFO per producer: within a single Emit, every handler runs to completion
// before the next queued event is dispatched. Re-entrant Emit calls from a
// handler append to the in-flight dispatch queue and are drained before the
// outer Emit returns.
type Bus struct {
	mu          sync.Mutex
	subs        []*subscription
	nextID      int
	queue       []event.Event
	dispatching bool

	onError ErrorHandler

	pending map[string]chan event.Event // requestId → response slot
}

// New creates an empty bus. Subscriber panics are logged unless an error
// handler is installed with SetErrorHandler.
func New() *Bus {
	return &Bus{
		pending: make(map[string]chan event.Event),
	}
}

// SetErrorHandler installs the callback invoked when a subscriber panics.
func (b *Bus) SetErrorHandler(h ErrorHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onError = h
}

// On subscribes to events of exactly the given type. The returned function
// removes the subscription; calling it more than once is harmless.
func (b *Bus) On(typ string, h Handler) func() {
	return b.add(typ, h)
}

// OnAny subscribes to every event regardless of type.
func (b *Bus) OnAny(h Handler) func() {
	return b.add("", h)
}

// OnCommand subscribes to command events of the given type. Sugar for On
// with a command-category guard, so a command and a notification sharing a
// type tag cannot cross wires.
func (b *Bus) OnCommand(typ string, h Handler) func() {
	return b.add(typ, func(evt event.Event) {
		if evt.Category != event.CategoryRequest && evt.Category != event.CategoryResponse {
			return
		}
		h(evt)
	})
}

func (b *Bus) add(typ string, h Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	sub := &subscription{id: b.nextID, typ: typ, fn: h}
	b.subs = append(b.subs, sub)

	id := sub.id
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, s := range b.subs {
			if s.id == id {
				b.subs = append(b.subs[:i], b.subs[i+1:]...)
				return
			}
		}
	}
}

// Emit dispatches the event to all matching subscribers. If a dispatch is
// already in flight (a handler emitted, or another goroutine is draining),
// the event is queued and delivered by the active drain loop.
func (b *Bus) Emit(evt event.Event) {
	b.mu.Lock()
	b.queue = append(b.queue, evt)
	if b.dispatching {
		b.mu.Unlock()
		return
	}
	b.dispatching = true

	for len(b.queue) > 0 {
		next := b.queue[0]
		b.queue = b.queue[1:]

		b.resolveResponseLocked(next)

		subs := make([]*subscription, len(b.subs))
		copy(subs, b.subs)
		onError := b.onError
		b.mu.Unlock()

		for _, s := range subs {
			if s.typ != "" && s.typ != next.Type {
				continue
			}
			b.invoke(s, next, onError)
		}

		b.mu.Lock()
	}
	b.dispatching = false
	b.mu.Unlock()
}

// invoke runs one handler, containing panics so the remaining subscribers
// still see the event.
func (b *Bus) invoke(s *subscription, evt event.Event, onError ErrorHandler) {
	defer func() {
		if r := recover(); r != nil {
			if onError != nil {
				onError(evt, r)
				return
			}
			slog.Error("bus subscriber panicked",
				"event_type", evt.Type, "recovered", r)
		}
	}()
	s.fn(evt)
}

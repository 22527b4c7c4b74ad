package device

import (
	"sync"
	"sync/atomic"
)

// Event is a reusable device-side completion token. Recording an event on a
// Stream marks it ready once every task submitted to that stream before the
// recording has run; Query reports readiness without blocking.
//
// An Event is not safe for concurrent use by multiple goroutines — only the
// goroutine that owns it (the one that recorded it, or the progress engine
// polling it on that owner's behalf) may call its methods. The pool that
// hands Events out, EventPool, is itself safe for concurrent use.
type Event struct {
	ready atomic.Bool
}

// Record enqueues a task on stream that marks the event ready once reached
// in stream order. Record resets the event first, so a single Event may be
// recorded many times across its pooled lifetime.
func (e *Event) Record(stream *Stream) {
	e.ready.Store(false)
	stream.Submit(func() {
		e.ready.Store(true)
	})
}

// Query reports whether the event has completed, without blocking.
func (e *Event) Query() bool {
	return e.ready.Load()
}

// reset prepares a pooled Event for reuse.
func (e *Event) reset() {
	e.ready.Store(false)
}

// EventPool reuses Events to avoid allocation on the hot path of issuing a
// non-blocking collective. Events are created lazily and there is no upper
// bound on how many may exist at once; destroying the pool abandons every
// pooled Event to the garbage collector.
type EventPool struct {
	pool sync.Pool
}

// NewEventPool creates an empty event pool.
func NewEventPool() *EventPool {
	return &EventPool{
		pool: sync.Pool{
			New: func() interface{} { return new(Event) },
		},
	}
}

// Get returns an Event ready to be recorded, either recycled from the pool
// or freshly allocated.
func (p *EventPool) Get() *Event {
	e := p.pool.Get().(*Event)
	e.reset()
	return e
}

// Put returns an Event to the pool. The caller must not use e again.
func (p *EventPool) Put(e *Event) {
	if e == nil {
		return
	}
	p.pool.Put(e)
}

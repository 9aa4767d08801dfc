// Package event is a small typed observer used for property and state change
// notifications.
//
// A Listener must be closed when its owner is torn down; after Close returns the
// callback is never invoked again.
package event

import (
	"sort"
	"sync"
)

// Event fans a value out to every registered listener
type Event[T any] struct {
	mu        sync.Mutex
	next      int
	listeners map[int]func(T)
}

// Listener is the handle returned by Listen
type Listener struct {
	once  sync.Once
	close func()
}

// Close unsubscribes the listener.  It is safe to call more than once.
func (l *Listener) Close() {
	if l == nil {
		return
	}
	l.once.Do(l.close)
}

// Listen registers fn to be called on every Fire
func (e *Event[T]) Listen(fn func(T)) *Listener {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.listeners == nil {
		e.listeners = make(map[int]func(T))
	}
	id := e.next
	e.next++
	e.listeners[id] = fn
	return &Listener{close: func() {
		e.mu.Lock()
		delete(e.listeners, id)
		e.mu.Unlock()
	}}
}

// Fire calls every listener with v.  Listeners are called outside the lock, in
// registration order, on the calling goroutine.
func (e *Event[T]) Fire(v T) {
	e.mu.Lock()
	ids := make([]int, 0, len(e.listeners))
	for id := range e.listeners {
		ids = append(ids, id)
	}
	fns := make([]func(T), 0, len(ids))
	sort.Ints(ids)
	for _, id := range ids {
		fns = append(fns, e.listeners[id])
	}
	e.mu.Unlock()
	for _, fn := range fns {
		fn(v)
	}
}

// Count returns the number of live listeners
func (e *Event[T]) Count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.listeners)
}

package backend

import (
	"sync"

	"github.com/google/uuid"
)

type listenerEntry struct {
	id string
	fn Listener
}

// Emitter keeps listeners per event name, keyed by subscription id.
// Handle implementations embed it.
type Emitter struct {
	mu        sync.RWMutex
	listeners map[EventName][]listenerEntry
}

// NewEmitter creates an empty emitter.
func NewEmitter() *Emitter {
	return &Emitter{listeners: make(map[EventName][]listenerEntry)}
}

// On registers fn for name and returns its subscription.
func (e *Emitter) On(name EventName, fn Listener) Subscription {
	sub := Subscription{Event: name, ID: uuid.NewString()}
	e.mu.Lock()
	e.listeners[name] = append(e.listeners[name], listenerEntry{id: sub.ID, fn: fn})
	e.mu.Unlock()
	return sub
}

// Off removes the listener registered under sub. It reports whether one was found.
func (e *Emitter) Off(sub Subscription) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	entries := e.listeners[sub.Event]
	for i, entry := range entries {
		if entry.id == sub.ID {
			e.listeners[sub.Event] = append(entries[:i:i], entries[i+1:]...)
			if len(e.listeners[sub.Event]) == 0 {
				delete(e.listeners, sub.Event)
			}
			return true
		}
	}
	return false
}

// Emit calls every listener of ev.Name in registration order.
// Listeners run outside the lock so they may call On/Off.
func (e *Emitter) Emit(ev Event) {
	e.mu.RLock()
	entries := append([]listenerEntry(nil), e.listeners[ev.Name]...)
	e.mu.RUnlock()
	for _, entry := range entries {
		entry.fn(ev)
	}
}

// Count returns the number of listeners attached for name.
func (e *Emitter) Count(name EventName) int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.listeners[name])
}

// Total returns the number of listeners across all names.
func (e *Emitter) Total() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	n := 0
	for _, entries := range e.listeners {
		n += len(entries)
	}
	return n
}

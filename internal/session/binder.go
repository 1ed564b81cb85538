// Package session keeps exactly one live backend handle and re-attaches the
// runtime's listener set every time the handle is replaced.
package session

import (
	"errors"
	"fmt"

	"unicorn/internal/backend"
)

// ErrAlreadyBound is returned when Bind is called twice without Unbind.
var ErrAlreadyBound = errors.New("listeners already bound")

// BindingEvents is the fixed set of events the runtime listens to, in bind
// order.
var BindingEvents = []backend.EventName{
	backend.EventMessagesUpsert,
	backend.EventMessagesUpdate,
	backend.EventParticipantsUpdate,
	backend.EventGroupsUpdate,
	backend.EventMessageDelete,
	backend.EventPresenceUpdate,
	backend.EventConnectionUpdate,
	backend.EventCredsUpdate,
}

// Bindings maps each of BindingEvents to its listener.
type Bindings map[backend.EventName]backend.Listener

// Validate checks that b covers BindingEvents exactly.
func (b Bindings) Validate() error {
	for _, name := range BindingEvents {
		if b[name] == nil {
			return fmt.Errorf("no listener for %s", name)
		}
	}
	if len(b) != len(BindingEvents) {
		return fmt.Errorf("bindings has %d listeners, want %d", len(b), len(BindingEvents))
	}
	return nil
}

// Binder attaches Bindings to one handle at a time and remembers the
// subscriptions it got back, so Unbind detaches exactly what Bind attached.
type Binder struct {
	bindings    Bindings
	handle      backend.Handle
	subs        []backend.Subscription
	initialized bool
}

// NewBinder returns a binder for a validated binding set.
func NewBinder(b Bindings) (*Binder, error) {
	if err := b.Validate(); err != nil {
		return nil, err
	}
	return &Binder{bindings: b}, nil
}

// Bind attaches every listener to h.
func (b *Binder) Bind(h backend.Handle) error {
	if b.initialized {
		return ErrAlreadyBound
	}
	subs := make([]backend.Subscription, 0, len(BindingEvents))
	for _, name := range BindingEvents {
		subs = append(subs, h.On(name, b.bindings[name]))
	}
	b.handle = h
	b.subs = subs
	b.initialized = true
	return nil
}

// Unbind detaches every subscription from the bound handle. It returns the
// number of listeners removed.
func (b *Binder) Unbind() int {
	if !b.initialized {
		return 0
	}
	removed := 0
	for _, sub := range b.subs {
		if b.handle.Off(sub) {
			removed++
		}
	}
	b.handle = nil
	b.subs = nil
	b.initialized = false
	return removed
}

// Bound reports whether listeners are attached to a handle.
func (b *Binder) Bound() bool { return b.initialized }

// Handle returns the handle listeners are attached to, or nil.
func (b *Binder) Handle() backend.Handle { return b.handle }

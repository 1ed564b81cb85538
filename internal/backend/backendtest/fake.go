// Package backendtest provides in-memory handles and dialers for tests.
package backendtest

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"

	"unicorn/internal/backend"
)

// Handle is an in-memory backend.Handle. Events are pushed with Emit once
// Start has been called; earlier emissions are queued.
type Handle struct {
	*backend.Emitter

	id    string
	carry backend.Carry

	mu      sync.Mutex
	started bool
	closed  bool
	queued  []backend.Event
	user    *backend.User
	chats   []backend.ChatMeta
	sent    []backend.Outgoing
}

// NewHandle creates a handle seeded with carry.
func NewHandle(carry backend.Carry) *Handle {
	return &Handle{
		Emitter: backend.NewEmitter(),
		id:      uuid.NewString(),
		carry:   carry,
		chats:   append([]backend.ChatMeta(nil), carry.Chats...),
	}
}

func (h *Handle) ID() string { return h.id }

// Carry returns what the handle was dialed with.
func (h *Handle) Carry() backend.Carry { return h.carry }

func (h *Handle) Start() {
	h.mu.Lock()
	if h.started {
		h.mu.Unlock()
		return
	}
	h.started = true
	queued := h.queued
	h.queued = nil
	h.mu.Unlock()

	for _, ev := range queued {
		h.Emitter.Emit(ev)
	}
}

// Started reports whether Start was called.
func (h *Handle) Started() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.started
}

// Emit delivers ev, stamped with this handle's id, or queues it until Start.
func (h *Handle) Emit(ev backend.Event) {
	ev.HandleID = h.id
	h.mu.Lock()
	if !h.started {
		h.queued = append(h.queued, ev)
		h.mu.Unlock()
		return
	}
	h.mu.Unlock()
	h.Emitter.Emit(ev)
}

// EmitConnection is a shortcut for a connection.update event.
func (h *Handle) EmitConnection(u backend.ConnectionUpdate) {
	h.Emit(backend.Event{Name: backend.EventConnectionUpdate, Connection: &u})
}

// EmitClose emits a close update with the given reason.
func (h *Handle) EmitClose(r backend.Reason) {
	h.EmitConnection(backend.ConnectionUpdate{
		Connection:     backend.StateClose,
		LastDisconnect: &backend.Disconnect{Code: int(r), HasCode: true},
	})
}

// SetUser sets what User returns.
func (h *Handle) SetUser(u *backend.User) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.user = u
}

// SetChats replaces the chat cache.
func (h *Handle) SetChats(chats []backend.ChatMeta) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.chats = chats
}

func (h *Handle) Chats() []backend.ChatMeta {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]backend.ChatMeta(nil), h.chats...)
}

func (h *Handle) User() *backend.User {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.user
}

func (h *Handle) Send(_ context.Context, msg backend.Outgoing) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return errors.New("handle closed")
	}
	h.sent = append(h.sent, msg)
	return nil
}

// Sent returns every message passed to Send.
func (h *Handle) Sent() []backend.Outgoing {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]backend.Outgoing(nil), h.sent...)
}

func (h *Handle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	return nil
}

// Closed reports whether Close was called.
func (h *Handle) Closed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

// Dialer hands out Handles and records them. Fail makes the next dials
// return an error.
type Dialer struct {
	mu      sync.Mutex
	handles []*Handle
	configs []backend.DialConfig
	fail    int
	dialed  chan *Handle
}

// NewDialer creates a dialer. Each dialed handle is also sent on Dialed.
func NewDialer() *Dialer {
	return &Dialer{dialed: make(chan *Handle, 64)}
}

// ErrDial is returned by a Dialer told to fail.
var ErrDial = errors.New("backendtest: dial refused")

func (d *Dialer) Dial(_ context.Context, cfg backend.DialConfig, carry backend.Carry) (backend.Handle, error) {
	d.mu.Lock()
	d.configs = append(d.configs, cfg)
	if d.fail > 0 {
		d.fail--
		d.mu.Unlock()
		return nil, ErrDial
	}
	h := NewHandle(carry)
	d.handles = append(d.handles, h)
	d.mu.Unlock()

	select {
	case d.dialed <- h:
	default:
	}
	return h, nil
}

// Fail makes the next n dials fail.
func (d *Dialer) Fail(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fail = n
}

// Dialed delivers every handle as it is created.
func (d *Dialer) Dialed() <-chan *Handle { return d.dialed }

// Handles returns every handle dialed so far.
func (d *Dialer) Handles() []*Handle {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*Handle(nil), d.handles...)
}

// Attempts returns the number of Dial calls, including failed ones.
func (d *Dialer) Attempts() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.configs)
}

// Last returns the most recent handle, or nil.
func (d *Dialer) Last() *Handle {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.handles) == 0 {
		return nil
	}
	return d.handles[len(d.handles)-1]
}

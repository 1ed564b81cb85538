package session

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"unicorn/internal/backend"
	"unicorn/internal/logging"
)

// ErrNoHandle is returned by operations that need a current handle.
var ErrNoHandle = errors.New("no current connection")

// Session owns the current handle. Like the reconnect scheduler it is
// driven from the runtime loop only.
type Session struct {
	dialer backend.Dialer
	cfg    backend.DialConfig
	binder *Binder
	log    *zap.SugaredLogger

	current backend.Handle
	carry   backend.Carry
	dials   int
}

// New creates a session that dials with cfg and binds bindings to every
// handle it creates.
func New(d backend.Dialer, cfg backend.DialConfig, bindings Bindings) (*Session, error) {
	binder, err := NewBinder(bindings)
	if err != nil {
		return nil, err
	}
	return &Session{
		dialer: d,
		cfg:    cfg,
		binder: binder,
		log:    logging.Get(logging.CategorySession),
	}, nil
}

// Connect dials the first handle. seed is the chat metadata restored from
// the store.
func (s *Session) Connect(ctx context.Context, seed backend.Carry) error {
	if s.current != nil {
		return fmt.Errorf("session already connected (handle %s)", s.current.ID())
	}
	s.carry = seed
	return s.establish(ctx)
}

// Reconnect tears down the current handle and replaces it with a new one
// carrying the old handle's chat metadata. On a dial failure no handle is
// current and the error is returned.
func (s *Session) Reconnect(ctx context.Context) error {
	s.teardown()
	return s.establish(ctx)
}

func (s *Session) teardown() {
	old := s.current
	if old == nil {
		return
	}
	s.current = nil

	// Read the cache before closing; a closed handle may drop it.
	if chats := old.Chats(); len(chats) > 0 {
		s.carry = backend.Carry{Chats: chats}
	}
	if err := old.Close(); err != nil {
		s.log.Debugw("closing previous handle", "handle", old.ID(), "error", err)
	}
	removed := s.binder.Unbind()
	s.log.Debugw("previous handle torn down", "handle", old.ID(), "listeners_removed", removed)
}

func (s *Session) establish(ctx context.Context) error {
	s.dials++
	h, err := s.dialer.Dial(ctx, s.cfg, s.carry)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	if err := s.binder.Bind(h); err != nil {
		h.Close()
		return fmt.Errorf("bind: %w", err)
	}
	s.current = h
	h.Start()
	s.log.Infow("handle bound", "handle", h.ID(), "dial", s.dials, "chats", len(s.carry.Chats))
	return nil
}

// Current returns the current handle or nil.
func (s *Session) Current() backend.Handle { return s.current }

// IsCurrent reports whether id names the current handle.
func (s *Session) IsCurrent(id string) bool {
	return s.current != nil && s.current.ID() == id
}

// Chats returns the chat metadata of the current handle, or the last
// carried metadata when disconnected.
func (s *Session) Chats() []backend.ChatMeta {
	if s.current != nil {
		return s.current.Chats()
	}
	return s.carry.Chats
}

// Send sends through the current handle.
func (s *Session) Send(ctx context.Context, msg backend.Outgoing) error {
	if s.current == nil {
		return ErrNoHandle
	}
	return s.current.Send(ctx, msg)
}

// Dials returns how many handles have been dialed.
func (s *Session) Dials() int { return s.dials }

// Close tears down the current handle for shutdown.
func (s *Session) Close() {
	s.teardown()
}

package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeTimeout = 10 * time.Second

	// Close codes in the 4000 range carry a Reason: 4000 + code.
	reasonCloseBase = 4000
)

// frame is the JSON envelope exchanged with the session relay.
type frame struct {
	Type  string          `json:"type,omitempty"`
	Event EventName       `json:"event,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type helloFrame struct {
	Type          string          `json:"type"`
	Creds         json.RawMessage `json:"creds,omitempty"`
	Browser       []string        `json:"browser,omitempty"`
	QR            bool            `json:"qr,omitempty"`
	PairingNumber string          `json:"pairingNumber,omitempty"`
	Chats         []ChatMeta      `json:"chats,omitempty"`
}

type sendFrame struct {
	Type string `json:"type"`
	Outgoing
}

// WSDialer dials handles over a websocket relay.
type WSDialer struct {
	Dialer *websocket.Dialer
}

// NewWSDialer returns a dialer using websocket.DefaultDialer.
func NewWSDialer() *WSDialer {
	return &WSDialer{Dialer: websocket.DefaultDialer}
}

// Dial connects, sends the hello frame and returns a handle that delivers
// nothing until Start is called.
func (d *WSDialer) Dial(ctx context.Context, cfg DialConfig, carry Carry) (Handle, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	if cfg.DialTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.DialTimeout)
		defer cancel()
	}

	header := http.Header{}
	if len(cfg.Browser) > 0 {
		header.Set("User-Agent", strings.TrimSpace(strings.Join(cfg.Browser, " ")))
	}

	conn, _, err := dialer.DialContext(ctx, cfg.URL, header)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", cfg.URL, err)
	}

	h := newWSHandle(conn, cfg, carry)
	hello := helloFrame{
		Type:          "hello",
		Creds:         cfg.Credentials,
		Browser:       cfg.Browser,
		QR:            cfg.PrintQR,
		PairingNumber: cfg.PairingNumber,
		Chats:         carry.Chats,
	}
	if err := h.writeJSON(hello); err != nil {
		conn.Close()
		return nil, fmt.Errorf("send hello: %w", err)
	}
	return h, nil
}

// wsHandle is a Handle backed by one websocket connection.
type wsHandle struct {
	*Emitter

	id   string
	conn *websocket.Conn
	cfg  DialConfig

	writeMu sync.Mutex // serialises all conn writes

	mu     sync.Mutex
	chats  map[string]ChatMeta
	user   *User
	closed bool

	startOnce sync.Once
	closeOnce sync.Once
	ctx       context.Context
	cancel    context.CancelFunc
}

func newWSHandle(conn *websocket.Conn, cfg DialConfig, carry Carry) *wsHandle {
	ctx, cancel := context.WithCancel(context.Background())
	h := &wsHandle{
		Emitter: NewEmitter(),
		id:      uuid.NewString(),
		conn:    conn,
		cfg:     cfg,
		chats:   make(map[string]ChatMeta, len(carry.Chats)),
		ctx:     ctx,
		cancel:  cancel,
	}
	for _, c := range carry.Chats {
		h.chats[c.ID] = c
	}
	return h
}

func (h *wsHandle) ID() string { return h.id }

func (h *wsHandle) Start() {
	h.startOnce.Do(func() {
		h.Emit(Event{
			Name:       EventConnectionUpdate,
			HandleID:   h.id,
			Connection: &ConnectionUpdate{Connection: StateConnecting},
		})
		go h.readLoop()
		if h.cfg.PingInterval > 0 {
			go h.pingLoop()
		}
	})
}

func (h *wsHandle) Chats() []ChatMeta {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]ChatMeta, 0, len(h.chats))
	for _, c := range h.chats {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (h *wsHandle) User() *User {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.user == nil {
		return nil
	}
	u := *h.user
	return &u
}

func (h *wsHandle) Send(ctx context.Context, msg Outgoing) error {
	if h.isClosed() {
		return errors.New("handle closed")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return h.writeJSON(sendFrame{Type: "send", Outgoing: msg})
}

// Close closes the transport. Listeners are left to the caller to detach.
func (h *wsHandle) Close() error {
	var err error
	h.closeOnce.Do(func() {
		h.mu.Lock()
		h.closed = true
		h.mu.Unlock()
		h.cancel()

		h.writeMu.Lock()
		_ = h.conn.SetWriteDeadline(time.Now().Add(time.Second))
		_ = h.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client closing"))
		h.writeMu.Unlock()
		err = h.conn.Close()
	})
	return err
}

func (h *wsHandle) isClosed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

func (h *wsHandle) writeJSON(v interface{}) error {
	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	_ = h.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return h.conn.WriteJSON(v)
}

func (h *wsHandle) readLoop() {
	if h.cfg.PongTimeout > 0 {
		h.conn.SetPongHandler(func(string) error {
			return h.conn.SetReadDeadline(time.Now().Add(h.cfg.PongTimeout))
		})
		_ = h.conn.SetReadDeadline(time.Now().Add(h.cfg.PongTimeout))
	}

	for {
		_, data, err := h.conn.ReadMessage()
		if err != nil {
			if h.isClosed() {
				return
			}
			h.cancel()
			h.conn.Close()
			d := disconnectFromError(err)
			h.Emit(Event{
				Name:     EventConnectionUpdate,
				HandleID: h.id,
				Connection: &ConnectionUpdate{
					Connection:     StateClose,
					LastDisconnect: &d,
				},
			})
			return
		}

		var f frame
		if err := json.Unmarshal(data, &f); err != nil || f.Event == "" {
			continue
		}
		h.deliver(f)
	}
}

func (h *wsHandle) deliver(f frame) {
	ev := Event{Name: f.Event, HandleID: h.id, Data: f.Data}

	switch f.Event {
	case EventConnectionUpdate:
		var u ConnectionUpdate
		if err := json.Unmarshal(f.Data, &u); err != nil {
			return
		}
		if u.User != nil {
			h.mu.Lock()
			user := *u.User
			h.user = &user
			h.mu.Unlock()
		}
		ev.Connection = &u
	case EventGroupsUpdate:
		var groups []ChatMeta
		if err := json.Unmarshal(f.Data, &groups); err == nil {
			now := time.Now()
			h.mu.Lock()
			for _, g := range groups {
				if g.ID == "" {
					continue
				}
				if g.UpdatedAt.IsZero() {
					g.UpdatedAt = now
				}
				h.chats[g.ID] = g
			}
			h.mu.Unlock()
		}
	}

	h.Emit(ev)
}

// pingLoop keeps the connection alive until the handle is closed.
func (h *wsHandle) pingLoop() {
	ticker := time.NewTicker(h.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-h.ctx.Done():
			return
		case <-ticker.C:
			h.writeMu.Lock()
			_ = h.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			err := h.conn.WriteMessage(websocket.PingMessage, nil)
			h.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// disconnectFromError maps a read error onto a disconnect reason.
func disconnectFromError(err error) Disconnect {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		switch {
		case ce.Code == reasonCloseBase:
			return Disconnect{Message: ce.Text}
		case ce.Code > reasonCloseBase && ce.Code < reasonCloseBase+1000:
			return Disconnect{Code: ce.Code - reasonCloseBase, HasCode: true, Message: ce.Text}
		case ce.Code == websocket.CloseNoStatusReceived:
			return Disconnect{Message: "closed without status"}
		case ce.Code == websocket.CloseNormalClosure, ce.Code == websocket.CloseGoingAway:
			return Disconnect{Code: int(ReasonConnectionClosed), HasCode: true, Message: ce.Text}
		default:
			return Disconnect{Code: int(ReasonConnectionLost), HasCode: true, Message: ce.Error()}
		}
	}

	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return Disconnect{Code: int(ReasonTimedOut), HasCode: true, Message: err.Error()}
	}
	return Disconnect{Code: int(ReasonConnectionLost), HasCode: true, Message: err.Error()}
}

// Package backend defines the boundary to the messaging session library: how
// a connection handle is dialed, how listeners attach to it, and the
// disconnect reason codes the reconnect policy classifies.
package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// EventName identifies a stream of events emitted by a Handle.
type EventName string

const (
	EventMessagesUpsert     EventName = "messages.upsert"
	EventMessagesUpdate     EventName = "messages.update"
	EventParticipantsUpdate EventName = "group-participants.update"
	EventGroupsUpdate       EventName = "groups.update"
	EventMessageDelete      EventName = "message.delete"
	EventPresenceUpdate     EventName = "presence.update"
	EventConnectionUpdate   EventName = "connection.update"
	EventCredsUpdate        EventName = "creds.update"
)

// Reason is a disconnect code reported by the session library.
type Reason int

const (
	ReasonLoggedOut          Reason = 401
	ReasonForbidden          Reason = 403
	ReasonConnectionLost     Reason = 408
	ReasonConnectionClosed   Reason = 428
	ReasonConnectionReplaced Reason = 440
	ReasonBadSession         Reason = 500
	ReasonTimedOut           Reason = 504
	ReasonRestartRequired    Reason = 515
)

func (r Reason) String() string {
	switch r {
	case ReasonLoggedOut:
		return "logged_out"
	case ReasonForbidden:
		return "forbidden"
	case ReasonConnectionLost:
		return "connection_lost"
	case ReasonConnectionClosed:
		return "connection_closed"
	case ReasonConnectionReplaced:
		return "connection_replaced"
	case ReasonBadSession:
		return "bad_session"
	case ReasonTimedOut:
		return "timed_out"
	case ReasonRestartRequired:
		return "restart_required"
	default:
		return fmt.Sprintf("code_%d", int(r))
	}
}

// ConnectionState is the coarse state carried by connection.update.
type ConnectionState string

const (
	StateConnecting ConnectionState = "connecting"
	StateOpen       ConnectionState = "open"
	StateClose      ConnectionState = "close"
)

// Disconnect describes why a connection closed.
type Disconnect struct {
	Code    int    `json:"code,omitempty"`
	HasCode bool   `json:"-"`
	Message string `json:"message,omitempty"`
}

// UnmarshalJSON records whether a code was present at all.
func (d *Disconnect) UnmarshalJSON(b []byte) error {
	var raw struct {
		Code    *int   `json:"code"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	d.Message = raw.Message
	d.HasCode = raw.Code != nil && *raw.Code != 0
	if d.HasCode {
		d.Code = *raw.Code
	}
	return nil
}

// ConnectionUpdate is the payload of a connection.update event.
type ConnectionUpdate struct {
	Connection     ConnectionState `json:"connection,omitempty"`
	LastDisconnect *Disconnect     `json:"lastDisconnect,omitempty"`
	IsNewLogin     bool            `json:"isNewLogin,omitempty"`
	QR             string          `json:"qr,omitempty"`
	User           *User           `json:"user,omitempty"`
}

// Event is one emission from a Handle.
type Event struct {
	Name       EventName
	HandleID   string
	Data       json.RawMessage
	Connection *ConnectionUpdate
}

// Listener receives events for one event name.
type Listener func(Event)

// Subscription is the token returned by Handle.On; passing it to Off
// detaches exactly that listener.
type Subscription struct {
	Event EventName
	ID    string
}

// ChatMeta is cached chat metadata carried across reconnects.
type ChatMeta struct {
	ID           string    `json:"id"`
	Subject      string    `json:"subject,omitempty"`
	Participants int       `json:"participants,omitempty"`
	UpdatedAt    time.Time `json:"updatedAt,omitempty"`
}

// Carry is the state handed from an old handle to its replacement.
type Carry struct {
	Chats []ChatMeta
}

// User is the account the session is logged in as.
type User struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// Outgoing is a text message to send.
type Outgoing struct {
	Chat     string   `json:"chat"`
	Text     string   `json:"text"`
	Mentions []string `json:"mentions,omitempty"`
}

// DialConfig is the stored connection configuration reused on every dial.
type DialConfig struct {
	URL           string
	Credentials   json.RawMessage
	Browser       []string
	DialTimeout   time.Duration
	PingInterval  time.Duration
	PongTimeout   time.Duration
	PrintQR       bool
	PairingNumber string
}

// Handle is one live session instance. It is never reused after Close.
type Handle interface {
	ID() string
	On(name EventName, fn Listener) Subscription
	Off(sub Subscription) bool
	// Start begins event delivery; listeners bound before Start see every event.
	Start()
	Chats() []ChatMeta
	User() *User
	Send(ctx context.Context, msg Outgoing) error
	Close() error
}

// Dialer creates handles.
type Dialer interface {
	Dial(ctx context.Context, cfg DialConfig, carry Carry) (Handle, error)
}

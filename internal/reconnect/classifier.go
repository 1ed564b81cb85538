// Package reconnect decides what to do when the session connection closes
// and owns the single pending reconnect timer.
package reconnect

import (
	"fmt"
	"time"

	"unicorn/internal/backend"
)

// Action is the kind of decision the classifier reached.
type Action int

const (
	ActionUnclassified Action = iota
	ActionFatal
	ActionRestart
	ActionBackoff
)

func (a Action) String() string {
	switch a {
	case ActionFatal:
		return "fatal"
	case ActionRestart:
		return "restart"
	case ActionBackoff:
		return "backoff"
	default:
		return "unclassified"
	}
}

// Signal is the code/reason pair accompanying a closed connection.
type Signal struct {
	Code    int
	HasCode bool
	Reason  string
}

// SignalFrom converts a backend disconnect into a Signal. A nil disconnect
// carries no code.
func SignalFrom(d *backend.Disconnect) Signal {
	if d == nil {
		return Signal{}
	}
	return Signal{Code: d.Code, HasCode: d.HasCode, Reason: d.Message}
}

func (s Signal) String() string {
	if !s.HasCode {
		return "no code"
	}
	return fmt.Sprintf("%d (%s)", s.Code, backend.Reason(s.Code))
}

// Policy holds the tunables of the classifier.
type Policy struct {
	MaxAttempts  int
	BaseDelay    time.Duration
	RestartDelay time.Duration
	TimeoutDelay time.Duration
}

// DefaultPolicy returns 5 attempts, 3s linear backoff, 3s restart and 2s
// timeout delays.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:  5,
		BaseDelay:    3 * time.Second,
		RestartDelay: 3 * time.Second,
		TimeoutDelay: 2 * time.Second,
	}
}

// NextDelay returns the backoff delay for attempt n. Growth is linear.
func (p Policy) NextDelay(n int) time.Duration {
	return p.BaseDelay * time.Duration(n)
}

// Verdict is the classifier's decision for one Signal.
type Verdict struct {
	Action Action
	// Attempt is the attempt number a Backoff verdict schedules.
	Attempt     int
	Delay       time.Duration
	Code        int
	Explanation string
	Hints       []string
}

// Retry reports whether the verdict schedules a reconnect.
func (v Verdict) Retry() bool {
	return v.Action == ActionRestart || v.Action == ActionBackoff
}

var (
	hintsLoggedOut = []string{
		"delete the session directory",
		"generate a new SESSION_ID",
		"restart the bot",
	}
	hintsBadSession = []string{
		"the stored credentials are corrupt",
		"delete the session directory and generate a new SESSION_ID",
	}
	hintsReplaced = []string{
		"another client opened this session",
		"close the other instance or log out other devices",
	}
	hintsMaxAttempts = []string{
		"check network connectivity and the backend URL",
		"restart the bot once the backend is reachable",
	}
	hintsAuth = []string{
		"regenerate SESSION_ID",
		"make sure the session belongs to this number",
	}
)

// Classify maps a disconnect signal to a verdict. attempts is the number of
// backoff reconnects already made since the last successful open.
func Classify(sig Signal, attempts int, p Policy) Verdict {
	v := Verdict{Code: sig.Code}

	if sig.HasCode {
		switch backend.Reason(sig.Code) {
		case backend.ReasonLoggedOut:
			v.Action = ActionFatal
			v.Explanation = "logged out: the session was terminated on the device"
			v.Hints = hintsLoggedOut
			return v
		case backend.ReasonBadSession:
			v.Action = ActionFatal
			v.Explanation = "bad session: stored credentials were rejected"
			v.Hints = hintsBadSession
			return v
		case backend.ReasonConnectionReplaced:
			v.Action = ActionFatal
			v.Explanation = "connection replaced by another session"
			v.Hints = hintsReplaced
			return v
		case backend.ReasonRestartRequired:
			v.Action = ActionRestart
			v.Delay = p.RestartDelay
			v.Explanation = "restart required by the backend"
			return v
		case backend.ReasonConnectionClosed, backend.ReasonConnectionLost:
			if attempts >= p.MaxAttempts {
				v.Action = ActionFatal
				v.Explanation = fmt.Sprintf("max reconnection attempts reached (%d)", p.MaxAttempts)
				v.Hints = hintsMaxAttempts
				return v
			}
			v.Action = ActionBackoff
			v.Attempt = attempts + 1
			v.Delay = p.NextDelay(v.Attempt)
			v.Explanation = fmt.Sprintf("%s, reconnect attempt %d/%d", backend.Reason(sig.Code), v.Attempt, p.MaxAttempts)
			return v
		case backend.ReasonTimedOut:
			v.Action = ActionRestart
			v.Delay = p.TimeoutDelay
			v.Explanation = "connection timed out"
			return v
		}
	}

	if !sig.HasCode || backend.Reason(sig.Code) == backend.ReasonForbidden {
		v.Action = ActionFatal
		v.Explanation = "authentication failed, regenerate credentials"
		v.Hints = hintsAuth
		return v
	}

	v.Action = ActionUnclassified
	v.Explanation = fmt.Sprintf("unhandled disconnect code %d", sig.Code)
	return v
}

// FatalError is a verdict that must not be retried automatically.
type FatalError struct {
	Verdict Verdict
}

func (e *FatalError) Error() string {
	return "fatal session error: " + e.Verdict.Explanation
}

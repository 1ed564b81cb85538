// Package clock lets time-driven code run against either the wall clock
// or a manually advanced one in tests.
package clock

import "time"

// Clock is the subset of the time package the runtime depends on.
type Clock interface {
	Now() time.Time
	// AfterFunc calls f in its own goroutine after d (Real) or during
	// Advance (Fake).
	AfterFunc(d time.Duration, f func()) *Timer
	// NewTicker panics if d <= 0.
	NewTicker(d time.Duration) *Ticker
}

// Timer is a pending AfterFunc call.
type Timer struct {
	stop func() bool
}

// Stop cancels the call. It returns false if the call already happened
// or was stopped before.
func (t *Timer) Stop() bool { return t.stop() }

// Ticker delivers ticks on C; slow readers lose ticks.
type Ticker struct {
	C    <-chan time.Time
	stop func()
}

// Stop turns the ticker off. C is not closed.
func (t *Ticker) Stop() { t.stop() }

// Real returns a Clock backed by the time package.
func Real() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) *Timer {
	t := time.AfterFunc(d, f)
	return &Timer{stop: t.Stop}
}

func (realClock) NewTicker(d time.Duration) *Ticker {
	t := time.NewTicker(d)
	return &Ticker{C: t.C, stop: t.Stop}
}

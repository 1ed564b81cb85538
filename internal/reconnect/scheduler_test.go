package reconnect

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"unicorn/internal/backend"
	"unicorn/internal/clock"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// harness drives a scheduler the way the runtime loop does: every fire
// is checked against Fire before counting as a reconnect.
type harness struct {
	clock      *clock.Fake
	sched      *Scheduler
	reconnects int
}

func newHarness(p Policy) *harness {
	h := &harness{clock: clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))}
	h.sched = NewScheduler(p, h.clock, func(gen uint64) {
		if h.sched.Fire(gen) {
			h.reconnects++
		}
	})
	return h
}

func TestScheduler_RestartFiresAfterDelay(t *testing.T) {
	h := newHarness(DefaultPolicy())

	v := h.sched.OnClose(code(backend.ReasonRestartRequired))
	require.Equal(t, ActionRestart, v.Action)
	_, pending := h.sched.Pending()
	assert.True(t, pending)

	h.clock.Advance(2999 * time.Millisecond)
	assert.Equal(t, 0, h.reconnects)
	h.clock.Advance(time.Millisecond)
	assert.Equal(t, 1, h.reconnects)
	assert.Equal(t, 0, h.sched.Attempts(), "restart does not count as an attempt")

	_, pending = h.sched.Pending()
	assert.False(t, pending)
}

func TestScheduler_MaxAttemptsThenFatal(t *testing.T) {
	p := DefaultPolicy()
	h := newHarness(p)

	for i := 1; i <= p.MaxAttempts; i++ {
		v := h.sched.OnClose(code(backend.ReasonConnectionLost))
		require.Equal(t, ActionBackoff, v.Action, "attempt %d", i)
		assert.Equal(t, i, v.Attempt)
		h.clock.Advance(v.Delay)
	}
	assert.Equal(t, p.MaxAttempts, h.reconnects)

	v := h.sched.OnClose(code(backend.ReasonConnectionLost))
	assert.Equal(t, ActionFatal, v.Action)
	assert.Equal(t, 0, h.clock.Pending())
}

func TestScheduler_OpenResetsAttempts(t *testing.T) {
	h := newHarness(DefaultPolicy())

	for i := 0; i < 2; i++ {
		v := h.sched.OnClose(code(backend.ReasonConnectionClosed))
		h.clock.Advance(v.Delay)
	}
	require.Equal(t, 2, h.sched.Attempts())

	h.sched.OnOpen()
	assert.Equal(t, 0, h.sched.Attempts())

	v := h.sched.OnClose(code(backend.ReasonConnectionClosed))
	assert.Equal(t, 1, v.Attempt)
	assert.Equal(t, 3*time.Second, v.Delay, "delay is attempt-1 backoff, not attempt-3")
}

func TestScheduler_SecondTimerCancelsFirst(t *testing.T) {
	h := newHarness(DefaultPolicy())

	h.sched.OnClose(code(backend.ReasonConnectionClosed)) // 3s
	h.sched.OnClose(code(backend.ReasonTimedOut))         // 2s, replaces the first
	assert.Equal(t, 1, h.clock.Pending())

	h.clock.Advance(10 * time.Second)
	assert.Equal(t, 1, h.reconnects)
}

func TestScheduler_StaleFireIgnored(t *testing.T) {
	h := newHarness(DefaultPolicy())

	h.sched.OnClose(code(backend.ReasonRestartRequired))
	staleGen := h.sched.gen
	h.sched.OnClose(code(backend.ReasonRestartRequired))

	assert.False(t, h.sched.Fire(staleGen))
	assert.True(t, h.sched.Fire(h.sched.gen))
	assert.False(t, h.sched.Fire(h.sched.gen), "a generation fires once")
}

func TestScheduler_FatalCancelsPendingAndStaysUsable(t *testing.T) {
	h := newHarness(DefaultPolicy())

	h.sched.OnClose(code(backend.ReasonConnectionClosed))
	v := h.sched.OnClose(code(backend.ReasonLoggedOut))
	assert.Equal(t, ActionFatal, v.Action)
	assert.Equal(t, 0, h.clock.Pending())

	h.clock.Advance(time.Minute)
	assert.Equal(t, 0, h.reconnects)

	v = h.sched.OnClose(code(backend.ReasonRestartRequired))
	assert.Equal(t, ActionRestart, v.Action)
	h.clock.Advance(v.Delay)
	assert.Equal(t, 1, h.reconnects)
}

func TestScheduler_UnclassifiedLeavesTimer(t *testing.T) {
	h := newHarness(DefaultPolicy())

	h.sched.OnClose(code(backend.ReasonRestartRequired))
	v := h.sched.OnClose(Signal{Code: 999, HasCode: true})
	assert.Equal(t, ActionUnclassified, v.Action)

	h.clock.Advance(3 * time.Second)
	assert.Equal(t, 1, h.reconnects)
}

func TestScheduler_OpenCancelsPending(t *testing.T) {
	h := newHarness(DefaultPolicy())

	h.sched.OnClose(code(backend.ReasonConnectionClosed))
	h.sched.OnOpen()
	h.clock.Advance(time.Minute)
	assert.Equal(t, 0, h.reconnects)
}

func TestScheduler_StopPreventsArming(t *testing.T) {
	h := newHarness(DefaultPolicy())

	h.sched.OnClose(code(backend.ReasonConnectionClosed))
	h.sched.Stop()
	h.sched.OnClose(code(backend.ReasonRestartRequired))

	assert.Equal(t, 0, h.clock.Pending())
	h.clock.Advance(time.Minute)
	assert.Equal(t, 0, h.reconnects)
}

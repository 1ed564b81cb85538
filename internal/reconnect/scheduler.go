package reconnect

import (
	"go.uber.org/zap"

	"unicorn/internal/clock"
	"unicorn/internal/logging"
)

// FireFunc is called from the timer goroutine when a reconnect timer
// expires. The owner forwards gen to its event loop and calls Fire there.
type FireFunc func(gen uint64)

// Scheduler owns the attempt counter and the single pending reconnect
// timer. It is not safe for concurrent use: one goroutine (the runtime
// loop) calls every method.
type Scheduler struct {
	policy Policy
	clock  clock.Clock
	notify FireFunc
	log    *zap.SugaredLogger

	attempts int
	gen      uint64
	timer    *clock.Timer
	armed    Verdict
	stopped  bool
}

// NewScheduler creates a scheduler. notify must not block.
func NewScheduler(p Policy, c clock.Clock, notify FireFunc) *Scheduler {
	if c == nil {
		c = clock.Real()
	}
	return &Scheduler{
		policy: p,
		clock:  c,
		notify: notify,
		log:    logging.Get(logging.CategoryReconnect),
	}
}

// OnClose classifies sig and arms, cancels or leaves the timer alone
// according to the verdict.
func (s *Scheduler) OnClose(sig Signal) Verdict {
	v := Classify(sig, s.attempts, s.policy)

	switch v.Action {
	case ActionFatal:
		s.cancel()
		s.log.Errorw("connection closed permanently",
			"code", sig.Code, "has_code", sig.HasCode, "reason", sig.Reason,
			"explanation", v.Explanation, "hints", v.Hints)
	case ActionRestart, ActionBackoff:
		if v.Action == ActionBackoff {
			s.attempts = v.Attempt
		}
		s.arm(v)
		s.log.Infow("reconnect scheduled",
			"action", v.Action.String(), "code", sig.Code,
			"attempt", v.Attempt, "delay", v.Delay, "generation", s.gen)
	default:
		s.log.Warnw("unclassified disconnect, not reconnecting",
			"code", sig.Code, "reason", sig.Reason)
	}
	return v
}

// OnOpen resets the attempt counter and drops any pending timer.
func (s *Scheduler) OnOpen() {
	if s.attempts > 0 {
		s.log.Infow("connection restored", "after_attempts", s.attempts)
	}
	s.attempts = 0
	s.cancel()
}

// Fire consumes the timer of generation gen. It returns false when gen
// was superseded or cancelled, in which case the caller must not
// reconnect.
func (s *Scheduler) Fire(gen uint64) bool {
	if s.stopped || s.timer == nil || gen != s.gen {
		s.log.Debugw("stale reconnect timer ignored", "generation", gen, "current", s.gen)
		return false
	}
	s.timer = nil
	return true
}

// Stop cancels the pending timer; later OnClose calls classify but never
// arm.
func (s *Scheduler) Stop() {
	s.stopped = true
	s.cancel()
}

// Attempts returns the backoff attempts made since the last open.
func (s *Scheduler) Attempts() int { return s.attempts }

// Pending returns the armed verdict, if a timer is pending.
func (s *Scheduler) Pending() (Verdict, bool) {
	if s.timer == nil {
		return Verdict{}, false
	}
	return s.armed, true
}

func (s *Scheduler) arm(v Verdict) {
	s.cancel()
	if s.stopped {
		return
	}
	gen := s.gen
	s.armed = v
	s.timer = s.clock.AfterFunc(v.Delay, func() {
		if s.notify != nil {
			s.notify(gen)
		}
	})
}

// cancel stops the pending timer and bumps the generation so a fire
// already in flight is recognised as stale.
func (s *Scheduler) cancel() {
	s.gen++
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

// Policy returns the policy in use.
func (s *Scheduler) Policy() Policy { return s.policy }

// Package housekeeping runs the periodic background tasks: store
// checkpoints, pre-key cleanup and temp-dir cleanup.
package housekeeping

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"unicorn/internal/clock"
	"unicorn/internal/logging"
)

// Task is one periodic job. Run errors are logged and the task keeps its
// schedule.
type Task struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error
}

// TaskStats counts runs of one task.
type TaskStats struct {
	Runs      int
	Failures  int
	LastRun   time.Time
	LastError string
}

// Runner runs tasks on their intervals until stopped.
type Runner struct {
	clock clock.Clock
	tasks []Task
	log   *zap.SugaredLogger

	mu     sync.Mutex
	stats  map[string]TaskStats
	cancel context.CancelFunc
	group  *errgroup.Group
}

// NewRunner creates a runner. Tasks with a non-positive interval are
// skipped.
func NewRunner(c clock.Clock, tasks ...Task) *Runner {
	if c == nil {
		c = clock.Real()
	}
	r := &Runner{
		clock: c,
		log:   logging.Get(logging.CategoryHousekeeping),
		stats: make(map[string]TaskStats),
	}
	for _, t := range tasks {
		if t.Interval <= 0 || t.Run == nil {
			r.log.Warnw("housekeeping task disabled", "task", t.Name)
			continue
		}
		r.tasks = append(r.tasks, t)
	}
	return r
}

// Start launches one goroutine per task. Calling Start twice is a no-op.
func (r *Runner) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.group != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)
	r.cancel = cancel
	r.group = g

	for _, t := range r.tasks {
		t := t
		ticker := r.clock.NewTicker(t.Interval)
		g.Go(func() error {
			defer ticker.Stop()
			defer logging.Recover(logging.CategoryHousekeeping, t.Name)
			for {
				select {
				case <-gctx.Done():
					return nil
				case <-ticker.C:
					r.runOnce(gctx, t)
				}
			}
		})
	}
	r.log.Infow("housekeeping started", "tasks", len(r.tasks))
}

// Stop cancels every task and waits for them to return.
func (r *Runner) Stop() {
	r.mu.Lock()
	cancel, g := r.cancel, r.group
	r.cancel, r.group = nil, nil
	r.mu.Unlock()
	if g == nil {
		return
	}
	cancel()
	_ = g.Wait()
	r.log.Infow("housekeeping stopped")
}

// RunNow runs the named task immediately. It reports false for an
// unknown name.
func (r *Runner) RunNow(ctx context.Context, name string) bool {
	for _, t := range r.tasks {
		if t.Name == name {
			r.runOnce(ctx, t)
			return true
		}
	}
	return false
}

func (r *Runner) runOnce(ctx context.Context, t Task) {
	err := t.Run(ctx)

	r.mu.Lock()
	s := r.stats[t.Name]
	s.Runs++
	s.LastRun = r.clock.Now()
	if err != nil {
		s.Failures++
		s.LastError = err.Error()
	}
	r.stats[t.Name] = s
	r.mu.Unlock()

	if err != nil {
		r.log.Warnw("housekeeping task failed", "task", t.Name, "error", err)
	}
}

// Stats returns per-task counters.
func (r *Runner) Stats() map[string]TaskStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]TaskStats, len(r.stats))
	for k, v := range r.stats {
		out[k] = v
	}
	return out
}

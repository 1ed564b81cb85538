// Package probe detects which optional media tools are installed.
package probe

import (
	"context"
	"errors"
	"os/exec"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"unicorn/internal/logging"
)

// Check is one executable probe.
type Check struct {
	Name string
	Cmd  string
	Args []string
}

// DefaultChecks are the tools media plugins may shell out to.
var DefaultChecks = []Check{
	{Name: "ffmpeg", Cmd: "ffmpeg", Args: []string{"-version"}},
	{Name: "ffprobe", Cmd: "ffprobe", Args: []string{"-version"}},
	{Name: "ffmpegWebp", Cmd: "ffmpeg", Args: []string{"-hide_banner", "-loglevel", "error", "-filter_complex", "color", "-frames:v", "1", "-f", "webp", "-"}},
	{Name: "convert", Cmd: "convert", Args: []string{"-version"}},
	{Name: "magick", Cmd: "magick", Args: []string{"-version"}},
	{Name: "gm", Cmd: "gm", Args: []string{"version"}},
	{Name: "find", Cmd: "find", Args: []string{"--version"}},
}

// Support is the frozen probe result.
type Support struct {
	tools map[string]bool
}

// Has reports whether the named tool is available.
func (s Support) Has(name string) bool { return s.tools[name] }

// Map returns a copy of the results.
func (s Support) Map() map[string]bool {
	out := make(map[string]bool, len(s.tools))
	for k, v := range s.tools {
		out[k] = v
	}
	return out
}

// Missing lists the unavailable tools, sorted.
func (s Support) Missing() []string {
	var out []string
	for k, v := range s.tools {
		if !v {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

// Run executes every check concurrently. A tool counts as present when it
// starts and is not reported as "command not found" (exit 127), whatever
// its exit status otherwise.
func Run(ctx context.Context, checks []Check, timeout time.Duration) Support {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	var mu sync.Mutex
	tools := make(map[string]bool, len(checks))
	g, gctx := errgroup.WithContext(ctx)
	for _, c := range checks {
		c := c
		g.Go(func() error {
			ok := available(gctx, c)
			mu.Lock()
			tools[c.Name] = ok
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	s := Support{tools: tools}
	logging.Get(logging.CategoryBoot).Infow("tool probe finished", "support", s.Map())
	return s
}

func available(ctx context.Context, c Check) bool {
	cmd := exec.CommandContext(ctx, c.Cmd, c.Args...)
	err := cmd.Run()
	if err == nil {
		return true
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode() != 127 && exitErr.ExitCode() != -1
	}
	return false
}

package probe

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRun(t *testing.T) {
	checks := []Check{
		{Name: "sh", Cmd: "sh", Args: []string{"-c", "exit 0"}},
		{Name: "failing", Cmd: "sh", Args: []string{"-c", "exit 3"}},
		{Name: "notfound", Cmd: "sh", Args: []string{"-c", "exit 127"}},
		{Name: "absent", Cmd: "unicorn-definitely-not-installed"},
	}

	s := Run(context.Background(), checks, 5*time.Second)

	assert.True(t, s.Has("sh"))
	assert.True(t, s.Has("failing"), "runs but exits non-zero")
	assert.False(t, s.Has("notfound"))
	assert.False(t, s.Has("absent"))
	assert.Equal(t, []string{"absent", "notfound"}, s.Missing())
	assert.Len(t, s.Map(), 4)
}

func TestRun_TimeoutCountsAsMissing(t *testing.T) {
	s := Run(context.Background(), []Check{
		{Name: "slow", Cmd: "sleep", Args: []string{"5"}},
	}, 50*time.Millisecond)
	assert.False(t, s.Has("slow"))
}

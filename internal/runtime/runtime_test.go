package runtime

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"unicorn/internal/admin"
	"unicorn/internal/backend"
	"unicorn/internal/backend/backendtest"
	"unicorn/internal/clock"
	"unicorn/internal/config"
	"unicorn/internal/probe"
	"unicorn/internal/reconnect"
	"unicorn/internal/store"
)

const botID = "15550001111@s.whatsapp.net"

const echoPlugin = `package echo

import "strings"

var Commands = []string{"echo"}

func OnMessage(data map[string]interface{}) (string, error) {
	text, _ := data["args"].(string)
	return strings.ToUpper(text), nil
}
`

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type harness struct {
	t      *testing.T
	cfg    *config.Config
	rt     *Runtime
	dialer *backendtest.Dialer
	clock  *clock.Fake
	stderr *syncBuffer
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

func testConfig(t *testing.T) *config.Config {
	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.Session.CredsDir = filepath.Join(dir, "session")
	cfg.Session.Welcome = "unicorn online"
	cfg.Plugins.Dir = filepath.Join(dir, "plugins")
	cfg.Plugins.Debounce = "20ms"
	cfg.Store.Path = filepath.Join(dir, "session.db")
	cfg.Housekeeping.TmpDir = filepath.Join(dir, "tmp")
	require.NoError(t, os.MkdirAll(cfg.Plugins.Dir, 0755))
	return cfg
}

func newHarness(t *testing.T, cfg *config.Config, setup ...func(*Options)) *harness {
	t.Helper()
	h := &harness{
		t:      t,
		cfg:    cfg,
		dialer: backendtest.NewDialer(),
		clock:  clock.NewFake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)),
		stderr: &syncBuffer{},
		done:   make(chan struct{}),
	}
	opts := Options{
		Config:      cfg,
		Credentials: json.RawMessage(`{"me":{"id":"` + botID + `"}}`),
		Dialer:      h.dialer,
		Clock:       h.clock,
		Probes:      []probe.Check{},
		Stderr:      h.stderr,
	}
	for _, fn := range setup {
		fn(&opts)
	}

	rt, err := New(opts)
	require.NoError(t, err)
	h.rt = rt

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() {
		h.err = rt.Run(ctx)
		close(h.done)
	}()
	t.Cleanup(func() {
		cancel()
		h.wait()
	})
	return h
}

func (h *harness) wait() error {
	h.t.Helper()
	select {
	case <-h.done:
		return h.err
	case <-time.After(10 * time.Second):
		h.t.Fatal("runtime did not stop")
		return nil
	}
}

func (h *harness) running() bool {
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}

func (h *harness) nextHandle() *backendtest.Handle {
	h.t.Helper()
	select {
	case hd := <-h.dialer.Dialed():
		return hd
	case <-time.After(5 * time.Second):
		h.t.Fatal("no handle dialed")
		return nil
	}
}

func (h *harness) open(hd *backendtest.Handle) {
	h.t.Helper()
	hd.EmitConnection(backend.ConnectionUpdate{
		Connection: backend.StateOpen,
		User:       &backend.User{ID: botID, Name: "unicorn"},
	})
	require.Eventually(h.t, func() bool {
		st := h.rt.Status()
		return st.Connection == "open" && st.Handle == hd.ID()
	}, 5*time.Second, 5*time.Millisecond)
}

// waitPending waits until a reconnect timer is armed with the given
// attempt count.
func (h *harness) waitPending(attempts int) {
	h.t.Helper()
	require.Eventually(h.t, func() bool {
		st := h.rt.Status()
		return st.Pending != "" && st.Attempts == attempts
	}, 5*time.Second, 5*time.Millisecond)
}

func TestRuntime_RestartRequiredRebindsListeners(t *testing.T) {
	h := newHarness(t, testConfig(t))

	h1 := h.nextHandle()
	h.open(h1)
	require.Eventually(t, func() bool { return len(h1.Sent()) == 1 }, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, backend.Outgoing{Chat: botID, Text: "unicorn online"}, h1.Sent()[0])
	assert.Equal(t, 8, h1.Total())

	chats := []backend.ChatMeta{{ID: "120363@g.us", Subject: "Team"}}
	h1.SetChats(chats)
	h1.EmitClose(backend.ReasonRestartRequired)
	h.waitPending(0)

	h.clock.Advance(2999 * time.Millisecond)
	assert.Equal(t, 1, h.dialer.Attempts(), "restart delay not yet elapsed")

	h.clock.Advance(time.Millisecond)
	h2 := h.nextHandle()

	assert.True(t, h1.Closed())
	assert.Equal(t, 0, h1.Total(), "old handle keeps no listeners")
	assert.Equal(t, chats, h2.Carry().Chats)
	require.Eventually(t, func() bool { return h2.Total() == 8 }, 5*time.Second, 5*time.Millisecond)

	h.open(h2)
	assert.Zero(t, h.rt.Status().Attempts)
	assert.Empty(t, h2.Sent(), "welcome is sent once per process")
}

func (h *harness) waitFatal(explanation string) {
	h.t.Helper()
	require.Eventually(h.t, func() bool {
		st := h.rt.Status()
		return st.Connection == stateDead && st.Fatal == explanation
	}, 5*time.Second, 5*time.Millisecond)
}

func fetchStatus(t *testing.T, rt *Runtime) admin.Status {
	t.Helper()
	ts := httptest.NewServer(admin.NewServer(rt, rt.Registry()).Handler())
	defer ts.Close()
	resp, err := http.Get(ts.URL + "/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	var st admin.Status
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&st))
	return st
}

func TestRuntime_LoggedOutKeepsHandlingSignals(t *testing.T) {
	h := newHarness(t, testConfig(t))

	h1 := h.nextHandle()
	h.open(h1)
	h1.EmitClose(backend.ReasonLoggedOut)

	loggedOut := reconnect.Classify(reconnect.Signal{Code: int(backend.ReasonLoggedOut), HasCode: true}, 0, PolicyFromConfig(h.cfg))
	h.waitFatal(loggedOut.Explanation)
	assert.Contains(t, h.stderr.String(), "logged out")
	assert.Contains(t, h.stderr.String(), "generate a new SESSION_ID")
	assert.True(t, h.running(), "a fatal verdict does not stop the process")
	assert.Empty(t, h.rt.Status().Pending, "no reconnect after a fatal verdict")
	assert.Equal(t, 1, h.dialer.Attempts())

	st := fetchStatus(t, h.rt)
	assert.Equal(t, stateDead, st.Connection)
	assert.Equal(t, loggedOut.Explanation, st.Fatal)

	// a later signal is still classified and acted on
	h1.EmitClose(backend.ReasonRestartRequired)
	h.waitPending(0)
	h.clock.Advance(3 * time.Second)
	h2 := h.nextHandle()
	h.open(h2)
	assert.Empty(t, h.rt.Status().Fatal)
	assert.Equal(t, 2, h.dialer.Attempts())
}

func TestRuntime_ExitOnFatal(t *testing.T) {
	h := newHarness(t, testConfig(t), func(o *Options) { o.ExitOnFatal = true })

	h1 := h.nextHandle()
	h.open(h1)
	h1.EmitClose(backend.ReasonLoggedOut)

	err := h.wait()
	var fe *reconnect.FatalError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, 401, fe.Verdict.Code)
	assert.Contains(t, h.stderr.String(), "logged out")

	assert.Equal(t, 1, h.dialer.Attempts(), "no reconnect after a fatal verdict")
	assert.Zero(t, h.clock.Pending(), "no timers left behind")
	assert.True(t, h1.Closed())
	assert.Equal(t, 0, h1.Total())
}

func TestRuntime_BackoffUntilMaxAttempts(t *testing.T) {
	cfg := testConfig(t)
	cfg.Reconnect.MaxAttempts = 2
	h := newHarness(t, cfg)

	h1 := h.nextHandle()
	h.open(h1)

	h1.EmitClose(backend.ReasonConnectionClosed)
	h.waitPending(1)
	h.clock.Advance(3 * time.Second)
	h2 := h.nextHandle()

	h2.EmitClose(backend.ReasonConnectionLost)
	h.waitPending(2)
	h.clock.Advance(5 * time.Second)
	assert.Equal(t, 2, h.dialer.Attempts(), "second backoff waits 6s")
	h.clock.Advance(time.Second)
	h3 := h.nextHandle()

	h3.EmitClose(backend.ReasonConnectionClosed)
	h.waitFatal("max reconnection attempts reached (2)")
	assert.True(t, h.running())
	assert.Empty(t, h.rt.Status().Pending)
	assert.Equal(t, 3, h.dialer.Attempts())
}

func TestRuntime_InitialDialFailureBacksOff(t *testing.T) {
	h := newHarness(t, testConfig(t))
	h.dialer.Fail(1)

	h.waitPending(1)

	h.clock.Advance(3 * time.Second)
	h1 := h.nextHandle()
	h.open(h1)
	assert.Zero(t, h.rt.Status().Attempts)
	assert.Equal(t, 2, h.dialer.Attempts())
}

func TestRuntime_DispatchesCommandsAndReplies(t *testing.T) {
	cfg := testConfig(t)
	require.NoError(t, os.WriteFile(filepath.Join(cfg.Plugins.Dir, "echo.go"), []byte(echoPlugin), 0644))
	h := newHarness(t, cfg)

	h1 := h.nextHandle()
	h.open(h1)
	assert.Equal(t, 1, h.rt.Registry().Len())

	h1.Emit(backend.Event{
		Name: backend.EventMessagesUpsert,
		Data: json.RawMessage(`{"chat":"120363@g.us","text":".echo hello"}`),
	})

	require.Eventually(t, func() bool {
		for _, m := range h1.Sent() {
			if m.Chat == "120363@g.us" && m.Text == "HELLO" {
				return true
			}
		}
		return false
	}, 5*time.Second, 5*time.Millisecond)
}

func TestRuntime_PluginSyntaxErrorKeepsRegistry(t *testing.T) {
	cfg := testConfig(t)
	path := filepath.Join(cfg.Plugins.Dir, "echo.go")
	require.NoError(t, os.WriteFile(path, []byte(echoPlugin), 0644))
	h := newHarness(t, cfg)
	h.open(h.nextHandle())

	before, ok := h.rt.Registry().Get("echo.go")
	require.True(t, ok)

	require.NoError(t, os.WriteFile(path, []byte("package echo\n\nfunc OnMessage(\n"), 0644))
	require.Eventually(t, func() bool { return h.rt.Watcher().Stats().LoadFailures > 0 },
		5*time.Second, 10*time.Millisecond)

	after, ok := h.rt.Registry().Get("echo.go")
	require.True(t, ok)
	assert.Same(t, before, after)
}

func TestRuntime_GroupAndCredentialUpdates(t *testing.T) {
	cfg := testConfig(t)
	h := newHarness(t, cfg)
	h1 := h.nextHandle()
	h.open(h1)

	h1.Emit(backend.Event{
		Name: backend.EventGroupsUpdate,
		Data: json.RawMessage(`[{"id":"120363@g.us","subject":"Team"}]`),
	})
	require.Eventually(t, func() bool { return len(h.rt.Store().Chats()) == 1 }, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, "Team", h.rt.Store().Chats()[0].Subject)

	creds := `{"me":{"id":"` + botID + `"},"registered":true}`
	h1.Emit(backend.Event{Name: backend.EventCredsUpdate, Data: json.RawMessage(creds)})
	require.Eventually(t, func() bool {
		b, err := os.ReadFile(cfg.CredsPath())
		return err == nil && string(b) == creds
	}, 5*time.Second, 5*time.Millisecond)
}

func TestRuntime_ShutdownIsOrderly(t *testing.T) {
	cfg := testConfig(t)
	h := newHarness(t, cfg)
	h1 := h.nextHandle()
	h.open(h1)

	h.cancel()
	require.NoError(t, h.wait())

	assert.True(t, h1.Closed())
	assert.Equal(t, 0, h1.Total())
	assert.Zero(t, h.clock.Pending(), "housekeeping tickers stopped")
	assert.Equal(t, "stopped", h.rt.Status().Connection)

	s, err := store.Open(cfg.Store.Path)
	require.NoError(t, err)
	defer s.Close()
	raw, ok := s.Get("user")
	require.True(t, ok, "final checkpoint persisted the user")
	var u backend.User
	require.NoError(t, json.Unmarshal(raw, &u))
	assert.Equal(t, botID, u.ID)
}

func TestPolicyFromConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Reconnect.MaxAttempts = 7
	cfg.Reconnect.BaseDelay = "2s"
	p := PolicyFromConfig(cfg)
	assert.Equal(t, reconnect.Policy{
		MaxAttempts:  7,
		BaseDelay:    2 * time.Second,
		RestartDelay: 3 * time.Second,
		TimeoutDelay: 2 * time.Second,
	}, p)
}

func TestRuntime_ConnectingUpdateNeverBlocksLoop(t *testing.T) {
	r := &Runtime{loopCh: make(chan loopMsg, 1), done: make(chan struct{})}
	r.loopCh <- loopMsg{fire: true}

	returned := make(chan struct{})
	go func() {
		r.onConnectionEvent(backend.Event{
			Name:       backend.EventConnectionUpdate,
			HandleID:   "h1",
			Connection: &backend.ConnectionUpdate{Connection: backend.StateConnecting},
		})
		close(returned)
	}()
	select {
	case <-returned:
	case <-time.After(2 * time.Second):
		t.Fatal("connecting update blocked on a full loop queue")
	}

	<-r.loopCh
	r.onConnectionEvent(backend.Event{
		Name:       backend.EventConnectionUpdate,
		HandleID:   "h1",
		Connection: &backend.ConnectionUpdate{Connection: backend.StateClose},
	})
	msg := <-r.loopCh
	require.NotNil(t, msg.update)
	assert.Equal(t, backend.StateClose, msg.update.Connection)
	assert.Equal(t, "h1", msg.handleID)
}

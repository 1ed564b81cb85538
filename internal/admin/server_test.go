package admin

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"unicorn/internal/backend"
	"unicorn/internal/plugins"
)

type fixedStatus Status

func (f fixedStatus) Status() Status { return Status(f) }

func TestServer_Routes(t *testing.T) {
	reg := plugins.NewRegistry()
	m := plugins.NewModule("ping", nil, map[backend.EventName]plugins.Hook{
		backend.EventMessagesUpsert: func(map[string]interface{}) (string, error) { return "pong", nil },
	})
	m.Commands = []string{"ping"}
	reg.Upsert("ping.go", m)

	src := fixedStatus{Name: "unicorn", Connection: "open", Plugins: 1, StartedAt: time.Now().Add(-time.Minute)}
	ts := httptest.NewServer(NewServer(src, reg).Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/status")
	require.NoError(t, err)
	var st Status
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&st))
	resp.Body.Close()
	assert.Equal(t, "open", st.Connection)
	assert.NotEmpty(t, st.Uptime)
	assert.NotZero(t, st.Process.PID)
	assert.Positive(t, st.Process.Goroutines)

	resp, err = http.Get(ts.URL + "/plugins")
	require.NoError(t, err)
	var infos []PluginInfo
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&infos))
	resp.Body.Close()
	require.Len(t, infos, 1)
	assert.Equal(t, "ping.go", infos[0].ID)
	assert.Equal(t, []string{"messages.upsert"}, infos[0].Events)
	assert.Equal(t, []string{"ping"}, infos[0].Commands)
}

func TestServer_ListenAndServeStopsOnCancel(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	l.Close()

	s := NewServer(fixedStatus{}, plugins.NewRegistry())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.ListenAndServe(ctx, "127.0.0.1", port) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://127.0.0.1:" + strconv.Itoa(port) + "/healthz")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}

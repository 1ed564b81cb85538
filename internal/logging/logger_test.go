package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    zapcore.Level
		wantErr bool
	}{
		{"", zapcore.InfoLevel, false},
		{"info", zapcore.InfoLevel, false},
		{"DEBUG", zapcore.DebugLevel, false},
		{"warning", zapcore.WarnLevel, false},
		{" error ", zapcore.ErrorLevel, false},
		{"loud", zapcore.InfoLevel, true},
	}
	for _, tt := range tests {
		got, err := ParseLevel(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}

func TestGet_NamesLoggerAfterCategory(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	restore := Replace(zap.New(core))
	defer restore()

	Get(CategoryWatcher).Infow("plugin updated", "id", "a.go")

	entries := logs.All()
	require.Len(t, entries, 1)
	assert.Equal(t, "watcher", entries[0].LoggerName)
	assert.Equal(t, "plugin updated", entries[0].Message)
	assert.Equal(t, "a.go", entries[0].ContextMap()["id"])
}

func TestGet_DisabledCategoryIsSilent(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	restore := Replace(zap.New(core))
	defer restore()

	mu.Lock()
	categories = map[string]bool{"admin": false}
	mu.Unlock()
	defer func() {
		mu.Lock()
		categories = nil
		mu.Unlock()
	}()

	Get(CategoryAdmin).Info("hidden")
	Get(CategoryBoot).Info("shown")

	assert.Equal(t, 1, logs.Len())
	assert.False(t, IsCategoryEnabled(CategoryAdmin))
	assert.True(t, IsCategoryEnabled(CategoryStore))
}

func TestRecover_LogsPanic(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	restore := Replace(zap.New(core))
	defer restore()

	func() {
		defer Recover(CategoryDispatch, "hook")
		panic("boom")
	}()

	entries := logs.FilterMessage("recovered panic").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "boom", entries[0].ContextMap()["panic"])
	assert.Equal(t, "hook", entries[0].ContextMap()["in"])
}

func TestInit_RejectsUnknownFormat(t *testing.T) {
	err := Init(Config{Format: "xml"})
	assert.Error(t, err)
}

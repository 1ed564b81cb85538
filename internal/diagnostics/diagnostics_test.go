package diagnostics

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"unicorn/internal/backend"
	"unicorn/internal/plugins"
	"unicorn/internal/reconnect"
)

func TestFatalBanner(t *testing.T) {
	v := reconnect.Classify(reconnect.Signal{Code: 401, HasCode: true}, 0, reconnect.DefaultPolicy())
	out := FatalBanner(NewStyles(true), v)

	assert.Contains(t, out, "Session stopped (code 401)")
	assert.Contains(t, out, v.Explanation)
	for _, h := range v.Hints {
		assert.Contains(t, out, h)
	}
}

func TestWriteFatal_NoCode(t *testing.T) {
	var buf bytes.Buffer
	v := reconnect.Classify(reconnect.Signal{}, 0, reconnect.DefaultPolicy())
	WriteFatal(&buf, NewStyles(true), v)

	assert.Contains(t, buf.String(), "Session stopped")
	assert.NotContains(t, buf.String(), "(code")
	assert.Contains(t, buf.String(), "authentication failed, regenerate credentials")
	assert.True(t, strings.HasSuffix(buf.String(), "\n"))
}

func TestTable_AlignsColumns(t *testing.T) {
	tbl := NewTable("", Column{Header: "A"}, Column{Header: "B"}, Column{Header: "C"})
	assert.Empty(t, tbl.Render(NewStyles(true)))

	tbl.AddRow(Text("short"), Cell{Text: "x", Tone: ToneOK}, Text("1"))
	tbl.AddRow(Text("much longer"), Cell{Text: "failed", Tone: ToneFailed})
	assert.Equal(t, 2, tbl.Len())
	out := tbl.Render(NewStyles(true))

	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
	require.Len(t, lines, 4)
	col := strings.Index(lines[0], "B")
	assert.Equal(t, len("much longer")+len(columnGap), col)
	assert.Equal(t, col, strings.Index(lines[2], "x"))
	assert.Equal(t, col, strings.Index(lines[3], "failed"))
	assert.Equal(t, strings.Repeat("-", 11+6+1+2*len(columnGap)), lines[1])
}

func TestTable_TruncatesWideCells(t *testing.T) {
	tbl := NewTable("", Column{Header: "ID"}, Column{Header: "DETAIL", MaxWidth: 10})
	tbl.AddRow(Text("a.go"), Text("unexpected\n  newline, expected comma or )"))
	out := tbl.Render(NewStyles(true))

	assert.Contains(t, out, "unexpecte…")
	assert.NotContains(t, out, "newline")
	assert.Equal(t, "a b", truncate("a\n\tb", 0))
}

func TestPluginReport(t *testing.T) {
	ok := plugins.NewModule("ping", nil, map[backend.EventName]plugins.Hook{
		backend.EventMessagesUpsert: func(map[string]interface{}) (string, error) { return "", nil },
	})
	ok.Commands = []string{"ping"}

	out := PluginReport(NewStyles(true), []CheckResult{
		{ID: "bad.go", Err: &plugins.LoadError{ID: "bad.go", Kind: plugins.KindSyntax, Err: errors.New("expected ';'")}},
		{ID: "ping.go", Module: ok},
	})

	assert.Contains(t, out, "bad.go")
	assert.Contains(t, out, "syntax")
	assert.Contains(t, out, "messages.upsert")
	assert.Contains(t, out, "ping [ping]")
	assert.Contains(t, out, "1 loaded, 1 failed")

	idle := plugins.NewModule("idle", nil, nil)
	assert.Contains(t, PluginReport(NewStyles(true), []CheckResult{{ID: "idle.go", Module: idle}}), "idle")

	assert.Contains(t, PluginReport(NewStyles(true), nil), "no plugin files found")
}

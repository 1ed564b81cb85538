package diagnostics

import (
	"errors"
	"fmt"
	"strings"

	"unicorn/internal/plugins"
)

// CheckResult is the outcome of loading one plugin file.
type CheckResult struct {
	ID     string
	Module *plugins.Module
	Err    error
}

// detailWidth caps the DETAIL column.
const detailWidth = 72

// PluginReport renders check results as a table followed by a summary line.
func PluginReport(styles Styles, results []CheckResult) string {
	t := NewTable("Plugins",
		Column{Header: "FILE"},
		Column{Header: "STATUS"},
		Column{Header: "EVENTS"},
		Column{Header: "DETAIL", MaxWidth: detailWidth},
	)
	failed := 0
	for _, r := range results {
		if r.Err != nil {
			failed++
			t.AddRow(Text(r.ID), Cell{Text: failureKind(r.Err), Tone: ToneFailed}, Text("-"), Text(r.Err.Error()))
			continue
		}
		detail := r.Module.Name
		if len(r.Module.Commands) > 0 {
			detail += " [" + strings.Join(r.Module.Commands, ", ") + "]"
		}
		status := Cell{Text: "ok", Tone: ToneOK}
		events := r.Module.Events()
		if len(events) == 0 {
			status = Cell{Text: "idle", Tone: ToneNotice}
			events = []string{"-"}
		}
		t.AddRow(Text(r.ID), status, Text(strings.Join(events, ",")), Text(detail))
	}

	var sb strings.Builder
	if len(results) == 0 {
		sb.WriteString(styles.Warning.Render("no plugin files found"))
		sb.WriteString("\n")
		return sb.String()
	}
	sb.WriteString(t.Render(styles))
	summary := fmt.Sprintf("%d loaded, %d failed", len(results)-failed, failed)
	if failed > 0 {
		sb.WriteString(styles.Error.Render(summary))
	} else {
		sb.WriteString(styles.Success.Render(summary))
	}
	sb.WriteString("\n")
	return sb.String()
}

func failureKind(err error) string {
	var le *plugins.LoadError
	if errors.As(err, &le) {
		return le.Kind.String()
	}
	return "error"
}

// Package diagnostics renders operator-facing terminal output: the fatal
// session banner and the plugin check report.
package diagnostics

import (
	"os"
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

var (
	colorPrimary     = lipgloss.Color("#8BC34A")
	colorMuted       = lipgloss.Color("#6b7787")
	colorBorder      = lipgloss.Color("#2a3850")
	colorDestructive = lipgloss.Color("#e53935")
	colorWarning     = lipgloss.Color("#FFC107")
)

// Styles groups the styles used by the renderers.
type Styles struct {
	Title   lipgloss.Style
	Body    lipgloss.Style
	Muted   lipgloss.Style
	Bold    lipgloss.Style
	Success lipgloss.Style
	Error   lipgloss.Style
	Warning lipgloss.Style
	Banner  lipgloss.Style
}

// NewStyles builds the style set. Plain disables borders for terminals that
// cannot draw them.
func NewStyles(plain bool) Styles {
	s := Styles{
		Title: lipgloss.NewStyle().
			Foreground(colorPrimary).
			Bold(true),

		Body:  lipgloss.NewStyle(),
		Muted: lipgloss.NewStyle().Foreground(colorMuted),
		Bold:  lipgloss.NewStyle().Bold(true),

		Success: lipgloss.NewStyle().
			Foreground(colorPrimary).
			Bold(true),

		Error: lipgloss.NewStyle().
			Foreground(colorDestructive).
			Bold(true),

		Warning: lipgloss.NewStyle().
			Foreground(colorWarning),

		Banner: lipgloss.NewStyle().
			Padding(0, 1).
			Border(lipgloss.RoundedBorder()).
			BorderForeground(colorDestructive),
	}
	if plain {
		s.Banner = lipgloss.NewStyle()
	}
	return s
}

// DefaultStyles picks plain output for dumb terminals.
func DefaultStyles() Styles {
	return NewStyles(isDumbTerminal())
}

func isDumbTerminal() bool {
	if os.Getenv("NO_COLOR") != "" {
		return true
	}
	if strings.EqualFold(os.Getenv("TERM"), "dumb") {
		return true
	}
	if v, err := strconv.ParseBool(os.Getenv("UNICORN_PLAIN")); err == nil {
		return v
	}
	return false
}

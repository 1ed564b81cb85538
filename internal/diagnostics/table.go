package diagnostics

import (
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// Tone selects the style a cell is drawn with.
type Tone int

const (
	TonePlain Tone = iota
	ToneOK
	ToneFailed
	ToneNotice
)

// Cell is one table cell.
type Cell struct {
	Text string
	Tone Tone
}

// Text is a plain cell.
func Text(s string) Cell { return Cell{Text: s} }

// Column describes a table column. Cells wider than MaxWidth are cut
// with an ellipsis; zero means unlimited.
type Column struct {
	Header   string
	MaxWidth int
}

// Table renders rows of toned cells with aligned columns.
type Table struct {
	Title   string
	Columns []Column
	rows    [][]Cell
}

// NewTable creates a table with the given title and columns.
func NewTable(title string, columns ...Column) *Table {
	return &Table{Title: title, Columns: columns}
}

// AddRow appends a row. Missing cells render empty, extra cells are dropped.
func (t *Table) AddRow(cells ...Cell) {
	row := make([]Cell, len(t.Columns))
	copy(row, cells)
	for i, c := range row {
		row[i].Text = truncate(c.Text, t.Columns[i].MaxWidth)
	}
	t.rows = append(t.rows, row)
}

// Len returns the number of rows.
func (t *Table) Len() int { return len(t.rows) }

// Render returns the table, or "" when it has no rows.
func (t *Table) Render(styles Styles) string {
	if len(t.rows) == 0 {
		return ""
	}

	widths := make([]int, len(t.Columns))
	for i, c := range t.Columns {
		widths[i] = lipgloss.Width(c.Header)
	}
	for _, row := range t.rows {
		for i, cell := range row {
			if w := lipgloss.Width(cell.Text); w > widths[i] {
				widths[i] = w
			}
		}
	}

	var sb strings.Builder
	if t.Title != "" {
		sb.WriteString(styles.Title.Render(t.Title))
		sb.WriteString("\n")
	}

	headers := make([]Cell, len(t.Columns))
	for i, c := range t.Columns {
		headers[i] = Cell{Text: c.Header}
	}
	writeRow(&sb, widths, headers, func(Tone) lipgloss.Style { return styles.Bold })

	total := 0
	for _, w := range widths {
		total += w + len(columnGap)
	}
	sb.WriteString(styles.Muted.Render(strings.Repeat("-", total-len(columnGap))))
	sb.WriteString("\n")

	for _, row := range t.rows {
		writeRow(&sb, widths, row, styles.forTone)
	}
	return sb.String()
}

const columnGap = "  "

// writeRow pads outside the styled text so escape codes never count
// toward a column's width.
func writeRow(sb *strings.Builder, widths []int, row []Cell, style func(Tone) lipgloss.Style) {
	for i, cell := range row {
		sb.WriteString(style(cell.Tone).Render(cell.Text))
		if i < len(row)-1 {
			sb.WriteString(strings.Repeat(" ", widths[i]-lipgloss.Width(cell.Text)))
			sb.WriteString(columnGap)
		}
	}
	sb.WriteString("\n")
}

func (s Styles) forTone(t Tone) lipgloss.Style {
	switch t {
	case ToneOK:
		return s.Success
	case ToneFailed:
		return s.Error
	case ToneNotice:
		return s.Warning
	default:
		return s.Body
	}
}

func truncate(s string, limit int) string {
	s = strings.Join(strings.Fields(s), " ")
	if limit <= 0 || lipgloss.Width(s) <= limit {
		return s
	}
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	if limit == 1 {
		return string(r[:1])
	}
	return string(r[:limit-1]) + "…"
}

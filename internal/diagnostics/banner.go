package diagnostics

import (
	"fmt"
	"io"
	"strings"

	"unicorn/internal/reconnect"
)

// FatalBanner renders a fatal verdict with its explanation and remediation
// hints.
func FatalBanner(styles Styles, v reconnect.Verdict) string {
	var sb strings.Builder

	title := "Session stopped"
	if v.Code != 0 {
		title = fmt.Sprintf("Session stopped (code %d)", v.Code)
	}
	sb.WriteString(styles.Error.Render(title))
	sb.WriteString("\n")
	sb.WriteString(styles.Body.Render(v.Explanation))

	if len(v.Hints) > 0 {
		sb.WriteString("\n\n")
		sb.WriteString(styles.Bold.Render("To recover:"))
		for _, h := range v.Hints {
			sb.WriteString("\n")
			sb.WriteString(styles.Muted.Render("  - "))
			sb.WriteString(styles.Body.Render(h))
		}
	}

	return styles.Banner.Render(sb.String())
}

// WriteFatal writes the banner for v to w followed by a newline.
func WriteFatal(w io.Writer, styles Styles, v reconnect.Verdict) {
	fmt.Fprintln(w, FatalBanner(styles, v))
}

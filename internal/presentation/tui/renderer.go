package tui

import (
	"fmt"
	"strings"

	"github.com/Lexedgeai26/lexedge-open-agents-sub000/pkg/domain"
	"github.com/charmbracelet/glamour"
)

// NewRenderer returns a function that renders markdown using glamour.
func NewRenderer() func(string) (string, error) {
	r, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(), // Automatically detect light/dark background
	)
	if err != nil {
		return func(markdown string) (string, error) { return markdown, nil }
	}
	return func(markdown string) (string, error) {
		return r.Render(markdown)
	}
}

// SessionMarkdown formats a session and its history for display.
func SessionMarkdown(sess *domain.Session) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Session `%s`\n\n", sess.ID)
	fmt.Fprintf(&b, "- **User:** %s\n", sess.UserID)
	fmt.Fprintf(&b, "- **App:** %s\n", sess.App)
	fmt.Fprintf(&b, "- **Created:** %s\n", sess.CreatedAt.Format("2006-01-02 15:04:05"))
	fmt.Fprintf(&b, "- **Updated:** %s\n", sess.UpdatedAt.Format("2006-01-02 15:04:05"))
	if len(sess.State.Extra) > 0 {
		keys := make([]string, 0, len(sess.State.Extra))
		for k := range sess.State.Extra {
			keys = append(keys, "`"+k+"`")
		}
		fmt.Fprintf(&b, "- **State keys:** %s\n", strings.Join(keys, ", "))
	}

	b.WriteString("\n## History\n\n")
	if len(sess.State.History) == 0 {
		b.WriteString("_No turns yet._\n")
		return b.String()
	}
	for _, h := range sess.State.History {
		fmt.Fprintf(&b, "**%s** _%s_\n\n", h.Role, h.Timestamp.Format("15:04:05"))
		for _, line := range strings.Split(strings.TrimSpace(h.Content), "\n") {
			fmt.Fprintf(&b, "> %s\n", line)
		}
		b.WriteString("\n")
	}
	return b.String()
}

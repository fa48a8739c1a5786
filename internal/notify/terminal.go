package notify

import (
	"fmt"
	"io"
	"sync"

	"github.com/charmbracelet/lipgloss"
)

var (
	normalBadge = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("42"))

	destructiveBadge = lipgloss.NewStyle().
				Bold(true).
				Foreground(lipgloss.Color("196"))

	messageStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("250"))
)

// TerminalNotifier prints notices for notifyctl. Durations are meaningless on
// a terminal and are ignored.
type TerminalNotifier struct {
	mu  sync.Mutex
	out io.Writer
}

var _ Notifier = (*TerminalNotifier)(nil)

// NewTerminalNotifier writes to out. Colour follows lipgloss' detection of
// the default renderer, so piped output stays plain.
func NewTerminalNotifier(out io.Writer) *TerminalNotifier {
	return &TerminalNotifier{out: out}
}

func (t *TerminalNotifier) Notify(n Notice) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fmt.Fprintln(t.out, Render(n))
}

// Render formats one notice as a single line.
func Render(n Notice) string {
	badge := normalBadge.Render("✓ " + n.Title)
	if n.IsDestructive() {
		badge = destructiveBadge.Render("✗ " + n.Title)
	}
	if n.Message == "" {
		return badge
	}
	return badge + "  " + messageStyle.Render(n.Message)
}

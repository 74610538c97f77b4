package orchestrator

import (
	"io"
	"os"

	"github.com/mattn/go-isatty"
)

const clearSequence = "\033[H\033[2J"

// TerminalScreen clears an attached terminal. Writes are skipped when the
// output is redirected so logs stay readable in files and pipes.
type TerminalScreen struct {
	out     io.Writer
	enabled bool
}

// NewTerminalScreen wraps f, enabling clears only when f is a terminal.
func NewTerminalScreen(f *os.File) *TerminalScreen {
	fd := f.Fd()
	return &TerminalScreen{
		out:     f,
		enabled: isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd),
	}
}

// Enabled reports whether Clear writes anything.
func (s *TerminalScreen) Enabled() bool {
	return s.enabled
}

// Clear homes the cursor and erases the screen.
func (s *TerminalScreen) Clear() {
	if s.enabled {
		_, _ = io.WriteString(s.out, clearSequence)
	}
}

package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"

	"github.com/jward/macrostep"
)

const (
	colorLime = "154"
	colorGray = "245"
)

// progressRenderer draws engine progress on a terminal as a single
// redrawn bar, or as one plain line per step and state change otherwise.
type progressRenderer struct {
	w     io.Writer
	tty   bool
	bar   progress.Model
	label lipgloss.Style
	dim   lipgloss.Style

	mu     sync.Mutex
	last   macrostep.Progress
	drawn  bool
	closed bool
}

func newProgressRenderer(w io.Writer) *progressRenderer {
	r := &progressRenderer{
		w:     w,
		tty:   isTTY(w) && !noColor(),
		label: lipgloss.NewStyle(),
		dim:   lipgloss.NewStyle(),
	}
	if r.tty {
		r.bar = progress.New(
			progress.WithSolidFill(colorLime),
			progress.WithWidth(50),
			progress.WithoutPercentage(),
		)
		r.label = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color(colorLime))
		r.dim = lipgloss.NewStyle().Foreground(lipgloss.Color(colorGray))
	}
	return r
}

// Update renders p. It is safe for concurrent use.
func (r *progressRenderer) Update(p macrostep.Progress) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}

	if r.tty {
		line := fmt.Sprintf("%s %s %s",
			r.label.Render(fmt.Sprintf("step %d", p.Step)),
			r.bar.ViewAs(p.Fraction()),
			r.dim.Render(fmt.Sprintf("%-12s %d/%d", p.State, p.Completed, p.Estimated)),
		)
		fmt.Fprintf(r.w, "\r%s", line)
		r.drawn = true
		r.last = p
		return
	}

	if r.drawn && p.Step == r.last.Step && p.State == r.last.State {
		return
	}
	fmt.Fprintf(r.w, "step %d: %s (%d/%d)\n", p.Step, p.State, p.Completed, p.Estimated)
	r.drawn = true
	r.last = p
}

// Close ends the progress line. Later updates are ignored.
func (r *progressRenderer) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	if r.tty && r.drawn {
		fmt.Fprintln(r.w)
	}
}

// isTTY checks if w is a terminal.
func isTTY(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// noColor reports whether NO_COLOR is set or the terminal is dumb.
func noColor() bool {
	if _, ok := os.LookupEnv("NO_COLOR"); ok {
		return true
	}
	return strings.EqualFold(os.Getenv("TERM"), "dumb")
}

// Package status renders a live view of a run in the terminal and maps its
// keys onto the shutdown controller.
package status

import (
	"context"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"rtreporter/internal/shutdown"
)

// Snapshot is what the view shows. It is pulled from a Source on every tick.
type Snapshot struct {
	Subject      string
	PID          int
	Elapsed      time.Duration
	State        shutdown.State
	Reason       shutdown.Reason
	Paused       bool
	Events       int64
	Dropped      int64
	Invalid      int64
	Streams      int
	BytesRead    int64 // subject output received so far
	BytesWritten int64
	Threads      int32 // zero when unknown or after the subject exited
}

// Source returns the current snapshot. It is called from the UI goroutine
// and must be safe for concurrent use with the pipeline.
type Source func() Snapshot

// Controls is the part of the shutdown controller the view drives.
type Controls interface {
	Request(reason shutdown.Reason) bool
	TogglePause() bool
}

const DefaultInterval = 250 * time.Millisecond

type tickMsg time.Time

// doneMsg tells the view that the run is over.
type doneMsg struct{}

// Model is the bubbletea model of the status view.
type Model struct {
	source   Source
	controls Controls
	interval time.Duration
	width    int

	snap Snapshot
	done bool
}

// New returns a model polling source every interval.
func New(source Source, controls Controls, interval time.Duration) Model {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return Model{
		source:   source,
		controls: controls,
		interval: interval,
		snap:     source(),
	}
}

func (m Model) Init() tea.Cmd {
	return tick(m.interval)
}

func tick(d time.Duration) tea.Cmd {
	return tea.Tick(d, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "s", "S":
			m.controls.Request(shutdown.ReasonKeyPress)
		case "p", "P":
			m.controls.TogglePause()
		case "ctrl+c":
			m.controls.Request(shutdown.ReasonSignal)
		}
		m.snap = m.source()
	case tea.WindowSizeMsg:
		m.width = msg.Width
	case tickMsg:
		if m.done {
			return m, nil
		}
		m.snap = m.source()
		return m, tick(m.interval)
	case doneMsg:
		m.snap = m.source()
		m.done = true
		return m, tea.Quit
	}
	return m, nil
}

func (m Model) View() string {
	s := m.snap
	var b strings.Builder

	b.WriteString(titleStyle.Render("rtreporter") + "  " + valueStyle.Render(s.Subject))
	if s.PID > 0 {
		b.WriteString(helpStyle.Render(fmt.Sprintf(" (pid %d)", s.PID)))
	}
	b.WriteString("\n\n")

	row := func(label, value string) {
		b.WriteString(labelStyle.Render(label) + value + "\n")
	}
	row("state", m.stateText())
	row("elapsed", valueStyle.Render(s.Elapsed.Truncate(time.Second).String()))
	row("events", valueStyle.Render(fmt.Sprintf("%d", s.Events)))
	if s.Invalid > 0 {
		row("invalid", warnStyle.Render(fmt.Sprintf("%d", s.Invalid)))
	}
	if s.Dropped > 0 {
		row("dropped", warnStyle.Render(fmt.Sprintf("%d", s.Dropped)))
	}
	row("streams", valueStyle.Render(fmt.Sprintf("%d", s.Streams)))
	row("read", valueStyle.Render(formatBytes(s.BytesRead)))
	row("written", valueStyle.Render(formatBytes(s.BytesWritten)))
	if s.Threads > 0 {
		row("threads", valueStyle.Render(fmt.Sprintf("%d", s.Threads)))
	}

	if !m.done {
		b.WriteString("\n" + helpStyle.Render("s stop · p pause/resume · ctrl+c interrupt"))
	}

	panel := panelStyle
	if m.width > 4 {
		panel = panel.MaxWidth(m.width)
	}
	return panel.Render(b.String()) + "\n"
}

func (m Model) stateText() string {
	s := m.snap
	switch {
	case s.State == shutdown.Running && s.Paused:
		return warnStyle.Render("paused")
	case s.State == shutdown.Running:
		return okStyle.Render("running")
	case s.Reason != "":
		return critStyle.Render(fmt.Sprintf("%s (%s)", s.State, s.Reason))
	default:
		return critStyle.Render(s.State.String())
	}
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

// Run shows the view until ctx is done, then renders a last snapshot and
// returns.
func Run(ctx context.Context, source Source, controls Controls, opts ...tea.ProgramOption) error {
	p := tea.NewProgram(New(source, controls, DefaultInterval), opts...)

	go func() {
		<-ctx.Done()
		p.Send(doneMsg{})
	}()

	if _, err := p.Run(); err != nil {
		return fmt.Errorf("status view: %w", err)
	}
	return nil
}

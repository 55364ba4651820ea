// Package report renders the summary of a finished run as Markdown or HTML.
package report

import (
	"fmt"
	"html"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// Usage is the subject's resource usage at the end of the run.
type Usage struct {
	CPUUser   time.Duration
	CPUSystem time.Duration
	RSSBytes  uint64
}

// Summary describes one run.
type Summary struct {
	RunID   string
	Subject string
	Args    []string
	PID     int

	// ExitCode is -1 when the subject was killed by a signal.
	ExitCode int
	Signal   string

	Start      time.Time
	End        time.Time
	StopReason string

	// Counts holds the number of frames per event type name.
	Counts  map[string]int64
	Dropped int64
	Invalid int64

	// Streams maps each opened stream to its file.
	Streams      map[string]string
	BytesRead    int64 // subject output received, frames or not
	BytesWritten int64

	Usage Usage
}

// Events is the total number of frames acquired.
func (s *Summary) Events() int64 {
	var n int64
	for _, c := range s.Counts {
		n += c
	}
	return n
}

// Elapsed is the wall time of the run.
func (s *Summary) Elapsed() time.Duration {
	if s.End.Before(s.Start) {
		return 0
	}
	return s.End.Sub(s.Start)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// escapeCell keeps a value inside one Markdown table cell.
func escapeCell(s string) string {
	return strings.ReplaceAll(s, "|", `\|`)
}

// Markdown renders the summary. The output only depends on s.
func (s *Summary) Markdown() string {
	var b strings.Builder

	fmt.Fprintf(&b, "# Run report: %s\n\n", escapeCell(filepath.Base(s.Subject)))

	b.WriteString("| Field | Value |\n|---|---|\n")
	row := func(field, value string) {
		fmt.Fprintf(&b, "| %s | %s |\n", field, escapeCell(value))
	}
	row("Run ID", "`"+s.RunID+"`")
	row("Subject", "`"+s.Subject+"`")
	if len(s.Args) > 0 {
		row("Arguments", "`"+strings.Join(s.Args, " ")+"`")
	}
	if s.PID > 0 {
		row("PID", fmt.Sprint(s.PID))
	}
	row("Started", s.Start.UTC().Format(time.RFC3339Nano))
	row("Ended", s.End.UTC().Format(time.RFC3339Nano))
	row("Elapsed", s.Elapsed().String())
	row("Stop reason", s.StopReason)
	if s.Signal != "" {
		row("Subject exit", "signal "+s.Signal)
	} else {
		row("Subject exit", fmt.Sprintf("code %d", s.ExitCode))
	}

	b.WriteString("\n## Events\n\n| Type | Count |\n|---|---:|\n")
	for _, name := range sortedKeys(s.Counts) {
		fmt.Fprintf(&b, "| %s | %d |\n", escapeCell(name), s.Counts[name])
	}
	fmt.Fprintf(&b, "| **total** | **%d** |\n", s.Events())
	fmt.Fprintf(&b, "\nInvalid lines: %d. Dropped events: %d.\n", s.Invalid, s.Dropped)

	b.WriteString("\n## Streams\n\n| Stream | File |\n|---|---|\n")
	for _, name := range sortedKeys(s.Streams) {
		fmt.Fprintf(&b, "| %s | `%s` |\n", escapeCell(name), escapeCell(s.Streams[name]))
	}
	fmt.Fprintf(&b, "\nBytes read: %d. Bytes written: %d.\n", s.BytesRead, s.BytesWritten)

	b.WriteString("\n## Resource usage\n\n| Metric | Value |\n|---|---:|\n")
	row("CPU user", s.Usage.CPUUser.String())
	row("CPU system", s.Usage.CPUSystem.String())
	if s.Usage.RSSBytes > 0 {
		row("RSS", fmt.Sprintf("%d bytes", s.Usage.RSSBytes))
	}

	return b.String()
}

// HTML renders the summary as a standalone sanitized HTML page.
func (s *Summary) HTML() string {
	title := html.EscapeString("Run report: " + filepath.Base(s.Subject))
	return "<!DOCTYPE html>\n<html>\n<head>\n<meta charset=\"utf-8\">\n<title>" + title +
		"</title>\n</head>\n<body>\n" + RenderToHTML(s.Markdown()) + "</body>\n</html>\n"
}

// Write writes the summary to path: HTML for .html and .htm files,
// Markdown otherwise.
func Write(path string, s *Summary) error {
	var content string
	switch strings.ToLower(filepath.Ext(path)) {
	case ".html", ".htm":
		content = s.HTML()
	default:
		content = s.Markdown()
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		return fmt.Errorf("failed to write report: %w", err)
	}
	return nil
}

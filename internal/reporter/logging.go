package reporter

import (
	"fmt"
	"io"
	"log/slog"
	"os"
)

// SetupLogging installs the default slog logger. Logs go to logFile if set,
// to fallback otherwise. The returned func closes the log file.
func SetupLogging(level, logFile string, fallback io.Writer) (closeLog func() error, err error) {
	lvl, err := ParseLevel(level)
	if err != nil {
		return nil, err
	}

	w := fallback
	closeLog = func() error { return nil }
	if logFile != "" {
		f, err := os.OpenFile(logFile, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		w = f
		closeLog = f.Close
	}

	handler := slog.NewTextHandler(w, &slog.HandlerOptions{Level: lvl})
	slog.SetDefault(slog.New(handler))
	return closeLog, nil
}

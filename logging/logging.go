package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// Setup builds the process logger writing to w, normally stderr so that
// reports on stdout stay machine readable. With a non-empty dir the output
// is also written to a timestamped file there; the returned cleanup closes
// it.
func Setup(w io.Writer, level, dir string) (*slog.Logger, func() error, error) {
	return setup(w, level, dir, time.Now())
}

func setup(w io.Writer, level, dir string, now time.Time) (*slog.Logger, func() error, error) {
	opts := &slog.HandlerOptions{Level: ParseLevel(level)}
	cleanup := func() error { return nil }

	if dir == "" {
		return slog.New(slog.NewTextHandler(w, opts)), cleanup, nil
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, cleanup, fmt.Errorf("create log directory: %w", err)
	}

	logFilePath := filepath.Join(dir, fmt.Sprintf("mail-classifier-%s.log", now.Format("20060102T150405")))
	file, err := os.OpenFile(logFilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, cleanup, fmt.Errorf("open log file: %w", err)
	}

	handler := slog.NewTextHandler(io.MultiWriter(w, file), opts)
	cleanup = func() error {
		return file.Close()
	}
	return slog.New(handler), cleanup, nil
}

// ParseLevel maps debug, info, warn and error to slog levels. Anything
// else is info.
func ParseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Package logging builds the slog logger used by the CLI.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Config contains logging configuration.
type Config struct {
	// Level is the minimum log level (debug, info, warn, error).
	Level string
	// Format is "text" or "json".
	Format string
	// File is an optional log file path. Empty means stderr only.
	File string
	// MaxSizeMB is the size at which the log file rotates (default 10).
	MaxSizeMB int
	// MaxFiles is the number of rotated files kept (default 3).
	MaxFiles int
}

// Setup builds a logger from cfg and returns it with a cleanup function
// that closes the log file, if any.
func Setup(cfg Config) (*slog.Logger, func(), error) {
	var (
		out     io.Writer = os.Stderr
		cleanup           = func() {}
	)
	if cfg.File != "" {
		maxSize, maxFiles := cfg.MaxSizeMB, cfg.MaxFiles
		if maxSize <= 0 {
			maxSize = 10
		}
		if maxFiles <= 0 {
			maxFiles = 3
		}
		w, err := NewRotatingWriter(cfg.File, maxSize, maxFiles)
		if err != nil {
			return nil, nil, err
		}
		out = io.MultiWriter(w, os.Stderr)
		cleanup = func() { _ = w.Close() }
	}
	return New(out, cfg.Level, cfg.Format), cleanup, nil
}

// New returns a logger writing to w.
func New(w io.Writer, level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: ParseLevel(level)}
	var h slog.Handler
	if strings.EqualFold(format, "json") {
		h = slog.NewJSONHandler(w, opts)
	} else {
		h = slog.NewTextHandler(w, opts)
	}
	return slog.New(h)
}

// Discard returns a logger that drops everything. Used in tests.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// ParseLevel converts a level name to slog.Level, defaulting to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
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

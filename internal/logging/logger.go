// Package logging builds the process-wide slog.Logger from configuration.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	charmlog "github.com/charmbracelet/log"
)

// New returns a logger writing to stderr.
func New(level, format string) (*slog.Logger, error) {
	return NewWithWriter(level, format, os.Stderr)
}

// NewWithWriter returns a logger for the given level and format ("text" or
// "json"). Text output goes through charmbracelet/log; json uses slog's
// own handler so lines stay machine-parseable.
func NewWithWriter(level, format string, w io.Writer) (*slog.Logger, error) {
	lvl, err := ParseLevel(level)
	if err != nil {
		return nil, err
	}

	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "text":
		h := charmlog.NewWithOptions(w, charmlog.Options{
			Level:           charmLevel(lvl),
			ReportTimestamp: true,
			Formatter:       charmlog.TextFormatter,
		})
		return slog.New(h), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl})), nil
	default:
		return nil, fmt.Errorf("unsupported log format %q", format)
	}
}

// ParseLevel maps a config level name to a slog level.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unsupported log level %q", s)
	}
}

func charmLevel(level slog.Level) charmlog.Level {
	switch {
	case level <= slog.LevelDebug:
		return charmlog.DebugLevel
	case level <= slog.LevelInfo:
		return charmlog.InfoLevel
	case level <= slog.LevelWarn:
		return charmlog.WarnLevel
	default:
		return charmlog.ErrorLevel
	}
}

// Discard is a logger for tests and for components constructed without one.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

package observe

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
)

// ParseLevel maps a level name ("debug", "info", "warn", "error") to a
// slog.Level. The empty string is info.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("observe: unknown log level %q", s)
	}
}

// NewLogger builds a text or JSON slog.Logger writing to w. format is
// "text" (default) or "json". When debug is set the level is forced to
// debug, matching the DEBUG environment switch.
func NewLogger(w io.Writer, level slog.Level, format string, debug bool) (*slog.Logger, error) {
	if debug {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}
	switch strings.ToLower(format) {
	case "", "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("observe: unknown log format %q", format)
	}
}

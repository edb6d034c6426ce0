// Package logging builds the slog loggers used across Weft. Components derive
// their own logger with logger.With("component", name); run-scoped records
// carry run_id and node.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// NewLogger creates a logger writing to stderr (stdout is reserved for
// program output). Unknown levels fall back to INFO and unknown formats to
// text.
func NewLogger(level slog.Level, format string) *slog.Logger {
	return NewLoggerWithWriter(level, format, os.Stderr)
}

// NewLoggerWithWriter creates a logger writing to w in "text" or "json" format.
func NewLoggerWithWriter(level slog.Level, format string, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch strings.ToLower(format) {
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	default:
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// FromFlags validates a level and format given on the command line or in a
// config file and returns the matching stderr logger.
func FromFlags(level, format string) (*slog.Logger, error) {
	switch strings.ToLower(format) {
	case "", "text", "json":
	default:
		return nil, fmt.Errorf("unknown log format %q (want text or json)", format)
	}
	lvl, ok := lookupLevel(level)
	if !ok {
		return nil, fmt.Errorf("unknown log level %q (want debug, info, warn or error)", level)
	}
	return NewLogger(lvl, format), nil
}

// ParseLevel converts a string log level to slog.Level.
// Returns slog.LevelInfo for unrecognized values.
func ParseLevel(s string) slog.Level {
	lvl, _ := lookupLevel(s)
	return lvl
}

func lookupLevel(s string) (slog.Level, bool) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, true
	case "info", "":
		return slog.LevelInfo, true
	case "warn", "warning":
		return slog.LevelWarn, true
	case "error":
		return slog.LevelError, true
	}
	return slog.LevelInfo, false
}

// Discard returns a logger that drops every record.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

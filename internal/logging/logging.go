// Package logging owns the daemon's operational logger: one
// process-wide slog.Logger whose handler is chosen at startup from the
// logging config section and whose level can be adjusted at runtime.
package logging

import (
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
)

var (
	level   = new(slog.LevelVar)
	current atomic.Pointer[slog.Logger]
)

func init() {
	level.Set(slog.LevelInfo)
	current.Store(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}

// Init installs the configured handler: format "json" for
// machine-shipped logs, anything else for text, and one of "debug",
// "info", "warn", "error" as the level.
func Init(format, levelName string) {
	level.Set(ParseLevel(levelName))

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler = slog.NewTextHandler(os.Stderr, opts)
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}
	current.Store(slog.New(handler))
}

// ParseLevel maps a config string onto a slog level. Unrecognised
// values fall back to info.
func ParseLevel(name string) slog.Level {
	switch strings.ToLower(name) {
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

// SetLevel adjusts the active level without replacing the handler.
func SetLevel(l slog.Level) {
	level.Set(l)
}

// Op returns the operational logger. Don't cache the returned value
// across an Init call.
func Op() *slog.Logger {
	return current.Load()
}

// WithTrace returns the operational logger annotated with trace and
// span ids, so a cycle's log lines correlate with its exported spans.
func WithTrace(traceID, spanID string) *slog.Logger {
	l := current.Load()
	if traceID == "" {
		return l
	}
	if spanID == "" {
		return l.With("trace_id", traceID)
	}
	return l.With("trace_id", traceID, "span_id", spanID)
}

package config

import (
	"fmt"
	"log/slog"
	"strings"
)

// LevelTrace sits one tier below slog.LevelDebug. Debug already carries
// lifecycle detail (create_subscription failures, transport closes);
// Trace is reserved for the eventsub
// package's raw inbound frame dump (see Session.onFrame), which is
// voluminous enough to want its own dial separate from Debug.
const LevelTrace = slog.Level(-8)

// ParseLogLevel converts config.yaml's log_level string to a slog.Level.
// Supported values: trace, debug, info, warn, error (case-insensitive).
// "trace" is the knob an operator reaches for when a Session's keepalive
// watchdog or reconnect handoff needs wire-level forensics.
func ParseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "trace":
		return LevelTrace, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q (valid: trace, debug, info, warn, error)", s)
	}
}

// ReplaceLogLevelNames is the slog.HandlerOptions.ReplaceAttr hook
// cmd/chattyplus-eventsub wires into its slog.TextHandler so LevelTrace
// records print as "TRACE" instead of slog's default "DEBUG-4".
func ReplaceLogLevelNames(_ []string, a slog.Attr) slog.Attr {
	if a.Key == slog.LevelKey {
		level, ok := a.Value.Any().(slog.Level)
		if ok && level == LevelTrace {
			a.Value = slog.StringValue("TRACE")
		}
	}
	return a
}

// Package telemetry builds the process logger: JSON lines with a timestamp
// key, the component and trace_id base attributes, and credential redaction.
package telemetry

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/basket/gatekeeper/internal/shared"
)

const redacted = "[REDACTED]"

// sensitiveKeyParts mark attribute keys whose values are never logged.
var sensitiveKeyParts = []string{
	"token", "secret", "password", "authorization", "api_key", "apikey",
	"bearer", "init_data", "web_app_data",
}

// NewLogger writes JSON logs to <home>/logs/gatekeeper.jsonl and, unless
// quiet, to stdout. level may be changed while the logger is in use.
func NewLogger(homeDir string, level *slog.LevelVar, quiet bool) (*slog.Logger, io.Closer, error) {
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, nil, err
	}
	file, err := os.OpenFile(filepath.Join(logDir, "gatekeeper.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, err
	}

	var w io.Writer = file
	if !quiet {
		w = io.MultiWriter(os.Stdout, file)
	}
	return newJSONLogger(w, level), file, nil
}

// NewStderrLogger is used before the home directory is known.
func NewStderrLogger(level string) *slog.Logger {
	return newJSONLogger(os.Stderr, ParseLevel(level))
}

func newJSONLogger(w io.Writer, level slog.Leveler) *slog.Logger {
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: replaceAttr,
	})
	return slog.New(handler).With("component", "gatekeeper", "trace_id", "-")
}

// replaceAttr runs for every attribute, including those nested in groups.
func replaceAttr(groups []string, a slog.Attr) slog.Attr {
	if len(groups) == 0 && a.Key == slog.TimeKey {
		a.Key = "timestamp"
		return a
	}
	if sensitiveKey(a.Key) {
		return slog.String(a.Key, redacted)
	}
	if a.Value.Kind() == slog.KindString {
		if v, ok := redactValue(a.Value.String()); ok {
			return slog.String(a.Key, v)
		}
	}
	return a
}

func sensitiveKey(key string) bool {
	lower := strings.ToLower(strings.TrimSpace(key))
	if lower == "" {
		return false
	}
	for _, part := range sensitiveKeyParts {
		if strings.Contains(lower, part) {
			return true
		}
	}
	return false
}

// redactValue hides whole values that carry auth headers and masks known
// secret patterns in everything else.
func redactValue(v string) (string, bool) {
	lower := strings.ToLower(v)
	if strings.Contains(lower, "authorization:") || strings.Contains(lower, "bearer ") {
		return redacted, true
	}
	if out := shared.Redact(v); out != v {
		return out, true
	}
	return v, false
}

// ParseLevel maps a config log level to slog. It accepts slog's own names
// and offsets (e.g. "debug+2") plus "warning". Unknown values mean info.
func ParseLevel(level string) slog.Level {
	level = strings.TrimSpace(level)
	if strings.EqualFold(level, "warning") {
		return slog.LevelWarn
	}
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return slog.LevelInfo
	}
	return l
}

// NewLevelVar returns a LevelVar preset from a config level.
func NewLevelVar(level string) *slog.LevelVar {
	v := new(slog.LevelVar)
	v.Set(ParseLevel(level))
	return v
}

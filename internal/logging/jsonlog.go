package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
)

var std atomic.Pointer[slog.Logger]

func init() {
	std.Store(New(os.Stdout, "info"))
}

// New returns a JSON logger writing to w at the named level
// (debug, info, warn, error; anything else means info).
func New(w io.Writer, level string) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: ParseLevel(level)}))
}

// ParseLevel maps a level name to a slog level.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

// Setup installs a stdout JSON logger as both the package and slog default.
func Setup(level string) *slog.Logger {
	l := New(os.Stdout, level)
	std.Store(l)
	slog.SetDefault(l)
	return l
}

// Default returns the logger installed by Setup.
func Default() *slog.Logger { return std.Load() }

// Discard returns a logger that drops everything; for tests.
func Discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func Log(level slog.Level, msg string, fields map[string]any) {
	args := make([]any, 0, 2*len(fields))
	for k, v := range fields {
		args = append(args, k, v)
	}
	std.Load().Log(context.Background(), level, msg, args...)
}

func Info(msg string, fields map[string]any)  { Log(slog.LevelInfo, msg, fields) }
func Error(msg string, fields map[string]any) { Log(slog.LevelError, msg, fields) }

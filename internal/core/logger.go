package core

import (
	"context"
	"log/slog"
)

// Logger receives structured service events. Arguments are alternating
// key/value pairs.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// SlogLogger adapts a *slog.Logger to the Logger interface.
type SlogLogger struct {
	inner *slog.Logger
}

// NewSlogLogger wraps l; a nil l falls back to slog.Default().
func NewSlogLogger(l *slog.Logger) SlogLogger {
	if l == nil {
		l = slog.Default()
	}
	return SlogLogger{inner: l}
}

func (l SlogLogger) Debug(msg string, args ...any) {
	l.inner.LogAttrs(context.Background(), slog.LevelDebug, msg, argsToAttrs(args)...)
}

func (l SlogLogger) Info(msg string, args ...any) {
	l.inner.LogAttrs(context.Background(), slog.LevelInfo, msg, argsToAttrs(args)...)
}

func (l SlogLogger) Warn(msg string, args ...any) {
	l.inner.LogAttrs(context.Background(), slog.LevelWarn, msg, argsToAttrs(args)...)
}

func (l SlogLogger) Error(msg string, args ...any) {
	l.inner.LogAttrs(context.Background(), slog.LevelError, msg, argsToAttrs(args)...)
}

func argsToAttrs(args []any) []slog.Attr {
	attrs := make([]slog.Attr, 0, len(args)/2)
	for i := 0; i+1 < len(args); i += 2 {
		key, ok := args[i].(string)
		if !ok {
			key = "arg"
		}
		attrs = append(attrs, slog.Any(key, args[i+1]))
	}
	return attrs
}

package logging

import (
	"context"
	"log/slog"
)

// SlogLogger implements Logger on top of a *slog.Logger. Level filtering
// and output format stay with the handler the wrapped logger was built on.
type SlogLogger struct {
	base *slog.Logger
}

// NewSlogLogger wraps base.
func NewSlogLogger(base *slog.Logger) *SlogLogger {
	return &SlogLogger{base: base}
}

func (a *SlogLogger) Debug(ctx context.Context, msg string, args ...any) {
	a.base.DebugContext(ctx, msg, args...)
}

func (a *SlogLogger) Info(ctx context.Context, msg string, args ...any) {
	a.base.InfoContext(ctx, msg, args...)
}

func (a *SlogLogger) Warn(ctx context.Context, msg string, args ...any) {
	a.base.WarnContext(ctx, msg, args...)
}

func (a *SlogLogger) Error(ctx context.Context, msg string, args ...any) {
	a.base.ErrorContext(ctx, msg, args...)
}

func (a *SlogLogger) With(args ...any) Logger {
	return &SlogLogger{base: a.base.With(args...)}
}

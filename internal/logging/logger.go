// Package logging defines the small context-aware logging interface the
// rest of the code is written against; the default implementation
// delegates to log/slog.
package logging

import "context"

// Logger emits structured records with alternating key and value args,
// following the slog convention:
//
//	log.Info(ctx, "object stored", "key", key, "size", n)
type Logger interface {
	// Debug records verbose diagnostics, normally suppressed.
	Debug(ctx context.Context, msg string, args ...any)

	// Info records routine progress.
	Info(ctx context.Context, msg string, args ...any)

	// Warn records conditions that were tolerated but are worth noticing.
	Warn(ctx context.Context, msg string, args ...any)

	// Error records failures.
	Error(ctx context.Context, msg string, args ...any)

	// With returns a child logger whose records always carry args.
	With(args ...any) Logger
}

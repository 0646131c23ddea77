package storage

import (
	"context"
	"log/slog"
	"sync/atomic"

	"go.opentelemetry.io/otel/trace"
)

// The storage layer logs a handful of driver events: failed backend calls,
// resets, debug-level hit accounting. A library has no business installing
// handlers in its host process, so output goes to slog.Default() unless the
// caller routes it elsewhere with SetLogger.

var storageLogger atomic.Pointer[slog.Logger]

// SetLogger routes the storage layer's log output. Passing nil restores
// slog.Default(). Safe for concurrent use.
func SetLogger(l *slog.Logger) {
	storageLogger.Store(l)
}

func activeLogger() *slog.Logger {
	if l := storageLogger.Load(); l != nil {
		return l
	}
	return slog.Default()
}

func logDebug(ctx context.Context, msg string, args ...any) {
	activeLogger().DebugContext(ctx, msg, withSpan(ctx, args)...)
}

func logError(ctx context.Context, msg string, args ...any) {
	activeLogger().ErrorContext(ctx, msg, withSpan(ctx, args)...)
}

// withSpan stamps the record with the active span's ids so storage logs can
// be joined with traces.
func withSpan(ctx context.Context, args []any) []any {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return args
	}
	return append(args,
		slog.String("trace_id", sc.TraceID().String()),
		slog.String("span_id", sc.SpanID().String()),
	)
}

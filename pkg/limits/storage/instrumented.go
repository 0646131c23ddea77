package storage

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// NewInstrumented wraps a storage to add a tracing span around every
// operation except Close. Failed Incr, Clear and acquire calls are logged at
// error level; successful Incr and Reset calls are logged at debug level.
// Other calls are not logged. The wrapper advertises exactly the capabilities of the
// wrapped storage, so capability gating behaves the same before and after
// wrapping.
func NewInstrumented(next Storage) Storage {
	base := &instrumented{next: next, tracer: otel.Tracer("pkg/limits/storage")}
	mw, hasMoving := next.(MovingWindowStorage)
	sw, hasSliding := next.(SlidingWindowStorage)
	switch {
	case hasMoving && hasSliding:
		return &instrumentedFull{base, movingWindowOps{base, mw}, slidingWindowOps{base, sw}}
	case hasMoving:
		return &instrumentedMovingWindow{base, movingWindowOps{base, mw}}
	case hasSliding:
		return &instrumentedSlidingWindow{base, slidingWindowOps{base, sw}}
	default:
		return base
	}
}

type instrumented struct {
	next   Storage
	tracer trace.Tracer
}

func (s *instrumented) Incr(ctx context.Context, key string, expiry time.Duration, amount int64, elastic bool) (int64, error) {
	ctx, span := s.tracer.Start(ctx, "storage.Incr", trace.WithAttributes(
		attribute.String("limits.key", key),
		attribute.Int64("limits.amount", amount),
		attribute.Bool("limits.elastic", elastic),
	))
	defer span.End()

	value, err := s.next.Incr(ctx, key, expiry, amount, elastic)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logError(ctx, "storage incr failed", "key", key, "error", err)
		return 0, err
	}
	logDebug(ctx, "storage incr", "key", key, "value", value)
	return value, nil
}

func (s *instrumented) Get(ctx context.Context, key string) (int64, error) {
	ctx, span := s.tracer.Start(ctx, "storage.Get", trace.WithAttributes(
		attribute.String("limits.key", key),
	))
	defer span.End()

	value, err := s.next.Get(ctx, key)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return 0, err
	}
	return value, nil
}

func (s *instrumented) GetExpiry(ctx context.Context, key string) (time.Time, error) {
	ctx, span := s.tracer.Start(ctx, "storage.GetExpiry", trace.WithAttributes(
		attribute.String("limits.key", key),
	))
	defer span.End()

	expiry, err := s.next.GetExpiry(ctx, key)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return time.Time{}, err
	}
	return expiry, nil
}

func (s *instrumented) Clear(ctx context.Context, key string) error {
	ctx, span := s.tracer.Start(ctx, "storage.Clear", trace.WithAttributes(
		attribute.String("limits.key", key),
	))
	defer span.End()

	if err := s.next.Clear(ctx, key); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logError(ctx, "storage clear failed", "key", key, "error", err)
		return err
	}
	return nil
}

func (s *instrumented) Reset(ctx context.Context) (int64, error) {
	ctx, span := s.tracer.Start(ctx, "storage.Reset")
	defer span.End()

	removed, err := s.next.Reset(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return 0, err
	}
	logDebug(ctx, "storage reset", "removed", removed)
	return removed, nil
}

func (s *instrumented) Check(ctx context.Context) bool {
	ctx, span := s.tracer.Start(ctx, "storage.Check")
	defer span.End()
	return s.next.Check(ctx)
}

func (s *instrumented) Close() error {
	return s.next.Close()
}

type movingWindowOps struct {
	base *instrumented
	next MovingWindowStorage
}

func (s movingWindowOps) AcquireEntry(ctx context.Context, key string, limit int64, expiry time.Duration, amount int64) (bool, error) {
	ctx, span := s.base.tracer.Start(ctx, "storage.AcquireEntry", trace.WithAttributes(
		attribute.String("limits.key", key),
		attribute.Int64("limits.limit", limit),
		attribute.Int64("limits.amount", amount),
	))
	defer span.End()

	acquired, err := s.next.AcquireEntry(ctx, key, limit, expiry, amount)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logError(ctx, "storage acquire entry failed", "key", key, "error", err)
		return false, err
	}
	span.SetAttributes(attribute.Bool("limits.acquired", acquired))
	return acquired, nil
}

func (s movingWindowOps) MovingWindow(ctx context.Context, key string, limit int64, expiry time.Duration) (time.Time, int64, error) {
	ctx, span := s.base.tracer.Start(ctx, "storage.MovingWindow", trace.WithAttributes(
		attribute.String("limits.key", key),
	))
	defer span.End()

	oldest, count, err := s.next.MovingWindow(ctx, key, limit, expiry)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return time.Time{}, 0, err
	}
	return oldest, count, nil
}

type slidingWindowOps struct {
	base *instrumented
	next SlidingWindowStorage
}

func (s slidingWindowOps) AcquireSlidingWindowEntry(ctx context.Context, key string, limit int64, expiry time.Duration, amount int64) (bool, error) {
	ctx, span := s.base.tracer.Start(ctx, "storage.AcquireSlidingWindowEntry", trace.WithAttributes(
		attribute.String("limits.key", key),
		attribute.Int64("limits.limit", limit),
		attribute.Int64("limits.amount", amount),
	))
	defer span.End()

	acquired, err := s.next.AcquireSlidingWindowEntry(ctx, key, limit, expiry, amount)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logError(ctx, "storage acquire sliding window entry failed", "key", key, "error", err)
		return false, err
	}
	span.SetAttributes(attribute.Bool("limits.acquired", acquired))
	return acquired, nil
}

func (s slidingWindowOps) SlidingWindow(ctx context.Context, key string, expiry time.Duration) (SlidingWindowState, error) {
	ctx, span := s.base.tracer.Start(ctx, "storage.SlidingWindow", trace.WithAttributes(
		attribute.String("limits.key", key),
	))
	defer span.End()

	state, err := s.next.SlidingWindow(ctx, key, expiry)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return SlidingWindowState{}, err
	}
	return state, nil
}

type instrumentedMovingWindow struct {
	*instrumented
	movingWindowOps
}

type instrumentedSlidingWindow struct {
	*instrumented
	slidingWindowOps
}

type instrumentedFull struct {
	*instrumented
	movingWindowOps
	slidingWindowOps
}

var (
	_ Storage              = (*instrumented)(nil)
	_ MovingWindowStorage  = (*instrumentedMovingWindow)(nil)
	_ SlidingWindowStorage = (*instrumentedSlidingWindow)(nil)
	_ MovingWindowStorage  = (*instrumentedFull)(nil)
	_ SlidingWindowStorage = (*instrumentedFull)(nil)
)

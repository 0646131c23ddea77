package strategy

import (
	"context"

	"github.com/chris-alexander-pop/ratelimits/pkg/limits"
	"github.com/chris-alexander-pop/ratelimits/pkg/limits/storage"
)

// FixedWindow counts hits in fixed time buckets. A refused hit still
// consumes capacity in the bucket, the classical fixed window behavior.
type FixedWindow struct {
	store   storage.Storage
	elastic bool
}

// NewFixedWindow builds the fixed window strategy. Every storage supports
// it.
func NewFixedWindow(store storage.Storage) *FixedWindow {
	return &FixedWindow{store: store}
}

// NewFixedWindowElastic builds the elastic-expiry variant: every hit,
// accepted or refused, pushes the window end out by one expiry.
func NewFixedWindowElastic(store storage.Storage) *FixedWindow {
	return &FixedWindow{store: store, elastic: true}
}

func (f *FixedWindow) Hit(ctx context.Context, item limits.RateLimit, cost int64, identifiers ...string) (bool, error) {
	post, err := f.store.Incr(ctx, item.Key(identifiers...), item.Expiry(), cost, f.elastic)
	if err != nil {
		return false, err
	}
	return post <= item.Amount, nil
}

func (f *FixedWindow) Test(ctx context.Context, item limits.RateLimit, cost int64, identifiers ...string) (bool, error) {
	current, err := f.store.Get(ctx, item.Key(identifiers...))
	if err != nil {
		return false, err
	}
	return current+cost <= item.Amount, nil
}

func (f *FixedWindow) WindowStats(ctx context.Context, item limits.RateLimit, identifiers ...string) (WindowStats, error) {
	key := item.Key(identifiers...)
	current, err := f.store.Get(ctx, key)
	if err != nil {
		return WindowStats{}, err
	}
	reset, err := f.store.GetExpiry(ctx, key)
	if err != nil {
		return WindowStats{}, err
	}
	remaining := item.Amount - current
	if remaining < 0 {
		remaining = 0
	}
	return WindowStats{ResetTime: reset, Remaining: remaining}, nil
}

func (f *FixedWindow) Clear(ctx context.Context, item limits.RateLimit, identifiers ...string) error {
	return f.store.Clear(ctx, item.Key(identifiers...))
}

var _ RateLimiter = (*FixedWindow)(nil)

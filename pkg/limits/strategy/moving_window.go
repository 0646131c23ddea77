package strategy

import (
	"context"
	"fmt"

	"github.com/chris-alexander-pop/ratelimits/pkg/errors"
	"github.com/chris-alexander-pop/ratelimits/pkg/limits"
	"github.com/chris-alexander-pop/ratelimits/pkg/limits/storage"
)

// MovingWindow is the exact log-based algorithm: the accepted-hit count in
// any interval of one window length never exceeds the limit. Refusals never
// mutate storage.
type MovingWindow struct {
	store storage.MovingWindowStorage
}

// NewMovingWindow builds the moving window strategy; it refuses storages
// without the MovingWindow capability.
func NewMovingWindow(store storage.Storage) (*MovingWindow, error) {
	mw, ok := store.(storage.MovingWindowStorage)
	if !ok {
		return nil, errors.New(errors.CodeConfiguration,
			fmt.Sprintf("moving window is not supported by storage of type %T", store), nil)
	}
	return &MovingWindow{store: mw}, nil
}

func (m *MovingWindow) Hit(ctx context.Context, item limits.RateLimit, cost int64, identifiers ...string) (bool, error) {
	if cost > item.Amount {
		return false, nil
	}
	return m.store.AcquireEntry(ctx, item.Key(identifiers...), item.Amount, item.Expiry(), cost)
}

func (m *MovingWindow) Test(ctx context.Context, item limits.RateLimit, cost int64, identifiers ...string) (bool, error) {
	if cost > item.Amount {
		return false, nil
	}
	_, count, err := m.store.MovingWindow(ctx, item.Key(identifiers...), item.Amount, item.Expiry())
	if err != nil {
		return false, err
	}
	return count+cost <= item.Amount, nil
}

func (m *MovingWindow) WindowStats(ctx context.Context, item limits.RateLimit, identifiers ...string) (WindowStats, error) {
	oldest, count, err := m.store.MovingWindow(ctx, item.Key(identifiers...), item.Amount, item.Expiry())
	if err != nil {
		return WindowStats{}, err
	}
	return WindowStats{
		ResetTime: oldest.Add(item.Expiry()),
		Remaining: item.Amount - count,
	}, nil
}

func (m *MovingWindow) Clear(ctx context.Context, item limits.RateLimit, identifiers ...string) error {
	return m.store.Clear(ctx, item.Key(identifiers...))
}

var _ RateLimiter = (*MovingWindow)(nil)

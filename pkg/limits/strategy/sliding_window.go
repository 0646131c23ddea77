package strategy

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/chris-alexander-pop/ratelimits/pkg/errors"
	"github.com/chris-alexander-pop/ratelimits/pkg/limits"
	"github.com/chris-alexander-pop/ratelimits/pkg/limits/storage"
)

// SlidingWindowCounter approximates a moving window from two bucketed
// counters, weighting the previous bucket by its remaining share of the
// window.
type SlidingWindowCounter struct {
	store storage.SlidingWindowStorage
}

// NewSlidingWindowCounter builds the sliding window counter strategy; it
// refuses storages without the SlidingWindowCounter capability.
func NewSlidingWindowCounter(store storage.Storage) (*SlidingWindowCounter, error) {
	sw, ok := store.(storage.SlidingWindowStorage)
	if !ok {
		return nil, errors.New(errors.CodeConfiguration,
			fmt.Sprintf("sliding window counter is not supported by storage of type %T", store), nil)
	}
	return &SlidingWindowCounter{store: sw}, nil
}

func (s *SlidingWindowCounter) Hit(ctx context.Context, item limits.RateLimit, cost int64, identifiers ...string) (bool, error) {
	if cost > item.Amount {
		return false, nil
	}
	return s.store.AcquireSlidingWindowEntry(ctx, item.Key(identifiers...), item.Amount, item.Expiry(), cost)
}

func (s *SlidingWindowCounter) Test(ctx context.Context, item limits.RateLimit, cost int64, identifiers ...string) (bool, error) {
	if cost > item.Amount {
		return false, nil
	}
	state, err := s.store.SlidingWindow(ctx, item.Key(identifiers...), item.Expiry())
	if err != nil {
		return false, err
	}
	return state.WeightedCount(item.Expiry())+float64(cost) <= float64(item.Amount), nil
}

func (s *SlidingWindowCounter) WindowStats(ctx context.Context, item limits.RateLimit, identifiers ...string) (WindowStats, error) {
	state, err := s.store.SlidingWindow(ctx, item.Key(identifiers...), item.Expiry())
	if err != nil {
		return WindowStats{}, err
	}
	weighted := state.WeightedCount(item.Expiry())
	remaining := item.Amount - int64(math.Ceil(weighted))
	if remaining < 0 {
		remaining = 0
	}
	return WindowStats{
		ResetTime: time.Now().Add(slidingReset(state, item.Expiry())),
		Remaining: remaining,
	}, nil
}

// slidingReset estimates when the window frees capacity next. While the
// previous bucket still weighs in, each of its hits stops counting after a
// previousTTL/previousCount slice; afterwards capacity frees when the
// current bucket's window ends.
func slidingReset(state storage.SlidingWindowState, expiry time.Duration) time.Duration {
	if state.PreviousCount > 0 && state.PreviousTTL > 0 {
		return state.PreviousTTL / time.Duration(state.PreviousCount)
	}
	if state.CurrentTTL > expiry {
		return state.CurrentTTL - expiry
	}
	return state.CurrentTTL
}

func (s *SlidingWindowCounter) Clear(ctx context.Context, item limits.RateLimit, identifiers ...string) error {
	return s.store.Clear(ctx, item.Key(identifiers...))
}

var _ RateLimiter = (*SlidingWindowCounter)(nil)

// Package strategy implements the rate limiting algorithms over the storage
// capability contract: fixed window (plain and elastic expiry), moving
// window and sliding window counter.
//
// Strategies are safe for concurrent use when their storage is; they hold
// the storage by plain reference and never retry on its behalf. Backend
// failures surface as storage errors for the caller to handle. Cancelling an
// in-flight Hit leaves the backend outcome undefined; compensate with Clear
// when strict bookkeeping matters.
package strategy

import (
	"context"
	"fmt"
	"time"

	"github.com/chris-alexander-pop/ratelimits/pkg/errors"
	"github.com/chris-alexander-pop/ratelimits/pkg/limits"
	"github.com/chris-alexander-pop/ratelimits/pkg/limits/storage"
)

// WindowStats describes the state of one rate limited window.
type WindowStats struct {
	// ResetTime is when the window frees capacity next.
	ResetTime time.Time

	// Remaining is the quantity left in the window.
	Remaining int64
}

// RateLimiter is the uniform strategy surface.
type RateLimiter interface {
	// Hit consumes cost from the limit and reports whether the hit was
	// accepted. A refusal is not an error.
	Hit(ctx context.Context, item limits.RateLimit, cost int64, identifiers ...string) (bool, error)

	// Test reports whether a hit of the given cost would currently be
	// accepted, without consuming capacity.
	Test(ctx context.Context, item limits.RateLimit, cost int64, identifiers ...string) (bool, error)

	// WindowStats returns the reset time and remaining quantity of the
	// window.
	WindowStats(ctx context.Context, item limits.RateLimit, identifiers ...string) (WindowStats, error)

	// Clear forgets all state for the limit and identifiers.
	Clear(ctx context.Context, item limits.RateLimit, identifiers ...string) error
}

// Kind names a rate limiting algorithm.
type Kind string

const (
	KindFixedWindow        Kind = "fixed-window"
	KindFixedWindowElastic Kind = "fixed-window-elastic-expiry"
	KindMovingWindow       Kind = "moving-window"
	KindSlidingWindow      Kind = "sliding-window-counter"
)

// New builds the named strategy over the storage, failing with a
// configuration error when the storage lacks the needed capability.
func New(store storage.Storage, kind Kind) (RateLimiter, error) {
	switch kind {
	case KindFixedWindow:
		return NewFixedWindow(store), nil
	case KindFixedWindowElastic:
		return NewFixedWindowElastic(store), nil
	case KindMovingWindow:
		return NewMovingWindow(store)
	case KindSlidingWindow:
		return NewSlidingWindowCounter(store)
	default:
		return nil, errors.New(errors.CodeConfiguration,
			fmt.Sprintf("unknown strategy %q", kind), nil)
	}
}

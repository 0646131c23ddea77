package storage

import (
	"context"
	"time"
)

// Storage is the Counter capability every backend provides.
//
// Cancelling the context of an in-flight mutation leaves the key's backend
// state undefined: the operation may or may not have committed. Callers that
// need strict bookkeeping after a cancellation compensate with Clear.
type Storage interface {
	// Incr atomically increments the counter for key by amount. If the key
	// is absent (or expired) the counter is created with value amount and
	// ttl expiry. The ttl is also reset to expiry when elastic is true.
	// Returns the post-increment value.
	Incr(ctx context.Context, key string, expiry time.Duration, amount int64, elastic bool) (int64, error)

	// Get returns the current counter value, or 0 if the key is absent or
	// expired. Absence is not an error.
	Get(ctx context.Context, key string) (int64, error)

	// GetExpiry returns the absolute expiry time of the key, or the current
	// time if the key is absent.
	GetExpiry(ctx context.Context, key string) (time.Time, error)

	// Clear removes all state for the key. Idempotent; clearing a missing
	// key is not an error.
	Clear(ctx context.Context, key string) error

	// Reset removes, best effort, all keys belonging to this library and
	// returns how many were removed. Backends that cannot enumerate keys
	// return an error with errors.CodeUnsupported.
	Reset(ctx context.Context) (int64, error)

	// Check reports whether the backend is reachable. It never returns an
	// error.
	Check(ctx context.Context) bool

	// Close releases the backend client and any background resources.
	Close() error
}

// MovingWindowStorage is implemented by backends that keep an exact,
// newest-first log of hit timestamps per key.
type MovingWindowStorage interface {
	Storage

	// AcquireEntry atomically appends amount entries stamped now to the
	// window log if fewer than limit-amount+1 entries fall inside
	// [now-expiry, now], truncates the log to limit and sets its ttl to
	// expiry. Returns false, with no state change, when capacity is
	// exhausted.
	AcquireEntry(ctx context.Context, key string, limit int64, expiry time.Duration, amount int64) (bool, error)

	// MovingWindow returns the oldest active entry timestamp and the number
	// of active entries inside [now-expiry, now]. An empty window reports
	// (now, 0).
	MovingWindow(ctx context.Context, key string, limit int64, expiry time.Duration) (time.Time, int64, error)
}

// SlidingWindowState is the counter pair backing a sliding window at one
// instant.
type SlidingWindowState struct {
	PreviousCount int64
	PreviousTTL   time.Duration
	CurrentCount  int64
	CurrentTTL    time.Duration
}

// WeightedCount is the previous count scaled by its remaining window share
// plus the current count.
func (s SlidingWindowState) WeightedCount(expiry time.Duration) float64 {
	if expiry <= 0 {
		return float64(s.CurrentCount)
	}
	weighted := float64(s.PreviousCount) * (s.PreviousTTL.Seconds() / expiry.Seconds())
	return float64(int64(weighted)) + float64(s.CurrentCount)
}

// SlidingWindowStorage is implemented by backends that keep the
// current/previous counter pair per key.
type SlidingWindowStorage interface {
	Storage

	// AcquireSlidingWindowEntry atomically (or with documented
	// compensation) admits amount hits when the weighted count allows it.
	// Returns false, without over-admitting, when it does not.
	AcquireSlidingWindowEntry(ctx context.Context, key string, limit int64, expiry time.Duration, amount int64) (bool, error)

	// SlidingWindow returns the counter pair and their remaining ttls.
	SlidingWindow(ctx context.Context, key string, expiry time.Duration) (SlidingWindowState, error)
}

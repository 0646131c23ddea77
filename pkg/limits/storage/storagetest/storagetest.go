// Package storagetest is the behavioral conformance suite every driver runs
// against. The memory driver is the reference; remote drivers must pass the
// same assertions.
package storagetest

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chris-alexander-pop/ratelimits/pkg/limits/storage"
)

// key returns a fresh key so suite runs never collide, including on shared
// backends.
func key() string {
	return "LIMITER/storagetest/" + uuid.NewString()
}

// TestCounter exercises the Counter capability contract.
func TestCounter(t *testing.T, store storage.Storage) {
	ctx := context.Background()

	t.Run("IncrCreatesWithAmount", func(t *testing.T) {
		k := key()
		value, err := store.Incr(ctx, k, time.Minute, 1, false)
		require.NoError(t, err)
		assert.Equal(t, int64(1), value)

		value, err = store.Incr(ctx, k, time.Minute, 1, false)
		require.NoError(t, err)
		assert.Equal(t, int64(2), value)
	})

	t.Run("IncrByAmount", func(t *testing.T) {
		k := key()
		value, err := store.Incr(ctx, k, time.Minute, 5, false)
		require.NoError(t, err)
		assert.Equal(t, int64(5), value)

		value, err = store.Incr(ctx, k, time.Minute, 3, false)
		require.NoError(t, err)
		assert.Equal(t, int64(8), value)
	})

	t.Run("GetAbsentIsZero", func(t *testing.T) {
		value, err := store.Get(ctx, key())
		require.NoError(t, err)
		assert.Equal(t, int64(0), value)
	})

	t.Run("GetReadsCounter", func(t *testing.T) {
		k := key()
		_, err := store.Incr(ctx, k, time.Minute, 4, false)
		require.NoError(t, err)

		value, err := store.Get(ctx, k)
		require.NoError(t, err)
		assert.Equal(t, int64(4), value)
	})

	t.Run("ExpiryResetsCounter", func(t *testing.T) {
		k := key()
		_, err := store.Incr(ctx, k, time.Second, 3, false)
		require.NoError(t, err)

		time.Sleep(1100 * time.Millisecond)

		value, err := store.Get(ctx, k)
		require.NoError(t, err)
		assert.Equal(t, int64(0), value)

		// A fresh increment starts a new window.
		value, err = store.Incr(ctx, k, time.Second, 1, false)
		require.NoError(t, err)
		assert.Equal(t, int64(1), value)
	})

	t.Run("GetExpiry", func(t *testing.T) {
		k := key()
		before := time.Now()
		_, err := store.Incr(ctx, k, time.Minute, 1, false)
		require.NoError(t, err)

		expiry, err := store.GetExpiry(ctx, k)
		require.NoError(t, err)
		assert.WithinDuration(t, before.Add(time.Minute), expiry, 5*time.Second)
	})

	t.Run("GetExpiryAbsentIsNow", func(t *testing.T) {
		expiry, err := store.GetExpiry(ctx, key())
		require.NoError(t, err)
		assert.WithinDuration(t, time.Now(), expiry, 5*time.Second)
	})

	t.Run("ElasticExpiryExtends", func(t *testing.T) {
		k := key()
		_, err := store.Incr(ctx, k, 2*time.Second, 1, true)
		require.NoError(t, err)

		time.Sleep(1200 * time.Millisecond)
		_, err = store.Incr(ctx, k, 2*time.Second, 1, true)
		require.NoError(t, err)

		// The first window would have lapsed by now without the extension.
		time.Sleep(1200 * time.Millisecond)
		value, err := store.Get(ctx, k)
		require.NoError(t, err)
		assert.Equal(t, int64(2), value)
	})

	t.Run("ClearIsIdempotent", func(t *testing.T) {
		k := key()
		_, err := store.Incr(ctx, k, time.Minute, 2, false)
		require.NoError(t, err)

		require.NoError(t, store.Clear(ctx, k))
		require.NoError(t, store.Clear(ctx, k))

		value, err := store.Get(ctx, k)
		require.NoError(t, err)
		assert.Equal(t, int64(0), value)
	})

	t.Run("KeyIsolation", func(t *testing.T) {
		a, b := key(), key()
		_, err := store.Incr(ctx, a, time.Minute, 7, false)
		require.NoError(t, err)

		value, err := store.Get(ctx, b)
		require.NoError(t, err)
		assert.Equal(t, int64(0), value)
	})

	t.Run("Check", func(t *testing.T) {
		assert.True(t, store.Check(ctx))
	})
}

// TestReset exercises bulk removal; drivers without reset support skip it.
func TestReset(t *testing.T, store storage.Storage) {
	ctx := context.Background()

	keys := make([]string, 5)
	for i := range keys {
		keys[i] = key()
		_, err := store.Incr(ctx, keys[i], time.Minute, 1, false)
		require.NoError(t, err)
	}

	removed, err := store.Reset(ctx)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, removed, int64(len(keys)))

	for _, k := range keys {
		value, err := store.Get(ctx, k)
		require.NoError(t, err)
		assert.Equal(t, int64(0), value)
	}
}

// TestMovingWindow exercises the MovingWindow capability contract.
func TestMovingWindow(t *testing.T, store storage.MovingWindowStorage) {
	ctx := context.Background()

	t.Run("EmptyWindow", func(t *testing.T) {
		oldest, count, err := store.MovingWindow(ctx, key(), 10, time.Minute)
		require.NoError(t, err)
		assert.Equal(t, int64(0), count)
		assert.WithinDuration(t, time.Now(), oldest, 5*time.Second)
	})

	t.Run("AcquireUpToLimit", func(t *testing.T) {
		k := key()
		for i := 0; i < 10; i++ {
			acquired, err := store.AcquireEntry(ctx, k, 10, time.Minute, 1)
			require.NoError(t, err)
			assert.True(t, acquired, "hit %d", i+1)
		}
		acquired, err := store.AcquireEntry(ctx, k, 10, time.Minute, 1)
		require.NoError(t, err)
		assert.False(t, acquired)

		_, count, err := store.MovingWindow(ctx, k, 10, time.Minute)
		require.NoError(t, err)
		assert.Equal(t, int64(10), count)
	})

	t.Run("RefusalDoesNotRecord", func(t *testing.T) {
		k := key()
		for i := 0; i < 5; i++ {
			_, err := store.AcquireEntry(ctx, k, 5, time.Minute, 1)
			require.NoError(t, err)
		}
		for i := 0; i < 3; i++ {
			acquired, err := store.AcquireEntry(ctx, k, 5, time.Minute, 1)
			require.NoError(t, err)
			assert.False(t, acquired)
		}
		_, count, err := store.MovingWindow(ctx, k, 5, time.Minute)
		require.NoError(t, err)
		assert.Equal(t, int64(5), count)
	})

	t.Run("CostAboveRemainingRefusedAtomically", func(t *testing.T) {
		k := key()
		acquired, err := store.AcquireEntry(ctx, k, 10, time.Minute, 5)
		require.NoError(t, err)
		assert.True(t, acquired)

		acquired, err = store.AcquireEntry(ctx, k, 10, time.Minute, 6)
		require.NoError(t, err)
		assert.False(t, acquired)

		acquired, err = store.AcquireEntry(ctx, k, 10, time.Minute, 5)
		require.NoError(t, err)
		assert.True(t, acquired)

		_, count, err := store.MovingWindow(ctx, k, 10, time.Minute)
		require.NoError(t, err)
		assert.Equal(t, int64(10), count)
	})

	t.Run("CostAboveLimitNeverTouchesStorage", func(t *testing.T) {
		k := key()
		acquired, err := store.AcquireEntry(ctx, k, 3, time.Minute, 4)
		require.NoError(t, err)
		assert.False(t, acquired)

		_, count, err := store.MovingWindow(ctx, k, 3, time.Minute)
		require.NoError(t, err)
		assert.Equal(t, int64(0), count)
	})

	t.Run("EntriesAgeOut", func(t *testing.T) {
		k := key()
		for i := 0; i < 5; i++ {
			_, err := store.AcquireEntry(ctx, k, 5, time.Second, 1)
			require.NoError(t, err)
		}
		acquired, err := store.AcquireEntry(ctx, k, 5, time.Second, 1)
		require.NoError(t, err)
		assert.False(t, acquired)

		time.Sleep(1100 * time.Millisecond)

		acquired, err = store.AcquireEntry(ctx, k, 5, time.Second, 1)
		require.NoError(t, err)
		assert.True(t, acquired)
	})
}

// TestSlidingWindow exercises the SlidingWindowCounter capability contract.
func TestSlidingWindow(t *testing.T, store storage.SlidingWindowStorage) {
	ctx := context.Background()

	t.Run("EmptyState", func(t *testing.T) {
		state, err := store.SlidingWindow(ctx, key(), time.Minute)
		require.NoError(t, err)
		assert.Zero(t, state.PreviousCount)
		assert.Zero(t, state.CurrentCount)
	})

	t.Run("AcquireUpToLimit", func(t *testing.T) {
		k := key()
		for i := 0; i < 5; i++ {
			acquired, err := store.AcquireSlidingWindowEntry(ctx, k, 5, time.Minute, 1)
			require.NoError(t, err)
			assert.True(t, acquired, "hit %d", i+1)
		}
		acquired, err := store.AcquireSlidingWindowEntry(ctx, k, 5, time.Minute, 1)
		require.NoError(t, err)
		assert.False(t, acquired)

		state, err := store.SlidingWindow(ctx, k, time.Minute)
		require.NoError(t, err)
		assert.Equal(t, int64(5), state.PreviousCount+state.CurrentCount)
	})

	t.Run("CostAboveLimitNeverTouchesStorage", func(t *testing.T) {
		k := key()
		acquired, err := store.AcquireSlidingWindowEntry(ctx, k, 3, time.Minute, 4)
		require.NoError(t, err)
		assert.False(t, acquired)

		state, err := store.SlidingWindow(ctx, k, time.Minute)
		require.NoError(t, err)
		assert.Zero(t, state.CurrentCount)
	})

	t.Run("PreviousWindowWeighsIn", func(t *testing.T) {
		k := key()
		// Align with the wall clock so the hits land early in one epoch
		// interval regardless of how the driver buckets.
		now := time.Now()
		time.Sleep(now.Truncate(time.Second).Add(1050 * time.Millisecond).Sub(now))
		for i := 0; i < 4; i++ {
			acquired, err := store.AcquireSlidingWindowEntry(ctx, k, 4, time.Second, 1)
			require.NoError(t, err)
			assert.True(t, acquired)
		}
		acquired, err := store.AcquireSlidingWindowEntry(ctx, k, 4, time.Second, 1)
		require.NoError(t, err)
		assert.False(t, acquired)

		// Just after rollover the previous bucket still claims most of the
		// weighted count.
		time.Sleep(1050 * time.Millisecond)
		state, err := store.SlidingWindow(ctx, k, time.Second)
		require.NoError(t, err)
		assert.Positive(t, state.PreviousCount)

		// Two window lengths later everything has aged out.
		time.Sleep(2100 * time.Millisecond)
		state, err = store.SlidingWindow(ctx, k, time.Second)
		require.NoError(t, err)
		assert.LessOrEqual(t, state.WeightedCount(time.Second), 0.0)

		acquired, err = store.AcquireSlidingWindowEntry(ctx, k, 4, time.Second, 1)
		require.NoError(t, err)
		assert.True(t, acquired)
	})
}

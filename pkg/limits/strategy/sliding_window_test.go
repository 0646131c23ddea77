package strategy

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chris-alexander-pop/ratelimits/pkg/limits"
)

func TestSlidingWindowSaturation(t *testing.T) {
	limiter, err := NewSlidingWindowCounter(newMemory(t))
	require.NoError(t, err)
	ctx := context.Background()
	item := limits.PerMinute(5)

	for i := 0; i < 5; i++ {
		accepted, err := limiter.Hit(ctx, item, 1, "steady")
		require.NoError(t, err)
		assert.True(t, accepted, "hit %d", i+1)
	}
	accepted, err := limiter.Hit(ctx, item, 1, "steady")
	require.NoError(t, err)
	assert.False(t, accepted)

	stats, err := limiter.WindowStats(ctx, item, "steady")
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats.Remaining)
}

func TestSlidingWindowBoundary(t *testing.T) {
	if testing.Short() {
		t.Skip("sleeps across a window rollover")
	}
	limiter, err := NewSlidingWindowCounter(newMemory(t))
	require.NoError(t, err)
	ctx := context.Background()
	item := limits.PerSecond(5)

	// Land the hits early in one wall-clock interval.
	now := time.Now()
	time.Sleep(now.Truncate(time.Second).Add(1200 * time.Millisecond).Sub(now))

	for i := 0; i < 3; i++ {
		accepted, err := limiter.Hit(ctx, item, 1, "boundary")
		require.NoError(t, err)
		require.True(t, accepted)
	}

	// Just past the rollover the three hits weigh in from the previous
	// bucket, leaving roughly two slots.
	now = time.Now()
	time.Sleep(now.Truncate(time.Second).Add(1050 * time.Millisecond).Sub(now))

	stats, err := limiter.WindowStats(ctx, item, "boundary")
	require.NoError(t, err)
	assert.InDelta(t, 2, stats.Remaining, 1)
	assert.WithinDuration(t, time.Now().Add(time.Second/3), stats.ResetTime, 400*time.Millisecond)

	accepted := 0
	for i := 0; i < 3; i++ {
		ok, err := limiter.Hit(ctx, item, 1, "boundary")
		require.NoError(t, err)
		if ok {
			accepted++
		}
	}
	assert.GreaterOrEqual(t, accepted, 2)

	// By now the window is saturated either way.
	ok, err := limiter.Hit(ctx, item, 1, "boundary")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSlidingWindowCostAboveLimit(t *testing.T) {
	limiter, err := NewSlidingWindowCounter(newMemory(t))
	require.NoError(t, err)
	ctx := context.Background()
	item := limits.PerMinute(5)

	accepted, err := limiter.Hit(ctx, item, 6, "oversized")
	require.NoError(t, err)
	assert.False(t, accepted)

	stats, err := limiter.WindowStats(ctx, item, "oversized")
	require.NoError(t, err)
	assert.Equal(t, int64(5), stats.Remaining)
}

func TestSlidingWindowTestDoesNotConsume(t *testing.T) {
	limiter, err := NewSlidingWindowCounter(newMemory(t))
	require.NoError(t, err)
	ctx := context.Background()
	item := limits.PerMinute(2)

	for i := 0; i < 4; i++ {
		ok, err := limiter.Test(ctx, item, 1, "peek")
		require.NoError(t, err)
		assert.True(t, ok)
	}

	accepted, err := limiter.Hit(ctx, item, 2, "peek")
	require.NoError(t, err)
	require.True(t, accepted)

	ok, err := limiter.Test(ctx, item, 1, "peek")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSlidingWindowClear(t *testing.T) {
	limiter, err := NewSlidingWindowCounter(newMemory(t))
	require.NoError(t, err)
	ctx := context.Background()
	item := limits.PerMinute(3)

	for i := 0; i < 3; i++ {
		_, err := limiter.Hit(ctx, item, 1, "fresh")
		require.NoError(t, err)
	}
	require.NoError(t, limiter.Clear(ctx, item, "fresh"))

	stats, err := limiter.WindowStats(ctx, item, "fresh")
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.Remaining)

	accepted, err := limiter.Hit(ctx, item, 1, "fresh")
	require.NoError(t, err)
	assert.True(t, accepted)
}

func TestSlidingWindowKeyIsolation(t *testing.T) {
	limiter, err := NewSlidingWindowCounter(newMemory(t))
	require.NoError(t, err)
	ctx := context.Background()
	item := limits.PerMinute(1)

	accepted, err := limiter.Hit(ctx, item, 1, "tenant", "a")
	require.NoError(t, err)
	require.True(t, accepted)

	accepted, err = limiter.Hit(ctx, item, 1, "tenant", "a")
	require.NoError(t, err)
	assert.False(t, accepted)

	accepted, err = limiter.Hit(ctx, item, 1, "tenant", "b")
	require.NoError(t, err)
	assert.True(t, accepted)
}

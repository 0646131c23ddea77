package strategy

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chris-alexander-pop/ratelimits/pkg/limits"
)

func TestFixedWindowSaturation(t *testing.T) {
	if testing.Short() {
		t.Skip("sleeps through a 2 second window")
	}
	limiter := NewFixedWindow(newMemory(t))
	ctx := context.Background()
	item := limits.PerSecond(10, 2)

	for i := 0; i < 10; i++ {
		accepted, err := limiter.Hit(ctx, item, 1, "client")
		require.NoError(t, err)
		assert.True(t, accepted, "hit %d", i+1)
	}

	accepted, err := limiter.Hit(ctx, item, 1, "client")
	require.NoError(t, err)
	assert.False(t, accepted)

	time.Sleep(2100 * time.Millisecond)

	accepted, err = limiter.Hit(ctx, item, 1, "client")
	require.NoError(t, err)
	assert.True(t, accepted)

	stats, err := limiter.WindowStats(ctx, item, "client")
	require.NoError(t, err)
	assert.Equal(t, int64(9), stats.Remaining)
}

func TestFixedWindowRefusedHitStillConsumes(t *testing.T) {
	limiter := NewFixedWindow(newMemory(t))
	ctx := context.Background()
	item := limits.PerMinute(3)

	for i := 0; i < 3; i++ {
		_, err := limiter.Hit(ctx, item, 1, "greedy")
		require.NoError(t, err)
	}
	accepted, err := limiter.Hit(ctx, item, 1, "greedy")
	require.NoError(t, err)
	require.False(t, accepted)

	// The refusal was recorded: remaining stays pinned at zero and the
	// counter keeps growing underneath.
	stats, err := limiter.WindowStats(ctx, item, "greedy")
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats.Remaining)
}

func TestFixedWindowTestDoesNotConsume(t *testing.T) {
	limiter := NewFixedWindow(newMemory(t))
	ctx := context.Background()
	item := limits.PerMinute(2)

	for i := 0; i < 5; i++ {
		ok, err := limiter.Test(ctx, item, 1, "peek")
		require.NoError(t, err)
		assert.True(t, ok)
	}

	accepted, err := limiter.Hit(ctx, item, 2, "peek")
	require.NoError(t, err)
	assert.True(t, accepted)

	ok, err := limiter.Test(ctx, item, 1, "peek")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFixedWindowCost(t *testing.T) {
	limiter := NewFixedWindow(newMemory(t))
	ctx := context.Background()
	item := limits.PerMinute(10)

	accepted, err := limiter.Hit(ctx, item, 7, "bulk")
	require.NoError(t, err)
	assert.True(t, accepted)

	accepted, err = limiter.Hit(ctx, item, 4, "bulk")
	require.NoError(t, err)
	assert.False(t, accepted)
}

func TestFixedWindowClear(t *testing.T) {
	limiter := NewFixedWindow(newMemory(t))
	ctx := context.Background()
	item := limits.PerMinute(2)

	for i := 0; i < 3; i++ {
		_, err := limiter.Hit(ctx, item, 1, "fresh")
		require.NoError(t, err)
	}
	require.NoError(t, limiter.Clear(ctx, item, "fresh"))

	stats, err := limiter.WindowStats(ctx, item, "fresh")
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.Remaining)
	assert.WithinDuration(t, time.Now(), stats.ResetTime, time.Second)

	accepted, err := limiter.Hit(ctx, item, 1, "fresh")
	require.NoError(t, err)
	assert.True(t, accepted)
}

func TestFixedWindowKeyIsolation(t *testing.T) {
	limiter := NewFixedWindow(newMemory(t))
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

func TestFixedWindowElasticExtendsOnEveryHit(t *testing.T) {
	if testing.Short() {
		t.Skip("sleeps through elastic window extensions")
	}
	limiter := NewFixedWindowElastic(newMemory(t))
	ctx := context.Background()
	item := limits.PerSecond(10, 2)

	for i := 0; i < 10; i++ {
		accepted, err := limiter.Hit(ctx, item, 1, "elastic")
		require.NoError(t, err)
		require.True(t, accepted)
	}

	// Each refused hit still extends the window, so staying busy keeps the
	// client locked out.
	time.Sleep(time.Second)
	accepted, err := limiter.Hit(ctx, item, 1, "elastic")
	require.NoError(t, err)
	assert.False(t, accepted)

	time.Sleep(1800 * time.Millisecond)
	accepted, err = limiter.Hit(ctx, item, 1, "elastic")
	require.NoError(t, err)
	assert.False(t, accepted)

	// Quiet for a full window; the counter finally lapses.
	time.Sleep(2300 * time.Millisecond)
	accepted, err = limiter.Hit(ctx, item, 1, "elastic")
	require.NoError(t, err)
	assert.True(t, accepted)
}

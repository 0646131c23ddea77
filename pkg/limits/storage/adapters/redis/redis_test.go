package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chris-alexander-pop/ratelimits/pkg/limits/storage"
)

// newTestStore runs the driver against an in-memory redis. Window expiry is
// driven with mr.FastForward since miniredis ttls do not decay on their own.
func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err, "failed to start miniredis")
	t.Cleanup(mr.Close)

	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return NewWithClient(client), mr
}

func TestIncr(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	value, err := s.Incr(ctx, "counter", time.Minute, 1, false)
	require.NoError(t, err)
	assert.Equal(t, int64(1), value)

	value, err = s.Incr(ctx, "counter", time.Minute, 4, false)
	require.NoError(t, err)
	assert.Equal(t, int64(5), value)

	// The creating call stamped the ttl; the second one must not reset it.
	mr.FastForward(30 * time.Second)
	_, err = s.Incr(ctx, "counter", time.Minute, 1, false)
	require.NoError(t, err)
	mr.FastForward(31 * time.Second)

	value, err = s.Get(ctx, "counter")
	require.NoError(t, err)
	assert.Equal(t, int64(0), value)
}

func TestIncrElasticExtendsWindow(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	_, err := s.Incr(ctx, "elastic", time.Minute, 1, true)
	require.NoError(t, err)
	mr.FastForward(45 * time.Second)

	_, err = s.Incr(ctx, "elastic", time.Minute, 1, true)
	require.NoError(t, err)
	mr.FastForward(45 * time.Second)

	value, err := s.Get(ctx, "elastic")
	require.NoError(t, err)
	assert.Equal(t, int64(2), value)
}

func TestGetAbsentIsZero(t *testing.T) {
	s, _ := newTestStore(t)

	value, err := s.Get(context.Background(), "nope")
	require.NoError(t, err)
	assert.Equal(t, int64(0), value)
}

func TestKeysArePrefixed(t *testing.T) {
	s, mr := newTestStore(t)

	_, err := s.Incr(context.Background(), "LIMITER/a/1/1/second", time.Minute, 1, false)
	require.NoError(t, err)
	assert.True(t, mr.Exists("LIMITS:LIMITER/a/1/1/second"))
}

func TestGetExpiry(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	before := time.Now()
	_, err := s.Incr(ctx, "expiring", time.Minute, 1, false)
	require.NoError(t, err)

	expiry, err := s.GetExpiry(ctx, "expiring")
	require.NoError(t, err)
	assert.WithinDuration(t, before.Add(time.Minute), expiry, 2*time.Second)

	expiry, err = s.GetExpiry(ctx, "absent")
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now(), expiry, 2*time.Second)
}

func TestClear(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	_, err := s.Incr(ctx, "gone", time.Minute, 3, false)
	require.NoError(t, err)
	require.NoError(t, s.Clear(ctx, "gone"))
	require.NoError(t, s.Clear(ctx, "gone"))

	value, err := s.Get(ctx, "gone")
	require.NoError(t, err)
	assert.Equal(t, int64(0), value)
}

func TestReset(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	for _, key := range []string{"a", "b", "c"} {
		_, err := s.Incr(ctx, key, time.Minute, 1, false)
		require.NoError(t, err)
	}

	removed, err := s.Reset(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), removed)

	for _, key := range []string{"a", "b", "c"} {
		value, err := s.Get(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, int64(0), value)
	}
}

func TestAcquireEntry(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		acquired, err := s.AcquireEntry(ctx, "window", 10, time.Minute, 1)
		require.NoError(t, err)
		assert.True(t, acquired, "hit %d", i+1)
	}
	acquired, err := s.AcquireEntry(ctx, "window", 10, time.Minute, 1)
	require.NoError(t, err)
	assert.False(t, acquired)

	oldest, count, err := s.MovingWindow(ctx, "window", 10, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(10), count)
	assert.WithinDuration(t, time.Now(), oldest, 5*time.Second)
}

func TestAcquireEntryCost(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	acquired, err := s.AcquireEntry(ctx, "cost", 10, time.Minute, 5)
	require.NoError(t, err)
	assert.True(t, acquired)

	acquired, err = s.AcquireEntry(ctx, "cost", 10, time.Minute, 6)
	require.NoError(t, err)
	assert.False(t, acquired)

	acquired, err = s.AcquireEntry(ctx, "cost", 10, time.Minute, 5)
	require.NoError(t, err)
	assert.True(t, acquired)

	_, count, err := s.MovingWindow(ctx, "cost", 10, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(10), count)
}

func TestMovingWindowAgesOut(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := s.AcquireEntry(ctx, "aging", 5, time.Minute, 1)
		require.NoError(t, err)
	}
	acquired, err := s.AcquireEntry(ctx, "aging", 5, time.Minute, 1)
	require.NoError(t, err)
	require.False(t, acquired)

	// miniredis freezes time for ttls but the entry timestamps come from
	// the client clock, so age the list by key expiry instead.
	mr.FastForward(61 * time.Second)

	_, count, err := s.MovingWindow(ctx, "aging", 5, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(0), count)
}

func TestSlidingWindowAcquire(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		acquired, err := s.AcquireSlidingWindowEntry(ctx, "sliding", 5, time.Minute, 1)
		require.NoError(t, err)
		assert.True(t, acquired, "hit %d", i+1)
	}
	acquired, err := s.AcquireSlidingWindowEntry(ctx, "sliding", 5, time.Minute, 1)
	require.NoError(t, err)
	assert.False(t, acquired)

	state, err := s.SlidingWindow(ctx, "sliding", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(5), state.CurrentCount)
	assert.Zero(t, state.PreviousCount)
}

func TestSlidingWindowRollover(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		_, err := s.AcquireSlidingWindowEntry(ctx, "roll", 4, time.Minute, 1)
		require.NoError(t, err)
	}

	// Past one window length the current bucket reads as previous.
	mr.FastForward(70 * time.Second)
	state, err := s.SlidingWindow(ctx, "roll", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(4), state.PreviousCount)
	assert.Zero(t, state.CurrentCount)
	assert.Positive(t, state.PreviousTTL)

	// The previous bucket still weighs in, so capacity is partial.
	acquired, err := s.AcquireSlidingWindowEntry(ctx, "roll", 4, time.Minute, 1)
	require.NoError(t, err)
	assert.True(t, acquired)

	// Two window lengths on, everything has expired.
	mr.FastForward(2 * time.Minute)
	state, err = s.SlidingWindow(ctx, "roll", time.Minute)
	require.NoError(t, err)
	assert.Zero(t, state.PreviousCount)
	assert.Zero(t, state.CurrentCount)
}

func TestSlidingWindowPairShareSlot(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	_, err := s.AcquireSlidingWindowEntry(ctx, "tagged", 5, time.Minute, 1)
	require.NoError(t, err)
	assert.True(t, mr.Exists("LIMITS:{tagged}"))

	mr.FastForward(70 * time.Second)
	// A write after rollover shifts the bucket into the previous slot.
	_, err = s.AcquireSlidingWindowEntry(ctx, "tagged", 5, time.Minute, 1)
	require.NoError(t, err)
	assert.True(t, mr.Exists("LIMITS:{tagged}/-1"))
}

func TestCheck(t *testing.T) {
	s, mr := newTestStore(t)
	assert.True(t, s.Check(context.Background()))
	mr.Close()
	assert.False(t, s.Check(context.Background()))
}

func TestSchemeRegistration(t *testing.T) {
	for _, scheme := range []string{"redis", "rediss", "redis+unix", "redis+cluster", "redis+sentinel"} {
		assert.Contains(t, storage.Schemes(), scheme)
	}
}

func TestSentinelNeedsServiceName(t *testing.T) {
	_, err := storage.NewFromURI("redis+sentinel://localhost:26379")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "service name")
}

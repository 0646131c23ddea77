package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// movingFake adds the MovingWindow capability to fakeStore.
type movingFake struct {
	fakeStore
	acquired int
}

var _ MovingWindowStorage = (*movingFake)(nil)

func (m *movingFake) AcquireEntry(ctx context.Context, key string, limit int64, expiry time.Duration, amount int64) (bool, error) {
	m.acquired++
	return true, nil
}

func (m *movingFake) MovingWindow(ctx context.Context, key string, limit int64, expiry time.Duration) (time.Time, int64, error) {
	return time.Now(), int64(m.acquired), nil
}

// slidingFake adds the SlidingWindowCounter capability to fakeStore.
type slidingFake struct {
	fakeStore
}

var _ SlidingWindowStorage = (*slidingFake)(nil)

func (s *slidingFake) AcquireSlidingWindowEntry(ctx context.Context, key string, limit int64, expiry time.Duration, amount int64) (bool, error) {
	return true, nil
}

func (s *slidingFake) SlidingWindow(ctx context.Context, key string, expiry time.Duration) (SlidingWindowState, error) {
	return SlidingWindowState{}, nil
}

func TestInstrumentedPreservesCapabilities(t *testing.T) {
	t.Run("CounterOnly", func(t *testing.T) {
		wrapped := NewInstrumented(&fakeStore{})
		_, isMoving := wrapped.(MovingWindowStorage)
		_, isSliding := wrapped.(SlidingWindowStorage)
		assert.False(t, isMoving)
		assert.False(t, isSliding)
	})

	t.Run("MovingWindow", func(t *testing.T) {
		wrapped := NewInstrumented(&movingFake{})
		_, isMoving := wrapped.(MovingWindowStorage)
		_, isSliding := wrapped.(SlidingWindowStorage)
		assert.True(t, isMoving)
		assert.False(t, isSliding)
	})

	t.Run("SlidingWindow", func(t *testing.T) {
		wrapped := NewInstrumented(&slidingFake{})
		_, isMoving := wrapped.(MovingWindowStorage)
		_, isSliding := wrapped.(SlidingWindowStorage)
		assert.False(t, isMoving)
		assert.True(t, isSliding)
	})
}

func TestInstrumentedForwards(t *testing.T) {
	ctx := context.Background()

	wrapped := NewInstrumented(&movingFake{})
	value, err := wrapped.Incr(ctx, "k", time.Minute, 3, false)
	require.NoError(t, err)
	assert.Equal(t, int64(3), value)
	assert.True(t, wrapped.Check(ctx))

	mw := wrapped.(MovingWindowStorage)
	acquired, err := mw.AcquireEntry(ctx, "k", 10, time.Minute, 1)
	require.NoError(t, err)
	assert.True(t, acquired)

	_, count, err := mw.MovingWindow(ctx, "k", 10, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryCacheExpiry(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewMemoryCache()
	c.SetClock(func() time.Time { return now })

	require.NoError(t, c.Set(ctx, "otp:abc", "payload", time.Minute))
	value, err := c.Get(ctx, "otp:abc")
	require.NoError(t, err)
	assert.Equal(t, "payload", value)

	now = now.Add(time.Minute)
	_, err = c.Get(ctx, "otp:abc")
	assert.ErrorIs(t, err, ErrMiss)
}

func TestMemoryCacheIncrKeepsFirstExpiry(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewMemoryCache()
	c.SetClock(func() time.Time { return now })

	for i := int64(1); i <= 3; i++ {
		count, err := c.Incr(ctx, "rate", time.Hour)
		require.NoError(t, err)
		assert.Equal(t, i, count)
		now = now.Add(10 * time.Minute)
	}

	now = now.Add(31 * time.Minute)
	count, err := c.Incr(ctx, "rate", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestMemoryCacheDelete(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache()
	require.NoError(t, c.Set(ctx, "k", "v", 0))
	require.NoError(t, c.Delete(ctx, "k"))
	_, err := c.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrMiss)
}

func TestMemoryCacheCompareAndDelete(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache()
	require.NoError(t, c.Set(ctx, "otp:t", "v1", time.Minute))

	deleted, err := c.CompareAndDelete(ctx, "otp:t", "v2")
	require.NoError(t, err)
	assert.False(t, deleted)

	deleted, err = c.CompareAndDelete(ctx, "otp:t", "v1")
	require.NoError(t, err)
	assert.True(t, deleted)

	deleted, err = c.CompareAndDelete(ctx, "otp:t", "v1")
	require.NoError(t, err)
	assert.False(t, deleted)
}

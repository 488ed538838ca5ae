package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStoreSlidingWindow(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	start := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	for i := range 3 {
		res, err := store.Allow(ctx, "user:a", 3, time.Minute, start.Add(time.Duration(i)*time.Second))
		require.NoError(t, err)
		assert.True(t, res.Allowed)
		assert.Equal(t, 2-i, res.Remaining)
	}

	res, err := store.Allow(ctx, "user:a", 3, time.Minute, start.Add(10*time.Second))
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, start.Add(time.Minute), res.ResetAt)
	assert.Equal(t, 50, res.RetryAfter)

	other, err := store.Allow(ctx, "user:b", 3, time.Minute, start.Add(10*time.Second))
	require.NoError(t, err)
	assert.True(t, other.Allowed, "keys are independent")

	// The first hit slides out of the window.
	res, err = store.Allow(ctx, "user:a", 3, time.Minute, start.Add(time.Minute+time.Millisecond))
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Equal(t, 0, res.Remaining)
}

func TestRetryAfterIsAtLeastOneSecond(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, 1, retryAfter(now.Add(100*time.Millisecond), now))
	assert.Equal(t, 1, retryAfter(now.Add(-time.Second), now))
	assert.Equal(t, 30, retryAfter(now.Add(30*time.Second), now))
}

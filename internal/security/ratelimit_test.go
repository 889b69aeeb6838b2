package security

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSenderKey(t *testing.T) {
	k1 := senderKey("Alice@Example.com ")
	k2 := senderKey("alice@example.com")

	assert.Equal(t, k1, k2)
	assert.True(t, strings.HasPrefix(k1, rateLimitKeyPrefix))
	assert.NotContains(t, k1, "alice")
	assert.NotEqual(t, k1, senderKey("bob@example.com"))
}

func TestMemoryRateLimiter_SlidingWindow(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	l := NewMemoryRateLimiter(clock)
	ctx := context.Background()

	for i := 1; i <= 2; i++ {
		allowed, count, err := l.Allow(ctx, "a@b.com", 2, time.Hour)
		require.NoError(t, err)
		assert.True(t, allowed)
		assert.Equal(t, int64(i), count)
		clock.Advance(20 * time.Minute)
	}

	allowed, _, err := l.Allow(ctx, "a@b.com", 2, time.Hour)
	require.NoError(t, err)
	assert.False(t, allowed)

	// The first event leaves the window.
	clock.Advance(21 * time.Minute)
	allowed, count, err := l.Allow(ctx, "a@b.com", 3, time.Hour)
	require.NoError(t, err)
	assert.True(t, allowed)
	assert.Equal(t, int64(3), count)
}

// Runs against a live Redis when MAILFLOW_TEST_REDIS_ADDR is set.
func TestRedisRateLimiter_Integration(t *testing.T) {
	addr := os.Getenv("MAILFLOW_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("MAILFLOW_TEST_REDIS_ADDR not set")
	}

	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = client.Close() })

	ctx := context.Background()
	sender := "ratelimit-it-" + time.Now().Format("150405.000000") + "@example.com"
	t.Cleanup(func() { client.Del(ctx, senderKey(sender)) })

	l := NewRedisRateLimiter(client, nil)
	for i := 0; i < 2; i++ {
		allowed, _, err := l.Allow(ctx, sender, 2, time.Minute)
		require.NoError(t, err)
		assert.True(t, allowed)
	}

	allowed, count, err := l.Allow(ctx, sender, 2, time.Minute)
	require.NoError(t, err)
	assert.False(t, allowed)
	assert.Equal(t, int64(3), count)
}

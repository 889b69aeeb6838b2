package security

import (
	"context"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"golang.org/x/crypto/blake2b"

	"mailflow/internal/types"
)

// RateLimiter counts events per sender within a sliding window.
type RateLimiter interface {
	// Allow records one event for sender and reports whether the count within
	// the trailing window is still at or below limit.
	Allow(ctx context.Context, sender string, limit int, window time.Duration) (allowed bool, count int64, err error)
}

const rateLimitKeyPrefix = "mailflow:ratelimit:"

// senderKey hashes the normalized sender so raw addresses never reach the
// backing store.
func senderKey(sender string) string {
	sum := blake2b.Sum256([]byte(strings.ToLower(strings.TrimSpace(sender))))
	return rateLimitKeyPrefix + hex.EncodeToString(sum[:16])
}

// RedisRateLimiter keeps one sorted set per sender, scored by event time.
type RedisRateLimiter struct {
	client redis.Cmdable
	clock  types.Clock
}

// NewRedisRateLimiter creates a limiter on client.
func NewRedisRateLimiter(client redis.Cmdable, clock types.Clock) *RedisRateLimiter {
	if clock == nil {
		clock = types.RealClock{}
	}
	return &RedisRateLimiter{client: client, clock: clock}
}

// Allow trims expired entries, adds the current event and counts in one
// MULTI/EXEC transaction.
func (l *RedisRateLimiter) Allow(ctx context.Context, sender string, limit int, window time.Duration) (bool, int64, error) {
	key := senderKey(sender)
	now := l.clock.Now()
	cutoff := now.Add(-window).UnixMilli()

	var card *redis.IntCmd
	_, err := l.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRemRangeByScore(ctx, key, "-inf", "("+strconv.FormatInt(cutoff, 10))
		pipe.ZAdd(ctx, key, redis.Z{Score: float64(now.UnixMilli()), Member: uuid.NewString()})
		card = pipe.ZCard(ctx, key)
		pipe.Expire(ctx, key, window)
		return nil
	})
	if err != nil {
		return false, 0, fmt.Errorf("ratelimit: redis transaction: %w", err)
	}

	count := card.Val()
	return count <= int64(limit), count, nil
}

// MemoryRateLimiter is an in-process sliding window for local runs and tests.
type MemoryRateLimiter struct {
	mu     sync.Mutex
	events map[string][]time.Time
	clock  types.Clock
}

// NewMemoryRateLimiter creates an empty limiter.
func NewMemoryRateLimiter(clock types.Clock) *MemoryRateLimiter {
	if clock == nil {
		clock = types.RealClock{}
	}
	return &MemoryRateLimiter{events: make(map[string][]time.Time), clock: clock}
}

// Allow records the event and evaluates the window.
func (l *MemoryRateLimiter) Allow(_ context.Context, sender string, limit int, window time.Duration) (bool, int64, error) {
	key := senderKey(sender)
	now := l.clock.Now()
	cutoff := now.Add(-window)

	l.mu.Lock()
	defer l.mu.Unlock()

	kept := l.events[key][:0]
	for _, ts := range l.events[key] {
		if !ts.Before(cutoff) {
			kept = append(kept, ts)
		}
	}
	kept = append(kept, now)
	l.events[key] = kept

	count := int64(len(kept))
	return count <= int64(limit), count, nil
}

var (
	_ RateLimiter = (*RedisRateLimiter)(nil)
	_ RateLimiter = (*MemoryRateLimiter)(nil)
)

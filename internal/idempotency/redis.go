package idempotency

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/crypto/blake2b"
)

const (
	redisKeyPrefix = "mailflow:idempotency:"
	valueInFlight  = "inflight"
	valueSent      = "sent"
)

// releaseScript deletes the key only while it still holds a lease, so a late
// Release never erases a sent record.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisStore keeps one string key per correlation id.
type RedisStore struct {
	client redis.Cmdable
}

// NewRedisStore creates a store on client.
func NewRedisStore(client redis.Cmdable) *RedisStore {
	return &RedisStore{client: client}
}

// redisKey hashes the correlation id so caller-supplied text never becomes a
// raw Redis key.
func redisKey(id string) string {
	sum := blake2b.Sum256([]byte(id))
	return redisKeyPrefix + hex.EncodeToString(sum[:])
}

// Claim takes the lease with SET NX PX. When the key exists its value decides
// between AlreadySent and InFlight.
func (s *RedisStore) Claim(ctx context.Context, key string, lease time.Duration) (ClaimResult, error) {
	k := redisKey(key)

	// A key can expire between SETNX and GET; one more round settles it.
	for attempt := 0; attempt < 2; attempt++ {
		ok, err := s.client.SetNX(ctx, k, valueInFlight, lease).Result()
		if err != nil {
			return InFlight, fmt.Errorf("redis idempotency: claim: %w", err)
		}
		if ok {
			return Claimed, nil
		}

		val, err := s.client.Get(ctx, k).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return InFlight, fmt.Errorf("redis idempotency: read: %w", err)
		}
		if val == valueSent {
			return AlreadySent, nil
		}
		return InFlight, nil
	}
	return InFlight, nil
}

func (s *RedisStore) MarkSent(ctx context.Context, key string, ttl time.Duration) error {
	if err := s.client.Set(ctx, redisKey(key), valueSent, ttl).Err(); err != nil {
		return fmt.Errorf("redis idempotency: mark sent: %w", err)
	}
	return nil
}

func (s *RedisStore) Release(ctx context.Context, key string) error {
	if err := releaseScript.Run(ctx, s.client, []string{redisKey(key)}, valueInFlight).Err(); err != nil {
		return fmt.Errorf("redis idempotency: release: %w", err)
	}
	return nil
}

var _ Store = (*RedisStore)(nil)

package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/kiranshivaraju/cliprelay/internal/cache"
	"github.com/redis/go-redis/v9"
)

// fixedWindowScript increments a {start, count} hash, resetting it first when
// the window has elapsed. Times are unix milliseconds. The TTL only reclaims
// idle keys; rollover never depends on it.
var fixedWindowScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local start = tonumber(redis.call('HGET', KEYS[1], 'start'))
if start == nil or now - start >= window then
  start = now
  redis.call('HSET', KEYS[1], 'start', start, 'count', 0)
end
local count = redis.call('HINCRBY', KEYS[1], 'count', 1)
redis.call('PEXPIRE', KEYS[1], window * 2)
return {count, start}
`)

// RedisStore shares buckets across processes through Redis.
type RedisStore struct {
	client redis.Scripter
}

// NewRedisStore creates a RedisStore on top of an existing client.
func NewRedisStore(client redis.Scripter) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Increment(ctx context.Context, key string, window time.Duration, now time.Time) (Bucket, error) {
	// Round up: a zero-millisecond window would PEXPIRE the key away.
	windowMs := (window + time.Millisecond - 1).Milliseconds()
	res, err := fixedWindowScript.Run(ctx, s.client, []string{cache.RateLimitKey(key)},
		now.UnixMilli(), windowMs).Int64Slice()
	if err != nil {
		return Bucket{}, fmt.Errorf("run fixed window script: %w", err)
	}
	if len(res) != 2 {
		return Bucket{}, fmt.Errorf("unexpected fixed window reply: %v", res)
	}

	return Bucket{
		Key:         key,
		Count:       res[0],
		WindowStart: time.UnixMilli(res[1]),
	}, nil
}

var _ Store = (*RedisStore)(nil)

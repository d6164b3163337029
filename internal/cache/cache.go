package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/cliprelay/pkg/models"
	"github.com/redis/go-redis/v9"
)

// DefaultJobTTL is how long a job snapshot stays cached after its last
// transition.
const DefaultJobTTL = 30 * time.Minute

// Cache is the caching interface. All cache operations go through here.
// Implementations must be safe for concurrent use.
type Cache interface {
	Ping(ctx context.Context) error
	SetJob(ctx context.Context, job *models.VideoJob, ttl time.Duration) error
	AddJob(ctx context.Context, job *models.VideoJob, ttl time.Duration) (bool, error)
	GetJob(ctx context.Context, id uuid.UUID) (*models.VideoJob, bool, error)
	DeleteJob(ctx context.Context, id uuid.UUID) error
}

// RedisCache implements the Cache interface using go-redis/v9.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache creates a new RedisCache from a Redis URL.
func NewRedisCache(redisURL string) (*RedisCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	return &RedisCache{client: redis.NewClient(opts)}, nil
}

// NewRedisCacheFromClient wraps an existing client.
func NewRedisCacheFromClient(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

// Client exposes the underlying connection so other Redis-backed
// components (the rate-limit store) can share it.
func (c *RedisCache) Client() *redis.Client {
	return c.client
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}

func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// SetJob stores a full snapshot of job, including its owner, under JobKey.
func (c *RedisCache) SetJob(ctx context.Context, job *models.VideoJob, ttl time.Duration) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job snapshot: %w", err)
	}
	return c.client.Set(ctx, JobKey(job.ID), data, ttl).Err()
}

// AddJob stores job only when no snapshot is cached yet and reports whether
// it did. Read-path fills use it so they never replace a newer snapshot
// written by a transition.
func (c *RedisCache) AddJob(ctx context.Context, job *models.VideoJob, ttl time.Duration) (bool, error) {
	data, err := json.Marshal(job)
	if err != nil {
		return false, fmt.Errorf("encode job snapshot: %w", err)
	}
	return c.client.SetNX(ctx, JobKey(job.ID), data, ttl).Result()
}

func (c *RedisCache) GetJob(ctx context.Context, id uuid.UUID) (*models.VideoJob, bool, error) {
	val, err := c.client.Get(ctx, JobKey(id)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var job models.VideoJob
	if err := json.Unmarshal(val, &job); err != nil {
		return nil, false, fmt.Errorf("decode job snapshot: %w", err)
	}
	return &job, true, nil
}

func (c *RedisCache) DeleteJob(ctx context.Context, id uuid.UUID) error {
	return c.client.Del(ctx, JobKey(id)).Err()
}

var _ Cache = (*RedisCache)(nil)

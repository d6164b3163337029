package ratelimit

import (
	"context"
	"sync"
	"time"
)

// sweepEvery is how many increments pass between sweeps of expired buckets.
const sweepEvery = 1024

type memoryBucket struct {
	Bucket
	window time.Duration
}

// MemoryStore keeps buckets in process memory. It is not durable and is not
// shared across processes; use RedisStore when several replicas must agree.
//
// Buckets whose window has elapsed are dropped by a periodic sweep, so keys
// seen once (client IPs) do not accumulate.
type MemoryStore struct {
	mu      sync.Mutex
	buckets map[string]*memoryBucket
	calls   int
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{buckets: make(map[string]*memoryBucket)}
}

func (s *MemoryStore) Increment(_ context.Context, key string, window time.Duration, now time.Time) (Bucket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.calls++
	if s.calls%sweepEvery == 0 {
		s.sweep(now)
	}

	b, ok := s.buckets[key]
	if !ok {
		b = &memoryBucket{Bucket: Bucket{Key: key, WindowStart: now}}
		s.buckets[key] = b
	}
	b.window = window
	if now.Sub(b.WindowStart) >= window {
		b.Count = 0
		b.WindowStart = now
	}
	b.Count++

	return b.Bucket, nil
}

// sweep drops every bucket whose window has elapsed. Caller holds mu.
func (s *MemoryStore) sweep(now time.Time) {
	for key, b := range s.buckets {
		if now.Sub(b.WindowStart) >= b.window {
			delete(s.buckets, key)
		}
	}
}

// Len returns the number of tracked keys.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buckets)
}

var _ Store = (*MemoryStore)(nil)

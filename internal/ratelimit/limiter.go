// Package ratelimit implements a fixed-window request counter behind a
// pluggable bucket store.
//
// Windows roll over lazily: a bucket is reset only when it is incremented
// after its window has elapsed. No timers run per key.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var ErrInvalidPolicy = errors.New("rate limit window and max must be positive")

// Bucket is the consumption of one key within its current window.
type Bucket struct {
	Key         string
	Count       int64
	WindowStart time.Time
}

// Store increments the bucket for key, rolling it over first when
// now-WindowStart >= window. Implementations must be safe for concurrent
// callers sharing the same key.
type Store interface {
	Increment(ctx context.Context, key string, window time.Duration, now time.Time) (Bucket, error)
}

// Result is the decision for a single CheckAndIncrement call.
type Result struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// Limiter applies a window/max policy on top of a Store.
type Limiter struct {
	store Store
	now   func() time.Time
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock overrides the time source. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		l.now = now
	}
}

// New creates a Limiter backed by store.
func New(store Store, opts ...Option) *Limiter {
	l := &Limiter{store: store, now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// NewInMemory returns a Limiter over a fresh MemoryStore, for single-process
// deployments and tests.
func NewInMemory(opts ...Option) *Limiter {
	return New(NewMemoryStore(), opts...)
}

// CheckAndIncrement counts one attempt for key and reports whether it fits
// under max for the current window. The attempt is counted even when it is
// rejected, so retrying a rejected request is never free.
func (l *Limiter) CheckAndIncrement(ctx context.Context, key string, window time.Duration, max int) (Result, error) {
	if window <= 0 || max <= 0 {
		return Result{}, ErrInvalidPolicy
	}

	bucket, err := l.store.Increment(ctx, key, window, l.now())
	if err != nil {
		return Result{}, fmt.Errorf("increment %q: %w", key, err)
	}

	remaining := max - int(bucket.Count)
	if remaining < 0 {
		remaining = 0
	}

	return Result{
		Allowed:   bucket.Count <= int64(max),
		Limit:     max,
		Remaining: remaining,
		ResetAt:   bucket.WindowStart.Add(window),
	}, nil
}

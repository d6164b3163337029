// Package poll schedules repeated status reads for a video job until it
// reaches a terminal state, the caller gives up, or a wall-clock timeout
// passes. Polling is read-only; sequences for the same job do not share
// state.
package poll

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/cliprelay/internal/config"
	"github.com/kiranshivaraju/cliprelay/pkg/models"
)

// ErrTimeout means the job was still in flight when the poll deadline
// passed. It is distinct from the job failing.
var ErrTimeout = errors.New("polling timed out")

// DefaultTimeout bounds a Wait when no timeout is configured.
const DefaultTimeout = 10 * time.Minute

// Reader is a single point-in-time status read.
type Reader interface {
	ReadStatus(ctx context.Context, id uuid.UUID) (*models.VideoJob, error)
}

// ReaderFunc adapts a function to Reader.
type ReaderFunc func(ctx context.Context, id uuid.UUID) (*models.VideoJob, error)

func (f ReaderFunc) ReadStatus(ctx context.Context, id uuid.UUID) (*models.VideoJob, error) {
	return f(ctx, id)
}

// Clock is the time source used between polls.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// Snapshot is the {status, data} pair returned by one poll.
type Snapshot struct {
	Status models.ProcessStatus `json:"status"`
	Data   *models.VideoJob     `json:"data"`
}

// Terminal reports whether polling should stop.
func (s Snapshot) Terminal() bool {
	return s.Status.Terminal()
}

// Coordinator runs poll sequences against a Reader.
type Coordinator struct {
	reader  Reader
	backoff Backoff
	timeout time.Duration
	clock   Clock
}

// Option configures a Coordinator.
type Option func(*Coordinator)

func WithClock(c Clock) Option {
	return func(co *Coordinator) { co.clock = c }
}

func WithBackoff(b Backoff) Option {
	return func(co *Coordinator) { co.backoff = b }
}

func WithTimeout(d time.Duration) Option {
	return func(co *Coordinator) { co.timeout = d }
}

// NewCoordinator creates a Coordinator with DefaultBackoff and
// DefaultTimeout unless overridden.
func NewCoordinator(r Reader, opts ...Option) *Coordinator {
	c := &Coordinator{
		reader:  r,
		backoff: DefaultBackoff,
		timeout: DefaultTimeout,
		clock:   realClock{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// NewFromConfig creates a Coordinator from poll settings.
func NewFromConfig(r Reader, cfg config.PollConfig, opts ...Option) *Coordinator {
	base := []Option{WithBackoff(BackoffFromConfig(cfg)), WithTimeout(cfg.Timeout)}
	return NewCoordinator(r, append(base, opts...)...)
}

// Poll reads the job once.
func (c *Coordinator) Poll(ctx context.Context, id uuid.UUID) (Snapshot, error) {
	job, err := c.reader.ReadStatus(ctx, id)
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{Status: job.ProcessStatus, Data: job}, nil
}

// Wait polls id until it is ready or failed. The first poll is immediate;
// later polls follow the backoff schedule. onUpdate, if non-nil, sees every
// snapshot. A read error ends the sequence. On timeout the last snapshot is
// returned with ErrTimeout; on cancellation with ctx.Err().
func (c *Coordinator) Wait(ctx context.Context, id uuid.UUID, onUpdate func(Snapshot)) (Snapshot, error) {
	timeout := c.timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	deadline := c.clock.Now().Add(timeout)

	var last Snapshot
	for n := 0; ; n++ {
		snap, err := c.Poll(ctx, id)
		if err != nil {
			return last, fmt.Errorf("poll %s: %w", id, err)
		}
		last = snap
		if onUpdate != nil {
			onUpdate(snap)
		}
		if snap.Terminal() {
			return snap, nil
		}

		remaining := deadline.Sub(c.clock.Now())
		if remaining <= 0 {
			slog.Debug("poll timed out", "video_id", id, "polls", n+1, "status", snap.Status)
			return snap, ErrTimeout
		}

		wait := c.backoff.Interval(n)
		if wait > remaining {
			wait = remaining
		}

		select {
		case <-ctx.Done():
			return snap, ctx.Err()
		case <-c.clock.After(wait):
		}
	}
}

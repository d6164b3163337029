// Package status owns the video job state machine. Every change to a job's
// process_status goes through Machine so that transitions are validated,
// serialized per job and applied with a conditional update.
package status

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/cliprelay/internal/cache"
	"github.com/kiranshivaraju/cliprelay/internal/metrics"
	"github.com/kiranshivaraju/cliprelay/internal/store"
	"github.com/kiranshivaraju/cliprelay/pkg/models"
)

// maxConflictRetries bounds re-reads after losing a compare-and-swap to a
// writer in another process.
const maxConflictRetries = 3

var validTransitions = map[models.ProcessStatus][]models.ProcessStatus{
	models.StatusQueued:     {models.StatusProcessing, models.StatusFailed},
	models.StatusProcessing: {models.StatusReady, models.StatusFailed},
}

// CanTransition reports whether from -> to is an edge of the state machine.
// Same-state terminal re-delivery is not an edge; Transition handles it
// separately.
func CanTransition(from, to models.ProcessStatus) bool {
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Extra carries the details a terminal state needs.
type Extra struct {
	ReadyURL     string
	ErrorMessage string
}

func (e Extra) validate(to models.ProcessStatus) error {
	readyURL := strings.TrimSpace(e.ReadyURL)
	errMsg := strings.TrimSpace(e.ErrorMessage)

	switch to {
	case models.StatusReady:
		if readyURL == "" {
			return fmt.Errorf("%w: ready requires a ready URL", ErrInvalidExtra)
		}
		if errMsg != "" {
			return fmt.Errorf("%w: ready does not take an error message", ErrInvalidExtra)
		}
	case models.StatusFailed:
		if errMsg == "" {
			return fmt.Errorf("%w: failed requires an error message", ErrInvalidExtra)
		}
		if readyURL != "" {
			return fmt.Errorf("%w: failed does not take a ready URL", ErrInvalidExtra)
		}
	default:
		if readyURL != "" || errMsg != "" {
			return fmt.Errorf("%w: %s takes no ready URL or error message", ErrInvalidExtra, to)
		}
	}
	return nil
}

// Machine applies transitions to video jobs held in a store.
type Machine struct {
	store    store.VideoJobStore
	cache    cache.Cache
	cacheTTL time.Duration
	locks    *keyedMutex
}

// Option configures a Machine.
type Option func(*Machine)

// WithCache writes every applied transition through to c. Cache failures are
// logged and never fail the transition.
func WithCache(c cache.Cache, ttl time.Duration) Option {
	return func(m *Machine) {
		m.cache = c
		m.cacheTTL = ttl
	}
}

// NewMachine creates a Machine over s.
func NewMachine(s store.VideoJobStore, opts ...Option) *Machine {
	m := &Machine{
		store:    s,
		cacheTTL: cache.DefaultJobTTL,
		locks:    newKeyedMutex(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Transition moves job id to state to. Re-delivering the terminal state a job
// is already in succeeds without touching the record. Any other move out of a
// terminal state, or any move not in the state machine, returns a
// *TransitionError and leaves the job unchanged.
func (m *Machine) Transition(ctx context.Context, id uuid.UUID, to models.ProcessStatus, extra Extra) (*models.VideoJob, error) {
	if !to.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, to)
	}
	if err := extra.validate(to); err != nil {
		return nil, err
	}

	unlock := m.locks.Lock(id)
	defer unlock()

	for attempt := 0; ; attempt++ {
		job, err := m.store.FindVideoJob(ctx, id)
		if err != nil {
			return nil, err
		}

		from := job.ProcessStatus
		if from == to && to.Terminal() {
			slog.Debug("duplicate terminal transition ignored", "video_id", id, "status", to)
			return job, nil
		}
		if !CanTransition(from, to) {
			return nil, &TransitionError{From: from, To: to}
		}

		patch := store.VideoJobPatch{
			ExpectedStatus: &from,
			ProcessStatus:  &to,
		}
		switch to {
		case models.StatusReady:
			u := strings.TrimSpace(extra.ReadyURL)
			patch.ReadyURL = &u
		case models.StatusFailed:
			msg := strings.TrimSpace(extra.ErrorMessage)
			patch.ErrorMessage = &msg
		}

		updated, err := m.store.UpdateVideoJob(ctx, id, patch)
		if errors.Is(err, store.ErrStatusConflict) && attempt < maxConflictRetries {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("apply transition %s -> %s: %w", from, to, err)
		}

		m.applied(ctx, updated, from)
		return updated, nil
	}
}

// Requeue starts a new dispatch cycle for a job by moving it back to queued
// and clearing its terminal details. A job already queued is returned as is;
// a job still processing cannot be requeued.
func (m *Machine) Requeue(ctx context.Context, id uuid.UUID) (*models.VideoJob, error) {
	unlock := m.locks.Lock(id)
	defer unlock()

	for attempt := 0; ; attempt++ {
		job, err := m.store.FindVideoJob(ctx, id)
		if err != nil {
			return nil, err
		}

		from := job.ProcessStatus
		if from == models.StatusQueued {
			return job, nil
		}
		if !from.Terminal() {
			return nil, &TransitionError{From: from, To: models.StatusQueued}
		}

		to := models.StatusQueued
		empty := ""
		updated, err := m.store.UpdateVideoJob(ctx, id, store.VideoJobPatch{
			ExpectedStatus: &from,
			ProcessStatus:  &to,
			ReadyURL:       &empty,
			ErrorMessage:   &empty,
		})
		if errors.Is(err, store.ErrStatusConflict) && attempt < maxConflictRetries {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("requeue video job: %w", err)
		}

		m.applied(ctx, updated, from)
		return updated, nil
	}
}

// Publish refreshes the cached snapshot of job. Used for records created
// outside Transition.
func (m *Machine) Publish(ctx context.Context, job *models.VideoJob) {
	if m.cache == nil || job == nil {
		return
	}
	if err := m.cache.SetJob(ctx, job, m.cacheTTL); err != nil {
		slog.Warn("failed to cache job snapshot", "video_id", job.ID, "error", err)
		// A stale snapshot would shadow the store on reads; drop it if we can.
		if delErr := m.cache.DeleteJob(ctx, job.ID); delErr != nil {
			slog.Warn("failed to evict job snapshot", "video_id", job.ID, "error", delErr)
		}
	}
}

// Load reads job id from the store and seeds the cache with it when no
// snapshot is cached. The read runs under the job's lock so no transition in
// this process can interleave; the fill is conditional so a snapshot written
// by another process is never replaced.
func (m *Machine) Load(ctx context.Context, id uuid.UUID) (*models.VideoJob, error) {
	unlock := m.locks.Lock(id)
	defer unlock()

	job, err := m.store.FindVideoJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if m.cache == nil {
		return job, nil
	}
	if _, err := m.cache.AddJob(ctx, job, m.cacheTTL); err != nil {
		slog.Warn("failed to seed job snapshot", "video_id", id, "error", err)
	}
	return job, nil
}

func (m *Machine) applied(ctx context.Context, job *models.VideoJob, from models.ProcessStatus) {
	metrics.TransitionsTotal.WithLabelValues(string(from), string(job.ProcessStatus)).Inc()
	slog.Info("video job transition",
		"video_id", job.ID,
		"from", from,
		"to", job.ProcessStatus,
	)
	m.Publish(ctx, job)
}

// Package storetest provides an in-memory store.VideoJobStore for tests.
package storetest

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/cliprelay/internal/store"
	"github.com/kiranshivaraju/cliprelay/pkg/models"
)

// VideoJobs mirrors PostgresStore's video job semantics, including the
// conditional update, without a database.
type VideoJobs struct {
	mu      sync.Mutex
	jobs    map[uuid.UUID]*models.VideoJob
	updates int

	// FindErr and UpdateErr, when set, are returned by the matching method.
	FindErr   error
	UpdateErr error

	// BeforeUpdate runs inside UpdateVideoJob before the status check, with
	// the lock released. Tests use it to inject a concurrent writer.
	BeforeUpdate func(id uuid.UUID)
}

func NewVideoJobs() *VideoJobs {
	return &VideoJobs{jobs: make(map[uuid.UUID]*models.VideoJob)}
}

// Put stores a copy of job as is.
func (s *VideoJobs) Put(job *models.VideoJob) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID] = clone(job)
}

// Get returns a copy of the stored job or nil.
func (s *VideoJobs) Get(id uuid.UUID) *models.VideoJob {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j, ok := s.jobs[id]; ok {
		return clone(j)
	}
	return nil
}

// Updates counts successful UpdateVideoJob calls.
func (s *VideoJobs) Updates() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updates
}

func (s *VideoJobs) CreateVideoJob(ctx context.Context, job *models.VideoJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return store.ErrDuplicateKey
	}
	s.jobs[job.ID] = clone(job)
	return nil
}

func (s *VideoJobs) FindVideoJob(ctx context.Context, id uuid.UUID) (*models.VideoJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FindErr != nil {
		return nil, s.FindErr
	}
	j, ok := s.jobs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return clone(j), nil
}

func (s *VideoJobs) UpdateVideoJob(ctx context.Context, id uuid.UUID, patch store.VideoJobPatch) (*models.VideoJob, error) {
	if s.BeforeUpdate != nil {
		s.BeforeUpdate(id)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.UpdateErr != nil {
		return nil, s.UpdateErr
	}
	j, ok := s.jobs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if patch.ExpectedStatus != nil && j.ProcessStatus != *patch.ExpectedStatus {
		return nil, store.ErrStatusConflict
	}

	next := clone(j)
	if patch.ProcessStatus != nil {
		next.ProcessStatus = *patch.ProcessStatus
	}
	next.ReadyURL = apply(next.ReadyURL, patch.ReadyURL)
	next.ThumbnailURL = apply(next.ThumbnailURL, patch.ThumbnailURL)
	next.ErrorMessage = apply(next.ErrorMessage, patch.ErrorMessage)
	next.UpdatedAt = time.Now().UTC()

	s.jobs[id] = next
	s.updates++
	return clone(next), nil
}

func (s *VideoJobs) ListVideoJobsByOwner(ctx context.Context, filter store.VideoJobFilter) ([]*models.VideoJob, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var matched []*models.VideoJob
	for _, j := range s.jobs {
		if j.OwnerID != filter.OwnerID {
			continue
		}
		if filter.Status != "" && j.ProcessStatus != filter.Status {
			continue
		}
		matched = append(matched, j)
	}
	sort.Slice(matched, func(a, b int) bool {
		if !matched[a].CreatedAt.Equal(matched[b].CreatedAt) {
			return matched[a].CreatedAt.After(matched[b].CreatedAt)
		}
		return matched[a].ID.String() > matched[b].ID.String()
	})

	limit, offset := filter.Normalize()
	out := []*models.VideoJob{}
	for i := offset; i < len(matched) && i < offset+limit; i++ {
		out = append(out, clone(matched[i]))
	}
	return out, len(matched), nil
}

func apply(cur *string, patch *string) *string {
	if patch == nil {
		return cur
	}
	if *patch == "" {
		return nil
	}
	v := *patch
	return &v
}

func clone(j *models.VideoJob) *models.VideoJob {
	c := *j
	c.ReadyURL = copyStr(j.ReadyURL)
	c.ThumbnailURL = copyStr(j.ThumbnailURL)
	c.ErrorMessage = copyStr(j.ErrorMessage)
	return &c
}

func copyStr(p *string) *string {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

var _ store.VideoJobStore = (*VideoJobs)(nil)

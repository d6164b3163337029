package store

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/cliprelay/pkg/models"
)

var ErrNotFound = errors.New("resource not found")
var ErrDuplicateKey = errors.New("duplicate key violation")

// ErrStatusConflict is returned by a conditional update when the row exists
// but its process_status no longer matches the expected value.
var ErrStatusConflict = errors.New("video job status changed concurrently")

// Store is the data access interface. All database operations go through here.
type Store interface {
	Ping(ctx context.Context) error
	GetDefaultAccount(ctx context.Context) (*models.Account, error)

	GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error)
	UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error
	CreateAPIKey(ctx context.Context, key *models.APIKey) error
	ListAPIKeys(ctx context.Context, accountID uuid.UUID) ([]*models.APIKey, error)
	RevokeAPIKey(ctx context.Context, id uuid.UUID, accountID uuid.UUID) error

	VideoJobStore
}

// VideoJobStore is the slice of persistence the processing pipeline touches.
type VideoJobStore interface {
	CreateVideoJob(ctx context.Context, job *models.VideoJob) error
	FindVideoJob(ctx context.Context, id uuid.UUID) (*models.VideoJob, error)
	UpdateVideoJob(ctx context.Context, id uuid.UUID, patch VideoJobPatch) (*models.VideoJob, error)
	ListVideoJobsByOwner(ctx context.Context, filter VideoJobFilter) ([]*models.VideoJob, int, error)
}

// VideoJobPatch lists the processing fields to change. Nil fields are left
// alone; a pointer to "" clears a nullable column. When ExpectedStatus is
// set the update only applies if the stored status still equals it.
type VideoJobPatch struct {
	ExpectedStatus *models.ProcessStatus
	ProcessStatus  *models.ProcessStatus
	ReadyURL       *string
	ThumbnailURL   *string
	ErrorMessage   *string
}

type VideoJobFilter struct {
	OwnerID uuid.UUID
	Status  models.ProcessStatus
	Page    int
	Limit   int
}

const (
	defaultPageLimit = 20
	maxPageLimit     = 100
)

// Normalize clamps pagination to sane bounds and returns limit and offset.
func (f VideoJobFilter) Normalize() (limit, offset int) {
	limit = f.Limit
	if limit <= 0 {
		limit = defaultPageLimit
	}
	if limit > maxPageLimit {
		limit = maxPageLimit
	}
	page := f.Page
	if page <= 0 {
		page = 1
	}
	return limit, (page - 1) * limit
}

// Package pipeline implements the client-facing operations of the media
// pipeline: upload slots, starting and re-submitting processing, the
// normalize placeholder, worker completion events, status reads and
// listing.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/cliprelay/internal/cache"
	"github.com/kiranshivaraju/cliprelay/internal/dispatch"
	"github.com/kiranshivaraju/cliprelay/internal/metrics"
	"github.com/kiranshivaraju/cliprelay/internal/poll"
	"github.com/kiranshivaraju/cliprelay/internal/ratelimit"
	"github.com/kiranshivaraju/cliprelay/internal/status"
	"github.com/kiranshivaraju/cliprelay/internal/store"
	"github.com/kiranshivaraju/cliprelay/internal/thumbnail"
	"github.com/kiranshivaraju/cliprelay/internal/upload"
	"github.com/kiranshivaraju/cliprelay/pkg/models"
)

// Dispatcher sends a job to the external worker.
type Dispatcher interface {
	Dispatch(ctx context.Context, req dispatch.Request) (*dispatch.Result, error)
}

// UploadIssuer presigns upload slots.
type UploadIssuer interface {
	Issue(ctx context.Context, req upload.Request) (*upload.Slot, error)
}

// Deps are the collaborators of a Service. Uploads and Cache are optional.
type Deps struct {
	Jobs       store.VideoJobStore
	Machine    *status.Machine
	Dispatcher Dispatcher
	Uploads    UploadIssuer
	Limiter    *ratelimit.Limiter
	Cache      cache.Cache

	DispatchWindow time.Duration
	DispatchMax    int
}

// Service runs pipeline operations on behalf of an owner.
type Service struct {
	jobs       store.VideoJobStore
	machine    *status.Machine
	dispatcher Dispatcher
	uploads    UploadIssuer
	limiter    *ratelimit.Limiter
	cache      cache.Cache

	dispatchWindow time.Duration
	dispatchMax    int

	now   func() time.Time
	newID func() uuid.UUID
}

// Option configures a Service.
type Option func(*Service)

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func WithIDGenerator(f func() uuid.UUID) Option {
	return func(s *Service) { s.newID = f }
}

// New creates a Service. A nil Limiter gets an in-memory one; zero dispatch
// limits fall back to 10 per minute.
func New(d Deps, opts ...Option) *Service {
	s := &Service{
		jobs:           d.Jobs,
		machine:        d.Machine,
		dispatcher:     d.Dispatcher,
		uploads:        d.Uploads,
		limiter:        d.Limiter,
		cache:          d.Cache,
		dispatchWindow: d.DispatchWindow,
		dispatchMax:    d.DispatchMax,
		now:            time.Now,
		newID:          uuid.New,
	}
	if s.machine == nil {
		s.machine = status.NewMachine(d.Jobs)
	}
	if s.limiter == nil {
		s.limiter = ratelimit.NewInMemory()
	}
	if s.dispatchWindow <= 0 {
		s.dispatchWindow = time.Minute
	}
	if s.dispatchMax <= 0 {
		s.dispatchMax = 10
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// --- Upload slots ---

// RequestUploadSlot validates the file description and returns a presigned
// slot under the owner's prefix.
func (s *Service) RequestUploadSlot(ctx context.Context, owner uuid.UUID, filename, contentType string, size int64) (*upload.Slot, error) {
	if s.uploads == nil {
		return nil, ErrUploadsDisabled
	}
	slot, err := s.uploads.Issue(ctx, upload.Request{
		OwnerID:     owner,
		Filename:    filename,
		ContentType: contentType,
		Size:        size,
	})
	if errors.Is(err, upload.ErrValidation) {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if err != nil {
		return nil, err
	}
	return slot, nil
}

// --- Processing ---

// StartRequest is a client's intent to process an uploaded clip.
type StartRequest struct {
	OwnerID      uuid.UUID
	OriginalURL  string
	TrimStartSec float64
}

func (r StartRequest) validate() error {
	if r.OwnerID == uuid.Nil {
		return fmt.Errorf("%w: owner is required", ErrValidation)
	}
	if !isAbsoluteHTTP(r.OriginalURL) {
		return fmt.Errorf("%w: original_url must be an absolute http(s) URL", ErrValidation)
	}
	if math.IsNaN(r.TrimStartSec) || math.IsInf(r.TrimStartSec, 0) || r.TrimStartSec < 0 {
		return fmt.Errorf("%w: trim_start_sec must be a non-negative number", ErrValidation)
	}
	return nil
}

// StartResult is the job after the dispatch attempt. DispatchErr is set
// when the worker could not take the job; the job is then failed and
// carries the error text.
type StartResult struct {
	Job         *models.VideoJob
	Dispatch    *dispatch.Result
	DispatchErr error
}

// StartProcessing creates a queued job and dispatches it. The per-owner
// dispatch bucket is consumed before anything is written.
func (s *Service) StartProcessing(ctx context.Context, req StartRequest) (*StartResult, error) {
	req.OriginalURL = strings.TrimSpace(req.OriginalURL)
	if err := req.validate(); err != nil {
		return nil, err
	}
	if err := s.allowDispatch(ctx, req.OwnerID); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	job := &models.VideoJob{
		ID:            s.newID(),
		OwnerID:       req.OwnerID,
		OriginalURL:   req.OriginalURL,
		TrimStartSec:  req.TrimStartSec,
		ProcessStatus: models.StatusQueued,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if thumb, ok := thumbnail.Resolve(req.OriginalURL); ok {
		job.ThumbnailURL = &thumb
	}

	if err := s.jobs.CreateVideoJob(ctx, job); err != nil {
		return nil, fmt.Errorf("create video job: %w", err)
	}
	s.machine.Publish(ctx, job)
	slog.Info("video job created", "video_id", job.ID, "owner_id", job.OwnerID)

	return s.dispatchJob(ctx, job)
}

// Resubmit requeues a terminal job and dispatches it again.
func (s *Service) Resubmit(ctx context.Context, owner, id uuid.UUID) (*StartResult, error) {
	if _, err := s.ownedJob(ctx, owner, id); err != nil {
		return nil, err
	}
	if err := s.allowDispatch(ctx, owner); err != nil {
		return nil, err
	}

	job, err := s.machine.Requeue(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.dispatchJob(ctx, job)
}

// Normalize marks a job ready with its original URL as the final URL. It
// never contacts the worker and performs no transcoding.
func (s *Service) Normalize(ctx context.Context, owner, id uuid.UUID) (*models.VideoJob, error) {
	job, err := s.ownedJob(ctx, owner, id)
	if err != nil {
		return nil, err
	}

	if job.ProcessStatus == models.StatusQueued {
		if job, err = s.machine.Transition(ctx, id, models.StatusProcessing, status.Extra{}); err != nil {
			return nil, err
		}
	}
	return s.machine.Transition(ctx, id, models.StatusReady, status.Extra{ReadyURL: job.OriginalURL})
}

func (s *Service) dispatchJob(ctx context.Context, job *models.VideoJob) (*StartResult, error) {
	res, dispatchErr := s.dispatcher.Dispatch(ctx, dispatch.Request{
		VideoID:      job.ID,
		OriginalURL:  job.OriginalURL,
		TrimStartSec: job.TrimStartSec,
	})
	if dispatchErr != nil {
		failed, err := s.advance(ctx, job.ID, models.StatusFailed, status.Extra{
			ErrorMessage: failureMessage(dispatchErr),
		})
		if err != nil {
			return nil, fmt.Errorf("record dispatch failure: %w", err)
		}
		slog.Warn("dispatch failed", "video_id", job.ID, "status", failed.ProcessStatus, "error", dispatchErr)
		return &StartResult{Job: failed, DispatchErr: dispatchErr}, nil
	}

	current, err := s.advance(ctx, job.ID, models.StatusProcessing, status.Extra{})
	if err != nil {
		return nil, err
	}
	if current.ProcessStatus.Terminal() {
		return &StartResult{Job: current, Dispatch: res}, nil
	}

	switch res.Status {
	case "ready", "completed", "done":
		if res.MediaURL != "" {
			current, err = s.advance(ctx, job.ID, models.StatusReady, status.Extra{ReadyURL: res.MediaURL})
		}
	case "failed", "error":
		current, err = s.advance(ctx, job.ID, models.StatusFailed, status.Extra{
			ErrorMessage: firstNonEmpty(res.Message, "worker reported failure"),
		})
	}
	if err != nil {
		return nil, err
	}

	return &StartResult{Job: current, Dispatch: res}, nil
}

// advance applies a dispatch-path transition. The worker may report back
// before Dispatch returns; when its report already moved the job to
// processing or a terminal state, the job is re-read and returned as is.
func (s *Service) advance(ctx context.Context, id uuid.UUID, to models.ProcessStatus, extra status.Extra) (*models.VideoJob, error) {
	job, err := s.machine.Transition(ctx, id, to, extra)
	var te *status.TransitionError
	if errors.As(err, &te) && (te.From == models.StatusProcessing || te.From.Terminal()) {
		slog.Debug("job already advanced by worker", "video_id", id, "status", te.From, "wanted", to)
		return s.jobs.FindVideoJob(ctx, id)
	}
	return job, err
}

func (s *Service) allowDispatch(ctx context.Context, owner uuid.UUID) error {
	res, err := s.limiter.CheckAndIncrement(ctx, "dispatch:"+owner.String(), s.dispatchWindow, s.dispatchMax)
	if err != nil {
		// Fail open: the limiter backend must not block processing.
		slog.Warn("dispatch rate limiter unavailable", "owner_id", owner, "error", err)
		return nil
	}
	if !res.Allowed {
		metrics.RateLimitRejections.WithLabelValues("dispatch").Inc()
		return &RateLimitError{Limit: res.Limit, ResetAt: res.ResetAt}
	}
	return nil
}

// --- Worker events ---

// WorkerEvent is a completion report from the worker, delivered either to
// the callback endpoint or through the event stream.
type WorkerEvent struct {
	VideoID  string `json:"videoId"`
	Status   string `json:"status"`
	MediaURL string `json:"mediaUrl"`
	Error    string `json:"error"`
}

// HandleWorkerEvent applies a worker report. Re-delivered reports of a state
// the job already holds succeed without changes.
func (s *Service) HandleWorkerEvent(ctx context.Context, ev WorkerEvent) (*models.VideoJob, error) {
	id, err := uuid.Parse(strings.TrimSpace(ev.VideoID))
	if err != nil {
		return nil, fmt.Errorf("%w: videoId %q is not a valid id", ErrValidation, ev.VideoID)
	}

	switch strings.ToLower(strings.TrimSpace(ev.Status)) {
	case "processing", "started", "accepted":
		job, err := s.machine.Transition(ctx, id, models.StatusProcessing, status.Extra{})
		var te *status.TransitionError
		if errors.As(err, &te) && te.From == models.StatusProcessing {
			return s.jobs.FindVideoJob(ctx, id)
		}
		return job, err

	case "ready", "completed", "done":
		if strings.TrimSpace(ev.MediaURL) == "" {
			return nil, fmt.Errorf("%w: mediaUrl is required for a ready event", ErrValidation)
		}
		extra := status.Extra{ReadyURL: ev.MediaURL}
		job, err := s.machine.Transition(ctx, id, models.StatusReady, extra)
		var te *status.TransitionError
		if errors.As(err, &te) && te.From == models.StatusQueued {
			// The worker skipped its processing report.
			if _, err := s.machine.Transition(ctx, id, models.StatusProcessing, status.Extra{}); err != nil {
				return nil, err
			}
			return s.machine.Transition(ctx, id, models.StatusReady, extra)
		}
		return job, err

	case "failed", "error":
		return s.machine.Transition(ctx, id, models.StatusFailed, status.Extra{
			ErrorMessage: firstNonEmpty(strings.TrimSpace(ev.Error), "worker reported failure"),
		})

	default:
		return nil, fmt.Errorf("%w: unknown worker status %q", ErrValidation, ev.Status)
	}
}

// --- Reads ---

// ReadStatus returns the current job, from the cache when it holds a
// snapshot. Cache errors fall through to the store.
func (s *Service) ReadStatus(ctx context.Context, id uuid.UUID) (*models.VideoJob, error) {
	if s.cache != nil {
		job, found, err := s.cache.GetJob(ctx, id)
		if err != nil {
			slog.Warn("job cache read failed", "video_id", id, "error", err)
		} else if found {
			return job, nil
		}
	}

	return s.machine.Load(ctx, id)
}

// Status is one point-in-time read of a job the owner holds.
func (s *Service) Status(ctx context.Context, owner, id uuid.UUID) (poll.Snapshot, error) {
	job, err := s.OwnedReader(owner).ReadStatus(ctx, id)
	if err != nil {
		return poll.Snapshot{}, err
	}
	return poll.Snapshot{Status: job.ProcessStatus, Data: job}, nil
}

// OwnedReader is a poll.Reader that hides jobs owned by anyone else.
func (s *Service) OwnedReader(owner uuid.UUID) poll.Reader {
	return poll.ReaderFunc(func(ctx context.Context, id uuid.UUID) (*models.VideoJob, error) {
		job, err := s.ReadStatus(ctx, id)
		if err != nil {
			return nil, err
		}
		if job.OwnerID != owner {
			return nil, store.ErrNotFound
		}
		return job, nil
	})
}

// List returns the owner's jobs, newest first.
func (s *Service) List(ctx context.Context, filter store.VideoJobFilter) ([]*models.VideoJob, int, error) {
	if filter.OwnerID == uuid.Nil {
		return nil, 0, fmt.Errorf("%w: owner is required", ErrValidation)
	}
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, 0, fmt.Errorf("%w: unknown status %q", ErrValidation, filter.Status)
	}
	return s.jobs.ListVideoJobsByOwner(ctx, filter)
}

func (s *Service) ownedJob(ctx context.Context, owner, id uuid.UUID) (*models.VideoJob, error) {
	job, err := s.jobs.FindVideoJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.OwnerID != owner {
		return nil, store.ErrNotFound
	}
	return job, nil
}

// failureMessage is the human-readable text stored on a job whose dispatch
// failed.
func failureMessage(err error) string {
	var rejected *dispatch.RejectedError
	if errors.As(err, &rejected) {
		return fmt.Sprintf("worker rejected job (status %d): %s", rejected.StatusCode, rejected.Message)
	}
	return err.Error()
}

func isAbsoluteHTTP(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

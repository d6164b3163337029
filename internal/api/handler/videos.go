package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/cliprelay/internal/api/response"
	"github.com/kiranshivaraju/cliprelay/internal/dispatch"
	"github.com/kiranshivaraju/cliprelay/internal/pipeline"
	"github.com/kiranshivaraju/cliprelay/internal/poll"
	"github.com/kiranshivaraju/cliprelay/internal/store"
	"github.com/kiranshivaraju/cliprelay/pkg/models"
)

// Starter starts processing for a new clip.
type Starter interface {
	StartProcessing(ctx context.Context, req pipeline.StartRequest) (*pipeline.StartResult, error)
}

// Resubmitter dispatches an existing job again.
type Resubmitter interface {
	Resubmit(ctx context.Context, owner, id uuid.UUID) (*pipeline.StartResult, error)
}

// Normalizer marks a job ready without transcoding.
type Normalizer interface {
	Normalize(ctx context.Context, owner, id uuid.UUID) (*models.VideoJob, error)
}

// StatusReader returns one point-in-time status read.
type StatusReader interface {
	Status(ctx context.Context, owner, id uuid.UUID) (poll.Snapshot, error)
}

// Lister pages through an owner's jobs.
type Lister interface {
	List(ctx context.Context, filter store.VideoJobFilter) ([]*models.VideoJob, int, error)
}

type startResponse struct {
	Job      *models.VideoJob `json:"job"`
	Dispatch dispatchOutcome  `json:"dispatch"`
}

type dispatchOutcome struct {
	Accepted     bool            `json:"accepted"`
	StatusCode   int             `json:"status_code,omitempty"`
	WorkerStatus string          `json:"worker_status,omitempty"`
	Response     json.RawMessage `json:"response,omitempty"`
	Error        *dispatchError  `json:"error,omitempty"`
}

type dispatchError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	StatusCode int    `json:"status_code,omitempty"`
}

func newStartResponse(res *pipeline.StartResult) startResponse {
	out := startResponse{Job: res.Job}
	if res.DispatchErr != nil {
		code, msg := errorCode(res.DispatchErr)
		de := &dispatchError{Code: code, Message: msg}
		var rejected *dispatch.RejectedError
		if errors.As(res.DispatchErr, &rejected) {
			de.StatusCode = rejected.StatusCode
			de.Message = rejected.Message
		}
		out.Dispatch.Error = de
		return out
	}
	if res.Dispatch != nil {
		out.Dispatch.Accepted = true
		out.Dispatch.StatusCode = res.Dispatch.StatusCode
		out.Dispatch.WorkerStatus = res.Dispatch.Status
		out.Dispatch.Response = res.Dispatch.Payload
	}
	return out
}

// NewStartHandler returns an http.HandlerFunc for POST /api/v1/videos. The
// job is returned with 202 even when dispatch failed; the failure is in
// dispatch.error and the job is already failed.
func NewStartHandler(svc Starter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		owner, ok := accountID(w, r)
		if !ok {
			return
		}

		var req struct {
			OriginalURL  string   `json:"original_url"`
			TrimStartSec *float64 `json:"trim_start_sec"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}
		if req.OriginalURL == "" {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "original_url is required", nil)
			return
		}

		start := pipeline.StartRequest{OwnerID: owner, OriginalURL: req.OriginalURL}
		if req.TrimStartSec != nil {
			start.TrimStartSec = *req.TrimStartSec
		}

		res, err := svc.StartProcessing(r.Context(), start)
		if err != nil {
			writeError(w, r, err)
			return
		}
		response.Accepted(w, newStartResponse(res))
	}
}

// NewResubmitHandler returns an http.HandlerFunc for
// POST /api/v1/videos/{id}/dispatch.
func NewResubmitHandler(svc Resubmitter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		owner, ok := accountID(w, r)
		if !ok {
			return
		}
		id, ok := videoID(w, r)
		if !ok {
			return
		}

		res, err := svc.Resubmit(r.Context(), owner, id)
		if err != nil {
			writeError(w, r, err)
			return
		}
		response.Accepted(w, newStartResponse(res))
	}
}

// NewNormalizeHandler returns an http.HandlerFunc for
// POST /api/v1/videos/{id}/normalize.
func NewNormalizeHandler(svc Normalizer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		owner, ok := accountID(w, r)
		if !ok {
			return
		}
		id, ok := videoID(w, r)
		if !ok {
			return
		}

		job, err := svc.Normalize(r.Context(), owner, id)
		if err != nil {
			writeError(w, r, err)
			return
		}
		response.JSON(w, job)
	}
}

// NewStatusHandler returns an http.HandlerFunc for GET /api/v1/videos/{id}.
func NewStatusHandler(svc StatusReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		owner, ok := accountID(w, r)
		if !ok {
			return
		}
		id, ok := videoID(w, r)
		if !ok {
			return
		}

		snap, err := svc.Status(r.Context(), owner, id)
		if err != nil {
			writeError(w, r, err)
			return
		}
		response.Snapshot(w, string(snap.Status), snap.Data)
	}
}

// NewListHandler returns an http.HandlerFunc for GET /api/v1/videos.
func NewListHandler(svc Lister) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		owner, ok := accountID(w, r)
		if !ok {
			return
		}

		q := r.URL.Query()
		page, err := intParam(q.Get("page"), 1)
		if err != nil || page < 1 {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "page must be a positive integer", nil)
			return
		}
		limit, err := intParam(q.Get("limit"), 0)
		if err != nil || limit < 0 {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "limit must be a positive integer", nil)
			return
		}

		filter := store.VideoJobFilter{
			OwnerID: owner,
			Status:  models.ProcessStatus(q.Get("status")),
			Page:    page,
			Limit:   limit,
		}
		jobs, total, err := svc.List(r.Context(), filter)
		if err != nil {
			writeError(w, r, err)
			return
		}
		if jobs == nil {
			jobs = []*models.VideoJob{}
		}

		effective, _ := filter.Normalize()
		response.Collection(w, jobs, response.NewPaginationMeta(page, effective, total))
	}
}

func intParam(raw string, def int) (int, error) {
	if raw == "" {
		return def, nil
	}
	return strconv.Atoi(raw)
}

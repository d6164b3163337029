package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	mw "github.com/kiranshivaraju/cliprelay/internal/api/middleware"
	"github.com/kiranshivaraju/cliprelay/internal/api/response"
	"github.com/kiranshivaraju/cliprelay/internal/dispatch"
	"github.com/kiranshivaraju/cliprelay/internal/pipeline"
	"github.com/kiranshivaraju/cliprelay/internal/status"
	"github.com/kiranshivaraju/cliprelay/internal/store"
)

// writeError maps pipeline errors onto the error envelope.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var rl *pipeline.RateLimitError
	if errors.As(err, &rl) {
		w.Header().Set("Retry-After", mw.RetryAfter(rl.ResetAt, timeNow()))
	}

	code, msg := errorCode(err)
	st := httpStatus(code)
	if st == http.StatusInternalServerError {
		slog.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		msg = "An unexpected error occurred"
	}
	response.Error(w, st, code, msg, nil)
}

// errorCode classifies err and returns the client-facing message.
func errorCode(err error) (string, string) {
	switch {
	case errors.Is(err, pipeline.ErrValidation),
		errors.Is(err, dispatch.ErrValidation),
		errors.Is(err, status.ErrInvalidExtra):
		return "INVALID_REQUEST", err.Error()
	case errors.Is(err, store.ErrNotFound):
		return "NOT_FOUND", "Video not found"
	case errors.Is(err, status.ErrInvalidTransition):
		return "INVALID_TRANSITION", err.Error()
	case errors.Is(err, pipeline.ErrRateLimited):
		return "RATE_LIMIT_EXCEEDED", "Too many dispatch requests"
	case errors.Is(err, pipeline.ErrUploadsDisabled):
		return "UPLOADS_DISABLED", "Upload storage is not configured"
	case errors.Is(err, dispatch.ErrConfiguration):
		return "WORKER_NOT_CONFIGURED", err.Error()
	case errors.Is(err, dispatch.ErrTransport):
		return "WORKER_UNREACHABLE", err.Error()
	case errors.Is(err, dispatch.ErrWorkerRejected):
		return "WORKER_REJECTED", err.Error()
	}
	return "INTERNAL_ERROR", err.Error()
}

func httpStatus(code string) int {
	switch code {
	case "INVALID_REQUEST":
		return http.StatusBadRequest
	case "NOT_FOUND":
		return http.StatusNotFound
	case "INVALID_TRANSITION":
		return http.StatusConflict
	case "RATE_LIMIT_EXCEEDED":
		return http.StatusTooManyRequests
	case "UPLOADS_DISABLED", "WORKER_NOT_CONFIGURED":
		return http.StatusServiceUnavailable
	case "WORKER_UNREACHABLE", "WORKER_REJECTED":
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

var timeNow = time.Now

func accountID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, ok := mw.GetAccountID(r)
	if !ok {
		response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing account", nil)
	}
	return id, ok
}

func videoID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "id must be a valid UUID", nil)
		return uuid.Nil, false
	}
	return id, true
}

package handler

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/kiranshivaraju/cliprelay/internal/api/response"
	"github.com/kiranshivaraju/cliprelay/internal/pipeline"
	"github.com/kiranshivaraju/cliprelay/pkg/models"
)

// WorkerEventHandler applies worker completion reports.
type WorkerEventHandler interface {
	HandleWorkerEvent(ctx context.Context, ev pipeline.WorkerEvent) (*models.VideoJob, error)
}

// NewWorkerCallbackHandler returns an http.HandlerFunc for
// POST /api/v1/worker/callback. Authentication is done by middleware.
func NewWorkerCallbackHandler(svc WorkerEventHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var ev pipeline.WorkerEvent
		if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}

		job, err := svc.HandleWorkerEvent(r.Context(), ev)
		if err != nil {
			writeError(w, r, err)
			return
		}
		response.JSON(w, job)
	}
}

package handler

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/cliprelay/internal/api/response"
	"github.com/kiranshivaraju/cliprelay/internal/upload"
)

// UploadSlotter issues presigned upload slots.
type UploadSlotter interface {
	RequestUploadSlot(ctx context.Context, owner uuid.UUID, filename, contentType string, size int64) (*upload.Slot, error)
}

// NewUploadSlotHandler returns an http.HandlerFunc for POST /api/v1/uploads.
func NewUploadSlotHandler(svc UploadSlotter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		owner, ok := accountID(w, r)
		if !ok {
			return
		}

		var req struct {
			Filename    string `json:"filename"`
			ContentType string `json:"content_type"`
			Size        int64  `json:"size"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}

		slot, err := svc.RequestUploadSlot(r.Context(), owner, req.Filename, req.ContentType, req.Size)
		if err != nil {
			writeError(w, r, err)
			return
		}
		response.Created(w, slot)
	}
}

package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/cliprelay/internal/api/response"
	"github.com/kiranshivaraju/cliprelay/internal/poll"
)

// OwnedReaders builds status readers scoped to one owner.
type OwnedReaders interface {
	OwnedReader(owner uuid.UUID) poll.Reader
}

// NewEventsHandler returns an http.HandlerFunc for
// GET /api/v1/videos/{id}/events. It streams one server-sent "status" event
// per poll and closes the stream on a terminal status. A poll timeout ends
// with a "timeout" event carrying the last snapshot.
func NewEventsHandler(svc OwnedReaders, opts ...poll.Option) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		owner, ok := accountID(w, r)
		if !ok {
			return
		}
		id, ok := videoID(w, r)
		if !ok {
			return
		}

		flusher, ok := w.(http.Flusher)
		if !ok {
			response.Error(w, http.StatusInternalServerError,
				"INTERNAL_ERROR", "Streaming is not supported", nil)
			return
		}

		coord := poll.NewCoordinator(svc.OwnedReader(owner), opts...)

		// Headers go out with the first snapshot so a missing job can
		// still be answered with a plain 404.
		started := false
		begin := func() {
			h := w.Header()
			h.Set("Content-Type", "text/event-stream")
			h.Set("Cache-Control", "no-cache")
			h.Set("Connection", "keep-alive")
			h.Set("X-Accel-Buffering", "no")
			w.WriteHeader(http.StatusOK)
			// Streams outlive the server's write timeout.
			_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})
			started = true
		}

		last, err := coord.Wait(r.Context(), id, func(s poll.Snapshot) {
			if !started {
				begin()
			}
			writeEvent(w, "status", s)
			flusher.Flush()
		})

		switch {
		case err == nil:
		case !started:
			writeError(w, r, err)
		case errors.Is(err, poll.ErrTimeout):
			writeEvent(w, "timeout", last)
			flusher.Flush()
		case r.Context().Err() != nil:
			slog.Debug("event stream closed by client", "video_id", id)
		default:
			slog.Warn("event stream aborted", "video_id", id, "error", err)
			writeEvent(w, "error", map[string]string{"message": "status read failed"})
			flusher.Flush()
		}
	}
}

func writeEvent(w http.ResponseWriter, event string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Warn("failed to encode event", "event", event, "error", err)
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
}

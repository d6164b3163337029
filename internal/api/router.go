package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	mw "github.com/kiranshivaraju/cliprelay/internal/api/middleware"
	"github.com/kiranshivaraju/cliprelay/internal/api/response"
)

// Dependencies holds all handler and middleware dependencies for the router.
type Dependencies struct {
	Auth       *mw.Auth
	RateLimit  *mw.RateLimit
	WorkerAuth func(http.Handler) http.Handler

	HealthHandler  http.HandlerFunc
	MetricsHandler http.Handler

	UploadSlotHandler http.HandlerFunc
	StartHandler      http.HandlerFunc
	ListVideos        http.HandlerFunc
	GetVideo          http.HandlerFunc
	VideoEvents       http.HandlerFunc
	ResubmitHandler   http.HandlerFunc
	NormalizeHandler  http.HandlerFunc

	WorkerCallback http.HandlerFunc

	CreateKeyHandler http.HandlerFunc
	ListKeysHandler  http.HandlerFunc
	RevokeKeyHandler http.HandlerFunc
}

// NewRouter builds the Chi router with middleware stack and all routes.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(mw.Logger)
	r.Use(mw.Recovery)

	// Public
	r.Get("/api/v1/health", orNotImplemented(deps.HealthHandler))
	if deps.MetricsHandler != nil {
		r.Handle("/api/v1/metrics", deps.MetricsHandler)
	}

	// Worker callback, authenticated with the worker secret
	r.Group(func(r chi.Router) {
		if deps.WorkerAuth != nil {
			r.Use(deps.WorkerAuth)
		} else {
			r.Use(mw.WorkerAuth(""))
		}
		r.Post("/api/v1/worker/callback", orNotImplemented(deps.WorkerCallback))
	})

	// Protected routes
	r.Group(func(r chi.Router) {
		r.Use(deps.Auth.Authenticate)
		r.Use(deps.RateLimit.Limit)

		r.Post("/api/v1/uploads", orNotImplemented(deps.UploadSlotHandler))

		r.Post("/api/v1/videos", orNotImplemented(deps.StartHandler))
		r.Get("/api/v1/videos", orNotImplemented(deps.ListVideos))
		r.Get("/api/v1/videos/{id}", orNotImplemented(deps.GetVideo))
		r.Get("/api/v1/videos/{id}/events", orNotImplemented(deps.VideoEvents))
		r.Post("/api/v1/videos/{id}/dispatch", orNotImplemented(deps.ResubmitHandler))
		r.Post("/api/v1/videos/{id}/normalize", orNotImplemented(deps.NormalizeHandler))

		// Admin routes
		r.Group(func(r chi.Router) {
			r.Use(deps.Auth.RequireScope("admin"))

			r.Post("/api/v1/admin/keys", orNotImplemented(deps.CreateKeyHandler))
			r.Get("/api/v1/admin/keys", orNotImplemented(deps.ListKeysHandler))
			r.Delete("/api/v1/admin/keys/{keyID}", orNotImplemented(deps.RevokeKeyHandler))
		})
	})

	return r
}

// orNotImplemented returns the handler if non-nil, or a 501 placeholder.
func orNotImplemented(h http.HandlerFunc) http.HandlerFunc {
	if h != nil {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		response.Error(w, http.StatusNotImplemented, "NOT_IMPLEMENTED", "Endpoint not yet implemented", nil)
	}
}

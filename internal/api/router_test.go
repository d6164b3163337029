package api_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/cliprelay/internal/api"
	mw "github.com/kiranshivaraju/cliprelay/internal/api/middleware"
	"github.com/kiranshivaraju/cliprelay/internal/metrics"
	"github.com/kiranshivaraju/cliprelay/internal/ratelimit"
	"github.com/kiranshivaraju/cliprelay/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

const (
	readKey  = "cr_reader_0123456789abcdef"
	adminKey = "cr_admin__0123456789abcdef"
)

// --- stub store with one read key and one admin key ---

type stubStore struct {
	keys []*models.APIKey
}

func newStubStore(t *testing.T) *stubStore {
	t.Helper()
	mk := func(raw string, scopes ...string) *models.APIKey {
		h, err := bcrypt.GenerateFromPassword([]byte(raw), bcrypt.MinCost)
		require.NoError(t, err)
		return &models.APIKey{ID: uuid.New(), AccountID: uuid.New(), KeyHash: string(h), KeyPrefix: raw[:8], Scopes: scopes}
	}
	return &stubStore{keys: []*models.APIKey{mk(readKey, "read", "write"), mk(adminKey, "read", "admin")}}
}

func (s *stubStore) GetAPIKeyByPrefix(_ context.Context, prefix string) ([]*models.APIKey, error) {
	var out []*models.APIKey
	for _, k := range s.keys {
		if k.KeyPrefix == prefix {
			out = append(out, k)
		}
	}
	return out, nil
}

func (s *stubStore) UpdateAPIKeyLastUsed(_ context.Context, _ uuid.UUID) error { return nil }

// --- router tests ---

func newTestRouter(t *testing.T, max int) http.Handler {
	return api.NewRouter(api.Dependencies{
		Auth:       mw.NewAuth(newStubStore(t)),
		RateLimit:  mw.NewRateLimit(ratelimit.NewInMemory(), time.Minute, max),
		WorkerAuth: mw.WorkerAuth("worker-secret"),
		HealthHandler: func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte(`{"status":"ok"}`))
		},
		MetricsHandler: metrics.Handler(),
		GetVideo: func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
		},
	})
}

func do(router http.Handler, method, path, key string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func errCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body["error"].(map[string]any)["code"].(string)
}

func TestRouter_HealthEndpoint_Public(t *testing.T) {
	w := do(newTestRouter(t, 60), "GET", "/api/v1/health", "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRouter_MetricsEndpoint_Public(t *testing.T) {
	w := do(newTestRouter(t, 60), "GET", "/api/v1/metrics", "")

	assert.Equal(t, http.StatusOK, w.Code)
	assert.True(t, strings.Contains(w.Body.String(), "go_goroutines"))
}

func TestRouter_ProtectedEndpoints_RequireAuth(t *testing.T) {
	router := newTestRouter(t, 60)
	id := uuid.NewString()

	endpoints := []struct {
		method string
		path   string
	}{
		{"POST", "/api/v1/uploads"},
		{"POST", "/api/v1/videos"},
		{"GET", "/api/v1/videos"},
		{"GET", "/api/v1/videos/" + id},
		{"GET", "/api/v1/videos/" + id + "/events"},
		{"POST", "/api/v1/videos/" + id + "/dispatch"},
		{"POST", "/api/v1/videos/" + id + "/normalize"},
		{"POST", "/api/v1/admin/keys"},
		{"GET", "/api/v1/admin/keys"},
		{"DELETE", "/api/v1/admin/keys/" + id},
	}

	for _, ep := range endpoints {
		t.Run(ep.method+" "+ep.path, func(t *testing.T) {
			w := do(router, ep.method, ep.path, "")

			assert.Equal(t, http.StatusUnauthorized, w.Code)
			assert.Equal(t, "INVALID_TOKEN", errCode(t, w))
		})
	}
}

func TestRouter_AuthenticatedRouteReachesHandler(t *testing.T) {
	w := do(newTestRouter(t, 60), "GET", "/api/v1/videos/"+uuid.NewString(), readKey)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "60", w.Header().Get("X-RateLimit-Limit"))
}

func TestRouter_UnwiredHandlerIsNotImplemented(t *testing.T) {
	w := do(newTestRouter(t, 60), "GET", "/api/v1/videos", readKey)

	assert.Equal(t, http.StatusNotImplemented, w.Code)
	assert.Equal(t, "NOT_IMPLEMENTED", errCode(t, w))
}

func TestRouter_AdminRequiresScope(t *testing.T) {
	router := newTestRouter(t, 60)

	w := do(router, "GET", "/api/v1/admin/keys", readKey)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = do(router, "GET", "/api/v1/admin/keys", adminKey)
	assert.Equal(t, http.StatusNotImplemented, w.Code)
}

func TestRouter_RateLimitsPerKey(t *testing.T) {
	router := newTestRouter(t, 2)
	path := "/api/v1/videos/" + uuid.NewString()

	assert.Equal(t, http.StatusOK, do(router, "GET", path, readKey).Code)
	assert.Equal(t, http.StatusOK, do(router, "GET", path, readKey).Code)

	w := do(router, "GET", path, readKey)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))

	assert.Equal(t, http.StatusOK, do(router, "GET", path, adminKey).Code)
}

func TestRouter_WorkerCallbackUsesWorkerSecret(t *testing.T) {
	router := newTestRouter(t, 60)

	w := do(router, "POST", "/api/v1/worker/callback", readKey)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = do(router, "POST", "/api/v1/worker/callback", "worker-secret")
	assert.Equal(t, http.StatusNotImplemented, w.Code)
}

func TestRouter_WorkerCallbackRefusedWithoutSecret(t *testing.T) {
	router := api.NewRouter(api.Dependencies{
		Auth:      mw.NewAuth(newStubStore(t)),
		RateLimit: mw.NewRateLimit(ratelimit.NewInMemory(), time.Minute, 60),
	})

	w := do(router, "POST", "/api/v1/worker/callback", "anything")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "WORKER_NOT_CONFIGURED", errCode(t, w))
}

func TestRouter_NotFound(t *testing.T) {
	w := do(newTestRouter(t, 60), "GET", "/api/v1/nonexistent", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

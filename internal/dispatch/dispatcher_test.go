package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/cliprelay/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- helpers ---

// countingTransport records how many requests reach the network layer.
type countingTransport struct {
	calls atomic.Int32
	next  http.RoundTripper
}

func (c *countingTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	c.calls.Add(1)
	if c.next == nil {
		return nil, errors.New("no network in tests")
	}
	return c.next.RoundTrip(r)
}

func workerServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)
	return ts
}

func validRequest() Request {
	return Request{
		VideoID:      uuid.MustParse("7f1c7a52-2a5b-4c1e-9d61-3f1f0e6a9b10"),
		OriginalURL:  "https://cdn.example.com/uploads/clip.mp4",
		TrimStartSec: 2.5,
	}
}

// --- configuration ---

func TestDispatch_MissingSecretMakesNoNetworkCall(t *testing.T) {
	transport := &countingTransport{}
	d := New(config.WorkerConfig{Endpoint: "http://worker.invalid/jobs"},
		WithHTTPClient(&http.Client{Transport: transport}))

	_, err := d.Dispatch(context.Background(), validRequest())

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConfiguration)
	assert.Equal(t, int32(0), transport.calls.Load())
}

func TestDispatch_MissingEndpointMakesNoNetworkCall(t *testing.T) {
	transport := &countingTransport{}
	d := New(config.WorkerConfig{Secret: "s3cret"},
		WithHTTPClient(&http.Client{Transport: transport}))

	_, err := d.Dispatch(context.Background(), validRequest())

	assert.ErrorIs(t, err, ErrConfiguration)
	assert.Equal(t, int32(0), transport.calls.Load())
	assert.False(t, d.Configured())
}

// --- validation ---

func TestDispatch_Validation(t *testing.T) {
	transport := &countingTransport{}
	d := New(config.WorkerConfig{Endpoint: "http://worker.invalid", Secret: "s"},
		WithHTTPClient(&http.Client{Transport: transport}))

	tests := []struct {
		name string
		mod  func(*Request)
	}{
		{"nil video id", func(r *Request) { r.VideoID = uuid.Nil }},
		{"empty url", func(r *Request) { r.OriginalURL = "  " }},
		{"negative trim", func(r *Request) { r.TrimStartSec = -0.1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := validRequest()
			tt.mod(&req)
			_, err := d.Dispatch(context.Background(), req)
			assert.ErrorIs(t, err, ErrValidation)
		})
	}
	assert.Equal(t, int32(0), transport.calls.Load())
}

// --- success ---

func TestDispatch_SendsAuthenticatedRequest(t *testing.T) {
	var got workerRequest
	ts := workerServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/jobs", r.URL.Path)
		assert.Equal(t, "Bearer s3cret", r.Header.Get("Authorization"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		w.Write([]byte(`{"status":"processing"}`))
	})

	d := New(config.WorkerConfig{Endpoint: ts.URL + "/jobs", Secret: "s3cret", Timeout: 5 * time.Second})
	res, err := d.Dispatch(context.Background(), validRequest())
	require.NoError(t, err)

	assert.Equal(t, "7f1c7a52-2a5b-4c1e-9d61-3f1f0e6a9b10", got.VideoID)
	assert.Equal(t, "https://cdn.example.com/uploads/clip.mp4", got.OriginalURL)
	assert.Equal(t, 2.5, got.TrimStartSec)

	assert.Equal(t, http.StatusAccepted, res.StatusCode)
	assert.Equal(t, "processing", res.Status)
	assert.Empty(t, res.MediaURL)
	assert.JSONEq(t, `{"status":"processing"}`, string(res.Payload))
}

func TestDispatch_SynchronousCompletion(t *testing.T) {
	ts := workerServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":"READY","url":"https://cdn.example.com/out/clip.mp4"}`))
	})

	d := New(config.WorkerConfig{Endpoint: ts.URL, Secret: "s"})
	res, err := d.Dispatch(context.Background(), validRequest())
	require.NoError(t, err)
	assert.Equal(t, "ready", res.Status)
	assert.Equal(t, "https://cdn.example.com/out/clip.mp4", res.MediaURL)
}

func TestDispatch_EmptyBodyIsAcknowledgement(t *testing.T) {
	ts := workerServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	d := New(config.WorkerConfig{Endpoint: ts.URL, Secret: "s"})
	res, err := d.Dispatch(context.Background(), validRequest())
	require.NoError(t, err)
	assert.Equal(t, http.StatusNoContent, res.StatusCode)
	assert.Empty(t, res.Status)
	assert.Nil(t, res.Payload)
}

// --- failures ---

func TestDispatch_WorkerRejectedJSON(t *testing.T) {
	var calls atomic.Int32
	ts := workerServer(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnprocessableEntity)
		w.Write([]byte(`{"error":"unsupported codec"}`))
	})

	d := New(config.WorkerConfig{Endpoint: ts.URL, Secret: "s"})
	_, err := d.Dispatch(context.Background(), validRequest())

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrWorkerRejected)
	var rejected *RejectedError
	require.True(t, errors.As(err, &rejected))
	assert.Equal(t, http.StatusUnprocessableEntity, rejected.StatusCode)
	assert.Equal(t, "unsupported codec", rejected.Message)
	assert.Equal(t, int32(1), calls.Load(), "rejections are not retried")
}

func TestDispatch_WorkerRejectedPlainText(t *testing.T) {
	ts := workerServer(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "worker overloaded", http.StatusServiceUnavailable)
	})

	d := New(config.WorkerConfig{Endpoint: ts.URL, Secret: "s"})
	_, err := d.Dispatch(context.Background(), validRequest())

	var rejected *RejectedError
	require.True(t, errors.As(err, &rejected))
	assert.Equal(t, http.StatusServiceUnavailable, rejected.StatusCode)
	assert.Equal(t, "worker overloaded", rejected.Message)
}

func TestDispatch_WorkerRejectedLongBodyKeepsValidUTF8(t *testing.T) {
	body := "x" + strings.Repeat("é", maxErrorBody)
	ts := workerServer(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, body, http.StatusBadRequest)
	})

	d := New(config.WorkerConfig{Endpoint: ts.URL, Secret: "s"})
	_, err := d.Dispatch(context.Background(), validRequest())

	var rejected *RejectedError
	require.True(t, errors.As(err, &rejected))
	assert.True(t, utf8.ValidString(rejected.Message))
	assert.Len(t, rejected.Message, maxErrorBody-1)
	assert.True(t, strings.HasPrefix(body, rejected.Message))
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		in   string
		n    int
		want string
	}{
		{"short", 10, "short"},
		{"abcdef", 3, "abc"},
		{"héllo", 2, "h"},
		{"héllo", 3, "hé"},
		{"日本語", 4, "日"},
		{"日本語", 2, ""},
	}
	for _, tt := range tests {
		got := truncate(tt.in, tt.n)
		assert.Equal(t, tt.want, got, "truncate(%q, %d)", tt.in, tt.n)
		assert.True(t, utf8.ValidString(got))
	}
}

func TestDispatch_WorkerRejectedEmptyBody(t *testing.T) {
	ts := workerServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})

	d := New(config.WorkerConfig{Endpoint: ts.URL, Secret: "wrong"})
	_, err := d.Dispatch(context.Background(), validRequest())

	var rejected *RejectedError
	require.True(t, errors.As(err, &rejected))
	assert.Equal(t, "Unauthorized", rejected.Message)
}

func TestDispatch_TransportError(t *testing.T) {
	ts := workerServer(t, func(w http.ResponseWriter, r *http.Request) {})
	url := ts.URL
	ts.Close()

	d := New(config.WorkerConfig{Endpoint: url, Secret: "s"})
	_, err := d.Dispatch(context.Background(), validRequest())

	assert.ErrorIs(t, err, ErrTransport)
	assert.NotErrorIs(t, err, ErrWorkerRejected)
}

func TestDispatch_Timeout(t *testing.T) {
	ts := workerServer(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	})

	d := New(config.WorkerConfig{Endpoint: ts.URL, Secret: "s", Timeout: 50 * time.Millisecond})
	_, err := d.Dispatch(context.Background(), validRequest())

	assert.ErrorIs(t, err, ErrTransport)
	assert.Contains(t, err.Error(), "timed out")
}

func TestDispatch_RateLimitedWaitHonoursContext(t *testing.T) {
	var calls atomic.Int32
	ts := workerServer(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusAccepted)
	})

	d := New(config.WorkerConfig{Endpoint: ts.URL, Secret: "s", MaxRPS: 0.01})

	_, err := d.Dispatch(context.Background(), validRequest())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = d.Dispatch(ctx, validRequest())
	assert.ErrorIs(t, err, ErrTransport)
	assert.Equal(t, int32(1), calls.Load())
}

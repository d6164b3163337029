// Package dispatch sends transcode/trim jobs to the external worker and
// reports the worker's synchronous acknowledgement.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/cliprelay/internal/config"
	"github.com/kiranshivaraju/cliprelay/internal/metrics"
	"golang.org/x/time/rate"
)

// maxErrorBody bounds how much of a rejection body is kept as the message.
const maxErrorBody = 4 << 10

// Request is one dispatch intent.
type Request struct {
	VideoID      uuid.UUID
	OriginalURL  string
	TrimStartSec float64
}

func (r Request) validate() error {
	if r.VideoID == uuid.Nil {
		return fmt.Errorf("%w: videoId is required", ErrValidation)
	}
	if strings.TrimSpace(r.OriginalURL) == "" {
		return fmt.Errorf("%w: originalUrl is required", ErrValidation)
	}
	if r.TrimStartSec < 0 {
		return fmt.Errorf("%w: trimStartSec must be >= 0, got %v", ErrValidation, r.TrimStartSec)
	}
	return nil
}

// Result is the worker's synchronous acknowledgement.
type Result struct {
	StatusCode int
	Status     string
	MediaURL   string
	Message    string
	Payload    json.RawMessage
}

type workerRequest struct {
	VideoID      string  `json:"videoId"`
	OriginalURL  string  `json:"originalUrl"`
	TrimStartSec float64 `json:"trimStartSec"`
}

type workerResponse struct {
	Status   string `json:"status"`
	MediaURL string `json:"mediaUrl"`
	URL      string `json:"url"`
	Message  string `json:"message"`
	Error    string `json:"error"`
}

// Dispatcher issues authenticated calls to the worker endpoint.
type Dispatcher struct {
	endpoint string
	secret   string
	client   *http.Client
	limiter  *rate.Limiter
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(d *Dispatcher) {
		d.client = c
	}
}

// New creates a Dispatcher from worker settings. Missing endpoint or secret
// is not an error here; Dispatch reports it on every call instead.
func New(cfg config.WorkerConfig, opts ...Option) *Dispatcher {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	d := &Dispatcher{
		endpoint: strings.TrimSpace(cfg.Endpoint),
		secret:   strings.TrimSpace(cfg.Secret),
		client:   &http.Client{Timeout: timeout},
	}
	if cfg.MaxRPS > 0 {
		burst := int(cfg.MaxRPS)
		if burst < 1 {
			burst = 1
		}
		d.limiter = rate.NewLimiter(rate.Limit(cfg.MaxRPS), burst)
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Configured reports whether both endpoint and secret are set.
func (d *Dispatcher) Configured() bool {
	return d.endpoint != "" && d.secret != ""
}

// Dispatch sends req to the worker once. A non-2xx reply yields a
// *RejectedError; network failures wrap ErrTransport.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (*Result, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	if d.endpoint == "" {
		metrics.DispatchTotal.WithLabelValues("not_configured").Inc()
		return nil, fmt.Errorf("%w: WORKER_ENDPOINT is not set", ErrConfiguration)
	}
	if d.secret == "" {
		metrics.DispatchTotal.WithLabelValues("not_configured").Inc()
		return nil, fmt.Errorf("%w: WORKER_SECRET is not set", ErrConfiguration)
	}

	if d.limiter != nil {
		if err := d.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("%w: waiting for dispatch slot: %v", ErrTransport, err)
		}
	}

	body, err := json.Marshal(workerRequest{
		VideoID:      req.VideoID.String(),
		OriginalURL:  req.OriginalURL,
		TrimStartSec: req.TrimStartSec,
	})
	if err != nil {
		return nil, fmt.Errorf("encoding worker request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, d.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+d.secret)

	start := time.Now()
	resp, err := d.client.Do(httpReq)
	if err != nil {
		metrics.DispatchTotal.WithLabelValues("transport_error").Inc()
		return nil, classifyError(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		metrics.DispatchTotal.WithLabelValues("transport_error").Inc()
		return nil, fmt.Errorf("%w: reading response: %v", ErrTransport, err)
	}

	var parsed workerResponse
	if len(bytes.TrimSpace(raw)) > 0 {
		// Non-JSON bodies are tolerated; the raw text becomes the message.
		_ = json.Unmarshal(raw, &parsed)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		metrics.DispatchTotal.WithLabelValues("rejected").Inc()
		msg := firstNonEmpty(parsed.Error, parsed.Message, truncate(strings.TrimSpace(string(raw)), maxErrorBody))
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		slog.Warn("worker rejected dispatch",
			"video_id", req.VideoID,
			"status_code", resp.StatusCode,
			"message", msg,
		)
		return nil, &RejectedError{StatusCode: resp.StatusCode, Message: msg}
	}

	metrics.DispatchTotal.WithLabelValues("accepted").Inc()
	slog.Info("worker accepted dispatch",
		"video_id", req.VideoID,
		"status_code", resp.StatusCode,
		"worker_status", parsed.Status,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	result := &Result{
		StatusCode: resp.StatusCode,
		Status:     strings.ToLower(strings.TrimSpace(parsed.Status)),
		MediaURL:   firstNonEmpty(parsed.MediaURL, parsed.URL),
		Message:    firstNonEmpty(parsed.Error, parsed.Message),
	}
	if json.Valid(raw) {
		result.Payload = json.RawMessage(raw)
	}
	return result, nil
}

// classifyError maps transport-level errors to ErrTransport, keeping the
// cause in the message.
func classifyError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: timed out: %v", ErrTransport, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: timed out: %v", ErrTransport, err)
	}

	return fmt.Errorf("%w: %v", ErrTransport, err)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

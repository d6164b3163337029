// Package client is a thin Go client for the cliprelay HTTP API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/cliprelay/internal/api/response"
	"github.com/kiranshivaraju/cliprelay/internal/poll"
	"github.com/kiranshivaraju/cliprelay/internal/upload"
	"github.com/kiranshivaraju/cliprelay/pkg/models"
)

var ErrNotConfigured = errors.New("api url and api key are required")

// APIError is a non-2xx reply decoded from the error envelope.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s (%d): %s", e.Code, e.StatusCode, e.Message)
}

// DispatchOutcome mirrors the dispatch block of a start or resubmit reply.
type DispatchOutcome struct {
	Accepted     bool            `json:"accepted"`
	StatusCode   int             `json:"status_code,omitempty"`
	WorkerStatus string          `json:"worker_status,omitempty"`
	Response     json.RawMessage `json:"response,omitempty"`
	Error        *struct {
		Code       string `json:"code"`
		Message    string `json:"message"`
		StatusCode int    `json:"status_code,omitempty"`
	} `json:"error,omitempty"`
}

// StartResponse is the reply to starting or resubmitting processing.
type StartResponse struct {
	Job      *models.VideoJob `json:"job"`
	Dispatch DispatchOutcome  `json:"dispatch"`
}

// Client talks to one cliprelay server with one API key.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// Option configures a Client.
type Option func(*Client)

func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.http = c }
}

// New creates a Client. baseURL is the server root, without /api/v1.
func New(baseURL, apiKey string, opts ...Option) (*Client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	apiKey = strings.TrimSpace(apiKey)
	if baseURL == "" || apiKey == "" {
		return nil, ErrNotConfigured
	}
	c := &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) RequestUploadSlot(ctx context.Context, filename, contentType string, size int64) (*upload.Slot, error) {
	var out struct {
		Data upload.Slot `json:"data"`
	}
	body := map[string]any{"filename": filename, "content_type": contentType, "size": size}
	if err := c.do(ctx, http.MethodPost, "/uploads", body, &out); err != nil {
		return nil, err
	}
	return &out.Data, nil
}

func (c *Client) Start(ctx context.Context, originalURL string, trimStartSec float64) (*StartResponse, error) {
	var out struct {
		Data StartResponse `json:"data"`
	}
	body := map[string]any{"original_url": originalURL, "trim_start_sec": trimStartSec}
	if err := c.do(ctx, http.MethodPost, "/videos", body, &out); err != nil {
		return nil, err
	}
	return &out.Data, nil
}

func (c *Client) Resubmit(ctx context.Context, id uuid.UUID) (*StartResponse, error) {
	var out struct {
		Data StartResponse `json:"data"`
	}
	if err := c.do(ctx, http.MethodPost, "/videos/"+id.String()+"/dispatch", nil, &out); err != nil {
		return nil, err
	}
	return &out.Data, nil
}

func (c *Client) Normalize(ctx context.Context, id uuid.UUID) (*models.VideoJob, error) {
	var out struct {
		Data *models.VideoJob `json:"data"`
	}
	if err := c.do(ctx, http.MethodPost, "/videos/"+id.String()+"/normalize", nil, &out); err != nil {
		return nil, err
	}
	return out.Data, nil
}

// Status is one point-in-time status read.
func (c *Client) Status(ctx context.Context, id uuid.UUID) (poll.Snapshot, error) {
	var snap poll.Snapshot
	if err := c.do(ctx, http.MethodGet, "/videos/"+id.String(), nil, &snap); err != nil {
		return poll.Snapshot{}, err
	}
	return snap, nil
}

// ReadStatus makes Client a poll.Reader, so a Coordinator can drive
// client-side polling.
func (c *Client) ReadStatus(ctx context.Context, id uuid.UUID) (*models.VideoJob, error) {
	snap, err := c.Status(ctx, id)
	if err != nil {
		return nil, err
	}
	if snap.Data == nil {
		return nil, fmt.Errorf("status reply for %s has no job", id)
	}
	return snap.Data, nil
}

// List returns one page of the caller's jobs.
func (c *Client) List(ctx context.Context, page, limit int, status string) ([]*models.VideoJob, response.PaginationMeta, error) {
	q := url.Values{}
	if page > 0 {
		q.Set("page", strconv.Itoa(page))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if status != "" {
		q.Set("status", status)
	}
	path := "/videos"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var out struct {
		Data []*models.VideoJob     `json:"data"`
		Meta response.PaginationMeta `json:"meta"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, response.PaginationMeta{}, err
	}
	return out.Data, out.Meta, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		rd = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+"/api/v1"+path, rd)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{StatusCode: resp.StatusCode, Code: "HTTP_ERROR", Message: http.StatusText(resp.StatusCode)}
		var env struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(raw, &env) == nil && env.Error.Code != "" {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
		}
		return apiErr
	}

	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

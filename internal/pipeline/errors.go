package pipeline

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrValidation      = errors.New("invalid request")
	ErrRateLimited     = errors.New("rate limit exceeded")
	ErrUploadsDisabled = errors.New("upload storage is not configured")
)

// RateLimitError carries the dispatch bucket state for Retry-After headers.
// It unwraps to ErrRateLimited.
type RateLimitError struct {
	Limit   int
	ResetAt time.Time
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("%v: %d dispatches per window, resets at %s", ErrRateLimited, e.Limit, e.ResetAt.UTC().Format(time.RFC3339))
}

func (e *RateLimitError) Unwrap() error {
	return ErrRateLimited
}

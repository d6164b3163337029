package dispatch

import (
	"errors"
	"fmt"
)

// Sentinel errors for dispatch failures. None of them are retried here.
var (
	ErrConfiguration  = errors.New("worker not configured")
	ErrTransport      = errors.New("worker unreachable")
	ErrWorkerRejected = errors.New("worker rejected job")
	ErrValidation     = errors.New("invalid dispatch request")
)

// RejectedError carries the worker's own status code and message.
type RejectedError struct {
	StatusCode int
	Message    string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("%v: status %d: %s", ErrWorkerRejected, e.StatusCode, e.Message)
}

func (e *RejectedError) Unwrap() error {
	return ErrWorkerRejected
}

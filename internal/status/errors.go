package status

import (
	"errors"
	"fmt"

	"github.com/kiranshivaraju/cliprelay/pkg/models"
)

var (
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrInvalidExtra      = errors.New("invalid transition details")
)

// TransitionError reports the rejected from/to pair. It unwraps to
// ErrInvalidTransition.
type TransitionError struct {
	From models.ProcessStatus
	To   models.ProcessStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%v: %s -> %s", ErrInvalidTransition, e.From, e.To)
}

func (e *TransitionError) Unwrap() error {
	return ErrInvalidTransition
}

package poll

import (
	"math"
	"time"

	"github.com/kiranshivaraju/cliprelay/internal/config"
)

// Backoff is a capped geometric schedule. Interval(0) is Initial and each
// following interval is Factor times the one before, until MaxSteps
// increases have been applied.
type Backoff struct {
	Initial  time.Duration
	Factor   float64
	MaxSteps int
}

// DefaultBackoff starts at 3s and grows by 1.5x for five steps.
var DefaultBackoff = Backoff{Initial: 3 * time.Second, Factor: 1.5, MaxSteps: 5}

// BackoffFromConfig builds a Backoff from poll settings.
func BackoffFromConfig(cfg config.PollConfig) Backoff {
	return Backoff{Initial: cfg.InitialInterval, Factor: cfg.BackoffFactor, MaxSteps: cfg.MaxSteps}
}

// Interval returns the wait scheduled after the n-th poll (zero-based).
func (b Backoff) Interval(n int) time.Duration {
	if n < 0 {
		n = 0
	}
	if b.MaxSteps >= 0 && n > b.MaxSteps {
		n = b.MaxSteps
	}
	factor := b.Factor
	if factor < 1 {
		factor = 1
	}
	return time.Duration(float64(b.Initial) * math.Pow(factor, float64(n)))
}

package middleware

import (
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/kiranshivaraju/cliprelay/internal/api/response"
	"github.com/kiranshivaraju/cliprelay/internal/metrics"
	"github.com/kiranshivaraju/cliprelay/internal/ratelimit"
)

// RateLimit applies a fixed-window quota per API key, or per client address
// for requests that carry no key.
type RateLimit struct {
	limiter *ratelimit.Limiter
	window  time.Duration
	max     int
	now     func() time.Time
}

// NewRateLimit creates a new RateLimit middleware. Non-positive settings
// fall back to 60 requests per minute.
func NewRateLimit(l *ratelimit.Limiter, window time.Duration, max int) *RateLimit {
	if window <= 0 {
		window = time.Minute
	}
	if max <= 0 {
		max = 60
	}
	return &RateLimit{limiter: l, window: window, max: max, now: time.Now}
}

// Limit counts the request against its identity and rejects it with 429
// once the window is exhausted.
func (rl *RateLimit) Limit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := "api:" + clientIP(r)
		if prefix, ok := getKeyPrefix(r); ok {
			key = "api:" + prefix
		}

		res, err := rl.limiter.CheckAndIncrement(r.Context(), key, rl.window, rl.max)
		if err != nil {
			// Fail open so a limiter outage never takes the API down.
			slog.Warn("rate limiter unavailable", "key", key, "error", err)
			next.ServeHTTP(w, r)
			return
		}

		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(res.Limit))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(res.ResetAt.Unix(), 10))

		if !res.Allowed {
			metrics.RateLimitRejections.WithLabelValues("api").Inc()
			w.Header().Set("Retry-After", RetryAfter(res.ResetAt, rl.now()))
			response.Error(w, http.StatusTooManyRequests,
				"RATE_LIMIT_EXCEEDED", "Too many requests", nil)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// RetryAfter formats the whole seconds until resetAt, never less than one.
func RetryAfter(resetAt, now time.Time) string {
	secs := int64(math.Ceil(resetAt.Sub(now).Seconds()))
	if secs < 1 {
		secs = 1
	}
	return strconv.FormatInt(secs, 10)
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

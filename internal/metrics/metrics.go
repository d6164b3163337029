// Package metrics holds the Prometheus collectors for the processing
// pipeline. Collectors register with the default registry on import.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	DispatchTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cliprelay_dispatch_total",
		Help: "Worker dispatch attempts by outcome",
	}, []string{"outcome"})

	TransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cliprelay_transitions_total",
		Help: "Applied video job status transitions",
	}, []string{"from", "to"})

	RateLimitRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cliprelay_ratelimit_rejections_total",
		Help: "Requests rejected by the rate limiter, by scope",
	}, []string{"scope"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "cliprelay_http_request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route", "status"})
)

// Handler exposes the default registry for scraping.
func Handler() http.Handler {
	return promhttp.Handler()
}

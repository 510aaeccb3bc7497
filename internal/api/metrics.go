package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Submission and poll outcomes, used as metric labels.
const (
	submitAccepted    = "accepted"
	submitCached      = "cached"
	submitThrottled   = "throttled"
	submitUnknown     = "unknown_function"
	submitPoolFull    = "pool_full"
	submitUnavailable = "unavailable"
	submitError       = "error"

	pollCompleted = "completed"
	pollRunning   = "running"
	pollReclaimed = "reclaimed"
	pollError     = "error"
)

var (
	apiRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "longcall_api_requests_total",
			Help: "API requests by route and status class.",
		},
		[]string{"method", "route", "class"},
	)

	apiRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "longcall_api_request_duration_seconds",
			Help:    "API request latency by route.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	jobSubmits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "longcall_api_job_submits_total",
			Help: "Job submissions by registered function and outcome.",
		},
		[]string{"function", "outcome"},
	)

	jobPolls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "longcall_api_job_polls_total",
			Help: "Token polls by outcome.",
		},
		[]string{"outcome"},
	)
)

func init() {
	prometheus.MustRegister(apiRequests, apiRequestDuration, jobSubmits, jobPolls)
}

// recordSubmit counts one submission. Only registered names become label
// values; anything else collapses to "" so clients cannot grow the series.
func recordSubmit(function, outcome string) {
	if outcome == submitUnknown || outcome == submitThrottled {
		function = ""
	}
	jobSubmits.WithLabelValues(function, outcome).Inc()
}

// metricsMiddleware counts requests per chi route pattern.
func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		apiRequests.WithLabelValues(r.Method, route, statusClass(ww.Status())).Inc()
		apiRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

func statusClass(code int) string {
	switch {
	case code == 0 || code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}

func metricsHandler() http.Handler {
	return promhttp.Handler()
}

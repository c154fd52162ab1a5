package metrics

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type ctxKey string

const routeLabelKey ctxKey = "metrics_route"

var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "calsync_http_requests_total",
		Help: "Total number of HTTP requests processed.",
	}, []string{"method", "route"})

	httpErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "calsync_http_errors_total",
		Help: "Total number of HTTP requests resulting in server errors.",
	}, []string{"method", "route", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "calsync_http_request_duration_seconds",
		Help:    "Histogram of latencies for HTTP requests.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route", "status"})

	dbLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "calsync_db_latency_seconds",
		Help:    "Histogram of database operation latencies.",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation", "route"})

	tokenRefreshTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "calsync_token_refresh_total",
		Help: "Token refresh attempts by provider and outcome.",
	}, []string{"provider", "outcome"})

	tokenRefreshDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "calsync_token_refresh_duration_seconds",
		Help:    "Histogram of token refresh round-trip latencies.",
		Buckets: prometheus.DefBuckets,
	}, []string{"provider"})

	calendarFetchTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "calsync_calendar_fetch_total",
		Help: "Per-calendar fetch attempts by provider and outcome.",
	}, []string{"provider", "outcome"})

	calendarFetchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "calsync_calendar_fetch_duration_seconds",
		Help:    "Histogram of per-calendar fetch latencies.",
		Buckets: prometheus.DefBuckets,
	}, []string{"provider"})

	healthTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "calsync_health_transitions_total",
		Help: "Integration health state transitions by provider and transition.",
	}, []string{"provider", "transition"})
)

// Middleware records request metrics and enriches the context with labels for downstream instrumentation.
func Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			route := routePattern(r)
			ctx := context.WithValue(r.Context(), routeLabelKey, route)

			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r.WithContext(ctx))

			status := ww.Status()
			method := r.Method
			duration := time.Since(start).Seconds()
			statusCode := strconv.Itoa(status)

			httpRequestsTotal.WithLabelValues(method, route).Inc()
			httpRequestDuration.WithLabelValues(method, route, statusCode).Observe(duration)
			if status >= http.StatusInternalServerError {
				httpErrorsTotal.WithLabelValues(method, route, statusCode).Inc()
			}
		})
	}
}

// Handler exposes the Prometheus metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveDBLatency records database latency for a given operation, associating it with request labels when available.
func ObserveDBLatency(ctx context.Context, operation string, start time.Time) {
	route := routeFromContext(ctx)
	dbLatency.WithLabelValues(operation, route).Observe(time.Since(start).Seconds())
}

// ObserveTokenRefresh records one refresh attempt against the provider's
// token endpoint.
func ObserveTokenRefresh(provider, outcome string, duration time.Duration) {
	tokenRefreshTotal.WithLabelValues(provider, outcome).Inc()
	tokenRefreshDuration.WithLabelValues(provider).Observe(duration.Seconds())
}

// ObserveCalendarFetch records one per-calendar event fetch.
func ObserveCalendarFetch(provider, outcome string, duration time.Duration) {
	calendarFetchTotal.WithLabelValues(provider, outcome).Inc()
	calendarFetchDuration.WithLabelValues(provider).Observe(duration.Seconds())
}

// CountHealthTransition records an integration health state transition.
func CountHealthTransition(provider, transition string) {
	healthTransitionsTotal.WithLabelValues(provider, transition).Inc()
}

func routeFromContext(ctx context.Context) string {
	if route, ok := ctx.Value(routeLabelKey).(string); ok && route != "" {
		return route
	}
	return "unknown"
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := strings.TrimSpace(rctx.RoutePattern()); pattern != "" {
			return pattern
		}
	}
	return r.URL.Path
}

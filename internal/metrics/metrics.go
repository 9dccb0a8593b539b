// Package metrics provides Prometheus metrics for the web application
package metrics

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "spms"

var (
	// HTTPRequestsTotal counts total HTTP requests by method, route, and status
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests by method, route pattern, and status code",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration measures HTTP request duration in seconds
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path"},
	)

	// HTTPRequestsInFlight tracks current in-flight requests
	HTTPRequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_in_flight",
			Help:      "Current number of HTTP requests being processed",
		},
	)

	// HTTPResponseSize measures HTTP response size in bytes
	HTTPResponseSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "response_size_bytes",
			Help:      "HTTP response size in bytes",
			Buckets:   []float64{100, 1000, 10000, 100000, 1000000},
		},
		[]string{"method", "path"},
	)
)

var (
	// LoginAttemptsTotal counts login attempts by result (success, invalid, locked, error)
	LoginAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "auth",
			Name:      "login_attempts_total",
			Help:      "Login attempts by result",
		},
		[]string{"result"},
	)

	// LockoutsTotal counts lockouts triggered by repeated failures
	LockoutsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "auth",
			Name:      "lockouts_total",
			Help:      "Number of times a username/address pair reached the failure threshold",
		},
	)

	// RememberLoginsTotal counts remember-cookie authentications by result (success, rejected)
	RememberLoginsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "auth",
			Name:      "remember_logins_total",
			Help:      "Remember-me cookie authentications by result",
		},
		[]string{"result"},
	)

	// SessionTimeoutsTotal counts sessions ended by the idle or absolute timeout
	SessionTimeoutsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "auth",
			Name:      "session_timeouts_total",
			Help:      "Authenticated sessions ended by timeout",
		},
	)

	// CSRFFailuresTotal counts rejected state-changing requests
	CSRFFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "csrf",
			Name:      "failures_total",
			Help:      "Requests rejected by CSRF validation",
		},
	)

	// CSRFTokensIssued counts newly minted CSRF tokens
	CSRFTokensIssued = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "csrf",
			Name:      "tokens_issued_total",
			Help:      "CSRF tokens minted",
		},
	)

	// SessionRegenerations counts session identifier rotations
	SessionRegenerations = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "regenerations_total",
			Help:      "Session identifier rotations",
		},
	)

	// SessionStoreErrors counts failed session store operations by operation
	SessionStoreErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "store_errors_total",
			Help:      "Failed session store operations",
		},
		[]string{"operation"},
	)

	// SessionsSwept counts expired sessions removed by the sweeper
	SessionsSwept = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "swept_total",
			Help:      "Expired sessions removed by the periodic sweep",
		},
	)
)

// RecordLogin records a login attempt result
func RecordLogin(result string) {
	LoginAttemptsTotal.WithLabelValues(result).Inc()
}

// RecordRememberLogin records a remember-cookie authentication result
func RecordRememberLogin(result string) {
	RememberLoginsTotal.WithLabelValues(result).Inc()
}

type routeLabelKey struct{}

// routeLabel is filled in by the application router once a route matched
type routeLabel struct {
	pattern string
}

// SetRoutePattern records the matched route pattern for the current request.
// It is a no-op when the request did not pass through Middleware.
func SetRoutePattern(ctx context.Context, pattern string) {
	if label, ok := ctx.Value(routeLabelKey{}).(*routeLabel); ok {
		label.pattern = pattern
	}
}

// responseWriter wraps http.ResponseWriter to capture status code and size
type responseWriter struct {
	http.ResponseWriter
	statusCode int
	size       int
}

func newResponseWriter(w http.ResponseWriter) *responseWriter {
	return &responseWriter{
		ResponseWriter: w,
		statusCode:     http.StatusOK,
	}
}

// WriteHeader captures the status code
func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Write captures the response size
func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.size += n
	return n, err
}

// Unwrap exposes the underlying writer to http.ResponseController
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// Middleware returns a chi middleware that records HTTP metrics
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		HTTPRequestsInFlight.Inc()
		defer HTTPRequestsInFlight.Dec()

		label := &routeLabel{}
		r = r.WithContext(context.WithValue(r.Context(), routeLabelKey{}, label))
		rw := newResponseWriter(w)

		next.ServeHTTP(rw, r)

		duration := time.Since(start).Seconds()
		path := getRoutePattern(r, label)

		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(rw.statusCode)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
		HTTPResponseSize.WithLabelValues(r.Method, path).Observe(float64(rw.size))
	})
}

// getRoutePattern prefers the application route pattern, then chi's, and never
// falls back to the raw path to keep label cardinality bounded.
func getRoutePattern(r *http.Request, label *routeLabel) string {
	if label != nil && label.pattern != "" {
		return label.pattern
	}
	rctx := chi.RouteContext(r.Context())
	if rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" && pattern != "/*" {
			return pattern
		}
	}
	return "unmatched"
}

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

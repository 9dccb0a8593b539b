// Package middleware provides the outer HTTP middleware (request logging) and
// the route guards run by the router: authentication, roles, CSRF and login
// throttling.
package middleware

import (
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/khalloda/spare-parts-system/internal/logger"
)

const redacted = "[REDACTED]"

// quietPrefixes are probe endpoints logged at debug level when they succeed
var quietPrefixes = []string{"/health", "/metrics", "/static/"}

// LoggingMiddleware writes one access log record per request
type LoggingMiddleware struct {
	logger *slog.Logger
}

// NewLoggingMiddleware creates a new LoggingMiddleware instance
func NewLoggingMiddleware(log *slog.Logger) *LoggingMiddleware {
	if log == nil {
		log = slog.Default()
	}
	return &LoggingMiddleware{logger: log}
}

// Handler returns an HTTP middleware that logs each request once it completes
func (m *LoggingMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		requestID := middleware.GetReqID(r.Context())
		r = r.WithContext(logger.SetCorrelationID(r.Context(), requestID))

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}

		attrs := []any{
			slog.String("correlation_id", requestID),
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", status),
			slog.Int("bytes", ww.BytesWritten()),
			slog.Duration("duration", time.Since(start)),
			slog.String("remote_addr", r.RemoteAddr),
			slog.String("user_agent", r.UserAgent()),
		}
		if q := RedactQuery(r.URL.RawQuery); q != "" {
			attrs = append(attrs, slog.String("query", q))
		}
		if ajax := r.Header.Get("X-Requested-With"); ajax != "" {
			attrs = append(attrs, slog.Bool("ajax", true))
		}

		switch {
		case status >= 500:
			m.logger.Error("HTTP request completed with server error", attrs...)
		case status >= 400:
			m.logger.Warn("HTTP request completed with client error", attrs...)
		case quiet(r.URL.Path):
			m.logger.Debug("HTTP request completed", attrs...)
		default:
			m.logger.Info("HTTP request completed", attrs...)
		}
	})
}

// StructuredLogger returns a chi-compatible logger that uses slog
func StructuredLogger(log *slog.Logger) func(next http.Handler) http.Handler {
	return NewLoggingMiddleware(log).Handler
}

// RedactQuery masks query parameters whose names look sensitive, such as a
// CSRF token passed in the URL
func RedactQuery(raw string) string {
	if raw == "" {
		return ""
	}
	values, err := url.ParseQuery(raw)
	if err != nil {
		return redacted
	}
	for key := range values {
		if logger.IsSensitiveKey(key) {
			values[key] = []string{redacted}
		}
	}
	return values.Encode()
}

func quiet(path string) bool {
	for _, prefix := range quietPrefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

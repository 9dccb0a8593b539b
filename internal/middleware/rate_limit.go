package middleware

import (
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/khalloda/spare-parts-system/internal/auth"
	appctx "github.com/khalloda/spare-parts-system/internal/context"
	"github.com/khalloda/spare-parts-system/internal/logger"
	"github.com/khalloda/spare-parts-system/internal/router"
)

// RateLimiter implements a sliding-window in-memory rate limiter
type RateLimiter struct {
	mu       sync.Mutex
	requests map[string][]time.Time
	limit    int           // Max requests
	window   time.Duration // Time window
	now      func() time.Time
	stop     chan struct{}
	stopOnce sync.Once
}

// NewRateLimiter creates a new rate limiter. Call Stop to end its cleanup goroutine.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	rl := newRateLimiter(limit, window, time.Now)
	go rl.cleanup()
	return rl
}

func newRateLimiter(limit int, window time.Duration, now func() time.Time) *RateLimiter {
	return &RateLimiter{
		requests: make(map[string][]time.Time),
		limit:    limit,
		window:   window,
		now:      now,
		stop:     make(chan struct{}),
	}
}

// live returns the requests for key inside the window. Caller holds mu.
func (rl *RateLimiter) live(key string, now time.Time) []time.Time {
	windowStart := now.Add(-rl.window)
	var valid []time.Time
	for _, t := range rl.requests[key] {
		if t.After(windowStart) {
			valid = append(valid, t)
		}
	}
	return valid
}

// Allow checks if a request is allowed for the given key and records it
func (rl *RateLimiter) Allow(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	valid := rl.live(key, now)
	if len(valid) >= rl.limit {
		rl.requests[key] = valid
		return false
	}
	rl.requests[key] = append(valid, now)
	return true
}

// Remaining returns the number of remaining requests for a key
func (rl *RateLimiter) Remaining(key string) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	remaining := rl.limit - len(rl.live(key, rl.now()))
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Reset returns the time when the oldest request in the window expires
func (rl *RateLimiter) Reset(key string) time.Time {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	valid := rl.live(key, now)
	if len(valid) == 0 {
		return now
	}
	return valid[0].Add(rl.window)
}

// Stop ends the cleanup goroutine
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stop) })
}

// cleanup periodically removes old entries
func (rl *RateLimiter) cleanup() {
	ticker := time.NewTicker(rl.window)
	defer ticker.Stop()

	for {
		select {
		case <-rl.stop:
			return
		case <-ticker.C:
			rl.prune()
		}
	}
}

func (rl *RateLimiter) prune() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	for key := range rl.requests {
		if valid := rl.live(key, now); len(valid) == 0 {
			delete(rl.requests, key)
		} else {
			rl.requests[key] = valid
		}
	}
}

// LoginThrottle limits credential submissions per client address. It sits in
// front of the per-session lockout, which a client can reset by dropping its
// session cookie.
type LoginThrottle struct {
	limiter *RateLimiter
	logger  *slog.Logger
}

// NewLoginThrottle allows limit login submissions per client address per window
func NewLoginThrottle(limiter *RateLimiter, log *slog.Logger) *LoginThrottle {
	if log == nil {
		log = slog.Default()
	}
	return &LoginThrottle{limiter: limiter, logger: log}
}

// Middleware returns a route middleware rejecting excess submissions with 429
func (lt *LoginThrottle) Middleware() router.Middleware {
	return func(r *http.Request) router.Response {
		if r.Method != http.MethodPost {
			return nil
		}
		key := auth.ClientAddress(r)
		if lt.limiter.Allow(key) {
			return nil
		}

		retryAfter := int64(lt.limiter.Reset(key).Sub(lt.limiter.now()).Seconds())
		if retryAfter < 1 {
			retryAfter = 1
		}
		logger.WithCorrelationID(r.Context(), lt.logger).Warn("Login submissions throttled",
			slog.String("client_addr", key),
			slog.Int64("retry_after", retryAfter),
		)

		message := "Too many login requests. Please slow down."
		if rc, ok := appctx.FromRequest(r); ok {
			message = rc.T("auth.too_many_requests")
		}
		return router.ResponseFunc(func(w http.ResponseWriter, req *http.Request) {
			w.Header().Set("Retry-After", strconv.FormatInt(retryAfter, 10))
			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(lt.limiter.limit))
			w.Header().Set("X-RateLimit-Remaining", "0")
			if router.WantsJSON(req) {
				JSONError(http.StatusTooManyRequests, ErrorResponse{
					Message: message,
					Code:    "TOO_MANY_REQUESTS",
				}).Render(w, req)
				return
			}
			PlainErrorPage(w, req, http.StatusTooManyRequests, message)
		})
	}
}

package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/khalloda/spare-parts-system/internal/metrics"
	"github.com/khalloda/spare-parts-system/internal/session"
)

// attemptKey identifies a username/client-address pair without storing either
func (a *Authenticator) attemptKey(identifier string) string {
	sum := sha256.Sum256([]byte(strings.ToLower(strings.TrimSpace(identifier)) + "\x00" + ClientAddress(a.r)))
	return hex.EncodeToString(sum[:])
}

// attempt returns the failure record for key while it is inside the lockout
// window. It never modifies the session.
func (a *Authenticator) attempt(key string) (session.LoginAttempt, bool) {
	rec, ok := a.sess.LoginAttempt(key)
	if !ok || a.stale(rec) {
		return session.LoginAttempt{}, false
	}
	return rec, true
}

func (a *Authenticator) stale(rec session.LoginAttempt) bool {
	return a.svc.cfg.Now().Sub(rec.LastAttemptAt) >= a.svc.cfg.LockoutWindow
}

// dropStaleAttempt removes the record for key once its window has passed
func (a *Authenticator) dropStaleAttempt(key string) {
	if rec, ok := a.sess.LoginAttempt(key); ok && a.stale(rec) {
		a.sess.ClearLoginAttempt(key)
	}
}

func (a *Authenticator) remainingLockout(key string) time.Duration {
	rec, ok := a.attempt(key)
	if !ok || rec.Count < a.svc.cfg.MaxAttempts {
		return 0
	}
	return a.svc.cfg.LockoutWindow - a.svc.cfg.Now().Sub(rec.LastAttemptAt)
}

func (a *Authenticator) recordFailure(ctx context.Context, key string, now time.Time) {
	rec, _ := a.attempt(key)
	rec.Count++
	rec.LastAttemptAt = now
	a.sess.SetLoginAttempt(key, rec)

	metrics.RecordLogin("invalid")
	if rec.Count == a.svc.cfg.MaxAttempts {
		metrics.LockoutsTotal.Inc()
		a.log(ctx).Warn("Login locked after repeated failures",
			slog.String("client_addr", ClientAddress(a.r)),
			slog.Int("attempts", rec.Count),
		)
	}
}

// RemainingLockout returns how long logins for username from this client stay blocked
func (a *Authenticator) RemainingLockout(username string) time.Duration {
	return a.remainingLockout(a.attemptKey(username))
}

// RemainingLockoutSeconds is RemainingLockout rounded up to whole seconds
func (a *Authenticator) RemainingLockoutSeconds(username string) int {
	return ceilSeconds(a.RemainingLockout(username))
}

// FailedAttempts returns the failures counted within the lockout window
func (a *Authenticator) FailedAttempts(username string) int {
	rec, _ := a.attempt(a.attemptKey(username))
	return rec.Count
}

// AttemptsRemaining returns how many failures are left before lockout
func (a *Authenticator) AttemptsRemaining(username string) int {
	left := a.svc.cfg.MaxAttempts - a.FailedAttempts(username)
	if left < 0 {
		return 0
	}
	return left
}

// ClientAddress returns the host part of the request's remote address
func ClientAddress(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/khalloda/spare-parts-system/internal/logger"
	"github.com/khalloda/spare-parts-system/internal/metrics"
	"github.com/khalloda/spare-parts-system/internal/repository"
	"github.com/khalloda/spare-parts-system/internal/session"
)

// Authenticator answers identity questions for one request. It is not safe
// for concurrent use and must not outlive the request.
type Authenticator struct {
	svc  *Service
	w    http.ResponseWriter
	r    *http.Request
	sess *session.Session

	booted  bool
	expired bool
	user    *session.UserSnapshot
}

// For returns the authenticator bound to one request and its session
func (s *Service) For(w http.ResponseWriter, r *http.Request, sess *session.Session) *Authenticator {
	return &Authenticator{svc: s, w: w, r: r, sess: sess}
}

func (a *Authenticator) log(ctx context.Context) *slog.Logger {
	return logger.WithCorrelationID(ctx, a.svc.logger)
}

// bootstrap resolves the identity once per request: a timed-out session is
// logged out, a live one is used as is, otherwise a remember cookie is tried.
func (a *Authenticator) bootstrap(ctx context.Context) {
	if a.booted {
		return
	}
	a.booted = true
	now := a.svc.cfg.Now()

	if u := a.sess.User(); u != nil {
		if reason := a.timeoutReason(); reason != "" {
			a.log(ctx).Info("Session timed out",
				slog.String("user_id", u.ID),
				slog.String("reason", reason),
			)
			metrics.SessionTimeoutsTotal.Inc()
			if err := a.logout(ctx); err != nil {
				a.log(ctx).Error("Failed to end timed out session", slog.String("error", err.Error()))
			}
			a.expired = true
			return
		}
		if a.svc.cfg.IdleTimeout > 0 {
			a.sess.Touch(now)
		}
		a.user = u
		return
	}

	a.loginFromRememberCookie(ctx)
}

func (a *Authenticator) timeoutReason() string {
	now := a.svc.cfg.Now()
	if now.Sub(a.sess.LoginAt()) > a.svc.cfg.SessionTimeout {
		return "absolute"
	}
	if idle := a.svc.cfg.IdleTimeout; idle > 0 && now.Sub(a.sess.LastActivityAt()) > idle {
		return "idle"
	}
	return ""
}

// Login checks credentials for identifier (username or email). Success
// rotates the session identifier and stores the user snapshot; remember
// additionally issues a remember-me cookie.
func (a *Authenticator) Login(ctx context.Context, identifier, password string, remember bool) error {
	a.bootstrap(ctx)
	now := a.svc.cfg.Now()
	key := a.attemptKey(identifier)
	a.dropStaleAttempt(key)

	if remaining := a.remainingLockout(key); remaining > 0 {
		metrics.RecordLogin("locked")
		return &LockoutError{Remaining: remaining}
	}

	user, err := a.svc.users.FindActiveByIdentifier(ctx, identifier)
	if err != nil {
		if !errors.Is(err, repository.ErrUserNotFound) {
			metrics.RecordLogin("error")
			return fmt.Errorf("find user: %w", err)
		}
		a.svc.hasher.Verify(password, a.svc.dummyHash)
		a.recordFailure(ctx, key, now)
		return ErrInvalidCredentials
	}

	ok, err := a.svc.hasher.Verify(password, user.PasswordHash)
	if err != nil {
		a.log(ctx).Error("Stored password hash unusable",
			slog.String("user_id", user.ID.String()),
			slog.String("error", err.Error()),
		)
	}
	if !ok {
		a.recordFailure(ctx, key, now)
		return ErrInvalidCredentials
	}

	a.sess.ClearLoginAttempt(key)
	if err := a.establish(ctx, user); err != nil {
		metrics.RecordLogin("error")
		return err
	}
	a.upgradeHash(ctx, user, password)

	if remember {
		if err := a.issueRememberToken(ctx, user.ID); err != nil {
			a.log(ctx).Error("Failed to issue remember token",
				slog.String("user_id", user.ID.String()),
				slog.String("error", err.Error()),
			)
		}
	}

	metrics.RecordLogin("success")
	a.log(ctx).Info("User logged in",
		slog.String("user_id", user.ID.String()),
		slog.Bool("persistent", remember),
	)
	return nil
}

// establish moves the session to a new identifier and stores the user in it
func (a *Authenticator) establish(ctx context.Context, user *repository.User) error {
	if err := a.svc.sessions.Regenerate(a.sess); err != nil {
		return fmt.Errorf("regenerate session: %w", err)
	}
	snap := a.svc.snapshot(user)
	a.sess.SetUser(snap, a.svc.cfg.Now())
	a.user = &snap
	a.expired = false

	if err := a.svc.users.UpdateLastLogin(ctx, user.ID); err != nil {
		a.log(ctx).Warn("Failed to update last login",
			slog.String("user_id", user.ID.String()),
			slog.String("error", err.Error()),
		)
	}
	return nil
}

// upgradeHash replaces legacy or outdated hashes after a successful login
func (a *Authenticator) upgradeHash(ctx context.Context, user *repository.User, password string) {
	if !a.svc.hasher.NeedsRehash(user.PasswordHash) {
		return
	}
	hash, err := a.svc.hasher.Hash(password)
	if err == nil {
		err = a.svc.users.UpdatePassword(ctx, user.ID, hash)
	}
	if err != nil {
		a.log(ctx).Warn("Failed to upgrade password hash",
			slog.String("user_id", user.ID.String()),
			slog.String("error", err.Error()),
		)
	}
}

// Logout revokes the remember token, expires its cookie and invalidates the session
func (a *Authenticator) Logout(ctx context.Context) error {
	a.booted = true
	userID := ""
	if u := a.sess.User(); u != nil {
		userID = u.ID
	}
	if err := a.logout(ctx); err != nil {
		return err
	}
	a.log(ctx).Info("User logged out", slog.String("user_id", userID))
	return nil
}

func (a *Authenticator) logout(ctx context.Context) error {
	if u := a.sess.User(); u != nil {
		if id, err := uuid.Parse(u.ID); err == nil {
			if err := a.svc.users.ClearRememberTokenHash(ctx, id); err != nil {
				a.log(ctx).Warn("Failed to revoke remember token",
					slog.String("user_id", u.ID),
					slog.String("error", err.Error()),
				)
			}
		}
	}
	a.expireRememberCookie()
	a.user = nil

	if err := a.svc.sessions.Invalidate(a.sess); err != nil {
		return fmt.Errorf("invalidate session: %w", err)
	}
	return nil
}

// Check reports whether the request is authenticated
func (a *Authenticator) Check() bool {
	a.bootstrap(a.r.Context())
	return a.user != nil
}

// User returns a copy of the authenticated user, or nil
func (a *Authenticator) User() *session.UserSnapshot {
	a.bootstrap(a.r.Context())
	if a.user == nil {
		return nil
	}
	u := *a.user
	return &u
}

// ID returns the authenticated user's ID, or ""
func (a *Authenticator) ID() string {
	if u := a.User(); u != nil {
		return u.ID
	}
	return ""
}

// HasRole reports whether the authenticated user has exactly role
func (a *Authenticator) HasRole(role string) bool {
	u := a.User()
	return u != nil && u.Role == role
}

// HasAnyRole reports whether the authenticated user has one of roles
func (a *Authenticator) HasAnyRole(roles ...string) bool {
	u := a.User()
	if u == nil {
		return false
	}
	for _, role := range roles {
		if u.Role == role {
			return true
		}
	}
	return false
}

// Expired reports whether this request ended the session by timeout
func (a *Authenticator) Expired() bool {
	a.bootstrap(a.r.Context())
	return a.expired
}

// ChangePassword verifies current and stores next. Other remembered devices
// are signed out and this session moves to a new identifier.
func (a *Authenticator) ChangePassword(ctx context.Context, current, next string) error {
	a.bootstrap(ctx)
	if a.user == nil {
		return ErrNotAuthenticated
	}
	id, err := uuid.Parse(a.user.ID)
	if err != nil {
		return fmt.Errorf("parse user id: %w", err)
	}

	user, err := a.svc.users.GetByID(ctx, id)
	if err != nil {
		return fmt.Errorf("load user: %w", err)
	}
	ok, err := a.svc.hasher.Verify(current, user.PasswordHash)
	if err != nil && !errors.Is(err, ErrUnsupportedHash) {
		return fmt.Errorf("verify password: %w", err)
	}
	if !ok {
		return ErrPasswordMismatch
	}
	if problems := ValidatePassword(next); len(problems) > 0 {
		return &WeakPasswordError{Problems: problems}
	}

	hash, err := a.svc.hasher.Hash(next)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	if err := a.svc.users.UpdatePassword(ctx, id, hash); err != nil {
		return fmt.Errorf("update password: %w", err)
	}
	if err := a.svc.users.ClearRememberTokenHash(ctx, id); err != nil {
		return fmt.Errorf("revoke remember token: %w", err)
	}
	a.expireRememberCookie()
	if err := a.svc.sessions.Regenerate(a.sess); err != nil {
		return fmt.Errorf("regenerate session: %w", err)
	}

	a.log(ctx).Info("Password changed", slog.String("user_id", a.user.ID))
	return nil
}

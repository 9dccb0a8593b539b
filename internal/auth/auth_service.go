// Package auth implements session-backed authentication: credential checks,
// brute-force lockout, remember-me cookies, session timeouts and role checks.
package auth

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"time"

	"github.com/khalloda/spare-parts-system/internal/repository"
	"github.com/khalloda/spare-parts-system/internal/sanitizer"
	"github.com/khalloda/spare-parts-system/internal/session"
)

// Auth errors
var (
	ErrInvalidCredentials = errors.New("invalid username or password")
	ErrAccountLocked      = errors.New("too many failed login attempts")
	ErrSessionExpired     = errors.New("session expired")
	ErrNotAuthenticated   = errors.New("not authenticated")
	ErrPasswordMismatch   = errors.New("current password is incorrect")
	ErrWeakPassword       = errors.New("password does not meet complexity requirements")
)

// Error codes for JSON responses
const (
	CodeInvalidCredentials = "INVALID_CREDENTIALS"
	CodeAccountLocked      = "ACCOUNT_LOCKED"
	CodeSessionExpired     = "SESSION_EXPIRED"
	CodeUnauthenticated    = "UNAUTHENTICATED"
	CodeForbidden          = "FORBIDDEN"
)

// Defaults
const (
	DefaultMaxAttempts      = 5
	DefaultLockoutWindow    = 15 * time.Minute
	DefaultSessionTimeout   = time.Hour
	DefaultRememberDuration = 30 * 24 * time.Hour
	DefaultRememberCookie   = "remember_token"
	maxDisplayNameRunes     = 100
)

// LockoutError reports a rejected login for a locked username/address pair
type LockoutError struct {
	Remaining time.Duration
}

func (e *LockoutError) Error() string {
	return fmt.Sprintf("%v: retry in %d seconds", ErrAccountLocked, e.Seconds())
}

// Is makes errors.Is(err, ErrAccountLocked) hold
func (e *LockoutError) Is(target error) bool { return target == ErrAccountLocked }

// Seconds returns the remaining lockout rounded up to whole seconds
func (e *LockoutError) Seconds() int { return ceilSeconds(e.Remaining) }

// WeakPasswordError lists the complexity rules a new password failed
type WeakPasswordError struct {
	Problems []PasswordValidationError
}

func (e *WeakPasswordError) Error() string { return ErrWeakPassword.Error() }

// Is makes errors.Is(err, ErrWeakPassword) hold
func (e *WeakPasswordError) Is(target error) bool { return target == ErrWeakPassword }

// SessionRotator moves a session to a fresh identifier. *session.Manager implements it.
type SessionRotator interface {
	Regenerate(s *session.Session) error
	Invalidate(s *session.Session) error
}

// Config holds authentication settings
type Config struct {
	MaxAttempts      int
	LockoutWindow    time.Duration
	SessionTimeout   time.Duration
	IdleTimeout      time.Duration // zero disables the idle check
	RememberDuration time.Duration
	RememberCookie   string
	CookiePath       string
	SecureCookies    bool
	Now              func() time.Time
	Rand             io.Reader
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.LockoutWindow <= 0 {
		c.LockoutWindow = DefaultLockoutWindow
	}
	if c.SessionTimeout <= 0 {
		c.SessionTimeout = DefaultSessionTimeout
	}
	if c.RememberDuration <= 0 {
		c.RememberDuration = DefaultRememberDuration
	}
	if c.RememberCookie == "" {
		c.RememberCookie = DefaultRememberCookie
	}
	if c.CookiePath == "" {
		c.CookiePath = "/"
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.Rand == nil {
		c.Rand = rand.Reader
	}
	return c
}

// Service holds the process-wide authentication dependencies. Use For to get
// the authenticator of a single request.
type Service struct {
	users     repository.UserRepository
	sessions  SessionRotator
	hasher    *PasswordHasher
	sanitizer *sanitizer.TextSanitizer
	cfg       Config
	logger    *slog.Logger
	dummyHash string
}

// NewService creates a new Service instance
func NewService(
	users repository.UserRepository,
	sessions SessionRotator,
	hasher *PasswordHasher,
	cfg Config,
	logger *slog.Logger,
) (*Service, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if hasher == nil {
		hasher = NewPasswordHasher(DefaultBcryptCost)
	}

	cfg = cfg.withDefaults()
	seed := make([]byte, 16)
	if _, err := io.ReadFull(cfg.Rand, seed); err != nil {
		return nil, fmt.Errorf("seed dummy hash: %w", err)
	}
	// Compared against for unknown users so both paths cost one hash check.
	dummy, err := hasher.Hash(fmt.Sprintf("%x", seed))
	if err != nil {
		return nil, fmt.Errorf("create dummy hash: %w", err)
	}

	return &Service{
		users:     users,
		sessions:  sessions,
		hasher:    hasher,
		sanitizer: sanitizer.NewTextSanitizer(),
		cfg:       cfg,
		logger:    logger,
		dummyHash: dummy,
	}, nil
}

// Config returns the effective configuration
func (s *Service) Config() Config { return s.cfg }

// Hasher returns the password hasher
func (s *Service) Hasher() *PasswordHasher { return s.hasher }

func (s *Service) snapshot(u *repository.User) session.UserSnapshot {
	name := s.sanitizer.Line(u.DisplayName, maxDisplayNameRunes)
	if name == "" {
		name = u.Username
	}
	return session.UserSnapshot{
		ID:          u.ID.String(),
		Username:    u.Username,
		Email:       u.Email,
		DisplayName: name,
		Role:        string(u.Role),
	}
}

func ceilSeconds(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int(math.Ceil(d.Seconds()))
}

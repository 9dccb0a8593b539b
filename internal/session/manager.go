package session

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/securecookie"

	"github.com/khalloda/spare-parts-system/internal/metrics"
)

// Defaults used when ManagerConfig leaves a field zero
const (
	DefaultCookieName         = "SPMS_SESSION"
	DefaultLifetime           = time.Hour
	DefaultRegenerateInterval = 5 * time.Minute
)

// ManagerConfig configures the session Manager
type ManagerConfig struct {
	Store              Store
	CookieName         string
	CookiePath         string
	HashKey            []byte
	Lifetime           time.Duration
	RegenerateInterval time.Duration
	// Secure forces the Secure cookie attribute; otherwise it follows the request scheme
	Secure bool
	Now    func() time.Time
	Logger *slog.Logger
}

// Manager loads sessions from the signed session cookie and persists them at request end
type Manager struct {
	store              Store
	cookieName         string
	cookiePath         string
	codec              *securecookie.SecureCookie
	lifetime           time.Duration
	regenerateInterval time.Duration
	secure             bool
	now                func() time.Time
	logger             *slog.Logger
}

// NewManager creates a Manager. When no hash key is configured a random one is
// generated, so cookies do not survive a restart.
func NewManager(cfg ManagerConfig) *Manager {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.CookieName == "" {
		cfg.CookieName = DefaultCookieName
	}
	if cfg.CookiePath == "" {
		cfg.CookiePath = "/"
	}
	if cfg.Lifetime <= 0 {
		cfg.Lifetime = DefaultLifetime
	}
	if cfg.RegenerateInterval <= 0 {
		cfg.RegenerateInterval = DefaultRegenerateInterval
	}
	if len(cfg.HashKey) == 0 {
		cfg.HashKey = securecookie.GenerateRandomKey(64)
		cfg.Logger.Warn("no session hash key configured, using an ephemeral key")
	}

	codec := securecookie.New(cfg.HashKey, nil)
	codec.MaxAge(0)

	return &Manager{
		store:              cfg.Store,
		cookieName:         cfg.CookieName,
		cookiePath:         cfg.CookiePath,
		codec:              codec,
		lifetime:           cfg.Lifetime,
		regenerateInterval: cfg.RegenerateInterval,
		secure:             cfg.Secure,
		now:                cfg.Now,
		logger:             cfg.Logger,
	}
}

// Now returns the manager's current time
func (m *Manager) Now() time.Time {
	return m.now()
}

// NewID returns a fresh random session identifier
func (m *Manager) NewID() (string, error) {
	b := securecookie.GenerateRandomKey(32)
	if b == nil {
		return "", errors.New("session: failed to generate identifier")
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// Load returns the session named by the request cookie, or a new empty session.
// A stored record that no longer decodes is deleted and replaced by a new session.
// An existing session older than the regenerate interval is moved to a new identifier.
func (m *Manager) Load(r *http.Request) (*Session, error) {
	now := m.now()

	if id, ok := m.readCookie(r); ok {
		s, err := m.store.Load(r.Context(), id)
		switch {
		case err == nil:
			if now.Sub(s.RegeneratedAt()) >= m.regenerateInterval {
				if err := m.Regenerate(s); err != nil {
					return nil, err
				}
			}
			return s, nil
		case errors.Is(err, ErrNotFound):
		case errors.Is(err, ErrCorrupt):
			metrics.SessionStoreErrors.WithLabelValues("decode").Inc()
			m.logger.Warn("Discarding undecodable session", slog.String("error", err.Error()))
			if err := m.store.Delete(r.Context(), id); err != nil {
				m.logger.Warn("Failed to delete undecodable session", slog.String("error", err.Error()))
			}
		default:
			metrics.SessionStoreErrors.WithLabelValues("load").Inc()
			return nil, err
		}
	}

	id, err := m.NewID()
	if err != nil {
		return nil, err
	}
	return New(id, now), nil
}

// Regenerate moves s to a fresh identifier, keeping its contents
func (m *Manager) Regenerate(s *Session) error {
	id, err := m.NewID()
	if err != nil {
		return err
	}
	s.Regenerate(id, m.now())
	metrics.SessionRegenerations.Inc()
	return nil
}

// Invalidate clears s and moves it to a fresh identifier
func (m *Manager) Invalidate(s *Session) error {
	id, err := m.NewID()
	if err != nil {
		return err
	}
	s.Invalidate(id, m.now())
	return nil
}

// Commit persists a changed session and sets the session cookie. Untouched
// sessions, and new sessions that never received data, are left alone.
func (m *Manager) Commit(ctx context.Context, w http.ResponseWriter, r *http.Request, s *Session) error {
	if !s.Dirty() {
		return nil
	}

	if err := m.store.Save(ctx, s, m.lifetime); err != nil {
		metrics.SessionStoreErrors.WithLabelValues("save").Inc()
		return fmt.Errorf("commit session: %w", err)
	}

	encoded, err := m.codec.Encode(m.cookieName, s.ID())
	if err != nil {
		return fmt.Errorf("encode session cookie: %w", err)
	}

	http.SetCookie(w, &http.Cookie{
		Name:     m.cookieName,
		Value:    encoded,
		Path:     m.cookiePath,
		HttpOnly: true,
		Secure:   m.IsSecure(r),
		SameSite: http.SameSiteStrictMode,
	})

	s.markSaved()
	return nil
}

// IsSecure reports whether cookies for r should carry the Secure attribute
func (m *Manager) IsSecure(r *http.Request) bool {
	return m.secure || IsHTTPS(r)
}

// IsHTTPS reports whether the request reached the application over HTTPS
func IsHTTPS(r *http.Request) bool {
	return r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https"
}

func (m *Manager) readCookie(r *http.Request) (string, bool) {
	c, err := r.Cookie(m.cookieName)
	if err != nil || c.Value == "" {
		return "", false
	}

	var id string
	if err := m.codec.Decode(m.cookieName, c.Value, &id); err != nil {
		m.logger.Debug("rejected session cookie", slog.String("error", err.Error()))
		return "", false
	}
	return id, id != ""
}

// Package session models the per-browser session as an explicit value object.
// A Session is loaded at the start of a request, mutated through its methods,
// and persisted by the Manager at the end of the request when it changed.
package session

import (
	"maps"
	"time"
)

// UserSnapshot is the sanitized identity kept in the session. It never carries the password hash.
type UserSnapshot struct {
	ID          string `json:"id"`
	Username    string `json:"username"`
	Email       string `json:"email"`
	DisplayName string `json:"display_name"`
	Role        string `json:"role"`
}

// CSRFToken is a token issued for one action scope
type CSRFToken struct {
	Value    string    `json:"value"`
	IssuedAt time.Time `json:"issued_at"`
}

// LoginAttempt tracks failed logins for one username/address key
type LoginAttempt struct {
	Count         int       `json:"count"`
	LastAttemptAt time.Time `json:"last_attempt_at"`
}

// FlashMessage is shown once on the next rendered page
type FlashMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// Well-known value keys
const (
	KeyLanguage    = "language"
	KeyIntendedURL = "intended_url"
)

// Session is the state of one browser session.
type Session struct {
	id         string
	previousID string
	isNew      bool
	dirty      bool

	user           *UserSnapshot
	loginAt        time.Time
	lastActivityAt time.Time
	regeneratedAt  time.Time
	createdAt      time.Time
	csrfTokens     map[string]CSRFToken
	loginAttempts  map[string]LoginAttempt
	values         map[string]string
	flash          []FlashMessage
}

// New returns an empty, unsaved session with the given identifier
func New(id string, now time.Time) *Session {
	return &Session{
		id:            id,
		isNew:         true,
		createdAt:     now,
		regeneratedAt: now,
		csrfTokens:    make(map[string]CSRFToken),
		loginAttempts: make(map[string]LoginAttempt),
		values:        make(map[string]string),
	}
}

// ID returns the current session identifier
func (s *Session) ID() string { return s.id }

// PreviousID returns the identifier this session was stored under before a
// regeneration in the current request, or "".
func (s *Session) PreviousID() string { return s.previousID }

// IsNew reports whether the session has never been persisted
func (s *Session) IsNew() bool { return s.isNew }

// Dirty reports whether the session changed since it was loaded
func (s *Session) Dirty() bool { return s.dirty }

// CreatedAt returns when the session was first created
func (s *Session) CreatedAt() time.Time { return s.createdAt }

// RegeneratedAt returns when the identifier was last rotated
func (s *Session) RegeneratedAt() time.Time { return s.regeneratedAt }

// Regenerate moves the session to a new identifier, preserving its contents.
// The identifier loaded at request start is remembered so the store can drop it.
func (s *Session) Regenerate(newID string, now time.Time) {
	if s.previousID == "" && !s.isNew {
		s.previousID = s.id
	}
	s.id = newID
	s.regeneratedAt = now
	s.dirty = true
}

// Invalidate discards all contents and moves the session to a new identifier
func (s *Session) Invalidate(newID string, now time.Time) {
	s.Regenerate(newID, now)
	s.user = nil
	s.loginAt = time.Time{}
	s.lastActivityAt = time.Time{}
	s.createdAt = now
	s.csrfTokens = make(map[string]CSRFToken)
	s.loginAttempts = make(map[string]LoginAttempt)
	s.values = make(map[string]string)
	s.flash = nil
}

// User returns the signed-in user snapshot, or nil
func (s *Session) User() *UserSnapshot {
	if s.user == nil {
		return nil
	}
	u := *s.user
	return &u
}

// SetUser stores the signed-in user and stamps the login time
func (s *Session) SetUser(u UserSnapshot, now time.Time) {
	s.user = &u
	s.loginAt = now
	s.lastActivityAt = now
	s.dirty = true
}

// LoginAt returns when the current user signed in
func (s *Session) LoginAt() time.Time { return s.loginAt }

// LastActivityAt returns the last authenticated request time
func (s *Session) LastActivityAt() time.Time { return s.lastActivityAt }

// Touch records authenticated activity
func (s *Session) Touch(now time.Time) {
	s.lastActivityAt = now
	s.dirty = true
}

// CSRFToken returns the token for scope
func (s *Session) CSRFToken(scope string) (CSRFToken, bool) {
	t, ok := s.csrfTokens[scope]
	return t, ok
}

// SetCSRFToken stores the token for scope
func (s *Session) SetCSRFToken(scope string, t CSRFToken) {
	s.csrfTokens[scope] = t
	s.dirty = true
}

// DeleteCSRFToken removes the token for scope
func (s *Session) DeleteCSRFToken(scope string) {
	if _, ok := s.csrfTokens[scope]; ok {
		delete(s.csrfTokens, scope)
		s.dirty = true
	}
}

// CSRFTokens returns a copy of all stored tokens keyed by scope
func (s *Session) CSRFTokens() map[string]CSRFToken {
	return maps.Clone(s.csrfTokens)
}

// ClearCSRFTokens removes every CSRF token
func (s *Session) ClearCSRFTokens() {
	if len(s.csrfTokens) > 0 {
		s.csrfTokens = make(map[string]CSRFToken)
		s.dirty = true
	}
}

// LoginAttempt returns the failure record for key
func (s *Session) LoginAttempt(key string) (LoginAttempt, bool) {
	a, ok := s.loginAttempts[key]
	return a, ok
}

// SetLoginAttempt stores the failure record for key
func (s *Session) SetLoginAttempt(key string, a LoginAttempt) {
	s.loginAttempts[key] = a
	s.dirty = true
}

// ClearLoginAttempt removes the failure record for key
func (s *Session) ClearLoginAttempt(key string) {
	if _, ok := s.loginAttempts[key]; ok {
		delete(s.loginAttempts, key)
		s.dirty = true
	}
}

// Get returns a stored value
func (s *Session) Get(key string) string { return s.values[key] }

// Set stores a value
func (s *Session) Set(key, value string) {
	if cur, ok := s.values[key]; ok && cur == value {
		return
	}
	s.values[key] = value
	s.dirty = true
}

// Delete removes a value
func (s *Session) Delete(key string) {
	if _, ok := s.values[key]; ok {
		delete(s.values, key)
		s.dirty = true
	}
}

// Pop returns a value and removes it
func (s *Session) Pop(key string) string {
	v := s.values[key]
	s.Delete(key)
	return v
}

// AddFlash queues a message for the next rendered page
func (s *Session) AddFlash(kind, message string) {
	s.flash = append(s.flash, FlashMessage{Type: kind, Message: message})
	s.dirty = true
}

// Flashes returns and clears the queued messages
func (s *Session) Flashes() []FlashMessage {
	if len(s.flash) == 0 {
		return nil
	}
	out := s.flash
	s.flash = nil
	s.dirty = true
	return out
}

// markSaved resets the change tracking after a successful store write
func (s *Session) markSaved() {
	s.previousID = ""
	s.isNew = false
	s.dirty = false
}

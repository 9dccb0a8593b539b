// Package csrf issues and validates per-session, action-scoped CSRF tokens.
//
// A token is bound to its scope and stays valid for repeated submissions until
// it expires; forms on the same page use different scopes so they never
// invalidate each other.
package csrf

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"html/template"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/khalloda/spare-parts-system/internal/metrics"
	"github.com/khalloda/spare-parts-system/internal/session"
)

// ErrValidationFailed is reported when a state-changing request carries no valid token
var ErrValidationFailed = errors.New("csrf token missing, expired or invalid")

// CodeValidationFailed is the JSON error code for ErrValidationFailed
const CodeValidationFailed = "CSRF_INVALID"

// DefaultScope is used when no action scope is given
const DefaultScope = "default"

// Defaults
const (
	DefaultFieldName  = "csrf_token"
	DefaultHeaderName = "X-CSRF-Token"
	ScopeFieldName    = "csrf_scope"
	ScopeHeaderName   = "X-CSRF-Scope"
	DefaultTTL        = time.Hour
	DefaultMaxTokens  = 10
	tokenBytes        = 32
)

// Config holds token settings shared by every request
type Config struct {
	FieldName  string
	HeaderName string
	QueryParam string
	TTL        time.Duration
	MaxTokens  int
	Now        func() time.Time
	Rand       io.Reader
}

func (c Config) withDefaults() Config {
	if c.FieldName == "" {
		c.FieldName = DefaultFieldName
	}
	if c.HeaderName == "" {
		c.HeaderName = DefaultHeaderName
	}
	if c.QueryParam == "" {
		c.QueryParam = c.FieldName
	}
	if c.TTL <= 0 {
		c.TTL = DefaultTTL
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = DefaultMaxTokens
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.Rand == nil {
		c.Rand = rand.Reader
	}
	return c
}

// TokenStore manages the CSRF tokens of one session
type TokenStore struct {
	cfg  Config
	sess *session.Session
}

// NewTokenStore returns the token store for sess
func NewTokenStore(sess *session.Session, cfg Config) *TokenStore {
	return &TokenStore{cfg: cfg.withDefaults(), sess: sess}
}

// FieldName returns the form field carrying the token
func (t *TokenStore) FieldName() string { return t.cfg.FieldName }

// HeaderName returns the request header carrying the token
func (t *TokenStore) HeaderName() string { return t.cfg.HeaderName }

func normalizeScope(scope string) string {
	if scope == "" {
		return DefaultScope
	}
	return scope
}

func (t *TokenStore) expired(tok session.CSRFToken, now time.Time) bool {
	return now.Sub(tok.IssuedAt) > t.cfg.TTL
}

// Issue returns the live token for scope, minting one when none exists.
// Minting purges expired tokens and evicts the oldest ones beyond MaxTokens.
func (t *TokenStore) Issue(scope string) (string, error) {
	scope = normalizeScope(scope)
	now := t.cfg.Now()

	if tok, ok := t.sess.CSRFToken(scope); ok && !t.expired(tok, now) {
		return tok.Value, nil
	}

	buf := make([]byte, tokenBytes)
	if _, err := io.ReadFull(t.cfg.Rand, buf); err != nil {
		return "", fmt.Errorf("generate csrf token: %w", err)
	}
	value := hex.EncodeToString(buf)

	t.purgeExpired(now)
	t.sess.SetCSRFToken(scope, session.CSRFToken{Value: value, IssuedAt: now})
	t.evictOldest(scope)
	metrics.CSRFTokensIssued.Inc()

	return value, nil
}

// Validate reports whether candidate matches the live token for scope.
// An expired token is removed.
func (t *TokenStore) Validate(candidate, scope string) bool {
	scope = normalizeScope(scope)
	if candidate == "" {
		return false
	}

	tok, ok := t.sess.CSRFToken(scope)
	if !ok {
		return false
	}
	if subtle.ConstantTimeCompare([]byte(tok.Value), []byte(candidate)) != 1 {
		return false
	}
	if t.expired(tok, t.cfg.Now()) {
		t.sess.DeleteCSRFToken(scope)
		return false
	}
	return true
}

// ValidateRequest extracts the request token and validates it for scope
func (t *TokenStore) ValidateRequest(r *http.Request, scope string) bool {
	return t.Validate(t.TokenFromRequest(r), scope)
}

// TokenFromRequest returns the candidate token from the form body, then the
// header, then the query string.
func (t *TokenStore) TokenFromRequest(r *http.Request) string {
	if hasFormBody(r) {
		if v := r.PostFormValue(t.cfg.FieldName); v != "" {
			return v
		}
	}
	if v := r.Header.Get(t.cfg.HeaderName); v != "" {
		return v
	}
	return r.URL.Query().Get(t.cfg.QueryParam)
}

// ScopeFromRequest returns the action scope a form or AJAX caller declared,
// or the default scope
func (t *TokenStore) ScopeFromRequest(r *http.Request) string {
	if hasFormBody(r) {
		if v := r.PostFormValue(ScopeFieldName); v != "" {
			return v
		}
	}
	return normalizeScope(r.Header.Get(ScopeHeaderName))
}

func hasFormBody(r *http.Request) bool {
	if r.Body == nil || r.Body == http.NoBody {
		return false
	}
	ct := r.Header.Get("Content-Type")
	return strings.HasPrefix(ct, "application/x-www-form-urlencoded") ||
		strings.HasPrefix(ct, "multipart/form-data")
}

// Field renders the hidden inputs carrying the token for scope
func (t *TokenStore) Field(scope string) (template.HTML, error) {
	scope = normalizeScope(scope)
	tok, err := t.Issue(scope)
	if err != nil {
		return "", err
	}
	field := fmt.Sprintf(`<input type="hidden" name="%s" value="%s">`,
		template.HTMLEscapeString(t.cfg.FieldName), tok)
	if scope != DefaultScope {
		field += fmt.Sprintf(`<input type="hidden" name="%s" value="%s">`,
			ScopeFieldName, template.HTMLEscapeString(scope))
	}
	return template.HTML(field), nil
}

// MetaTag renders a meta element carrying the token for scope, for AJAX callers
func (t *TokenStore) MetaTag(scope string) (template.HTML, error) {
	tok, err := t.Issue(scope)
	if err != nil {
		return "", err
	}
	return template.HTML(fmt.Sprintf(`<meta name="csrf-token" content="%s">`, tok)), nil
}

// Clear removes every token of the session
func (t *TokenStore) Clear() {
	t.sess.ClearCSRFTokens()
}

// Active returns the non-expired tokens keyed by scope
func (t *TokenStore) Active() map[string]session.CSRFToken {
	now := t.cfg.Now()
	out := t.sess.CSRFTokens()
	for scope, tok := range out {
		if t.expired(tok, now) {
			delete(out, scope)
		}
	}
	return out
}

func (t *TokenStore) purgeExpired(now time.Time) {
	for scope, tok := range t.sess.CSRFTokens() {
		if t.expired(tok, now) {
			t.sess.DeleteCSRFToken(scope)
		}
	}
}

// evictOldest drops the oldest tokens beyond MaxTokens, never the one just issued for keep
func (t *TokenStore) evictOldest(keep string) {
	tokens := t.sess.CSRFTokens()
	excess := len(tokens) - t.cfg.MaxTokens
	if excess <= 0 {
		return
	}

	scopes := make([]string, 0, len(tokens))
	for scope := range tokens {
		if scope != keep {
			scopes = append(scopes, scope)
		}
	}
	sort.Slice(scopes, func(i, j int) bool {
		return tokens[scopes[i]].IssuedAt.Before(tokens[scopes[j]].IssuedAt)
	})
	for _, scope := range scopes[:excess] {
		t.sess.DeleteCSRFToken(scope)
	}
}

// IsSafeMethod reports whether method is a read-only method exempt from CSRF checks
func IsSafeMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodTrace:
		return true
	}
	return false
}

package context

import (
	"context"
	"net/http"

	"github.com/khalloda/spare-parts-system/internal/auth"
	"github.com/khalloda/spare-parts-system/internal/csrf"
	"github.com/khalloda/spare-parts-system/internal/i18n"
	"github.com/khalloda/spare-parts-system/internal/session"
)

// ContextKey is a custom type for context keys to avoid collisions
type ContextKey string

// RequestContextKey is the context key for the per-request state
const RequestContextKey ContextKey = "request_context"

// RequestContext carries the state of one request: the loaded session, the
// identity bound to it, its CSRF tokens and the active language. It is built
// when the request arrives and discarded when it ends.
type RequestContext struct {
	Session   *session.Session
	Auth      *auth.Authenticator
	CSRF      *csrf.TokenStore
	Localizer *i18n.Localizer
	BasePath  string
}

// WithRequestContext returns ctx carrying rc
func WithRequestContext(ctx context.Context, rc *RequestContext) context.Context {
	return context.WithValue(ctx, RequestContextKey, rc)
}

// FromContext extracts the request state from ctx
func FromContext(ctx context.Context) (*RequestContext, bool) {
	rc, ok := ctx.Value(RequestContextKey).(*RequestContext)
	return rc, ok && rc != nil
}

// FromRequest extracts the request state from r
func FromRequest(r *http.Request) (*RequestContext, bool) {
	return FromContext(r.Context())
}

// MustFromRequest is FromRequest for code that only runs inside the pipeline
func MustFromRequest(r *http.Request) *RequestContext {
	rc, ok := FromRequest(r)
	if !ok {
		panic("request context missing: handler is not running inside the request pipeline")
	}
	return rc
}

// ExtractUserID extracts the authenticated user ID from the request context
func ExtractUserID(ctx context.Context) (string, bool) {
	rc, ok := FromContext(ctx)
	if !ok || rc.Auth == nil || !rc.Auth.Check() {
		return "", false
	}
	return rc.Auth.ID(), true
}

// T translates key for the request's language
func (rc *RequestContext) T(key string, args ...any) string {
	if rc.Localizer == nil {
		return key
	}
	return rc.Localizer.T(key, args...)
}

// URL prefixes path with the application base path
func (rc *RequestContext) URL(path string) string {
	return rc.BasePath + path
}

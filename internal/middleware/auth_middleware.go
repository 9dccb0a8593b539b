package middleware

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/khalloda/spare-parts-system/internal/auth"
	appctx "github.com/khalloda/spare-parts-system/internal/context"
	"github.com/khalloda/spare-parts-system/internal/csrf"
	"github.com/khalloda/spare-parts-system/internal/logger"
	"github.com/khalloda/spare-parts-system/internal/metrics"
	"github.com/khalloda/spare-parts-system/internal/router"
	"github.com/khalloda/spare-parts-system/internal/session"
)

// Default redirect targets, relative to the application base path
const (
	DefaultLoginPath        = "/login"
	DefaultUnauthorizedPath = "/unauthorized"
	DefaultHomePath         = "/dashboard"
)

// AuthMiddlewareConfig configures the route guards
type AuthMiddlewareConfig struct {
	LoginPath        string
	UnauthorizedPath string
	HomePath         string
	Pages            ErrorPageRenderer
	Logger           *slog.Logger
}

// AuthMiddleware builds router guards that read the request context
// installed by the pipeline.
type AuthMiddleware struct {
	loginPath        string
	unauthorizedPath string
	homePath         string
	pages            ErrorPageRenderer
	logger           *slog.Logger
}

// NewAuthMiddleware creates a new AuthMiddleware instance
func NewAuthMiddleware(cfg AuthMiddlewareConfig) *AuthMiddleware {
	m := &AuthMiddleware{
		loginPath:        cfg.LoginPath,
		unauthorizedPath: cfg.UnauthorizedPath,
		homePath:         cfg.HomePath,
		pages:            cfg.Pages,
		logger:           cfg.Logger,
	}
	if m.loginPath == "" {
		m.loginPath = DefaultLoginPath
	}
	if m.unauthorizedPath == "" {
		m.unauthorizedPath = DefaultUnauthorizedPath
	}
	if m.homePath == "" {
		m.homePath = DefaultHomePath
	}
	if m.pages == nil {
		m.pages = PlainErrorPage
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	return m
}

func (m *AuthMiddleware) log(r *http.Request) *slog.Logger {
	return logger.WithCorrelationID(r.Context(), m.logger)
}

// missingContext rejects requests that bypassed the pipeline
func (m *AuthMiddleware) missingContext(r *http.Request) router.Response {
	m.log(r).Error("Route guard ran without request context", slog.String("path", r.URL.Path))
	if router.WantsJSON(r) {
		return JSONError(http.StatusInternalServerError, ErrorResponse{Message: http.StatusText(http.StatusInternalServerError)})
	}
	return errorPage(m.pages, http.StatusInternalServerError, http.StatusText(http.StatusInternalServerError))
}

// RequireAuth rejects unauthenticated requests. AJAX callers get 401 JSON
// carrying the login URL; browsers are redirected to the login page and the
// requested URL is remembered for GET requests.
func (m *AuthMiddleware) RequireAuth() router.Middleware {
	return func(r *http.Request) router.Response {
		rc, ok := appctx.FromRequest(r)
		if !ok {
			return m.missingContext(r)
		}
		if rc.Auth.Check() {
			return nil
		}
		return m.unauthenticated(r, rc)
	}
}

func (m *AuthMiddleware) unauthenticated(r *http.Request, rc *appctx.RequestContext) router.Response {
	key, code := "auth.login_required", auth.CodeUnauthenticated
	if rc.Auth.Expired() {
		key, code = "auth.session_expired", auth.CodeSessionExpired
	}
	message := rc.T(key)
	loginURL := rc.URL(m.loginPath)

	if router.WantsJSON(r) {
		return JSONError(http.StatusUnauthorized, ErrorResponse{
			Message:  message,
			Code:     code,
			Redirect: loginURL,
		})
	}
	if r.Method == http.MethodGet {
		rc.Session.Set(session.KeyIntendedURL, r.URL.RequestURI())
	}
	rc.Session.AddFlash("error", message)
	return Redirect(loginURL)
}

// RequireRole rejects requests whose user lacks role
func (m *AuthMiddleware) RequireRole(role string) router.Middleware {
	return m.RequireAnyRole(role)
}

// RequireAnyRole rejects requests whose user has none of roles.
// Unauthenticated requests are handled as in RequireAuth.
func (m *AuthMiddleware) RequireAnyRole(roles ...string) router.Middleware {
	return func(r *http.Request) router.Response {
		rc, ok := appctx.FromRequest(r)
		if !ok {
			return m.missingContext(r)
		}
		if !rc.Auth.Check() {
			return m.unauthenticated(r, rc)
		}
		if rc.Auth.HasAnyRole(roles...) {
			return nil
		}

		m.log(r).Warn("Role check failed",
			slog.String("user_id", rc.Auth.ID()),
			slog.String("required", strings.Join(roles, ",")),
			slog.String("path", r.URL.Path),
		)
		message := rc.T("auth.unauthorized")
		if router.WantsJSON(r) {
			return JSONError(http.StatusForbidden, ErrorResponse{Message: message, Code: auth.CodeForbidden})
		}
		rc.Session.AddFlash("error", message)
		return Redirect(rc.URL(m.unauthorizedPath))
	}
}

// Guest only lets unauthenticated requests through. Logged-in users are sent home.
func (m *AuthMiddleware) Guest() router.Middleware {
	return func(r *http.Request) router.Response {
		rc, ok := appctx.FromRequest(r)
		if !ok {
			return m.missingContext(r)
		}
		if !rc.Auth.Check() {
			return nil
		}
		home := rc.URL(m.homePath)
		if router.WantsJSON(r) {
			return JSONError(http.StatusForbidden, ErrorResponse{
				Message:  rc.T("auth.already_logged_in"),
				Code:     auth.CodeForbidden,
				Redirect: home,
			})
		}
		return Redirect(home)
	}
}

// VerifyCSRF rejects state-changing requests without a valid token. An
// empty scope means the scope the form declared, or the default one.
func (m *AuthMiddleware) VerifyCSRF(scope string) router.Middleware {
	return func(r *http.Request) router.Response {
		if csrf.IsSafeMethod(r.Method) {
			return nil
		}
		rc, ok := appctx.FromRequest(r)
		if !ok {
			return m.missingContext(r)
		}
		actionScope := scope
		if actionScope == "" {
			actionScope = rc.CSRF.ScopeFromRequest(r)
		}
		if rc.CSRF.ValidateRequest(r, actionScope) {
			return nil
		}

		metrics.CSRFFailuresTotal.Inc()
		m.log(r).Warn("CSRF validation failed",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.String("scope", actionScope),
			slog.String("client_addr", auth.ClientAddress(r)),
		)
		message := rc.T("csrf.invalid")
		if router.WantsJSON(r) {
			return JSONError(http.StatusForbidden, ErrorResponse{
				Message: message,
				Code:    csrf.CodeValidationFailed,
				Errors:  map[string][]string{rc.CSRF.FieldName(): {message}},
			})
		}
		return errorPage(m.pages, http.StatusForbidden, message)
	}
}

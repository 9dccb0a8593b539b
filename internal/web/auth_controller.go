package web

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/khalloda/spare-parts-system/internal/auth"
	appctx "github.com/khalloda/spare-parts-system/internal/context"
	"github.com/khalloda/spare-parts-system/internal/logger"
	"github.com/khalloda/spare-parts-system/internal/router"
	"github.com/khalloda/spare-parts-system/internal/session"
	"github.com/khalloda/spare-parts-system/internal/validation"
)

// CodeValidationFailed is the JSON error code for rejected form input
const CodeValidationFailed = "VALIDATION_FAILED"

// SuccessResponse is the JSON body returned to AJAX callers on success
type SuccessResponse struct {
	Success  bool   `json:"success"`
	Message  string `json:"message,omitempty"`
	Redirect string `json:"redirect,omitempty"`
	Data     any    `json:"data,omitempty"`
}

// failureResponse is the JSON body for a rejected form submission
type failureResponse struct {
	Success bool              `json:"success"`
	Message string            `json:"message"`
	Code    string            `json:"code,omitempty"`
	Errors  validation.Errors `json:"errors,omitempty"`
}

// AuthController serves login, logout and password changes
type AuthController struct {
	views    *Renderer
	homePath string
	logger   *slog.Logger
}

// NewAuthController creates a new AuthController instance
func NewAuthController(views *Renderer, homePath string, log *slog.Logger) *AuthController {
	if log == nil {
		log = slog.Default()
	}
	return &AuthController{views: views, homePath: homePath, logger: log}
}

// Controller exposes the actions for handler-table registration
func (c *AuthController) Controller() router.Controller {
	return router.Controller{
		"showLogin":          c.ShowLogin,
		"login":              c.Login,
		"logout":             c.Logout,
		"showChangePassword": c.ShowChangePassword,
		"changePassword":     c.ChangePassword,
		"status":             c.Status,
	}
}

func (c *AuthController) log(r *http.Request) *slog.Logger {
	return logger.WithCorrelationID(r.Context(), c.logger)
}

// ShowLogin handles GET /login
func (c *AuthController) ShowLogin(w http.ResponseWriter, r *http.Request) error {
	rc := appctx.MustFromRequest(r)
	return c.views.Render(w, "login.html", http.StatusOK, newPage(rc, rc.T("auth.login")))
}

// Login handles POST /login
func (c *AuthController) Login(w http.ResponseWriter, r *http.Request) error {
	rc := appctx.MustFromRequest(r)
	form := validation.ParseLoginForm(r)

	if errs := validation.Struct(form, rc.Localizer); errs != nil {
		return c.loginFailed(w, r, rc, form, http.StatusUnprocessableEntity, rc.T("validation.failed"), CodeValidationFailed, errs)
	}

	err := rc.Auth.Login(r.Context(), form.Username, form.Password, form.Remember)
	var lockout *auth.LockoutError
	switch {
	case err == nil:
	case errors.As(err, &lockout):
		return c.locked(w, r, rc, form, lockout.Seconds())
	case errors.Is(err, auth.ErrInvalidCredentials):
		left := rc.Auth.AttemptsRemaining(form.Username)
		if left == 0 {
			return c.locked(w, r, rc, form, rc.Auth.RemainingLockoutSeconds(form.Username))
		}
		message := rc.T("auth.invalid_credentials") + " " + rc.T("auth.attempts_remaining", left)
		return c.loginFailed(w, r, rc, form, http.StatusUnauthorized, message, auth.CodeInvalidCredentials, nil)
	default:
		return err
	}

	target := rc.URL(c.homePath)
	if intended := rc.Session.Pop(session.KeyIntendedURL); isLocalPath(intended) {
		target = intended
	}
	name := ""
	if u := rc.Auth.User(); u != nil {
		name = u.DisplayName
	}
	message := rc.T("auth.login_success", name)

	if router.WantsJSON(r) {
		router.WriteJSON(w, http.StatusOK, SuccessResponse{Success: true, Message: message, Redirect: target})
		return nil
	}
	rc.Session.AddFlash("success", message)
	http.Redirect(w, r, target, http.StatusFound)
	return nil
}

func (c *AuthController) locked(w http.ResponseWriter, r *http.Request, rc *appctx.RequestContext, form validation.LoginForm, seconds int) error {
	minutes := (seconds + 59) / 60
	if minutes < 1 {
		minutes = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(seconds))
	return c.loginFailed(w, r, rc, form, http.StatusTooManyRequests, rc.T("auth.locked", minutes), auth.CodeAccountLocked, nil)
}

func (c *AuthController) loginFailed(w http.ResponseWriter, r *http.Request, rc *appctx.RequestContext, form validation.LoginForm, status int, message, code string, errs validation.Errors) error {
	if router.WantsJSON(r) {
		router.WriteJSON(w, status, failureResponse{Message: message, Code: code, Errors: errs})
		return nil
	}
	page := newPage(rc, rc.T("auth.login"))
	page.Message = message
	page.Errors = errs
	page.Old["username"] = form.Username
	return c.views.Render(w, "login.html", status, page)
}

// Logout handles POST /logout
func (c *AuthController) Logout(w http.ResponseWriter, r *http.Request) error {
	rc := appctx.MustFromRequest(r)
	if err := rc.Auth.Logout(r.Context()); err != nil {
		return err
	}
	message := rc.T("auth.logout_success")
	loginURL := rc.URL("/login")

	if router.WantsJSON(r) {
		router.WriteJSON(w, http.StatusOK, SuccessResponse{Success: true, Message: message, Redirect: loginURL})
		return nil
	}
	rc.Session.AddFlash("success", message)
	http.Redirect(w, r, loginURL, http.StatusFound)
	return nil
}

// ShowChangePassword handles GET /change-password
func (c *AuthController) ShowChangePassword(w http.ResponseWriter, r *http.Request) error {
	rc := appctx.MustFromRequest(r)
	return c.views.Render(w, "change_password.html", http.StatusOK, newPage(rc, rc.T("nav.change_password")))
}

// ChangePassword handles POST /change-password
func (c *AuthController) ChangePassword(w http.ResponseWriter, r *http.Request) error {
	rc := appctx.MustFromRequest(r)
	form := validation.ParseChangePasswordForm(r)

	errs := validation.Struct(form, rc.Localizer)
	if errs == nil {
		err := rc.Auth.ChangePassword(r.Context(), form.CurrentPassword, form.NewPassword)
		var weak *auth.WeakPasswordError
		switch {
		case err == nil:
		case errors.Is(err, auth.ErrPasswordMismatch):
			errs = validation.Errors{"current_password": {rc.T("auth.password_incorrect")}}
		case errors.As(err, &weak):
			errs = validation.Errors{"new_password": {rc.T("validation.password")}}
		default:
			return err
		}
	}

	if errs != nil {
		message := rc.T("validation.failed")
		if router.WantsJSON(r) {
			router.WriteJSON(w, http.StatusUnprocessableEntity, failureResponse{Message: message, Code: CodeValidationFailed, Errors: errs})
			return nil
		}
		page := newPage(rc, rc.T("nav.change_password"))
		page.Message = message
		page.Errors = errs
		return c.views.Render(w, "change_password.html", http.StatusUnprocessableEntity, page)
	}

	c.log(r).Info("Password change completed", slog.String("user_id", rc.Auth.ID()))
	message := rc.T("auth.password_changed")
	target := rc.URL(c.homePath)
	if router.WantsJSON(r) {
		router.WriteJSON(w, http.StatusOK, SuccessResponse{Success: true, Message: message, Redirect: target})
		return nil
	}
	rc.Session.AddFlash("success", message)
	http.Redirect(w, r, target, http.StatusFound)
	return nil
}

// authStatus is the body of GET /auth/status
type authStatus struct {
	Authenticated bool                  `json:"authenticated"`
	User          *session.UserSnapshot `json:"user,omitempty"`
	CSRFToken     string                `json:"csrf_token"`
	Language      string                `json:"language"`
}

// Status handles GET /auth/status for AJAX callers
func (c *AuthController) Status(w http.ResponseWriter, r *http.Request) error {
	rc := appctx.MustFromRequest(r)
	token, err := rc.CSRF.Issue("")
	if err != nil {
		return err
	}
	status := authStatus{
		Authenticated: rc.Auth.Check(),
		User:          rc.Auth.User(),
		CSRFToken:     token,
		Language:      (&Page{rc: rc}).Lang(),
	}
	router.WriteJSON(w, http.StatusOK, SuccessResponse{Success: true, Data: status})
	return nil
}

// isLocalPath reports whether target is a same-origin absolute path
func isLocalPath(target string) bool {
	return strings.HasPrefix(target, "/") &&
		!strings.HasPrefix(target, "//") &&
		!strings.HasPrefix(target, "/\\")
}

// Package web holds the HTML controllers and views of the application shell:
// login, logout, password changes, the dashboard, language switching and the
// error pages. Business areas register their own routes on the same router.
package web

import (
	"log/slog"
	"net/http"

	appctx "github.com/khalloda/spare-parts-system/internal/context"
	"github.com/khalloda/spare-parts-system/internal/i18n"
	"github.com/khalloda/spare-parts-system/internal/middleware"
	"github.com/khalloda/spare-parts-system/internal/router"
)

// HomePath is where users land after logging in
const HomePath = "/dashboard"

// Dependencies are the collaborators the routes need
type Dependencies struct {
	Views    *Renderer
	Guards   *middleware.AuthMiddleware
	Throttle *middleware.LoginThrottle
	Bundle   *i18n.Bundle
	Logger   *slog.Logger
}

// Handlers builds the handler table of the web controllers
func Handlers(deps Dependencies) *router.HandlerTable {
	return router.NewHandlerTable().
		Register("AuthController", NewAuthController(deps.Views, HomePath, deps.Logger).Controller()).
		Register("PagesController", NewPagesController(deps.Views, deps.Bundle, HomePath).Controller())
}

type routeSpec struct {
	method  string
	pattern string
	ref     string
	name    string
	mw      []router.Middleware
}

// Routes registers the shell routes, the CSRF gate and the error handlers on r.
// Specific patterns are registered before parameterized ones.
func Routes(r *router.Router, deps Dependencies) error {
	table := Handlers(deps)
	pages := NewPagesController(deps.Views, deps.Bundle, HomePath)
	guards := deps.Guards

	r.Use(guards.VerifyCSRF(""))
	r.NotFound(pages.NotFound)
	r.ErrorHandler(func(w http.ResponseWriter, req *http.Request, herr *router.HandlerError) {
		rc, ok := appctx.FromRequest(req)
		if r.Debug() || router.WantsJSON(req) || !ok {
			r.DefaultError(w, req, herr)
			return
		}
		deps.Views.RenderErrorPage(w, req, http.StatusInternalServerError, rc.T("error.500"))
	})

	loginMW := []router.Middleware{guards.Guest()}
	if deps.Throttle != nil {
		loginMW = append(loginMW, deps.Throttle.Middleware())
	}

	routes := []routeSpec{
		{http.MethodGet, "/", "PagesController@home", "home", nil},
		{http.MethodGet, "/login", "AuthController@showLogin", "login", []router.Middleware{guards.Guest()}},
		{http.MethodPost, "/login", "AuthController@login", "login.submit", loginMW},
		{http.MethodPost, "/logout", "AuthController@logout", "logout", []router.Middleware{guards.RequireAuth()}},
		{http.MethodGet, "/change-password", "AuthController@showChangePassword", "password.edit", []router.Middleware{guards.RequireAuth()}},
		{http.MethodPost, "/change-password", "AuthController@changePassword", "password.update", []router.Middleware{guards.RequireAuth()}},
		{http.MethodGet, "/auth/status", "AuthController@status", "auth.status", nil},
		{http.MethodGet, "/dashboard", "PagesController@dashboard", "dashboard", []router.Middleware{guards.RequireAuth()}},
		{http.MethodGet, "/language/{lang}", "PagesController@language", "language", nil},
		{http.MethodGet, "/404", "PagesController@notFound", "error.404", nil},
		{http.MethodGet, "/403", "PagesController@forbidden", "error.403", nil},
		{http.MethodGet, "/500", "PagesController@serverError", "error.500", nil},
		{http.MethodGet, "/unauthorized", "PagesController@unauthorized", "unauthorized", nil},
	}
	for _, def := range routes {
		rt, err := r.HandleRef(table, def.method, def.pattern, def.ref, def.mw...)
		if err != nil {
			return err
		}
		rt.Named(def.name)
	}
	return nil
}

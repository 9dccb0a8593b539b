package web

import (
	"net/http"

	appctx "github.com/khalloda/spare-parts-system/internal/context"
	"github.com/khalloda/spare-parts-system/internal/i18n"
	"github.com/khalloda/spare-parts-system/internal/router"
	"github.com/khalloda/spare-parts-system/internal/session"
)

// PagesController serves the dashboard, language switching and error pages
type PagesController struct {
	views    *Renderer
	bundle   *i18n.Bundle
	homePath string
}

// NewPagesController creates a new PagesController instance
func NewPagesController(views *Renderer, bundle *i18n.Bundle, homePath string) *PagesController {
	return &PagesController{views: views, bundle: bundle, homePath: homePath}
}

// Controller exposes the actions for handler-table registration
func (c *PagesController) Controller() router.Controller {
	return router.Controller{
		"home":         c.Home,
		"dashboard":    c.Dashboard,
		"language":     c.SwitchLanguage,
		"notFound":     c.errorPage(http.StatusNotFound, "error.404"),
		"forbidden":    c.errorPage(http.StatusForbidden, "error.403"),
		"unauthorized": c.errorPage(http.StatusForbidden, "auth.unauthorized"),
		"serverError":  c.errorPage(http.StatusInternalServerError, "error.500"),
	}
}

// Home handles GET /
func (c *PagesController) Home(w http.ResponseWriter, r *http.Request) error {
	rc := appctx.MustFromRequest(r)
	http.Redirect(w, r, rc.URL(c.homePath), http.StatusFound)
	return nil
}

// Dashboard handles GET /dashboard
func (c *PagesController) Dashboard(w http.ResponseWriter, r *http.Request) error {
	rc := appctx.MustFromRequest(r)
	return c.views.Render(w, "dashboard.html", http.StatusOK, newPage(rc, rc.T("dashboard.title")))
}

// SwitchLanguage handles GET /language/{lang}. Unsupported languages are ignored.
func (c *PagesController) SwitchLanguage(w http.ResponseWriter, r *http.Request) error {
	rc := appctx.MustFromRequest(r)
	lang := router.Param(r, "lang")

	target := rc.URL(c.homePath)
	if next := r.URL.Query().Get("next"); isLocalPath(next) {
		target = next
	}

	if !c.bundle.Supported(lang) {
		if router.WantsJSON(r) {
			router.WriteJSON(w, http.StatusUnprocessableEntity, failureResponse{Message: rc.T("validation.invalid"), Code: CodeValidationFailed})
			return nil
		}
		http.Redirect(w, r, target, http.StatusFound)
		return nil
	}

	rc.Session.Set(session.KeyLanguage, lang)
	message := c.bundle.Localizer(lang).T("language.switched")
	if router.WantsJSON(r) {
		router.WriteJSON(w, http.StatusOK, SuccessResponse{Success: true, Message: message, Data: map[string]string{"language": lang}})
		return nil
	}
	rc.Session.AddFlash("success", message)
	http.Redirect(w, r, target, http.StatusFound)
	return nil
}

func (c *PagesController) errorPage(status int, key string) router.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) error {
		rc := appctx.MustFromRequest(r)
		c.views.RenderErrorPage(w, r, status, rc.T(key))
		return nil
	}
}

// NotFound renders the localized 404 page for unmatched paths
func (c *PagesController) NotFound(w http.ResponseWriter, r *http.Request) error {
	message := "The page you are looking for does not exist."
	if rc, ok := appctx.FromRequest(r); ok {
		message = rc.T("error.404")
	}
	c.views.RenderErrorPage(w, r, http.StatusNotFound, message)
	return nil
}

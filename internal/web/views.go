package web

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"io/fs"
	"log/slog"
	"net/http"
	"strconv"

	appctx "github.com/khalloda/spare-parts-system/internal/context"
	"github.com/khalloda/spare-parts-system/internal/i18n"
	"github.com/khalloda/spare-parts-system/internal/logger"
	"github.com/khalloda/spare-parts-system/internal/middleware"
	"github.com/khalloda/spare-parts-system/internal/router"
	"github.com/khalloda/spare-parts-system/internal/session"
	"github.com/khalloda/spare-parts-system/internal/validation"
)

//go:embed templates/*.html
var templateFS embed.FS

//go:embed static
var staticFS embed.FS

var pageNames = []string{"login.html", "change_password.html", "dashboard.html", "error.html"}

// Static returns the embedded stylesheet and assets, rooted at the static directory
func Static() http.FileSystem {
	sub, err := fs.Sub(staticFS, "static")
	if err != nil {
		panic(err)
	}
	return http.FS(sub)
}

// Page is the data every view renders from
type Page struct {
	rc *appctx.RequestContext

	Title   string
	Status  int
	Message string
	Flashes []session.FlashMessage
	Errors  validation.Errors
	Old     map[string]string
	User    *session.UserSnapshot
}

// T translates key for the request's language
func (p *Page) T(key string, args ...any) string { return p.rc.T(key, args...) }

// URL prefixes path with the base path
func (p *Page) URL(path string) string { return p.rc.URL(path) }

// Lang returns the active language code
func (p *Page) Lang() string {
	if p.rc.Localizer == nil {
		return i18n.English
	}
	return p.rc.Localizer.Lang()
}

// Dir returns the text direction of the active language
func (p *Page) Dir() string {
	if p.rc.Localizer == nil {
		return "ltr"
	}
	return p.rc.Localizer.Dir()
}

// LanguageSwitchPath links to the other supported language
func (p *Page) LanguageSwitchPath() string {
	if p.Lang() == i18n.Arabic {
		return "/language/" + i18n.English
	}
	return "/language/" + i18n.Arabic
}

// CSRFField renders the hidden token input for the default scope
func (p *Page) CSRFField() (template.HTML, error) { return p.rc.CSRF.Field("") }

// CSRFMeta renders the token meta tag read by AJAX callers
func (p *Page) CSRFMeta() (template.HTML, error) { return p.rc.CSRF.MetaTag("") }

// Renderer executes the embedded page templates
type Renderer struct {
	pages  map[string]*template.Template
	logger *slog.Logger
}

// NewRenderer parses every page together with the shared layout
func NewRenderer(log *slog.Logger) (*Renderer, error) {
	if log == nil {
		log = slog.Default()
	}
	r := &Renderer{pages: make(map[string]*template.Template, len(pageNames)), logger: log}
	for _, name := range pageNames {
		t, err := template.ParseFS(templateFS, "templates/layout.html", "templates/"+name)
		if err != nil {
			return nil, fmt.Errorf("parse template %s: %w", name, err)
		}
		r.pages[name] = t
	}
	return r, nil
}

// newPage builds the view data for the current request. Pending flash
// messages are consumed.
func newPage(rc *appctx.RequestContext, title string) *Page {
	return &Page{
		rc:      rc,
		Title:   title,
		Status:  http.StatusOK,
		Flashes: rc.Session.Flashes(),
		Old:     map[string]string{},
		User:    rc.Auth.User(),
	}
}

// Render writes page name with status. Nothing is written when the template fails.
func (v *Renderer) Render(w http.ResponseWriter, name string, status int, page *Page) error {
	t, ok := v.pages[name]
	if !ok {
		return fmt.Errorf("unknown page %q", name)
	}
	page.Status = status
	var buf bytes.Buffer
	if err := t.ExecuteTemplate(&buf, "layout", page); err != nil {
		return fmt.Errorf("render %s: %w", name, err)
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	_, err := buf.WriteTo(w)
	return err
}

// RenderErrorPage renders the localized error page. AJAX callers get the JSON envelope.
func (v *Renderer) RenderErrorPage(w http.ResponseWriter, r *http.Request, status int, message string) {
	if router.WantsJSON(r) {
		middleware.JSONError(status, middleware.ErrorResponse{Message: message}).Render(w, r)
		return
	}
	rc, ok := appctx.FromRequest(r)
	if !ok {
		middleware.PlainErrorPage(w, r, status, message)
		return
	}
	code := strconv.Itoa(status)
	title := rc.T("error." + code + "_title")
	if title == "error."+code+"_title" {
		title = http.StatusText(status)
	}
	page := newPage(rc, title)
	page.Message = message
	if err := v.Render(w, "error.html", status, page); err != nil {
		logger.WithCorrelationID(r.Context(), v.logger).Error("Failed to render error page",
			slog.Int("status", status),
			slog.String("error", err.Error()),
		)
		middleware.PlainErrorPage(w, r, status, message)
	}
}

// Package pipeline wraps the router with the per-request lifecycle: the
// session is loaded before routing, a RequestContext is attached, and the
// session is persisted before the first byte of the response goes out.
package pipeline

import (
	"log/slog"
	"net/http"

	"github.com/khalloda/spare-parts-system/internal/auth"
	appctx "github.com/khalloda/spare-parts-system/internal/context"
	"github.com/khalloda/spare-parts-system/internal/csrf"
	"github.com/khalloda/spare-parts-system/internal/i18n"
	"github.com/khalloda/spare-parts-system/internal/logger"
	"github.com/khalloda/spare-parts-system/internal/router"
	"github.com/khalloda/spare-parts-system/internal/session"
)

// Config holds the collaborators shared by every request
type Config struct {
	Sessions *session.Manager
	Auth     *auth.Service
	CSRF     csrf.Config
	Bundle   *i18n.Bundle
	BasePath string
	Logger   *slog.Logger
}

// Pipeline is an http.Handler running next inside the request lifecycle
type Pipeline struct {
	cfg  Config
	next http.Handler
}

// New wraps next
func New(cfg Config, next http.Handler) *Pipeline {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Pipeline{cfg: cfg, next: next}
}

// Middleware adapts New for use in a chi middleware stack
func Middleware(cfg Config) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return New(cfg, next)
	}
}

func (p *Pipeline) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	log := logger.WithCorrelationID(r.Context(), p.cfg.Logger)

	sess, err := p.cfg.Sessions.Load(r)
	if err != nil {
		log.Error("Failed to load session", slog.String("error", err.Error()))
		writeFailure(w, r)
		return
	}

	cw := &commitWriter{ResponseWriter: w, r: r, sess: sess, manager: p.cfg.Sessions, logger: log}
	rc := &appctx.RequestContext{
		Session:   sess,
		Auth:      p.cfg.Auth.For(cw, r, sess),
		CSRF:      csrf.NewTokenStore(sess, p.cfg.CSRF),
		Localizer: p.localizer(r, sess),
		BasePath:  p.cfg.BasePath,
	}
	req := r.WithContext(appctx.WithRequestContext(r.Context(), rc))
	cw.r = req

	p.next.ServeHTTP(cw, req)

	if !cw.wroteHeader {
		if cw.commit() {
			return
		}
		writeFailure(w, req)
	}
}

func (p *Pipeline) localizer(r *http.Request, sess *session.Session) *i18n.Localizer {
	if p.cfg.Bundle == nil {
		return nil
	}
	return p.cfg.Bundle.Localizer(p.cfg.Bundle.Detect(r, sess.Get(session.KeyLanguage)))
}

// commitWriter persists the session the moment the handler starts its
// response, so cookies set by the session store still reach the client.
type commitWriter struct {
	http.ResponseWriter
	r       *http.Request
	sess    *session.Session
	manager *session.Manager
	logger  *slog.Logger

	wroteHeader bool
	failed      bool
}

// commit saves the session. It reports false when the store write failed.
func (cw *commitWriter) commit() bool {
	cw.wroteHeader = true
	if err := cw.manager.Commit(cw.r.Context(), cw.ResponseWriter, cw.r, cw.sess); err != nil {
		cw.logger.Error("Failed to persist session",
			slog.String("session_id_prefix", prefix(cw.sess.ID())),
			slog.String("error", err.Error()),
		)
		cw.failed = true
		return false
	}
	return true
}

func (cw *commitWriter) WriteHeader(code int) {
	if cw.wroteHeader {
		if !cw.failed {
			cw.ResponseWriter.WriteHeader(code)
		}
		return
	}
	if !cw.commit() {
		writeFailure(cw.ResponseWriter, cw.r)
		return
	}
	cw.ResponseWriter.WriteHeader(code)
}

func (cw *commitWriter) Write(b []byte) (int, error) {
	if !cw.wroteHeader {
		cw.WriteHeader(http.StatusOK)
	}
	if cw.failed {
		return len(b), nil
	}
	return cw.ResponseWriter.Write(b)
}

// Unwrap exposes the underlying writer to http.ResponseController
func (cw *commitWriter) Unwrap() http.ResponseWriter {
	return cw.ResponseWriter
}

func writeFailure(w http.ResponseWriter, r *http.Request) {
	h := w.Header()
	h.Del("Set-Cookie")
	h.Del("Location")
	const message = "The server could not complete the request."
	if router.WantsJSON(r) {
		router.WriteJSON(w, http.StatusInternalServerError, map[string]any{
			"success": false,
			"message": message,
		})
		return
	}
	h.Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusInternalServerError)
	_, _ = w.Write([]byte("<!DOCTYPE html><html><head><title>500</title></head><body><h1>500</h1><p>" + message + "</p></body></html>"))
}

func prefix(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

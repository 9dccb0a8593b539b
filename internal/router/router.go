// Package router dispatches requests to handlers registered against path
// patterns such as "/clients/{id}/edit".
//
// Routes are scanned in registration order and the first match wins, so a
// general pattern registered before a literal one shadows it:
//
//	r.Get("/clients/{id}", show)
//	r.Get("/clients/create", create) // never reached
//
// Register literal routes first.
package router

import (
	"context"
	"encoding/json"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
)

// MethodAny matches every request method
const MethodAny = "ANY"

// HandlerFunc handles a matched request. A returned error is passed to the
// router's error handler.
type HandlerFunc func(w http.ResponseWriter, r *http.Request) error

// Response is produced by a middleware that stops dispatch
type Response interface {
	Render(w http.ResponseWriter, r *http.Request)
}

// ResponseFunc adapts a function to Response
type ResponseFunc func(w http.ResponseWriter, r *http.Request)

// Render calls f(w, r)
func (f ResponseFunc) Render(w http.ResponseWriter, r *http.Request) { f(w, r) }

// Middleware inspects a request before the handler runs. Returning nil lets
// dispatch continue; any other value is rendered and the handler is skipped.
type Middleware func(r *http.Request) Response

// ErrorHandlerFunc renders a handler failure
type ErrorHandlerFunc func(w http.ResponseWriter, r *http.Request, err *HandlerError)

// Route is a registered pattern. It is not modified after startup.
type Route struct {
	method     string
	pattern    string
	re         *regexp.Regexp
	params     []string
	handler    HandlerFunc
	middleware []Middleware
	name       string
	router     *Router
}

// Method returns the HTTP method or MethodAny
func (rt *Route) Method() string { return rt.method }

// Pattern returns the normalized pattern
func (rt *Route) Pattern() string { return rt.pattern }

// ParamNames returns the placeholder names in declaration order
func (rt *Route) ParamNames() []string {
	out := make([]string, len(rt.params))
	copy(out, rt.params)
	return out
}

// Name returns the route name, if any
func (rt *Route) Name() string { return rt.name }

// Named registers the route under name for URLFor
func (rt *Route) Named(name string) *Route {
	if rt.name != "" {
		delete(rt.router.named, rt.name)
	}
	rt.name = name
	rt.router.named[name] = rt
	return rt
}

// With appends route middleware
func (rt *Route) With(mw ...Middleware) *Route {
	rt.middleware = append(rt.middleware, mw...)
	return rt
}

func (rt *Route) matches(method, path string) ([]string, bool) {
	if rt.method != MethodAny && rt.method != method &&
		!(method == http.MethodHead && rt.method == http.MethodGet) {
		return nil, false
	}
	m := rt.re.FindStringSubmatch(path)
	if m == nil {
		return nil, false
	}
	return m[1:], true
}

// Option configures a Router
type Option func(*Router)

// WithBasePath strips prefix from request paths and prepends it to generated URLs
func WithBasePath(prefix string) Option {
	return func(r *Router) { r.basePath = normalizeBasePath(prefix) }
}

// WithDebug exposes error details in 500 responses
func WithDebug(debug bool) Option {
	return func(r *Router) { r.debug = debug }
}

// WithLogger sets the logger used for handler failures
func WithLogger(logger *slog.Logger) Option {
	return func(r *Router) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithMatchHook registers a callback invoked once a route has matched
func WithMatchHook(fn func(r *http.Request, rt *Route)) Option {
	return func(r *Router) { r.onMatch = fn }
}

// Router holds the route table. Build it at startup; it is safe for
// concurrent use once serving begins.
type Router struct {
	routes       []*Route
	named        map[string]*Route
	global       []Middleware
	notFound     HandlerFunc
	errorHandler ErrorHandlerFunc
	basePath     string
	debug        bool
	logger       *slog.Logger
	onMatch      func(r *http.Request, rt *Route)
}

// New creates a Router
func New(opts ...Option) *Router {
	r := &Router{
		named:  make(map[string]*Route),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// BasePath returns the configured base path, empty for root
func (r *Router) BasePath() string { return r.basePath }

// Debug reports whether detailed errors are rendered
func (r *Router) Debug() bool { return r.debug }

// Handle registers h for method and pattern. It panics on a malformed
// pattern, which is a programming error caught at startup.
func (r *Router) Handle(method, pattern string, h HandlerFunc, mw ...Middleware) *Route {
	if h == nil {
		panic(fmt.Sprintf("router: nil handler for %s %s", method, pattern))
	}
	re, names, err := compilePattern(pattern)
	if err != nil {
		panic("router: " + err.Error())
	}
	rt := &Route{
		method:     strings.ToUpper(method),
		pattern:    normalizePattern(pattern),
		re:         re,
		params:     names,
		handler:    h,
		middleware: mw,
		router:     r,
	}
	r.routes = append(r.routes, rt)
	return rt
}

// HandleRef registers a "Name@method" reference resolved against table
func (r *Router) HandleRef(table *HandlerTable, method, pattern, ref string, mw ...Middleware) (*Route, error) {
	h, err := table.Resolve(ref)
	if err != nil {
		return nil, fmt.Errorf("register %s %s: %w", method, pattern, err)
	}
	return r.Handle(method, pattern, h, mw...), nil
}

// MustHandleRef is HandleRef that panics on an unresolved reference
func (r *Router) MustHandleRef(table *HandlerTable, method, pattern, ref string, mw ...Middleware) *Route {
	rt, err := r.HandleRef(table, method, pattern, ref, mw...)
	if err != nil {
		panic("router: " + err.Error())
	}
	return rt
}

// Get registers a GET route
func (r *Router) Get(pattern string, h HandlerFunc, mw ...Middleware) *Route {
	return r.Handle(http.MethodGet, pattern, h, mw...)
}

// Post registers a POST route
func (r *Router) Post(pattern string, h HandlerFunc, mw ...Middleware) *Route {
	return r.Handle(http.MethodPost, pattern, h, mw...)
}

// Put registers a PUT route
func (r *Router) Put(pattern string, h HandlerFunc, mw ...Middleware) *Route {
	return r.Handle(http.MethodPut, pattern, h, mw...)
}

// Patch registers a PATCH route
func (r *Router) Patch(pattern string, h HandlerFunc, mw ...Middleware) *Route {
	return r.Handle(http.MethodPatch, pattern, h, mw...)
}

// Delete registers a DELETE route
func (r *Router) Delete(pattern string, h HandlerFunc, mw ...Middleware) *Route {
	return r.Handle(http.MethodDelete, pattern, h, mw...)
}

// Any registers a route for every method
func (r *Router) Any(pattern string, h HandlerFunc, mw ...Middleware) *Route {
	return r.Handle(MethodAny, pattern, h, mw...)
}

// Use appends global middleware, run before route middleware on every matched route
func (r *Router) Use(mw ...Middleware) {
	r.global = append(r.global, mw...)
}

// NotFound overrides the handler for unmatched requests
func (r *Router) NotFound(h HandlerFunc) {
	r.notFound = h
}

// ErrorHandler overrides the handler for failed requests
func (r *Router) ErrorHandler(h ErrorHandlerFunc) {
	r.errorHandler = h
}

// Routes returns the registered routes in match order
func (r *Router) Routes() []*Route {
	out := make([]*Route, len(r.routes))
	copy(out, r.routes)
	return out
}

// Clear removes every route, name and global middleware
func (r *Router) Clear() {
	r.routes = nil
	r.global = nil
	r.named = make(map[string]*Route)
}

// URL builds a path for pattern, including the base path
func (r *Router) URL(pattern string, params map[string]string) string {
	return r.basePath + expand(pattern, params)
}

// URLFor builds the path of a named route
func (r *Router) URLFor(name string, params map[string]string) (string, error) {
	rt, ok := r.named[name]
	if !ok {
		return "", fmt.Errorf("%w: no route named %q", ErrRouteNotFound, name)
	}
	for _, p := range rt.params {
		if _, ok := params[p]; !ok {
			return "", fmt.Errorf("route %q: missing parameter %q", name, p)
		}
	}
	return r.URL(rt.pattern, params), nil
}

// Match finds the first route for method and a raw request path
func (r *Router) Match(method, path string) (*Route, []PathParam, bool) {
	path = NormalizePath(path, r.basePath)
	for _, rt := range r.routes {
		values, ok := rt.matches(method, path)
		if !ok {
			continue
		}
		params := make([]PathParam, len(values))
		for i, v := range values {
			params[i] = PathParam{Name: rt.params[i], Value: unescape(v)}
		}
		return rt, params, true
	}
	return nil, nil, false
}

// ServeHTTP implements http.Handler
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	rt, params, ok := r.Match(req.Method, req.URL.EscapedPath())
	if !ok {
		r.handleNotFound(w, req)
		return
	}

	req = req.WithContext(context.WithValue(req.Context(), matchKey{}, &match{route: rt, params: params}))
	if r.onMatch != nil {
		r.onMatch(req, rt)
	}

	defer func() {
		if rec := recover(); rec != nil {
			if rec == http.ErrAbortHandler {
				panic(rec)
			}
			r.handleError(w, req, newPanicError(rt.method+" "+rt.pattern, rec))
		}
	}()

	if r.runMiddleware(w, req, r.global) || r.runMiddleware(w, req, rt.middleware) {
		return
	}
	if err := rt.handler(w, req); err != nil {
		r.handleError(w, req, newHandlerError(rt.method+" "+rt.pattern, err))
	}
}

// runMiddleware reports whether the chain short-circuited
func (r *Router) runMiddleware(w http.ResponseWriter, req *http.Request, chain []Middleware) bool {
	for _, mw := range chain {
		if resp := mw(req); resp != nil {
			resp.Render(w, req)
			return true
		}
	}
	return false
}

func (r *Router) handleNotFound(w http.ResponseWriter, req *http.Request) {
	if r.notFound == nil {
		r.defaultNotFound(w, req)
		return
	}
	defer func() {
		if rec := recover(); rec != nil {
			r.handleError(w, req, newPanicError("not found handler", rec))
		}
	}()
	if err := r.notFound(w, req); err != nil {
		r.handleError(w, req, newHandlerError("not found handler", err))
	}
}

func (r *Router) handleError(w http.ResponseWriter, req *http.Request, herr *HandlerError) {
	r.logger.ErrorContext(req.Context(), "Request handler failed",
		slog.String("route", herr.Route),
		slog.String("method", req.Method),
		slog.String("path", req.URL.Path),
		slog.Bool("panic", herr.Panic),
		slog.String("location", herr.Location),
		slog.String("error", herr.Err.Error()),
		slog.String("stack", string(herr.Stack)),
	)

	if r.errorHandler != nil {
		r.errorHandler(w, req, herr)
		return
	}
	r.DefaultError(w, req, herr)
}

func (r *Router) defaultNotFound(w http.ResponseWriter, req *http.Request) {
	if WantsJSON(req) {
		WriteJSON(w, http.StatusNotFound, map[string]any{
			"success": false,
			"message": "Page not found",
		})
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusNotFound)
	fmt.Fprint(w, "<!DOCTYPE html><html><head><title>404 Not Found</title></head><body><h1>404 Not Found</h1><p>The page you requested does not exist.</p></body></html>")
}

// DefaultError renders herr the built-in way: detailed in debug mode, generic otherwise
func (r *Router) DefaultError(w http.ResponseWriter, req *http.Request, herr *HandlerError) {
	message := "An internal error occurred. Please try again later."
	if WantsJSON(req) {
		body := map[string]any{"success": false, "message": message}
		if r.debug {
			body["message"] = herr.Err.Error()
			body["errors"] = map[string]any{
				"route":    herr.Route,
				"location": herr.Location,
				"stack":    string(herr.Stack),
			}
		}
		WriteJSON(w, http.StatusInternalServerError, body)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusInternalServerError)
	if !r.debug {
		fmt.Fprintf(w, "<!DOCTYPE html><html><head><title>500 Server Error</title></head><body><h1>500 Server Error</h1><p>%s</p></body></html>", message)
		return
	}
	fmt.Fprintf(w, "<!DOCTYPE html><html><head><title>500 Server Error</title></head><body><h1>%s</h1><p>Route: %s</p><p>At: %s</p><pre>%s</pre></body></html>",
		template.HTMLEscapeString(herr.Err.Error()),
		template.HTMLEscapeString(herr.Route),
		template.HTMLEscapeString(herr.Location),
		template.HTMLEscapeString(string(herr.Stack)),
	)
}

// WantsJSON reports whether the caller is an AJAX client expecting JSON
func WantsJSON(r *http.Request) bool {
	if strings.EqualFold(r.Header.Get("X-Requested-With"), "XMLHttpRequest") {
		return true
	}
	return strings.Contains(r.Header.Get("Accept"), "application/json")
}

// WriteJSON writes v with the given status
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}


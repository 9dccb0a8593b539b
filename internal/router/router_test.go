package router

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"pgregory.net/rapid"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestRouter(opts ...Option) *Router {
	return New(append([]Option{WithLogger(quietLogger())}, opts...)...)
}

func text(body string) HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) error {
		io.WriteString(w, body)
		return nil
	}
}

func serve(rt http.Handler, method, target string, headers ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	rt.ServeHTTP(rec, req)
	return rec
}

func TestTrailingSlashRoutesIdentically(t *testing.T) {
	r := newTestRouter()
	var got []string
	r.Get("/clients/{id}", func(w http.ResponseWriter, req *http.Request) error {
		got = append(got, Param(req, "id"))
		return nil
	})

	for _, target := range []string{"/clients/42", "/clients/42/", "/clients/42?tab=orders"} {
		rec := serve(r, http.MethodGet, target)
		if rec.Code != http.StatusOK {
			t.Errorf("%s: expected 200, got %d", target, rec.Code)
		}
	}
	for _, id := range got {
		if id != "42" {
			t.Errorf("expected id 42, got %q", id)
		}
	}
	if len(got) != 3 {
		t.Errorf("expected 3 dispatches, got %d", len(got))
	}
}

func TestFirstMatchWinsShadowsLaterLiteral(t *testing.T) {
	r := newTestRouter()
	r.Get("/clients/{id}", text("show"))
	r.Get("/clients/create", text("create"))

	rec := serve(r, http.MethodGet, "/clients/create")
	if rec.Body.String() != "show" {
		t.Errorf("general route registered first should win, got %q", rec.Body.String())
	}

	fixed := newTestRouter()
	fixed.Get("/clients/create", text("create"))
	fixed.Get("/clients/{id}", text("show"))
	if rec := serve(fixed, http.MethodGet, "/clients/create"); rec.Body.String() != "create" {
		t.Errorf("reordering should fix shadowing, got %q", rec.Body.String())
	}
}

func TestParamMatchesSingleSegment(t *testing.T) {
	r := newTestRouter()
	r.Get("/clients/{id}", text("show"))

	if rec := serve(r, http.MethodGet, "/clients/42/edit"); rec.Code != http.StatusNotFound {
		t.Errorf("placeholder must not span segments, got %d", rec.Code)
	}
	if rec := serve(r, http.MethodGet, "/clients"); rec.Code != http.StatusNotFound {
		t.Errorf("placeholder must not match empty, got %d", rec.Code)
	}
}

func TestPositionalParams(t *testing.T) {
	r := newTestRouter()
	var params []PathParam
	var values []string
	r.Get("/warehouses/{warehouse}/products/{product}", func(w http.ResponseWriter, req *http.Request) error {
		params = Params(req)
		values = ParamValues(req)
		return nil
	})

	serve(r, http.MethodGet, "/warehouses/w1/products/p%20x")

	if len(params) != 2 || params[0] != (PathParam{"warehouse", "w1"}) || params[1] != (PathParam{"product", "p x"}) {
		t.Errorf("unexpected params %+v", params)
	}
	if strings.Join(values, ",") != "w1,p x" {
		t.Errorf("unexpected positional values %v", values)
	}
}

func TestMethodMatching(t *testing.T) {
	r := newTestRouter()
	r.Post("/clients", text("store"))
	r.Any("/ping", text("pong"))
	r.Get("/clients", text("index"))

	if rec := serve(r, http.MethodGet, "/clients"); rec.Body.String() != "index" {
		t.Errorf("method mismatch should continue scanning, got %q", rec.Body.String())
	}
	if rec := serve(r, http.MethodPost, "/clients"); rec.Body.String() != "store" {
		t.Errorf("expected store, got %q", rec.Body.String())
	}
	for _, m := range []string{http.MethodGet, http.MethodPut, http.MethodDelete} {
		if rec := serve(r, m, "/ping"); rec.Body.String() != "pong" {
			t.Errorf("ANY route should match %s", m)
		}
	}
	if rec := serve(r, http.MethodHead, "/clients"); rec.Code != http.StatusOK {
		t.Errorf("HEAD should match GET routes, got %d", rec.Code)
	}
	if rec := serve(r, http.MethodDelete, "/clients"); rec.Code != http.StatusNotFound {
		t.Errorf("unregistered method should 404, got %d", rec.Code)
	}
}

func TestBasePathStripped(t *testing.T) {
	r := newTestRouter(WithBasePath("/spms/"))
	r.Get("/", text("home"))
	r.Get("/clients", text("clients"))

	if rec := serve(r, http.MethodGet, "/spms/clients/"); rec.Body.String() != "clients" {
		t.Errorf("expected clients, got %q", rec.Body.String())
	}
	if rec := serve(r, http.MethodGet, "/spms"); rec.Body.String() != "home" {
		t.Errorf("base path alone should map to root, got %q", rec.Body.String())
	}
	if got := r.URL("/clients/{id}", map[string]string{"id": "7"}); got != "/spms/clients/7" {
		t.Errorf("unexpected url %q", got)
	}
}

func TestMiddlewareOrderAndShortCircuit(t *testing.T) {
	r := newTestRouter()
	var trace []string
	handlerRan := false

	r.Use(func(req *http.Request) Response {
		trace = append(trace, "global")
		return nil
	})
	blocked := ResponseFunc(func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	})
	r.Get("/open", text("ok"), func(req *http.Request) Response {
		trace = append(trace, "route")
		return nil
	})
	r.Post("/guarded", func(w http.ResponseWriter, req *http.Request) error {
		handlerRan = true
		return nil
	}, func(req *http.Request) Response {
		trace = append(trace, "guard")
		return blocked
	})

	serve(r, http.MethodGet, "/open")
	if strings.Join(trace, ",") != "global,route" {
		t.Errorf("global middleware must run before route middleware, got %v", trace)
	}

	trace = nil
	rec := serve(r, http.MethodPost, "/guarded")
	if rec.Code != http.StatusForbidden {
		t.Errorf("expected 403, got %d", rec.Code)
	}
	if handlerRan {
		t.Error("handler must not run after a short-circuit")
	}
}

func TestGlobalMiddlewareShortCircuitSkipsRouteMiddleware(t *testing.T) {
	r := newTestRouter()
	routeMiddlewareRan := false
	r.Use(func(req *http.Request) Response {
		return ResponseFunc(func(w http.ResponseWriter, req *http.Request) {
			w.WriteHeader(http.StatusTeapot)
		})
	})
	r.Get("/", text("never"), func(req *http.Request) Response {
		routeMiddlewareRan = true
		return nil
	})

	rec := serve(r, http.MethodGet, "/")
	if rec.Code != http.StatusTeapot || routeMiddlewareRan {
		t.Errorf("global short-circuit should stop dispatch, code=%d", rec.Code)
	}
}

func TestNotFound(t *testing.T) {
	r := newTestRouter()

	rec := serve(r, http.MethodGet, "/missing")
	if rec.Code != http.StatusNotFound || !strings.Contains(rec.Body.String(), "404") {
		t.Errorf("expected default html 404, got %d %q", rec.Code, rec.Body.String())
	}

	rec = serve(r, http.MethodGet, "/missing", "X-Requested-With", "XMLHttpRequest")
	var body map[string]any
	json.Unmarshal(rec.Body.Bytes(), &body)
	if body["success"] != false {
		t.Errorf("ajax 404 should be json, got %q", rec.Body.String())
	}

	r.NotFound(func(w http.ResponseWriter, req *http.Request) error {
		w.WriteHeader(http.StatusNotFound)
		io.WriteString(w, "custom")
		return nil
	})
	if rec := serve(r, http.MethodGet, "/missing"); rec.Body.String() != "custom" {
		t.Errorf("override not used, got %q", rec.Body.String())
	}
}

func TestHandlerErrorGenericWithoutDebug(t *testing.T) {
	r := newTestRouter()
	r.Get("/boom", func(w http.ResponseWriter, req *http.Request) error {
		return errors.New("pq: relation \"clients\" does not exist")
	})

	rec := serve(r, http.MethodGet, "/boom")
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "relation") {
		t.Error("internal detail leaked without debug")
	}

	rec = serve(r, http.MethodGet, "/boom", "Accept", "application/json")
	if strings.Contains(rec.Body.String(), "relation") || strings.Contains(rec.Body.String(), "stack") {
		t.Error("internal detail leaked to json caller without debug")
	}
}

func TestHandlerErrorDetailedInDebug(t *testing.T) {
	r := newTestRouter(WithDebug(true))
	r.Get("/boom", func(w http.ResponseWriter, req *http.Request) error {
		return errors.New("disk <full>")
	})

	rec := serve(r, http.MethodGet, "/boom")
	if !strings.Contains(rec.Body.String(), "disk &lt;full&gt;") {
		t.Errorf("debug page should show the escaped message, got %q", rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "GET /boom") {
		t.Error("debug page should name the route")
	}
}

func TestPanicRecoveredAndOverridable(t *testing.T) {
	r := newTestRouter()
	r.Get("/panic", func(w http.ResponseWriter, req *http.Request) error {
		panic("nil map")
	})

	var captured *HandlerError
	r.ErrorHandler(func(w http.ResponseWriter, req *http.Request, err *HandlerError) {
		captured = err
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	rec := serve(r, http.MethodGet, "/panic")
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("override should render, got %d", rec.Code)
	}
	if captured == nil || !captured.Panic || len(captured.Stack) == 0 {
		t.Fatalf("expected recovered panic with stack, got %+v", captured)
	}
	if captured.Err.Error() != "nil map" {
		t.Errorf("unexpected panic value %v", captured.Err)
	}
}

func TestHandleRefResolvesAtRegistration(t *testing.T) {
	table := NewHandlerTable().Register("ClientController", Controller{
		"index": text("clients"),
	})
	r := newTestRouter()

	if _, err := r.HandleRef(table, http.MethodGet, "/clients", "ClientController@index"); err != nil {
		t.Fatalf("handle ref: %v", err)
	}
	if rec := serve(r, http.MethodGet, "/clients"); rec.Body.String() != "clients" {
		t.Errorf("unexpected body %q", rec.Body.String())
	}

	for _, ref := range []string{"ClientController@show", "SupplierController@index", "ClientController", "@index"} {
		_, err := r.HandleRef(table, http.MethodGet, "/x", ref)
		if !errors.Is(err, ErrHandlerNotFound) {
			t.Errorf("%q: expected ErrHandlerNotFound, got %v", ref, err)
		}
	}
	if len(r.Routes()) != 1 {
		t.Errorf("failed references must not register routes, got %d", len(r.Routes()))
	}

	defer func() {
		if recover() == nil {
			t.Error("MustHandleRef should panic on a missing handler")
		}
	}()
	r.MustHandleRef(table, http.MethodGet, "/x", "ClientController@destroy")
}

func TestNamedRoutesAndCurrentRoute(t *testing.T) {
	r := newTestRouter()
	var current *Route
	r.Get("/invoices/{id}/payments/{payment}", func(w http.ResponseWriter, req *http.Request) error {
		current = CurrentRoute(req)
		return nil
	}).Named("invoices.payment")

	u, err := r.URLFor("invoices.payment", map[string]string{"id": "9", "payment": "3"})
	if err != nil || u != "/invoices/9/payments/3" {
		t.Errorf("unexpected url %q err %v", u, err)
	}
	if _, err := r.URLFor("invoices.payment", map[string]string{"id": "9"}); err == nil {
		t.Error("missing parameter should be reported")
	}
	if _, err := r.URLFor("nope", nil); !errors.Is(err, ErrRouteNotFound) {
		t.Errorf("expected ErrRouteNotFound, got %v", err)
	}

	serve(r, http.MethodGet, u)
	if current == nil || current.Name() != "invoices.payment" {
		t.Errorf("current route not exposed: %+v", current)
	}

	r.Clear()
	if len(r.Routes()) != 0 {
		t.Error("clear should drop routes")
	}
	if _, err := r.URLFor("invoices.payment", nil); err == nil {
		t.Error("clear should drop names")
	}
}

func TestMatchHook(t *testing.T) {
	var pattern string
	r := newTestRouter(WithMatchHook(func(req *http.Request, rt *Route) { pattern = rt.Pattern() }))
	r.Get("/products/{id}/", text("ok"))

	serve(r, http.MethodGet, "/products/5")
	if pattern != "/products/{id}" {
		t.Errorf("hook should receive the normalized pattern, got %q", pattern)
	}
}

func TestHandlePanicsOnMalformedPattern(t *testing.T) {
	for _, p := range []string{"/a/{id}/{id}", "/a/{id", "/a/{1x}"} {
		func() {
			defer func() {
				if recover() == nil {
					t.Errorf("%q should be rejected", p)
				}
			}()
			newTestRouter().Get(p, text(""))
		}()
	}
}

// Feature: router, Property 1: Path Normalization Is Idempotent
// *For any* path, normalizing twice equals normalizing once, the result starts
// with "/" and never ends with "/" unless it is the root.
func TestProperty1_NormalizePathIdempotent(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		path := rapid.StringMatching(`/?([a-z0-9]{1,6}/){0,4}[a-z0-9]{0,6}/?(\?[a-z=&]{0,10})?`).Draw(t, "path")
		base := rapid.SampledFrom([]string{"", "/app"}).Draw(t, "base")

		once := NormalizePath(path, base)
		twice := NormalizePath(once, base)

		if once != twice && base == "" {
			t.Fatalf("not idempotent: %q -> %q -> %q", path, once, twice)
		}
		if !strings.HasPrefix(once, "/") {
			t.Fatalf("missing leading slash: %q", once)
		}
		if once != "/" && strings.HasSuffix(once, "/") {
			t.Fatalf("trailing slash kept: %q", once)
		}
		if strings.Contains(once, "?") {
			t.Fatalf("query kept: %q", once)
		}
	})
}

// Feature: router, Property 2: Trailing Slash Does Not Change The Match
// *For any* segment values, a path with and without a trailing slash resolve to
// the same route with the same parameters.
func TestProperty2_TrailingSlashSameMatch(t *testing.T) {
	r := newTestRouter()
	r.Get("/clients/{id}", text("show"))
	r.Get("/clients/{id}/orders/{order}", text("order"))

	rapid.Check(t, func(t *rapid.T) {
		id := rapid.StringMatching(`[A-Za-z0-9_-]{1,10}`).Draw(t, "id")
		order := rapid.StringMatching(`[0-9]{1,6}`).Draw(t, "order")
		path := "/clients/" + id
		if rapid.Bool().Draw(t, "nested") {
			path += "/orders/" + order
		}

		a, pa, okA := r.Match(http.MethodGet, path)
		b, pb, okB := r.Match(http.MethodGet, path+"/")
		if !okA || !okB || a != b {
			t.Fatalf("%q and %q resolved differently", path, path+"/")
		}
		if len(pa) != len(pb) || pa[0] != pb[0] || pa[0].Value != id {
			t.Fatalf("params differ: %v vs %v", pa, pb)
		}
	})
}

package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/khalloda/spare-parts-system/internal/auth/authtest"
	appctx "github.com/khalloda/spare-parts-system/internal/context"
	"github.com/khalloda/spare-parts-system/internal/i18n"
	"github.com/khalloda/spare-parts-system/internal/repository"
	"github.com/khalloda/spare-parts-system/internal/session"
)

var errStoreDown = errors.New("store unavailable")

// failingStore wraps a store and fails the selected operations
type failingStore struct {
	session.Store
	failLoad bool
	failSave bool
}

func (f *failingStore) Load(ctx context.Context, id string) (*session.Session, error) {
	if f.failLoad {
		return nil, errStoreDown
	}
	return f.Store.Load(ctx, id)
}

func (f *failingStore) Save(ctx context.Context, s *session.Session, ttl time.Duration) error {
	if f.failSave {
		return errStoreDown
	}
	return f.Store.Save(ctx, s, ttl)
}

func newTestPipeline(t *testing.T, store session.Store, next http.Handler) (*Pipeline, *authtest.Stack) {
	t.Helper()
	stack := authtest.NewStack(t)
	manager := stack.Sessions
	if store != nil {
		manager = session.NewManager(session.ManagerConfig{
			Store:   store,
			HashKey: []byte("0123456789abcdef0123456789abcdef"),
			Now:     stack.Clock.Now,
		})
	}
	bundle, err := i18n.NewBundle(i18n.English)
	if err != nil {
		t.Fatalf("bundle: %v", err)
	}
	p := New(Config{
		Sessions: manager,
		Auth:     stack.Auth,
		Bundle:   bundle,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}, next)
	return p, stack
}

func sessionCookie(rec *httptest.ResponseRecorder) *http.Cookie {
	for _, c := range rec.Result().Cookies() {
		if c.Name == session.DefaultCookieName {
			return c
		}
	}
	return nil
}

func TestSessionCommittedBeforeBody(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rc := appctx.MustFromRequest(r)
		rc.Session.Set("greeting", "hello")
		w.Write([]byte("body"))
		// Changes after the first write are not persisted
		rc.Session.Set("late", "value")
	})
	p, _ := newTestPipeline(t, nil, next)

	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	c := sessionCookie(rec)
	if c == nil {
		t.Fatal("expected session cookie on the response")
	}
	if !c.HttpOnly {
		t.Error("session cookie must be HttpOnly")
	}
	if rec.Body.String() != "body" {
		t.Errorf("unexpected body %q", rec.Body.String())
	}

	// The next request sees the value
	var got string
	p.next = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = appctx.MustFromRequest(r).Session.Get("greeting")
	})
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(c)
	p.ServeHTTP(httptest.NewRecorder(), req)
	if got != "hello" {
		t.Errorf("expected persisted value, got %q", got)
	}
}

func TestSessionCommittedWhenHandlerWritesNothing(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		appctx.MustFromRequest(r).Session.Set("k", "v")
	})
	p, _ := newTestPipeline(t, nil, next)

	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if sessionCookie(rec) == nil {
		t.Fatal("expected session cookie")
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}

func TestUntouchedSessionSetsNoCookie(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	p, _ := newTestPipeline(t, nil, next)

	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if sessionCookie(rec) != nil {
		t.Error("an unchanged new session should not be persisted")
	}
	if rec.Code != http.StatusNoContent {
		t.Errorf("expected 204, got %d", rec.Code)
	}
}

func TestSaveFailureReturns500(t *testing.T) {
	store := &failingStore{Store: session.NewMemoryStore(), failSave: true}
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		appctx.MustFromRequest(r).Session.Set("k", "v")
		http.Redirect(w, r, "/dashboard", http.StatusFound)
	})
	p, _ := newTestPipeline(t, store, next)

	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/login", nil))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	if loc := rec.Header().Get("Location"); loc != "" {
		t.Errorf("redirect must not leak after a failed commit: %q", loc)
	}
	if sessionCookie(rec) != nil {
		t.Error("no session cookie should be sent for an unsaved session")
	}
}

func TestSaveFailureWithoutWritesReturns500JSON(t *testing.T) {
	store := &failingStore{Store: session.NewMemoryStore(), failSave: true}
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		appctx.MustFromRequest(r).Session.Set("k", "v")
	})
	p, _ := newTestPipeline(t, store, next)

	req := httptest.NewRequest(http.MethodPost, "/", nil)
	req.Header.Set("X-Requested-With", "XMLHttpRequest")
	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"success":false`) {
		t.Errorf("expected JSON failure body, got %s", rec.Body.String())
	}
}

func TestLoadFailureReturns500(t *testing.T) {
	mem := session.NewMemoryStore()
	store := &failingStore{Store: mem}
	called := false
	p, _ := newTestPipeline(t, store, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		appctx.MustFromRequest(r).Session.Set("k", "v")
	}))

	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	c := sessionCookie(rec)
	if c == nil {
		t.Fatal("expected session cookie")
	}

	store.failLoad = true
	called = false
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(c)
	rec = httptest.NewRecorder()
	p.ServeHTTP(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("expected 500, got %d", rec.Code)
	}
	if called {
		t.Error("handler must not run without a session")
	}
}

func TestRequestContextLanguage(t *testing.T) {
	var lang string
	var rtl bool
	p, _ := newTestPipeline(t, nil, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rc := appctx.MustFromRequest(r)
		lang = rc.Localizer.Lang()
		rtl = rc.Localizer.IsRTL()
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Accept-Language", "ar-EG,ar;q=0.9")
	p.ServeHTTP(httptest.NewRecorder(), req)
	if lang != i18n.Arabic || !rtl {
		t.Errorf("expected Arabic RTL, got %q rtl=%v", lang, rtl)
	}
}

func TestLoginPersistsAcrossRequests(t *testing.T) {
	p, stack := newTestPipeline(t, nil, nil)
	stack.Users.AddUser(t, "clerk", repository.RoleUser)

	p.next = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rc := appctx.MustFromRequest(r)
		if err := rc.Auth.Login(r.Context(), "clerk", authtest.Password, false); err != nil {
			t.Errorf("login: %v", err)
		}
		w.WriteHeader(http.StatusNoContent)
	})
	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/login", nil))
	c := sessionCookie(rec)
	if c == nil {
		t.Fatal("expected session cookie after login")
	}

	var user string
	p.next = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if u := appctx.MustFromRequest(r).Auth.User(); u != nil {
			user = u.Username
		}
	})
	req := httptest.NewRequest(http.MethodGet, "/dashboard", nil)
	req.AddCookie(c)
	p.ServeHTTP(httptest.NewRecorder(), req)
	if user != "clerk" {
		t.Errorf("expected clerk to stay logged in, got %q", user)
	}
}

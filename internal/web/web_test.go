package web

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/khalloda/spare-parts-system/internal/auth"
	"github.com/khalloda/spare-parts-system/internal/auth/authtest"
	"github.com/khalloda/spare-parts-system/internal/csrf"
	"github.com/khalloda/spare-parts-system/internal/i18n"
	"github.com/khalloda/spare-parts-system/internal/middleware"
	"github.com/khalloda/spare-parts-system/internal/pipeline"
	"github.com/khalloda/spare-parts-system/internal/repository"
	"github.com/khalloda/spare-parts-system/internal/router"
)

var tokenPattern = regexp.MustCompile(`name="csrf_token" value="([a-f0-9]{64})"`)

type testApp struct {
	server *httptest.Server
	stack  *authtest.Stack
	client *http.Client
}

func newTestApp(t *testing.T) *testApp {
	t.Helper()
	discard := slog.New(slog.NewTextHandler(io.Discard, nil))
	stack := authtest.NewStack(t)
	bundle, err := i18n.NewBundle(i18n.English)
	if err != nil {
		t.Fatalf("bundle: %v", err)
	}
	views, err := NewRenderer(discard)
	if err != nil {
		t.Fatalf("renderer: %v", err)
	}

	r := router.New(router.WithLogger(discard))
	err = Routes(r, Dependencies{
		Views:  views,
		Guards: middleware.NewAuthMiddleware(middleware.AuthMiddlewareConfig{Pages: views, Logger: discard}),
		Bundle: bundle,
		Logger: discard,
	})
	if err != nil {
		t.Fatalf("routes: %v", err)
	}
	r.Get("/boom", func(w http.ResponseWriter, r *http.Request) error {
		panic("boom")
	})

	handler := pipeline.New(pipeline.Config{
		Sessions: stack.Sessions,
		Auth:     stack.Auth,
		CSRF:     csrf.Config{Now: stack.Clock.Now},
		Bundle:   bundle,
		Logger:   discard,
	}, r)
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	return &testApp{server: server, stack: stack, client: newClient(t)}
}

func newClient(t *testing.T) *http.Client {
	t.Helper()
	jar, err := cookiejar.New(nil)
	if err != nil {
		t.Fatalf("cookie jar: %v", err)
	}
	return &http.Client{
		Jar: jar,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

func (a *testApp) get(t *testing.T, path string, header ...string) (*http.Response, string) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, a.server.URL+path, nil)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	return a.do(t, req)
}

func (a *testApp) post(t *testing.T, path string, form url.Values, header ...string) (*http.Response, string) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, a.server.URL+path, strings.NewReader(form.Encode()))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	return a.do(t, req)
}

func (a *testApp) do(t *testing.T, req *http.Request) (*http.Response, string) {
	t.Helper()
	resp, err := a.client.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return resp, string(body)
}

// token loads the login page and returns its CSRF token
func (a *testApp) token(t *testing.T) string {
	t.Helper()
	_, body := a.get(t, "/login")
	m := tokenPattern.FindStringSubmatch(body)
	if m == nil {
		t.Fatalf("no csrf token on login page: %s", body)
	}
	return m[1]
}

func (a *testApp) login(t *testing.T, username string, remember bool) *http.Response {
	t.Helper()
	form := url.Values{"csrf_token": {a.token(t)}, "username": {username}, "password": {authtest.Password}}
	if remember {
		form.Set("remember", "1")
	}
	resp, _ := a.post(t, "/login", form)
	if resp.StatusCode != http.StatusFound {
		t.Fatalf("login failed with %d", resp.StatusCode)
	}
	return resp
}

func TestLoginRedirectsToIntendedURL(t *testing.T) {
	app := newTestApp(t)
	app.stack.Users.AddUser(t, "clerk", repository.RoleUser)

	resp, _ := app.get(t, "/change-password")
	if resp.StatusCode != http.StatusFound || resp.Header.Get("Location") != "/login" {
		t.Fatalf("expected redirect to login, got %d %q", resp.StatusCode, resp.Header.Get("Location"))
	}

	_, body := app.get(t, "/login")
	if !strings.Contains(body, "Please log in to continue.") {
		t.Error("login page should show the flash message")
	}

	resp = app.login(t, "clerk", false)
	if loc := resp.Header.Get("Location"); loc != "/change-password" {
		t.Errorf("expected intended URL, got %q", loc)
	}

	resp, body = app.get(t, "/dashboard")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected dashboard, got %d", resp.StatusCode)
	}
	if !strings.Contains(body, "Welcome, clerk") {
		t.Errorf("dashboard should greet the user: %s", body)
	}
}

func TestLoginWithoutTokenIsRejected(t *testing.T) {
	app := newTestApp(t)
	app.stack.Users.AddUser(t, "clerk", repository.RoleUser)

	resp, _ := app.post(t, "/login", url.Values{"username": {"clerk"}, "password": {authtest.Password}})
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", resp.StatusCode)
	}

	resp, body := app.get(t, "/auth/status", "Accept", "application/json")
	if resp.StatusCode != http.StatusOK || strings.Contains(body, `"authenticated":true`) {
		t.Errorf("user must not be logged in after a rejected submission: %s", body)
	}
}

func TestInvalidCredentialsReportAttemptsRemaining(t *testing.T) {
	app := newTestApp(t)
	app.stack.Users.AddUser(t, "clerk", repository.RoleUser)
	token := app.token(t)

	resp, body := app.post(t, "/login",
		url.Values{"csrf_token": {token}, "username": {"clerk"}, "password": {"wrong"}},
		"X-Requested-With", "XMLHttpRequest")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
	var failure failureResponse
	if err := json.Unmarshal([]byte(body), &failure); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if failure.Success || failure.Code != auth.CodeInvalidCredentials || !strings.Contains(failure.Message, "4 attempts remaining") {
		t.Errorf("unexpected failure body %+v", failure)
	}

	// Unknown users get the same answer
	resp, body = app.post(t, "/login",
		url.Values{"csrf_token": {token}, "username": {"ghost"}, "password": {"wrong"}},
		"X-Requested-With", "XMLHttpRequest")
	if resp.StatusCode != http.StatusUnauthorized || !strings.Contains(body, auth.CodeInvalidCredentials) {
		t.Errorf("unknown user should look like a bad password: %d %s", resp.StatusCode, body)
	}
}

func TestLockoutAfterRepeatedFailures(t *testing.T) {
	app := newTestApp(t)
	app.stack.Users.AddUser(t, "clerk", repository.RoleUser)
	token := app.token(t)
	form := url.Values{"csrf_token": {token}, "username": {"clerk"}, "password": {"wrong"}}

	var resp *http.Response
	var body string
	for i := 0; i < auth.DefaultMaxAttempts; i++ {
		resp, body = app.post(t, "/login", form)
	}
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("expected 429 on the last failure, got %d", resp.StatusCode)
	}
	if !strings.Contains(body, "try again in 15 minutes") {
		t.Errorf("expected lockout message: %s", body)
	}

	form.Set("password", authtest.Password)
	resp, _ = app.post(t, "/login", form)
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Errorf("correct password must be refused while locked, got %d", resp.StatusCode)
	}

	app.stack.Clock.Advance(auth.DefaultLockoutWindow)
	resp, _ = app.post(t, "/login", form)
	if resp.StatusCode != http.StatusFound {
		t.Errorf("login should succeed after the window, got %d", resp.StatusCode)
	}
}

func TestRememberMeRestoresLogin(t *testing.T) {
	app := newTestApp(t)
	app.stack.Users.AddUser(t, "clerk", repository.RoleUser)
	app.login(t, "clerk", true)

	// Keep only the remember cookie
	u, _ := url.Parse(app.server.URL)
	var remember *http.Cookie
	for _, c := range app.client.Jar.Cookies(u) {
		if c.Name == auth.DefaultRememberCookie {
			remember = c
		}
	}
	if remember == nil {
		t.Fatal("expected remember cookie")
	}

	fresh := newClient(t)
	fresh.Jar.SetCookies(u, []*http.Cookie{{Name: remember.Name, Value: remember.Value, Path: "/"}})
	app.client = fresh

	resp, _ := app.get(t, "/dashboard")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("remember cookie should restore the login, got %d", resp.StatusCode)
	}

	// The cookie was rotated, the old value no longer works
	stale := newClient(t)
	stale.Jar.SetCookies(u, []*http.Cookie{{Name: remember.Name, Value: remember.Value, Path: "/"}})
	app.client = stale
	resp, _ = app.get(t, "/dashboard")
	if resp.StatusCode != http.StatusFound {
		t.Errorf("superseded remember cookie must fail, got %d", resp.StatusCode)
	}
}

func TestSessionTimeoutShowsExpiredMessage(t *testing.T) {
	app := newTestApp(t)
	app.stack.Users.AddUser(t, "clerk", repository.RoleUser)
	app.login(t, "clerk", false)

	app.stack.Clock.Advance(auth.DefaultSessionTimeout + time.Minute)
	resp, body := app.get(t, "/dashboard", "Accept", "application/json")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
	if !strings.Contains(body, auth.CodeSessionExpired) || !strings.Contains(body, `"redirect":"/login"`) {
		t.Errorf("unexpected body %s", body)
	}
}

func TestLogout(t *testing.T) {
	app := newTestApp(t)
	app.stack.Users.AddUser(t, "clerk", repository.RoleUser)
	app.login(t, "clerk", true)

	_, page := app.get(t, "/dashboard")
	m := tokenPattern.FindStringSubmatch(page)
	if m == nil {
		t.Fatal("dashboard should carry the logout form token")
	}
	resp, _ := app.post(t, "/logout", url.Values{"csrf_token": {m[1]}})
	if resp.StatusCode != http.StatusFound || resp.Header.Get("Location") != "/login" {
		t.Fatalf("expected redirect to login, got %d", resp.StatusCode)
	}

	resp, _ = app.get(t, "/dashboard")
	if resp.StatusCode != http.StatusFound {
		t.Errorf("dashboard should require login again, got %d", resp.StatusCode)
	}
}

func TestChangePassword(t *testing.T) {
	app := newTestApp(t)
	app.stack.Users.AddUser(t, "clerk", repository.RoleUser)
	app.login(t, "clerk", false)

	_, page := app.get(t, "/change-password")
	token := tokenPattern.FindStringSubmatch(page)[1]

	resp, body := app.post(t, "/change-password", url.Values{
		"csrf_token":       {token},
		"current_password": {"nope"},
		"new_password":     {"N3w!Passw0rd"},
		"confirm_password": {"N3w!Passw0rd"},
	})
	if resp.StatusCode != http.StatusUnprocessableEntity || !strings.Contains(body, "The current password is incorrect.") {
		t.Fatalf("expected mismatch error, got %d", resp.StatusCode)
	}

	resp, _ = app.post(t, "/change-password", url.Values{
		"csrf_token":       {token},
		"current_password": {authtest.Password},
		"new_password":     {"N3w!Passw0rd"},
		"confirm_password": {"N3w!Passw0rd"},
	})
	if resp.StatusCode != http.StatusFound {
		t.Fatalf("expected redirect after change, got %d", resp.StatusCode)
	}
	_, body = app.get(t, "/dashboard")
	if !strings.Contains(body, "Your password has been changed.") {
		t.Error("dashboard should flash the confirmation")
	}
}

func TestLanguageSwitch(t *testing.T) {
	app := newTestApp(t)

	resp, _ := app.get(t, "/language/ar?next=/login")
	if resp.StatusCode != http.StatusFound || resp.Header.Get("Location") != "/login" {
		t.Fatalf("expected redirect back, got %d %q", resp.StatusCode, resp.Header.Get("Location"))
	}
	_, body := app.get(t, "/login")
	if !strings.Contains(body, `dir="rtl"`) || !strings.Contains(body, `lang="ar"`) {
		t.Error("login page should render right to left after switching to Arabic")
	}

	resp, _ = app.get(t, "/language/xx?next=//evil.example")
	if resp.Header.Get("Location") != "/dashboard" {
		t.Errorf("unsupported language and foreign target should fall back home, got %q", resp.Header.Get("Location"))
	}
}

func TestErrorPages(t *testing.T) {
	app := newTestApp(t)

	resp, body := app.get(t, "/no/such/page")
	if resp.StatusCode != http.StatusNotFound || !strings.Contains(body, "Page Not Found") {
		t.Errorf("expected localized 404, got %d", resp.StatusCode)
	}

	resp, body = app.get(t, "/no/such/page", "Accept", "application/json")
	if resp.StatusCode != http.StatusNotFound || !strings.Contains(body, `"success":false`) {
		t.Errorf("expected JSON 404, got %d %s", resp.StatusCode, body)
	}

	resp, _ = app.get(t, "/unauthorized")
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("expected 403 page, got %d", resp.StatusCode)
	}

	resp, body = app.get(t, "/boom")
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", resp.StatusCode)
	}
	if strings.Contains(body, "boom") || !strings.Contains(body, "An internal error occurred.") {
		t.Errorf("panic detail must not leak without debug: %s", body)
	}
}

func TestGuestCannotSeeLoginTwice(t *testing.T) {
	app := newTestApp(t)
	app.stack.Users.AddUser(t, "clerk", repository.RoleUser)
	app.login(t, "clerk", false)

	resp, _ := app.get(t, "/login")
	if resp.StatusCode != http.StatusFound || resp.Header.Get("Location") != HomePath {
		t.Errorf("logged-in user should be sent home, got %d %q", resp.StatusCode, resp.Header.Get("Location"))
	}
}

func TestIsLocalPath(t *testing.T) {
	cases := map[string]bool{
		"/dashboard":           true,
		"/clients?page=2":      true,
		"":                     false,
		"//evil.example":       false,
		"/\\evil.example":      false,
		"https://evil.example": false,
	}
	for in, want := range cases {
		if got := isLocalPath(in); got != want {
			t.Errorf("isLocalPath(%q) = %v, want %v", in, got, want)
		}
	}
}

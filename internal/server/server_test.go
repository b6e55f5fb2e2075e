package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shopfed/authcore/internal/handler"
	"github.com/shopfed/authcore/internal/identity"
	"github.com/shopfed/authcore/internal/keystore"
	"github.com/shopfed/authcore/internal/model"
	"github.com/shopfed/authcore/internal/service"
	"github.com/shopfed/authcore/internal/token"
)

func newTestKeystore(t *testing.T, rotate bool) *keystore.Keystore {
	t.Helper()
	discard := slog.New(slog.DiscardHandler)
	dir := t.TempDir()

	secret, err := keystore.NewFileBackend(filepath.Join(dir, "secret.jwks"), keystore.FileBackendOptions{
		RequiredFields: keystore.SecretFields,
		MaxExpiryDays:  60,
		FlushThreshold: 100,
		Logger:         discard,
	})
	if err != nil {
		t.Fatalf("secret backend: %v", err)
	}
	public, err := keystore.NewFileBackend(filepath.Join(dir, "public.jwks"), keystore.FileBackendOptions{
		RequiredFields: keystore.PublicFields,
		MaxExpiryDays:  60,
		FlushThreshold: 100,
		Logger:         discard,
	})
	if err != nil {
		t.Fatalf("public backend: %v", err)
	}
	ks := keystore.New(secret, public, 7, 30, discard)

	if rotate {
		gen, err := keystore.NewRSAGenerator("RS256")
		if err != nil {
			t.Fatalf("NewRSAGenerator: %v", err)
		}
		if _, err := ks.Rotate(gen, 1024, 2, time.Now()); err != nil {
			t.Fatalf("Rotate: %v", err)
		}
	}
	return ks
}

// newTestServer wires the full stack behind an in-memory identity store.
// rotate=false leaves the keystore empty so readiness degradation can be
// observed.
func newTestServer(t *testing.T, cfg Config, rotate bool) (*Server, *identity.Store) {
	t.Helper()
	discard := slog.New(slog.DiscardHandler)

	store, err := identity.NewStore("")
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	ctx := context.Background()
	superRole, err := store.CreateRole(ctx, "superuser")
	if err != nil {
		t.Fatalf("CreateRole: %v", err)
	}
	staffRole, err := store.CreateRole(ctx, "staff")
	if err != nil {
		t.Fatalf("CreateRole: %v", err)
	}
	resolver := identity.NewResolver(store, superRole.ID, staffRole.ID)

	ks := newTestKeystore(t, rotate)
	codec := token.NewCodec(ks, "authcore-test", 0)
	authSvc := service.NewAuthService(store, resolver, codec, time.Hour, 5*time.Minute, discard)

	return New(cfg, store, ks, authSvc, discard), store
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.SecureCookies = false
	cfg.LoginRatePerMin = 100
	return cfg
}

func createTestUser(t *testing.T, store *identity.Store, username, password string) {
	t.Helper()
	hash, err := identity.HashPassword(password)
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	login := &model.Login{Username: username, PasswordHash: hash, IsActive: true}
	if err := store.CreateLogin(context.Background(), login); err != nil {
		t.Fatalf("CreateLogin: %v", err)
	}
}

func TestHealthz(t *testing.T) {
	srv, _ := newTestServer(t, testConfig(), true)

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["status"] != "ok" {
		t.Errorf("status = %q, want ok", body["status"])
	}
}

func TestReadyz(t *testing.T) {
	t.Run("ready with keys", func(t *testing.T) {
		srv, _ := newTestServer(t, testConfig(), true)

		rec := httptest.NewRecorder()
		srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))

		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
		}
	})

	t.Run("degraded without keys", func(t *testing.T) {
		srv, _ := newTestServer(t, testConfig(), false)

		rec := httptest.NewRecorder()
		srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))

		if rec.Code != http.StatusServiceUnavailable {
			t.Fatalf("status = %d, want 503", rec.Code)
		}
		var body struct {
			Status string            `json:"status"`
			Checks map[string]string `json:"checks"`
		}
		if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
			t.Fatal(err)
		}
		if body.Status != "degraded" {
			t.Errorf("status = %q, want degraded", body.Status)
		}
		if !strings.HasPrefix(body.Checks["keystore"], "error") {
			t.Errorf("keystore check = %q, want an error", body.Checks["keystore"])
		}
		if body.Checks["identity"] != "ok" {
			t.Errorf("identity check = %q, want ok", body.Checks["identity"])
		}
	})
}

func TestOpenAPIDocument(t *testing.T) {
	srv, _ := newTestServer(t, testConfig(), true)

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/openapi.json", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var doc map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &doc); err != nil {
		t.Fatalf("document is not JSON: %v", err)
	}
	if doc["openapi"] != "3.1.0" {
		t.Errorf("openapi = %v, want 3.1.0", doc["openapi"])
	}
}

func TestLoginLogoutThroughRouter(t *testing.T) {
	srv, store := newTestServer(t, testConfig(), true)
	createTestUser(t, store, "alice", "password123")

	// Login through the full middleware chain.
	req := httptest.NewRequest(http.MethodPost, "/login",
		strings.NewReader(`{"username":"alice","password":"password123"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("login status = %d: %s", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("X-Request-ID header not set")
	}

	var refresh *http.Cookie
	for _, c := range rec.Result().Cookies() {
		if c.Name == handler.RefreshCookieName {
			refresh = c
		}
	}
	if refresh == nil {
		t.Fatal("refresh cookie not set")
	}

	// Logout with the cookie from login.
	req = httptest.NewRequest(http.MethodPost, "/logout", nil)
	req.AddCookie(refresh)
	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("logout status = %d: %s", rec.Code, rec.Body.String())
	}
}

func TestLoginRateLimit(t *testing.T) {
	cfg := testConfig()
	cfg.LoginRatePerMin = 2
	srv, store := newTestServer(t, cfg, true)
	createTestUser(t, store, "alice", "password123")

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodPost, "/login",
			strings.NewReader(`{"username":"alice","password":"wrong"}`))
		req.Header.Set("Content-Type", "application/json")
		req.RemoteAddr = "10.1.2.3:5555"
		rec := httptest.NewRecorder()
		srv.ServeHTTP(rec, req)
		codes = append(codes, rec.Code)
	}

	if codes[0] != http.StatusUnauthorized || codes[1] != http.StatusUnauthorized {
		t.Errorf("first two attempts = %v, want 401s", codes[:2])
	}
	if codes[2] != http.StatusTooManyRequests {
		t.Errorf("third attempt = %d, want 429", codes[2])
	}
}

func TestRateLimitOnlyCoversLogin(t *testing.T) {
	cfg := testConfig()
	cfg.LoginRatePerMin = 1
	srv, _ := newTestServer(t, cfg, true)

	// The key set endpoint is polled by every downstream service, so it
	// must not share the login limiter.
	for i := 0; i < 5; i++ {
		req := httptest.NewRequest(http.MethodGet, "/jwks", nil)
		req.RemoteAddr = "10.1.2.3:5555"
		rec := httptest.NewRecorder()
		srv.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("jwks request %d status = %d, want 200", i, rec.Code)
		}
	}
}

func TestJWKSThroughRouter(t *testing.T) {
	srv, _ := newTestServer(t, testConfig(), true)

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/jwks", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body struct {
		Keys []map[string]any `json:"keys"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if len(body.Keys) != 2 {
		t.Errorf("key count = %d, want 2", len(body.Keys))
	}
}

func TestCORSPreflight(t *testing.T) {
	cfg := testConfig()
	cfg.CORSOrigins = []string{"https://app.example.com"}
	srv, _ := newTestServer(t, cfg, true)

	req := httptest.NewRequest(http.MethodOptions, "/login", nil)
	req.Header.Set("Origin", "https://app.example.com")
	req.Header.Set("Access-Control-Request-Method", "POST")
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://app.example.com" {
		t.Errorf("Access-Control-Allow-Origin = %q, want the configured origin", got)
	}
	if rec.Header().Get("Access-Control-Allow-Credentials") != "true" {
		t.Error("Access-Control-Allow-Credentials not set")
	}
}

func TestUnknownRoute(t *testing.T) {
	srv, _ := newTestServer(t, testConfig(), true)

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/no_such_route", nil))

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

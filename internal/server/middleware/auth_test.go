package middleware

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"

	"github.com/shopfed/authcore/internal/config"
	"github.com/shopfed/authcore/internal/model"
)

const testKeyID = "mw-test-key"

func generateTestKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 1024)
	if err != nil {
		t.Fatal(err)
	}
	return key
}

// buildJWKSetJSON renders a single-key RSA key set the way the jwks
// endpoint publishes it.
func buildJWKSetJSON(pub *rsa.PublicKey, kid string) json.RawMessage {
	jwks := map[string]any{
		"keys": []map[string]any{
			{
				"kty": "RSA",
				"kid": kid,
				"use": "sig",
				"alg": "RS256",
				"n":   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
				"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
			},
		},
	}
	data, _ := json.Marshal(jwks)
	return data
}

// newTestAuth builds a BearerAuth over a static key set so the tests
// never touch the network.
func newTestAuth(t *testing.T, key *rsa.PrivateKey) *BearerAuth {
	t.Helper()
	kf, err := keyfunc.NewJWKSetJSON(buildJWKSetJSON(&key.PublicKey, testKeyID))
	if err != nil {
		t.Fatalf("create keyfunc: %v", err)
	}
	return NewBearerAuthWithKeyfunc(
		kf,
		"authcore-test",
		map[string]string{"media.example.com": "media"},
		slog.New(slog.DiscardHandler),
	)
}

type tokenOpts struct {
	audiences []string
	priv      model.PrivilegeStatus
	perms     []model.Permission
	expired   bool
	issuer    string
	kid       string
}

func signTestToken(t *testing.T, key *rsa.PrivateKey, opts tokenOpts) string {
	t.Helper()

	exp := time.Now().Add(5 * time.Minute)
	if opts.expired {
		exp = time.Now().Add(-5 * time.Minute)
	}
	issuer := opts.issuer
	if issuer == "" {
		issuer = "authcore-test"
	}
	kid := opts.kid
	if kid == "" {
		kid = testKeyID
	}
	if opts.priv == "" {
		opts.priv = model.PrivNone
	}

	perms := make([]any, 0, len(opts.perms))
	for _, p := range opts.perms {
		perms = append(perms, map[string]any{"app_code": p.AppCode, "codename": p.CodeName})
	}

	claims := jwt.MapClaims{
		"profile":     int64(42),
		"aud":         opts.audiences,
		"priv_status": string(opts.priv),
		"perms":       perms,
		"quota":       []any{},
		"iss":         issuer,
		"iat":         time.Now().Unix(),
		"exp":         exp.Unix(),
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = kid
	raw, err := tok.SignedString(key)
	if err != nil {
		t.Fatal(err)
	}
	return raw
}

func doAuthRequest(auth *BearerAuth, host, header string, inner http.Handler) *httptest.ResponseRecorder {
	handler := auth.Middleware()(inner)
	req := httptest.NewRequest(http.MethodGet, "/materials", nil)
	req.Host = host
	if header != "" {
		req.Header.Set("Authorization", header)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestMiddlewareAttachesPrincipal(t *testing.T) {
	key := generateTestKey(t)
	auth := newTestAuth(t, key)

	raw := signTestToken(t, key, tokenOpts{
		audiences: []string{"media", "billing"},
		priv:      model.PrivStaff,
		perms:     []model.Permission{{AppCode: "media", CodeName: "upload"}},
	})

	var principal *Principal
	rec := doAuthRequest(auth, "media.example.com", "Bearer "+raw,
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal = GetPrincipal(r.Context())
			w.WriteHeader(http.StatusOK)
		}))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if principal == nil {
		t.Fatal("no principal in context")
	}
	if principal.ProfileID != 42 {
		t.Errorf("ProfileID = %d, want 42", principal.ProfileID)
	}
	if len(principal.Audiences) != 2 {
		t.Errorf("Audiences = %v, want two entries", principal.Audiences)
	}
	if principal.PrivStatus != model.PrivStaff {
		t.Errorf("PrivStatus = %q, want %q", principal.PrivStatus, model.PrivStaff)
	}
	if !principal.HasPerm("media", "upload") {
		t.Error("HasPerm(media, upload) = false")
	}
	if principal.HasPerm("media", "delete") {
		t.Error("HasPerm(media, delete) = true for ungranted permission")
	}
}

func TestMiddlewareAcceptsLowercaseScheme(t *testing.T) {
	key := generateTestKey(t)
	auth := newTestAuth(t, key)
	raw := signTestToken(t, key, tokenOpts{audiences: []string{"media"}})

	rec := doAuthRequest(auth, "media.example.com", "bearer "+raw,
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		}))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestMiddlewareStripsHostPort(t *testing.T) {
	key := generateTestKey(t)
	auth := newTestAuth(t, key)
	raw := signTestToken(t, key, tokenOpts{audiences: []string{"media"}})

	rec := doAuthRequest(auth, "media.example.com:8443", "Bearer "+raw,
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		}))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestMiddlewareRejections(t *testing.T) {
	key := generateTestKey(t)
	auth := newTestAuth(t, key)

	otherKey := generateTestKey(t)

	tests := []struct {
		name   string
		host   string
		header string
	}{
		{
			name: "missing header",
			host: "media.example.com",
		},
		{
			name:   "basic auth scheme",
			host:   "media.example.com",
			header: "Basic dXNlcjpwYXNz",
		},
		{
			name:   "garbage token",
			host:   "media.example.com",
			header: "Bearer not.a.token",
		},
		{
			name:   "unknown host",
			host:   "ghost.example.com",
			header: "Bearer " + signTestToken(t, key, tokenOpts{audiences: []string{"media"}}),
		},
		{
			name:   "audience mismatch",
			host:   "media.example.com",
			header: "Bearer " + signTestToken(t, key, tokenOpts{audiences: []string{"billing"}}),
		},
		{
			name:   "expired token",
			host:   "media.example.com",
			header: "Bearer " + signTestToken(t, key, tokenOpts{audiences: []string{"media"}, expired: true}),
		},
		{
			name:   "wrong issuer",
			host:   "media.example.com",
			header: "Bearer " + signTestToken(t, key, tokenOpts{audiences: []string{"media"}, issuer: "someone-else"}),
		},
		{
			name:   "unknown signing key",
			host:   "media.example.com",
			header: "Bearer " + signTestToken(t, otherKey, tokenOpts{audiences: []string{"media"}, kid: "rogue-key"}),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doAuthRequest(auth, tt.host, tt.header,
				http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
					t.Error("inner handler must not run")
				}))
			if rec.Code != http.StatusUnauthorized {
				t.Errorf("status = %d, want 401", rec.Code)
			}
			var body struct {
				Error struct {
					Code    int    `json:"code"`
					Message string `json:"message"`
				} `json:"error"`
			}
			if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
				t.Fatalf("error body is not JSON: %v", err)
			}
			if body.Error.Code != http.StatusUnauthorized {
				t.Errorf("error code = %d, want 401", body.Error.Code)
			}
		})
	}
}

func TestNewBearerAuthFromConfig(t *testing.T) {
	key := generateTestKey(t)
	jwks := buildJWKSetJSON(&key.PublicKey, testKeyID)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write(jwks)
	}))
	t.Cleanup(srv.Close)

	cfg := config.Default()
	cfg.Tokens.Issuer = "authcore-test"
	cfg.Downstream.JWKSFetchTTL = "1m"
	cfg.Downstream.AudienceOriginMap = map[string]string{"media.example.com": "media"}

	auth, err := NewBearerAuthFromConfig(cfg, srv.URL, slog.New(slog.DiscardHandler))
	if err != nil {
		t.Fatalf("NewBearerAuthFromConfig: %v", err)
	}

	raw := signTestToken(t, key, tokenOpts{audiences: []string{"media"}})
	rec := doAuthRequest(auth, "media.example.com", "Bearer "+raw,
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if GetPrincipal(r.Context()) == nil {
				t.Error("no principal in context")
			}
			w.WriteHeader(http.StatusOK)
		}))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}

	// An unmapped host never reaches key verification.
	rec = doAuthRequest(auth, "ghost.example.com", "Bearer "+raw,
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			t.Error("inner handler must not run")
		}))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("unmapped host status = %d, want 401", rec.Code)
	}

	cfg.Downstream.JWKSFetchTTL = "never"
	if _, err := NewBearerAuthFromConfig(cfg, srv.URL, slog.New(slog.DiscardHandler)); err == nil {
		t.Error("unparseable fetch TTL accepted")
	}
}

func requestWithPrincipal(p *Principal) *http.Request {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if p == nil {
		return req
	}
	ctx := context.WithValue(req.Context(), AuthPrincipalKey, p)
	return req.WithContext(ctx)
}

func TestRequirePermission(t *testing.T) {
	required := []model.Permission{
		{AppCode: "media", CodeName: "upload"},
		{AppCode: "media", CodeName: "publish"},
	}

	tests := []struct {
		name      string
		principal *Principal
		wantCode  int
	}{
		{
			name:     "no principal",
			wantCode: http.StatusUnauthorized,
		},
		{
			name: "superuser bypass",
			principal: &Principal{
				ProfileID:  1,
				PrivStatus: model.PrivSuperuser,
			},
			wantCode: http.StatusOK,
		},
		{
			name: "all permissions granted",
			principal: &Principal{
				ProfileID:  2,
				PrivStatus: model.PrivNone,
				Perms: []model.Permission{
					{AppCode: "media", CodeName: "upload"},
					{AppCode: "media", CodeName: "publish"},
				},
			},
			wantCode: http.StatusOK,
		},
		{
			name: "one permission missing",
			principal: &Principal{
				ProfileID:  3,
				PrivStatus: model.PrivStaff,
				Perms: []model.Permission{
					{AppCode: "media", CodeName: "upload"},
				},
			},
			wantCode: http.StatusForbidden,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := RequirePermission(required...)(
				http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
					if tt.wantCode != http.StatusOK {
						t.Error("inner handler must not run")
					}
					w.WriteHeader(http.StatusOK)
				}))
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, requestWithPrincipal(tt.principal))
			if rec.Code != tt.wantCode {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantCode)
			}
		})
	}
}

func TestGetPrincipalEmptyContext(t *testing.T) {
	if p := GetPrincipal(context.Background()); p != nil {
		t.Errorf("GetPrincipal on empty context = %+v, want nil", p)
	}
}

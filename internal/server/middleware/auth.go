package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/MicahParks/jwkset"
	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"

	"github.com/shopfed/authcore/internal/config"
	"github.com/shopfed/authcore/internal/model"
	"github.com/shopfed/authcore/internal/token"
)

// defaultJWKSFetchTimeout bounds a single key-set HTTP request when the
// caller does not set one.
const defaultJWKSFetchTimeout = 10 * time.Second

type contextKeyAuth string

// AuthPrincipalKey is the context key for the authenticated principal.
const AuthPrincipalKey contextKeyAuth = "auth_principal"

// Principal is the verified identity attached to a request: the profile and
// the audience-scoped grants carried by its access token.
type Principal struct {
	ProfileID  int64
	Audiences  []string
	PrivStatus model.PrivilegeStatus
	Perms      []model.Permission
	Quota      []model.QuotaGrant
}

// HasPerm reports whether the principal carries the given permission.
func (p *Principal) HasPerm(appCode, codename string) bool {
	for _, perm := range p.Perms {
		if perm.AppCode == appCode && perm.CodeName == codename {
			return true
		}
	}
	return false
}

// BearerAuth validates access tokens for a downstream service. Verification
// keys come from the auth core's JWKS endpoint via a self-refreshing HTTP
// storage; the expected audience is derived from the request host. Every
// verification defect, including a JWKS fetch that has not completed yet,
// maps to 401 so an auth-core outage never surfaces as a 5xx here.
type BearerAuth struct {
	jwks           keyfunc.Keyfunc
	issuer         string
	leeway         time.Duration
	audienceByHost map[string]string
	logger         *slog.Logger
}

// BearerAuthOptions configures NewBearerAuth.
type BearerAuthOptions struct {
	// JWKSURL is the auth core's published key set.
	JWKSURL string
	// Issuer, when set, must match the token's iss claim.
	Issuer string
	// Leeway is the clock-skew allowance for time-based claims.
	Leeway time.Duration
	// RefreshInterval is how often the key set is re-fetched.
	RefreshInterval time.Duration
	// FetchTimeout bounds each JWKS HTTP request.
	FetchTimeout time.Duration
	// AudienceByHost maps the request Host (without port) to the audience
	// code this service answers for.
	AudienceByHost map[string]string
	Logger         *slog.Logger
}

// NewBearerAuth builds the authenticator over a background-refreshing JWKS
// storage. The first fetch is allowed to fail so the service can start
// before the auth core is reachable; requests simply get 401 until keys
// arrive.
func NewBearerAuth(opts BearerAuthOptions) (*BearerAuth, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("component", "bearer_auth"))

	fetchTimeout := opts.FetchTimeout
	if fetchTimeout <= 0 {
		fetchTimeout = defaultJWKSFetchTimeout
	}

	storage, err := jwkset.NewStorageFromHTTP(opts.JWKSURL, jwkset.HTTPClientStorageOptions{
		Client:                    &http.Client{Timeout: fetchTimeout},
		NoErrorReturnFirstHTTPReq: true,
		RefreshInterval:           opts.RefreshInterval,
		RefreshErrorHandler: func(_ context.Context, err error) {
			logger.Error("jwks refresh failed",
				slog.String("url", opts.JWKSURL),
				slog.String("error", err.Error()),
			)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("create jwks storage: %w", err)
	}

	kf, err := keyfunc.New(keyfunc.Options{Storage: storage})
	if err != nil {
		return nil, fmt.Errorf("create keyfunc: %w", err)
	}

	return &BearerAuth{
		jwks:           kf,
		issuer:         opts.Issuer,
		leeway:         opts.Leeway,
		audienceByHost: opts.AudienceByHost,
		logger:         logger,
	}, nil
}

// NewBearerAuthFromConfig builds the authenticator from the shared
// configuration struct: the audience origin map keys the expected audience
// by request host and the JWKS fetch TTL drives key-set refresh. The JWKS
// URL itself is discovered through the token exchange response, so the
// caller passes it in.
func NewBearerAuthFromConfig(cfg *config.Config, jwksURL string, logger *slog.Logger) (*BearerAuth, error) {
	leeway, err := cfg.Leeway()
	if err != nil {
		return nil, fmt.Errorf("tokens.leeway: %w", err)
	}
	fetchTTL, err := cfg.JWKSFetchTTL()
	if err != nil {
		return nil, fmt.Errorf("downstream.jwks_fetch_ttl: %w", err)
	}
	return NewBearerAuth(BearerAuthOptions{
		JWKSURL:         jwksURL,
		Issuer:          cfg.Tokens.Issuer,
		Leeway:          leeway,
		RefreshInterval: fetchTTL,
		AudienceByHost:  cfg.Downstream.AudienceOriginMap,
		Logger:          logger,
	})
}

// NewBearerAuthWithKeyfunc builds the authenticator over a caller-provided
// keyfunc. Used by tests to substitute a static key set.
func NewBearerAuthWithKeyfunc(kf keyfunc.Keyfunc, issuer string, audienceByHost map[string]string, logger *slog.Logger) *BearerAuth {
	if logger == nil {
		logger = slog.Default()
	}
	return &BearerAuth{
		jwks:           kf,
		issuer:         issuer,
		audienceByHost: audienceByHost,
		logger:         logger.With(slog.String("component", "bearer_auth")),
	}
}

// Middleware returns the authentication middleware. On success a Principal
// is attached to the request context.
func (b *BearerAuth) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := bearerToken(r)
			if raw == "" {
				writeAuthError(w, http.StatusUnauthorized, "bearer token required")
				return
			}

			audience, ok := b.audienceForHost(r.Host)
			if !ok {
				writeAuthError(w, http.StatusUnauthorized, "unrecognized host")
				return
			}

			parserOpts := []jwt.ParserOption{
				jwt.WithValidMethods([]string{"RS256", "RS384", "RS512"}),
				jwt.WithExpirationRequired(),
				jwt.WithLeeway(b.leeway),
				jwt.WithAudience(audience),
			}
			if b.issuer != "" {
				parserOpts = append(parserOpts, jwt.WithIssuer(b.issuer))
			}

			claims := jwt.MapClaims{}
			parsed, err := jwt.ParseWithClaims(raw, claims, b.jwks.KeyfuncCtx(r.Context()), parserOpts...)
			if err != nil || !parsed.Valid {
				b.logger.Debug("access token rejected",
					slog.String("remote_addr", r.RemoteAddr),
				)
				writeAuthError(w, http.StatusUnauthorized, "invalid or expired token")
				return
			}

			access, err := token.AccessFromPayload(map[string]any(claims))
			if err != nil {
				writeAuthError(w, http.StatusUnauthorized, "malformed token claims")
				return
			}

			principal := &Principal{
				ProfileID:  access.ProfileID,
				Audiences:  access.Audiences,
				PrivStatus: access.PrivStatus,
				Perms:      access.Perms,
				Quota:      access.Quota,
			}
			ctx := context.WithValue(r.Context(), AuthPrincipalKey, principal)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequirePermission returns a middleware that admits superusers outright
// and everyone else only when every listed permission is granted. Must run
// after Middleware.
func RequirePermission(required ...model.Permission) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal := GetPrincipal(r.Context())
			if principal == nil {
				writeAuthError(w, http.StatusUnauthorized, "authentication required")
				return
			}
			if principal.PrivStatus != model.PrivSuperuser {
				for _, perm := range required {
					if !principal.HasPerm(perm.AppCode, perm.CodeName) {
						writeAuthError(w, http.StatusForbidden, "insufficient permissions")
						return
					}
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

// GetPrincipal extracts the authenticated principal from the context.
// Returns nil for unauthenticated requests.
func GetPrincipal(ctx context.Context) *Principal {
	if p, ok := ctx.Value(AuthPrincipalKey).(*Principal); ok {
		return p
	}
	return nil
}

func (b *BearerAuth) audienceForHost(host string) (string, bool) {
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	aud, ok := b.audienceByHost[host]
	return aud, ok
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func writeAuthError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	// Manually constructed JSON avoids an import cycle with the handler
	// package.
	fmt.Fprintf(w, `{"error":{"code":%d,"message":%q}}`, status, message)
}

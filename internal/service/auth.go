package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopfed/authcore/internal/identity"
	"github.com/shopfed/authcore/internal/model"
	"github.com/shopfed/authcore/internal/token"
)

var (
	// ErrAuthFailure is deliberately opaque: callers must not learn which
	// of username, password, or account state was wrong.
	ErrAuthFailure = errors.New("authentication failure")

	// ErrBadAudience means none of the requested audiences is registered.
	ErrBadAudience = errors.New("invalid audience field")

	// ErrForbiddenAudience means the profile has no standing in any of the
	// requested audiences. The message is part of the API contract.
	ErrForbiddenAudience = errors.New("the user does not have access to these resource services listed in audience field")
)

// Session is the outcome of a successful login: the signed refresh token
// plus the lifetime it was minted with, which doubles as the cookie Max-Age.
type Session struct {
	ProfileID    int64
	RefreshToken string
	Lifetime     time.Duration
}

// AuthService is the login controller: it authenticates credentials, mints
// refresh tokens with a privilege-scaled lifetime, and exchanges them for
// audience-scoped access tokens.
type AuthService struct {
	store       *identity.Store
	resolver    *identity.Resolver
	codec       *token.Codec
	refreshBase time.Duration
	accessTTL   time.Duration
	logger      *slog.Logger

	now func() time.Time
}

func NewAuthService(store *identity.Store, resolver *identity.Resolver, codec *token.Codec, refreshBase, accessTTL time.Duration, logger *slog.Logger) *AuthService {
	if logger == nil {
		logger = slog.Default()
	}
	return &AuthService{
		store:       store,
		resolver:    resolver,
		codec:       codec,
		refreshBase: refreshBase,
		accessTTL:   accessTTL,
		logger:      logger,
		now:         time.Now,
	}
}

// RefreshLifetime scales the configured base lifetime by privilege status.
// More privileged accounts get shorter sessions.
func (s *AuthService) RefreshLifetime(status model.PrivilegeStatus) time.Duration {
	switch status {
	case model.PrivSuperuser:
		return s.refreshBase
	case model.PrivStaff:
		return s.refreshBase * 2
	default:
		return s.refreshBase * 4
	}
}

// Login authenticates the credentials and mints a refresh token. All
// authentication failures collapse to ErrAuthFailure.
func (s *AuthService) Login(ctx context.Context, username, password string) (*Session, error) {
	profileID, err := s.store.Authenticate(ctx, username, password)
	if err != nil {
		s.logger.Info("login rejected", "username", username)
		return nil, ErrAuthFailure
	}

	status, err := s.resolver.PrivilegeStatus(ctx, profileID)
	if err != nil {
		return nil, fmt.Errorf("resolve privilege status: %w", err)
	}

	lifetime := s.RefreshLifetime(status)
	now := s.now().UTC()
	raw, err := s.codec.SignRefresh(&token.RefreshClaims{
		ProfileID: profileID,
		Issuer:    s.codec.Issuer(),
		IssuedAt:  now,
		ExpiresAt: now.Add(lifetime),
	})
	if err != nil {
		return nil, fmt.Errorf("sign refresh token: %w", err)
	}

	s.logger.Info("login", "profile_id", profileID, "priv_status", status, "lifetime", lifetime)
	return &Session{ProfileID: profileID, RefreshToken: raw, Lifetime: lifetime}, nil
}

// VerifyRefresh checks a raw refresh token: signature, expiry, the absence
// of an audience, and that the password has not changed since the token was
// issued. Any defect surfaces as a token error for the handler to map to 401.
func (s *AuthService) VerifyRefresh(ctx context.Context, raw string) (*token.RefreshClaims, error) {
	payload, err := s.codec.Verify(raw, nil)
	if err != nil {
		return nil, err
	}
	claims, err := token.RefreshFromPayload(payload)
	if err != nil {
		return nil, err
	}

	login, err := s.store.GetLogin(ctx, claims.ProfileID)
	if err != nil {
		if errors.Is(err, identity.ErrNotFound) {
			return nil, fmt.Errorf("%w: unknown profile", token.ErrMissingClaim)
		}
		return nil, fmt.Errorf("load login: %w", err)
	}
	if !login.IsActive {
		return nil, fmt.Errorf("%w: account disabled", token.ErrExpired)
	}
	if login.PasswordChangedAt != nil && claims.IssuedAt.Before(*login.PasswordChangedAt) {
		return nil, fmt.Errorf("%w: password changed after issue", token.ErrExpired)
	}
	return claims, nil
}

// ExchangeAccessToken mints an audience-scoped access token from verified
// refresh claims. Unknown audiences are filtered out first; if none remain
// the request is malformed (ErrBadAudience). A profile with no privilege
// and no permission in the surviving audiences is refused
// (ErrForbiddenAudience).
func (s *AuthService) ExchangeAccessToken(ctx context.Context, claims *token.RefreshClaims, audiences []string) (*model.TokenResponse, error) {
	known, err := s.store.KnownApps(ctx, audiences)
	if err != nil {
		return nil, fmt.Errorf("check audiences: %w", err)
	}
	scoped := make([]string, 0, len(audiences))
	for _, aud := range audiences {
		if known[aud] {
			scoped = append(scoped, aud)
		}
	}
	if len(scoped) == 0 {
		return nil, ErrBadAudience
	}

	view, err := s.resolver.ProfileView(ctx, claims.ProfileID, scoped)
	if err != nil {
		return nil, fmt.Errorf("resolve profile: %w", err)
	}
	if view.PrivStatus == model.PrivNone && len(view.Perms) == 0 {
		s.logger.Info("exchange refused", "profile_id", claims.ProfileID, "audiences", scoped)
		return nil, ErrForbiddenAudience
	}

	now := s.now().UTC()
	raw, err := s.codec.SignAccess(&token.AccessClaims{
		ProfileID:  view.ProfileID,
		Audiences:  scoped,
		PrivStatus: view.PrivStatus,
		Perms:      view.Perms,
		Quota:      view.Quota,
		Issuer:     s.codec.Issuer(),
		IssuedAt:   now,
		ExpiresAt:  now.Add(s.accessTTL),
	})
	if err != nil {
		return nil, fmt.Errorf("sign access token: %w", err)
	}

	app, err := s.store.GetApp(ctx, scoped[0])
	if err != nil {
		return nil, fmt.Errorf("look up audience app: %w", err)
	}
	return &model.TokenResponse{AccessToken: raw, JWKSURL: app.JWKSURL}, nil
}

// ChangePassword re-hashes and stores a new password. Refresh tokens issued
// before the change stop verifying.
func (s *AuthService) ChangePassword(ctx context.Context, profileID int64, password string) error {
	hash, err := identity.HashPassword(password)
	if err != nil {
		return err
	}
	if err := s.store.UpdatePassword(ctx, profileID, hash); err != nil {
		return err
	}
	s.logger.Info("password changed", "profile_id", profileID)
	return nil
}

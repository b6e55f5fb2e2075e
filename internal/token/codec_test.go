package token

import (
	"errors"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shopfed/authcore/internal/keystore"
	"github.com/shopfed/authcore/internal/model"
)

func newTestKeystore(t *testing.T) *keystore.Keystore {
	t.Helper()
	dir := t.TempDir()
	discard := slog.New(slog.DiscardHandler)
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
	gen, err := keystore.NewRSAGenerator("RS256")
	if err != nil {
		t.Fatalf("NewRSAGenerator: %v", err)
	}
	if _, err := ks.Rotate(gen, 1024, 2, time.Now()); err != nil {
		t.Fatalf("Rotate: %v", err)
	}
	return ks
}

func newTestCodec(t *testing.T) *Codec {
	t.Helper()
	return NewCodec(newTestKeystore(t), "authcore-test", 0)
}

func TestRefreshRoundTrip(t *testing.T) {
	c := newTestCodec(t)
	now := time.Now().UTC().Truncate(time.Second)

	raw, err := c.SignRefresh(&RefreshClaims{
		ProfileID: 42,
		IssuedAt:  now,
		ExpiresAt: now.Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("SignRefresh: %v", err)
	}

	payload, err := c.Verify(raw, nil)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	claims, err := RefreshFromPayload(payload)
	if err != nil {
		t.Fatalf("RefreshFromPayload: %v", err)
	}
	if claims.ProfileID != 42 {
		t.Errorf("ProfileID = %d, want 42", claims.ProfileID)
	}
	if claims.Issuer != "authcore-test" {
		t.Errorf("Issuer = %q, want authcore-test", claims.Issuer)
	}
	if !claims.IssuedAt.Equal(now) {
		t.Errorf("IssuedAt = %v, want %v", claims.IssuedAt, now)
	}
}

func TestAccessRoundTrip(t *testing.T) {
	c := newTestCodec(t)
	now := time.Now().UTC().Truncate(time.Second)

	raw, err := c.SignAccess(&AccessClaims{
		ProfileID:  7,
		Audiences:  []string{"media", "billing"},
		PrivStatus: model.PrivStaff,
		Perms: []model.Permission{
			{AppCode: "media", CodeName: "upload_file"},
		},
		Quota: []model.QuotaGrant{
			{AppCode: "media", MatCode: "video", MaxNum: 20},
		},
		IssuedAt:  now,
		ExpiresAt: now.Add(5 * time.Minute),
	})
	if err != nil {
		t.Fatalf("SignAccess: %v", err)
	}

	payload, err := c.Verify(raw, []string{"media"})
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	claims, err := AccessFromPayload(payload)
	if err != nil {
		t.Fatalf("AccessFromPayload: %v", err)
	}
	if claims.ProfileID != 7 {
		t.Errorf("ProfileID = %d, want 7", claims.ProfileID)
	}
	if len(claims.Audiences) != 2 {
		t.Errorf("Audiences = %v, want two entries", claims.Audiences)
	}
	if claims.PrivStatus != model.PrivStaff {
		t.Errorf("PrivStatus = %q, want staff", claims.PrivStatus)
	}
	if !claims.HasPerm("media", "upload_file") {
		t.Error("HasPerm(media, upload_file) = false")
	}
	if claims.HasPerm("media", "delete_file") {
		t.Error("HasPerm(media, delete_file) = true for ungranted permission")
	}
	if len(claims.Quota) != 1 || claims.Quota[0].MaxNum != 20 {
		t.Errorf("Quota = %v, want one grant of 20", claims.Quota)
	}
}

func TestSignAccessRequiresAudience(t *testing.T) {
	c := newTestCodec(t)
	_, err := c.SignAccess(&AccessClaims{
		ProfileID: 1,
		IssuedAt:  time.Now(),
		ExpiresAt: time.Now().Add(time.Minute),
	})
	if !errors.Is(err, ErrBadAudience) {
		t.Errorf("SignAccess without audience = %v, want ErrBadAudience", err)
	}
}

func TestVerifyAudience(t *testing.T) {
	c := newTestCodec(t)
	now := time.Now().UTC()

	access, err := c.SignAccess(&AccessClaims{
		ProfileID: 1,
		Audiences: []string{"media"},
		IssuedAt:  now,
		ExpiresAt: now.Add(5 * time.Minute),
	})
	if err != nil {
		t.Fatalf("SignAccess: %v", err)
	}
	refresh, err := c.SignRefresh(&RefreshClaims{
		ProfileID: 1,
		IssuedAt:  now,
		ExpiresAt: now.Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("SignRefresh: %v", err)
	}

	t.Run("mismatched audience", func(t *testing.T) {
		if _, err := c.Verify(access, []string{"billing"}); !errors.Is(err, ErrBadAudience) {
			t.Errorf("Verify = %v, want ErrBadAudience", err)
		}
	})
	t.Run("one audience suffices", func(t *testing.T) {
		if _, err := c.Verify(access, []string{"billing", "media"}); err != nil {
			t.Errorf("Verify = %v, want nil", err)
		}
	})
	t.Run("access token as refresh", func(t *testing.T) {
		if _, err := c.Verify(access, nil); !errors.Is(err, ErrBadAudience) {
			t.Errorf("Verify = %v, want ErrBadAudience", err)
		}
	})
	t.Run("refresh token as access", func(t *testing.T) {
		if _, err := c.Verify(refresh, []string{"media"}); !errors.Is(err, ErrMissingClaim) {
			t.Errorf("Verify = %v, want ErrMissingClaim", err)
		}
	})
}

func TestVerifyExpired(t *testing.T) {
	c := newTestCodec(t)
	now := time.Now().UTC()

	raw, err := c.SignRefresh(&RefreshClaims{
		ProfileID: 1,
		IssuedAt:  now.Add(-2 * time.Hour),
		ExpiresAt: now.Add(-time.Hour),
	})
	if err != nil {
		t.Fatalf("SignRefresh: %v", err)
	}
	if _, err := c.Verify(raw, nil); !errors.Is(err, ErrExpired) {
		t.Errorf("Verify = %v, want ErrExpired", err)
	}
}

func TestVerifyLeeway(t *testing.T) {
	ks := newTestKeystore(t)
	strict := NewCodec(ks, "authcore-test", 0)
	lenient := NewCodec(ks, "authcore-test", time.Minute)
	now := time.Now().UTC()

	raw, err := strict.SignRefresh(&RefreshClaims{
		ProfileID: 1,
		IssuedAt:  now.Add(-time.Hour),
		ExpiresAt: now.Add(-10 * time.Second),
	})
	if err != nil {
		t.Fatalf("SignRefresh: %v", err)
	}
	if _, err := strict.Verify(raw, nil); !errors.Is(err, ErrExpired) {
		t.Errorf("strict Verify = %v, want ErrExpired", err)
	}
	if _, err := lenient.Verify(raw, nil); err != nil {
		t.Errorf("lenient Verify = %v, want nil within leeway", err)
	}
}

func TestVerifyTampered(t *testing.T) {
	c := newTestCodec(t)
	now := time.Now().UTC()

	raw, err := c.SignRefresh(&RefreshClaims{
		ProfileID: 1,
		IssuedAt:  now,
		ExpiresAt: now.Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("SignRefresh: %v", err)
	}

	parts := strings.Split(raw, ".")
	// eyJwcm9maWxlIjo5OTl9 is base64url for {"profile":999}.
	tampered := parts[0] + ".eyJwcm9maWxlIjo5OTl9." + parts[2]
	if _, err := c.Verify(tampered, nil); !errors.Is(err, ErrBadSignature) {
		t.Errorf("Verify tampered = %v, want ErrBadSignature", err)
	}
}

func TestVerifyGarbage(t *testing.T) {
	c := newTestCodec(t)
	for _, raw := range []string{"", "not.a.jwt", "a.b", "...."} {
		if _, err := c.Verify(raw, nil); !errors.Is(err, ErrDecode) {
			t.Errorf("Verify(%q) = %v, want ErrDecode", raw, err)
		}
	}
}

func TestVerifyUnknownKey(t *testing.T) {
	signer := newTestCodec(t)
	verifier := newTestCodec(t) // separate keystore, disjoint key ids
	now := time.Now().UTC()

	raw, err := signer.SignRefresh(&RefreshClaims{
		ProfileID: 1,
		IssuedAt:  now,
		ExpiresAt: now.Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("SignRefresh: %v", err)
	}
	if _, err := verifier.Verify(raw, nil); !errors.Is(err, ErrUnknownKey) {
		t.Errorf("Verify = %v, want ErrUnknownKey", err)
	}
}

func TestSignIsIdempotent(t *testing.T) {
	c := newTestCodec(t)
	now := time.Now().UTC()

	tok := New()
	tok.SetDefaults(nil, (&RefreshClaims{
		ProfileID: 5,
		Issuer:    c.Issuer(),
		IssuedAt:  now,
		ExpiresAt: now.Add(time.Hour),
	}).Payload())

	first, err := c.Sign(tok)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	second, err := c.Sign(tok)
	if err != nil {
		t.Fatalf("second Sign: %v", err)
	}
	if first != second {
		t.Error("re-signing an unmodified token produced a different encoding")
	}
	if tok.Modified() {
		t.Error("token still reports modified after signing")
	}

	tok.Set("extra", "x")
	if !tok.Modified() {
		t.Error("Set did not mark the token modified")
	}
	third, err := c.Sign(tok)
	if err != nil {
		t.Fatalf("third Sign: %v", err)
	}
	if third == first {
		t.Error("signing a modified token returned the stale encoding")
	}
}

func TestSignPinsKeyByKid(t *testing.T) {
	ks := newTestKeystore(t)
	c := NewCodec(ks, "authcore-test", 0)

	var kids []string
	if err := ks.Secret().KeyIDs(func(kid string) error {
		kids = append(kids, kid)
		return nil
	}); err != nil {
		t.Fatalf("KeyIDs: %v", err)
	}
	if len(kids) < 2 {
		t.Fatalf("need at least 2 keys, have %d", len(kids))
	}

	now := time.Now().UTC()
	tok := New()
	tok.SetHeader("kid", kids[1])
	tok.SetDefaults(nil, (&RefreshClaims{
		ProfileID: 5,
		Issuer:    c.Issuer(),
		IssuedAt:  now,
		ExpiresAt: now.Add(time.Hour),
	}).Payload())

	if _, err := c.Sign(tok); err != nil {
		t.Fatalf("Sign: %v", err)
	}
	got, _ := tok.Header("kid")
	if got != kids[1] {
		t.Errorf("signed with kid %v, want pinned %s", got, kids[1])
	}
}

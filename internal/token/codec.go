package token

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/shopfed/authcore/internal/keystore"
)

// Verification defects, one sentinel per failure class. The HTTP layer maps
// all of them to 401; none carries key material or token bytes.
var (
	ErrBadSignature = errors.New("token signature invalid")
	ErrExpired      = errors.New("token expired")
	ErrNotYetValid  = errors.New("token not yet valid")
	ErrBadAudience  = errors.New("token audience mismatch")
	ErrMissingClaim = errors.New("token missing required claim")
	ErrUnknownKey   = errors.New("token signed with unknown key")
	ErrDecode       = errors.New("token malformed")
	ErrInconsistent = errors.New("token payload inconsistent")
)

var validMethods = []string{"RS256", "RS384", "RS512"}

// Codec signs and verifies JWTs against the keystore.
type Codec struct {
	ks     *keystore.Keystore
	issuer string
	leeway time.Duration
}

// NewCodec creates a codec. The issuer is stamped into every signed token;
// leeway relaxes time-based checks on verify.
func NewCodec(ks *keystore.Keystore, issuer string, leeway time.Duration) *Codec {
	return &Codec{ks: ks, issuer: issuer, leeway: leeway}
}

// Issuer returns the iss value the codec stamps into tokens.
func (c *Codec) Issuer() string { return c.issuer }

// Sign encodes and signs the token. The signing key is the one pinned via
// the kid header parameter when present, otherwise a random signing key
// from the keystore; kid and alg are written into the header from the
// chosen key. An unmodified, previously signed token is returned as-is.
func (c *Codec) Sign(t *Token) (string, error) {
	if !t.dirty && t.raw != "" {
		return t.raw, nil
	}

	kid, _ := t.header["kid"].(string)
	key, err := c.ks.ChooseSecret(kid, kid == "")
	if err != nil {
		return "", fmt.Errorf("select signing key: %w", err)
	}
	priv, err := key.Record.RSAPrivateKey()
	if err != nil {
		return "", fmt.Errorf("load signing key %s: %w", key.Kid, err)
	}

	method := jwt.GetSigningMethod(key.Alg())
	if method == nil {
		return "", fmt.Errorf("unknown signing method %q for key %s", key.Alg(), key.Kid)
	}

	tok := jwt.NewWithClaims(method, jwt.MapClaims(t.payload))
	for k, v := range t.header {
		if k == "alg" {
			continue
		}
		tok.Header[k] = v
	}
	tok.Header["kid"] = key.Kid

	raw, err := tok.SignedString(priv)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}

	t.header["kid"] = key.Kid
	t.header["alg"] = key.Alg()
	t.raw = raw
	t.dirty = false
	return raw, nil
}

// SignRefresh signs a session-bound refresh token.
func (c *Codec) SignRefresh(claims *RefreshClaims) (string, error) {
	claims.Issuer = c.issuer
	t := New()
	t.SetDefaults(nil, claims.Payload())
	return c.Sign(t)
}

// SignAccess signs an audience-scoped access token.
func (c *Codec) SignAccess(claims *AccessClaims) (string, error) {
	if len(claims.Audiences) == 0 {
		return "", fmt.Errorf("%w: access token needs a non-empty audience", ErrBadAudience)
	}
	claims.Issuer = c.issuer
	t := New()
	t.SetDefaults(nil, claims.Payload())
	return c.Sign(t)
}

// Verify checks the token's signature, validity window, and audience, and
// returns the verified payload. expectedAud empty means the token is
// refresh-class and must not carry an audience at all; otherwise its aud
// must include at least one of the expected values. The verified payload is
// cross-checked against an independent decode of the raw payload segment.
func (c *Codec) Verify(raw string, expectedAud []string) (map[string]any, error) {
	parser := jwt.NewParser(
		jwt.WithValidMethods(validMethods),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(c.leeway),
	)

	claims := jwt.MapClaims{}
	_, err := parser.ParseWithClaims(raw, claims, func(tok *jwt.Token) (any, error) {
		kid, _ := tok.Header["kid"].(string)
		if kid == "" {
			return nil, fmt.Errorf("%w: no kid in header", ErrUnknownKey)
		}
		key, err := c.ks.ChoosePublic(kid)
		if err != nil {
			if errors.Is(err, keystore.ErrNotFound) {
				return nil, fmt.Errorf("%w: %s", ErrUnknownKey, kid)
			}
			return nil, err
		}
		return key.Record.RSAPublicKey()
	})
	if err != nil {
		return nil, classify(err)
	}

	if err := checkAudience(claims, expectedAud); err != nil {
		return nil, err
	}

	unverified, err := decodePayloadSegment(raw)
	if err != nil {
		return nil, err
	}
	if !reflect.DeepEqual(map[string]any(claims), unverified) {
		return nil, ErrInconsistent
	}
	return claims, nil
}

// checkAudience enforces the mandatory audience discrimination.
func checkAudience(claims jwt.MapClaims, expected []string) error {
	aud, err := audienceList(claims["aud"])
	if err != nil {
		return err
	}
	if len(expected) == 0 {
		if _, present := claims["aud"]; present {
			return fmt.Errorf("%w: refresh-class token must not carry aud", ErrBadAudience)
		}
		return nil
	}
	if len(aud) == 0 {
		return fmt.Errorf("%w: aud", ErrMissingClaim)
	}
	for _, want := range expected {
		for _, got := range aud {
			if got == want {
				return nil
			}
		}
	}
	return fmt.Errorf("%w: none of %v granted", ErrBadAudience, expected)
}

// decodePayloadSegment re-parses the unverified payload segment.
func decodePayloadSegment(raw string) (map[string]any, error) {
	parts := strings.Split(raw, ".")
	if len(parts) != 3 {
		return nil, fmt.Errorf("%w: want 3 segments", ErrDecode)
	}
	buf, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, fmt.Errorf("%w: payload segment: %v", ErrDecode, err)
	}
	var payload map[string]any
	if err := json.Unmarshal(buf, &payload); err != nil {
		return nil, fmt.Errorf("%w: payload segment: %v", ErrDecode, err)
	}
	return payload, nil
}

// classify maps jwt library failures onto the codec's sentinels.
func classify(err error) error {
	switch {
	case errors.Is(err, ErrUnknownKey):
		return err
	case errors.Is(err, jwt.ErrTokenExpired):
		return fmt.Errorf("%w: %v", ErrExpired, err)
	case errors.Is(err, jwt.ErrTokenNotValidYet), errors.Is(err, jwt.ErrTokenUsedBeforeIssued):
		return fmt.Errorf("%w: %v", ErrNotYetValid, err)
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return fmt.Errorf("%w: %v", ErrBadSignature, err)
	case errors.Is(err, jwt.ErrTokenRequiredClaimMissing):
		return fmt.Errorf("%w: %v", ErrMissingClaim, err)
	case errors.Is(err, jwt.ErrTokenMalformed):
		return fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return fmt.Errorf("%w: %v", ErrDecode, err)
}

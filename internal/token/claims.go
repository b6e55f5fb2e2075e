package token

import (
	"fmt"
	"time"

	"github.com/shopfed/authcore/internal/model"
)

// Claim names used by the auth core on top of the registered JWT set.
const (
	ClaimProfile    = "profile"
	ClaimPrivStatus = "priv_status"
	ClaimPerms      = "perms"
	ClaimQuota      = "quota"
)

// RefreshClaims is the payload of a session-bound refresh token. It never
// carries an audience.
type RefreshClaims struct {
	ProfileID int64
	Issuer    string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Payload renders the claims as a token payload map.
func (c *RefreshClaims) Payload() map[string]any {
	return map[string]any{
		ClaimProfile: c.ProfileID,
		"iss":        c.Issuer,
		"iat":        c.IssuedAt.Unix(),
		"exp":        c.ExpiresAt.Unix(),
	}
}

// RefreshFromPayload binds a verified refresh payload to a record.
func RefreshFromPayload(p map[string]any) (*RefreshClaims, error) {
	if _, ok := p["aud"]; ok {
		return nil, fmt.Errorf("%w: refresh token carries an audience", ErrBadAudience)
	}
	profile, err := intClaim(p, ClaimProfile)
	if err != nil {
		return nil, err
	}
	iat, err := intClaim(p, "iat")
	if err != nil {
		return nil, err
	}
	exp, err := intClaim(p, "exp")
	if err != nil {
		return nil, err
	}
	iss, _ := p["iss"].(string)
	return &RefreshClaims{
		ProfileID: profile,
		Issuer:    iss,
		IssuedAt:  time.Unix(iat, 0).UTC(),
		ExpiresAt: time.Unix(exp, 0).UTC(),
	}, nil
}

// AccessClaims is the payload of a short-lived audience-scoped access
// token: the profile plus its privilege status, permissions, and quota,
// all restricted to the listed audiences.
type AccessClaims struct {
	ProfileID  int64
	Audiences  []string
	PrivStatus model.PrivilegeStatus
	Perms      []model.Permission
	Quota      []model.QuotaGrant
	Issuer     string
	IssuedAt   time.Time
	ExpiresAt  time.Time
}

// Payload renders the claims as a token payload map.
func (c *AccessClaims) Payload() map[string]any {
	perms := make([]any, 0, len(c.Perms))
	for _, p := range c.Perms {
		perms = append(perms, map[string]any{"app_code": p.AppCode, "codename": p.CodeName})
	}
	quota := make([]any, 0, len(c.Quota))
	for _, q := range c.Quota {
		quota = append(quota, map[string]any{"app_code": q.AppCode, "mat_code": q.MatCode, "maxnum": q.MaxNum})
	}
	aud := make([]any, 0, len(c.Audiences))
	for _, a := range c.Audiences {
		aud = append(aud, a)
	}
	return map[string]any{
		ClaimProfile:    c.ProfileID,
		"aud":           aud,
		ClaimPrivStatus: string(c.PrivStatus),
		ClaimPerms:      perms,
		ClaimQuota:      quota,
		"iss":           c.Issuer,
		"iat":           c.IssuedAt.Unix(),
		"exp":           c.ExpiresAt.Unix(),
	}
}

// AccessFromPayload binds a verified access payload to a record.
func AccessFromPayload(p map[string]any) (*AccessClaims, error) {
	aud, err := audienceList(p["aud"])
	if err != nil {
		return nil, err
	}
	if len(aud) == 0 {
		return nil, fmt.Errorf("%w: aud", ErrMissingClaim)
	}
	profile, err := intClaim(p, ClaimProfile)
	if err != nil {
		return nil, err
	}
	iat, err := intClaim(p, "iat")
	if err != nil {
		return nil, err
	}
	exp, err := intClaim(p, "exp")
	if err != nil {
		return nil, err
	}

	c := &AccessClaims{
		ProfileID: profile,
		Audiences: aud,
		IssuedAt:  time.Unix(iat, 0).UTC(),
		ExpiresAt: time.Unix(exp, 0).UTC(),
	}
	c.Issuer, _ = p["iss"].(string)
	if s, ok := p[ClaimPrivStatus].(string); ok {
		c.PrivStatus = model.PrivilegeStatus(s)
	} else {
		c.PrivStatus = model.PrivNone
	}

	if rawPerms, ok := p[ClaimPerms].([]any); ok {
		for _, raw := range rawPerms {
			m, ok := raw.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("%w: perms entry", ErrDecode)
			}
			app, _ := m["app_code"].(string)
			code, _ := m["codename"].(string)
			c.Perms = append(c.Perms, model.Permission{AppCode: app, CodeName: code})
		}
	}
	if rawQuota, ok := p[ClaimQuota].([]any); ok {
		for _, raw := range rawQuota {
			m, ok := raw.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("%w: quota entry", ErrDecode)
			}
			app, _ := m["app_code"].(string)
			mat, _ := m["mat_code"].(string)
			maxnum, err := toInt(m["maxnum"])
			if err != nil {
				return nil, fmt.Errorf("%w: quota maxnum", ErrDecode)
			}
			c.Quota = append(c.Quota, model.QuotaGrant{AppCode: app, MatCode: mat, MaxNum: maxnum})
		}
	}
	return c, nil
}

// HasPerm reports whether the claims grant (appCode, codename).
func (c *AccessClaims) HasPerm(appCode, codename string) bool {
	for _, p := range c.Perms {
		if p.AppCode == appCode && p.CodeName == codename {
			return true
		}
	}
	return false
}

// audienceList normalizes the aud claim, which may be a single string or a
// list, into a string slice. A nil claim yields an empty list.
func audienceList(v any) ([]string, error) {
	switch aud := v.(type) {
	case nil:
		return nil, nil
	case string:
		return []string{aud}, nil
	case []any:
		out := make([]string, 0, len(aud))
		for _, a := range aud {
			s, ok := a.(string)
			if !ok {
				return nil, fmt.Errorf("%w: aud entries must be strings", ErrDecode)
			}
			out = append(out, s)
		}
		return out, nil
	case []string:
		return aud, nil
	}
	return nil, fmt.Errorf("%w: aud claim type", ErrDecode)
}

func intClaim(p map[string]any, key string) (int64, error) {
	v, ok := p[key]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrMissingClaim, key)
	}
	n, err := toInt(v)
	if err != nil {
		return 0, fmt.Errorf("%w: claim %s", ErrDecode, key)
	}
	return n, nil
}

func toInt(v any) (int64, error) {
	switch n := v.(type) {
	case float64:
		return int64(n), nil
	case int64:
		return n, nil
	case int:
		return int64(n), nil
	}
	return 0, fmt.Errorf("not a number: %T", v)
}

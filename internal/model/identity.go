package model

import "time"

// PrivilegeStatus is the tri-state membership derived from the roles applied
// to a profile, directly or through group membership.
type PrivilegeStatus string

const (
	PrivNone      PrivilegeStatus = "NONE"
	PrivStaff     PrivilegeStatus = "STAFF"
	PrivSuperuser PrivilegeStatus = "SUPERUSER"
)

// Login represents an account that can authenticate against the auth core.
// Passwords are stored as bcrypt hashes.
type Login struct {
	ProfileID    int64      `json:"profile_id" db:"profile_id"`
	Username     string     `json:"username" db:"username"`
	PasswordHash string     `json:"-" db:"password_hash"` // bcrypt hash, never expose
	IsActive     bool       `json:"is_active" db:"is_active"`
	LastLoginAt  *time.Time `json:"last_login_at,omitempty" db:"last_login_at"`
	// PasswordChangedAt invalidates refresh tokens issued before it.
	PasswordChangedAt *time.Time `json:"-" db:"password_changed_at"`
	CreatedAt         time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at" db:"updated_at"`
}

// Role is a named bundle of permissions. Profiles and profile groups are
// bound to roles; two reserved role IDs mark staff and superuser status.
type Role struct {
	ID        int64     `json:"id" db:"id"`
	Name      string    `json:"name" db:"name"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// Permission is an opaque (application code, codename) pair granted through
// a role. The application code scopes the permission to one downstream
// service.
type Permission struct {
	AppCode  string `json:"app_code" db:"app_code"`
	CodeName string `json:"codename" db:"codename"`
}

// QuotaGrant caps a metered resource, identified by (app_code, mat_code),
// for a profile or a profile group.
type QuotaGrant struct {
	AppCode string `json:"app_code" db:"app_code"`
	MatCode string `json:"mat_code" db:"mat_code"`
	MaxNum  int64  `json:"maxnum" db:"maxnum"`
}

// App is a registered downstream service. Its code is the JWT audience
// value; its origins map incoming hosts back to the code on the verify
// side, and its JWKS URL is handed to token-exchange callers.
type App struct {
	Code      string    `json:"code" db:"code"`
	Label     string    `json:"label" db:"label"`
	JWKSURL   string    `json:"jwks_url" db:"jwks_url"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// Group is a node in the profile-group forest. Membership grants a profile
// the roles and quota of the group and of every ancestor group.
type Group struct {
	ID        int64     `json:"id" db:"id"`
	Name      string    `json:"name" db:"name"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// GroupPath is one closure-table row: the shortest path from an ancestor
// group to a descendant group. Every group has a (g, g, 0) self-row.
type GroupPath struct {
	Ancestor   int64 `json:"ancestor" db:"ancestor"`
	Descendant int64 `json:"descendant" db:"descendant"`
	Depth      int   `json:"depth" db:"depth"`
}

// ProfileView is the fully materialized identity handed to downstream
// services: privilege status plus the permission set and quota vector
// scoped to the requested audiences.
type ProfileView struct {
	ProfileID  int64           `json:"profile_id"`
	PrivStatus PrivilegeStatus `json:"priv_status"`
	Perms      []Permission    `json:"perms"`
	Quota      []QuotaGrant    `json:"quota"`
}

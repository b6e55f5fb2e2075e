package identity

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopfed/authcore/internal/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore("")
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func createTestLogin(t *testing.T, s *Store, username, password string, active bool) *model.Login {
	t.Helper()
	hash, err := HashPassword(password)
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	login := &model.Login{Username: username, PasswordHash: hash, IsActive: active}
	if err := s.CreateLogin(context.Background(), login); err != nil {
		t.Fatalf("CreateLogin: %v", err)
	}
	return login
}

func TestCreateAndGetLogin(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	created := createTestLogin(t, s, "alice", "sekrit-pass", true)
	if created.ProfileID == 0 {
		t.Fatal("CreateLogin did not assign a profile id")
	}

	byName, err := s.GetLoginByUsername(ctx, "alice")
	if err != nil {
		t.Fatalf("GetLoginByUsername: %v", err)
	}
	byID, err := s.GetLogin(ctx, created.ProfileID)
	if err != nil {
		t.Fatalf("GetLogin: %v", err)
	}
	if byName.ProfileID != byID.ProfileID || byName.Username != "alice" {
		t.Errorf("lookups disagree: %+v vs %+v", byName, byID)
	}

	if _, err := s.GetLoginByUsername(ctx, "nobody"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetLoginByUsername(nobody) = %v, want ErrNotFound", err)
	}
	if _, err := s.GetLogin(ctx, 9999); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetLogin(9999) = %v, want ErrNotFound", err)
	}
}

func TestListLoginsOmitsPasswordHash(t *testing.T) {
	s := newTestStore(t)
	createTestLogin(t, s, "alice", "sekrit-pass", true)
	createTestLogin(t, s, "bob", "sekrit-pass", false)

	logins, err := s.ListLogins(context.Background())
	if err != nil {
		t.Fatalf("ListLogins: %v", err)
	}
	if len(logins) != 2 {
		t.Fatalf("ListLogins returned %d rows, want 2", len(logins))
	}
	for _, l := range logins {
		if l.PasswordHash != "" {
			t.Errorf("login %s leaks its password hash through listing", l.Username)
		}
	}
}

func TestAuthenticate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	alice := createTestLogin(t, s, "alice", "correct-horse", true)
	createTestLogin(t, s, "locked", "correct-horse", false)

	id, err := s.Authenticate(ctx, "alice", "correct-horse")
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if id != alice.ProfileID {
		t.Errorf("Authenticate returned profile %d, want %d", id, alice.ProfileID)
	}

	// Unknown user, wrong password, and inactive account all collapse to
	// the same opaque failure.
	cases := []struct{ name, user, pass string }{
		{"wrong password", "alice", "wrong"},
		{"unknown user", "nobody", "correct-horse"},
		{"inactive account", "locked", "correct-horse"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := s.Authenticate(ctx, tc.user, tc.pass); !errors.Is(err, ErrAuthFailure) {
				t.Errorf("Authenticate = %v, want ErrAuthFailure", err)
			}
		})
	}
}

func TestUpdatePasswordStampsChangeTime(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	login := createTestLogin(t, s, "alice", "old-password", true)
	if login.PasswordChangedAt != nil {
		t.Fatal("fresh login already carries password_changed_at")
	}

	hash, err := HashPassword("new-password")
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	before := time.Now().UTC().Add(-time.Second)
	if err := s.UpdatePassword(ctx, login.ProfileID, hash); err != nil {
		t.Fatalf("UpdatePassword: %v", err)
	}

	updated, err := s.GetLogin(ctx, login.ProfileID)
	if err != nil {
		t.Fatalf("GetLogin: %v", err)
	}
	if updated.PasswordChangedAt == nil {
		t.Fatal("UpdatePassword did not stamp password_changed_at")
	}
	if updated.PasswordChangedAt.Before(before) {
		t.Errorf("password_changed_at = %v, want at or after %v", updated.PasswordChangedAt, before)
	}

	if _, err := s.Authenticate(ctx, "alice", "new-password"); err != nil {
		t.Errorf("Authenticate with new password: %v", err)
	}
	if _, err := s.Authenticate(ctx, "alice", "old-password"); !errors.Is(err, ErrAuthFailure) {
		t.Errorf("Authenticate with old password = %v, want ErrAuthFailure", err)
	}
}

func TestUpdatePasswordUnknownProfile(t *testing.T) {
	s := newTestStore(t)
	if err := s.UpdatePassword(context.Background(), 12345, "whatever"); !errors.Is(err, ErrNotFound) {
		t.Errorf("UpdatePassword = %v, want ErrNotFound", err)
	}
}

func TestAppRegistry(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, app := range []model.App{
		{Code: "media", Label: "Media service", JWKSURL: "https://auth.example.com/jwks"},
		{Code: "billing", Label: "Billing", JWKSURL: "https://auth.example.com/jwks"},
	} {
		a := app
		if err := s.CreateApp(ctx, &a); err != nil {
			t.Fatalf("CreateApp(%s): %v", app.Code, err)
		}
	}

	got, err := s.GetApp(ctx, "media")
	if err != nil {
		t.Fatalf("GetApp: %v", err)
	}
	if got.JWKSURL != "https://auth.example.com/jwks" {
		t.Errorf("JWKSURL = %q", got.JWKSURL)
	}
	if _, err := s.GetApp(ctx, "ghost"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetApp(ghost) = %v, want ErrNotFound", err)
	}

	apps, err := s.ListApps(ctx)
	if err != nil {
		t.Fatalf("ListApps: %v", err)
	}
	if len(apps) != 2 {
		t.Errorf("ListApps returned %d apps, want 2", len(apps))
	}

	known, err := s.KnownApps(ctx, []string{"media", "ghost", "billing"})
	if err != nil {
		t.Fatalf("KnownApps: %v", err)
	}
	if !known["media"] || !known["billing"] || known["ghost"] {
		t.Errorf("KnownApps = %v", known)
	}

	empty, err := s.KnownApps(ctx, nil)
	if err != nil {
		t.Fatalf("KnownApps(nil): %v", err)
	}
	if len(empty) != 0 {
		t.Errorf("KnownApps(nil) = %v, want empty", empty)
	}
}

func TestRolesAndPermissions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	role, err := s.CreateRole(ctx, "editor")
	if err != nil {
		t.Fatalf("CreateRole: %v", err)
	}
	if role.ID == 0 {
		t.Fatal("CreateRole did not assign an id")
	}
	if err := s.GrantPermission(ctx, role.ID, model.Permission{AppCode: "media", CodeName: "upload_file"}); err != nil {
		t.Fatalf("GrantPermission: %v", err)
	}

	roles, err := s.ListRoles(ctx)
	if err != nil {
		t.Fatalf("ListRoles: %v", err)
	}
	if len(roles) != 1 || roles[0].Name != "editor" {
		t.Errorf("ListRoles = %v", roles)
	}
}

func TestCreateAssignsRowIDs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// Every create path must report the generated id back; the callers
	// (role assignment, group wiring, token claims) key on it.
	first := createTestLogin(t, s, "alice", "password123", true)
	second := createTestLogin(t, s, "bob", "password123", true)
	if first.ProfileID == 0 || second.ProfileID == 0 {
		t.Fatalf("profile ids = %d, %d, want non-zero", first.ProfileID, second.ProfileID)
	}
	if first.ProfileID == second.ProfileID {
		t.Fatalf("both logins got profile id %d", first.ProfileID)
	}

	roleA, err := s.CreateRole(ctx, "editor")
	if err != nil {
		t.Fatalf("CreateRole: %v", err)
	}
	roleB, err := s.CreateRole(ctx, "viewer")
	if err != nil {
		t.Fatalf("CreateRole: %v", err)
	}
	if roleA.ID == 0 || roleA.ID == roleB.ID {
		t.Fatalf("role ids = %d, %d, want distinct non-zero", roleA.ID, roleB.ID)
	}

	group, err := s.CreateGroup(ctx, "staff", nil)
	if err != nil {
		t.Fatalf("CreateGroup: %v", err)
	}
	if group.ID == 0 {
		t.Fatal("CreateGroup did not assign an id")
	}
	fetched, err := s.GetLogin(ctx, second.ProfileID)
	if err != nil {
		t.Fatalf("GetLogin by returned id: %v", err)
	}
	if fetched.Username != "bob" {
		t.Errorf("login for id %d is %q, want bob", second.ProfileID, fetched.Username)
	}
}

package identity

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/shopfed/authcore/internal/model"
)

// Store persists the identity graph: logins, roles, permissions, profile
// groups (closure table), quota grants, and the registry of downstream
// applications. The default backing store is SQLite; postgres (pgx) and
// mysql are supported via DSN for deployments that share an existing
// identity database. Schema migrations run only for the SQLite driver;
// external databases are expected to carry the schema already.
type Store struct {
	db *sqlx.DB
}

// NewStore opens a SQLite-backed store rooted at dataDir. Pass an empty
// string for an in-memory store (used by tests).
func NewStore(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == "" {
		dsn = ":memory:?_journal_mode=WAL"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
		dsn = filepath.Join(dataDir, "authcore.db") + "?_journal_mode=WAL&_busy_timeout=5000"
	}

	db, err := sqlx.Connect("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open identity database: %w", err)
	}
	db.SetMaxOpenConns(1) // SQLite doesn't support concurrent writes

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate identity database: %w", err)
	}
	return s, nil
}

// OpenStore connects to an identity database with an explicit driver
// ("sqlite", "postgres", or "mysql") and DSN.
func OpenStore(driver, dsn string) (*Store, error) {
	driverName := driver
	if driver == "postgres" {
		driverName = "pgx"
	}
	db, err := sqlx.Connect(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("open identity database (%s): %w", driver, err)
	}
	s := &Store{db: db}
	if driver == "sqlite" {
		db.SetMaxOpenConns(1)
		if err := s.migrate(); err != nil {
			return nil, fmt.Errorf("migrate identity database: %w", err)
		}
	}
	return s, nil
}

// insertID runs an INSERT and returns the generated row id. The pgx
// driver does not implement LastInsertId, so on postgres the statement
// gets a RETURNING clause and runs through a row query instead. Works on
// both a DB and a Tx.
func insertID(ctx context.Context, ext sqlx.ExtContext, query, idColumn string, args ...any) (int64, error) {
	if ext.DriverName() == "pgx" {
		var id int64
		q := ext.Rebind(query + " RETURNING " + idColumn)
		if err := sqlx.GetContext(ctx, ext, &id, q, args...); err != nil {
			return 0, err
		}
		return id, nil
	}
	res, err := ext.ExecContext(ctx, ext.Rebind(query), args...)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies the database connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// ---------------------------------------------------------------------------
// Logins
// ---------------------------------------------------------------------------

// CreateLogin inserts a new account. The caller supplies the bcrypt hash;
// raw passwords never reach the store.
func (s *Store) CreateLogin(ctx context.Context, login *model.Login) error {
	now := time.Now().UTC()
	login.CreatedAt = now
	login.UpdatedAt = now

	id, err := insertID(ctx, s.db, `INSERT INTO logins (username, password_hash, is_active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)`, "profile_id", login.Username, login.PasswordHash, login.IsActive, now, now)
	if err != nil {
		return fmt.Errorf("create login: %w", err)
	}
	login.ProfileID = id
	return nil
}

// GetLoginByUsername fetches an account by username.
func (s *Store) GetLoginByUsername(ctx context.Context, username string) (*model.Login, error) {
	var login model.Login
	q := s.db.Rebind(`SELECT * FROM logins WHERE username = ?`)
	if err := s.db.GetContext(ctx, &login, q, username); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get login: %w", err)
	}
	return &login, nil
}

// GetLogin fetches an account by profile ID.
func (s *Store) GetLogin(ctx context.Context, profileID int64) (*model.Login, error) {
	var login model.Login
	q := s.db.Rebind(`SELECT * FROM logins WHERE profile_id = ?`)
	if err := s.db.GetContext(ctx, &login, q, profileID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get login: %w", err)
	}
	return &login, nil
}

// ListLogins returns all accounts, without password hashes.
func (s *Store) ListLogins(ctx context.Context) ([]model.Login, error) {
	var logins []model.Login
	q := `SELECT profile_id, username, '' AS password_hash, is_active, last_login_at, password_changed_at, created_at, updated_at
		FROM logins ORDER BY profile_id`
	if err := s.db.SelectContext(ctx, &logins, q); err != nil {
		return nil, fmt.Errorf("list logins: %w", err)
	}
	return logins, nil
}

// TouchLastLogin records a successful authentication.
func (s *Store) TouchLastLogin(ctx context.Context, profileID int64) error {
	q := s.db.Rebind(`UPDATE logins SET last_login_at = ? WHERE profile_id = ?`)
	_, err := s.db.ExecContext(ctx, q, time.Now().UTC(), profileID)
	return err
}

// UpdatePassword replaces the stored hash and stamps password_changed_at,
// which invalidates refresh tokens issued before the change.
func (s *Store) UpdatePassword(ctx context.Context, profileID int64, passwordHash string) error {
	now := time.Now().UTC()
	q := s.db.Rebind(`UPDATE logins SET password_hash = ?, password_changed_at = ?, updated_at = ? WHERE profile_id = ?`)
	res, err := s.db.ExecContext(ctx, q, passwordHash, now, now, profileID)
	if err != nil {
		return fmt.Errorf("update password: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// ---------------------------------------------------------------------------
// Roles and permissions
// ---------------------------------------------------------------------------

// CreateRole inserts a role.
func (s *Store) CreateRole(ctx context.Context, name string) (*model.Role, error) {
	now := time.Now().UTC()
	id, err := insertID(ctx, s.db, `INSERT INTO roles (name, created_at) VALUES (?, ?)`, "id", name, now)
	if err != nil {
		return nil, fmt.Errorf("create role: %w", err)
	}
	return &model.Role{ID: id, Name: name, CreatedAt: now}, nil
}

// ListRoles returns all roles.
func (s *Store) ListRoles(ctx context.Context) ([]model.Role, error) {
	var roles []model.Role
	if err := s.db.SelectContext(ctx, &roles, `SELECT * FROM roles ORDER BY id`); err != nil {
		return nil, fmt.Errorf("list roles: %w", err)
	}
	return roles, nil
}

// GrantPermission adds an (app_code, codename) pair to a role.
func (s *Store) GrantPermission(ctx context.Context, roleID int64, perm model.Permission) error {
	q := s.db.Rebind(`INSERT INTO role_permissions (role_id, app_code, codename) VALUES (?, ?, ?)`)
	if _, err := s.db.ExecContext(ctx, q, roleID, perm.AppCode, perm.CodeName); err != nil {
		return fmt.Errorf("grant permission: %w", err)
	}
	return nil
}

// AssignRoleToProfile binds a role directly to a profile.
func (s *Store) AssignRoleToProfile(ctx context.Context, profileID, roleID int64) error {
	q := s.db.Rebind(`INSERT INTO profile_roles (profile_id, role_id) VALUES (?, ?)`)
	if _, err := s.db.ExecContext(ctx, q, profileID, roleID); err != nil {
		return fmt.Errorf("assign role to profile: %w", err)
	}
	return nil
}

// AssignRoleToGroup binds a role to a profile group. Every profile in the
// group's subtree inherits it.
func (s *Store) AssignRoleToGroup(ctx context.Context, groupID, roleID int64) error {
	q := s.db.Rebind(`INSERT INTO group_roles (group_id, role_id) VALUES (?, ?)`)
	if _, err := s.db.ExecContext(ctx, q, groupID, roleID); err != nil {
		return fmt.Errorf("assign role to group: %w", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Quota grants
// ---------------------------------------------------------------------------

// Subject types for quota grants.
const (
	SubjectProfile = "profile"
	SubjectGroup   = "group"
)

// GrantQuota caps a quota material for a profile or group.
func (s *Store) GrantQuota(ctx context.Context, subjectType string, subjectID int64, grant model.QuotaGrant) error {
	q := s.db.Rebind(`INSERT INTO quota_grants (subject_type, subject_id, app_code, mat_code, maxnum)
		VALUES (?, ?, ?, ?, ?)`)
	if _, err := s.db.ExecContext(ctx, q, subjectType, subjectID, grant.AppCode, grant.MatCode, grant.MaxNum); err != nil {
		return fmt.Errorf("grant quota: %w", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Application registry
// ---------------------------------------------------------------------------

// CreateApp registers a downstream application.
func (s *Store) CreateApp(ctx context.Context, app *model.App) error {
	app.CreatedAt = time.Now().UTC()
	q := s.db.Rebind(`INSERT INTO apps (code, label, jwks_url, created_at) VALUES (?, ?, ?, ?)`)
	if _, err := s.db.ExecContext(ctx, q, app.Code, app.Label, app.JWKSURL, app.CreatedAt); err != nil {
		return fmt.Errorf("create app: %w", err)
	}
	return nil
}

// GetApp fetches one registered application by code.
func (s *Store) GetApp(ctx context.Context, code string) (*model.App, error) {
	var app model.App
	q := s.db.Rebind(`SELECT * FROM apps WHERE code = ?`)
	if err := s.db.GetContext(ctx, &app, q, code); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get app: %w", err)
	}
	return &app, nil
}

// ListApps returns all registered applications.
func (s *Store) ListApps(ctx context.Context) ([]model.App, error) {
	var apps []model.App
	if err := s.db.SelectContext(ctx, &apps, `SELECT * FROM apps ORDER BY code`); err != nil {
		return nil, fmt.Errorf("list apps: %w", err)
	}
	return apps, nil
}

// KnownApps reports which of the given codes are registered.
func (s *Store) KnownApps(ctx context.Context, codes []string) (map[string]bool, error) {
	known := make(map[string]bool, len(codes))
	if len(codes) == 0 {
		return known, nil
	}
	query, args, err := sqlx.In(`SELECT code FROM apps WHERE code IN (?)`, codes)
	if err != nil {
		return nil, fmt.Errorf("known apps: %w", err)
	}
	var found []string
	if err := s.db.SelectContext(ctx, &found, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("known apps: %w", err)
	}
	for _, code := range found {
		known[code] = true
	}
	return known, nil
}

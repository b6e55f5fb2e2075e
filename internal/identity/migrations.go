package identity

import (
	"fmt"
	"strings"
)

func (s *Store) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS logins (
			profile_id INTEGER PRIMARY KEY AUTOINCREMENT,
			username TEXT UNIQUE NOT NULL,
			password_hash TEXT NOT NULL,
			is_active INTEGER NOT NULL DEFAULT 1,
			last_login_at DATETIME,
			password_changed_at DATETIME,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,

		`CREATE TABLE IF NOT EXISTS roles (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT UNIQUE NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,

		`CREATE TABLE IF NOT EXISTS role_permissions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			role_id INTEGER NOT NULL REFERENCES roles(id) ON DELETE CASCADE,
			app_code TEXT NOT NULL,
			codename TEXT NOT NULL,
			UNIQUE(role_id, app_code, codename)
		)`,

		`CREATE TABLE IF NOT EXISTS profile_roles (
			profile_id INTEGER NOT NULL,
			role_id INTEGER NOT NULL REFERENCES roles(id) ON DELETE CASCADE,
			UNIQUE(profile_id, role_id)
		)`,

		`CREATE TABLE IF NOT EXISTS grps (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL,
			deleted INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,

		`CREATE TABLE IF NOT EXISTS group_profiles (
			group_id INTEGER NOT NULL REFERENCES grps(id),
			profile_id INTEGER NOT NULL,
			UNIQUE(group_id, profile_id)
		)`,

		`CREATE TABLE IF NOT EXISTS group_roles (
			group_id INTEGER NOT NULL REFERENCES grps(id),
			role_id INTEGER NOT NULL REFERENCES roles(id) ON DELETE CASCADE,
			UNIQUE(group_id, role_id)
		)`,

		`CREATE TABLE IF NOT EXISTS group_paths (
			ancestor INTEGER NOT NULL,
			descendant INTEGER NOT NULL,
			depth INTEGER NOT NULL,
			UNIQUE(ancestor, descendant)
		)`,

		`CREATE TABLE IF NOT EXISTS quota_grants (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			subject_type TEXT NOT NULL CHECK(subject_type IN ('profile', 'group')),
			subject_id INTEGER NOT NULL,
			app_code TEXT NOT NULL,
			mat_code TEXT NOT NULL,
			maxnum INTEGER NOT NULL,
			UNIQUE(subject_type, subject_id, app_code, mat_code)
		)`,

		`CREATE TABLE IF NOT EXISTS apps (
			code TEXT PRIMARY KEY,
			label TEXT NOT NULL DEFAULT '',
			jwks_url TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,

		`CREATE INDEX IF NOT EXISTS idx_group_paths_descendant ON group_paths(descendant)`,
		`CREATE INDEX IF NOT EXISTS idx_group_paths_ancestor ON group_paths(ancestor)`,
		`CREATE INDEX IF NOT EXISTS idx_role_permissions_role ON role_permissions(role_id)`,
		`CREATE INDEX IF NOT EXISTS idx_quota_grants_subject ON quota_grants(subject_type, subject_id)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			// ALTER TABLE ADD COLUMN fails if the column already exists;
			// treat "duplicate column" as a no-op for idempotent migrations.
			if strings.Contains(err.Error(), "duplicate column") {
				continue
			}
			return fmt.Errorf("migration failed: %w\nSQL: %s", err, m)
		}
	}
	return nil
}

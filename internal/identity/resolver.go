package identity

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/shopfed/authcore/internal/model"
)

// Resolver materializes a verified token's profile claim into privilege
// status, permissions, and quota, scoped to an audience set. Two reserved
// role IDs mark superuser and staff membership.
type Resolver struct {
	store           *Store
	superuserRoleID int64
	staffRoleID     int64
}

// NewResolver creates a resolver bound to the identity store.
func NewResolver(store *Store, superuserRoleID, staffRoleID int64) *Resolver {
	return &Resolver{store: store, superuserRoleID: superuserRoleID, staffRoleID: staffRoleID}
}

// ProfileView assembles the full identity of a profile restricted to the
// given audiences: privilege status, the deduplicated permission union
// over direct and group-inherited roles, and the per-material maximum
// quota over every grant reaching the profile.
func (r *Resolver) ProfileView(ctx context.Context, profileID int64, audiences []string) (*model.ProfileView, error) {
	roleIDs, err := r.appliedRoleIDs(ctx, profileID)
	if err != nil {
		return nil, err
	}

	view := &model.ProfileView{
		ProfileID:  profileID,
		PrivStatus: r.statusFromRoles(roleIDs),
		Perms:      []model.Permission{},
		Quota:      []model.QuotaGrant{},
	}
	if len(audiences) == 0 {
		return view, nil
	}

	if len(roleIDs) > 0 {
		query, args, err := sqlx.In(`SELECT DISTINCT app_code, codename FROM role_permissions
			WHERE role_id IN (?) AND app_code IN (?)
			ORDER BY app_code, codename`, roleIDs, audiences)
		if err != nil {
			return nil, fmt.Errorf("resolve permissions: %w", err)
		}
		if err := r.store.db.SelectContext(ctx, &view.Perms, r.store.db.Rebind(query), args...); err != nil {
			return nil, fmt.Errorf("resolve permissions: %w", err)
		}
	}

	query, args, err := sqlx.In(`SELECT app_code, mat_code, MAX(maxnum) AS maxnum FROM quota_grants
		WHERE ((subject_type = 'profile' AND subject_id = ?)
		   OR (subject_type = 'group' AND subject_id IN (
				SELECT p.ancestor FROM group_profiles gp
				  JOIN group_paths p ON p.descendant = gp.group_id
				  JOIN grps g ON g.id = p.ancestor AND g.deleted = 0
				 WHERE gp.profile_id = ?)))
		  AND app_code IN (?)
		GROUP BY app_code, mat_code
		ORDER BY app_code, mat_code`, profileID, profileID, audiences)
	if err != nil {
		return nil, fmt.Errorf("resolve quota: %w", err)
	}
	if err := r.store.db.SelectContext(ctx, &view.Quota, r.store.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("resolve quota: %w", err)
	}

	return view, nil
}

// PrivilegeStatus derives the tri-state status from the roles applied to
// the profile, directly or through group ancestry.
func (r *Resolver) PrivilegeStatus(ctx context.Context, profileID int64) (model.PrivilegeStatus, error) {
	roleIDs, err := r.appliedRoleIDs(ctx, profileID)
	if err != nil {
		return model.PrivNone, err
	}
	return r.statusFromRoles(roleIDs), nil
}

func (r *Resolver) statusFromRoles(roleIDs []int64) model.PrivilegeStatus {
	status := model.PrivNone
	for _, id := range roleIDs {
		switch id {
		case r.superuserRoleID:
			return model.PrivSuperuser
		case r.staffRoleID:
			status = model.PrivStaff
		}
	}
	return status
}

// appliedRoleIDs returns the union of the profile's direct roles and the
// roles bound to any ancestor of any group the profile belongs to. Group
// ancestry is a single closure-table lookup, no recursion.
func (r *Resolver) appliedRoleIDs(ctx context.Context, profileID int64) ([]int64, error) {
	var roleIDs []int64
	q := r.store.db.Rebind(`
		SELECT role_id FROM profile_roles WHERE profile_id = ?
		UNION
		SELECT gr.role_id FROM group_profiles gp
		  JOIN group_paths p ON p.descendant = gp.group_id
		  JOIN group_roles gr ON gr.group_id = p.ancestor
		  JOIN grps g ON g.id = p.ancestor AND g.deleted = 0
		 WHERE gp.profile_id = ?`)
	if err := r.store.db.SelectContext(ctx, &roleIDs, q, profileID, profileID); err != nil {
		return nil, fmt.Errorf("applied roles: %w", err)
	}
	return roleIDs, nil
}

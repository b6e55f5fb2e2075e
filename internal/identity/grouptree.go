package identity

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/shopfed/authcore/internal/model"
)

// The profile-group forest is stored as a closure table: one row per
// (ancestor, descendant) pair with the shortest-path depth, including a
// depth-0 self-row for every group. Ancestor and descendant lookups are
// single queries; no recursive SQL.

// CreateGroup inserts a group under the given parent (nil for a root).
// Exactly the new self-row plus one row per ancestor of the parent is
// added, each with the ancestor's depth plus one.
func (s *Store) CreateGroup(ctx context.Context, name string, parentID *int64) (*model.Group, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("create group: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	id, err := insertID(ctx, tx, `INSERT INTO grps (name, created_at) VALUES (?, ?)`, "id", name, now)
	if err != nil {
		return nil, fmt.Errorf("create group: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		tx.Rebind(`INSERT INTO group_paths (ancestor, descendant, depth) VALUES (?, ?, 0)`), id, id); err != nil {
		return nil, fmt.Errorf("create group self-row: %w", err)
	}
	if parentID != nil {
		if _, err := tx.ExecContext(ctx, tx.Rebind(`
			INSERT INTO group_paths (ancestor, descendant, depth)
			SELECT ancestor, ?, depth + 1 FROM group_paths WHERE descendant = ?`), id, *parentID); err != nil {
			return nil, fmt.Errorf("create group ancestry: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("create group: %w", err)
	}
	return &model.Group{ID: id, Name: name, CreatedAt: now}, nil
}

// AddProfileToGroup records group membership for a profile.
func (s *Store) AddProfileToGroup(ctx context.Context, groupID, profileID int64) error {
	q := s.db.Rebind(`INSERT INTO group_profiles (group_id, profile_id) VALUES (?, ?)`)
	if _, err := s.db.ExecContext(ctx, q, groupID, profileID); err != nil {
		return fmt.Errorf("add profile to group: %w", err)
	}
	return nil
}

// Ancestors returns the closure paths ending at groupID, self-row
// included. A missing self-row is data corruption.
func (s *Store) Ancestors(ctx context.Context, groupID int64) ([]model.GroupPath, error) {
	var paths []model.GroupPath
	q := s.db.Rebind(`SELECT ancestor, descendant, depth FROM group_paths
		WHERE descendant = ? ORDER BY depth`)
	if err := s.db.SelectContext(ctx, &paths, q, groupID); err != nil {
		return nil, fmt.Errorf("group ancestors: %w", err)
	}
	if len(paths) > 0 && paths[0].Depth != 0 {
		return nil, fmt.Errorf("%w: group %d has no self-row", ErrCorrupt, groupID)
	}
	return paths, nil
}

// Descendants returns the closure paths starting at groupID, self-row
// included.
func (s *Store) Descendants(ctx context.Context, groupID int64) ([]model.GroupPath, error) {
	var paths []model.GroupPath
	q := s.db.Rebind(`SELECT ancestor, descendant, depth FROM group_paths
		WHERE ancestor = ? ORDER BY depth`)
	if err := s.db.SelectContext(ctx, &paths, q, groupID); err != nil {
		return nil, fmt.Errorf("group descendants: %w", err)
	}
	if len(paths) > 0 && paths[0].Depth != 0 {
		return nil, fmt.Errorf("%w: group %d has no self-row", ErrCorrupt, groupID)
	}
	return paths, nil
}

// Removal is the change-set produced by a group soft-delete: every closure
// path that ran through the deleted node, plus a snapshot of the parent's
// ancestry taken at delete time. Recover re-applies the paths only while
// that snapshot still holds.
type Removal struct {
	GroupID         int64
	Paths           []model.GroupPath
	ParentAncestors []model.GroupPath
}

// DeleteGroup soft-deletes a group: it marks the group deleted and removes
// every closure path through it (ancestors-of-node x descendants-of-node).
// Paths internal to the detached child subtrees survive. The returned
// Removal can be handed to Recover.
func (s *Store) DeleteGroup(ctx context.Context, groupID int64) (*Removal, error) {
	ancestors, err := s.Ancestors(ctx, groupID)
	if err != nil {
		return nil, err
	}
	if len(ancestors) == 0 {
		return nil, fmt.Errorf("%w: group %d", ErrNotFound, groupID)
	}

	// Snapshot the parent's ancestry for the recover intactness check.
	var parentAncestors []model.GroupPath
	for _, p := range ancestors {
		if p.Depth == 1 {
			parentAncestors, err = s.Ancestors(ctx, p.Ancestor)
			if err != nil {
				return nil, err
			}
			break
		}
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("delete group: %w", err)
	}
	defer tx.Rollback()

	var removed []model.GroupPath
	q := tx.Rebind(`SELECT ancestor, descendant, depth FROM group_paths
		WHERE ancestor IN (SELECT ancestor FROM group_paths WHERE descendant = ?)
		  AND descendant IN (SELECT descendant FROM group_paths WHERE ancestor = ?)`)
	if err := tx.SelectContext(ctx, &removed, q, groupID, groupID); err != nil {
		return nil, fmt.Errorf("delete group paths: %w", err)
	}

	q = tx.Rebind(`DELETE FROM group_paths
		WHERE ancestor IN (SELECT ancestor FROM group_paths WHERE descendant = ?)
		  AND descendant IN (SELECT descendant FROM group_paths WHERE ancestor = ?)`)
	if _, err := tx.ExecContext(ctx, q, groupID, groupID); err != nil {
		return nil, fmt.Errorf("delete group paths: %w", err)
	}

	if _, err := tx.ExecContext(ctx, tx.Rebind(`UPDATE grps SET deleted = 1 WHERE id = ?`), groupID); err != nil {
		return nil, fmt.Errorf("mark group deleted: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("delete group: %w", err)
	}
	return &Removal{GroupID: groupID, Paths: removed, ParentAncestors: parentAncestors}, nil
}

// Recover re-applies a soft-delete change-set. The subtree is rewired only
// when the parent position is structurally intact; if the parent's
// ancestry changed since the delete, the stale paths are permanently
// evicted and ErrStalePaths is returned.
func (s *Store) Recover(ctx context.Context, removal *Removal) error {
	if len(removal.ParentAncestors) > 0 {
		current, err := s.Ancestors(ctx, removal.ParentAncestors[0].Descendant)
		if err != nil {
			return err
		}
		if !samePaths(current, removal.ParentAncestors) {
			return fmt.Errorf("%w: parent of group %d moved", ErrStalePaths, removal.GroupID)
		}
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("recover group: %w", err)
	}
	defer tx.Rollback()

	insert := tx.Rebind(`INSERT INTO group_paths (ancestor, descendant, depth) VALUES (?, ?, ?)`)
	for _, p := range removal.Paths {
		if _, err := tx.ExecContext(ctx, insert, p.Ancestor, p.Descendant, p.Depth); err != nil {
			return fmt.Errorf("recover group path (%d,%d): %w", p.Ancestor, p.Descendant, err)
		}
	}
	if _, err := tx.ExecContext(ctx, tx.Rebind(`UPDATE grps SET deleted = 0 WHERE id = ?`), removal.GroupID); err != nil {
		return fmt.Errorf("unmark group deleted: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("recover group: %w", err)
	}
	return nil
}

func samePaths(a, b []model.GroupPath) bool {
	if len(a) != len(b) {
		return false
	}
	key := func(p model.GroupPath) string {
		return fmt.Sprintf("%d/%d/%d", p.Ancestor, p.Descendant, p.Depth)
	}
	ak := make([]string, len(a))
	bk := make([]string, len(b))
	for i := range a {
		ak[i] = key(a[i])
		bk[i] = key(b[i])
	}
	sort.Strings(ak)
	sort.Strings(bk)
	for i := range ak {
		if ak[i] != bk[i] {
			return false
		}
	}
	return true
}

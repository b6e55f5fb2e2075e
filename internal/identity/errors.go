package identity

import "errors"

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrAuthFailure is the single opaque login failure. It deliberately
	// does not reveal which of username, password, or account status was
	// wrong.
	ErrAuthFailure = errors.New("authentication failed")
	// ErrCorrupt signals a closure-table structural violation, such as a
	// missing self-row.
	ErrCorrupt = errors.New("group tree corrupt")
	// ErrStalePaths is returned by Recover when the parent position moved
	// after the delete; the change-set is permanently evicted.
	ErrStalePaths = errors.New("removed paths are stale")
)

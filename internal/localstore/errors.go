package localstore

import "errors"

var (
	// ErrNotFound is returned when a keyed lookup (schedule id, backup
	// id) matches no row.
	ErrNotFound = errors.New("localstore: not found")
)

package storage

import "errors"

// Sentinel errors every backend maps its native failures onto. Services and
// the HTTP layer branch on these with errors.Is; backend-specific errors
// (pq codes, sql.ErrNoRows) never escape the storage packages.
var (
	// ErrNotFound reports that a referenced row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict reports that a write violated a uniqueness invariant
	// (duplicate wallet, duplicate external agent id, duplicate ownership
	// pair). A conditional insert losing a race surfaces as ErrConflict,
	// never as a second row.
	ErrConflict = errors.New("conflict")
)

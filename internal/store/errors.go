package store

import "errors"

// ErrNotFound indicates the requested project, tab, block, or asset does not exist.
var ErrNotFound = errors.New("not found")

// ErrVersionConflict indicates a mutation carried a stale expected version.
// Callers reload the block and retry; this is how concurrent edits to the
// same block are serialized without locking.
var ErrVersionConflict = errors.New("version conflict")

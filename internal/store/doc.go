// Package store persists the versioned content graph in SQLite.
//
// The Store manages projects, tabs, blocks, block-asset links, asset
// metadata rows, and the append-only history ledger. Every block mutation
// commits its history entry, version bump, and downstream invalidation in a
// single transaction; concurrent edits are serialized through optimistic
// expected-version checks rather than locks.
//
// Blocks and history rows are never physically deleted. Deletion is the
// archived tag, which preserves referential integrity for dependency edges
// and keeps the audit trail intact. Schema changes bump the version in
// schema.go; the database refuses to open on a mismatch.
package store

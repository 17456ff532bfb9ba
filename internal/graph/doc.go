// Package graph manages directed dependency edges between blocks and
// propagates staleness when upstream blocks change.
//
// Edges point from a source block to the blocks that depend on it; the edge
// set is kept a DAG by rejecting any insert that would close a cycle.
// Invalidation is a breadth-first walk over outgoing edges that tags every
// reached block needs_regen exactly once per call, so repeated invalidation
// stays bounded by O(vertices + edges).
//
// The Tx variants operate on a caller-supplied transaction so the entity
// store can commit an edit and its downstream invalidation atomically.
package graph

package graph

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"
)

// TagNeedsRegen marks a block whose upstream inputs changed since it was
// last generated or edited. Invalidation sets it; only editing or
// regenerating that exact block clears it.
const TagNeedsRegen = "needs_regen"

// ErrCycle indicates an edge insert would violate the DAG property.
var ErrCycle = errors.New("dependency cycle")

// ErrNotFound indicates a referenced block does not exist.
var ErrNotFound = errors.New("block not found")

// Edge is a directed dependency: Dst depends on Src.
type Edge struct {
	Src  int64
	Dst  int64
	Type string
}

// DBTX is the subset of database/sql operations the graph needs, satisfied
// by both *sql.DB and *sql.Tx.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Manager exposes dependency-graph operations over the shared project database.
type Manager struct {
	db  *sql.DB
	log *slog.Logger
}

// NewManager constructs a Manager on the store's database handle.
func NewManager(db *sql.DB, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{db: db, log: logger}
}

// AddDependency inserts the edge src -> dst, meaning dst depends on src.
// The insert is rejected with ErrCycle when src is already reachable from
// dst, which would make invalidation non-terminating. The check and insert
// run in one transaction so the graph is never observed mid-change.
func (m *Manager) AddDependency(ctx context.Context, src, dst int64, depType string) error {
	if src == dst {
		return fmt.Errorf("edge %d -> %d: %w", src, dst, ErrCycle)
	}

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, id := range []int64{src, dst} {
		if err := blockExists(ctx, tx, id); err != nil {
			return err
		}
	}

	reachable, err := reachable(ctx, tx, dst, src)
	if err != nil {
		return err
	}
	if reachable {
		return fmt.Errorf("edge %d -> %d: %w", src, dst, ErrCycle)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO dependencies (src_block_id, dst_block_id, type) VALUES (?, ?, ?)`,
		src, dst, depType,
	); err != nil {
		return fmt.Errorf("insert edge: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit edge: %w", err)
	}
	return nil
}

// RemoveDependency deletes the edge src -> dst if present.
func (m *Manager) RemoveDependency(ctx context.Context, src, dst int64) error {
	if _, err := m.db.ExecContext(ctx,
		`DELETE FROM dependencies WHERE src_block_id = ? AND dst_block_id = ?`, src, dst); err != nil {
		return fmt.Errorf("delete edge: %w", err)
	}
	return nil
}

// Dependencies returns the outgoing edges of src (the blocks depending on it).
func (m *Manager) Dependencies(ctx context.Context, src int64) ([]Edge, error) {
	return queryEdges(ctx, m.db,
		`SELECT src_block_id, dst_block_id, type FROM dependencies WHERE src_block_id = ? ORDER BY dst_block_id`, src)
}

// Dependents returns the incoming edges of dst (the blocks it depends on).
func (m *Manager) Dependents(ctx context.Context, dst int64) ([]Edge, error) {
	return queryEdges(ctx, m.db,
		`SELECT src_block_id, dst_block_id, type FROM dependencies WHERE dst_block_id = ? ORDER BY src_block_id`, dst)
}

// Invalidate tags every block reachable from src needs_regen and returns the
// number of blocks newly tagged.
func (m *Manager) Invalidate(ctx context.Context, src int64) (int, error) {
	var tagged int
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	tagged, err = InvalidateTx(ctx, tx, src)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit invalidation: %w", err)
	}
	if tagged > 0 {
		m.log.Debug("invalidated downstream blocks", "source", src, "tagged", tagged)
	}
	return tagged, nil
}

// Resolve clears needs_regen on exactly the given block. Clearing one
// block's flag never implicitly clears any other.
func (m *Manager) Resolve(ctx context.Context, blockID int64) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := ResolveTx(ctx, tx, blockID); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit resolve: %w", err)
	}
	return nil
}

// InvalidateTx runs invalidation inside the caller's transaction. Blocks
// already tagged needs_regen are not re-enqueued, which both makes repeated
// invalidation idempotent and bounds each call to one visit per block.
func InvalidateTx(ctx context.Context, tx DBTX, src int64) (int, error) {
	tagged := 0
	visited := map[int64]struct{}{src: {}}
	queue := []int64{src}

	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]

		edges, err := queryEdges(ctx, tx,
			`SELECT src_block_id, dst_block_id, type FROM dependencies WHERE src_block_id = ?`, current)
		if err != nil {
			return tagged, err
		}
		for _, edge := range edges {
			if _, seen := visited[edge.Dst]; seen {
				continue
			}
			visited[edge.Dst] = struct{}{}

			changed, err := addTag(ctx, tx, edge.Dst, TagNeedsRegen)
			if err != nil {
				return tagged, err
			}
			if !changed {
				// Already stale; its downstream was tagged when it was.
				continue
			}
			tagged++
			queue = append(queue, edge.Dst)
		}
	}
	return tagged, nil
}

// ResolveTx clears needs_regen on the given block inside the caller's transaction.
func ResolveTx(ctx context.Context, tx DBTX, blockID int64) error {
	tags, err := readTags(ctx, tx, blockID)
	if err != nil {
		return err
	}
	if !slices.Contains(tags, TagNeedsRegen) {
		return nil
	}
	next := make([]string, 0, len(tags)-1)
	for _, tag := range tags {
		if tag != TagNeedsRegen {
			next = append(next, tag)
		}
	}
	return writeTags(ctx, tx, blockID, next)
}

func reachable(ctx context.Context, tx DBTX, from, to int64) (bool, error) {
	visited := map[int64]struct{}{from: {}}
	queue := []int64{from}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		if current == to {
			return true, nil
		}
		edges, err := queryEdges(ctx, tx,
			`SELECT src_block_id, dst_block_id, type FROM dependencies WHERE src_block_id = ?`, current)
		if err != nil {
			return false, err
		}
		for _, edge := range edges {
			if _, seen := visited[edge.Dst]; seen {
				continue
			}
			visited[edge.Dst] = struct{}{}
			queue = append(queue, edge.Dst)
		}
	}
	return false, nil
}

func queryEdges(ctx context.Context, tx DBTX, query string, args ...any) ([]Edge, error) {
	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query edges: %w", err)
	}
	defer rows.Close()

	var edges []Edge
	for rows.Next() {
		var edge Edge
		if err := rows.Scan(&edge.Src, &edge.Dst, &edge.Type); err != nil {
			return nil, err
		}
		edges = append(edges, edge)
	}
	return edges, rows.Err()
}

func blockExists(ctx context.Context, tx DBTX, id int64) error {
	var found int64
	err := tx.QueryRowContext(ctx, `SELECT id FROM blocks WHERE id = ?`, id).Scan(&found)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("block %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("check block: %w", err)
	}
	return nil
}

func readTags(ctx context.Context, tx DBTX, blockID int64) ([]string, error) {
	var raw string
	err := tx.QueryRowContext(ctx, `SELECT tags FROM blocks WHERE id = ?`, blockID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("block %d: %w", blockID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("read tags: %w", err)
	}
	var tags []string
	if raw != "" {
		if err := json.Unmarshal([]byte(raw), &tags); err != nil {
			return nil, fmt.Errorf("decode tags: %w", err)
		}
	}
	return tags, nil
}

func writeTags(ctx context.Context, tx DBTX, blockID int64, tags []string) error {
	if tags == nil {
		tags = []string{}
	}
	encoded, err := json.Marshal(tags)
	if err != nil {
		return fmt.Errorf("encode tags: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE blocks SET tags = ?, updated_at = ? WHERE id = ?`,
		string(encoded), time.Now().UTC().Format(time.RFC3339Nano), blockID,
	); err != nil {
		return fmt.Errorf("write tags: %w", err)
	}
	return nil
}

func addTag(ctx context.Context, tx DBTX, blockID int64, tag string) (bool, error) {
	tags, err := readTags(ctx, tx, blockID)
	if err != nil {
		return false, err
	}
	if slices.Contains(tags, tag) {
		return false, nil
	}
	return true, writeTags(ctx, tx, blockID, append(tags, tag))
}

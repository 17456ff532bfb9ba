package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"storyforge/internal/graph"
)

// ErrNothingToUndo indicates the block's ledger holds no restorable prior state.
var ErrNothingToUndo = errors.New("nothing to undo")

// History returns a block's ledger entries, newest first.
func (s *Store) History(ctx context.Context, blockID int64) ([]*HistoryEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, block_id, action, payload, created_at FROM history WHERE block_id = ? ORDER BY id DESC`,
		blockID)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var entries []*HistoryEntry
	for rows.Next() {
		entry, err := scanHistory(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// Undo restores the block's content and tags from the most recent prior
// ledger entry. History is additive: the restoration itself is recorded as
// a new undo entry and bumps the version; nothing is rewritten.
func (s *Store) Undo(ctx context.Context, blockID int64) (*Block, error) {
	var block *Block
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		current, err := getBlockTx(ctx, tx, blockID)
		if err != nil {
			return err
		}

		restored, found, err := previousState(ctx, tx, blockID, current)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("block %d: %w", blockID, ErrNothingToUndo)
		}

		encoded, err := encodeTags(restored.tags)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE blocks SET content = ?, tags = ?, version = version + 1, updated_at = ? WHERE id = ?`,
			restored.content, encoded, time.Now().UTC().Format(time.RFC3339Nano), blockID,
		); err != nil {
			return fmt.Errorf("restore block: %w", err)
		}

		if err := appendHistoryTx(ctx, tx, blockID, ActionUndo, HistoryPayload{
			OldContent: current.Content,
			Content:    restored.content,
			OldTags:    current.Tags,
			Tags:       restored.tags,
		}); err != nil {
			return err
		}
		if _, err := graph.InvalidateTx(ctx, tx, blockID); err != nil {
			return err
		}
		block, err = getBlockTx(ctx, tx, blockID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return block, nil
}

// Branch deep-copies a block and its descendant subtree under fresh
// identifiers. Clones start at version 1 with a branch ledger entry naming
// their source; the source block and its history are untouched. The copy is
// built through a fresh id index, never aliasing the source subtree.
func (s *Store) Branch(ctx context.Context, blockID int64) (*Block, error) {
	var block *Block
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		root, err := getBlockTx(ctx, tx, blockID)
		if err != nil {
			return err
		}

		// Breadth-first over parent links so every parent is cloned before
		// its children and child links can be rebuilt in the clone index.
		subtree := []*Block{root}
		for cursor := 0; cursor < len(subtree); cursor++ {
			children, err := childrenTx(ctx, tx, subtree[cursor].ID)
			if err != nil {
				return err
			}
			subtree = append(subtree, children...)
		}

		now := time.Now().UTC().Format(time.RFC3339Nano)
		cloneIDs := make(map[int64]int64, len(subtree))
		for _, src := range subtree {
			parentID := src.ParentID
			if src.ID != root.ID {
				parentID = cloneIDs[src.ParentID]
			}
			encoded, err := encodeTags(src.Tags)
			if err != nil {
				return err
			}
			res, err := tx.ExecContext(ctx,
				`INSERT INTO blocks (tab_id, parent_id, type, content, tags, version, created_at, updated_at)
                 VALUES (?, ?, ?, ?, ?, 1, ?, ?)`,
				src.TabID, nullableID(parentID), string(src.Type), src.Content, encoded, now, now,
			)
			if err != nil {
				return fmt.Errorf("clone block %d: %w", src.ID, err)
			}
			cloneID, err := res.LastInsertId()
			if err != nil {
				return fmt.Errorf("last insert id: %w", err)
			}
			cloneIDs[src.ID] = cloneID

			if err := appendHistoryTx(ctx, tx, cloneID, ActionBranch, HistoryPayload{
				Content:  src.Content,
				Tags:     src.Tags,
				SourceID: src.ID,
			}); err != nil {
				return err
			}
		}

		block, err = getBlockTx(ctx, tx, cloneIDs[root.ID])
		return err
	})
	if err != nil {
		return nil, err
	}
	return block, nil
}

type blockState struct {
	content string
	tags    TagSet
}

// previousState walks the ledger newest-first and reconstructs the state
// before the latest mutation. Entries that snapshot an old value (edit,
// tag_change, undo, text ai_generate) yield it directly; a bare create has
// nothing before it.
func previousState(ctx context.Context, tx graph.DBTX, blockID int64, current *Block) (blockState, bool, error) {
	rows, err := tx.QueryContext(ctx,
		`SELECT id, block_id, action, payload, created_at FROM history WHERE block_id = ? ORDER BY id DESC`,
		blockID)
	if err != nil {
		return blockState{}, false, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		entry, err := scanHistory(rows)
		if err != nil {
			return blockState{}, false, err
		}
		switch entry.Action {
		case ActionEdit, ActionUndo, ActionAIGenerate:
			if entry.Payload.Content == "" && entry.Payload.OldContent == "" && entry.Payload.OldTags == nil {
				continue
			}
			state := blockState{content: entry.Payload.OldContent, tags: current.Tags.Clone()}
			if entry.Payload.OldTags != nil {
				state.tags = NewTagSet(entry.Payload.OldTags...)
			}
			return state, true, nil
		case ActionTagChange:
			return blockState{
				content: current.Content,
				tags:    NewTagSet(entry.Payload.OldTags...),
			}, true, nil
		case ActionCreate, ActionBranch:
			return blockState{}, false, rows.Err()
		}
	}
	return blockState{}, false, rows.Err()
}

func childrenTx(ctx context.Context, tx graph.DBTX, parentID int64) ([]*Block, error) {
	rows, err := tx.QueryContext(ctx,
		`SELECT `+blockColumns+` FROM blocks WHERE parent_id = ? ORDER BY id`, parentID)
	if err != nil {
		return nil, fmt.Errorf("query children: %w", err)
	}
	defer rows.Close()

	var blocks []*Block
	for rows.Next() {
		block, err := scanBlock(rows)
		if err != nil {
			return nil, err
		}
		blocks = append(blocks, block)
	}
	return blocks, rows.Err()
}

func appendHistoryTx(ctx context.Context, tx graph.DBTX, blockID int64, action Action, payload HistoryPayload) error {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode history payload: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO history (block_id, action, payload, created_at) VALUES (?, ?, ?, ?)`,
		blockID, string(action), string(encoded), time.Now().UTC().Format(time.RFC3339Nano),
	); err != nil {
		return fmt.Errorf("append history: %w", err)
	}
	return nil
}

func scanHistory(scanner rowScanner) (*HistoryEntry, error) {
	var (
		entry      HistoryEntry
		actionStr  string
		payloadRaw sql.NullString
		createdRaw string
	)
	if err := scanner.Scan(&entry.ID, &entry.BlockID, &actionStr, &payloadRaw, &createdRaw); err != nil {
		return nil, err
	}
	entry.Action = Action(actionStr)
	if payloadRaw.Valid && payloadRaw.String != "" {
		if err := json.Unmarshal([]byte(payloadRaw.String), &entry.Payload); err != nil {
			return nil, fmt.Errorf("decode history payload: %w", err)
		}
	}
	if created, err := parseTimeString(createdRaw); err == nil {
		entry.CreatedAt = created
	}
	return &entry, nil
}

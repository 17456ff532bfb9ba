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

// ErrGenerationInProgress indicates the block already has a generation job
// in flight. The generating marker admits at most one job per block.
var ErrGenerationInProgress = errors.New("generation already in progress")

// CreateBlock inserts a block at version 1 and writes its create ledger
// entry in the same transaction.
func (s *Store) CreateBlock(ctx context.Context, tabID, parentID int64, blockType BlockType, content string, tags TagSet) (*Block, error) {
	var block *Block
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		now := time.Now().UTC().Format(time.RFC3339Nano)
		encoded, err := encodeTags(tags)
		if err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx,
			`INSERT INTO blocks (tab_id, parent_id, type, content, tags, version, created_at, updated_at)
             VALUES (?, ?, ?, ?, ?, 1, ?, ?)`,
			tabID, nullableID(parentID), string(blockType), content, encoded, now, now,
		)
		if err != nil {
			return fmt.Errorf("insert block: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("last insert id: %w", err)
		}
		if err := appendHistoryTx(ctx, tx, id, ActionCreate, HistoryPayload{Content: content, Tags: tags}); err != nil {
			return err
		}
		block, err = getBlockTx(ctx, tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return block, nil
}

// GetBlock fetches a block by identifier.
func (s *Store) GetBlock(ctx context.Context, id int64) (*Block, error) {
	block, err := getBlockTx(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	return block, nil
}

// BlocksByTab returns a tab's blocks in creation order.
func (s *Store) BlocksByTab(ctx context.Context, tabID int64) ([]*Block, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+blockColumns+` FROM blocks WHERE tab_id = ? ORDER BY id`, tabID)
	if err != nil {
		return nil, fmt.Errorf("query blocks: %w", err)
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

// BlocksNeedingRegen returns unarchived blocks tagged needs_regen that have
// no generation in flight, in id order. The scheduler polls this.
func (s *Store) BlocksNeedingRegen(ctx context.Context) ([]*Block, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+blockColumns+` FROM blocks WHERE generating = 0 ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query stale blocks: %w", err)
	}
	defer rows.Close()

	var blocks []*Block
	for rows.Next() {
		block, err := scanBlock(rows)
		if err != nil {
			return nil, err
		}
		if block.NeedsRegen() && !block.Archived() {
			blocks = append(blocks, block)
		}
	}
	return blocks, rows.Err()
}

// UpdateBlockContent replaces a block's content under optimistic
// concurrency. A stale expectedVersion fails with ErrVersionConflict and
// commits nothing. On success the version bump, edit ledger entry, the
// block's own needs_regen clear, and downstream invalidation all commit in
// one transaction.
func (s *Store) UpdateBlockContent(ctx context.Context, blockID int64, newContent string, expectedVersion int64) (*Block, error) {
	var block *Block
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		current, err := getBlockTx(ctx, tx, blockID)
		if err != nil {
			return err
		}
		if current.Version != expectedVersion {
			return fmt.Errorf("block %d: expected version %d, have %d: %w",
				blockID, expectedVersion, current.Version, ErrVersionConflict)
		}

		encoded, err := encodeTags(current.Tags.Without(TagNeedsRegen))
		if err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx,
			`UPDATE blocks SET content = ?, tags = ?, version = version + 1, updated_at = ?
             WHERE id = ? AND version = ?`,
			newContent, encoded, time.Now().UTC().Format(time.RFC3339Nano), blockID, expectedVersion,
		)
		if err != nil {
			return fmt.Errorf("update block: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("rows affected: %w", err)
		}
		if affected == 0 {
			return fmt.Errorf("block %d: %w", blockID, ErrVersionConflict)
		}

		if err := appendHistoryTx(ctx, tx, blockID, ActionEdit, HistoryPayload{
			OldContent: current.Content,
			Content:    newContent,
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

// SetTags replaces a block's tag set under the versioned-mutation contract.
func (s *Store) SetTags(ctx context.Context, blockID int64, tags TagSet, expectedVersion int64) (*Block, error) {
	return s.mutateTags(ctx, blockID, expectedVersion, func(TagSet) TagSet {
		return tags.Clone()
	})
}

// AddTag adds one tag under the versioned-mutation contract.
func (s *Store) AddTag(ctx context.Context, blockID int64, tag string, expectedVersion int64) (*Block, error) {
	return s.mutateTags(ctx, blockID, expectedVersion, func(current TagSet) TagSet {
		return current.With(tag)
	})
}

// RemoveTag removes one tag under the versioned-mutation contract.
func (s *Store) RemoveTag(ctx context.Context, blockID int64, tag string, expectedVersion int64) (*Block, error) {
	return s.mutateTags(ctx, blockID, expectedVersion, func(current TagSet) TagSet {
		return current.Without(tag)
	})
}

// ArchiveBlock soft-deletes a block by adding the archived tag. Rows are
// never physically deleted, so dependency edges and the audit trail stay
// intact. Archiving an archived block is a no-op.
func (s *Store) ArchiveBlock(ctx context.Context, blockID int64) (*Block, error) {
	current, err := s.GetBlock(ctx, blockID)
	if err != nil {
		return nil, err
	}
	if current.Archived() {
		return current, nil
	}
	return s.AddTag(ctx, blockID, TagArchived, current.Version)
}

func (s *Store) mutateTags(ctx context.Context, blockID, expectedVersion int64, mutate func(TagSet) TagSet) (*Block, error) {
	var block *Block
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		current, err := getBlockTx(ctx, tx, blockID)
		if err != nil {
			return err
		}
		if current.Version != expectedVersion {
			return fmt.Errorf("block %d: expected version %d, have %d: %w",
				blockID, expectedVersion, current.Version, ErrVersionConflict)
		}

		next := mutate(current.Tags.Clone())
		encoded, err := encodeTags(next)
		if err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx,
			`UPDATE blocks SET tags = ?, version = version + 1, updated_at = ?
             WHERE id = ? AND version = ?`,
			encoded, time.Now().UTC().Format(time.RFC3339Nano), blockID, expectedVersion,
		)
		if err != nil {
			return fmt.Errorf("update tags: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("rows affected: %w", err)
		}
		if affected == 0 {
			return fmt.Errorf("block %d: %w", blockID, ErrVersionConflict)
		}

		if err := appendHistoryTx(ctx, tx, blockID, ActionTagChange, HistoryPayload{
			OldTags: current.Tags,
			Tags:    next,
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

// LinkAsset attaches an asset to a block under a role, replacing any prior
// role for the same pair. A new generation always links a new asset row; the
// link itself is not a versioned block mutation.
func (s *Store) LinkAsset(ctx context.Context, blockID, assetID int64, role AssetRole) error {
	if _, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO block_assets (block_id, asset_id, role) VALUES (?, ?, ?)`,
		blockID, assetID, string(role),
	); err != nil {
		return fmt.Errorf("link asset: %w", err)
	}
	return nil
}

// BlockAssets returns the assets linked to a block with their roles.
func (s *Store) BlockAssets(ctx context.Context, blockID int64) ([]*BlockAsset, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT ba.block_id, ba.asset_id, ba.role,
                a.id, a.project_id, a.hash, a.path, a.mime_type, a.size_bytes, a.stale, a.created_at, a.meta_json
         FROM block_assets ba
         JOIN assets a ON a.id = ba.asset_id
         WHERE ba.block_id = ?
         ORDER BY ba.asset_id`, blockID)
	if err != nil {
		return nil, fmt.Errorf("query block assets: %w", err)
	}
	defer rows.Close()

	var links []*BlockAsset
	for rows.Next() {
		var (
			link       BlockAsset
			asset      Asset
			roleStr    string
			createdRaw string
			metaRaw    sql.NullString
		)
		if err := rows.Scan(
			&link.BlockID, &link.AssetID, &roleStr,
			&asset.ID, &asset.ProjectID, &asset.Hash, &asset.Path, &asset.MimeType,
			&asset.SizeBytes, &asset.Stale, &createdRaw, &metaRaw,
		); err != nil {
			return nil, err
		}
		link.Role = AssetRole(roleStr)
		if created, err := parseTimeString(createdRaw); err == nil {
			asset.CreatedAt = created
		}
		if metaRaw.Valid && metaRaw.String != "" {
			if err := json.Unmarshal([]byte(metaRaw.String), &asset.Meta); err != nil {
				return nil, fmt.Errorf("decode asset meta: %w", err)
			}
		}
		link.Asset = &asset
		links = append(links, &link)
	}
	return links, rows.Err()
}

// TryBeginGeneration sets the block's in-flight marker. The conditional
// update is the mutex: a second dispatch observes zero affected rows and
// fails with ErrGenerationInProgress. The marker is not a versioned
// mutation and writes no ledger entry.
func (s *Store) TryBeginGeneration(ctx context.Context, blockID int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE blocks SET generating = 1 WHERE id = ? AND generating = 0`, blockID)
	if err != nil {
		return fmt.Errorf("begin generation: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		if _, err := s.GetBlock(ctx, blockID); err != nil {
			return err
		}
		return fmt.Errorf("block %d: %w", blockID, ErrGenerationInProgress)
	}
	return nil
}

// EndGeneration clears the in-flight marker without any other effect. Used
// on failure and cancellation, leaving the block indistinguishable from the
// job never having been dispatched.
func (s *Store) EndGeneration(ctx context.Context, blockID int64) error {
	if _, err := s.db.ExecContext(ctx,
		`UPDATE blocks SET generating = 0 WHERE id = ?`, blockID); err != nil {
		return fmt.Errorf("end generation: %w", err)
	}
	return nil
}

// GenerationResult carries the effects of a finished generation job.
type GenerationResult struct {
	BlockID int64
	// Content replaces the block's text when non-nil (text generation).
	Content *string
	// AssetID links a stored asset when non-zero (media generation or reuse).
	AssetID int64
	Role    AssetRole
	Prompt  string
	Mode    string
	Model   string
	Reused  bool
}

// CommitGeneration applies a generation result atomically: content or asset
// link, version bump, ai_generate ledger entry recording the exact resolved
// prompt, needs_regen clear, in-flight marker clear, and downstream
// invalidation commit together or not at all.
func (s *Store) CommitGeneration(ctx context.Context, result GenerationResult) (*Block, error) {
	var block *Block
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		current, err := getBlockTx(ctx, tx, result.BlockID)
		if err != nil {
			return err
		}

		content := current.Content
		payload := HistoryPayload{
			Prompt:  result.Prompt,
			Mode:    result.Mode,
			Model:   result.Model,
			AssetID: result.AssetID,
			Reused:  result.Reused,
		}
		if result.Content != nil {
			payload.OldContent = current.Content
			payload.Content = *result.Content
			content = *result.Content
		}

		encoded, err := encodeTags(current.Tags.Without(TagNeedsRegen))
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE blocks SET content = ?, tags = ?, version = version + 1, generating = 0, updated_at = ?
             WHERE id = ?`,
			content, encoded, time.Now().UTC().Format(time.RFC3339Nano), result.BlockID,
		); err != nil {
			return fmt.Errorf("apply generation: %w", err)
		}

		if result.AssetID != 0 {
			role := result.Role
			if role == "" {
				role = RolePreview
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT OR REPLACE INTO block_assets (block_id, asset_id, role) VALUES (?, ?, ?)`,
				result.BlockID, result.AssetID, string(role),
			); err != nil {
				return fmt.Errorf("link generated asset: %w", err)
			}
		}

		if err := appendHistoryTx(ctx, tx, result.BlockID, ActionAIGenerate, payload); err != nil {
			return err
		}
		if _, err := graph.InvalidateTx(ctx, tx, result.BlockID); err != nil {
			return err
		}
		block, err = getBlockTx(ctx, tx, result.BlockID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return block, nil
}

const blockColumns = "id, tab_id, parent_id, type, content, tags, version, generating, created_at, updated_at"

func getBlockTx(ctx context.Context, q graph.DBTX, id int64) (*Block, error) {
	row := q.QueryRowContext(ctx, `SELECT `+blockColumns+` FROM blocks WHERE id = ?`, id)
	block, err := scanBlock(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("block %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get block: %w", err)
	}
	return block, nil
}

func scanBlock(scanner rowScanner) (*Block, error) {
	var (
		block      Block
		parentID   sql.NullInt64
		typeStr    string
		tagsRaw    string
		generating int64
		createdRaw string
		updatedRaw string
	)
	if err := scanner.Scan(
		&block.ID, &block.TabID, &parentID, &typeStr, &block.Content,
		&tagsRaw, &block.Version, &generating, &createdRaw, &updatedRaw,
	); err != nil {
		return nil, err
	}
	block.ParentID = parentID.Int64
	block.Type = BlockType(typeStr)
	block.Generating = generating != 0
	if tagsRaw != "" {
		var tags []string
		if err := json.Unmarshal([]byte(tagsRaw), &tags); err != nil {
			return nil, fmt.Errorf("decode tags: %w", err)
		}
		block.Tags = TagSet(tags)
	}
	if created, err := parseTimeString(createdRaw); err == nil {
		block.CreatedAt = created
	}
	if updated, err := parseTimeString(updatedRaw); err == nil {
		block.UpdatedAt = updated
	}
	return &block, nil
}

func encodeTags(tags TagSet) (string, error) {
	if tags == nil {
		tags = TagSet{}
	}
	encoded, err := json.Marshal([]string(tags))
	if err != nil {
		return "", fmt.Errorf("encode tags: %w", err)
	}
	return string(encoded), nil
}

package assets

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"storyforge/internal/store"
)

const assetsDirName = "assets"

// IntegrityError reports an asset row whose bytes are missing or do not
// match the recorded hash. Fatal for that asset, recoverable for the process.
type IntegrityError struct {
	AssetID int64
	Hash    string
	Reason  string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("asset %d (%s): %s", e.AssetID, e.Hash, e.Reason)
}

// Cache is the content-addressable asset store for a project database.
type Cache struct {
	store     *store.Store
	log       *slog.Logger
	threshold float64
}

// NewCache constructs a cache over the entity store. threshold is the
// default reuse similarity floor; callers may override it per query.
func NewCache(st *store.Store, threshold float64, logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{store: st, log: logger, threshold: threshold}
}

// DefaultThreshold returns the configured reuse similarity floor.
func (c *Cache) DefaultThreshold() float64 {
	return c.threshold
}

// Store persists bytes under their content hash. Identical bytes within a
// project return the existing row unchanged: no new file, no new row.
func (c *Cache) Store(ctx context.Context, projectID int64, data []byte, filename string, meta store.AssetMeta) (*store.Asset, error) {
	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])

	if existing, err := c.getByHash(ctx, projectID, hash); err == nil {
		return existing, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	root, err := c.projectRoot(ctx, projectID)
	if err != nil {
		return nil, err
	}
	dir := filepath.Join(root, assetsDirName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create assets directory: %w", err)
	}

	tmpPath := filepath.Join(dir, ".tmp-"+uuid.NewString())
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return nil, fmt.Errorf("write temp asset: %w", err)
	}

	asset, err := c.commitAsset(ctx, projectID, root, tmpPath, hash, filename, int64(len(data)), meta)
	if err != nil {
		_ = os.Remove(tmpPath)
		return nil, err
	}
	return asset, nil
}

// StoreFile streams a file into the cache without loading it into memory,
// hashing as it copies.
func (c *Cache) StoreFile(ctx context.Context, projectID int64, path string, meta store.AssetMeta) (*store.Asset, error) {
	src, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open source file: %w", err)
	}
	defer src.Close()

	root, err := c.projectRoot(ctx, projectID)
	if err != nil {
		return nil, err
	}
	dir := filepath.Join(root, assetsDirName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create assets directory: %w", err)
	}

	tmpPath := filepath.Join(dir, ".tmp-"+uuid.NewString())
	tmp, err := os.Create(tmpPath)
	if err != nil {
		return nil, fmt.Errorf("create temp asset: %w", err)
	}

	hasher := sha256.New()
	size, err := io.Copy(io.MultiWriter(tmp, hasher), src)
	closeErr := tmp.Close()
	if err != nil || closeErr != nil {
		_ = os.Remove(tmpPath)
		if err == nil {
			err = closeErr
		}
		return nil, fmt.Errorf("stream asset: %w", err)
	}
	hash := hex.EncodeToString(hasher.Sum(nil))

	if existing, err := c.getByHash(ctx, projectID, hash); err == nil {
		_ = os.Remove(tmpPath)
		return existing, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		_ = os.Remove(tmpPath)
		return nil, err
	}

	asset, err := c.commitAsset(ctx, projectID, root, tmpPath, hash, filepath.Base(path), size, meta)
	if err != nil {
		_ = os.Remove(tmpPath)
		return nil, err
	}
	return asset, nil
}

// commitAsset inserts the metadata row, then renames the temp file into its
// hash-derived location. The rename happens only after the row commits so a
// crash window never leaves bytes without a row. A lost insert race returns
// the winner's row and discards the temp file.
func (c *Cache) commitAsset(ctx context.Context, projectID int64, root, tmpPath, hash, filename string, size int64, meta store.AssetMeta) (*store.Asset, error) {
	ext := strings.ToLower(filepath.Ext(filename))
	if ext == "" {
		ext = ".bin"
	}
	relPath := filepath.Join(assetsDirName, hash+ext)
	mimeType := mime.TypeByExtension(ext)
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}

	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("encode asset meta: %w", err)
	}

	db := c.store.DB()
	res, err := db.ExecContext(ctx,
		`INSERT INTO assets (project_id, hash, path, mime_type, size_bytes, stale, created_at, meta_json)
         VALUES (?, ?, ?, ?, ?, 0, ?, ?)
         ON CONFLICT(project_id, hash) DO NOTHING`,
		projectID, hash, relPath, mimeType, size,
		time.Now().UTC().Format(time.RFC3339Nano), string(metaJSON),
	)
	if err != nil {
		return nil, fmt.Errorf("insert asset: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		_ = os.Remove(tmpPath)
		return c.getByHash(ctx, projectID, hash)
	}

	finalPath := filepath.Join(root, relPath)
	if err := os.Rename(tmpPath, finalPath); err != nil {
		// Compensate: a row pointing at bytes that never landed would fail
		// every Verify, so take the insert back out.
		_, _ = db.ExecContext(ctx, `DELETE FROM assets WHERE project_id = ? AND hash = ?`, projectID, hash)
		return nil, fmt.Errorf("finalize asset bytes: %w", err)
	}

	c.log.Debug("stored asset", "project", projectID, "hash", hash, "bytes", size)
	return c.getByHash(ctx, projectID, hash)
}

// Get fetches an asset row by identifier.
func (c *Cache) Get(ctx context.Context, id int64) (*store.Asset, error) {
	row := c.store.DB().QueryRowContext(ctx,
		`SELECT `+assetColumns+` FROM assets WHERE id = ?`, id)
	asset, err := scanAsset(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("asset %d: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get asset: %w", err)
	}
	return asset, nil
}

// GetByHash fetches an asset row by content hash within a project.
func (c *Cache) GetByHash(ctx context.Context, projectID int64, hash string) (*store.Asset, error) {
	return c.getByHash(ctx, projectID, hash)
}

// ByProject returns a project's assets, newest first.
func (c *Cache) ByProject(ctx context.Context, projectID int64) ([]*store.Asset, error) {
	rows, err := c.store.DB().QueryContext(ctx,
		`SELECT `+assetColumns+` FROM assets WHERE project_id = ? ORDER BY id DESC`, projectID)
	if err != nil {
		return nil, fmt.Errorf("query assets: %w", err)
	}
	defer rows.Close()

	var out []*store.Asset
	for rows.Next() {
		asset, err := scanAsset(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, asset)
	}
	return out, rows.Err()
}

// MarkStale flags an asset as possibly unrepresentative without removing
// it: the block that produced it has had its dependencies change.
func (c *Cache) MarkStale(ctx context.Context, assetID int64) error {
	res, err := c.store.DB().ExecContext(ctx, `UPDATE assets SET stale = 1 WHERE id = ?`, assetID)
	if err != nil {
		return fmt.Errorf("mark asset stale: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("asset %d: %w", assetID, store.ErrNotFound)
	}
	return nil
}

// ReuseCandidate scans the project's embedded prompts and returns the
// closest non-stale match at or above threshold, with its similarity. A
// non-empty kind restricts matching to assets generated as that kind; a
// threshold <= 0 falls back to the configured default. No match returns
// store.ErrNotFound; reuse is best-effort, never correctness-critical.
func (c *Cache) ReuseCandidate(ctx context.Context, projectID int64, kind string, embedding []float64, threshold float64) (*store.Asset, float64, error) {
	if threshold <= 0 {
		threshold = c.threshold
	}
	if len(embedding) == 0 {
		return nil, 0, fmt.Errorf("reuse candidate: %w", store.ErrNotFound)
	}

	candidates, err := c.ByProject(ctx, projectID)
	if err != nil {
		return nil, 0, err
	}

	var (
		best      *store.Asset
		bestScore float64
	)
	for _, asset := range candidates {
		if asset.Stale || len(asset.Meta.Embedding) == 0 {
			continue
		}
		if kind != "" && asset.Meta.Kind != kind {
			continue
		}
		score := CosineSimilarity(embedding, asset.Meta.Embedding)
		if score >= threshold && score > bestScore {
			best = asset
			bestScore = score
		}
	}
	if best == nil {
		return nil, 0, fmt.Errorf("reuse candidate: %w", store.ErrNotFound)
	}
	return best, bestScore, nil
}

// AbsolutePath resolves an asset's bytes location under its project root.
func (c *Cache) AbsolutePath(ctx context.Context, asset *store.Asset) (string, error) {
	root, err := c.projectRoot(ctx, asset.ProjectID)
	if err != nil {
		return "", err
	}
	return filepath.Join(root, asset.Path), nil
}

// ReadBytes loads an asset's bytes from disk.
func (c *Cache) ReadBytes(ctx context.Context, asset *store.Asset) ([]byte, error) {
	path, err := c.AbsolutePath(ctx, asset)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, &IntegrityError{AssetID: asset.ID, Hash: asset.Hash, Reason: "bytes missing"}
		}
		return nil, fmt.Errorf("read asset bytes: %w", err)
	}
	return data, nil
}

// Verify re-hashes an asset's bytes against its row and returns an
// IntegrityError on missing or mismatched content.
func (c *Cache) Verify(ctx context.Context, assetID int64) error {
	asset, err := c.Get(ctx, assetID)
	if err != nil {
		return err
	}
	data, err := c.ReadBytes(ctx, asset)
	if err != nil {
		return err
	}
	sum := sha256.Sum256(data)
	if hex.EncodeToString(sum[:]) != asset.Hash {
		return &IntegrityError{AssetID: asset.ID, Hash: asset.Hash, Reason: "hash mismatch"}
	}
	return nil
}

func (c *Cache) projectRoot(ctx context.Context, projectID int64) (string, error) {
	project, err := c.store.GetProject(ctx, projectID)
	if err != nil {
		return "", err
	}
	return project.RootPath, nil
}

func (c *Cache) getByHash(ctx context.Context, projectID int64, hash string) (*store.Asset, error) {
	row := c.store.DB().QueryRowContext(ctx,
		`SELECT `+assetColumns+` FROM assets WHERE project_id = ? AND hash = ?`, projectID, hash)
	asset, err := scanAsset(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("asset %s: %w", hash, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get asset by hash: %w", err)
	}
	return asset, nil
}

const assetColumns = "id, project_id, hash, path, mime_type, size_bytes, stale, created_at, meta_json"

func scanAsset(scanner interface{ Scan(dest ...any) error }) (*store.Asset, error) {
	var (
		asset      store.Asset
		stale      int64
		createdRaw string
		metaRaw    sql.NullString
	)
	if err := scanner.Scan(
		&asset.ID, &asset.ProjectID, &asset.Hash, &asset.Path, &asset.MimeType,
		&asset.SizeBytes, &stale, &createdRaw, &metaRaw,
	); err != nil {
		return nil, err
	}
	asset.Stale = stale != 0
	if created, err := parseTime(createdRaw); err == nil {
		asset.CreatedAt = created
	}
	if metaRaw.Valid && metaRaw.String != "" {
		if err := json.Unmarshal([]byte(metaRaw.String), &asset.Meta); err != nil {
			return nil, fmt.Errorf("decode asset meta: %w", err)
		}
	}
	return &asset, nil
}

func parseTime(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, errors.New("empty")
	}
	return time.Parse(time.RFC3339Nano, value)
}

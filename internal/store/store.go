package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	_ "modernc.org/sqlite"

	"storyforge/internal/config"
)

// Store manages content-graph persistence backed by SQLite.
type Store struct {
	db   *sql.DB
	path string
	lock *flock.Flock
	log  *slog.Logger
}

// Open initializes or connects to the project database, applies the schema,
// and acquires the advisory project lock. A second process opening the same
// project fails fast instead of interleaving writes.
func Open(cfg *config.Config, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("ensure directories: %w", err)
	}

	lock := flock.New(filepath.Join(cfg.Paths.ProjectRoot, "storyforge.lock"))
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire project lock: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("project root %s is locked by another process", cfg.Paths.ProjectRoot)
	}

	dbPath := filepath.Join(cfg.Paths.ProjectRoot, "storyforge.db")
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		_ = lock.Unlock()
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.Exec(pragma); execErr != nil {
			_ = db.Close()
			_ = lock.Unlock()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}

	store := &Store{db: db, path: dbPath, lock: lock, log: logger}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		_ = lock.Unlock()
		return nil, err
	}
	return store, nil
}

// Close closes the database connection and releases the project lock.
func (s *Store) Close() error {
	if s == nil {
		return nil
	}
	var closeErr error
	if s.db != nil {
		closeErr = s.db.Close()
	}
	if s.lock != nil {
		if err := s.lock.Unlock(); err != nil && closeErr == nil {
			closeErr = err
		}
	}
	return closeErr
}

// DB exposes the underlying handle so the graph manager and asset cache can
// share the store's database and transactions.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Path returns the database file location.
func (s *Store) Path() string {
	return s.path
}

// CreateProject inserts a project whose assets live under rootPath.
func (s *Store) CreateProject(ctx context.Context, name, rootPath string) (*Project, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(
		ctx,
		`INSERT INTO projects (name, root_path, phase, created_at) VALUES (?, ?, ?, ?)`,
		name, rootPath, "story", now.Format(time.RFC3339Nano),
	)
	if err != nil {
		return nil, fmt.Errorf("insert project: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("last insert id: %w", err)
	}
	return s.GetProject(ctx, id)
}

// GetProject fetches a project by identifier.
func (s *Store) GetProject(ctx context.Context, id int64) (*Project, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, root_path, phase, created_at FROM projects WHERE id = ?`, id)
	project, err := scanProject(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("project %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get project: %w", err)
	}
	return project, nil
}

// ListProjects returns all projects, newest first.
func (s *Store) ListProjects(ctx context.Context) ([]*Project, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, root_path, phase, created_at FROM projects ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer rows.Close()

	var projects []*Project
	for rows.Next() {
		project, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		projects = append(projects, project)
	}
	return projects, rows.Err()
}

// SetProjectPhase updates the project's current phase.
func (s *Store) SetProjectPhase(ctx context.Context, id int64, phase string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE projects SET phase = ? WHERE id = ?`, phase, id)
	if err != nil {
		return fmt.Errorf("set project phase: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("project %d: %w", id, ErrNotFound)
	}
	return nil
}

// CreateTab inserts a tab for a project.
func (s *Store) CreateTab(ctx context.Context, projectID int64, name string, position int) (*Tab, error) {
	res, err := s.db.ExecContext(
		ctx,
		`INSERT INTO tabs (project_id, name, position) VALUES (?, ?, ?)`,
		projectID, name, position,
	)
	if err != nil {
		return nil, fmt.Errorf("insert tab: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("last insert id: %w", err)
	}
	return &Tab{ID: id, ProjectID: projectID, Name: name, Position: position}, nil
}

// GetTab fetches a tab by identifier.
func (s *Store) GetTab(ctx context.Context, id int64) (*Tab, error) {
	var tab Tab
	err := s.db.QueryRowContext(ctx,
		`SELECT id, project_id, name, position FROM tabs WHERE id = ?`, id,
	).Scan(&tab.ID, &tab.ProjectID, &tab.Name, &tab.Position)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("tab %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get tab: %w", err)
	}
	return &tab, nil
}

// Tabs returns a project's tabs ordered by position.
func (s *Store) Tabs(ctx context.Context, projectID int64) ([]*Tab, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, project_id, name, position FROM tabs WHERE project_id = ? ORDER BY position`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list tabs: %w", err)
	}
	defer rows.Close()

	var tabs []*Tab
	for rows.Next() {
		var tab Tab
		if err := rows.Scan(&tab.ID, &tab.ProjectID, &tab.Name, &tab.Position); err != nil {
			return nil, err
		}
		tabs = append(tabs, &tab)
	}
	return tabs, rows.Err()
}

func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

type rowScanner interface{ Scan(dest ...any) error }

func scanProject(scanner rowScanner) (*Project, error) {
	var (
		project    Project
		createdRaw string
	)
	if err := scanner.Scan(&project.ID, &project.Name, &project.RootPath, &project.Phase, &createdRaw); err != nil {
		return nil, err
	}
	if created, err := parseTimeString(createdRaw); err == nil {
		project.CreatedAt = created
	}
	return &project, nil
}

func parseTimeString(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, errors.New("empty")
	}
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02 15:04:05", value)
}

func nullableID(value int64) any {
	if value == 0 {
		return nil
	}
	return value
}

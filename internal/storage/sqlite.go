package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store
func NewSQLiteStore(path string, logger *slog.Logger) (*SQLiteStore, error) {
	// Ensure directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// WAL lets readers proceed while a run is being recorded
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	return &SQLiteStore{db: db, logger: logger}, nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Migrate runs database migrations
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	schema := `
	-- API keys
	CREATE TABLE IF NOT EXISTS api_keys (
		id TEXT PRIMARY KEY,
		key_hash TEXT NOT NULL UNIQUE,
		name TEXT NOT NULL,
		created_at TEXT NOT NULL,
		last_used_at TEXT,
		revoked_at TEXT
	);

	-- Registered cloned projects
	CREATE TABLE IF NOT EXISTS projects (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL UNIQUE,
		dir TEXT NOT NULL,
		target_contract TEXT NOT NULL,
		chain_id INTEGER NOT NULL,
		address TEXT NOT NULL,
		metadata BLOB NOT NULL,
		metadata_hash TEXT NOT NULL,
		owner_key_id TEXT,
		created_at TEXT NOT NULL
	);

	-- Check and tweak runs
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		project_name TEXT NOT NULL REFERENCES projects(name) ON DELETE CASCADE,
		mode TEXT NOT NULL,
		status TEXT NOT NULL,
		stage TEXT,
		target TEXT NOT NULL,
		code_hash TEXT,
		written INTEGER DEFAULT 0,
		findings TEXT,
		error TEXT,
		owner_key_id TEXT,
		duration_ms INTEGER DEFAULT 0,
		created_at TEXT NOT NULL,
		finished_at TEXT
	);

	-- Indexes
	CREATE INDEX IF NOT EXISTS idx_projects_target ON projects(chain_id, address);
	CREATE INDEX IF NOT EXISTS idx_runs_project ON runs(project_name, created_at);
	CREATE INDEX IF NOT EXISTS idx_runs_created ON runs(created_at);
	`

	_, err := s.db.ExecContext(ctx, schema)
	if err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	s.logger.Info("database migrations complete")
	return nil
}

func isSQLiteUnique(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// CreateProject registers a project. Names are unique.
func (s *SQLiteStore) CreateProject(ctx context.Context, p *Project) error {
	if p.ID == "" {
		p.ID = generateID()
	}
	p.MetadataHash = computeHash(p.Metadata)
	p.CreatedAt = formatTime(now())

	query := `
		INSERT INTO projects (id, name, dir, target_contract, chain_id, address, metadata, metadata_hash, owner_key_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query, p.ID, p.Name, p.Dir, p.TargetContract, int64(p.ChainID), p.Address,
		p.Metadata, p.MetadataHash, nullString(p.OwnerID), p.CreatedAt)
	if isSQLiteUnique(err) {
		return fmt.Errorf("project %s: %w", p.Name, ErrAlreadyExists)
	}
	return err
}

// GetProject retrieves a project by name
func (s *SQLiteStore) GetProject(ctx context.Context, name string) (*Project, error) {
	query := `
		SELECT id, name, dir, target_contract, chain_id, address, metadata, metadata_hash, owner_key_id, created_at
		FROM projects
		WHERE name = ?
	`
	p, err := scanProject(s.db.QueryRowContext(ctx, query, name))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return p, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProject(row rowScanner) (*Project, error) {
	var p Project
	var chainID int64
	var owner sql.NullString
	err := row.Scan(&p.ID, &p.Name, &p.Dir, &p.TargetContract, &chainID, &p.Address, &p.Metadata, &p.MetadataHash, &owner, &p.CreatedAt)
	if err != nil {
		return nil, err
	}
	p.ChainID = uint64(chainID)
	p.OwnerID = owner.String
	return &p, nil
}

// ListProjects lists projects ordered by name with cursor-based pagination
func (s *SQLiteStore) ListProjects(ctx context.Context, pagination PaginationParams) (*PaginatedResult[Project], error) {
	query := `
		SELECT id, name, dir, target_contract, chain_id, address, metadata, metadata_hash, owner_key_id, created_at
		FROM projects
		WHERE name > ?
		ORDER BY name
		LIMIT ?
	`
	rows, err := s.db.QueryContext(ctx, query, pagination.Cursor, pagination.Limit+1)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var projects []Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		projects = append(projects, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	hasMore := len(projects) > pagination.Limit
	var nextCursor string
	if hasMore {
		projects = projects[:pagination.Limit]
		nextCursor = projects[len(projects)-1].Name
	}
	return &PaginatedResult[Project]{Data: projects, HasMore: hasMore, NextCursor: nextCursor}, nil
}

// DeleteProject removes a project and its run history
func (s *SQLiteStore) DeleteProject(ctx context.Context, name string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM projects WHERE name = ?", name)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// CreateRun records the start of a run
func (s *SQLiteStore) CreateRun(ctx context.Context, r *Run) error {
	if r.ID == "" {
		r.ID = generateID()
	}
	if r.Status == "" {
		r.Status = RunRunning
	}
	r.CreatedAt = formatTime(now())

	query := `
		INSERT INTO runs (id, project_name, mode, status, target, owner_key_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query, r.ID, r.ProjectName, r.Mode, r.Status, r.Target, nullString(r.OwnerID), r.CreatedAt)
	return err
}

// FinishRun stores the outcome of a run
func (s *SQLiteStore) FinishRun(ctx context.Context, r *Run) error {
	r.FinishedAt = formatTime(now())
	query := `
		UPDATE runs
		SET status = ?, stage = ?, code_hash = ?, written = ?, findings = ?, error = ?, duration_ms = ?, finished_at = ?
		WHERE id = ?
	`
	res, err := s.db.ExecContext(ctx, query, r.Status, r.Stage, r.CodeHash, r.Written, nullBytes(r.Findings), r.Error,
		r.DurationMs, r.FinishedAt, r.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

const runColumns = `id, project_name, mode, status, stage, target, code_hash, written, findings, error, owner_key_id, duration_ms, created_at, finished_at`

// GetRun retrieves a run by id
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*Run, error) {
	r, err := scanSQLiteRun(s.db.QueryRowContext(ctx, "SELECT "+runColumns+" FROM runs WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return r, err
}

func scanSQLiteRun(row rowScanner) (*Run, error) {
	var r Run
	var stage, codeHash, findings, errMsg, owner, finished sql.NullString
	err := row.Scan(&r.ID, &r.ProjectName, &r.Mode, &r.Status, &stage, &r.Target, &codeHash, &r.Written,
		&findings, &errMsg, &owner, &r.DurationMs, &r.CreatedAt, &finished)
	if err != nil {
		return nil, err
	}
	r.Stage = stage.String
	r.CodeHash = codeHash.String
	if findings.Valid {
		r.Findings = []byte(findings.String)
	}
	r.Error = errMsg.String
	r.OwnerID = owner.String
	r.FinishedAt = finished.String
	return &r, nil
}

// ListRuns lists runs newest first. The cursor is the id of the last run
// of the previous page.
func (s *SQLiteStore) ListRuns(ctx context.Context, filter RunFilter, pagination PaginationParams) (*PaginatedResult[Run], error) {
	var where []string
	var args []any
	if filter.Project != "" {
		where = append(where, "project_name = ?")
		args = append(args, filter.Project)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, filter.Status)
	}
	if pagination.Cursor != "" {
		where = append(where, "(created_at, id) < (SELECT created_at, id FROM runs WHERE id = ?)")
		args = append(args, pagination.Cursor)
	}

	query := "SELECT " + runColumns + " FROM runs"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC LIMIT ?"
	args = append(args, pagination.Limit+1)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		r, err := scanSQLiteRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return paginateRuns(runs, pagination.Limit), nil
}

func paginateRuns(runs []Run, limit int) *PaginatedResult[Run] {
	hasMore := len(runs) > limit
	var nextCursor string
	if hasMore {
		runs = runs[:limit]
		nextCursor = runs[len(runs)-1].ID
	}
	return &PaginatedResult[Run]{Data: runs, HasMore: hasMore, NextCursor: nextCursor}
}

// CreateAPIKey creates a new API key
func (s *SQLiteStore) CreateAPIKey(ctx context.Context, name string) (string, error) {
	key := generateAPIKey()
	hash := hashAPIKey(key)
	id := generateID()
	_, err := s.db.ExecContext(ctx, "INSERT INTO api_keys (id, key_hash, name, created_at) VALUES (?, ?, ?, ?)", id, hash, name, formatTime(now()))
	if err != nil {
		return "", err
	}
	return key, nil
}

// ValidateAPIKey validates an API key
func (s *SQLiteStore) ValidateAPIKey(ctx context.Context, key string) (*APIKey, error) {
	hash := hashAPIKey(key)
	var ak APIKey
	err := s.db.QueryRowContext(ctx, "SELECT id, key_hash, name, created_at FROM api_keys WHERE key_hash = ? AND revoked_at IS NULL", hash).Scan(
		&ak.ID, &ak.KeyHash, &ak.Name, &ak.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	// Update last used
	_, _ = s.db.ExecContext(ctx, "UPDATE api_keys SET last_used_at = ? WHERE id = ?", formatTime(now()), ak.ID)
	return &ak, nil
}

// ListAPIKeys lists all API keys
func (s *SQLiteStore) ListAPIKeys(ctx context.Context) ([]APIKey, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT id, name, created_at, last_used_at FROM api_keys WHERE revoked_at IS NULL ORDER BY created_at")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []APIKey
	for rows.Next() {
		var k APIKey
		var lastUsed sql.NullString
		if err := rows.Scan(&k.ID, &k.Name, &k.CreatedAt, &lastUsed); err != nil {
			return nil, err
		}
		k.LastUsedAt = lastUsed.String
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// RevokeAPIKey revokes an API key
func (s *SQLiteStore) RevokeAPIKey(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "UPDATE api_keys SET revoked_at = ? WHERE id = ? AND revoked_at IS NULL", formatTime(now()), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullBytes(b []byte) sql.NullString {
	return sql.NullString{String: string(b), Valid: len(b) > 0}
}

package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
)

// PostgresStore implements Store using PostgreSQL
type PostgresStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewPostgresStore creates a new Postgres store
func NewPostgresStore(url string, logger *slog.Logger) (*PostgresStore, error) {
	db, err := sql.Open("pgx", url)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	return &PostgresStore{db: db, logger: logger}, nil
}

// Close closes the database connection
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// Migrate runs database migrations
func (s *PostgresStore) Migrate(ctx context.Context) error {
	schema := `
	-- API keys
	CREATE TABLE IF NOT EXISTS api_keys (
		id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
		key_hash TEXT NOT NULL UNIQUE,
		name TEXT NOT NULL,
		created_at TIMESTAMPTZ DEFAULT NOW(),
		last_used_at TIMESTAMPTZ,
		revoked_at TIMESTAMPTZ
	);

	-- Registered cloned projects
	CREATE TABLE IF NOT EXISTS projects (
		id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
		name TEXT NOT NULL UNIQUE,
		dir TEXT NOT NULL,
		target_contract TEXT NOT NULL,
		chain_id BIGINT NOT NULL,
		address TEXT NOT NULL,
		metadata JSONB NOT NULL,
		metadata_hash TEXT NOT NULL,
		owner_key_id UUID REFERENCES api_keys(id),
		created_at TIMESTAMPTZ DEFAULT NOW()
	);

	-- Check and tweak runs
	CREATE TABLE IF NOT EXISTS runs (
		id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
		project_name TEXT NOT NULL REFERENCES projects(name) ON DELETE CASCADE,
		mode TEXT NOT NULL,
		status TEXT NOT NULL,
		stage TEXT,
		target TEXT NOT NULL,
		code_hash TEXT,
		written BOOLEAN DEFAULT FALSE,
		findings JSONB,
		error TEXT,
		owner_key_id UUID REFERENCES api_keys(id),
		duration_ms BIGINT DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL,
		finished_at TIMESTAMPTZ
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

func isPgUnique(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// CreateProject registers a project. Names are unique.
func (s *PostgresStore) CreateProject(ctx context.Context, p *Project) error {
	if p.ID == "" {
		p.ID = generateID()
	}
	p.MetadataHash = computeHash(p.Metadata)
	created := now()

	query := `
		INSERT INTO projects (id, name, dir, target_contract, chain_id, address, metadata, metadata_hash, owner_key_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	_, err := s.db.ExecContext(ctx, query, p.ID, p.Name, p.Dir, p.TargetContract, int64(p.ChainID), p.Address,
		string(p.Metadata), p.MetadataHash, nullString(p.OwnerID), created)
	if isPgUnique(err) {
		return fmt.Errorf("project %s: %w", p.Name, ErrAlreadyExists)
	}
	if err != nil {
		return err
	}
	p.CreatedAt = formatTime(created)
	return nil
}

const projectColumns = `id, name, dir, target_contract, chain_id, address, metadata, metadata_hash, owner_key_id, created_at`

func scanPgProject(row rowScanner) (*Project, error) {
	var p Project
	var chainID int64
	var metadata string
	var owner sql.NullString
	var createdAt time.Time
	err := row.Scan(&p.ID, &p.Name, &p.Dir, &p.TargetContract, &chainID, &p.Address, &metadata, &p.MetadataHash, &owner, &createdAt)
	if err != nil {
		return nil, err
	}
	p.ChainID = uint64(chainID)
	p.Metadata = []byte(metadata)
	p.OwnerID = owner.String
	p.CreatedAt = formatTime(createdAt)
	return &p, nil
}

// GetProject retrieves a project by name
func (s *PostgresStore) GetProject(ctx context.Context, name string) (*Project, error) {
	p, err := scanPgProject(s.db.QueryRowContext(ctx, "SELECT "+projectColumns+" FROM projects WHERE name = $1", name))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return p, err
}

// ListProjects lists projects ordered by name with cursor-based pagination
func (s *PostgresStore) ListProjects(ctx context.Context, pagination PaginationParams) (*PaginatedResult[Project], error) {
	query := "SELECT " + projectColumns + " FROM projects WHERE name > $1 ORDER BY name LIMIT $2"
	rows, err := s.db.QueryContext(ctx, query, pagination.Cursor, pagination.Limit+1)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var projects []Project
	for rows.Next() {
		p, err := scanPgProject(rows)
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
func (s *PostgresStore) DeleteProject(ctx context.Context, name string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM projects WHERE name = $1", name)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// CreateRun records the start of a run
func (s *PostgresStore) CreateRun(ctx context.Context, r *Run) error {
	if r.ID == "" {
		r.ID = generateID()
	}
	if r.Status == "" {
		r.Status = RunRunning
	}
	created := now()

	query := `
		INSERT INTO runs (id, project_name, mode, status, target, owner_key_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err := s.db.ExecContext(ctx, query, r.ID, r.ProjectName, r.Mode, r.Status, r.Target, nullString(r.OwnerID), created)
	if err != nil {
		return err
	}
	r.CreatedAt = formatTime(created)
	return nil
}

// FinishRun stores the outcome of a run
func (s *PostgresStore) FinishRun(ctx context.Context, r *Run) error {
	finished := now()
	query := `
		UPDATE runs
		SET status = $1, stage = $2, code_hash = $3, written = $4, findings = $5, error = $6, duration_ms = $7, finished_at = $8
		WHERE id = $9
	`
	res, err := s.db.ExecContext(ctx, query, r.Status, r.Stage, r.CodeHash, r.Written, nullBytes(r.Findings), r.Error,
		r.DurationMs, finished, r.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	r.FinishedAt = formatTime(finished)
	return nil
}

func scanPgRun(row rowScanner) (*Run, error) {
	var r Run
	var stage, codeHash, findings, errMsg, owner sql.NullString
	var createdAt time.Time
	var finishedAt sql.NullTime
	err := row.Scan(&r.ID, &r.ProjectName, &r.Mode, &r.Status, &stage, &r.Target, &codeHash, &r.Written,
		&findings, &errMsg, &owner, &r.DurationMs, &createdAt, &finishedAt)
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
	r.CreatedAt = formatTime(createdAt)
	if finishedAt.Valid {
		r.FinishedAt = formatTime(finishedAt.Time)
	}
	return &r, nil
}

// GetRun retrieves a run by id
func (s *PostgresStore) GetRun(ctx context.Context, id string) (*Run, error) {
	r, err := scanPgRun(s.db.QueryRowContext(ctx, "SELECT "+runColumns+" FROM runs WHERE id::text = $1", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return r, err
}

// ListRuns lists runs newest first. The cursor is the id of the last run
// of the previous page.
func (s *PostgresStore) ListRuns(ctx context.Context, filter RunFilter, pagination PaginationParams) (*PaginatedResult[Run], error) {
	var where []string
	var args []any
	argIdx := 1

	if filter.Project != "" {
		where = append(where, fmt.Sprintf("project_name = $%d", argIdx))
		args = append(args, filter.Project)
		argIdx++
	}
	if filter.Status != "" {
		where = append(where, fmt.Sprintf("status = $%d", argIdx))
		args = append(args, filter.Status)
		argIdx++
	}
	if pagination.Cursor != "" {
		where = append(where, fmt.Sprintf("(created_at, id) < (SELECT created_at, id FROM runs WHERE id::text = $%d)", argIdx))
		args = append(args, pagination.Cursor)
		argIdx++
	}

	query := "SELECT " + runColumns + " FROM runs"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += fmt.Sprintf(" ORDER BY created_at DESC, id DESC LIMIT $%d", argIdx)
	args = append(args, pagination.Limit+1)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		r, err := scanPgRun(rows)
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

// CreateAPIKey creates a new API key
func (s *PostgresStore) CreateAPIKey(ctx context.Context, name string) (string, error) {
	key := generateAPIKey()
	hash := hashAPIKey(key)
	id := generateID()
	_, err := s.db.ExecContext(ctx, "INSERT INTO api_keys (id, key_hash, name) VALUES ($1, $2, $3)", id, hash, name)
	if err != nil {
		return "", err
	}
	return key, nil
}

// ValidateAPIKey validates an API key
func (s *PostgresStore) ValidateAPIKey(ctx context.Context, key string) (*APIKey, error) {
	hash := hashAPIKey(key)
	var ak APIKey
	var createdAt time.Time
	err := s.db.QueryRowContext(ctx, "SELECT id, key_hash, name, created_at FROM api_keys WHERE key_hash = $1 AND revoked_at IS NULL", hash).Scan(
		&ak.ID, &ak.KeyHash, &ak.Name, &createdAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	ak.CreatedAt = formatTime(createdAt)
	// Update last used
	_, _ = s.db.ExecContext(ctx, "UPDATE api_keys SET last_used_at = NOW() WHERE id = $1", ak.ID)
	return &ak, nil
}

// ListAPIKeys lists all API keys
func (s *PostgresStore) ListAPIKeys(ctx context.Context) ([]APIKey, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT id, name, created_at, last_used_at FROM api_keys WHERE revoked_at IS NULL ORDER BY created_at")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []APIKey
	for rows.Next() {
		var k APIKey
		var createdAt time.Time
		var lastUsed sql.NullTime
		if err := rows.Scan(&k.ID, &k.Name, &createdAt, &lastUsed); err != nil {
			return nil, err
		}
		k.CreatedAt = formatTime(createdAt)
		if lastUsed.Valid {
			k.LastUsedAt = formatTime(lastUsed.Time)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// RevokeAPIKey revokes an API key
func (s *PostgresStore) RevokeAPIKey(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "UPDATE api_keys SET revoked_at = NOW() WHERE id::text = $1 AND revoked_at IS NULL", id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

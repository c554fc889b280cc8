package storage

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/pendergraft/contratweak/internal/config"
)

// ProjectStore handles registered cloned projects
type ProjectStore interface {
	CreateProject(ctx context.Context, p *Project) error
	GetProject(ctx context.Context, name string) (*Project, error)
	ListProjects(ctx context.Context, pagination PaginationParams) (*PaginatedResult[Project], error)
	DeleteProject(ctx context.Context, name string) error
}

// RunStore handles tweak run history
type RunStore interface {
	CreateRun(ctx context.Context, r *Run) error
	FinishRun(ctx context.Context, r *Run) error
	GetRun(ctx context.Context, id string) (*Run, error)
	ListRuns(ctx context.Context, filter RunFilter, pagination PaginationParams) (*PaginatedResult[Run], error)
}

// APIKeyStore handles API key operations
type APIKeyStore interface {
	CreateAPIKey(ctx context.Context, name string) (key string, err error)
	ValidateAPIKey(ctx context.Context, key string) (*APIKey, error)
	ListAPIKeys(ctx context.Context) ([]APIKey, error)
	RevokeAPIKey(ctx context.Context, id string) error
}

// Store combines all storage interfaces with lifecycle methods.
// Domain services define their own minimal interfaces based on their actual usage.
type Store interface {
	ProjectStore
	RunStore
	APIKeyStore

	// Lifecycle
	Close() error
	Migrate(ctx context.Context) error
}

// Project is a cloned project registered with the server
type Project struct {
	ID             string
	Name           string
	Dir            string
	TargetContract string
	ChainID        uint64
	Address        string
	Metadata       []byte // clone.json as imported
	MetadataHash   string
	OwnerID        string
	CreatedAt      string
}

// Run status values
const (
	RunRunning   = "running"
	RunSucceeded = "succeeded"
	RunFailed    = "failed"
)

// Run is one check or tweak execution against a project
type Run struct {
	ID          string
	ProjectName string
	Mode        string
	Status      string
	Stage       string // failed stage, or the last one reached
	Target      string
	CodeHash    string
	Written     bool
	Findings    []byte // JSON array of layout findings
	Error       string
	OwnerID     string
	DurationMs  int64
	CreatedAt   string
	FinishedAt  string
}

// APIKey represents an API key
type APIKey struct {
	ID         string
	Name       string
	KeyHash    string
	CreatedAt  string
	LastUsedAt string
	RevokedAt  string
}

// RunFilter contains filter options for listing runs
type RunFilter struct {
	Project string
	Status  string
}

// PaginationParams contains pagination options
type PaginationParams struct {
	Limit  int
	Cursor string
}

// PaginatedResult contains paginated results
type PaginatedResult[T any] struct {
	Data       []T
	HasMore    bool
	NextCursor string
}

// New creates a new store based on configuration
func New(cfg config.StorageConfig, logger *slog.Logger) (Store, error) {
	switch cfg.Type {
	case "sqlite":
		return NewSQLiteStore(cfg.SQLite.Path, logger)
	case "postgres":
		return NewPostgresStore(cfg.Postgres.URL, logger)
	default:
		return nil, fmt.Errorf("unknown storage type: %s", cfg.Type)
	}
}

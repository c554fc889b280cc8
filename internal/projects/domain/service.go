package domain

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pendergraft/contratweak/internal/clone"
	"github.com/pendergraft/contratweak/internal/storage"
	"github.com/pendergraft/contratweak/internal/validation"
)

// Common errors returned by the project service.
var (
	ErrNotFound        = errors.New("project not found")
	ErrAlreadyExists   = errors.New("project already exists")
	ErrForbidden       = errors.New("not authorized to modify this project")
	ErrInvalidName     = errors.New("invalid project name")
	ErrOutsideRoot     = errors.New("project directory is outside the projects root")
	ErrInvalidMetadata = clone.ErrInvalidMetadata
)

// Store defines the storage operations needed by the projects domain.
type Store interface {
	CreateProject(ctx context.Context, p *storage.Project) error
	GetProject(ctx context.Context, name string) (*storage.Project, error)
	ListProjects(ctx context.Context, pagination storage.PaginationParams) (*storage.PaginatedResult[storage.Project], error)
	DeleteProject(ctx context.Context, name string) error
}

type service struct {
	store Store
	root  string
}

// NewService creates a project service. Imported directories must resolve
// inside root.
func NewService(store Store, root string) *service {
	return &service{store: store, root: root}
}

// Import validates a cloned project directory and registers it under name.
func (s *service) Import(ctx context.Context, ownerID string, req ImportRequest) (*Project, error) {
	if err := validation.ValidateProjectName(req.Name); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidName, err)
	}

	dir, err := s.resolveDir(req.Dir)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(filepath.Join(dir, clone.MetadataFile))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidMetadata, err)
	}
	cp, err := clone.Decode(data)
	if err != nil {
		return nil, err
	}
	cp.Dir = dir

	rec := &storage.Project{
		Name:           req.Name,
		Dir:            dir,
		TargetContract: cp.TargetContract,
		ChainID:        cp.ChainID,
		Address:        strings.ToLower(cp.Address.Hex()),
		Metadata:       data,
		OwnerID:        ownerID,
	}
	if err := s.store.CreateProject(ctx, rec); err != nil {
		if errors.Is(err, storage.ErrAlreadyExists) {
			return nil, ErrAlreadyExists
		}
		return nil, fmt.Errorf("creating project: %w", err)
	}
	return toDomain(rec, cp), nil
}

func (s *service) resolveDir(dir string) (string, error) {
	root, err := filepath.Abs(s.root)
	if err != nil {
		return "", fmt.Errorf("resolving projects root: %w", err)
	}
	if strings.TrimSpace(dir) == "" {
		return "", fmt.Errorf("%w: dir is required", ErrInvalidMetadata)
	}
	if !filepath.IsAbs(dir) {
		dir = filepath.Join(root, dir)
	}
	dir = filepath.Clean(dir)

	rel, err := filepath.Rel(root, dir)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", ErrOutsideRoot
	}
	return dir, nil
}

// Get returns a project with its parsed clone metadata.
func (s *service) Get(ctx context.Context, name string) (*Project, error) {
	rec, err := s.store.GetProject(ctx, name)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("getting project: %w", err)
	}
	cp, err := clone.Decode(rec.Metadata)
	if err != nil {
		return nil, fmt.Errorf("stored metadata for %s: %w", name, err)
	}
	cp.Dir = rec.Dir
	return toDomain(rec, cp), nil
}

// List lists projects by name.
func (s *service) List(ctx context.Context, pagination PaginationParams) (*ListResult, error) {
	res, err := s.store.ListProjects(ctx, storage.PaginationParams{Limit: pagination.Limit, Cursor: pagination.Cursor})
	if err != nil {
		return nil, fmt.Errorf("listing projects: %w", err)
	}
	out := &ListResult{HasMore: res.HasMore, NextCursor: res.NextCursor, Projects: make([]Project, 0, len(res.Data))}
	for i := range res.Data {
		// listing does not parse metadata
		out.Projects = append(out.Projects, *toDomain(&res.Data[i], nil))
	}
	return out, nil
}

// Delete removes a project. Only its importer may delete an owned project.
func (s *service) Delete(ctx context.Context, name, ownerID string) error {
	rec, err := s.store.GetProject(ctx, name)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("getting project: %w", err)
	}
	if rec.OwnerID != "" && rec.OwnerID != ownerID {
		return ErrForbidden
	}
	if err := s.store.DeleteProject(ctx, name); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("deleting project: %w", err)
	}
	return nil
}

func toDomain(rec *storage.Project, cp *clone.Project) *Project {
	return &Project{
		Name:           rec.Name,
		Dir:            rec.Dir,
		TargetContract: rec.TargetContract,
		ChainID:        rec.ChainID,
		Address:        rec.Address,
		MetadataHash:   rec.MetadataHash,
		OwnerID:        rec.OwnerID,
		CreatedAt:      storage.ParseTime(rec.CreatedAt),
		Clone:          cp,
	}
}

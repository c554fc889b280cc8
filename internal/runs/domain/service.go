package domain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/pendergraft/contratweak/internal/executor"
	projects "github.com/pendergraft/contratweak/internal/projects/domain"
	"github.com/pendergraft/contratweak/internal/storage"
	"github.com/pendergraft/contratweak/internal/tweak"
)

// Common errors returned by the run service.
var (
	ErrNotFound        = errors.New("run not found")
	ErrProjectNotFound = errors.New("project not found")
	ErrInvalidRequest  = errors.New("invalid run request")
)

// ProjectGetter resolves registered projects.
type ProjectGetter interface {
	Get(ctx context.Context, name string) (*projects.Project, error)
}

// Store defines the storage operations needed by the runs domain.
type Store interface {
	CreateRun(ctx context.Context, r *storage.Run) error
	FinishRun(ctx context.Context, r *storage.Run) error
	GetRun(ctx context.Context, id string) (*storage.Run, error)
	ListRuns(ctx context.Context, filter storage.RunFilter, pagination storage.PaginationParams) (*storage.PaginatedResult[storage.Run], error)
}

type service struct {
	projects ProjectGetter
	store    Store
	engine   Engine
	locks    *tweak.TargetLocks
}

// NewService creates a run service. Runs on the same target wait for each
// other through locks.
func NewService(projects ProjectGetter, store Store, engine Engine, locks *tweak.TargetLocks) *service {
	return &service{projects: projects, store: store, engine: engine, locks: locks}
}

// Check compiles the project and checks its layout without touching the chain.
func (s *service) Check(ctx context.Context, name, ownerID string) (*Run, error) {
	return s.execute(ctx, name, ownerID, EngineRequest{Mode: tweak.ModeCheck})
}

// Tweak runs the full pipeline, or stops after generation for a dry run.
// A failing pipeline still yields a recorded run; the returned error is
// reserved for failures to start or record one.
func (s *service) Tweak(ctx context.Context, name, ownerID string, req TweakRequest) (*Run, error) {
	overrides, err := executor.ParseImmutables(req.Immutables)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	mode := tweak.ModeApply
	if req.DryRun {
		mode = tweak.ModeDryRun
	}
	return s.execute(ctx, name, ownerID, EngineRequest{
		Mode: mode,
		Executor: executor.Options{
			AllowChainMismatch: req.AllowChainMismatch,
			ImmutableOverrides: overrides,
			Reexecute:          req.Reexecute,
		},
	})
}

func (s *service) execute(ctx context.Context, name, ownerID string, req EngineRequest) (*Run, error) {
	p, err := s.projects.Get(ctx, name)
	if err != nil {
		if errors.Is(err, projects.ErrNotFound) {
			return nil, ErrProjectNotFound
		}
		return nil, err
	}
	target := p.Clone.Target()

	unlock, err := s.locks.Lock(ctx, target)
	if err != nil {
		return nil, fmt.Errorf("waiting for %s: %w", target, err)
	}
	defer unlock()

	rec := &storage.Run{
		ProjectName: p.Name,
		Mode:        string(req.Mode),
		Target:      target,
		OwnerID:     ownerID,
	}
	if err := s.store.CreateRun(ctx, rec); err != nil {
		return nil, fmt.Errorf("recording run: %w", err)
	}

	start := time.Now()
	res, runErr := s.engine.Run(ctx, p.Clone, req)
	rec.DurationMs = time.Since(start).Milliseconds()
	if err := fillRecord(rec, res, runErr); err != nil {
		return nil, err
	}

	// the outcome is recorded even when the caller went away mid-run
	if err := s.store.FinishRun(context.WithoutCancel(ctx), rec); err != nil {
		return nil, fmt.Errorf("recording run outcome: %w", err)
	}

	run, err := toDomain(rec)
	if err != nil {
		return nil, err
	}
	run.Result = res
	return run, nil
}

func fillRecord(rec *storage.Run, res *tweak.Result, runErr error) error {
	rec.Status = storage.RunSucceeded
	if runErr != nil {
		rec.Status = storage.RunFailed
		rec.Error = runErr.Error()
	}

	var stageErr *tweak.StageError
	if errors.As(runErr, &stageErr) {
		rec.Stage = string(stageErr.Stage)
	} else if res != nil && len(res.Stages) > 0 {
		rec.Stage = string(res.Stages[len(res.Stages)-1].Stage)
	}

	if res == nil {
		return nil
	}
	if res.CodeHash != (common.Hash{}) {
		rec.CodeHash = res.CodeHash.Hex()
	}
	if res.Apply != nil {
		rec.Written = res.Apply.Written
	}
	if res.Verdict != nil {
		findings, err := json.Marshal(res.Verdict.Findings)
		if err != nil {
			return fmt.Errorf("encoding findings: %w", err)
		}
		rec.Findings = findings
	}
	return nil
}

// Get returns a recorded run.
func (s *service) Get(ctx context.Context, id string) (*Run, error) {
	rec, err := s.store.GetRun(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("getting run: %w", err)
	}
	return toDomain(rec)
}

// List lists runs newest first.
func (s *service) List(ctx context.Context, filter ListFilter, pagination PaginationParams) (*ListResult, error) {
	res, err := s.store.ListRuns(ctx,
		storage.RunFilter{Project: filter.Project, Status: filter.Status},
		storage.PaginationParams{Limit: pagination.Limit, Cursor: pagination.Cursor},
	)
	if err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}

	out := &ListResult{HasMore: res.HasMore, NextCursor: res.NextCursor, Runs: make([]Run, 0, len(res.Data))}
	for i := range res.Data {
		run, err := toDomain(&res.Data[i])
		if err != nil {
			return nil, err
		}
		out.Runs = append(out.Runs, *run)
	}
	return out, nil
}

func toDomain(rec *storage.Run) (*Run, error) {
	run := &Run{
		ID:       rec.ID,
		Project:  rec.ProjectName,
		Mode:     tweak.Mode(rec.Mode),
		Status:   rec.Status,
		Stage:    rec.Stage,
		Target:   rec.Target,
		CodeHash: rec.CodeHash,
		Written:  rec.Written,
		Error:    rec.Error,
		OwnerID:  rec.OwnerID,
		Duration: time.Duration(rec.DurationMs) * time.Millisecond,
	}
	run.CreatedAt = storage.ParseTime(rec.CreatedAt)
	run.FinishedAt = storage.ParseTime(rec.FinishedAt)
	if len(rec.Findings) > 0 && strings.TrimSpace(string(rec.Findings)) != "null" {
		if err := json.Unmarshal(rec.Findings, &run.Findings); err != nil {
			return nil, fmt.Errorf("decoding findings of run %s: %w", rec.ID, err)
		}
	}
	return run, nil
}

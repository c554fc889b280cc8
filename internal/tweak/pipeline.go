// Package tweak runs the compile, check, gather, generate and apply stages
// that swap a cloned contract's runtime code for a locally edited build.
package tweak

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/pendergraft/contratweak/internal/chains"
	"github.com/pendergraft/contratweak/internal/clone"
	"github.com/pendergraft/contratweak/internal/codegen"
	"github.com/pendergraft/contratweak/internal/executor"
	"github.com/pendergraft/contratweak/internal/layout"
	"github.com/pendergraft/contratweak/internal/observability/metrics"
)

// Stage names a pipeline step.
type Stage string

// Pipeline stages, in execution order
const (
	StageCompile  Stage = "compile"
	StageCheck    Stage = "check"
	StageGather   Stage = "gather"
	StageGenerate Stage = "generate"
	StageApply    Stage = "apply"
)

// Mode selects how far a run goes.
type Mode string

// Run modes
const (
	ModeApply  Mode = "apply"
	ModeDryRun Mode = "dry-run"
	ModeCheck  Mode = "check"
)

// ErrNoExecutor is returned when a run needs chain access but the pipeline
// was built without an executor.
var ErrNoExecutor = errors.New("pipeline has no chain executor")

// StageError reports which stage failed.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// Executor gathers chain facts and installs deployments.
type Executor interface {
	GatherFacts(ctx context.Context, project *clone.Project, artifact *chains.Artifact) (*codegen.ChainFacts, error)
	Apply(ctx context.Context, d *codegen.Deployment) (*executor.ApplyResult, error)
}

// Options control a single run.
type Options struct {
	Mode Mode
	// ExtraArgs are appended to the compiler invocation.
	ExtraArgs []string
}

// StageTiming is the wall time spent in one stage.
type StageTiming struct {
	Stage    Stage         `json:"stage"`
	Duration time.Duration `json:"duration"`
	Failed   bool          `json:"failed,omitempty"`
}

// Result is everything a run learned, filled as far as it got.
type Result struct {
	Target   string                `json:"target"`
	Contract string                `json:"contract"`
	Mode     Mode                  `json:"mode"`
	Verdict  *layout.Verdict       `json:"verdict,omitempty"`
	CodeHash common.Hash           `json:"codeHash,omitempty"`
	CodeSize int                   `json:"codeSize,omitempty"`
	Apply    *executor.ApplyResult `json:"apply,omitempty"`
	Stages   []StageTiming         `json:"stages"`

	// Candidate is the compiled layout, kept for inspection.
	Candidate *layout.Layout `json:"-"`
}

// Pipeline wires a compiler and an executor into the tweak flow.
type Pipeline struct {
	compiler chains.Compiler
	executor Executor
	logger   *slog.Logger
}

// New creates a pipeline. exec may be nil for check-only use.
func New(compiler chains.Compiler, exec Executor, logger *slog.Logger) *Pipeline {
	return &Pipeline{compiler: compiler, executor: exec, logger: logger}
}

// run carries state between stages.
type run struct {
	project    *clone.Project
	opts       Options
	artifact   *chains.Artifact
	facts      *codegen.ChainFacts
	deployment *codegen.Deployment
	result     *Result
}

type stage struct {
	name Stage
	// last stage executed in a mode
	lastIn []Mode
	fn     func(ctx context.Context, r *run) error
}

func (p *Pipeline) stages() []stage {
	return []stage{
		{name: StageCompile, fn: p.compile},
		{name: StageCheck, fn: p.check, lastIn: []Mode{ModeCheck}},
		{name: StageGather, fn: p.gather},
		{name: StageGenerate, fn: p.generate, lastIn: []Mode{ModeDryRun}},
		{name: StageApply, fn: p.apply},
	}
}

// Run executes the stages for project in order and stops at the first
// failure. The returned Result is non-nil even when err is not.
func (p *Pipeline) Run(ctx context.Context, project *clone.Project, opts Options) (*Result, error) {
	if opts.Mode == "" {
		opts.Mode = ModeApply
	}
	r := &run{
		project: project,
		opts:    opts,
		result: &Result{
			Target:   project.Target(),
			Contract: project.TargetContract,
			Mode:     opts.Mode,
			Stages:   []StageTiming{},
		},
	}
	if opts.Mode != ModeCheck && p.executor == nil {
		return r.result, ErrNoExecutor
	}

	logger := p.logger.With("target", r.result.Target, "mode", opts.Mode)
	for _, s := range p.stages() {
		if err := ctx.Err(); err != nil {
			metrics.TweakRun(string(opts.Mode), "canceled")
			return r.result, &StageError{Stage: s.name, Err: err}
		}

		start := time.Now()
		err := s.fn(ctx, r)
		elapsed := time.Since(start)

		status := "ok"
		if err != nil {
			status = "failed"
		}
		r.result.Stages = append(r.result.Stages, StageTiming{Stage: s.name, Duration: elapsed, Failed: err != nil})
		metrics.TweakStage(string(s.name), status, elapsed)

		if err != nil {
			logger.Warn("tweak stage failed", "stage", s.name, "duration", elapsed, "error", err)
			metrics.TweakRun(string(opts.Mode), "failed")
			return r.result, &StageError{Stage: s.name, Err: err}
		}
		logger.Debug("tweak stage done", "stage", s.name, "duration", elapsed)

		if s.endsMode(opts.Mode) {
			break
		}
	}

	metrics.TweakRun(string(opts.Mode), "ok")
	return r.result, nil
}

func (s stage) endsMode(m Mode) bool {
	for _, last := range s.lastIn {
		if last == m {
			return true
		}
	}
	return false
}

func (p *Pipeline) compile(ctx context.Context, r *run) error {
	opts := r.project.CompileOptions()
	opts.ExtraArgs = append(opts.ExtraArgs, r.opts.ExtraArgs...)

	artifacts, err := p.compiler.Compile(ctx, r.project.Dir, opts)
	if err != nil {
		return err
	}
	artifact, err := chains.FindArtifact(artifacts, r.project.TargetContract)
	if err != nil {
		return err
	}
	r.artifact = artifact
	r.result.Candidate = artifact.EVM.StorageLayout
	return nil
}

func (p *Pipeline) check(ctx context.Context, r *run) error {
	candidate := r.artifact.EVM.StorageLayout
	if candidate == nil {
		return fmt.Errorf("%w: %s has no storage layout (build with --extra-output storageLayout)",
			layout.ErrMalformedLayout, r.artifact.QualifiedName())
	}

	verdict := layout.Check(r.project.StorageLayout, candidate)
	r.result.Verdict = &verdict
	for _, f := range verdict.Findings {
		metrics.LayoutFinding(string(f.Kind))
	}
	return verdict.Err()
}

func (p *Pipeline) gather(ctx context.Context, r *run) error {
	facts, err := p.executor.GatherFacts(ctx, r.project, r.artifact)
	if err != nil {
		return err
	}
	r.facts = facts
	return nil
}

func (p *Pipeline) generate(ctx context.Context, r *run) error {
	d, err := codegen.Generate(r.artifact, r.project, r.facts)
	if err != nil {
		return err
	}
	r.deployment = d
	r.result.CodeHash = d.Hash()
	r.result.CodeSize = len(d.Code)
	return nil
}

func (p *Pipeline) apply(ctx context.Context, r *run) error {
	res, err := p.executor.Apply(ctx, r.deployment)
	r.result.Apply = res
	return err
}

package domain

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/pendergraft/contratweak/internal/chains"
	"github.com/pendergraft/contratweak/internal/chains/evm"
	"github.com/pendergraft/contratweak/internal/clone"
	"github.com/pendergraft/contratweak/internal/executor"
	"github.com/pendergraft/contratweak/internal/tweak"
)

// EngineRequest is one pipeline invocation.
type EngineRequest struct {
	Mode     tweak.Mode
	Executor executor.Options
}

// Engine runs the tweak pipeline for a project.
type Engine interface {
	Run(ctx context.Context, project *clone.Project, req EngineRequest) (*tweak.Result, error)
}

// PipelineEngine builds a pipeline per run. Check runs never dial the
// endpoint.
type PipelineEngine struct {
	compiler chains.Compiler
	rpcURL   string
	opts     evm.ClientOptions
	logger   *slog.Logger
}

// NewPipelineEngine creates an engine that talks to the fork at rpcURL.
func NewPipelineEngine(compiler chains.Compiler, rpcURL string, opts evm.ClientOptions, logger *slog.Logger) *PipelineEngine {
	return &PipelineEngine{compiler: compiler, rpcURL: rpcURL, opts: opts, logger: logger}
}

// Run implements Engine.
func (e *PipelineEngine) Run(ctx context.Context, project *clone.Project, req EngineRequest) (*tweak.Result, error) {
	if req.Mode == tweak.ModeCheck {
		return tweak.New(e.compiler, nil, e.logger).Run(ctx, project, tweak.Options{Mode: req.Mode})
	}

	client, err := evm.Dial(ctx, e.rpcURL, e.opts, e.logger)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", evm.ErrTransport, err)
	}
	defer client.Close()

	exec := executor.New(client, req.Executor, e.logger)
	return tweak.New(e.compiler, exec, e.logger).Run(ctx, project, tweak.Options{Mode: req.Mode})
}

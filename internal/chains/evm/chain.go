// Package evm provides the EVM chain module: compiler detection, bytecode
// utilities and a JSON-RPC client for fork nodes.
package evm

import (
	"fmt"

	"github.com/pendergraft/contratweak/internal/chains"
	"github.com/pendergraft/contratweak/internal/chains/evm/foundry"
)

// Chain implements the chains.Chain interface for EVM-compatible blockchains
type Chain struct {
	compilers []chains.Compiler
}

// NewChain creates a new EVM chain module. opts configure the Foundry
// adapter.
func NewChain(opts ...foundry.Option) *Chain {
	return &Chain{
		compilers: []chains.Compiler{
			NewFoundryCompiler(opts...),
		},
	}
}

// Name returns the chain identifier
func (c *Chain) Name() string {
	return "evm"
}

// DisplayName returns a human-readable name
func (c *Chain) DisplayName() string {
	return "Ethereum/EVM"
}

// Compilers returns all available compilers for this chain
func (c *Chain) Compilers() []chains.Compiler {
	return c.compilers
}

// DetectCompiler detects which compiler is used in the given directory
func (c *Chain) DetectCompiler(dir string) (chains.Compiler, error) {
	for _, b := range c.compilers {
		detected, err := b.Detect(dir)
		if err != nil {
			continue
		}
		if detected {
			return b, nil
		}
	}
	return nil, fmt.Errorf("%w: no EVM compiler config in %s", chains.ErrNoCompiler, dir)
}

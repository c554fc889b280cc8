package evm

import (
	"github.com/pendergraft/contratweak/internal/chains"
	"github.com/pendergraft/contratweak/internal/chains/evm/foundry"
)

// NewFoundryCompiler creates a Foundry compiler adapter that shells out to forge
func NewFoundryCompiler(opts ...foundry.Option) chains.Compiler {
	return foundry.New(opts...)
}

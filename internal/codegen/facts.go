package codegen

import (
	"github.com/ethereum/go-ethereum/common"
)

// Facts supplies the chain state a tweaked deployment must reproduce.
type Facts interface {
	// Immutable returns the value an immutable variable holds in the
	// original deployment.
	Immutable(name string) ([]byte, bool)
	// Library returns the address the original deployment linked for the
	// library source:name.
	Library(source, name string) (common.Address, bool)
}

// ChainFacts is the Facts implementation filled by the executor.
type ChainFacts struct {
	Immutables map[string][]byte                    `json:"immutables"`
	Libraries  map[string]map[string]common.Address `json:"libraries"`
}

// NewChainFacts returns empty facts.
func NewChainFacts() *ChainFacts {
	return &ChainFacts{
		Immutables: make(map[string][]byte),
		Libraries:  make(map[string]map[string]common.Address),
	}
}

// Immutable implements Facts.
func (f *ChainFacts) Immutable(name string) ([]byte, bool) {
	v, ok := f.Immutables[name]
	return v, ok
}

// Library implements Facts.
func (f *ChainFacts) Library(source, name string) (common.Address, bool) {
	addr, ok := f.Libraries[source][name]
	return addr, ok
}

// SetImmutable records an immutable value.
func (f *ChainFacts) SetImmutable(name string, value []byte) {
	f.Immutables[name] = append([]byte(nil), value...)
}

// SetLibrary records a linked library address.
func (f *ChainFacts) SetLibrary(source, name string, addr common.Address) {
	if f.Libraries[source] == nil {
		f.Libraries[source] = make(map[string]common.Address)
	}
	f.Libraries[source][name] = addr
}

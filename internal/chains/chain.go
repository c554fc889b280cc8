// Package chains provides the compiler adapter interfaces and the artifact
// model shared by the chain modules.
package chains

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/pendergraft/contratweak/internal/layout"
)

// ErrContractNotFound is returned when the requested contract is absent
// from a compilation's artifact set.
var ErrContractNotFound = errors.New("contract not found in project")

// ErrNoCompiler is returned when no registered compiler recognises a
// project directory.
var ErrNoCompiler = errors.New("no supported compiler detected")

// Chain represents a blockchain ecosystem and the compilers it supports.
type Chain interface {
	Name() string        // "evm"
	DisplayName() string // "Ethereum/EVM"

	DetectCompiler(dir string) (Compiler, error)
	Compilers() []Compiler
}

// Compiler builds a source tree and parses the resulting artifacts.
type Compiler interface {
	Name() string        // "foundry"
	DisplayName() string // "Foundry"
	Chain() string       // "evm"

	Detect(dir string) (bool, error)
	ConfigFile() string // "foundry.toml"

	// Compile builds dir with the given settings and returns every
	// artifact that carries bytecode.
	Compile(ctx context.Context, dir string, opts CompileOptions) ([]*Artifact, error)
	Discover(dir string, opts DiscoverOptions) ([]string, error)
	Parse(artifactPath string) (*Artifact, error)
}

// CompileOptions pins the compiler to the settings of the original deployment.
type CompileOptions struct {
	Compiler  EVMCompiler
	Libraries map[string]map[string]string // source path -> library name -> address
	ExtraArgs []string
}

// DiscoverOptions configures artifact discovery
type DiscoverOptions struct {
	// Contracts to include (empty = all)
	Contracts []string
	// Patterns to exclude (e.g., "Test*", "Mock*")
	Exclude []string
}

// ByteRange locates a span inside a bytecode object.
type ByteRange struct {
	Start  int `json:"start"`
	Length int `json:"length"`
}

// End returns the exclusive end offset.
func (r ByteRange) End() int {
	return r.Start + r.Length
}

// LinkReferences maps source path -> library name -> placeholder ranges.
type LinkReferences map[string]map[string][]ByteRange

// Each calls fn for every library in a deterministic order.
func (l LinkReferences) Each(fn func(source, name string, ranges []ByteRange) error) error {
	sources := make([]string, 0, len(l))
	for s := range l {
		sources = append(sources, s)
	}
	sort.Strings(sources)
	for _, s := range sources {
		names := make([]string, 0, len(l[s]))
		for n := range l[s] {
			names = append(names, n)
		}
		sort.Strings(names)
		for _, n := range names {
			if err := fn(s, n, l[s][n]); err != nil {
				return err
			}
		}
	}
	return nil
}

// ImmutableReferences maps immutable variable name -> ranges in deployed code.
type ImmutableReferences map[string][]ByteRange

// Names returns the variable names in sorted order.
func (r ImmutableReferences) Names() []string {
	names := make([]string, 0, len(r))
	for n := range r {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Artifact can represent any chain's contract/program
type Artifact struct {
	Name  string `json:"name"`
	Chain string `json:"chain"` // "evm"

	EVM *EVMArtifact `json:"evm,omitempty"`
}

// QualifiedName returns "source:Name" when the source path is known.
func (a *Artifact) QualifiedName() string {
	if a.EVM != nil && a.EVM.SourcePath != "" {
		return a.EVM.SourcePath + ":" + a.Name
	}
	return a.Name
}

// EVMArtifact contains EVM-specific contract data. It is a read-only
// snapshot of one compilation.
type EVMArtifact struct {
	SourcePath             string              `json:"sourcePath"`
	License                string              `json:"license,omitempty"`
	ABI                    json.RawMessage     `json:"abi"`
	Bytecode               string              `json:"bytecode"`
	DeployedBytecode       string              `json:"deployedBytecode"`
	StorageLayout          *layout.Layout      `json:"storageLayout,omitempty"`
	ImmutableReferences    ImmutableReferences `json:"immutableReferences,omitempty"`
	LinkReferences         LinkReferences      `json:"linkReferences,omitempty"`
	DeployedLinkReferences LinkReferences      `json:"deployedLinkReferences,omitempty"`
	Compiler               EVMCompiler         `json:"compiler"`
}

// EVMCompiler contains EVM compiler details
type EVMCompiler struct {
	Version    string          `json:"version"` // "0.8.20" or "v0.8.20+commit.a1b2c3d4"
	Optimizer  OptimizerConfig `json:"optimizer"`
	EVMVersion string          `json:"evmVersion,omitempty"` // "paris", "shanghai"
	ViaIR      bool            `json:"viaIR,omitempty"`
}

// OptimizerConfig contains optimizer settings
type OptimizerConfig struct {
	Enabled bool `json:"enabled"`
	Runs    int  `json:"runs"`
}

// FindArtifact selects the artifact for target, given either as a bare
// contract name or as "source/path.sol:Name". A bare name that matches
// several sources is ambiguous and reported as not found.
func FindArtifact(artifacts []*Artifact, target string) (*Artifact, error) {
	source, name := "", target
	if i := strings.LastIndex(target, ":"); i >= 0 {
		source, name = target[:i], target[i+1:]
	}

	var matches []*Artifact
	for _, a := range artifacts {
		if a.Name != name {
			continue
		}
		if source != "" && (a.EVM == nil || a.EVM.SourcePath != source) {
			continue
		}
		matches = append(matches, a)
	}

	switch len(matches) {
	case 1:
		return matches[0], nil
	case 0:
		return nil, fmt.Errorf("%w: %s", ErrContractNotFound, target)
	default:
		return nil, fmt.Errorf("%w: %s is ambiguous across %d sources", ErrContractNotFound, target, len(matches))
	}
}

// Registry holds all registered chain modules
type Registry struct {
	chains map[string]Chain
}

// NewRegistry creates a new chain registry
func NewRegistry() *Registry {
	return &Registry{
		chains: make(map[string]Chain),
	}
}

// Register adds a chain module to the registry
func (r *Registry) Register(c Chain) {
	r.chains[c.Name()] = c
}

// Get retrieves a chain module by name
func (r *Registry) Get(name string) (Chain, bool) {
	c, ok := r.chains[name]
	return c, ok
}

// DetectCompiler finds the compiler used by a project directory
func (r *Registry) DetectCompiler(dir string) (Compiler, error) {
	names := make([]string, 0, len(r.chains))
	for n := range r.chains {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		compiler, err := r.chains[n].DetectCompiler(dir)
		if err == nil && compiler != nil {
			return compiler, nil
		}
	}
	return nil, fmt.Errorf("%w in %s", ErrNoCompiler, dir)
}

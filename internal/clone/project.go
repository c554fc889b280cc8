// Package clone reads the metadata a clone step leaves next to a cloned
// contract's sources. The metadata is read-only for the duration of a run.
package clone

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/pendergraft/contratweak/internal/chains"
	"github.com/pendergraft/contratweak/internal/layout"
	"github.com/pendergraft/contratweak/internal/validation"
)

// MetadataFile is the name of the metadata document inside a project.
const MetadataFile = "clone.json"

// ErrInvalidMetadata is returned when clone.json is missing, unreadable or
// incomplete.
var ErrInvalidMetadata = errors.New("invalid clone metadata")

// Project is a contract previously cloned from a live chain.
type Project struct {
	Dir string `json:"-"`

	TargetContract string         `json:"targetContract"`
	Address        common.Address `json:"address"`
	ChainID        uint64         `json:"chainId"`
	StorageLayout  *layout.Layout `json:"storageLayout"`
	Compiler       Compiler       `json:"compiler"`

	// Immutable offsets in the original runtime code, by variable name.
	ImmutableReferences chains.ImmutableReferences `json:"immutableReferences,omitempty"`
	Creation            *Creation                  `json:"creation,omitempty"`
}

// Compiler is the configuration the original deployment was built with.
type Compiler struct {
	Version    string                 `json:"version"`
	Optimizer  chains.OptimizerConfig `json:"optimizer"`
	EVMVersion string                 `json:"evmVersion,omitempty"`
	ViaIR      bool                   `json:"viaIR,omitempty"`
	// source path -> library name -> linked address
	Libraries map[string]map[string]common.Address `json:"libraries,omitempty"`
}

// Creation records how the original contract was deployed.
type Creation struct {
	Deployer             common.Address `json:"deployer"`
	BlockNumber          uint64         `json:"blockNumber"`
	TxHash               common.Hash    `json:"txHash"`
	ConstructorArguments hexutil.Bytes  `json:"constructorArguments"`
}

// Load reads and validates <dir>/clone.json.
func Load(dir string) (*Project, error) {
	data, err := os.ReadFile(filepath.Join(dir, MetadataFile))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidMetadata, err)
	}
	p, err := Decode(data)
	if err != nil {
		return nil, err
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidMetadata, err)
	}
	p.Dir = abs
	return p, nil
}

// Decode parses and validates a clone.json document. Layout errors match
// both ErrInvalidMetadata and layout.ErrMalformedLayout.
func Decode(data []byte) (*Project, error) {
	var p Project
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidMetadata, err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// Validate checks that the metadata is complete enough for a tweak run.
func (p *Project) Validate() error {
	if strings.TrimSpace(p.TargetContract) == "" {
		return fmt.Errorf("%w: targetContract is required", ErrInvalidMetadata)
	}
	if p.Address == (common.Address{}) {
		return fmt.Errorf("%w: address is required", ErrInvalidMetadata)
	}
	if err := validation.ValidateChainID(p.ChainID); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidMetadata, err)
	}
	if p.StorageLayout == nil {
		return fmt.Errorf("%w: storageLayout is required", ErrInvalidMetadata)
	}
	if p.Compiler.Version != "" {
		if err := validation.ValidateCompilerVersion(p.Compiler.Version); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidMetadata, err)
		}
		if len(p.ImmutableReferences) > 0 && !validation.SupportsImmutables(p.Compiler.Version) {
			return fmt.Errorf("%w: compiler %s predates immutables", ErrInvalidMetadata, p.Compiler.Version)
		}
	}
	for name, ranges := range p.ImmutableReferences {
		for _, r := range ranges {
			if r.Start < 0 || r.Length <= 0 {
				return fmt.Errorf("%w: immutable %s has an invalid range", ErrInvalidMetadata, name)
			}
		}
	}
	return nil
}

// Target identifies the deployed instance as "<chainId>/<address>".
func (p *Project) Target() string {
	return fmt.Sprintf("%d/%s", p.ChainID, strings.ToLower(p.Address.Hex()))
}

// Library returns the address the original deployment linked for a library.
func (p *Project) Library(source, name string) (common.Address, bool) {
	libs, ok := p.Compiler.Libraries[source]
	if !ok {
		return common.Address{}, false
	}
	addr, ok := libs[name]
	return addr, ok
}

// CompileOptions pins a compilation to the original compiler settings.
func (p *Project) CompileOptions() chains.CompileOptions {
	libs := make(map[string]map[string]string, len(p.Compiler.Libraries))
	for source, names := range p.Compiler.Libraries {
		libs[source] = make(map[string]string, len(names))
		for name, addr := range names {
			libs[source][name] = addr.Hex()
		}
	}
	return chains.CompileOptions{
		Compiler: chains.EVMCompiler{
			Version:    p.Compiler.Version,
			Optimizer:  p.Compiler.Optimizer,
			EVMVersion: p.Compiler.EVMVersion,
			ViaIR:      p.Compiler.ViaIR,
		},
		Libraries: libs,
	}
}

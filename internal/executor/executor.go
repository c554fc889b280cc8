// Package executor talks to a fork node: it gathers the chain facts a
// tweaked deployment needs and installs the generated code in place.
package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/pendergraft/contratweak/internal/chains"
	"github.com/pendergraft/contratweak/internal/chains/evm"
	"github.com/pendergraft/contratweak/internal/clone"
	"github.com/pendergraft/contratweak/internal/codegen"
)

// Execution errors
var (
	ErrUnsupportedTarget = errors.New("endpoint does not support in-place code replacement")
	ErrChainMismatch     = errors.New("endpoint chain id does not match the project")
	ErrLibraryNotFound   = errors.New("linked library has no code")
	ErrContractNotFound  = errors.New("target address has no code")
	ErrImmutableMismatch = errors.New("immutable ranges disagree")
	ErrStorageChanged    = errors.New("storage changed during code replacement")
	ErrCodeMismatch      = errors.New("installed code differs from deployment")
)

// RPC is the chain capability the executor needs.
type RPC interface {
	ChainID(ctx context.Context) (uint64, error)
	ClientVersion(ctx context.Context) (string, error)
	GetCode(ctx context.Context, addr common.Address) ([]byte, error)
	GetStorageAt(ctx context.Context, addr common.Address, slot common.Hash) (common.Hash, error)
	BlockHeader(ctx context.Context, number uint64) (*types.Header, error)
	SetCode(ctx context.Context, addr common.Address, code []byte) error
	CallCreation(ctx context.Context, call evm.CreationCall) ([]byte, error)
}

// Options tune fact gathering and the chain-id guard.
type Options struct {
	// AllowChainMismatch skips the chain id comparison.
	AllowChainMismatch bool
	// ImmutableOverrides win over values read from chain.
	ImmutableOverrides map[string][]byte
	// Reexecute forces these immutables to be recomputed by re-running
	// the constructor even when the original table knows them. Known
	// immutables are otherwise copied from the installed code; a tweak that
	// changes an immutable's defining expression is not detected and must be
	// listed here by the operator.
	Reexecute []string
}

// ParseImmutables decodes 0x-prefixed override values by immutable name.
// Values narrower than a word are left-padded to 32 bytes.
func ParseImmutables(in map[string]string) (map[string][]byte, error) {
	if len(in) == 0 {
		return nil, nil
	}
	out := make(map[string][]byte, len(in))
	for name, value := range in {
		b, err := hexutil.Decode(value)
		if err != nil {
			return nil, fmt.Errorf("immutable %s: %w", name, err)
		}
		if len(b) > common.HashLength {
			return nil, fmt.Errorf("immutable %s: %d bytes exceeds a word", name, len(b))
		}
		out[name] = common.LeftPadBytes(b, common.HashLength)
	}
	return out, nil
}

// Executor gathers facts from and applies deployments to one endpoint.
type Executor struct {
	rpc    RPC
	opts   Options
	logger *slog.Logger
}

// New creates an executor.
func New(rpc RPC, opts Options, logger *slog.Logger) *Executor {
	return &Executor{rpc: rpc, opts: opts, logger: logger}
}

// ApplyResult describes what Apply did.
type ApplyResult struct {
	Address          common.Address `json:"address"`
	Written          bool           `json:"written"`
	PreviousCodeHash common.Hash    `json:"previousCodeHash"`
	CodeHash         common.Hash    `json:"codeHash"`
	Previous         evm.MatchType  `json:"previous"`
	StorageChecked   int            `json:"storageChecked"`
	StorageTotal     uint64         `json:"storageTotal"`
}

func hashCode(code []byte) common.Hash {
	if len(code) == 0 {
		return common.Hash{}
	}
	return crypto.Keccak256Hash(code)
}

// GatherFacts reads, without writing anything, the library addresses and
// immutable values the generator needs for artifact.
func (e *Executor) GatherFacts(ctx context.Context, project *clone.Project, artifact *chains.Artifact) (*codegen.ChainFacts, error) {
	if artifact == nil || artifact.EVM == nil {
		return nil, errors.New("artifact has no EVM output")
	}
	if err := e.checkChain(ctx, project.ChainID); err != nil {
		return nil, err
	}

	facts := codegen.NewChainFacts()

	for source, libs := range project.Compiler.Libraries {
		for name, addr := range libs {
			code, err := e.rpc.GetCode(ctx, addr)
			if err != nil {
				return nil, fmt.Errorf("reading library %s:%s: %w", source, name, err)
			}
			if len(code) == 0 {
				return nil, fmt.Errorf("%w: %s:%s at %s", ErrLibraryNotFound, source, name, addr.Hex())
			}
			facts.SetLibrary(source, name, addr)
		}
	}

	needed := artifact.EVM.ImmutableReferences
	if len(needed) == 0 {
		return facts, nil
	}

	forced := make(map[string]bool, len(e.opts.Reexecute))
	for _, n := range e.opts.Reexecute {
		forced[n] = true
	}

	var onchain []byte
	var reexecute []string
	for _, name := range needed.Names() {
		if v, ok := e.opts.ImmutableOverrides[name]; ok {
			facts.SetImmutable(name, v)
			e.logger.Debug("immutable from override", "name", name)
			continue
		}
		ranges, known := project.ImmutableReferences[name]
		if !known || forced[name] {
			reexecute = append(reexecute, name)
			continue
		}
		if onchain == nil {
			code, err := e.rpc.GetCode(ctx, project.Address)
			if err != nil {
				return nil, fmt.Errorf("reading target code: %w", err)
			}
			if len(code) == 0 {
				return nil, fmt.Errorf("%w: %s", ErrContractNotFound, project.Address.Hex())
			}
			onchain = code
		}
		v, err := readImmutable(onchain, name, ranges)
		if err != nil {
			return nil, err
		}
		facts.SetImmutable(name, v)
	}

	if len(reexecute) == 0 || project.Creation == nil {
		// unresolved names surface from the generator as ErrUnresolvedImmutable
		return facts, nil
	}

	runtime, err := e.rerunConstructor(ctx, project, artifact, facts)
	if err != nil {
		return nil, err
	}
	for _, name := range reexecute {
		v, err := readImmutable(runtime, name, needed[name])
		if err != nil {
			return nil, err
		}
		facts.SetImmutable(name, v)
		e.logger.Debug("immutable from constructor re-execution", "name", name)
	}
	return facts, nil
}

// rerunConstructor executes the tweaked creation code with the original
// constructor arguments, from the original deployer, on the state just
// before the original deployment block and inside that block's environment,
// so block.number, block.timestamp, basefee and coinbase read as they did at
// deployment. Transactions that preceded the deployment inside its block are
// not replayed.
func (e *Executor) rerunConstructor(ctx context.Context, project *clone.Project, artifact *chains.Artifact, facts codegen.Facts) ([]byte, error) {
	creation, err := codegen.LinkCreation(artifact, facts)
	if err != nil {
		return nil, err
	}
	call := evm.CreationCall{
		From: project.Creation.Deployer,
		Data: append(creation, project.Creation.ConstructorArguments...),
	}

	if n := project.Creation.BlockNumber; n > 0 {
		header, err := e.rpc.BlockHeader(ctx, n)
		if err != nil {
			return nil, fmt.Errorf("reading deployment block %d: %w", n, err)
		}
		call.Block = new(big.Int).SetUint64(n - 1)
		call.Env = header
	} else {
		e.logger.Warn("deployment block unknown, re-executing constructor on the latest block", "address", project.Address.Hex())
	}

	runtime, err := e.rpc.CallCreation(ctx, call)
	if err != nil {
		return nil, fmt.Errorf("re-executing constructor: %w", err)
	}
	if len(runtime) == 0 {
		return nil, errors.New("re-executing constructor: no runtime code returned")
	}
	return runtime, nil
}

func readImmutable(code []byte, name string, ranges []chains.ByteRange) ([]byte, error) {
	var value []byte
	for _, r := range ranges {
		if r.Start < 0 || r.End() > len(code) {
			return nil, fmt.Errorf("%w: %s range %d+%d outside %d-byte code", codegen.ErrUnresolvedImmutable, name, r.Start, r.Length, len(code))
		}
		v := code[r.Start:r.End()]
		if value != nil && !bytes.Equal(value, v) {
			return nil, fmt.Errorf("%w: %s", ErrImmutableMismatch, name)
		}
		value = v
	}
	if value == nil {
		return nil, fmt.Errorf("%w: %s has no references", codegen.ErrUnresolvedImmutable, name)
	}
	return append([]byte(nil), value...), nil
}

// Apply installs d at its address. Cancellation is honoured until the
// set-code call is sent; after the node acknowledges it the swap is
// committed and the post-write checks run to completion.
func (e *Executor) Apply(ctx context.Context, d *codegen.Deployment) (*ApplyResult, error) {
	if err := e.checkChain(ctx, d.ChainID); err != nil {
		return nil, err
	}

	current, err := e.rpc.GetCode(ctx, d.Address)
	if err != nil {
		return nil, fmt.Errorf("reading current code: %w", err)
	}
	result := &ApplyResult{
		Address:          d.Address,
		PreviousCodeHash: hashCode(current),
		CodeHash:         d.Hash(),
		Previous:         evm.CompareCode(current, d.Code),
	}
	if result.Previous == evm.MatchFull {
		e.logger.Info("code already installed", "address", d.Address.Hex(), "codeHash", result.CodeHash.Hex())
		return result, nil
	}

	result.StorageTotal = d.StorageTotal
	if uint64(len(d.StorageWords)) < d.StorageTotal {
		e.logger.Warn("storage check is partial",
			"address", d.Address.Hex(), "watched", len(d.StorageWords), "occupied", d.StorageTotal)
	}

	before, err := e.sampleStorage(ctx, d)
	if err != nil {
		return nil, err
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := e.rpc.SetCode(ctx, d.Address, d.Code); err != nil {
		if errors.Is(err, evm.ErrMethodNotFound) {
			return nil, fmt.Errorf("%w: %w", ErrUnsupportedTarget, err)
		}
		return nil, fmt.Errorf("replacing code: %w", err)
	}
	result.Written = true

	committed := context.WithoutCancel(ctx)
	e.logger.Info("code replaced", "address", d.Address.Hex(), "codeHash", result.CodeHash.Hex(), "bytes", len(d.Code))

	after, err := e.sampleStorage(committed, d)
	if err != nil {
		return result, err
	}
	for i, slot := range d.StorageWords {
		if before[i] != after[i] {
			return result, fmt.Errorf("%w: slot %s was %s, now %s", ErrStorageChanged, slot.Hex(), before[i].Hex(), after[i].Hex())
		}
	}
	result.StorageChecked = len(d.StorageWords)

	installed, err := e.rpc.GetCode(committed, d.Address)
	if err != nil {
		return result, fmt.Errorf("reading back code: %w", err)
	}
	if !bytes.Equal(installed, d.Code) {
		return result, fmt.Errorf("%w: expected %s, found %s", ErrCodeMismatch, result.CodeHash.Hex(), hashCode(installed).Hex())
	}
	return result, nil
}

func (e *Executor) sampleStorage(ctx context.Context, d *codegen.Deployment) ([]common.Hash, error) {
	words := make([]common.Hash, len(d.StorageWords))
	for i, slot := range d.StorageWords {
		w, err := e.rpc.GetStorageAt(ctx, d.Address, slot)
		if err != nil {
			return nil, fmt.Errorf("reading storage slot %s: %w", slot.Hex(), err)
		}
		words[i] = w
	}
	return words, nil
}

func (e *Executor) checkChain(ctx context.Context, want uint64) error {
	if e.opts.AllowChainMismatch {
		return nil
	}
	got, err := e.rpc.ChainID(ctx)
	if err != nil {
		return fmt.Errorf("reading chain id: %w", err)
	}
	if got != want {
		return fmt.Errorf("%w: endpoint is %d, project is %d", ErrChainMismatch, got, want)
	}
	return nil
}

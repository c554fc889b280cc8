// Package codegen turns a compiled artifact into the runtime code that can
// replace an original deployment in place: library references are linked
// against the original addresses and immutables are filled with the values
// the original constructor produced.
package codegen

import (
	"errors"
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/pendergraft/contratweak/internal/chains"
	"github.com/pendergraft/contratweak/internal/chains/evm"
	"github.com/pendergraft/contratweak/internal/clone"
)

// Generation errors
var (
	ErrUnresolvedImmutable       = errors.New("unresolved immutable")
	ErrLibraryRelinkNotSupported = errors.New("library relink not supported")
	ErrUnresolvedLibrary         = errors.New("unresolved library")
	// ErrIncompleteLinking means a placeholder or immutable range was left
	// unwritten. It indicates a generator bug, not bad input.
	ErrIncompleteLinking = errors.New("incomplete linking")
)

// MaxStorageWords bounds the storage words a deployment asks the executor
// to compare around the code swap. Deployment.StorageTotal reports how many
// the layout occupies, so a bounded check is never mistaken for a full one.
const MaxStorageWords = 1024

const addressLength = common.AddressLength

// Deployment is runtime code ready to be installed at Address.
type Deployment struct {
	Address common.Address
	ChainID uint64
	Code    []byte
	// Storage words used by the original layout, watched across the swap.
	StorageWords []common.Hash
	// StorageTotal counts every word the original layout occupies; it
	// exceeds len(StorageWords) when the layout is larger than MaxStorageWords.
	StorageTotal uint64
}

// Hash returns keccak256 of the runtime code.
func (d *Deployment) Hash() common.Hash {
	return crypto.Keccak256Hash(d.Code)
}

// Generate produces the tweaked runtime code for project from a verified
// artifact. Every library reference and immutable range must be resolved
// through facts; nothing is left as a placeholder.
func Generate(artifact *chains.Artifact, project *clone.Project, facts Facts) (*Deployment, error) {
	if artifact == nil || artifact.EVM == nil {
		return nil, errors.New("artifact has no EVM output")
	}
	code, placeholders, err := evm.DecodeUnlinked(artifact.EVM.DeployedBytecode)
	if err != nil {
		return nil, fmt.Errorf("%s deployed bytecode: %w", artifact.Name, err)
	}
	if len(code) == 0 {
		return nil, fmt.Errorf("%s has empty runtime code", artifact.Name)
	}

	s := newSplicer(code, placeholders)
	immutables := artifact.EVM.ImmutableReferences
	for _, name := range immutables.Names() {
		for _, r := range immutables[name] {
			s.expect(r, "immutable "+name)
		}
	}

	err = artifact.EVM.DeployedLinkReferences.Each(func(source, name string, ranges []chains.ByteRange) error {
		original, linked := project.Library(source, name)
		if !linked {
			return fmt.Errorf("%w: %s:%s is not linked by the original deployment", ErrLibraryRelinkNotSupported, source, name)
		}
		addr, ok := facts.Library(source, name)
		if !ok {
			return fmt.Errorf("%w: %s:%s", ErrUnresolvedLibrary, source, name)
		}
		if addr != original {
			return fmt.Errorf("%w: %s:%s resolves to %s, original deployment linked %s",
				ErrLibraryRelinkNotSupported, source, name, addr.Hex(), original.Hex())
		}
		return s.link(ranges, source, name, addr)
	})
	if err != nil {
		return nil, err
	}

	for _, name := range immutables.Names() {
		value, ok := facts.Immutable(name)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnresolvedImmutable, name)
		}
		for _, r := range immutables[name] {
			if len(value) != r.Length {
				return nil, fmt.Errorf("%w: %s has %d bytes but its reference spans %d",
					ErrUnresolvedImmutable, name, len(value), r.Length)
			}
		}
		if err := s.writeAll(immutables[name], value, "immutable "+name); err != nil {
			return nil, err
		}
	}

	if err := s.done(); err != nil {
		return nil, err
	}

	words, total := storageWords(project)
	return &Deployment{
		Address:      project.Address,
		ChainID:      project.ChainID,
		Code:         s.code,
		StorageWords: words,
		StorageTotal: total,
	}, nil
}

// LinkCreation links the artifact's creation code against the libraries in
// facts so the original constructor can be re-executed.
func LinkCreation(artifact *chains.Artifact, facts Facts) ([]byte, error) {
	if artifact == nil || artifact.EVM == nil {
		return nil, errors.New("artifact has no EVM output")
	}
	code, placeholders, err := evm.DecodeUnlinked(artifact.EVM.Bytecode)
	if err != nil {
		return nil, fmt.Errorf("%s creation bytecode: %w", artifact.Name, err)
	}

	s := newSplicer(code, placeholders)
	err = artifact.EVM.LinkReferences.Each(func(source, name string, ranges []chains.ByteRange) error {
		addr, ok := facts.Library(source, name)
		if !ok {
			return fmt.Errorf("%w: %s:%s", ErrUnresolvedLibrary, source, name)
		}
		return s.link(ranges, source, name, addr)
	})
	if err != nil {
		return nil, err
	}
	if err := s.done(); err != nil {
		return nil, err
	}
	return s.code, nil
}

func storageWords(project *clone.Project) ([]common.Hash, uint64) {
	words, total := project.StorageLayout.Words(MaxStorageWords)
	out := make([]common.Hash, 0, len(words))
	for _, w := range words {
		out = append(out, common.Hash(w.Bytes32()))
	}
	return out, total
}

// splicer writes values into code and tracks which expected ranges have
// been written.
type splicer struct {
	code    []byte
	pending map[int]string // start -> description
	lengths map[int]int
	holders map[int]string // start -> placeholder hash
}

func newSplicer(code []byte, placeholders []evm.Placeholder) *splicer {
	s := &splicer{
		code:    append([]byte(nil), code...),
		pending: make(map[int]string),
		lengths: make(map[int]int),
		holders: make(map[int]string, len(placeholders)),
	}
	for _, p := range placeholders {
		s.expect(chains.ByteRange{Start: p.Start, Length: addressLength}, "library placeholder "+p.Hash)
		s.holders[p.Start] = p.Hash
	}
	return s
}

func (s *splicer) expect(r chains.ByteRange, what string) {
	s.pending[r.Start] = what
	s.lengths[r.Start] = r.Length
}

// link writes addr over a library's reference ranges. A range that still
// holds a placeholder must hold the one solc derived for source:name.
func (s *splicer) link(ranges []chains.ByteRange, source, name string, addr common.Address) error {
	want := evm.PlaceholderHash(source, name)
	for _, r := range ranges {
		if got, ok := s.holders[r.Start]; ok && got != want {
			return fmt.Errorf("%w: %s:%s reference at %d holds the placeholder of another library (%s)",
				ErrIncompleteLinking, source, name, r.Start, got)
		}
	}
	return s.writeAll(ranges, addr.Bytes(), evm.PlaceholderFor(source, name))
}

func (s *splicer) writeAll(ranges []chains.ByteRange, value []byte, what string) error {
	for _, r := range ranges {
		if r.Length != len(value) {
			return fmt.Errorf("%w: %s at %d spans %d bytes, value has %d", ErrIncompleteLinking, what, r.Start, r.Length, len(value))
		}
		if r.Start < 0 || r.End() > len(s.code) {
			return fmt.Errorf("%w: %s at %d is outside the %d-byte code", ErrIncompleteLinking, what, r.Start, len(s.code))
		}
		if n, ok := s.lengths[r.Start]; ok && n != r.Length {
			return fmt.Errorf("%w: %s at %d overlaps a %d-byte reference", ErrIncompleteLinking, what, r.Start, n)
		}
		copy(s.code[r.Start:r.End()], value)
		delete(s.pending, r.Start)
	}
	return nil
}

func (s *splicer) done() error {
	if len(s.pending) == 0 {
		return nil
	}
	starts := make([]int, 0, len(s.pending))
	for start := range s.pending {
		starts = append(starts, start)
	}
	sort.Ints(starts)
	first := starts[0]
	return fmt.Errorf("%w: %d range(s) unwritten, first %s at byte %d", ErrIncompleteLinking, len(starts), s.pending[first], first)
}

package evm

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"
)

// Library placeholder pattern: __$<34 hex chars>$__
var libraryPlaceholder = regexp.MustCompile(`__\$[a-fA-F0-9]{34}\$__`)

// placeholderHexLen is the hex length of one placeholder (20 bytes).
const placeholderHexLen = 40

// MatchType describes how two code objects relate.
type MatchType string

// Match types
const (
	MatchFull    MatchType = "full"
	MatchPartial MatchType = "partial"
	MatchNone    MatchType = "none"
)

// Placeholder is an unlinked library reference found in hex bytecode.
type Placeholder struct {
	Start int    // byte offset
	Hash  string // 34 hex chars of keccak256("source:Name")
}

// PlaceholderHash returns the 34-char placeholder hash solc derives from a
// fully qualified library name.
func PlaceholderHash(source, name string) string {
	h := crypto.Keccak256([]byte(source + ":" + name))
	return hex.EncodeToString(h)[:34]
}

// PlaceholderFor returns the full __$...$__ placeholder for a library.
func PlaceholderFor(source, name string) string {
	return "__$" + PlaceholderHash(source, name) + "$__"
}

// DecodeUnlinked decodes hex bytecode that may still contain library
// placeholders. Placeholders decode as zero bytes and are returned with
// their byte offsets.
func DecodeUnlinked(code string) ([]byte, []Placeholder, error) {
	code = strings.TrimPrefix(strings.TrimSpace(code), "0x")

	var found []Placeholder
	locs := libraryPlaceholder.FindAllStringIndex(code, -1)
	if len(locs) > 0 {
		var b strings.Builder
		b.Grow(len(code))
		last := 0
		for _, loc := range locs {
			if loc[0]%2 != 0 {
				return nil, nil, fmt.Errorf("library placeholder at odd hex offset %d", loc[0])
			}
			b.WriteString(code[last:loc[0]])
			b.WriteString(strings.Repeat("0", placeholderHexLen))
			found = append(found, Placeholder{
				Start: loc[0] / 2,
				Hash:  strings.ToLower(code[loc[0]+3 : loc[0]+37]),
			})
			last = loc[1]
		}
		b.WriteString(code[last:])
		code = b.String()
	}

	decoded, err := hex.DecodeString(code)
	if err != nil {
		return nil, nil, fmt.Errorf("decoding bytecode: %w", err)
	}
	return decoded, found, nil
}

// StripMetadata removes the CBOR metadata solc appends to runtime code. The
// trailer is a CBOR map followed by its length as a big-endian uint16; code
// without a well-formed trailer is returned unchanged.
func StripMetadata(bytecode []byte) []byte {
	if len(bytecode) < 2 {
		return bytecode
	}
	n := int(binary.BigEndian.Uint16(bytecode[len(bytecode)-2:]))
	start := len(bytecode) - 2 - n
	if n == 0 || start < 0 {
		return bytecode
	}
	// major type 5 (map)
	if bytecode[start]&0xe0 != 0xa0 {
		return bytecode
	}
	return bytecode[:start]
}

// CompareCode reports whether two runtime code objects are identical,
// differ only in their metadata trailer, or differ in executable code.
func CompareCode(a, b []byte) MatchType {
	if bytes.Equal(a, b) {
		return MatchFull
	}
	if len(a) > 0 && bytes.Equal(StripMetadata(a), StripMetadata(b)) {
		return MatchPartial
	}
	return MatchNone
}

// Package layout models contract storage layouts as emitted by solc and
// checks whether a recompiled layout can safely reuse existing storage.
package layout

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/holiman/uint256"
)

// WordSize is the size of one storage slot in bytes.
const WordSize = 32

// ErrMalformedLayout is returned when storage layout metadata cannot be parsed
// or violates the layout invariants (ordering, no overlap, known types).
var ErrMalformedLayout = errors.New("malformed storage layout")

// Encoding is the solc storage encoding of a type.
type Encoding string

// Storage encodings reported by solc.
const (
	EncodingInplace      Encoding = "inplace"
	EncodingMapping      Encoding = "mapping"
	EncodingDynamicArray Encoding = "dynamic_array"
	EncodingBytes        Encoding = "bytes"
)

// Layout is the ordered storage layout of a contract.
// Slots are sorted by (slot index, offset) and never overlap.
type Layout struct {
	Slots []Slot
	types map[string]*Type
}

// Slot is a single storage variable placement.
type Slot struct {
	Slot     *uint256.Int
	Offset   int
	Width    int
	Type     *Type
	Label    string
	Contract string
	AstID    int
}

// Type describes a storage type. Key/Value are set for mappings, Base for
// arrays and Members for structs (member slots are relative to the struct).
type Type struct {
	ID            string
	Label         string
	Encoding      Encoding
	NumberOfBytes int
	Key           *Type
	Value         *Type
	Base          *Type
	Members       []Slot
}

// Kind is the structural category of a type used by the compatibility check.
type Kind string

// Type kinds.
const (
	KindValue        Kind = "value"
	KindStaticArray  Kind = "static_array"
	KindStruct       Kind = "struct"
	KindMapping      Kind = "mapping"
	KindDynamicArray Kind = "dynamic_array"
	KindBytes        Kind = "bytes"
)

// Kind returns the structural kind of the type.
func (t *Type) Kind() Kind {
	switch t.Encoding {
	case EncodingMapping:
		return KindMapping
	case EncodingDynamicArray:
		return KindDynamicArray
	case EncodingBytes:
		return KindBytes
	}
	if t.Base != nil {
		return KindStaticArray
	}
	if strings.HasPrefix(t.ID, "t_struct") || len(t.Members) > 0 {
		return KindStruct
	}
	return KindValue
}

// Class returns the value class of an in-place value type. Two value types
// share a class when their bytes are interpreted the same way.
func (t *Type) Class() string {
	label := t.Label
	switch {
	case strings.HasPrefix(t.ID, "t_userDefinedValueType"):
		return "udvt"
	case label == "address", label == "address payable",
		strings.HasPrefix(label, "contract "), strings.HasPrefix(label, "interface "):
		return "address"
	case label == "bool":
		return "bool"
	case strings.HasPrefix(label, "uint"):
		return "uint"
	case strings.HasPrefix(label, "int"):
		return "int"
	case strings.HasPrefix(label, "ufixed"):
		return "ufixed"
	case strings.HasPrefix(label, "fixed"):
		return "fixed"
	case strings.HasPrefix(label, "bytes"):
		return "fixedbytes"
	case strings.HasPrefix(label, "enum "):
		return "enum"
	case strings.HasPrefix(label, "function"):
		return "function"
	}
	return "other:" + label
}

// End returns the last slot index occupied by s.
func (s Slot) End() *uint256.Int {
	words := (s.Offset + s.Width + WordSize - 1) / WordSize
	if words < 1 {
		words = 1
	}
	end := new(uint256.Int).Set(s.Slot)
	return end.AddUint64(end, uint64(words-1))
}

// Position formats the slot position for messages.
func (s Slot) Position() string {
	return fmt.Sprintf("slot %s offset %d", s.Slot.Dec(), s.Offset)
}

// comparePos orders slots by (slot index, offset).
func comparePos(a, b Slot) int {
	if c := a.Slot.Cmp(b.Slot); c != 0 {
		return c
	}
	switch {
	case a.Offset < b.Offset:
		return -1
	case a.Offset > b.Offset:
		return 1
	}
	return 0
}

// LastSlot returns the highest slot index used by the layout.
func (l *Layout) LastSlot() (*uint256.Int, bool) {
	if l == nil || len(l.Slots) == 0 {
		return nil, false
	}
	var last *uint256.Int
	for _, s := range l.Slots {
		end := s.End()
		if last == nil || end.Gt(last) {
			last = end
		}
	}
	return last, true
}

// Words returns the slot indices the layout's variables occupy, ascending
// and each once, including every word of multi-word structs and static
// arrays. Values reached through mappings and dynamic arrays live at hashed
// slots and are not included. At most limit words are returned (limit <= 0
// means all); total counts every word, saturating at math.MaxUint64.
func (l *Layout) Words(limit int) (words []*uint256.Int, total uint64) {
	if l == nil {
		return nil, 0
	}
	var next *uint256.Int // first word not yet counted
	for _, s := range l.Slots {
		start, end := s.Slot, s.End()
		if next != nil && next.Gt(start) {
			start = next
		}
		if start.Gt(end) {
			continue
		}

		span := new(uint256.Int).Sub(end, start)
		if span.IsUint64() && span.Uint64() < math.MaxUint64 {
			total = saturatingAdd(total, span.Uint64()+1)
		} else {
			total = math.MaxUint64
		}

		for w := new(uint256.Int).Set(start); limit <= 0 || len(words) < limit; w.AddUint64(w, 1) {
			words = append(words, new(uint256.Int).Set(w))
			if w.Eq(end) {
				break
			}
		}

		if end.Eq(maxWord) {
			break
		}
		next = new(uint256.Int).AddUint64(end, 1)
	}
	return words, total
}

var maxWord = new(uint256.Int).SetAllOne()

func saturatingAdd(a, b uint64) uint64 {
	if a > math.MaxUint64-b {
		return math.MaxUint64
	}
	return a + b
}

// Lookup returns the slot with the given label, if any. Labels are not
// unique across an inheritance chain; the first match wins.
func (l *Layout) Lookup(label string) (Slot, bool) {
	for _, s := range l.Slots {
		if s.Label == label {
			return s, true
		}
	}
	return Slot{}, false
}

// Validate checks ordering, word bounds and overlap.
func (l *Layout) Validate() error {
	return validateSlots(l.Slots, "")
}

func validateSlots(slots []Slot, scope string) error {
	for i, s := range slots {
		if s.Slot == nil || s.Type == nil {
			return fmt.Errorf("%w: %s%q has no slot or type", ErrMalformedLayout, scope, s.Label)
		}
		if s.Offset < 0 || s.Offset >= WordSize {
			return fmt.Errorf("%w: %s%q offset %d out of range", ErrMalformedLayout, scope, s.Label, s.Offset)
		}
		if s.Width <= 0 {
			return fmt.Errorf("%w: %s%q has zero width", ErrMalformedLayout, scope, s.Label)
		}
		if s.Width <= WordSize && s.Offset+s.Width > WordSize {
			return fmt.Errorf("%w: %s%q crosses a word boundary", ErrMalformedLayout, scope, s.Label)
		}
		if s.Width > WordSize && s.Offset != 0 {
			return fmt.Errorf("%w: %s%q spans words but starts at offset %d", ErrMalformedLayout, scope, s.Label, s.Offset)
		}
		if i == 0 {
			continue
		}
		prev := slots[i-1]
		if comparePos(prev, s) >= 0 {
			return fmt.Errorf("%w: %s%q and %q are not strictly ordered", ErrMalformedLayout, scope, prev.Label, s.Label)
		}
		if overlaps(prev, s) {
			return fmt.Errorf("%w: %s%q overlaps %q", ErrMalformedLayout, scope, prev.Label, s.Label)
		}
	}
	return nil
}

// overlaps reports whether next starts inside prev. Callers guarantee
// prev is ordered before next.
func overlaps(prev, next Slot) bool {
	if prev.Width > WordSize || prev.Offset+prev.Width == WordSize {
		return !next.Slot.Gt(prev.End())
	}
	if next.Slot.Eq(prev.Slot) {
		return next.Offset < prev.Offset+prev.Width
	}
	return false
}

// Raw solc JSON shapes.

type rawLayout struct {
	Storage []rawSlot          `json:"storage"`
	Types   map[string]rawType `json:"types"`
}

type rawSlot struct {
	AstID    int    `json:"astId"`
	Contract string `json:"contract"`
	Label    string `json:"label"`
	Offset   int    `json:"offset"`
	Slot     string `json:"slot"`
	Type     string `json:"type"`
}

type rawType struct {
	Encoding      string    `json:"encoding"`
	Label         string    `json:"label"`
	NumberOfBytes string    `json:"numberOfBytes"`
	Key           string    `json:"key,omitempty"`
	Value         string    `json:"value,omitempty"`
	Base          string    `json:"base,omitempty"`
	Members       []rawSlot `json:"members,omitempty"`
}

// Parse reads a solc storageLayout JSON document. An empty document or
// JSON null yields an empty layout.
func Parse(data []byte) (*Layout, error) {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" || trimmed == "null" || trimmed == "{}" {
		return &Layout{}, nil
	}

	var raw rawLayout
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedLayout, err)
	}

	types := make(map[string]*Type, len(raw.Types))
	for id, rt := range raw.Types {
		n, err := strconv.Atoi(rt.NumberOfBytes)
		if err != nil {
			return nil, fmt.Errorf("%w: type %s numberOfBytes %q", ErrMalformedLayout, id, rt.NumberOfBytes)
		}
		types[id] = &Type{
			ID:            id,
			Label:         rt.Label,
			Encoding:      Encoding(rt.Encoding),
			NumberOfBytes: n,
		}
	}

	// Second pass links type references; recursive structs make the graph cyclic.
	for id, rt := range raw.Types {
		t := types[id]
		var err error
		if t.Key, err = refType(types, rt.Key); err != nil {
			return nil, err
		}
		if t.Value, err = refType(types, rt.Value); err != nil {
			return nil, err
		}
		if t.Base, err = refType(types, rt.Base); err != nil {
			return nil, err
		}
		if len(rt.Members) > 0 {
			members, err := convertSlots(types, rt.Members)
			if err != nil {
				return nil, err
			}
			if err := validateSlots(members, t.Label+"."); err != nil {
				return nil, err
			}
			t.Members = members
		}
	}

	slots, err := convertSlots(types, raw.Storage)
	if err != nil {
		return nil, err
	}
	l := &Layout{Slots: slots, types: types}
	if err := l.Validate(); err != nil {
		return nil, err
	}
	return l, nil
}

func refType(types map[string]*Type, id string) (*Type, error) {
	if id == "" {
		return nil, nil
	}
	t, ok := types[id]
	if !ok {
		return nil, fmt.Errorf("%w: unknown type %s", ErrMalformedLayout, id)
	}
	return t, nil
}

func convertSlots(types map[string]*Type, raw []rawSlot) ([]Slot, error) {
	slots := make([]Slot, 0, len(raw))
	for _, rs := range raw {
		idx, err := uint256.FromDecimal(rs.Slot)
		if err != nil {
			return nil, fmt.Errorf("%w: %q slot %q: %v", ErrMalformedLayout, rs.Label, rs.Slot, err)
		}
		t, ok := types[rs.Type]
		if !ok {
			return nil, fmt.Errorf("%w: %q has unknown type %s", ErrMalformedLayout, rs.Label, rs.Type)
		}
		slots = append(slots, Slot{
			Slot:     idx,
			Offset:   rs.Offset,
			Width:    t.NumberOfBytes,
			Type:     t,
			Label:    rs.Label,
			Contract: rs.Contract,
			AstID:    rs.AstID,
		})
	}
	sort.SliceStable(slots, func(i, j int) bool {
		return comparePos(slots[i], slots[j]) < 0
	})
	return slots, nil
}

// MarshalJSON encodes the layout back into solc's storageLayout shape.
func (l *Layout) MarshalJSON() ([]byte, error) {
	raw := rawLayout{
		Storage: make([]rawSlot, 0, len(l.Slots)),
		Types:   make(map[string]rawType),
	}
	for _, s := range l.Slots {
		raw.Storage = append(raw.Storage, toRawSlot(s))
		collectTypes(s.Type, raw.Types)
	}
	return json.Marshal(raw)
}

// UnmarshalJSON decodes a solc storageLayout document.
func (l *Layout) UnmarshalJSON(data []byte) error {
	parsed, err := Parse(data)
	if err != nil {
		return err
	}
	*l = *parsed
	return nil
}

func toRawSlot(s Slot) rawSlot {
	return rawSlot{
		AstID:    s.AstID,
		Contract: s.Contract,
		Label:    s.Label,
		Offset:   s.Offset,
		Slot:     s.Slot.Dec(),
		Type:     s.Type.ID,
	}
}

func collectTypes(t *Type, out map[string]rawType) {
	if t == nil {
		return
	}
	if _, done := out[t.ID]; done {
		return
	}
	rt := rawType{
		Encoding:      string(t.Encoding),
		Label:         t.Label,
		NumberOfBytes: strconv.Itoa(t.NumberOfBytes),
	}
	if t.Key != nil {
		rt.Key = t.Key.ID
	}
	if t.Value != nil {
		rt.Value = t.Value.ID
	}
	if t.Base != nil {
		rt.Base = t.Base.ID
	}
	for _, m := range t.Members {
		rt.Members = append(rt.Members, toRawSlot(m))
	}
	out[t.ID] = rt

	collectTypes(t.Key, out)
	collectTypes(t.Value, out)
	collectTypes(t.Base, out)
	for _, m := range t.Members {
		collectTypes(m.Type, out)
	}
}

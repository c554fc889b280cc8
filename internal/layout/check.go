package layout

import (
	"errors"
	"fmt"
	"strings"
)

// ErrIncompatible is matched by the error returned from Verdict.Err.
var ErrIncompatible = errors.New("storage layout is incompatible")

// FindingKind classifies a layout violation.
type FindingKind string

// Finding kinds.
const (
	TypeOrWidthChanged         FindingKind = "TypeOrWidthChanged"
	SlotRemovedOrShifted       FindingKind = "SlotRemovedOrShifted"
	SlotInsertedBeforeExisting FindingKind = "SlotInsertedBeforeExisting"
)

// Finding is one reason a candidate layout cannot reuse the original storage.
type Finding struct {
	Kind   FindingKind `json:"kind"`
	Slot   string      `json:"slot"`
	Offset int         `json:"offset"`
	Label  string      `json:"label"`
	Reason string      `json:"reason"`
}

func (f Finding) String() string {
	return fmt.Sprintf("%s at slot %s offset %d (%s): %s", f.Kind, f.Slot, f.Offset, f.Label, f.Reason)
}

// Verdict is the result of a compatibility check. The layouts are
// compatible iff Findings is empty.
type Verdict struct {
	Findings []Finding `json:"findings"`
}

// Compatible reports whether no findings were produced.
func (v Verdict) Compatible() bool {
	return len(v.Findings) == 0
}

// Err returns nil for a compatible verdict, otherwise an *IncompatibleError
// carrying every finding.
func (v Verdict) Err() error {
	if v.Compatible() {
		return nil
	}
	return &IncompatibleError{Findings: v.Findings}
}

// IncompatibleError carries the full finding list of a failed check.
type IncompatibleError struct {
	Findings []Finding
}

func (e *IncompatibleError) Error() string {
	parts := make([]string, 0, len(e.Findings))
	for _, f := range e.Findings {
		parts = append(parts, f.String())
	}
	return fmt.Sprintf("%s: %d finding(s): %s", ErrIncompatible, len(e.Findings), strings.Join(parts, "; "))
}

// Is makes errors.Is(err, ErrIncompatible) match.
func (e *IncompatibleError) Is(target error) bool {
	return target == ErrIncompatible
}

// Check merge-walks both layouts in (slot, offset) order and reports every
// position where the candidate would misread existing storage. Entries in
// the candidate are accepted as new only when they start strictly after
// the last slot index used by the original.
func Check(original, candidate *Layout) Verdict {
	var orig, cand []Slot
	if original != nil {
		orig = original.Slots
	}
	if candidate != nil {
		cand = candidate.Slots
	}

	lastUsed, hasOriginal := original.LastSlot()
	findings := []Finding{}

	inserted := func(s Slot) {
		findings = append(findings, finding(SlotInsertedBeforeExisting, s,
			fmt.Sprintf("new variable %q placed inside the original layout", s.Label)))
	}

	i, j := 0, 0
	for i < len(orig) {
		o := orig[i]
		if j >= len(cand) {
			findings = append(findings, finding(SlotRemovedOrShifted, o,
				fmt.Sprintf("no variable at %s in the candidate layout", o.Position())))
			i++
			continue
		}

		c := cand[j]
		switch cmp := comparePos(o, c); {
		case cmp == 0:
			if reason, ok := compatible(o, c); !ok {
				findings = append(findings, finding(TypeOrWidthChanged, o, reason))
			}
			i++
			j++
		case cmp < 0:
			findings = append(findings, finding(SlotRemovedOrShifted, o,
				fmt.Sprintf("no variable at %s in the candidate layout", o.Position())))
			i++
		default:
			inserted(c)
			j++
		}
	}

	for ; j < len(cand); j++ {
		c := cand[j]
		if hasOriginal && !c.Slot.Gt(lastUsed) {
			inserted(c)
		}
	}

	return Verdict{Findings: findings}
}

func finding(kind FindingKind, s Slot, reason string) Finding {
	return Finding{
		Kind:   kind,
		Slot:   s.Slot.Dec(),
		Offset: s.Offset,
		Label:  s.Label,
		Reason: reason,
	}
}

// compatible compares two entries found at the same position.
func compatible(o, c Slot) (string, bool) {
	if o.Width != c.Width {
		return fmt.Sprintf("width changed from %d to %d bytes", o.Width, c.Width), false
	}
	return typesCompatible(o.Type, c.Type, map[[2]*Type]bool{})
}

// typesCompatible compares storage types structurally. Names of members
// and of the types themselves never matter; seen breaks recursive structs.
func typesCompatible(a, b *Type, seen map[[2]*Type]bool) (string, bool) {
	if a == nil || b == nil {
		if a == b {
			return "", true
		}
		return "type information missing", false
	}
	pair := [2]*Type{a, b}
	if seen[pair] {
		return "", true
	}
	seen[pair] = true

	ka, kb := a.Kind(), b.Kind()
	if ka != kb {
		return fmt.Sprintf("type changed from %s (%s) to %s (%s)", a.Label, ka, b.Label, kb), false
	}

	switch ka {
	case KindValue:
		if a.NumberOfBytes != b.NumberOfBytes {
			return fmt.Sprintf("type changed from %s to %s", a.Label, b.Label), false
		}
		if a.Class() != b.Class() {
			return fmt.Sprintf("type changed from %s to %s", a.Label, b.Label), false
		}
	case KindStaticArray:
		if a.NumberOfBytes != b.NumberOfBytes {
			return fmt.Sprintf("array %s resized to %s", a.Label, b.Label), false
		}
		if reason, ok := typesCompatible(a.Base, b.Base, seen); !ok {
			return "array element: " + reason, false
		}
	case KindStruct:
		if a.NumberOfBytes != b.NumberOfBytes {
			return fmt.Sprintf("struct %s resized from %d to %d bytes", a.Label, a.NumberOfBytes, b.NumberOfBytes), false
		}
		if reason, ok := membersCompatible(a.Members, b.Members, seen); !ok {
			return fmt.Sprintf("struct %s: %s", a.Label, reason), false
		}
	case KindMapping:
		if reason, ok := typesCompatible(a.Key, b.Key, seen); !ok {
			return "mapping key: " + reason, false
		}
		if reason, ok := typesCompatible(a.Value, b.Value, seen); !ok {
			return "mapping value: " + reason, false
		}
	case KindDynamicArray:
		if reason, ok := typesCompatible(a.Base, b.Base, seen); !ok {
			return "array element: " + reason, false
		}
	case KindBytes:
		// string and bytes share an encoding
	}
	return "", true
}

func membersCompatible(a, b []Slot, seen map[[2]*Type]bool) (string, bool) {
	if len(a) != len(b) {
		return fmt.Sprintf("member count changed from %d to %d", len(a), len(b)), false
	}
	for k := range a {
		ma, mb := a[k], b[k]
		if comparePos(ma, mb) != 0 {
			return fmt.Sprintf("member %q moved from %s to %s", ma.Label, ma.Position(), mb.Position()), false
		}
		if ma.Width != mb.Width {
			return fmt.Sprintf("member %q width changed from %d to %d bytes", ma.Label, ma.Width, mb.Width), false
		}
		if reason, ok := typesCompatible(ma.Type, mb.Type, seen); !ok {
			return fmt.Sprintf("member %q: %s", ma.Label, reason), false
		}
	}
	return "", true
}

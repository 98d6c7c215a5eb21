package x64patch

import "fmt"

// ImmKind tags the variant held by an Immediate.
type ImmKind uint8

const (
	// A fully resolved value.
	Concrete ImmKind = iota
	// The address of an instruction in the patch body (Index). Index may equal the body length,
	// which addresses the end of the body.
	InstructionOffset
	// Like InstructionOffset, for the target of a call.
	InstructionOffsetCall
	// The address of instruction Index of injection Injection. Index may equal the injection
	// length, which addresses the byte just past the injected code.
	PatchInstructionOffset
	// Name + Addend, where Name is resolved through the symbol tables.
	UnresolvedSymbol
	// Like UnresolvedSymbol, referenced by a PC-relative field.
	UnresolvedSymbolRel
	// Address of the patch's data blob + Value.
	DataSymbol
	// Like DataSymbol, referenced by a PC-relative field.
	DataSymbolRel
)

var immKindNames = [...]string{
	Concrete:               "Concrete",
	InstructionOffset:      "InstructionOffset",
	InstructionOffsetCall:  "InstructionOffsetCall",
	PatchInstructionOffset: "PatchInstructionOffset",
	UnresolvedSymbol:       "UnresolvedSymbol",
	UnresolvedSymbolRel:    "UnresolvedSymbolRel",
	DataSymbol:             "DataSymbol",
	DataSymbolRel:          "DataSymbolRel",
}

func (k ImmKind) String() string {
	if int(k) < len(immKindNames) {
		return immKindNames[k]
	}
	return fmt.Sprintf("ImmKind(%d)", uint8(k))
}

// Check if the immediate must be resolved by name.
func (k ImmKind) IsUnresolved() bool { return k == UnresolvedSymbol || k == UnresolvedSymbolRel }

// Immediate is one slot of a patch's symbolic immediate table. Every variant resolves to an
// absolute 64-bit value; PC-relative fields subtract the address of the next instruction from
// that value when they are emitted.
type Immediate struct {
	Kind      ImmKind
	Value     uint64 // Concrete value, or DataSymbol offset
	Index     int    // instruction index for the *Offset kinds
	Injection int    // injection id for PatchInstructionOffset
	Name      string // symbol name for the Unresolved kinds
	Addend    int64  // added to the resolved symbol address
}

func (im Immediate) String() string {
	switch im.Kind {
	case Concrete:
		return fmt.Sprintf("Concrete(%#x)", im.Value)
	case InstructionOffset, InstructionOffsetCall:
		return fmt.Sprintf("%v(%d)", im.Kind, im.Index)
	case PatchInstructionOffset:
		return fmt.Sprintf("PatchInstructionOffset(%d, %d)", im.Injection, im.Index)
	case UnresolvedSymbol, UnresolvedSymbolRel:
		return fmt.Sprintf("%v(%s%+d)", im.Kind, im.Name, im.Addend)
	case DataSymbol, DataSymbolRel:
		return fmt.Sprintf("%v(%#x)", im.Kind, im.Value)
	}
	return im.Kind.String()
}

// ImmID is a handle into an ImmTable.
type ImmID int32

// ImmTable is a flat arena of immediates. Instructions and data relocations refer to entries
// by ImmID, never by address.
type ImmTable []Immediate

// Append an immediate and get its handle.
func (t *ImmTable) Add(im Immediate) ImmID {
	*t = append(*t, im)
	return ImmID(len(*t) - 1)
}

// Get the immediate for a handle.
func (t ImmTable) Get(id ImmID) Immediate { return t[id] }

// Count the entries which still have to be resolved by name.
func (t ImmTable) Unresolved() int {
	n := 0
	for _, im := range t {
		if im.Kind.IsUnresolved() {
			n++
		}
	}
	return n
}

package x64patch

import (
	"golang.org/x/arch/x86/x86asm"
)

// Override is a width directive attached to the instruction which follows it.
type Override uint8

const (
	OverrideNone   Override = iota
	OverrideWide            // always use the widest encoding
	OverrideNarrow          // always use the narrowest encoding
	OverrideImm32           // only use encodings with a 32-bit variable field
)

func (o Override) String() string {
	switch o {
	case OverrideWide:
		return "wide"
	case OverrideNarrow:
		return "narrow"
	case OverrideImm32:
		return "imm32"
	}
	return "none"
}

// fieldSign selects the range check applied to a field value before it is written.
type fieldSign uint8

const (
	signed   fieldSign = iota // sign-extended by the CPU
	unsigned                  // zero-extended by the CPU
	either                    // truncated; any value representable in the width is accepted
)

// Field is one relocatable field of an instruction. The value written is the resolved
// Immediate, minus the address of the next instruction for PC-relative fields.
type Field struct {
	Imm   ImmID
	Off   int // byte offset within the current encoding
	Width int // 1, 2, 4 or 8 bytes
	PCRel bool
	sign  fieldSign
}

// variant is one encoding of an instruction family: head is every byte up to the variable
// field, which is always the last field of the encoding.
type variant struct {
	head  []byte
	width int
	sign  fieldSign
}

func (v variant) len() int { return len(v.head) + v.width }

// Instruction is a decoded machine instruction together with its mutable encoding state.
// Relocatable fields hold ImmIDs; the bytes of those fields are only written during emission.
type Instruction struct {
	Tag      int       // stable identifier assigned at decode time
	Op       x86asm.Op // decoded mnemonic
	Orig     uint64    // offset within the object's text section
	OrigLen  int       // length of the original encoding
	Override Override
	Fields   []Field

	// Offset within the block being encoded; valid after layout.
	Offset uint64

	raw      []byte    // current encoding, field bytes unspecified
	variants []variant // ordered by length; nil for single-form instructions
	form     int       // index into variants
	varField int       // index into Fields of the variable field, or -1
	pinned   bool      // widened after an overflow; never narrowed again
}

// Get the length of the current encoding.
func (inst *Instruction) Len() int { return len(inst.raw) }

// Get a copy of the current encoding. Field bytes are zero until the instruction is emitted.
func (inst *Instruction) Bytes() []byte { return append([]byte(nil), inst.raw...) }

// Check if the instruction has more than one encoding.
func (inst *Instruction) Resizable() bool { return len(inst.variants) > 1 }

// Get the width in bytes of the variable field in the current encoding, or 0 for single-form
// instructions.
func (inst *Instruction) FieldWidth() int {
	if inst.varField < 0 {
		return 0
	}
	return inst.Fields[inst.varField].Width
}

// Get the variable field, if any.
func (inst *Instruction) VarField() (Field, bool) {
	if inst.varField < 0 {
		return Field{}, false
	}
	return inst.Fields[inst.varField], true
}

func (inst *Instruction) setForm(form int) {
	v := inst.variants[form]
	inst.form = form
	raw := make([]byte, v.len())
	copy(raw, v.head)
	inst.raw = raw
	f := &inst.Fields[inst.varField]
	f.Off, f.Width, f.sign = len(v.head), v.width, v.sign
}

// Get the range of variant indexes permitted by the instruction's override.
func (inst *Instruction) allowed() (lo, hi int) {
	lo, hi = 0, len(inst.variants)-1
	switch inst.Override {
	case OverrideWide:
		lo = hi
	case OverrideNarrow:
		hi = lo
	case OverrideImm32:
		for lo <= hi && inst.variants[lo].width != 4 {
			lo++
		}
		for hi >= lo && inst.variants[hi].width != 4 {
			hi--
		}
		if lo > hi { // no 32-bit form: fall back to the full range
			lo, hi = 0, len(inst.variants)-1
		}
	}
	return lo, hi
}

// Reset a resizable instruction to its widest permitted encoding.
func (inst *Instruction) widen() {
	if !inst.Resizable() {
		return
	}
	_, hi := inst.allowed()
	inst.setForm(hi)
	inst.pinned = false
}

// Disassemble the current encoding with placeholder field values.
func (inst *Instruction) String() string {
	d, err := x86asm.Decode(inst.raw, 64)
	if err != nil {
		return inst.Op.String()
	}
	return x86asm.IntelSyntax(d, inst.Offset, nil)
}

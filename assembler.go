package x64patch

import (
	"errors"
	"fmt"
)

// Block id of a patch body; injections use their own id.
const bodyBlock = -1

// Returned by value while an immediate cannot be resolved yet.
var errNotPlaced = errors.New("address not known yet")

// resolveFunc gets the absolute value of an immediate which is not an address inside the block
// being assembled.
type resolveFunc func(im Immediate) (uint64, error)

// An assembler settles the encoding of one block of instructions (a patch body, or one
// injection) and emits its final bytes.
//
// Layout starts from the widest encodings; converge then narrows instructions until no further
// narrowing is possible. Narrowing moves targets closer, so it never invalidates an earlier
// choice for a target inside the block. Targets outside the block can move away when the
// instructions before them shrink; such overflows widen the instruction again and pin it.
type assembler struct {
	p       *Patch
	block   int
	insts   []*Instruction
	base    uint64
	known   bool // base is the block's final address
	resolve resolveFunc
}

func newAssembler(p *Patch, block int, base uint64, known bool, resolve resolveFunc) *assembler {
	insts := p.Insts
	if block != bodyBlock {
		insts = p.Injections[block].Insts
	}
	a := &assembler{p: p, block: block, insts: insts, base: base, known: known, resolve: resolve}
	a.layout()
	return a
}

func (a *assembler) name() string {
	if a.block == bodyBlock {
		return a.p.Name
	}
	return a.p.Name + ":" + a.p.Injections[a.block].Name
}

func blockSize(insts []*Instruction) uint64 {
	n := uint64(0)
	for _, inst := range insts {
		n += uint64(inst.Len())
	}
	return n
}

// Get the size of the block under its current layout.
func (a *assembler) size() uint64 { return blockSize(a.insts) }

func (a *assembler) layout() { a.layoutFrom(0) }

// Recompute the offsets of the instructions from i on.
func (a *assembler) layoutFrom(i int) {
	off := uint64(0)
	if i > 0 {
		prev := a.insts[i-1]
		off = prev.Offset + uint64(prev.Len())
	}
	for _, inst := range a.insts[i:] {
		inst.Offset = off
		off += uint64(inst.Len())
	}
}

// Get the offset of instruction idx; idx may address the end of the block.
func (a *assembler) offsetOf(idx int) (uint64, error) {
	switch {
	case idx >= 0 && idx < len(a.insts):
		return a.insts[idx].Offset, nil
	case idx == len(a.insts):
		return a.size(), nil
	}
	return 0, fmt.Errorf("%w: instruction index %d out of range for %s", ErrMalformed, idx, a.name())
}

// Get the address of instruction idx.
func (a *assembler) addr(idx int) (uint64, error) {
	off, err := a.offsetOf(idx)
	return a.base + off, err
}

// Check if an immediate addresses an instruction of this block.
func (a *assembler) isLocal(im Immediate) bool {
	switch im.Kind {
	case InstructionOffset, InstructionOffsetCall:
		return a.block == bodyBlock
	case PatchInstructionOffset:
		return im.Injection == a.block
	}
	return false
}

// Get the absolute value of an immediate. local reports an address inside this block, which is
// relative to the block's base even while that base is unknown.
func (a *assembler) value(id ImmID) (v uint64, local bool, err error) {
	im := a.p.Imms[id]
	if a.isLocal(im) {
		v, err = a.addr(im.Index)
		return v, true, err
	}
	if im.Kind == Concrete {
		return im.Value, false, nil
	}
	if a.resolve == nil {
		return 0, false, errNotPlaced
	}
	v, err = a.resolve(im)
	return v, false, err
}

// Get the value written to field f of inst.
func (a *assembler) fieldValue(inst *Instruction, f Field) (uint64, error) {
	v, local, err := a.value(f.Imm)
	if err != nil {
		return 0, err
	}
	if !a.computable(local, f.PCRel) {
		return 0, errNotPlaced
	}
	if f.PCRel {
		v -= a.base + inst.Offset + uint64(inst.Len())
	}
	return v, nil
}

// Reset every resizable instruction to its widest permitted encoding.
func (a *assembler) widenAll() {
	for _, inst := range a.insts {
		inst.widen()
	}
	a.layout()
}

// Narrow instructions until the layout reaches a fixed point. Reports whether any instruction
// changed its encoding.
func (a *assembler) converge() (bool, error) {
	a.layout()
	changed := false
	limit := 4*len(a.insts) + 8
	for pass := 0; ; pass++ {
		if pass > limit {
			return changed, layoutErr("encoding of %s does not converge", a.name())
		}
		moved := false
		for i, inst := range a.insts {
			if inst.Resizable() && a.resize(inst, i, a.choose(inst, i)) {
				moved = true
			}
		}
		if !moved {
			return changed, nil
		}
		changed = true
	}
}

// Emit the final bytes of the block at its base address. Every immediate must resolve and fit
// its field.
func (a *assembler) emit() ([]byte, error) {
	if !a.known {
		return nil, fmt.Errorf("Block %s has no final address", a.name())
	}
	a.layout()
	buf := newBuffer(int(a.size()))
	for _, inst := range a.insts {
		start := buf.Len()
		buf.Bytes(inst.raw)
		for _, f := range inst.Fields {
			v, err := a.fieldValue(inst, f)
			if err != nil {
				return nil, err
			}
			if !fits(v, f.Width, f.sign) {
				return nil, layoutErr("value %#x of %v does not fit the %d-byte field of %q at %s+%#x",
					v, a.p.Imms[f.Imm], f.Width, inst.String(), a.name(), inst.Offset)
			}
			buf.PutAt(start+f.Off, v, f.Width)
		}
	}
	return buf.Get(), nil
}

package x64patch

// Check if v can be stored in a field of the given width and range.
func fits(v uint64, width int, sign fieldSign) bool {
	if width >= 8 {
		return true
	}
	bits := uint(width * 8)
	s := int64(v)
	inSigned := s >= -(1<<(bits-1)) && s < 1<<(bits-1)
	inUnsigned := v < 1<<bits
	switch sign {
	case signed:
		return inSigned
	case unsigned:
		return inUnsigned
	}
	return inSigned || inUnsigned
}

// Check if the value of a field can be computed while the block's base may be unknown. Values
// relative to the block are computable for PC-relative fields; absolute values of addresses
// outside the block are computable for absolute fields.
func (a *assembler) computable(local, pcrel bool) bool {
	return a.known || local == pcrel
}

// Choose the narrowest permitted variant of inst (at position i of the block) whose variable
// field can hold its value under the current layout. Values which cannot be computed yet keep
// the widest permitted variant.
func (a *assembler) choose(inst *Instruction, i int) int {
	lo, hi := inst.allowed()
	if inst.Override == OverrideNarrow {
		return lo
	}
	f := inst.Fields[inst.varField]
	v, local, err := a.value(f.Imm)
	if err != nil || !a.computable(local, f.PCRel) {
		return hi
	}

	// A target after this instruction moves together with the end of the instruction when the
	// instruction is resized, so the distance does not depend on the variant.
	after := local && a.p.Imms[f.Imm].Index > i

	for k := lo; k <= hi; k++ {
		vk := inst.variants[k]
		fv := v
		if f.PCRel {
			length := vk.len()
			if after {
				length = inst.Len()
			}
			fv = v - (a.base + inst.Offset + uint64(length))
		}
		if fits(fv, vk.width, vk.sign) {
			return k
		}
	}
	return hi
}

// Resize inst to variant k. Narrowing is refused for instructions which had to be widened
// before, which keeps the iteration finite.
func (a *assembler) resize(inst *Instruction, i, k int) bool {
	switch {
	case k < inst.form && !inst.pinned:
	case k > inst.form:
		inst.pinned = true
	default:
		return false
	}
	inst.setForm(k)
	a.layoutFrom(i)
	return true
}

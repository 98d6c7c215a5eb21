package x64patch

import (
	"debug/elf"
	"encoding/binary"
	"sort"

	"golang.org/x/arch/x86/x86asm"
)

// Width, PC-relativity and range of a relocated field.
type relocShape struct {
	width int
	pcrel bool
	sign  fieldSign
}

func shapeOf(t elf.R_X86_64) (relocShape, bool) {
	switch t {
	case elf.R_X86_64_64:
		return relocShape{8, false, either}, true
	case elf.R_X86_64_32:
		return relocShape{4, false, unsigned}, true
	case elf.R_X86_64_32S:
		return relocShape{4, false, signed}, true
	case elf.R_X86_64_16:
		return relocShape{2, false, either}, true
	case elf.R_X86_64_8:
		return relocShape{1, false, either}, true
	case elf.R_X86_64_PC32, elf.R_X86_64_PLT32:
		return relocShape{4, true, signed}, true
	case elf.R_X86_64_PC64:
		return relocShape{8, true, either}, true
	case elf.R_X86_64_PC16:
		return relocShape{2, true, signed}, true
	case elf.R_X86_64_PC8:
		return relocShape{1, true, signed}, true
	}
	return relocShape{}, false
}

func isGOTLoad(t elf.R_X86_64) bool {
	return t == elf.R_X86_64_GOTPCREL || t == elf.R_X86_64_GOTPCRELX || t == elf.R_X86_64_REX_GOTPCRELX
}

type decodedInst struct {
	inst x86asm.Inst
	raw  []byte
	off  uint64
	ov   Override
}

type symbolizer struct {
	obj   *object
	p     *Patch
	index map[uint64]int // text offset -> instruction index
}

// Decode the text of an object and move every relocatable field into the patch's immediate table.
func symbolize(obj *object) (*Patch, error) {
	s := &symbolizer{
		obj:   obj,
		p:     &Patch{Name: obj.name, Data: obj.data, DataAlign: obj.dataAlign, Exports: map[string]SymbolLocation{}},
		index: map[uint64]int{},
	}

	decoded, err := s.decode()
	if err != nil {
		return nil, err
	}
	for i, d := range decoded {
		inst, err := s.instruction(i, d)
		if err != nil {
			return nil, err
		}
		s.p.Insts = append(s.p.Insts, inst)
	}
	if err := s.dataRelocs(); err != nil {
		return nil, err
	}
	if err := s.exports(); err != nil {
		return nil, err
	}
	s.p.index = s.index
	return s.p, nil
}

// Decode the whole text section. Directives are dropped; their addresses (and the end of the
// text) index the instruction which follows them.
func (s *symbolizer) decode() ([]decodedInst, error) {
	code := s.obj.text
	var out []decodedInst
	var pending []uint64
	ov := OverrideNone
	for off := 0; off < len(code); {
		inst, err := x86asm.Decode(code[off:], 64)
		if err != nil {
			return nil, malformed(s.obj.name, "cannot decode instruction at %#x: %v", off, err)
		}
		// unknown or truncated encodings decode as a one-byte instruction without an opcode
		if inst.Op == 0 || inst.Len <= 0 || off+inst.Len > len(code) {
			return nil, malformed(s.obj.name, "cannot decode instruction at %#x", off)
		}
		raw := append([]byte(nil), code[off:off+inst.Len]...)
		if d, ok := parseDirective(raw); ok {
			ov = d
			pending = append(pending, uint64(off))
			off += inst.Len
			continue
		}
		idx := len(out)
		for _, p := range pending {
			s.index[p] = idx
		}
		pending = pending[:0]
		s.index[uint64(off)] = idx
		out = append(out, decodedInst{inst: inst, raw: raw, off: uint64(off), ov: ov})
		ov = OverrideNone
		off += inst.Len
	}
	for _, p := range pending {
		s.index[p] = len(out)
	}
	s.index[uint64(len(code))] = len(out)
	return out, nil
}

// Build one instruction with its fields.
func (s *symbolizer) instruction(tag int, d decodedInst) (*Instruction, error) {
	start, end := d.off, d.off+uint64(len(d.raw))
	lo := sort.Search(len(s.obj.textRels), func(i int) bool { return s.obj.textRels[i].Off >= start })
	hi := lo
	for hi < len(s.obj.textRels) && s.obj.textRels[hi].Off < end {
		hi++
	}
	rels := s.obj.textRels[lo:hi]

	raw := d.raw
	isCall := d.inst.Op == x86asm.CALL
	var fields []Field
	covered := map[int]bool{}

	for _, rel := range rels {
		off := int(rel.Off - start)
		t := rel.Type
		if isGOTLoad(t) {
			// mov foo@GOTPCREL(%rip), %reg  ->  lea foo(%rip), %reg
			if off < 2 || raw[off-2] != 0x8b || raw[off-1]&0xc7 != 0x05 {
				return nil, malformed(s.obj.name, "GOT relocation at %#x is not a relaxable load", rel.Off)
			}
			raw[off-2] = 0x8d
			t = elf.R_X86_64_PC32
		}
		shape, ok := shapeOf(t)
		if !ok {
			return nil, malformed(s.obj.name, "unsupported relocation %v at %#x", rel.Type, rel.Off)
		}
		if off+shape.width > len(raw) {
			return nil, malformed(s.obj.name, "relocation %v at %#x crosses an instruction boundary", rel.Type, rel.Off)
		}
		adj := int64(0)
		if shape.pcrel {
			adj = int64(len(raw) - off)
		}
		im, err := s.classify(rel, shape.pcrel, adj, isCall && shape.pcrel && off == d.inst.PCRelOff)
		if err != nil {
			return nil, err
		}
		fields = append(fields, Field{Imm: s.p.Imms.Add(im), Off: off, Width: shape.width, PCRel: shape.pcrel, sign: shape.sign})
		covered[off] = true
	}

	// Branch targets and RIP-relative displacements without a relocation point into this text.
	if d.inst.PCRel > 0 && !covered[d.inst.PCRelOff] {
		off, width := d.inst.PCRelOff, d.inst.PCRel
		target := int64(end) + readSigned(raw[off:off+width])
		idx, ok := s.index[uint64(target)]
		if target < 0 || !ok {
			return nil, malformed(s.obj.name, "PC-relative target %#x of instruction at %#x is not an instruction boundary", target, start)
		}
		kind := InstructionOffset
		if isCall {
			kind = InstructionOffsetCall
		}
		fields = append(fields, Field{Imm: s.p.Imms.Add(Immediate{Kind: kind, Index: idx}), Off: off, Width: width, PCRel: true, sign: signed})
		covered[off] = true
	}

	inst := &Instruction{
		Tag:      tag,
		Op:       d.inst.Op,
		Orig:     start,
		OrigLen:  len(raw),
		Override: d.ov,
		raw:      raw,
		varField: -1,
	}

	_, vs, cur := matchVariants(raw)
	if vs != nil {
		varOff, varWidth := len(vs[cur].head), vs[cur].width
		fi := -1
		for i, f := range fields {
			if f.Off == varOff && f.Width == varWidth {
				fi = i
			} else if f.Off < varOff+varWidth && varOff < f.Off+f.Width {
				vs = nil // a relocation splits the variable field
				break
			}
		}
		if vs != nil {
			if fi < 0 {
				im := Immediate{Kind: Concrete, Value: uint64(readSigned(raw[varOff : varOff+varWidth]))}
				fields = append(fields, Field{Imm: s.p.Imms.Add(im), Off: varOff, Width: varWidth, sign: vs[cur].sign})
				fi = len(fields) - 1
			}
			inst.Fields, inst.variants, inst.varField = fields, vs, fi
			inst.setForm(cur)
			return inst, nil
		}
	}
	inst.Fields = fields
	return inst, nil
}

// Classify the target of a relocation. adj converts the relocation addend to an offset from the
// end of the instruction, so the target survives re-encoding.
func (s *symbolizer) classify(rel objReloc, pcrel bool, adj int64, call bool) (Immediate, error) {
	sym := rel.Sym
	switch {
	case sym.Section == elf.SHN_UNDEF:
		if sym.Name == "" {
			return Immediate{}, malformed(s.obj.name, "relocation at %#x references an unnamed undefined symbol", rel.Off)
		}
		kind := UnresolvedSymbol
		if pcrel {
			kind = UnresolvedSymbolRel
		}
		return Immediate{Kind: kind, Name: sym.Name, Addend: rel.Addend + adj}, nil

	case sym.Section == elf.SHN_ABS:
		return Immediate{Kind: Concrete, Value: uint64(int64(sym.Value) + rel.Addend + adj)}, nil

	case sym.Section == elf.SHN_COMMON:
		return Immediate{}, malformed(s.obj.name, "common symbol %s is not supported", sym.Name)

	case sym.Section == s.obj.textSec:
		target := int64(sym.Value) + rel.Addend + adj
		idx, ok := s.index[uint64(target)]
		if target < 0 || !ok {
			return Immediate{}, malformed(s.obj.name, "relocation at %#x targets text offset %#x, which is not an instruction boundary", rel.Off, target)
		}
		kind := InstructionOffset
		if call {
			kind = InstructionOffsetCall
		}
		return Immediate{Kind: kind, Index: idx}, nil

	case s.obj.hasData(sym.Section):
		kind := DataSymbol
		if pcrel {
			kind = DataSymbolRel
		}
		off := int64(s.obj.dataOff[sym.Section]) + int64(sym.Value) + rel.Addend + adj
		return Immediate{Kind: kind, Value: uint64(off)}, nil
	}
	return Immediate{}, malformed(s.obj.name, "relocation at %#x references unsupported section %d", rel.Off, sym.Section)
}

func (s *symbolizer) dataRelocs() error {
	for _, rel := range s.obj.dataRels {
		shape, ok := shapeOf(rel.Type)
		if !ok {
			return malformed(s.obj.name, "unsupported data relocation %v at %#x", rel.Type, rel.Off)
		}
		if rel.Off+uint64(shape.width) > uint64(len(s.obj.data)) {
			return malformed(s.obj.name, "data relocation at %#x is out of range", rel.Off)
		}
		im, err := s.classify(rel, shape.pcrel, 0, false)
		if err != nil {
			return err
		}
		s.p.DataRelocs = append(s.p.DataRelocs, DataReloc{Off: rel.Off, Size: shape.width, Imm: s.p.Imms.Add(im), PCRel: shape.pcrel, sign: shape.sign})
	}
	return nil
}

// Collect the global symbols defined by the object. Injection markers are removed later, by the
// extractor.
func (s *symbolizer) exports() error {
	for _, sym := range s.obj.syms {
		if !isGlobal(sym) || sym.Name == "" || isInternal(sym.Name) || sym.Type == elf.STT_SECTION {
			continue
		}
		switch {
		case sym.Section == s.obj.textSec:
			idx, ok := s.index[sym.Value]
			if !ok {
				return malformed(s.obj.name, "symbol %s at %#x is not an instruction boundary", sym.Name, sym.Value)
			}
			s.p.Exports[sym.Name] = SymbolLocation{Section: SectionText, Index: idx}
		case s.obj.hasData(sym.Section):
			s.p.Exports[sym.Name] = SymbolLocation{Section: SectionData, Offset: s.obj.dataOff[sym.Section] + sym.Value}
		}
	}
	return nil
}

func readSigned(b []byte) int64 {
	switch len(b) {
	case 1:
		return int64(int8(b[0]))
	case 2:
		return int64(int16(binary.LittleEndian.Uint16(b)))
	case 4:
		return int64(int32(binary.LittleEndian.Uint32(b)))
	case 8:
		return int64(binary.LittleEndian.Uint64(b))
	}
	return 0
}

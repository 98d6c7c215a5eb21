package x64patch

import (
	"bytes"
	"debug/elf"
	"errors"
	"testing"

	"golang.org/x/arch/x86/x86asm"

	"github.com/vsoupdotvx/x64patch/disasm"
	"github.com/vsoupdotvx/x64patch/internal/objtest"
)

func load(t *testing.T, o *objtest.Object) *Patch {
	t.Helper()
	b, err := o.Build()
	if err != nil {
		t.Fatal(err)
	}
	p, err := Load("test.o", bytes.NewReader(b))
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func loadErr(t *testing.T, o *objtest.Object) error {
	t.Helper()
	b, err := o.Build()
	if err != nil {
		t.Fatal(err)
	}
	_, err = Load("test.o", bytes.NewReader(b))
	return err
}

// Assemble a block at a known base with no outside references.
func emitAt(t *testing.T, p *Patch, base uint64) []byte {
	t.Helper()
	a := newAssembler(p, bodyBlock, base, true, nil)
	a.widenAll()
	if _, err := a.converge(); err != nil {
		t.Fatal(err)
	}
	if !a.stable() {
		t.Fatalf("layout of %s is not a fixed point", p.Name)
	}
	code, err := a.emit()
	if err != nil {
		t.Fatal(err)
	}
	return code
}

type decoded struct {
	pc   uint64
	inst x86asm.Inst
}

func decodeAll(t *testing.T, code []byte, base uint64) []decoded {
	t.Helper()
	var out []decoded
	for off := 0; off < len(code); {
		inst, err := x86asm.Decode(code[off:], 64)
		if err != nil {
			t.Fatalf("decode at %#x: %v (% x)", base+uint64(off), err, code)
		}
		out = append(out, decoded{base + uint64(off), inst})
		off += inst.Len
	}
	return out
}

// Three instructions, no relocations.
func TestLoadNoRelocations(t *testing.T) {
	p := load(t, &objtest.Object{Text: []byte{
		0x48, 0xb8, 0x10, 0, 0, 0, 0, 0, 0, 0, // mov rax, 0x10 (imm64)
		0x48, 0xc7, 0xc1, 0xff, 0xff, 0xff, 0xff, // mov rcx, -1
		0xc3, // ret
	}})
	if len(p.Insts) != 3 {
		t.Fatalf("expected %v instructions, found %v", 3, len(p.Insts))
	}
	if n := p.Imms.Unresolved(); n != 0 {
		t.Fatalf("%d unresolved immediates remain", n)
	}
	lens := []int{5, 7, 1}
	for i, inst := range p.Insts {
		if inst.Len() != lens[i] {
			t.Fatalf("instruction %d (%s): expected length %d, found %d", i, inst, lens[i], inst.Len())
		}
	}
	code := emitAt(t, p, 0x1000)
	if len(code) != 13 {
		t.Fatalf("expected 13 bytes, found %d (% x)", len(code), code)
	}
	insts := decodeAll(t, code, 0x1000)
	if got := x86asm.IntelSyntax(insts[0].inst, 0, nil); got != "mov eax, 0x10" {
		t.Fatalf("Expected instruction: mov eax, 0x10 --- found %s", got)
	}
	if insts[1].inst.Op != x86asm.MOV || insts[1].inst.Args[0] != x86asm.RCX || insts[1].inst.Args[1] != x86asm.Imm(-1) {
		t.Fatalf("Expected instruction: mov rcx, -1 --- found %s", x86asm.IntelSyntax(insts[1].inst, 0, nil))
	}
}

// jz over n bytes of padding, originally encoded near.
func jzOver(n int) []byte {
	code := []byte{0x0f, 0x84, byte(n), byte(n >> 8), 0, 0}
	for i := 0; i < n; i++ {
		code = append(code, 0x90)
	}
	return append(code, 0xc3)
}

func TestConditionalJumpWidth(t *testing.T) {
	for _, tc := range []struct {
		distance int
		opcode   byte
		length   int
	}{
		{5, 0x74, 2},
		{127, 0x74, 2},
		{128, 0x0f, 6},
		{200, 0x0f, 6},
	} {
		p := load(t, &objtest.Object{Text: jzOver(tc.distance)})
		jz := p.Insts[0]
		if jz.Len() != tc.length || jz.raw[0] != tc.opcode {
			t.Fatalf("distance %d: expected opcode %#x (%d bytes), found % x", tc.distance, tc.opcode, tc.length, jz.raw)
		}
		code := emitAt(t, p, 0x1000)
		insts := decodeAll(t, code, 0x1000)
		dst, ok := disasm.Target(insts[0].pc, insts[0].inst)
		last := insts[len(insts)-1]
		if !ok || dst != last.pc || last.inst.Op != x86asm.RET {
			t.Fatalf("distance %d: jz lands at %#x, expected ret at %#x", tc.distance, dst, last.pc)
		}
	}
}

// Decoding the emitted body gives the settled instruction list back.
func TestRoundTrip(t *testing.T) {
	text := []byte{
		0x31, 0xc0, // 0x00: xor eax, eax
		0xff, 0xc0, // 0x02: inc eax
		0x48, 0x81, 0xf8, 0x00, 0x01, 0x00, 0x00, // 0x04: cmp rax, 0x100
		0x0f, 0x8c, 0xf1, 0xff, 0xff, 0xff, // 0x0b: jl 0x02
		0x48, 0x69, 0xc0, 0x03, 0x00, 0x00, 0x00, // 0x11: imul rax, rax, 3
		0x68, 0x01, 0x00, 0x00, 0x00, // 0x18: push 1
		0x58,                         // 0x1d: pop rax
		0xe8, 0x01, 0x00, 0x00, 0x00, // 0x1e: call 0x24
		0xc3, // 0x23: ret
		0xc3, // 0x24: ret
	}
	p := load(t, &objtest.Object{Text: text})
	code := emitAt(t, p, 0x401000)
	insts := decodeAll(t, code, 0x401000)
	if len(insts) != len(p.Insts) {
		t.Fatalf("expected %v instructions, found %v", len(p.Insts), len(insts))
	}
	for i, d := range insts {
		inst := p.Insts[i]
		if d.inst.Op != inst.Op || d.inst.Len != inst.Len() || d.pc != 0x401000+inst.Offset {
			t.Fatalf("instruction %d: decoded %s (%d bytes at %#x), settled %s (%d bytes at %#x)",
				i, x86asm.IntelSyntax(d.inst, d.pc, nil), d.inst.Len, d.pc, inst, inst.Len(), 0x401000+inst.Offset)
		}
	}
	// every group-1, imul and push immediate fits 8 bits except cmp's 0x100
	for i, want := range []int{2, 2, 7, 2, 4, 2, 1, 5, 1, 1} {
		if insts[i].inst.Len != want {
			t.Fatalf("instruction %d (%s): expected %d bytes, found %d", i, x86asm.IntelSyntax(insts[i].inst, 0, nil), want, insts[i].inst.Len)
		}
	}
	if dst, _ := disasm.Target(insts[3].pc, insts[3].inst); dst != insts[1].pc {
		t.Fatalf("jl lands at %#x, expected %#x", dst, insts[1].pc)
	}
	if dst, _ := disasm.Target(insts[7].pc, insts[7].inst); dst != insts[9].pc {
		t.Fatalf("call lands at %#x, expected %#x", dst, insts[9].pc)
	}
}

// Body with one injection:
//
//	0x00 xor eax, eax
//	0x02 jz 0x08           ; first instruction after the injection, from the body
//	0x04 inc eax           ; Foo, Target+0x10
//	0x06 jmp 0x08          ; Inner; end of the injection, from inside it
//	0x08 dec eax           ; EndFoo
//	0x0a jmp 0x00          ; After
//	0x0c jmp 0x04          ; into the injection, from the body
//	0x11 ret
func injectionObject() *objtest.Object {
	return &objtest.Object{
		Text: []byte{
			0x31, 0xc0,
			0x74, 0x04,
			0xff, 0xc0,
			0xeb, 0x00,
			0xff, 0xc8,
			0xeb, 0xf4,
			0xe9, 0xf3, 0xff, 0xff, 0xff,
			0xc3,
		},
		Symbols: []objtest.Symbol{
			objtest.Func("Foo", 0x04),
			objtest.Label("Target+0x10", 0x04),
			objtest.Label("Inner", 0x06),
			objtest.Label("EndFoo", 0x08),
			objtest.Label("After", 0x0a),
		},
	}
}

func TestExtractInjection(t *testing.T) {
	p := load(t, injectionObject())
	if len(p.Injections) != 1 {
		t.Fatalf("expected 1 injection, found %d", len(p.Injections))
	}
	inj := p.Injections[0]
	if inj.Function != "Target" || inj.Offset != 0x10 || inj.Name != "Foo" {
		t.Fatalf("injection %s -> %s+%#x, expected Foo -> Target+0x10", inj.Name, inj.Function, inj.Offset)
	}
	// conservation: 8 instructions before extraction
	if len(p.Insts) != 6 || len(inj.Insts) != 2 || len(p.Insts)+len(inj.Insts) != 8 {
		t.Fatalf("body %d + injection %d instructions, expected 6 + 2", len(p.Insts), len(inj.Insts))
	}
	if inj.Insts[0].Tag != 2 || inj.Insts[1].Tag != 3 {
		t.Fatalf("injection holds tags %d, %d, expected 2, 3", inj.Insts[0].Tag, inj.Insts[1].Tag)
	}
	for _, name := range []string{"Foo", "EndFoo", "Target+0x10", "Inner"} {
		if _, ok := p.Exports[name]; ok {
			t.Fatalf("%s is still exported", name)
		}
	}
	if loc, ok := p.Exports["After"]; !ok || loc.Section != SectionText || p.Insts[loc.Index].Tag != 5 {
		t.Fatalf("After exported as %v, expected the instruction tagged 5", loc)
	}
	if len(p.dropped) != 1 || p.dropped[0] != "Inner" {
		t.Fatalf("dropped exports %v, expected [Inner]", p.dropped)
	}
}

// References surviving in the body still name the same logical instruction.
func TestExtractOffsetShift(t *testing.T) {
	p := load(t, injectionObject())
	// tag of the referencing instruction -> tag of its target, before extraction
	want := map[int]int{1: 4, 5: 0}
	seen := 0
	for _, inst := range p.Insts {
		for _, f := range inst.Fields {
			im := p.Imms[f.Imm]
			if im.Kind != InstructionOffset {
				continue
			}
			seen++
			if tag := p.Insts[im.Index].Tag; tag != want[inst.Tag] {
				t.Fatalf("instruction tagged %d references tag %d, expected %d", inst.Tag, tag, want[inst.Tag])
			}
		}
	}
	if seen != len(want) {
		t.Fatalf("found %d body references, expected %d", seen, len(want))
	}
}

func TestExtractTieBreak(t *testing.T) {
	p := load(t, injectionObject())
	inj := p.Injections[0]

	// jmp at the end of the injection: the end of the injected code
	f, _ := inj.Insts[1].VarField()
	if im := p.Imms[f.Imm]; im.Kind != PatchInstructionOffset || im.Injection != 0 || im.Index != 2 {
		t.Fatalf("injected jmp targets %v, expected PatchInstructionOffset(0, 2)", im)
	}
	// jz in the body: the next surviving body instruction
	f, _ = p.Insts[1].VarField()
	if im := p.Imms[f.Imm]; im.Kind != InstructionOffset || p.Insts[im.Index].Tag != 4 {
		t.Fatalf("body jz targets %v, expected the instruction tagged 4", im)
	}
	// jmp from the body into the injection
	f, _ = p.Insts[4].VarField()
	if im := p.Imms[f.Imm]; im.Kind != PatchInstructionOffset || im.Index != 0 {
		t.Fatalf("body jmp targets %v, expected PatchInstructionOffset(0, 0)", im)
	}
}

func TestDirectives(t *testing.T) {
	var text []byte
	text = append(text, Directive(DirectiveWide)...)
	text = append(text, 0xeb, 0x00) // 0x07: jmp 0x09
	text = append(text, Directive(DirectiveImm32)...)
	text = append(text, 0x48, 0x83, 0xc0, 0x01) // 0x10: add rax, 1
	text = append(text, Directive(DirectiveNarrow)...)
	text = append(text, 0x48, 0x81, 0xc0, 0x00, 0x01, 0x00, 0x00) // 0x1b: add rax, 0x100
	text = append(text, 0xc3)
	obj := &objtest.Object{Text: text, Symbols: []objtest.Symbol{objtest.Func("Entry", 0)}}

	b, err := obj.Build()
	if err != nil {
		t.Fatal(err)
	}
	p, err := Load("test.o", bytes.NewReader(b))
	if err != nil {
		t.Fatal(err)
	}
	if len(p.Insts) != 4 {
		t.Fatalf("expected %v instructions, found %v", 4, len(p.Insts))
	}
	if loc := p.Exports["Entry"]; loc.Index != 0 {
		t.Fatalf("Entry bound to instruction %d, expected 0", loc.Index)
	}
	if inst := p.Insts[0]; inst.Override != OverrideWide || inst.Len() != 5 {
		t.Fatalf("jmp after WIDE: %s (%d bytes)", inst, inst.Len())
	}
	if inst := p.Insts[1]; inst.Override != OverrideImm32 || inst.FieldWidth() != 4 {
		t.Fatalf("add after IM32: %s (%d-byte field)", inst, inst.FieldWidth())
	}
	if inst := p.Insts[2]; inst.Override != OverrideNarrow || inst.FieldWidth() != 1 {
		t.Fatalf("add after NARR: %s (%d-byte field)", inst, inst.FieldWidth())
	}
	// 0x100 does not fit the forced 8-bit form
	a := newAssembler(p, bodyBlock, 0x1000, true, nil)
	if _, err := a.emit(); !errors.Is(err, ErrLayout) {
		t.Fatalf("expected ErrLayout, found %v", err)
	}
}

func TestMalformed(t *testing.T) {
	for _, tc := range []struct {
		name string
		obj  *objtest.Object
	}{
		{"no text", &objtest.Object{Data: []byte{1, 2, 3, 4}}},
		{"not relocatable", &objtest.Object{Text: []byte{0xc3}, Type: elf.ET_EXEC}},
		{"wrong machine", &objtest.Object{Text: []byte{0xc3}, Machine: elf.EM_AARCH64}},
		{"two text sections", &objtest.Object{Text: []byte{0xc3}, ExtraText: []byte{0xc3}}},
		{"undecodable", &objtest.Object{Text: []byte{0x48, 0xc7}}},
		{"truncated call", &objtest.Object{Text: []byte{0x90, 0xe8, 0x00}}},
		{"unknown opcode", &objtest.Object{Text: []byte{0x90, 0x0f, 0x04, 0xc3}}},
		{"REL relocations", &objtest.Object{
			Text:       []byte{0xe8, 0, 0, 0, 0, 0xc3},
			TextRelocs: []objtest.Reloc{{Off: 1, Type: elf.R_X86_64_PC32, Sym: "f"}},
			UseREL:     true,
		}},
		{"unsupported relocation", &objtest.Object{
			Text:       []byte{0x48, 0xb8, 0, 0, 0, 0, 0, 0, 0, 0, 0xc3},
			TextRelocs: []objtest.Reloc{{Off: 2, Type: elf.R_X86_64_GOTOFF64, Sym: "f"}},
		}},
		{"start without end", &objtest.Object{
			Text:    []byte{0x90, 0xc3},
			Symbols: []objtest.Symbol{objtest.Func("Target+0x10", 0)},
		}},
		{"end before start", &objtest.Object{
			Text:    []byte{0x90, 0x90, 0xc3},
			Symbols: []objtest.Symbol{objtest.Func("Foo", 1), objtest.Label("ENDFoo", 0)},
		}},
		{"unaligned start", &objtest.Object{
			Text:    []byte{0x31, 0xc0, 0xc3},
			Symbols: []objtest.Symbol{objtest.Func("Foo", 1), objtest.Label("EndFoo", 2)},
		}},
		{"overlapping injections", &objtest.Object{
			Text: []byte{0x90, 0x90, 0x90, 0x90, 0xc3},
			Symbols: []objtest.Symbol{
				objtest.Func("A", 0), objtest.Label("EndA", 2),
				objtest.Func("B", 1), objtest.Label("EndB", 3),
			},
		}},
		{"jump into an instruction", &objtest.Object{Text: []byte{0xeb, 0x01, 0x31, 0xc0, 0xc3}}},
		{"common symbol", &objtest.Object{
			Text:       []byte{0x48, 0x8b, 0x05, 0, 0, 0, 0, 0xc3},
			Symbols:    []objtest.Symbol{{Name: "buf", Section: objtest.Common, Value: 8}},
			TextRelocs: []objtest.Reloc{{Off: 3, Type: elf.R_X86_64_PC32, Sym: "buf", Addend: -4}},
		}},
	} {
		err := loadErr(t, tc.obj)
		var me *MalformedError
		if !errors.Is(err, ErrMalformed) || !errors.As(err, &me) {
			t.Fatalf("%s: expected a malformed-object error, found %v", tc.name, err)
		}
	}
}

func TestSymbolize(t *testing.T) {
	obj := &objtest.Object{
		Text: []byte{
			0x48, 0x8d, 0x05, 0, 0, 0, 0, // 0x00: lea rax, [rip+table+8]
			0x48, 0x8b, 0x0d, 0, 0, 0, 0, // 0x07: mov rcx, [rip+Counter]
			0xe8, 0, 0, 0, 0, // 0x0e: call helper
			0x48, 0x8b, 0x15, 0, 0, 0, 0, // 0x13: mov rdx, [rip+ext@GOTPCREL]
			0x48, 0xc7, 0xc0, 0, 0, 0, 0, // 0x1a: mov rax, Player.health
			0xc3, // 0x21
		},
		Data:    make([]byte, 16),
		Symbols: []objtest.Symbol{objtest.DataSym("table", 0), objtest.Func("entry", 0)},
		TextRelocs: []objtest.Reloc{
			{Off: 0x03, Type: elf.R_X86_64_PC32, Sym: ".data", Addend: 8 - 4},
			{Off: 0x0a, Type: elf.R_X86_64_PC32, Sym: "Counter", Addend: -4},
			{Off: 0x0f, Type: elf.R_X86_64_PLT32, Sym: "helper", Addend: -4},
			{Off: 0x16, Type: elf.R_X86_64_REX_GOTPCRELX, Sym: "ext", Addend: -4},
			{Off: 0x1d, Type: elf.R_X86_64_32S, Sym: "Player.health"},
		},
		DataRelocs: []objtest.Reloc{
			{Off: 0, Type: elf.R_X86_64_64, Sym: "main"},
			{Off: 8, Type: elf.R_X86_64_64, Sym: ".text", Addend: 0x21},
		},
	}
	p := load(t, obj)

	field := func(i int) Immediate {
		for _, f := range p.Insts[i].Fields {
			if f.PCRel || p.Insts[i].Op == x86asm.MOV && i == 4 {
				return p.Imms[f.Imm]
			}
		}
		t.Fatalf("instruction %d has no relocated field", i)
		return Immediate{}
	}
	if im := field(0); im.Kind != DataSymbolRel || im.Value != 8 {
		t.Fatalf("lea: %v, expected DataSymbolRel(0x8)", im)
	}
	if im := field(1); im.Kind != UnresolvedSymbolRel || im.Name != "Counter" || im.Addend != 0 {
		t.Fatalf("mov: %v, expected UnresolvedSymbolRel(Counter+0)", im)
	}
	if im := field(2); im.Kind != UnresolvedSymbolRel || im.Name != "helper" {
		t.Fatalf("call: %v, expected UnresolvedSymbolRel(helper)", im)
	}
	if im := field(3); im.Kind != UnresolvedSymbolRel || im.Name != "ext" {
		t.Fatalf("GOT load: %v, expected UnresolvedSymbolRel(ext)", im)
	}
	if p.Insts[3].Op != x86asm.MOV || p.Insts[3].raw[1] != 0x8d {
		t.Fatalf("GOT load was not relaxed to lea: % x", p.Insts[3].raw)
	}
	if im := field(4); im.Kind != UnresolvedSymbol || im.Name != "Player.health" {
		t.Fatalf("mov imm: %v, expected UnresolvedSymbol(Player.health)", im)
	}
	if len(p.DataRelocs) != 2 {
		t.Fatalf("expected 2 data relocations, found %d", len(p.DataRelocs))
	}
	if im := p.Imms[p.DataRelocs[0].Imm]; im.Kind != UnresolvedSymbol || im.Name != "main" {
		t.Fatalf("data reloc 0: %v", im)
	}
	if im := p.Imms[p.DataRelocs[1].Imm]; im.Kind != InstructionOffset || im.Index != 5 {
		t.Fatalf("data reloc 1: %v, expected InstructionOffset(5)", im)
	}
	if loc := p.Exports["table"]; loc.Section != SectionData || loc.Offset != 0 {
		t.Fatalf("table exported as %v", loc)
	}
	if loc := p.Exports["entry"]; loc.Section != SectionText || loc.Index != 0 {
		t.Fatalf("entry exported as %v", loc)
	}
}

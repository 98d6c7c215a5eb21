// package objtest builds small ELF64 x86-64 relocatable objects for tests.
package objtest

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"fmt"
)

// Section a symbol is defined in.
type Section uint8

const (
	Undef Section = iota
	Text
	Data
	BSS
	Abs
	Common
)

// Symbol of the object. Symbols are global unless Local is set.
type Symbol struct {
	Name    string
	Section Section
	Value   uint64
	Size    uint64
	Local   bool
	Type    elf.SymType
}

// Reloc is a RELA relocation. Sym names a symbol of the object; names which are not defined
// become undefined globals. ".text", ".data" and ".bss" name the section symbols, and an empty
// name uses symbol 0.
type Reloc struct {
	Off    uint64
	Type   elf.R_X86_64
	Sym    string
	Addend int64
}

// Object describes a relocatable object.
type Object struct {
	Text       []byte
	Data       []byte
	DataAlign  uint64 // default 8
	BSS        uint64 // size of .bss
	Symbols    []Symbol
	TextRelocs []Reloc
	DataRelocs []Reloc

	// Malformations, for error tests.
	ExtraText []byte   // a second executable section
	Type      elf.Type // default ET_REL
	Machine   elf.Machine
	UseREL    bool // emit SHT_REL sections instead of SHT_RELA
}

// Text-section symbol helpers.
func Func(name string, off uint64) Symbol {
	return Symbol{Name: name, Section: Text, Value: off, Type: elf.STT_FUNC}
}

func Label(name string, off uint64) Symbol {
	return Symbol{Name: name, Section: Text, Value: off}
}

func DataSym(name string, off uint64) Symbol {
	return Symbol{Name: name, Section: Data, Value: off, Type: elf.STT_OBJECT}
}

type section struct {
	name  string
	hdr   elf.Section64
	body  []byte
	index int
}

type strtab struct{ b []byte }

func newStrtab() *strtab { return &strtab{b: []byte{0}} }

func (t *strtab) add(s string) uint32 {
	if s == "" {
		return 0
	}
	off := uint32(len(t.b))
	t.b = append(t.b, s...)
	t.b = append(t.b, 0)
	return off
}

// Build encodes the object.
func (o *Object) Build() ([]byte, error) {
	var secs []*section
	add := func(name string, typ elf.SectionType, flags elf.SectionFlag, align uint64, body []byte) *section {
		s := &section{name: name, body: body, index: len(secs) + 1}
		s.hdr.Type = uint32(typ)
		s.hdr.Flags = uint64(flags)
		s.hdr.Addralign = align
		s.hdr.Size = uint64(len(body))
		secs = append(secs, s)
		return s
	}

	text := add(".text", elf.SHT_PROGBITS, elf.SHF_ALLOC|elf.SHF_EXECINSTR, 16, o.Text)
	var data, bss *section
	if o.Data != nil {
		align := o.DataAlign
		if align == 0 {
			align = 8
		}
		data = add(".data", elf.SHT_PROGBITS, elf.SHF_ALLOC|elf.SHF_WRITE, align, o.Data)
	}
	if o.BSS > 0 {
		bss = add(".bss", elf.SHT_NOBITS, elf.SHF_ALLOC|elf.SHF_WRITE, 8, nil)
		bss.hdr.Size = o.BSS
	}
	if o.ExtraText != nil {
		add(".text.extra", elf.SHT_PROGBITS, elf.SHF_ALLOC|elf.SHF_EXECINSTR, 16, o.ExtraText)
	}

	secIndex := func(s Section) (elf.SectionIndex, error) {
		switch s {
		case Undef:
			return elf.SHN_UNDEF, nil
		case Abs:
			return elf.SHN_ABS, nil
		case Common:
			return elf.SHN_COMMON, nil
		case Text:
			return elf.SectionIndex(text.index), nil
		case Data:
			if data == nil {
				return 0, fmt.Errorf("symbol in .data, but the object has no data")
			}
			return elf.SectionIndex(data.index), nil
		case BSS:
			if bss == nil {
				return 0, fmt.Errorf("symbol in .bss, but the object has no bss")
			}
			return elf.SectionIndex(bss.index), nil
		}
		return 0, fmt.Errorf("unknown section %d", s)
	}

	// Symbol table: null, section symbols and locals, then globals.
	strs := newStrtab()
	var locals, globals []elf.Sym64
	symIndex := map[string]int{}
	sectionSym := func(s *section) {
		if s == nil {
			return
		}
		symIndex[s.name] = len(locals) + 1
		locals = append(locals, elf.Sym64{Info: elf.ST_INFO(elf.STB_LOCAL, elf.STT_SECTION), Shndx: uint16(s.index)})
	}
	sectionSym(text)
	sectionSym(data)
	sectionSym(bss)

	defined := map[string]bool{}
	for _, s := range o.Symbols {
		defined[s.Name] = true
	}
	syms := append([]Symbol(nil), o.Symbols...)
	for _, rels := range [][]Reloc{o.TextRelocs, o.DataRelocs} {
		for _, r := range rels {
			if r.Sym == "" || defined[r.Sym] || r.Sym == ".text" || r.Sym == ".data" || r.Sym == ".bss" {
				continue
			}
			defined[r.Sym] = true
			syms = append(syms, Symbol{Name: r.Sym, Section: Undef})
		}
	}

	var globalNames []string
	for _, s := range syms {
		shndx, err := secIndex(s.Section)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", s.Name, err)
		}
		bind := elf.STB_GLOBAL
		if s.Local {
			bind = elf.STB_LOCAL
		}
		sym := elf.Sym64{
			Name:  strs.add(s.Name),
			Info:  elf.ST_INFO(bind, s.Type),
			Shndx: uint16(shndx),
			Value: s.Value,
			Size:  s.Size,
		}
		if s.Local {
			symIndex[s.Name] = len(locals) + 1
			locals = append(locals, sym)
		} else {
			globalNames = append(globalNames, s.Name)
			globals = append(globals, sym)
		}
	}
	for i, name := range globalNames {
		symIndex[name] = len(locals) + 1 + i
	}

	var symtab bytes.Buffer
	all := append(append([]elf.Sym64{{}}, locals...), globals...)
	for _, s := range all {
		binary.Write(&symtab, binary.LittleEndian, s)
	}

	relocs := func(rels []Reloc) ([]byte, error) {
		var b bytes.Buffer
		for _, r := range rels {
			idx := 0
			if r.Sym != "" {
				var ok bool
				if idx, ok = symIndex[r.Sym]; !ok {
					return nil, fmt.Errorf("relocation at %#x: no symbol %s", r.Off, r.Sym)
				}
			}
			info := elf.R_INFO(uint32(idx), uint32(r.Type))
			if o.UseREL {
				binary.Write(&b, binary.LittleEndian, elf.Rel64{Off: r.Off, Info: info})
			} else {
				binary.Write(&b, binary.LittleEndian, elf.Rela64{Off: r.Off, Info: info, Addend: r.Addend})
			}
		}
		return b.Bytes(), nil
	}
	relType, relName, relSize := elf.SHT_RELA, ".rela", uint64(24)
	if o.UseREL {
		relType, relName, relSize = elf.SHT_REL, ".rel", 16
	}
	var relSecs []*section
	for _, target := range []struct {
		sec  *section
		rels []Reloc
	}{{text, o.TextRelocs}, {data, o.DataRelocs}} {
		if len(target.rels) == 0 {
			continue
		}
		if target.sec == nil {
			return nil, fmt.Errorf("relocations for a missing section")
		}
		body, err := relocs(target.rels)
		if err != nil {
			return nil, err
		}
		s := add(relName+target.sec.name, relType, elf.SHF_INFO_LINK, 8, body)
		s.hdr.Info = uint32(target.sec.index)
		s.hdr.Entsize = relSize
		relSecs = append(relSecs, s)
	}

	symSec := add(".symtab", elf.SHT_SYMTAB, 0, 8, symtab.Bytes())
	symSec.hdr.Entsize = 24
	symSec.hdr.Info = uint32(len(locals) + 1)
	strSec := add(".strtab", elf.SHT_STRTAB, 0, 1, strs.b)
	symSec.hdr.Link = uint32(strSec.index)
	for _, s := range relSecs {
		s.hdr.Link = uint32(symSec.index)
	}
	shstrs := newStrtab()
	shstr := add(".shstrtab", elf.SHT_STRTAB, 0, 1, nil)
	for _, s := range secs {
		s.hdr.Name = shstrs.add(s.name)
	}
	shstr.body = shstrs.b
	shstr.hdr.Size = uint64(len(shstrs.b))

	// File layout: header, section bodies, section headers.
	const ehsize = 64
	off := uint64(ehsize)
	for _, s := range secs {
		align := s.hdr.Addralign
		if align == 0 {
			align = 1
		}
		off = (off + align - 1) &^ (align - 1)
		s.hdr.Off = off
		if elf.SectionType(s.hdr.Type) != elf.SHT_NOBITS {
			off += uint64(len(s.body))
		}
	}
	shoff := (off + 7) &^ 7

	typ := o.Type
	if typ == 0 {
		typ = elf.ET_REL
	}
	machine := o.Machine
	if machine == 0 {
		machine = elf.EM_X86_64
	}
	hdr := elf.Header64{
		Type:      uint16(typ),
		Machine:   uint16(machine),
		Version:   uint32(elf.EV_CURRENT),
		Shoff:     shoff,
		Ehsize:    ehsize,
		Shentsize: 64,
		Shnum:     uint16(len(secs) + 1),
		Shstrndx:  uint16(shstr.index),
	}
	copy(hdr.Ident[:], elf.ELFMAG)
	hdr.Ident[elf.EI_CLASS] = byte(elf.ELFCLASS64)
	hdr.Ident[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	hdr.Ident[elf.EI_VERSION] = byte(elf.EV_CURRENT)

	out := make([]byte, shoff, shoff+uint64(len(secs)+1)*64)
	var hb bytes.Buffer
	binary.Write(&hb, binary.LittleEndian, hdr)
	copy(out, hb.Bytes())
	for _, s := range secs {
		if elf.SectionType(s.hdr.Type) != elf.SHT_NOBITS {
			copy(out[s.hdr.Off:], s.body)
		}
	}
	var sh bytes.Buffer
	binary.Write(&sh, binary.LittleEndian, elf.Section64{})
	for _, s := range secs {
		binary.Write(&sh, binary.LittleEndian, s.hdr)
	}
	return append(out, sh.Bytes()...), nil
}

// MustBuild encodes the object and panics on error.
func (o *Object) MustBuild() []byte {
	b, err := o.Build()
	if err != nil {
		panic(err)
	}
	return b
}

// Reader encodes the object for Load.
func (o *Object) Reader() *bytes.Reader { return bytes.NewReader(o.MustBuild()) }

package x64patch

import (
	"debug/elf"
	"encoding/binary"
	"io"
	"sort"
	"strings"
)

// Prefix of assembler-local labels. Such symbols are never exported.
const internalPrefix = ".L"

const relaEntrySize = 24

// A relocation of the text section or of the data blob.
type objReloc struct {
	Off    uint64 // offset within the text section, or within the data blob
	Type   elf.R_X86_64
	Sym    objSym
	Addend int64
}

type objSym struct {
	Name    string
	Section elf.SectionIndex
	Value   uint64
	Bind    elf.SymBind
	Type    elf.SymType
}

// object is the subset of an ELF64 relocatable object the linker consumes: one text section,
// the allocatable data sections concatenated into a single blob, symbols and RELA relocations.
type object struct {
	name      string
	text      []byte
	textSec   elf.SectionIndex
	data      []byte
	dataAlign uint64
	dataOff   map[elf.SectionIndex]uint64 // section -> offset within the data blob
	syms      []objSym
	textRels  []objReloc
	dataRels  []objReloc
}

func isUnwindSection(s *elf.Section) bool {
	return s.Name == ".eh_frame" || uint32(s.Type) == 0x70000001 // SHT_X86_64_UNWIND
}

// Parse a relocatable object.
func readObject(name string, r io.ReaderAt) (*object, error) {
	f, err := elf.NewFile(r)
	if err != nil {
		return nil, malformed(name, "%v", err)
	}
	defer f.Close()

	if f.Class != elf.ELFCLASS64 || f.Machine != elf.EM_X86_64 {
		return nil, malformed(name, "not an x86-64 ELF64 object (%v, %v)", f.Class, f.Machine)
	}
	if f.Type != elf.ET_REL {
		return nil, malformed(name, "not a relocatable object (%v)", f.Type)
	}

	obj := &object{name: name, dataOff: map[elf.SectionIndex]uint64{}, dataAlign: 1}
	textFound := false
	for i, s := range f.Sections {
		if s.Flags&elf.SHF_ALLOC == 0 || s.Size == 0 || isUnwindSection(s) {
			continue
		}
		switch {
		case s.Flags&elf.SHF_EXECINSTR != 0:
			if textFound {
				return nil, malformed(name, "more than one text section (%s)", s.Name)
			}
			if s.Type != elf.SHT_PROGBITS {
				return nil, malformed(name, "text section %s has no contents", s.Name)
			}
			text, err := s.Data()
			if err != nil {
				return nil, malformed(name, "read %s: %v", s.Name, err)
			}
			obj.text, obj.textSec, textFound = text, elf.SectionIndex(i), true

		case s.Type == elf.SHT_PROGBITS || s.Type == elf.SHT_NOBITS:
			align := s.Addralign
			if align == 0 {
				align = 1
			}
			if align > obj.dataAlign {
				obj.dataAlign = align
			}
			off := alignUp(uint64(len(obj.data)), align)
			obj.data = append(obj.data, make([]byte, off-uint64(len(obj.data)))...)
			obj.dataOff[elf.SectionIndex(i)] = off
			if s.Type == elf.SHT_NOBITS {
				obj.data = append(obj.data, make([]byte, s.Size)...)
				continue
			}
			data, err := s.Data()
			if err != nil {
				return nil, malformed(name, "read %s: %v", s.Name, err)
			}
			obj.data = append(obj.data, data...)
		}
	}
	if !textFound {
		return nil, malformed(name, "missing text section")
	}

	syms, err := f.Symbols()
	if err != nil && err != elf.ErrNoSymbols {
		return nil, malformed(name, "read symbols: %v", err)
	}
	for _, s := range syms {
		obj.syms = append(obj.syms, objSym{
			Name:    s.Name,
			Section: s.Section,
			Value:   s.Value,
			Bind:    elf.ST_BIND(s.Info),
			Type:    elf.ST_TYPE(s.Info),
		})
	}

	for _, s := range f.Sections {
		if s.Type == elf.SHT_REL {
			if target := int(s.Info); target < len(f.Sections) && (elf.SectionIndex(target) == obj.textSec || obj.hasData(elf.SectionIndex(target))) {
				return nil, malformed(name, "REL relocations are not supported (%s)", s.Name)
			}
			continue
		}
		if s.Type != elf.SHT_RELA {
			continue
		}
		target := elf.SectionIndex(s.Info)
		base, isData := obj.dataOff[target]
		if target != obj.textSec && !isData {
			continue
		}
		raw, err := s.Data()
		if err != nil {
			return nil, malformed(name, "read %s: %v", s.Name, err)
		}
		for p := 0; p+relaEntrySize <= len(raw); p += relaEntrySize {
			off := binary.LittleEndian.Uint64(raw[p:])
			info := binary.LittleEndian.Uint64(raw[p+8:])
			rel := objReloc{
				Off:    off,
				Type:   elf.R_X86_64(elf.R_TYPE64(info)),
				Addend: int64(binary.LittleEndian.Uint64(raw[p+16:])),
			}
			symIdx := int(elf.R_SYM64(info))
			if symIdx > 0 {
				if symIdx > len(obj.syms) {
					return nil, malformed(name, "relocation at %#x references symbol %d out of range", off, symIdx)
				}
				rel.Sym = obj.syms[symIdx-1]
			} else {
				rel.Sym.Section = elf.SHN_ABS
			}
			if isData {
				rel.Off += base
				obj.dataRels = append(obj.dataRels, rel)
			} else {
				obj.textRels = append(obj.textRels, rel)
			}
		}
	}
	sort.Slice(obj.textRels, func(i, j int) bool { return obj.textRels[i].Off < obj.textRels[j].Off })
	sort.Slice(obj.dataRels, func(i, j int) bool { return obj.dataRels[i].Off < obj.dataRels[j].Off })
	return obj, nil
}

func (obj *object) hasData(sec elf.SectionIndex) bool {
	_, ok := obj.dataOff[sec]
	return ok
}

// Get the global symbols defined in the text section, in address order.
func (obj *object) globalText() []objSym {
	var out []objSym
	for _, s := range obj.syms {
		if s.Section == obj.textSec && isGlobal(s) && s.Type != elf.STT_SECTION && s.Name != "" {
			out = append(out, s)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Value < out[j].Value })
	return out
}

func isGlobal(s objSym) bool { return s.Bind == elf.STB_GLOBAL || s.Bind == elf.STB_WEAK }

func isInternal(name string) bool { return strings.HasPrefix(name, internalPrefix) }

func alignUp(v, align uint64) uint64 {
	if align <= 1 {
		return v
	}
	return (v + align - 1) &^ (align - 1)
}

func alignDown(v, align uint64) uint64 {
	if align <= 1 {
		return v
	}
	return v &^ (align - 1)
}

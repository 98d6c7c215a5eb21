package x64patch

import (
	"bytes"
	"fmt"
	"io"
	"os"
)

// Section of a patch-exported symbol.
type Section uint8

const (
	SectionText Section = iota
	SectionData
)

// SymbolLocation is a name exported by a patch: an instruction of the body, or an offset into
// the data blob.
type SymbolLocation struct {
	Section Section
	Index   int    // instruction index, for SectionText
	Offset  uint64 // blob offset, for SectionData
}

func (l SymbolLocation) String() string {
	if l.Section == SectionText {
		return fmt.Sprintf("Text(%d)", l.Index)
	}
	return fmt.Sprintf("Data(%#x)", l.Offset)
}

// DataReloc overwrites Size bytes of the data blob at Off with the resolved value of Imm (minus
// the address of the field itself, for PC-relative relocations).
type DataReloc struct {
	Off   uint64
	Size  int
	Imm   ImmID
	PCRel bool
	sign  fieldSign
}

// Injection is a range of instructions lifted out of a patch body, to be written over the
// existing code of Function at Offset.
type Injection struct {
	ID       int
	Name     string // start marker
	Function string
	Offset   uint64
	Insts    []*Instruction

	// Address of the injected code, set when the patch is linked.
	Base uint64
}

// Patch is the unit of linking, built from one relocatable object.
type Patch struct {
	Name       string
	Insts      []*Instruction // body, in address order
	Imms       ImmTable       // shared by the body, the injections and the data relocations
	Data       []byte
	DataAlign  uint64
	DataRelocs []DataReloc
	Injections []*Injection
	Exports    map[string]SymbolLocation

	index   map[uint64]int // text offset -> body index, while loading
	dropped []string       // exports removed with an injection
}

// Get the encoded size of the body under its current layout.
func (p *Patch) BodySize() uint64 { return blockSize(p.Insts) }

// Load a patch from a relocatable object: decode and symbolize its text, extract its injections
// and settle the encoding of its body. The body's final address is not known yet, so every
// reference leaving the body keeps its widest encoding until the patch is linked.
func Load(name string, r io.ReaderAt) (*Patch, error) {
	obj, err := readObject(name, r)
	if err != nil {
		return nil, err
	}
	p, err := symbolize(obj)
	if err != nil {
		return nil, err
	}
	if err := extractInjections(p, obj); err != nil {
		return nil, err
	}
	p.index = nil
	a := newAssembler(p, bodyBlock, 0, false, nil)
	a.widenAll()
	if _, err := a.converge(); err != nil {
		return nil, err
	}
	return p, nil
}

// Load a patch from an object file on disk.
func LoadFile(path string) (*Patch, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Load(path, bytes.NewReader(b))
}

package x64patch

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/apex/log"
	"github.com/apex/log/handlers/text"
)

// Linker links patches against a target process and writes them into it.
type Linker struct {
	cfg  Config
	meta Metadata
	mem  Memory
	syms *SymbolTable
	log  log.Interface
}

// Option configures a Linker.
type Option func(*Linker)

// Log through logger instead of the default logger.
func WithLogger(logger log.Interface) Option {
	return func(l *Linker) { l.log = logger }
}

// Resolve names through an existing symbol table, e.g. one shared with an earlier run.
func WithSymbols(syms *SymbolTable) Option {
	return func(l *Linker) { l.syms = syms }
}

// Create a linker for a target process described by meta and reached through mem. mem may be
// nil for Link-only use.
func New(cfg Config, meta Metadata, mem Memory, opts ...Option) *Linker {
	l := &Linker{cfg: cfg.withDefaults(), meta: meta, mem: mem}
	for _, opt := range opts {
		opt(l)
	}
	if l.syms == nil {
		l.syms = NewSymbolTable(meta)
	}
	if l.log == nil {
		if l.cfg.Debug {
			l.log = &log.Logger{Handler: text.New(os.Stderr), Level: log.DebugLevel}
		} else {
			l.log = log.Log
		}
	}
	return l
}

// Get the global symbol table. It holds the exports of every patch linked so far.
func (l *Linker) Symbols() *SymbolTable { return l.syms }

// Load object files concurrently. Patches are returned in the order of paths.
func (l *Linker) LoadAll(paths ...string) ([]*Patch, error) {
	patches := make([]*Patch, len(paths))
	errs := make([]error, len(paths))
	var wg sync.WaitGroup
	for i, path := range paths {
		wg.Add(1)
		go func(i int, path string) {
			defer wg.Done()
			patches[i], errs[i] = LoadFile(path)
		}(i, path)
	}
	wg.Wait()
	for i, p := range patches {
		if errs[i] != nil {
			return nil, errs[i]
		}
		l.log.WithFields(log.Fields{
			"patch":      p.Name,
			"insts":      len(p.Insts),
			"injections": len(p.Injections),
			"data":       len(p.Data),
			"unresolved": p.Imms.Unresolved(),
		}).Debug("loaded")
	}
	return patches, nil
}

// Link patches in order: plan the patch region, settle every encoding at its final address,
// publish the exports of each patch before the next one is resolved, and produce the final
// bytes. Nothing is written to the target process.
func (l *Linker) Link(patches []*Patch) (*Image, error) {
	layout, err := plan(l.cfg, l.mem, patches)
	if err != nil {
		return nil, err
	}
	l.log.WithFields(log.Fields{
		"region": fmt.Sprintf("%#x", layout.RegionBase),
		"size":   fmt.Sprintf("%#x", layout.RegionSize),
		"data":   fmt.Sprintf("%#x", layout.DataBase),
		"text":   fmt.Sprintf("%#x", layout.TextBase),
	}).Debug("planned")

	img := &Image{Layout: layout, PageSize: l.cfg.PageSize}
	for i, p := range patches {
		segs, err := l.link(p, layout.DataAddr(i), layout.TextAddr(i), layout.TextSlot(i))
		if err != nil {
			return nil, err
		}
		img.Segments = append(img.Segments, segs...)
	}
	return img, nil
}

// Link patches and write them into the target process.
func (l *Linker) Run(patches []*Patch) (*Image, error) {
	if l.mem == nil {
		return nil, fmt.Errorf("%w: no target memory", ErrRemote)
	}
	img, err := l.Link(patches)
	if err != nil {
		return nil, err
	}
	if err := Apply(l.mem, img, l.log); err != nil {
		return img, err
	}
	return img, nil
}

// linkState holds the assemblers of one patch while it is linked.
type linkState struct {
	l        *Linker
	p        *Patch
	dataBase uint64
	body     *assembler
	injs     []*assembler
	names    map[nameKey]uint64
	log      log.Interface
}

// Names resolved for a block. Injections may fall back to the labels of their target function,
// so the same name can resolve differently per block.
type nameKey struct {
	block int
	name  string
}

func (l *Linker) link(p *Patch, dataBase, textBase, slot uint64) ([]Segment, error) {
	ctx := l.log.WithField("patch", p.Name)
	st := &linkState{l: l, p: p, dataBase: dataBase, names: map[nameKey]uint64{}, log: ctx}

	for _, name := range p.dropped {
		ctx.WithField("symbol", name).Warn("export inside an injection is not published")
	}
	if err := l.publish(p, SectionData, func(loc SymbolLocation) (uint64, error) {
		return dataBase + loc.Offset, nil
	}); err != nil {
		return nil, err
	}

	for _, inj := range p.Injections {
		fn, err := l.syms.Resolve(inj.Function)
		if err != nil {
			return nil, withPatch(err, p.Name)
		}
		inj.Base = fn + inj.Offset
		ctx.WithFields(log.Fields{
			"injection": inj.Name,
			"function":  inj.Function,
			"addr":      fmt.Sprintf("%#x", inj.Base),
		}).Debug("injection placed")
	}

	st.body = newAssembler(p, bodyBlock, textBase, true, st.resolver(bodyBlock))
	st.body.widenAll()
	for _, inj := range p.Injections {
		a := newAssembler(p, inj.ID, inj.Base, true, st.resolver(inj.ID))
		a.widenAll()
		st.injs = append(st.injs, a)
	}
	if err := st.converge(); err != nil {
		return nil, err
	}

	if err := l.publish(p, SectionText, func(loc SymbolLocation) (uint64, error) {
		return st.body.addr(loc.Index)
	}); err != nil {
		return nil, err
	}

	return st.emit(textBase, slot)
}

// Publish the exports of p in one section, in name order.
func (l *Linker) publish(p *Patch, sec Section, addr func(SymbolLocation) (uint64, error)) error {
	names := make([]string, 0, len(p.Exports))
	for name, loc := range p.Exports {
		if loc.Section == sec {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	for _, name := range names {
		a, err := addr(p.Exports[name])
		if err != nil {
			return err
		}
		if err := l.syms.Define(name, a); err != nil {
			return fmt.Errorf("%s: %w", p.Name, err)
		}
	}
	return nil
}

// Converge the body and every injection jointly. Blocks reference each other, so a change in
// one block can enable or force a change in another; rounds repeat until no block changes.
func (st *linkState) converge() error {
	blocks := append([]*assembler{st.body}, st.injs...)
	total := 0
	for _, a := range blocks {
		total += len(a.insts)
	}
	for round := 0; ; round++ {
		if round > total+2 {
			return layoutErr("encoding of %s does not converge", st.p.Name)
		}
		changed := false
		for _, a := range blocks {
			c, err := a.converge()
			if err != nil {
				return err
			}
			changed = changed || c
		}
		if !changed {
			return nil
		}
	}
}

// Get the resolver used by one block of the patch.
func (st *linkState) resolver(block int) resolveFunc {
	return func(im Immediate) (uint64, error) {
		switch im.Kind {
		case Concrete:
			return im.Value, nil
		case InstructionOffset, InstructionOffsetCall:
			return st.body.addr(im.Index)
		case PatchInstructionOffset:
			if im.Injection < 0 || im.Injection >= len(st.injs) {
				return 0, malformed(st.p.Name, "reference to unknown injection %d", im.Injection)
			}
			return st.injs[im.Injection].addr(im.Index)
		case DataSymbol, DataSymbolRel:
			return st.dataBase + im.Value, nil
		case UnresolvedSymbol, UnresolvedSymbolRel:
			v, err := st.lookup(block, im.Name)
			if err != nil {
				return 0, err
			}
			return v + uint64(im.Addend), nil
		}
		return 0, fmt.Errorf("unknown immediate kind %v", im.Kind)
	}
}

// Resolve a name for a block: the global table first, then the labels of the target function
// for injections.
func (st *linkState) lookup(block int, name string) (uint64, error) {
	key := nameKey{block, name}
	if v, ok := st.names[key]; ok {
		return v, nil
	}
	v, err := st.l.syms.Resolve(name)
	if err != nil && block != bodyBlock && errors.Is(err, ErrUnresolved) {
		fn := st.p.Injections[block].Function
		if lv, lerr := st.l.syms.ResolveLocal(fn, name); lerr == nil {
			st.log.WithFields(log.Fields{
				"symbol":   name,
				"function": fn,
				"addr":     fmt.Sprintf("%#x", lv),
			}).Warn("resolved through local labels")
			v, err = lv, nil
		}
	}
	if err != nil {
		return 0, withPatch(err, st.p.Name)
	}
	st.names[key] = v
	return v, nil
}

// Emit the final bytes of the patch. The body must fit the slot planned for it.
func (st *linkState) emit(textBase, slot uint64) ([]Segment, error) {
	p := st.p
	var segs []Segment

	if len(p.Data) > 0 {
		data, err := st.relocateData()
		if err != nil {
			return nil, err
		}
		segs = append(segs, Segment{Patch: p.Name, Kind: SegmentData, Addr: st.dataBase, Bytes: data})
	}

	code, err := st.body.emit()
	if err != nil {
		return nil, withPatch(err, p.Name)
	}
	if uint64(len(code)) > slot {
		return nil, layoutErr("body of %s grew to %#x bytes, past its %#x-byte slot at %#x",
			p.Name, len(code), slot, textBase)
	}
	segs = append(segs, Segment{Patch: p.Name, Kind: SegmentText, Addr: textBase, Bytes: code})

	for i, a := range st.injs {
		code, err := a.emit()
		if err != nil {
			return nil, withPatch(err, p.Name)
		}
		inj := p.Injections[i]
		segs = append(segs, Segment{Patch: p.Name, Kind: SegmentInjection, Name: inj.Name, Addr: inj.Base, Bytes: code})
	}
	st.log.WithFields(log.Fields{
		"text":       fmt.Sprintf("%#x", textBase),
		"size":       len(code),
		"injections": len(st.injs),
	}).Debug("linked")
	return segs, nil
}

// Copy the data blob and apply its relocations.
func (st *linkState) relocateData() ([]byte, error) {
	p := st.p
	data := append([]byte(nil), p.Data...)
	resolve := st.resolver(bodyBlock)
	for _, r := range p.DataRelocs {
		v, err := resolve(p.Imms[r.Imm])
		if err != nil {
			return nil, err
		}
		if r.PCRel {
			v -= st.dataBase + r.Off
		}
		if !fits(v, r.Size, r.sign) {
			return nil, layoutErr("value %#x of %v does not fit the %d-byte data field of %s at %#x",
				v, p.Imms[r.Imm], r.Size, p.Name, r.Off)
		}
		putLE(data[r.Off:r.Off+uint64(r.Size)], v)
	}
	return data, nil
}

// Attach the patch name to an unresolved-symbol error.
func withPatch(err error, patch string) error {
	var ue *UnresolvedError
	if errors.As(err, &ue) && ue.Patch == "" {
		cp := *ue
		cp.Patch = patch
		return &cp
	}
	return err
}

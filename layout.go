package x64patch

import (
	"fmt"

	"github.com/vsoupdotvx/x64patch/remote"
)

// Memory commits and writes memory of the target process.
type Memory interface {
	// Commit [addr, addr+size) with the given protection. Fails if any of it is already mapped.
	Allocate(addr, size uint64, prot remote.Protection) error
	Write(addr uint64, data []byte) error
}

// RegionLister lists the mappings of the target process. A Memory which also implements
// RegionLister lets the linker search for a free region near the target module.
type RegionLister interface {
	Regions() ([]remote.Region, error)
}

// Layout is the placement of every patch inside the patch region: data blobs first, then the
// patch bodies starting at the next page boundary.
type Layout struct {
	RegionBase uint64
	RegionSize uint64 // page aligned

	DataBase uint64
	DataSize uint64
	TextBase uint64
	TextSize uint64

	data []uint64 // data blob address per patch
	text []uint64 // body address per patch
	slot []uint64 // bytes reserved for each body
}

// Get the address of the data blob of patch i.
func (l *Layout) DataAddr(i int) uint64 { return l.data[i] }

// Get the address of the body of patch i.
func (l *Layout) TextAddr(i int) uint64 { return l.text[i] }

// Get the number of bytes reserved for the body of patch i.
func (l *Layout) TextSlot(i int) uint64 { return l.slot[i] }

// Size of the data part, rounded to whole pages.
func (l *Layout) dataPages(page uint64) uint64 { return alignUp(l.DataSize, page) }

// Size of the text part, rounded to whole pages.
func (l *Layout) textPages(page uint64) uint64 { return alignUp(l.TextSize, page) }

// Lay out patches relative to base 0. Body slots use the body size settled at load time, which
// bounds the size after linking: linking only narrows encodings that were kept wide for lack of
// an address.
func planOffsets(cfg Config, patches []*Patch) *Layout {
	l := &Layout{data: make([]uint64, len(patches)), text: make([]uint64, len(patches)), slot: make([]uint64, len(patches))}
	off := uint64(0)
	for i, p := range patches {
		if len(p.Data) == 0 {
			l.data[i] = off
			continue
		}
		align := cfg.DataAlign
		if p.DataAlign > align {
			align = p.DataAlign
		}
		off = alignUp(off, align)
		l.data[i] = off
		off += uint64(len(p.Data))
	}
	l.DataSize = off

	textStart := alignUp(off, cfg.PageSize)
	off = 0
	for i, p := range patches {
		off = alignUp(off, cfg.TextAlign)
		l.text[i] = textStart + off
		l.slot[i] = p.BodySize()
		off += l.slot[i]
	}
	l.TextBase = textStart
	l.TextSize = off
	l.RegionSize = textStart + alignUp(off, cfg.PageSize)
	return l
}

// Move a layout planned at base 0 to base.
func (l *Layout) rebase(base uint64) {
	l.RegionBase = base
	l.DataBase = base
	l.TextBase += base
	for i := range l.data {
		l.data[i] += base
		l.text[i] += base
	}
}

// Check if every byte of [start, start+size) is within window of every byte of the module.
func (c Config) reachable(start, size uint64) bool {
	if c.ModuleBase == 0 {
		return true
	}
	end := start + size
	modEnd := c.ModuleBase + c.ModuleSize
	if end < start || modEnd < c.ModuleBase {
		return false
	}
	return dist(start, modEnd) <= c.Window && dist(end, c.ModuleBase) <= c.Window
}

func dist(a, b uint64) uint64 {
	if a > b {
		return a - b
	}
	return b - a
}

// Plan the layout of patches and choose the region base.
func plan(cfg Config, mem Memory, patches []*Patch) (*Layout, error) {
	l := planOffsets(cfg, patches)
	if l.RegionSize == 0 {
		return l, nil
	}
	base, err := placeRegion(cfg, mem, l.RegionSize)
	if err != nil {
		return nil, err
	}
	l.rebase(base)
	return l, nil
}

// Choose the base of a region of size bytes: the configured base, or the free candidate closest
// to the target module.
func placeRegion(cfg Config, mem Memory, size uint64) (uint64, error) {
	if cfg.RegionBase != 0 {
		if !cfg.reachable(cfg.RegionBase, size) {
			return 0, layoutErr("region %#x+%#x is not within %#x bytes of module %#x+%#x",
				cfg.RegionBase, size, cfg.Window, cfg.ModuleBase, cfg.ModuleSize)
		}
		return cfg.RegionBase, nil
	}
	if cfg.ModuleBase == 0 {
		return 0, layoutErr("no region base configured and no module to place the region near")
	}
	lister, ok := mem.(RegionLister)
	if !ok {
		return 0, layoutErr("no region base configured and the target's mappings cannot be listed")
	}
	regions, err := lister.Regions()
	if err != nil {
		return 0, fmt.Errorf("%w: list regions: %v", ErrLayout, err)
	}
	remote.SortRegions(regions)
	if base, ok := searchGap(cfg, regions, size); ok {
		return base, nil
	}
	return 0, layoutErr("no free %#x-byte region within %#x bytes of module %#x+%#x",
		size, cfg.Window, cfg.ModuleBase, cfg.ModuleSize)
}

// Lowest address ever proposed for a region. Keeps the null page range free.
const minRegionBase = 0x10000

// Find the free, reachable base closest to the module. regions must be sorted.
func searchGap(cfg Config, regions []remote.Region, size uint64) (uint64, bool) {
	step := cfg.SearchStep
	if step < cfg.PageSize {
		step = cfg.PageSize
	}
	modEnd := cfg.ModuleBase + cfg.ModuleSize

	// Reachable bases lie in [lo, hi].
	lo := uint64(minRegionBase)
	if modEnd > cfg.Window && modEnd-cfg.Window > lo {
		lo = modEnd - cfg.Window
	}
	if cfg.ModuleBase+cfg.Window < size {
		return 0, false
	}
	hi := cfg.ModuleBase + cfg.Window - size

	best, found := uint64(0), false
	consider := func(gapStart, gapEnd uint64) {
		if gapEnd < gapStart+size {
			return
		}
		first := alignUp(maxU64(gapStart, lo), step)
		last := alignDown(minU64(gapEnd-size, hi), step)
		if first > last {
			return
		}
		// the candidate closest to the module within this gap
		c := first
		if last < cfg.ModuleBase {
			c = last
		}
		if !cfg.reachable(c, size) {
			return
		}
		if !found || dist(c, cfg.ModuleBase) < dist(best, cfg.ModuleBase) {
			best, found = c, true
		}
	}

	prev := uint64(0)
	for _, r := range regions {
		if r.Start > prev {
			consider(prev, r.Start)
		}
		if r.End > prev {
			prev = r.End
		}
	}
	consider(prev, ^uint64(0)>>17) // top of the user address space
	return best, found
}

func maxU64(a, b uint64) uint64 {
	if a > b {
		return a
	}
	return b
}

func minU64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}

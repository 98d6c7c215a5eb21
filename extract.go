package x64patch

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Prefixes naming the end marker of an injection: X is paired with ENDX or EndX.
var endPrefixes = [...]string{"END", "End"}

const offsetSep = "+0x"

type injectionRange struct {
	start, end  objSym
	startIdx    int
	endIdx      int
	function    string
	offset      uint64
	markerNames []string
}

// Split a name of the form func[+0xHEX]. A name without a +0x suffix has offset zero.
func SplitTarget(name string) (function string, offset uint64, err error) {
	i := strings.LastIndex(name, offsetSep)
	if i < 0 {
		return name, 0, nil
	}
	off, err := strconv.ParseUint(name[i+len(offsetSep):], 16, 64)
	if err != nil || i == 0 {
		return "", 0, fmt.Errorf("Invalid offset-qualified name %q", name)
	}
	return name[:i], off, nil
}

// Find the injection marker pairs of an object.
func findInjections(obj *object, index map[uint64]int) ([]injectionRange, error) {
	globals := obj.globalText()
	byName := map[string]objSym{}
	byAddr := map[uint64][]objSym{}
	for _, s := range globals {
		byName[s.Name] = s
		byAddr[s.Value] = append(byAddr[s.Value], s)
	}

	var ranges []injectionRange
	starts := map[uint64]bool{}
	ends := map[string]bool{}
	for _, end := range globals {
		for _, prefix := range endPrefixes {
			name := strings.TrimPrefix(end.Name, prefix)
			if name == end.Name || name == "" {
				continue
			}
			start, ok := byName[name]
			if !ok {
				continue
			}
			if starts[start.Value] {
				return nil, malformed(obj.name, "more than one injection starts at %#x (%s)", start.Value, start.Name)
			}
			starts[start.Value] = true
			ends[end.Name] = true
			ranges = append(ranges, injectionRange{start: start, end: end})
		}
	}

	// An offset-qualified name always names an injection destination.
	for _, s := range globals {
		if strings.Contains(s.Name, offsetSep) && !starts[s.Value] && !ends[s.Name] {
			return nil, malformed(obj.name, "injection start %s has no matching end marker", s.Name)
		}
	}

	for i := range ranges {
		r := &ranges[i]
		var ok bool
		if r.startIdx, ok = index[r.start.Value]; !ok {
			return nil, malformed(obj.name, "injection start %s at %#x is not instruction-aligned", r.start.Name, r.start.Value)
		}
		if r.endIdx, ok = index[r.end.Value]; !ok {
			return nil, malformed(obj.name, "injection end %s at %#x is not instruction-aligned", r.end.Name, r.end.Value)
		}
		if r.endIdx <= r.startIdx {
			return nil, malformed(obj.name, "injection %s ends before it starts", r.start.Name)
		}

		dest := r.start.Name
		if !strings.Contains(dest, offsetSep) {
			for _, alias := range byAddr[r.start.Value] {
				if !strings.Contains(alias.Name, offsetSep) {
					continue
				}
				if dest != r.start.Name {
					return nil, malformed(obj.name, "injection %s has more than one destination (%s, %s)", r.start.Name, dest, alias.Name)
				}
				dest = alias.Name
			}
		}
		fn, off, err := SplitTarget(dest)
		if err != nil {
			return nil, malformed(obj.name, "injection %s: %v", r.start.Name, err)
		}
		r.function, r.offset = fn, off
		r.markerNames = []string{r.start.Name, r.end.Name}
		if dest != r.start.Name {
			r.markerNames = append(r.markerNames, dest)
		}
	}

	sort.Slice(ranges, func(i, j int) bool { return ranges[i].startIdx < ranges[j].startIdx })
	for i := 1; i < len(ranges); i++ {
		if ranges[i].startIdx < ranges[i-1].endIdx {
			return nil, malformed(obj.name, "injections %s and %s overlap", ranges[i-1].start.Name, ranges[i].start.Name)
		}
	}
	return ranges, nil
}

// Lift every injection out of the patch body, last one first so the indexes of the remaining
// ranges stay valid. References into a lifted range become PatchInstructionOffset; references
// past it shift down by the length of the range.
func extractInjections(p *Patch, obj *object) error {
	ranges, err := findInjections(obj, p.index)
	if err != nil {
		return err
	}
	for i := len(ranges) - 1; i >= 0; i-- {
		r := ranges[i]
		inj := &Injection{
			ID:       len(p.Injections),
			Name:     r.start.Name,
			Function: r.function,
			Offset:   r.offset,
			Insts:    append([]*Instruction(nil), p.Insts[r.startIdx:r.endIdx]...),
		}
		for _, name := range r.markerNames {
			delete(p.Exports, name)
		}
		p.retarget(inj.ID, r.startIdx, r.endIdx)
		p.Insts = append(p.Insts[:r.startIdx:r.startIdx], p.Insts[r.endIdx:]...)
		p.Injections = append(p.Injections, inj)
	}
	return nil
}

// Rewrite the table entries and exports affected by removing body[start:end] as injection id.
func (p *Patch) retarget(id, start, end int) {
	n := end - start
	fix := func(imm ImmID, inside bool) {
		im := &p.Imms[imm]
		if im.Kind != InstructionOffset && im.Kind != InstructionOffsetCall {
			return
		}
		switch {
		case im.Index < start:
		case im.Index < end, im.Index == end && inside:
			*im = Immediate{Kind: PatchInstructionOffset, Injection: id, Index: im.Index - start}
		default:
			im.Index -= n
		}
	}
	for i, inst := range p.Insts {
		inside := i >= start && i < end
		for _, f := range inst.Fields {
			fix(f.Imm, inside)
		}
	}
	for _, inj := range p.Injections {
		for _, inst := range inj.Insts {
			for _, f := range inst.Fields {
				fix(f.Imm, false)
			}
		}
	}
	for _, r := range p.DataRelocs {
		fix(r.Imm, false)
	}

	for name, loc := range p.Exports {
		if loc.Section != SectionText {
			continue
		}
		switch {
		case loc.Index < start:
		case loc.Index < end:
			delete(p.Exports, name)
			p.dropped = append(p.dropped, name)
		default:
			loc.Index -= n
			p.Exports[name] = loc
		}
	}
}

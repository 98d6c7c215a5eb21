// package remote provides access to the memory of a target process: committing regions at
// chosen addresses, and reading and writing their contents.
package remote

import (
	"errors"
	"fmt"
	"sort"
)

var (
	// The requested range overlaps an existing mapping.
	ErrMapped = errors.New("address range already mapped")
	// The requested range is not (entirely) mapped.
	ErrUnmapped = errors.New("address range not mapped")
)

// Protection flags of a region.
type Protection uint8

const (
	ProtRead Protection = 1 << iota
	ProtWrite
	ProtExec
)

const (
	ProtRW  = ProtRead | ProtWrite
	ProtRX  = ProtRead | ProtExec
	ProtRWX = ProtRead | ProtWrite | ProtExec
)

func (p Protection) String() string {
	b := []byte("---")
	if p&ProtRead != 0 {
		b[0] = 'r'
	}
	if p&ProtWrite != 0 {
		b[1] = 'w'
	}
	if p&ProtExec != 0 {
		b[2] = 'x'
	}
	return string(b)
}

// Region is a mapped address range [Start, End).
type Region struct {
	Start uint64
	End   uint64
	Prot  Protection
	Name  string
}

func (r Region) String() string {
	return fmt.Sprintf("%#x-%#x %v %s", r.Start, r.End, r.Prot, r.Name)
}

// Check if the region overlaps [start, end).
func (r Region) Overlaps(start, end uint64) bool { return start < r.End && r.Start < end }

// Check if the region contains [start, end).
func (r Region) Contains(start, end uint64) bool { return r.Start <= start && end <= r.End }

// Sort regions by start address.
func SortRegions(regions []Region) {
	sort.Slice(regions, func(i, j int) bool { return regions[i].Start < regions[j].Start })
}

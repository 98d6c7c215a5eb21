package remote

import (
	"fmt"
	"sync"
)

// Fake is an in-memory address space. It stands in for a target process in tests and dry runs.
type Fake struct {
	mu      sync.Mutex
	regions []*fakeRegion

	// Writes records every successful write, in order.
	Writes []Write
	// FailAt makes writes touching this address fail, if non-zero.
	FailAt uint64
}

// Write is a write recorded by a Fake.
type Write struct {
	Addr uint64
	Data []byte
}

type fakeRegion struct {
	Region
	data []byte
}

func NewFake() *Fake { return &Fake{} }

// Map a region with initial contents. size may exceed len(data); the rest is zeroed.
func (f *Fake) Map(start, size uint64, prot Protection, name string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.mapLocked(start, size, prot, name, data)
}

func (f *Fake) mapLocked(start, size uint64, prot Protection, name string, data []byte) error {
	if size == 0 || start+size < start {
		return fmt.Errorf("invalid region %#x+%#x", start, size)
	}
	for _, r := range f.regions {
		if r.Overlaps(start, start+size) {
			return fmt.Errorf("%w: %#x-%#x overlaps %v", ErrMapped, start, start+size, r.Region)
		}
	}
	buf := make([]byte, size)
	copy(buf, data)
	f.regions = append(f.regions, &fakeRegion{Region: Region{Start: start, End: start + size, Prot: prot, Name: name}, data: buf})
	return nil
}

// Allocate commits an anonymous region at addr. Overlapping an existing region is an error.
func (f *Fake) Allocate(addr, size uint64, prot Protection) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.mapLocked(addr, size, prot, "", nil)
}

func (f *Fake) find(addr uint64, n int) (*fakeRegion, error) {
	for _, r := range f.regions {
		if r.Contains(addr, addr+uint64(n)) {
			return r, nil
		}
	}
	return nil, fmt.Errorf("%w: %#x+%#x", ErrUnmapped, addr, n)
}

// Write copies data to addr. Like writes through /proc/<pid>/mem, region protections are not
// enforced.
func (f *Fake) Write(addr uint64, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailAt != 0 && addr <= f.FailAt && f.FailAt < addr+uint64(len(data)) {
		return fmt.Errorf("write rejected at %#x", f.FailAt)
	}
	r, err := f.find(addr, len(data))
	if err != nil {
		return err
	}
	copy(r.data[addr-r.Start:], data)
	f.Writes = append(f.Writes, Write{Addr: addr, Data: append([]byte(nil), data...)})
	return nil
}

// Read copies len(buf) bytes from addr.
func (f *Fake) Read(addr uint64, buf []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, err := f.find(addr, len(buf))
	if err != nil {
		return err
	}
	copy(buf, r.data[addr-r.Start:])
	return nil
}

// Regions lists the mapped regions in address order.
func (f *Fake) Regions() ([]Region, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Region, 0, len(f.regions))
	for _, r := range f.regions {
		out = append(out, r.Region)
	}
	SortRegions(out)
	return out, nil
}

package x64patch

import (
	"fmt"
	"strings"
	"sync"

	"github.com/vsoupdotvx/x64patch/metadata"
)

// Metadata describes the target process: its method addresses, its compile-time constants, and
// the local control-flow labels of its methods.
type Metadata interface {
	// Get the address of a method. An address equal to metadata.Unresolved marks a method which
	// exists but could not be located.
	MethodAddress(name string) (uint64, bool)
	// Get a field offset or enumeration constant.
	Constant(name string) (int64, bool)
	// Get the local labels of a method, keyed loop_N, fwd_N and call_N.
	LocalLabels(method string) (map[string]uint64, error)
}

// SymbolTable maps names to absolute addresses in the target process. It is seeded by the
// metadata and extended with the exports of every linked patch, in link order. Entries are never
// replaced.
type SymbolTable struct {
	mu      sync.RWMutex
	meta    Metadata
	defined map[string]uint64            // patch exports
	cache   map[string]uint64            // names resolved through the metadata
	labels  map[string]map[string]uint64 // local labels per method
}

// Create a symbol table over meta. meta may be nil.
func NewSymbolTable(meta Metadata) *SymbolTable {
	return &SymbolTable{
		meta:    meta,
		defined: map[string]uint64{},
		cache:   map[string]uint64{},
		labels:  map[string]map[string]uint64{},
	}
}

// Publish a name. Publishing the same name again is allowed only at the same address.
func (t *SymbolTable) Define(name string, addr uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	prev, ok := t.defined[name]
	if !ok {
		prev, ok = t.cache[name] // already handed out from the metadata
	}
	if ok && prev != addr {
		return fmt.Errorf("%w: %s defined at %#x and %#x", ErrDuplicateSymbol, name, prev, addr)
	}
	t.defined[name] = addr
	return nil
}

// Get the number of names published by patches.
func (t *SymbolTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.defined)
}

// Resolve a name: patch exports first, then method addresses, then constants, and finally
// name+0xHEX as an offset from a resolvable name.
func (t *SymbolTable) Resolve(name string) (uint64, error) {
	t.mu.RLock()
	addr, ok := t.defined[name]
	if !ok {
		addr, ok = t.cache[name]
	}
	t.mu.RUnlock()
	if ok {
		return addr, nil
	}

	addr, err := t.lookup(name)
	if err != nil {
		return 0, err
	}
	t.mu.Lock()
	t.cache[name] = addr
	t.mu.Unlock()
	return addr, nil
}

func (t *SymbolTable) lookup(name string) (uint64, error) {
	if t.meta != nil {
		if addr, ok := t.meta.MethodAddress(name); ok {
			if addr == metadata.Unresolved {
				return 0, &UnresolvedError{Name: name, Err: fmt.Errorf("Method address could not be determined")}
			}
			return addr, nil
		}
		if c, ok := t.meta.Constant(name); ok {
			return uint64(c), nil
		}
	}
	if strings.Contains(name, offsetSep) {
		base, off, err := SplitTarget(name)
		if err == nil {
			addr, err := t.Resolve(base)
			if err != nil {
				return 0, err
			}
			return addr + off, nil
		}
	}
	return 0, &UnresolvedError{Name: name}
}

// Resolve a local label of method.
func (t *SymbolTable) ResolveLocal(method, name string) (uint64, error) {
	t.mu.RLock()
	labels, ok := t.labels[method]
	t.mu.RUnlock()
	if !ok {
		if t.meta == nil {
			return 0, &UnresolvedError{Name: name}
		}
		var err error
		if labels, err = t.meta.LocalLabels(method); err != nil {
			return 0, &UnresolvedError{Name: name, Err: err}
		}
		t.mu.Lock()
		t.labels[method] = labels
		t.mu.Unlock()
	}
	if addr, ok := labels[name]; ok {
		return addr, nil
	}
	if strings.Contains(name, offsetSep) {
		if base, off, err := SplitTarget(name); err == nil {
			if addr, ok := labels[base]; ok {
				return addr + off, nil
			}
		}
	}
	return 0, &UnresolvedError{Name: name}
}

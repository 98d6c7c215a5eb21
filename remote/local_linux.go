//go:build linux && amd64

package remote

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Local is the calling process. Regions are committed with mmap directly; reads, writes and
// region listing go through /proc/self, so writes ignore page protections like they do for a
// Process.
type Local struct {
	*Process
}

// Open the memory of the calling process.
func OpenLocal() (*Local, error) {
	p, err := Attach(os.Getpid())
	if err != nil {
		return nil, err
	}
	return &Local{Process: p}, nil
}

// Allocate commits an anonymous region at exactly addr.
func (l *Local) Allocate(addr, size uint64, prot Protection) error {
	want := unsafe.Pointer(uintptr(addr))
	got, err := unix.MmapPtr(-1, 0, want, uintptr(size), prot.sysProt(),
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_FIXED_NOREPLACE)
	if err != nil {
		if errors.Is(err, unix.EEXIST) {
			return fmt.Errorf("%w: %#x+%#x", ErrMapped, addr, size)
		}
		return fmt.Errorf("mmap %#x+%#x: %w", addr, size, err)
	}
	// kernels without MAP_FIXED_NOREPLACE treat the address as a hint
	if got != want {
		unix.MunmapPtr(got, uintptr(size))
		return fmt.Errorf("%w: %#x+%#x", ErrMapped, addr, size)
	}
	return nil
}

// Free unmaps a region committed by Allocate.
func (l *Local) Free(addr, size uint64) error {
	return unix.MunmapPtr(unsafe.Pointer(uintptr(addr)), uintptr(size))
}

// BindFunc makes the function value dst point at the machine code at addr. This function is
// entirely unsafe.
//
// dst must be a pointer to a function variable, and the code must follow the Go internal
// calling convention of its type.
func BindFunc(dst interface{}, addr uint64) error {
	type interfaceHeader struct {
		typ  uintptr
		addr **uintptr
	}
	v := reflect.ValueOf(dst)
	if !v.IsValid() || v.Kind() != reflect.Ptr || v.IsNil() || !v.Elem().CanSet() || v.Elem().Kind() != reflect.Func {
		return fmt.Errorf("Destination for BindFunc must be a pointer to a function-value")
	}
	if addr == 0 {
		return fmt.Errorf("BindFunc: nil code address")
	}
	// a function value points at a closure whose first word is the code address
	closure := new(uintptr)
	*closure = uintptr(addr)
	header := *(*interfaceHeader)(unsafe.Pointer(&dst))
	*header.addr = closure
	return nil
}

package x64patch

import (
	"errors"
	"fmt"
)

// Error classes. Every error returned by the linker wraps exactly one of these, so callers can
// classify a failed run with errors.Is.
var (
	// The object file (or a directive inside it) cannot be linked.
	ErrMalformed = errors.New("malformed patch object")
	// A name is absent from every symbol table consulted for it.
	ErrUnresolved = errors.New("unresolved symbol")
	// No address window satisfies the placement constraints, or an encoded value does not fit.
	ErrLayout = errors.New("layout infeasible")
	// The target process rejected an allocation or a write.
	ErrRemote = errors.New("remote application failed")
	// A name was published twice with different addresses.
	ErrDuplicateSymbol = errors.New("duplicate symbol")
)

// MalformedError describes a defect in a patch object.
type MalformedError struct {
	Object string
	Reason string
}

func (e *MalformedError) Error() string {
	if e.Object == "" {
		return fmt.Sprintf("%v: %s", ErrMalformed, e.Reason)
	}
	return fmt.Sprintf("%v %s: %s", ErrMalformed, e.Object, e.Reason)
}

func (e *MalformedError) Unwrap() error { return ErrMalformed }

func malformed(object, format string, args ...interface{}) error {
	return &MalformedError{Object: object, Reason: fmt.Sprintf(format, args...)}
}

// UnresolvedError names a symbol which could not be resolved.
type UnresolvedError struct {
	Name  string
	Patch string
	Err   error // optional cause (e.g. the metadata marks the method as unresolvable)
}

func (e *UnresolvedError) Error() string {
	msg := fmt.Sprintf("%v %q", ErrUnresolved, e.Name)
	if e.Patch != "" {
		msg += " referenced by " + e.Patch
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *UnresolvedError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrUnresolved, e.Err}
	}
	return []error{ErrUnresolved}
}

// RemoteError reports a rejected allocation or write along with the affected address range.
type RemoteError struct {
	Op   string
	Addr uint64
	Size int
	Err  error
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%v: %s %#x (%#x bytes): %v", ErrRemote, e.Op, e.Addr, e.Size, e.Err)
}

func (e *RemoteError) Unwrap() []error { return []error{ErrRemote, e.Err} }

func layoutErr(format string, args ...interface{}) error {
	return fmt.Errorf("%w: "+format, append([]interface{}{ErrLayout}, args...)...)
}

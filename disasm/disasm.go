package disasm

import (
	"bytes"
	"errors"
	"fmt"
	"sort"

	"golang.org/x/arch/x86/x86asm"
)

// Maximum number of bytes decoded from a single function.
const MaxFuncSize = 4096

// Disassemble instructions of the function at pc until while returns false, the end of the
// function is reached (RET followed by padding up to a 16-byte boundary), or code runs out. At
// most MaxFuncSize bytes are decoded.
func Func(code []byte, pc uint64, while func(pc uint64, inst x86asm.Inst) bool) error {
	cut := len(code) > MaxFuncSize
	if cut {
		code = code[:MaxFuncSize]
	}
	n := 0
	for n < len(code) {
		end := n + 15
		if end > len(code) {
			end = len(code)
		}
		inst, err := x86asm.Decode(code[n:end], 64)
		if err == nil && (inst.Op == 0 || inst.Len <= 0 || n+inst.Len > len(code)) {
			err = errUndecodable
		}
		if err != nil {
			if cut && end == len(code) {
				return nil // the last instruction straddles the size limit
			}
			return fmt.Errorf("decode at %#x: %w", pc+uint64(n), err)
		}
		if !while(pc+uint64(n), inst) {
			return nil
		}
		if inst.Op == x86asm.RET && isPadded(code[n+inst.Len:], pc+uint64(n+inst.Len)) {
			return nil
		}
		n += inst.Len
	}
	return nil
}

var errUndecodable = errors.New("unknown or truncated instruction")

// Check if rest starts with padding up to the next 16-byte boundary of addr.
func isPadded(rest []byte, addr uint64) bool {
	if addr&15 == 0 {
		return true
	}
	pad := int(16 - addr&15) // functions are typically aligned to a 16-byte boundary
	if len(rest) < pad {
		return len(rest) == 0
	}
	return bytes.Equal(rest[:pad], pad00[:pad]) || bytes.Equal(rest[:pad], padcc[:pad])
}

// Manually allocated memory is typically zeroed
var pad00 = [...]byte{0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00}

// Compilers pad functions with 0xCC bytes to a 16-byte alignment boundary
var padcc = [...]byte{0xcc, 0xcc, 0xcc, 0xcc, 0xcc, 0xcc, 0xcc, 0xcc, 0xcc, 0xcc, 0xcc, 0xcc, 0xcc, 0xcc, 0xcc, 0xcc}

// Get the destination of a relative branch or call.
func Target(pc uint64, inst x86asm.Inst) (uint64, bool) {
	if !isBranch(inst.Op) {
		return 0, false
	}
	rel, ok := inst.Args[0].(x86asm.Rel)
	if !ok {
		return 0, false
	}
	return pc + uint64(inst.Len) + uint64(int64(rel)), true
}

func isBranch(op x86asm.Op) bool {
	switch op {
	case x86asm.CALL, x86asm.JMP,
		x86asm.JA, x86asm.JAE, x86asm.JB, x86asm.JBE, x86asm.JE, x86asm.JNE,
		x86asm.JG, x86asm.JGE, x86asm.JL, x86asm.JLE, x86asm.JO, x86asm.JNO,
		x86asm.JP, x86asm.JNP, x86asm.JS, x86asm.JNS,
		x86asm.JCXZ, x86asm.JECXZ, x86asm.JRCXZ,
		x86asm.LOOP, x86asm.LOOPE, x86asm.LOOPNE:
		return true
	}
	return false
}

// Label kinds synthesized by Labels.
const (
	LoopPrefix = "loop_" // target of a backward branch
	FwdPrefix  = "fwd_"  // target of a forward branch
	CallPrefix = "call_" // target of a call
)

// Synthesize local labels for the function at pc. Each distinct branch or call target gets a
// name of its kind, numbered from 0 in address order:
//
//	loop_N  target of a backward (or self) branch
//	fwd_N   target of a forward branch
//	call_N  target of a direct call
//
// An address reached both ways gets a name of each kind.
func Labels(code []byte, pc uint64) (map[string]uint64, error) {
	kinds := map[string]map[uint64]bool{LoopPrefix: {}, FwdPrefix: {}, CallPrefix: {}}
	err := Func(code, pc, func(at uint64, inst x86asm.Inst) bool {
		dst, ok := Target(at, inst)
		if !ok {
			return true
		}
		switch {
		case inst.Op == x86asm.CALL:
			kinds[CallPrefix][dst] = true
		case dst <= at:
			kinds[LoopPrefix][dst] = true
		default:
			kinds[FwdPrefix][dst] = true
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	labels := map[string]uint64{}
	for prefix, set := range kinds {
		addrs := make([]uint64, 0, len(set))
		for a := range set {
			addrs = append(addrs, a)
		}
		sort.Slice(addrs, func(i, j int) bool { return addrs[i] < addrs[j] })
		for i, a := range addrs {
			labels[fmt.Sprintf("%s%d", prefix, i)] = a
		}
	}
	return labels, nil
}

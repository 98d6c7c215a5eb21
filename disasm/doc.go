// package disasm decodes the functions of a target process and names their local control-flow
// targets.
//
// example usage:
//
//	code := make([]byte, disasm.MaxFuncSize)
//	// ... read code from the target process at addr ...
//	err := disasm.Func(code, addr, func(pc uint64, inst x86asm.Inst) bool {
//		fmt.Printf("%#x: %s\n", pc, x86asm.IntelSyntax(inst, pc, nil))
//		return true // RET + padding is detected automatically
//	})
//
//	labels, err := disasm.Labels(code, addr)
//	// labels["loop_0"] is the lowest target of a backward branch, labels["fwd_0"] the lowest
//	// target of a forward branch, labels["call_0"] the lowest call target.
package disasm

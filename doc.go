// package x64patch links compiled x86-64 objects into a running process.
//
// A patch is built from one ELF64 relocatable object. Its text is decoded into instructions whose
// relocatable fields refer to a table of symbolic immediates; ranges bracketed by the global
// symbols X and ENDX (or EndX) are lifted out as injections, to be written over the code of an
// existing function. Names of the form func+0xHEX address a byte offset inside a function of
// the target process.
//
// Patches are placed in a region allocated near the target module, so every 32-bit
// displacement can reach it. Each patch is settled at its final address before the next one is
// resolved, so later patches may use the exports of earlier ones.
//
// usage example:
//
//	package example
//
//	import (
//		"github.com/vsoupdotvx/x64patch"
//		"github.com/vsoupdotvx/x64patch/metadata"
//		"github.com/vsoupdotvx/x64patch/remote"
//	)
//
//	func Inject(pid int, objects ...string) error {
//		cfg, err := x64patch.LoadConfig("x64patch.yaml")
//		if err != nil {
//			return err
//		}
//		proc, err := remote.Attach(pid)
//		if err != nil {
//			return err
//		}
//		defer proc.Close()
//
//		meta, err := metadata.LoadYAML("methods.yaml")
//		if err != nil {
//			return err
//		}
//		meta.Code = proc // local labels are synthesized from the live code
//
//		linker := x64patch.New(cfg, meta, proc)
//		patches, err := linker.LoadAll(objects...)
//		if err != nil {
//			return err
//		}
//		_, err = linker.Run(patches)
//		return err
//	}
//
// Width directives placed before an instruction control its encoding:
//
//	.byte 0x0f, 0x1f, 0x80; .ascii "WIDE"   // always the widest form
//	.byte 0x0f, 0x1f, 0x80; .ascii "NARR"   // always the narrowest form
//	.byte 0x0f, 0x1f, 0x80; .ascii "IM32"   // the form with a 32-bit field
package x64patch

package x64patch

import "encoding/binary"

// Width directives are emitted by the patch source as `nopl disp32(%rax)` with a magic
// displacement. They are dropped during decoding and attach their override to the next real
// instruction.
//
//	.byte 0x0f, 0x1f, 0x80
//	.ascii "WIDE"
const (
	DirectiveWide   uint32 = 0x45444957 // "WIDE"
	DirectiveNarrow uint32 = 0x5252414e // "NARR"
	DirectiveImm32  uint32 = 0x32334d49 // "IM32"
)

var directivePrefix = [...]byte{0x0f, 0x1f, 0x80}

// Get the encoding of a width directive.
func Directive(magic uint32) []byte {
	b := make([]byte, 7)
	copy(b, directivePrefix[:])
	binary.LittleEndian.PutUint32(b[3:], magic)
	return b
}

// Check if an encoding is a width directive and get its override.
func parseDirective(raw []byte) (Override, bool) {
	if len(raw) != 7 || raw[0] != directivePrefix[0] || raw[1] != directivePrefix[1] || raw[2] != directivePrefix[2] {
		return OverrideNone, false
	}
	switch binary.LittleEndian.Uint32(raw[3:]) {
	case DirectiveWide:
		return OverrideWide, true
	case DirectiveNarrow:
		return OverrideNarrow, true
	case DirectiveImm32:
		return OverrideImm32, true
	}
	return OverrideNone, false
}

package x64patch

// family identifies a group of encodings which are interchangeable for the same operation.
type family uint8

const (
	famFixed  family = iota // a single encoding
	famJmp                  // EB rel8, E9 rel32
	famJcc                  // 70+cc rel8, 0F 80+cc rel32
	famALU                  // 83 /r ib, 81 /r id
	famIMUL                 // 6B /r ib, 69 /r id
	famPush                 // 6A ib, 68 id
	famMovImm               // B8+r id, REX.W C7 /0 id, REX.W B8+r iq
)

var familyNames = [...]string{"fixed", "jmp", "jcc", "alu", "imul", "push", "mov"}

func (f family) String() string { return familyNames[f] }

const (
	prefixOpsize = 0x66
	rexW         = 0x08
	rexB         = 0x01
)

func isLegacyPrefix(b byte) bool {
	switch b {
	case 0xf0, 0xf2, 0xf3, 0x2e, 0x36, 0x3e, 0x26, 0x64, 0x65, 0x66, 0x67:
		return true
	}
	return false
}

// Find the opcode of an encoding: the length of its legacy prefixes, its REX byte (or 0), and
// the index of the first opcode byte.
func opcodeStart(raw []byte) (legacy int, rex byte, pos int) {
	for legacy < len(raw) && isLegacyPrefix(raw[legacy]) {
		legacy++
	}
	pos = legacy
	if pos < len(raw) && raw[pos]&0xf0 == 0x40 {
		rex = raw[pos]
		pos++
	}
	return legacy, rex, pos
}

func hasPrefix(raw []byte, legacy int, prefix byte) bool {
	for _, b := range raw[:legacy] {
		if b == prefix {
			return true
		}
	}
	return false
}

func cat(parts ...[]byte) []byte {
	n := 0
	for _, p := range parts {
		n += len(p)
	}
	out := make([]byte, 0, n)
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

// Match an encoding against the resizable families. The returned variants are ordered by
// length and cur is the variant matching raw. Single-form encodings return famFixed and no
// variants.
func matchVariants(raw []byte) (fam family, vs []variant, cur int) {
	legacy, rex, pos := opcodeStart(raw)
	if pos >= len(raw) {
		return famFixed, nil, 0
	}
	pre := raw[:pos]
	op := raw[pos]
	opsize16 := hasPrefix(raw, legacy, prefixOpsize)

	switch {
	case op == 0xeb || op == 0xe9:
		vs = []variant{
			{head: cat(pre, []byte{0xeb}), width: 1, sign: signed},
			{head: cat(pre, []byte{0xe9}), width: 4, sign: signed},
		}
		if op == 0xe9 {
			cur = 1
		}
		return famJmp, vs, cur

	case op&0xf0 == opJccShort || (op == 0x0f && pos+1 < len(raw) && raw[pos+1]&0xf0 == opJccNear):
		cc, _ := jccCondition(raw[pos:])
		vs = []variant{
			{head: cat(pre, jccShort(cc)), width: 1, sign: signed},
			{head: cat(pre, jccNear(cc)), width: 4, sign: signed},
		}
		if op == 0x0f {
			cur = 1
		}
		return famJcc, vs, cur

	case (op == 0x83 || op == 0x81) && !opsize16:
		return immVariants(famALU, raw, pre, pos, 0x83, 0x81, rex)

	case (op == 0x6b || op == 0x69) && !opsize16:
		return immVariants(famIMUL, raw, pre, pos, 0x6b, 0x69, rex)

	case (op == 0x6a || op == 0x68) && !opsize16:
		vs = []variant{
			{head: cat(pre, []byte{0x6a}), width: 1, sign: signed},
			{head: cat(pre, []byte{0x68}), width: 4, sign: signed},
		}
		if op == 0x68 {
			cur = 1
		}
		return famPush, vs, cur

	case rex&rexW != 0 && op >= 0xb8 && op <= 0xbf:
		return famMovImm, movVariants(raw[:legacy], rex&rexB, op&7), 2

	case rex&rexW != 0 && op == 0xc7 && pos+1 < len(raw) && raw[pos+1]&0xf8 == 0xc0:
		return famMovImm, movVariants(raw[:legacy], rex&rexB, raw[pos+1]&7), 1
	}
	return famFixed, nil, 0
}

// Variants for opcode pairs taking a sign-extended imm8 or an imm32 after the ModRM operand.
func immVariants(fam family, raw, pre []byte, pos int, op8, op32 byte, rex byte) (family, []variant, int) {
	immWidth := 1
	cur := 0
	if raw[pos] == op32 {
		immWidth, cur = 4, 1
	}
	if len(raw)-immWidth <= pos {
		return famFixed, nil, 0
	}
	mid := raw[pos+1 : len(raw)-immWidth]
	wide := either
	if rex&rexW != 0 {
		wide = signed
	}
	return fam, []variant{
		{head: cat(pre, []byte{op8}, mid), width: 1, sign: signed},
		{head: cat(pre, []byte{op32}, mid), width: 4, sign: wide},
	}, cur
}

// Variants loading a 64-bit register with an immediate: zero-extended imm32, sign-extended
// imm32 and imm64.
func movVariants(legacy []byte, b byte, reg byte) []variant {
	var zext []byte
	if b != 0 {
		zext = cat(legacy, []byte{0x40 | b, 0xb8 + reg})
	} else {
		zext = cat(legacy, []byte{0xb8 + reg})
	}
	return []variant{
		{head: zext, width: 4, sign: unsigned},
		{head: cat(legacy, []byte{0x40 | rexW | b, 0xc7, 0xc0 | reg}), width: 4, sign: signed},
		{head: cat(legacy, []byte{0x40 | rexW | b, 0xb8 + reg}), width: 8, sign: either},
	}
}

package x64patch

// ConditionCode is the 4-bit condition encoded in the low nibble of a Jcc opcode.
type ConditionCode byte

const (
	CCOverflow    ConditionCode = 0
	CCNoOverflow  ConditionCode = 1
	CCUnsignedLT  ConditionCode = 2
	CCUnsignedGTE ConditionCode = 3
	CCEq          ConditionCode = 4
	CCNeq         ConditionCode = 5
	CCUnsignedLTE ConditionCode = 6
	CCUnsignedGT  ConditionCode = 7
	CCSign        ConditionCode = 8
	CCNoSign      ConditionCode = 9
	CCParity      ConditionCode = 0xA
	CCNoParity    ConditionCode = 0xB
	CCSignedLT    ConditionCode = 0xC
	CCSignedGTE   ConditionCode = 0xD
	CCSignedLTE   ConditionCode = 0xE
	CCSignedGT    ConditionCode = 0xF
)

var ccNames = [...]string{
	"o", "no", "b", "ae", "e", "ne", "be", "a",
	"s", "ns", "p", "np", "l", "ge", "le", "g",
}

func (cc ConditionCode) String() string { return "j" + ccNames[cc&0xf] }

// Invert a condition code.
func Invcc(cc ConditionCode) ConditionCode { return cc ^ 1 }

const (
	opJccShort byte = 0x70 // 70+cc rel8
	opJccNear  byte = 0x80 // 0F 80+cc rel32
)

// Get the opcode bytes of the short (rel8) conditional jump for a condition code.
func jccShort(cc ConditionCode) []byte { return []byte{opJccShort | byte(cc)} }

// Get the opcode bytes of the near (rel32) conditional jump for a condition code.
func jccNear(cc ConditionCode) []byte { return []byte{0x0f, opJccNear | byte(cc)} }

// Get the condition code of a short or near Jcc opcode.
func jccCondition(op []byte) (ConditionCode, bool) {
	switch {
	case len(op) >= 1 && op[0]&0xf0 == opJccShort:
		return ConditionCode(op[0] & 0xf), true
	case len(op) >= 2 && op[0] == 0x0f && op[1]&0xf0 == opJccNear:
		return ConditionCode(op[1] & 0xf), true
	}
	return 0, false
}

package ir

import "fmt"

// Opcode identifies an IR operation.
type Opcode uint8

const (
	OpInvalid Opcode = iota

	// Data movement
	OpMov  // r = a
	OpMovI // r = imm

	// Integer arithmetic and logic; operands and result share one width
	OpAdd
	OpSub
	OpMul
	OpDivU // division by zero yields all ones
	OpRemU // remainder by zero yields the dividend
	OpAnd
	OpOr
	OpXor
	OpAndC // r = a &^ b
	OpShl  // shift amounts are taken modulo the width
	OpShr
	OpSar
	OpRotl
	OpRotr
	OpNeg
	OpNot

	OpSetCond // r = cond(a, b) ? 1 : 0
	OpSelect  // r = c != 0 ? a : b

	// Width casts; the only way to change width
	OpZExt
	OpSExt
	OpTrunc

	// Execution-context state (guest register file mirror) through the pinned context temp
	OpLdState
	OpStState

	// Guest memory through the soft TLB
	OpLoad
	OpStore

	// Out-of-line helper call; does not end the block
	OpCall

	// Guest instruction boundary marker used to restore state on faults
	OpInsnStart

	// Control transfers; exactly one ends every block
	OpGoto         // direct jump, one chain slot
	OpGotoCond     // two-way direct jump, two chain slots
	OpGotoIndirect // target computed at run time
	OpRaise        // guest exception
	OpStop         // return control to the engine's caller

	numOpcodes
)

// NumOpcodes is the number of defined opcodes including OpInvalid.
const NumOpcodes = int(numOpcodes)

type opInfo struct {
	name       string
	result     bool
	terminator bool
	chainSlots int
	vector     bool // accepted on W128 vector temps
}

var opTable = [numOpcodes]opInfo{
	OpInvalid:      {name: "invalid"},
	OpMov:          {name: "mov", result: true, vector: true},
	OpMovI:         {name: "movi", result: true},
	OpAdd:          {name: "add", result: true},
	OpSub:          {name: "sub", result: true},
	OpMul:          {name: "mul", result: true},
	OpDivU:         {name: "divu", result: true},
	OpRemU:         {name: "remu", result: true},
	OpAnd:          {name: "and", result: true, vector: true},
	OpOr:           {name: "or", result: true, vector: true},
	OpXor:          {name: "xor", result: true, vector: true},
	OpAndC:         {name: "andc", result: true},
	OpShl:          {name: "shl", result: true},
	OpShr:          {name: "shr", result: true},
	OpSar:          {name: "sar", result: true},
	OpRotl:         {name: "rotl", result: true},
	OpRotr:         {name: "rotr", result: true},
	OpNeg:          {name: "neg", result: true},
	OpNot:          {name: "not", result: true},
	OpSetCond:      {name: "setcond", result: true},
	OpSelect:       {name: "select", result: true},
	OpZExt:         {name: "zext", result: true},
	OpSExt:         {name: "sext", result: true},
	OpTrunc:        {name: "trunc", result: true},
	OpLdState:      {name: "ld_state", result: true, vector: true},
	OpStState:      {name: "st_state", vector: true},
	OpLoad:         {name: "load", result: true},
	OpStore:        {name: "store"},
	OpCall:         {name: "call", result: true},
	OpInsnStart:    {name: "insn_start"},
	OpGoto:         {name: "goto", terminator: true, chainSlots: 1},
	OpGotoCond:     {name: "goto_cond", terminator: true, chainSlots: 2},
	OpGotoIndirect: {name: "goto_ind", terminator: true},
	OpRaise:        {name: "raise", terminator: true},
	OpStop:         {name: "stop", terminator: true},
}

func (o Opcode) String() string {
	if o < numOpcodes {
		return opTable[o].name
	}
	return fmt.Sprintf("op(%d)", uint8(o))
}

// Valid reports whether o is a defined opcode.
func (o Opcode) Valid() bool {
	return o > OpInvalid && o < numOpcodes
}

// HasResult reports whether ops with this opcode define a temporary.
func (o Opcode) HasResult() bool {
	return o < numOpcodes && opTable[o].result
}

// IsTerminator reports whether o is a control transfer that ends a block.
func (o Opcode) IsTerminator() bool {
	return o < numOpcodes && opTable[o].terminator
}

// ChainSlots is the number of patchable direct exits the opcode creates.
func (o Opcode) ChainSlots() int {
	if o < numOpcodes {
		return opTable[o].chainSlots
	}
	return 0
}

// AllowsVector reports whether o accepts W128 vector operands.
func (o Opcode) AllowsVector() bool {
	return o < numOpcodes && opTable[o].vector
}

// AllOpcodes returns every defined opcode in numeric order.
func AllOpcodes() []Opcode {
	ops := make([]Opcode, 0, NumOpcodes-1)
	for o := OpInvalid + 1; o < numOpcodes; o++ {
		ops = append(ops, o)
	}
	return ops
}

// Cond is a comparison used by OpSetCond and OpGotoCond.
type Cond uint8

const (
	CondEQ Cond = iota
	CondNE
	CondLTU
	CondGEU
	CondLEU
	CondGTU
	CondLTS
	CondGES
	CondLES
	CondGTS
	numConds
)

var condNames = [numConds]string{"eq", "ne", "ltu", "geu", "leu", "gtu", "lts", "ges", "les", "gts"}

func (c Cond) String() string {
	if c < numConds {
		return condNames[c]
	}
	return fmt.Sprintf("cond(%d)", uint8(c))
}

// Valid reports whether c is a defined condition.
func (c Cond) Valid() bool {
	return c < numConds
}

// Invert returns the condition that holds exactly when c does not.
func (c Cond) Invert() Cond {
	switch c {
	case CondEQ:
		return CondNE
	case CondNE:
		return CondEQ
	case CondLTU:
		return CondGEU
	case CondGEU:
		return CondLTU
	case CondLEU:
		return CondGTU
	case CondGTU:
		return CondLEU
	case CondLTS:
		return CondGES
	case CondGES:
		return CondLTS
	case CondLES:
		return CondGTS
	default:
		return CondLES
	}
}

// Eval applies c to two values of the given width.
func (c Cond) Eval(a, b uint64, w Width) bool {
	a, b = w.Truncate(a), w.Truncate(b)
	sa, sb := w.SignExtend(a), w.SignExtend(b)
	switch c {
	case CondEQ:
		return a == b
	case CondNE:
		return a != b
	case CondLTU:
		return a < b
	case CondGEU:
		return a >= b
	case CondLEU:
		return a <= b
	case CondGTU:
		return a > b
	case CondLTS:
		return sa < sb
	case CondGES:
		return sa >= sb
	case CondLES:
		return sa <= sb
	case CondGTS:
		return sa > sb
	default:
		return false
	}
}

// Package ir defines the architecture-neutral intermediate representation
// that guest decoders emit into and host backends lower from.
package ir

import (
	"fmt"

	"xlate/pkg/types"
)

// Width is the bit width of a temporary.
type Width uint8

const (
	W32  Width = 32
	W64  Width = 64
	W128 Width = 128
)

// Mask returns the all-ones value for integer widths.
func (w Width) Mask() uint64 {
	if w == W32 {
		return 0xFFFFFFFF
	}
	return ^uint64(0)
}

// Truncate clears the bits above w.
func (w Width) Truncate(v uint64) uint64 {
	return v & w.Mask()
}

// SignExtend interprets the low w bits of v as signed.
func (w Width) SignExtend(v uint64) int64 {
	if w == W32 {
		return int64(int32(uint32(v)))
	}
	return int64(v)
}

// Kind is the register class of a temporary.
type Kind uint8

const (
	KindGeneral Kind = iota
	KindVector
	KindPinned // bound to the host register holding the context pointer
)

func (k Kind) String() string {
	switch k {
	case KindGeneral:
		return "gp"
	case KindVector:
		return "vec"
	case KindPinned:
		return "pinned"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Temp is a typed virtual register. Temps are defined once per block.
type Temp struct {
	ID    int32
	Width Width
	Kind  Kind
}

// NoTemp is the zero Temp, used where an op defines nothing.
var NoTemp = Temp{ID: -1}

// Valid reports whether t refers to a real temporary.
func (t Temp) Valid() bool {
	return t.ID >= 0 && t.Width != 0
}

func (t Temp) String() string {
	if !t.Valid() {
		return "_"
	}
	switch t.Kind {
	case KindPinned:
		return "env"
	case KindVector:
		return fmt.Sprintf("v%d", t.ID)
	default:
		return fmt.Sprintf("t%d:%d", t.ID, t.Width)
	}
}

// OperandKind distinguishes the operand forms.
type OperandKind uint8

const (
	OperandTemp OperandKind = iota
	OperandImm
	OperandLabel // a guest PC naming another translation block
)

// Operand is a temp, an immediate or a label.
type Operand struct {
	Kind  OperandKind
	Temp  Temp
	Imm   int64
	Label types.GuestAddr
}

// T wraps a temp as an operand.
func T(t Temp) Operand { return Operand{Kind: OperandTemp, Temp: t} }

// Imm wraps an immediate as an operand.
func Imm(v int64) Operand { return Operand{Kind: OperandImm, Imm: v} }

// Label wraps a guest PC as an operand.
func Label(pc types.GuestAddr) Operand { return Operand{Kind: OperandLabel, Label: pc} }

func (o Operand) String() string {
	switch o.Kind {
	case OperandTemp:
		return o.Temp.String()
	case OperandImm:
		return fmt.Sprintf("$%d", o.Imm)
	default:
		return "@" + o.Label.String()
	}
}

// Op is one IR operation. Ops are not mutated after they are appended.
//
// Operand layout per opcode:
//
//	movi       [imm]
//	setcond    [cond, a, b]
//	select     [c, a, b]
//	ld_state   [env, offset]
//	st_state   [env, offset, value]
//	load       [addr, size, signed]
//	store      [addr, value, size]
//	call       [helper, args...]
//	insn_start [pc, length]
//	goto       [target]
//	goto_cond  [cond, a, b, taken, fallthrough]
//	goto_ind   [target]
//	raise      [code, pc, aux]
//	stop       [pc]
//
// All other ops take their source temps in order.
type Op struct {
	Opcode Opcode
	Result Temp
	Args   []Operand
}

// Uses returns the temps read by op, in operand order.
func (op *Op) Uses() []Temp {
	var uses []Temp
	for _, a := range op.Args {
		if a.Kind == OperandTemp {
			uses = append(uses, a.Temp)
		}
	}
	return uses
}

// Targets returns the direct successor PCs of a terminator in chain slot order.
func (op *Op) Targets() []types.GuestAddr {
	switch op.Opcode {
	case OpGoto:
		return []types.GuestAddr{op.Args[0].Label}
	case OpGotoCond:
		return []types.GuestAddr{op.Args[3].Label, op.Args[4].Label}
	default:
		return nil
	}
}

func (op Op) String() string {
	s := ""
	if op.Result.Valid() {
		s = op.Result.String() + " = "
	}
	s += op.Opcode.String()
	for i, a := range op.Args {
		if i == 0 {
			s += " "
		} else {
			s += ", "
		}
		if i == 0 && (op.Opcode == OpSetCond || op.Opcode == OpGotoCond) {
			s += Cond(a.Imm).String()
			continue
		}
		s += a.String()
	}
	return s
}

// Block is a finished, immutable sequence of ops for one guest block.
type Block struct {
	PC        types.GuestAddr
	Mode      types.Mode
	Ops       []Op
	Temps     []Temp // indexed by Temp.ID
	GuestSize uint64 // guest bytes covered
	InsnCount int    // guest instructions covered
}

// Terminator returns the final control-transfer op.
func (b *Block) Terminator() *Op {
	return &b.Ops[len(b.Ops)-1]
}

// Env returns the pinned context temp.
func (b *Block) Env() Temp {
	return b.Temps[0]
}

func (b *Block) String() string {
	s := fmt.Sprintf("block %s mode=%d size=%d insns=%d\n", b.PC, b.Mode, b.GuestSize, b.InsnCount)
	for _, op := range b.Ops {
		if op.Opcode == OpInsnStart {
			s += fmt.Sprintf(" ---- %s\n", types.GuestAddr(op.Args[0].Imm))
			continue
		}
		s += "  " + op.String() + "\n"
	}
	return s
}

package ir

import (
	"fmt"

	xerrors "xlate/pkg/errors"
	"xlate/pkg/types"
)

// Builder accumulates ops for one block under construction. It is not safe
// for concurrent use; each in-progress translation owns its own builder.
//
// The typed helpers record the first error and return NoTemp afterwards,
// so a decoder can emit a whole instruction and check Err or Finalize once.
type Builder struct {
	pc        types.GuestAddr
	mode      types.Mode
	ops       []Op
	temps     []Temp
	insns     int
	size      uint64
	term      bool
	finalized bool
	err       error
}

// NewBuilder starts a block at pc in the given mode. Temp 0 is the pinned
// context temp.
func NewBuilder(pc types.GuestAddr, mode types.Mode) *Builder {
	b := &Builder{
		pc:   pc,
		mode: mode,
		ops:  make([]Op, 0, 64),
	}
	b.temps = append(b.temps, Temp{ID: 0, Width: W64, Kind: KindPinned})
	return b
}

// PC returns the guest address of the block start.
func (b *Builder) PC() types.GuestAddr { return b.pc }

// Mode returns the execution mode the block is translated for.
func (b *Builder) Mode() types.Mode { return b.mode }

// Env returns the pinned context temp.
func (b *Builder) Env() Temp { return b.temps[0] }

// InsnCount is the number of guest instructions started so far.
func (b *Builder) InsnCount() int { return b.insns }

// GuestSize is the number of guest bytes covered so far.
func (b *Builder) GuestSize() uint64 { return b.size }

// Terminated reports whether a control transfer has been emitted.
func (b *Builder) Terminated() bool { return b.term }

// Err returns the first error recorded by a typed helper.
func (b *Builder) Err() error { return b.err }

// Emit appends one op. w is the result width; it is ignored for opcodes
// without a result, and zero means "no result" for OpCall.
func (b *Builder) Emit(opcode Opcode, w Width, args ...Operand) (Temp, error) {
	if b.finalized {
		return NoTemp, &xerrors.BuilderMisuseError{Op: opcode.String(), Message: "emit after finalize"}
	}
	if b.term {
		return NoTemp, &xerrors.BuilderMisuseError{Op: opcode.String(), Message: "emit after control transfer"}
	}
	if !opcode.Valid() {
		return NoTemp, &xerrors.BuilderMisuseError{Op: opcode.String(), Message: "undefined opcode"}
	}
	if err := b.check(opcode, w, args); err != nil {
		return NoTemp, &xerrors.BuilderMisuseError{Op: opcode.String(), Message: err.Error()}
	}

	result := NoTemp
	if opcode.HasResult() && !(opcode == OpCall && w == 0) {
		kind := KindGeneral
		if w == W128 {
			kind = KindVector
		}
		result = Temp{ID: int32(len(b.temps)), Width: w, Kind: kind}
		b.temps = append(b.temps, result)
	}

	switch opcode {
	case OpInsnStart:
		b.insns++
		b.size += uint64(args[1].Imm)
	case OpMovI:
		args = []Operand{Imm(int64(w.Truncate(uint64(args[0].Imm))))}
	}
	if opcode.IsTerminator() {
		b.term = true
	}

	b.ops = append(b.ops, Op{Opcode: opcode, Result: result, Args: append([]Operand(nil), args...)})
	return result, nil
}

// Finalize seals the builder and returns the block.
func (b *Builder) Finalize() (*Block, error) {
	if b.finalized {
		return nil, &xerrors.BuilderMisuseError{Op: "finalize", Message: "block already finalized"}
	}
	if b.err != nil {
		return nil, b.err
	}
	if !b.term {
		return nil, &xerrors.BuilderMisuseError{Op: "finalize", Message: "block does not end with a control transfer"}
	}
	b.finalized = true
	return &Block{
		PC:        b.pc,
		Mode:      b.mode,
		Ops:       b.ops,
		Temps:     b.temps,
		GuestSize: b.size,
		InsnCount: b.insns,
	}, nil
}

func (b *Builder) temp(o Operand) (Temp, error) {
	if o.Kind != OperandTemp {
		return NoTemp, fmt.Errorf("expected temp operand, got %s", o)
	}
	t := o.Temp
	if t.ID < 0 || int(t.ID) >= len(b.temps) || b.temps[t.ID] != t {
		return NoTemp, fmt.Errorf("temp %s does not belong to this block", t)
	}
	return t, nil
}

func (b *Builder) intTemp(o Operand) (Temp, error) {
	t, err := b.temp(o)
	if err != nil {
		return t, err
	}
	if t.Kind != KindGeneral {
		return t, fmt.Errorf("%s temp %s where an integer is required", t.Kind, t)
	}
	return t, nil
}

func wantArgs(args []Operand, n int) error {
	if len(args) != n {
		return fmt.Errorf("want %d operands, got %d", n, len(args))
	}
	return nil
}

func wantKind(o Operand, k OperandKind) error {
	if o.Kind != k {
		return fmt.Errorf("operand %s has the wrong kind", o)
	}
	return nil
}

func intWidth(w Width) error {
	if w != W32 && w != W64 {
		return fmt.Errorf("width %d is not an integer width", w)
	}
	return nil
}

func (b *Builder) check(opcode Opcode, w Width, args []Operand) error {
	switch opcode {
	case OpMovI:
		if err := wantArgs(args, 1); err != nil {
			return err
		}
		if err := wantKind(args[0], OperandImm); err != nil {
			return err
		}
		return intWidth(w)

	case OpMov:
		if err := wantArgs(args, 1); err != nil {
			return err
		}
		a, err := b.temp(args[0])
		if err != nil {
			return err
		}
		if a.Kind == KindPinned {
			return fmt.Errorf("pinned temps cannot be copied")
		}
		if a.Width != w {
			return fmt.Errorf("width mismatch: %s into %d", a, w)
		}
		return nil

	case OpAdd, OpSub, OpMul, OpDivU, OpRemU, OpAnd, OpOr, OpXor, OpAndC,
		OpShl, OpShr, OpSar, OpRotl, OpRotr:
		if err := wantArgs(args, 2); err != nil {
			return err
		}
		x, err := b.temp(args[0])
		if err != nil {
			return err
		}
		y, err := b.temp(args[1])
		if err != nil {
			return err
		}
		if x.Kind == KindPinned || y.Kind == KindPinned {
			return fmt.Errorf("pinned temps cannot be used in arithmetic")
		}
		if x.Width != y.Width || x.Width != w {
			return fmt.Errorf("width mismatch: %s, %s -> %d", x, y, w)
		}
		if w == W128 && !opcode.AllowsVector() {
			return fmt.Errorf("vector operands not accepted")
		}
		return nil

	case OpNeg, OpNot, OpZExt, OpSExt, OpTrunc:
		if err := wantArgs(args, 1); err != nil {
			return err
		}
		a, err := b.intTemp(args[0])
		if err != nil {
			return err
		}
		if err := intWidth(w); err != nil {
			return err
		}
		switch opcode {
		case OpZExt, OpSExt:
			if a.Width >= w {
				return fmt.Errorf("%s must widen, %s -> %d", opcode, a, w)
			}
		case OpTrunc:
			if a.Width <= w {
				return fmt.Errorf("trunc must narrow, %s -> %d", a, w)
			}
		default:
			if a.Width != w {
				return fmt.Errorf("width mismatch: %s -> %d", a, w)
			}
		}
		return nil

	case OpSetCond:
		if err := wantArgs(args, 3); err != nil {
			return err
		}
		if err := b.checkCompare(args[0], args[1], args[2]); err != nil {
			return err
		}
		return intWidth(w)

	case OpSelect:
		if err := wantArgs(args, 3); err != nil {
			return err
		}
		if _, err := b.intTemp(args[0]); err != nil {
			return err
		}
		x, err := b.intTemp(args[1])
		if err != nil {
			return err
		}
		y, err := b.intTemp(args[2])
		if err != nil {
			return err
		}
		if x.Width != y.Width || x.Width != w {
			return fmt.Errorf("width mismatch: %s, %s -> %d", x, y, w)
		}
		return nil

	case OpLdState, OpStState:
		n := 2
		if opcode == OpStState {
			n = 3
		}
		if err := wantArgs(args, n); err != nil {
			return err
		}
		env, err := b.temp(args[0])
		if err != nil {
			return err
		}
		if env.Kind != KindPinned {
			return fmt.Errorf("state access needs the pinned context temp, got %s", env)
		}
		if err := wantKind(args[1], OperandImm); err != nil {
			return err
		}
		if args[1].Imm < 0 {
			return fmt.Errorf("negative state offset %d", args[1].Imm)
		}
		if opcode == OpStState {
			v, err := b.temp(args[2])
			if err != nil {
				return err
			}
			if v.Kind == KindPinned {
				return fmt.Errorf("pinned temps cannot be stored")
			}
			return nil
		}
		if w != W128 {
			return intWidth(w)
		}
		return nil

	case OpLoad:
		if err := wantArgs(args, 3); err != nil {
			return err
		}
		addr, err := b.intTemp(args[0])
		if err != nil {
			return err
		}
		if addr.Width != W64 {
			return fmt.Errorf("address %s must be 64 bits wide", addr)
		}
		if err := intWidth(w); err != nil {
			return err
		}
		if err := wantKind(args[1], OperandImm); err != nil {
			return err
		}
		return checkSize(args[1].Imm, w)

	case OpStore:
		if err := wantArgs(args, 3); err != nil {
			return err
		}
		addr, err := b.intTemp(args[0])
		if err != nil {
			return err
		}
		if addr.Width != W64 {
			return fmt.Errorf("address %s must be 64 bits wide", addr)
		}
		v, err := b.intTemp(args[1])
		if err != nil {
			return err
		}
		if err := wantKind(args[2], OperandImm); err != nil {
			return err
		}
		return checkSize(args[2].Imm, v.Width)

	case OpCall:
		if len(args) < 1 || len(args) > 4 {
			return fmt.Errorf("call takes a helper and up to 3 arguments")
		}
		if err := wantKind(args[0], OperandImm); err != nil {
			return err
		}
		for _, a := range args[1:] {
			t, err := b.intTemp(a)
			if err != nil {
				return err
			}
			if t.Width != W64 {
				return fmt.Errorf("helper argument %s must be 64 bits wide", t)
			}
		}
		if w != 0 && w != W64 {
			return fmt.Errorf("helper results are 64 bits wide")
		}
		return nil

	case OpInsnStart:
		if err := wantArgs(args, 2); err != nil {
			return err
		}
		if args[0].Kind != OperandImm || args[1].Kind != OperandImm || args[1].Imm <= 0 {
			return fmt.Errorf("insn_start needs a pc and a positive length")
		}
		return nil

	case OpGoto, OpStop:
		if err := wantArgs(args, 1); err != nil {
			return err
		}
		return wantKind(args[0], OperandLabel)

	case OpGotoCond:
		if err := wantArgs(args, 5); err != nil {
			return err
		}
		if err := b.checkCompare(args[0], args[1], args[2]); err != nil {
			return err
		}
		if err := wantKind(args[3], OperandLabel); err != nil {
			return err
		}
		return wantKind(args[4], OperandLabel)

	case OpGotoIndirect:
		if err := wantArgs(args, 1); err != nil {
			return err
		}
		t, err := b.intTemp(args[0])
		if err != nil {
			return err
		}
		if t.Width != W64 {
			return fmt.Errorf("indirect target %s must be 64 bits wide", t)
		}
		return nil

	case OpRaise:
		if err := wantArgs(args, 3); err != nil {
			return err
		}
		if args[0].Kind != OperandImm || args[2].Kind != OperandImm {
			return fmt.Errorf("raise needs an immediate code and aux value")
		}
		return wantKind(args[1], OperandLabel)
	}
	return fmt.Errorf("unhandled opcode")
}

func (b *Builder) checkCompare(c, x, y Operand) error {
	if c.Kind != OperandImm || !Cond(c.Imm).Valid() {
		return fmt.Errorf("invalid condition %s", c)
	}
	a, err := b.intTemp(x)
	if err != nil {
		return err
	}
	bb, err := b.intTemp(y)
	if err != nil {
		return err
	}
	if a.Width != bb.Width {
		return fmt.Errorf("compared temps differ in width: %s, %s", a, bb)
	}
	return nil
}

func checkSize(size int64, w Width) error {
	switch size {
	case 1, 2, 4, 8:
	default:
		return fmt.Errorf("invalid access size %d", size)
	}
	if size*8 > int64(w) {
		return fmt.Errorf("access size %d exceeds width %d", size, w)
	}
	return nil
}

// emit is the sticky-error form used by the typed helpers.
func (b *Builder) emit(opcode Opcode, w Width, args ...Operand) Temp {
	if b.err != nil {
		return NoTemp
	}
	t, err := b.Emit(opcode, w, args...)
	if err != nil {
		b.err = err
	}
	return t
}

func (b *Builder) MovI(w Width, v int64) Temp { return b.emit(OpMovI, w, Imm(v)) }
func (b *Builder) Mov(a Temp) Temp            { return b.emit(OpMov, a.Width, T(a)) }

// Binary emits a two-operand op whose result has the operands' width.
func (b *Builder) Binary(opcode Opcode, x, y Temp) Temp {
	return b.emit(opcode, x.Width, T(x), T(y))
}

func (b *Builder) Add(x, y Temp) Temp { return b.Binary(OpAdd, x, y) }
func (b *Builder) Sub(x, y Temp) Temp { return b.Binary(OpSub, x, y) }
func (b *Builder) Mul(x, y Temp) Temp { return b.Binary(OpMul, x, y) }
func (b *Builder) And(x, y Temp) Temp { return b.Binary(OpAnd, x, y) }
func (b *Builder) Or(x, y Temp) Temp  { return b.Binary(OpOr, x, y) }
func (b *Builder) Xor(x, y Temp) Temp { return b.Binary(OpXor, x, y) }
func (b *Builder) Shl(x, y Temp) Temp { return b.Binary(OpShl, x, y) }
func (b *Builder) Shr(x, y Temp) Temp { return b.Binary(OpShr, x, y) }
func (b *Builder) Sar(x, y Temp) Temp { return b.Binary(OpSar, x, y) }
func (b *Builder) Neg(x Temp) Temp    { return b.emit(OpNeg, x.Width, T(x)) }
func (b *Builder) Not(x Temp) Temp    { return b.emit(OpNot, x.Width, T(x)) }

func (b *Builder) ZExt(x Temp, w Width) Temp  { return b.emit(OpZExt, w, T(x)) }
func (b *Builder) SExt(x Temp, w Width) Temp  { return b.emit(OpSExt, w, T(x)) }
func (b *Builder) Trunc(x Temp, w Width) Temp { return b.emit(OpTrunc, w, T(x)) }

// SetCond yields 1 or 0 in a temp of width w.
func (b *Builder) SetCond(c Cond, x, y Temp, w Width) Temp {
	return b.emit(OpSetCond, w, Imm(int64(c)), T(x), T(y))
}

// Select yields x when c is non-zero, y otherwise.
func (b *Builder) Select(c, x, y Temp) Temp {
	return b.emit(OpSelect, x.Width, T(c), T(x), T(y))
}

// LdState reads context word offset.
func (b *Builder) LdState(offset int, w Width) Temp {
	return b.emit(OpLdState, w, T(b.Env()), Imm(int64(offset)))
}

// StState writes v to context word offset.
func (b *Builder) StState(offset int, v Temp) {
	b.emit(OpStState, 0, T(b.Env()), Imm(int64(offset)), T(v))
}

// Load reads size bytes of guest memory at addr.
func (b *Builder) Load(addr Temp, size int, signed bool, w Width) Temp {
	s := int64(0)
	if signed {
		s = 1
	}
	return b.emit(OpLoad, w, T(addr), Imm(int64(size)), Imm(s))
}

// Store writes the low size bytes of v to guest memory at addr.
func (b *Builder) Store(addr, v Temp, size int) {
	b.emit(OpStore, 0, T(addr), T(v), Imm(int64(size)))
}

// Call invokes helper with up to three 64-bit arguments. withResult selects
// whether the helper's return value is kept.
func (b *Builder) Call(helper int, withResult bool, args ...Temp) Temp {
	ops := []Operand{Imm(int64(helper))}
	for _, a := range args {
		ops = append(ops, T(a))
	}
	var w Width
	if withResult {
		w = W64
	}
	return b.emit(OpCall, w, ops...)
}

// InsnStart marks the start of the guest instruction at pc.
func (b *Builder) InsnStart(pc types.GuestAddr, length int) {
	b.emit(OpInsnStart, 0, Imm(int64(pc)), Imm(int64(length)))
}

func (b *Builder) Goto(target types.GuestAddr) { b.emit(OpGoto, 0, Label(target)) }

func (b *Builder) GotoCond(c Cond, x, y Temp, taken, fallthru types.GuestAddr) {
	b.emit(OpGotoCond, 0, Imm(int64(c)), T(x), T(y), Label(taken), Label(fallthru))
}

func (b *Builder) GotoIndirect(target Temp) { b.emit(OpGotoIndirect, 0, T(target)) }

// Raise ends the block with guest exception code reported at pc.
func (b *Builder) Raise(code int, pc types.GuestAddr, aux int64) {
	b.emit(OpRaise, 0, Imm(int64(code)), Label(pc), Imm(aux))
}

func (b *Builder) Stop(pc types.GuestAddr) { b.emit(OpStop, 0, Label(pc)) }

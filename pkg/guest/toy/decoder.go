package toy

import (
	"encoding/binary"

	"xlate/pkg/cpu"
	"xlate/pkg/ir"
	"xlate/pkg/translate"
	"xlate/pkg/types"
)

// Guest helper numbers.
const (
	HelperPutc      = cpu.HelperGuestBase + iota // a0 = byte
	HelperSetStatus                              // a0 = new status word
	HelperEret                                   // returns the resume PC
)

var aluOps = map[Opcode]ir.Opcode{
	OpAdd: ir.OpAdd, OpSub: ir.OpSub, OpAnd: ir.OpAnd, OpOr: ir.OpOr,
	OpXor: ir.OpXor, OpShl: ir.OpShl, OpShr: ir.OpShr, OpSar: ir.OpSar,
	OpMul: ir.OpMul, OpDivU: ir.OpDivU, OpRemU: ir.OpRemU,
	OpRotl: ir.OpRotl, OpRotr: ir.OpRotr, OpAndN: ir.OpAndC,
}

var branchConds = map[Opcode]ir.Cond{
	OpBeq: ir.CondEQ, OpBne: ir.CondNE, OpBlt: ir.CondLTS,
	OpBge: ir.CondGES, OpBltu: ir.CondLTU, OpBgeu: ir.CondGEU,
}

type memOp struct {
	size   int
	signed bool
	store  bool
}

var memOps = map[Opcode]memOp{
	OpLw: {4, false, false}, OpLh: {2, true, false}, OpLhu: {2, false, false},
	OpLb: {1, true, false}, OpLbu: {1, false, false},
	OpSw: {4, false, true}, OpSh: {2, false, true}, OpSb: {1, false, true},
}

var vecOps = map[Opcode]ir.Opcode{OpVand: ir.OpAnd, OpVor: ir.OpOr, OpVxor: ir.OpXor}

// Decoder emits IR for toy instructions.
type Decoder struct{}

var _ translate.Decoder = Decoder{}

// EndBlock falls through to next.
func (Decoder) EndBlock(next types.GuestAddr, b *ir.Builder) error {
	b.Goto(next)
	return b.Err()
}

// DecodeAndEmit translates the instruction at pc.
func (d Decoder) DecodeAndEmit(pc types.GuestAddr, fetch translate.FetchFunc, b *ir.Builder) (int, bool, error) {
	raw, err := fetch(pc, InsnLen)
	if err != nil {
		return 0, false, err
	}
	in := Decode(binary.LittleEndian.Uint32(raw))
	if !valid(in) {
		return 0, false, &DecodeError{PC: pc, Word: in.Word}
	}

	b.InsnStart(pc, InsnLen)
	e := emitter{b: b, pc: pc}
	if in.Op.Privileged() && b.Mode() == ModeUser {
		b.Raise(ExcPrivileged, pc, int64(in.Word))
	} else {
		e.insn(in)
	}
	return InsnLen, b.Terminated(), b.Err()
}

func valid(in Insn) bool {
	if !in.Known {
		return false
	}
	switch in.Op {
	case OpMfs, OpMts:
		return in.Uimm < numSys
	case OpVand, OpVor, OpVxor:
		return in.Rd < NumVecs && in.Ra < NumVecs && in.Rb < NumVecs
	case OpVins:
		return in.Rd < NumVecs && in.Uimm < 2
	case OpVext:
		return in.Ra < NumVecs && in.Uimm < 2
	}
	return true
}

type emitter struct {
	b  *ir.Builder
	pc types.GuestAddr
}

func (e emitter) reg(n int) ir.Temp {
	if n == 0 {
		return e.b.MovI(ir.W32, 0)
	}
	return e.b.LdState(n, ir.W32)
}

func (e emitter) setReg(n int, t ir.Temp) {
	if n != 0 {
		e.b.StState(n, t)
	}
}

func (e emitter) imm(v int64) ir.Temp { return e.b.MovI(ir.W32, v) }

func (e emitter) addr(ra int, off int32) ir.Temp {
	a := e.b.Add(e.reg(ra), e.imm(int64(off)))
	return e.b.ZExt(a, ir.W64)
}

func (e emitter) rel(words int32) types.GuestAddr {
	return types.GuestAddr(uint32(int64(e.pc) + 4*int64(words)))
}

func (e emitter) next() types.GuestAddr { return e.pc + InsnLen }

func vecOff(v int) int { return EnvVec + 2*v }

func (e emitter) insn(in Insn) {
	b := e.b
	if op, ok := aluOps[in.Op]; ok {
		e.setReg(in.Rd, b.Binary(op, e.reg(in.Ra), e.reg(in.Rb)))
		return
	}
	if m, ok := memOps[in.Op]; ok {
		a := e.addr(in.Ra, in.Imm)
		if m.store {
			b.Store(a, e.reg(in.Rd), m.size)
		} else {
			e.setReg(in.Rd, b.Load(a, m.size, m.signed, ir.W32))
		}
		return
	}
	if c, ok := branchConds[in.Op]; ok {
		b.GotoCond(c, e.reg(in.Rd), e.reg(in.Ra), e.rel(in.Imm), e.next())
		return
	}
	if op, ok := vecOps[in.Op]; ok {
		x := b.LdState(vecOff(in.Ra), ir.W128)
		y := b.LdState(vecOff(in.Rb), ir.W128)
		b.StState(vecOff(in.Rd), b.Binary(op, x, y))
		return
	}

	switch in.Op {
	case OpSlt:
		e.setReg(in.Rd, b.SetCond(ir.CondLTS, e.reg(in.Ra), e.reg(in.Rb), ir.W32))
	case OpSltu:
		e.setReg(in.Rd, b.SetCond(ir.CondLTU, e.reg(in.Ra), e.reg(in.Rb), ir.W32))

	case OpAddi:
		e.setReg(in.Rd, b.Add(e.reg(in.Ra), e.imm(int64(in.Imm))))
	case OpAndi:
		e.setReg(in.Rd, b.And(e.reg(in.Ra), e.imm(int64(in.Uimm))))
	case OpOri:
		e.setReg(in.Rd, b.Or(e.reg(in.Ra), e.imm(int64(in.Uimm))))
	case OpXori:
		e.setReg(in.Rd, b.Xor(e.reg(in.Ra), e.imm(int64(in.Uimm))))
	case OpShli:
		e.setReg(in.Rd, b.Shl(e.reg(in.Ra), e.imm(int64(in.Uimm&31))))
	case OpShri:
		e.setReg(in.Rd, b.Shr(e.reg(in.Ra), e.imm(int64(in.Uimm&31))))
	case OpSari:
		e.setReg(in.Rd, b.Sar(e.reg(in.Ra), e.imm(int64(in.Uimm&31))))
	case OpLui:
		e.setReg(in.Rd, e.imm(int64(in.Uimm<<16)))

	case OpJal:
		e.setReg(in.Rd, e.imm(int64(e.next())))
		b.Goto(e.rel(in.Imm))
	case OpJalr:
		target := b.Add(e.reg(in.Ra), e.imm(int64(in.Imm)))
		e.setReg(in.Rd, e.imm(int64(e.next())))
		b.GotoIndirect(b.ZExt(target, ir.W64))

	case OpSyscall:
		b.Raise(ExcSyscall, e.pc, int64(in.Uimm))
	case OpBreak:
		b.Raise(ExcBreak, e.pc, 0)
	case OpEret:
		b.GotoIndirect(b.Call(HelperEret, true))
	case OpHalt:
		b.Stop(e.next())
	case OpFenceI:
		b.Call(cpu.HelperICacheFlush, false)
		b.Goto(e.next())
	case OpTLBFlush:
		b.Call(cpu.HelperTLBFlush, false)
	case OpTLBInval:
		b.Call(cpu.HelperTLBFlushPage, false, b.ZExt(e.reg(in.Ra), ir.W64))
	case OpPutc:
		b.Call(HelperPutc, false, b.ZExt(e.reg(in.Ra), ir.W64))

	case OpMfs:
		e.setReg(in.Rd, b.LdState(sysEnv[in.Uimm], ir.W32))
	case OpMts:
		if in.Uimm != SysStatus {
			b.StState(sysEnv[in.Uimm], e.reg(in.Ra))
			return
		}
		// The mode may change, so the block ends without a chainable exit.
		b.Call(HelperSetStatus, false, b.ZExt(e.reg(in.Ra), ir.W64))
		b.GotoIndirect(b.MovI(ir.W64, int64(e.next())))

	case OpVins:
		b.StState(vecOff(in.Rd)+int(in.Uimm), b.ZExt(e.reg(in.Ra), ir.W64))
	case OpVext:
		e.setReg(in.Rd, b.Trunc(b.LdState(vecOff(in.Ra)+int(in.Uimm), ir.W64), ir.W32))
	}
}

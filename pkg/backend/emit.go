package backend

import (
	"xlate/pkg/backend/hostcode"
	xerrors "xlate/pkg/errors"
	"xlate/pkg/ir"
	"xlate/pkg/types"
)

var hostOps = [ir.NumOpcodes]hostcode.Op{
	ir.OpMov:     hostcode.Mov,
	ir.OpMovI:    hostcode.MovI,
	ir.OpAdd:     hostcode.Add,
	ir.OpSub:     hostcode.Sub,
	ir.OpMul:     hostcode.Mul,
	ir.OpDivU:    hostcode.DivU,
	ir.OpRemU:    hostcode.RemU,
	ir.OpAnd:     hostcode.And,
	ir.OpOr:      hostcode.Or,
	ir.OpXor:     hostcode.Xor,
	ir.OpAndC:    hostcode.AndC,
	ir.OpShl:     hostcode.Shl,
	ir.OpShr:     hostcode.Shr,
	ir.OpSar:     hostcode.Sar,
	ir.OpRotl:    hostcode.Rotl,
	ir.OpRotr:    hostcode.Rotr,
	ir.OpNeg:     hostcode.Neg,
	ir.OpNot:     hostcode.Not,
	ir.OpSetCond: hostcode.SetCond,
	ir.OpSelect:  hostcode.Select,
	ir.OpZExt:    hostcode.ZExt,
	ir.OpSExt:    hostcode.SExt,
	ir.OpTrunc:   hostcode.Trunc,
	ir.OpLdState: hostcode.LdState,
	ir.OpStState: hostcode.StState,
	ir.OpLoad:    hostcode.Load,
	ir.OpStore:   hostcode.Store,
	ir.OpCall:    hostcode.Call,
}

// Compile lowers a finished IR block for the host described by d.
func Compile(b *ir.Block, d *Descriptor) (*hostcode.Code, error) {
	if len(b.Ops) == 0 || !b.Terminator().Opcode.IsTerminator() {
		return nil, xerrors.TranslationErrorf(b.PC, xerrors.ReasonBackend, "block has no control transfer")
	}

	xb, err := Expand(b, d)
	if err != nil {
		return nil, err
	}
	lv := ComputeLiveness(xb)

	code := &hostcode.Code{Insns: make([]hostcode.Insn, 0, len(xb.Ops)+8)}
	emit := func(in hostcode.Insn) { code.Insns = append(code.Insns, in) }
	ra := newAllocator(xb, d.Regs, emit)

	emit(hostcode.Insn{Op: hostcode.Check, Target: b.PC})

	for i := range xb.Ops {
		op := &xb.Ops[i]
		ra.op = i

		if op.Opcode == ir.OpInsnStart {
			pc := types.GuestAddr(op.Args[0].Imm)
			n := int(op.Args[1].Imm)
			code.Starts = append(code.Starts, hostcode.InsnStart{PC: pc, Len: n, Index: len(code.Insns)})
			emit(hostcode.Insn{Op: hostcode.Mark, Imm: op.Args[0].Imm, Size: uint8(n)})
			continue
		}

		// Read operands into registers. Pinned temps are implied by the
		// state ops and never allocated.
		regs := make([]hostcode.Reg, len(op.Args))
		for k, a := range op.Args {
			if a.Kind != ir.OperandTemp || a.Temp.Kind == ir.KindPinned {
				continue
			}
			r, err := ra.use(a.Temp)
			if err != nil {
				return nil, err
			}
			regs[k] = r
		}
		for k, a := range op.Args {
			if a.Kind == ir.OperandTemp && a.Temp.Kind != ir.KindPinned {
				ra.advance(a.Temp, lv.NextUseAfter(i, k))
			}
		}

		if op.Opcode.IsTerminator() {
			emitExit(code, op, regs)
			continue
		}

		in := hostcode.Insn{Op: hostOps[op.Opcode]}
		switch op.Opcode {
		case ir.OpMovI:
			in.Imm = op.Args[0].Imm
		case ir.OpSetCond:
			in.Cond = ir.Cond(op.Args[0].Imm)
			in.Ra, in.Rb = regs[1], regs[2]
			in.Imm = int64(op.Args[1].Temp.Width)
		case ir.OpSelect:
			in.Rc, in.Ra, in.Rb = regs[0], regs[1], regs[2]
		case ir.OpZExt, ir.OpSExt, ir.OpTrunc:
			in.Ra = regs[0]
			in.Imm = int64(op.Args[0].Temp.Width)
		case ir.OpLdState:
			in.Imm = op.Args[1].Imm
		case ir.OpStState:
			in.Imm = op.Args[1].Imm
			in.Ra = regs[2]
			in.W = op.Args[2].Temp.Width
		case ir.OpLoad:
			in.Ra = regs[0]
			in.Size = uint8(op.Args[1].Imm)
			in.Signed = op.Args[2].Imm != 0
		case ir.OpStore:
			in.Ra, in.Rb = regs[0], regs[1]
			in.Size = uint8(op.Args[2].Imm)
			in.W = op.Args[1].Temp.Width
		case ir.OpCall:
			in.Imm = op.Args[0].Imm
			in.NArgs = uint8(len(op.Args) - 1)
			args := []*hostcode.Reg{&in.Ra, &in.Rb, &in.Rc}
			for k := 1; k < len(op.Args); k++ {
				*args[k-1] = regs[k]
			}
		default:
			if len(regs) > 0 {
				in.Ra = regs[0]
			}
			if len(regs) > 1 {
				in.Rb = regs[1]
			}
		}

		if op.Result.Valid() {
			rd, err := ra.def(op.Result, lv.NextUseAfterDef(i))
			if err != nil {
				return nil, err
			}
			in.Rd = rd
			in.W = op.Result.Width
		}
		emit(in)
		if op.Result.Valid() && lv.NextUseAfterDef(i) == Never {
			ra.release(op.Result)
		}
	}
	code.SpillSlots = ra.nslots

	if d.Encoder != nil {
		native, err := d.Encoder.Encode(code)
		if err != nil {
			return nil, xerrors.WrapTranslationError(err, b.PC, xerrors.ReasonBackend)
		}
		code.Native = native
	} else {
		for i := range code.Relocs {
			code.Relocs[i].NativeOffset = -1
		}
	}
	return code, nil
}

func emitExit(code *hostcode.Code, op *ir.Op, regs []hostcode.Reg) {
	at := len(code.Insns)
	switch op.Opcode {
	case ir.OpGoto:
		target := op.Args[0].Label
		code.Insns = append(code.Insns, hostcode.Insn{Op: hostcode.Goto, Slot: 0, Target: target})
		code.Relocs = append(code.Relocs, hostcode.Reloc{Slot: 0, Kind: hostcode.RelocDirect, Offset: at, Target: target})
	case ir.OpGotoCond:
		taken, fall := op.Args[3].Label, op.Args[4].Label
		code.Insns = append(code.Insns, hostcode.Insn{
			Op:     hostcode.GotoCond,
			Cond:   ir.Cond(op.Args[0].Imm),
			W:      op.Args[1].Temp.Width,
			Ra:     regs[1],
			Rb:     regs[2],
			Target: taken,
			Alt:    fall,
		})
		code.Relocs = append(code.Relocs,
			hostcode.Reloc{Slot: 0, Kind: hostcode.RelocCondTaken, Offset: at, Target: taken},
			hostcode.Reloc{Slot: 1, Kind: hostcode.RelocCondFallthrough, Offset: at, Target: fall},
		)
	case ir.OpGotoIndirect:
		code.Insns = append(code.Insns, hostcode.Insn{Op: hostcode.GotoInd, Ra: regs[0]})
	case ir.OpRaise:
		code.Insns = append(code.Insns, hostcode.Insn{
			Op:     hostcode.Raise,
			Imm:    op.Args[0].Imm,
			Target: op.Args[1].Label,
			Aux:    op.Args[2].Imm,
		})
	case ir.OpStop:
		code.Insns = append(code.Insns, hostcode.Insn{Op: hostcode.Stop, Target: op.Args[0].Label})
	}
}

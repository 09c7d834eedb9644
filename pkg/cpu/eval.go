package cpu

import (
	"fmt"

	"xlate/pkg/backend/hostcode"
	xerrors "xlate/pkg/errors"
	"xlate/pkg/ir"
	"xlate/pkg/types"
)

var evalOps = map[ir.Opcode]hostcode.Op{
	ir.OpAdd: hostcode.Add, ir.OpSub: hostcode.Sub, ir.OpMul: hostcode.Mul,
	ir.OpDivU: hostcode.DivU, ir.OpRemU: hostcode.RemU, ir.OpAnd: hostcode.And,
	ir.OpOr: hostcode.Or, ir.OpXor: hostcode.Xor, ir.OpAndC: hostcode.AndC,
	ir.OpShl: hostcode.Shl, ir.OpShr: hostcode.Shr, ir.OpSar: hostcode.Sar,
	ir.OpRotl: hostcode.Rotl, ir.OpRotr: hostcode.Rotr,
}

// EvalIR executes an IR block directly, without a backend. It shares the
// memory path and helper table with the machine and is used to step single
// instructions when translation fails.
func EvalIR(c *Context, blk *ir.Block) (Exit, error) {
	var m Machine
	vals := make([][2]uint64, len(blk.Temps))
	get := func(o ir.Operand) uint64 { return vals[o.Temp.ID][0] }

	for i := range blk.Ops {
		op := &blk.Ops[i]
		a := op.Args
		w := op.Result.Width
		var res [2]uint64

		switch op.Opcode {
		case ir.OpInsnStart:
			c.insnPC = types.GuestAddr(a[0].Imm)
			continue
		case ir.OpMovI:
			res[0] = w.Truncate(uint64(a[0].Imm))
		case ir.OpMov:
			res = vals[a[0].Temp.ID]
		case ir.OpAnd, ir.OpOr, ir.OpXor:
			if w == ir.W128 {
				x, y := vals[a[0].Temp.ID], vals[a[1].Temp.ID]
				for k := range x {
					switch op.Opcode {
					case ir.OpAnd:
						x[k] &= y[k]
					case ir.OpOr:
						x[k] |= y[k]
					default:
						x[k] ^= y[k]
					}
				}
				res = x
				break
			}
			res[0] = w.Truncate(alu(evalOps[op.Opcode], w, get(a[0]), get(a[1])))
		case ir.OpAdd, ir.OpSub, ir.OpMul, ir.OpDivU, ir.OpRemU, ir.OpAndC,
			ir.OpShl, ir.OpShr, ir.OpSar, ir.OpRotl, ir.OpRotr:
			res[0] = w.Truncate(alu(evalOps[op.Opcode], w, get(a[0]), get(a[1])))
		case ir.OpNeg:
			res[0] = w.Truncate(-get(a[0]))
		case ir.OpNot:
			res[0] = w.Truncate(^get(a[0]))
		case ir.OpSetCond:
			if ir.Cond(a[0].Imm).Eval(get(a[1]), get(a[2]), a[1].Temp.Width) {
				res[0] = 1
			}
		case ir.OpSelect:
			if get(a[0]) != 0 {
				res[0] = get(a[1])
			} else {
				res[0] = get(a[2])
			}
		case ir.OpZExt:
			res[0] = a[0].Temp.Width.Truncate(get(a[0]))
		case ir.OpSExt:
			res[0] = w.Truncate(uint64(a[0].Temp.Width.SignExtend(get(a[0]))))
		case ir.OpTrunc:
			res[0] = w.Truncate(get(a[0]))
		case ir.OpLdState:
			off := int(a[1].Imm)
			res[0] = w.Truncate(c.Env[off])
			if w == ir.W128 {
				res = [2]uint64{c.Env[off], c.Env[off+1]}
			}
		case ir.OpStState:
			off := int(a[1].Imm)
			v := vals[a[2].Temp.ID]
			if a[2].Temp.Width == ir.W128 {
				c.Env[off], c.Env[off+1] = v[0], v[1]
			} else {
				c.Env[off] = v[0]
			}
			continue
		case ir.OpLoad:
			size := int(a[1].Imm)
			v, fault := m.load(c, types.GuestAddr(get(a[0])), size)
			if fault != nil {
				return m.faultExit(c, fault), nil
			}
			if a[2].Imm != 0 {
				v = signExtend(v, size)
			}
			res[0] = w.Truncate(v)
		case ir.OpStore:
			if fault := m.store(c, types.GuestAddr(get(a[0])), int(a[2].Imm), get(a[1])); fault != nil {
				return m.faultExit(c, fault), nil
			}
			continue
		case ir.OpCall:
			id := int(a[0].Imm)
			if id >= len(c.Helpers) || c.Helpers[id] == nil {
				return Exit{}, xerrors.ConsistencyErrorf("call to unknown helper %d", id)
			}
			var args [3]uint64
			for k := 1; k < len(a); k++ {
				args[k-1] = get(a[k])
			}
			r, err := c.Helpers[id](c, args[0], args[1], args[2])
			if err != nil {
				var gf *xerrors.GuestFault
				if xerrors.As(err, &gf) {
					return m.faultExit(c, gf), nil
				}
				return Exit{}, err
			}
			res[0] = r

		case ir.OpGoto:
			return Exit{Kind: ExitFallThrough, PC: a[0].Label, Slot: -1}, nil
		case ir.OpGotoCond:
			pc := a[4].Label
			if ir.Cond(a[0].Imm).Eval(get(a[1]), get(a[2]), a[1].Temp.Width) {
				pc = a[3].Label
			}
			return Exit{Kind: ExitFallThrough, PC: pc, Slot: -1}, nil
		case ir.OpGotoIndirect:
			return Exit{Kind: ExitIndirect, PC: types.GuestAddr(get(a[0])), Slot: -1}, nil
		case ir.OpRaise:
			e := &Exception{Code: int(a[0].Imm), PC: a[1].Label, Aux: uint64(a[2].Imm)}
			return Exit{Kind: ExitException, PC: e.PC, Slot: -1, Exception: e}, nil
		case ir.OpStop:
			return Exit{Kind: ExitStop, PC: a[0].Label, Slot: -1}, nil
		default:
			return Exit{}, fmt.Errorf("cannot evaluate %s", op.Opcode)
		}
		if op.Result.Valid() {
			vals[op.Result.ID] = res
		}
	}
	return Exit{}, fmt.Errorf("block at %s has no terminator", blk.PC)
}

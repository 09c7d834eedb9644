package backend

import "xlate/pkg/ir"

func op1(opcode ir.Opcode, r ir.Temp, args ...ir.Operand) ir.Op {
	return ir.Op{Opcode: opcode, Result: r, Args: args}
}

func movi(r ir.Temp, v int64) ir.Op {
	return op1(ir.OpMovI, r, ir.Imm(int64(r.Width.Truncate(uint64(v)))))
}

// synthAndC: r = a & ^b
func synthAndC(op ir.Op, newTemp func(ir.Width) ir.Temp) []ir.Op {
	a, b := op.Args[0], op.Args[1]
	nb := newTemp(op.Result.Width)
	return []ir.Op{
		op1(ir.OpNot, nb, b),
		op1(ir.OpAnd, op.Result, a, ir.T(nb)),
	}
}

// synthRemU: r = a - (a / b) * b. Division by zero yields all ones, and
// all ones times zero is zero, so the remainder is the dividend.
func synthRemU(op ir.Op, newTemp func(ir.Width) ir.Temp) []ir.Op {
	a, b := op.Args[0], op.Args[1]
	w := op.Result.Width
	q, m := newTemp(w), newTemp(w)
	return []ir.Op{
		op1(ir.OpDivU, q, a, b),
		op1(ir.OpMul, m, ir.T(q), b),
		op1(ir.OpSub, op.Result, a, ir.T(m)),
	}
}

// synthRotate builds a rotate from two shifts. Shift amounts are taken
// modulo the width, so width-b needs no masking.
func synthRotate(left bool) SynthRule {
	return func(op ir.Op, newTemp func(ir.Width) ir.Temp) []ir.Op {
		a, b := op.Args[0], op.Args[1]
		w := op.Result.Width
		wv, inv, hi, lo := newTemp(w), newTemp(w), newTemp(w), newTemp(w)
		first, second := ir.OpShl, ir.OpShr
		if !left {
			first, second = ir.OpShr, ir.OpShl
		}
		return []ir.Op{
			movi(wv, int64(w)),
			op1(ir.OpSub, inv, ir.T(wv), b),
			op1(first, hi, a, b),
			op1(second, lo, a, ir.T(inv)),
			op1(ir.OpOr, op.Result, ir.T(hi), ir.T(lo)),
		}
	}
}

// synthSelect: mask = -(c != 0); r = (a & mask) | (b &^ mask)
func synthSelect(op ir.Op, newTemp func(ir.Width) ir.Temp) []ir.Op {
	c, a, b := op.Args[0], op.Args[1], op.Args[2]
	w := op.Result.Width
	zc := newTemp(c.Temp.Width)
	nz, mask, ta, tb := newTemp(w), newTemp(w), newTemp(w), newTemp(w)
	return []ir.Op{
		movi(zc, 0),
		op1(ir.OpSetCond, nz, ir.Imm(int64(ir.CondNE)), c, ir.T(zc)),
		op1(ir.OpNeg, mask, ir.T(nz)),
		op1(ir.OpAnd, ta, a, ir.T(mask)),
		op1(ir.OpAndC, tb, b, ir.T(mask)),
		op1(ir.OpOr, op.Result, ir.T(ta), ir.T(tb)),
	}
}

// synthNeg: r = 0 - a
func synthNeg(op ir.Op, newTemp func(ir.Width) ir.Temp) []ir.Op {
	z := newTemp(op.Result.Width)
	return []ir.Op{
		movi(z, 0),
		op1(ir.OpSub, op.Result, ir.T(z), op.Args[0]),
	}
}

// synthNot: r = a ^ -1
func synthNot(op ir.Op, newTemp func(ir.Width) ir.Temp) []ir.Op {
	m := newTemp(op.Result.Width)
	return []ir.Op{
		movi(m, -1),
		op1(ir.OpXor, op.Result, op.Args[0], ir.T(m)),
	}
}

var defaultRules = map[ir.Opcode]SynthRule{
	ir.OpAndC:   synthAndC,
	ir.OpRemU:   synthRemU,
	ir.OpRotl:   synthRotate(true),
	ir.OpRotr:   synthRotate(false),
	ir.OpSelect: synthSelect,
	ir.OpNeg:    synthNeg,
	ir.OpNot:    synthNot,
}

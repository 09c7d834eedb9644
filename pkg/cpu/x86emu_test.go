package cpu

import (
	"math/bits"
	"testing"

	"golang.org/x/arch/x86/x86asm"

	"xlate/pkg/constants"
)

// x86 interprets the subset of x86-64 the amd64 encoder emits, so native
// blocks can be run on any host. Memory is a list of regions; calls go to
// Go routines registered by address.
type x86 struct {
	t   *testing.T
	gp  [16]uint64
	xmm [16][2]uint64

	zf, cf, sf, of bool

	code []byte
	mem  []*region

	// calls maps a call target to the routine standing in for it. A routine
	// returning false leaves the block without returning to it.
	calls map[uint64]func(e *x86) bool
	ret   uint64 // return address that ends the run
}

type region struct {
	base, size uint64
	paged      bool // guest frames: no access may cross a frame
	get        func(off uint64) byte
	set        func(off uint64, b byte) // nil for read-only regions
}

func bytesRegion(base uint64, buf []byte) *region {
	return &region{
		base: base,
		size: uint64(len(buf)),
		get:  func(off uint64) byte { return buf[off] },
		set:  func(off uint64, b byte) { buf[off] = b },
	}
}

// wordsRegion exposes n 64-bit words as little-endian bytes.
func wordsRegion(base uint64, n int, get func(i int) uint64, put func(i int, v uint64)) *region {
	r := &region{
		base: base,
		size: uint64(n) * 8,
		get:  func(off uint64) byte { return byte(get(int(off/8)) >> (8 * (off % 8))) },
	}
	if put != nil {
		r.set = func(off uint64, b byte) {
			i, sh := int(off/8), 8*(off%8)
			put(i, get(i)&^(0xFF<<sh)|uint64(b)<<sh)
		}
	}
	return r
}

func (e *x86) find(addr uint64, n int) *region {
	e.t.Helper()
	for _, r := range e.mem {
		if addr >= r.base && addr-r.base+uint64(n) <= r.size {
			if r.paged && addr%constants.PageSize+uint64(n) > constants.PageSize {
				e.t.Fatalf("%d-byte access at host %#x crosses a frame", n, addr)
			}
			return r
		}
	}
	e.t.Fatalf("%d-byte access at %#x is outside every region", n, addr)
	return nil
}

func (e *x86) read(addr uint64, n int) []byte {
	r := e.find(addr, n)
	out := make([]byte, n)
	for k := range out {
		out[k] = r.get(addr - r.base + uint64(k))
	}
	return out
}

func (e *x86) write(addr uint64, data []byte) {
	r := e.find(addr, len(data))
	if r.set == nil {
		e.t.Fatalf("write of %d bytes to read-only %#x", len(data), addr)
	}
	for k, b := range data {
		r.set(addr-r.base+uint64(k), b)
	}
}

func (e *x86) load(addr uint64, n int) uint64 {
	var v uint64
	for k, b := range e.read(addr, n) {
		v |= uint64(b) << (8 * k)
	}
	return v
}

func (e *x86) store(addr uint64, n int, v uint64) {
	buf := make([]byte, n)
	for k := range buf {
		buf[k] = byte(v >> (8 * k))
	}
	e.write(addr, buf)
}

func (e *x86) push(v uint64) {
	e.gp[4] -= 8
	e.store(e.gp[4], 8, v)
}

func (e *x86) pop() uint64 {
	v := e.load(e.gp[4], 8)
	e.gp[4] += 8
	return v
}

// gpr returns the register number and operand size of a general register.
func gpr(r x86asm.Reg) (int, int) {
	switch {
	case r >= x86asm.AL && r <= x86asm.BL:
		return int(r - x86asm.AL), 1
	case r >= x86asm.SPB && r <= x86asm.R15B:
		return 4 + int(r-x86asm.SPB), 1
	case r >= x86asm.AX && r <= x86asm.R15W:
		return int(r - x86asm.AX), 2
	case r >= x86asm.EAX && r <= x86asm.R15L:
		return int(r - x86asm.EAX), 4
	case r >= x86asm.RAX && r <= x86asm.R15:
		return int(r - x86asm.RAX), 8
	}
	return -1, 0
}

func xmmReg(r x86asm.Reg) (int, bool) {
	if r >= x86asm.X0 && r <= x86asm.X15 {
		return int(r - x86asm.X0), true
	}
	return 0, false
}

func sizeMask(n int) uint64 { return ^uint64(0) >> (64 - 8*uint(n)) }

func (e *x86) addr(m x86asm.Mem) uint64 {
	n, size := gpr(m.Base)
	if size != 8 || m.Segment != 0 {
		e.t.Fatalf("unexpected memory operand %v", m)
	}
	a := e.gp[n] + uint64(m.Disp)
	if m.Index != 0 {
		k, _ := gpr(m.Index)
		a += e.gp[k] * uint64(m.Scale)
	}
	return a
}

// arg reads an operand. Immediates report size 0 and are sign-extended.
func (e *x86) arg(in x86asm.Inst, a x86asm.Arg) (uint64, int) {
	switch a := a.(type) {
	case x86asm.Reg:
		n, size := gpr(a)
		if n < 0 {
			e.t.Fatalf("%v: unsupported register %v", in, a)
		}
		return e.gp[n] & sizeMask(size), size
	case x86asm.Mem:
		return e.load(e.addr(a), in.MemBytes), in.MemBytes
	case x86asm.Imm:
		return uint64(a), 0
	}
	e.t.Fatalf("%v: unsupported operand %v", in, a)
	return 0, 0
}

// put writes an operand. 32-bit register writes clear the upper half,
// narrower ones merge.
func (e *x86) put(in x86asm.Inst, a x86asm.Arg, v uint64) {
	switch a := a.(type) {
	case x86asm.Reg:
		n, size := gpr(a)
		switch size {
		case 8:
			e.gp[n] = v
		case 4:
			e.gp[n] = uint64(uint32(v))
		case 1, 2:
			m := sizeMask(size)
			e.gp[n] = e.gp[n]&^m | v&m
		default:
			e.t.Fatalf("%v: unsupported register %v", in, a)
		}
	case x86asm.Mem:
		e.store(e.addr(a), in.MemBytes, v)
	default:
		e.t.Fatalf("%v: cannot write %v", in, a)
	}
}

func (e *x86) cond(op x86asm.Op) (bool, bool) {
	switch op {
	case x86asm.JE, x86asm.SETE, x86asm.CMOVE:
		return e.zf, true
	case x86asm.JNE, x86asm.SETNE, x86asm.CMOVNE:
		return !e.zf, true
	case x86asm.JB, x86asm.SETB:
		return e.cf, true
	case x86asm.JAE, x86asm.SETAE:
		return !e.cf, true
	case x86asm.JBE, x86asm.SETBE:
		return e.cf || e.zf, true
	case x86asm.JA, x86asm.SETA:
		return !e.cf && !e.zf, true
	case x86asm.JL, x86asm.SETL:
		return e.sf != e.of, true
	case x86asm.JGE, x86asm.SETGE:
		return e.sf == e.of, true
	case x86asm.JLE, x86asm.SETLE:
		return e.zf || e.sf != e.of, true
	case x86asm.JG, x86asm.SETG:
		return !e.zf && e.sf == e.of, true
	}
	return false, false
}

func (e *x86) arith(op x86asm.Op, a, b uint64, n int) uint64 {
	m := sizeMask(n)
	sign := uint64(1) << (8*uint(n) - 1)
	a, b = a&m, b&m
	var res uint64
	e.cf, e.of = false, false
	switch op {
	case x86asm.ADD:
		res = (a + b) & m
		e.cf = res < a
		e.of = (a^res)&(b^res)&sign != 0
	case x86asm.SUB, x86asm.CMP:
		res = (a - b) & m
		e.cf = a < b
		e.of = (a^b)&(a^res)&sign != 0
	case x86asm.AND, x86asm.TEST:
		res = a & b
	case x86asm.OR:
		res = a | b
	case x86asm.XOR:
		res = a ^ b
	}
	e.zf = res == 0
	e.sf = res&sign != 0
	return res
}

func (e *x86) shift(op x86asm.Op, v, count uint64, n int) uint64 {
	m := sizeMask(n)
	count &= uint64(8*n - 1)
	v &= m
	switch op {
	case x86asm.SHL:
		return v << count & m
	case x86asm.SHR:
		return v >> count
	case x86asm.SAR:
		return uint64(int64(v<<(64-8*uint(n)))>>(64-8*uint(n))>>count) & m
	case x86asm.ROL:
		if n == 4 {
			return uint64(bits.RotateLeft32(uint32(v), int(count)))
		}
		return bits.RotateLeft64(v, int(count))
	default:
		if n == 4 {
			return uint64(bits.RotateLeft32(uint32(v), -int(count)))
		}
		return bits.RotateLeft64(v, -int(count))
	}
}

func (e *x86) vec(in x86asm.Inst, a x86asm.Arg) int {
	r, ok := a.(x86asm.Reg)
	if !ok {
		e.t.Fatalf("%v: want an xmm register", in)
	}
	n, ok := xmmReg(r)
	if !ok {
		e.t.Fatalf("%v: want an xmm register", in)
	}
	return n
}

// run executes from offset 0 until a return to e.ret. It reports false when
// a call routine left the block.
func (e *x86) run() (uint64, bool) {
	e.t.Helper()
	rip := 0
	for steps := 0; ; steps++ {
		if steps > 1<<16 {
			e.t.Fatal("native block did not return")
		}
		if rip < 0 || rip >= len(e.code) {
			e.t.Fatalf("rip %#x outside the %d-byte block", rip, len(e.code))
		}
		in, err := x86asm.Decode(e.code[rip:], 64)
		if err != nil {
			e.t.Fatalf("decoding at %#x: %v", rip, err)
		}
		next := rip + in.Len
		dst, src := in.Args[0], in.Args[1]

		switch in.Op {
		case x86asm.MOV:
			v, _ := e.arg(in, src)
			e.put(in, dst, v)

		case x86asm.MOVZX:
			v, _ := e.arg(in, src)
			e.put(in, dst, v)

		case x86asm.MOVSX, x86asm.MOVSXD:
			v, n := e.arg(in, src)
			sh := 64 - 8*uint(n)
			e.put(in, dst, uint64(int64(v<<sh)>>sh))

		case x86asm.ADD, x86asm.SUB, x86asm.AND, x86asm.OR, x86asm.XOR, x86asm.CMP, x86asm.TEST:
			a, n := e.arg(in, dst)
			b, _ := e.arg(in, src)
			res := e.arith(in.Op, a, b, n)
			if in.Op != x86asm.CMP && in.Op != x86asm.TEST {
				e.put(in, dst, res)
			}

		case x86asm.IMUL:
			if in.Args[2] != nil {
				e.t.Fatalf("%v: three-operand imul", in)
			}
			a, n := e.arg(in, dst)
			b, _ := e.arg(in, src)
			e.put(in, dst, a*b&sizeMask(n))

		case x86asm.NOT:
			a, n := e.arg(in, dst)
			e.put(in, dst, ^a&sizeMask(n))

		case x86asm.NEG:
			a, n := e.arg(in, dst)
			e.put(in, dst, -a&sizeMask(n))

		case x86asm.DIV:
			d, n := e.arg(in, dst)
			if d == 0 {
				e.t.Fatalf("%v: division by zero", in)
			}
			switch n {
			case 8:
				if e.gp[2] >= d {
					e.t.Fatalf("%v: quotient overflow", in)
				}
				e.gp[0], e.gp[2] = bits.Div64(e.gp[2], e.gp[0], d)
			case 4:
				x := uint64(uint32(e.gp[2]))<<32 | uint64(uint32(e.gp[0]))
				q, r := x/d, x%d
				if q > 0xFFFFFFFF {
					e.t.Fatalf("%v: quotient overflow", in)
				}
				e.gp[0], e.gp[2] = q, r
			default:
				e.t.Fatalf("%v: unsupported divisor size", in)
			}

		case x86asm.SHL, x86asm.SHR, x86asm.SAR, x86asm.ROL, x86asm.ROR:
			a, n := e.arg(in, dst)
			count, _ := e.arg(in, src)
			e.put(in, dst, e.shift(in.Op, a, count, n))

		case x86asm.SETE, x86asm.SETNE, x86asm.SETB, x86asm.SETAE, x86asm.SETBE,
			x86asm.SETA, x86asm.SETL, x86asm.SETGE, x86asm.SETLE, x86asm.SETG:
			ok, _ := e.cond(in.Op)
			var v uint64
			if ok {
				v = 1
			}
			e.put(in, dst, v)

		case x86asm.CMOVE, x86asm.CMOVNE:
			ok, _ := e.cond(in.Op)
			cur, _ := e.arg(in, dst)
			if ok {
				cur, _ = e.arg(in, src)
			}
			e.put(in, dst, cur)

		case x86asm.JE, x86asm.JNE, x86asm.JB, x86asm.JAE, x86asm.JBE,
			x86asm.JA, x86asm.JL, x86asm.JGE, x86asm.JLE, x86asm.JG, x86asm.JMP:
			rel, ok := dst.(x86asm.Rel)
			if !ok {
				e.t.Fatalf("%v: indirect jump", in)
			}
			taken := true
			if in.Op != x86asm.JMP {
				taken, _ = e.cond(in.Op)
			}
			if taken {
				next += int(rel)
			}

		case x86asm.CALL:
			target, _ := e.arg(in, dst)
			fn, ok := e.calls[target]
			if !ok {
				e.t.Fatalf("%v: call to unknown %#x", in, target)
			}
			if !fn(e) {
				return 0, false
			}

		case x86asm.RET:
			if to := e.pop(); to != e.ret {
				e.t.Fatalf("return to %#x, want %#x", to, e.ret)
			}
			return e.gp[0], true

		case x86asm.PUSH:
			v, _ := e.arg(in, dst)
			e.push(v)

		case x86asm.POP:
			e.put(in, dst, e.pop())

		case x86asm.MOVDQU:
			if m, ok := dst.(x86asm.Mem); ok {
				x := e.xmm[e.vec(in, src)]
				e.store(e.addr(m), 8, x[0])
				e.store(e.addr(m)+8, 8, x[1])
				break
			}
			m, ok := src.(x86asm.Mem)
			if !ok {
				e.t.Fatalf("%v: register movdqu", in)
			}
			e.xmm[e.vec(in, dst)] = [2]uint64{e.load(e.addr(m), 8), e.load(e.addr(m)+8, 8)}

		case x86asm.MOVDQA:
			e.xmm[e.vec(in, dst)] = e.xmm[e.vec(in, src)]

		case x86asm.PAND, x86asm.POR, x86asm.PXOR:
			d, s := e.vec(in, dst), e.vec(in, src)
			for k := range e.xmm[d] {
				switch in.Op {
				case x86asm.PAND:
					e.xmm[d][k] &= e.xmm[s][k]
				case x86asm.POR:
					e.xmm[d][k] |= e.xmm[s][k]
				default:
					e.xmm[d][k] ^= e.xmm[s][k]
				}
			}

		default:
			e.t.Fatalf("unsupported instruction %v at %#x", in, rip)
		}
		rip = next
	}
}

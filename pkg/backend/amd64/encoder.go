// Package amd64 encodes threaded host code as x86-64 machine code.
//
// Register numbers in hostcode map directly onto x86 encodings (0 = RAX,
// 15 = R15). RAX, RCX, RDX and R11 are scratch for the encoder, R15 holds
// the context frame and XMM15 is the vector scratch register. Helpers are
// called with their arguments in RAX, RCX, RDX and return in RAX.
package amd64

import (
	"encoding/binary"
	"fmt"

	"xlate/pkg/backend/hostcode"
	"xlate/pkg/constants"
	"xlate/pkg/ir"
)

// ContextReg holds the context frame pointer.
const ContextReg = R15

// VecScratch is never handed to the allocator.
const VecScratch Reg = 15

// ReservedRegs are the GP registers the allocator must not use.
func ReservedRegs() []hostcode.Reg {
	return []hostcode.Reg{hostcode.Reg(RAX), hostcode.Reg(RCX), hostcode.Reg(RDX), hostcode.Reg(RSP), hostcode.Reg(R11)}
}

// Registers saved around helper calls; the rest of the allocatable set is
// callee-saved in the System V ABI.
var callerSaved = []Reg{RSI, RDI, R8, R9, R10}

const siteLen = 5 // jmp rel32

// Encoder implements hostcode.Encoder for x86-64.
type Encoder struct{}

func NewEncoder() *Encoder { return &Encoder{} }

func (e *Encoder) Arch() string { return "amd64" }

func (e *Encoder) SiteLen() int { return siteLen }

// Link rewrites a chain site as jmp rel32 to targetAddr.
func (e *Encoder) Link(buf []byte, site int, siteAddr, targetAddr uintptr) error {
	if site < 0 || site+siteLen > len(buf) {
		return fmt.Errorf("chain site %d outside %d-byte block", site, len(buf))
	}
	rel := int64(targetAddr) - int64(siteAddr+siteLen)
	if rel < -1<<31 || rel >= 1<<31 {
		return fmt.Errorf("chain target %#x out of rel32 range from %#x", targetAddr, siteAddr)
	}
	buf[site] = 0xE9
	binary.LittleEndian.PutUint32(buf[site+1:], uint32(int32(rel)))
	return nil
}

type exitStub struct {
	patch  int // rel32 to bind to the stub
	slot   int
	target uint64
}

var ccOf = [...]byte{
	ir.CondEQ:  ccE,
	ir.CondNE:  ccNE,
	ir.CondLTU: ccB,
	ir.CondGEU: ccAE,
	ir.CondLEU: ccBE,
	ir.CondGTU: ccA,
	ir.CondLTS: ccL,
	ir.CondGES: ccGE,
	ir.CondLES: ccLE,
	ir.CondGTS: ccG,
}

// Encode lowers code into a self-contained x86-64 function. Chain sites
// initially jump to per-slot exit stubs at the end of the block.
func (e *Encoder) Encode(code *hostcode.Code) (*hostcode.Native, error) {
	a := NewAssembler(len(code.Insns)*24 + 64)
	var stubs []exitStub
	var pending []int
	sites := make(map[[2]int]int) // (insn, slot) -> site offset

	for i := range code.Insns {
		in := &code.Insns[i]
		rd, ra, rb, rc := Reg(in.Rd), Reg(in.Ra), Reg(in.Rb), Reg(in.Rc)
		w := in.W == ir.W64

		switch in.Op {
		case hostcode.Check:
			a.Load(8, false, RAX, ContextReg, hostcode.FramePending)
			a.Test(true, RAX, RAX)
			pending = append(pending, a.JccFwd(ccNE))

		case hostcode.Mark:
			a.MovRI(RAX, uint64(in.Imm))
			a.Store(8, ContextReg, hostcode.FrameInsnPC, RAX)

		case hostcode.MovI:
			a.MovRI(rd, in.W.Truncate(uint64(in.Imm)))

		case hostcode.Mov:
			if in.Vector() {
				a.Movdqa(rd, ra)
			} else {
				a.MovRR(true, rd, ra)
			}

		case hostcode.Add, hostcode.Sub, hostcode.And, hostcode.Or, hostcode.Xor:
			if in.Vector() {
				a.Movdqa(VecScratch, ra)
				switch in.Op {
				case hostcode.And:
					a.Pand(VecScratch, rb)
				case hostcode.Or:
					a.Por(VecScratch, rb)
				case hostcode.Xor:
					a.Pxor(VecScratch, rb)
				default:
					return nil, fmt.Errorf("%s has no vector form", in.Op)
				}
				a.Movdqa(rd, VecScratch)
				continue
			}
			a.MovRR(true, RAX, ra)
			a.ALU(aluFor(in.Op), w, RAX, rb)
			a.MovRR(true, rd, RAX)

		case hostcode.AndC:
			a.MovRR(true, RAX, rb)
			a.Unary(2, w, RAX)
			a.ALU(aluAnd, w, RAX, ra)
			a.MovRR(true, rd, RAX)

		case hostcode.Mul:
			a.MovRR(true, RAX, ra)
			a.IMul(w, RAX, rb)
			a.MovRR(true, rd, RAX)

		case hostcode.DivU, hostcode.RemU:
			a.Test(true, rb, rb)
			zero := a.JccFwd(ccE)
			a.MovRR(true, RAX, ra)
			a.ALU(aluXor, false, RDX, RDX)
			a.Unary(6, w, rb)
			if in.Op == hostcode.DivU {
				a.MovRR(true, rd, RAX)
			} else {
				a.MovRR(true, rd, RDX)
			}
			done := a.JmpFwd()
			a.Bind(zero)
			if in.Op == hostcode.DivU {
				a.MovRI(rd, in.W.Mask())
			} else {
				a.MovRR(true, rd, ra)
			}
			a.Bind(done)

		case hostcode.Shl, hostcode.Shr, hostcode.Sar, hostcode.Rotl, hostcode.Rotr:
			a.MovRR(true, RCX, rb)
			a.MovRR(true, RAX, ra)
			a.ShiftCL(shiftFor(in.Op), w, RAX)
			a.MovRR(true, rd, RAX)

		case hostcode.Neg, hostcode.Not:
			digit := byte(3)
			if in.Op == hostcode.Not {
				digit = 2
			}
			a.MovRR(true, RAX, ra)
			a.Unary(digit, w, RAX)
			a.MovRR(true, rd, RAX)

		case hostcode.SetCond:
			a.ALU(aluCmp, in.Imm == 64, ra, rb)
			a.Setcc(ccOf[in.Cond], RAX)
			a.MovzxByte(RAX, RAX)
			a.MovRR(true, rd, RAX)

		case hostcode.Select:
			a.Test(true, rc, rc)
			a.MovRR(true, RAX, rb)
			a.Cmov(ccNE, true, RAX, ra)
			a.MovRR(true, rd, RAX)

		case hostcode.ZExt, hostcode.Trunc:
			a.MovRR(false, rd, ra)

		case hostcode.SExt:
			a.Movsxd(rd, ra)

		case hostcode.LdState:
			a.Load(8, false, RAX, ContextReg, hostcode.FrameEnv)
			disp := int32(in.Imm * 8)
			switch in.W {
			case ir.W128:
				a.MovdquLoad(rd, RAX, disp)
			case ir.W32:
				a.Load(4, false, rd, RAX, disp)
			default:
				a.Load(8, false, rd, RAX, disp)
			}

		case hostcode.StState:
			a.Load(8, false, RAX, ContextReg, hostcode.FrameEnv)
			if in.Vector() {
				a.MovdquStore(RAX, int32(in.Imm*8), ra)
			} else {
				a.Store(8, RAX, int32(in.Imm*8), ra)
			}

		case hostcode.Spill, hostcode.Fill:
			a.Load(8, false, RAX, ContextReg, hostcode.FrameSpill)
			disp := int32(in.Imm * 16)
			switch {
			case in.Op == hostcode.Spill && in.Vector():
				a.MovdquStore(RAX, disp, ra)
			case in.Op == hostcode.Spill:
				a.Store(8, RAX, disp, ra)
			case in.Vector():
				a.MovdquLoad(rd, RAX, disp)
			default:
				a.Load(8, false, rd, RAX, disp)
			}

		case hostcode.Load:
			e.tlbLookup(a, ra, int(in.Size), byte(1<<0), func(miss []int) {
				a.Load(8, false, RAX, RAX, hostcode.TLBEntryAddend)
				a.ALU(aluAdd, true, RAX, ra)
				a.Load(int(in.Size), in.Signed, rd, RAX, 0)
				done := a.JmpFwd()
				for _, m := range miss {
					a.Bind(m)
				}
				a.MovRR(true, RAX, ra)
				a.MovRI(RCX, uint64(in.Size)|boolBit(in.Signed)<<8)
				a.Load(8, false, R11, ContextReg, hostcode.FrameSlowLoad)
				a.CallReg(R11)
				a.MovRR(true, rd, RAX)
				a.Bind(done)
			})
			if in.Signed && in.W == ir.W32 {
				a.MovRR(false, rd, rd)
			}

		case hostcode.Store:
			e.tlbLookup(a, ra, int(in.Size), byte(1<<1), func(miss []int) {
				a.Load(8, false, RAX, RAX, hostcode.TLBEntryAddend)
				a.ALU(aluAdd, true, RAX, ra)
				a.Store(int(in.Size), RAX, 0, rb)
				done := a.JmpFwd()
				for _, m := range miss {
					a.Bind(m)
				}
				a.MovRR(true, RAX, ra)
				a.MovRR(true, RDX, rb)
				a.MovRI(RCX, uint64(in.Size))
				a.Load(8, false, R11, ContextReg, hostcode.FrameSlowStore)
				a.CallReg(R11)
				a.Bind(done)
			})

		case hostcode.Call:
			for _, r := range callerSaved {
				a.Push(r)
			}
			args := []Reg{ra, rb, rc}
			for k, dst := range []Reg{RAX, RCX, RDX} {
				if k < int(in.NArgs) {
					a.MovRR(true, dst, args[k])
				} else {
					a.ALU(aluXor, false, dst, dst)
				}
			}
			a.Load(8, false, R11, ContextReg, hostcode.FrameHelpers)
			a.Load(8, false, R11, R11, int32(in.Imm*8))
			a.CallReg(R11)
			for k := len(callerSaved) - 1; k >= 0; k-- {
				a.Pop(callerSaved[k])
			}
			if in.W != 0 {
				a.MovRR(true, rd, RAX)
			}

		case hostcode.Goto:
			sites[[2]int{i, int(in.Slot)}] = a.Offset()
			stubs = append(stubs, exitStub{patch: a.JmpFwd(), slot: int(in.Slot), target: uint64(in.Target)})

		case hostcode.GotoCond:
			a.ALU(aluCmp, in.W == ir.W64, ra, rb)
			skip := a.JccFwd(ccOf[in.Cond.Invert()])
			sites[[2]int{i, 0}] = a.Offset()
			stubs = append(stubs, exitStub{patch: a.JmpFwd(), slot: 0, target: uint64(in.Target)})
			a.Bind(skip)
			sites[[2]int{i, 1}] = a.Offset()
			stubs = append(stubs, exitStub{patch: a.JmpFwd(), slot: 1, target: uint64(in.Alt)})

		case hostcode.GotoInd:
			a.Store(8, ContextReg, hostcode.FrameExitPC, ra)
			a.MovRI(RAX, hostcode.ExitCodeIndirect)
			a.Ret()

		case hostcode.Raise:
			a.MovRI(RAX, uint64(in.Target))
			a.Store(8, ContextReg, hostcode.FrameExitPC, RAX)
			a.MovRI(RAX, uint64(in.Aux))
			a.Store(8, ContextReg, hostcode.FrameExitAux, RAX)
			a.MovRI(RAX, uint64(hostcode.ExitCodeRaise)|uint64(in.Imm)<<8)
			a.Ret()

		case hostcode.Stop:
			a.MovRI(RAX, uint64(in.Target))
			a.Store(8, ContextReg, hostcode.FrameExitPC, RAX)
			a.MovRI(RAX, hostcode.ExitCodeStop)
			a.Ret()

		default:
			return nil, fmt.Errorf("no amd64 encoding for %s", in.Op)
		}
	}

	for _, p := range pending {
		a.Bind(p)
	}
	if len(pending) > 0 {
		a.MovRI(RAX, hostcode.ExitCodePending)
		a.Ret()
	}
	for _, s := range stubs {
		a.Bind(s.patch)
		a.MovRI(RAX, s.target)
		a.Store(8, ContextReg, hostcode.FrameExitPC, RAX)
		a.MovRI(RAX, uint64(hostcode.ExitCodeChain+s.slot))
		a.Ret()
	}

	for k := range code.Relocs {
		r := &code.Relocs[k]
		site, ok := sites[[2]int{r.Offset, r.Slot}]
		if !ok {
			return nil, fmt.Errorf("relocation for slot %d at insn %d has no site", r.Slot, r.Offset)
		}
		r.NativeOffset = site
	}
	return &hostcode.Native{Arch: e.Arch(), Bytes: a.Bytes()}, nil
}

// tlbLookup emits the inline soft TLB probe for a size-byte access at the
// address in addr and leaves the entry pointer in RAX. Accesses that cross
// a page always miss. hit emits the access; it receives the rel32 patches
// that must be bound to its slow path.
func (e *Encoder) tlbLookup(a *Assembler, addr Reg, size int, perm byte, hit func(miss []int)) {
	var miss []int
	if size > 1 {
		a.MovRR(false, RCX, addr)
		a.ALUImm(aluAnd, false, RCX, constants.PageSize-1)
		a.ALUImm(aluCmp, false, RCX, int32(constants.PageSize-size))
		miss = append(miss, a.JccFwd(ccA))
	}

	a.MovRR(true, RAX, addr)
	a.ShiftImm(shShr, true, RAX, constants.PageBits)
	a.MovRR(true, RDX, RAX)
	a.Load(8, false, RCX, ContextReg, hostcode.FrameTLBMask)
	a.ALU(aluAnd, true, RAX, RCX)
	a.ShiftImm(shShl, true, RAX, 5) // * TLBEntrySize
	a.Load(8, false, RCX, ContextReg, hostcode.FrameTLB)
	a.ALU(aluAdd, true, RAX, RCX)

	a.Load(8, false, RCX, RAX, hostcode.TLBEntryVPN)
	a.ALU(aluCmp, true, RCX, RDX)
	miss = append(miss, a.JccFwd(ccNE))

	a.Load(4, false, RCX, ContextReg, hostcode.FrameTLBGen)
	a.Load(4, false, RDX, RAX, hostcode.TLBEntryGen)
	a.ALU(aluCmp, false, RCX, RDX)
	miss = append(miss, a.JccFwd(ccNE))

	a.Load(8, false, RCX, RAX, hostcode.TLBEntryTag)
	a.TestImm8(RCX, perm)
	miss = append(miss, a.JccFwd(ccE))

	hit(miss)
}

func aluFor(op hostcode.Op) byte {
	switch op {
	case hostcode.Add:
		return aluAdd
	case hostcode.Sub:
		return aluSub
	case hostcode.And:
		return aluAnd
	case hostcode.Or:
		return aluOr
	default:
		return aluXor
	}
}

func shiftFor(op hostcode.Op) byte {
	switch op {
	case hostcode.Shl:
		return shShl
	case hostcode.Shr:
		return shShr
	case hostcode.Sar:
		return shSar
	case hostcode.Rotl:
		return shRol
	default:
		return shRor
	}
}

func boolBit(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}

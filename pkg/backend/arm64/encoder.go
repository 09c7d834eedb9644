// Package arm64 encodes threaded host code as AArch64 machine code using
// the Go assembler backend.
//
// Host register n is Xn (or Vn for vector ops). X0-X2 carry helper
// arguments and results, X15-X17 are encoder scratch and X19 holds the
// context frame. Chain sites are single B instructions that initially
// target per-slot exit stubs at the end of the block.
package arm64

import (
	"encoding/binary"
	"fmt"

	goasm "github.com/twitchyliquid64/golang-asm"
	"github.com/twitchyliquid64/golang-asm/obj"
	a64 "github.com/twitchyliquid64/golang-asm/obj/arm64"

	"xlate/pkg/backend/hostcode"
	"xlate/pkg/constants"
	"xlate/pkg/ir"
)

// ContextReg holds the context frame pointer.
const ContextReg = 19

const (
	scratch0 = 16
	scratch1 = 17
	scratch2 = 15
	vscratch = 31
)

// ReservedRegs are the GP registers the allocator must not use.
func ReservedRegs() []hostcode.Reg {
	return []hostcode.Reg{0, 1, 2, scratch2, scratch0, scratch1, 18, 27, 28, 29, 30, 31}
}

// Allocatable registers that a call may clobber; saved to the frame's save
// area around helper calls.
var callerSaved = []int{3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14}

const siteLen = 4

// Encoder implements hostcode.Encoder for AArch64.
type Encoder struct{}

func NewEncoder() *Encoder { return &Encoder{} }

func (e *Encoder) Arch() string { return "arm64" }

func (e *Encoder) SiteLen() int { return siteLen }

// Link rewrites a chain site as B to targetAddr.
func (e *Encoder) Link(buf []byte, site int, siteAddr, targetAddr uintptr) error {
	if site < 0 || site+siteLen > len(buf) {
		return fmt.Errorf("chain site %d outside %d-byte block", site, len(buf))
	}
	delta := int64(targetAddr) - int64(siteAddr)
	if delta%4 != 0 || delta < -(1<<27) || delta >= 1<<27 {
		return fmt.Errorf("chain target %#x out of branch range from %#x", targetAddr, siteAddr)
	}
	binary.LittleEndian.PutUint32(buf[site:], 0x14000000|uint32((delta/4)&0x3ffffff))
	return nil
}

func xreg(n int) int16 { return int16(a64.REG_R0 + n) }

type builder struct {
	b *goasm.Builder
}

func (a *builder) add(p *obj.Prog) *obj.Prog {
	a.b.AddInstruction(p)
	return p
}

// rrr: rd = rn op rm
func (a *builder) rrr(as obj.As, rd, rn, rm int) {
	p := a.b.NewProg()
	p.As = as
	p.From.Type = obj.TYPE_REG
	p.From.Reg = xreg(rm)
	p.Reg = xreg(rn)
	p.To.Type = obj.TYPE_REG
	p.To.Reg = xreg(rd)
	a.add(p)
}

// rr: rd = op rn
func (a *builder) rr(as obj.As, rd, rn int) {
	p := a.b.NewProg()
	p.As = as
	p.From.Type = obj.TYPE_REG
	p.From.Reg = xreg(rn)
	p.To.Type = obj.TYPE_REG
	p.To.Reg = xreg(rd)
	a.add(p)
}

// rri: rd = rn op $imm
func (a *builder) rri(as obj.As, rd, rn int, imm int64) {
	p := a.b.NewProg()
	p.As = as
	p.From.Type = obj.TYPE_CONST
	p.From.Offset = imm
	p.Reg = xreg(rn)
	p.To.Type = obj.TYPE_REG
	p.To.Reg = xreg(rd)
	a.add(p)
}

// movi: rd = $imm
func (a *builder) movi(rd int, imm uint64) {
	p := a.b.NewProg()
	p.As = a64.AMOVD
	p.From.Type = obj.TYPE_CONST
	p.From.Offset = int64(imm)
	p.To.Type = obj.TYPE_REG
	p.To.Reg = xreg(rd)
	a.add(p)
}

// load: rd = [base + off]
func (a *builder) load(as obj.As, rd, base int, off int64) {
	p := a.b.NewProg()
	p.As = as
	p.From.Type = obj.TYPE_MEM
	p.From.Reg = xreg(base)
	p.From.Offset = off
	p.To.Type = obj.TYPE_REG
	p.To.Reg = xreg(rd)
	a.add(p)
}

// store: [base + off] = rs
func (a *builder) store(as obj.As, rs, base int, off int64) {
	p := a.b.NewProg()
	p.As = as
	p.From.Type = obj.TYPE_REG
	p.From.Reg = xreg(rs)
	p.To.Type = obj.TYPE_MEM
	p.To.Reg = xreg(base)
	p.To.Offset = off
	a.add(p)
}

// cmp sets flags for rn - rm.
func (a *builder) cmp(as obj.As, rn, rm int) {
	p := a.b.NewProg()
	p.As = as
	p.From.Type = obj.TYPE_REG
	p.From.Reg = xreg(rm)
	p.Reg = xreg(rn)
	a.add(p)
}

// branch emits a conditional or unconditional branch to be bound later.
func (a *builder) branch(as obj.As) *obj.Prog {
	p := a.b.NewProg()
	p.As = as
	p.To.Type = obj.TYPE_BRANCH
	return a.add(p)
}

// cbz emits CBZ/CBNZ on r to be bound later.
func (a *builder) cbz(as obj.As, r int) *obj.Prog {
	p := a.b.NewProg()
	p.As = as
	p.From.Type = obj.TYPE_REG
	p.From.Reg = xreg(r)
	p.To.Type = obj.TYPE_BRANCH
	return a.add(p)
}

// bind places a label here and points every branch at it.
func (a *builder) bind(branches ...*obj.Prog) {
	label := a.b.NewProg()
	label.As = obj.ANOP
	a.add(label)
	for _, br := range branches {
		br.To.SetTarget(label)
	}
}

// word emits a raw instruction for encodings the assembler has no
// mnemonic for in this form.
func (a *builder) word(w uint32) {
	p := a.b.NewProg()
	p.As = a64.AWORD
	p.From.Type = obj.TYPE_CONST
	p.From.Offset = int64(w)
	a.add(p)
}

func (a *builder) ret() {
	p := a.b.NewProg()
	p.As = obj.ARET
	a.add(p)
}

// AArch64 condition codes
const (
	condEQ = 0x0
	condNE = 0x1
	condHS = 0x2
	condLO = 0x3
	condHI = 0x8
	condLS = 0x9
	condGE = 0xA
	condLT = 0xB
	condGT = 0xC
	condLE = 0xD
)

var condOf = [...]uint32{
	ir.CondEQ:  condEQ,
	ir.CondNE:  condNE,
	ir.CondLTU: condLO,
	ir.CondGEU: condHS,
	ir.CondLEU: condLS,
	ir.CondGTU: condHI,
	ir.CondLTS: condLT,
	ir.CondGES: condGE,
	ir.CondLES: condLE,
	ir.CondGTS: condGT,
}

var branchOf = [...]obj.As{
	ir.CondEQ:  a64.ABEQ,
	ir.CondNE:  a64.ABNE,
	ir.CondLTU: a64.ABLO,
	ir.CondGEU: a64.ABHS,
	ir.CondLEU: a64.ABLS,
	ir.CondGTU: a64.ABHI,
	ir.CondLTS: a64.ABLT,
	ir.CondGES: a64.ABGE,
	ir.CondLES: a64.ABLE,
	ir.CondGTS: a64.ABGT,
}

// cset: rd = cond ? 1 : 0 (CSINC rd, xzr, xzr, !cond)
func cset(rd int, cond uint32) uint32 {
	return 0x9a9f07e0 | (cond^1)<<12 | uint32(rd)
}

// csel: rd = cond ? rn : rm
func csel(rd, rn, rm int, cond uint32) uint32 {
	return 0x9a800000 | uint32(rm)<<16 | cond<<12 | uint32(rn)<<5 | uint32(rd)
}

func blr(rn int) uint32 { return 0xd63f0000 | uint32(rn)<<5 }

// 128-bit vector forms
func ldrQ(vt, rn int) uint32     { return 0x3dc00000 | uint32(rn)<<5 | uint32(vt) }
func strQ(vt, rn int) uint32     { return 0x3d800000 | uint32(rn)<<5 | uint32(vt) }
func vand(vd, vn, vm int) uint32 { return 0x4e201c00 | uint32(vm)<<16 | uint32(vn)<<5 | uint32(vd) }
func vorr(vd, vn, vm int) uint32 { return 0x4ea01c00 | uint32(vm)<<16 | uint32(vn)<<5 | uint32(vd) }
func veor(vd, vn, vm int) uint32 { return 0x6e201c00 | uint32(vm)<<16 | uint32(vn)<<5 | uint32(vd) }
func vmov(vd, vn int) uint32     { return vorr(vd, vn, vn) }

type exitStub struct {
	site   *obj.Prog
	slot   int
	target uint64
	insn   int
}

func pick(w ir.Width, x64, x32 obj.As) obj.As {
	if w == ir.W32 {
		return x32
	}
	return x64
}

var binOps = map[hostcode.Op][2]obj.As{
	hostcode.Add:  {a64.AADD, a64.AADDW},
	hostcode.Sub:  {a64.ASUB, a64.ASUBW},
	hostcode.Mul:  {a64.AMUL, a64.AMULW},
	hostcode.And:  {a64.AAND, a64.AANDW},
	hostcode.Or:   {a64.AORR, a64.AORRW},
	hostcode.Xor:  {a64.AEOR, a64.AEORW},
	hostcode.AndC: {a64.ABIC, a64.ABICW},
	hostcode.Shl:  {a64.ALSL, a64.ALSLW},
	hostcode.Shr:  {a64.ALSR, a64.ALSRW},
	hostcode.Sar:  {a64.AASR, a64.AASRW},
	hostcode.Rotr: {a64.AROR, a64.ARORW},
}

func loadOp(size uint8, signed bool) obj.As {
	switch {
	case size == 1 && signed:
		return a64.AMOVB
	case size == 1:
		return a64.AMOVBU
	case size == 2 && signed:
		return a64.AMOVH
	case size == 2:
		return a64.AMOVHU
	case size == 4 && signed:
		return a64.AMOVW
	case size == 4:
		return a64.AMOVWU
	default:
		return a64.AMOVD
	}
}

func storeOp(size uint8) obj.As {
	switch size {
	case 1:
		return a64.AMOVB
	case 2:
		return a64.AMOVH
	case 4:
		return a64.AMOVW
	default:
		return a64.AMOVD
	}
}

// Encode lowers code through the Go arm64 assembler.
func (e *Encoder) Encode(code *hostcode.Code) (*hostcode.Native, error) {
	gb, err := goasm.NewBuilder("arm64", len(code.Insns)*8+64)
	if err != nil {
		return nil, err
	}
	a := &builder{b: gb}
	var stubs []exitStub
	var pending []*obj.Prog

	for i := range code.Insns {
		in := &code.Insns[i]
		rd, ra, rb, rc := int(in.Rd), int(in.Ra), int(in.Rb), int(in.Rc)

		switch in.Op {
		case hostcode.Check:
			a.load(a64.AMOVD, scratch0, ContextReg, hostcode.FramePending)
			pending = append(pending, a.cbz(a64.ACBNZ, scratch0))

		case hostcode.Mark:
			a.movi(scratch0, uint64(in.Imm))
			a.store(a64.AMOVD, scratch0, ContextReg, hostcode.FrameInsnPC)

		case hostcode.MovI:
			a.movi(rd, in.W.Truncate(uint64(in.Imm)))

		case hostcode.Mov:
			if in.Vector() {
				a.word(vmov(rd, ra))
			} else {
				a.rr(a64.AMOVD, rd, ra)
			}

		case hostcode.Add, hostcode.Sub, hostcode.Mul, hostcode.And, hostcode.Or, hostcode.Xor,
			hostcode.AndC, hostcode.Shl, hostcode.Shr, hostcode.Sar, hostcode.Rotr:
			if in.Vector() {
				switch in.Op {
				case hostcode.And:
					a.word(vand(rd, ra, rb))
				case hostcode.Or:
					a.word(vorr(rd, ra, rb))
				case hostcode.Xor:
					a.word(veor(rd, ra, rb))
				default:
					return nil, fmt.Errorf("%s has no vector form", in.Op)
				}
				continue
			}
			ops := binOps[in.Op]
			a.rrr(pick(in.W, ops[0], ops[1]), rd, ra, rb)

		case hostcode.DivU:
			zero := a.cbz(a64.ACBZ, rb)
			a.rrr(pick(in.W, a64.AUDIV, a64.AUDIVW), rd, ra, rb)
			done := a.branch(a64.AB)
			a.bind(zero)
			a.movi(rd, in.W.Mask())
			a.bind(done)

		case hostcode.Neg:
			a.rr(pick(in.W, a64.ANEG, a64.ANEGW), rd, ra)

		case hostcode.Not:
			a.rr(pick(in.W, a64.AMVN, a64.AMVNW), rd, ra)

		case hostcode.SetCond:
			a.cmp(pick(ir.Width(in.Imm), a64.ACMP, a64.ACMPW), ra, rb)
			a.word(cset(rd, condOf[in.Cond]))

		case hostcode.Select:
			a.movi(scratch0, 0)
			a.cmp(a64.ACMP, rc, scratch0)
			a.word(csel(rd, ra, rb, condNE))

		case hostcode.ZExt, hostcode.Trunc:
			a.rr(a64.AMOVWU, rd, ra)

		case hostcode.SExt:
			a.rr(a64.AMOVW, rd, ra)

		case hostcode.LdState, hostcode.StState, hostcode.Spill, hostcode.Fill:
			base, scale := int64(hostcode.FrameEnv), int64(8)
			if in.Op == hostcode.Spill || in.Op == hostcode.Fill {
				base, scale = hostcode.FrameSpill, 16
			}
			a.load(a64.AMOVD, scratch0, ContextReg, base)
			off := in.Imm * scale
			loading := in.Op == hostcode.LdState || in.Op == hostcode.Fill
			switch {
			case in.Vector():
				a.rri(a64.AADD, scratch0, scratch0, off)
				if loading {
					a.word(ldrQ(rd, scratch0))
				} else {
					a.word(strQ(ra, scratch0))
				}
			case loading && in.W == ir.W32 && in.Op == hostcode.LdState:
				a.load(a64.AMOVWU, rd, scratch0, off)
			case loading:
				a.load(a64.AMOVD, rd, scratch0, off)
			default:
				a.store(a64.AMOVD, ra, scratch0, off)
			}

		case hostcode.Load, hostcode.Store:
			perm := uint64(1)
			if in.Op == hostcode.Store {
				perm = 2
			}
			miss := e.tlbLookup(a, ra, int(in.Size), perm)
			a.load(a64.AMOVD, scratch2, scratch1, hostcode.TLBEntryAddend)
			a.rrr(a64.AADD, scratch2, scratch2, ra)
			if in.Op == hostcode.Load {
				a.load(loadOp(in.Size, in.Signed), rd, scratch2, 0)
			} else {
				a.store(storeOp(in.Size), rb, scratch2, 0)
			}
			done := a.branch(a64.AB)
			a.bind(miss...)
			e.saveRegs(a)
			a.rr(a64.AMOVD, 0, ra)
			a.movi(1, uint64(in.Size)|boolBit(in.Signed)<<8)
			slow := int64(hostcode.FrameSlowLoad)
			if in.Op == hostcode.Store {
				a.rr(a64.AMOVD, 2, rb)
				slow = hostcode.FrameSlowStore
			}
			a.load(a64.AMOVD, scratch0, ContextReg, slow)
			a.word(blr(scratch0))
			e.restoreRegs(a)
			if in.Op == hostcode.Load {
				a.rr(a64.AMOVD, rd, 0)
			}
			a.bind(done)
			if in.Op == hostcode.Load && in.Signed && in.W == ir.W32 {
				a.rr(a64.AMOVWU, rd, rd)
			}

		case hostcode.Call:
			e.saveRegs(a)
			for k, src := range []int{ra, rb, rc} {
				if k < int(in.NArgs) {
					a.rr(a64.AMOVD, k, src)
				} else {
					a.movi(k, 0)
				}
			}
			a.load(a64.AMOVD, scratch0, ContextReg, hostcode.FrameHelpers)
			a.load(a64.AMOVD, scratch0, scratch0, in.Imm*8)
			a.word(blr(scratch0))
			e.restoreRegs(a)
			if in.W != 0 {
				a.rr(a64.AMOVD, rd, 0)
			}

		case hostcode.Goto:
			stubs = append(stubs, exitStub{site: a.branch(a64.AB), slot: int(in.Slot), target: uint64(in.Target), insn: i})

		case hostcode.GotoCond:
			a.cmp(pick(in.W, a64.ACMP, a64.ACMPW), ra, rb)
			skip := a.branch(branchOf[in.Cond.Invert()])
			stubs = append(stubs, exitStub{site: a.branch(a64.AB), slot: 0, target: uint64(in.Target), insn: i})
			a.bind(skip)
			stubs = append(stubs, exitStub{site: a.branch(a64.AB), slot: 1, target: uint64(in.Alt), insn: i})

		case hostcode.GotoInd:
			a.store(a64.AMOVD, ra, ContextReg, hostcode.FrameExitPC)
			a.movi(0, hostcode.ExitCodeIndirect)
			a.ret()

		case hostcode.Raise:
			a.movi(scratch0, uint64(in.Target))
			a.store(a64.AMOVD, scratch0, ContextReg, hostcode.FrameExitPC)
			a.movi(scratch0, uint64(in.Aux))
			a.store(a64.AMOVD, scratch0, ContextReg, hostcode.FrameExitAux)
			a.movi(0, uint64(hostcode.ExitCodeRaise)|uint64(in.Imm)<<8)
			a.ret()

		case hostcode.Stop:
			a.movi(scratch0, uint64(in.Target))
			a.store(a64.AMOVD, scratch0, ContextReg, hostcode.FrameExitPC)
			a.movi(0, hostcode.ExitCodeStop)
			a.ret()

		default:
			return nil, fmt.Errorf("no arm64 encoding for %s", in.Op)
		}
	}

	if len(pending) > 0 {
		a.bind(pending...)
		a.movi(0, hostcode.ExitCodePending)
		a.ret()
	}
	for _, s := range stubs {
		a.bind(s.site)
		a.movi(scratch0, s.target)
		a.store(a64.AMOVD, scratch0, ContextReg, hostcode.FrameExitPC)
		a.movi(0, uint64(hostcode.ExitCodeChain+s.slot))
		a.ret()
	}

	out := gb.Assemble()

	for k := range code.Relocs {
		r := &code.Relocs[k]
		r.NativeOffset = -1
		for _, s := range stubs {
			if s.insn == r.Offset && s.slot == r.Slot {
				r.NativeOffset = int(s.site.Pc)
			}
		}
		if r.NativeOffset < 0 {
			return nil, fmt.Errorf("relocation for slot %d at insn %d has no site", r.Slot, r.Offset)
		}
	}
	return &hostcode.Native{Arch: e.Arch(), Bytes: out}, nil
}

// tlbLookup emits the soft TLB probe for a size-byte access at the address
// in addr, leaving the entry pointer in scratch1. It returns the branches
// taken on a miss. Accesses that cross a page always miss.
func (e *Encoder) tlbLookup(a *builder, addr, size int, perm uint64) []*obj.Prog {
	var miss []*obj.Prog
	if size > 1 {
		a.rri(a64.AAND, scratch0, addr, constants.PageSize-1)
		a.movi(scratch1, uint64(constants.PageSize-size))
		a.cmp(a64.ACMP, scratch0, scratch1)
		miss = append(miss, a.branch(a64.ABHI))
	}

	a.rri(a64.ALSR, scratch0, addr, constants.PageBits)
	a.load(a64.AMOVD, scratch1, ContextReg, hostcode.FrameTLBMask)
	a.rrr(a64.AAND, scratch1, scratch0, scratch1)
	a.rri(a64.ALSL, scratch1, scratch1, 5) // * TLBEntrySize
	a.load(a64.AMOVD, scratch2, ContextReg, hostcode.FrameTLB)
	a.rrr(a64.AADD, scratch1, scratch2, scratch1)

	a.load(a64.AMOVD, scratch2, scratch1, hostcode.TLBEntryVPN)
	a.cmp(a64.ACMP, scratch2, scratch0)
	vpnMiss := a.branch(a64.ABNE)

	a.load(a64.AMOVWU, scratch0, ContextReg, hostcode.FrameTLBGen)
	a.load(a64.AMOVWU, scratch2, scratch1, hostcode.TLBEntryGen)
	a.cmp(a64.ACMPW, scratch2, scratch0)
	genMiss := a.branch(a64.ABNE)

	a.load(a64.AMOVD, scratch2, scratch1, hostcode.TLBEntryTag)
	a.rri(a64.AAND, scratch2, scratch2, int64(perm))
	permMiss := a.cbz(a64.ACBZ, scratch2)

	return append(miss, vpnMiss, genMiss, permMiss)
}

func (e *Encoder) saveRegs(a *builder) {
	a.load(a64.AMOVD, scratch2, ContextReg, hostcode.FrameSave)
	for k, r := range callerSaved {
		a.store(a64.AMOVD, r, scratch2, int64(k*8))
	}
}

func (e *Encoder) restoreRegs(a *builder) {
	a.load(a64.AMOVD, scratch2, ContextReg, hostcode.FrameSave)
	for k, r := range callerSaved {
		a.load(a64.AMOVD, r, scratch2, int64(k*8))
	}
}

func boolBit(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}

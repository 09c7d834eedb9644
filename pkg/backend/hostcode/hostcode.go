// Package hostcode holds the output of the backend: a threaded host
// instruction stream over physical registers, its relocation records and,
// on hosts with an encoder, the native machine code for the same block.
package hostcode

import (
	"fmt"
	"strings"

	"xlate/pkg/ir"
	"xlate/pkg/types"
)

// Reg is a physical host register number. General-purpose and vector
// registers are numbered independently; an instruction's width selects the file.
type Reg uint8

// Op is a host operation.
type Op uint8

const (
	MovI Op = iota
	Mov
	Add
	Sub
	Mul
	DivU
	RemU
	And
	Or
	Xor
	AndC
	Shl
	Shr
	Sar
	Rotl
	Rotr
	Neg
	Not
	SetCond
	Select
	ZExt
	SExt
	Trunc
	LdState // Rd = env[Imm]
	StState // env[Imm] = Ra
	Load    // Rd = mem[Ra], Size bytes
	Store   // mem[Ra] = Rb, Size bytes
	Call    // Rd = helper Imm (Ra, Rb, Rc), NArgs used
	Spill   // spill[Imm] = Ra
	Fill    // Rd = spill[Imm]
	Mark    // guest instruction boundary, Imm = pc, Size = length
	Check   // block prologue: leave if the context has pending work
	Goto    // chain slot Slot, target Target
	GotoCond
	GotoInd
	Raise // code Imm, pc Target, aux Aux
	Stop  // pc Target
	numOps
)

var opNames = [numOps]string{
	"movi", "mov", "add", "sub", "mul", "divu", "remu", "and", "or", "xor", "andc",
	"shl", "shr", "sar", "rotl", "rotr", "neg", "not", "setcond", "select",
	"zext", "sext", "trunc", "ld_state", "st_state", "load", "store", "call",
	"spill", "fill", "mark", "check", "goto", "goto_cond", "goto_ind", "raise", "stop",
}

func (o Op) String() string {
	if o < numOps {
		return opNames[o]
	}
	return fmt.Sprintf("hop(%d)", uint8(o))
}

// IsExit reports whether o leaves the block.
func (o Op) IsExit() bool {
	return o >= Goto && o < numOps
}

// Insn is one threaded host instruction. Unused fields are zero.
type Insn struct {
	Op     Op
	W      ir.Width
	Cond   ir.Cond
	Signed bool
	Size   uint8 // memory access size in bytes, or guest instruction length for Mark
	NArgs  uint8
	Slot   uint8 // chain slot of Goto; GotoCond uses 0 (taken) and 1 (fall-through)
	Rd     Reg
	Ra     Reg
	Rb     Reg
	Rc     Reg
	Imm    int64
	Aux    int64
	Target types.GuestAddr
	Alt    types.GuestAddr // GotoCond fall-through target
}

// Vector reports whether the instruction operates on the vector file.
func (in *Insn) Vector() bool { return in.W == ir.W128 }

func (in Insn) String() string {
	r := func(n Reg) string {
		if in.W == ir.W128 {
			return fmt.Sprintf("v%d", n)
		}
		return fmt.Sprintf("r%d", n)
	}
	switch in.Op {
	case MovI:
		return fmt.Sprintf("movi.%d %s, %#x", in.W, r(in.Rd), uint64(in.Imm))
	case Mov, Neg, Not, ZExt, SExt, Trunc:
		return fmt.Sprintf("%s.%d %s, %s", in.Op, in.W, r(in.Rd), r(in.Ra))
	case SetCond:
		return fmt.Sprintf("setcond.%s.%d %s, %s, %s", in.Cond, in.W, r(in.Rd), r(in.Ra), r(in.Rb))
	case Select:
		return fmt.Sprintf("select.%d %s, r%d ? %s : %s", in.W, r(in.Rd), in.Rc, r(in.Ra), r(in.Rb))
	case LdState:
		return fmt.Sprintf("ld_state.%d %s, [ctx+%d]", in.W, r(in.Rd), in.Imm)
	case StState:
		return fmt.Sprintf("st_state.%d [ctx+%d], %s", in.W, in.Imm, r(in.Ra))
	case Load:
		sign := "u"
		if in.Signed {
			sign = "s"
		}
		return fmt.Sprintf("load%d%s %s, [r%d]", in.Size, sign, r(in.Rd), in.Ra)
	case Store:
		return fmt.Sprintf("store%d [r%d], %s", in.Size, in.Ra, r(in.Rb))
	case Call:
		return fmt.Sprintf("call r%d, helper%d/%d (r%d, r%d, r%d)", in.Rd, in.Imm, in.NArgs, in.Ra, in.Rb, in.Rc)
	case Spill:
		return fmt.Sprintf("spill.%d [slot%d], %s", in.W, in.Imm, r(in.Ra))
	case Fill:
		return fmt.Sprintf("fill.%d %s, [slot%d]", in.W, r(in.Rd), in.Imm)
	case Mark:
		return fmt.Sprintf("---- %s +%d", types.GuestAddr(in.Imm), in.Size)
	case Check:
		return "check"
	case Goto:
		return fmt.Sprintf("goto slot%d -> %s", in.Slot, in.Target)
	case GotoCond:
		return fmt.Sprintf("goto_cond.%s r%d, r%d slot0 -> %s, slot1 -> %s", in.Cond, in.Ra, in.Rb, in.Target, in.Alt)
	case GotoInd:
		return fmt.Sprintf("goto_ind r%d", in.Ra)
	case Raise:
		return fmt.Sprintf("raise %d at %s aux %#x", in.Imm, in.Target, in.Aux)
	case Stop:
		return fmt.Sprintf("stop at %s", in.Target)
	default:
		return fmt.Sprintf("%s.%d %s, %s, %s", in.Op, in.W, r(in.Rd), r(in.Ra), r(in.Rb))
	}
}

// RelocKind says how a chain slot is patched.
type RelocKind uint8

const (
	RelocDirect RelocKind = iota // unconditional direct exit
	RelocCondTaken
	RelocCondFallthrough
)

func (k RelocKind) String() string {
	switch k {
	case RelocDirect:
		return "direct"
	case RelocCondTaken:
		return "cond-taken"
	default:
		return "cond-fallthrough"
	}
}

// Reloc is a patchable exit. Offset indexes Code.Insns; NativeOffset is the
// byte offset of the patch site in Native.Bytes, or -1 without native code.
// The slot's current target is owned by the translation cache.
type Reloc struct {
	Slot         int
	Kind         RelocKind
	Offset       int
	NativeOffset int
	Target       types.GuestAddr
}

// InsnStart maps a guest instruction to the first host instruction of its
// lowering.
type InsnStart struct {
	PC    types.GuestAddr
	Len   int
	Index int
}

// Native is the machine code for a block on hosts with an encoder.
type Native struct {
	Arch  string
	Bytes []byte
}

// Code is one compiled block.
type Code struct {
	Insns      []Insn
	Relocs     []Reloc
	Starts     []InsnStart
	SpillSlots int
	Native     *Native
}

// Size is the number of host bytes the block accounts for. Blocks without
// native code are charged a fixed size per threaded instruction.
func (c *Code) Size() int {
	if c.Native != nil {
		return len(c.Native.Bytes)
	}
	return len(c.Insns) * ThreadedInsnSize
}

// ThreadedInsnSize is the nominal byte cost of one threaded instruction.
const ThreadedInsnSize = 16

// StartFor returns the guest instruction containing host instruction i.
func (c *Code) StartFor(i int) (InsnStart, bool) {
	var found InsnStart
	ok := false
	for _, s := range c.Starts {
		if s.Index > i {
			break
		}
		found, ok = s, true
	}
	return found, ok
}

func (c *Code) String() string {
	var sb strings.Builder
	for i, in := range c.Insns {
		fmt.Fprintf(&sb, "%4d  %s\n", i, in)
	}
	for _, r := range c.Relocs {
		fmt.Fprintf(&sb, "reloc slot%d %s insn=%d native=%d -> %s\n", r.Slot, r.Kind, r.Offset, r.NativeOffset, r.Target)
	}
	return sb.String()
}

// Encoder produces native machine code for a host.
type Encoder interface {
	Arch() string
	// Encode lowers code and fills in NativeOffset for every relocation.
	Encode(code *Code) (*Native, error)
	// Link rewrites the chain site at buf[site:] so that it jumps from
	// siteAddr to targetAddr.
	Link(buf []byte, site int, siteAddr, targetAddr uintptr) error
	// SiteLen is the number of bytes Link rewrites.
	SiteLen() int
}

// Layout of the context frame addressed by the context register in native
// code. All fields are 8 bytes wide.
//
// The slow-path helpers take the guest address in the first argument
// register, the access size (with bit 8 set for a signed load) in the
// second and a store's value in the third. A load returns the value
// extended to 64 bits. They preserve every register the allocator hands
// out. A helper whose access faults does not return: the executor leaves
// the block and reports a memory fault at FrameInsnPC.
const (
	FramePending   = 0  // non-zero when the block must leave at its prologue
	FrameEnv       = 8  // pointer to the guest state words
	FrameSpill     = 16 // pointer to the spill slots, 16 bytes each
	FrameTLB       = 24 // pointer to the soft TLB entries
	FrameTLBMask   = 32 // number of TLB sets minus one
	FrameTLBGen    = 40 // current TLB generation
	FrameHelpers   = 48 // pointer to the helper table
	FrameSlowLoad  = 56 // slow-path load helper
	FrameSlowStore = 64 // slow-path store helper
	FrameExitPC    = 72 // guest PC reported by an exit
	FrameExitAux   = 80 // exception aux value
	FrameInsnPC    = 88 // guest PC of the instruction being executed
	FrameSave      = 96 // pointer to a register save area used around calls
)

// Native TLB entry layout; entries are TLBEntrySize bytes apart.
const (
	TLBEntrySize   = 32
	TLBEntryVPN    = 0
	TLBEntryAddend = 8
	TLBEntryTag    = 16 // frame<<3 | permission bits
	TLBEntryGen    = 24
)

// Exit codes returned by native blocks.
const (
	ExitCodeIndirect = 1
	ExitCodePending  = 2
	ExitCodeRaise    = 3 // exception code in bits 8 and up
	ExitCodeStop     = 4
	ExitCodeChain    = 8 // plus the chain slot
)

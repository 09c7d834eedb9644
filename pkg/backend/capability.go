package backend

import (
	"fmt"
	"runtime"
	"strings"

	"xlate/pkg/backend/hostcode"
	"xlate/pkg/constants"
	xerrors "xlate/pkg/errors"
	"xlate/pkg/ir"
)

// HostArch selects one capability descriptor for the whole process.
type HostArch int

const (
	HostGeneric HostArch = iota
	HostAMD64
	HostARM64
	HostRISCV64
)

func (a HostArch) String() string {
	switch a {
	case HostAMD64:
		return "amd64"
	case HostARM64:
		return "arm64"
	case HostRISCV64:
		return "riscv64"
	default:
		return "generic"
	}
}

// ParseHostArch parses a host name as accepted by XLATE_HOST and -host.
func ParseHostArch(s string) (HostArch, error) {
	switch strings.ToLower(s) {
	case "amd64", "x86_64", "x86-64":
		return HostAMD64, nil
	case "arm64", "aarch64":
		return HostARM64, nil
	case "riscv64", "rv64":
		return HostRISCV64, nil
	case "generic", "":
		return HostGeneric, nil
	default:
		return 0, xerrors.ConfigErrorf("unsupported host architecture %q (supported: amd64, arm64, riscv64, generic)", s)
	}
}

// NativeHostArch maps runtime.GOARCH onto a host.
func NativeHostArch() HostArch {
	switch runtime.GOARCH {
	case "amd64":
		return HostAMD64
	case "arm64":
		return HostARM64
	case "riscv64":
		return HostRISCV64
	default:
		return HostGeneric
	}
}

// RegisterFile is the shape of a host register file as seen by the allocator.
type RegisterFile struct {
	GP         int          // general-purpose registers including reserved ones
	Vec        int          // 128-bit vector registers
	Width      int          // GP register width in bits
	ContextReg hostcode.Reg // holds the execution-context pointer
	Reserved   []hostcode.Reg
	CallArgs   int // helper arguments passed in registers
}

// Allocatable returns the GP registers the allocator may hand out, in
// preference order.
func (rf RegisterFile) Allocatable() []hostcode.Reg {
	regs := make([]hostcode.Reg, 0, rf.GP)
	for r := 0; r < rf.GP; r++ {
		reg := hostcode.Reg(r)
		if reg == rf.ContextReg || rf.reserved(reg) {
			continue
		}
		regs = append(regs, reg)
	}
	return regs
}

func (rf RegisterFile) reserved(r hostcode.Reg) bool {
	for _, x := range rf.Reserved {
		if x == r {
			return true
		}
	}
	return false
}

// SynthRule expands one op into a sequence of simpler ops. The last op of
// the sequence must define op.Result. newTemp allocates fresh temps.
type SynthRule func(op ir.Op, newTemp func(ir.Width) ir.Temp) []ir.Op

// Descriptor is the per-host capability table. It is built once and
// treated as read-only afterwards.
type Descriptor struct {
	Arch    HostArch
	Regs    RegisterFile
	native  [ir.NumOpcodes]bool
	rules   [ir.NumOpcodes]SynthRule
	Encoder hostcode.Encoder // nil on hosts without a native encoder
}

// Supports reports whether op is lowered directly.
func (d *Descriptor) Supports(op ir.Opcode) bool {
	return int(op) < len(d.native) && d.native[op]
}

// HasSynthesis reports whether an expansion rule is registered for op.
func (d *Descriptor) HasSynthesis(op ir.Opcode) bool {
	return int(op) < len(d.rules) && d.rules[op] != nil
}

// Synthesize expands op one level using the registered rule.
func (d *Descriptor) Synthesize(op ir.Op, newTemp func(ir.Width) ir.Temp) ([]ir.Op, bool) {
	if !d.HasSynthesis(op.Opcode) {
		return nil, false
	}
	return d.rules[op.Opcode](op, newTemp), true
}

// RegisterFileShape returns the host register file shape.
func (d *Descriptor) RegisterFileShape() RegisterFile {
	return d.Regs
}

// Validate checks that every opcode is either native or reduces to native
// ops within MaxSynthesisDepth expansions, and that the register file can
// hold the operands of any single op.
func (d *Descriptor) Validate() error {
	if n := len(d.Regs.Allocatable()); n < minAllocatable {
		return xerrors.ConfigErrorf("%s: %d allocatable registers, need at least %d", d.Arch, n, minAllocatable)
	}
	if int(d.Regs.ContextReg) >= d.Regs.GP {
		return xerrors.ConfigErrorf("%s: context register r%d outside the register file", d.Arch, d.Regs.ContextReg)
	}
	if d.Regs.CallArgs < maxHelperArgs {
		return xerrors.ConfigErrorf("%s: %d helper argument registers, need %d", d.Arch, d.Regs.CallArgs, maxHelperArgs)
	}
	for _, op := range ir.AllOpcodes() {
		if d.Supports(op) {
			continue
		}
		if !d.HasSynthesis(op) {
			return xerrors.ConfigErrorf("%s: opcode %s is neither supported nor synthesizable", d.Arch, op)
		}
		for _, w := range sampleWidths {
			if err := d.checkExpansion(sampleOp(op, w), 1); err != nil {
				return err
			}
		}
	}
	return nil
}

func (d *Descriptor) checkExpansion(op ir.Op, depth int) error {
	if depth > constants.MaxSynthesisDepth {
		return xerrors.ConfigErrorf("%s: synthesis of %s does not terminate within %d levels", d.Arch, op.Opcode, constants.MaxSynthesisDepth)
	}
	next := int32(1000)
	seq, _ := d.Synthesize(op, func(w ir.Width) ir.Temp {
		next++
		return ir.Temp{ID: next, Width: w}
	})
	if len(seq) == 0 || seq[len(seq)-1].Result != op.Result {
		return xerrors.ConfigErrorf("%s: synthesis of %s does not define its result", d.Arch, op.Opcode)
	}
	for _, sub := range seq {
		if d.Supports(sub.Opcode) {
			continue
		}
		if !d.HasSynthesis(sub.Opcode) {
			return xerrors.ConfigErrorf("%s: synthesis of %s produces unsupported %s", d.Arch, op.Opcode, sub.Opcode)
		}
		if err := d.checkExpansion(sub, depth+1); err != nil {
			return err
		}
	}
	return nil
}

var sampleWidths = []ir.Width{ir.W32, ir.W64}

// sampleOp builds a well-formed op for validation.
func sampleOp(op ir.Opcode, w ir.Width) ir.Op {
	a := ir.Temp{ID: 1, Width: w}
	b := ir.Temp{ID: 2, Width: w}
	c := ir.Temp{ID: 3, Width: w}
	r := ir.Temp{ID: 4, Width: w}
	switch op {
	case ir.OpMovI:
		return ir.Op{Opcode: op, Result: r, Args: []ir.Operand{ir.Imm(1)}}
	case ir.OpSelect:
		return ir.Op{Opcode: op, Result: r, Args: []ir.Operand{ir.T(c), ir.T(a), ir.T(b)}}
	case ir.OpSetCond:
		return ir.Op{Opcode: op, Result: r, Args: []ir.Operand{ir.Imm(int64(ir.CondNE)), ir.T(a), ir.T(b)}}
	case ir.OpMov, ir.OpNeg, ir.OpNot, ir.OpZExt, ir.OpSExt, ir.OpTrunc:
		return ir.Op{Opcode: op, Result: r, Args: []ir.Operand{ir.T(a)}}
	default:
		return ir.Op{Opcode: op, Result: r, Args: []ir.Operand{ir.T(a), ir.T(b)}}
	}
}

const (
	maxHelperArgs  = 3
	minAllocatable = maxHelperArgs + 2
)

func (d *Descriptor) String() string {
	var native, synth []string
	for _, op := range ir.AllOpcodes() {
		switch {
		case d.Supports(op):
			native = append(native, op.String())
		case d.HasSynthesis(op):
			synth = append(synth, op.String())
		}
	}
	return fmt.Sprintf("%s gp=%d vec=%d ctx=r%d native=[%s] synthesized=[%s]",
		d.Arch, d.Regs.GP, d.Regs.Vec, d.Regs.ContextReg, strings.Join(native, " "), strings.Join(synth, " "))
}

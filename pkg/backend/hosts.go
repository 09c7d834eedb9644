package backend

import (
	"xlate/pkg/backend/amd64"
	"xlate/pkg/backend/arm64"
	"xlate/pkg/backend/hostcode"
	"xlate/pkg/ir"
)

var baseOps = []ir.Opcode{
	ir.OpMov, ir.OpMovI, ir.OpAdd, ir.OpSub, ir.OpMul, ir.OpDivU,
	ir.OpAnd, ir.OpOr, ir.OpXor, ir.OpShl, ir.OpShr, ir.OpSar,
	ir.OpSetCond, ir.OpZExt, ir.OpSExt, ir.OpTrunc,
	ir.OpLdState, ir.OpStState, ir.OpLoad, ir.OpStore, ir.OpCall, ir.OpInsnStart,
	ir.OpGoto, ir.OpGotoCond, ir.OpGotoIndirect, ir.OpRaise, ir.OpStop,
}

// NewDescriptor builds a descriptor from a native opcode list and a rule
// table. Callers must Validate it before use.
func NewDescriptor(arch HostArch, regs RegisterFile, native []ir.Opcode, rules map[ir.Opcode]SynthRule, enc hostcode.Encoder) *Descriptor {
	d := &Descriptor{Arch: arch, Regs: regs, Encoder: enc}
	for _, op := range native {
		d.native[op] = true
	}
	for op, rule := range rules {
		if !d.native[op] {
			d.rules[op] = rule
		}
	}
	return d
}

func with(extra ...ir.Opcode) []ir.Opcode {
	return append(append([]ir.Opcode(nil), baseOps...), extra...)
}

func newAMD64() *Descriptor {
	regs := RegisterFile{
		GP:         16,
		Vec:        15, // xmm15 is encoder scratch
		Width:      64,
		ContextReg: hostcode.Reg(amd64.ContextReg),
		Reserved:   amd64.ReservedRegs(),
		CallArgs:   6,
	}
	return NewDescriptor(HostAMD64, regs,
		with(ir.OpRemU, ir.OpRotl, ir.OpRotr, ir.OpNeg, ir.OpNot, ir.OpSelect),
		defaultRules, amd64.NewEncoder())
}

func newARM64() *Descriptor {
	regs := RegisterFile{
		GP:         32,
		Vec:        32,
		Width:      64,
		ContextReg: hostcode.Reg(arm64.ContextReg),
		Reserved:   arm64.ReservedRegs(),
		CallArgs:   8,
	}
	return NewDescriptor(HostARM64, regs,
		with(ir.OpAndC, ir.OpRotr, ir.OpNeg, ir.OpNot, ir.OpSelect),
		defaultRules, arm64.NewEncoder())
}

func newRISCV64() *Descriptor {
	regs := RegisterFile{
		GP:         32,
		Vec:        32,
		Width:      64,
		ContextReg: 9,
		Reserved:   []hostcode.Reg{0, 1, 2, 3, 4, 5, 6},
		CallArgs:   8,
	}
	return NewDescriptor(HostRISCV64, regs, with(ir.OpRemU), defaultRules, nil)
}

// The generic host backs the portable machine with a deliberately small
// register file and only the base operation set.
func newGeneric() *Descriptor {
	regs := RegisterFile{
		GP:         8,
		Vec:        4,
		Width:      64,
		ContextReg: 7,
		CallArgs:   3,
	}
	return NewDescriptor(HostGeneric, regs, baseOps, defaultRules, nil)
}

// Select returns the validated descriptor for arch.
func Select(arch HostArch) (*Descriptor, error) {
	var d *Descriptor
	switch arch {
	case HostAMD64:
		d = newAMD64()
	case HostARM64:
		d = newARM64()
	case HostRISCV64:
		d = newRISCV64()
	default:
		d = newGeneric()
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return d, nil
}

// ForHost returns the descriptor for the machine we are running on.
func ForHost() (*Descriptor, error) {
	return Select(NativeHostArch())
}

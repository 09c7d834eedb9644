package backend

import (
	"encoding/binary"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/arch/arm64/arm64asm"
	"golang.org/x/arch/x86/x86asm"

	"xlate/pkg/backend/amd64"
	"xlate/pkg/backend/arm64"
	"xlate/pkg/backend/hostcode"
	"xlate/pkg/constants"
	xerrors "xlate/pkg/errors"
	"xlate/pkg/ir"
)

func mustSelect(t *testing.T, arch HostArch) *Descriptor {
	t.Helper()
	d, err := Select(arch)
	if err != nil {
		t.Fatalf("Select(%s): %v", arch, err)
	}
	return d
}

func finalize(t *testing.T, b *ir.Builder) *ir.Block {
	t.Helper()
	blk, err := b.Finalize()
	if err != nil {
		t.Fatal(err)
	}
	return blk
}

func TestHostsValidate(t *testing.T) {
	for _, arch := range []HostArch{HostGeneric, HostAMD64, HostARM64, HostRISCV64} {
		d := mustSelect(t, arch)
		for _, op := range ir.AllOpcodes() {
			if !d.Supports(op) && !d.HasSynthesis(op) {
				t.Errorf("%s: %s has no lowering", arch, op)
			}
		}
	}
	if _, err := ParseHostArch("sparc"); err == nil {
		t.Error("ParseHostArch accepted sparc")
	}
	if a, err := ParseHostArch("x86_64"); err != nil || a != HostAMD64 {
		t.Errorf("ParseHostArch(x86_64) = %s, %v", a, err)
	}
}

func TestValidateRejectsBrokenDescriptors(t *testing.T) {
	regs := RegisterFile{GP: 8, Vec: 4, Width: 64, ContextReg: 7, CallArgs: 3}
	without := func(op ir.Opcode) map[ir.Opcode]SynthRule {
		rules := make(map[ir.Opcode]SynthRule)
		for k, v := range defaultRules {
			if k != op {
				rules[k] = v
			}
		}
		return rules
	}
	selfRecursive := without(ir.OpNeg)
	selfRecursive[ir.OpNeg] = func(op ir.Op, newTemp func(ir.Width) ir.Temp) []ir.Op {
		return []ir.Op{op}
	}
	noResult := without(ir.OpNot)
	noResult[ir.OpNot] = func(op ir.Op, newTemp func(ir.Width) ir.Temp) []ir.Op {
		return []ir.Op{movi(newTemp(op.Result.Width), 0)}
	}

	tests := []struct {
		name string
		d    *Descriptor
		want string
	}{
		{"missing rule", NewDescriptor(HostGeneric, regs, baseOps, without(ir.OpRotl), nil), "rotl"},
		{"no termination", NewDescriptor(HostGeneric, regs, baseOps, selfRecursive, nil), "does not terminate"},
		{"result undefined", NewDescriptor(HostGeneric, regs, baseOps, noResult, nil), "does not define"},
		{"too few registers", NewDescriptor(HostGeneric, RegisterFile{GP: 4, ContextReg: 3, CallArgs: 3}, baseOps, defaultRules, nil), "allocatable"},
		{"context register outside file", NewDescriptor(HostGeneric, RegisterFile{GP: 8, ContextReg: 9, CallArgs: 3}, baseOps, defaultRules, nil), "context register"},
		{"too few argument registers", NewDescriptor(HostGeneric, RegisterFile{GP: 8, ContextReg: 7, CallArgs: 2}, baseOps, defaultRules, nil), "argument"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.d.Validate()
			var ce *xerrors.ConfigError
			if !xerrors.As(err, &ce) {
				t.Fatalf("Validate() = %v, want a config error", err)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Validate() = %q, want mention of %q", err, tt.want)
			}
		})
	}
}

func rotateBlock(t *testing.T) *ir.Block {
	b := ir.NewBuilder(0x1000, 0)
	x := b.LdState(1, ir.W32)
	n := b.LdState(2, ir.W32)
	b.StState(3, b.Binary(ir.OpRotl, x, n))
	b.StState(4, b.Select(n, x, n))
	b.Goto(0x1004)
	return finalize(t, b)
}

func TestExpandUsesOnlyNativeOps(t *testing.T) {
	blk := rotateBlock(t)
	for _, arch := range []HostArch{HostGeneric, HostAMD64, HostARM64} {
		d := mustSelect(t, arch)
		xb, err := Expand(blk, d)
		if err != nil {
			t.Fatalf("%s: %v", arch, err)
		}
		for _, op := range xb.Ops {
			if !d.Supports(op.Opcode) {
				t.Errorf("%s: expanded block contains %s", arch, op.Opcode)
			}
		}
		if xb.Ops[len(xb.Ops)-1].Opcode != ir.OpGoto {
			t.Errorf("%s: terminator moved", arch)
		}
	}
	if len(blk.Ops) != 7 {
		t.Errorf("input block modified: %d ops", len(blk.Ops))
	}

	amd := mustSelect(t, HostAMD64)
	xb, _ := Expand(blk, amd)
	if len(xb.Ops) != len(blk.Ops) {
		t.Errorf("amd64 expanded natively supported ops: %d -> %d", len(blk.Ops), len(xb.Ops))
	}
}

func TestLiveness(t *testing.T) {
	b := ir.NewBuilder(0x1000, 0)
	x := b.MovI(ir.W64, 1)
	y := b.MovI(ir.W64, 2)
	dead := b.MovI(ir.W64, 3)
	s := b.Add(x, y)
	b.StState(0, s)
	b.StState(1, x)
	b.Goto(0x1004)
	lv := ComputeLiveness(finalize(t, b))

	got := []Interval{lv.Intervals[x.ID], lv.Intervals[y.ID], lv.Intervals[dead.ID], lv.Intervals[s.ID]}
	want := []Interval{
		{Temp: x, Def: 0, End: 5},
		{Temp: y, Def: 1, End: 3},
		{Temp: dead, Def: 2, End: 2},
		{Temp: s, Def: 3, End: 4},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("intervals (-want +got):\n%s", diff)
	}
	if lv.NextUseAfterDef(0) != 3 || lv.NextUseAfter(3, 0) != 5 || lv.NextUseAfter(3, 1) != Never {
		t.Errorf("next uses: def0=%d add.x=%d add.y=%d", lv.NextUseAfterDef(0), lv.NextUseAfter(3, 0), lv.NextUseAfter(3, 1))
	}
	if lv.NextUseAfterDef(2) != Never {
		t.Errorf("dead temp has a next use at %d", lv.NextUseAfterDef(2))
	}
}

// pressure defines n values and then sums them in definition order, so
// value i is next used later than value i-1.
func pressure(t *testing.T, n int) *ir.Block {
	b := ir.NewBuilder(0x1000, 0)
	var vals []ir.Temp
	for i := 0; i < n; i++ {
		vals = append(vals, b.MovI(ir.W64, int64(i)))
	}
	sum := vals[0]
	for _, v := range vals[1:] {
		sum = b.Add(sum, v)
	}
	b.StState(0, sum)
	b.Goto(0x1004)
	return finalize(t, b)
}

func TestSpillsFurthestNextUse(t *testing.T) {
	d := mustSelect(t, HostGeneric)
	nregs := len(d.Regs.Allocatable())
	code, err := Compile(pressure(t, nregs+1), d)
	if err != nil {
		t.Fatal(err)
	}

	valueReg := make(map[int64]hostcode.Reg)
	var spills []hostcode.Insn
	for _, in := range code.Insns {
		switch in.Op {
		case hostcode.MovI:
			valueReg[in.Imm] = in.Rd
		case hostcode.Spill:
			spills = append(spills, in)
		}
	}
	if len(spills) != 1 {
		t.Fatalf("%d spills, want 1:\n%s", len(spills), listing(code))
	}
	if want := valueReg[int64(nregs-1)]; spills[0].Ra != want {
		t.Errorf("spilled r%d, want r%d holding the value used last", spills[0].Ra, want)
	}
	if code.SpillSlots != 1 {
		t.Errorf("SpillSlots = %d, want 1", code.SpillSlots)
	}
}

func TestTooManyLiveValues(t *testing.T) {
	d := mustSelect(t, HostGeneric)
	_, err := Compile(pressure(t, 64), d)
	var te *xerrors.TranslationError
	if !xerrors.As(err, &te) || te.Reason != xerrors.ReasonTooLarge {
		t.Fatalf("err = %v, want too large", err)
	}
}

func TestContextRegisterNeverAllocated(t *testing.T) {
	for _, arch := range []HostArch{HostGeneric, HostAMD64, HostARM64} {
		d := mustSelect(t, arch)
		code, err := Compile(pressure(t, 20), d)
		if err != nil {
			t.Fatalf("%s: %v", arch, err)
		}
		for _, in := range code.Insns {
			if in.Op == hostcode.MovI || in.Op == hostcode.Add || in.Op == hostcode.Fill {
				if in.Rd == d.Regs.ContextReg || d.Regs.reserved(in.Rd) {
					t.Errorf("%s: %s writes a reserved register", arch, in)
				}
			}
		}
	}
}

func TestCompileRejectsUnterminatedBlock(t *testing.T) {
	blk := &ir.Block{PC: 0x1000, Ops: []ir.Op{{Opcode: ir.OpMovI, Result: ir.Temp{ID: 1, Width: ir.W64}, Args: []ir.Operand{ir.Imm(1)}}}}
	_, err := Compile(blk, mustSelect(t, HostGeneric))
	var te *xerrors.TranslationError
	if !xerrors.As(err, &te) || te.Reason != xerrors.ReasonBackend {
		t.Errorf("err = %v, want a backend failure", err)
	}
}

func condBlock(t *testing.T) *ir.Block {
	b := ir.NewBuilder(0x1000, 0)
	b.InsnStart(0x1000, 4)
	x := b.LdState(1, ir.W32)
	y := b.LdState(2, ir.W32)
	b.GotoCond(ir.CondLTU, x, y, 0x2000, 0x1004)
	return finalize(t, b)
}

func TestRelocations(t *testing.T) {
	code, err := Compile(condBlock(t), mustSelect(t, HostGeneric))
	if err != nil {
		t.Fatal(err)
	}
	want := []hostcode.Reloc{
		{Slot: 0, Kind: hostcode.RelocCondTaken, Offset: len(code.Insns) - 1, NativeOffset: -1, Target: 0x2000},
		{Slot: 1, Kind: hostcode.RelocCondFallthrough, Offset: len(code.Insns) - 1, NativeOffset: -1, Target: 0x1004},
	}
	if diff := cmp.Diff(want, code.Relocs); diff != "" {
		t.Errorf("relocs (-want +got):\n%s", diff)
	}
	if code.Insns[0].Op != hostcode.Check {
		t.Errorf("first instruction = %s, want check", code.Insns[0])
	}
	if s, ok := code.StartFor(len(code.Insns) - 1); !ok || s.PC != 0x1000 {
		t.Errorf("StartFor(exit) = %+v, %v", s, ok)
	}
}

func TestNativeChainSites(t *testing.T) {
	for _, arch := range []HostArch{HostAMD64, HostARM64} {
		d := mustSelect(t, arch)
		code, err := Compile(condBlock(t), d)
		if err != nil {
			t.Fatalf("%s: %v", arch, err)
		}
		buf := append([]byte(nil), code.Native.Bytes...)
		for _, r := range code.Relocs {
			if r.NativeOffset < 0 || r.NativeOffset+d.Encoder.SiteLen() > len(buf) {
				t.Fatalf("%s: slot %d site at %d of %d bytes", arch, r.Slot, r.NativeOffset, len(buf))
			}
		}

		const base = 0x10000
		site := code.Relocs[0].NativeOffset
		if err := d.Encoder.Link(buf, site, base+uintptr(site), base+0x400); err != nil {
			t.Fatalf("%s: %v", arch, err)
		}
		switch arch {
		case HostAMD64:
			rel := int32(binary.LittleEndian.Uint32(buf[site+1:]))
			if buf[site] != 0xE9 || int(rel) != 0x400-site-5 {
				t.Errorf("amd64 site = % x", buf[site:site+5])
			}
		case HostARM64:
			w := binary.LittleEndian.Uint32(buf[site:])
			if w>>26 != 0x05 || int(w&0x3ffffff)*4 != 0x400-site {
				t.Errorf("arm64 site = %#08x", w)
			}
		}
		if err := d.Encoder.Link(buf, len(buf), 0, 0); err == nil {
			t.Errorf("%s: linked a site outside the block", arch)
		}
	}
}

// decodeBlock exercises every encoder path: memory access with its slow
// path, division, helper calls, vector ops and a raise.
func decodeBlock(t *testing.T) *ir.Block {
	b := ir.NewBuilder(0x1000, 0)
	b.InsnStart(0x1000, 4)
	x := b.LdState(1, ir.W32)
	y := b.LdState(2, ir.W64)
	addr := b.ZExt(x, ir.W64)
	v := b.Load(addr, 4, true, ir.W32)
	b.Store(addr, b.Binary(ir.OpRotr, v, x), 2)
	q := b.Binary(ir.OpDivU, y, b.ZExt(v, ir.W64))
	r := b.Binary(ir.OpRemU, y, q)
	c := b.SetCond(ir.CondGTS, x, v, ir.W32)
	b.StState(3, b.Select(c, q, r))
	b.StState(4, b.Call(0, true, q, r))
	vx := b.LdState(8, ir.W128)
	b.StState(10, b.Xor(vx, b.LdState(12, ir.W128)))
	b.Raise(2, 0x1000, 7)
	return finalize(t, b)
}

func TestAMD64CodeDecodes(t *testing.T) {
	code, err := Compile(decodeBlock(t), mustSelect(t, HostAMD64))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := amd64.Decode(code.Native.Bytes); err != nil {
		t.Errorf("native code does not decode: %v\n%s", err, amd64.Disassemble(code.Native.Bytes))
	}
}

func TestARM64CodeDecodes(t *testing.T) {
	for name, blk := range map[string]*ir.Block{"mixed": decodeBlock(t), "branch": condBlock(t)} {
		code, err := Compile(blk, mustSelect(t, HostARM64))
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		buf := code.Native.Bytes
		insts, err := arm64.Decode(buf)
		if err != nil {
			t.Fatalf("%s: native code does not decode: %v\n%s", name, err, arm64.Disassemble(buf))
		}

		seen := make(map[arm64asm.Op]bool)
		for i, inst := range insts {
			seen[inst.Op] = true
			for _, arg := range inst.Args {
				rel, ok := arg.(arm64asm.PCRel)
				if !ok {
					continue
				}
				if target := 4*i + int(rel); target < 0 || target >= len(buf) {
					t.Errorf("%s: %s at %#x leaves the block", name, inst, 4*i)
				}
			}
		}
		for _, r := range code.Relocs {
			if op := insts[r.NativeOffset/4].Op; op != arm64asm.B {
				t.Errorf("%s: chain site %d is %s, want B", name, r.Slot, op)
			}
		}
		if name != "mixed" {
			continue
		}
		for _, op := range []arm64asm.Op{arm64asm.UDIV, arm64asm.CBZ, arm64asm.CBNZ, arm64asm.BLR, arm64asm.RET, arm64asm.CSEL} {
			if !seen[op] {
				t.Errorf("no %s in the listing:\n%s", op, arm64.Disassemble(buf))
			}
		}
	}
}

// A multi-byte access whose offset leaves too little of the page goes to
// the slow path before the TLB is consulted; a byte access never crosses.
func TestWideAccessesCheckPageEnd(t *testing.T) {
	b := ir.NewBuilder(0x1000, 0)
	b.InsnStart(0x1000, 4)
	addr := b.LdState(1, ir.W64)
	b.StState(2, b.Load(addr, 8, false, ir.W64))
	b.StState(3, b.Load(addr, 1, false, ir.W64))
	b.Store(addr, b.LdState(4, ir.W64), 2)
	b.Stop(0x1004)
	blk := finalize(t, b)

	code, err := Compile(blk, mustSelect(t, HostAMD64))
	if err != nil {
		t.Fatal(err)
	}
	insts, err := amd64.Decode(code.Native.Bytes)
	if err != nil {
		t.Fatal(err)
	}
	limits := make(map[int64]int)
	for _, inst := range insts {
		if imm, ok := inst.Args[1].(x86asm.Imm); ok && inst.Op == x86asm.CMP {
			limits[int64(imm)]++
		}
	}
	if diff := cmp.Diff(map[int64]int{constants.PageSize - 8: 1, constants.PageSize - 2: 1}, limits); diff != "" {
		t.Errorf("amd64 page-end checks (-want +got):\n%s", diff)
	}

	code, err = Compile(blk, mustSelect(t, HostARM64))
	if err != nil {
		t.Fatal(err)
	}
	arm, err := arm64.Decode(code.Native.Bytes)
	if err != nil {
		t.Fatal(err)
	}
	hi := 0
	for _, inst := range arm {
		if c, ok := inst.Args[0].(arm64asm.Cond); ok && inst.Op == arm64asm.B && c.String() == "HI" {
			hi++
		}
	}
	if hi != 2 {
		t.Errorf("arm64 has %d page-end branches, want 2:\n%s", hi, arm64.Disassemble(code.Native.Bytes))
	}
}

func listing(code *hostcode.Code) string {
	var sb strings.Builder
	for _, in := range code.Insns {
		sb.WriteString(in.String())
		sb.WriteByte('\n')
	}
	return sb.String()
}

package cpu

import (
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"

	"xlate/pkg/backend"
	"xlate/pkg/backend/hostcode"
	"xlate/pkg/constants"
	xerrors "xlate/pkg/errors"
	"xlate/pkg/ir"
	"xlate/pkg/ram"
	"xlate/pkg/tcache"
	"xlate/pkg/types"
)

// Addresses the native frame and its tables live at. Guest frames occupy
// host addresses from zero.
const (
	frameBase  = 0x7f00_0000_0000
	envBase    = 0x7f00_0010_0000
	spillBase  = 0x7f00_0020_0000
	tlbBase    = 0x7f00_0030_0000
	helperBase = 0x7f00_0040_0000
	stackBase  = 0x7f00_0050_0000
	stackSize  = 0x1000

	returnAddr    = 0x7ff0_0000_0000
	slowLoadAddr  = 0x7ff0_0000_0010
	slowStoreAddr = 0x7ff0_0000_0020
	helperFnBase  = 0x7ff0_0000_1000 // 16 bytes per helper
)

// nativeRun is the result of running a block's amd64 code.
type nativeRun struct {
	Exit Exit
	Slow int // slow-path memory accesses taken
}

// clobber overwrites registers a callee may use freely.
func clobber(e *x86, regs ...int) {
	for _, r := range regs {
		e.gp[r] = 0xC10B_BE2E_D000_0000 | uint64(r)
	}
}

// runNative executes the amd64 code of b against c, building the context
// frame from c and mapping the returned exit code the way a native
// executor does.
func runNative(t *testing.T, c *Context, b *tcache.Block) nativeRun {
	t.Helper()
	native := b.Code.Native
	if native == nil || native.Arch != "amd64" {
		t.Fatalf("%s has no amd64 code", b)
	}
	m := NewMachine()
	var (
		run                     nativeRun
		exitPC, exitAux, insnPC uint64
		left                    *Exit
	)

	frame := func(i int) uint64 {
		switch i * 8 {
		case hostcode.FramePending:
			if c.hasWork() {
				return 1
			}
			return 0
		case hostcode.FrameEnv:
			return envBase
		case hostcode.FrameSpill:
			return spillBase
		case hostcode.FrameTLB:
			return tlbBase
		case hostcode.FrameTLBMask:
			return c.TLB.Mask()
		case hostcode.FrameTLBGen:
			return uint64(c.TLB.Generation())
		case hostcode.FrameHelpers:
			return helperBase
		case hostcode.FrameSlowLoad:
			return slowLoadAddr
		case hostcode.FrameSlowStore:
			return slowStoreAddr
		case hostcode.FrameExitPC:
			return exitPC
		case hostcode.FrameExitAux:
			return exitAux
		case hostcode.FrameInsnPC:
			return insnPC
		}
		return 0
	}
	setFrame := func(i int, v uint64) {
		switch i * 8 {
		case hostcode.FrameExitPC:
			exitPC = v
		case hostcode.FrameExitAux:
			exitAux = v
		case hostcode.FrameInsnPC:
			insnPC = v
		default:
			t.Fatalf("native code wrote frame offset %d", i*8)
		}
	}

	entries := c.TLB.Entries()
	tlbWord := func(i int) uint64 {
		e := &entries[i/4]
		switch i % 4 {
		case 0:
			return e.VPN
		case 1:
			return e.Addend
		case 2:
			return e.Tag.Load()
		default:
			return uint64(e.Gen)
		}
	}

	fault := func(f *xerrors.GuestFault) {
		pc := types.GuestAddr(insnPC)
		left = &Exit{Kind: ExitException, PC: pc, Slot: -1, Exception: MemoryFault(pc, f)}
	}

	e := &x86{
		t:    t,
		code: native.Bytes,
		ret:  returnAddr,
		mem: []*region{
			{
				base:  0,
				size:  c.Mem.NumFrames() * constants.PageSize,
				paged: true,
				get:   func(off uint64) byte { return byte(c.Mem.Load(types.HostAddr(off), 1)) },
				set:   func(off uint64, v byte) { c.Mem.Store(types.HostAddr(off), 1, uint64(v)) },
			},
			wordsRegion(frameBase, hostcode.FrameSave/8+1, frame, setFrame),
			wordsRegion(envBase, len(c.Env), func(i int) uint64 { return c.Env[i] }, func(i int, v uint64) { c.Env[i] = v }),
			wordsRegion(spillBase, 2*len(c.spill),
				func(i int) uint64 { return c.spill[i/2][i%2] },
				func(i int, v uint64) { c.spill[i/2][i%2] = v }),
			wordsRegion(tlbBase, 4*len(entries), tlbWord, nil),
			wordsRegion(helperBase, len(c.Helpers), func(i int) uint64 { return helperFnBase + 16*uint64(i) }, nil),
			bytesRegion(stackBase, make([]byte, stackSize)),
		},
		calls: map[uint64]func(*x86) bool{
			slowLoadAddr: func(e *x86) bool {
				run.Slow++
				size, signed := int(e.gp[1]&0xFF), e.gp[1]&(1<<8) != 0
				v, f := m.load(c, types.GuestAddr(e.gp[0]), size)
				if f != nil {
					fault(f)
					return false
				}
				if signed {
					v = signExtend(v, size)
				}
				clobber(e, 1, 2, 11)
				e.gp[0] = v
				return true
			},
			slowStoreAddr: func(e *x86) bool {
				run.Slow++
				if f := m.store(c, types.GuestAddr(e.gp[0]), int(e.gp[1]), e.gp[2]); f != nil {
					fault(f)
					return false
				}
				clobber(e, 0, 1, 2, 11)
				return true
			},
		},
	}
	for id := range c.Helpers {
		e.calls[helperFnBase+16*uint64(id)] = func(e *x86) bool {
			h := c.Helpers[id]
			if h == nil {
				t.Fatalf("call to unset helper %d", id)
			}
			res, err := h(c, e.gp[0], e.gp[1], e.gp[2])
			if err != nil {
				var gf *xerrors.GuestFault
				if !xerrors.As(err, &gf) {
					t.Fatalf("helper %d: %v", id, err)
				}
				fault(gf)
				return false
			}
			clobber(e, 1, 2, 6, 7, 8, 9, 10, 11)
			e.gp[0] = res
			return true
		}
	}
	for r := range e.gp {
		e.gp[r] = 0x5A5A_5A5A_0000_0000 | uint64(r)
	}
	e.gp[15] = frameBase
	e.gp[4] = stackBase + stackSize
	e.push(returnAddr)

	rax, ok := e.run()
	if !ok {
		run.Exit = *left
		return run
	}
	pc := types.GuestAddr(exitPC)
	switch code := rax & 0xFF; {
	case code == hostcode.ExitCodeIndirect:
		run.Exit = Exit{Kind: ExitIndirect, PC: pc, Slot: -1}
	case code == hostcode.ExitCodePending:
		run.Exit = m.pendingExit(c, b)
	case code == hostcode.ExitCodeRaise:
		run.Exit = Exit{Kind: ExitException, PC: pc, Slot: -1, Exception: &Exception{Code: int(rax >> 8), PC: pc, Aux: exitAux}}
	case code == hostcode.ExitCodeStop:
		run.Exit = Exit{Kind: ExitStop, PC: pc, Slot: -1}
	case code >= hostcode.ExitCodeChain:
		run.Exit = Exit{Kind: ExitFallThrough, PC: pc, Slot: int(code - hostcode.ExitCodeChain)}
	default:
		t.Fatalf("unknown exit code %#x", rax)
	}
	return run
}

// outcome is the comparable part of an exit.
type outcome struct {
	Kind ExitKind
	PC   types.GuestAddr
	Slot int
	Code int
	Aux  uint64
}

func outcomeOf(e Exit) outcome {
	o := outcome{Kind: e.Kind, PC: e.PC, Slot: e.Slot}
	if e.Exception != nil {
		o.Code, o.Aux = e.Exception.Code, e.Exception.Aux
	}
	return o
}

// pair holds a context that runs native code and one that runs the
// threaded form of the same amd64 block, each with its own memory.
type pair struct {
	native, threaded       *Context
	nativeBlk, threadedBlk *tcache.Block
}

func newPair(t *testing.T, blk *ir.Block) *pair {
	t.Helper()
	p := &pair{}
	var cache *tcache.Cache
	var err error
	p.native, cache = newTestContext(t, backend.HostAMD64, blk)
	if p.nativeBlk, err = cache.FindOrCompile(blk.PC, 0); err != nil {
		t.Fatalf("FindOrCompile: %v", err)
	}
	p.threaded, cache = newTestContext(t, backend.HostAMD64, blk)
	if p.threadedBlk, err = cache.FindOrCompile(blk.PC, 0); err != nil {
		t.Fatalf("FindOrCompile: %v", err)
	}
	return p
}

func (p *pair) setEnv(words ...uint64) {
	for _, c := range []*Context{p.native, p.threaded} {
		c.Env = make([]uint64, envWords)
		copy(c.Env, words)
	}
}

// run executes both forms and reports any difference in the exit, the
// guest state or the mapped memory.
func (p *pair) run(t *testing.T, name string) nativeRun {
	t.Helper()
	got := runNative(t, p.native, p.nativeBlk)
	want, err := NewMachine().Execute(p.threaded, p.threadedBlk)
	if err != nil {
		t.Fatalf("%s: Execute: %v", name, err)
	}
	if diff := cmp.Diff(outcomeOf(want), outcomeOf(got.Exit)); diff != "" {
		t.Errorf("%s: exit (-threaded +native):\n%s", name, diff)
	}
	if diff := cmp.Diff(p.threaded.Env, p.native.Env); diff != "" {
		t.Errorf("%s: env (-threaded +native):\n%s", name, diff)
	}
	mem := func(c *Context) []byte {
		buf := make([]byte, 2*ram.PageSize)
		if err := c.Mem.ReadVirt(0x10000, buf); err != nil {
			t.Fatal(err)
		}
		return buf
	}
	if diff := cmp.Diff(mem(p.threaded), mem(p.native)); diff != "" {
		t.Errorf("%s: memory (-threaded +native):\n%s", name, diff)
	}
	return got
}

func TestNativeALUMatchesThreaded(t *testing.T) {
	for _, w := range []ir.Width{ir.W32, ir.W64} {
		p := newPair(t, aluBlock(t, w))
		for _, in := range aluInputs {
			p.setEnv(in[0], in[1])
			p.run(t, "alu")
		}
	}
}

func TestNativeSpills(t *testing.T) {
	p := newPair(t, pressureBlock(t, 24))
	if p.nativeBlk.Code.SpillSlots == 0 {
		t.Fatal("expected spills with 24 live values")
	}
	p.setEnv(3)
	p.run(t, "spills")
}

func TestNativeMemoryAccess(t *testing.T) {
	p := newPair(t, memBlock(t))
	for _, tc := range []struct {
		name string
		addr uint64
	}{
		{"straddling", 0x10000 + ram.PageSize - 3},
		{"aligned", 0x10008},
		{"end of page", 0x10000 + ram.PageSize - 8},
		{"second page", 0x10000 + ram.PageSize + 0x20},
	} {
		p.setEnv(tc.addr, 0x8877665544332291)
		p.run(t, tc.name)
	}

	// Both pages are in the TLB now: an in-page access stays inline.
	p.setEnv(0x10010, math.MaxUint64)
	if r := p.run(t, "warm"); r.Slow != 0 {
		t.Errorf("warm in-page access took the slow path %d times", r.Slow)
	}
	// A straddling access never uses the inline path.
	p.setEnv(0x10000+ram.PageSize-1, 0x0102030405060708)
	if r := p.run(t, "warm straddling"); r.Slow == 0 {
		t.Error("straddling access stayed inline")
	}
}

func TestNativeMemoryFault(t *testing.T) {
	p := newPair(t, memBlock(t))
	for _, tc := range []struct {
		name string
		addr uint64
	}{
		{"second page unmapped", 0x10000 + 2*ram.PageSize - 4},
		{"unmapped", 0x40000},
	} {
		p.setEnv(tc.addr, math.MaxUint64)
		got := p.run(t, tc.name)
		if got.Exit.Kind != ExitException || got.Exit.Exception.Code != CodeMemoryFault || got.Exit.PC != 0x300 {
			t.Errorf("%s: exit %s, want a memory fault at 0x300", tc.name, got.Exit)
		}
	}
}

func TestNativeRevokedEntryTakesSlowPath(t *testing.T) {
	p := newPair(t, memBlock(t))
	p.setEnv(0x10010, 1)
	p.run(t, "fill")

	for _, c := range []*Context{p.native, p.threaded} {
		c.Mem.Protect(0x10000, ram.PageSize, types.PermRead)
		pte, ok := c.Mem.Lookup(0x10000)
		if !ok {
			t.Fatal("page vanished")
		}
		if n := c.TLB.RevokeFrame(pte.Frame); n == 0 {
			t.Fatal("no entry held the frame")
		}
	}
	p.setEnv(0x10010, 2)
	got := p.run(t, "read only")
	if got.Slow == 0 || got.Exit.Kind != ExitException {
		t.Errorf("store to a revoked entry: exit %s after %d slow accesses, want a fault", got.Exit, got.Slow)
	}
}

func helperBlock(t *testing.T) *ir.Block {
	b := ir.NewBuilder(0x400, 0)
	b.InsnStart(0x400, 4)
	x, y, z := b.LdState(0, ir.W64), b.LdState(1, ir.W64), b.LdState(2, ir.W64)
	live := b.Add(x, y)
	b.StState(3, b.Call(HelperGuestBase, true, x, y, z))
	b.StState(4, b.Call(HelperGuestBase+1, true, x))
	b.StState(6, live)
	b.InsnStart(0x404, 4)
	b.StState(5, b.Call(HelperGuestBase+2, true))
	b.Stop(0x408)
	return finalize(t, b)
}

func TestNativeHelperCalls(t *testing.T) {
	p := newPair(t, helperBlock(t))
	for _, c := range []*Context{p.native, p.threaded} {
		c.SetHelper(HelperGuestBase, func(_ *Context, a0, a1, a2 uint64) (uint64, error) {
			return a0*100 + a1*10 + a2, nil
		})
		c.SetHelper(HelperGuestBase+1, func(_ *Context, a0, a1, a2 uint64) (uint64, error) {
			return a0 ^ a1 ^ a2, nil
		})
		c.SetHelper(HelperGuestBase+2, func(_ *Context, a0, _, _ uint64) (uint64, error) {
			if a0 == 0 {
				return 0, &xerrors.GuestFault{Addr: 0xF00, Access: types.AccessRead, Reason: "denied"}
			}
			return a0, nil
		})
	}
	p.setEnv(4, 2, 7)
	got := p.run(t, "helpers")
	if p.native.Env[3] != 427 || p.native.Env[4] != 4 || p.native.Env[6] != 6 {
		t.Errorf("helper results %v", p.native.Env[3:7])
	}
	// helper 2 gets no arguments, so it faults at the second instruction
	if got.Exit.Kind != ExitException || got.Exit.PC != 0x404 || got.Exit.Exception.Aux != 0xF00 {
		t.Errorf("exit %s, want a memory fault at 0x404", got.Exit)
	}
}

func vectorBlock(t *testing.T) *ir.Block {
	b := ir.NewBuilder(0x500, 0)
	b.InsnStart(0x500, 4)
	x, y := b.LdState(0, ir.W128), b.LdState(2, ir.W128)
	b.StState(4, b.Xor(x, y))
	b.StState(6, b.And(x, y))
	b.StState(8, b.Or(x, y))
	b.Stop(0x504)
	return finalize(t, b)
}

func TestNativeVectors(t *testing.T) {
	p := newPair(t, vectorBlock(t))
	p.setEnv(0xFF00FF00FF00FF00, 0x0123456789ABCDEF, 0x0F0F0F0F0F0F0F0F, 0xFEDCBA9876543210)
	p.run(t, "vectors")
	want := []uint64{0xF00FF00FF00FF00F, 0x0123456789ABCDEF ^ 0xFEDCBA9876543210}
	if diff := cmp.Diff(want, p.native.Env[4:6]); diff != "" {
		t.Errorf("xor (-want +got):\n%s", diff)
	}
}

func branchBlock(t *testing.T) *ir.Block {
	b := ir.NewBuilder(0x600, 0)
	b.InsnStart(0x600, 4)
	x, y := b.LdState(0, ir.W32), b.LdState(1, ir.W32)
	b.GotoCond(ir.CondLTS, x, y, 0x700, 0x604)
	return finalize(t, b)
}

func TestNativeExits(t *testing.T) {
	p := newPair(t, branchBlock(t))
	for _, in := range [][2]uint64{{1, 2}, {2, 1}, {0xFFFFFFFF, 0}, {0, 0xFFFFFFFF}, {5, 5}} {
		p.setEnv(in[0], in[1])
		got := p.run(t, "branch")
		slot := 1
		if int32(in[0]) < int32(in[1]) {
			slot = 0
		}
		if got.Exit.Slot != slot {
			t.Errorf("%x: took slot %d, want %d", in, got.Exit.Slot, slot)
		}
	}

	b := ir.NewBuilder(0x800, 0)
	b.InsnStart(0x800, 4)
	b.GotoIndirect(b.LdState(0, ir.W64))
	p = newPair(t, finalize(t, b))
	p.setEnv(0x1234_5678_9ABC)
	if got := p.run(t, "indirect"); got.Exit.Kind != ExitIndirect || got.Exit.PC != 0x1234_5678_9ABC {
		t.Errorf("indirect exit %s", got.Exit)
	}

	b = ir.NewBuilder(0x900, 0)
	b.InsnStart(0x900, 4)
	b.Raise(0x42, 0x900, -7)
	p = newPair(t, finalize(t, b))
	p.setEnv()
	if got := p.run(t, "raise"); got.Exit.Kind != ExitException || got.Exit.Exception.Code != 0x42 {
		t.Errorf("raise exit %s", got.Exit)
	}
}

func TestNativePendingWork(t *testing.T) {
	p := newPair(t, memBlock(t))
	p.setEnv(0x10010, 1)
	for _, c := range []*Context{p.native, p.threaded} {
		c.RequestStop()
	}
	if got := p.run(t, "stop"); got.Exit.Kind != ExitStop || got.Exit.PC != 0x300 {
		t.Errorf("exit %s, want stop at 0x300", got.Exit)
	}
	for _, c := range []*Context{p.native, p.threaded} {
		c.ClearStop()
		c.TLB.RequestFlush()
	}
	if got := p.run(t, "flush"); got.Exit.Kind != ExitFallThrough || got.Exit.Slot != -1 {
		t.Errorf("exit %s, want an unchained exit", got.Exit)
	}
}

package tcache

import (
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/sync/errgroup"

	"xlate/pkg/backend/hostcode"
	"xlate/pkg/constants"
	xerrors "xlate/pkg/errors"
	"xlate/pkg/ir"
	"xlate/pkg/translate"
	"xlate/pkg/types"
)

// fakeTranslator produces one-instruction blocks read from the frame equal
// to the page number of their PC.
type fakeTranslator struct {
	mu      sync.Mutex
	calls   map[types.GuestAddr]int
	targets map[types.GuestAddr][]types.GuestAddr
	errs    map[types.GuestAddr]error
	gate    chan struct{}
	during  func(pc types.GuestAddr, call int)
	after   func(pc types.GuestAddr, call int) // runs once the code is hashed
	frames  *fakeFrames
}

func newFake() *fakeTranslator {
	return &fakeTranslator{
		calls:   make(map[types.GuestAddr]int),
		targets: make(map[types.GuestAddr][]types.GuestAddr),
		errs:    make(map[types.GuestAddr]error),
	}
}

func (f *fakeTranslator) Translate(pc types.GuestAddr, mode types.Mode, track func(uint64)) (*translate.Result, error) {
	frame := pc.PageNumber()
	track(frame)

	f.mu.Lock()
	f.calls[pc]++
	call := f.calls[pc]
	err := f.errs[pc]
	targets := f.targets[pc]
	gate, during, after := f.gate, f.during, f.after
	f.mu.Unlock()

	if gate != nil {
		<-gate
	}
	if during != nil {
		during(pc, call)
	}
	if err != nil {
		return nil, err
	}

	code := &hostcode.Code{Insns: make([]hostcode.Insn, 4)}
	for i, t := range targets {
		code.Relocs = append(code.Relocs, hostcode.Reloc{Slot: i, Target: t, NativeOffset: -1})
	}
	res := &translate.Result{
		IR:     &ir.Block{PC: pc, Mode: mode, GuestSize: 4, InsnCount: 1},
		Code:   code,
		Pages:  []uint64{frame},
		Frames: []uint64{frame},
	}
	if f.frames != nil {
		res.Extents = []translate.Extent{{Frame: frame, Off: int(pc.PageOffset()), Len: 4}}
		res.Sum = translate.Fingerprint(f.frames, res.Extents)
	}
	if after != nil {
		after(pc, call)
	}
	return res, nil
}

func (f *fakeTranslator) count(pc types.GuestAddr) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[pc]
}

type fakeFrames struct {
	data map[uint64][]byte
}

func (f *fakeFrames) Frame(n uint64) []byte {
	if f.data[n] == nil {
		f.data[n] = make([]byte, constants.PageSize)
	}
	return f.data[n]
}

type fakeRevoker struct {
	mu      sync.Mutex
	revoked []uint64
}

func (r *fakeRevoker) RevokeWrite(f uint64) {
	r.mu.Lock()
	r.revoked = append(r.revoked, f)
	r.mu.Unlock()
}

type transitionLog struct {
	mu  sync.Mutex
	log []string
}

func (l *transitionLog) record(key Key, from, to State) {
	l.mu.Lock()
	l.log = append(l.log, key.String()+" "+from.String()+"->"+to.String())
	l.mu.Unlock()
}

func (l *transitionLog) get() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.log...)
}

func mustCompile(t *testing.T, c *Cache, pc types.GuestAddr) *Block {
	t.Helper()
	b, err := c.FindOrCompile(pc, 0)
	if err != nil {
		t.Fatalf("FindOrCompile(%s): %v", pc, err)
	}
	return b
}

func TestLifecycle(t *testing.T) {
	var tl transitionLog
	rev := &fakeRevoker{}
	c := New(Config{Revoker: rev, Hooks: Hooks{OnStateChange: tl.record}}, newFake())

	if s := c.State(0x1000, 0); s != StateAbsent {
		t.Fatalf("initial state = %s", s)
	}
	b := mustCompile(t, c, 0x1000)
	if again := mustCompile(t, c, 0x1000); again != b {
		t.Error("a hit returned a different block")
	}
	if !c.IsCodeFrame(1) {
		t.Error("frame 1 is not tracked as code")
	}
	if diff := cmp.Diff([]uint64{1}, rev.revoked); diff != "" {
		t.Errorf("revoked frames (-want +got):\n%s", diff)
	}

	if n := c.InvalidateFrame(1); n != 1 {
		t.Errorf("InvalidateFrame = %d, want 1", n)
	}
	if n := c.InvalidateFrame(1); n != 0 {
		t.Errorf("second InvalidateFrame = %d, want 0", n)
	}
	if c.InvalidateBlock(b) {
		t.Error("InvalidateBlock succeeded on an invalid block")
	}
	if b.State() != StateInvalid || c.IsCodeFrame(1) {
		t.Errorf("after invalidation state=%s code=%v", b.State(), c.IsCodeFrame(1))
	}
	if c.Retired() != 1 {
		t.Errorf("Retired = %d, want 1", c.Retired())
	}

	if n := c.Reclaim(); n != 1 {
		t.Errorf("Reclaim = %d, want 1", n)
	}
	if b.State() != StateReclaimed || c.Block(b.ID) != nil {
		t.Errorf("after reclaim state=%s block=%v", b.State(), c.Block(b.ID))
	}

	nb := mustCompile(t, c, 0x1000)
	if nb.ID == b.ID || nb.ID.slot() != b.ID.slot() {
		t.Errorf("reused slot ids %s and %s", b.ID, nb.ID)
	}

	want := []string{
		"0x1000/0 absent->compiling",
		"0x1000/0 compiling->resident",
		"0x1000/0 resident->invalid",
		"0x1000/0 invalid->reclaimed",
		"0x1000/0 absent->compiling",
		"0x1000/0 compiling->resident",
	}
	if diff := cmp.Diff(want, tl.get()); diff != "" {
		t.Errorf("transitions (-want +got):\n%s", diff)
	}
}

func TestSingleCompilePerKey(t *testing.T) {
	tr := newFake()
	tr.gate = make(chan struct{})
	c := New(Config{}, tr)

	const n = 8
	blocks := make([]*Block, n)
	var g errgroup.Group
	for i := 0; i < n; i++ {
		g.Go(func() error {
			b, err := c.FindOrCompile(0x2000, 0)
			blocks[i] = b
			return err
		})
	}
	for c.State(0x2000, 0) != StateCompiling {
		time.Sleep(time.Millisecond)
	}
	close(tr.gate)
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
	if got := tr.count(0x2000); got != 1 {
		t.Errorf("translated %d times, want 1", got)
	}
	for i, b := range blocks {
		if b != blocks[0] {
			t.Errorf("caller %d got a different block", i)
		}
	}
}

func TestUnlinkBeforeInvalidate(t *testing.T) {
	tr := newFake()
	tr.targets[0x1000] = []types.GuestAddr{0x2000, 0x1004}
	var a *Block
	var linkedAtInvalidation []bool
	c := New(Config{Hooks: Hooks{OnStateChange: func(key Key, from, to State) {
		if to == StateInvalid && key.PC == 0x2000 {
			linkedAtInvalidation = append(linkedAtInvalidation, a.Chain(0) != nil)
		}
	}}}, tr)

	a = mustCompile(t, c, 0x1000)
	b := mustCompile(t, c, 0x2000)
	other := mustCompile(t, c, 0x1004)

	if a.NumChains() != 2 {
		t.Fatalf("NumChains = %d, want 2", a.NumChains())
	}
	if c.Link(a, 0, other) {
		t.Error("linked a slot to a block at the wrong PC")
	}
	if c.Link(a, 2, b) {
		t.Error("linked an out of range slot")
	}
	if !c.Link(a, 0, b) || a.Chain(0) != b {
		t.Fatal("Link(a, 0, b) failed")
	}
	if !c.Link(a, 1, other) {
		t.Fatal("Link(a, 1, other) failed")
	}

	c.InvalidateFrame(2)
	if diff := cmp.Diff([]bool{false}, linkedAtInvalidation); diff != "" {
		t.Errorf("link state when invalidated (-want +got):\n%s", diff)
	}
	if a.Chain(0) != nil {
		t.Error("slot still points at an invalid block")
	}
	if a.Chain(1) != other {
		t.Error("unrelated link was removed")
	}
	if c.Link(a, 0, b) {
		t.Error("linked to an invalid block")
	}

	kernel, err := c.FindOrCompile(0x2000, 1)
	if err != nil {
		t.Fatal(err)
	}
	if c.Link(a, 0, kernel) {
		t.Error("linked across modes")
	}
}

func TestEvictsLeastRecentlyExecuted(t *testing.T) {
	var evicted []types.GuestAddr
	c := New(Config{MaxBlocks: 4, Hooks: Hooks{OnStateChange: func(key Key, _, to State) {
		if to == StateInvalid {
			evicted = append(evicted, key.PC)
		}
	}}}, newFake())

	var blocks []*Block
	for pc := types.GuestAddr(0x1000); pc < 0x1010; pc += 4 {
		blocks = append(blocks, mustCompile(t, c, pc))
	}
	for _, i := range []int{2, 0, 3} {
		blocks[i].Touch(c.Tick())
	}
	mustCompile(t, c, 0x1010)

	if diff := cmp.Diff([]types.GuestAddr{0x1004}, evicted); diff != "" {
		t.Errorf("evicted (-want +got):\n%s", diff)
	}
	if c.Len() != 4 || c.Stats.Evictions.Load() != 1 {
		t.Errorf("Len = %d, evictions = %d", c.Len(), c.Stats.Evictions.Load())
	}

	for _, i := range []int{0, 2, 3} {
		blocks[i].Touch(c.Tick())
	}
	mustCompile(t, c, 0x1014)
	if diff := cmp.Diff([]types.GuestAddr{0x1004, 0x1010}, evicted); diff != "" {
		t.Errorf("evicted (-want +got):\n%s", diff)
	}
}

func TestCodeBytesLimit(t *testing.T) {
	c := New(Config{MaxCodeBytes: 3 * 4 * hostcode.ThreadedInsnSize}, newFake())
	for pc := types.GuestAddr(0x1000); pc < 0x1020; pc += 4 {
		mustCompile(t, c, pc)
		if c.CodeBytes() > 3*4*hostcode.ThreadedInsnSize {
			t.Fatalf("CodeBytes = %d after %s", c.CodeBytes(), pc)
		}
	}
	if c.Len() != 3 {
		t.Errorf("Len = %d, want 3", c.Len())
	}
}

func TestReclaimWaitsForActiveParticipants(t *testing.T) {
	c := New(Config{}, newFake())
	running := c.Join()
	parked := c.Join()
	defer parked.Leave()

	running.Quiesce()
	b := mustCompile(t, c, 0x1000)
	c.InvalidateBlock(b)

	if n := c.Reclaim(); n != 0 {
		t.Fatalf("reclaimed %d blocks while a participant may hold one", n)
	}
	if b.State() != StateInvalid {
		t.Fatalf("state = %s, want invalid", b.State())
	}

	running.Quiesce()
	if b.State() != StateReclaimed {
		t.Errorf("state after quiescence = %s, want reclaimed", b.State())
	}

	running.Quiesce()
	b = mustCompile(t, c, 0x1000)
	c.FlushAll()
	running.Park()
	if b.State() != StateReclaimed {
		t.Errorf("state after park = %s, want reclaimed", b.State())
	}
	running.Leave()
}

func TestBlacklist(t *testing.T) {
	tr := newFake()
	tr.errs[0x3000] = xerrors.TranslationErrorf(0x3000, xerrors.ReasonDecode, "bad")
	tr.errs[0x3004] = xerrors.TranslationErrorf(0x3004, xerrors.ReasonFetch, "unmapped")
	c := New(Config{FailureBlacklist: 3}, tr)

	for i := 0; i < 4; i++ {
		_, err := c.FindOrCompile(0x3000, 0)
		var te *xerrors.TranslationError
		if !xerrors.As(err, &te) {
			t.Fatalf("attempt %d: err = %v", i, err)
		}
		if i == 3 && te.Reason != xerrors.ReasonBlacklisted {
			t.Errorf("fourth attempt reason = %v, want blacklisted", te.Reason)
		}
	}
	if got := tr.count(0x3000); got != 3 {
		t.Errorf("translated %d times, want 3", got)
	}

	c.InvalidateFrame(3)
	c.FindOrCompile(0x3000, 0)
	if got := tr.count(0x3000); got != 4 {
		t.Errorf("after a write translated %d times, want 4", got)
	}

	for i := 0; i < 5; i++ {
		c.FindOrCompile(0x3004, 0)
	}
	if got := tr.count(0x3004); got != 5 {
		t.Errorf("fetch failures blacklisted: translated %d times, want 5", got)
	}
	if s := c.State(0x3000, 0); s != StateAbsent {
		t.Errorf("failed key state = %s, want absent", s)
	}
}

func TestStaleCompileIsRetried(t *testing.T) {
	tr := newFake()
	c := New(Config{}, tr)
	tr.during = func(pc types.GuestAddr, call int) {
		if call == 1 {
			c.InvalidateFrame(pc.PageNumber())
		}
	}
	b := mustCompile(t, c, 0x1000)
	if got := tr.count(0x1000); got != 2 {
		t.Errorf("translated %d times, want 2", got)
	}
	if c.Stats.StaleCompiles.Load() != 1 || b.State() != StateResident {
		t.Errorf("stale compiles = %d, state = %s", c.Stats.StaleCompiles.Load(), b.State())
	}

	tr.during = func(pc types.GuestAddr, _ int) { c.InvalidateFrame(pc.PageNumber()) }
	_, err := c.FindOrCompile(0x1004, 0)
	var te *xerrors.TranslationError
	if !xerrors.As(err, &te) {
		t.Fatalf("err = %v, want a translation error", err)
	}
	if c.Stats.StaleCompiles.Load() != 1+maxStaleRetries {
		t.Errorf("stale compiles = %d, want %d", c.Stats.StaleCompiles.Load(), 1+maxStaleRetries)
	}
	if b.State() != StateInvalid || c.State(0x1004, 0) != StateAbsent {
		t.Errorf("after repeated writes: %s, key %s", b, c.State(0x1004, 0))
	}
}

func TestVerifyCodeDetectsUnnotifiedWrites(t *testing.T) {
	frames := &fakeFrames{data: make(map[uint64][]byte)}
	tr := newFake()
	tr.frames = frames
	c := New(Config{VerifyCode: true, Frames: frames}, tr)

	b := mustCompile(t, c, 0x1000)
	if mustCompile(t, c, 0x1000) != b {
		t.Fatal("unchanged code was recompiled")
	}
	frames.Frame(1)[2] = 0xFF
	nb := mustCompile(t, c, 0x1000)
	if nb == b || b.State() != StateInvalid {
		t.Errorf("changed code not recompiled: state = %s", b.State())
	}
	if c.Stats.VerifyMisses.Load() != 1 {
		t.Errorf("VerifyMisses = %d, want 1", c.Stats.VerifyMisses.Load())
	}
}

func TestLateStoreDuringTranslationIsRetried(t *testing.T) {
	frames := &fakeFrames{data: make(map[uint64][]byte)}
	tr := newFake()
	tr.frames = frames
	rev := &fakeRevoker{}
	c := New(Config{Frames: frames, Revoker: rev}, tr)

	// The first translation hashes the code, then a store that was already
	// past its permission check changes it without notifying the cache.
	tr.after = func(pc types.GuestAddr, call int) {
		if call == 1 {
			frames.Frame(pc.PageNumber())[pc.PageOffset()] = 0xEE
		}
	}
	b := mustCompile(t, c, 0x1000)
	if got := tr.count(0x1000); got != 2 {
		t.Errorf("translated %d times, want 2", got)
	}
	if c.Stats.StaleCompiles.Load() != 1 {
		t.Errorf("stale compiles = %d, want 1", c.Stats.StaleCompiles.Load())
	}
	if want := translate.Fingerprint(frames, b.extents); b.Sum != want {
		t.Error("resident block does not match the code in memory")
	}
	if len(rev.revoked) == 0 {
		t.Error("translation did not revoke write access to its frame")
	}
}

func TestConcurrentLinkAndInvalidate(t *testing.T) {
	tr := newFake()
	pcs := []types.GuestAddr{0x1000, 0x2000, 0x3000, 0x4000}
	for i, pc := range pcs {
		tr.targets[pc] = []types.GuestAddr{pcs[(i+1)%len(pcs)]}
	}
	c := New(Config{}, tr)

	var g errgroup.Group
	for w := 0; w < 4; w++ {
		p := c.Join()
		g.Go(func() error {
			defer p.Leave()
			for i := 0; i < 200; i++ {
				p.Quiesce()
				from, err := c.FindOrCompile(pcs[(i+w)%len(pcs)], 0)
				if err != nil {
					return err
				}
				target, _ := from.ChainTarget(0)
				to, err := c.FindOrCompile(target, 0)
				if err != nil {
					return err
				}
				c.Link(from, 0, to)
				if next := from.Chain(0); next != nil && next.State() == StateReclaimed {
					return xerrors.ConsistencyErrorf("followed a link to reclaimed %s", next)
				}
				if i%7 == w {
					c.InvalidateFrame(uint64(pcs[i%len(pcs)]) >> constants.PageBits)
				}
			}
			p.Park()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}

	for _, b := range c.Blocks() {
		if next := b.Chain(0); next != nil && next.State() != StateResident {
			t.Errorf("%s links to %s", b, next)
		}
	}
	for _, b := range c.retired {
		if b.Chain(0) != nil || len(b.incoming) != 0 {
			t.Errorf("retired %s still linked", b)
		}
	}
}

func TestEnumStrings(t *testing.T) {
	got := []string{
		ReasonWrite.String(), ReasonVerify.String(), Reason(42).String(), Reason(-1).String(),
		StateResident.String(), State(9).String(),
	}
	want := []string{"write", "verify", "reason(42)", "reason(-1)", "resident", "state(9)"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("strings (-want +got):\n%s", diff)
	}
}

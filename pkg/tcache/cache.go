// Package tcache is the translation cache shared by all execution contexts.
//
// A (PC, mode) key moves absent -> compiling -> resident -> invalid. At most
// one compilation per key is in flight. Blocks are indexed by the host
// frames and virtual pages their code came from, and are invalidated when
// either changes. Chain links between blocks are explicit relocation
// records changed only under the exclusive lock, and invalid blocks are
// unlinked before they are marked invalid. Memory of invalid blocks is
// reclaimed once every participant has passed a quiescence point.
package tcache

import (
	"fmt"
	"log"
	"sort"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/singleflight"

	"xlate/pkg/backend/hostcode"
	"xlate/pkg/codemem"
	"xlate/pkg/constants"
	xerrors "xlate/pkg/errors"
	"xlate/pkg/translate"
	"xlate/pkg/types"
)

// Translator produces compiled blocks. track is called with each host frame
// before its bytes are read.
type Translator interface {
	Translate(pc types.GuestAddr, mode types.Mode, track func(frame uint64)) (*translate.Result, error)
}

// Revoker drops write permission for a frame in every soft TLB.
type Revoker interface {
	RevokeWrite(frame uint64)
}

// FrameReader gives read access to host frames for code verification.
type FrameReader interface {
	Frame(f uint64) []byte
}

// Hooks are fire-and-forget notifications. OnStateChange may run with the
// cache lock held and must not call back into the cache.
type Hooks struct {
	OnBlockResident func(pc types.GuestAddr, size uint64, insns int)
	OnStateChange   func(key Key, from, to State)
}

// Config tunes the cache.
type Config struct {
	MaxBlocks        int
	MaxCodeBytes     int
	FailureBlacklist int  // consecutive failures before a key is refused; 0 disables
	VerifyCode       bool // re-hash guest code on every hit

	Arena   *codemem.Arena   // holds native code when the host has an encoder
	Encoder hostcode.Encoder // patches native chain sites
	Revoker Revoker
	Frames  FrameReader
	Hooks   Hooks
	Logger  *log.Logger
	Verbose bool
}

// Stats are cumulative counters.
type Stats struct {
	Lookups       atomic.Uint64
	Hits          atomic.Uint64
	Compiles      atomic.Uint64
	SharedWaits   atomic.Uint64
	Failures      atomic.Uint64
	Invalidations atomic.Uint64
	Evictions     atomic.Uint64
	Reclaimed     atomic.Uint64
	Links         atomic.Uint64
	Unlinks       atomic.Uint64
	StaleCompiles atomic.Uint64
	VerifyMisses  atomic.Uint64
}

type slot struct {
	gen   uint32
	block *Block
}

type failure struct {
	count int
	frame uint64
	known bool
}

// Cache is the shared translation cache.
type Cache struct {
	cfg Config
	tr  Translator
	log *log.Logger

	mu        sync.RWMutex
	byKey     map[Key]*Block
	byFrame   map[uint64]map[BlockID]*Block
	byPage    map[uint64]map[BlockID]*Block
	slots     []slot
	freeSlots []uint32
	codeBytes int
	compiling map[Key]bool
	failures  map[Key]*failure
	frameSeq  map[uint64]uint64 // frame -> write sequence of its last invalidation
	retired   []*Block
	nretired  atomic.Int64

	writeSeq atomic.Uint64

	codeMu   sync.RWMutex
	codeRefs map[uint64]int // frame -> resident blocks plus in-flight compiles

	group singleflight.Group
	tick  atomic.Uint64

	epoch        atomic.Uint64
	pmu          sync.Mutex
	participants map[*Participant]struct{}

	Stats Stats
}

// New creates a cache that compiles through tr.
func New(cfg Config, tr Translator) *Cache {
	if cfg.MaxBlocks <= 0 {
		cfg.MaxBlocks = constants.DefaultMaxBlocks
	}
	if cfg.MaxCodeBytes <= 0 {
		cfg.MaxCodeBytes = constants.DefaultMaxCodeBytes
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Cache{
		cfg:          cfg,
		tr:           tr,
		log:          logger,
		byKey:        make(map[Key]*Block),
		byFrame:      make(map[uint64]map[BlockID]*Block),
		byPage:       make(map[uint64]map[BlockID]*Block),
		compiling:    make(map[Key]bool),
		failures:     make(map[Key]*failure),
		frameSeq:     make(map[uint64]uint64),
		codeRefs:     make(map[uint64]int),
		participants: make(map[*Participant]struct{}),
	}
}

func (c *Cache) debugf(format string, args ...interface{}) {
	if c.cfg.Verbose {
		c.log.Printf("tcache: "+format, args...)
	}
}

func (c *Cache) transition(key Key, from, to State) {
	if c.cfg.Hooks.OnStateChange != nil {
		c.cfg.Hooks.OnStateChange(key, from, to)
	}
}

// Tick advances and returns the execution clock used for eviction order.
func (c *Cache) Tick() uint64 { return c.tick.Add(1) }

//
// Lookup and compilation
//

// Lookup returns the resident block for key without compiling.
func (c *Cache) Lookup(pc types.GuestAddr, mode types.Mode) (*Block, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	b, ok := c.byKey[Key{pc, mode}]
	return b, ok
}

// State reports the state of key.
func (c *Cache) State(pc types.GuestAddr, mode types.Mode) State {
	key := Key{pc, mode}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if _, ok := c.byKey[key]; ok {
		return StateResident
	}
	if c.compiling[key] {
		return StateCompiling
	}
	return StateAbsent
}

// FindOrCompile returns the resident block for (pc, mode), compiling it on
// a miss. Concurrent callers for the same key share one compilation. The
// returned block was resident when returned.
func (c *Cache) FindOrCompile(pc types.GuestAddr, mode types.Mode) (*Block, error) {
	key := Key{pc, mode}
	c.Stats.Lookups.Add(1)

	c.mu.RLock()
	b := c.byKey[key]
	blacklisted := c.isBlacklisted(key)
	c.mu.RUnlock()

	if b != nil {
		if !c.cfg.VerifyCode || c.verify(b) {
			c.Stats.Hits.Add(1)
			return b, nil
		}
		c.Stats.VerifyMisses.Add(1)
		c.InvalidateBlock(b)
	}
	if blacklisted {
		return nil, xerrors.TranslationErrorf(pc, xerrors.ReasonBlacklisted, "%d consecutive failures", c.cfg.FailureBlacklist)
	}

	v, err, shared := c.group.Do(key.String(), func() (interface{}, error) {
		return c.compile(key)
	})
	if shared {
		c.Stats.SharedWaits.Add(1)
	}
	if err != nil {
		return nil, err
	}
	return v.(*Block), nil
}

const maxStaleRetries = 4

func (c *Cache) compile(key Key) (*Block, error) {
	c.mu.Lock()
	if b := c.byKey[key]; b != nil {
		c.mu.Unlock()
		return b, nil
	}
	c.compiling[key] = true
	c.mu.Unlock()
	c.transition(key, StateAbsent, StateCompiling)

	for attempt := 0; ; attempt++ {
		b, stale, err := c.compileOnce(key)
		if err != nil {
			c.endCompiling(key)
			c.transition(key, StateCompiling, StateAbsent)
			return nil, err
		}
		if !stale {
			c.transition(key, StateCompiling, StateResident)
			if h := c.cfg.Hooks.OnBlockResident; h != nil {
				h(key.PC, b.Size, b.Insns)
			}
			return b, nil
		}
		c.Stats.StaleCompiles.Add(1)
		if attempt+1 >= maxStaleRetries {
			c.endCompiling(key)
			c.transition(key, StateCompiling, StateAbsent)
			return nil, xerrors.TranslationErrorf(key.PC, xerrors.ReasonDecode, "guest code changed during %d translations", maxStaleRetries)
		}
	}
}

func (c *Cache) endCompiling(key Key) {
	c.mu.Lock()
	delete(c.compiling, key)
	c.mu.Unlock()
}

// compileOnce translates key and inserts the result. stale is set when a
// frame the block was read from was written during translation.
func (c *Cache) compileOnce(key Key) (*Block, bool, error) {
	startSeq := c.writeSeq.Load()
	var held []uint64
	defer func() {
		for _, f := range held {
			c.releaseFrame(f)
		}
	}()

	c.Stats.Compiles.Add(1)
	res, err := c.tr.Translate(key.PC, key.Mode, func(f uint64) {
		c.holdFrame(f)
		held = append(held, f)
	})
	if err != nil {
		c.Stats.Failures.Add(1)
		var frame uint64
		if len(held) > 0 {
			frame = held[0]
		}
		c.noteFailure(key, err, frame, len(held) > 0)
		return nil, false, err
	}

	b := &Block{
		Key:     key,
		Size:    res.IR.GuestSize,
		Insns:   res.IR.InsnCount,
		Code:    res.Code,
		Pages:   res.Pages,
		Frames:  res.Frames,
		Sum:     res.Sum,
		extents: res.Extents,
	}
	for _, r := range res.Code.Relocs {
		cs := &b.chains[r.Slot]
		cs.used = true
		cs.target = r.Target
		cs.reloc = r
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, f := range b.Frames {
		if c.frameSeq[f] > startSeq {
			return nil, true, nil
		}
	}
	// A store that passed its write check before holdFrame revoked the
	// permission can land after the translator read the frame without
	// bumping frameSeq. Hashing again here, after the revoke, catches it.
	if len(b.extents) > 0 && !c.verify(b) {
		return nil, true, nil
	}
	if err := c.placeLocked(b); err != nil {
		return nil, false, xerrors.WrapTranslationError(err, key.PC, xerrors.ReasonBackend)
	}
	c.insertLocked(b)
	delete(c.failures, key)
	delete(c.compiling, key)
	c.enforceLimitsLocked(b)
	return b, false, nil
}

// placeLocked copies native code into the arena, evicting once on
// exhaustion.
func (c *Cache) placeLocked(b *Block) error {
	if c.cfg.Arena == nil || b.Code.Native == nil {
		return nil
	}
	span, err := c.cfg.Arena.Alloc(b.Code.Native.Bytes)
	if err != nil {
		c.debugf("arena full, evicting: %v", err)
		c.evictLocked(len(c.byKey)/constants.EvictFraction+1, nil)
		c.reclaimLocked()
		if span, err = c.cfg.Arena.Alloc(b.Code.Native.Bytes); err != nil {
			return err
		}
	}
	b.span = span
	b.native = c.cfg.Arena.Bytes(span)
	site := siteLen(c.cfg.Encoder)
	for i := range b.chains {
		cs := &b.chains[i]
		if cs.used && cs.reloc.NativeOffset >= 0 && cs.reloc.NativeOffset+site <= len(b.native) {
			cs.saved = append([]byte(nil), b.native[cs.reloc.NativeOffset:cs.reloc.NativeOffset+site]...)
		}
	}
	return nil
}

func siteLen(enc hostcode.Encoder) int {
	if enc == nil {
		return 0
	}
	return enc.SiteLen()
}

func (c *Cache) insertLocked(b *Block) {
	if n := len(c.freeSlots); n > 0 {
		idx := c.freeSlots[n-1]
		c.freeSlots = c.freeSlots[:n-1]
		c.slots[idx].block = b
		b.ID = makeID(idx, c.slots[idx].gen)
	} else {
		c.slots = append(c.slots, slot{block: b})
		b.ID = makeID(uint32(len(c.slots)-1), 0)
	}

	c.byKey[b.Key] = b
	for _, f := range b.Frames {
		addIndex(c.byFrame, f, b)
	}
	for _, p := range b.Pages {
		addIndex(c.byPage, p, b)
	}
	c.codeMu.Lock()
	for _, f := range b.Frames {
		c.codeRefs[f]++
	}
	c.codeMu.Unlock()
	c.codeBytes += b.Code.Size()
	b.lastExec.Store(c.tick.Load())
	b.state.Store(int32(StateResident))
}

func addIndex(idx map[uint64]map[BlockID]*Block, k uint64, b *Block) {
	set := idx[k]
	if set == nil {
		set = make(map[BlockID]*Block)
		idx[k] = set
	}
	set[b.ID] = b
}

func removeIndex(idx map[uint64]map[BlockID]*Block, k uint64, b *Block) {
	if set := idx[k]; set != nil {
		delete(set, b.ID)
		if len(set) == 0 {
			delete(idx, k)
		}
	}
}

// Block returns the live block with id, or nil if the ID is stale.
func (c *Cache) Block(id BlockID) *Block {
	c.mu.RLock()
	defer c.mu.RUnlock()
	i := id.slot()
	if int(i) >= len(c.slots) || c.slots[i].gen != id.gen() {
		return nil
	}
	return c.slots[i].block
}

// Len returns the number of resident blocks.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.byKey)
}

// CodeBytes returns the host code size of all resident blocks.
func (c *Cache) CodeBytes() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.codeBytes
}

// Retired returns the number of invalid blocks awaiting reclamation.
func (c *Cache) Retired() int {
	return int(c.nretired.Load())
}

// Blocks returns a snapshot of all resident blocks ordered by PC.
func (c *Cache) Blocks() []*Block {
	c.mu.RLock()
	out := make([]*Block, 0, len(c.byKey))
	for _, b := range c.byKey {
		out = append(out, b)
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Key.PC != out[j].Key.PC {
			return out[i].Key.PC < out[j].Key.PC
		}
		return out[i].Key.Mode < out[j].Key.Mode
	})
	return out
}

func (c *Cache) verify(b *Block) bool {
	if c.cfg.Frames == nil {
		return true
	}
	return translate.Fingerprint(c.cfg.Frames, b.extents) == b.Sum
}

//
// Code frame tracking
//

// IsCodeFrame reports whether frame backs a resident block or a
// translation in progress.
func (c *Cache) IsCodeFrame(frame uint64) bool {
	c.codeMu.RLock()
	defer c.codeMu.RUnlock()
	return c.codeRefs[frame] > 0
}

func (c *Cache) holdFrame(f uint64) {
	c.codeMu.Lock()
	c.codeRefs[f]++
	first := c.codeRefs[f] == 1
	c.codeMu.Unlock()
	if first && c.cfg.Revoker != nil {
		c.cfg.Revoker.RevokeWrite(f)
	}
}

func (c *Cache) releaseFrame(f uint64) {
	c.codeMu.Lock()
	c.codeRefs[f]--
	if c.codeRefs[f] <= 0 {
		delete(c.codeRefs, f)
	}
	c.codeMu.Unlock()
}

//
// Failure blacklist
//

func (c *Cache) noteFailure(key Key, err error, frame uint64, known bool) {
	if c.cfg.FailureBlacklist <= 0 {
		return
	}
	var te *xerrors.TranslationError
	if !xerrors.As(err, &te) || te.Reason == xerrors.ReasonFetch {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	f := c.failures[key]
	if f == nil {
		f = &failure{}
		c.failures[key] = f
	}
	f.count++
	f.frame, f.known = frame, known
	if f.count == c.cfg.FailureBlacklist {
		c.debugf("blacklisting %s after %d failures: %v", key, f.count, err)
	}
}

func (c *Cache) isBlacklisted(key Key) bool {
	f := c.failures[key]
	return f != nil && c.cfg.FailureBlacklist > 0 && f.count >= c.cfg.FailureBlacklist
}

//
// Chaining
//

// Link points from's chain slot at to. It succeeds only if both blocks are
// resident, share a mode, and to starts at the slot's target PC.
func (c *Cache) Link(from *Block, slot int, to *Block) bool {
	if slot < 0 || slot >= len(from.chains) {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if from.State() != StateResident || to.State() != StateResident {
		return false
	}
	cs := &from.chains[slot]
	if !cs.used || cs.target != to.Key.PC || from.Key.Mode != to.Key.Mode {
		return false
	}
	old := cs.link.Load()
	if old == to {
		return true
	}
	if old != nil {
		c.unlinkSlotLocked(from, slot)
	}
	if from.native != nil && to.native != nil && c.cfg.Encoder != nil && cs.reloc.NativeOffset >= 0 {
		siteAddr := from.span.Addr + uintptr(cs.reloc.NativeOffset)
		if err := c.cfg.Encoder.Link(from.native, cs.reloc.NativeOffset, siteAddr, to.span.Addr); err != nil {
			c.debugf("cannot link %s slot %d to %s: %v", from.Key, slot, to.Key, err)
			return false
		}
	}
	cs.link.Store(to)
	to.incoming = append(to.incoming, chainRef{from: from, slot: slot})
	c.Stats.Links.Add(1)
	return true
}

// unlinkSlotLocked clears one outgoing link and restores its native site.
func (c *Cache) unlinkSlotLocked(from *Block, slot int) {
	cs := &from.chains[slot]
	to := cs.link.Load()
	if to == nil {
		return
	}
	if from.native != nil && cs.saved != nil {
		copy(from.native[cs.reloc.NativeOffset:], cs.saved)
	}
	cs.link.Store(nil)
	for i, ref := range to.incoming {
		if ref.from == from && ref.slot == slot {
			to.incoming = append(to.incoming[:i], to.incoming[i+1:]...)
			break
		}
	}
	c.Stats.Unlinks.Add(1)
}

//
// Invalidation
//

// Reason tags why a block left the resident state.
type Reason int

const (
	ReasonWrite Reason = iota
	ReasonRemap
	ReasonFlush
	ReasonEvict
	ReasonVerify
)

func (r Reason) String() string {
	switch r {
	case ReasonWrite:
		return "write"
	case ReasonRemap:
		return "remap"
	case ReasonFlush:
		return "flush"
	case ReasonEvict:
		return "evict"
	case ReasonVerify:
		return "verify"
	default:
		return fmt.Sprintf("reason(%d)", int(r))
	}
}

// invalidateLocked moves b from resident to invalid. Chain slots pointing
// at b, and b's own links, are removed first. Repeated calls are no-ops.
func (c *Cache) invalidateLocked(b *Block, why Reason) bool {
	if b.State() != StateResident {
		return false
	}
	for len(b.incoming) > 0 {
		ref := b.incoming[len(b.incoming)-1]
		c.unlinkSlotLocked(ref.from, ref.slot)
	}
	for i := range b.chains {
		c.unlinkSlotLocked(b, i)
	}
	b.state.Store(int32(StateInvalid))

	if c.byKey[b.Key] == b {
		delete(c.byKey, b.Key)
	}
	for _, f := range b.Frames {
		removeIndex(c.byFrame, f, b)
	}
	for _, p := range b.Pages {
		removeIndex(c.byPage, p, b)
	}
	c.codeMu.Lock()
	for _, f := range b.Frames {
		c.codeRefs[f]--
		if c.codeRefs[f] <= 0 {
			delete(c.codeRefs, f)
		}
	}
	c.codeMu.Unlock()
	c.codeBytes -= b.Code.Size()

	b.retired = c.epoch.Add(1)
	c.retired = append(c.retired, b)
	c.nretired.Add(1)

	c.Stats.Invalidations.Add(1)
	if why == ReasonEvict {
		c.Stats.Evictions.Add(1)
	}
	c.debugf("invalidated %s (%s)", b, why)
	c.transition(b.Key, StateResident, StateInvalid)
	return true
}

// InvalidateBlock invalidates b. It reports false if b was not resident.
func (c *Cache) InvalidateBlock(b *Block) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.invalidateLocked(b, ReasonVerify)
}

// InvalidateFrame invalidates every block translated from frame. It is
// called after a guest or host write lands in the frame, and also clears
// translation failures recorded against it.
func (c *Cache) InvalidateFrame(frame uint64) int {
	seq := c.writeSeq.Add(1)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frameSeq[frame] = seq
	for key, f := range c.failures {
		if f.known && f.frame == frame {
			delete(c.failures, key)
		}
	}
	n := 0
	for _, b := range c.byFrame[frame] {
		if c.invalidateLocked(b, ReasonWrite) {
			n++
		}
	}
	return n
}

// InvalidatePage invalidates every block translated through virtual page
// vpn, after its mapping or permissions changed.
func (c *Cache) InvalidatePage(vpn uint64) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, b := range c.byPage[vpn] {
		if c.invalidateLocked(b, ReasonRemap) {
			n++
		}
	}
	return n
}

// FlushAll invalidates every resident block.
func (c *Cache) FlushAll() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, b := range c.byKey {
		if c.invalidateLocked(b, ReasonFlush) {
			n++
		}
	}
	c.failures = make(map[Key]*failure)
	return n
}

// PageRemapped and FrameWritten let the cache listen to guest memory.
func (c *Cache) PageRemapped(vpn, _ uint64) { c.InvalidatePage(vpn) }

func (c *Cache) FrameWritten(frame uint64) { c.InvalidateFrame(frame) }

//
// Eviction
//

func (c *Cache) enforceLimitsLocked(keep *Block) {
	if len(c.byKey) <= c.cfg.MaxBlocks && c.codeBytes <= c.cfg.MaxCodeBytes {
		return
	}
	n := len(c.byKey) / constants.EvictFraction
	if n == 0 {
		n = 1
	}
	c.evictLocked(n, keep)
	for len(c.byKey) > c.cfg.MaxBlocks || c.codeBytes > c.cfg.MaxCodeBytes {
		if c.evictLocked(1, keep) == 0 {
			break
		}
	}
}

// evictLocked invalidates the n least recently executed blocks, sparing
// keep.
func (c *Cache) evictLocked(n int, keep *Block) int {
	cands := make([]*Block, 0, len(c.byKey))
	for _, b := range c.byKey {
		if b != keep {
			cands = append(cands, b)
		}
	}
	sort.Slice(cands, func(i, j int) bool {
		li, lj := cands[i].lastExec.Load(), cands[j].lastExec.Load()
		if li != lj {
			return li < lj
		}
		return cands[i].ID < cands[j].ID
	})
	if n > len(cands) {
		n = len(cands)
	}
	for _, b := range cands[:n] {
		c.invalidateLocked(b, ReasonEvict)
	}
	return n
}

func (c *Cache) String() string {
	return fmt.Sprintf("tcache: %d resident, %d retired, %d code bytes", c.Len(), c.Retired(), c.CodeBytes())
}

// Package cpu holds the per-processor execution context and the portable
// machine that runs threaded host code.
package cpu

import (
	"encoding/binary"
	"math/bits"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"

	"xlate/pkg/constants"
	"xlate/pkg/ram"
	"xlate/pkg/softtlb"
	"xlate/pkg/tcache"
	"xlate/pkg/types"
)

// Helper is a host routine callable from translated code. Returning a
// *errors.GuestFault raises a memory fault at the calling instruction; any
// other error stops the engine.
type Helper func(c *Context, a0, a1, a2 uint64) (uint64, error)

// Helper numbers every engine provides. Guests number theirs from
// HelperGuestBase.
const (
	HelperICacheFlush  = 0 // invalidate all translations
	HelperTLBFlush     = 1 // flush this context's TLB
	HelperTLBFlushPage = 2 // flush one page from this context's TLB (a0 = va)

	HelperGuestBase = 8
)

// Observer receives block entry and exit notifications, including blocks
// entered through chain links.
type Observer interface {
	OnBlockEnter(c *Context, b *tcache.Block)
	OnBlockExit(c *Context, b *tcache.Block, e Exit)
}

const (
	pendingStop uint32 = 1 << iota
	pendingInterrupt
)

type jumpEntry struct {
	key   tcache.Key
	block *tcache.Block
}

// Stats counts per-context activity.
type Stats struct {
	Blocks     atomic.Uint64 // blocks entered
	Chained    atomic.Uint64 // blocks entered through a chain link
	JumpHits   atomic.Uint64
	JumpMisses atomic.Uint64
	Abandoned  atomic.Uint64 // blocks left early because they were invalidated
}

// Context is one guest processor.
type Context struct {
	ID   int
	PC   types.GuestAddr
	Mode types.Mode
	Env  []uint64 // guest register file, addressed by LdState/StState

	TLB      *softtlb.TLB
	Mem      *ram.RAM
	Cache    *tcache.Cache
	Part     *tcache.Participant
	Helpers  []Helper
	Observer Observer

	pending    atomic.Uint32
	interrupts atomic.Uint64 // latched interrupt lines
	masked     atomic.Bool

	// machine state
	gp    [32]uint64
	vec   [32][2]uint64
	spill [constants.MaxSpillSlots][2]uint64

	insnPC  types.GuestAddr
	insnLen int

	jump [constants.JumpCacheSize]jumpEntry

	Stats Stats
}

// NewContext creates a context with envWords words of guest state and a
// private soft TLB.
func NewContext(id int, envWords int, mem *ram.RAM, cache *tcache.Cache, tlbSets int) *Context {
	c := &Context{
		ID:    id,
		Env:   make([]uint64, envWords),
		Mem:   mem,
		Cache: cache,
	}
	var code softtlb.CodeFrames
	if cache != nil {
		code = cache
		c.Part = cache.Join()
	}
	c.TLB = softtlb.New(tlbSets, mem, code)
	c.Helpers = DefaultHelpers()
	return c
}

// SetHelper installs h as helper number id.
func (c *Context) SetHelper(id int, h Helper) {
	for len(c.Helpers) <= id {
		c.Helpers = append(c.Helpers, nil)
	}
	c.Helpers[id] = h
}

// RequestStop asks the context to return to its caller at the next block
// boundary. Safe from any goroutine.
func (c *Context) RequestStop() {
	c.pending.Or(pendingStop)
}

// StopRequested reports whether a stop is pending.
func (c *Context) StopRequested() bool {
	return c.pending.Load()&pendingStop != 0
}

// ClearStop withdraws a stop request.
func (c *Context) ClearStop() {
	c.pending.And(^pendingStop)
}

// RaiseInterrupt asserts interrupt line n (0-63). Safe from any goroutine.
func (c *Context) RaiseInterrupt(n int) {
	c.interrupts.Or(1 << uint(n))
	c.refreshInterrupt()
}

// SetInterruptsEnabled masks or unmasks interrupt delivery. Asserted lines
// stay latched while masked.
func (c *Context) SetInterruptsEnabled(on bool) {
	c.masked.Store(!on)
	c.refreshInterrupt()
}

// InterruptsEnabled reports whether interrupts are unmasked.
func (c *Context) InterruptsEnabled() bool { return !c.masked.Load() }

// InterruptPending reports whether a deliverable interrupt is pending.
func (c *Context) InterruptPending() bool {
	return c.pending.Load()&pendingInterrupt != 0
}

// TakeInterrupt acknowledges the lowest pending line if interrupts are
// enabled.
func (c *Context) TakeInterrupt() (int, bool) {
	defer c.refreshInterrupt()
	if c.masked.Load() {
		return 0, false
	}
	for {
		lines := c.interrupts.Load()
		if lines == 0 {
			return 0, false
		}
		n := bits.TrailingZeros64(lines)
		if c.interrupts.CompareAndSwap(lines, lines&^(1<<uint(n))) {
			return n, true
		}
	}
}

// refreshInterrupt recomputes the pending bit from the latched lines and
// the mask. Every writer of either calls it afterwards, so the last caller
// sees both updates.
func (c *Context) refreshInterrupt() {
	if c.interrupts.Load() != 0 && !c.masked.Load() {
		c.pending.Or(pendingInterrupt)
	} else {
		c.pending.And(^pendingInterrupt)
		if c.interrupts.Load() != 0 && !c.masked.Load() {
			c.pending.Or(pendingInterrupt)
		}
	}
}

// hasWork reports whether the block prologue must leave.
func (c *Context) hasWork() bool {
	return c.pending.Load() != 0 || c.TLB.Pending()
}

// InsnPC returns the guest PC of the last instruction boundary passed.
func (c *Context) InsnPC() types.GuestAddr { return c.insnPC }

//
// Jump cache
//

func jumpIndex(k tcache.Key) uint64 {
	var buf [12]byte
	binary.LittleEndian.PutUint64(buf[:8], uint64(k.PC))
	binary.LittleEndian.PutUint32(buf[8:], uint32(k.Mode))
	return xxhash.Sum64(buf[:]) & (constants.JumpCacheSize - 1)
}

// LookupJump returns the block cached for (pc, mode) if it is still
// resident.
func (c *Context) LookupJump(pc types.GuestAddr, mode types.Mode) *tcache.Block {
	k := tcache.Key{PC: pc, Mode: mode}
	e := &c.jump[jumpIndex(k)]
	if e.block != nil && e.key == k && e.block.State() == tcache.StateResident {
		c.Stats.JumpHits.Add(1)
		return e.block
	}
	c.Stats.JumpMisses.Add(1)
	return nil
}

// RememberJump caches b for its key.
func (c *Context) RememberJump(b *tcache.Block) {
	e := &c.jump[jumpIndex(b.Key)]
	e.key, e.block = b.Key, b
}

// ClearJumps empties the jump cache.
func (c *Context) ClearJumps() {
	clear(c.jump[:])
}

// Close releases the context's registrations.
func (c *Context) Close() {
	if c.Part != nil {
		c.Part.Leave()
	}
}

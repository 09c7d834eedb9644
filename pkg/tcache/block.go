package tcache

import (
	"fmt"
	"sync/atomic"

	"xlate/pkg/backend/hostcode"
	"xlate/pkg/codemem"
	"xlate/pkg/constants"
	"xlate/pkg/translate"
	"xlate/pkg/types"
)

// Key identifies a translation: guest PC plus execution mode.
type Key struct {
	PC   types.GuestAddr
	Mode types.Mode
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%d", k.PC, k.Mode)
}

// State is the lifecycle of a key or block.
type State int32

const (
	StateAbsent State = iota
	StateCompiling
	StateResident
	StateInvalid
	StateReclaimed // memory returned; reaching it is a consistency violation
)

func (s State) String() string {
	switch s {
	case StateAbsent:
		return "absent"
	case StateCompiling:
		return "compiling"
	case StateResident:
		return "resident"
	case StateInvalid:
		return "invalid"
	case StateReclaimed:
		return "reclaimed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// BlockID is a slot index in the low 32 bits and the slot's generation in
// the high 32 bits. IDs of freed slots never compare equal to their
// successors.
type BlockID uint64

func makeID(slot, gen uint32) BlockID { return BlockID(uint64(gen)<<32 | uint64(slot)) }

func (id BlockID) slot() uint32 { return uint32(id) }
func (id BlockID) gen() uint32  { return uint32(id >> 32) }

func (id BlockID) String() string {
	return fmt.Sprintf("#%d.%d", id.slot(), id.gen())
}

// chainSlot is the relocation record of one chainable exit.
type chainSlot struct {
	used   bool
	target types.GuestAddr
	reloc  hostcode.Reloc
	saved  []byte // original native bytes at the site
	link   atomic.Pointer[Block]
}

type chainRef struct {
	from *Block
	slot int
}

// Block is one compiled guest basic block.
type Block struct {
	ID     BlockID
	Key    Key
	Size   uint64 // guest bytes
	Insns  int
	Code   *hostcode.Code
	Pages  []uint64
	Frames []uint64
	Sum    [32]byte

	extents []translate.Extent
	state   atomic.Int32
	chains  [constants.NumChainSlots]chainSlot
	// slots in other blocks that link here, guarded by the cache lock
	incoming []chainRef

	span    codemem.Span
	native  []byte
	retired uint64

	lastExec atomic.Uint64
	execs    atomic.Uint64
}

// State returns the block's current state.
func (b *Block) State() State { return State(b.state.Load()) }

// Chain returns the block linked at slot, or nil if the slot is unresolved.
func (b *Block) Chain(slot int) *Block {
	if slot < 0 || slot >= len(b.chains) {
		return nil
	}
	return b.chains[slot].link.Load()
}

// ChainTarget returns the guest PC a chain slot exits to.
func (b *Block) ChainTarget(slot int) (types.GuestAddr, bool) {
	if slot < 0 || slot >= len(b.chains) || !b.chains[slot].used {
		return 0, false
	}
	return b.chains[slot].target, true
}

// NumChains returns how many chain slots the block's exit uses.
func (b *Block) NumChains() int {
	n := 0
	for i := range b.chains {
		if b.chains[i].used {
			n++
		}
	}
	return n
}

// Native returns the block's bytes in the code arena, or nil when the host
// has no native encoder.
func (b *Block) Native() []byte { return b.native }

// EntryAddr returns the arena address of the block's native code.
func (b *Block) EntryAddr() uintptr { return b.span.Addr }

// Touch records an execution at tick.
func (b *Block) Touch(tick uint64) {
	b.lastExec.Store(tick)
	b.execs.Add(1)
}

// Executions returns how often the block was entered.
func (b *Block) Executions() uint64 { return b.execs.Load() }

func (b *Block) String() string {
	return fmt.Sprintf("block %s %s [%d bytes, %d insns] %s", b.ID, b.Key, b.Size, b.Insns, b.State())
}

package constants

// Guest page geometry
const (
	PageBits = 12
	PageSize = 1 << PageBits
	PageMask = PageSize - 1
)

// Soft TLB geometry
const (
	DefaultTLBSets = 256 // must be a power of two
	VictimTLBSize  = 8
)

// Translation limits
const (
	DefaultMaxBlockInsns = 512 // guest instructions per translation block
	MaxSpillSlots        = 32  // scratch slots per context for register spills
	MaxSynthesisDepth    = 4   // nested synthesis expansions before a rule is rejected
	NumChainSlots        = 2   // chainable exits per block
)

// Translation cache limits
const (
	DefaultMaxBlocks     = 1 << 16
	DefaultMaxCodeBytes  = 64 * 1024 * 1024
	DefaultCodeArenaSize = 16 * 1024 * 1024 // native code arena (used on hosts with an encoder)
	EvictFraction        = 8                // evict 1/EvictFraction of resident blocks per pressure event
	FailureBlacklist     = 3                // consecutive translation failures before a PC is interpreted only
)

// JumpCacheSize is the number of per-context PC -> block entries.
const JumpCacheSize = 1 << 12

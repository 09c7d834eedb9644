package toy

import "xlate/pkg/types"

// Context word layout.
const (
	NumRegs = 16

	EnvStatus  = 16
	EnvEPC     = 17
	EnvCause   = 18
	EnvBadAddr = 19
	EnvVBase   = 20

	EnvVec  = 24 // v0..v3, two words each
	NumVecs = 4

	EnvWords = EnvVec + 2*NumVecs
)

// System registers addressed by mfs and mts.
const (
	SysStatus  = 0
	SysEPC     = 1
	SysCause   = 2
	SysBadAddr = 3
	SysVBase   = 4
	numSys     = 5
)

var sysEnv = [numSys]int{EnvStatus, EnvEPC, EnvCause, EnvBadAddr, EnvVBase}

// Status bits. Exception entry shifts the current pair into the previous
// pair; eret shifts it back.
const (
	StatusKernel     = 1 << 0
	StatusIE         = 1 << 1
	StatusPrevKernel = 1 << 2
	StatusPrevIE     = 1 << 3
	statusMask       = 0xF
)

// Execution modes.
const (
	ModeUser   types.Mode = 0
	ModeKernel types.Mode = 1
)

// ModeOf returns the execution mode a status word selects.
func ModeOf(status uint64) types.Mode {
	return types.Mode(status & StatusKernel)
}

// Guest exception causes.
const (
	ExcIllegal    = 1
	ExcSyscall    = 2
	ExcBreak      = 3
	ExcPrivileged = 4
	ExcMemory     = 5
	ExcFetch      = 6

	CauseInterrupt = 1 << 31 // or'ed with the line number
)

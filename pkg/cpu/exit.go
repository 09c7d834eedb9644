package cpu

import (
	"fmt"

	xerrors "xlate/pkg/errors"
	"xlate/pkg/tcache"
	"xlate/pkg/types"
)

// ExitKind says why execution returned to the dispatcher.
type ExitKind int

const (
	ExitFallThrough ExitKind = iota // continue at a known PC, possibly chaining
	ExitIndirect                    // continue at a PC computed at runtime
	ExitException                   // deliver Exception
	ExitInterrupt                   // an interrupt is pending at a block boundary
	ExitStop                        // return to the engine's caller
)

func (k ExitKind) String() string {
	switch k {
	case ExitFallThrough:
		return "fall-through"
	case ExitIndirect:
		return "indirect"
	case ExitException:
		return "exception"
	case ExitInterrupt:
		return "interrupt"
	case ExitStop:
		return "stop"
	default:
		return fmt.Sprintf("exit(%d)", int(k))
	}
}

// Engine-raised exception codes. Guest codes are below CodeEngineBase.
const (
	CodeEngineBase  = 0x100
	CodeMemoryFault = CodeEngineBase + iota // data access denied by the walker
	CodeFetchFault                          // instruction fetch denied
	CodeInterrupt                           // asynchronous interrupt, Aux holds the line
)

// Exception describes a fault, trap or interrupt to deliver.
type Exception struct {
	Code  int
	PC    types.GuestAddr // guest PC the exception is reported at
	Aux   uint64          // code specific, the fault address for memory faults
	Fault *xerrors.GuestFault
}

func (e *Exception) String() string {
	if e.Fault != nil {
		return fmt.Sprintf("exception %#x at %s: %v", e.Code, e.PC, e.Fault)
	}
	return fmt.Sprintf("exception %#x at %s aux=%#x", e.Code, e.PC, e.Aux)
}

// MemoryFault builds the exception for a denied access.
func MemoryFault(pc types.GuestAddr, f *xerrors.GuestFault) *Exception {
	code := CodeMemoryFault
	if f.Access == types.AccessExec {
		code = CodeFetchFault
	}
	return &Exception{Code: code, PC: pc, Aux: uint64(f.Addr), Fault: f}
}

// Exit is the tagged result of executing translated code.
type Exit struct {
	Kind      ExitKind
	PC        types.GuestAddr // next PC, or the PC the exception is reported at
	From      *tcache.Block   // last block executed
	Slot      int             // chain slot taken by a fall-through, -1 if none
	Exception *Exception
}

func (e Exit) String() string {
	s := fmt.Sprintf("%s -> %s", e.Kind, e.PC)
	if e.Slot >= 0 {
		s += fmt.Sprintf(" (slot %d)", e.Slot)
	}
	if e.Exception != nil {
		s += ": " + e.Exception.String()
	}
	return s
}

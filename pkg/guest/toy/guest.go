package toy

import (
	"fmt"
	"io"
	"sync"

	"xlate/pkg/cpu"
	xerrors "xlate/pkg/errors"
	"xlate/pkg/translate"
	"xlate/pkg/types"
)

// Guest holds machine-wide devices and installs the guest helpers on
// contexts.
type Guest struct {
	mu      sync.Mutex
	console io.Writer
}

// New creates a guest whose putc output goes to console. A nil console
// discards output.
func New(console io.Writer) *Guest {
	if console == nil {
		console = io.Discard
	}
	return &Guest{console: console}
}

// Decoder returns the translation decoder.
func (g *Guest) Decoder() translate.Decoder { return Decoder{} }

// EnvWords is the size of the context word array.
func (g *Guest) EnvWords() int { return EnvWords }

// Install registers the guest helpers on c.
func (g *Guest) Install(c *cpu.Context) {
	c.SetHelper(HelperPutc, g.putc)
	c.SetHelper(HelperSetStatus, setStatus)
	c.SetHelper(HelperEret, eret)
}

// Reset starts c at pc with the given status word.
func (g *Guest) Reset(c *cpu.Context, pc types.GuestAddr, status uint64) {
	c.PC = pc
	writeStatus(c, status)
}

func (g *Guest) putc(c *cpu.Context, ch, _, _ uint64) (uint64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, err := g.console.Write([]byte{byte(ch)})
	return 0, err
}

func writeStatus(c *cpu.Context, status uint64) {
	status &= statusMask
	c.Env[EnvStatus] = status
	c.Mode = ModeOf(status)
	c.SetInterruptsEnabled(status&StatusIE != 0)
}

func setStatus(c *cpu.Context, status, _, _ uint64) (uint64, error) {
	writeStatus(c, status)
	return 0, nil
}

func eret(c *cpu.Context, _, _, _ uint64) (uint64, error) {
	s := c.Env[EnvStatus]
	writeStatus(c, s&^(StatusKernel|StatusIE)|(s>>2)&(StatusKernel|StatusIE))
	return c.Env[EnvEPC], nil
}

// UnhandledException is returned when an exception arrives before the
// guest has installed a vector.
type UnhandledException struct {
	Exception *cpu.Exception
}

func (e *UnhandledException) Error() string {
	return fmt.Sprintf("unhandled %s", e.Exception)
}

// Cause maps an exception to the guest cause register value.
func Cause(e *cpu.Exception) uint64 {
	switch e.Code {
	case cpu.CodeMemoryFault:
		return ExcMemory
	case cpu.CodeFetchFault:
		return ExcFetch
	case cpu.CodeInterrupt:
		return CauseInterrupt | e.Aux
	default:
		return uint64(e.Code)
	}
}

// Deliver enters the guest's exception vector. Interrupts are reported at
// the PC to resume at, everything else at the faulting instruction.
func (g *Guest) Deliver(c *cpu.Context, e *cpu.Exception) (types.GuestAddr, error) {
	vbase := c.Env[EnvVBase]
	if vbase == 0 {
		return 0, &UnhandledException{Exception: e}
	}
	c.Env[EnvEPC] = uint64(uint32(e.PC))
	c.Env[EnvCause] = Cause(e)
	switch e.Code {
	case cpu.CodeMemoryFault, cpu.CodeFetchFault:
		c.Env[EnvBadAddr] = uint64(uint32(e.Aux))
	}
	s := c.Env[EnvStatus]
	writeStatus(c, (s&(StatusKernel|StatusIE))<<2|StatusKernel)
	return types.GuestAddr(uint32(vbase)), nil
}

// Interpreter executes one instruction at a time without the translation
// cache. The engine uses it for code the pipeline cannot translate.
type Interpreter struct {
	pipe *translate.Pipeline
}

// NewInterpreter reads code through mem.
func NewInterpreter(mem translate.Memory) *Interpreter {
	return &Interpreter{pipe: translate.NewPipeline(Decoder{}, mem, nil, translate.Options{MaxInsns: 1})}
}

// Step executes the instruction at c.PC. Undefined instructions raise
// ExcIllegal.
func (it *Interpreter) Step(c *cpu.Context) (cpu.Exit, error) {
	blk, err := it.pipe.BuildIR(c.PC, c.Mode)
	if err != nil {
		var gf *xerrors.GuestFault
		if xerrors.As(err, &gf) {
			exc := cpu.MemoryFault(c.PC, gf)
			return cpu.Exit{Kind: cpu.ExitException, PC: c.PC, Slot: -1, Exception: exc}, nil
		}
		var de *DecodeError
		if xerrors.As(err, &de) {
			exc := &cpu.Exception{Code: ExcIllegal, PC: c.PC, Aux: uint64(de.Word)}
			return cpu.Exit{Kind: cpu.ExitException, PC: c.PC, Slot: -1, Exception: exc}, nil
		}
		return cpu.Exit{}, err
	}
	return cpu.EvalIR(c, blk)
}

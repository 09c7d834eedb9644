// Package engine wires guest memory, the translation pipeline, the shared
// translation cache and per-context soft TLBs together, and runs the
// dispatch loop for each execution context.
package engine

import (
	"log"
	"sync"
	"sync/atomic"

	"xlate/pkg/backend"
	"xlate/pkg/codemem"
	"xlate/pkg/constants"
	"xlate/pkg/cpu"
	"xlate/pkg/ram"
	"xlate/pkg/softtlb"
	"xlate/pkg/tcache"
	"xlate/pkg/translate"
	"xlate/pkg/types"
)

// Deliverer enters the guest's handler for an exception or interrupt and
// returns the PC to continue at. An error stops the context.
type Deliverer interface {
	Deliver(c *cpu.Context, e *cpu.Exception) (types.GuestAddr, error)
}

// Guest is the architecture-specific half of the engine.
type Guest interface {
	Deliverer
	Decoder() translate.Decoder
	EnvWords() int
	Install(c *cpu.Context)
}

// Interpreter executes the single instruction at c.PC without translating
// it. The dispatcher uses it when a block cannot be translated.
type Interpreter interface {
	Step(c *cpu.Context) (cpu.Exit, error)
}

// Executor runs a translated block and whatever is chained from it.
type Executor interface {
	Execute(c *cpu.Context, b *tcache.Block) (cpu.Exit, error)
}

// Hooks are optional observation points. They are called synchronously on
// the executing context's goroutine, except OnStateChange and
// OnBlockResident which run on whichever goroutine changed the cache.
type Hooks struct {
	OnBlockResident func(pc types.GuestAddr, size uint64, insns int)
	OnStateChange   func(key tcache.Key, from, to tcache.State)
	OnBlockEnter    func(c *cpu.Context, b *tcache.Block)
	OnBlockExit     func(c *cpu.Context, b *tcache.Block, e cpu.Exit)
	OnException     func(c *cpu.Context, e *cpu.Exception)
}

// Stats counts dispatcher activity across all contexts.
type Stats struct {
	Dispatches  atomic.Uint64
	Links       atomic.Uint64
	Interpreted atomic.Uint64
	Exceptions  atomic.Uint64
	Interrupts  atomic.Uint64
}

// Engine is one emulated machine.
type Engine struct {
	cfg    Config
	log    *log.Logger
	hooks  Hooks
	guest  Guest
	interp Interpreter
	exec   Executor

	Mem      *ram.RAM
	Desc     *backend.Descriptor
	Arena    *codemem.Arena
	Pipeline *translate.Pipeline
	Cache    *tcache.Cache
	TLBs     *softtlb.Registry

	mu       sync.Mutex
	contexts []*cpu.Context

	Stats Stats
}

// New builds an engine over mem. interp may be nil, in which case a block
// that cannot be translated stops its context with the translation error.
func New(cfg Config, mem *ram.RAM, g Guest, interp Interpreter, hooks Hooks) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}

	var desc *backend.Descriptor
	var err error
	if cfg.Host == "" {
		desc, err = backend.ForHost()
	} else {
		var arch backend.HostArch
		if arch, err = backend.ParseHostArch(cfg.Host); err == nil {
			desc, err = backend.Select(arch)
		}
	}
	if err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:    cfg,
		log:    logger,
		hooks:  hooks,
		guest:  g,
		interp: interp,
		exec:   cpu.NewMachine(),
		Mem:    mem,
		Desc:   desc,
		TLBs:   softtlb.NewRegistry(),
	}
	if desc.Encoder != nil {
		size := cfg.ArenaSize
		if size <= 0 {
			size = constants.DefaultCodeArenaSize
		}
		if e.Arena, err = codemem.NewArena(size); err != nil {
			return nil, err
		}
	}

	e.Pipeline = translate.NewPipeline(g.Decoder(), mem, desc, translate.Options{MaxInsns: cfg.MaxBlockInsns})
	e.Cache = tcache.New(tcache.Config{
		MaxBlocks:        cfg.MaxBlocks,
		MaxCodeBytes:     cfg.MaxCodeBytes,
		FailureBlacklist: cfg.FailureBlacklist,
		VerifyCode:       cfg.VerifyCode,
		Arena:            e.Arena,
		Encoder:          desc.Encoder,
		Revoker:          e.TLBs,
		Frames:           mem,
		Hooks: tcache.Hooks{
			OnBlockResident: hooks.OnBlockResident,
			OnStateChange:   hooks.OnStateChange,
		},
		Logger:  logger,
		Verbose: cfg.Verbose,
	}, e.Pipeline)

	mem.AddListener(e.Cache)
	mem.AddListener(tlbListener{e.TLBs})

	if cfg.Verbose {
		logger.Printf("engine: host %s, %d-insn blocks, %d TLB sets", desc.Arch, cfg.MaxBlockInsns, cfg.TLBSets)
	}
	return e, nil
}

// tlbListener revokes every TLB entry for the old frame of a changed page
// before the frame can be reused, then queues a page flush to clear what
// is left of them.
type tlbListener struct{ reg *softtlb.Registry }

func (l tlbListener) PageRemapped(vpn, frame uint64) {
	l.reg.RevokeFrame(frame)
	l.reg.FlushPage(types.GuestAddr(vpn << constants.PageBits))
}

func (l tlbListener) FrameWritten(uint64) {}

// NewContext creates a guest processor with its own soft TLB.
func (e *Engine) NewContext(id int) *cpu.Context {
	c := cpu.NewContext(id, e.guest.EnvWords(), e.Mem, e.Cache, e.cfg.TLBSets)
	e.guest.Install(c)
	if e.hooks.OnBlockEnter != nil || e.hooks.OnBlockExit != nil {
		c.Observer = observer{&e.hooks}
	}
	e.TLBs.Register(c.TLB)

	e.mu.Lock()
	e.contexts = append(e.contexts, c)
	e.mu.Unlock()
	return c
}

// CloseContext releases c. It must not be running.
func (e *Engine) CloseContext(c *cpu.Context) {
	e.TLBs.Unregister(c.TLB)
	c.Close()

	e.mu.Lock()
	defer e.mu.Unlock()
	for i, x := range e.contexts {
		if x == c {
			e.contexts = append(e.contexts[:i], e.contexts[i+1:]...)
			break
		}
	}
}

// Contexts returns the open contexts.
func (e *Engine) Contexts() []*cpu.Context {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*cpu.Context(nil), e.contexts...)
}

// StopAll asks every context to return at its next block boundary.
func (e *Engine) StopAll() {
	for _, c := range e.Contexts() {
		c.RequestStop()
	}
}

// Close releases the code arena.
func (e *Engine) Close() error {
	for _, c := range e.Contexts() {
		e.CloseContext(c)
	}
	if e.Arena != nil {
		return e.Arena.Close()
	}
	return nil
}

type observer struct{ h *Hooks }

func (o observer) OnBlockEnter(c *cpu.Context, b *tcache.Block) {
	if o.h.OnBlockEnter != nil {
		o.h.OnBlockEnter(c, b)
	}
}

func (o observer) OnBlockExit(c *cpu.Context, b *tcache.Block, ex cpu.Exit) {
	if o.h.OnBlockExit != nil {
		o.h.OnBlockExit(c, b, ex)
	}
}

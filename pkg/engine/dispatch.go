package engine

import (
	"context"

	"xlate/pkg/cpu"
	xerrors "xlate/pkg/errors"
	"xlate/pkg/tcache"
)

// Run executes c from c.PC until the guest stops, a stop is requested, ctx
// is cancelled or a fatal error occurs. It returns nil on a guest or
// requested stop and ctx.Err() after cancellation. c must only be run by
// one goroutine at a time.
func (e *Engine) Run(ctx context.Context, c *cpu.Context) error {
	release := context.AfterFunc(ctx, c.RequestStop)
	defer release()
	defer c.Part.Park()

	var last cpu.Exit
	for {
		// No block obtained before this point is used after it, except as
		// the source of a link, which Link revalidates.
		c.Part.Quiesce()
		c.TLB.Drain()

		if c.StopRequested() {
			c.ClearStop()
			return ctx.Err()
		}
		if c.InterruptPending() {
			if line, ok := c.TakeInterrupt(); ok {
				e.Stats.Interrupts.Add(1)
				exc := &cpu.Exception{Code: cpu.CodeInterrupt, PC: c.PC, Aux: uint64(line)}
				if err := e.deliver(c, exc); err != nil {
					return err
				}
				last = cpu.Exit{}
				continue
			}
		}

		e.Stats.Dispatches.Add(1)
		b, err := e.lookup(c)
		if err != nil {
			exit, err := e.recoverTranslation(c, err)
			if err != nil {
				return err
			}
			last = cpu.Exit{}
			if stop, err := e.handle(c, exit); stop || err != nil {
				return err
			}
			continue
		}

		if last.From != nil && last.Slot >= 0 && !e.cfg.DisableChaining {
			if e.Cache.Link(last.From, last.Slot, b) {
				e.Stats.Links.Add(1)
			}
		}

		exit, err := e.exec.Execute(c, b)
		if err != nil {
			return err
		}
		last = exit
		if stop, err := e.handle(c, exit); stop || err != nil {
			return err
		}
	}
}

// lookup finds the block for the context's PC and mode, compiling on a
// miss.
func (e *Engine) lookup(c *cpu.Context) (*tcache.Block, error) {
	if b := c.LookupJump(c.PC, c.Mode); b != nil {
		return b, nil
	}
	b, err := e.Cache.FindOrCompile(c.PC, c.Mode)
	if err != nil {
		return nil, err
	}
	c.RememberJump(b)
	return b, nil
}

// recoverTranslation turns a failed translation into an exit: a fetch
// fault becomes a guest exception, anything else is interpreted one
// instruction at a time.
func (e *Engine) recoverTranslation(c *cpu.Context, err error) (cpu.Exit, error) {
	var te *xerrors.TranslationError
	if !xerrors.As(err, &te) {
		return cpu.Exit{}, err
	}
	if te.Reason == xerrors.ReasonFetch {
		var gf *xerrors.GuestFault
		if xerrors.As(err, &gf) {
			exc := cpu.MemoryFault(c.PC, gf)
			return cpu.Exit{Kind: cpu.ExitException, PC: c.PC, Slot: -1, Exception: exc}, nil
		}
	}
	if e.interp == nil {
		return cpu.Exit{}, err
	}
	if e.cfg.Verbose {
		e.log.Printf("engine: context %d interpreting at %s: %v", c.ID, c.PC, err)
	}
	e.Stats.Interpreted.Add(1)
	return e.interp.Step(c)
}

// handle applies an exit to the context. stop reports that Run should
// return.
func (e *Engine) handle(c *cpu.Context, exit cpu.Exit) (stop bool, err error) {
	switch exit.Kind {
	case cpu.ExitFallThrough, cpu.ExitIndirect, cpu.ExitInterrupt:
		c.PC = exit.PC
	case cpu.ExitException:
		if err := e.deliver(c, exit.Exception); err != nil {
			return true, err
		}
	case cpu.ExitStop:
		c.PC = exit.PC
		// A requested stop is consumed at the top of the loop.
		return !c.StopRequested(), nil
	}
	return false, nil
}

func (e *Engine) deliver(c *cpu.Context, exc *cpu.Exception) error {
	e.Stats.Exceptions.Add(1)
	if e.hooks.OnException != nil {
		e.hooks.OnException(c, exc)
	}
	pc, err := e.guest.Deliver(c, exc)
	if err != nil {
		return xerrors.Wrapf(err, "context %d", c.ID)
	}
	c.PC = pc
	return nil
}

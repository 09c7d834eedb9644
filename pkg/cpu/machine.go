package cpu

import (
	"fmt"
	"math/bits"

	"xlate/pkg/backend/hostcode"
	"xlate/pkg/constants"
	xerrors "xlate/pkg/errors"
	"xlate/pkg/ir"
	"xlate/pkg/tcache"
	"xlate/pkg/types"
)

// Machine runs threaded host code. It follows chain links between blocks
// itself and only returns when an exit has no resolved link.
type Machine struct{}

func NewMachine() *Machine { return &Machine{} }

// Execute runs b and any blocks chained from it.
func (m *Machine) Execute(c *Context, b *tcache.Block) (Exit, error) {
	chained := false
	for {
		switch b.State() {
		case tcache.StateReclaimed:
			return Exit{}, xerrors.ConsistencyErrorf("context %d entered reclaimed %s", c.ID, b)
		case tcache.StateInvalid:
			// Invalidated after we got hold of it but before reclamation:
			// look it up again from the dispatcher.
			c.Stats.Abandoned.Add(1)
			return Exit{Kind: ExitFallThrough, PC: b.Key.PC, Slot: -1}, nil
		}

		c.Stats.Blocks.Add(1)
		if chained {
			c.Stats.Chained.Add(1)
		}
		if c.Cache != nil {
			b.Touch(c.Cache.Tick())
		}
		if c.Observer != nil {
			c.Observer.OnBlockEnter(c, b)
		}
		exit, err := m.run(c, b)
		if err != nil {
			return Exit{}, err
		}
		exit.From = b
		if c.Observer != nil {
			c.Observer.OnBlockExit(c, b, exit)
		}

		if exit.Kind == ExitFallThrough && exit.Slot >= 0 {
			if next := b.Chain(exit.Slot); next != nil {
				b = next
				chained = true
				continue
			}
		}
		return exit, nil
	}
}

// run executes one block.
func (m *Machine) run(c *Context, b *tcache.Block) (Exit, error) {
	code := b.Code.Insns
	r := &c.gp
	v := &c.vec
	abandon := false

	for i := 0; i < len(code); i++ {
		in := &code[i]
		w := in.W
		switch in.Op {
		case hostcode.Check:
			if c.hasWork() {
				return m.pendingExit(c, b), nil
			}

		case hostcode.Mark:
			if abandon {
				c.Stats.Abandoned.Add(1)
				return Exit{Kind: ExitFallThrough, PC: types.GuestAddr(in.Imm), Slot: -1}, nil
			}
			c.insnPC = types.GuestAddr(in.Imm)
			c.insnLen = int(in.Size)

		case hostcode.MovI:
			r[in.Rd] = w.Truncate(uint64(in.Imm))

		case hostcode.Mov:
			if in.Vector() {
				v[in.Rd] = v[in.Ra]
			} else {
				r[in.Rd] = r[in.Ra]
			}

		case hostcode.And, hostcode.Or, hostcode.Xor:
			if in.Vector() {
				a, y := v[in.Ra], v[in.Rb]
				for k := range a {
					switch in.Op {
					case hostcode.And:
						a[k] &= y[k]
					case hostcode.Or:
						a[k] |= y[k]
					default:
						a[k] ^= y[k]
					}
				}
				v[in.Rd] = a
				continue
			}
			r[in.Rd] = w.Truncate(alu(in.Op, w, r[in.Ra], r[in.Rb]))

		case hostcode.Add, hostcode.Sub, hostcode.Mul, hostcode.DivU, hostcode.RemU,
			hostcode.AndC, hostcode.Shl, hostcode.Shr, hostcode.Sar, hostcode.Rotl, hostcode.Rotr:
			r[in.Rd] = w.Truncate(alu(in.Op, w, r[in.Ra], r[in.Rb]))

		case hostcode.Neg:
			r[in.Rd] = w.Truncate(-r[in.Ra])

		case hostcode.Not:
			r[in.Rd] = w.Truncate(^r[in.Ra])

		case hostcode.SetCond:
			var res uint64
			if in.Cond.Eval(r[in.Ra], r[in.Rb], ir.Width(in.Imm)) {
				res = 1
			}
			r[in.Rd] = res

		case hostcode.Select:
			if r[in.Rc] != 0 {
				r[in.Rd] = r[in.Ra]
			} else {
				r[in.Rd] = r[in.Rb]
			}

		case hostcode.ZExt:
			r[in.Rd] = ir.Width(in.Imm).Truncate(r[in.Ra])

		case hostcode.SExt:
			r[in.Rd] = w.Truncate(uint64(ir.Width(in.Imm).SignExtend(r[in.Ra])))

		case hostcode.Trunc:
			r[in.Rd] = w.Truncate(r[in.Ra])

		case hostcode.LdState:
			off := int(in.Imm)
			if in.Vector() {
				v[in.Rd] = [2]uint64{c.Env[off], c.Env[off+1]}
			} else {
				r[in.Rd] = w.Truncate(c.Env[off])
			}

		case hostcode.StState:
			off := int(in.Imm)
			if in.Vector() {
				c.Env[off], c.Env[off+1] = v[in.Ra][0], v[in.Ra][1]
			} else {
				c.Env[off] = w.Truncate(r[in.Ra])
			}

		case hostcode.Spill:
			if in.Vector() {
				c.spill[in.Imm] = v[in.Ra]
			} else {
				c.spill[in.Imm][0] = r[in.Ra]
			}

		case hostcode.Fill:
			if in.Vector() {
				v[in.Rd] = c.spill[in.Imm]
			} else {
				r[in.Rd] = c.spill[in.Imm][0]
			}

		case hostcode.Load:
			val, fault := m.load(c, types.GuestAddr(r[in.Ra]), int(in.Size))
			if fault != nil {
				return m.faultExit(c, fault), nil
			}
			if in.Signed {
				val = signExtend(val, int(in.Size))
			}
			r[in.Rd] = w.Truncate(val)

		case hostcode.Store:
			fault := m.store(c, types.GuestAddr(r[in.Ra]), int(in.Size), r[in.Rb])
			if fault != nil {
				return m.faultExit(c, fault), nil
			}
			if b.State() != tcache.StateResident {
				abandon = true
			}

		case hostcode.Call:
			id := int(in.Imm)
			if id >= len(c.Helpers) || c.Helpers[id] == nil {
				return Exit{}, xerrors.ConsistencyErrorf("block %s calls unknown helper %d", b.Key, id)
			}
			args := [3]uint64{r[in.Ra], r[in.Rb], r[in.Rc]}
			for k := int(in.NArgs); k < 3; k++ {
				args[k] = 0
			}
			res, err := c.Helpers[id](c, args[0], args[1], args[2])
			if err != nil {
				var gf *xerrors.GuestFault
				if xerrors.As(err, &gf) {
					return m.faultExit(c, gf), nil
				}
				return Exit{}, xerrors.Wrapf(err, "helper %d at %s", id, c.insnPC)
			}
			if w != 0 {
				r[in.Rd] = w.Truncate(res)
			}
			if b.State() != tcache.StateResident {
				abandon = true
			}

		case hostcode.Goto:
			slot := int(in.Slot)
			if abandon {
				slot = -1
			}
			return Exit{Kind: ExitFallThrough, PC: in.Target, Slot: slot}, nil

		case hostcode.GotoCond:
			exit := Exit{Kind: ExitFallThrough, PC: in.Alt, Slot: 1}
			if in.Cond.Eval(r[in.Ra], r[in.Rb], w) {
				exit.PC, exit.Slot = in.Target, 0
			}
			if abandon {
				exit.Slot = -1
			}
			return exit, nil

		case hostcode.GotoInd:
			return Exit{Kind: ExitIndirect, PC: types.GuestAddr(r[in.Ra]), Slot: -1}, nil

		case hostcode.Raise:
			return Exit{
				Kind:      ExitException,
				PC:        in.Target,
				Slot:      -1,
				Exception: &Exception{Code: int(in.Imm), PC: in.Target, Aux: uint64(in.Aux)},
			}, nil

		case hostcode.Stop:
			return Exit{Kind: ExitStop, PC: in.Target, Slot: -1}, nil

		default:
			return Exit{}, fmt.Errorf("unknown host op %s at %d in %s", in.Op, i, b.Key)
		}
	}
	return Exit{}, xerrors.ConsistencyErrorf("%s ran off the end of its code", b)
}

func (m *Machine) pendingExit(c *Context, b *tcache.Block) Exit {
	switch {
	case c.StopRequested():
		return Exit{Kind: ExitStop, PC: b.Key.PC, Slot: -1}
	case c.InterruptPending():
		return Exit{Kind: ExitInterrupt, PC: b.Key.PC, Slot: -1}
	default:
		// queued TLB maintenance; the dispatcher drains it
		return Exit{Kind: ExitFallThrough, PC: b.Key.PC, Slot: -1}
	}
}

func (m *Machine) faultExit(c *Context, f *xerrors.GuestFault) Exit {
	return Exit{Kind: ExitException, PC: c.insnPC, Slot: -1, Exception: MemoryFault(c.insnPC, f)}
}

func signExtend(v uint64, size int) uint64 {
	shift := 64 - 8*size
	return uint64(int64(v<<shift) >> shift)
}

func alu(op hostcode.Op, w ir.Width, a, b uint64) uint64 {
	a, b = w.Truncate(a), w.Truncate(b)
	sh := b & uint64(w-1)
	switch op {
	case hostcode.Add:
		return a + b
	case hostcode.Sub:
		return a - b
	case hostcode.Mul:
		return a * b
	case hostcode.DivU:
		if b == 0 {
			return w.Mask()
		}
		return a / b
	case hostcode.RemU:
		if b == 0 {
			return a
		}
		return a % b
	case hostcode.And:
		return a & b
	case hostcode.Or:
		return a | b
	case hostcode.Xor:
		return a ^ b
	case hostcode.AndC:
		return a &^ b
	case hostcode.Shl:
		return a << sh
	case hostcode.Shr:
		return a >> sh
	case hostcode.Sar:
		return uint64(w.SignExtend(a) >> sh)
	case hostcode.Rotl:
		if w == ir.W32 {
			return uint64(bits.RotateLeft32(uint32(a), int(sh)))
		}
		return bits.RotateLeft64(a, int(sh))
	case hostcode.Rotr:
		if w == ir.W32 {
			return uint64(bits.RotateLeft32(uint32(a), -int(sh)))
		}
		return bits.RotateLeft64(a, -int(sh))
	}
	return 0
}

//
// Guest memory through the soft TLB
//

func (m *Machine) load(c *Context, va types.GuestAddr, size int) (uint64, *xerrors.GuestFault) {
	if int(va.PageOffset())+size <= constants.PageSize {
		h, ok := c.TLB.Translate(va, types.AccessRead)
		if !ok {
			var fault *xerrors.GuestFault
			if h, _, _, fault = c.TLB.Fill(va, types.AccessRead); fault != nil {
				return 0, fault
			}
		}
		return c.Mem.Load(h, size), nil
	}
	var val uint64
	for k := 0; k < size; k++ {
		byt, fault := m.load(c, va+types.GuestAddr(k), 1)
		if fault != nil {
			return 0, fault
		}
		val |= byt << (8 * k)
	}
	return val, nil
}

func (m *Machine) store(c *Context, va types.GuestAddr, size int, val uint64) *xerrors.GuestFault {
	if int(va.PageOffset())+size <= constants.PageSize {
		h, frame, codeWrite, fault := c.TLB.Lookup(va, types.AccessWrite)
		if fault != nil {
			return fault
		}
		c.Mem.Store(h, size, val)
		if codeWrite && c.Cache != nil {
			c.Cache.InvalidateFrame(frame)
		}
		return nil
	}
	// Check both pages before writing anything so a fault leaves memory
	// unchanged.
	split := constants.PageSize - int(va.PageOffset())
	for _, a := range []types.GuestAddr{va, va + types.GuestAddr(split)} {
		if _, _, _, fault := c.TLB.Lookup(a, types.AccessWrite); fault != nil {
			return fault
		}
	}
	for k := 0; k < size; k++ {
		if fault := m.store(c, va+types.GuestAddr(k), 1, val>>(8*k)); fault != nil {
			return fault
		}
	}
	return nil
}

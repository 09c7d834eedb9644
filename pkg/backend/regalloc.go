package backend

import (
	"xlate/pkg/backend/hostcode"
	"xlate/pkg/constants"
	xerrors "xlate/pkg/errors"
	"xlate/pkg/ir"
	"xlate/pkg/types"
)

type regClass int

const (
	classGP regClass = iota
	classVec
	numClasses
)

func classOf(t ir.Temp) regClass {
	if t.Kind == ir.KindVector {
		return classVec
	}
	return classGP
}

type location struct {
	reg   hostcode.Reg
	inReg bool
	slot  int // -1 until first spilled
}

type regFile struct {
	free   []hostcode.Reg // stack; the preferred register is on top
	owner  []int32        // temp ID per register, -1 when free or not allocatable
	locked []int          // op index that last locked the register
}

// allocator is a linear-scan allocator over one expanded block. Temps get
// registers in order of first definition; when a file is exhausted the
// resident temp with the furthest next use is spilled. A spilled temp keeps
// its slot until it dies, so it is stored at most once.
type allocator struct {
	pc     types.GuestAddr
	files  [numClasses]regFile
	loc    []location
	next   []int
	slots  []bool
	nslots int
	op     int
	emit   func(hostcode.Insn)
}

func newAllocator(b *ir.Block, rf RegisterFile, emit func(hostcode.Insn)) *allocator {
	a := &allocator{
		loc:  make([]location, len(b.Temps)),
		next: make([]int, len(b.Temps)),
		emit: emit,
		pc:   b.PC,
	}
	for i := range a.loc {
		a.loc[i].slot = -1
		a.next[i] = Never
	}
	a.files[classGP] = newRegFile(rf.GP, rf.Allocatable())
	vec := make([]hostcode.Reg, rf.Vec)
	for i := range vec {
		vec[i] = hostcode.Reg(i)
	}
	a.files[classVec] = newRegFile(rf.Vec, vec)
	return a
}

func newRegFile(size int, allocatable []hostcode.Reg) regFile {
	f := regFile{
		owner:  make([]int32, size),
		locked: make([]int, size),
	}
	for i := range f.owner {
		f.owner[i] = -1
		f.locked[i] = -1
	}
	for i := len(allocatable) - 1; i >= 0; i-- {
		f.free = append(f.free, allocatable[i])
	}
	return f
}

// use makes t available in a register for the current op and locks it.
func (a *allocator) use(t ir.Temp) (hostcode.Reg, error) {
	l := &a.loc[t.ID]
	f := &a.files[classOf(t)]
	if l.inReg {
		f.locked[l.reg] = a.op
		return l.reg, nil
	}
	if l.slot < 0 {
		return 0, xerrors.ConsistencyErrorf("temp %s read before definition at %s", t, a.pc)
	}
	r, err := a.take(classOf(t))
	if err != nil {
		return 0, err
	}
	a.emit(hostcode.Insn{Op: hostcode.Fill, W: t.Width, Rd: r, Imm: int64(l.slot)})
	a.bind(t, r)
	return r, nil
}

// def assigns a register to the result of the current op.
func (a *allocator) def(t ir.Temp, nextUse int) (hostcode.Reg, error) {
	r, err := a.take(classOf(t))
	if err != nil {
		return 0, err
	}
	a.bind(t, r)
	a.next[t.ID] = nextUse
	return r, nil
}

func (a *allocator) bind(t ir.Temp, r hostcode.Reg) {
	f := &a.files[classOf(t)]
	f.owner[r] = t.ID
	f.locked[r] = a.op
	a.loc[t.ID].reg = r
	a.loc[t.ID].inReg = true
}

// take returns a free register of class c, spilling if necessary.
func (a *allocator) take(c regClass) (hostcode.Reg, error) {
	f := &a.files[c]
	if n := len(f.free); n > 0 {
		r := f.free[n-1]
		f.free = f.free[:n-1]
		return r, nil
	}

	victim := int32(-1)
	var vreg hostcode.Reg
	furthest := -1
	for r, id := range f.owner {
		if id < 0 || f.locked[r] == a.op {
			continue
		}
		if a.next[id] > furthest {
			furthest = a.next[id]
			victim = id
			vreg = hostcode.Reg(r)
		}
	}
	if victim < 0 {
		return 0, xerrors.TranslationErrorf(a.pc, xerrors.ReasonTooLarge, "register file exhausted by a single op")
	}

	l := &a.loc[victim]
	if l.slot < 0 {
		slot, err := a.newSlot()
		if err != nil {
			return 0, err
		}
		l.slot = slot
		w := ir.W64
		if c == classVec {
			w = ir.W128
		}
		a.emit(hostcode.Insn{Op: hostcode.Spill, W: w, Ra: vreg, Imm: int64(slot)})
	}
	l.inReg = false
	f.owner[vreg] = -1
	return vreg, nil
}

func (a *allocator) newSlot() (int, error) {
	for i, used := range a.slots {
		if !used {
			a.slots[i] = true
			return i, nil
		}
	}
	if len(a.slots) >= constants.MaxSpillSlots {
		return 0, xerrors.TranslationErrorf(a.pc, xerrors.ReasonTooLarge, "block needs more than %d spill slots", constants.MaxSpillSlots)
	}
	a.slots = append(a.slots, true)
	if len(a.slots) > a.nslots {
		a.nslots = len(a.slots)
	}
	return len(a.slots) - 1, nil
}

// advance records the next use of t after the current op and releases it
// when there is none.
func (a *allocator) advance(t ir.Temp, nextUse int) {
	a.next[t.ID] = nextUse
	if nextUse == Never {
		a.release(t)
	}
}

func (a *allocator) release(t ir.Temp) {
	l := &a.loc[t.ID]
	if l.inReg {
		f := &a.files[classOf(t)]
		f.owner[l.reg] = -1
		f.free = append(f.free, l.reg)
		l.inReg = false
	}
	if l.slot >= 0 {
		a.slots[l.slot] = false
		l.slot = -1
	}
}

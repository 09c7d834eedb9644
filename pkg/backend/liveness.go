package backend

import "xlate/pkg/ir"

// Never is the next-use position of a temp with no further use.
const Never = int(^uint(0) >> 1)

// Interval is the live range of one temp: defined at Def, last read at End.
// End equals Def for a temp that is never read.
type Interval struct {
	Temp ir.Temp
	Def  int
	End  int
}

// Liveness holds the result of the backward pass over an expanded block.
type Liveness struct {
	Intervals []Interval // indexed by temp ID; Def is -1 for temps never defined
	defNext   []int      // per op: first use of its result after the op
	useNext   [][]int    // per op, per operand: next use of that temp after the op
}

// ComputeLiveness walks ops once from last to first.
func ComputeLiveness(b *ir.Block) *Liveness {
	lv := &Liveness{
		Intervals: make([]Interval, len(b.Temps)),
		defNext:   make([]int, len(b.Ops)),
		useNext:   make([][]int, len(b.Ops)),
	}
	next := make([]int, len(b.Temps))
	for i := range next {
		next[i] = Never
		lv.Intervals[i] = Interval{Temp: b.Temps[i], Def: -1, End: -1}
	}

	for i := len(b.Ops) - 1; i >= 0; i-- {
		op := &b.Ops[i]
		if op.Result.Valid() {
			id := op.Result.ID
			lv.defNext[i] = next[id]
			lv.Intervals[id].Def = i
			if lv.Intervals[id].End < 0 {
				lv.Intervals[id].End = i
			}
			next[id] = Never
		}

		uses := make([]int, len(op.Args))
		for k, a := range op.Args {
			uses[k] = Never
			if a.Kind != ir.OperandTemp {
				continue
			}
			id := a.Temp.ID
			uses[k] = next[id]
			if lv.Intervals[id].End < 0 {
				lv.Intervals[id].End = i
			}
		}
		for _, a := range op.Args {
			if a.Kind == ir.OperandTemp {
				next[a.Temp.ID] = i
			}
		}
		lv.useNext[i] = uses
	}
	return lv
}

// NextUseAfterDef returns the first position reading the result of op i.
func (lv *Liveness) NextUseAfterDef(i int) int { return lv.defNext[i] }

// NextUseAfter returns the next position reading operand k of op i.
func (lv *Liveness) NextUseAfter(i, k int) int { return lv.useNext[i][k] }

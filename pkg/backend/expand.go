package backend

import (
	"xlate/pkg/constants"
	xerrors "xlate/pkg/errors"
	"xlate/pkg/ir"
)

// Expand rewrites every op the descriptor does not support into its
// synthesis, keeping program order. The input block is not modified.
func Expand(b *ir.Block, d *Descriptor) (*ir.Block, error) {
	out := &ir.Block{
		PC:        b.PC,
		Mode:      b.Mode,
		Ops:       make([]ir.Op, 0, len(b.Ops)),
		Temps:     append([]ir.Temp(nil), b.Temps...),
		GuestSize: b.GuestSize,
		InsnCount: b.InsnCount,
	}
	newTemp := func(w ir.Width) ir.Temp {
		kind := ir.KindGeneral
		if w == ir.W128 {
			kind = ir.KindVector
		}
		t := ir.Temp{ID: int32(len(out.Temps)), Width: w, Kind: kind}
		out.Temps = append(out.Temps, t)
		return t
	}

	var expand func(op ir.Op, depth int) error
	expand = func(op ir.Op, depth int) error {
		if d.Supports(op.Opcode) {
			out.Ops = append(out.Ops, op)
			return nil
		}
		if depth >= constants.MaxSynthesisDepth {
			return xerrors.TranslationErrorf(b.PC, xerrors.ReasonBackend, "synthesis of %s too deep", op.Opcode)
		}
		seq, ok := d.Synthesize(op, newTemp)
		if !ok {
			return xerrors.ConfigErrorf("%s: no lowering for %s", d.Arch, op.Opcode)
		}
		for _, sub := range seq {
			if err := expand(sub, depth+1); err != nil {
				return err
			}
		}
		return nil
	}

	for _, op := range b.Ops {
		if err := expand(op, 0); err != nil {
			return nil, err
		}
	}
	return out, nil
}

package toy

import (
	"encoding/binary"
	"fmt"

	"xlate/pkg/types"
)

type fixup struct {
	at    int
	label string
	jal   bool
}

// Asm assembles a program at a fixed base address. Branch targets are
// labels resolved by Bytes.
type Asm struct {
	base   types.GuestAddr
	words  []uint32
	labels map[string]int
	fixups []fixup
}

// NewAsm starts a program at base.
func NewAsm(base types.GuestAddr) *Asm {
	return &Asm{base: base, labels: make(map[string]int)}
}

// PC returns the address of the next instruction.
func (a *Asm) PC() types.GuestAddr { return a.base + types.GuestAddr(InsnLen*len(a.words)) }

// Label names the next instruction.
func (a *Asm) Label(name string) *Asm {
	a.labels[name] = len(a.words)
	return a
}

// Word emits a raw instruction word.
func (a *Asm) Word(w uint32) *Asm {
	a.words = append(a.words, w)
	return a
}

func (a *Asm) R(op Opcode, rd, ra, rb int) *Asm        { return a.Word(encR(op, rd, ra, rb)) }
func (a *Asm) I(op Opcode, rd, ra int, imm int32) *Asm { return a.Word(encI(op, rd, ra, imm)) }

func (a *Asm) Add(rd, ra, rb int) *Asm         { return a.R(OpAdd, rd, ra, rb) }
func (a *Asm) Sub(rd, ra, rb int) *Asm         { return a.R(OpSub, rd, ra, rb) }
func (a *Asm) Addi(rd, ra int, imm int32) *Asm { return a.I(OpAddi, rd, ra, imm) }
func (a *Asm) Ori(rd, ra int, imm int32) *Asm  { return a.I(OpOri, rd, ra, imm) }
func (a *Asm) Lui(rd int, imm int32) *Asm      { return a.I(OpLui, rd, 0, imm) }

// Li loads a 32-bit constant.
func (a *Asm) Li(rd int, v uint32) *Asm {
	if int32(v) == int32(int16(v)) {
		return a.Addi(rd, 0, int32(v))
	}
	a.Lui(rd, int32(v>>16))
	if v&0xFFFF != 0 {
		a.Ori(rd, rd, int32(v&0xFFFF))
	}
	return a
}

func (a *Asm) Lw(rd, ra int, off int32) *Asm  { return a.I(OpLw, rd, ra, off) }
func (a *Asm) Lb(rd, ra int, off int32) *Asm  { return a.I(OpLb, rd, ra, off) }
func (a *Asm) Lbu(rd, ra int, off int32) *Asm { return a.I(OpLbu, rd, ra, off) }
func (a *Asm) Sw(rs, ra int, off int32) *Asm  { return a.I(OpSw, rs, ra, off) }
func (a *Asm) Sb(rs, ra int, off int32) *Asm  { return a.I(OpSb, rs, ra, off) }

// Branch emits a conditional branch comparing rs and rt.
func (a *Asm) Branch(op Opcode, rs, rt int, label string) *Asm {
	a.fixups = append(a.fixups, fixup{at: len(a.words), label: label})
	return a.I(op, rs, rt, 0)
}

func (a *Asm) Beq(rs, rt int, label string) *Asm { return a.Branch(OpBeq, rs, rt, label) }
func (a *Asm) Bne(rs, rt int, label string) *Asm { return a.Branch(OpBne, rs, rt, label) }

// Jal jumps to label, leaving the return address in rd.
func (a *Asm) Jal(rd int, label string) *Asm {
	a.fixups = append(a.fixups, fixup{at: len(a.words), label: label, jal: true})
	return a.Word(encJ(OpJal, rd, 0))
}

func (a *Asm) Jalr(rd, ra int, off int32) *Asm { return a.I(OpJalr, rd, ra, off) }

func (a *Asm) Syscall(n int32) *Asm     { return a.I(OpSyscall, 0, 0, n) }
func (a *Asm) Eret() *Asm               { return a.Word(encR(OpEret, 0, 0, 0)) }
func (a *Asm) Halt() *Asm               { return a.Word(encR(OpHalt, 0, 0, 0)) }
func (a *Asm) FenceI() *Asm             { return a.Word(encR(OpFenceI, 0, 0, 0)) }
func (a *Asm) TLBFlush() *Asm           { return a.Word(encR(OpTLBFlush, 0, 0, 0)) }
func (a *Asm) Putc(ra int) *Asm         { return a.I(OpPutc, 0, ra, 0) }
func (a *Asm) Mfs(rd int, sys int) *Asm { return a.I(OpMfs, rd, 0, int32(sys)) }
func (a *Asm) Mts(sys int, ra int) *Asm { return a.I(OpMts, 0, ra, int32(sys)) }

// Bytes resolves labels and returns the little-endian image.
func (a *Asm) Bytes() ([]byte, error) {
	for _, f := range a.fixups {
		target, ok := a.labels[f.label]
		if !ok {
			return nil, fmt.Errorf("undefined label %q", f.label)
		}
		off := int32(target - f.at)
		if f.jal {
			if off < -(1<<19) || off >= 1<<19 {
				return nil, fmt.Errorf("jump to %q out of range", f.label)
			}
			a.words[f.at] = a.words[f.at]&^0xFFFFF | uint32(off)&0xFFFFF
			continue
		}
		if off != int32(int16(off)) {
			return nil, fmt.Errorf("branch to %q out of range", f.label)
		}
		a.words[f.at] = a.words[f.at]&^0xFFFF | uint32(off)&0xFFFF
	}
	out := make([]byte, InsnLen*len(a.words))
	for i, w := range a.words {
		binary.LittleEndian.PutUint32(out[InsnLen*i:], w)
	}
	return out, nil
}

// MustBytes is Bytes for programs known to assemble.
func (a *Asm) MustBytes() []byte {
	b, err := a.Bytes()
	if err != nil {
		panic(err)
	}
	return b
}

package amd64

import (
	"encoding/binary"
)

// x86-64 register encoding
type Reg byte

const (
	RAX Reg = 0
	RCX Reg = 1
	RDX Reg = 2
	RBX Reg = 3
	RSP Reg = 4
	RBP Reg = 5
	RSI Reg = 6
	RDI Reg = 7
	R8  Reg = 8
	R9  Reg = 9
	R10 Reg = 10
	R11 Reg = 11
	R12 Reg = 12
	R13 Reg = 13
	R14 Reg = 14
	R15 Reg = 15
)

// Condition codes (low nibble of Jcc/SETcc/CMOVcc)
const (
	ccB  byte = 0x2
	ccAE byte = 0x3
	ccE  byte = 0x4
	ccNE byte = 0x5
	ccBE byte = 0x6
	ccA  byte = 0x7
	ccL  byte = 0xC
	ccGE byte = 0xD
	ccLE byte = 0xE
	ccG  byte = 0xF
)

// Group-1 ALU opcodes, "op r/m, reg" form
const (
	aluAdd byte = 0x01
	aluOr  byte = 0x09
	aluAnd byte = 0x21
	aluSub byte = 0x29
	aluXor byte = 0x31
	aluCmp byte = 0x39
)

// Group-2 shift /digit
const (
	shRol byte = 0
	shRor byte = 1
	shShl byte = 4
	shShr byte = 5
	shSar byte = 7
)

// Assembler emits x86-64 machine code into a growable buffer
type Assembler struct {
	buf []byte
}

// NewAssembler creates an assembler with room for size bytes
func NewAssembler(size int) *Assembler {
	return &Assembler{buf: make([]byte, 0, size)}
}

// Offset returns current write position
func (a *Assembler) Offset() int {
	return len(a.buf)
}

// Bytes returns the assembled code
func (a *Assembler) Bytes() []byte {
	return a.buf
}

func (a *Assembler) emit(bytes ...byte) {
	a.buf = append(a.buf, bytes...)
}

func (a *Assembler) emitInt32(v int32) {
	a.buf = binary.LittleEndian.AppendUint32(a.buf, uint32(v))
}

func (a *Assembler) emitUint64(v uint64) {
	a.buf = binary.LittleEndian.AppendUint64(a.buf, v)
}

// rex builds REX prefix: 0100WRXB
func rex(w, r, x, b bool) byte {
	var prefix byte = 0x40
	if w {
		prefix |= 0x08
	}
	if r {
		prefix |= 0x04
	}
	if x {
		prefix |= 0x02
	}
	if b {
		prefix |= 0x01
	}
	return prefix
}

// rexOpt emits a REX prefix when the operand size or an extended register
// needs one.
func (a *Assembler) rexOpt(w bool, reg, rm Reg) {
	if w || reg >= 8 || rm >= 8 {
		a.emit(rex(w, reg >= 8, false, rm >= 8))
	}
}

// modRM builds ModR/M byte: [mod:2][reg:3][rm:3]
func modRM(mod byte, reg, rm Reg) byte {
	return mod | ((byte(reg) & 7) << 3) | (byte(rm) & 7)
}

// memOperand emits ModR/M and displacement for [base + disp]
func (a *Assembler) memOperand(reg, base Reg, disp int32) {
	short := disp >= -128 && disp <= 127
	switch {
	case disp == 0 && base&7 != RBP:
		a.emit(modRM(0x00, reg, base))
	case short:
		a.emit(modRM(0x40, reg, base))
	default:
		a.emit(modRM(0x80, reg, base))
	}
	if base&7 == RSP {
		a.emit(0x24) // SIB: no index, base
	}
	switch {
	case disp == 0 && base&7 != RBP:
	case short:
		a.emit(byte(disp))
	default:
		a.emitInt32(disp)
	}
}

// MovRR: mov dst, src
func (a *Assembler) MovRR(w bool, dst, src Reg) {
	a.rexOpt(w, src, dst)
	a.emit(0x89, modRM(0xC0, src, dst))
}

// MovRI loads an immediate, picking the shortest encoding.
func (a *Assembler) MovRI(reg Reg, imm uint64) {
	switch {
	case imm <= 0xFFFFFFFF:
		// mov r32, imm32 zero-extends
		a.rexOpt(false, 0, reg)
		a.emit(0xB8 | byte(reg&7))
		a.emitInt32(int32(uint32(imm)))
	case int64(imm) >= -1<<31 && int64(imm) < 1<<31:
		a.emit(rex(true, false, false, reg >= 8), 0xC7, modRM(0xC0, 0, reg))
		a.emitInt32(int32(int64(imm)))
	default:
		a.emit(rex(true, false, false, reg >= 8), 0xB8|byte(reg&7))
		a.emitUint64(imm)
	}
}

// Load: mov reg, [base+disp] of size bytes, zero or sign extended to 64 bits
func (a *Assembler) Load(size int, signed bool, reg, base Reg, disp int32) {
	switch size {
	case 1, 2:
		op := byte(0xB6)
		if signed {
			op = 0xBE
		}
		if size == 2 {
			op++
		}
		a.rexOpt(signed, reg, base)
		a.emit(0x0F, op)
	case 4:
		if signed {
			a.rexOpt(true, reg, base)
			a.emit(0x63) // movsxd
		} else {
			a.rexOpt(false, reg, base)
			a.emit(0x8B)
		}
	default:
		a.rexOpt(true, reg, base)
		a.emit(0x8B)
	}
	a.memOperand(reg, base, disp)
}

// Store: mov [base+disp], reg of size bytes
func (a *Assembler) Store(size int, base Reg, disp int32, reg Reg) {
	switch size {
	case 1:
		// REX keeps SIL/DIL addressable
		a.emit(rex(false, reg >= 8, false, base >= 8), 0x88)
	case 2:
		a.emit(0x66)
		a.rexOpt(false, reg, base)
		a.emit(0x89)
	case 4:
		a.rexOpt(false, reg, base)
		a.emit(0x89)
	default:
		a.rexOpt(true, reg, base)
		a.emit(0x89)
	}
	a.memOperand(reg, base, disp)
}

// ALU: op dst, src for the group-1 opcodes
func (a *Assembler) ALU(op byte, w bool, dst, src Reg) {
	a.rexOpt(w, src, dst)
	a.emit(op, modRM(0xC0, src, dst))
}

// ALUImm: op reg, imm32 using the /digit form of 0x81/0x83
func (a *Assembler) ALUImm(op byte, w bool, reg Reg, imm int32) {
	digit := Reg(op >> 3)
	a.rexOpt(w, 0, reg)
	if imm >= -128 && imm <= 127 {
		a.emit(0x83, modRM(0xC0, digit, reg), byte(imm))
		return
	}
	a.emit(0x81, modRM(0xC0, digit, reg))
	a.emitInt32(imm)
}

// IMul: imul dst, src
func (a *Assembler) IMul(w bool, dst, src Reg) {
	a.rexOpt(w, dst, src)
	a.emit(0x0F, 0xAF, modRM(0xC0, dst, src))
}

// Unary: the F7 group (2 not, 3 neg, 6 div)
func (a *Assembler) Unary(digit byte, w bool, reg Reg) {
	a.rexOpt(w, 0, reg)
	a.emit(0xF7, modRM(0xC0, Reg(digit), reg))
}

// ShiftCL: shift or rotate reg by CL
func (a *Assembler) ShiftCL(digit byte, w bool, reg Reg) {
	a.rexOpt(w, 0, reg)
	a.emit(0xD3, modRM(0xC0, Reg(digit), reg))
}

// ShiftImm: shift reg by an immediate count
func (a *Assembler) ShiftImm(digit byte, w bool, reg Reg, count byte) {
	a.rexOpt(w, 0, reg)
	a.emit(0xC1, modRM(0xC0, Reg(digit), reg), count)
}

// Test: test a, b
func (a *Assembler) Test(w bool, x, y Reg) {
	a.rexOpt(w, y, x)
	a.emit(0x85, modRM(0xC0, y, x))
}

// TestImm8: test low byte of reg against imm
func (a *Assembler) TestImm8(reg Reg, imm byte) {
	a.emit(rex(false, false, false, reg >= 8), 0xF6, modRM(0xC0, 0, reg), imm)
}

// Setcc: set low byte of reg on condition
func (a *Assembler) Setcc(cc byte, reg Reg) {
	a.emit(rex(false, false, false, reg >= 8), 0x0F, 0x90|cc, modRM(0xC0, 0, reg))
}

// MovzxByte: movzx dst32, src8
func (a *Assembler) MovzxByte(dst, src Reg) {
	a.emit(rex(false, dst >= 8, false, src >= 8), 0x0F, 0xB6, modRM(0xC0, dst, src))
}

// Movsxd: movsxd dst, src32
func (a *Assembler) Movsxd(dst, src Reg) {
	a.emit(rex(true, dst >= 8, false, src >= 8), 0x63, modRM(0xC0, dst, src))
}

// Cmov: cmovcc dst, src
func (a *Assembler) Cmov(cc byte, w bool, dst, src Reg) {
	a.rexOpt(w, dst, src)
	a.emit(0x0F, 0x40|cc, modRM(0xC0, dst, src))
}

// JccFwd emits jcc rel32 with a zero displacement and returns the patch
// offset for Bind.
func (a *Assembler) JccFwd(cc byte) int {
	a.emit(0x0F, 0x80|cc)
	at := a.Offset()
	a.emitInt32(0)
	return at
}

// JmpFwd emits jmp rel32 with a zero displacement and returns the patch
// offset for Bind.
func (a *Assembler) JmpFwd() int {
	a.emit(0xE9)
	at := a.Offset()
	a.emitInt32(0)
	return at
}

// Bind points the rel32 at patch to the current offset.
func (a *Assembler) Bind(patch int) {
	rel := int32(a.Offset() - (patch + 4))
	binary.LittleEndian.PutUint32(a.buf[patch:], uint32(rel))
}

// CallReg: call reg
func (a *Assembler) CallReg(reg Reg) {
	if reg >= 8 {
		a.emit(rex(false, false, false, true))
	}
	a.emit(0xFF, modRM(0xC0, 2, reg))
}

func (a *Assembler) Ret() {
	a.emit(0xC3)
}

func (a *Assembler) Push(reg Reg) {
	if reg >= 8 {
		a.emit(rex(false, false, false, true))
	}
	a.emit(0x50 | byte(reg&7))
}

func (a *Assembler) Pop(reg Reg) {
	if reg >= 8 {
		a.emit(rex(false, false, false, true))
	}
	a.emit(0x58 | byte(reg&7))
}

// SSE moves and logic on xmm registers
func (a *Assembler) sse(prefix byte, op byte, reg, rm Reg, mod byte) {
	a.emit(prefix)
	if reg >= 8 || rm >= 8 {
		a.emit(rex(false, reg >= 8, false, rm >= 8))
	}
	a.emit(0x0F, op)
	if mod == 0xC0 {
		a.emit(modRM(0xC0, reg, rm))
	}
}

// MovdquLoad: movdqu xmm, [base+disp]
func (a *Assembler) MovdquLoad(xmm, base Reg, disp int32) {
	a.sse(0xF3, 0x6F, xmm, base, 0)
	a.memOperand(xmm, base, disp)
}

// MovdquStore: movdqu [base+disp], xmm
func (a *Assembler) MovdquStore(base Reg, disp int32, xmm Reg) {
	a.sse(0xF3, 0x7F, xmm, base, 0)
	a.memOperand(xmm, base, disp)
}

// Movdqa: movdqa dst, src
func (a *Assembler) Movdqa(dst, src Reg) { a.sse(0x66, 0x6F, dst, src, 0xC0) }

// Pand, Por, Pxor: dst op= src
func (a *Assembler) Pand(dst, src Reg) { a.sse(0x66, 0xDB, dst, src, 0xC0) }
func (a *Assembler) Por(dst, src Reg)  { a.sse(0x66, 0xEB, dst, src, 0xC0) }
func (a *Assembler) Pxor(dst, src Reg) { a.sse(0x66, 0xEF, dst, src, 0xC0) }

// Package toy is a small 32-bit load/store guest architecture. It provides
// the decoder the translation pipeline drives, an assembler, exception
// delivery and the single-instruction interpreter the engine falls back to.
//
// Every instruction is one little-endian 32-bit word:
//
//	31    24 23  20 19  16 15  12 11          0
//	| op    | rd   | ra   | rb   |             |  register form
//	| op    | rd   | ra   | imm16              |  immediate form
//	| op    | rd   | imm20                     |  jal
//
// r0 reads as zero and ignores writes. Branch and jump offsets count words
// relative to the branch.
package toy

import (
	"fmt"

	"xlate/pkg/types"
)

// InsnLen is the length of every instruction in bytes.
const InsnLen = 4

// Opcode is the top byte of an instruction word.
type Opcode uint8

const (
	OpIllegal Opcode = 0x00

	OpAdd  Opcode = 0x01
	OpSub  Opcode = 0x02
	OpAnd  Opcode = 0x03
	OpOr   Opcode = 0x04
	OpXor  Opcode = 0x05
	OpShl  Opcode = 0x06
	OpShr  Opcode = 0x07
	OpSar  Opcode = 0x08
	OpMul  Opcode = 0x09
	OpDivU Opcode = 0x0A
	OpRemU Opcode = 0x0B
	OpRotl Opcode = 0x0C
	OpRotr Opcode = 0x0D
	OpAndN Opcode = 0x0E
	OpSlt  Opcode = 0x0F
	OpSltu Opcode = 0x10

	OpAddi Opcode = 0x11
	OpAndi Opcode = 0x12
	OpOri  Opcode = 0x13
	OpXori Opcode = 0x14
	OpShli Opcode = 0x15
	OpShri Opcode = 0x16
	OpSari Opcode = 0x17
	OpLui  Opcode = 0x18

	OpLw  Opcode = 0x20
	OpLh  Opcode = 0x21
	OpLhu Opcode = 0x22
	OpLb  Opcode = 0x23
	OpLbu Opcode = 0x24
	OpSw  Opcode = 0x25
	OpSh  Opcode = 0x26
	OpSb  Opcode = 0x27

	OpBeq  Opcode = 0x30
	OpBne  Opcode = 0x31
	OpBlt  Opcode = 0x32
	OpBge  Opcode = 0x33
	OpBltu Opcode = 0x34
	OpBgeu Opcode = 0x35
	OpJal  Opcode = 0x38
	OpJalr Opcode = 0x39

	OpSyscall  Opcode = 0x40
	OpBreak    Opcode = 0x41
	OpEret     Opcode = 0x42
	OpHalt     Opcode = 0x43
	OpFenceI   Opcode = 0x44
	OpTLBFlush Opcode = 0x45
	OpTLBInval Opcode = 0x46
	OpPutc     Opcode = 0x47
	OpMfs      Opcode = 0x48
	OpMts      Opcode = 0x49

	OpVand Opcode = 0x50
	OpVor  Opcode = 0x51
	OpVxor Opcode = 0x52
	OpVins Opcode = 0x53
	OpVext Opcode = 0x54
)

type form uint8

const (
	formR form = iota
	formI
	formJ
	formNone
)

type opInfo struct {
	name string
	form form
	priv bool
}

var opInfos = map[Opcode]opInfo{
	OpAdd: {"add", formR, false}, OpSub: {"sub", formR, false},
	OpAnd: {"and", formR, false}, OpOr: {"or", formR, false},
	OpXor: {"xor", formR, false}, OpShl: {"shl", formR, false},
	OpShr: {"shr", formR, false}, OpSar: {"sar", formR, false},
	OpMul: {"mul", formR, false}, OpDivU: {"divu", formR, false},
	OpRemU: {"remu", formR, false}, OpRotl: {"rotl", formR, false},
	OpRotr: {"rotr", formR, false}, OpAndN: {"andn", formR, false},
	OpSlt: {"slt", formR, false}, OpSltu: {"sltu", formR, false},

	OpAddi: {"addi", formI, false}, OpAndi: {"andi", formI, false},
	OpOri: {"ori", formI, false}, OpXori: {"xori", formI, false},
	OpShli: {"shli", formI, false}, OpShri: {"shri", formI, false},
	OpSari: {"sari", formI, false}, OpLui: {"lui", formI, false},

	OpLw: {"lw", formI, false}, OpLh: {"lh", formI, false},
	OpLhu: {"lhu", formI, false}, OpLb: {"lb", formI, false},
	OpLbu: {"lbu", formI, false}, OpSw: {"sw", formI, false},
	OpSh: {"sh", formI, false}, OpSb: {"sb", formI, false},

	OpBeq: {"beq", formI, false}, OpBne: {"bne", formI, false},
	OpBlt: {"blt", formI, false}, OpBge: {"bge", formI, false},
	OpBltu: {"bltu", formI, false}, OpBgeu: {"bgeu", formI, false},
	OpJal: {"jal", formJ, false}, OpJalr: {"jalr", formI, false},

	OpSyscall: {"syscall", formI, false}, OpBreak: {"break", formNone, false},
	OpEret: {"eret", formNone, true}, OpHalt: {"halt", formNone, false},
	OpFenceI: {"fence.i", formNone, false}, OpTLBFlush: {"tlbflush", formNone, true},
	OpTLBInval: {"tlbinval", formI, true}, OpPutc: {"putc", formI, false},
	OpMfs: {"mfs", formI, true}, OpMts: {"mts", formI, true},

	OpVand: {"vand", formR, false}, OpVor: {"vor", formR, false},
	OpVxor: {"vxor", formR, false}, OpVins: {"vins", formI, false},
	OpVext: {"vext", formI, false},
}

func (o Opcode) String() string {
	if info, ok := opInfos[o]; ok {
		return info.name
	}
	return fmt.Sprintf("op%#02x", uint8(o))
}

// Privileged reports whether o raises ExcPrivileged in user mode.
func (o Opcode) Privileged() bool { return opInfos[o].priv }

// Insn is a decoded instruction word.
type Insn struct {
	Op    Opcode
	Rd    int
	Ra    int
	Rb    int
	Imm   int32 // sign-extended imm16, or imm20 for jal
	Uimm  uint32
	Word  uint32
	Known bool
}

// Decode splits an instruction word into fields.
func Decode(w uint32) Insn {
	in := Insn{
		Op:   Opcode(w >> 24),
		Rd:   int(w>>20) & 0xF,
		Ra:   int(w>>16) & 0xF,
		Rb:   int(w>>12) & 0xF,
		Imm:  int32(int16(uint16(w))),
		Uimm: w & 0xFFFF,
		Word: w,
	}
	_, in.Known = opInfos[in.Op]
	if in.Op == OpJal {
		in.Imm = int32(w<<12) >> 12
	}
	return in
}

func (in Insn) String() string {
	info, ok := opInfos[in.Op]
	if !ok {
		return fmt.Sprintf(".word %#08x", in.Word)
	}
	switch info.form {
	case formR:
		return fmt.Sprintf("%s r%d, r%d, r%d", info.name, in.Rd, in.Ra, in.Rb)
	case formJ:
		return fmt.Sprintf("%s r%d, %+d", info.name, in.Rd, in.Imm)
	case formNone:
		return info.name
	}
	switch in.Op {
	case OpLw, OpLh, OpLhu, OpLb, OpLbu, OpSw, OpSh, OpSb:
		return fmt.Sprintf("%s r%d, %d(r%d)", info.name, in.Rd, in.Imm, in.Ra)
	case OpSyscall:
		return fmt.Sprintf("%s %d", info.name, in.Uimm)
	case OpPutc, OpTLBInval:
		return fmt.Sprintf("%s r%d", info.name, in.Ra)
	}
	return fmt.Sprintf("%s r%d, r%d, %d", info.name, in.Rd, in.Ra, in.Imm)
}

// Disassemble renders the instruction at pc.
func Disassemble(pc types.GuestAddr, w uint32) string {
	return fmt.Sprintf("%s: %08x  %s", pc, w, Decode(w))
}

// DecodeError reports an undefined instruction word.
type DecodeError struct {
	PC   types.GuestAddr
	Word uint32
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("undefined instruction %#08x at %s", e.Word, e.PC)
}

func encR(op Opcode, rd, ra, rb int) uint32 {
	return uint32(op)<<24 | uint32(rd&0xF)<<20 | uint32(ra&0xF)<<16 | uint32(rb&0xF)<<12
}

func encI(op Opcode, rd, ra int, imm int32) uint32 {
	return uint32(op)<<24 | uint32(rd&0xF)<<20 | uint32(ra&0xF)<<16 | uint32(imm)&0xFFFF
}

func encJ(op Opcode, rd int, imm int32) uint32 {
	return uint32(op)<<24 | uint32(rd&0xF)<<20 | uint32(imm)&0xFFFFF
}

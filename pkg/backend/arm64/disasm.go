package arm64

import (
	"encoding/binary"
	"fmt"
	"strings"

	"golang.org/x/arch/arm64/arm64asm"
)

// Disassemble renders AArch64 code one instruction per line.
func Disassemble(code []byte) string {
	var sb strings.Builder
	for offset := 0; offset+4 <= len(code); offset += 4 {
		w := binary.LittleEndian.Uint32(code[offset:])
		inst, err := arm64asm.Decode(code[offset : offset+4])
		if err != nil {
			sb.WriteString(fmt.Sprintf("0x%04x: %08x  .word\n", offset, w))
			continue
		}
		sb.WriteString(fmt.Sprintf("0x%04x: %08x  %s\n", offset, w, arm64asm.GNUSyntax(inst)))
	}
	return sb.String()
}

// Decode splits code into instructions, failing on the first word that is
// not a valid AArch64 instruction.
func Decode(code []byte) ([]arm64asm.Inst, error) {
	if len(code)%4 != 0 {
		return nil, fmt.Errorf("%d bytes is not a whole number of instructions", len(code))
	}
	insts := make([]arm64asm.Inst, 0, len(code)/4)
	for offset := 0; offset < len(code); offset += 4 {
		inst, err := arm64asm.Decode(code[offset : offset+4])
		if err != nil {
			return insts, fmt.Errorf("offset %#x: %w", offset, err)
		}
		insts = append(insts, inst)
	}
	return insts, nil
}

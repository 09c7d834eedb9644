package amd64

import (
	"fmt"
	"strings"

	"golang.org/x/arch/x86/x86asm"
)

// Disassemble renders x86-64 code one instruction per line.
func Disassemble(code []byte) string {
	var sb strings.Builder
	offset := 0
	for offset < len(code) {
		inst, err := x86asm.Decode(code[offset:], 64)
		if err != nil {
			sb.WriteString(fmt.Sprintf("0x%04x: db 0x%02x\n", offset, code[offset]))
			offset++
			continue
		}

		var hexBytes []string
		for i := 0; i < inst.Len; i++ {
			hexBytes = append(hexBytes, fmt.Sprintf("%02x", code[offset+i]))
		}
		sb.WriteString(fmt.Sprintf("0x%04x: %-30s %s\n", offset, strings.Join(hexBytes, " "), x86asm.IntelSyntax(inst, uint64(offset), nil)))
		offset += inst.Len
	}
	return sb.String()
}

// Decode splits code into instructions, failing on the first byte sequence
// that is not a valid x86-64 instruction.
func Decode(code []byte) ([]x86asm.Inst, error) {
	var insts []x86asm.Inst
	for offset := 0; offset < len(code); {
		inst, err := x86asm.Decode(code[offset:], 64)
		if err != nil {
			return insts, fmt.Errorf("offset %#x: %w", offset, err)
		}
		insts = append(insts, inst)
		offset += inst.Len
	}
	return insts, nil
}

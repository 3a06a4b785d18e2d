package x86

import (
	"fmt"
	"strings"

	"golang.org/x/arch/x86/x86asm"
)

// Disassemble renders code one instruction per line; undecodable bytes are emitted as db.
func Disassemble(code []byte) string {
	return DisassembleAt(code, 0)
}

// DisassembleAt is Disassemble with addresses starting at base and Intel syntax operands.
func DisassembleAt(code []byte, base uint64) string {
	var sb strings.Builder
	offset := 0
	for offset < len(code) {
		inst, err := x86asm.Decode(code[offset:], 64)
		if err != nil {
			sb.WriteString(fmt.Sprintf("0x%04x: db 0x%02x\n", base+uint64(offset), code[offset]))
			offset++
			continue
		}
		length := inst.Len
		var hexBytes []string
		for i := 0; i < length; i++ {
			hexBytes = append(hexBytes, fmt.Sprintf("%02x", code[offset+i]))
		}
		pc := base + uint64(offset)
		sb.WriteString(fmt.Sprintf(
			"0x%04x: %-30s %s\n",
			pc,
			strings.Join(hexBytes, " "),
			x86asm.IntelSyntax(inst, pc, nil),
		))
		offset += length
	}
	return sb.String()
}

// DecodeAll splits code into decoded instructions, stopping at the first undecodable byte.
func DecodeAll(code []byte) ([]x86asm.Inst, error) {
	var out []x86asm.Inst
	for offset := 0; offset < len(code); {
		inst, err := x86asm.Decode(code[offset:], 64)
		if err != nil {
			return out, fmt.Errorf("decode at +%#x: %w", offset, err)
		}
		out = append(out, inst)
		offset += inst.Len
	}
	return out, nil
}

package emulator

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/arch/arm64/arm64asm"
)

// Disasm decodes the instruction at addr. It returns "" when the address
// is unmapped or the word does not decode.
func (e *Emulator) Disasm(addr uint64) string {
	code, err := e.mu.MemRead(addr, 4)
	if err != nil {
		return ""
	}
	return DisasmWord(code)
}

// DisasmWord decodes one little-endian instruction word.
func DisasmWord(code []byte) string {
	if len(code) < 4 {
		return ""
	}
	inst, err := arm64asm.Decode(code)
	if err != nil {
		return fmtWord(binary.LittleEndian.Uint32(code))
	}
	return inst.String()
}

func fmtWord(w uint32) string {
	return fmt.Sprintf(".word 0x%08x", w)
}

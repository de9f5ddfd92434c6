package elftest

import "encoding/binary"

// Asm assembles the handful of AArch64 instructions the test images need.
// Addresses are image-relative so PC-relative forms can target data.
type Asm struct {
	pc    uint64
	words []uint32
}

// NewAsm starts assembling at image address pc.
func NewAsm(pc uint64) *Asm { return &Asm{pc: pc} }

// PC returns the address of the next instruction.
func (a *Asm) PC() uint64 { return a.pc + uint64(len(a.words))*4 }

// Bytes returns the encoded instructions.
func (a *Asm) Bytes() []byte {
	out := make([]byte, 0, len(a.words)*4)
	for _, w := range a.words {
		out = binary.LittleEndian.AppendUint32(out, w)
	}
	return out
}

func (a *Asm) emit(w uint32) *Asm {
	a.words = append(a.words, w)
	return a
}

func (a *Asm) rel(target uint64) int64 { return int64(target) - int64(a.PC()) }

// MovW emits MOVZ Wd, #imm.
func (a *Asm) MovW(rd int, imm uint16) *Asm { return a.emit(0x52800000 | uint32(imm)<<5 | uint32(rd)) }

// MovX emits MOVZ Xd, #imm.
func (a *Asm) MovX(rd int, imm uint16) *Asm { return a.emit(0xD2800000 | uint32(imm)<<5 | uint32(rd)) }

// MovnW emits MOVN Wd, #imm, which loads ^imm.
func (a *Asm) MovnW(rd int, imm uint16) *Asm { return a.emit(0x12800000 | uint32(imm)<<5 | uint32(rd)) }

// MovReg emits MOV Xd, Xm.
func (a *Asm) MovReg(rd, rm int) *Asm { return a.emit(0xAA0003E0 | uint32(rm)<<16 | uint32(rd)) }

// Add emits ADD Xd, Xn, Xm.
func (a *Asm) Add(rd, rn, rm int) *Asm {
	return a.emit(0x8B000000 | uint32(rm)<<16 | uint32(rn)<<5 | uint32(rd))
}

// StrX emits STR Xt, [Xn, #off].
func (a *Asm) StrX(rt, rn int, off uint32) *Asm {
	return a.emit(0xF9000000 | (off/8)<<10 | uint32(rn)<<5 | uint32(rt))
}

// StrW emits STR Wt, [Xn, #off].
func (a *Asm) StrW(rt, rn int, off uint32) *Asm {
	return a.emit(0xB9000000 | (off/4)<<10 | uint32(rn)<<5 | uint32(rt))
}

// LdrX emits LDR Xt, [Xn, #off].
func (a *Asm) LdrX(rt, rn int, off uint32) *Asm {
	return a.emit(0xF9400000 | (off/8)<<10 | uint32(rn)<<5 | uint32(rt))
}

// LdrW emits LDR Wt, [Xn, #off].
func (a *Asm) LdrW(rt, rn int, off uint32) *Asm {
	return a.emit(0xB9400000 | (off/4)<<10 | uint32(rn)<<5 | uint32(rt))
}

// Adr emits ADR Xd, target.
func (a *Asm) Adr(rd int, target uint64) *Asm {
	imm := uint32(a.rel(target)) & 0x1FFFFF
	return a.emit(0x10000000 | (imm&3)<<29 | (imm>>2)<<5 | uint32(rd))
}

// LdrLit emits LDR Xt, target (PC-relative literal load).
func (a *Asm) LdrLit(rt int, target uint64) *Asm {
	imm := uint32(a.rel(target)/4) & 0x7FFFF
	return a.emit(0x58000000 | imm<<5 | uint32(rt))
}

// Cbnz emits CBNZ Wt, target.
func (a *Asm) Cbnz(rt int, target uint64) *Asm {
	imm := uint32(a.rel(target)/4) & 0x7FFFF
	return a.emit(0x35000000 | imm<<5 | uint32(rt))
}

// Br emits BR Xn.
func (a *Asm) Br(rn int) *Asm { return a.emit(0xD61F0000 | uint32(rn)<<5) }

// Blr emits BLR Xn.
func (a *Asm) Blr(rn int) *Asm { return a.emit(0xD63F0000 | uint32(rn)<<5) }

// Push emits STP X29, X30, [SP, #-16]!.
func (a *Asm) Push() *Asm { return a.emit(0xA9BF7BFD) }

// Pop emits LDP X29, X30, [SP], #16.
func (a *Asm) Pop() *Asm { return a.emit(0xA8C17BFD) }

// Ret emits RET.
func (a *Asm) Ret() *Asm { return a.emit(0xD65F03C0) }

// Package emulator provides the ARM64 machine that hosts the vendor
// libraries: a Unicorn engine with a fixed region layout, bump arenas and
// a call frame that runs guest functions to a sentinel return address.
package emulator

import (
	"encoding/binary"
	"fmt"
	"time"

	uc "github.com/unicorn-engine/unicorn/bindings/go/unicorn"
)

// Memory layout constants
const (
	PageSize = 0x1000

	LibraryBase  = 0x00100000
	LibrarySpan  = 0x08000000 // reservation per library
	MaxLibraries = 10

	HeapBase = 0x60000000
	HeapSize = 0x01000000 // 16MB guest malloc

	ImportBase   = 0xA0000000
	ImportStride = 0x01000000 // trap range per library
	TrapSlotSize = 4          // one RET per dynamic symbol index

	DataBase = 0xB0000000
	DataSize = 0x00100000 // runtime globals

	ReturnAddress = 0xDEAD0000

	StackBase = 0xF0000000
	StackSize = 0x00100000 // 1MB stack
	StackTop  = StackBase + StackSize

	TLSBase = 0xF8000000
	TLSSize = PageSize

	ScratchBase = 0x800000000
	ScratchSize = 0x10000000
)

// StackGuard is the canary stored at TPIDR_EL0+0x28 and in __stack_chk_guard.
const StackGuard uint64 = 0xDEADBEEFDEADBEEF

var retInsn = []byte{0xc0, 0x03, 0x5f, 0xd6}

// Options bound guest execution.
type Options struct {
	// Budget is the maximum number of instructions an outermost call may
	// execute. Zero means unlimited.
	Budget uint64
	// Timeout is the wall clock limit of an outermost call. Zero means none.
	Timeout time.Duration
}

// DefaultOptions returns the limits used when none are configured.
func DefaultOptions() Options {
	return Options{Budget: 1 << 31}
}

// CodeHookFunc is called for each executed instruction.
type CodeHookFunc func(emu *Emulator, addr uint64, size uint32)

// TrapFunc handles execution reaching an import trap address. A returned
// error aborts the running call.
type TrapFunc func(emu *Emulator, addr uint64) error

// Emulator wraps Unicorn for ARM64 emulation.
type Emulator struct {
	mu   uc.Unicorn
	opts Options

	regions []Region
	heap    *Arena
	scratch *Arena
	data    *Arena

	onTrap    TrapFunc
	codeHooks []CodeHookFunc
	codeHook  bool

	running bool
	fault   error
	closed  bool
}

// New creates an emulator with the fixed region layout mapped.
func New(opts Options) (*Emulator, error) {
	mu, err := uc.NewUnicorn(uc.ARCH_ARM64, uc.MODE_ARM)
	if err != nil {
		return nil, fmt.Errorf("create unicorn: %w", err)
	}

	emu := &Emulator{mu: mu, opts: opts}

	if err := emu.mapMemory(); err != nil {
		mu.Close()
		return nil, err
	}
	if err := emu.setupHooks(); err != nil {
		mu.Close()
		return nil, err
	}
	return emu, nil
}

// mapMemory sets up the memory layout
func (e *Emulator) mapMemory() error {
	regions := []Region{
		{"heap", HeapBase, HeapSize, PermRW},
		{"data", DataBase, DataSize, PermRW},
		{"return", ReturnAddress, PageSize, PermRX},
		{"stack", StackBase, StackSize, PermRW},
		{"tls", TLSBase, TLSSize, PermRW},
		{"scratch", ScratchBase, ScratchSize, PermRW},
	}
	for _, r := range regions {
		if err := e.Map(r); err != nil {
			return err
		}
	}

	e.heap = newArena(regions[0], 16)
	e.data = newArena(regions[1], 16)
	e.scratch = newArena(regions[5], 16)

	if err := e.mu.RegWrite(uc.ARM64_REG_SP, StackTop); err != nil {
		return fmt.Errorf("set SP: %w", err)
	}

	// TPIDR_EL0 is the thread pointer; bionic keeps the stack guard at +0x28.
	if err := e.mu.RegWrite(uc.ARM64_REG_TPIDR_EL0, TLSBase); err != nil {
		return fmt.Errorf("set TPIDR_EL0: %w", err)
	}
	if err := e.MemWriteU64(TLSBase+0x28, StackGuard); err != nil {
		return fmt.Errorf("set stack canary: %w", err)
	}
	return nil
}

// setupHooks installs the trap page hook and the fault recorder.
func (e *Emulator) setupHooks() error {
	_, err := e.mu.HookAdd(uc.HOOK_CODE, func(mu uc.Unicorn, addr uint64, size uint32) {
		if e.onTrap == nil {
			e.fail(fmt.Errorf("import trap at 0x%x with no dispatcher", addr))
			return
		}
		if err := e.onTrap(e, addr); err != nil {
			e.fail(err)
		}
	}, ImportBase, ImportBase+MaxLibraries*ImportStride-1)
	if err != nil {
		return fmt.Errorf("hook traps: %w", err)
	}

	invalid := uc.HOOK_MEM_READ_UNMAPPED | uc.HOOK_MEM_WRITE_UNMAPPED | uc.HOOK_MEM_FETCH_UNMAPPED |
		uc.HOOK_MEM_READ_PROT | uc.HOOK_MEM_WRITE_PROT | uc.HOOK_MEM_FETCH_PROT
	_, err = e.mu.HookAdd(invalid, func(mu uc.Unicorn, access int, addr uint64, size int, value int64) bool {
		e.fail(&TrapError{
			Access: Access(access),
			Addr:   addr,
			Size:   size,
			PC:     e.PC(),
			Insn:   e.Disasm(e.PC()),
		})
		return false
	}, 1, 0)
	if err != nil {
		return fmt.Errorf("hook faults: %w", err)
	}
	return nil
}

// fail records the first error of the running call and stops the engine.
func (e *Emulator) fail(err error) {
	if e.fault == nil {
		e.fault = err
	}
	e.mu.Stop()
}

// SetTrapHandler installs the import trap dispatcher.
func (e *Emulator) SetTrapHandler(fn TrapFunc) {
	e.onTrap = fn
}

// HookCode adds a hook called for every executed instruction. The engine
// hook is only installed once the first one is added.
func (e *Emulator) HookCode(fn CodeHookFunc) error {
	e.codeHooks = append(e.codeHooks, fn)
	if e.codeHook {
		return nil
	}
	_, err := e.mu.HookAdd(uc.HOOK_CODE, func(mu uc.Unicorn, addr uint64, size uint32) {
		for _, h := range e.codeHooks {
			h(e, addr, size)
		}
	}, 1, 0)
	if err != nil {
		return fmt.Errorf("hook code: %w", err)
	}
	e.codeHook = true
	return nil
}

// Options returns the execution limits.
func (e *Emulator) Options() Options { return e.opts }

// Close releases resources
func (e *Emulator) Close() error {
	if e.closed {
		return nil
	}
	e.closed = true
	return e.mu.Close()
}

// MemRead reads bytes from memory
func (e *Emulator) MemRead(addr, size uint64) ([]byte, error) {
	return e.mu.MemRead(addr, size)
}

// MemWrite writes bytes to memory
func (e *Emulator) MemWrite(addr uint64, data []byte) error {
	return e.mu.MemWrite(addr, data)
}

// MemReadU64 reads a uint64 from memory (little endian)
func (e *Emulator) MemReadU64(addr uint64) (uint64, error) {
	data, err := e.mu.MemRead(addr, 8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(data), nil
}

// MemWriteU64 writes a uint64 to memory (little endian)
func (e *Emulator) MemWriteU64(addr, val uint64) error {
	return e.mu.MemWrite(addr, binary.LittleEndian.AppendUint64(nil, val))
}

// MemReadU32 reads a uint32 from memory (little endian)
func (e *Emulator) MemReadU32(addr uint64) (uint32, error) {
	data, err := e.mu.MemRead(addr, 4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(data), nil
}

// MemWriteU32 writes a uint32 to memory (little endian)
func (e *Emulator) MemWriteU32(addr uint64, val uint32) error {
	return e.mu.MemWrite(addr, binary.LittleEndian.AppendUint32(nil, val))
}

// MemReadU8 reads a single byte from memory
func (e *Emulator) MemReadU8(addr uint64) (uint8, error) {
	data, err := e.mu.MemRead(addr, 1)
	if err != nil {
		return 0, err
	}
	return data[0], nil
}

// MemWriteU8 writes a single byte to memory
func (e *Emulator) MemWriteU8(addr uint64, val uint8) error {
	return e.mu.MemWrite(addr, []byte{val})
}

// MemReadCString reads a NUL-terminated string of at most maxLen bytes.
// Reads stop at page boundaries so a string ending near the edge of a
// mapping does not fault.
func (e *Emulator) MemReadCString(addr uint64, maxLen int) ([]byte, error) {
	if maxLen <= 0 {
		maxLen = 4096
	}
	var out []byte
	for len(out) < maxLen {
		n := PageSize - (addr % PageSize)
		if rem := uint64(maxLen - len(out)); n > rem {
			n = rem
		}
		chunk, err := e.mu.MemRead(addr, n)
		if err != nil {
			return nil, err
		}
		for i, b := range chunk {
			if b == 0 {
				return append(out, chunk[:i]...), nil
			}
		}
		out = append(out, chunk...)
		addr += n
	}
	return out, nil
}

// MemReadString reads a null-terminated string from memory
func (e *Emulator) MemReadString(addr uint64, maxLen int) (string, error) {
	b, err := e.MemReadCString(addr, maxLen)
	return string(b), err
}

// MemWriteString writes a null-terminated string to memory
func (e *Emulator) MemWriteString(addr uint64, s string) error {
	return e.mu.MemWrite(addr, append([]byte(s), 0))
}

// xreg maps a general-purpose register number to the engine constant.
// X29 and X30 are not contiguous with X0-X28.
func xreg(n int) int {
	switch n {
	case 29:
		return uc.ARM64_REG_X29
	case 30:
		return uc.ARM64_REG_X30
	}
	return uc.ARM64_REG_X0 + n
}

// X reads general-purpose register X0-X30
func (e *Emulator) X(n int) uint64 {
	if n < 0 || n > 30 {
		return 0
	}
	val, _ := e.mu.RegRead(xreg(n))
	return val
}

// SetX writes general-purpose register X0-X30
func (e *Emulator) SetX(n int, val uint64) error {
	if n < 0 || n > 30 {
		return fmt.Errorf("invalid register X%d", n)
	}
	return e.mu.RegWrite(xreg(n), val)
}

// W reads the low 32 bits of Xn as a signed value.
func (e *Emulator) W(n int) int32 {
	return int32(uint32(e.X(n)))
}

// PC returns the program counter
func (e *Emulator) PC() uint64 {
	pc, _ := e.mu.RegRead(uc.ARM64_REG_PC)
	return pc
}

// SetPC sets the program counter
func (e *Emulator) SetPC(val uint64) error {
	return e.mu.RegWrite(uc.ARM64_REG_PC, val)
}

// SP returns the stack pointer
func (e *Emulator) SP() uint64 {
	sp, _ := e.mu.RegRead(uc.ARM64_REG_SP)
	return sp
}

// SetSP sets the stack pointer
func (e *Emulator) SetSP(val uint64) error {
	return e.mu.RegWrite(uc.ARM64_REG_SP, val)
}

// LR returns the link register
func (e *Emulator) LR() uint64 {
	lr, _ := e.mu.RegRead(uc.ARM64_REG_LR)
	return lr
}

// SetLR sets the link register
func (e *Emulator) SetLR(val uint64) error {
	return e.mu.RegWrite(uc.ARM64_REG_LR, val)
}

package emulator

import (
	"errors"
	"strings"
	"testing"
)

var (
	// ADD X0, X0, X1; RET
	addCode = []byte{
		0x00, 0x00, 0x01, 0x8b,
		0xc0, 0x03, 0x5f, 0xd6,
	}
	// LDR X0, [SP]; RET (returns the first stack argument)
	stackArgCode = []byte{
		0xe0, 0x03, 0x40, 0xf9,
		0xc0, 0x03, 0x5f, 0xd6,
	}
	// STR X1, [X0]; RET
	storeCode = []byte{
		0x01, 0x00, 0x00, 0xf9,
		0xc0, 0x03, 0x5f, 0xd6,
	}
	// B .
	loopCode = []byte{0x00, 0x00, 0x00, 0x14}
)

const codeBase = LibraryBase

func newTestEmulator(t *testing.T, opts Options) *Emulator {
	t.Helper()
	emu, err := New(opts)
	if err != nil {
		t.Fatalf("Failed to create emulator: %v", err)
	}
	t.Cleanup(func() { emu.Close() })
	return emu
}

func loadCode(t *testing.T, emu *Emulator, code []byte) uint64 {
	t.Helper()
	if err := emu.Map(Region{Name: "code", Base: codeBase, Size: PageSize, Perm: PermRX}); err != nil {
		t.Fatalf("Failed to map code: %v", err)
	}
	if err := emu.MemWrite(codeBase, code); err != nil {
		t.Fatalf("Failed to write code: %v", err)
	}
	return codeBase
}

func TestCallReturnsX0(t *testing.T) {
	emu := newTestEmulator(t, DefaultOptions())
	fn := loadCode(t, emu, addCode)

	got, err := emu.Call(fn, 5, 3)
	if err != nil {
		t.Fatalf("Call failed: %v", err)
	}
	if got != 8 {
		t.Errorf("Expected 8, got %d", got)
	}

	// Repeated calls start from the same stack top.
	for i := 0; i < 3; i++ {
		got, err = emu.Call(fn, 40, 2)
		if err != nil || got != 42 {
			t.Fatalf("Call %d: got %d, %v", i, got, err)
		}
		if emu.SP() != StackTop {
			t.Errorf("SP after call = 0x%x, want 0x%x", emu.SP(), uint64(StackTop))
		}
	}
}

func TestCallStackArguments(t *testing.T) {
	emu := newTestEmulator(t, DefaultOptions())
	fn := loadCode(t, emu, stackArgCode)

	args := []uint64{0, 1, 2, 3, 4, 5, 6, 7, 0x1122334455667788, 9}
	got, err := emu.Call(fn, args...)
	if err != nil {
		t.Fatalf("Call failed: %v", err)
	}
	if got != 0x1122334455667788 {
		t.Errorf("Expected ninth argument, got 0x%x", got)
	}
}

func TestCallWriteUnmappedTraps(t *testing.T) {
	emu := newTestEmulator(t, DefaultOptions())
	fn := loadCode(t, emu, storeCode)

	_, err := emu.Call(fn, 0x1000, 1)
	if !errors.Is(err, ErrTrap) {
		t.Fatalf("Expected ErrTrap, got %v", err)
	}
	var trap *TrapError
	if !errors.As(err, &trap) {
		t.Fatalf("Expected *TrapError, got %T", err)
	}
	if trap.Addr != 0x1000 {
		t.Errorf("Trap address = 0x%x, want 0x1000", trap.Addr)
	}
	if !strings.Contains(err.Error(), "write unmapped") {
		t.Errorf("Error %q does not name the access", err)
	}

	// The machine stays usable for a fresh call.
	if err := emu.MemWrite(codeBase, addCode); err != nil {
		t.Fatal(err)
	}
	if got, err := emu.Call(fn, 1, 1); err != nil || got != 2 {
		t.Errorf("Call after trap: got %d, %v", got, err)
	}
}

func TestCallWriteToCodeTraps(t *testing.T) {
	emu := newTestEmulator(t, DefaultOptions())
	fn := loadCode(t, emu, storeCode)

	_, err := emu.Call(fn, codeBase+0x100, 1)
	var trap *TrapError
	if !errors.As(err, &trap) {
		t.Fatalf("Expected *TrapError, got %v", err)
	}
	if trap.Access.String() != "write protected" {
		t.Errorf("Access = %s, want write protected", trap.Access)
	}
}

func TestCallBudget(t *testing.T) {
	emu := newTestEmulator(t, Options{Budget: 1000})
	fn := loadCode(t, emu, loopCode)

	_, err := emu.Call(fn)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("Expected ErrTimeout, got %v", err)
	}
}

func TestTrapDispatch(t *testing.T) {
	emu := newTestEmulator(t, DefaultOptions())
	base, err := emu.MapTraps(0, 4)
	if err != nil {
		t.Fatalf("MapTraps failed: %v", err)
	}
	if base != ImportBase {
		t.Errorf("Trap base = 0x%x, want 0x%x", base, uint64(ImportBase))
	}

	var hits []uint64
	emu.SetTrapHandler(func(e *Emulator, addr uint64) error {
		hits = append(hits, addr)
		return e.SetX(0, e.X(0)*2)
	})

	got, err := emu.Call(TrapAddress(0, 3), 21)
	if err != nil {
		t.Fatalf("Call failed: %v", err)
	}
	if got != 42 {
		t.Errorf("Expected 42, got %d", got)
	}
	if len(hits) != 1 || hits[0] != ImportBase+12 {
		t.Errorf("Trap hits = %x", hits)
	}
}

func TestTrapHandlerError(t *testing.T) {
	emu := newTestEmulator(t, DefaultOptions())
	if _, err := emu.MapTraps(1, 1); err != nil {
		t.Fatal(err)
	}
	boom := errors.New("boom")
	emu.SetTrapHandler(func(e *Emulator, addr uint64) error { return boom })

	if _, err := emu.Call(TrapAddress(1, 1)); !errors.Is(err, boom) {
		t.Fatalf("Expected handler error, got %v", err)
	}
}

func TestCallFromCodeHookIsBusy(t *testing.T) {
	emu := newTestEmulator(t, DefaultOptions())
	fn := loadCode(t, emu, addCode)

	var inner error
	if err := emu.HookCode(func(e *Emulator, addr uint64, size uint32) {
		if inner == nil {
			_, inner = e.Call(fn, 1, 2)
		}
	}); err != nil {
		t.Fatal(err)
	}

	if _, err := emu.Call(fn, 1, 2); err != nil {
		t.Fatalf("Call failed: %v", err)
	}
	if !errors.Is(inner, ErrBusy) {
		t.Errorf("Expected ErrBusy from reentrant call, got %v", inner)
	}
}

func TestCallFromTrapHandlerIsBusy(t *testing.T) {
	emu := newTestEmulator(t, DefaultOptions())
	fn := loadCode(t, emu, addCode)
	if _, err := emu.MapTraps(1, 1); err != nil {
		t.Fatal(err)
	}

	var inner error
	emu.SetTrapHandler(func(e *Emulator, addr uint64) error {
		_, inner = e.Call(fn, 1, 2)
		return inner
	})

	_, err := emu.Call(TrapAddress(1, 1))
	if !errors.Is(inner, ErrBusy) {
		t.Fatalf("Expected ErrBusy from trap handler, got %v", inner)
	}
	if !errors.Is(err, ErrBusy) {
		t.Fatalf("Expected outer call to fail with ErrBusy, got %v", err)
	}

	// The refused call leaves the machine usable.
	got, err := emu.Call(fn, 5, 3)
	if err != nil || got != 8 {
		t.Errorf("Call after busy = %d, %v", got, err)
	}
}

func TestMapRejectsOverlap(t *testing.T) {
	emu := newTestEmulator(t, DefaultOptions())

	err := emu.Map(Region{Name: "clash", Base: HeapBase + PageSize, Size: PageSize, Perm: PermRW})
	if !errors.Is(err, ErrOutOfAddressSpace) {
		t.Errorf("Expected ErrOutOfAddressSpace, got %v", err)
	}
	err = emu.Map(Region{Name: "odd", Base: codeBase + 1, Size: PageSize, Perm: PermRW})
	if !errors.Is(err, ErrOutOfAddressSpace) {
		t.Errorf("Expected ErrOutOfAddressSpace for unaligned base, got %v", err)
	}

	r, ok := emu.RegionOf(StackBase + 8)
	if !ok || r.Name != "stack" {
		t.Errorf("RegionOf(stack) = %v, %v", r, ok)
	}
	if _, ok := emu.RegionOf(0x10); ok {
		t.Errorf("RegionOf(0x10) found a region")
	}
}

func TestArena(t *testing.T) {
	emu := newTestEmulator(t, DefaultOptions())
	heap := emu.Heap()

	a := emu.Malloc(100)
	b := emu.Malloc(200)
	if a%16 != 0 || b%16 != 0 {
		t.Errorf("Allocations not 16-byte aligned: 0x%x 0x%x", a, b)
	}
	if b < a+100 {
		t.Errorf("Allocations overlap: 0x%x 0x%x", a, b)
	}
	if n, ok := heap.SizeOf(b); !ok || n != 200 {
		t.Errorf("SizeOf = %d, %v", n, ok)
	}
	if got := emu.Malloc(HeapSize); got != 0 {
		t.Errorf("Expected 0 on exhaustion, got 0x%x", got)
	}

	heap.Reset()
	if heap.Used() != 0 {
		t.Errorf("Used after reset = %d", heap.Used())
	}
	if got := emu.Malloc(8); got != HeapBase {
		t.Errorf("First allocation after reset = 0x%x", got)
	}
}

func TestStageAndResetScratch(t *testing.T) {
	emu := newTestEmulator(t, DefaultOptions())

	addr, err := emu.Stage([]byte("spim"))
	if err != nil {
		t.Fatalf("Stage failed: %v", err)
	}
	if addr != ScratchBase {
		t.Errorf("Stage address = 0x%x", addr)
	}
	if err := emu.ResetScratch(); err != nil {
		t.Fatalf("ResetScratch failed: %v", err)
	}
	data, err := emu.MemRead(addr, 4)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "\x00\x00\x00\x00" {
		t.Errorf("Scratch not zeroed: %q", data)
	}
	again, _ := emu.StageString("x")
	if again != addr {
		t.Errorf("Scratch not reused: 0x%x", again)
	}
}

func TestMemReadCStringStopsAtPageEdge(t *testing.T) {
	emu := newTestEmulator(t, DefaultOptions())

	// "abc" ends exactly at the last byte of the stack; no NUL follows.
	addr := uint64(StackTop - 3)
	if err := emu.MemWrite(addr, []byte("abc")); err != nil {
		t.Fatal(err)
	}
	s, err := emu.MemReadString(addr, 16)
	if err == nil {
		t.Fatalf("Expected error reading past the mapping, got %q", s)
	}

	if err := emu.MemWriteString(StackBase+PageSize-2, "hello"); err != nil {
		t.Fatal(err)
	}
	s, err = emu.MemReadString(StackBase+PageSize-2, 64)
	if err != nil || s != "hello" {
		t.Errorf("MemReadString across pages = %q, %v", s, err)
	}
}

func TestLinkRegisterAlias(t *testing.T) {
	emu := newTestEmulator(t, DefaultOptions())
	if err := emu.SetX(30, 0x1234); err != nil {
		t.Fatal(err)
	}
	if emu.LR() != 0x1234 {
		t.Errorf("LR = 0x%x, want 0x1234", emu.LR())
	}
	if err := emu.SetX(31, 1); err == nil {
		t.Errorf("Expected error for X31")
	}
}

func TestDisasm(t *testing.T) {
	emu := newTestEmulator(t, DefaultOptions())
	fn := loadCode(t, emu, addCode)

	if got := strings.ToUpper(emu.Disasm(fn + 4)); !strings.Contains(got, "RET") {
		t.Errorf("Disasm = %q, want RET", got)
	}
	if got := emu.Disasm(0x10); got != "" {
		t.Errorf("Disasm of unmapped = %q", got)
	}
}

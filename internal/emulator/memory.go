package emulator

import (
	"fmt"

	uc "github.com/unicorn-engine/unicorn/bindings/go/unicorn"
)

// Perm is a set of page permissions. Values match the engine's PROT_* bits.
type Perm int

const (
	PermNone  Perm = uc.PROT_NONE
	PermRead  Perm = uc.PROT_READ
	PermWrite Perm = uc.PROT_WRITE
	PermExec  Perm = uc.PROT_EXEC

	PermRW = PermRead | PermWrite
	PermRX = PermRead | PermExec
)

// WX reports whether the permission set is both writable and executable.
func (p Perm) WX() bool {
	return p&PermWrite != 0 && p&PermExec != 0
}

func (p Perm) String() string {
	b := []byte("---")
	if p&PermRead != 0 {
		b[0] = 'r'
	}
	if p&PermWrite != 0 {
		b[1] = 'w'
	}
	if p&PermExec != 0 {
		b[2] = 'x'
	}
	return string(b)
}

// Region is one mapped range of guest memory.
type Region struct {
	Name string
	Base uint64
	Size uint64
	Perm Perm
}

// End returns the first address past the region.
func (r Region) End() uint64 { return r.Base + r.Size }

// Contains reports whether addr falls inside the region.
func (r Region) Contains(addr uint64) bool {
	return addr >= r.Base && addr < r.End()
}

func (r Region) overlaps(o Region) bool {
	return r.Base < o.End() && o.Base < r.End()
}

func (r Region) String() string {
	return fmt.Sprintf("%-16s 0x%09x-0x%09x %s", r.Name, r.Base, r.End(), r.Perm)
}

// PageAlignDown rounds addr down to a page boundary.
func PageAlignDown(addr uint64) uint64 { return addr &^ (PageSize - 1) }

// PageAlignUp rounds addr up to a page boundary.
func PageAlignUp(addr uint64) uint64 { return (addr + PageSize - 1) &^ (PageSize - 1) }

// Arena is a bump allocator over a mapped region. Allocations never overlap
// and are only released all at once by Reset.
type Arena struct {
	Region
	align uint64
	next  uint64
	sizes map[uint64]uint64
}

func newArena(r Region, align uint64) *Arena {
	return &Arena{Region: r, align: align, next: r.Base, sizes: make(map[uint64]uint64)}
}

// Alloc returns the address of size fresh bytes, or 0 when the arena is
// exhausted.
func (a *Arena) Alloc(size uint64) uint64 {
	if size == 0 {
		size = 1
	}
	addr := (a.next + a.align - 1) &^ (a.align - 1)
	if addr+size < addr || addr+size > a.End() {
		return 0
	}
	a.next = addr + size
	a.sizes[addr] = size
	return addr
}

// SizeOf returns the requested size of an allocation made by Alloc.
func (a *Arena) SizeOf(addr uint64) (uint64, bool) {
	n, ok := a.sizes[addr]
	return n, ok
}

// Used returns the number of bytes handed out since the last Reset.
func (a *Arena) Used() uint64 { return a.next - a.Base }

// Reset forgets every allocation.
func (a *Arena) Reset() {
	a.next = a.Base
	clear(a.sizes)
}

// Map maps a new region. The region must be page aligned and must not
// overlap any existing region.
func (e *Emulator) Map(r Region) error {
	if r.Size == 0 || r.Base%PageSize != 0 || r.Size%PageSize != 0 {
		return fmt.Errorf("map %s 0x%x+0x%x: unaligned: %w", r.Name, r.Base, r.Size, ErrOutOfAddressSpace)
	}
	if r.End() < r.Base {
		return fmt.Errorf("map %s: wraps: %w", r.Name, ErrOutOfAddressSpace)
	}
	for _, o := range e.regions {
		if r.overlaps(o) {
			return fmt.Errorf("map %s: overlaps %s: %w", r.Name, o.Name, ErrOutOfAddressSpace)
		}
	}
	if err := e.mu.MemMapProt(r.Base, r.Size, int(r.Perm)); err != nil {
		return fmt.Errorf("map %s (0x%x): %w", r.Name, r.Base, err)
	}
	e.regions = append(e.regions, r)
	return nil
}

// Protect changes the permissions of pages inside an existing region.
func (e *Emulator) Protect(addr, size uint64, perm Perm) error {
	r, ok := e.RegionOf(addr)
	if !ok || addr+size > r.End() {
		return fmt.Errorf("protect 0x%x+0x%x: %w", addr, size, ErrOutOfAddressSpace)
	}
	return e.mu.MemProtect(addr, size, int(perm))
}

// Regions returns the mapped regions in mapping order.
func (e *Emulator) Regions() []Region {
	return append([]Region(nil), e.regions...)
}

// RegionOf returns the region containing addr.
func (e *Emulator) RegionOf(addr uint64) (Region, bool) {
	for _, r := range e.regions {
		if r.Contains(addr) {
			return r, true
		}
	}
	return Region{}, false
}

// Heap is the guest malloc arena.
func (e *Emulator) Heap() *Arena { return e.heap }

// Scratch is the host-to-guest staging arena.
func (e *Emulator) Scratch() *Arena { return e.scratch }

// Data is the arena for runtime globals (errno, stdio, stack guard).
func (e *Emulator) Data() *Arena { return e.data }

// Malloc allocates from the heap arena. It returns 0 on exhaustion.
func (e *Emulator) Malloc(size uint64) uint64 {
	return e.heap.Alloc(size)
}

// ResetScratch zeroes and releases every staging allocation.
func (e *Emulator) ResetScratch() error {
	used := PageAlignUp(e.scratch.Used())
	e.scratch.Reset()
	if used == 0 {
		return nil
	}
	return e.mu.MemWrite(e.scratch.Base, make([]byte, used))
}

// Stage copies data into the scratch arena and returns its guest address.
func (e *Emulator) Stage(data []byte) (uint64, error) {
	addr := e.scratch.Alloc(uint64(len(data)))
	if addr == 0 {
		return 0, fmt.Errorf("stage %d bytes: %w", len(data), ErrOutOfAddressSpace)
	}
	if len(data) > 0 {
		if err := e.mu.MemWrite(addr, data); err != nil {
			return 0, err
		}
	}
	return addr, nil
}

// StageString stages s as a NUL-terminated C string.
func (e *Emulator) StageString(s string) (uint64, error) {
	return e.Stage(append([]byte(s), 0))
}

// StageZero reserves n zeroed scratch bytes, typically an out-parameter.
func (e *Emulator) StageZero(n uint64) (uint64, error) {
	return e.Stage(make([]byte, n))
}

// MapTraps maps the trap page range for library slot lib with room for
// count import slots and fills it with RET instructions. It returns the
// base address of the range.
func (e *Emulator) MapTraps(lib, count int) (uint64, error) {
	if lib < 0 || lib >= MaxLibraries {
		return 0, fmt.Errorf("trap slot %d: %w", lib, ErrOutOfAddressSpace)
	}
	size := PageAlignUp(uint64(count+1) * TrapSlotSize)
	if size > ImportStride {
		return 0, fmt.Errorf("trap slot %d: %d imports: %w", lib, count, ErrOutOfAddressSpace)
	}
	base := ImportBase + uint64(lib)*ImportStride
	if err := e.Map(Region{Name: fmt.Sprintf("traps.%d", lib), Base: base, Size: size, Perm: PermRX}); err != nil {
		return 0, err
	}
	fill := make([]byte, size)
	for i := 0; i < len(fill); i += 4 {
		copy(fill[i:], retInsn)
	}
	if err := e.mu.MemWrite(base, fill); err != nil {
		return 0, err
	}
	return base, nil
}

// TrapAddress returns the trap address of dynamic symbol index idx in
// library slot lib.
func TrapAddress(lib, idx int) uint64 {
	return ImportBase + uint64(lib)*ImportStride + uint64(idx)*TrapSlotSize
}

// LibraryWindow returns the address range reserved for library slot lib.
func LibraryWindow(lib int) (uint64, uint64) {
	return LibraryBase + uint64(lib)*LibrarySpan, LibrarySpan
}

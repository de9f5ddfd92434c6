package loader

import (
	"debug/elf"
	"fmt"
	"sort"

	"github.com/zboralski/anisette/internal/emulator"
	glog "github.com/zboralski/anisette/internal/log"
	"go.uber.org/zap"
)

// Import is an undefined dynamic symbol waiting for the resolver.
type Import struct {
	Name   string
	Index  int // dynsym index
	Weak   bool
	Object bool

	// Addr is the bound address, written into every relocation site by Bind.
	Addr  uint64
	Bound bool
}

// site is a relocation that refers to an import.
type site struct {
	addr   uint64
	typ    elf.R_AARCH64
	imp    *Import
	addend int64
}

// Library is an image mapped into an emulator.
type Library struct {
	*Image
	Slot    int
	Base    uint64
	Exports map[string]uint64
	Imports []*Import // ordered by dynsym index

	sites []site
}

// Map maps img into library slot of emu, applies every relocation that does
// not depend on an import, and returns the loaded library.
func Map(emu *emulator.Emulator, img *Image, slot int) (*Library, error) {
	if slot < 0 || slot >= emulator.MaxLibraries {
		return nil, fmt.Errorf("loader: %s: slot %d: %w", img.Name, slot, emulator.ErrOutOfAddressSpace)
	}
	base, span := emulator.LibraryWindow(slot)
	if img.Span > span {
		return nil, fmt.Errorf("loader: %s: image spans 0x%x, window is 0x%x: %w",
			img.Name, img.Span, span, emulator.ErrOutOfAddressSpace)
	}

	lib := &Library{
		Image:   img,
		Slot:    slot,
		Base:    base,
		Exports: make(map[string]uint64),
	}
	if err := lib.mapSegments(emu); err != nil {
		return nil, err
	}

	byIndex := make(map[int]*Import)
	for _, s := range img.Symbols {
		if s.Name == "" {
			continue
		}
		if s.Defined {
			if _, dup := lib.Exports[s.Name]; !dup {
				lib.Exports[s.Name] = base + s.Value
			}
			continue
		}
		imp := &Import{Name: s.Name, Index: s.Index, Weak: s.Weak, Object: s.Object}
		lib.Imports = append(lib.Imports, imp)
		byIndex[s.Index] = imp
	}

	if err := lib.relocate(emu, byIndex); err != nil {
		return nil, err
	}

	glog.L.Info("mapped library",
		zap.String("lib", img.Name),
		glog.Addr(base),
		glog.Size(img.Span),
		zap.Int("exports", len(lib.Exports)),
		zap.Int("imports", len(lib.Imports)),
		zap.Int("relocs", len(img.Relocs)),
	)
	return lib, nil
}

// mapSegments maps every page covered by a PT_LOAD segment with the union
// of the permissions of the segments covering it, then copies file bytes.
// Fresh mappings are zero filled, which covers .bss.
func (lib *Library) mapSegments(emu *emulator.Emulator) error {
	pages := make(map[uint64]emulator.Perm)
	for _, seg := range lib.Segments {
		start := emulator.PageAlignDown(seg.Vaddr)
		end := emulator.PageAlignUp(seg.Vaddr + seg.Memsz)
		for p := start; p < end; p += emulator.PageSize {
			pages[p] |= seg.Perm
		}
	}

	offsets := make([]uint64, 0, len(pages))
	for p, perm := range pages {
		if perm.WX() {
			return fmt.Errorf("loader: %s: page 0x%x is writable and executable: %w", lib.Name, p, ErrMalformedImage)
		}
		offsets = append(offsets, p)
	}
	sort.Slice(offsets, func(i, j int) bool { return offsets[i] < offsets[j] })

	// Coalesce adjacent pages with equal permissions into one region.
	for i := 0; i < len(offsets); {
		j := i + 1
		for j < len(offsets) && offsets[j] == offsets[j-1]+emulator.PageSize && pages[offsets[j]] == pages[offsets[i]] {
			j++
		}
		r := emulator.Region{
			Name: fmt.Sprintf("%s+0x%x", lib.Name, offsets[i]),
			Base: lib.Base + offsets[i],
			Size: uint64(j-i) * emulator.PageSize,
			Perm: pages[offsets[i]],
		}
		if err := emu.Map(r); err != nil {
			return fmt.Errorf("loader: %s: %w", lib.Name, err)
		}
		i = j
	}

	for _, seg := range lib.Segments {
		if seg.Filesz == 0 {
			continue
		}
		if err := emu.MemWrite(lib.Base+seg.Vaddr, lib.Data[seg.Offset:seg.Offset+seg.Filesz]); err != nil {
			return fmt.Errorf("loader: %s: write segment at 0x%x: %w", lib.Name, seg.Vaddr, err)
		}
	}
	return nil
}

// relocate applies relocations against the library itself and records the
// ones that refer to imports.
func (lib *Library) relocate(emu *emulator.Emulator, imports map[int]*Import) error {
	for _, r := range lib.Relocs {
		target := lib.Base + r.Offset
		var val uint64

		switch r.Type {
		case elf.R_AARCH64_NONE:
			continue

		case elf.R_AARCH64_RELATIVE:
			val = lib.Base + uint64(r.Addend)

		case elf.R_AARCH64_ABS64, elf.R_AARCH64_GLOB_DAT, elf.R_AARCH64_JUMP_SLOT:
			sym, ok := lib.Symbol(r.Sym)
			if !ok {
				return fmt.Errorf("loader: %s: %v at 0x%x: symbol index %d out of range: %w",
					lib.Name, r.Type, r.Offset, r.Sym, ErrRelocationFailed)
			}
			if !sym.Defined {
				imp := imports[r.Sym]
				if imp == nil {
					return fmt.Errorf("loader: %s: %v at 0x%x: unnamed undefined symbol %d: %w",
						lib.Name, r.Type, r.Offset, r.Sym, ErrRelocationFailed)
				}
				lib.sites = append(lib.sites, site{addr: target, typ: r.Type, imp: imp, addend: r.Addend})
				continue
			}
			val = symbolValue(r, lib.Base+sym.Value)

		default:
			return fmt.Errorf("loader: %s: unsupported relocation %v at 0x%x: %w",
				lib.Name, r.Type, r.Offset, ErrRelocationFailed)
		}

		if err := emu.MemWriteU64(target, val); err != nil {
			return fmt.Errorf("loader: %s: %v at 0x%x: %v: %w", lib.Name, r.Type, r.Offset, err, ErrRelocationFailed)
		}
	}
	return nil
}

func symbolValue(r Reloc, s uint64) uint64 {
	if r.Type == elf.R_AARCH64_JUMP_SLOT {
		return s
	}
	return s + uint64(r.Addend)
}

// Bind writes the bound address of every import into its relocation sites.
// Every referenced import must be bound.
func (lib *Library) Bind(emu *emulator.Emulator) error {
	for _, s := range lib.sites {
		if !s.imp.Bound {
			return fmt.Errorf("loader: %s: import %s is not bound: %w", lib.Name, s.imp.Name, ErrRelocationFailed)
		}
		val := s.imp.Addr
		if val != 0 {
			val = symbolValue(Reloc{Type: s.typ, Addend: s.addend}, val)
		}
		if err := emu.MemWriteU64(s.addr, val); err != nil {
			return fmt.Errorf("loader: %s: bind %s at 0x%x: %v: %w", lib.Name, s.imp.Name, s.addr, err, ErrRelocationFailed)
		}
	}
	return nil
}

// Export returns the absolute address of an exported symbol.
func (lib *Library) Export(name string) (uint64, bool) {
	addr, ok := lib.Exports[name]
	return addr, ok
}

// Sites returns the number of relocation sites that refer to imports.
func (lib *Library) Sites() int { return len(lib.sites) }

// Package loader maps position-independent AArch64 shared objects into an
// emulator: segment mapping with W^X page permissions, export and import
// tables, and relocation processing with import sites deferred until the
// resolver has bound every import.
package loader

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"

	"github.com/zboralski/anisette/internal/emulator"
)

var (
	// ErrMalformedImage is returned for images that are not valid
	// position-independent AArch64 ELF shared objects.
	ErrMalformedImage = errors.New("malformed image")

	// ErrRelocationFailed is returned for relocations that cannot be applied.
	ErrRelocationFailed = errors.New("relocation failed")
)

const relaSize = 24

// Segment is one PT_LOAD program header.
type Segment struct {
	Vaddr  uint64
	Offset uint64
	Filesz uint64
	Memsz  uint64
	Perm   emulator.Perm
}

// Symbol is one entry of the dynamic symbol table.
type Symbol struct {
	Name    string
	Index   int // dynsym index; 0 is STN_UNDEF
	Value   uint64
	Defined bool
	Weak    bool
	Object  bool
}

// Reloc is one RELA entry.
type Reloc struct {
	Offset uint64
	Type   elf.R_AARCH64
	Sym    int
	Addend int64
}

// Image is a parsed, not yet mapped, shared object.
type Image struct {
	Name     string
	Data     []byte
	Segments []Segment
	Span     uint64 // page-aligned extent of all PT_LOAD segments
	Symbols  []Symbol
	Relocs   []Reloc
}

// Parse validates and parses a shared object image.
func Parse(name string, data []byte) (*Image, error) {
	f, err := elf.NewFile(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("loader: %s: %v: %w", name, err, ErrMalformedImage)
	}
	defer f.Close()

	switch {
	case f.Class != elf.ELFCLASS64:
		return nil, fmt.Errorf("loader: %s: class %v: %w", name, f.Class, ErrMalformedImage)
	case f.Data != elf.ELFDATA2LSB:
		return nil, fmt.Errorf("loader: %s: byte order %v: %w", name, f.Data, ErrMalformedImage)
	case f.Machine != elf.EM_AARCH64:
		return nil, fmt.Errorf("loader: %s: expected ARM64 (EM_AARCH64), got %v: %w", name, f.Machine, ErrMalformedImage)
	case f.Type != elf.ET_DYN:
		return nil, fmt.Errorf("loader: %s: type %v is not position independent: %w", name, f.Type, ErrMalformedImage)
	}

	img := &Image{Name: name, Data: data}

	for _, prog := range f.Progs {
		if prog.Type != elf.PT_LOAD || prog.Memsz == 0 {
			continue
		}
		end := prog.Off + prog.Filesz
		if end < prog.Off || end > uint64(len(data)) || prog.Filesz > prog.Memsz {
			return nil, fmt.Errorf("loader: %s: segment at 0x%x exceeds image: %w", name, prog.Vaddr, ErrMalformedImage)
		}
		img.Segments = append(img.Segments, Segment{
			Vaddr:  prog.Vaddr,
			Offset: prog.Off,
			Filesz: prog.Filesz,
			Memsz:  prog.Memsz,
			Perm:   progPerm(prog.Flags),
		})
		if top := emulator.PageAlignUp(prog.Vaddr + prog.Memsz); top > img.Span {
			img.Span = top
		}
	}
	if len(img.Segments) == 0 {
		return nil, fmt.Errorf("loader: %s: no PT_LOAD segments: %w", name, ErrMalformedImage)
	}

	// DynamicSymbols skips STN_UNDEF, so slice position i is dynsym index i+1.
	syms, err := f.DynamicSymbols()
	if err != nil && !errors.Is(err, elf.ErrNoSymbols) {
		return nil, fmt.Errorf("loader: %s: dynamic symbols: %v: %w", name, err, ErrMalformedImage)
	}
	for i, s := range syms {
		img.Symbols = append(img.Symbols, Symbol{
			Name:    stripVersion(s.Name),
			Index:   i + 1,
			Value:   s.Value,
			Defined: s.Section != elf.SHN_UNDEF,
			Weak:    elf.ST_BIND(s.Info) == elf.STB_WEAK,
			Object:  elf.ST_TYPE(s.Info) == elf.STT_OBJECT,
		})
	}

	if img.Relocs, err = readRelocs(f, data); err != nil {
		return nil, fmt.Errorf("loader: %s: %w", name, err)
	}
	return img, nil
}

// Symbol returns the dynamic symbol with the given index.
func (img *Image) Symbol(index int) (Symbol, bool) {
	if index < 1 || index > len(img.Symbols) {
		return Symbol{}, false
	}
	return img.Symbols[index-1], true
}

func progPerm(flags elf.ProgFlag) emulator.Perm {
	var p emulator.Perm
	if flags&elf.PF_R != 0 {
		p |= emulator.PermRead
	}
	if flags&elf.PF_W != 0 {
		p |= emulator.PermWrite
	}
	if flags&elf.PF_X != 0 {
		p |= emulator.PermExec
	}
	return p
}

// stripVersion removes @VERSION and @@VERSION suffixes.
func stripVersion(name string) string {
	if idx := strings.Index(name, "@"); idx != -1 {
		return name[:idx]
	}
	return name
}

// readRelocs collects the dynamic and PLT relocation tables. Section
// headers are preferred; stripped images fall back to the DT_RELA and
// DT_JMPREL dynamic tags.
func readRelocs(f *elf.File, data []byte) ([]Reloc, error) {
	var tables [][]byte
	for _, name := range []string{".rela.dyn", ".rela.plt"} {
		sec := f.Section(name)
		if sec == nil || sec.Type != elf.SHT_RELA {
			continue
		}
		b, err := sec.Data()
		if err != nil {
			return nil, fmt.Errorf("%s: %v: %w", name, err, ErrMalformedImage)
		}
		tables = append(tables, b)
	}
	if len(tables) == 0 {
		for _, tags := range [][2]elf.DynTag{{elf.DT_RELA, elf.DT_RELASZ}, {elf.DT_JMPREL, elf.DT_PLTRELSZ}} {
			b, err := dynTable(f, data, tags[0], tags[1])
			if err != nil {
				return nil, err
			}
			tables = append(tables, b)
		}
	}

	var out []Reloc
	for _, b := range tables {
		if len(b)%relaSize != 0 {
			return nil, fmt.Errorf("relocation table size %d: %w", len(b), ErrMalformedImage)
		}
		for i := 0; i+relaSize <= len(b); i += relaSize {
			info := binary.LittleEndian.Uint64(b[i+8:])
			out = append(out, Reloc{
				Offset: binary.LittleEndian.Uint64(b[i:]),
				Type:   elf.R_AARCH64(elf.R_TYPE64(info)),
				Sym:    int(elf.R_SYM64(info)),
				Addend: int64(binary.LittleEndian.Uint64(b[i+16:])),
			})
		}
	}
	return out, nil
}

// dynTable reads the table addressed by a (pointer, size) pair of dynamic tags.
func dynTable(f *elf.File, data []byte, addrTag, sizeTag elf.DynTag) ([]byte, error) {
	addrs, err := f.DynValue(addrTag)
	if err != nil || len(addrs) == 0 {
		return nil, nil
	}
	sizes, err := f.DynValue(sizeTag)
	if err != nil || len(sizes) == 0 {
		return nil, fmt.Errorf("%v without %v: %w", addrTag, sizeTag, ErrMalformedImage)
	}
	for _, prog := range f.Progs {
		if prog.Type != elf.PT_LOAD || addrs[0] < prog.Vaddr || addrs[0]+sizes[0] > prog.Vaddr+prog.Filesz {
			continue
		}
		off := prog.Off + (addrs[0] - prog.Vaddr)
		if off+sizes[0] > uint64(len(data)) {
			break
		}
		return data[off : off+sizes[0]], nil
	}
	return nil, fmt.Errorf("%v at 0x%x outside file: %w", addrTag, addrs[0], ErrMalformedImage)
}

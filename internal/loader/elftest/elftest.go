// Package elftest builds small AArch64 ELF shared objects for tests.
//
// The layout is fixed: code at TextAddr (r-x), data at DataAddr (rw-),
// followed by the unloaded dynamic symbol, string and relocation tables
// and the section headers.
package elftest

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
)

const (
	TextAddr = 0x1000
	DataAddr = 0x2000
	tabAddr  = 0x3000
	pageSize = 0x1000

	shText = 1
	shData = 2
)

// Symbol is a dynamic symbol. Defined symbols live in .text unless Object
// is set, in which case they live in .data.
type Symbol struct {
	Name      string
	Value     uint64
	Size      uint64
	Object    bool
	Weak      bool
	Undefined bool
}

// Reloc is a RELA entry. Sym is a 1-based index into Builder.Symbols.
type Reloc struct {
	Offset uint64
	Type   elf.R_AARCH64
	Sym    int
	Addend int64
}

// Builder describes the image to emit.
type Builder struct {
	Text      []byte
	Data      []byte
	BSS       uint64
	Symbols   []Symbol
	Relocs    []Reloc // .rela.dyn
	PLTRelocs []Reloc // .rela.plt

	Machine elf.Machine // defaults to EM_AARCH64
	Type    elf.Type    // defaults to ET_DYN
	// TextFlags overrides the text segment flags, e.g. to build a W+X image.
	TextFlags elf.ProgFlag
}

// Build returns the encoded image.
func (b *Builder) Build() []byte {
	if len(b.Text) > pageSize || len(b.Data) > pageSize {
		panic("elftest: text and data are limited to one page each")
	}
	machine := b.Machine
	if machine == 0 {
		machine = elf.EM_AARCH64
	}
	typ := b.Type
	if typ == 0 {
		typ = elf.ET_DYN
	}
	textFlags := b.TextFlags
	if textFlags == 0 {
		textFlags = elf.PF_R | elf.PF_X
	}

	// Dynamic string and symbol tables.
	dynstr := []byte{0}
	nameOff := func(name string) uint32 {
		off := uint32(len(dynstr))
		dynstr = append(append(dynstr, name...), 0)
		return off
	}
	var dynsym bytes.Buffer
	binary.Write(&dynsym, binary.LittleEndian, elf.Sym64{})
	for _, s := range b.Symbols {
		bind, styp, shndx := elf.STB_GLOBAL, elf.STT_FUNC, uint16(shText)
		if s.Weak {
			bind = elf.STB_WEAK
		}
		if s.Object {
			styp, shndx = elf.STT_OBJECT, shData
		}
		if s.Undefined {
			shndx = uint16(elf.SHN_UNDEF)
		}
		binary.Write(&dynsym, binary.LittleEndian, elf.Sym64{
			Name:  nameOff(s.Name),
			Info:  elf.ST_INFO(bind, styp),
			Shndx: shndx,
			Value: s.Value,
			Size:  s.Size,
		})
	}

	rela := func(rs []Reloc) []byte {
		var buf bytes.Buffer
		for _, r := range rs {
			binary.Write(&buf, binary.LittleEndian, elf.Rela64{
				Off:    r.Offset,
				Info:   elf.R_INFO(uint32(r.Sym), uint32(r.Type)),
				Addend: r.Addend,
			})
		}
		return buf.Bytes()
	}
	relaDyn, relaPlt := rela(b.Relocs), rela(b.PLTRelocs)

	shstr := []byte{0}
	shName := func(name string) uint32 {
		off := uint32(len(shstr))
		shstr = append(append(shstr, name...), 0)
		return off
	}

	// Tables after the loaded pages.
	out := make([]byte, tabAddr)
	place := func(data []byte) uint64 {
		for len(out)%8 != 0 {
			out = append(out, 0)
		}
		off := uint64(len(out))
		out = append(out, data...)
		return off
	}
	copy(out[TextAddr:], b.Text)
	copy(out[DataAddr:], b.Data)

	dynsymOff := place(dynsym.Bytes())
	dynstrOff := place(dynstr)
	relaDynOff := place(relaDyn)
	relaPltOff := place(relaPlt)

	sections := []elf.Section64{
		{},
		{Name: shName(".text"), Type: uint32(elf.SHT_PROGBITS), Flags: uint64(elf.SHF_ALLOC | elf.SHF_EXECINSTR),
			Addr: TextAddr, Off: TextAddr, Size: uint64(len(b.Text)), Addralign: 4},
		{Name: shName(".data"), Type: uint32(elf.SHT_PROGBITS), Flags: uint64(elf.SHF_ALLOC | elf.SHF_WRITE),
			Addr: DataAddr, Off: DataAddr, Size: uint64(len(b.Data)), Addralign: 8},
		{Name: shName(".dynsym"), Type: uint32(elf.SHT_DYNSYM), Off: dynsymOff, Size: uint64(dynsym.Len()),
			Link: 4, Info: 1, Addralign: 8, Entsize: 24},
		{Name: shName(".dynstr"), Type: uint32(elf.SHT_STRTAB), Off: dynstrOff, Size: uint64(len(dynstr)), Addralign: 1},
		{Name: shName(".rela.dyn"), Type: uint32(elf.SHT_RELA), Off: relaDynOff, Size: uint64(len(relaDyn)),
			Link: 3, Addralign: 8, Entsize: 24},
		{Name: shName(".rela.plt"), Type: uint32(elf.SHT_RELA), Off: relaPltOff, Size: uint64(len(relaPlt)),
			Link: 3, Addralign: 8, Entsize: 24},
	}
	shstrName := shName(".shstrtab")
	shstrOff := place(shstr)
	sections = append(sections, elf.Section64{Name: shstrName, Type: uint32(elf.SHT_STRTAB), Off: shstrOff,
		Size: uint64(len(shstr)), Addralign: 1})

	for len(out)%8 != 0 {
		out = append(out, 0)
	}
	shoff := uint64(len(out))
	var shdrs bytes.Buffer
	for _, s := range sections {
		binary.Write(&shdrs, binary.LittleEndian, s)
	}
	out = append(out, shdrs.Bytes()...)

	progs := []elf.Prog64{
		{Type: uint32(elf.PT_LOAD), Flags: uint32(textFlags), Off: TextAddr, Vaddr: TextAddr, Paddr: TextAddr,
			Filesz: uint64(len(b.Text)), Memsz: uint64(max(len(b.Text), 4)), Align: pageSize},
		{Type: uint32(elf.PT_LOAD), Flags: uint32(elf.PF_R | elf.PF_W), Off: DataAddr, Vaddr: DataAddr, Paddr: DataAddr,
			Filesz: uint64(len(b.Data)), Memsz: uint64(len(b.Data)) + b.BSS + 8, Align: pageSize},
	}

	var hdr bytes.Buffer
	ident := [elf.EI_NIDENT]byte{0x7f, 'E', 'L', 'F', byte(elf.ELFCLASS64), byte(elf.ELFDATA2LSB), byte(elf.EV_CURRENT)}
	binary.Write(&hdr, binary.LittleEndian, elf.Header64{
		Ident:     ident,
		Type:      uint16(typ),
		Machine:   uint16(machine),
		Version:   uint32(elf.EV_CURRENT),
		Phoff:     64,
		Shoff:     shoff,
		Ehsize:    64,
		Phentsize: 56,
		Phnum:     uint16(len(progs)),
		Shentsize: 64,
		Shnum:     uint16(len(sections)),
		Shstrndx:  uint16(len(sections) - 1),
	})
	for _, p := range progs {
		binary.Write(&hdr, binary.LittleEndian, p)
	}
	copy(out, hdr.Bytes())
	return out
}

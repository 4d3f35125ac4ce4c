package elfimage

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"fmt"

	"github.com/onkernel/shim/lib/payload"
)

// section is one section of a file being built. Addresses are given by the
// caller; file offsets are assigned by encode in section order.
type section struct {
	name    string
	typ     elf.SectionType
	flags   elf.SectionFlag
	addr    uint64
	align   uint64
	entsize uint64
	link    uint32
	info    uint32
	data    []byte

	nameOff uint32
	off     uint64
}

// symbol is one symbol table entry. A nil section makes it undefined.
type symbol struct {
	name  string
	in    *section
	value uint64
	size  uint64
	bind  elf.SymBind
	typ   elf.SymType
}

// file is an ELF file made of sections only, with no program headers.
type file struct {
	class   elf.Class
	data    elf.Data
	typ     elf.Type
	machine elf.Machine

	sections []*section
}

func (f *file) add(s *section) *section {
	f.sections = append(f.sections, s)
	return s
}

// index returns the section header index of s. Index 0 is the null section.
func (f *file) index(s *section) uint16 {
	for i, x := range f.sections {
		if x == s {
			return uint16(i + 1)
		}
	}
	return uint16(elf.SHN_UNDEF)
}

func (f *file) layout() payload.Layout {
	l := payload.Layout{ByteOrder: binary.LittleEndian, PtrSize: 8}
	if f.data == elf.ELFDATA2MSB {
		l.ByteOrder = binary.BigEndian
	}
	if f.class == elf.ELFCLASS32 {
		l.PtrSize = 4
	}
	return l
}

// addSymbols appends .symtab and .strtab sections holding syms after the
// null symbol and returns the symbol table. Symbols default to global
// objects; locals must come first.
func (f *file) addSymbols(l payload.Layout, syms []symbol) (*section, error) {
	strtab := []byte{0}
	locals := uint32(1)
	e := newEncoder(l.ByteOrder)
	e.sym(l, 0, 0, 0, 0, 0)
	for _, sym := range syms {
		nameOff := uint32(0)
		if sym.name != "" {
			nameOff = uint32(len(strtab))
			strtab = append(strtab, sym.name...)
			strtab = append(strtab, 0)
		}
		bind, typ := sym.bind, sym.typ
		if bind == elf.STB_LOCAL && typ == elf.STT_NOTYPE {
			bind, typ = elf.STB_GLOBAL, elf.STT_OBJECT
		}
		if bind == elf.STB_LOCAL {
			locals++
		}
		e.sym(l, nameOff, elf.ST_INFO(bind, typ), f.index(sym.in), sym.value, sym.size)
	}
	if e.err != nil {
		return nil, fmt.Errorf("encode symbols: %w", e.err)
	}

	entsize := uint64(24)
	if l.PtrSize == 4 {
		entsize = 16
	}
	symtab := f.add(&section{name: ".symtab", typ: elf.SHT_SYMTAB, align: uint64(l.PtrSize),
		entsize: entsize, info: locals, data: e.buf.Bytes()})
	strs := f.add(&section{name: ".strtab", typ: elf.SHT_STRTAB, align: 1, data: strtab})
	symtab.link = uint32(f.index(strs))
	return symtab, nil
}

// encode lays out the sections after the ELF header, appends .shstrtab and
// the section header table, and returns the file bytes.
func (f *file) encode() ([]byte, error) {
	l := f.layout()
	ptr := uint64(l.PtrSize)
	ehdrSize, shdrSize, phdrSize := uint64(ehdrSize64), uint64(shdrSize64), uint64(phdrSize64)
	if l.PtrSize == 4 {
		ehdrSize, shdrSize, phdrSize = ehdrSize32, shdrSize32, phdrSize32
	}

	shstrtab := &section{name: ".shstrtab", typ: elf.SHT_STRTAB, align: 1}
	sections := append([]*section{{}}, f.sections...)
	sections = append(sections, shstrtab)
	names := []byte{0}
	for _, s := range sections[1:] {
		s.nameOff = uint32(len(names))
		names = append(names, s.name...)
		names = append(names, 0)
	}
	shstrtab.data = names

	off := ehdrSize
	for _, s := range sections[1:] {
		off = alignUp(off, s.align)
		s.off = off
		off += uint64(len(s.data))
	}
	shoff := alignUp(off, ptr)

	e := newEncoder(l.ByteOrder)
	ident := [elf.EI_NIDENT]byte{0x7f, 'E', 'L', 'F', byte(f.class), byte(f.data), byte(elf.EV_CURRENT)}
	if l.PtrSize == 8 {
		e.put(elf.Header64{
			Ident:     ident,
			Type:      uint16(f.typ),
			Machine:   uint16(f.machine),
			Version:   uint32(elf.EV_CURRENT),
			Shoff:     shoff,
			Ehsize:    uint16(ehdrSize),
			Phentsize: uint16(phdrSize),
			Shentsize: uint16(shdrSize),
			Shnum:     uint16(len(sections)),
			Shstrndx:  uint16(len(sections) - 1),
		})
	} else {
		e.put(elf.Header32{
			Ident:     ident,
			Type:      uint16(f.typ),
			Machine:   uint16(f.machine),
			Version:   uint32(elf.EV_CURRENT),
			Shoff:     uint32(shoff),
			Ehsize:    uint16(ehdrSize),
			Phentsize: uint16(phdrSize),
			Shentsize: uint16(shdrSize),
			Shnum:     uint16(len(sections)),
			Shstrndx:  uint16(len(sections) - 1),
		})
	}

	for _, s := range sections[1:] {
		pad(&e.buf, s.off)
		e.buf.Write(s.data)
	}
	pad(&e.buf, shoff)

	for _, s := range sections {
		if l.PtrSize == 8 {
			e.put(elf.Section64{
				Name:      s.nameOff,
				Type:      uint32(s.typ),
				Flags:     uint64(s.flags),
				Addr:      s.addr,
				Off:       s.off,
				Size:      uint64(len(s.data)),
				Link:      s.link,
				Info:      s.info,
				Addralign: s.align,
				Entsize:   s.entsize,
			})
		} else {
			e.put(elf.Section32{
				Name:      s.nameOff,
				Type:      uint32(s.typ),
				Flags:     uint32(s.flags),
				Addr:      uint32(s.addr),
				Off:       uint32(s.off),
				Size:      uint32(len(s.data)),
				Link:      s.link,
				Info:      s.info,
				Addralign: uint32(s.align),
				Entsize:   uint32(s.entsize),
			})
		}
	}

	if e.err != nil {
		return nil, fmt.Errorf("encode image: %w", e.err)
	}
	return e.buf.Bytes(), nil
}

// encoder writes fixed-size values and keeps the first error, so that a run
// of writes needs a single check at the end.
type encoder struct {
	buf bytes.Buffer
	bo  binary.ByteOrder
	err error
}

func newEncoder(bo binary.ByteOrder) *encoder {
	return &encoder{bo: bo}
}

func (e *encoder) put(v any) {
	if e.err == nil {
		e.err = binary.Write(&e.buf, e.bo, v)
	}
}

func (e *encoder) sym(l payload.Layout, name uint32, info uint8, shndx uint16, value, size uint64) {
	if l.PtrSize == 8 {
		e.put(elf.Sym64{Name: name, Info: info, Shndx: shndx, Value: value, Size: size})
		return
	}
	e.put(elf.Sym32{Name: name, Info: info, Shndx: shndx, Value: uint32(value), Size: uint32(size)})
}

func (e *encoder) reloc(l payload.Layout, off uint64, typ, sym uint32, rela bool, addend int64) {
	switch {
	case l.PtrSize == 8 && rela:
		e.put(elf.Rela64{Off: off, Info: elf.R_INFO(sym, typ), Addend: addend})
	case l.PtrSize == 8:
		e.put(elf.Rel64{Off: off, Info: elf.R_INFO(sym, typ)})
	case rela:
		e.put(elf.Rela32{Off: uint32(off), Info: elf.R_INFO32(sym, typ), Addend: int32(addend)})
	default:
		e.put(elf.Rel32{Off: uint32(off), Info: elf.R_INFO32(sym, typ)})
	}
}

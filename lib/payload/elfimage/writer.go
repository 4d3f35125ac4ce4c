package elfimage

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/onkernel/shim/lib/payload"
)

const (
	// defaultBase is the traditional non-PIE load address on Linux.
	defaultBase = 0x400000

	ehdrSize64 = 64
	ehdrSize32 = 52
	shdrSize64 = 64
	shdrSize32 = 40
	phdrSize64 = 56
	phdrSize32 = 32
)

// WriteOptions selects the flavour of ELF file Write produces.
type WriteOptions struct {
	// Class defaults to ELFCLASS64.
	Class elf.Class
	// Data defaults to ELFDATA2LSB.
	Data elf.Data
	// Machine defaults to a machine matching Class and Data.
	Machine elf.Machine
	// PIE emits an ET_DYN image whose pointer words are filled in by
	// RELATIVE relocations instead of being stored in the section.
	PIE bool
	// Base is the address of the first file byte. Defaults to 0x400000,
	// or 0 for PIE.
	Base uint64
}

func (o WriteOptions) withDefaults() WriteOptions {
	if o.Class == elf.ELFCLASSNONE {
		o.Class = elf.ELFCLASS64
	}
	if o.Data == elf.ELFDATANONE {
		o.Data = elf.ELFDATA2LSB
	}
	if o.Machine == elf.EM_NONE {
		switch {
		case o.Class == elf.ELFCLASS64 && o.Data == elf.ELFDATA2LSB:
			o.Machine = elf.EM_X86_64
		case o.Class == elf.ELFCLASS64:
			o.Machine = elf.EM_PPC64
		case o.Data == elf.ELFDATA2LSB:
			o.Machine = elf.EM_386
		default:
			o.Machine = elf.EM_PPC
		}
	}
	if o.Base == 0 && !o.PIE {
		o.Base = defaultBase
	}
	return o
}

// Layout returns the payload layout of an image written with o.
func (o WriteOptions) Layout() (payload.Layout, error) {
	o = o.withDefaults()
	var l payload.Layout
	switch o.Class {
	case elf.ELFCLASS64:
		l.PtrSize = 8
	case elf.ELFCLASS32:
		l.PtrSize = 4
	default:
		return l, fmt.Errorf("%w: %v", ErrUnsupportedClass, o.Class)
	}
	switch o.Data {
	case elf.ELFDATA2LSB:
		l.ByteOrder = binary.LittleEndian
	case elf.ELFDATA2MSB:
		l.ByteOrder = binary.BigEndian
	default:
		return l, fmt.Errorf("unsupported ELF data encoding: %v", o.Data)
	}
	return l, nil
}

// Write emits a minimal ELF file that carries spec in the payload sections
// and nothing else: no program headers, no code. It is what a build step
// produces before the payload object is linked into a host, and what tests
// use as a real on-disk image. The symbol table names the descriptor so that
// readers need not assume it starts the section.
func Write(w io.Writer, spec payload.Spec, opts WriteOptions) error {
	opts = opts.withDefaults()
	l, err := opts.Layout()
	if err != nil {
		return err
	}
	ptr := uint64(l.PtrSize)

	// Section contents depend on their addresses, so offsets are fixed first
	// from the encoded sizes, which do not.
	sized, err := payload.Encode(spec, l, 0, 0)
	if err != nil {
		return err
	}
	payloadOff := alignUp(headerSize(opts.Class), ptr)
	rodataOff := payloadOff + uint64(len(sized.Payload))
	payloadAddr, rodataAddr := opts.Base+payloadOff, opts.Base+rodataOff

	enc, err := payload.Encode(spec, l, payloadAddr, rodataAddr)
	if err != nil {
		return err
	}

	f := &file{class: opts.Class, data: opts.Data, typ: elf.ET_EXEC, machine: opts.Machine}
	ps := f.add(&section{name: payload.SectionName, typ: elf.SHT_PROGBITS, flags: elf.SHF_ALLOC | elf.SHF_WRITE,
		addr: payloadAddr, align: ptr, data: enc.Payload})
	f.add(&section{name: payload.RodataSectionName, typ: elf.SHT_PROGBITS, flags: elf.SHF_ALLOC,
		addr: rodataAddr, align: 1, data: enc.Rodata})

	if opts.PIE {
		f.typ = elf.ET_DYN
		rel, err := relocations(enc, l, opts.Machine, payloadAddr)
		if err != nil {
			return err
		}
		f.add(rel)
	}

	desc := uint64(l.DescriptorSize())
	syms := []symbol{{name: payload.DescriptorSymbol, in: ps, value: payloadAddr, size: desc}}
	if n := uint64(len(spec.Args)); n > 0 {
		syms = append(syms, symbol{name: "argv_pre", in: ps, value: payloadAddr + desc, size: n * ptr})
	}
	if _, err := f.addSymbols(l, syms); err != nil {
		return err
	}

	b, err := f.encode()
	if err != nil {
		return err
	}
	if _, err := w.Write(b); err != nil {
		return fmt.Errorf("write image: %w", err)
	}
	return nil
}

// relocations builds the dynamic relocation section for a PIE image. For
// RELA machines the pointer words are cleared so that only the relocations
// carry the addresses, as a linker would emit them.
func relocations(enc *payload.Encoded, l payload.Layout, m elf.Machine, payloadAddr uint64) (*section, error) {
	typ, rela, ok := RelativeType(m)
	if !ok {
		return nil, fmt.Errorf("no RELATIVE relocation known for %v", m)
	}

	s := &section{name: ".rela.dyn", typ: elf.SHT_RELA, flags: elf.SHF_ALLOC, align: uint64(l.PtrSize)}
	if !rela {
		s.name, s.typ = ".rel.dyn", elf.SHT_REL
	}

	e := newEncoder(l.ByteOrder)
	for _, off := range enc.Pointers {
		word := enc.Payload[off : off+l.PtrSize]
		e.reloc(l, payloadAddr+uint64(off), typ, 0, rela, int64(l.Word(word)))
		if rela {
			l.PutWord(word, 0)
		}
	}
	if e.err != nil {
		return nil, fmt.Errorf("encode relocations: %w", e.err)
	}

	s.data = e.buf.Bytes()
	s.entsize = relocEntSize(l, rela)
	return s, nil
}

func headerSize(c elf.Class) uint64 {
	if c == elf.ELFCLASS32 {
		return ehdrSize32
	}
	return ehdrSize64
}

func relocEntSize(l payload.Layout, rela bool) uint64 {
	switch {
	case l.PtrSize == 8 && rela:
		return 24
	case l.PtrSize == 8:
		return 16
	case rela:
		return 12
	}
	return 8
}

func alignUp(n, align uint64) uint64 {
	if align <= 1 {
		return n
	}
	return (n + align - 1) &^ (align - 1)
}

func pad(buf *bytes.Buffer, off uint64) {
	for uint64(buf.Len()) < off {
		buf.WriteByte(0)
	}
}

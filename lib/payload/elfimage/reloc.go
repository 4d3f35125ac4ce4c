package elfimage

import (
	"debug/elf"
	"fmt"

	"github.com/onkernel/shim/lib/payload"
)

// machineRelocs describes the relocations of one machine that can fill a
// pointer word: RELATIVE in linked images and the native-width absolute type
// in relocatable objects. For REL machines the addend is stored in the
// relocated word.
type machineRelocs struct {
	relative uint32
	absolute uint32
	rela     bool
}

var machines = map[elf.Machine]machineRelocs{
	elf.EM_X86_64:  {uint32(elf.R_X86_64_RELATIVE), uint32(elf.R_X86_64_64), true},
	elf.EM_AARCH64: {uint32(elf.R_AARCH64_RELATIVE), uint32(elf.R_AARCH64_ABS64), true},
	elf.EM_RISCV:   {uint32(elf.R_RISCV_RELATIVE), uint32(elf.R_RISCV_64), true},
	elf.EM_PPC64:   {uint32(elf.R_PPC64_RELATIVE), uint32(elf.R_PPC64_ADDR64), true},
	elf.EM_PPC:     {uint32(elf.R_PPC_RELATIVE), uint32(elf.R_PPC_ADDR32), true},
	elf.EM_S390:    {uint32(elf.R_390_RELATIVE), uint32(elf.R_390_64), true},
	elf.EM_386:     {uint32(elf.R_386_RELATIVE), uint32(elf.R_386_32), false},
	elf.EM_ARM:     {uint32(elf.R_ARM_RELATIVE), uint32(elf.R_ARM_ABS32), false},
}

// RelativeType returns the RELATIVE relocation type for m and whether its
// relocation sections carry explicit addends.
func RelativeType(m elf.Machine) (typ uint32, rela bool, ok bool) {
	r, ok := machines[m]
	return r.relative, r.rela, ok
}

type reloc struct {
	off    uint64
	typ    uint32
	sym    uint32
	addend int64
}

// relocate applies every relocation that targets section i to data.
func (img *Image) relocate(i int, data []byte) error {
	switch img.f.Type {
	case elf.ET_EXEC, elf.ET_DYN:
		return img.relocateDynamic(img.f.Sections[i], data)
	case elf.ET_REL:
		return img.relocateStatic(i, data)
	}
	return nil
}

// relocateDynamic applies the RELATIVE relocations in allocated relocation
// sections with a load bias of zero.
func (img *Image) relocateDynamic(target *elf.Section, data []byte) error {
	start, end := target.Addr, target.Addr+uint64(len(data))
	w := uint64(img.layout.PtrSize)

	for _, s := range img.f.Sections {
		if (s.Type != elf.SHT_RELA && s.Type != elf.SHT_REL) || s.Flags&elf.SHF_ALLOC == 0 {
			continue
		}
		relocs, err := img.readRelocs(s)
		if err != nil {
			return err
		}
		for _, r := range relocs {
			if r.off < start || r.off >= end {
				continue
			}
			if r.off+w > end {
				return fmt.Errorf("%w: relocation at %#x straddles end of %s",
					payload.ErrMalformedDescriptor, r.off, target.Name)
			}
			if r.typ == 0 {
				continue
			}
			m, ok := machines[img.f.Machine]
			if !ok || r.typ != m.relative || r.sym != 0 {
				return fmt.Errorf("%w: unsupported %v relocation type %d (symbol %d) at %#x",
					payload.ErrMalformedDescriptor, img.f.Machine, r.typ, r.sym, r.off)
			}
			if s.Type == elf.SHT_RELA {
				img.layout.PutWord(data[r.off-start:], uint64(r.addend))
			}
		}
	}
	return nil
}

// relocateStatic applies the relocation sections of an object whose info
// field names section i. Offsets are section relative and every entry must be
// a pointer-sized absolute relocation against a defined symbol.
func (img *Image) relocateStatic(i int, data []byte) error {
	target := img.f.Sections[i]
	w := uint64(img.layout.PtrSize)

	for _, s := range img.f.Sections {
		if (s.Type != elf.SHT_RELA && s.Type != elf.SHT_REL) || int(s.Info) != i {
			continue
		}
		relocs, err := img.readRelocs(s)
		if err != nil {
			return err
		}
		if len(relocs) == 0 {
			continue
		}
		syms, err := img.symbols()
		if err != nil {
			return fmt.Errorf("%w: %s needs a symbol table: %v", payload.ErrMalformedDescriptor, s.Name, err)
		}
		m, ok := machines[img.f.Machine]

		for _, r := range relocs {
			if r.off >= uint64(len(data)) || uint64(len(data))-r.off < w {
				return fmt.Errorf("%w: relocation at %s+%#x straddles end of section",
					payload.ErrMalformedDescriptor, target.Name, r.off)
			}
			if r.typ == 0 {
				continue
			}
			if !ok || r.typ != m.absolute {
				return fmt.Errorf("%w: unsupported %v relocation type %d at %s+%#x",
					payload.ErrMalformedDescriptor, img.f.Machine, r.typ, target.Name, r.off)
			}
			// Symbols omits the null symbol at index 0.
			if r.sym == 0 || int(r.sym) > len(syms) {
				return fmt.Errorf("%w: relocation at %s+%#x refers to symbol %d",
					payload.ErrMalformedDescriptor, target.Name, r.off, r.sym)
			}
			addr, err := img.symbolAddr(syms[r.sym-1])
			if err != nil {
				return err
			}

			word := data[r.off : r.off+w]
			addend := uint64(r.addend)
			if s.Type == elf.SHT_REL {
				addend = img.layout.Word(word)
			}
			img.layout.PutWord(word, addr+addend)
		}
	}
	return nil
}

func (img *Image) readRelocs(s *elf.Section) ([]reloc, error) {
	data, err := s.Data()
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", s.Name, err)
	}
	bo := img.f.ByteOrder
	rela := s.Type == elf.SHT_RELA

	entsize := int(relocEntSize(img.layout, rela))
	if len(data)%entsize != 0 {
		return nil, fmt.Errorf("%w: %s size %d is not a multiple of %d",
			payload.ErrMalformedDescriptor, s.Name, len(data), entsize)
	}

	relocs := make([]reloc, 0, len(data)/entsize)
	for b := data; len(b) > 0; b = b[entsize:] {
		var r reloc
		if img.layout.PtrSize == 8 {
			info := bo.Uint64(b[8:16])
			r.off = bo.Uint64(b[0:8])
			r.typ = elf.R_TYPE64(info)
			r.sym = elf.R_SYM64(info)
			if rela {
				r.addend = int64(bo.Uint64(b[16:24]))
			}
		} else {
			info := bo.Uint32(b[4:8])
			r.off = uint64(bo.Uint32(b[0:4]))
			r.typ = elf.R_TYPE32(info)
			r.sym = elf.R_SYM32(info)
			if rela {
				r.addend = int64(int32(bo.Uint32(b[8:12])))
			}
		}
		relocs = append(relocs, r)
	}
	return relocs, nil
}

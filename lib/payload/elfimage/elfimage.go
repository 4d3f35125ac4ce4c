// Package elfimage exposes ELF executables and objects as payload images.
//
// Sections are read from the file, not from memory, so section addresses are
// link-time addresses. For position-independent executables the pointer words
// in the payload section are only filled in by the dynamic loader; Section
// applies the RELATIVE relocations that target them with a load bias of zero,
// which yields the same link-time addresses a non-PIE build stores directly.
//
// Relocatable objects have every section at address zero. They are given
// the addresses a linker starting at zero would assign, in section order,
// and their static relocations are resolved against those addresses.
package elfimage

import (
	"debug/elf"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/c2h5oh/datasize"
	"github.com/onkernel/shim/lib/payload"
)

var (
	// ErrImageTooLarge is returned when the file exceeds the configured size limit.
	ErrImageTooLarge = errors.New("image too large")

	// ErrUnsupportedClass is returned for an ELF class other than 32 or 64 bit.
	ErrUnsupportedClass = errors.New("unsupported ELF class")
)

// Option configures how an image is opened.
type Option func(*options)

type options struct {
	maxSize datasize.ByteSize
}

// WithMaxSize rejects images larger than n. Zero means no limit.
func WithMaxSize(n datasize.ByteSize) Option {
	return func(o *options) { o.maxSize = n }
}

// Image is a payload.Image backed by an ELF file.
type Image struct {
	f      *elf.File
	closer io.Closer
	layout payload.Layout
	// bases holds the assigned section addresses of a relocatable object.
	bases []uint64

	symsOnce sync.Once
	syms     []elf.Symbol
	symsErr  error
}

var _ payload.Image = (*Image)(nil)

// Open opens the ELF file at path.
func Open(path string, opts ...Option) (*Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open image: %w", err)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat image: %w", err)
	}

	img, err := NewImage(f, fi.Size(), opts...)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	img.closer = f
	return img, nil
}

// Self opens the executable of the running process.
func Self(opts ...Option) (*Image, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("locate executable: %w", err)
	}
	return Open(exe, opts...)
}

// NewImage reads an ELF image of size bytes from r. The caller keeps
// ownership of r and must keep it readable while the image is in use.
func NewImage(r io.ReaderAt, size int64, opts ...Option) (*Image, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.maxSize > 0 && uint64(size) > o.maxSize.Bytes() {
		return nil, fmt.Errorf("%w: %s exceeds %s",
			ErrImageTooLarge, datasize.ByteSize(size).HumanReadable(), o.maxSize.HumanReadable())
	}

	f, err := elf.NewFile(r)
	if err != nil {
		return nil, fmt.Errorf("parse elf: %w", err)
	}

	l := payload.Layout{ByteOrder: f.ByteOrder}
	switch f.Class {
	case elf.ELFCLASS64:
		l.PtrSize = 8
	case elf.ELFCLASS32:
		l.PtrSize = 4
	default:
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedClass, f.Class)
	}

	img := &Image{f: f, layout: l}
	if f.Type == elf.ET_REL {
		img.bases = sectionBases(f)
	}
	return img, nil
}

// sectionBases lays out the allocated sections of a relocatable object from
// address zero, honouring their alignment.
func sectionBases(f *elf.File) []uint64 {
	bases := make([]uint64, len(f.Sections))
	var next uint64
	for i, s := range f.Sections {
		if s.Flags&elf.SHF_ALLOC == 0 {
			continue
		}
		next = alignUp(next, s.Addralign)
		bases[i] = next
		next += s.Size
	}
	return bases
}

// Layout returns the native word layout of the image.
func (img *Image) Layout() payload.Layout { return img.layout }

// Machine returns the ELF machine the image was built for.
func (img *Image) Machine() elf.Machine { return img.f.Machine }

// Type returns the ELF file type: executable, shared object or relocatable.
func (img *Image) Type() elf.Type { return img.f.Type }

// Section returns a private copy of the named section's file contents with
// the relocations that target it applied.
func (img *Image) Section(name string) (*payload.Region, error) {
	i, s := img.section(name)
	if s == nil || s.Type == elf.SHT_NOBITS || s.Type == elf.SHT_NULL {
		return nil, fmt.Errorf("%w: %s", payload.ErrSectionNotFound, name)
	}

	data, err := s.Data()
	if err != nil {
		return nil, fmt.Errorf("read section %s: %w", name, err)
	}

	if err := img.relocate(i, data); err != nil {
		return nil, fmt.Errorf("relocate section %s: %w", name, err)
	}

	return &payload.Region{Name: name, Addr: img.sectionAddr(i), Data: data}, nil
}

// DescriptorAddr returns the address of the payload.DescriptorSymbol object.
// Stripped images, and images whose symbol table has no such object in the
// payload section, report ok == false. A symbol of the wrong size is an error.
func (img *Image) DescriptorAddr() (uint64, bool, error) {
	i, target := img.section(payload.SectionName)
	if target == nil {
		return 0, false, nil
	}

	syms, err := img.symbols()
	if errors.Is(err, elf.ErrNoSymbols) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}

	for _, sym := range syms {
		if sym.Name != payload.DescriptorSymbol || int(sym.Section) != i {
			continue
		}
		if want := uint64(img.layout.DescriptorSize()); sym.Size != want {
			return 0, false, fmt.Errorf("%w: symbol %s is %d bytes, descriptor is %d",
				payload.ErrMalformedDescriptor, sym.Name, sym.Size, want)
		}
		addr, err := img.symbolAddr(sym)
		return addr, err == nil, err
	}
	return 0, false, nil
}

// section returns the first section called name and its index.
func (img *Image) section(name string) (int, *elf.Section) {
	for i, s := range img.f.Sections {
		if s.Name == name {
			return i, s
		}
	}
	return -1, nil
}

// sectionAddr returns the address of section i.
func (img *Image) sectionAddr(i int) uint64 {
	if img.bases != nil {
		return img.bases[i]
	}
	return img.f.Sections[i].Addr
}

// symbolAddr returns the address of sym. Symbol values are addresses in
// linked images and section offsets in relocatable objects.
func (img *Image) symbolAddr(sym elf.Symbol) (uint64, error) {
	switch {
	case sym.Section == elf.SHN_ABS:
		return sym.Value, nil
	case sym.Section == elf.SHN_UNDEF || sym.Section >= elf.SHN_LORESERVE || int(sym.Section) >= len(img.f.Sections):
		return 0, fmt.Errorf("%w: symbol %q is not defined in a section",
			payload.ErrMalformedDescriptor, sym.Name)
	}
	if img.bases != nil {
		return img.bases[sym.Section] + sym.Value, nil
	}
	return sym.Value, nil
}

func (img *Image) symbols() ([]elf.Symbol, error) {
	img.symsOnce.Do(func() {
		img.syms, img.symsErr = img.f.Symbols()
		if img.symsErr != nil && !errors.Is(img.symsErr, elf.ErrNoSymbols) {
			img.symsErr = fmt.Errorf("%w: read symbols: %v", payload.ErrMalformedDescriptor, img.symsErr)
		}
	})
	return img.syms, img.symsErr
}

// Close closes the underlying file if the image was opened with Open or Self.
func (img *Image) Close() error {
	if img.closer == nil {
		return nil
	}
	return img.closer.Close()
}

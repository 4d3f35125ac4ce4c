// Package payload reads the fixed-layout execution descriptor that a host
// binary carries in its .payload section.
//
// The descriptor is three native words, in this order:
//
//	exec      address of a NUL-terminated program path in .payload_rodata
//	argc_pre  number of entries in the argv_pre table
//	argv_pre  address of a table of argc_pre addresses, each pointing at a
//	          NUL-terminated argument in .payload_rodata
//
// Both sections are located by name, never by scanning, and every address is
// bounds-checked against the section it must fall in before any byte is copied.
package payload

import (
	"bytes"
	"encoding/binary"
	"strings"

	"github.com/samber/lo"
)

const (
	// SectionName holds the descriptor record and, usually, the argv_pre table.
	SectionName = ".payload"
	// RodataSectionName holds every string the descriptor references.
	RodataSectionName = ".payload_rodata"
	// DescriptorSymbol names the descriptor record in a symbol table.
	DescriptorSymbol = "payload"
)

// Layout describes the native word of the image the descriptor was built for.
type Layout struct {
	ByteOrder binary.ByteOrder
	// PtrSize is the width of a pointer and of size_t, 4 or 8.
	PtrSize int
}

var (
	// Layout64 is the layout of x86_64, aarch64 and riscv64 images.
	Layout64 = Layout{ByteOrder: binary.LittleEndian, PtrSize: 8}
	// Layout32 is the layout of i386 and arm images.
	Layout32 = Layout{ByteOrder: binary.LittleEndian, PtrSize: 4}
)

// DescriptorSize returns the encoded size of a Descriptor.
func (l Layout) DescriptorSize() int {
	return 3 * l.PtrSize
}

func (l Layout) valid() bool {
	return l.ByteOrder != nil && (l.PtrSize == 4 || l.PtrSize == 8)
}

// Word decodes one native word from the start of b.
func (l Layout) Word(b []byte) uint64 {
	if l.PtrSize == 4 {
		return uint64(l.ByteOrder.Uint32(b))
	}
	return l.ByteOrder.Uint64(b)
}

// PutWord encodes v as one native word at the start of b.
func (l Layout) PutWord(b []byte, v uint64) {
	if l.PtrSize == 4 {
		l.ByteOrder.PutUint32(b, uint32(v))
		return
	}
	l.ByteOrder.PutUint64(b, v)
}

// Descriptor is the raw record found at the start of the payload section.
// Exec and ArgvPre are addresses in the image's link-time address space.
type Descriptor struct {
	Exec    uint64
	ArgcPre uint64
	ArgvPre uint64
}

// ResolvedExecution is a validated descriptor with every string copied out of
// the image, ready to be handed to whatever creates the process.
type ResolvedExecution struct {
	// Path is the program to execute. It is never empty, but nothing
	// guarantees that it exists.
	Path []byte
	// Args are the pre-supplied arguments in table order.
	Args [][]byte
}

// Argv returns the argument vector for process creation, with Path as argv[0].
func (r *ResolvedExecution) Argv() []string {
	return append([]string{string(r.Path)}, r.ArgStrings()...)
}

// ArgStrings returns Args as strings.
func (r *ResolvedExecution) ArgStrings() []string {
	return lo.Map(r.Args, func(a []byte, _ int) string { return string(a) })
}

// Equal reports whether r and o hold byte-identical paths and arguments.
func (r *ResolvedExecution) Equal(o *ResolvedExecution) bool {
	if r == nil || o == nil {
		return r == o
	}
	if !bytes.Equal(r.Path, o.Path) || len(r.Args) != len(o.Args) {
		return false
	}
	for i := range r.Args {
		if !bytes.Equal(r.Args[i], o.Args[i]) {
			return false
		}
	}
	return true
}

func (r *ResolvedExecution) String() string {
	return strings.Join(r.Argv(), " ")
}

// Spec is the producer-side description of a payload.
type Spec struct {
	Exec string   `json:"exec"`
	Args []string `json:"args"`
}

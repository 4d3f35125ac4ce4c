package payload

import (
	"bytes"
	"fmt"
)

// Region is a named span of image bytes together with the address its first
// byte has in the image. Data is never written through a Region.
type Region struct {
	Name string
	Addr uint64
	Data []byte
}

// End returns the address one past the last byte of the region.
func (r *Region) End() uint64 {
	return r.Addr + uint64(len(r.Data))
}

// Contains reports whether the n bytes starting at addr all lie in the region.
func (r *Region) Contains(addr, n uint64) bool {
	if addr < r.Addr {
		return false
	}
	off := addr - r.Addr
	size := uint64(len(r.Data))
	return off <= size && n <= size-off
}

// Slice returns the n bytes starting at addr without copying.
func (r *Region) Slice(addr, n uint64) ([]byte, error) {
	if !r.Contains(addr, n) {
		return nil, fmt.Errorf("%w: [%#x, +%d) outside %s [%#x, %#x)",
			ErrMalformedDescriptor, addr, n, r.Name, r.Addr, r.End())
	}
	off := addr - r.Addr
	return r.Data[off : off+n], nil
}

// Word reads one native word at addr.
func (r *Region) Word(addr uint64, l Layout) (uint64, error) {
	b, err := r.Slice(addr, uint64(l.PtrSize))
	if err != nil {
		return 0, err
	}
	return l.Word(b), nil
}

// CString returns the bytes from addr up to, not including, the next NUL.
// The terminator must be inside the region too.
func (r *Region) CString(addr uint64) ([]byte, error) {
	if !r.Contains(addr, 1) {
		return nil, fmt.Errorf("%w: string at %#x outside %s [%#x, %#x)",
			ErrMalformedDescriptor, addr, r.Name, r.Addr, r.End())
	}
	rest := r.Data[addr-r.Addr:]
	n := bytes.IndexByte(rest, 0)
	if n < 0 {
		return nil, fmt.Errorf("%w: string at %#x runs past end of %s",
			ErrMalformedDescriptor, addr, r.Name)
	}
	return rest[:n], nil
}

// capacity returns how many whole words fit between addr and the region end.
func (r *Region) capacity(addr uint64, l Layout) uint64 {
	if !r.Contains(addr, 0) {
		return 0
	}
	return (r.End() - addr) / uint64(l.PtrSize)
}

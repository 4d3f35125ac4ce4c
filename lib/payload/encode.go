package payload

import (
	"fmt"
	"math"
	"strings"

	"github.com/samber/lo"
)

// Encoded holds the contents of both payload sections for a Spec.
type Encoded struct {
	// Payload is the descriptor followed by the argv_pre table.
	Payload []byte
	// Rodata is exec then every argument, each NUL-terminated.
	Rodata []byte
	// Pointers lists the offsets in Payload of every word that holds an
	// address. A position-independent image needs one relocation per entry.
	Pointers []int
}

// Encode lays out spec the way the C toolchain does for
//
//	struct Payload { const char *exec; size_t argc_pre; const char **argv_pre; };
//
// with the struct and its argv_pre array in the payload section at payloadAddr
// and the strings in the rodata section at rodataAddr.
func Encode(spec Spec, l Layout, payloadAddr, rodataAddr uint64) (*Encoded, error) {
	if !l.valid() {
		return nil, fmt.Errorf("%w: pointer size %d", ErrInvalidLayout, l.PtrSize)
	}
	if spec.Exec == "" {
		return nil, fmt.Errorf("%w: %w", ErrInvalidSpec, ErrEmptyExecutablePath)
	}
	if s, ok := lo.Find(append([]string{spec.Exec}, spec.Args...), func(s string) bool {
		return strings.IndexByte(s, 0) >= 0
	}); ok {
		return nil, fmt.Errorf("%w: %q contains a NUL byte", ErrInvalidSpec, s)
	}

	w := l.PtrSize
	descSize := l.DescriptorSize()
	payload := make([]byte, descSize+len(spec.Args)*w)

	var rodata []byte
	intern := func(s string) uint64 {
		addr := rodataAddr + uint64(len(rodata))
		rodata = append(rodata, s...)
		rodata = append(rodata, 0)
		return addr
	}

	tableAddr := payloadAddr + uint64(descSize)
	l.PutWord(payload[0:w], intern(spec.Exec))
	l.PutWord(payload[w:2*w], uint64(len(spec.Args)))
	l.PutWord(payload[2*w:3*w], tableAddr)
	pointers := []int{0, 2 * w}

	for i, arg := range spec.Args {
		off := descSize + i*w
		l.PutWord(payload[off:off+w], intern(arg))
		pointers = append(pointers, off)
	}

	if w == 4 {
		if end := rodataAddr + uint64(len(rodata)); end > math.MaxUint32 {
			return nil, fmt.Errorf("%w: rodata end %#x does not fit a 32-bit address", ErrInvalidSpec, end)
		}
		if end := payloadAddr + uint64(len(payload)); end > math.MaxUint32 {
			return nil, fmt.Errorf("%w: payload end %#x does not fit a 32-bit address", ErrInvalidSpec, end)
		}
	}

	return &Encoded{Payload: payload, Rodata: rodata, Pointers: pointers}, nil
}

// Image returns an in-memory image over the encoded sections.
func (e *Encoded) Image(l Layout, payloadAddr, rodataAddr uint64) *SectionImage {
	return NewSectionImage(l,
		Region{Name: SectionName, Addr: payloadAddr, Data: e.Payload},
		Region{Name: RodataSectionName, Addr: rodataAddr, Data: e.Rodata},
	)
}

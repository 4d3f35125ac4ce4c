package payload

import (
	"context"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/sync/errgroup"
)

const (
	testPayloadAddr = 0x404000
	testRodataAddr  = 0x402000
)

// encodeImage encodes spec and returns an image over the result.
func encodeImage(t *testing.T, spec Spec, l Layout) (*Encoded, *SectionImage) {
	t.Helper()
	enc, err := Encode(spec, l, testPayloadAddr, testRodataAddr)
	require.NoError(t, err)
	return enc, enc.Image(l, testPayloadAddr, testRodataAddr)
}

func TestLoadEchoHello(t *testing.T) {
	_, img := encodeImage(t, Spec{Exec: "/bin/echo", Args: []string{"Hello"}}, Layout64)

	res, err := Load(img)
	require.NoError(t, err)
	assert.Equal(t, []byte("/bin/echo"), res.Path)
	assert.Equal(t, []string{"Hello"}, res.ArgStrings())
	assert.Equal(t, []string{"/bin/echo", "Hello"}, res.Argv())
	assert.Equal(t, "/bin/echo Hello", res.String())
}

func TestLoadPreservesArgumentOrder(t *testing.T) {
	args := []string{"-c", "printf '%s\\n' \"$@\"", "sh", "", "last"}
	_, img := encodeImage(t, Spec{Exec: "/bin/sh", Args: args}, Layout64)

	res, err := Load(img)
	require.NoError(t, err)
	assert.Equal(t, args, res.ArgStrings())
	assert.Len(t, res.Args, len(args))
}

func TestLoadNoArguments(t *testing.T) {
	_, img := encodeImage(t, Spec{Exec: "/usr/bin/true"}, Layout64)

	res, err := Load(img)
	require.NoError(t, err)
	assert.NotEmpty(t, res.Path)
	assert.NotNil(t, res.Args)
	assert.Empty(t, res.Args)
}

func TestLoadLayouts(t *testing.T) {
	tests := []struct {
		name   string
		layout Layout
	}{
		{"64-bit little endian", Layout64},
		{"32-bit little endian", Layout32},
		{"64-bit big endian", Layout{ByteOrder: binary.BigEndian, PtrSize: 8}},
		{"32-bit big endian", Layout{ByteOrder: binary.BigEndian, PtrSize: 4}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, img := encodeImage(t, Spec{Exec: "/bin/echo", Args: []string{"a", "b"}}, tt.layout)

			res, err := Load(img)
			require.NoError(t, err)
			assert.Equal(t, "/bin/echo", string(res.Path))
			assert.Equal(t, []string{"a", "b"}, res.ArgStrings())
		})
	}
}

func TestLoadSectionNotFound(t *testing.T) {
	enc, _ := encodeImage(t, Spec{Exec: "/bin/echo"}, Layout64)

	tests := []struct {
		name    string
		regions []Region
	}{
		{"no sections", nil},
		{"no payload section", []Region{{Name: RodataSectionName, Addr: testRodataAddr, Data: enc.Rodata}}},
		{"no rodata section", []Region{{Name: SectionName, Addr: testPayloadAddr, Data: enc.Payload}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := Load(NewSectionImage(Layout64, tt.regions...))
			require.Error(t, err)
			assert.Nil(t, res)
			assert.ErrorIs(t, err, ErrSectionNotFound)
			assert.True(t, IsNotConfigured(err))
			assert.Equal(t, "section_not_found", Kind(err))
		})
	}
}

func TestLoadArgcExceedsTable(t *testing.T) {
	enc, img := encodeImage(t, Spec{Exec: "/bin/echo", Args: []string{"Hello"}}, Layout64)
	Layout64.PutWord(enc.Payload[8:16], 2)

	res, err := Load(img)
	require.Error(t, err)
	assert.Nil(t, res)
	assert.ErrorIs(t, err, ErrMalformedDescriptor)
	assert.Contains(t, err.Error(), "argc_pre is 2")
}

func TestLoadHugeArgcDoesNotAllocate(t *testing.T) {
	enc, img := encodeImage(t, Spec{Exec: "/bin/echo", Args: []string{"Hello"}}, Layout64)
	Layout64.PutWord(enc.Payload[8:16], 1<<62)

	_, err := Load(img)
	assert.ErrorIs(t, err, ErrMalformedDescriptor)
}

func TestLoadEmptyExecutablePath(t *testing.T) {
	payload := make([]byte, Layout64.DescriptorSize())
	Layout64.PutWord(payload[0:8], testRodataAddr)
	img := NewSectionImage(Layout64,
		Region{Name: SectionName, Addr: testPayloadAddr, Data: payload},
		Region{Name: RodataSectionName, Addr: testRodataAddr, Data: []byte{0}},
	)

	res, err := Load(img)
	require.Error(t, err)
	assert.Nil(t, res)
	assert.ErrorIs(t, err, ErrEmptyExecutablePath)
	assert.Equal(t, "empty_exec", Kind(err))
}

func TestLoadMalformed(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(enc *Encoded)
	}{
		{
			name:   "exec before rodata",
			mutate: func(enc *Encoded) { Layout64.PutWord(enc.Payload[0:8], testRodataAddr-1) },
		},
		{
			name:   "exec past rodata",
			mutate: func(enc *Encoded) { Layout64.PutWord(enc.Payload[0:8], testRodataAddr+uint64(len(enc.Rodata))) },
		},
		{
			name:   "exec points into payload section",
			mutate: func(enc *Encoded) { Layout64.PutWord(enc.Payload[0:8], testPayloadAddr) },
		},
		{
			name:   "argv entry outside rodata",
			mutate: func(enc *Encoded) { Layout64.PutWord(enc.Payload[24:32], 0xdeadbeef) },
		},
		{
			name:   "argv table outside both sections",
			mutate: func(enc *Encoded) { Layout64.PutWord(enc.Payload[16:24], 0x1000) },
		},
		{
			name:   "argv table overlaps descriptor",
			mutate: func(enc *Encoded) { Layout64.PutWord(enc.Payload[16:24], testPayloadAddr) },
		},
		{
			name: "unterminated string",
			mutate: func(enc *Encoded) {
				for i := range enc.Rodata {
					if enc.Rodata[i] == 0 {
						enc.Rodata[i] = 'x'
					}
				}
			},
		},
		{
			name:   "address wraps around",
			mutate: func(enc *Encoded) { Layout64.PutWord(enc.Payload[0:8], ^uint64(0)) },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			enc, img := encodeImage(t, Spec{Exec: "/bin/echo", Args: []string{"Hello"}}, Layout64)
			tt.mutate(enc)

			res, err := Load(img)
			require.Error(t, err)
			assert.Nil(t, res)
			assert.ErrorIs(t, err, ErrMalformedDescriptor)

			var loadErr *LoadError
			require.True(t, errors.As(err, &loadErr))
			assert.NotEmpty(t, loadErr.Op)
		})
	}
}

func TestLoadShortPayloadSection(t *testing.T) {
	enc, _ := encodeImage(t, Spec{Exec: "/bin/echo"}, Layout64)
	img := NewSectionImage(Layout64,
		Region{Name: SectionName, Addr: testPayloadAddr, Data: enc.Payload[:20]},
		Region{Name: RodataSectionName, Addr: testRodataAddr, Data: enc.Rodata},
	)

	_, err := Load(img)
	assert.ErrorIs(t, err, ErrMalformedDescriptor)
}

func TestLoadArgvTableInRodata(t *testing.T) {
	l := Layout64
	rodata := []byte("/bin/echo\x00Hello\x00\x00\x00")
	table := make([]byte, 8)
	l.PutWord(table, testRodataAddr+10)
	rodata = append(rodata, table...)
	tableAddr := uint64(testRodataAddr + 18)

	payload := make([]byte, l.DescriptorSize())
	l.PutWord(payload[0:8], testRodataAddr)
	l.PutWord(payload[8:16], 1)
	l.PutWord(payload[16:24], tableAddr)

	img := NewSectionImage(l,
		Region{Name: SectionName, Addr: testPayloadAddr, Data: payload},
		Region{Name: RodataSectionName, Addr: testRodataAddr, Data: rodata},
	)

	res, err := Load(img)
	require.NoError(t, err)
	assert.Equal(t, []string{"/bin/echo", "Hello"}, res.Argv())
}

// tableFirstImage lays the payload out the way an unoptimized C build does:
// the argv_pre array at the start of the section, the descriptor after it,
// and the strings in rodata in a different order than argv.
func tableFirstImage(argc uint64) *SectionImage {
	l := Layout64
	rodata := []byte("Hello\x00/bin/echo\x00")
	payload := make([]byte, 0x28)
	l.PutWord(payload[0x00:], testRodataAddr)
	l.PutWord(payload[0x10:], testRodataAddr+6)
	l.PutWord(payload[0x18:], argc)
	l.PutWord(payload[0x20:], testPayloadAddr)

	return NewSectionImage(l,
		Region{Name: SectionName, Addr: testPayloadAddr, Data: payload},
		Region{Name: RodataSectionName, Addr: testRodataAddr, Data: rodata},
	).WithDescriptorAddr(testPayloadAddr + 0x10)
}

func TestLoadTableBeforeDescriptor(t *testing.T) {
	res, err := Load(tableFirstImage(1))
	require.NoError(t, err)
	assert.Equal(t, "/bin/echo", string(res.Path))
	assert.Equal(t, []string{"Hello"}, res.ArgStrings())

	// Two entries fit before the descriptor, the second being the padding word.
	_, err = Load(tableFirstImage(2))
	assert.ErrorIs(t, err, ErrMalformedDescriptor)

	// A third entry would run into the descriptor.
	_, err = Load(tableFirstImage(3))
	assert.ErrorIs(t, err, ErrMalformedDescriptor)
	assert.ErrorContains(t, err, "only 2 argv_pre entries fit")
}

func TestLoadDescriptorAddr(t *testing.T) {
	tests := []struct {
		name string
		addr uint64
	}{
		{"before payload section", testPayloadAddr - 8},
		{"runs past payload section", testPayloadAddr + 0x18},
		{"inside rodata", testRodataAddr},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := Load(tableFirstImage(1).WithDescriptorAddr(tt.addr))
			assert.Nil(t, res)
			assert.ErrorIs(t, err, ErrMalformedDescriptor)

			var loadErr *LoadError
			require.True(t, errors.As(err, &loadErr))
			assert.Equal(t, "decode descriptor", loadErr.Op)
			assert.Equal(t, tt.addr, loadErr.Addr)
		})
	}
}

func TestLoadDescriptorAddrError(t *testing.T) {
	_, err := Load(failingLocator{tableFirstImage(1)})
	assert.ErrorIs(t, err, assert.AnError)
	assert.ErrorContains(t, err, "locate descriptor")
}

type failingLocator struct{ *SectionImage }

func (failingLocator) DescriptorAddr() (uint64, bool, error) { return 0, false, assert.AnError }

func TestLoadInvalidLayout(t *testing.T) {
	_, img := encodeImage(t, Spec{Exec: "/bin/echo"}, Layout64)
	img.layout.PtrSize = 2

	_, err := Load(img)
	assert.ErrorIs(t, err, ErrInvalidLayout)
}

func TestLoadIsIdempotent(t *testing.T) {
	_, img := encodeImage(t, Spec{Exec: "/bin/echo", Args: []string{"Hello", "world"}}, Layout64)

	first, err := Load(img)
	require.NoError(t, err)
	second, err := Load(img)
	require.NoError(t, err)
	assert.True(t, first.Equal(second))

	// Results own their bytes.
	first.Path[0] = 'X'
	first.Args[0][0] = 'X'
	assert.Equal(t, "/bin/echo", string(second.Path))
	assert.Equal(t, "Hello", string(second.Args[0]))

	third, err := Load(img)
	require.NoError(t, err)
	assert.True(t, second.Equal(third))
}

func TestLoadConcurrent(t *testing.T) {
	_, img := encodeImage(t, Spec{Exec: "/bin/echo", Args: []string{"Hello"}}, Layout64)
	want, err := Load(img)
	require.NoError(t, err)

	var g errgroup.Group
	results := make([]*ResolvedExecution, 32)
	for i := range results {
		g.Go(func() error {
			res, err := Load(img)
			results[i] = res
			return err
		})
	}
	require.NoError(t, g.Wait())
	for _, res := range results {
		assert.True(t, want.Equal(res))
	}
}

func TestLoadContext(t *testing.T) {
	_, img := encodeImage(t, Spec{Exec: "/bin/echo", Args: []string{"Hello"}}, Layout64)

	res, err := LoadContext(context.Background(), img)
	require.NoError(t, err)
	assert.Equal(t, "/bin/echo Hello", res.String())

	_, err = LoadContext(context.Background(), NewSectionImage(Layout64))
	assert.ErrorIs(t, err, ErrSectionNotFound)
}

func TestLoadContextRecordsSpan(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	otel.SetTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec)))
	t.Cleanup(func() { otel.SetTracerProvider(noop.NewTracerProvider()) })

	_, img := encodeImage(t, Spec{Exec: "/bin/echo", Args: []string{"Hello"}}, Layout64)
	_, err := LoadContext(context.Background(), img)
	require.NoError(t, err)
	_, err = LoadContext(context.Background(), NewSectionImage(Layout64))
	require.Error(t, err)

	spans := rec.Ended()
	require.Len(t, spans, 2)
	assert.Equal(t, "payload.Load", spans[0].Name())
	assert.Equal(t, "shim/payload", spans[0].InstrumentationScope().Name)
	assert.Equal(t, codes.Unset, spans[0].Status().Code)
	assert.Equal(t, codes.Error, spans[1].Status().Code)
	assert.Equal(t, "section_not_found", spans[1].Status().Description)
}

func TestLoadErrorMessage(t *testing.T) {
	enc, img := encodeImage(t, Spec{Exec: "/bin/echo"}, Layout64)
	Layout64.PutWord(enc.Payload[0:8], 0x10)

	_, err := Load(img)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "resolve exec .payload_rodata@0x10")
}

func TestResolvedExecutionEqual(t *testing.T) {
	a := &ResolvedExecution{Path: []byte("/bin/echo"), Args: [][]byte{[]byte("a")}}
	b := &ResolvedExecution{Path: []byte("/bin/echo"), Args: [][]byte{[]byte("a")}}
	c := &ResolvedExecution{Path: []byte("/bin/echo"), Args: [][]byte{[]byte("b")}}
	d := &ResolvedExecution{Path: []byte("/bin/echo")}

	assert.True(t, a.Equal(b))
	assert.False(t, a.Equal(c))
	assert.False(t, a.Equal(d))
	assert.False(t, a.Equal(nil))
	assert.True(t, (*ResolvedExecution)(nil).Equal(nil))
}

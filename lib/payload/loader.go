package payload

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/onkernel/shim/lib/logger"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// DecodeDescriptor decodes the descriptor record at the start of data.
func DecodeDescriptor(data []byte, l Layout) (Descriptor, error) {
	if !l.valid() {
		return Descriptor{}, fmt.Errorf("%w: pointer size %d", ErrInvalidLayout, l.PtrSize)
	}
	if len(data) < l.DescriptorSize() {
		return Descriptor{}, fmt.Errorf("%w: section holds %d bytes, descriptor needs %d",
			ErrMalformedDescriptor, len(data), l.DescriptorSize())
	}
	w := l.PtrSize
	return Descriptor{
		Exec:    l.Word(data[0:w]),
		ArgcPre: l.Word(data[w : 2*w]),
		ArgvPre: l.Word(data[2*w : 3*w]),
	}, nil
}

// Load locates the payload descriptor in img, validates it and copies out the
// program path and pre-supplied arguments. The descriptor is found at the
// address img reports for it, or at the start of the payload section when img
// has no symbol for it.
//
// Load only reads img and allocates nothing until the copy-out step, so it is
// safe to call concurrently on the same image and returns equal results every
// time. On error the result is always nil.
func Load(img Image) (*ResolvedExecution, error) {
	l := img.Layout()
	if !l.valid() {
		return nil, &LoadError{Op: "load", Err: fmt.Errorf("%w: pointer size %d", ErrInvalidLayout, l.PtrSize)}
	}

	payload, err := img.Section(SectionName)
	if err != nil {
		return nil, &LoadError{Op: "open section", Err: err}
	}
	rodata, err := img.Section(RodataSectionName)
	if err != nil {
		return nil, &LoadError{Op: "open section", Err: err}
	}

	descAddr := payload.Addr
	addr, ok, err := img.DescriptorAddr()
	if err != nil {
		return nil, &LoadError{Op: "locate descriptor", Section: SectionName, Err: err}
	}
	if ok {
		descAddr = addr
	}

	raw, err := payload.Slice(descAddr, uint64(l.DescriptorSize()))
	if err != nil {
		return nil, &LoadError{Op: "decode descriptor", Section: SectionName, Addr: descAddr, Err: err}
	}
	d, err := DecodeDescriptor(raw, l)
	if err != nil {
		return nil, &LoadError{Op: "decode descriptor", Section: SectionName, Addr: descAddr, Err: err}
	}

	path, err := rodata.CString(d.Exec)
	if err != nil {
		return nil, &LoadError{Op: "resolve exec", Section: RodataSectionName, Addr: d.Exec, Err: err}
	}
	if len(path) == 0 {
		return nil, &LoadError{Op: "resolve exec", Section: RodataSectionName, Addr: d.Exec, Err: ErrEmptyExecutablePath}
	}

	table, err := argvTable(payload, rodata, descAddr, d, l)
	if err != nil {
		return nil, &LoadError{Op: "locate argv_pre", Section: SectionName, Addr: d.ArgvPre, Err: err}
	}

	// Views into the image; nothing is copied until every entry has resolved.
	args := make([][]byte, d.ArgcPre)
	for i := range args {
		entry := d.ArgvPre + uint64(i)*uint64(l.PtrSize)
		p, err := table.Word(entry, l)
		if err != nil {
			return nil, &LoadError{Op: fmt.Sprintf("read argv_pre[%d]", i), Section: table.Name, Addr: entry, Err: err}
		}
		if args[i], err = rodata.CString(p); err != nil {
			return nil, &LoadError{Op: fmt.Sprintf("resolve argv_pre[%d]", i), Section: RodataSectionName, Addr: p, Err: err}
		}
	}

	res := &ResolvedExecution{
		Path: bytes.Clone(path),
		Args: make([][]byte, len(args)),
	}
	for i, a := range args {
		res.Args[i] = append([]byte{}, a...)
	}
	return res, nil
}

// argvTable returns the region holding the argv_pre table. The table may sit
// anywhere in the payload section that does not overlap the descriptor, or in
// rodata. All argc_pre entries must fit in that region, and in the payload
// section a table placed before the descriptor must end where it starts.
func argvTable(payload, rodata *Region, descAddr uint64, d Descriptor, l Layout) (*Region, error) {
	if d.ArgcPre == 0 {
		return nil, nil
	}

	descEnd := descAddr + uint64(l.DescriptorSize())
	var (
		table *Region
		n     uint64
	)
	switch {
	case payload.Contains(d.ArgvPre, 1):
		if d.ArgvPre >= descAddr && d.ArgvPre < descEnd {
			return nil, fmt.Errorf("%w: argv_pre %#x overlaps the descriptor at %#x",
				ErrMalformedDescriptor, d.ArgvPre, descAddr)
		}
		table, n = payload, payload.capacity(d.ArgvPre, l)
		if d.ArgvPre < descAddr {
			n = min(n, (descAddr-d.ArgvPre)/uint64(l.PtrSize))
		}
	case rodata.Contains(d.ArgvPre, 1):
		table, n = rodata, rodata.capacity(d.ArgvPre, l)
	default:
		return nil, fmt.Errorf("%w: argv_pre %#x is outside %s and %s",
			ErrMalformedDescriptor, d.ArgvPre, payload.Name, rodata.Name)
	}

	if d.ArgcPre > n {
		return nil, fmt.Errorf("%w: argc_pre is %d but only %d argv_pre entries fit at %#x in %s",
			ErrMalformedDescriptor, d.ArgcPre, n, d.ArgvPre, table.Name)
	}
	return table, nil
}

// LoadContext is Load with tracing, metrics and debug logging taken from ctx.
func LoadContext(ctx context.Context, img Image) (*ResolvedExecution, error) {
	log := logger.FromContext(ctx)
	ctx, span := otel.Tracer("shim/payload").Start(ctx, "payload.Load")
	defer span.End()

	start := time.Now()
	res, err := Load(img)
	PayloadMetrics.RecordLoad(ctx, start, res, err)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, Kind(err))
		log.DebugContext(ctx, "payload load failed", "kind", Kind(err), "error", err)
		return nil, err
	}

	span.SetAttributes(
		attribute.String("payload.path", string(res.Path)),
		attribute.Int("payload.argc", len(res.Args)),
	)
	log.DebugContext(ctx, "payload loaded", "path", string(res.Path), "argc", len(res.Args),
		"trace_id", trace.SpanContextFromContext(ctx).TraceID().String())
	return res, nil
}

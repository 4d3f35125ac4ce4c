package main

import (
	"context"
	"debug/elf"
	"fmt"
	"os"
	"path/filepath"

	"github.com/onkernel/shim/lib/logger"
	"github.com/onkernel/shim/lib/payload"
	"github.com/onkernel/shim/lib/payload/elfimage"
)

var (
	classes = map[int]elf.Class{
		32: elf.ELFCLASS32,
		64: elf.ELFCLASS64,
	}
	endians = map[string]elf.Data{
		"little": elf.ELFDATA2LSB,
		"big":    elf.ELFDATA2MSB,
	}
)

func cmdBuild(ctx context.Context, app *application, args []string) (int, error) {
	fs := newFlagSet("build")
	exec := fs.String("exec", "", "Program path stored in the payload (required)")
	preArgs := fs.StringArray("arg", nil, "Pre-supplied argument (can be repeated)")
	class := fs.Int("class", 64, "ELF class: 32 or 64")
	endian := fs.String("endian", "little", "Byte order: little or big")
	pie := fs.Bool("pie", false, "Emit a position-independent image with RELATIVE relocations")
	output := fs.StringP("output", "o", "", "Output file (required)")
	if err := fs.Parse(args); err != nil {
		return 2, fmt.Errorf("build: %w", err)
	}
	if *output == "" {
		return 2, fmt.Errorf("build: --output is required")
	}

	opts := elfimage.WriteOptions{PIE: *pie}
	var ok bool
	if opts.Class, ok = classes[*class]; !ok {
		return 2, fmt.Errorf("build: unsupported class %d", *class)
	}
	if opts.Data, ok = endians[*endian]; !ok {
		return 2, fmt.Errorf("build: unsupported byte order %q", *endian)
	}

	spec := payload.Spec{Exec: *exec, Args: *preArgs}
	if err := writeImageFile(*output, spec, opts); err != nil {
		return 1, err
	}

	logger.FromContext(ctx).InfoContext(ctx, "payload image written",
		"output", *output, "exec", spec.Exec, "argc", len(spec.Args), "class", opts.Class, "pie", opts.PIE)
	return 0, nil
}

// writeImageFile writes the image next to path and renames it into place, so
// a failed build never leaves a truncated image behind.
func writeImageFile(path string, spec payload.Spec, opts elfimage.WriteOptions) error {
	f, err := os.CreateTemp(filepath.Dir(path), ".shim-build-*")
	if err != nil {
		return fmt.Errorf("create output: %w", err)
	}
	defer os.Remove(f.Name())

	if err := elfimage.Write(f, spec, opts); err != nil {
		f.Close()
		return fmt.Errorf("build image: %w", err)
	}
	if err := f.Chmod(0644); err != nil {
		f.Close()
		return fmt.Errorf("chmod output: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close output: %w", err)
	}
	if err := os.Rename(f.Name(), path); err != nil {
		return fmt.Errorf("rename output: %w", err)
	}
	return nil
}

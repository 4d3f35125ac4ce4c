package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/ghodss/yaml"
	"github.com/onkernel/shim/lib/payload"
	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"
)

var inspectFormats = []string{"json", "yaml"}

// maxConcurrentInspects bounds the number of images open at once.
const maxConcurrentInspects = 8

// inspectResult is the report for one image. Machine and Type are set once
// the image parsed, Path and Args when the payload resolved, Error and Kind
// when it did not.
type inspectResult struct {
	Image   string   `json:"image"`
	Machine string   `json:"machine,omitempty"`
	Type    string   `json:"type,omitempty"`
	Path    string   `json:"path,omitempty"`
	Args    []string `json:"args,omitempty"`
	Error   string   `json:"error,omitempty"`
	Kind    string   `json:"kind,omitempty"`
}

var errInspectFailed = errors.New("one or more images failed to load")

func cmdInspect(ctx context.Context, app *application, args []string, stdout io.Writer) (int, error) {
	fs := newFlagSet("inspect")
	format := fs.StringP("format", "f", "json", "Output format: json, yaml")
	if err := fs.Parse(args); err != nil {
		return 2, fmt.Errorf("inspect: %w", err)
	}
	if !lo.Contains(inspectFormats, *format) {
		return 2, fmt.Errorf("inspect: unknown format %q (want one of %v)", *format, inspectFormats)
	}

	images := fs.Args()
	if len(images) == 0 {
		images = []string{""}
	}

	results := make([]inspectResult, len(images))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentInspects)
	for i, image := range images {
		g.Go(func() error {
			results[i] = inspectImage(gctx, app, image)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 1, err
	}

	var out []byte
	var err error
	switch *format {
	case "yaml":
		out, err = yaml.Marshal(results)
	default:
		out, err = json.MarshalIndent(results, "", "  ")
		out = append(out, '\n')
	}
	if err != nil {
		return 1, fmt.Errorf("encode results: %w", err)
	}
	if _, err := stdout.Write(out); err != nil {
		return 1, fmt.Errorf("write results: %w", err)
	}

	if lo.SomeBy(results, func(r inspectResult) bool { return r.Error != "" }) {
		return 1, errInspectFailed
	}
	return 0, nil
}

func inspectImage(ctx context.Context, app *application, image string) inspectResult {
	r := inspectResult{Image: image}
	if image == "" {
		r.Image = lo.Ternary(app.Config.Image != "", app.Config.Image, "self")
	}

	img, err := openImage(app, image)
	if err != nil {
		r.Error, r.Kind = err.Error(), "open"
		return r
	}
	defer img.Close()
	r.Machine, r.Type = img.Machine().String(), img.Type().String()

	res, err := payload.LoadContext(ctx, img)
	if err != nil {
		r.Error, r.Kind = err.Error(), payload.Kind(err)
		return r
	}
	r.Path = string(res.Path)
	r.Args = res.ArgStrings()
	return r
}

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/onkernel/shim/lib/launch"
	"github.com/onkernel/shim/lib/logger"
	"github.com/onkernel/shim/lib/payload"
)

// errNoPayload is returned by run when the image carries no payload and one
// is required.
var errNoPayload = errors.New("no payload configured")

func cmdRun(ctx context.Context, app *application, args []string, stdout, stderr io.Writer) (int, error) {
	log := logger.FromContext(ctx)

	fs := newFlagSet("run")
	root := fs.String("root", app.Config.Root, "Resolve the program path inside this directory")
	replace := fs.Bool("exec", false, "Replace the shim process instead of waiting for the program")
	if err := fs.Parse(args); err != nil {
		return 2, fmt.Errorf("run: %w", err)
	}
	if fs.NArg() > 1 {
		return 2, fmt.Errorf("run: expected at most one image, got %d", fs.NArg())
	}

	img, err := openImage(app, fs.Arg(0))
	if err != nil {
		return 1, err
	}
	defer img.Close()

	res, err := payload.LoadContext(ctx, img)
	if err != nil {
		if !payload.IsNotConfigured(err) {
			return 1, fmt.Errorf("load payload: %w", err)
		}
		if app.Config.RequirePayload {
			return 1, fmt.Errorf("%w: %w", errNoPayload, err)
		}
		log.InfoContext(ctx, "no payload configured, nothing to launch", "error", err)
		return 0, nil
	}

	var path string
	if *root != "" {
		path, err = launch.Resolve(*root, string(res.Path))
		if err != nil {
			return 1, fmt.Errorf("resolve program: %w", err)
		}
	}

	if *replace {
		img.Close()
		log.DebugContext(ctx, "replacing process", "path", string(res.Path), "args", res.ArgStrings())
		return 1, launch.Exec(res, path, nil)
	}

	status, err := launch.Run(ctx, res, launch.Options{
		Path:   path,
		Stdin:  os.Stdin,
		Stdout: stdout,
		Stderr: stderr,
	})
	if err != nil {
		return 1, err
	}
	return status.Code, nil
}

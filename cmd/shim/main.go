package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/onkernel/shim/lib/payload"
	"github.com/onkernel/shim/lib/payload/elfimage"
	flag "github.com/spf13/pflag"
)

func main() {
	code, err := run(os.Args[1:])
	if err != nil {
		slog.Error("shim terminated", "error", err, "kind", payload.Kind(err))
	}
	os.Exit(exitCode(code, err))
}

// exitCode keeps the code a subcommand chose for its error, such as 2 for
// usage errors, but never reports success alongside one.
func exitCode(code int, err error) int {
	if err != nil {
		return max(code, 1)
	}
	return code
}

func run(args []string) (int, error) {
	if len(args) > 0 && (args[0] == "-h" || args[0] == "--help" || args[0] == "help") {
		usage(os.Stderr)
		return 0, nil
	}

	app, cleanup, err := initializeApp()
	if err != nil {
		return 1, fmt.Errorf("initialize application: %w", err)
	}
	defer cleanup()

	ctx, stop := signal.NotifyContext(app.Ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if app.Config.OtelEnabled {
		app.Logger.Debug("OpenTelemetry enabled", "endpoint", app.Config.OtelEndpoint, "service", app.Config.OtelServiceName)
	}

	return dispatch(ctx, app, args, os.Stdout, os.Stderr)
}

// dispatch runs one subcommand. Without a subcommand the shim runs the
// payload embedded in its own image, which is what a host binary carrying a
// payload does when invoked directly. A first argument naming a subcommand is
// always taken as one, so an image file called run, inspect or build needs
// an explicit "run" in front of it.
func dispatch(ctx context.Context, app *application, args []string, stdout, stderr io.Writer) (int, error) {
	cmd := "run"
	if len(args) > 0 {
		switch args[0] {
		case "run", "inspect", "build":
			cmd, args = args[0], args[1:]
		}
	}

	switch cmd {
	case "inspect":
		return cmdInspect(ctx, app, args, stdout)
	case "build":
		return cmdBuild(ctx, app, args)
	default:
		return cmdRun(ctx, app, args, stdout, stderr)
	}
}

// openImage opens path, or the running executable when path is empty.
func openImage(app *application, path string) (*elfimage.Image, error) {
	if path == "" {
		path = app.Config.Image
	}
	if path == "" {
		return elfimage.Self(app.ImageOptions...)
	}
	return elfimage.Open(path, app.ImageOptions...)
}

func newFlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return fs
}

func usage(w io.Writer) {
	fmt.Fprint(w, `shim - launch the program described by an ELF payload descriptor

Usage:
  shim [run] [--root DIR] [--exec] [IMAGE]     Load the payload and launch it (IMAGE defaults to self)
  shim inspect [--format json|yaml] [IMAGE...] Print the resolved payload of each image
  shim build --exec PATH [--arg ARG]... -o OUT Write an ELF object carrying a payload

An image whose file name is run, inspect or build is taken for the subcommand
of that name; run it as "shim run build" or "shim ./build".

Environment:
  SHIM_IMAGE, SHIM_ROOT, SHIM_REQUIRE_PAYLOAD, SHIM_MAX_IMAGE_SIZE, LOG_LEVEL,
  OTEL_ENABLED, OTEL_ENDPOINT, OTEL_SERVICE_NAME, OTEL_INSECURE
`)
}

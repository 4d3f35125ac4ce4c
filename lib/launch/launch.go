// Package launch turns a resolved payload into a running program.
//
// The program path is used verbatim, as execv(2) would: there is no PATH
// lookup, and a relative path is relative to the working directory of the
// new process. argv[0] is the program path followed by the pre-supplied
// arguments; nothing else is appended.
package launch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"syscall"

	securejoin "github.com/cyphar/filepath-securejoin"
	"github.com/onkernel/shim/lib/logger"
	"github.com/onkernel/shim/lib/payload"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sys/unix"
)

// Options controls the environment of a launched program.
type Options struct {
	// Path overrides the program path, e.g. with the result of Resolve.
	// argv[0] stays the path stored in the payload.
	Path string
	// Dir is the working directory. Empty means the caller's.
	Dir string
	// Env is the environment. Nil means the caller's.
	Env []string

	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
}

// ExitStatus is the outcome of a program run to completion.
type ExitStatus struct {
	Code int
}

// Command prepares res for execution without starting it.
func Command(ctx context.Context, res *payload.ResolvedExecution, opts Options) (*exec.Cmd, error) {
	if res == nil || len(res.Path) == 0 {
		return nil, ErrNoExecution
	}
	argv := res.Argv()

	path := argv[0]
	if opts.Path != "" {
		path = opts.Path
	}
	// exec.Command searches PATH for bare names; execv does not.
	if !strings.ContainsRune(path, '/') {
		path = "./" + path
	}

	cmd := exec.CommandContext(ctx, path)
	cmd.Args = argv
	cmd.Dir = opts.Dir
	cmd.Env = opts.Env
	cmd.Stdin = opts.Stdin
	cmd.Stdout = opts.Stdout
	cmd.Stderr = opts.Stderr
	return cmd, nil
}

// Run starts res and waits for it to exit. A program that runs and exits
// with a non-zero status is not an error; its code is in the ExitStatus.
// A program killed by a signal reports 128 plus the signal number.
func Run(ctx context.Context, res *payload.ResolvedExecution, opts Options) (*ExitStatus, error) {
	log := logger.FromContext(ctx)

	cmd, err := Command(ctx, res, opts)
	if err != nil {
		return nil, err
	}

	ctx, span := otel.Tracer("shim/launch").Start(ctx, "launch.Run",
		trace.WithAttributes(
			attribute.String("launch.path", cmd.Path),
			attribute.Int("launch.argc", len(cmd.Args)),
		))
	defer span.End()

	log.InfoContext(ctx, "launching payload", "path", cmd.Path, "args", cmd.Args[1:])
	if err := cmd.Start(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "start failed")
		return nil, fmt.Errorf("start %s: %w", cmd.Path, err)
	}
	log.DebugContext(ctx, "payload started", "pid", cmd.Process.Pid)

	status := &ExitStatus{}
	if err := cmd.Wait(); err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			span.RecordError(err)
			span.SetStatus(codes.Error, "wait failed")
			return nil, fmt.Errorf("wait %s: %w", cmd.Path, err)
		}
		status.Code = exitErr.ExitCode()
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			status.Code = 128 + int(ws.Signal())
		}
	}

	span.SetAttributes(attribute.Int("launch.exit_code", status.Code))
	log.InfoContext(ctx, "payload exited", "path", cmd.Path, "code", status.Code)
	return status, nil
}

// Exec replaces the current process with res. It only returns on failure.
// path overrides the program path like Options.Path.
func Exec(res *payload.ResolvedExecution, path string, env []string) error {
	if res == nil || len(res.Path) == 0 {
		return ErrNoExecution
	}
	argv := res.Argv()
	if path == "" {
		path = argv[0]
	}
	if env == nil {
		env = os.Environ()
	}
	if err := unix.Exec(path, argv, env); err != nil {
		return fmt.Errorf("exec %s: %w", path, err)
	}
	return nil
}

// Resolve locates the program path on the host. With a non-empty root the
// path is confined to root, symlinks included, so a payload built for a
// sysroot cannot escape it. The result must be a regular file the caller
// may execute.
func Resolve(root, path string) (string, error) {
	full := path
	if root != "" {
		p, err := securejoin.SecureJoin(root, path)
		if err != nil {
			return "", fmt.Errorf("resolve %s in %s: %w", path, root, err)
		}
		full = p
	}

	fi, err := os.Stat(full)
	if err != nil {
		return "", fmt.Errorf("stat program: %w", err)
	}
	if !fi.Mode().IsRegular() {
		return "", fmt.Errorf("%w: %s is %s", ErrNotExecutable, full, fi.Mode().Type())
	}
	if err := unix.Access(full, unix.X_OK); err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrNotExecutable, full, err)
	}
	return full, nil
}

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/c2h5oh/datasize"
	"github.com/onkernel/shim/cmd/shim/config"
	"github.com/onkernel/shim/lib/logger"
	"github.com/onkernel/shim/lib/payload"
	"github.com/onkernel/shim/lib/payload/elfimage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testApp(cfg *config.Config, opts ...elfimage.Option) *application {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return &application{
		Ctx:          logger.AddToContext(context.Background(), log),
		Logger:       log,
		Config:       cfg,
		ImageOptions: opts,
	}
}

func buildImage(t *testing.T, app *application, args ...string) string {
	t.Helper()
	out := filepath.Join(t.TempDir(), "payload.o")
	code, err := dispatch(app.Ctx, app, append([]string{"build", "-o", out}, args...), io.Discard, io.Discard)
	require.NoError(t, err)
	require.Equal(t, 0, code)
	return out
}

func requireProgram(t *testing.T, path string) {
	t.Helper()
	if _, err := os.Stat(path); err != nil {
		t.Skipf("%s not available: %v", path, err)
	}
}

func TestBuildAndInspect(t *testing.T) {
	app := testApp(&config.Config{RequirePayload: true}, elfimage.WithMaxSize(datasize.MB))
	image := buildImage(t, app, "--exec", "/bin/echo", "--arg", "Hello")

	var stdout bytes.Buffer
	code, err := dispatch(app.Ctx, app, []string{"inspect", image}, &stdout, io.Discard)
	require.NoError(t, err)
	assert.Equal(t, 0, code)

	var results []inspectResult
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &results))
	assert.Equal(t, []inspectResult{{
		Image:   image,
		Machine: "EM_X86_64",
		Type:    "ET_EXEC",
		Path:    "/bin/echo",
		Args:    []string{"Hello"},
	}}, results)

	stdout.Reset()
	code, err = dispatch(app.Ctx, app, []string{"inspect", "--format", "yaml", image}, &stdout, io.Discard)
	require.NoError(t, err)
	assert.Equal(t, 0, code)
	assert.Contains(t, stdout.String(), "path: /bin/echo")
	assert.Contains(t, stdout.String(), "- Hello")
}

func TestBuildVariants(t *testing.T) {
	app := testApp(&config.Config{})
	args := []string{"--exec", "/usr/bin/env", "--arg", "-i", "--arg", "A=b,c"}

	for _, flags := range [][]string{
		{"--class", "32"},
		{"--endian", "big"},
		{"--class", "32", "--endian", "big", "--pie"},
		{"--pie"},
	} {
		image := buildImage(t, app, append(flags, args...)...)

		img, err := elfimage.Open(image)
		require.NoError(t, err)
		res, err := payload.Load(img)
		img.Close()
		require.NoError(t, err, "flags %v", flags)
		assert.Equal(t, "/usr/bin/env", string(res.Path))
		assert.Equal(t, []string{"-i", "A=b,c"}, res.ArgStrings())
	}
}

func TestBuildErrors(t *testing.T) {
	app := testApp(&config.Config{})
	out := filepath.Join(t.TempDir(), "payload.o")

	tests := []struct {
		name string
		args []string
		code int
	}{
		{"missing output", []string{"build", "--exec", "/bin/true"}, 2},
		{"bad class", []string{"build", "--exec", "/bin/true", "--class", "16", "-o", out}, 2},
		{"bad endian", []string{"build", "--exec", "/bin/true", "--endian", "middle", "-o", out}, 2},
		{"empty exec", []string{"build", "-o", out}, 1},
		{"unknown flag", []string{"build", "--frobnicate"}, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, err := dispatch(app.Ctx, app, tt.args, io.Discard, io.Discard)
			assert.Error(t, err)
			assert.Equal(t, tt.code, code)
		})
	}

	_, err := os.Stat(out)
	assert.ErrorIs(t, err, os.ErrNotExist, "failed builds leave no output")
}

func TestInspectReportsFailures(t *testing.T) {
	app := testApp(&config.Config{})
	good := buildImage(t, app, "--exec", "/bin/true")
	missing := filepath.Join(t.TempDir(), "missing")

	var stdout bytes.Buffer
	code, err := dispatch(app.Ctx, app, []string{"inspect", good, missing}, &stdout, io.Discard)
	assert.ErrorIs(t, err, errInspectFailed)
	assert.Equal(t, 1, code)

	var results []inspectResult
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &results))
	require.Len(t, results, 2)
	assert.Equal(t, "/bin/true", results[0].Path)
	assert.Empty(t, results[0].Error)
	assert.Equal(t, missing, results[1].Image)
	assert.Equal(t, "open", results[1].Kind)
	assert.NotEmpty(t, results[1].Error)
}

func TestInspectUnknownFormat(t *testing.T) {
	app := testApp(&config.Config{})
	code, err := dispatch(app.Ctx, app, []string{"inspect", "--format", "toml"}, io.Discard, io.Discard)
	assert.ErrorContains(t, err, "unknown format")
	assert.Equal(t, 2, code)
}

func TestRunEchoHello(t *testing.T) {
	requireProgram(t, "/bin/echo")
	app := testApp(&config.Config{RequirePayload: true})
	image := buildImage(t, app, "--exec", "/bin/echo", "--arg", "Hello")

	var stdout bytes.Buffer
	code, err := dispatch(app.Ctx, app, []string{"run", image}, &stdout, io.Discard)
	require.NoError(t, err)
	assert.Equal(t, 0, code)
	assert.Equal(t, "Hello\n", stdout.String())

	// Without a subcommand the image is run.
	stdout.Reset()
	code, err = dispatch(app.Ctx, app, []string{image}, &stdout, io.Discard)
	require.NoError(t, err)
	assert.Equal(t, 0, code)
	assert.Equal(t, "Hello\n", stdout.String())
}

func TestRunImageFromConfig(t *testing.T) {
	requireProgram(t, "/bin/echo")
	app := testApp(&config.Config{})
	app.Config.Image = buildImage(t, app, "--exec", "/bin/echo", "--arg", "from", "--arg", "config")

	var stdout bytes.Buffer
	code, err := dispatch(app.Ctx, app, nil, &stdout, io.Discard)
	require.NoError(t, err)
	assert.Equal(t, 0, code)
	assert.Equal(t, "from config\n", stdout.String())
}

func TestRunPropagatesExitCode(t *testing.T) {
	requireProgram(t, "/bin/sh")
	app := testApp(&config.Config{})
	image := buildImage(t, app, "--exec", "/bin/sh", "--arg", "-c", "--arg", "exit 7")

	code, err := dispatch(app.Ctx, app, []string{"run", image}, io.Discard, io.Discard)
	require.NoError(t, err)
	assert.Equal(t, 7, code)
}

func TestRunWithRoot(t *testing.T) {
	requireProgram(t, "/bin/sh")
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "bin"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "bin", "tool"), []byte("#!/bin/sh\necho \"$0 $1\"\n"), 0755))

	app := testApp(&config.Config{})
	image := buildImage(t, app, "--exec", "/bin/tool", "--arg", "rooted")

	var stdout bytes.Buffer
	code, err := dispatch(app.Ctx, app, []string{"run", "--root", root, image}, &stdout, io.Discard)
	require.NoError(t, err)
	assert.Equal(t, 0, code)
	// The kernel hands the resolved file to the interpreter as $0.
	assert.Equal(t, filepath.Join(root, "bin", "tool")+" rooted\n", stdout.String())

	_, err = dispatch(app.Ctx, app, []string{"run", "--root", t.TempDir(), image}, io.Discard, io.Discard)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestRunNoPayload(t *testing.T) {
	// The test binary is an ELF file without payload sections.
	exe, err := os.Executable()
	require.NoError(t, err)

	app := testApp(&config.Config{RequirePayload: false})
	code, err := dispatch(app.Ctx, app, []string{"run", exe}, io.Discard, io.Discard)
	require.NoError(t, err)
	assert.Equal(t, 0, code)

	app.Config.RequirePayload = true
	code, err = dispatch(app.Ctx, app, []string{"run", exe}, io.Discard, io.Discard)
	assert.ErrorIs(t, err, errNoPayload)
	assert.ErrorIs(t, err, payload.ErrSectionNotFound)
	assert.Equal(t, 1, code)
}

func TestRunMalformedPayload(t *testing.T) {
	app := testApp(&config.Config{RequirePayload: false})
	image := buildImage(t, app, "--exec", "/bin/echo", "--arg", "Hello")

	// Overwrite the string terminators in .payload_rodata.
	b, err := os.ReadFile(image)
	require.NoError(t, err)
	i := bytes.Index(b, []byte("/bin/echo\x00Hello\x00"))
	require.Positive(t, i)
	copy(b[i:], "/bin/echo-Hello-")
	require.NoError(t, os.WriteFile(image, b, 0644))

	code, err := dispatch(app.Ctx, app, []string{"run", image}, io.Discard, io.Discard)
	assert.ErrorIs(t, err, payload.ErrMalformedDescriptor)
	assert.Equal(t, 1, code)
}

func TestRunTooManyImages(t *testing.T) {
	app := testApp(&config.Config{})
	code, err := dispatch(app.Ctx, app, []string{"run", "a", "b"}, io.Discard, io.Discard)
	assert.Error(t, err)
	assert.Equal(t, 2, code)
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, 0, exitCode(0, nil))
	assert.Equal(t, 7, exitCode(7, nil))
	assert.Equal(t, 1, exitCode(0, assert.AnError))
	assert.Equal(t, 1, exitCode(1, assert.AnError))
	assert.Equal(t, 2, exitCode(2, assert.AnError), "usage errors keep their code")
}

func TestRunImageNamedLikeSubcommand(t *testing.T) {
	requireProgram(t, "/bin/echo")
	app := testApp(&config.Config{})
	dir := t.TempDir()
	built := buildImage(t, app, "--exec", "/bin/echo", "--arg", "named")
	require.NoError(t, os.Rename(built, filepath.Join(dir, "build")))
	t.Chdir(dir)

	// A bare "build" is the subcommand, which wants an output path.
	code, err := dispatch(app.Ctx, app, []string{"build"}, io.Discard, io.Discard)
	assert.Error(t, err)
	assert.Equal(t, 2, code)

	for _, args := range [][]string{{"run", "build"}, {"./build"}} {
		var stdout bytes.Buffer
		code, err := dispatch(app.Ctx, app, args, &stdout, io.Discard)
		require.NoError(t, err, "args %v", args)
		assert.Equal(t, 0, code)
		assert.Equal(t, "named\n", stdout.String())
	}

	var help bytes.Buffer
	usage(&help)
	assert.Contains(t, help.String(), `"shim run build"`)
}

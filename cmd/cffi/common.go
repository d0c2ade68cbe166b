package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/term"

	"github.com/wippyai/cffi-runtime/engine"
	"github.com/wippyai/cffi-runtime/ffi"
	"github.com/wippyai/cffi-runtime/layout"
)

// colorMode is the -color flag.
type colorMode string

const (
	colorNever  colorMode = "never"
	colorAuto   colorMode = "auto"
	colorAlways colorMode = "always"
)

func (c *colorMode) String() string { return string(*c) }

func (c *colorMode) Set(s string) error {
	switch m := colorMode(s); m {
	case colorNever, colorAuto, colorAlways:
		*c = m
		return nil
	}
	return fmt.Errorf("unknown color mode %q", s)
}

// styled reports whether output to w gets terminal styling.
func styled(w io.Writer) bool {
	switch colors {
	case colorAlways:
		return true
	case colorNever:
		return false
	}
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// declFlags are the flags shared by commands that read declarations.
type declFlags struct {
	target string
	report string
}

func (d *declFlags) register(f *flag.FlagSet) {
	f.StringVar(&d.target, "target", layout.Wasm32.Name,
		"data model: "+strings.Join(layout.ModelNames(), ", "))
	f.StringVar(&d.report, "report", "", "layout report (YAML or JSON) to resolve and verify against")
}

// load reads declaration files into a new FFI.
func (d *declFlags) load(ctx context.Context, paths ...string) (*ffi.FFI, error) {
	if len(paths) == 0 {
		return nil, fmt.Errorf("no declaration file given")
	}
	model, ok := layout.ModelByName(d.target)
	if !ok {
		return nil, fmt.Errorf("unknown target %q (have %s)", d.target, strings.Join(layout.ModelNames(), ", "))
	}
	opts := []ffi.Option{ffi.WithDataModel(model), ffi.WithLogger(loggerFrom(ctx))}
	if d.report != "" {
		rep, err := layout.LoadReportFile(d.report)
		if err != nil {
			return nil, err
		}
		opts = append(opts, ffi.WithOracle(rep))
	}
	f := ffi.New(opts...)
	for _, p := range paths {
		if err := f.CdefFile(p); err != nil {
			return nil, fmt.Errorf("%s: %w", p, err)
		}
	}
	return f, nil
}

// openLibrary loads wasm into a fresh runtime and binds f to it.
func openLibrary(ctx context.Context, f *ffi.FFI, path string, wasi bool) (*engine.Runtime, *ffi.Lib, error) {
	wasm, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("read library: %w", err)
	}
	engine.SetLogger(loggerFrom(ctx).Named("engine"))
	rt, err := engine.New(ctx, &engine.Config{WASI: wasi})
	if err != nil {
		return nil, nil, err
	}
	name := strings.TrimSuffix(filepath.Base(path), ".wasm")
	lib, err := f.Open(ctx, rt, name, wasm)
	if err != nil {
		_ = rt.Close(ctx)
		return nil, nil, err
	}
	return rt, lib, nil
}

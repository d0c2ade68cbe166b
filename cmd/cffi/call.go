package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"

	"github.com/google/subcommands"

	"github.com/wippyai/cffi-runtime/ctype"
	"github.com/wippyai/cffi-runtime/ffi"
	"github.com/wippyai/cffi-runtime/layout"
)

type callCmd struct {
	decls       string
	wasi        bool
	list        bool
	interactive bool
}

func (*callCmd) Name() string     { return "call" }
func (*callCmd) Synopsis() string { return "Call a function of a wasm32 C library." }
func (*callCmd) Usage() string {
	return `cffi call -decl decls.yaml lib.wasm func [args...]
cffi call -decl decls.yaml -list lib.wasm
cffi call -decl decls.yaml -i lib.wasm  (interactive mode)
`
}

func (cmd *callCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&cmd.decls, "decl", "", "comma-separated declaration files")
	f.BoolVar(&cmd.wasi, "wasi", false, "provide wasi_snapshot_preview1 to the library")
	f.BoolVar(&cmd.list, "list", false, "list declared functions and exit")
	f.BoolVar(&cmd.interactive, "i", false, "interactive mode with TUI")
}

func (cmd *callCmd) parseFlags(f *flag.FlagSet) error {
	if cmd.decls == "" {
		return fmt.Errorf("-decl is required")
	}
	if f.NArg() == 0 {
		return fmt.Errorf("no library given")
	}
	if !cmd.list && !cmd.interactive && f.NArg() < 2 {
		return fmt.Errorf("no function given")
	}
	return nil
}

func (cmd *callCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if err := cmd.parseFlags(f); err != nil {
		fmt.Fprintln(os.Stderr, err)
		fmt.Fprint(os.Stderr, cmd.Usage())
		return subcommands.ExitUsageError
	}
	d := declFlags{target: layout.Wasm32.Name}
	x, err := d.load(ctx, strings.Split(cmd.decls, ",")...)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return subcommands.ExitFailure
	}

	if cmd.interactive {
		err = runInteractive(ctx, x, f.Arg(0), cmd.wasi)
	} else {
		err = cmd.run(ctx, os.Stdout, x, f.Arg(0), f.Args()[1:])
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

func (cmd *callCmd) run(ctx context.Context, w io.Writer, x *ffi.FFI, path string, args []string) error {
	rt, lib, err := openLibrary(ctx, x, path, cmd.wasi)
	if err != nil {
		return err
	}
	defer rt.Close(ctx)
	defer lib.Close(ctx)

	if cmd.list {
		for _, fn := range listFunctions(x, lib) {
			line := fn.signature()
			if fn.missing {
				line += "  (not exported)"
			}
			fmt.Fprintln(w, line)
		}
		return nil
	}

	name := args[0]
	fn, ok := describeFunction(x, lib, name)
	if !ok {
		return fmt.Errorf("function %s is not declared", name)
	}
	vals, err := fn.parse(x, args[1:])
	if err != nil {
		return err
	}
	result, err := lib.Call(ctx, name, vals...)
	if err != nil {
		return fmt.Errorf("call %s: %w", name, err)
	}
	fmt.Fprintln(w, formatValue(x, result))
	return nil
}

// funcInfo is a declared function as shown to the user.
type funcInfo struct {
	name     string
	result   string
	params   []paramInfo
	variadic bool
	missing  bool
}

type paramInfo struct {
	name    string
	typ     ctype.ID
	typeStr string
}

func (fi funcInfo) signature() string {
	params := make([]string, 0, len(fi.params)+1)
	for _, p := range fi.params {
		params = append(params, p.typeStr)
	}
	if fi.variadic {
		params = append(params, "...")
	}
	return fi.result + " " + fi.name + "(" + strings.Join(params, ", ") + ")"
}

// parse converts the text of each argument. Text past the declared
// parameters of a variadic function is passed by guessed type.
func (fi funcInfo) parse(x *ffi.FFI, args []string) ([]any, error) {
	if len(args) < len(fi.params) || (!fi.variadic && len(args) > len(fi.params)) {
		return nil, fmt.Errorf("%s takes %d arguments, got %d", fi.name, len(fi.params), len(args))
	}
	vals := make([]any, len(args))
	for i, a := range args {
		if i >= len(fi.params) {
			vals[i] = parseVararg(a)
			continue
		}
		v, err := parseArg(x, fi.params[i].typ, a)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", fi.params[i].name, err)
		}
		vals[i] = v
	}
	return vals, nil
}

func describeFunction(x *ffi.FFI, lib *ffi.Lib, name string) (funcInfo, bool) {
	reg := x.Registry()
	id, ok := x.Context().Function(name)
	if !ok {
		return funcInfo{}, false
	}
	sig, ok := reg.Func(id)
	if !ok {
		return funcInfo{}, false
	}
	fi := funcInfo{
		name:     name,
		result:   reg.Name(sig.Result),
		variadic: sig.Variadic,
	}
	if lib != nil {
		fi.missing = slices.Contains(lib.Missing(), name)
	}
	for i, p := range sig.Params {
		fi.params = append(fi.params, paramInfo{
			name:    fmt.Sprintf("arg%d", i),
			typ:     p,
			typeStr: reg.Name(p),
		})
	}
	return fi, true
}

// listFunctions returns the declared functions sorted by name.
func listFunctions(x *ffi.FFI, lib *ffi.Lib) []funcInfo {
	names := slices.Sorted(slices.Values(x.Context().Functions()))
	out := make([]funcInfo, 0, len(names))
	for _, n := range names {
		if fi, ok := describeFunction(x, lib, n); ok {
			out = append(out, fi)
		}
	}
	return out
}

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"slices"

	"github.com/google/subcommands"

	"github.com/wippyai/cffi-runtime/ctype"
	"github.com/wippyai/cffi-runtime/ffi"
)

type encodeCmd struct {
	decl  declFlags
	out   string
	check bool
}

func (*encodeCmd) Name() string     { return "encode" }
func (*encodeCmd) Synopsis() string { return "Write the encoded type table of declarations." }
func (*encodeCmd) Usage() string {
	return "cffi encode -o table.bin [-check] decls.yaml...\n"
}

func (cmd *encodeCmd) SetFlags(f *flag.FlagSet) {
	cmd.decl.register(f)
	f.StringVar(&cmd.out, "o", "", "output file")
	f.BoolVar(&cmd.check, "check", false, "decode the table again and compare")
}

func (cmd *encodeCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if cmd.out == "" || f.NArg() == 0 {
		fmt.Fprint(os.Stderr, cmd.Usage())
		return subcommands.ExitUsageError
	}
	x, err := cmd.decl.load(ctx, f.Args()...)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return subcommands.ExitFailure
	}
	data, err := encodeTable(x, cmd.check)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return subcommands.ExitFailure
	}
	if err := os.WriteFile(cmd.out, data, 0o644); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return subcommands.ExitFailure
	}
	loggerFrom(ctx).Sugar().Debugf("wrote %d bytes to %s", len(data), cmd.out)
	return subcommands.ExitSuccess
}

// encodeTable encodes x and, with check, decodes the table into a fresh
// registry and compares names and sizes with x.
func encodeTable(x *ffi.FFI, check bool) ([]byte, error) {
	data, err := x.Encode()
	if err != nil {
		return nil, err
	}
	if !check {
		return data, nil
	}
	y, err := ffi.Decode(data, nil, ffi.WithRegistry(ctype.NewRegistry()), ffi.WithDataModel(x.Resolver().Model()))
	if err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	want := slices.Sorted(slices.Values(x.Context().Functions()))
	got := slices.Sorted(slices.Values(y.Context().Functions()))
	if !slices.Equal(want, got) {
		return nil, fmt.Errorf("decoded table lists functions %v, want %v", got, want)
	}
	for _, tag := range x.Context().Tags() {
		want, werr := x.Sizeof(tag)
		got, gerr := y.Sizeof(tag)
		if (werr == nil) != (gerr == nil) || want != got {
			return nil, fmt.Errorf("decoded %s has size %d (%v), want %d (%v)", tag, got, gerr, want, werr)
		}
	}
	return data, nil
}

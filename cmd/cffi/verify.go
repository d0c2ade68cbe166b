package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/google/subcommands"
	"go.uber.org/multierr"

	"github.com/wippyai/cffi-runtime/ffi"
)

type verifyCmd struct {
	decl declFlags
}

func (*verifyCmd) Name() string { return "verify" }
func (*verifyCmd) Synopsis() string {
	return "Check declared aggregates and enums against a layout report."
}
func (*verifyCmd) Usage() string {
	return "cffi verify -report file [-target model] decls.yaml...\n"
}

func (cmd *verifyCmd) SetFlags(f *flag.FlagSet) { cmd.decl.register(f) }

func (cmd *verifyCmd) parseFlags(f *flag.FlagSet) error {
	if cmd.decl.report == "" {
		return fmt.Errorf("-report is required")
	}
	if f.NArg() == 0 {
		return fmt.Errorf("no declaration file given")
	}
	return nil
}

func (cmd *verifyCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if err := cmd.parseFlags(f); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return subcommands.ExitUsageError
	}
	x, err := cmd.decl.load(ctx, f.Args()...)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return subcommands.ExitFailure
	}
	if n := reportMismatches(ctx, os.Stdout, x); n > 0 {
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

// reportMismatches prints every verification failure and returns their
// count.
func reportMismatches(ctx context.Context, w io.Writer, x *ffi.FFI) int {
	errs := multierr.Errors(x.Verify(ctx))
	pretty := styled(w)
	for _, err := range errs {
		if pretty {
			fmt.Fprintln(w, errorStyle.Render(err.Error()))
		} else {
			fmt.Fprintln(w, err)
		}
	}
	if len(errs) == 0 {
		msg := fmt.Sprintf("%d types match the report", len(x.Context().Tags()))
		if pretty {
			msg = resultStyle.Render(msg)
		}
		fmt.Fprintln(w, msg)
	}
	return len(errs)
}

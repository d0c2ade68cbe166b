// Command cffi inspects C declarations and calls into wasm32 C libraries.
package main

import (
	"context"
	"flag"
	"os"

	"github.com/google/subcommands"
	"go.uber.org/zap"
)

var (
	verbose bool
	colors  = colorAuto
)

func init() {
	flag.BoolVar(&verbose, "v", false, "debug logging on stderr")
	flag.Var(&colors, "color", "styled output: never, auto or always")

	for _, cmd := range []subcommands.Command{
		subcommands.HelpCommand(),
		subcommands.FlagsCommand(),
		&layoutCmd{},
		&verifyCmd{},
		&encodeCmd{},
		&svgCmd{},
		&callCmd{},
	} {
		subcommands.Register(cmd, "")
	}
}

func main() {
	flag.Parse()
	log := zap.NewNop()
	if verbose {
		if l, err := zap.NewDevelopment(); err == nil {
			log = l
		}
	}
	defer func() { _ = log.Sync() }()
	ctx := withLogger(context.Background(), log)
	os.Exit(int(subcommands.Execute(ctx)))
}

type loggerKey struct{}

func withLogger(ctx context.Context, l *zap.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, l)
}

func loggerFrom(ctx context.Context) *zap.Logger {
	if l, ok := ctx.Value(loggerKey{}).(*zap.Logger); ok {
		return l
	}
	return zap.NewNop()
}

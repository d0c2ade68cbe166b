package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	svg "github.com/ajstarks/svgo"
	"github.com/google/subcommands"

	"github.com/wippyai/cffi-runtime/ffi"
	"github.com/wippyai/cffi-runtime/layout"
)

type svgCmd struct {
	decl declFlags
	out  string
	row  int
}

func (*svgCmd) Name() string     { return "svg" }
func (*svgCmd) Synopsis() string { return "Draw the byte map of an aggregate as SVG." }
func (*svgCmd) Usage() string {
	return "cffi svg [-o out.svg] [-row bytes] decls.yaml type\n"
}

func (cmd *svgCmd) SetFlags(f *flag.FlagSet) {
	cmd.decl.register(f)
	f.StringVar(&cmd.out, "o", "", "output file (default stdout)")
	f.IntVar(&cmd.row, "row", 8, "bytes per row")
}

func (cmd *svgCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if f.NArg() != 2 || cmd.row <= 0 {
		fmt.Fprint(os.Stderr, cmd.Usage())
		return subcommands.ExitUsageError
	}
	x, err := cmd.decl.load(ctx, f.Arg(0))
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return subcommands.ExitFailure
	}
	var w io.Writer = os.Stdout
	if cmd.out != "" {
		file, err := os.Create(cmd.out)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return subcommands.ExitFailure
		}
		defer file.Close()
		w = file
	}
	if err := drawLayout(w, x, f.Arg(1), cmd.row); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

const (
	cellW   = 56
	cellH   = 40
	marginX = 60
	marginY = 48
)

var palette = []string{"#7D56F4", "#2E8B57", "#1E90FF", "#D2691E", "#C71585", "#008B8B", "#B8860B"}

// drawLayout renders one aggregate, row bytes per line, members as
// colored runs and padding in gray.
func drawLayout(w io.Writer, x *ffi.FFI, name string, row int) error {
	id, err := x.Typeof(name)
	if err != nil {
		return err
	}
	l, err := x.Resolver().Resolve(id)
	if err != nil {
		return err
	}
	size := int(l.Size)
	rows := max((size+row-1)/row, 1)

	// owner[i] is the index of the member covering byte i, -1 for padding.
	owner := make([]int, size)
	for i := range owner {
		owner[i] = -1
	}
	union := l.Shape&layout.ShapeUnion != 0
	for fi, f := range l.Fields {
		for b := f.Offset; b < f.Offset+f.Size && int(b) < size; b++ {
			if owner[b] == -1 || !union {
				owner[b] = fi
			}
		}
	}

	canvas := svg.New(w)
	canvas.Start(marginX+row*cellW+20, marginY+rows*cellH+20)
	canvas.Title(x.Registry().Name(id))
	canvas.Text(marginX, 28, fmt.Sprintf("%s  size %d  align %d", x.Registry().Name(id), l.Size, l.Align),
		"font-family:monospace;font-size:16px;font-weight:bold")

	for r := range rows {
		y := marginY + r*cellH
		canvas.Text(marginX-8, y+cellH/2+5, fmt.Sprint(r*row), "font-family:monospace;font-size:12px;text-anchor:end")
		for c := 0; c < row; {
			b := r*row + c
			if b >= size {
				break
			}
			// Extend the run while the same member owns the bytes.
			n := 1
			for c+n < row && b+n < size && owner[b+n] == owner[b] {
				n++
			}
			fill, label := "#DDDDDD", ""
			if o := owner[b]; o >= 0 {
				fill = palette[o%len(palette)]
				if b == int(l.Fields[o].Offset) || c == 0 {
					label = l.Fields[o].Name
				}
			}
			px := marginX + c*cellW
			canvas.Rect(px, y, n*cellW, cellH, "fill:"+fill+";stroke:#333333;stroke-width:1")
			if label != "" {
				canvas.Text(px+n*cellW/2, y+cellH/2+5, label,
					"font-family:monospace;font-size:13px;fill:#FFFFFF;text-anchor:middle")
			}
			c += n
		}
	}
	canvas.End()
	return nil
}

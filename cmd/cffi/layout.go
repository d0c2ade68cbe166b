package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/google/subcommands"

	"github.com/wippyai/cffi-runtime/ctype"
	"github.com/wippyai/cffi-runtime/ffi"
	"github.com/wippyai/cffi-runtime/layout"
)

type layoutCmd struct {
	decl declFlags
}

func (*layoutCmd) Name() string     { return "layout" }
func (*layoutCmd) Synopsis() string { return "Print sizes, alignments and member offsets." }
func (*layoutCmd) Usage() string {
	return "cffi layout [-target model] [-report file] decls.yaml [type...]\n"
}

func (cmd *layoutCmd) SetFlags(f *flag.FlagSet) { cmd.decl.register(f) }

func (cmd *layoutCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if f.NArg() < 1 {
		fmt.Fprint(os.Stderr, cmd.Usage())
		return subcommands.ExitUsageError
	}
	x, err := cmd.decl.load(ctx, f.Arg(0))
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return subcommands.ExitFailure
	}
	names := f.Args()[1:]
	if len(names) == 0 {
		names = x.Context().Tags()
	}
	if err := printLayouts(os.Stdout, x, names); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

func printLayouts(w io.Writer, x *ffi.FFI, names []string) error {
	pretty := styled(w)
	for i, name := range names {
		id, err := x.Typeof(name)
		if err != nil {
			return err
		}
		d, err := describe(x, id)
		if err != nil {
			return err
		}
		if i > 0 {
			fmt.Fprintln(w)
		}
		if pretty {
			fmt.Fprintln(w, titleStyle.Render(d.title))
			fmt.Fprintln(w, d.table())
			continue
		}
		fmt.Fprintln(w, d.title)
		if err := d.plain(w); err != nil {
			return err
		}
	}
	return nil
}

// description is the tabular view of one type.
type description struct {
	title   string
	headers []string
	rows    [][]string
}

func describe(x *ffi.FFI, id ctype.ID) (*description, error) {
	reg := x.Registry()
	size, err := x.Sizeof(id)
	if err != nil {
		return nil, err
	}
	align, err := x.Alignof(id)
	if err != nil {
		return nil, err
	}
	d := &description{title: fmt.Sprintf("%s  size %d  align %d", reg.Name(id), size, align)}

	if reg.KindOf(id) == ctype.KindEnum {
		members, err := x.Resolver().EnumMembers(id)
		if err != nil {
			return nil, err
		}
		d.headers = []string{"member", "value"}
		for _, m := range members {
			d.rows = append(d.rows, []string{m.Name, strconv.FormatInt(m.Value, 10)})
		}
		return d, nil
	}
	if _, ok := reg.Struct(id); !ok {
		return d, nil
	}

	l, err := x.Resolver().Resolve(id)
	if err != nil {
		return nil, err
	}
	d.headers = []string{"member", "type", "offset", "size", "bits"}
	var end uint64
	for _, f := range l.Fields {
		if f.Offset > end && l.Shape&layout.ShapeUnion == 0 {
			d.rows = append(d.rows, padRow(end, f.Offset-end))
		}
		name := f.Name
		if name == "" {
			name = "(anonymous)"
		}
		bits := ""
		if f.IsBitfield() {
			bits = fmt.Sprintf("%d:%d", f.BitShift, f.BitWidth)
		}
		d.rows = append(d.rows, []string{
			name, reg.Name(f.Type),
			strconv.FormatUint(f.Offset, 10), strconv.FormatUint(f.Size, 10), bits,
		})
		end = max(end, f.Offset+f.Size)
	}
	if l.Size > end {
		d.rows = append(d.rows, padRow(end, l.Size-end))
	}
	if l.FromOracle {
		d.title += "  (from report)"
	}
	return d, nil
}

func padRow(off, n uint64) []string {
	return []string{"(padding)", "", strconv.FormatUint(off, 10), strconv.FormatUint(n, 10), ""}
}

func (d *description) plain(w io.Writer) error {
	if len(d.headers) == 0 {
		return nil
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, strings.Join(d.headers, "\t"))
	for _, r := range d.rows {
		fmt.Fprintln(tw, strings.Join(r, "\t"))
	}
	return tw.Flush()
}

func (d *description) table() string {
	if len(d.headers) == 0 {
		return ""
	}
	return table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(helpStyle).
		Headers(d.headers...).
		Rows(d.rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			switch {
			case row == table.HeaderRow:
				return headerStyle
			case d.rows[row][0] == "(padding)":
				return helpStyle
			case col == 1:
				return typeStyle
			}
			return cellStyle
		}).
		String()
}

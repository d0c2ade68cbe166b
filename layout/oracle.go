package layout

import (
	"io"
	"os"
	"sort"

	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"

	"github.com/wippyai/cffi-runtime/ctype"
	"github.com/wippyai/cffi-runtime/errors"
)

// Oracle answers layout questions about named aggregates, typically from
// a report produced by compiling a probe program for the real target.
type Oracle interface {
	Struct(name string) (StructReport, bool)
	Enum(name string) (EnumReport, bool)
}

// FieldReport is the offset and size of one member.
type FieldReport struct {
	Offset uint64 `yaml:"offset" json:"offset"`
	Size   uint64 `yaml:"size" json:"size"`
}

// StructReport is the observed layout of a struct or union.
type StructReport struct {
	Fields map[string]FieldReport `yaml:"fields,omitempty" json:"fields,omitempty"`
	Size   uint64                 `yaml:"size" json:"size"`
	Align  uint64                 `yaml:"align" json:"align"`
}

// EnumReport is the observed representation of an enum.
type EnumReport struct {
	Values map[string]int64 `yaml:"values,omitempty" json:"values,omitempty"`
	Size   uint64           `yaml:"size" json:"size"`
	Signed bool             `yaml:"signed" json:"signed"`
}

// Report is an Oracle backed by static data, keyed by C type name
// ("struct foo", "union u", or a typedef name for anonymous aggregates).
type Report struct {
	Structs map[string]StructReport `yaml:"structs,omitempty" json:"structs,omitempty"`
	Enums   map[string]EnumReport   `yaml:"enums,omitempty" json:"enums,omitempty"`
}

func (r *Report) Struct(name string) (StructReport, bool) {
	s, ok := r.Structs[name]
	return s, ok
}

func (r *Report) Enum(name string) (EnumReport, bool) {
	e, ok := r.Enums[name]
	return e, ok
}

// LoadReport decodes a YAML (or JSON) layout report.
func LoadReport(rd io.Reader) (*Report, error) {
	rep := &Report{}
	dec := yaml.NewDecoder(rd)
	dec.KnownFields(true)
	if err := dec.Decode(rep); err != nil && err != io.EOF {
		return nil, errors.Wrap(errors.PhaseLoad, errors.KindInvalidData, err, "layout report")
	}
	return rep, nil
}

// LoadReportFile reads a layout report from path.
func LoadReportFile(path string) (*Report, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(errors.PhaseLoad, errors.KindNotFound, err, path)
	}
	defer f.Close()
	return LoadReport(f)
}

// Verify compares the computed layout of id with what oracle reports. All
// mismatches are returned together; nil means the layouts agree.
func (r *Resolver) Verify(id ctype.ID, oracle Oracle) error {
	name := r.reg.Name(id)
	if en, ok := r.reg.Enum(id); ok {
		return r.verifyEnum(en, name, oracle)
	}

	rep, ok := oracle.Struct(name)
	if !ok {
		return errors.NotFound(errors.PhaseVerify, "layout report for", name)
	}
	l, err := r.Resolve(id)
	if err != nil {
		return err
	}

	var errs error
	if rep.Size != l.Size {
		errs = multierr.Append(errs, errors.LayoutMismatch(name, "", "size", rep.Size, l.Size))
	}
	if rep.Align != 0 && rep.Align != l.Align {
		errs = multierr.Append(errs, errors.LayoutMismatch(name, "", "align", rep.Align, l.Align))
	}

	flat, err := r.reg.Flatten(id)
	if err != nil {
		return multierr.Append(errs, err)
	}
	for _, ff := range flat {
		f, err := r.Member(id, ff.Name)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		if f.IsBitfield() {
			continue
		}
		fr, ok := rep.Fields[ff.Name]
		if !ok {
			errs = multierr.Append(errs, errors.NotFound(errors.PhaseVerify, "layout report field", name+"."+ff.Name))
			continue
		}
		if fr.Offset != f.Offset {
			errs = multierr.Append(errs, errors.LayoutMismatch(name, ff.Name, "offset", fr.Offset, f.Offset))
		}
		if fr.Size != f.Size {
			errs = multierr.Append(errs, errors.LayoutMismatch(name, ff.Name, "size", fr.Size, f.Size))
		}
	}
	return errs
}

func (r *Resolver) verifyEnum(en *ctype.Enum, name string, oracle Oracle) error {
	rep, ok := oracle.Enum(name)
	if !ok {
		return errors.NotFound(errors.PhaseVerify, "layout report for", name)
	}
	p, _ := r.reg.PrimOf(en.Underlying)
	info := r.model.Scalar(p)

	var errs error
	if rep.Size != info.Size {
		errs = multierr.Append(errs, errors.LayoutMismatch(name, "", "size", rep.Size, info.Size))
	}
	if signed := r.model.Signed(p); rep.Signed != signed {
		errs = multierr.Append(errs, errors.LayoutMismatch(name, "", "signedness", boolBit(rep.Signed), boolBit(signed)))
	}
	names := make([]string, 0, len(en.Members))
	for _, m := range en.Members {
		names = append(names, m.Name)
	}
	sort.Strings(names)
	partial := en.State() == ctype.StatePartial
	for _, n := range names {
		want, ok := rep.Values[n]
		if !ok {
			errs = multierr.Append(errs, errors.NotFound(errors.PhaseVerify, "enum value", n))
			continue
		}
		// The report supplies the values of a partial enum.
		if partial {
			continue
		}
		if got, _ := en.ValueOf(n); got != want {
			errs = multierr.Append(errs, errors.LayoutMismatch(name, n, "value", uint64(want), uint64(got)))
		}
	}
	return errs
}

func boolBit(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}

func (r *Resolver) enumReport(id ctype.ID) (EnumReport, error) {
	name := r.reg.Name(id)
	if r.oracle == nil {
		return EnumReport{}, errors.OpaqueType(errors.PhaseLayout, name, "values of a partial enum are only known to a layout oracle")
	}
	rep, ok := r.oracle.Enum(name)
	if !ok {
		return EnumReport{}, errors.NotFound(errors.PhaseLayout, "layout report for", name)
	}
	return rep, nil
}

// EnumMembers returns the enumerators of the enum at id. Values of a
// partial enum come from the oracle; the declared ones are placeholders.
func (r *Resolver) EnumMembers(id ctype.ID) ([]ctype.EnumMember, error) {
	en, ok := r.reg.Enum(id)
	if !ok {
		return nil, errors.TypeMismatch(errors.PhaseLayout, nil, r.reg.Name(id), "enum")
	}
	switch en.State() {
	case ctype.StateOpaque:
		return nil, errors.OpaqueType(errors.PhaseLayout, r.reg.Name(id), "incomplete enum")
	case ctype.StateComplete:
		return en.Members, nil
	}
	rep, err := r.enumReport(id)
	if err != nil {
		return nil, err
	}
	out := make([]ctype.EnumMember, len(en.Members))
	for i, m := range en.Members {
		v, ok := rep.Values[m.Name]
		if !ok {
			return nil, errors.NotFound(errors.PhaseLayout, "enum value", r.reg.Name(id)+"."+m.Name)
		}
		out[i] = ctype.EnumMember{Name: m.Name, Value: v}
	}
	return out, nil
}

package callspec

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/wippyai/cffi-runtime/ctype"
	"github.com/wippyai/cffi-runtime/decl"
	"github.com/wippyai/cffi-runtime/errors"
	"github.com/wippyai/cffi-runtime/layout"
)

const decls = `
structs:
  - {tag: one, fields: [{name: x, type: int}]}
  - {tag: wrap, fields: [{name: inner, type: struct one}]}
  - {tag: point, fields: [{name: x, type: int}, {name: y, type: int}]}
  - {tag: mixed, fields: [{name: i, type: int}, {name: f, type: float}, {name: d, type: double}]}
  - {tag: vec, fields: [{name: x, type: double}, {name: y, type: double}]}
  - {tag: big, fields: [{name: v, type: "long[3]"}]}
  - {tag: three, fields: [{name: a, type: char}, {name: b, type: char}, {name: c, type: char}]}
  - {tag: bits, fields: [{name: a, type: int, bits: 3}]}
  - {tag: packed, packed: true, fields: [{name: a, type: char}, {name: b, type: int}]}
  - {tag: flex, fields: [{name: n, type: int}, {name: v, type: "int[]"}]}
  - {tag: anon, fields: [{type: {struct: {fields: [{name: a, type: int}]}}}]}
  - {tag: u, union: true, fields: [{name: a, type: int}, {name: b, type: float}]}
  - {tag: ld, fields: [{name: v, type: long double}]}
`

func setup(t *testing.T) *ctype.Context {
	t.Helper()
	f, err := decl.LoadBytes([]byte(decls))
	if err != nil {
		t.Fatal(err)
	}
	c := ctype.NewContext(ctype.NewRegistry(), "test")
	if err := c.Declare(f); err != nil {
		t.Fatal(err)
	}
	return c
}

func build(t *testing.T, c *ctype.Context, model *layout.DataModel, sig string) *Descriptor {
	t.Helper()
	id, err := c.Typeof(sig)
	if err != nil {
		t.Fatalf("Typeof(%q): %v", sig, err)
	}
	d, err := NewBuilder(layout.NewResolver(c.Registry(), model)).Build(id)
	if err != nil {
		t.Fatalf("Build(%q): %v", sig, err)
	}
	return d
}

func classes(d *Descriptor) []Class {
	out := make([]Class, 0, len(d.Args)+1)
	for _, a := range d.Args {
		out = append(out, a.Class)
	}
	return append(out, d.Ret.Class)
}

func TestBuild_Classes(t *testing.T) {
	c := setup(t)
	tests := []struct {
		model *layout.DataModel
		sig   string
		want  []Class // args then result
	}{
		{layout.Wasm32, "int(int, double, char *)", []Class{ClassDirect, ClassDirect, ClassDirect, ClassDirect}},
		{layout.Wasm32, "void(struct one)", []Class{ClassDirectAggregate, ClassVoid}},
		{layout.Wasm32, "struct wrap(struct wrap)", []Class{ClassDirectAggregate, ClassDirectAggregate}},
		{layout.Wasm32, "struct point(struct point)", []Class{ClassIndirect, ClassIndirect}},
		{layout.SysVAMD64, "struct point(struct point)", []Class{ClassDirectAggregate, ClassDirectAggregate}},
		{layout.SysVAMD64, "struct big(struct big)", []Class{ClassIndirect, ClassIndirect}},
		{layout.SysVAMD64, "void(struct ld)", []Class{ClassIndirect, ClassVoid}},
		{layout.Win64, "struct point(struct three)", []Class{ClassIndirect, ClassDirectAggregate}},
		{layout.I386, "struct one(struct point)", []Class{ClassDirectAggregate, ClassIndirect}},
		{layout.ARM64, "struct vec(struct big)", []Class{ClassIndirect, ClassDirectAggregate}},
	}
	for _, tt := range tests {
		t.Run(tt.model.Name+"/"+tt.sig, func(t *testing.T) {
			d := build(t, c, tt.model, tt.sig)
			if diff := cmp.Diff(tt.want, classes(d)); diff != "" {
				t.Errorf("classes (-want +got):\n%s", diff)
			}
		})
	}
}

func TestBuild_SysVEightbytes(t *testing.T) {
	c := setup(t)
	tests := []struct {
		sig  string
		want []Part
	}{
		{"void(struct mixed)", []Part{{0, 8, PartInteger}, {8, 8, PartSSE}}},
		{"void(struct vec)", []Part{{0, 8, PartSSE}, {8, 8, PartSSE}}},
		{"void(struct three)", []Part{{0, 3, PartInteger}}},
	}
	for _, tt := range tests {
		t.Run(tt.sig, func(t *testing.T) {
			d := build(t, c, layout.SysVAMD64, tt.sig)
			if diff := cmp.Diff(tt.want, d.Args[0].Parts); diff != "" {
				t.Errorf("parts (-want +got):\n%s", diff)
			}
		})
	}
}

func TestBuild_WasmSingleton(t *testing.T) {
	c := setup(t)
	d := build(t, c, layout.Wasm32, "int(struct wrap)")
	if d.Args[0].Scalar != c.Registry().Prim(ctype.PrimInt) {
		t.Errorf("scalar = %s", c.Registry().Name(d.Args[0].Scalar))
	}
}

func TestBuild_Unsupported(t *testing.T) {
	c := setup(t)
	tests := []struct {
		sig    string
		reason string
		path   string
	}{
		{"void(struct bits)", "bit-fields", "arg[0]"},
		{"void(int, struct packed)", "packed", "arg[1]"},
		{"void(struct flex)", "zero-length array", "arg[0]"},
		{"void(struct anon)", "anonymous members", "arg[0]"},
		{"union u(void)", "union", "result"},
	}
	for _, tt := range tests {
		t.Run(tt.sig, func(t *testing.T) {
			d := build(t, c, layout.SysVAMD64, tt.sig)
			if !d.Static {
				t.Error("fixed signature should be static")
			}
			err := d.Check()
			if !errors.Is(err, errors.ErrUnsupportedCallShape) {
				t.Fatalf("Check = %v", err)
			}
			var e *errors.Error
			errors.As(err, &e)
			if len(e.Path) != 1 || e.Path[0] != tt.path {
				t.Errorf("path = %v, want %s", e.Path, tt.path)
			}
			if got := d.Args; len(got) > 0 && got[len(got)-1].Class == ClassUnsupported && got[len(got)-1].Reason != tt.reason {
				t.Errorf("reason = %q, want %q", got[len(got)-1].Reason, tt.reason)
			}
		})
	}
}

func TestBuild_Errors(t *testing.T) {
	c := setup(t)
	reg := c.Registry()
	b := NewBuilder(layout.NewResolver(reg, layout.SysVAMD64))

	if _, err := b.Build(reg.Prim(ctype.PrimInt)); !errors.Is(err, errors.ErrTypeMismatch) {
		t.Errorf("non-function: %v", err)
	}
	fast, _ := c.Typeof("int(__fastcall *)(int)")
	if _, err := b.Build(fast); !errors.Is(err, errors.ErrDeclaration) {
		t.Errorf("fastcall on x86-64: %v", err)
	}
	if _, err := NewBuilder(layout.NewResolver(reg, layout.I386)).Build(fast); err != nil {
		t.Errorf("fastcall on i386: %v", err)
	}
	opaque, _ := c.Intern(decl.MustParseTypeName("void(struct never)"))
	if _, err := b.Build(opaque); !errors.Is(err, errors.ErrOpaqueType) {
		t.Errorf("opaque by value: %v", err)
	}
}

func TestBuild_Conventions(t *testing.T) {
	c := setup(t)
	if d := build(t, c, layout.I386, "int(__stdcall *)(int)"); d.ABI != ctype.ABIStdcall {
		t.Errorf("i386 ABI = %v", d.ABI)
	}
	if d := build(t, c, layout.Wasm32, "int(__stdcall *)(int)"); d.ABI != ctype.ABIDefault {
		t.Errorf("wasm32 ABI = %v", d.ABI)
	}
}

func TestWithVarargs(t *testing.T) {
	c := setup(t)
	reg := c.Registry()
	d := build(t, c, layout.Wasm32, "int(char *, ...)")
	if d.Static {
		t.Error("variadic signature must not be static")
	}
	if err := d.Check(); !errors.Is(err, errors.ErrInvalidInput) {
		t.Errorf("Check without tail = %v", err)
	}

	call, err := d.WithVarargs([]ctype.ID{
		reg.Prim(ctype.PrimFloat),
		reg.Prim(ctype.PrimShort),
		reg.Prim(ctype.PrimBool),
		reg.Prim(ctype.PrimLongLong),
		reg.PointerTo(reg.Prim(ctype.PrimChar)),
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := call.Check(); err != nil {
		t.Errorf("Check = %v", err)
	}
	got := make([]string, 0, len(call.VarArgs()))
	for _, a := range call.VarArgs() {
		got = append(got, reg.Name(a.Type))
	}
	want := []string{"double", "int", "int", "long long", "char *"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("promoted (-want +got):\n%s", diff)
	}
	if len(d.Args) != 1 {
		t.Error("WithVarargs must not modify the base descriptor")
	}

	empty, err := d.WithVarargs(nil)
	if err != nil || empty.Check() != nil {
		t.Errorf("empty tail: %v", err)
	}

	fixed := build(t, c, layout.Wasm32, "int(int)")
	if _, err := fixed.WithVarargs([]ctype.ID{reg.Prim(ctype.PrimInt)}); err == nil {
		t.Error("tail types on a fixed signature should fail")
	}
}

func TestDescriptor_Info(t *testing.T) {
	c := setup(t)
	d := build(t, c, layout.Wasm32, "struct point(long, struct one)")
	want := []layout.Info{{Size: 4, Align: 4}, {Size: 4, Align: 4}}
	got := []layout.Info{d.Args[0].Info, d.Args[1].Info}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("info (-want +got):\n%s", diff)
	}
	if !d.SRet() || d.Ret.Info.Size != 8 {
		t.Errorf("ret = %+v", d.Ret)
	}
}

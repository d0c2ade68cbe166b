package engine

import (
	"context"
	"encoding/binary"
	"testing"

	"github.com/wippyai/cffi-runtime/callspec"
	"github.com/wippyai/cffi-runtime/ctype"
	"github.com/wippyai/cffi-runtime/decl"
	"github.com/wippyai/cffi-runtime/errors"
	"github.com/wippyai/cffi-runtime/internal/wasmgen"
	"github.com/wippyai/cffi-runtime/layout"
	"github.com/wippyai/cffi-runtime/marshal"
)

const externDecls = `
structs:
  - tag: pt
    fields: [{name: x, type: int}, {name: y, type: int}]
functions:
  - {name: scale_by, type: "int(int)"}
  - {name: origin, type: "struct pt(int)"}
  - {name: log_value, type: "void(int, ...)"}
  - {name: run, type: "int(int)"}
  - {name: run_pt, type: "struct pt(int)"}
`

// externLibrary imports scale_by and origin from env and calls them from
// run and run_pt.
func externLibrary() []byte {
	m := wasmgen.New()
	scaleBy := m.ImportFunc("env", "scale_by", vt(i32), vt(i32))
	origin := m.ImportFunc("env", "origin", vt(i32, i32), nil)
	m.Export("memory", wasmgen.ExternMemory, m.Memory(wasmgen.Limits{Min: 1}))
	top := m.Global(i32, true, heapStart)
	m.Export("malloc", wasmgen.ExternFunc, m.Func(vt(i32), vt(i32), vt(i32), wasmgen.NewCode().
		GlobalGet(top).I32Const(15).I32Add().I32Const(-16).I32And().LocalTee(1).
		LocalGet(0).I32Add().GlobalSet(top).
		LocalGet(1)))
	m.Export("run", wasmgen.ExternFunc, m.Func(vt(i32), vt(i32), nil, wasmgen.NewCode().
		LocalGet(0).Call(scaleBy).I32Const(1).I32Add()))
	m.Export("run_pt", wasmgen.ExternFunc, m.Func(vt(i32, i32), nil, nil, wasmgen.NewCode().
		LocalGet(0).LocalGet(1).Call(origin)))
	return m.Bytes()
}

func externDesc(t *testing.T, c *ctype.Context, b *callspec.Builder, name string) *callspec.Descriptor {
	t.Helper()
	id, ok := c.Function(name)
	if !ok {
		t.Fatalf("%s not declared", name)
	}
	d, err := b.Build(id)
	if err != nil {
		t.Fatal(err)
	}
	return d
}

func TestDefineModule(t *testing.T) {
	ctx := context.Background()
	rt, err := New(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer rt.Close(ctx)

	reg := ctype.NewRegistry()
	c := ctype.NewContext(reg, "externs")
	file, err := decl.LoadBytes([]byte(externDecls))
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Declare(file); err != nil {
		t.Fatal(err)
	}
	res := layout.NewResolver(reg, layout.Wasm32)
	b := callspec.NewBuilder(res)

	var callers []string
	err = rt.DefineModule(ctx, "env",
		Extern{
			Name: "scale_by",
			Desc: externDesc(t, c, b, "scale_by"),
			Invoke: func(_ context.Context, lib *Library, raw [][]byte) []byte {
				callers = append(callers, lib.Name())
				v := int32(binary.LittleEndian.Uint32(raw[0]))
				return binary.LittleEndian.AppendUint32(nil, uint32(v*10))
			},
		},
		Extern{
			Name: "origin",
			Desc: externDesc(t, c, b, "origin"),
			Invoke: func(_ context.Context, _ *Library, raw [][]byte) []byte {
				k := binary.LittleEndian.Uint32(raw[0])
				out := binary.LittleEndian.AppendUint32(nil, k)
				return binary.LittleEndian.AppendUint32(out, k*2)
			},
		})
	if err != nil {
		t.Fatal(err)
	}

	lib, err := rt.Load(ctx, "user", externLibrary())
	if err != nil {
		t.Fatal(err)
	}
	if got, ok := rt.Library("user"); !ok || got != lib {
		t.Error("library not registered by name")
	}

	e := marshal.New(res, lib.Space(), marshal.WithBackend(lib))
	run, _ := lib.Func(ctx, "run")
	if got, err := e.Call(ctx, externDesc(t, c, b, "run"), run, -4); err != nil || got != int32(-39) {
		t.Errorf("run(-4) = %v, %v", got, err)
	}
	if len(callers) != 1 || callers[0] != "user" {
		t.Errorf("extern saw callers %v", callers)
	}

	runPt, _ := lib.Func(ctx, "run_pt")
	out, err := e.Call(ctx, externDesc(t, c, b, "run_pt"), runPt, 3)
	if err != nil {
		t.Fatal(err)
	}
	pt := out.(*marshal.CData)
	defer pt.Release()
	x, _ := pt.Get("x")
	y, _ := pt.Get("y")
	if x != int32(3) || y != int32(6) {
		t.Errorf("run_pt(3) = {%v, %v}", x, y)
	}

	if err := lib.Close(ctx); err != nil {
		t.Fatal(err)
	}
	if _, ok := rt.Library("user"); ok {
		t.Error("closed library still registered")
	}
}

func TestDefineModule_Errors(t *testing.T) {
	ctx := context.Background()
	rt, err := New(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer rt.Close(ctx)

	reg := ctype.NewRegistry()
	c := ctype.NewContext(reg, "externs")
	file, _ := decl.LoadBytes([]byte(externDecls))
	if err := c.Declare(file); err != nil {
		t.Fatal(err)
	}
	b := callspec.NewBuilder(layout.NewResolver(reg, layout.Wasm32))

	noop := func(context.Context, *Library, [][]byte) []byte { return nil }
	if err := rt.DefineModule(ctx, "env", Extern{Name: "scale_by", Desc: externDesc(t, c, b, "scale_by")}); !errors.Is(err, errors.ErrInvalidInput) {
		t.Errorf("missing implementation: err = %v", err)
	}
	if err := rt.DefineModule(ctx, "env", Extern{Name: "log_value", Desc: externDesc(t, c, b, "log_value"), Invoke: noop}); !errors.Is(err, errors.ErrUnsupportedCallShape) {
		t.Errorf("variadic: err = %v", err)
	}

	// An unsatisfied import fails the load.
	if _, err := rt.Load(ctx, "user", externLibrary()); !errors.Is(err, errors.ErrInvalidData) {
		t.Errorf("load without env: err = %v", err)
	}
}

package engine

import (
	"context"
	"math"
	"testing"

	"github.com/tetratelabs/wazero/api"

	"github.com/wippyai/cffi-runtime/callspec"
	"github.com/wippyai/cffi-runtime/ctype"
	"github.com/wippyai/cffi-runtime/decl"
	"github.com/wippyai/cffi-runtime/internal/wasmgen"
	"github.com/wippyai/cffi-runtime/layout"
	"github.com/wippyai/cffi-runtime/marshal"
)

var (
	i32 = api.ValueTypeI32
	i64 = api.ValueTypeI64
	f64 = api.ValueTypeF64
)

func vt(ts ...api.ValueType) []api.ValueType { return ts }

// Fixed addresses inside the fixture library.
const (
	counterAddr = 512
	heapStart   = 1024
)

// fixtureDecls declares the C side of testLibrary.
const fixtureDecls = `
structs:
  - tag: pt
    fields: [{name: x, type: int}, {name: y, type: int}]
  - tag: wrap
    fields: [{name: v, type: double}]
  - tag: bits
    fields: [{name: a, type: int, bits: 3}]
functions:
  - {name: add, type: "int(int, int)"}
  - {name: widen, type: "int(signed char)"}
  - {name: twice, type: "long long(long long)"}
  - {name: swap, type: "struct pt(struct pt)"}
  - {name: scale, type: "struct wrap(struct wrap, int)"}
  - {name: ldid, type: "long double(long double)"}
  - {name: takes_bits, type: "int(struct bits)"}
  - {name: sum, type: "int(int, ...)"}
  - {name: apply, type: "int(int(*)(int), int)"}
  - {name: notify, type: "void(void(*)(int), int)"}
  - {name: make_pt, type: "struct pt(struct pt(*)(int), int)"}
  - {name: fill, type: "void(int *, int)"}
  - {name: length, type: "size_t(const char *)"}
  - {name: frees, type: "int(void)"}
  - {name: missing_fn, type: "void(void)"}
constants:
  - {name: FLAG}
  - {name: BIG, type: long long}
  - {name: NEG}
`

type libOptions struct {
	fixedTable bool
}

// testLibrary builds a small C-like library: a bump allocator, a growable
// function table and one export per function in fixtureDecls.
func testLibrary(opts libOptions) []byte {
	m := wasmgen.New()
	mem := m.Memory(wasmgen.Limits{Min: 2})
	m.Export("memory", wasmgen.ExternMemory, mem)

	limits := wasmgen.Limits{Min: 1}
	if opts.fixedTable {
		limits = wasmgen.Limits{Min: 1, Max: 1, HasMax: true}
	}
	tbl := m.Table(limits)
	m.Export("__indirect_function_table", wasmgen.ExternTable, tbl)

	top := m.Global(i32, true, heapStart)
	frees := m.Global(i32, true, 0)
	m.Export("counter", wasmgen.ExternGlobal, m.Global(i32, false, counterAddr))
	m.Export("FLAG", wasmgen.ExternGlobal, m.Global(i32, false, 0x40))
	m.Export("BIG", wasmgen.ExternGlobal, m.Global(i64, false, 1<<40))
	m.Export("NEG", wasmgen.ExternGlobal, m.Global(i32, false, math.MaxUint64))
	m.Data(counterAddr, []byte{7, 0, 0, 0})

	fn := func(name string, params, results, locals []api.ValueType, body *wasmgen.Code) uint32 {
		idx := m.Func(params, results, locals, body)
		m.Export(name, wasmgen.ExternFunc, idx)
		return idx
	}

	// malloc(size) rounds top up to 16 and bumps it.
	fn("malloc", vt(i32), vt(i32), vt(i32), wasmgen.NewCode().
		GlobalGet(top).I32Const(15).I32Add().I32Const(-16).I32And().LocalTee(1).
		LocalGet(0).I32Add().GlobalSet(top).
		LocalGet(1))
	fn("free", vt(i32), nil, nil, wasmgen.NewCode().
		GlobalGet(frees).I32Const(1).I32Add().GlobalSet(frees))
	fn("frees", nil, vt(i32), nil, wasmgen.NewCode().GlobalGet(frees))

	fn("add", vt(i32, i32), vt(i32), nil, wasmgen.NewCode().LocalGet(0).LocalGet(1).I32Add())
	fn("widen", vt(i32), vt(i32), nil, wasmgen.NewCode().LocalGet(0))
	fn("twice", vt(i64), vt(i64), nil, wasmgen.NewCode().LocalGet(0).I64Const(2).I64Mul())

	// swap(sret, p): sret->x = p->y; sret->y = p->x
	fn("swap", vt(i32, i32), nil, nil, wasmgen.NewCode().
		LocalGet(0).LocalGet(1).I32Load(4).I32Store(0).
		LocalGet(0).LocalGet(1).I32Load(0).I32Store(4))

	// scale(v, k): struct wrap travels as its double
	fn("scale", vt(f64, i32), vt(f64), nil, wasmgen.NewCode().
		LocalGet(0).LocalGet(1).F64ConvertI32S().F64Mul())

	// ldid(sret, lo, hi) stores its long double argument
	fn("ldid", vt(i32, i64, i64), nil, nil, wasmgen.NewCode().
		LocalGet(0).LocalGet(1).I64Store(0).
		LocalGet(0).LocalGet(2).I64Store(8))

	fn("takes_bits", vt(i32), vt(i32), nil, wasmgen.NewCode().
		LocalGet(0).I32Load8U(0).I32Const(7).I32And())

	// sum(n, va) adds n ints read from the vararg buffer.
	fn("sum", vt(i32, i32), vt(i32), vt(i32, i32), wasmgen.NewCode().
		Block().Loop().
		LocalGet(2).LocalGet(0).I32GeU().BrIf(1).
		LocalGet(3).LocalGet(1).LocalGet(2).I32Const(4).I32Mul().I32Add().I32Load(0).I32Add().LocalSet(3).
		LocalGet(2).I32Const(1).I32Add().LocalSet(2).
		Br(0).
		End().End().
		LocalGet(3))

	fn("apply", vt(i32, i32), vt(i32), nil, wasmgen.NewCode().
		LocalGet(1).LocalGet(0).CallIndirect(m.Type(vt(i32), vt(i32)), tbl))
	fn("notify", vt(i32, i32), nil, nil, wasmgen.NewCode().
		LocalGet(1).LocalGet(0).CallIndirect(m.Type(vt(i32), nil), tbl))

	// make_pt(sret, fp, k) returns fp(k), handing its own result pointer on.
	fn("make_pt", vt(i32, i32, i32), nil, nil, wasmgen.NewCode().
		LocalGet(0).LocalGet(2).LocalGet(1).CallIndirect(m.Type(vt(i32, i32), nil), tbl))

	// fill(p, n): p[i] = i*i
	fn("fill", vt(i32, i32), nil, vt(i32), wasmgen.NewCode().
		Block().Loop().
		LocalGet(2).LocalGet(1).I32GeU().BrIf(1).
		LocalGet(0).LocalGet(2).I32Const(4).I32Mul().I32Add().
		LocalGet(2).LocalGet(2).I32Mul().I32Store(0).
		LocalGet(2).I32Const(1).I32Add().LocalSet(2).
		Br(0).
		End().End())

	// length(s) is strlen.
	fn("length", vt(i32), vt(i32), vt(i32), wasmgen.NewCode().
		Block().Loop().
		LocalGet(0).LocalGet(1).I32Add().I32Load8U(0).I32Eqz().BrIf(1).
		LocalGet(1).I32Const(1).I32Add().LocalSet(1).
		Br(0).
		End().End().
		LocalGet(1))

	return m.Bytes()
}

type fixture struct {
	rt  *Runtime
	lib *Library
	c   *ctype.Context
	e   *marshal.Engine
}

func newFixture(t *testing.T, opts libOptions, engineOpts ...marshal.Option) *fixture {
	t.Helper()
	ctx := context.Background()
	rt, err := New(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = rt.Close(ctx) })

	lib, err := rt.Load(ctx, "lib", testLibrary(opts))
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	reg := ctype.NewRegistry()
	c := ctype.NewContext(reg, "test")
	f, err := decl.LoadBytes([]byte(fixtureDecls))
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Declare(f); err != nil {
		t.Fatal(err)
	}
	res := layout.NewResolver(reg, layout.Wasm32)
	e := marshal.New(res, lib.Space(), append([]marshal.Option{
		marshal.WithBackend(lib),
		marshal.WithConstantProber(lib),
	}, engineOpts...)...)
	return &fixture{rt: rt, lib: lib, c: c, e: e}
}

func (f *fixture) typ(t *testing.T, name string) ctype.ID {
	t.Helper()
	id, err := f.c.Typeof(name)
	if err != nil {
		t.Fatalf("Typeof(%q): %v", name, err)
	}
	return id
}

func (f *fixture) desc(t *testing.T, name string) *callspec.Descriptor {
	t.Helper()
	id, ok := f.c.Function(name)
	if !ok {
		t.Fatalf("function %q not declared", name)
	}
	d, err := f.e.Describe(id)
	if err != nil {
		t.Fatalf("Describe(%s): %v", name, err)
	}
	return d
}

// call resolves name in the library and calls it through the marshal engine.
func (f *fixture) call(t *testing.T, name string, args ...any) (any, error) {
	t.Helper()
	ctx := context.Background()
	fn, err := f.lib.Func(ctx, name)
	if err != nil {
		t.Fatalf("Func(%s): %v", name, err)
	}
	return f.e.Call(ctx, f.desc(t, name), fn, args...)
}

package engine

import (
	"context"
	"math"
	"testing"

	"github.com/wippyai/cffi-runtime/callspec"
	"github.com/wippyai/cffi-runtime/ctype"
	"github.com/wippyai/cffi-runtime/errors"
	"github.com/wippyai/cffi-runtime/marshal"
)

func TestCall_Scalars(t *testing.T) {
	f := newFixture(t, libOptions{})

	tests := []struct {
		name string
		args []any
		want any
	}{
		{"add", []any{40, 2}, int32(42)},
		{"add", []any{-7, 2}, int32(-5)},
		{"widen", []any{-5}, int32(-5)},
		{"widen", []any{100}, int32(100)},
		{"twice", []any{int64(1) << 40}, int64(1) << 41},
		{"twice", []any{-3}, int64(-6)},
	}
	for _, tt := range tests {
		got, err := f.call(t, tt.name, tt.args...)
		if err != nil || got != tt.want {
			t.Errorf("%s(%v) = %v (%T), %v; want %v", tt.name, tt.args, got, got, err, tt.want)
		}
	}
}

func TestCall_Aggregates(t *testing.T) {
	f := newFixture(t, libOptions{})

	out, err := f.call(t, "swap", map[string]any{"x": 1, "y": 2})
	if err != nil {
		t.Fatal(err)
	}
	pt := out.(*marshal.CData)
	defer pt.Release()
	if x, _ := pt.Get("x"); x != int32(2) {
		t.Errorf("swap x = %v", x)
	}
	if y, _ := pt.Get("y"); y != int32(1) {
		t.Errorf("swap y = %v", y)
	}

	out, err = f.call(t, "scale", []any{1.25}, 4)
	if err != nil {
		t.Fatal(err)
	}
	w := out.(*marshal.CData)
	defer w.Release()
	if v, _ := w.Get("v"); v != 5.0 {
		t.Errorf("scale = %v", v)
	}

	got, err := f.call(t, "takes_bits", map[string]any{"a": -3})
	if err != nil || got != int32(5) {
		t.Errorf("takes_bits = %v, %v", got, err)
	}
}

func TestCall_LongDouble(t *testing.T) {
	f := newFixture(t, libOptions{})
	for _, v := range []float64{0, 1.5, -2.75e300, math.Inf(-1)} {
		got, err := f.call(t, "ldid", v)
		if err != nil || got != v {
			t.Errorf("ldid(%v) = %v, %v", v, got, err)
		}
	}
}

func TestCall_Variadic(t *testing.T) {
	f := newFixture(t, libOptions{})
	ctx := context.Background()
	fn, err := f.lib.Func(ctx, "sum")
	if err != nil {
		t.Fatal(err)
	}
	d, err := f.desc(t, "sum").WithVarargs([]ctype.ID{f.typ(t, "int"), f.typ(t, "short"), f.typ(t, "int")})
	if err != nil {
		t.Fatal(err)
	}
	got, err := f.e.Call(ctx, d, fn, 3, 10, 20, 30)
	if err != nil || got != int32(60) {
		t.Errorf("sum = %v, %v", got, err)
	}

	none, err := f.desc(t, "sum").WithVarargs(nil)
	if err != nil {
		t.Fatal(err)
	}
	if got, err := f.e.Call(ctx, none, fn, 0); err != nil || got != int32(0) {
		t.Errorf("sum() = %v, %v", got, err)
	}
}

func TestCall_Pointers(t *testing.T) {
	f := newFixture(t, libOptions{})

	s := make([]int32, 5)
	if _, err := f.call(t, "fill", s, len(s)); err != nil {
		t.Fatal(err)
	}
	if s[4] != 16 || s[2] != 4 {
		t.Errorf("fill = %v", s)
	}

	got, err := f.call(t, "length", "hello, wasm")
	if err != nil || got != uint32(11) {
		t.Errorf("length = %v (%T), %v", got, got, err)
	}

	before, _ := f.call(t, "frees")
	if _, err := f.call(t, "length", "abc"); err != nil {
		t.Fatal(err)
	}
	after, _ := f.call(t, "frees")
	if after.(int32) <= before.(int32) {
		t.Errorf("temporary string not freed: frees %v -> %v", before, after)
	}
}

func TestCall_BadFunctionPointer(t *testing.T) {
	f := newFixture(t, libOptions{})
	ctx := context.Background()

	// Slot 0 is empty.
	if _, err := f.e.Call(ctx, f.desc(t, "add"), 0, 1, 2); !errors.Is(err, errors.ErrNilPointer) {
		t.Errorf("NULL: err = %v", err)
	}
	if _, err := f.e.Call(ctx, f.desc(t, "add"), 1000, 1, 2); !errors.Is(err, errors.ErrInvalidInput) {
		t.Errorf("out of table: err = %v", err)
	}

	// add placed in the table, called with the wrong signature.
	fn, _ := f.lib.Func(ctx, "add")
	if _, err := f.e.Call(ctx, f.desc(t, "twice"), fn, 1); !errors.Is(err, errors.ErrInvalidInput) {
		t.Errorf("signature mismatch: err = %v", err)
	}
}

func TestFunc(t *testing.T) {
	f := newFixture(t, libOptions{})
	ctx := context.Background()

	a, err := f.lib.Func(ctx, "add")
	if err != nil {
		t.Fatal(err)
	}
	if a == 0 || a >= exportBase {
		t.Errorf("add placed at %d", a)
	}
	if b, _ := f.lib.Func(ctx, "add"); b != a {
		t.Errorf("second lookup = %d, want %d", b, a)
	}
	if _, err := f.lib.Func(ctx, "missing_fn"); !errors.Is(err, errors.ErrNotFound) {
		t.Errorf("missing: err = %v", err)
	}

	syms, err := f.lib.Lookup(ctx, "add", "missing_fn", "nope", "twice")
	var missing *errors.MissingSymbolsError
	if !errors.As(err, &missing) {
		t.Fatalf("Lookup err = %v", err)
	}
	if len(missing.Symbols) != 2 || missing.Symbols[0] != "missing_fn" || missing.Symbols[1] != "nope" {
		t.Errorf("missing = %v", missing.Symbols)
	}
	if syms["add"] != a || syms["twice"] == 0 {
		t.Errorf("resolved = %v", syms)
	}
}

func TestFunc_FixedTable(t *testing.T) {
	f := newFixture(t, libOptions{fixedTable: true})
	ctx := context.Background()

	fn, err := f.lib.Func(ctx, "add")
	if err != nil {
		t.Fatal(err)
	}
	if fn < exportBase {
		t.Fatalf("add placed at %d in a full table", fn)
	}
	if got, err := f.e.Call(ctx, f.desc(t, "add"), fn, 2, 3); err != nil || got != int32(5) {
		t.Errorf("add = %v, %v", got, err)
	}
	if _, err := f.e.Call(ctx, f.desc(t, "twice"), fn, 2); !errors.Is(err, errors.ErrTypeMismatch) {
		t.Errorf("signature mismatch: err = %v", err)
	}

	_, err = f.e.NewCallback(f.typ(t, "int(*)(int)"), func([]any) (any, error) { return 0, nil })
	if !errors.Is(err, errors.ErrAllocation) {
		t.Errorf("callback without table space: err = %v", err)
	}
}

func TestCallback_Apply(t *testing.T) {
	f := newFixture(t, libOptions{})
	cbType := f.typ(t, "int(*)(int)")

	var seen []int32
	triple, err := f.e.NewCallback(cbType, func(args []any) (any, error) {
		seen = append(seen, args[0].(int32))
		return args[0].(int32) * 3, nil
	})
	if err != nil {
		t.Fatal(err)
	}
	defer triple.Release()

	got, err := f.call(t, "apply", triple.CData(), 14)
	if err != nil || got != int32(42) {
		t.Errorf("apply = %v, %v", got, err)
	}
	if len(seen) != 1 || seen[0] != 14 {
		t.Errorf("callback saw %v", seen)
	}

	// The callback's slot is an ordinary function pointer.
	got, err = f.e.Call(context.Background(), f.desc(t, "add"), triple.Addr(), 1, 2)
	if err == nil {
		t.Errorf("calling an int(int) slot as int(int, int) = %v", got)
	}
}

func TestCallback_ErrorValue(t *testing.T) {
	f := newFixture(t, libOptions{})
	cbType := f.typ(t, "int(*)(int)")

	var reported []error
	failing, err := f.e.NewCallback(cbType,
		func([]any) (any, error) { return nil, errors.InvalidInput(errors.PhaseCallback, nil, "boom") },
		marshal.Error(42),
		marshal.OnError(func(err error) any {
			reported = append(reported, err)
			return nil
		}))
	if err != nil {
		t.Fatal(err)
	}
	defer failing.Release()

	got, err := f.call(t, "apply", failing.CData(), 1)
	if err != nil || got != int32(42) {
		t.Errorf("apply with failing callback = %v, %v", got, err)
	}
	if len(reported) != 1 || !errors.Is(reported[0], errors.ErrCallbackFault) {
		t.Errorf("reported = %v", reported)
	}
}

func TestCallback_VoidAndSRet(t *testing.T) {
	f := newFixture(t, libOptions{})

	var got []any
	note, err := f.e.NewCallback(f.typ(t, "void(*)(int)"), func(args []any) (any, error) {
		got = append(got, args[0])
		return nil, nil
	})
	if err != nil {
		t.Fatal(err)
	}
	defer note.Release()
	if _, err := f.call(t, "notify", note.CData(), 9); err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0] != int32(9) {
		t.Errorf("notify delivered %v", got)
	}

	mk, err := f.e.NewCallback(f.typ(t, "struct pt(*)(int)"), func(args []any) (any, error) {
		k := args[0].(int32)
		return map[string]any{"x": k, "y": k + 1}, nil
	})
	if err != nil {
		t.Fatal(err)
	}
	defer mk.Release()
	out, err := f.call(t, "make_pt", mk.CData(), 5)
	if err != nil {
		t.Fatal(err)
	}
	pt := out.(*marshal.CData)
	defer pt.Release()
	x, _ := pt.Get("x")
	y, _ := pt.Get("y")
	if x != int32(5) || y != int32(6) {
		t.Errorf("make_pt = {%v, %v}", x, y)
	}
}

func TestCallback_SlotReuse(t *testing.T) {
	f := newFixture(t, libOptions{})
	cbType := f.typ(t, "int(*)(int)")
	apply := mustFunc(t, f, "apply")

	first, err := f.e.NewCallback(cbType, func([]any) (any, error) { return 1, nil })
	if err != nil {
		t.Fatal(err)
	}
	slot := first.Addr()
	first.Release()

	if _, err := f.e.Call(context.Background(), f.desc(t, "apply"), apply, marshal.Pointer(slot), 0); err == nil {
		t.Error("released callback slot is still callable")
	}

	second, err := f.e.NewCallback(cbType, func([]any) (any, error) { return 2, nil })
	if err != nil {
		t.Fatal(err)
	}
	defer second.Release()
	if second.Addr() != slot {
		t.Errorf("second callback at %d, want reused slot %d", second.Addr(), slot)
	}
	if got, err := f.call(t, "apply", second.CData(), 0); err != nil || got != int32(2) {
		t.Errorf("apply = %v, %v", got, err)
	}
}

func TestCallback_NestedCall(t *testing.T) {
	f := newFixture(t, libOptions{})
	add := mustFunc(t, f, "add")
	addDesc := f.desc(t, "add")

	cb, err := f.e.NewCallback(f.typ(t, "int(*)(int)"), func(args []any) (any, error) {
		v, err := f.e.Call(context.Background(), addDesc, add, args[0], 100)
		if err != nil {
			return nil, err
		}
		return v, nil
	})
	if err != nil {
		t.Fatal(err)
	}
	defer cb.Release()

	got, err := f.call(t, "apply", cb.CData(), 1)
	if err != nil || got != int32(101) {
		t.Errorf("apply with nested call = %v, %v", got, err)
	}
}

func TestConstantsAndGlobals(t *testing.T) {
	f := newFixture(t, libOptions{})
	ctx := context.Background()

	tests := []struct {
		name string
		want any
	}{
		{"FLAG", int32(0x40)},
		{"BIG", int64(1) << 40},
		{"NEG", int32(-1)},
	}
	for _, tt := range tests {
		if v, err := f.e.Constant(ctx, f.c, tt.name); err != nil || v != tt.want {
			t.Errorf("%s = %v (%T), %v", tt.name, v, v, err)
		}
	}
	if _, err := f.lib.ProbeConstant(ctx, "NOPE"); !errors.Is(err, errors.ErrNotFound) {
		t.Errorf("NOPE: err = %v", err)
	}

	addr, err := f.lib.GlobalAddr("counter")
	if err != nil || addr != counterAddr {
		t.Fatalf("counter at %d, %v", addr, err)
	}
	counter := f.e.View(f.typ(t, "int *"), addr)
	if v, err := counter.Deref(); err != nil || v != int32(7) {
		t.Errorf("*counter = %v, %v", v, err)
	}
	if _, err := f.lib.GlobalAddr("BIG"); !errors.Is(err, errors.ErrTypeMismatch) {
		t.Errorf("i64 global as address: err = %v", err)
	}
}

func TestSpecialized(t *testing.T) {
	f := newFixture(t, libOptions{})
	d := f.desc(t, "takes_bits")
	if d.Args[0].Class != callspec.ClassUnsupported {
		t.Fatalf("struct bits classified as %v", d.Args[0].Class)
	}
	if !f.lib.Specialized(d) {
		t.Error("fixed signature should be specialized")
	}
	v, err := f.desc(t, "sum").WithVarargs(nil)
	if err != nil {
		t.Fatal(err)
	}
	if f.lib.Specialized(v) {
		t.Error("variadic call should not be specialized")
	}
}

func mustFunc(t *testing.T, f *fixture, name string) uint64 {
	t.Helper()
	fn, err := f.lib.Func(context.Background(), name)
	if err != nil {
		t.Fatal(err)
	}
	return fn
}

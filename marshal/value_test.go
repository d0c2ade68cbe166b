package marshal_test

import (
	"math"
	"testing"

	"github.com/wippyai/cffi-runtime/ctype"
	"github.com/wippyai/cffi-runtime/errors"
	"github.com/wippyai/cffi-runtime/internal/heap"
	"github.com/wippyai/cffi-runtime/layout"
	"github.com/wippyai/cffi-runtime/marshal"
)

func TestScalars_RoundTripAndBounds(t *testing.T) {
	f := newFixture(t, "")
	tests := []struct {
		typ      string
		min, max any
		below    any
		above    any
	}{
		{"signed char", int8(math.MinInt8), int8(math.MaxInt8), -129, 128},
		{"unsigned char", uint8(0), uint8(math.MaxUint8), -1, 256},
		{"short", int16(math.MinInt16), int16(math.MaxInt16), -32769, 32768},
		{"unsigned short", uint16(0), uint16(math.MaxUint16), -1, 65536},
		{"int", int32(math.MinInt32), int32(math.MaxInt32), int64(math.MinInt32) - 1, int64(math.MaxInt32) + 1},
		{"unsigned int", uint32(0), uint32(math.MaxUint32), -1, int64(math.MaxUint32) + 1},
		{"long", int32(math.MinInt32), int32(math.MaxInt32), int64(math.MinInt32) - 1, int64(math.MaxInt32) + 1},
		{"long long", int64(math.MinInt64), int64(math.MaxInt64), 1e19 * -1, uint64(math.MaxInt64) + 1},
		{"unsigned long long", uint64(0), uint64(math.MaxUint64), -1, 1e20},
	}
	for _, tt := range tests {
		t.Run(tt.typ, func(t *testing.T) {
			p := f.newValue(t, tt.typ+" *", nil)
			defer p.Release()
			for _, v := range []any{tt.min, tt.max} {
				if err := p.SetIndex(0, v); err != nil {
					t.Fatalf("SetIndex(%v): %v", v, err)
				}
				got, err := p.Deref()
				if err != nil {
					t.Fatal(err)
				}
				if got != v {
					t.Errorf("round trip %v (%T) = %v (%T)", v, v, got, got)
				}
			}
			for _, v := range []any{tt.below, tt.above} {
				err := p.SetIndex(0, v)
				if !errors.Is(err, errors.ErrOverflow) {
					t.Errorf("SetIndex(%v): err = %v, want overflow", v, err)
				}
			}
		})
	}
}

func TestScalars_Floats(t *testing.T) {
	f := newFixture(t, "")
	p := f.newValue(t, "int *", nil)
	if err := p.SetIndex(0, 2.0); err != nil {
		t.Errorf("integral float rejected: %v", err)
	}
	if err := p.SetIndex(0, 2.5); !errors.Is(err, errors.ErrTypeMismatch) {
		t.Errorf("non-integral float: err = %v, want type mismatch", err)
	}

	d := f.newValue(t, "float *", 1.5)
	if v, _ := d.Deref(); v != float32(1.5) {
		t.Errorf("float = %v (%T)", v, v)
	}
	b := f.newValue(t, "_Bool *", true)
	if v, _ := b.Deref(); v != true {
		t.Errorf("_Bool = %v", v)
	}
	if err := b.SetIndex(0, 2); !errors.Is(err, errors.ErrOverflow) {
		t.Errorf("_Bool = 2: err = %v", err)
	}
	c := f.newValue(t, "double _Complex *", complex(1, -2))
	if v, _ := c.Deref(); v != complex(1, -2) {
		t.Errorf("complex = %v", v)
	}
}

func TestScalars_LongDouble(t *testing.T) {
	for _, model := range []*layout.DataModel{layout.Wasm32, layout.SysVAMD64, layout.I386, layout.Win64} {
		t.Run(model.Name, func(t *testing.T) {
			reg := ctype.NewRegistry()
			h := heap.New(model.ByteOrder())
			e := marshal.New(layout.NewResolver(reg, model), h)
			typ := reg.PointerTo(reg.Prim(ctype.PrimLongDouble))
			for _, v := range []float64{0, 1.5, -3.25e300, 1e-310, math.Inf(-1), math.MaxFloat64} {
				p, err := e.New(typ, v)
				if err != nil {
					t.Fatal(err)
				}
				got, err := p.Deref()
				if err != nil {
					t.Fatal(err)
				}
				if got != v {
					t.Errorf("%g round-tripped to %v", v, got)
				}
				p.Release()
			}
		})
	}
}

func TestStructs(t *testing.T) {
	f := newFixture(t, `
structs:
  - tag: a
    fields: [{name: a, type: int}, {name: b, type: short}, {name: c, type: short}]
  - tag: outer
    fields:
      - {name: head, type: struct a}
      - type: {union: {fields: [{name: i, type: int}, {name: f, type: float}]}}
      - {name: name, type: "char[8]"}
  - tag: u
    union: true
    fields: [{name: x, type: int}, {name: y, type: char}]
`)
	p := f.newValue(t, "struct a *", map[string]any{"a": 1, "c": 3})
	for name, want := range map[string]any{"a": int32(1), "b": int16(0), "c": int16(3)} {
		got, err := p.Get(name)
		if err != nil || got != want {
			t.Errorf("Get(%s) = %v, %v; want %v", name, got, err, want)
		}
	}
	raw, _ := p.Bytes()
	if len(raw) != 8 || raw[6] != 3 {
		t.Errorf("bytes = %v", raw)
	}

	o := f.newValue(t, "struct outer *", []any{[]any{7, 8, 9}, 10, "bob"})
	if v, _ := o.Get("i"); v != int32(10) {
		t.Errorf("anonymous member i = %v", v)
	}
	if v, _ := o.Get("head.b"); v != int16(8) {
		t.Errorf("head.b = %v", v)
	}
	name, _ := o.Get("name")
	if s := name.(*marshal.CData).String(); s != "bob" {
		t.Errorf("name = %q", s)
	}
	if err := o.Set("f", float32(0.5)); err != nil {
		t.Fatal(err)
	}
	if v, _ := o.Get("f"); v != float32(0.5) {
		t.Errorf("f = %v", v)
	}
	head, _ := o.Get("head")
	if err := head.(*marshal.CData).Set("a", 99); err != nil {
		t.Fatal(err)
	}
	if v, _ := o.Get("head.a"); v != int32(99) {
		t.Errorf("write through view: head.a = %v", v)
	}

	if _, err := f.e.New(f.typ(t, "union u *"), []any{1, 2}); !errors.Is(err, errors.ErrInvalidInput) {
		t.Errorf("union with two initializers: err = %v", err)
	}
	if _, err := f.e.New(f.typ(t, "struct a *"), []any{1, 2, 3, 4}); !errors.Is(err, errors.ErrInvalidInput) {
		t.Errorf("too many initializers: err = %v", err)
	}
	_, err := f.e.New(f.typ(t, "struct a *"), map[string]any{"zz": 1})
	var e *errors.Error
	if !errors.As(err, &e) || e.Kind != errors.KindNotFound || len(e.Path) != 1 || e.Path[0] != "zz" {
		t.Errorf("unknown member: err = %v", err)
	}
	_, err = f.e.New(f.typ(t, "struct a *"), map[string]any{"b": 70000})
	if !errors.As(err, &e) || e.Kind != errors.KindOverflow || e.Path[0] != "b" {
		t.Errorf("member overflow: err = %v", err)
	}
}

func TestStructs_GoStruct(t *testing.T) {
	f := newFixture(t, `
structs:
  - tag: pt
    fields: [{name: x, type: int}, {name: y, type: int}]
`)
	type point struct {
		X    int32 `c:"x"`
		Y    int32 `c:"y"`
		Note string `c:"-"`
	}
	p := f.newValue(t, "struct pt *", point{X: 3, Y: 4})
	if v, _ := p.Get("y"); v != int32(4) {
		t.Errorf("y = %v", v)
	}
}

func TestBitfields(t *testing.T) {
	f := newFixture(t, `
structs:
  - tag: b
    fields: [{name: a, type: int, bits: 10}, {name: b, type: int, bits: 20}, {name: c, type: int, bits: 3}]
  - tag: ub
    fields: [{name: flag, type: unsigned int, bits: 1}, {name: n, type: unsigned int, bits: 4}]
`)
	p := f.newValue(t, "struct b *", nil)
	tests := []struct {
		field string
		value int
		ok    bool
	}{
		{"a", 511, true},
		{"a", -512, true},
		{"a", 512, false},
		{"a", -513, false},
		{"c", 3, true},
		{"c", -4, true},
		{"c", 4, false},
		{"b", 1<<19 - 1, true},
	}
	for _, tt := range tests {
		err := p.Set(tt.field, tt.value)
		if tt.ok != (err == nil) {
			t.Errorf("Set(%s, %d): err = %v", tt.field, tt.value, err)
			continue
		}
		if !tt.ok {
			if !errors.Is(err, errors.ErrOverflow) {
				t.Errorf("Set(%s, %d): err = %v, want overflow", tt.field, tt.value, err)
			}
			continue
		}
		if got, _ := p.Get(tt.field); got != int32(tt.value) {
			t.Errorf("Get(%s) = %v, want %d", tt.field, got, tt.value)
		}
	}
	if v, _ := p.Get("a"); v != int32(-512) {
		t.Errorf("neighbouring writes clobbered a: %v", v)
	}

	u := f.newValue(t, "struct ub *", map[string]any{"flag": 1, "n": 15})
	if err := u.Set("n", 16); !errors.Is(err, errors.ErrOverflow) {
		t.Errorf("n = 16: err = %v", err)
	}
	if err := u.Set("flag", -1); !errors.Is(err, errors.ErrOverflow) {
		t.Errorf("flag = -1: err = %v", err)
	}
	raw, _ := u.Bytes()
	if raw[0] != 0x1f {
		t.Errorf("packed bits = %#x, want 0x1f", raw[0])
	}
}

func TestBitfields_UnnamedSkippedPositionally(t *testing.T) {
	f := newFixture(t, `
structs:
  - tag: z
    fields: [{name: a, type: int, bits: 3}, {type: int, bits: 0}, {name: b, type: int, bits: 4}]
  - tag: p
    fields: [{name: a, type: int, bits: 3}, {type: int, bits: 5}, {name: b, type: int, bits: 4}]
`)
	for _, typ := range []string{"struct z *", "struct p *"} {
		t.Run(typ, func(t *testing.T) {
			v := f.newValue(t, typ, []any{1, 2})
			for name, want := range map[string]int32{"a": 1, "b": 2} {
				if got, err := v.Get(name); err != nil || got != want {
					t.Errorf("%s = %v, %v; want %d", name, got, err, want)
				}
			}
			if _, err := f.e.New(f.typ(t, typ), []any{1, 2, 3}); !errors.Is(err, errors.ErrInvalidInput) {
				t.Errorf("three initializers: err = %v", err)
			}
		})
	}

	raw, _ := f.newValue(t, "struct p *", []any{1, 2}).Bytes()
	if raw[0] != 0x01 || raw[1] != 0x02 {
		t.Errorf("padding bits written: % x", raw[:2])
	}
}

func TestArrays(t *testing.T) {
	f := newFixture(t, `
structs:
  - tag: vec
    fields: [{name: n, type: int}, {name: items, type: "int[]"}]
`)
	s := f.newValue(t, "char[]", "hello")
	if s.Len() != 6 {
		t.Errorf("char[] from string: len = %d, want 6", s.Len())
	}
	if str, err := s.CString(); err != nil || str != "hello" {
		t.Errorf("CString = %q, %v", str, err)
	}
	if _, err := f.e.New(f.typ(t, "char[3]"), "abcd"); !errors.Is(err, errors.ErrOutOfBounds) {
		t.Errorf("char[3] from 4 bytes: err = %v", err)
	}

	a := f.newValue(t, "int[4]", []int32{1, 2, 3})
	if v, _ := a.Index(2); v != int32(3) {
		t.Errorf("a[2] = %v", v)
	}
	if v, _ := a.Index(3); v != int32(0) {
		t.Errorf("a[3] = %v, want zero fill", v)
	}
	if _, err := a.Index(4); !errors.Is(err, errors.ErrOutOfBounds) {
		t.Errorf("a[4]: err = %v", err)
	}

	n := f.newValue(t, "int[]", 10)
	if n.Len() != 10 {
		t.Errorf("int[] sized by length: len = %d", n.Len())
	}

	v := f.newValue(t, "struct vec *", map[string]any{"n": 3, "items": []any{4, 5, 6}})
	items, err := v.Get("items")
	if err != nil {
		t.Fatal(err)
	}
	arr := items.(*marshal.CData)
	if arr.Len() != 3 {
		t.Errorf("flexible member len = %d, want 3", arr.Len())
	}
	if x, _ := arr.Index(2); x != int32(6) {
		t.Errorf("items[2] = %v", x)
	}
	if err := v.Set("items", []any{1, 2, 3, 4}); !errors.Is(err, errors.ErrOutOfBounds) {
		t.Errorf("overfilling flexible member: err = %v", err)
	}
}

func TestEnums(t *testing.T) {
	f := newFixture(t, `
enums:
  - tag: e
    members: [{name: A}, {name: B, value: "-2"}, {name: C}, {name: D}, {name: E}]
structs:
  - tag: holder
    fields: [{name: kind, type: enum e}]
`)
	id := f.typ(t, "enum e")
	for v, want := range map[int64]string{-2: "B", -1: "C", 0: "A", 1: "E", 7: "7"} {
		if got := f.e.EnumName(id, v); got != want {
			t.Errorf("EnumName(%d) = %q, want %q", v, got, want)
		}
	}
	h := f.newValue(t, "struct holder *", map[string]any{"kind": "C"})
	if v, _ := h.Get("kind"); v != int32(-1) {
		t.Errorf("kind = %v", v)
	}
}

func TestCast(t *testing.T) {
	f := newFixture(t, "")
	v, err := f.e.Cast(f.typ(t, "unsigned char"), 300)
	if err != nil || v != uint8(44) {
		t.Errorf("(unsigned char)300 = %v, %v", v, err)
	}
	v, _ = f.e.Cast(f.typ(t, "int"), -1.9)
	if v != int32(-1) {
		t.Errorf("(int)-1.9 = %v", v)
	}

	a := f.newValue(t, "int[2]", []any{5, 6})
	p, err := f.e.Cast(f.typ(t, "int *"), a)
	if err != nil {
		t.Fatal(err)
	}
	ptr := p.(*marshal.CData)
	if x, _ := ptr.Index(1); x != int32(6) {
		t.Errorf("((int *)a)[1] = %v", x)
	}
	addr, _ := f.e.Cast(f.typ(t, "uintptr_t"), ptr)
	if addr != uint32(a.Addr()) {
		t.Errorf("(uintptr_t)p = %v, want %#x", addr, a.Addr())
	}
	back, _ := f.e.Cast(f.typ(t, "void *"), addr)
	if back.(*marshal.CData).Addr() != a.Addr() {
		t.Error("pointer round trip through integer")
	}
}

func TestRelease(t *testing.T) {
	f := newFixture(t, "")
	p := f.newValue(t, "int *", 1)
	p.Release()
	p.Release()
	if _, err := p.Deref(); !errors.Is(err, errors.ErrReleased) {
		t.Errorf("Deref after release: err = %v", err)
	}
	if f.heap.Live() != 0 {
		t.Errorf("heap live = %d", f.heap.Live())
	}
}

func TestNew_KeepsTemporariesAlive(t *testing.T) {
	f := newFixture(t, `
structs:
  - tag: named
    fields: [{name: name, type: "char *"}]
`)
	p := f.newValue(t, "struct named *", map[string]any{"name": "alice"})
	v, _ := p.Get("name")
	if s, err := v.(*marshal.CData).CString(); err != nil || s != "alice" {
		t.Errorf("name = %q, %v", s, err)
	}
	if err := p.Set("name", "bob"); !errors.Is(err, errors.ErrInvalidInput) {
		t.Errorf("Set with temporary string: err = %v", err)
	}
	p.Release()
	if f.heap.Live() != 0 {
		t.Errorf("temporaries leaked: heap live = %d", f.heap.Live())
	}
}

func TestFinalizers(t *testing.T) {
	f := newFixture(t, "")
	p := f.newValue(t, "int *", 5)
	var order []string
	f1, err := f.e.AttachFinalizer(p, func(c *marshal.CData) {
		v, _ := c.Deref()
		order = append(order, "f1")
		if v != int32(5) {
			t.Errorf("finalizer saw %v", v)
		}
	})
	if err != nil {
		t.Fatal(err)
	}
	f2, _ := f.e.AttachFinalizer(f1, func(*marshal.CData) { order = append(order, "f2") })
	p.Handle().Drop()
	f1.Handle().Drop()
	f2.Release()
	f2.Release()
	if len(order) != 2 || order[0] != "f2" || order[1] != "f1" {
		t.Errorf("order = %v", order)
	}
	if f.heap.Live() != 0 {
		t.Errorf("heap live = %d", f.heap.Live())
	}
}

func TestFromBuffer(t *testing.T) {
	f := newFixture(t, "")
	buf := []byte{1, 0, 0, 0, 2, 0, 0, 0}
	c, err := f.e.FromBuffer(f.typ(t, "int"), bytesBuffer(buf), true)
	if err != nil {
		t.Fatal(err)
	}
	if c.Len() != 2 {
		t.Errorf("len = %d", c.Len())
	}
	if err := c.SetIndex(1, 9); err != nil {
		t.Fatal(err)
	}
	if buf[4] != 9 {
		t.Errorf("write did not reach buffer: %v", buf)
	}
	c.Release()
}

type bytesBuffer []byte

func (b bytesBuffer) Bytes() []byte  { return b }
func (b bytesBuffer) ReadOnly() bool { return false }

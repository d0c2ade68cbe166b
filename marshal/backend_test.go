package marshal_test

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"testing"

	cffiruntime "github.com/wippyai/cffi-runtime"
	"github.com/wippyai/cffi-runtime/callspec"
	"github.com/wippyai/cffi-runtime/ctype"
	"github.com/wippyai/cffi-runtime/decl"
	"github.com/wippyai/cffi-runtime/internal/heap"
	"github.com/wippyai/cffi-runtime/layout"
	"github.com/wippyai/cffi-runtime/marshal"
)

// nativeFunc stands in for compiled code in tests.
type nativeFunc func(ctx context.Context, args [][]byte, ret []byte) error

// fakeBackend runs nativeFuncs over a Go heap using the wasm32 encoding.
type fakeBackend struct {
	space *heap.Heap
	funcs map[uint64]nativeFunc
	cbs   map[uint64]*marshal.Callback
	next  uint64
	mu    sync.Mutex
}

func newFakeBackend(h *heap.Heap) *fakeBackend {
	return &fakeBackend{
		space: h,
		funcs: make(map[uint64]nativeFunc),
		cbs:   make(map[uint64]*marshal.Callback),
		next:  1,
	}
}

func (b *fakeBackend) Space() cffiruntime.AddressSpace { return b.space }

func (b *fakeBackend) register(fn nativeFunc) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.next++
	b.funcs[b.next] = fn
	return b.next
}

func (b *fakeBackend) callback(fp uint64) (*marshal.Callback, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	cb, ok := b.cbs[fp]
	return cb, ok
}

func (b *fakeBackend) Call(ctx context.Context, d *callspec.Descriptor, fn uint64, args [][]byte, ret []byte) error {
	if cb, ok := b.callback(fn); ok {
		return b.invoke(ctx, cb, args, ret)
	}
	b.mu.Lock()
	f, ok := b.funcs[fn]
	b.mu.Unlock()
	if !ok {
		return fmt.Errorf("no native function at %d", fn)
	}
	return f(ctx, args, ret)
}

// invoke calls a callback the way compiled code would.
func (b *fakeBackend) invoke(ctx context.Context, cb *marshal.Callback, args [][]byte, ret []byte) error {
	out := cb.Invoke(ctx, args)
	if cb.Descriptor().SRet() {
		return b.space.Write(u32(ret), out)
	}
	copy(ret, out)
	return nil
}

func (b *fakeBackend) NewCallback(cb *marshal.Callback) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.next++
	b.cbs[b.next] = cb
	return b.next, nil
}

func (b *fakeBackend) FreeCallback(fn uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.cbs, fn)
}

func u32(b []byte) uint64 { return uint64(binary.LittleEndian.Uint32(b)) }

func i32(b []byte) int32 { return int32(binary.LittleEndian.Uint32(b)) }

func putI32(b []byte, v int32) { binary.LittleEndian.PutUint32(b, uint32(v)) }

type fixture struct {
	c    *ctype.Context
	e    *marshal.Engine
	b    *fakeBackend
	heap *heap.Heap
}

func newFixture(t *testing.T, src string, opts ...marshal.Option) *fixture {
	t.Helper()
	reg := ctype.NewRegistry()
	c := ctype.NewContext(reg, "test")
	if src != "" {
		f, err := decl.LoadBytes([]byte(src))
		if err != nil {
			t.Fatalf("load: %v", err)
		}
		if err := c.Declare(f); err != nil {
			t.Fatalf("declare: %v", err)
		}
	}
	h := heap.New(nil)
	b := newFakeBackend(h)
	res := layout.NewResolver(reg, layout.Wasm32)
	e := marshal.New(res, h, append([]marshal.Option{marshal.WithBackend(b)}, opts...)...)
	return &fixture{c: c, e: e, b: b, heap: h}
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

func (f *fixture) newValue(t *testing.T, typ string, init any) *marshal.CData {
	t.Helper()
	c, err := f.e.New(f.typ(t, typ), init)
	if err != nil {
		t.Fatalf("New(%s): %v", typ, err)
	}
	return c
}

package ffi

import (
	"context"
	"slices"
	"strconv"
	"sync"

	"go.uber.org/zap"

	"github.com/wippyai/cffi-runtime/ctype"
	"github.com/wippyai/cffi-runtime/engine"
	"github.com/wippyai/cffi-runtime/errors"
	"github.com/wippyai/cffi-runtime/layout"
	"github.com/wippyai/cffi-runtime/marshal"
)

// Lib is an FFI bound to a loaded library: declared functions become
// callable and declared globals addressable.
type Lib struct {
	f       *FFI
	lib     *engine.Library
	e       *marshal.Engine
	missing []string
}

// BindOption configures Bind and Open.
type BindOption func(*bindConfig)

type bindConfig struct {
	strict bool
	locker sync.Locker
}

// Strict makes Bind fail when the library lacks a declared function.
// Otherwise missing functions fail when called.
func Strict() BindOption {
	return func(c *bindConfig) { c.strict = true }
}

// WithLocker sets the lock the engine releases around native execution.
func WithLocker(l sync.Locker) BindOption {
	return func(c *bindConfig) { c.locker = l }
}

// Open loads a wasm32 library into rt under name and binds it. Externs
// defined with DefExtern are exported to it first.
func (f *FFI) Open(ctx context.Context, rt *engine.Runtime, name string, wasm []byte, opts ...BindOption) (*Lib, error) {
	if err := f.externs.define(ctx, rt, f); err != nil {
		return nil, err
	}
	lib, err := rt.Load(ctx, name, wasm)
	if err != nil {
		return nil, err
	}
	l, err := f.Bind(ctx, lib, opts...)
	if err != nil {
		_ = lib.Close(ctx)
		return nil, err
	}
	return l, nil
}

// Bind attaches the declarations to a loaded library.
func (f *FFI) Bind(ctx context.Context, lib *engine.Library, opts ...BindOption) (*Lib, error) {
	if f.model.Arch != layout.ArchWasm32 {
		return nil, errors.New(errors.PhaseLoad, errors.KindInvalidInput).
			Detail("wasm libraries need the wasm32 data model, FFI targets %s", f.model).
			Build()
	}
	var cfg bindConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	engineOpts := []marshal.Option{
		marshal.WithBackend(lib),
		marshal.WithConstantProber(lib),
	}
	if cfg.locker != nil {
		engineOpts = append(engineOpts, marshal.WithLocker(cfg.locker))
	}
	l := &Lib{f: f, lib: lib, e: marshal.New(f.res, lib.Space(), engineOpts...)}

	imported := f.externs.names()
	names := slices.DeleteFunc(f.ctx.Functions(), func(n string) bool { return imported[n] })
	if _, err := lib.Lookup(ctx, names...); err != nil {
		var missing *errors.MissingSymbolsError
		if !errors.As(err, &missing) || cfg.strict {
			return nil, err
		}
		l.missing = missing.Symbols
		Logger().Debug("library lacks declared functions",
			zap.String("library", lib.Name()), zap.Strings("missing", missing.Symbols))
	}
	if err := f.externs.bind(l.e, f, lib); err != nil {
		return nil, err
	}

	f.mu.Lock()
	f.libs = append(f.libs, l)
	f.mu.Unlock()
	Logger().Debug("library bound", zap.String("ffi", f.name), zap.String("library", lib.Name()))
	return l, nil
}

// Library returns the underlying library.
func (l *Lib) Library() *engine.Library { return l.lib }

// Engine returns the marshaling engine over the library's memory.
func (l *Lib) Engine() *marshal.Engine { return l.e }

// Missing lists declared functions the library does not export.
func (l *Lib) Missing() []string { return slices.Clone(l.missing) }

// Call calls the declared function name. Variable arguments take their C
// types from their Go values. Cdata created by FFI.New are copied into
// library memory for the call.
func (l *Lib) Call(ctx context.Context, name string, args ...any) (any, error) {
	id, ok := l.f.ctx.Function(name)
	if !ok {
		return nil, errors.NotFound(errors.PhaseCall, "function", name)
	}
	fn, err := l.lib.Func(ctx, name)
	if err != nil {
		return nil, err
	}
	return l.call(ctx, id, fn, args)
}

// CallPointer calls through a function pointer cdata.
func (l *Lib) CallPointer(ctx context.Context, fp *marshal.CData, args ...any) (any, error) {
	fnType, ok := l.f.reg.Elem(fp.Type())
	if !ok || l.f.reg.KindOf(fnType) != ctype.KindFunc {
		return nil, errors.TypeMismatch(errors.PhaseCall, nil, fp.TypeName(), "function pointer")
	}
	if err := fp.Check(); err != nil {
		return nil, err
	}
	return l.call(ctx, fnType, fp.Addr(), args)
}

func (l *Lib) call(ctx context.Context, fnType ctype.ID, fn uint64, args []any) (any, error) {
	d, err := l.e.Describe(fnType)
	if err != nil {
		return nil, err
	}
	if d.Variadic && len(args) >= d.Fixed {
		types := make([]ctype.ID, 0, len(args)-d.Fixed)
		for i, a := range args[d.Fixed:] {
			t, err := l.f.varargType(a, "arg["+strconv.Itoa(d.Fixed+i)+"]")
			if err != nil {
				return nil, err
			}
			types = append(types, t)
		}
		if d, err = d.WithVarargs(types); err != nil {
			return nil, err
		}
	}
	args, restore, err := l.adopt(args)
	defer restore()
	if err != nil {
		return nil, err
	}
	return l.e.Call(ctx, d, fn, args...)
}

// adopt copies cdata allocated by the FFI in Go memory into library memory
// for one call and copies them back afterwards. The copy is shallow:
// pointers stored inside are passed unchanged.
func (l *Lib) adopt(args []any) ([]any, func(), error) {
	var copies []func()
	restore := func() {
		for _, fn := range copies {
			fn()
		}
	}
	out := args
	cloned := false
	for i, a := range args {
		c, ok := a.(*marshal.CData)
		if !ok || c.Engine() != l.f.e {
			continue
		}
		if !cloned {
			out, cloned = slices.Clone(args), true
		}
		if c.IsNull() {
			out[i] = nil
			continue
		}
		b, err := c.Bytes()
		if err != nil {
			return out, restore, err
		}
		mem := l.lib.Memory()
		addr, err := mem.Alloc(uint64(max(len(b), 1)), 16)
		if err != nil {
			return out, restore, err
		}
		if err := mem.Write(addr, b); err != nil {
			mem.Free(addr, 0, 0)
			return out, restore, err
		}
		src := c.Addr()
		copies = append(copies, func() {
			if data, err := mem.Read(addr, uint64(len(b))); err == nil {
				if err := l.f.heap.Write(src, data); err != nil {
					Logger().Warn("copy back failed", zap.Error(err))
				}
			}
			mem.Free(addr, 0, 0)
		})
		out[i] = l.e.View(c.Type(), addr)
	}
	return out, restore, nil
}

// Func returns the declared function name as a function pointer cdata.
func (l *Lib) Func(ctx context.Context, name string) (*marshal.CData, error) {
	id, ok := l.f.ctx.Function(name)
	if !ok {
		return nil, errors.NotFound(errors.PhaseCall, "function", name)
	}
	fn, err := l.lib.Func(ctx, name)
	if err != nil {
		return nil, err
	}
	return l.e.View(l.f.reg.PointerTo(id), fn), nil
}

// Addressof returns a pointer to the declared global name.
func (l *Lib) Addressof(name string) (*marshal.CData, error) {
	id, ok := l.f.ctx.Global(name)
	if !ok {
		return nil, errors.NotFound(errors.PhaseLoad, "global", name)
	}
	addr, err := l.lib.GlobalAddr(name)
	if err != nil {
		return nil, err
	}
	return l.e.View(l.f.reg.PointerTo(id), addr), nil
}

// Global reads the declared global name. Aggregates and arrays are
// returned as cdata views.
func (l *Lib) Global(name string) (any, error) {
	p, err := l.Addressof(name)
	if err != nil {
		return nil, err
	}
	return p.Index(0)
}

// SetGlobal writes the declared global name.
func (l *Lib) SetGlobal(name string, v any) error {
	p, err := l.Addressof(name)
	if err != nil {
		return err
	}
	return p.SetIndex(0, v)
}

// Constant returns a declared constant, reading constants declared
// without a value from the library.
func (l *Lib) Constant(ctx context.Context, name string) (any, error) {
	return l.e.Constant(ctx, l.f.ctx, name)
}

// New allocates cdata in the library's memory.
func (l *Lib) New(typ any, init any) (*marshal.CData, error) {
	id, err := l.f.typeArg(typ)
	if err != nil {
		return nil, err
	}
	return l.e.New(id, init)
}

// Callback makes fn callable from the library through a function pointer
// of type typ.
func (l *Lib) Callback(typ any, fn marshal.CallbackFunc, opts ...marshal.CallbackOption) (*marshal.Callback, error) {
	id, err := l.f.typeArg(typ)
	if err != nil {
		return nil, err
	}
	return l.e.NewCallback(id, fn, opts...)
}

// Close releases the library.
func (l *Lib) Close(ctx context.Context) error {
	l.f.externs.unbind(l.lib)
	l.f.mu.Lock()
	l.f.libs = slices.DeleteFunc(l.f.libs, func(x *Lib) bool { return x == l })
	l.f.mu.Unlock()
	return l.lib.Close(ctx)
}

package ffi

import (
	"context"
	"sync"

	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/zap"

	"github.com/wippyai/cffi-runtime/engine"
	"github.com/wippyai/cffi-runtime/errors"
	"github.com/wippyai/cffi-runtime/marshal"
)

// extern is a declared function implemented in Go.
type extern struct {
	name string
	fn   marshal.CallbackFunc
	opts []marshal.CallbackOption
	cbs  *xsync.MapOf[*engine.Library, *marshal.Callback]
}

func (x *extern) invoke(ctx context.Context, lib *engine.Library, raw [][]byte) []byte {
	cb, ok := x.cbs.Load(lib)
	if !ok {
		Logger().Warn("extern called by a library that is not bound",
			zap.String("extern", x.name), zap.String("library", lib.Name()))
		return nil
	}
	return cb.Invoke(ctx, raw)
}

type externs struct {
	module  string
	mu      sync.Mutex
	defs    []*extern
	defined map[*engine.Runtime]bool
}

func newExterns() *externs {
	return &externs{module: "env", defined: map[*engine.Runtime]bool{}}
}

// DefExtern implements the declared function name in Go. Libraries opened
// afterwards import it from the extern module ("env" by default). Failures
// follow the callback rules: see marshal.Error and marshal.OnError.
func (f *FFI) DefExtern(name string, fn marshal.CallbackFunc, opts ...marshal.CallbackOption) error {
	id, ok := f.ctx.Function(name)
	if !ok {
		return errors.NotFound(errors.PhaseDeclare, "function", name)
	}
	// Validates the signature and the error value.
	if _, err := f.e.Extern(id, fn, opts...); err != nil {
		return err
	}

	x := f.externs
	x.mu.Lock()
	defer x.mu.Unlock()
	if len(x.defined) > 0 {
		return errors.InvalidInput(errors.PhaseDeclare, []string{name}, "externs must be defined before the first Open")
	}
	for _, d := range x.defs {
		if d.name == name {
			return errors.Declaration([]string{name}, "extern defined twice")
		}
	}
	x.defs = append(x.defs, &extern{
		name: name,
		fn:   fn,
		opts: opts,
		cbs:  xsync.NewMapOf[*engine.Library, *marshal.Callback](),
	})
	return nil
}

// define exports the externs from rt once.
func (x *externs) define(ctx context.Context, rt *engine.Runtime, f *FFI) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if len(x.defs) == 0 || x.defined[rt] {
		return nil
	}
	list := make([]engine.Extern, 0, len(x.defs))
	for _, d := range x.defs {
		id, _ := f.ctx.Function(d.name)
		desc, err := f.e.Describe(id)
		if err != nil {
			return err
		}
		list = append(list, engine.Extern{Name: d.name, Desc: desc, Invoke: d.invoke})
	}
	if err := rt.DefineModule(ctx, x.module, list...); err != nil {
		return err
	}
	x.defined[rt] = true
	return nil
}

func (x *externs) names() map[string]bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	out := make(map[string]bool, len(x.defs))
	for _, d := range x.defs {
		out[d.name] = true
	}
	return out
}

// bind creates the callbacks of lib's externs.
func (x *externs) bind(e *marshal.Engine, f *FFI, lib *engine.Library) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	for _, d := range x.defs {
		id, _ := f.ctx.Function(d.name)
		cb, err := e.Extern(id, d.fn, d.opts...)
		if err != nil {
			return err
		}
		d.cbs.Store(lib, cb)
	}
	return nil
}

func (x *externs) unbind(lib *engine.Library) {
	x.mu.Lock()
	defer x.mu.Unlock()
	for _, d := range x.defs {
		if cb, ok := d.cbs.LoadAndDelete(lib); ok {
			cb.Release()
		}
	}
}

package marshal

import (
	"context"
	"fmt"
	"strconv"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/wippyai/cffi-runtime/callspec"
	"github.com/wippyai/cffi-runtime/ctype"
	"github.com/wippyai/cffi-runtime/errors"
)

// CallbackFunc is the Go side of a callback. args holds one decoded value
// per C parameter.
type CallbackFunc func(args []any) (any, error)

// CallbackOption configures a Callback.
type CallbackOption func(*Callback)

// Error sets the value returned to native code when the callback fails.
// The default is the zero value of the return type.
func Error(v any) CallbackOption {
	return func(cb *Callback) {
		cb.errValue = v
		cb.hasErrValue = true
	}
}

// OnError installs a handler that sees every failure of the callback. A
// non-nil result replaces the value returned to native code.
func OnError(fn func(err error) any) CallbackOption {
	return func(cb *Callback) { cb.onError = fn }
}

// Name labels the callback in errors and logs.
func Name(name string) CallbackOption {
	return func(cb *Callback) { cb.name = name }
}

// Callback is a Go function callable from native code through a function
// pointer.
type Callback struct {
	e           *Engine
	desc        *callspec.Descriptor
	fn          CallbackFunc
	onError     func(error) any
	errValue    any
	fallback    []byte
	name        string
	addr        uint64
	hasErrValue bool
	released    atomic.Bool
}

// NewCallback creates a callback for the function type fnType (or pointer
// to function type) and registers it with the backend.
func (e *Engine) NewCallback(fnType ctype.ID, fn CallbackFunc, opts ...CallbackOption) (*Callback, error) {
	if e.backend == nil {
		return nil, errors.InvalidInput(errors.PhaseCallback, nil, "engine has no native backend")
	}
	cb, err := e.callback(fnType, fn, opts)
	if err != nil {
		return nil, err
	}
	addr, err := e.backend.NewCallback(cb)
	if err != nil {
		return nil, err
	}
	cb.addr = addr
	Logger().Debug("callback created", zap.String("name", cb.name), zap.Uint64("addr", addr))
	return cb, nil
}

// Extern creates a callback that native code reaches through an import
// instead of a function pointer. It has no address; the backend calls
// Invoke directly.
func (e *Engine) Extern(fnType ctype.ID, fn CallbackFunc, opts ...CallbackOption) (*Callback, error) {
	return e.callback(fnType, fn, opts)
}

func (e *Engine) callback(fnType ctype.ID, fn CallbackFunc, opts []CallbackOption) (*Callback, error) {
	d, err := e.Describe(fnType)
	if err != nil {
		return nil, err
	}
	if d.Variadic {
		return nil, errors.New(errors.PhaseCallback, errors.KindInvalidInput).
			CType(e.reg.Name(d.Func)).
			Detail("variadic callbacks are not supported").
			Build()
	}
	if err := d.Check(); err != nil {
		return nil, err
	}

	cb := &Callback{e: e, desc: d, fn: fn, name: e.reg.Name(d.Func)}
	for _, opt := range opts {
		opt(cb)
	}
	if d.Ret.Class != callspec.ClassVoid {
		cb.fallback = make([]byte, d.Ret.Info.Size)
		if cb.hasErrValue {
			b, err := cb.encodeResult(cb.errValue)
			if err != nil {
				return nil, err
			}
			cb.fallback = b
		}
	}
	return cb, nil
}

// Addr returns the native function pointer.
func (cb *Callback) Addr() uint64 { return cb.addr }

// Descriptor returns the call plan of the callback's signature.
func (cb *Callback) Descriptor() *callspec.Descriptor { return cb.desc }

// CData returns the function pointer as a CData.
func (cb *Callback) CData() *CData {
	return &CData{e: cb.e, typ: cb.e.reg.PointerTo(cb.desc.Func), addr: cb.addr, n: -1}
}

// Release unregisters the callback. Native code must not call it
// afterwards.
func (cb *Callback) Release() {
	if cb.released.CompareAndSwap(false, true) && cb.e.backend != nil && cb.addr != 0 {
		cb.e.backend.FreeCallback(cb.addr)
	}
}

// Invoke runs the callback for native code. Raw arguments and the result
// use the encoding described on Backend, except that a ClassIndirect result
// is returned as the aggregate bytes for the backend to store.
//
// Failures never reach native code: they go to the OnError handler and the
// Error value is returned instead.
func (cb *Callback) Invoke(ctx context.Context, raw [][]byte) []byte {
	cb.e.lock.Lock()
	defer cb.e.lock.Unlock()

	if !cb.e.InSession(ctx) {
		return cb.fail(errors.InvalidInput(errors.PhaseCallback, nil, "callback invoked outside a native call of its engine"))
	}
	if cb.released.Load() {
		return cb.fail(errors.Released(errors.PhaseCallback, "callback "+cb.name))
	}

	args, cleanup, err := cb.decodeArgs(raw)
	defer cleanup()
	if err != nil {
		return cb.fail(err)
	}

	res, err := cb.run(args)
	if err != nil {
		return cb.fail(err)
	}
	if cb.desc.Ret.Class == callspec.ClassVoid {
		if res != nil {
			cb.report(errors.CallbackFault(cb.name, errors.TypeMismatch(errors.PhaseCallback, []string{"result"}, goTypeName(res), "void")))
		}
		return nil
	}
	out, err := cb.encodeResult(res)
	if err != nil {
		return cb.fail(err)
	}
	return out
}

func (cb *Callback) run(args []any) (res any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("callback panicked: %v", r)
		}
	}()
	return cb.fn(args)
}

func (cb *Callback) decodeArgs(raw [][]byte) ([]any, func(), error) {
	var owned []*CData
	cleanup := func() {
		for _, c := range owned {
			c.Release()
		}
	}
	if len(raw) != len(cb.desc.Args) {
		return nil, cleanup, errors.New(errors.PhaseCallback, errors.KindInvalidData).
			Detail("expected %d raw arguments, got %d", len(cb.desc.Args), len(raw)).
			Build()
	}
	args := make([]any, len(raw))
	for i, a := range cb.desc.Args {
		path := []string{"arg[" + strconv.Itoa(i) + "]"}
		switch a.Class {
		case callspec.ClassDirect:
			v, err := cb.e.decodeValue(a.Type, raw[i])
			if err != nil {
				return nil, cleanup, withErrPath(err, path)
			}
			args[i] = v
		case callspec.ClassIndirect:
			args[i] = cb.e.View(a.Type, getUint(raw[i], cb.e.order))
		default:
			c, err := cb.e.allocate(a.Type, a.Info.Size, a.Info.Align)
			if err != nil {
				return nil, cleanup, err
			}
			owned = append(owned, c)
			if err := cb.e.space.Write(c.addr, raw[i]); err != nil {
				return nil, cleanup, err
			}
			args[i] = c
		}
	}
	return args, cleanup, nil
}

func (cb *Callback) encodeResult(v any) ([]byte, error) {
	r := cb.desc.Ret
	path := []string{"result"}
	if r.Class == callspec.ClassDirect {
		return cb.e.encodeValue(r.Type, v, path, noTemps{})
	}
	sc := newScratch(cb.e.space)
	defer sc.release()
	return cb.e.aggregateBytes(r.Type, r.Info, v, path, sc)
}

// fail reports err and returns the bytes to hand back to native code.
func (cb *Callback) fail(err error) []byte {
	replacement := cb.report(errors.CallbackFault(cb.name, err))
	if replacement != nil && cb.desc.Ret.Class != callspec.ClassVoid {
		b, encErr := cb.encodeResult(replacement)
		if encErr == nil {
			return b
		}
		Logger().Warn("callback error handler returned an unusable value",
			zap.String("name", cb.name), zap.Error(encErr))
	}
	if cb.fallback == nil {
		return nil
	}
	return append([]byte(nil), cb.fallback...)
}

// report hands err to the OnError handler and returns its replacement
// value.
func (cb *Callback) report(err error) (replacement any) {
	Logger().Warn("callback fault", zap.String("name", cb.name), zap.Error(err))
	if cb.onError == nil {
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			Logger().Warn("callback error handler panicked", zap.String("name", cb.name), zap.Any("panic", r))
			replacement = nil
		}
	}()
	return cb.onError(err)
}

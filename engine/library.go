package engine

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/experimental/table"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	cffiruntime "github.com/wippyai/cffi-runtime"
	"github.com/wippyai/cffi-runtime/callspec"
	"github.com/wippyai/cffi-runtime/errors"
	"github.com/wippyai/cffi-runtime/internal/wasmgen"
)

// exportBase is the first synthetic address handed out for exports that
// could not be placed in the function table. It lies outside the wasm32
// address range, so native code never sees it.
const exportBase = 1 << 32

// Library is a loaded wasm32 C library. It implements marshal.Backend,
// marshal.SpecializedBackend and marshal.ConstantProber.
type Library struct {
	rt   *Runtime
	name string
	mod  api.Module
	mem  *Memory

	// mu serializes top-level use of the module instance.
	mu sync.Mutex
	// inHost counts callbacks running on the goroutine holding mu.
	inHost atomic.Int32

	plans   *xsync.MapOf[*callspec.Descriptor, *plan]
	funcs   *xsync.MapOf[string, uint64]
	exports *xsync.MapOf[uint64, api.Function]
	thunks  *xsync.MapOf[uint64, *thunk]
	nextExp atomic.Uint64

	slotMu sync.Mutex
	free   []uint32
	pinned []api.Module
}

func newLibrary(rt *Runtime, name string, mod api.Module) (*Library, error) {
	mem := mod.ExportedMemory(rt.cfg.Memory)
	if mem == nil {
		return nil, errors.New(errors.PhaseLoad, errors.KindNotFound).
			Detail("library %s exports no memory %q", name, rt.cfg.Memory).
			Build()
	}
	l := &Library{
		rt:      rt,
		name:    name,
		mod:     mod,
		plans:   xsync.NewMapOf[*callspec.Descriptor, *plan](),
		funcs:   xsync.NewMapOf[string, uint64](),
		exports: xsync.NewMapOf[uint64, api.Function](),
		thunks:  xsync.NewMapOf[uint64, *thunk](),
	}
	l.mem = &Memory{
		lib:          l,
		mem:          mem,
		malloc:       mod.ExportedFunction(rt.cfg.Malloc),
		free:         mod.ExportedFunction(rt.cfg.Free),
		alignedAlloc: mod.ExportedFunction(rt.cfg.AlignedAlloc),
		maps:         xsync.NewMapOf[uint64, mapping](),
	}
	return l, nil
}

// Name returns the module name the library was loaded under.
func (l *Library) Name() string { return l.name }

// Module returns the library's module instance.
func (l *Library) Module() api.Module { return l.mod }

// Memory returns the library's address space.
func (l *Library) Memory() *Memory { return l.mem }

// Space implements marshal.Backend.
func (l *Library) Space() cffiruntime.AddressSpace { return l.mem }

type heldKey struct{}

// acquire takes the library for the caller and returns the release
// function. Callers already inside a call of this library, or running a
// callback of it, re-enter without locking.
func (l *Library) acquire(ctx context.Context) func() {
	if held, _ := ctx.Value(heldKey{}).(*Library); held == l {
		return func() {}
	}
	if l.mu.TryLock() {
		return l.mu.Unlock
	}
	if l.inHost.Load() > 0 {
		return func() {}
	}
	l.mu.Lock()
	return l.mu.Unlock
}

func (l *Library) plan(d *callspec.Descriptor) (*plan, error) {
	if p, ok := l.plans.Load(d); ok {
		return p, nil
	}
	p, err := lower(d)
	if err != nil {
		return nil, err
	}
	if !d.Variadic {
		l.plans.Store(d, p)
	}
	return p, nil
}

// Specialized reports whether the library can run d even though the
// generic path rejects it. Fixed signatures are always lowered from the
// declared types; unsupported aggregates travel through memory.
func (l *Library) Specialized(d *callspec.Descriptor) bool {
	if !d.Static {
		return false
	}
	_, err := l.plan(d)
	return err == nil
}

// function resolves a function pointer with the expected core signature.
func (l *Library) function(fn uint64, p *plan) (f api.Function, err error) {
	if fn >= exportBase {
		f, ok := l.exports.Load(fn)
		if !ok {
			return nil, errors.New(errors.PhaseCall, errors.KindNotFound).
				Detail("no function at 0x%x", fn).
				Build()
		}
		def := f.Definition()
		if !slices.Equal(def.ParamTypes(), p.params) || !slices.Equal(def.ResultTypes(), p.results) {
			return nil, signatureMismatch(def.Name(), p)
		}
		return f, nil
	}
	if fn > math.MaxUint32 {
		return nil, errors.New(errors.PhaseCall, errors.KindInvalidInput).
			Detail("function pointer 0x%x is outside the function table", fn).
			Build()
	}
	defer func() {
		if r := recover(); r != nil {
			f = nil
			err = errors.New(errors.PhaseCall, errors.KindInvalidInput).
				Detail("function pointer 0x%x: %v", fn, r).
				Build()
		}
	}()
	return table.LookupFunction(l.mod, 0, uint32(fn), p.params, p.results), nil
}

func signatureMismatch(name string, p *plan) error {
	return errors.New(errors.PhaseCall, errors.KindTypeMismatch).
		Detail("%s does not have the declared signature %s", name, signature(p.params, p.results)).
		Build()
}

func signature(params, results []api.ValueType) string {
	s := "("
	for i, t := range params {
		if i > 0 {
			s += ", "
		}
		s += api.ValueTypeName(t)
	}
	s += ") -> ("
	for i, t := range results {
		if i > 0 {
			s += ", "
		}
		s += api.ValueTypeName(t)
	}
	return s + ")"
}

// Call implements marshal.Backend.
func (l *Library) Call(ctx context.Context, d *callspec.Descriptor, fn uint64, args [][]byte, ret []byte) error {
	p, err := l.plan(d)
	if err != nil {
		return err
	}
	release := l.acquire(ctx)
	defer release()
	ctx = context.WithValue(ctx, heldKey{}, l)

	f, err := l.function(fn, p)
	if err != nil {
		return err
	}

	var temps []uint64
	defer func() {
		for _, addr := range temps {
			l.mem.release(ctx, addr)
		}
	}()
	temp := func(b []byte, size, align uint64) (uint64, error) {
		addr, err := l.mem.alloc(ctx, max(size, 1), max(align, 1))
		if err != nil {
			return 0, err
		}
		temps = append(temps, addr)
		if b != nil {
			return addr, l.mem.Write(addr, b)
		}
		return addr, nil
	}

	stack := make([]uint64, max(len(p.params), len(p.results)))
	i := 0
	var sret uint64
	switch p.mode {
	case retCaller:
		sret = uint64(binary.LittleEndian.Uint32(ret))
	case retTemp:
		if sret, err = temp(nil, p.retInfo.Size, p.retInfo.Align); err != nil {
			return err
		}
	}
	if p.mode == retCaller || p.mode == retTemp {
		stack[0] = sret
		i++
	}

	for k, ap := range p.args {
		if ap.spill {
			addr, err := temp(args[k], ap.size, ap.align)
			if err != nil {
				return err
			}
			stack[i] = addr
			i++
			continue
		}
		for _, s := range ap.slots {
			stack[i] = s.get(args[k])
			i++
		}
	}
	if p.variadic {
		if buf := varargs(p.vars, args[len(p.args):]); len(buf) > 0 {
			addr, err := temp(buf, uint64(len(buf)), 16)
			if err != nil {
				return err
			}
			stack[i] = addr
		}
	}

	Logger().Debug("wasm call",
		zap.String("library", l.name),
		zap.Uint64("fn", fn),
		zap.String("signature", signature(p.params, p.results)))

	if err := f.CallWithStack(ctx, stack); err != nil {
		return errors.Wrap(errors.PhaseCall, errors.KindInvalidData, err, "native code trapped")
	}

	switch p.mode {
	case retSlot:
		p.ret.put(ret, stack[0])
	case retTemp:
		b, err := l.mem.Read(sret, uint64(len(ret)))
		if err != nil {
			return err
		}
		copy(ret, b)
	}
	return nil
}

// Func returns the function pointer of an exported function. The export
// is placed in the function table once; libraries without a growable
// table get an address only Go can call.
func (l *Library) Func(ctx context.Context, name string) (uint64, error) {
	if addr, ok := l.funcs.Load(name); ok {
		return addr, nil
	}
	release := l.acquire(ctx)
	defer release()
	if addr, ok := l.funcs.Load(name); ok {
		return addr, nil
	}

	def := l.mod.ExportedFunctionDefinitions()[name]
	if def == nil {
		return 0, errors.NotFound(errors.PhaseLoad, "function", name)
	}
	slot, mod, err := l.pin(ctx, l.name, name, l.rt.name("cffi:export"), def.ParamTypes(), def.ResultTypes())
	var addr uint64
	if err == nil {
		addr = uint64(slot)
		l.slotMu.Lock()
		l.pinned = append(l.pinned, mod)
		l.slotMu.Unlock()
	} else {
		Logger().Debug("export not placed in function table",
			zap.String("library", l.name), zap.String("func", name), zap.Error(err))
		addr = exportBase + l.nextExp.Add(1) - 1
		l.exports.Store(addr, l.mod.ExportedFunction(name))
	}
	l.funcs.Store(name, addr)
	return addr, nil
}

// Lookup resolves several exported functions. Missing names are collected
// into one MissingSymbolsError.
func (l *Library) Lookup(ctx context.Context, names ...string) (map[string]uint64, error) {
	out := make(map[string]uint64, len(names))
	var missing []string
	var errs error
	for _, name := range names {
		addr, err := l.Func(ctx, name)
		switch {
		case err == nil:
			out[name] = addr
		case errors.Is(err, errors.ErrNotFound):
			missing = append(missing, name)
		default:
			errs = multierr.Append(errs, err)
		}
	}
	if len(missing) > 0 {
		errs = multierr.Append(errs, &errors.MissingSymbolsError{Library: l.name, Symbols: missing})
	}
	return out, errs
}

// GlobalAddr returns the address of a C global variable, exported as a
// global holding its address.
func (l *Library) GlobalAddr(name string) (uint64, error) {
	g := l.mod.ExportedGlobal(name)
	if g == nil {
		return 0, errors.NotFound(errors.PhaseLoad, "global", name)
	}
	if g.Type() != api.ValueTypeI32 {
		return 0, errors.TypeMismatch(errors.PhaseLoad, []string{name}, api.ValueTypeName(g.Type()), "address")
	}
	return uint64(uint32(g.Get())), nil
}

// ProbeConstant implements marshal.ConstantProber: the constant is the
// value of the exported global of the same name.
func (l *Library) ProbeConstant(_ context.Context, name string) (int64, error) {
	g := l.mod.ExportedGlobal(name)
	if g == nil {
		return 0, errors.NotFound(errors.PhaseCall, "constant", name)
	}
	switch g.Type() {
	case api.ValueTypeI32:
		return int64(api.DecodeI32(g.Get())), nil
	case api.ValueTypeI64:
		return int64(g.Get()), nil
	}
	return 0, errors.TypeMismatch(errors.PhaseCall, []string{name}, api.ValueTypeName(g.Type()), "integer constant")
}

// pin instantiates a thunk module forwarding to module.name and places it
// in the function table, reusing a freed slot when there is one.
func (l *Library) pin(ctx context.Context, module, name, modName string, params, results []api.ValueType) (uint32, api.Module, error) {
	bin := wasmgen.Thunk(module, name, l.name, l.rt.cfg.Table, params, results)
	mod, err := l.rt.r.InstantiateWithConfig(ctx, bin, wazero.NewModuleConfig().WithName(modName).WithStartFunctions())
	if err != nil {
		return 0, nil, errors.Wrap(errors.PhaseLoad, errors.KindInvalidInput, err,
			fmt.Sprintf("library %s has no usable function table %q", l.name, l.rt.cfg.Table))
	}

	l.slotMu.Lock()
	defer l.slotMu.Unlock()
	if n := len(l.free); n > 0 {
		slot := l.free[n-1]
		if _, err := mod.ExportedFunction(wasmgen.ThunkPlace).Call(ctx, uint64(slot)); err != nil {
			_ = mod.Close(ctx)
			return 0, nil, errors.Wrap(errors.PhaseLoad, errors.KindInvalidData, err, "place function")
		}
		l.free = l.free[:n-1]
		return slot, mod, nil
	}
	res, err := mod.ExportedFunction(wasmgen.ThunkGrow).Call(ctx)
	if err != nil {
		_ = mod.Close(ctx)
		return 0, nil, errors.Wrap(errors.PhaseLoad, errors.KindInvalidData, err, "grow function table")
	}
	slot := api.DecodeI32(res[0])
	if slot < 0 {
		_ = mod.Close(ctx)
		return 0, nil, errors.New(errors.PhaseLoad, errors.KindAllocation).
			Detail("function table %q of %s cannot grow", l.rt.cfg.Table, l.name).
			Build()
	}
	return uint32(slot), mod, nil
}

// Close releases callbacks and the module instance.
func (l *Library) Close(ctx context.Context) error {
	var errs error
	l.thunks.Range(func(fn uint64, t *thunk) bool {
		errs = multierr.Append(errs, t.close(ctx))
		return true
	})
	l.thunks.Clear()
	l.slotMu.Lock()
	for _, m := range l.pinned {
		errs = multierr.Append(errs, m.Close(ctx))
	}
	l.pinned = nil
	l.slotMu.Unlock()
	l.rt.libs.Compute(l.name, func(cur *Library, loaded bool) (*Library, bool) {
		return cur, !loaded || cur == l
	})
	return multierr.Append(errs, l.mod.Close(ctx))
}

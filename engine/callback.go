package engine

import (
	"context"

	"github.com/tetratelabs/wazero/api"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/wippyai/cffi-runtime/errors"
	"github.com/wippyai/cffi-runtime/internal/wasmgen"
	"github.com/wippyai/cffi-runtime/marshal"
)

// thunk is one callback placed in the function table.
type thunk struct {
	host api.Module
	mod  api.Module
	slot uint32
}

func (t *thunk) close(ctx context.Context) error {
	return multierr.Append(t.mod.Close(ctx), t.host.Close(ctx))
}

// NewCallback implements marshal.Backend. The returned function pointer is
// a table slot whose thunk calls cb.Invoke.
func (l *Library) NewCallback(cb *marshal.Callback) (uint64, error) {
	p, err := l.plan(cb.Descriptor())
	if err != nil {
		return 0, err
	}
	ctx := context.Background()
	release := l.acquire(ctx)
	defer release()

	name := l.rt.name("cffi:callback")
	host, err := l.rt.r.NewHostModuleBuilder(name).
		NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(func(ctx context.Context, _ api.Module, stack []uint64) {
			l.invoke(ctx, cb.Invoke, p, stack)
		}), p.params, p.results).
		Export(wasmgen.ThunkImport).
		Instantiate(ctx)
	if err != nil {
		return 0, errors.Wrap(errors.PhaseCallback, errors.KindInvalidInput, err, "instantiate callback host module")
	}
	slot, mod, err := l.pin(ctx, name, wasmgen.ThunkImport, name+":thunk", p.params, p.results)
	if err != nil {
		_ = host.Close(ctx)
		return 0, err
	}
	l.thunks.Store(uint64(slot), &thunk{host: host, mod: mod, slot: slot})
	Logger().Debug("callback placed",
		zap.String("library", l.name),
		zap.Uint32("slot", slot),
		zap.String("signature", signature(p.params, p.results)))
	return uint64(slot), nil
}

// FreeCallback implements marshal.Backend. The slot is cleared and reused
// by later callbacks.
func (l *Library) FreeCallback(fn uint64) {
	t, ok := l.thunks.LoadAndDelete(fn)
	if !ok {
		return
	}
	ctx := context.Background()
	release := l.acquire(ctx)
	defer release()

	if _, err := t.mod.ExportedFunction(wasmgen.ThunkClear).Call(ctx, uint64(t.slot)); err != nil {
		Logger().Warn("clearing callback slot failed", zap.Uint32("slot", t.slot), zap.Error(err))
	}
	if err := t.close(ctx); err != nil {
		Logger().Warn("closing callback modules failed", zap.Uint32("slot", t.slot), zap.Error(err))
	}
	l.slotMu.Lock()
	l.free = append(l.free, t.slot)
	l.slotMu.Unlock()
}

// invoke lifts the core arguments of a callback into raw bytes, runs it and
// lowers its result.
func (l *Library) invoke(ctx context.Context, run func(context.Context, [][]byte) []byte, p *plan, stack []uint64) {
	l.inHost.Add(1)
	defer l.inHost.Add(-1)

	i := 0
	var sret uint32
	if p.mode == retCaller || p.mode == retTemp {
		sret = uint32(stack[0])
		i++
	}

	raw := make([][]byte, len(p.args))
	for k, ap := range p.args {
		if ap.spill {
			b, err := l.mem.Read(uint64(uint32(stack[i])), ap.size)
			if err != nil {
				Logger().Warn("callback argument unreadable", zap.Int("arg", k), zap.Error(err))
				b = make([]byte, ap.size)
			}
			raw[k] = b
			i++
			continue
		}
		b := make([]byte, ap.size)
		for _, s := range ap.slots {
			s.put(b, stack[i])
			i++
		}
		raw[k] = b
	}

	out := run(ctx, raw)

	switch p.mode {
	case retSlot:
		if len(out) < int(p.ret.off+p.ret.size) {
			out = append(out, make([]byte, int(p.ret.off+p.ret.size)-len(out))...)
		}
		stack[0] = p.ret.get(out)
	case retCaller, retTemp:
		if len(out) == 0 {
			return
		}
		if err := l.mem.Write(uint64(sret), out); err != nil {
			Logger().Warn("callback result not stored", zap.Uint32("sret", sret), zap.Error(err))
		}
	}
}

var (
	_ marshal.SpecializedBackend = (*Library)(nil)
	_ marshal.ConstantProber     = (*Library)(nil)
)

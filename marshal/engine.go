package marshal

import (
	"context"
	"encoding/binary"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/zap"

	cffiruntime "github.com/wippyai/cffi-runtime"
	"github.com/wippyai/cffi-runtime/callspec"
	"github.com/wippyai/cffi-runtime/cdata"
	"github.com/wippyai/cffi-runtime/ctype"
	"github.com/wippyai/cffi-runtime/errors"
	"github.com/wippyai/cffi-runtime/initonce"
	"github.com/wippyai/cffi-runtime/layout"
)

// Engine converts Go values to native bytes and back for one target, and
// drives calls through a Backend.
type Engine struct {
	res     *layout.Resolver
	reg     *ctype.Registry
	model   *layout.DataModel
	order   binary.ByteOrder
	calls   *callspec.Builder
	space   cffiruntime.AddressSpace
	cdata   *cdata.Manager
	backend Backend
	prober  ConstantProber
	lock    sync.Locker
	once    *initonce.Group
	descs   *xsync.MapOf[ctype.ID, *callspec.Descriptor]

	sessions atomic.Int64
}

// Option configures an Engine.
type Option func(*Engine)

// WithBackend sets the executor of native calls and callbacks.
func WithBackend(b Backend) Option {
	return func(e *Engine) { e.backend = b }
}

// WithLocker sets the lock guarding managed state. The engine releases it
// around native execution and holds it while callbacks run Go code.
// Callers of Call must hold it. The default is a no-op lock.
func WithLocker(l sync.Locker) Option {
	return func(e *Engine) { e.lock = l }
}

// WithConstantProber sets the source of constants declared without a
// value.
func WithConstantProber(p ConstantProber) Option {
	return func(e *Engine) { e.prober = p }
}

// WithInitOnce shares an init-once group with other components.
func WithInitOnce(g *initonce.Group) Option {
	return func(e *Engine) { e.once = g }
}

// WithManager sets the cdata manager used for owning allocations.
func WithManager(m *cdata.Manager) Option {
	return func(e *Engine) { e.cdata = m }
}

type noLock struct{}

func (noLock) Lock()   {}
func (noLock) Unlock() {}

// New creates an engine for the target of res, allocating in space.
func New(res *layout.Resolver, space cffiruntime.AddressSpace, opts ...Option) *Engine {
	e := &Engine{
		res:   res,
		reg:   res.Registry(),
		model: res.Model(),
		order: res.Model().ByteOrder(),
		calls: callspec.NewBuilder(res),
		space: space,
		lock:  noLock{},
		descs: xsync.NewMapOf[ctype.ID, *callspec.Descriptor](),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.cdata == nil {
		e.cdata = cdata.NewManager(space)
	}
	if e.once == nil {
		e.once = initonce.New(Logger())
	}
	return e
}

func (e *Engine) Resolver() *layout.Resolver        { return e.res }
func (e *Engine) Registry() *ctype.Registry         { return e.reg }
func (e *Engine) Space() cffiruntime.AddressSpace   { return e.space }
func (e *Engine) Manager() *cdata.Manager           { return e.cdata }
func (e *Engine) InitOnce() *initonce.Group         { return e.once }
func (e *Engine) Builder() *callspec.Builder        { return e.calls }
func (e *Engine) Backend() Backend                  { return e.backend }
func (e *Engine) Locker() sync.Locker               { return e.lock }

// Describe returns the call descriptor of the function type fn, building
// it on first use.
func (e *Engine) Describe(fn ctype.ID) (*callspec.Descriptor, error) {
	if d, ok := e.descs.Load(fn); ok {
		return d, nil
	}
	d, err := e.calls.Build(fn)
	if err != nil {
		return nil, err
	}
	d, _ = e.descs.LoadOrStore(fn, d)
	return d, nil
}

type sessionKey struct{}

type session struct {
	e *Engine
}

// enter marks ctx as carrying a native call made by e.
func (e *Engine) enter(ctx context.Context) context.Context {
	if s, ok := ctx.Value(sessionKey{}).(*session); ok && s.e == e {
		return ctx
	}
	return context.WithValue(ctx, sessionKey{}, &session{e: e})
}

// InSession reports whether ctx carries a native call of e. Callbacks are
// only accepted inside one.
func (e *Engine) InSession(ctx context.Context) bool {
	s, ok := ctx.Value(sessionKey{}).(*session)
	return ok && s.e == e
}

// Sessions returns the number of native calls in progress.
func (e *Engine) Sessions() int { return int(e.sessions.Load()) }

// Call invokes the native function at fn through d. args holds one Go
// value per descriptor argument.
func (e *Engine) Call(ctx context.Context, d *callspec.Descriptor, fn uint64, args ...any) (any, error) {
	if e.backend == nil {
		return nil, errors.InvalidInput(errors.PhaseCall, nil, "engine has no native backend")
	}
	if err := d.Check(); err != nil {
		sb, ok := e.backend.(SpecializedBackend)
		if !ok || !d.Static || !sb.Specialized(d) || errors.Is(err, errors.ErrInvalidInput) {
			return nil, err
		}
	}
	if len(args) != len(d.Args) {
		return nil, errors.New(errors.PhaseCall, errors.KindInvalidInput).
			Path("args").
			Detail("expected %d arguments, got %d", len(d.Args), len(args)).
			Build()
	}
	if fn == 0 {
		return nil, errors.NilPointer(errors.PhaseCall, nil, e.reg.Name(d.Func))
	}

	sc := newScratch(e.space)
	defer sc.release()

	raw := make([][]byte, len(args))
	for i, a := range d.Args {
		b, err := e.encodeArg(a, args[i], []string{"arg[" + strconv.Itoa(i) + "]"}, sc)
		if err != nil {
			return nil, err
		}
		raw[i] = b
	}

	var ret []byte
	var out *CData
	switch d.Ret.Class {
	case callspec.ClassVoid:
	case callspec.ClassIndirect:
		var err error
		out, err = e.allocate(d.Ret.Type, d.Ret.Info.Size, d.Ret.Info.Align)
		if err != nil {
			return nil, err
		}
		ret = e.pointerBytes(out.addr)
	default:
		ret = make([]byte, d.Ret.Info.Size)
	}

	Logger().Debug("native call",
		zap.String("func", e.reg.Name(d.Func)),
		zap.Uint64("fn", fn),
		zap.Int("args", len(args)))

	e.sessions.Add(1)
	e.lock.Unlock()
	err := e.backend.Call(e.enter(ctx), d, fn, raw, ret)
	e.lock.Lock()
	e.sessions.Add(-1)

	if err != nil {
		if out != nil {
			out.Release()
		}
		var ce *errors.Error
		if errors.As(err, &ce) {
			return nil, err
		}
		return nil, errors.Wrap(errors.PhaseCall, errors.KindInvalidData, err, e.reg.Name(d.Func))
	}
	if err := e.copyBack(sc); err != nil {
		return nil, err
	}

	switch d.Ret.Class {
	case callspec.ClassVoid:
		return nil, nil
	case callspec.ClassIndirect:
		return out, nil
	case callspec.ClassDirect:
		return e.decodeValue(d.Ret.Type, ret)
	default:
		c, err := e.allocate(d.Ret.Type, d.Ret.Info.Size, d.Ret.Info.Align)
		if err != nil {
			return nil, err
		}
		if err := e.space.Write(c.addr, ret); err != nil {
			c.Release()
			return nil, err
		}
		return c, nil
	}
}

func (e *Engine) encodeArg(a callspec.Arg, v any, path []string, sc *scratch) ([]byte, error) {
	switch a.Class {
	case callspec.ClassDirect:
		return e.encodeValue(a.Type, v, path, sc)
	case callspec.ClassIndirect:
		addr, err := sc.alloc(a.Info.Size, a.Info.Align)
		if err != nil {
			return nil, errors.AllocationFailed(errors.PhaseCall, a.Info.Size, a.Info.Align, err)
		}
		if err := e.store(addr, a.Type, v, path, sc); err != nil {
			return nil, err
		}
		return e.pointerBytes(addr), nil
	default:
		return e.aggregateBytes(a.Type, a.Info, v, path, sc)
	}
}

// encodeValue encodes a scalar or pointer value.
func (e *Engine) encodeValue(id ctype.ID, v any, path []string, t temps) ([]byte, error) {
	if e.reg.KindOf(id) == ctype.KindPointer {
		addr, err := e.pointerValue(id, v, path, t)
		if err != nil {
			return nil, err
		}
		return e.pointerBytes(addr), nil
	}
	return e.encodeScalar(id, v, path)
}

// decodeValue decodes a scalar or pointer value.
func (e *Engine) decodeValue(id ctype.ID, b []byte) (any, error) {
	if e.reg.KindOf(id) == ctype.KindPointer {
		return &CData{e: e, typ: id, addr: getUint(b, e.order), n: -1}, nil
	}
	return e.decodeScalar(id, b)
}

// aggregateBytes returns the bytes of an aggregate passed by value.
func (e *Engine) aggregateBytes(id ctype.ID, info layout.Info, v any, path []string, t temps) ([]byte, error) {
	if c, ok := v.(*CData); ok && c.typ == id {
		if err := c.Check(); err != nil {
			return nil, err
		}
		return e.space.Read(c.addr, info.Size)
	}
	addr, err := t.alloc(info.Size, info.Align)
	if err != nil {
		return nil, errors.AllocationFailed(errors.PhaseEncode, info.Size, info.Align, err)
	}
	if err := e.store(addr, id, v, path, t); err != nil {
		return nil, err
	}
	return e.space.Read(addr, info.Size)
}

func (e *Engine) pointerBytes(addr uint64) []byte {
	b := make([]byte, e.model.PointerSize)
	putUint(b, e.order, addr)
	return b
}

// allocate returns an owning, zeroed CData of type id.
func (e *Engine) allocate(id ctype.ID, size, align uint64) (*CData, error) {
	h, err := e.cdata.Allocate(size, align, true)
	if err != nil {
		return nil, err
	}
	return &CData{e: e, h: h, typ: id, addr: h.Addr(), n: -1, own: true}, nil
}

// View returns a non-owning CData of type id at addr.
func (e *Engine) View(id ctype.ID, addr uint64) *CData {
	return &CData{e: e, typ: id, addr: addr, n: -1}
}

// EnumName renders v as the name of an enumerator of the enum at id, or as
// a decimal number when no enumerator has that value.
func (e *Engine) EnumName(id ctype.ID, v int64) string {
	members, _ := e.res.EnumMembers(id)
	for _, m := range members {
		if m.Value == v {
			return m.Name
		}
	}
	return strconv.FormatInt(v, 10)
}

// enumValue returns the value of enumerator name of the enum at id.
func (e *Engine) enumValue(id ctype.ID, name string) (int64, error) {
	members, err := e.res.EnumMembers(id)
	if err != nil {
		return 0, err
	}
	for _, m := range members {
		if m.Name == name {
			return m.Value, nil
		}
	}
	return 0, errors.NotFound(errors.PhaseEncode, "enumerator", name)
}

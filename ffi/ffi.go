package ffi

import (
	"context"
	"os"
	"sync"

	"go.uber.org/zap"

	"github.com/wippyai/cffi-runtime/cdata"
	"github.com/wippyai/cffi-runtime/ctype"
	"github.com/wippyai/cffi-runtime/decl"
	"github.com/wippyai/cffi-runtime/errors"
	"github.com/wippyai/cffi-runtime/initonce"
	"github.com/wippyai/cffi-runtime/internal/heap"
	"github.com/wippyai/cffi-runtime/layout"
	"github.com/wippyai/cffi-runtime/marshal"
)

// FFI is one namespace of C declarations for one target, with the
// operations that need no library: sizes, layouts, conversions and
// Go-allocated cdata.
type FFI struct {
	name    string
	reg     *ctype.Registry
	ctx     *ctype.Context
	model   *layout.DataModel
	oracle  layout.Oracle
	res     *layout.Resolver
	heap    *heap.Heap
	e       *marshal.Engine
	once    *initonce.Group
	log     *zap.Logger
	externs *externs

	mu   sync.Mutex
	libs []*Lib
}

// Option configures an FFI.
type Option func(*FFI)

// WithDataModel selects the target. The default is layout.Wasm32.
func WithDataModel(m *layout.DataModel) Option {
	return func(f *FFI) { f.model = m }
}

// WithRegistry shares a type registry. FFIs that include each other must
// use the same registry; the default is ctype.Default().
func WithRegistry(r *ctype.Registry) Option {
	return func(f *FFI) { f.reg = r }
}

// WithOracle makes layout resolution check aggregates against observed
// layouts. Fields declared with "..." take their offsets from it.
func WithOracle(o layout.Oracle) Option {
	return func(f *FFI) { f.oracle = o }
}

// WithLogger replaces the package loggers of ffi, marshal and cdata.
func WithLogger(l *zap.Logger) Option {
	return func(f *FFI) { f.log = l }
}

// WithName names the namespace in errors and encoded tables.
func WithName(name string) Option {
	return func(f *FFI) { f.name = name }
}

// WithExternModule sets the wasm module name externs are exported under.
// The default is "env".
func WithExternModule(name string) Option {
	return func(f *FFI) { f.externs.module = name }
}

// New creates an empty FFI.
func New(opts ...Option) *FFI {
	f := &FFI{
		name:    "ffi",
		reg:     ctype.Default(),
		model:   layout.Wasm32,
		externs: newExterns(),
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.log != nil {
		SetLogger(f.log)
		marshal.SetLogger(f.log.Named("marshal"))
		cdata.SetLogger(f.log.Named("cdata"))
	}
	var resOpts []layout.Option
	if f.oracle != nil {
		resOpts = append(resOpts, layout.WithOracle(f.oracle))
	}
	f.ctx = ctype.NewContext(f.reg, f.name)
	f.res = layout.NewResolver(f.reg, f.model, resOpts...)
	f.heap = heap.New(f.model.ByteOrder())
	f.once = initonce.New(Logger())
	f.e = marshal.New(f.res, f.heap, marshal.WithInitOnce(f.once))
	return f
}

// Context returns the namespace.
func (f *FFI) Context() *ctype.Context { return f.ctx }

// Registry returns the type registry.
func (f *FFI) Registry() *ctype.Registry { return f.reg }

// Resolver returns the layout resolver of the target.
func (f *FFI) Resolver() *layout.Resolver { return f.res }

// Engine returns the marshaling engine over Go-allocated memory.
func (f *FFI) Engine() *marshal.Engine { return f.e }

// Cdef adds declarations. A struct declared opaque earlier may be
// completed by a later Cdef.
func (f *FFI) Cdef(file *decl.File) error {
	if err := f.ctx.Declare(file); err != nil {
		return err
	}
	Logger().Debug("declarations added",
		zap.String("ffi", f.name),
		zap.Int("functions", len(file.Functions)),
		zap.Int("structs", len(file.Structs)))
	return nil
}

// CdefYAML adds declarations from a YAML or JSON document.
func (f *FFI) CdefYAML(data []byte) error {
	file, err := decl.LoadBytes(data)
	if err != nil {
		return err
	}
	return f.Cdef(file)
}

// CdefFile adds declarations from a YAML or JSON file.
func (f *FFI) CdefFile(path string) error {
	file, err := decl.LoadFile(path)
	if err != nil {
		return err
	}
	return f.Cdef(file)
}

// Include makes the types and constants of other visible here. Functions
// and globals stay with other.
func (f *FFI) Include(other *FFI) error {
	if other == nil {
		return errors.InvalidInput(errors.PhaseDeclare, nil, "nil include")
	}
	if other.model != f.model {
		return errors.Declaration([]string{other.name}, "included FFI targets %s, not %s", other.model, f.model)
	}
	return f.ctx.Include(other.ctx)
}

// Typeof resolves a C type name such as "struct foo *" or "int(*)(int)".
func (f *FFI) Typeof(name string) (ctype.ID, error) {
	return f.ctx.Typeof(name)
}

// TypeName renders a type as C. When extra is given it is placed where a
// declarator would go: TypeName(int*, "x") is "int * x".
func (f *FFI) TypeName(id ctype.ID, extra ...string) string {
	name := f.reg.Name(id)
	for _, x := range extra {
		name += " " + x
	}
	return name
}

// Sizeof returns the size of the type named typ, or of a cdata value.
func (f *FFI) Sizeof(v any) (uint64, error) {
	switch x := v.(type) {
	case *marshal.CData:
		if n := x.Len(); n >= 0 {
			elem, ok := f.reg.Elem(x.Type())
			if ok && f.reg.KindOf(x.Type()) == ctype.KindArray {
				size, err := f.res.Sizeof(elem)
				return size * uint64(n), err
			}
		}
		return f.res.Sizeof(x.Type())
	}
	id, err := f.typeArg(v)
	if err != nil {
		return 0, err
	}
	return f.res.Sizeof(id)
}

// Alignof returns the alignment of the type named typ.
func (f *FFI) Alignof(v any) (uint64, error) {
	id, err := f.typeArg(v)
	if err != nil {
		return 0, err
	}
	return f.res.Alignof(id)
}

// Offsetof returns the offset of a member path such as "a.b[2]" inside
// the aggregate typ.
func (f *FFI) Offsetof(typ any, path string) (uint64, error) {
	id, err := f.typeArg(typ)
	if err != nil {
		return 0, err
	}
	off, _, err := f.res.Offsetof(id, path)
	return off, err
}

// typeArg accepts a type name, a ctype.ID or a cdata value.
func (f *FFI) typeArg(v any) (ctype.ID, error) {
	switch x := v.(type) {
	case string:
		return f.Typeof(x)
	case ctype.ID:
		return x, nil
	case *marshal.CData:
		return x.Type(), nil
	}
	return ctype.Invalid, errors.TypeMismatch(errors.PhaseDeclare, nil, typeName(v), "C type")
}

// New allocates a zeroed cdata of the pointer or array type typ in Go
// memory and initializes it from init. Pass the result to a Lib call and
// it is copied into the library's memory for the duration of the call.
func (f *FFI) New(typ any, init any) (*marshal.CData, error) {
	id, err := f.typeArg(typ)
	if err != nil {
		return nil, err
	}
	return f.e.New(id, init)
}

// Cast converts v to the scalar or pointer type typ.
func (f *FFI) Cast(typ any, v any) (any, error) {
	id, err := f.typeArg(typ)
	if err != nil {
		return nil, err
	}
	return f.e.Cast(id, v)
}

// String returns the text of a char array or pointer, stopping at the
// first NUL, or the enumerator name of an enum value.
func (f *FFI) String(c *marshal.CData) (string, error) {
	if f.reg.KindOf(c.Type()) == ctype.KindEnum {
		v, err := c.Engine().View(f.reg.PointerTo(c.Type()), c.Addr()).Deref()
		if err != nil {
			return "", err
		}
		return f.e.EnumName(c.Type(), toInt64(v)), nil
	}
	return c.CString()
}

// EnumName renders v as an enumerator of the enum typ, or as a decimal
// number when no enumerator has that value.
func (f *FFI) EnumName(typ any, v int64) (string, error) {
	id, err := f.typeArg(typ)
	if err != nil {
		return "", err
	}
	if f.reg.KindOf(id) != ctype.KindEnum {
		return "", errors.TypeMismatch(errors.PhaseDecode, nil, "enum", f.reg.Name(id))
	}
	return f.e.EnumName(id, v), nil
}

// Buffer returns a copy of the bytes c points to.
func (f *FFI) Buffer(c *marshal.CData) ([]byte, error) {
	return c.Bytes()
}

// FromBuffer views buf as an array of elem without copying.
func (f *FFI) FromBuffer(elem any, buf cdata.Buffer, writable bool) (*marshal.CData, error) {
	id, err := f.typeArg(elem)
	if err != nil {
		return nil, err
	}
	return f.e.FromBuffer(id, buf, writable)
}

// MapFile maps a file and views it as a byte array. The mapping is
// released when the returned cdata is garbage collected or released.
func (f *FFI) MapFile(path string, writable bool) (*marshal.CData, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, errors.Wrap(errors.PhaseLifetime, errors.KindNotFound, err, path)
	}
	m, err := cdata.MapFile(path, writable)
	if err != nil {
		return nil, err
	}
	c, err := f.FromBuffer("char", m, writable)
	if err != nil {
		_ = m.Close()
		return nil, err
	}
	return f.e.AttachFinalizer(c, func(*marshal.CData) { _ = m.Close() })
}

// Gc attaches fn to run when the returned cdata is no longer used. A nil
// fn detaches the most recently attached finalizer of c instead.
func (f *FFI) Gc(c *marshal.CData, fn func(*marshal.CData)) (*marshal.CData, error) {
	if fn == nil {
		f.e.DetachFinalizer(c)
		return c, nil
	}
	return f.e.AttachFinalizer(c, fn)
}

// InitOnce runs fn once for tag and returns its result to every caller.
// A failed run is retried by the next caller.
func (f *FFI) InitOnce(tag string, fn func() (any, error)) (any, error) {
	return f.once.Do(tag, fn)
}

// Constant returns a constant with a declared value. Constants whose value
// only the library knows need Lib.Constant.
func (f *FFI) Constant(name string) (any, error) {
	return f.e.Constant(context.Background(), f.ctx, name)
}

// Verify checks every aggregate declared here against the oracle. All
// mismatches are reported.
func (f *FFI) Verify(ctx context.Context) error {
	if f.oracle == nil {
		return errors.InvalidInput(errors.PhaseVerify, nil, "no layout oracle configured")
	}
	var ids, structs []ctype.ID
	for _, tag := range f.ctx.Tags() {
		id, err := f.Typeof(tag)
		if err != nil {
			return err
		}
		if s, ok := f.reg.Struct(id); ok {
			if s.State() == ctype.StateOpaque {
				continue
			}
			structs = append(structs, id)
		}
		ids = append(ids, id)
	}
	// Resolve in parallel first; Verify then reads cached layouts.
	if _, err := f.res.ResolveAll(ctx, structs); err != nil {
		return err
	}
	return verifyAll(f.res, ids, f.oracle)
}

// Encode serializes the namespace.
func (f *FFI) Encode() ([]byte, error) {
	return f.ctx.Encode()
}

// Decode creates an FFI from an encoded namespace. includes must hold the
// decoded namespaces it includes.
func Decode(data []byte, includes []*FFI, opts ...Option) (*FFI, error) {
	f := New(opts...)
	ctxs := make([]*ctype.Context, len(includes))
	for i, inc := range includes {
		ctxs[i] = inc.ctx
	}
	c, err := ctype.Decode(f.reg, f.name, data, ctxs...)
	if err != nil {
		return nil, err
	}
	f.ctx = c
	return f, nil
}

package layout

import (
	"context"
	"math/bits"
	"runtime"
	"strconv"
	"strings"

	"github.com/puzpuzpuz/xsync/v3"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/wippyai/cffi-runtime/ctype"
	"github.com/wippyai/cffi-runtime/errors"
)

// Resolver computes layouts for one data model. Each aggregate is resolved
// at most once; concurrent requests for the same node share the work and
// the result is immutable afterwards.
type Resolver struct {
	reg    *ctype.Registry
	model  *DataModel
	oracle Oracle
	group  singleflight.Group
	memo   *xsync.MapOf[ctype.ID, *Layout]
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithOracle lets the resolver take partial aggregates and [...] arrays
// from a layout report.
func WithOracle(o Oracle) Option {
	return func(r *Resolver) { r.oracle = o }
}

// NewResolver creates a resolver over reg for model. nil arguments select
// the default registry and Wasm32.
func NewResolver(reg *ctype.Registry, model *DataModel, opts ...Option) *Resolver {
	if reg == nil {
		reg = ctype.Default()
	}
	if model == nil {
		model = Wasm32
	}
	r := &Resolver{
		reg:   reg,
		model: model,
		memo:  xsync.NewMapOf[ctype.ID, *Layout](),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Resolver) Registry() *ctype.Registry { return r.reg }

func (r *Resolver) Model() *DataModel { return r.model }

// Info returns the size and alignment of any sized type.
func (r *Resolver) Info(id ctype.ID) (Info, error) {
	switch t := r.reg.Lookup(id).(type) {
	case ctype.Primitive:
		return r.model.Scalar(t.Prim), nil
	case ctype.Pointer:
		return r.model.Pointer(), nil
	case ctype.Array:
		if t.Len < 0 {
			return Info{}, errors.OpaqueType(errors.PhaseLayout, r.reg.Name(id), "array length is not known")
		}
		elem, err := r.Info(t.Elem)
		if err != nil {
			return Info{}, err
		}
		size, ok := mulSize(elem.Size, uint64(t.Len))
		if !ok {
			return Info{}, errors.Overflow(errors.PhaseLayout, nil, t.Len, r.reg.Name(id))
		}
		return Info{Size: size, Align: elem.Align}, nil
	case *ctype.Struct:
		l, err := r.Resolve(id)
		if err != nil {
			return Info{}, err
		}
		return l.Info(), nil
	case *ctype.Enum:
		switch t.State() {
		case ctype.StateOpaque:
			return Info{}, errors.OpaqueType(errors.PhaseLayout, r.reg.Name(id), "incomplete enum")
		case ctype.StatePartial:
			if _, err := r.enumReport(id); err != nil {
				return Info{}, err
			}
		}
		p, _ := r.reg.PrimOf(id)
		return r.model.Scalar(p), nil
	case ctype.Void:
		return Info{}, errors.OpaqueType(errors.PhaseLayout, "void", "void has no size")
	case ctype.Func:
		return Info{}, errors.OpaqueType(errors.PhaseLayout, r.reg.Name(id), "function type has no size")
	}
	return Info{}, errors.NotFound(errors.PhaseLayout, "type", strconv.FormatUint(uint64(id), 10))
}

// Sizeof returns the size of id.
func (r *Resolver) Sizeof(id ctype.ID) (uint64, error) {
	info, err := r.Info(id)
	return info.Size, err
}

// Alignof returns the alignment of id.
func (r *Resolver) Alignof(id ctype.ID) (uint64, error) {
	info, err := r.Info(id)
	return info.Align, err
}

// Resolve returns the layout of the struct or union at id.
func (r *Resolver) Resolve(id ctype.ID) (*Layout, error) {
	if l, ok := r.memo.Load(id); ok {
		return l, nil
	}
	s, ok := r.reg.Struct(id)
	if !ok {
		return nil, errors.TypeMismatch(errors.PhaseLayout, nil, "", r.reg.Name(id))
	}
	v, err, _ := r.group.Do(strconv.FormatUint(uint64(id), 10), func() (any, error) {
		if l, ok := r.memo.Load(id); ok {
			return l, nil
		}
		l, err := r.compute(id, s)
		if err != nil {
			return nil, err
		}
		l, _ = r.memo.LoadOrStore(id, l)
		return l, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Layout), nil
}

// ResolveAll resolves ids in parallel. The result is index-aligned with ids.
func (r *Resolver) ResolveAll(ctx context.Context, ids []ctype.ID) ([]*Layout, error) {
	out := make([]*Layout, len(ids))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i, id := range ids {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			l, err := r.Resolve(id)
			if err != nil {
				return err
			}
			out[i] = l
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func (r *Resolver) compute(id ctype.ID, s *ctype.Struct) (*Layout, error) {
	name := r.reg.Name(id)
	switch s.State() {
	case ctype.StateOpaque:
		return nil, errors.OpaqueType(errors.PhaseLayout, name, "incomplete type")
	case ctype.StatePartial:
		return r.fromOracle(id, s, name)
	}
	for _, f := range s.Fields {
		if a, ok := r.reg.Lookup(f.Type).(ctype.Array); ok && a.Len == ctype.LenUnknown {
			return r.fromOracle(id, s, name)
		}
	}

	l := &Layout{Type: id, Align: 1, Fields: make([]Field, 0, len(s.Fields))}
	c := &Cursor{Pack: uint64(s.Pack)}
	if s.Pack != 0 {
		l.Shape |= ShapePacked
	}
	if s.Union {
		l.Shape |= ShapeUnion
	}
	policy := r.model.Bitfields

	var size uint64
	for _, f := range s.Fields {
		info, shape, err := r.memberInfo(f.Type)
		if err != nil {
			return nil, err
		}
		l.Shape |= shape
		if s.Union {
			*c = Cursor{Pack: c.Pack}
		}

		if !f.IsBitfield() {
			if f.Name == "" {
				l.Shape |= ShapeAnonymous
			}
			policy.Member(c)
			align := c.Cap(info.Align)
			off := alignTo((c.Bits+7)/8, align)
			c.Bits = (off + info.Size) * 8
			l.Align = max(l.Align, align)
			l.Fields = append(l.Fields, Field{Name: f.Name, Type: f.Type, Offset: off, Size: info.Size, BitWidth: ctype.NoBits})
		} else {
			l.Shape |= ShapeBitfields
			width := uint64(f.Bits)
			pos := policy.Place(c, info, width)
			fld := Field{Name: f.Name, Type: f.Type, Offset: pos / 8, BitWidth: f.Bits}
			if width > 0 {
				if policy.Aligns(f.Name != "") {
					l.Align = max(l.Align, c.Cap(info.Align))
				}
				unit := c.Cap(info.Align)
				fld.Offset = pos / 8 &^ (unit - 1)
				rel := pos - fld.Offset*8
				fld.Size = max(info.Size, (rel+width+7)/8)
				if fld.Size > 8 {
					return nil, errors.Declaration([]string{name, f.Name}, "bit-field spans more than 8 bytes")
				}
				fld.BitShift = int(rel)
			}
			l.Fields = append(l.Fields, fld)
		}

		if s.Union {
			policy.Member(c)
			size = max(size, (c.Bits+7)/8)
		}
	}
	if !s.Union {
		policy.Member(c)
		size = (c.Bits + 7) / 8
	}
	l.Size = alignTo(size, l.Align)
	r.fitUnits(l)
	return l, nil
}

// fitUnits trims storage units that run past the end of the aggregate,
// which happens for unnamed bit-fields that do not raise its alignment,
// and converts bit positions to the target byte order. BitShift holds the
// position relative to the unit start on entry.
func (r *Resolver) fitUnits(l *Layout) {
	for i := range l.Fields {
		f := &l.Fields[i]
		if !f.IsBitfield() || f.BitWidth == 0 {
			continue
		}
		rel, width := uint64(f.BitShift), uint64(f.BitWidth)
		if f.Offset+f.Size > l.Size {
			f.Size = max(l.Size-f.Offset, (rel+width+7)/8)
		}
		if r.model.BigEndian {
			f.BitShift = int(f.Size*8 - rel - width)
		}
	}
}

// memberInfo sizes a member. A flexible array member takes no space.
func (r *Resolver) memberInfo(id ctype.ID) (Info, Shape, error) {
	switch t := r.reg.Lookup(id).(type) {
	case ctype.Array:
		elem, shape, err := r.memberInfo(t.Elem)
		if err != nil {
			return Info{}, 0, err
		}
		if t.Len <= 0 {
			return Info{Size: 0, Align: elem.Align}, shape | ShapeZeroLength, nil
		}
		size, ok := mulSize(elem.Size, uint64(t.Len))
		if !ok {
			return Info{}, 0, errors.Overflow(errors.PhaseLayout, nil, t.Len, r.reg.Name(id))
		}
		return Info{Size: size, Align: elem.Align}, shape, nil
	case *ctype.Struct:
		l, err := r.Resolve(id)
		if err != nil {
			return Info{}, 0, err
		}
		return l.Info(), l.Shape, nil
	}
	info, err := r.Info(id)
	return info, 0, err
}

func (r *Resolver) fromOracle(id ctype.ID, s *ctype.Struct, name string) (*Layout, error) {
	if r.oracle == nil {
		return nil, errors.OpaqueType(errors.PhaseLayout, name, "layout is only known to a layout oracle")
	}
	rep, ok := r.oracle.Struct(name)
	if !ok {
		return nil, errors.NotFound(errors.PhaseLayout, "layout report for", name)
	}
	l := &Layout{Type: id, Size: rep.Size, Align: rep.Align, Shape: ShapePartial, FromOracle: true}
	if s.Union {
		l.Shape |= ShapeUnion
	}
	for _, f := range s.Fields {
		if f.Name == "" || f.IsBitfield() {
			return nil, errors.OpaqueType(errors.PhaseLayout, name, "anonymous members and bit-fields of a partial struct cannot be placed from a report")
		}
		fr, ok := rep.Fields[f.Name]
		if !ok {
			return nil, errors.NotFound(errors.PhaseLayout, "layout report field", name+"."+f.Name)
		}
		l.Fields = append(l.Fields, Field{Name: f.Name, Type: f.Type, Offset: fr.Offset, Size: fr.Size, BitWidth: ctype.NoBits})
	}
	return l, nil
}

// Member returns the member name of the aggregate at id with its offset
// relative to the aggregate, looking through anonymous members.
func (r *Resolver) Member(id ctype.ID, name string) (Field, error) {
	path, ok := r.reg.FieldPath(id, name)
	if !ok {
		err := errors.NotFound(errors.PhaseLayout, "field", name)
		err.CType = r.reg.Name(id)
		return Field{}, err
	}
	var base uint64
	cur := id
	for i, idx := range path {
		l, err := r.Resolve(cur)
		if err != nil {
			return Field{}, err
		}
		f := l.Fields[idx]
		if i == len(path)-1 {
			f.Offset += base
			return f, nil
		}
		base += f.Offset
		cur = f.Type
	}
	return Field{}, errors.NotFound(errors.PhaseLayout, "field", name)
}

// Offsetof returns the byte offset designated by path inside id, along with
// the type found there. Path steps are member names separated by dots and
// bracketed indices: "a.b[3].c".
func (r *Resolver) Offsetof(id ctype.ID, path string) (uint64, ctype.ID, error) {
	var off uint64
	cur := id
	rest := path
	for rest != "" {
		switch rest[0] {
		case '.':
			rest = rest[1:]
		case '[':
			end := strings.IndexByte(rest, ']')
			if end < 0 {
				return 0, ctype.Invalid, errors.InvalidInput(errors.PhaseLayout, []string{path}, "unterminated index")
			}
			n, err := strconv.ParseUint(strings.TrimSpace(rest[1:end]), 10, 63)
			if err != nil {
				return 0, ctype.Invalid, errors.InvalidInput(errors.PhaseLayout, []string{path}, "bad index "+rest[1:end])
			}
			elem, ok := r.reg.Elem(cur)
			if !ok {
				return 0, ctype.Invalid, errors.TypeMismatch(errors.PhaseLayout, []string{path}, "index", r.reg.Name(cur))
			}
			if a, ok := r.reg.Lookup(cur).(ctype.Array); ok && a.Len >= 0 && n > uint64(a.Len) {
				return 0, ctype.Invalid, errors.OutOfBounds(errors.PhaseLayout, []string{path}, int(n), a.Len)
			}
			info, err := r.Info(elem)
			if err != nil {
				return 0, ctype.Invalid, err
			}
			step, ok := mulSize(info.Size, n)
			if !ok {
				return 0, ctype.Invalid, errors.Overflow(errors.PhaseLayout, []string{path}, n, r.reg.Name(cur))
			}
			off += step
			cur = elem
			rest = rest[end+1:]
		default:
			end := strings.IndexAny(rest, ".[")
			if end < 0 {
				end = len(rest)
			}
			f, err := r.Member(cur, rest[:end])
			if err != nil {
				return 0, ctype.Invalid, err
			}
			if f.IsBitfield() {
				return 0, ctype.Invalid, errors.InvalidInput(errors.PhaseLayout, []string{path}, "cannot take the offset of a bit-field")
			}
			off += f.Offset
			cur = f.Type
			rest = rest[end:]
		}
	}
	return off, cur, nil
}

func mulSize(a, b uint64) (uint64, bool) {
	hi, lo := bits.Mul64(a, b)
	return lo, hi == 0
}

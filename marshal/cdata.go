package marshal

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/wippyai/cffi-runtime/cdata"
	"github.com/wippyai/cffi-runtime/ctype"
	"github.com/wippyai/cffi-runtime/errors"
)

// MaxString bounds the bytes read when following a char * to its NUL.
const MaxString = 16 << 20

// CData is a typed reference to native memory: a pointer value, or an
// array, struct or union in place.
//
// CData objects returned by New and by aggregate returns own their memory.
// Members and elements come back as views that keep the owner alive.
type CData struct {
	e    *Engine
	h    *cdata.Handle
	typ  ctype.ID
	addr uint64
	// n is the element count of a variable-length array, or -1.
	n   int
	own bool
}

// Type returns the C type of c.
func (c *CData) Type() ctype.ID { return c.typ }

// Engine returns the engine whose address space c lives in.
func (c *CData) Engine() *Engine { return c.e }

// TypeName renders the C type of c.
func (c *CData) TypeName() string { return c.e.reg.Name(c.typ) }

// Addr returns the address c designates: the pointer value for pointers,
// the storage address otherwise.
func (c *CData) Addr() uint64 { return c.addr }

// IsNull reports whether c is a NULL pointer.
func (c *CData) IsNull() bool { return c.addr == 0 }

// Handle returns the lifetime handle backing c, or nil for memory owned
// elsewhere.
func (c *CData) Handle() *cdata.Handle { return c.h }

// Owning reports whether releasing c frees memory.
func (c *CData) Owning() bool { return c.own }

// Check reports an error once the memory behind c has been released.
func (c *CData) Check() error {
	if c == nil {
		return errors.NilPointer(errors.PhaseLifetime, nil, "")
	}
	if c.h != nil {
		return c.h.Check()
	}
	return nil
}

// Release frees the memory of an owning CData. It is idempotent and a no-op
// for views.
func (c *CData) Release() {
	if c != nil && c.own {
		c.h.Release()
	}
}

// Len returns the number of elements of an array, or -1.
func (c *CData) Len() int {
	if a, ok := c.e.reg.Lookup(c.typ).(ctype.Array); ok && a.Len >= 0 {
		return a.Len
	}
	return c.n
}

func (c *CData) String() string {
	if c.isChars() {
		if s, err := c.CString(); err == nil {
			return s
		}
	}
	return fmt.Sprintf("<cdata '%s' 0x%x>", c.TypeName(), c.addr)
}

func (c *CData) isChars() bool {
	elem, ok := c.e.reg.Elem(c.typ)
	if !ok {
		return false
	}
	p, ok := c.e.reg.Lookup(elem).(ctype.Primitive)
	return ok && p.Prim.Category() == ctype.CatChar
}

// CString reads a NUL-terminated string from a char array or pointer.
// Arrays stop at their length; wide character arrays decode as UTF-32 or
// UTF-16 code units by width.
func (c *CData) CString() (string, error) {
	if err := c.Check(); err != nil {
		return "", err
	}
	elem, ok := c.e.reg.Elem(c.typ)
	if !ok || !c.isChars() {
		return "", errors.TypeMismatch(errors.PhaseDecode, nil, "string", c.TypeName())
	}
	if c.addr == 0 {
		return "", errors.NilPointer(errors.PhaseDecode, nil, c.TypeName())
	}
	size, err := c.e.res.Sizeof(elem)
	if err != nil {
		return "", err
	}
	limit := c.Len()
	if limit < 0 {
		limit = MaxString / int(size)
	}
	if size == 1 {
		return c.bytesUntilNUL(limit)
	}
	var sb strings.Builder
	for i := range limit {
		v, err := c.e.space.Read(c.addr+uint64(i)*size, size)
		if err != nil {
			return "", err
		}
		r := getUint(v, c.e.order)
		if r == 0 {
			break
		}
		sb.WriteRune(rune(r))
	}
	return sb.String(), nil
}

func (c *CData) bytesUntilNUL(limit int) (string, error) {
	const chunk = 256
	var out []byte
	for len(out) < limit {
		n := min(chunk, limit-len(out))
		b, err := c.e.space.Read(c.addr+uint64(len(out)), uint64(n))
		if err != nil {
			// The string may end close to the end of its block.
			b, err = c.e.space.Read(c.addr+uint64(len(out)), 1)
			if err != nil {
				return "", err
			}
		}
		for i, ch := range b {
			if ch == 0 {
				return string(append(out, b[:i]...)), nil
			}
		}
		out = append(out, b...)
	}
	if c.Len() < 0 {
		return "", errors.OutOfBounds(errors.PhaseDecode, nil, limit, limit)
	}
	return string(out), nil
}

// Bytes returns a copy of the memory c designates.
func (c *CData) Bytes() ([]byte, error) {
	if err := c.Check(); err != nil {
		return nil, err
	}
	size, err := c.size()
	if err != nil {
		return nil, err
	}
	return c.e.space.Read(c.addr, size)
}

func (c *CData) size() (uint64, error) {
	switch t := c.e.reg.Lookup(c.typ).(type) {
	case ctype.Array:
		info, err := c.e.res.Info(t.Elem)
		if err != nil {
			return 0, err
		}
		n := c.Len()
		if n < 0 {
			return 0, errors.OpaqueType(errors.PhaseDecode, c.TypeName(), "array length is not known")
		}
		return info.Size * uint64(n), nil
	case ctype.Pointer:
		if c.own {
			return c.h.Size(), nil
		}
		return c.e.res.Sizeof(t.Elem)
	}
	return c.e.res.Sizeof(c.typ)
}

// aggregate returns the address and type of the struct or union c refers
// to, dereferencing a pointer.
func (c *CData) aggregate() (uint64, ctype.ID, error) {
	if err := c.Check(); err != nil {
		return 0, 0, err
	}
	id, addr := c.typ, c.addr
	if c.e.reg.KindOf(id) == ctype.KindPointer {
		id, _ = c.e.reg.Elem(id)
		if addr == 0 {
			return 0, 0, errors.NilPointer(errors.PhaseDecode, nil, c.TypeName())
		}
	}
	if !c.e.reg.KindOf(id).IsAggregate() {
		return 0, 0, errors.TypeMismatch(errors.PhaseDecode, nil, "struct or union", c.TypeName())
	}
	return addr, id, nil
}

// Get reads a member. name may be a path such as "a.b[2].c"; members of
// anonymous structs and unions are reachable directly.
func (c *CData) Get(name string) (any, error) {
	base, id, err := c.aggregate()
	if err != nil {
		return nil, err
	}
	if strings.ContainsAny(name, ".[") {
		off, typ, err := c.e.res.Offsetof(id, name)
		if err != nil {
			return nil, err
		}
		return c.e.load(base+off, typ, c.h)
	}
	f, err := c.e.res.Member(id, name)
	if err != nil {
		return nil, err
	}
	if f.IsBitfield() {
		return c.e.loadBits(base, f)
	}
	v, err := c.e.load(base+f.Offset, f.Type, c.h)
	if err != nil {
		return nil, err
	}
	if view, ok := v.(*CData); ok && view.Len() < 0 && c.h != nil {
		view.n = c.flexLen(view)
	}
	return v, nil
}

// flexLen sizes a trailing variable array from the allocation holding it.
func (c *CData) flexLen(view *CData) int {
	elem, ok := c.e.reg.Elem(view.typ)
	if !ok || c.e.reg.KindOf(view.typ) != ctype.KindArray {
		return -1
	}
	size, err := c.e.res.Sizeof(elem)
	end := c.h.Addr() + c.h.Size()
	if err != nil || size == 0 || view.addr > end {
		return -1
	}
	return int((end - view.addr) / size)
}

// Set writes a member. Bit-field writes are range-checked against the
// field width.
func (c *CData) Set(name string, v any) error {
	base, id, err := c.aggregate()
	if err != nil {
		return err
	}
	if c.h != nil && c.h.ReadOnly() {
		return errors.InvalidInput(errors.PhaseEncode, []string{name}, "cdata is read-only")
	}
	if strings.ContainsAny(name, ".[") {
		off, typ, err := c.e.res.Offsetof(id, name)
		if err != nil {
			return err
		}
		return c.e.store(base+off, typ, v, []string{name}, noTemps{})
	}
	f, err := c.e.res.Member(id, name)
	if err != nil {
		return err
	}
	if a, ok := c.e.reg.Lookup(f.Type).(ctype.Array); ok && a.Len < 0 {
		view := &CData{e: c.e, h: c.h, typ: f.Type, addr: base + f.Offset, n: -1}
		if c.h != nil {
			view.n = c.flexLen(view)
		}
		if n, ok := c.e.valueLen(a.Elem, v); ok && view.n >= 0 && n > view.n {
			return errors.OutOfBounds(errors.PhaseEncode, []string{name}, n, view.n)
		}
	}
	return c.e.storeField(base, f, v, []string{name}, noTemps{})
}

// element returns the address and type of element i.
func (c *CData) element(i int) (uint64, ctype.ID, error) {
	if err := c.Check(); err != nil {
		return 0, 0, err
	}
	kind := c.e.reg.KindOf(c.typ)
	if kind != ctype.KindArray && kind != ctype.KindPointer {
		return 0, 0, errors.TypeMismatch(errors.PhaseDecode, nil, "array or pointer", c.TypeName())
	}
	elem, _ := c.e.reg.Elem(c.typ)
	size, err := c.e.res.Sizeof(elem)
	if err != nil {
		return 0, 0, err
	}
	if n := c.Len(); (kind == ctype.KindArray || c.own) && n >= 0 && (i < 0 || i >= n) {
		return 0, 0, errors.OutOfBounds(errors.PhaseDecode, nil, i, n)
	}
	if kind == ctype.KindPointer && c.addr == 0 {
		return 0, 0, errors.NilPointer(errors.PhaseDecode, nil, c.TypeName())
	}
	return c.addr + uint64(int64(i)*int64(size)), elem, nil
}

// Index reads element i of an array or the i-th object a pointer points
// to.
func (c *CData) Index(i int) (any, error) {
	addr, elem, err := c.element(i)
	if err != nil {
		return nil, withErrPath(err, []string{"[" + strconv.Itoa(i) + "]"})
	}
	return c.e.load(addr, elem, c.h)
}

// SetIndex writes element i.
func (c *CData) SetIndex(i int, v any) error {
	addr, elem, err := c.element(i)
	if err != nil {
		return withErrPath(err, []string{"[" + strconv.Itoa(i) + "]"})
	}
	if c.h != nil && c.h.ReadOnly() {
		return errors.InvalidInput(errors.PhaseEncode, []string{"[" + strconv.Itoa(i) + "]"}, "cdata is read-only")
	}
	return c.e.store(addr, elem, v, []string{"[" + strconv.Itoa(i) + "]"}, noTemps{})
}

// Deref reads the object a pointer points to.
func (c *CData) Deref() (any, error) {
	if c.e.reg.KindOf(c.typ) != ctype.KindPointer {
		return nil, errors.TypeMismatch(errors.PhaseDecode, nil, "pointer", c.TypeName())
	}
	return c.Index(0)
}

// New allocates zeroed memory for a value and returns an owning CData.
// id must be a pointer type, which allocates one object of the pointed-to
// type, or an array type. init optionally initializes the memory; for
// variable-length arrays and trailing flexible array members it also
// determines the length.
func (e *Engine) New(id ctype.ID, init any) (*CData, error) {
	var size, align uint64
	n := -1
	target := id

	switch t := e.reg.Lookup(id).(type) {
	case ctype.Pointer:
		target = t.Elem
		info, err := e.res.Info(t.Elem)
		if err != nil {
			return nil, err
		}
		size, align = info.Size, info.Align
		if extra, err := e.flexExtra(t.Elem, init); err != nil {
			return nil, err
		} else if extra > 0 {
			size = alignUp(size+extra, align)
		}
	case ctype.Array:
		info, err := e.res.Info(t.Elem)
		if err != nil {
			return nil, err
		}
		n = t.Len
		if n < 0 {
			var ok bool
			if n, ok = e.valueLen(t.Elem, init); !ok {
				return nil, errors.TypeMismatch(errors.PhaseEncode, nil, goTypeName(init), e.reg.Name(id))
			}
			if _, isStr := init.(string); isStr && (e.byteLike(t.Elem) || e.wide(t.Elem)) {
				n++
			}
		}
		var ok bool
		if size, ok = mulSize(info.Size, uint64(n)); !ok {
			return nil, errors.Overflow(errors.PhaseEncode, nil, n, e.reg.Name(id))
		}
		align = info.Align
	default:
		err := errors.TypeMismatch(errors.PhaseEncode, nil, "", e.reg.Name(id))
		err.Detail = "expected a pointer or array type"
		return nil, err
	}

	c, err := e.allocate(id, size, align)
	if err != nil {
		return nil, err
	}
	c.n = n
	if init != nil {
		if a, ok := e.reg.Lookup(id).(ctype.Array); ok && a.Len < 0 {
			if _, isLen := toInteger(init); isLen {
				return c, nil
			}
			target = e.reg.ArrayOf(a.Elem, n)
		}
		if err := e.store(c.addr, target, init, nil, ownedTemps{m: e.cdata, owner: c.h}); err != nil {
			c.Release()
			return nil, err
		}
	}
	return c, nil
}

// flexExtra returns the bytes a trailing flexible array member of the
// struct at id needs for init.
func (e *Engine) flexExtra(id ctype.ID, init any) (uint64, error) {
	if !e.reg.KindOf(id).IsAggregate() || init == nil {
		return 0, nil
	}
	l, err := e.res.Resolve(id)
	if err != nil || len(l.Fields) == 0 {
		return 0, err
	}
	last := l.Fields[len(l.Fields)-1]
	arr, ok := e.reg.Lookup(last.Type).(ctype.Array)
	if !ok || arr.Len >= 0 {
		return 0, nil
	}
	var v any
	switch x := init.(type) {
	case map[string]any:
		v = x[last.Name]
	case []any:
		if len(x) == len(l.Fields) {
			v = x[len(x)-1]
		}
	}
	if v == nil {
		return 0, nil
	}
	n, ok := e.valueLen(arr.Elem, v)
	if !ok {
		return 0, nil
	}
	info, err := e.res.Info(arr.Elem)
	if err != nil {
		return 0, err
	}
	end := last.Offset + info.Size*uint64(n)
	if end <= l.Size {
		return 0, nil
	}
	return end - l.Size, nil
}

func alignUp(v, align uint64) uint64 {
	if align <= 1 {
		return v
	}
	return (v + align - 1) &^ (align - 1)
}

// Cast converts v to the scalar or pointer type id with C cast semantics:
// integers wrap, pointers and integers convert freely. Pointer results keep
// the source memory alive.
func (e *Engine) Cast(id ctype.ID, v any) (any, error) {
	switch e.reg.KindOf(id) {
	case ctype.KindPointer:
		var addr uint64
		var h *cdata.Handle
		switch x := v.(type) {
		case nil:
		case *CData:
			if err := x.Check(); err != nil {
				return nil, err
			}
			addr, h = x.addr, x.h
		case *Callback:
			addr = x.addr
		default:
			n, ok := toInteger(v)
			if !ok || n.frac || n.inf {
				return nil, errors.TypeMismatch(errors.PhaseEncode, nil, goTypeName(v), e.reg.Name(id))
			}
			addr = n.bits() & bitMask(int(8*e.model.PointerSize))
		}
		return &CData{e: e, h: h, typ: id, addr: addr, n: -1}, nil
	case ctype.KindPrimitive, ctype.KindEnum:
		p, _ := e.reg.PrimOf(id)
		if c, ok := v.(*CData); ok {
			if err := c.Check(); err != nil {
				return nil, err
			}
			v = Pointer(c.addr)
		}
		if p.Category() == ctype.CatFloat || p.Category() == ctype.CatComplex {
			return e.castFloat(id, v)
		}
		n, ok := toInteger(charValue(v))
		if !ok || n.inf {
			f, isFloat := toFloat(v)
			if !isFloat {
				return nil, errors.TypeMismatch(errors.PhaseEncode, nil, goTypeName(v), e.reg.Name(id))
			}
			n = integer{i: int64(f)}
		} else if n.frac {
			f, _ := toFloat(v)
			n = integer{i: int64(f)}
		}
		size := e.model.Scalar(p).Size
		b := make([]byte, size)
		bits := n.bits()
		if p == ctype.PrimBool && bits != 0 {
			bits = 1
		}
		putUint(b, e.order, bits&bitMask(int(8*size)))
		return e.decodeScalar(id, b)
	}
	return nil, errors.TypeMismatch(errors.PhaseEncode, nil, goTypeName(v), e.reg.Name(id))
}

func (e *Engine) castFloat(id ctype.ID, v any) (any, error) {
	b, err := e.encodeScalar(id, v, nil)
	if err != nil {
		return nil, err
	}
	return e.decodeScalar(id, b)
}

// FromBuffer wraps a Go buffer as a char array, or as an array of elem
// when elem is set, without copying when the address space can map it.
func (e *Engine) FromBuffer(elem ctype.ID, buf cdata.Buffer, writable bool) (*CData, error) {
	h, err := e.cdata.FromBuffer(buf, writable)
	if err != nil {
		return nil, err
	}
	if elem == ctype.Invalid {
		elem = e.reg.Prim(ctype.PrimChar)
	}
	size, err := e.res.Sizeof(elem)
	if err != nil || size == 0 {
		h.Release()
		if err == nil {
			err = errors.OpaqueType(errors.PhaseLifetime, e.reg.Name(elem), "zero-sized element")
		}
		return nil, err
	}
	n := int(h.Size() / size)
	return &CData{e: e, h: h, typ: e.reg.ArrayOf(elem, n), addr: h.Addr(), n: n, own: true}, nil
}

// AttachFinalizer returns a CData over the same memory as c whose last
// release runs fn with c. Finalizers attached in a chain run most recent
// first.
func (e *Engine) AttachFinalizer(c *CData, fn func(*CData)) (*CData, error) {
	if c.h == nil {
		return nil, errors.InvalidInput(errors.PhaseLifetime, nil, "cdata has no lifetime handle")
	}
	h, err := e.cdata.AttachFinalizer(c.h, func(*cdata.Handle) { fn(c) })
	if err != nil {
		return nil, err
	}
	return &CData{e: e, h: h, typ: c.typ, addr: c.addr, n: c.n, own: true}, nil
}

// DetachFinalizer removes the finalizer of a CData returned by
// AttachFinalizer.
func (e *Engine) DetachFinalizer(c *CData) bool {
	return c.h != nil && c.h.DetachFinalizer()
}

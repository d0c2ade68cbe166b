package marshal

import (
	"reflect"
	"slices"
	"strconv"
	"unicode/utf8"

	"github.com/wippyai/cffi-runtime/cdata"
	"github.com/wippyai/cffi-runtime/ctype"
	"github.com/wippyai/cffi-runtime/errors"
	"github.com/wippyai/cffi-runtime/layout"
)

// temps provides storage for values that only exist in native form while
// a value is being written, such as the bytes behind a Go string passed as
// char *.
type temps interface {
	alloc(size, align uint64) (uint64, error)
}

// ownedTemps ties temporaries to the lifetime of owner.
type ownedTemps struct {
	m     *cdata.Manager
	owner *cdata.Handle
}

func (o ownedTemps) alloc(size, align uint64) (uint64, error) {
	h, err := o.m.Allocate(size, align, true)
	if err != nil {
		return 0, err
	}
	if err := o.owner.KeepAlive(h); err != nil {
		h.Release()
		return 0, err
	}
	h.Drop()
	return h.Addr(), nil
}

// noTemps refuses temporaries: nothing would keep them alive.
type noTemps struct{}

func (noTemps) alloc(uint64, uint64) (uint64, error) {
	return 0, errors.New(errors.PhaseEncode, errors.KindInvalidInput).
		Detail("value needs temporary native storage; pass a cdata object instead").
		Build()
}

func child(path []string, step string) []string {
	return append(slices.Clip(path), step)
}

func index(path []string, i int) []string {
	return child(path, "["+strconv.Itoa(i)+"]")
}

// pointerValue converts v to an address for the pointer type id.
func (e *Engine) pointerValue(id ctype.ID, v any, path []string, t temps) (uint64, error) {
	elem, _ := e.reg.Elem(id)
	switch x := v.(type) {
	case nil:
		return 0, nil
	case Pointer:
		return uint64(x), nil
	case *CData:
		if x == nil {
			return 0, nil
		}
		if err := x.Check(); err != nil {
			return 0, err
		}
		return e.pointerFrom(id, elem, x, path)
	case *Callback:
		if e.reg.KindOf(elem) != ctype.KindFunc {
			return 0, errors.TypeMismatch(errors.PhaseEncode, path, "callback", e.reg.Name(id))
		}
		return x.addr, nil
	case string:
		if !e.byteLike(elem) {
			return 0, errors.TypeMismatch(errors.PhaseEncode, path, "string", e.reg.Name(id))
		}
		addr, err := t.alloc(uint64(len(x))+1, 1)
		if err != nil {
			return 0, withErrPath(err, path)
		}
		return addr, e.space.Write(addr, append([]byte(x), 0))
	case []byte:
		if !e.byteLike(elem) {
			return 0, errors.TypeMismatch(errors.PhaseEncode, path, "[]byte", e.reg.Name(id))
		}
		addr, err := t.alloc(uint64(len(x)), 1)
		if err != nil {
			return 0, withErrPath(err, path)
		}
		if sc, ok := t.(*scratch); ok {
			sc.addCopyBack(copyBack{dst: x, addr: addr, elem: 1})
		}
		return addr, e.space.Write(addr, x)
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		info, err := e.res.Info(elem)
		if err != nil {
			return 0, err
		}
		size, ok := mulSize(info.Size, uint64(rv.Len()))
		if !ok {
			return 0, errors.Overflow(errors.PhaseEncode, path, rv.Len(), e.reg.Name(id))
		}
		addr, err := t.alloc(size, info.Align)
		if err != nil {
			return 0, withErrPath(err, path)
		}
		for i := range rv.Len() {
			if err := e.store(addr+uint64(i)*info.Size, elem, rv.Index(i).Interface(), index(path, i), t); err != nil {
				return 0, err
			}
		}
		if sc, ok := t.(*scratch); ok && rv.Kind() == reflect.Slice && scalarKind(rv.Type().Elem().Kind()) {
			sc.addCopyBack(copyBack{dst: v, addr: addr, elem: info.Size, typ: elem})
		}
		return addr, nil
	case reflect.Map:
		if !e.reg.KindOf(elem).IsAggregate() {
			break
		}
		info, err := e.res.Info(elem)
		if err != nil {
			return 0, err
		}
		addr, err := t.alloc(info.Size, info.Align)
		if err != nil {
			return 0, withErrPath(err, path)
		}
		return addr, e.store(addr, elem, v, path, t)
	}
	if n, ok := toInteger(v); ok && !n.frac && !n.inf {
		err := errors.TypeMismatch(errors.PhaseEncode, path, goTypeName(v), e.reg.Name(id))
		err.Detail = "integers convert to pointers only through Pointer or Cast"
		return 0, err
	}
	return 0, errors.TypeMismatch(errors.PhaseEncode, path, goTypeName(v), e.reg.Name(id))
}

func scalarKind(k reflect.Kind) bool {
	switch k {
	case reflect.Bool, reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr,
		reflect.Float32, reflect.Float64:
		return true
	}
	return false
}

// pointerFrom returns the address c designates when converted to the
// pointer type id with element elem.
func (e *Engine) pointerFrom(id, elem ctype.ID, c *CData, path []string) (uint64, error) {
	switch e.reg.KindOf(c.typ) {
	case ctype.KindPointer, ctype.KindArray:
		from, _ := e.reg.Elem(c.typ)
		if e.compatible(elem, from) {
			return c.addr, nil
		}
	default:
		if c.typ == elem || e.reg.KindOf(elem) == ctype.KindVoid {
			return c.addr, nil
		}
	}
	return 0, errors.TypeMismatch(errors.PhaseEncode, path, e.reg.Name(c.typ), e.reg.Name(id))
}

// compatible reports whether a pointer to from converts implicitly to a
// pointer to to.
func (e *Engine) compatible(to, from ctype.ID) bool {
	if to == from {
		return true
	}
	if e.reg.KindOf(to) == ctype.KindVoid || e.reg.KindOf(from) == ctype.KindVoid {
		return true
	}
	return e.byteLike(to) && e.byteLike(from)
}

// byteLike reports whether id is void or a one-byte character or integer
// type.
func (e *Engine) byteLike(id ctype.ID) bool {
	if e.reg.KindOf(id) == ctype.KindVoid {
		return true
	}
	p, ok := e.reg.PrimOf(id)
	if !ok || !p.IsInteger() || p == ctype.PrimBool {
		return false
	}
	return e.model.Scalar(p).Size == 1
}

// store writes v as a value of type id at addr.
func (e *Engine) store(addr uint64, id ctype.ID, v any, path []string, t temps) error {
	switch e.reg.KindOf(id) {
	case ctype.KindPrimitive, ctype.KindEnum, ctype.KindPointer:
		b, err := e.encodeValue(id, v, path, t)
		if err != nil {
			return err
		}
		return e.space.Write(addr, b)
	case ctype.KindArray:
		return e.storeArray(addr, id, v, path, t)
	case ctype.KindStruct, ctype.KindUnion:
		return e.storeStruct(addr, id, v, path, t)
	}
	return errors.TypeMismatch(errors.PhaseEncode, path, goTypeName(v), e.reg.Name(id))
}

func (e *Engine) copyFrom(addr uint64, c *CData, id ctype.ID, path []string) error {
	if err := c.Check(); err != nil {
		return err
	}
	size, err := e.res.Sizeof(id)
	if err != nil {
		return withErrPath(err, path)
	}
	b, err := e.space.Read(c.addr, size)
	if err != nil {
		return err
	}
	return e.space.Write(addr, b)
}

func (e *Engine) zero(addr, size uint64) error {
	if size == 0 {
		return nil
	}
	return e.space.Write(addr, make([]byte, size))
}

// valueLen returns the number of elements an array initializer provides.
func (e *Engine) valueLen(elem ctype.ID, v any) (int, bool) {
	switch x := v.(type) {
	case nil:
		return 0, true
	case string:
		if e.wide(elem) {
			return utf8.RuneCountInString(x), true
		}
		return len(x), true
	case *CData:
		return x.Len(), x.Len() >= 0
	}
	if n, ok := toInteger(v); ok && !n.frac && !n.inf && !n.big && n.i >= 0 {
		return int(n.i), true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		return rv.Len(), true
	}
	return 0, false
}

// wide reports whether elem is a character type wider than one byte.
func (e *Engine) wide(elem ctype.ID) bool {
	p, ok := e.reg.PrimOf(elem)
	return ok && p.Category() == ctype.CatChar && e.model.Scalar(p).Size > 1
}

func (e *Engine) storeArray(addr uint64, id ctype.ID, v any, path []string, t temps) error {
	arr := e.reg.Lookup(id).(ctype.Array)
	info, err := e.res.Info(arr.Elem)
	if err != nil {
		return withErrPath(err, path)
	}
	length := arr.Len
	if length < 0 {
		n, ok := e.valueLen(arr.Elem, v)
		if !ok {
			return errors.TypeMismatch(errors.PhaseEncode, path, goTypeName(v), e.reg.Name(id))
		}
		length = n
	}
	total := info.Size * uint64(length)

	switch x := v.(type) {
	case nil:
		return e.zero(addr, total)
	case *CData:
		if x.typ != id && !(e.reg.KindOf(x.typ) == ctype.KindArray && e.elemOf(x.typ) == arr.Elem) {
			return errors.TypeMismatch(errors.PhaseEncode, path, e.reg.Name(x.typ), e.reg.Name(id))
		}
		if x.Len() > length {
			return errors.OutOfBounds(errors.PhaseEncode, path, x.Len(), length)
		}
		if err := x.Check(); err != nil {
			return err
		}
		b, err := e.space.Read(x.addr, info.Size*uint64(x.Len()))
		if err != nil {
			return err
		}
		if err := e.space.Write(addr, b); err != nil {
			return err
		}
		return e.zero(addr+uint64(len(b)), total-uint64(len(b)))
	case string:
		if e.wide(arr.Elem) {
			return e.storeElems(addr, arr.Elem, info.Size, length, []rune(x), path, t)
		}
		return e.storeBytes(addr, arr.Elem, total, length, []byte(x), path)
	case []byte:
		return e.storeBytes(addr, arr.Elem, total, length, x, path)
	}

	if n, ok := toInteger(v); ok && arr.Len < 0 && !n.frac {
		// A bare length sizes a variable array and leaves it zeroed.
		return e.zero(addr, total)
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
	default:
		return errors.TypeMismatch(errors.PhaseEncode, path, goTypeName(v), e.reg.Name(id))
	}
	if rv.Len() > length {
		return errors.OutOfBounds(errors.PhaseEncode, path, rv.Len(), length)
	}
	for i := range rv.Len() {
		if err := e.store(addr+uint64(i)*info.Size, arr.Elem, rv.Index(i).Interface(), index(path, i), t); err != nil {
			return err
		}
	}
	done := uint64(rv.Len()) * info.Size
	return e.zero(addr+done, total-done)
}

func (e *Engine) storeElems(addr uint64, elem ctype.ID, size uint64, length int, rs []rune, path []string, t temps) error {
	if len(rs) > length {
		return errors.OutOfBounds(errors.PhaseEncode, path, len(rs), length)
	}
	for i, r := range rs {
		if err := e.store(addr+uint64(i)*size, elem, r, index(path, i), t); err != nil {
			return err
		}
	}
	return e.zero(addr+uint64(len(rs))*size, uint64(length-len(rs))*size)
}

func (e *Engine) storeBytes(addr uint64, elem ctype.ID, total uint64, length int, b []byte, path []string) error {
	if !e.byteLike(elem) {
		return errors.TypeMismatch(errors.PhaseEncode, path, "[]byte", e.reg.Name(elem)+"[]")
	}
	if len(b) > length {
		return errors.OutOfBounds(errors.PhaseEncode, path, len(b), length)
	}
	if err := e.space.Write(addr, b); err != nil {
		return err
	}
	return e.zero(addr+uint64(len(b)), total-uint64(len(b)))
}

func (e *Engine) elemOf(id ctype.ID) ctype.ID {
	elem, _ := e.reg.Elem(id)
	return elem
}

func (e *Engine) storeStruct(addr uint64, id ctype.ID, v any, path []string, t temps) error {
	l, err := e.res.Resolve(id)
	if err != nil {
		return withErrPath(err, path)
	}
	switch x := v.(type) {
	case nil:
		return e.zero(addr, l.Size)
	case *CData:
		if x.typ != id {
			return errors.TypeMismatch(errors.PhaseEncode, path, e.reg.Name(x.typ), e.reg.Name(id))
		}
		return e.copyFrom(addr, x, id, path)
	case map[string]any:
		return e.storeNamed(addr, id, x, path, t)
	case []any:
		return e.storePositional(addr, l, x, path, t)
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			break
		}
		m := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			m[iter.Key().String()] = iter.Value().Interface()
		}
		return e.storeNamed(addr, id, m, path, t)
	case reflect.Slice, reflect.Array:
		vals := make([]any, rv.Len())
		for i := range vals {
			vals[i] = rv.Index(i).Interface()
		}
		return e.storePositional(addr, l, vals, path, t)
	case reflect.Struct:
		return e.storeNamed(addr, id, structFields(rv), path, t)
	case reflect.Pointer:
		if !rv.IsNil() && rv.Elem().Kind() == reflect.Struct {
			return e.storeNamed(addr, id, structFields(rv.Elem()), path, t)
		}
	}
	return errors.TypeMismatch(errors.PhaseEncode, path, goTypeName(v), e.reg.Name(id))
}

// structFields maps a Go struct to member names. The c tag overrides the
// field name; "-" skips the field.
func structFields(rv reflect.Value) map[string]any {
	rt := rv.Type()
	m := make(map[string]any, rt.NumField())
	for i := range rt.NumField() {
		f := rt.Field(i)
		if !f.IsExported() {
			continue
		}
		name := f.Name
		if tag, ok := f.Tag.Lookup("c"); ok {
			if tag == "-" {
				continue
			}
			name = tag
		}
		m[name] = rv.Field(i).Interface()
	}
	return m
}

func (e *Engine) storeNamed(addr uint64, id ctype.ID, m map[string]any, path []string, t temps) error {
	names := make([]string, 0, len(m))
	for k := range m {
		names = append(names, k)
	}
	slices.Sort(names)
	for _, name := range names {
		f, err := e.res.Member(id, name)
		if err != nil {
			return withErrPath(err, child(path, name))
		}
		if err := e.storeField(addr, f, m[name], child(path, name), t); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) storePositional(addr uint64, l *layout.Layout, vals []any, path []string, t temps) error {
	// Unnamed bit-fields are padding and take no initializer.
	fields := make([]int, 0, len(l.Fields))
	for i, f := range l.Fields {
		if f.Name == "" && f.IsBitfield() {
			continue
		}
		fields = append(fields, i)
	}
	limit := len(fields)
	if e.reg.KindOf(l.Type) == ctype.KindUnion {
		limit = min(limit, 1)
	}
	if len(vals) > limit {
		return errors.New(errors.PhaseEncode, errors.KindInvalidInput).
			Path(path...).
			CType(e.reg.Name(l.Type)).
			Detail("too many initializers: %d for %d members", len(vals), limit).
			Build()
	}
	for i, v := range vals {
		f := l.Fields[fields[i]]
		step := f.Name
		if step == "" {
			step = "[" + strconv.Itoa(i) + "]"
		}
		if err := e.storeField(addr, f, v, child(path, step), t); err != nil {
			return err
		}
	}
	return nil
}

// storeField writes one member. f.Offset is relative to addr.
func (e *Engine) storeField(addr uint64, f layout.Field, v any, path []string, t temps) error {
	if f.IsBitfield() {
		return e.storeBits(addr, f, v, path)
	}
	return e.store(addr+f.Offset, f.Type, v, path, t)
}

func bitMask(width int) uint64 {
	if width >= 64 {
		return ^uint64(0)
	}
	return 1<<uint(width) - 1
}

func (e *Engine) storeBits(addr uint64, f layout.Field, v any, path []string) error {
	p, _ := e.reg.PrimOf(f.Type)
	if e.reg.KindOf(f.Type) == ctype.KindEnum {
		if s, isStr := v.(string); isStr {
			val, err := e.enumValue(f.Type, s)
			if err != nil {
				return err
			}
			v = val
		}
	}
	n, ok := toInteger(charValue(v))
	if !ok || n.frac {
		return errors.TypeMismatch(errors.PhaseEncode, path, goTypeName(v), e.reg.Name(f.Type))
	}
	w := f.BitWidth
	signed := e.model.Signed(p) && p != ctype.PrimBool
	var fits bool
	switch {
	case n.inf:
	case signed:
		lo, hi := -(int64(1) << uint(w-1)), int64(1)<<uint(w-1)-1
		fits = !n.big && n.i >= lo && n.i <= hi
	case n.big:
		fits = w >= 64
	default:
		fits = n.i >= 0 && uint64(n.i) <= bitMask(w)
	}
	if !fits {
		err := errors.Overflow(errors.PhaseEncode, path, v, e.reg.Name(f.Type))
		err.Detail = "value does not fit in " + strconv.Itoa(w) + "-bit field"
		return err
	}

	b, err := e.space.Read(addr+f.Offset, f.Size)
	if err != nil {
		return err
	}
	big := e.model.BigEndian
	mask := bitMask(w) << uint(f.BitShift)
	cur := getWindow(b, big)
	cur = cur&^mask | (n.bits()<<uint(f.BitShift))&mask
	putWindow(b, big, cur)
	return e.space.Write(addr+f.Offset, b)
}

func (e *Engine) loadBits(addr uint64, f layout.Field) (any, error) {
	b, err := e.space.Read(addr+f.Offset, f.Size)
	if err != nil {
		return nil, err
	}
	p, _ := e.reg.PrimOf(f.Type)
	val := getWindow(b, e.model.BigEndian) >> uint(f.BitShift) & bitMask(f.BitWidth)
	if e.model.Signed(p) && p != ctype.PrimBool {
		val = uint64(signExtend(val, uint(f.BitWidth)))
	}
	size := e.model.Scalar(p).Size
	out := make([]byte, size)
	putUint(out, e.order, val)
	return e.decodeScalar(f.Type, out)
}

// load reads the value of type id at addr. Aggregates come back as views
// that keep owner alive.
func (e *Engine) load(addr uint64, id ctype.ID, owner *cdata.Handle) (any, error) {
	switch e.reg.KindOf(id) {
	case ctype.KindPrimitive, ctype.KindEnum, ctype.KindPointer:
		info, err := e.res.Info(id)
		if err != nil {
			return nil, err
		}
		b, err := e.space.Read(addr, info.Size)
		if err != nil {
			return nil, err
		}
		return e.decodeValue(id, b)
	case ctype.KindArray, ctype.KindStruct, ctype.KindUnion:
		return &CData{e: e, h: owner, typ: id, addr: addr, n: -1}, nil
	}
	return nil, errors.TypeMismatch(errors.PhaseDecode, nil, "", e.reg.Name(id))
}

// copyBack publishes temporaries built from Go slices back into them.
func (e *Engine) copyBack(sc *scratch) error {
	for _, c := range sc.back {
		if dst, ok := c.dst.([]byte); ok {
			b, err := e.space.Read(c.addr, uint64(len(dst)))
			if err != nil {
				return err
			}
			copy(dst, b)
			continue
		}
		rv := reflect.ValueOf(c.dst)
		et := rv.Type().Elem()
		for i := range rv.Len() {
			v, err := e.load(c.addr+uint64(i)*c.elem, c.typ, nil)
			if err != nil {
				return err
			}
			val := reflect.ValueOf(v)
			if !val.CanConvert(et) {
				break
			}
			rv.Index(i).Set(val.Convert(et))
		}
	}
	return nil
}

func withErrPath(err error, path []string) error {
	var e *errors.Error
	if errors.As(err, &e) && len(e.Path) == 0 {
		e.Path = path
	}
	return err
}

func mulSize(a, b uint64) (uint64, bool) {
	if a != 0 && b > ^uint64(0)/a {
		return 0, false
	}
	return a * b, true
}

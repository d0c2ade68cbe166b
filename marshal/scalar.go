package marshal

import (
	"encoding/binary"
	"math"
	"reflect"
	"unicode/utf8"

	"fortio.org/safecast"

	"github.com/wippyai/cffi-runtime/ctype"
	"github.com/wippyai/cffi-runtime/errors"
	"github.com/wippyai/cffi-runtime/layout"
)

// integer is a Go value reduced to a 64-bit integer. Values above
// math.MaxInt64 are only representable unsigned.
type integer struct {
	u    uint64
	i    int64
	big  bool // u > math.MaxInt64
	frac bool // source was a non-integral float
	inf  bool // source float out of the 64-bit range
}

func toInteger(v any) (integer, bool) {
	switch x := v.(type) {
	case int:
		return integer{i: int64(x)}, true
	case int32:
		return integer{i: int64(x)}, true
	case int64:
		return integer{i: x}, true
	case uint8:
		return integer{i: int64(x)}, true
	case uint32:
		return integer{i: int64(x)}, true
	case uint64:
		return fromUint(x), true
	case bool:
		if x {
			return integer{i: 1}, true
		}
		return integer{}, true
	case Pointer:
		return fromUint(uint64(x)), true
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return integer{i: rv.Int()}, true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return fromUint(rv.Uint()), true
	case reflect.Float32, reflect.Float64:
		f := rv.Float()
		if math.IsNaN(f) || math.IsInf(f, 0) || f < math.MinInt64 || f >= 1<<64 {
			return integer{inf: true}, true
		}
		if f != math.Trunc(f) {
			return integer{frac: true}, true
		}
		if f >= 1<<63 {
			return fromUint(uint64(f)), true
		}
		return integer{i: int64(f)}, true
	case reflect.Bool:
		if rv.Bool() {
			return integer{i: 1}, true
		}
		return integer{}, true
	}
	return integer{}, false
}

func fromUint(u uint64) integer {
	if u > math.MaxInt64 {
		return integer{u: u, big: true}
	}
	return integer{i: int64(u)}
}

// fits reports whether n is representable in a C integer of size bytes.
func (n integer) fits(size uint64, signed bool) bool {
	if n.inf || n.frac {
		return false
	}
	var err error
	if signed {
		if n.big {
			return false
		}
		switch size {
		case 1:
			_, err = safecast.Convert[int8](n.i)
		case 2:
			_, err = safecast.Convert[int16](n.i)
		case 4:
			_, err = safecast.Convert[int32](n.i)
		}
		return err == nil
	}
	if n.big {
		return size >= 8
	}
	switch size {
	case 1:
		_, err = safecast.Convert[uint8](n.i)
	case 2:
		_, err = safecast.Convert[uint16](n.i)
	case 4:
		_, err = safecast.Convert[uint32](n.i)
	default:
		_, err = safecast.Convert[uint64](n.i)
	}
	return err == nil
}

func (n integer) bits() uint64 {
	if n.big {
		return n.u
	}
	return uint64(n.i)
}

func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Float32, reflect.Float64:
		return rv.Float(), true
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(rv.Int()), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return float64(rv.Uint()), true
	}
	return 0, false
}

func putUint(b []byte, order binary.ByteOrder, v uint64) {
	switch len(b) {
	case 1:
		b[0] = byte(v)
	case 2:
		order.PutUint16(b, uint16(v))
	case 4:
		order.PutUint32(b, uint32(v))
	case 8:
		order.PutUint64(b, v)
	default:
		putWindow(b, order == binary.BigEndian, v)
	}
}

func getUint(b []byte, order binary.ByteOrder) uint64 {
	switch len(b) {
	case 1:
		return uint64(b[0])
	case 2:
		return uint64(order.Uint16(b))
	case 4:
		return uint64(order.Uint32(b))
	case 8:
		return order.Uint64(b)
	}
	return getWindow(b, order == binary.BigEndian)
}

// getWindow reads an integer of any width up to eight bytes.
func getWindow(b []byte, bigEndian bool) uint64 {
	var v uint64
	for i := range b {
		j := i
		if bigEndian {
			j = len(b) - 1 - i
		}
		v |= uint64(b[j]) << (8 * i)
	}
	return v
}

func putWindow(b []byte, bigEndian bool, v uint64) {
	for i := range b {
		j := i
		if bigEndian {
			j = len(b) - 1 - i
		}
		b[j] = byte(v >> (8 * i))
	}
}

func signExtend(v uint64, bits uint) int64 {
	shift := 64 - bits
	return int64(v<<shift) >> shift
}

// encodeScalar converts v to the bytes of the primitive or enum at id.
func (e *Engine) encodeScalar(id ctype.ID, v any, path []string) ([]byte, error) {
	p, ok := e.reg.PrimOf(id)
	if !ok {
		return nil, errors.TypeMismatch(errors.PhaseEncode, path, goTypeName(v), e.reg.Name(id))
	}
	if e.reg.KindOf(id) == ctype.KindEnum {
		if s, isStr := v.(string); isStr {
			val, err := e.enumValue(id, s)
			if err != nil {
				return nil, withErrPath(err, path)
			}
			v = val
		}
	}
	info := e.model.Scalar(p)
	b := make([]byte, info.Size)

	switch p.Category() {
	case ctype.CatFloat:
		f, ok := toFloat(v)
		if !ok {
			return nil, errors.TypeMismatch(errors.PhaseEncode, path, goTypeName(v), p.String())
		}
		e.putFloat(b, f)
		return b, nil
	case ctype.CatComplex:
		c, ok := toComplex(v)
		if !ok {
			return nil, errors.TypeMismatch(errors.PhaseEncode, path, goTypeName(v), p.String())
		}
		half := len(b) / 2
		e.putFloat(b[:half], real(c))
		e.putFloat(b[half:], imag(c))
		return b, nil
	case ctype.CatChar:
		v = charValue(v)
	case ctype.CatBool:
		n, ok := toInteger(v)
		if !ok {
			return nil, errors.TypeMismatch(errors.PhaseEncode, path, goTypeName(v), p.String())
		}
		if n.big || n.i < 0 || n.i > 1 || n.frac {
			return nil, errors.Overflow(errors.PhaseEncode, path, v, p.String())
		}
		putUint(b, e.order, uint64(n.i))
		return b, nil
	}

	n, ok := toInteger(v)
	if !ok {
		return nil, errors.TypeMismatch(errors.PhaseEncode, path, goTypeName(v), e.reg.Name(id))
	}
	if n.frac {
		err := errors.TypeMismatch(errors.PhaseEncode, path, goTypeName(v), e.reg.Name(id))
		err.Detail = "non-integral float for integer type"
		return nil, err
	}
	fits := n.fits(info.Size, e.model.Signed(p))
	if p.Category() == ctype.CatChar {
		// Character types take both signed and unsigned code units.
		fits = fits || n.fits(info.Size, !e.model.Signed(p))
	}
	if !fits {
		return nil, errors.Overflow(errors.PhaseEncode, path, v, e.reg.Name(id))
	}
	putUint(b, e.order, n.bits())
	return b, nil
}

// charValue turns one-character strings and byte slices into their code.
func charValue(v any) any {
	switch x := v.(type) {
	case string:
		r, size := utf8.DecodeRuneInString(x)
		if size == len(x) && size > 0 {
			if r == utf8.RuneError && size == 1 {
				return x[0]
			}
			return r
		}
	case []byte:
		if len(x) == 1 {
			return x[0]
		}
	}
	return v
}

func toComplex(v any) (complex128, bool) {
	switch x := v.(type) {
	case complex128:
		return x, true
	case complex64:
		return complex128(x), true
	}
	if f, ok := toFloat(v); ok {
		return complex(f, 0), true
	}
	return 0, false
}

// decodeScalar converts the bytes of the primitive or enum at id to the Go
// type of the same width.
func (e *Engine) decodeScalar(id ctype.ID, b []byte) (any, error) {
	p, ok := e.reg.PrimOf(id)
	if !ok {
		return nil, errors.TypeMismatch(errors.PhaseDecode, nil, "", e.reg.Name(id))
	}
	switch p.Category() {
	case ctype.CatFloat:
		f := e.getFloat(b)
		if p == ctype.PrimFloat {
			return float32(f), nil
		}
		return f, nil
	case ctype.CatComplex:
		half := len(b) / 2
		re, im := e.getFloat(b[:half]), e.getFloat(b[half:])
		if p == ctype.PrimFloatComplex {
			return complex64(complex(re, im)), nil
		}
		return complex(re, im), nil
	case ctype.CatBool:
		return getUint(b, e.order) != 0, nil
	case ctype.CatChar:
		u := getUint(b, e.order)
		if p == ctype.PrimChar {
			return byte(u), nil
		}
		if e.model.Signed(p) {
			return rune(signExtend(u, uint(8*len(b)))), nil
		}
		return rune(u), nil
	}
	u := getUint(b, e.order)
	if e.model.Signed(p) {
		switch len(b) {
		case 1:
			return int8(u), nil
		case 2:
			return int16(u), nil
		case 4:
			return int32(u), nil
		}
		return int64(u), nil
	}
	switch len(b) {
	case 1:
		return uint8(u), nil
	case 2:
		return uint16(u), nil
	case 4:
		return uint32(u), nil
	}
	return u, nil
}

func (e *Engine) putFloat(b []byte, f float64) {
	switch len(b) {
	case 4:
		e.order.PutUint32(b, math.Float32bits(float32(f)))
	case 8:
		e.order.PutUint64(b, math.Float64bits(f))
	default:
		if x87(e.model) {
			putExtended(b, f)
		} else {
			putQuad(b, e.order, f)
		}
	}
}

func (e *Engine) getFloat(b []byte) float64 {
	switch len(b) {
	case 4:
		return float64(math.Float32frombits(e.order.Uint32(b)))
	case 8:
		return math.Float64frombits(e.order.Uint64(b))
	}
	if x87(e.model) {
		return getExtended(b)
	}
	return getQuad(b, e.order)
}

// x87 reports whether long double is the 80-bit extended format.
func x87(m *layout.DataModel) bool {
	return m.Arch == layout.ArchSysVAMD64 || m.Arch == layout.ArchI386
}

// putQuad stores f as IEEE binary128.
func putQuad(b []byte, order binary.ByteOrder, f float64) {
	var hi, lo uint64
	if math.Signbit(f) {
		hi = 1 << 63
		f = -f
	}
	switch {
	case math.IsNaN(f):
		hi |= 0x7fff<<48 | 1<<47
	case math.IsInf(f, 0):
		hi |= 0x7fff << 48
	case f != 0:
		frac, exp := math.Frexp(f)
		m := uint64(math.Ldexp(frac, 64)) << 1
		hi |= uint64(exp-1+16383)<<48 | m>>16
		lo = m << 48
	}
	if order == binary.BigEndian {
		order.PutUint64(b[:8], hi)
		order.PutUint64(b[8:16], lo)
		return
	}
	order.PutUint64(b[:8], lo)
	order.PutUint64(b[8:16], hi)
}

func getQuad(b []byte, order binary.ByteOrder) float64 {
	hi, lo := order.Uint64(b[8:16]), order.Uint64(b[:8])
	if order == binary.BigEndian {
		hi, lo = lo, hi
	}
	neg := hi>>63 != 0
	exp := int(hi>>48) & 0x7fff
	mant := hi<<16 | lo>>48
	var f float64
	switch exp {
	case 0x7fff:
		if hi&(1<<48-1) != 0 || lo != 0 {
			return math.NaN()
		}
		f = math.Inf(1)
	case 0:
		f = math.Ldexp(float64(mant), 1-16383-64)
	default:
		f = math.Ldexp(float64(1<<63|mant>>1), exp-16383-63)
	}
	if neg {
		f = -f
	}
	return f
}

// putExtended stores f as the x87 80-bit format in the low ten bytes.
func putExtended(b []byte, f float64) {
	var se uint16
	var m uint64
	if math.Signbit(f) {
		se = 1 << 15
		f = -f
	}
	switch {
	case math.IsNaN(f):
		se |= 0x7fff
		m = 3 << 62
	case math.IsInf(f, 0):
		se |= 0x7fff
		m = 1 << 63
	case f != 0:
		frac, exp := math.Frexp(f)
		m = uint64(math.Ldexp(frac, 64))
		se |= uint16(exp - 1 + 16383)
	}
	binary.LittleEndian.PutUint64(b[:8], m)
	binary.LittleEndian.PutUint16(b[8:10], se)
	clear(b[10:])
}

func getExtended(b []byte) float64 {
	m := binary.LittleEndian.Uint64(b[:8])
	se := binary.LittleEndian.Uint16(b[8:10])
	exp := int(se & 0x7fff)
	var f float64
	if exp == 0x7fff {
		if m<<1 != 0 {
			return math.NaN()
		}
		f = math.Inf(1)
	} else {
		f = math.Ldexp(float64(m), exp-16383-63)
	}
	if se>>15 != 0 {
		f = -f
	}
	return f
}

func goTypeName(v any) string {
	if v == nil {
		return "nil"
	}
	return reflect.TypeOf(v).String()
}

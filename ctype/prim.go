package ctype

// Prim identifies a primitive C type. Sizes of model-dependent primitives
// (long, size_t, wchar_t, long double, ...) come from the target data model.
type Prim uint8

const (
	PrimChar Prim = iota
	PrimSChar
	PrimUChar
	PrimShort
	PrimUShort
	PrimInt
	PrimUInt
	PrimLong
	PrimULong
	PrimLongLong
	PrimULongLong
	PrimFloat
	PrimDouble
	PrimLongDouble
	PrimBool
	PrimWChar
	PrimChar16
	PrimChar32
	PrimInt8
	PrimUInt8
	PrimInt16
	PrimUInt16
	PrimInt32
	PrimUInt32
	PrimInt64
	PrimUInt64
	PrimIntPtr
	PrimUIntPtr
	PrimSize
	PrimSSize
	PrimPtrDiff
	PrimIntMax
	PrimUIntMax
	PrimFloatComplex
	PrimDoubleComplex

	primCount
)

type primInfo struct {
	name   string
	cat    Category
	signed bool
	size   uint64 // 0: depends on the data model
}

var prims = [primCount]primInfo{
	PrimChar:          {"char", CatChar, false, 1},
	PrimSChar:         {"signed char", CatInteger, true, 1},
	PrimUChar:         {"unsigned char", CatInteger, false, 1},
	PrimShort:         {"short", CatInteger, true, 2},
	PrimUShort:        {"unsigned short", CatInteger, false, 2},
	PrimInt:           {"int", CatInteger, true, 4},
	PrimUInt:          {"unsigned int", CatInteger, false, 4},
	PrimLong:          {"long", CatInteger, true, 0},
	PrimULong:         {"unsigned long", CatInteger, false, 0},
	PrimLongLong:      {"long long", CatInteger, true, 8},
	PrimULongLong:     {"unsigned long long", CatInteger, false, 8},
	PrimFloat:         {"float", CatFloat, true, 4},
	PrimDouble:        {"double", CatFloat, true, 8},
	PrimLongDouble:    {"long double", CatFloat, true, 0},
	PrimBool:          {"_Bool", CatBool, false, 1},
	PrimWChar:         {"wchar_t", CatChar, false, 0},
	PrimChar16:        {"char16_t", CatChar, false, 2},
	PrimChar32:        {"char32_t", CatChar, false, 4},
	PrimInt8:          {"int8_t", CatInteger, true, 1},
	PrimUInt8:         {"uint8_t", CatInteger, false, 1},
	PrimInt16:         {"int16_t", CatInteger, true, 2},
	PrimUInt16:        {"uint16_t", CatInteger, false, 2},
	PrimInt32:         {"int32_t", CatInteger, true, 4},
	PrimUInt32:        {"uint32_t", CatInteger, false, 4},
	PrimInt64:         {"int64_t", CatInteger, true, 8},
	PrimUInt64:        {"uint64_t", CatInteger, false, 8},
	PrimIntPtr:        {"intptr_t", CatInteger, true, 0},
	PrimUIntPtr:       {"uintptr_t", CatInteger, false, 0},
	PrimSize:          {"size_t", CatInteger, false, 0},
	PrimSSize:         {"ssize_t", CatInteger, true, 0},
	PrimPtrDiff:       {"ptrdiff_t", CatInteger, true, 0},
	PrimIntMax:        {"intmax_t", CatInteger, true, 8},
	PrimUIntMax:       {"uintmax_t", CatInteger, false, 8},
	PrimFloatComplex:  {"float _Complex", CatComplex, true, 8},
	PrimDoubleComplex: {"double _Complex", CatComplex, true, 16},
}

var primByName = func() map[string]Prim {
	m := make(map[string]Prim, primCount+8)
	for p := Prim(0); p < primCount; p++ {
		m[prims[p].name] = p
	}
	m["bool"] = PrimBool
	m["int_least8_t"] = PrimInt8
	m["uint_least8_t"] = PrimUInt8
	m["int_least16_t"] = PrimInt16
	m["uint_least16_t"] = PrimUInt16
	m["int_least32_t"] = PrimInt32
	m["uint_least32_t"] = PrimUInt32
	m["int_least64_t"] = PrimInt64
	m["uint_least64_t"] = PrimUInt64
	return m
}()

// PrimByName returns the primitive spelled name.
func PrimByName(name string) (Prim, bool) {
	p, ok := primByName[name]
	return p, ok
}

func (p Prim) String() string {
	if p < primCount {
		return prims[p].name
	}
	return "?"
}

// Category returns the value domain of p.
func (p Prim) Category() Category { return prims[p].cat }

// Signed reports the signedness of p. Plain char is reported unsigned here;
// data models with a signed char override it.
func (p Prim) Signed() bool { return prims[p].signed }

// FixedSize returns the size of p when it does not depend on the model.
func (p Prim) FixedSize() (uint64, bool) {
	s := prims[p].size
	return s, s != 0
}

// IsInteger reports whether p holds integer values (including char and
// _Bool).
func (p Prim) IsInteger() bool {
	c := prims[p].cat
	return c == CatInteger || c == CatChar || c == CatBool
}

// IsFloat reports whether p is a real floating type.
func (p Prim) IsFloat() bool { return prims[p].cat == CatFloat }

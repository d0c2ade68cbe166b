package ffi

import (
	"fmt"
	"math"

	"github.com/wippyai/cffi-runtime/ctype"
	"github.com/wippyai/cffi-runtime/errors"
	"github.com/wippyai/cffi-runtime/marshal"
)

// varargType infers the C type of a variable argument from its Go value.
// Typed cdata keep their type; Go numbers map to the C type of the same
// width before default promotions.
func (f *FFI) varargType(v any, path string) (ctype.ID, error) {
	reg := f.reg
	switch x := v.(type) {
	case *marshal.CData:
		return x.Type(), nil
	case *marshal.Callback:
		return reg.PointerTo(x.Descriptor().Func), nil
	case string, []byte:
		return reg.PointerTo(reg.Prim(ctype.PrimChar)), nil
	case nil, marshal.Pointer:
		return reg.PointerTo(reg.Void()), nil
	case bool, int8, int16, int32:
		return reg.Prim(ctype.PrimInt), nil
	case uint8, uint16, uint32:
		return reg.Prim(ctype.PrimUInt), nil
	case int:
		if x < math.MinInt32 || x > math.MaxInt32 {
			return reg.Prim(ctype.PrimLongLong), nil
		}
		return reg.Prim(ctype.PrimInt), nil
	case int64:
		return reg.Prim(ctype.PrimLongLong), nil
	case uint, uint64, uintptr:
		return reg.Prim(ctype.PrimULongLong), nil
	case float32, float64:
		return reg.Prim(ctype.PrimDouble), nil
	}
	err := errors.TypeMismatch(errors.PhaseCall, []string{path}, typeName(v), "variable argument")
	err.Detail = "pass a cdata to give the argument an explicit C type"
	return ctype.Invalid, err
}

func typeName(v any) string {
	if v == nil {
		return "nil"
	}
	return fmt.Sprintf("%T", v)
}

func toInt64(v any) int64 {
	switch x := v.(type) {
	case int32:
		return int64(x)
	case uint32:
		return int64(x)
	case int16:
		return int64(x)
	case uint16:
		return int64(x)
	case int8:
		return int64(x)
	case uint8:
		return int64(x)
	case uint64:
		return int64(x)
	case int:
		return int64(x)
	case int64:
		return x
	}
	return 0
}

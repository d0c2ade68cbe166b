package wasmgen

import (
	"github.com/tetratelabs/wazero/api"
)

// AppendULEB128 appends v in unsigned LEB128 form.
func AppendULEB128(dst []byte, v uint32) []byte {
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v == 0 {
			return append(dst, b)
		}
		dst = append(dst, b|0x80)
	}
}

// AppendSLEB128 appends v in signed LEB128 form.
func AppendSLEB128[T int32 | int64](dst []byte, v T) []byte {
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if (v == 0 && b&0x40 == 0) || (v == -1 && b&0x40 != 0) {
			return append(dst, b)
		}
		dst = append(dst, b|0x80)
	}
}

// DecodeULEB128 decodes an unsigned LEB128 value and returns it with the
// number of bytes consumed.
func DecodeULEB128(data []byte) (uint32, int) {
	var result uint32
	var shift uint32
	for i, b := range data {
		result |= uint32(b&0x7f) << shift
		if b&0x80 == 0 {
			return result, i + 1
		}
		shift += 7
		if shift > 35 {
			return result, i + 1
		}
	}
	return result, len(data)
}

// ValType returns the binary encoding of a value type.
func ValType(t api.ValueType) byte {
	switch t {
	case api.ValueTypeI64:
		return 0x7e
	case api.ValueTypeF32:
		return 0x7d
	case api.ValueTypeF64:
		return 0x7c
	case api.ValueTypeExternref:
		return 0x6f
	}
	return 0x7f
}

func appendName(dst []byte, s string) []byte {
	dst = AppendULEB128(dst, uint32(len(s)))
	return append(dst, s...)
}

func appendTypes(dst []byte, ts []api.ValueType) []byte {
	dst = AppendULEB128(dst, uint32(len(ts)))
	for _, t := range ts {
		dst = append(dst, ValType(t))
	}
	return dst
}

func appendSection(dst []byte, id byte, body []byte) []byte {
	dst = append(dst, id)
	dst = AppendULEB128(dst, uint32(len(body)))
	return append(dst, body...)
}

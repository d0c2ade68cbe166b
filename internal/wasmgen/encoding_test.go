package wasmgen

import (
	"bytes"
	"testing"

	"github.com/tetratelabs/wazero/api"
)

func TestAppendULEB128(t *testing.T) {
	tests := []struct {
		expected []byte
		input    uint32
	}{
		{[]byte{0x00}, 0},
		{[]byte{0x01}, 1},
		{[]byte{0x7f}, 127},
		{[]byte{0x80, 0x01}, 128},
		{[]byte{0xe5, 0x8e, 0x26}, 624485},
		{[]byte{0xff, 0xff, 0xff, 0xff, 0x0f}, 0xffffffff},
	}

	for _, tt := range tests {
		got := AppendULEB128(nil, tt.input)
		if !bytes.Equal(got, tt.expected) {
			t.Errorf("AppendULEB128(%d) = % x, want % x", tt.input, got, tt.expected)
		}
		v, n := DecodeULEB128(got)
		if v != tt.input || n != len(got) {
			t.Errorf("DecodeULEB128(% x) = %d, %d; want %d, %d", got, v, n, tt.input, len(got))
		}
	}
}

func TestDecodeULEB128_Truncated(t *testing.T) {
	v, n := DecodeULEB128([]byte{0x80, 0x80})
	if v != 0 || n != 2 {
		t.Errorf("got %d, %d", v, n)
	}
}

func TestAppendSLEB128(t *testing.T) {
	tests32 := []struct {
		expected []byte
		input    int32
	}{
		{[]byte{0x00}, 0},
		{[]byte{0x01}, 1},
		{[]byte{0x7f}, -1},
		{[]byte{0x3f}, 63},
		{[]byte{0x40}, -64},
		{[]byte{0xc0, 0x00}, 64},
		{[]byte{0xbf, 0x7f}, -65},
		{[]byte{0x80, 0x80, 0x80, 0x80, 0x78}, -2147483648},
	}
	for _, tt := range tests32 {
		if got := AppendSLEB128(nil, tt.input); !bytes.Equal(got, tt.expected) {
			t.Errorf("AppendSLEB128(int32 %d) = % x, want % x", tt.input, got, tt.expected)
		}
	}

	tests64 := []struct {
		expected []byte
		input    int64
	}{
		{[]byte{0x00}, 0},
		{[]byte{0x7f}, -1},
		{[]byte{0x80, 0x80, 0x80, 0x80, 0x10}, 1 << 32},
		{[]byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0x00}, 1<<63 - 1},
	}
	for _, tt := range tests64 {
		if got := AppendSLEB128(nil, tt.input); !bytes.Equal(got, tt.expected) {
			t.Errorf("AppendSLEB128(int64 %d) = % x, want % x", tt.input, got, tt.expected)
		}
	}
}

func TestValType(t *testing.T) {
	tests := []struct {
		in   api.ValueType
		want byte
	}{
		{api.ValueTypeI32, 0x7f},
		{api.ValueTypeI64, 0x7e},
		{api.ValueTypeF32, 0x7d},
		{api.ValueTypeF64, 0x7c},
		{api.ValueTypeExternref, 0x6f},
	}
	for _, tt := range tests {
		if got := ValType(tt.in); got != tt.want {
			t.Errorf("ValType(%s) = 0x%02x, want 0x%02x", api.ValueTypeName(tt.in), got, tt.want)
		}
	}
}

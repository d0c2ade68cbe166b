package heap

import (
	"encoding/binary"
	"testing"

	"github.com/wippyai/cffi-runtime/errors"
)

func TestHeap_AllocReadWrite(t *testing.T) {
	h := New(nil)
	addr, err := h.Alloc(16, 8)
	if err != nil {
		t.Fatalf("Alloc failed: %v", err)
	}
	if addr%8 != 0 {
		t.Errorf("addr 0x%x is not 8-aligned", addr)
	}
	if err := h.WriteU32(addr+4, 0xdeadbeef); err != nil {
		t.Fatalf("WriteU32 failed: %v", err)
	}
	b, err := h.Read(addr, 8)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	want := []byte{0, 0, 0, 0, 0xef, 0xbe, 0xad, 0xde}
	for i := range want {
		if b[i] != want[i] {
			t.Fatalf("byte %d = %#x, want %#x", i, b[i], want[i])
		}
	}
	v, err := h.ReadU64(addr)
	if err != nil {
		t.Fatalf("ReadU64 failed: %v", err)
	}
	if v != 0xdeadbeef00000000 {
		t.Errorf("ReadU64 = %#x", v)
	}
}

func TestHeap_BigEndian(t *testing.T) {
	h := New(binary.BigEndian)
	addr, _ := h.Alloc(2, 2)
	if err := h.WriteU16(addr, 0x0102); err != nil {
		t.Fatal(err)
	}
	b, _ := h.ReadU8(addr)
	if b != 0x01 {
		t.Errorf("first byte = %#x, want 0x01", b)
	}
}

func TestHeap_OutOfBounds(t *testing.T) {
	h := New(nil)
	addr, _ := h.Alloc(4, 4)

	tests := []struct {
		name string
		addr uint64
		n    uint64
	}{
		{"past end", addr + 2, 4},
		{"before start", addr - 1, 1},
		{"null", 0, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.Read(tt.addr, tt.n)
			if !errors.Is(err, errors.ErrOutOfBounds) {
				t.Errorf("err = %v, want out of bounds", err)
			}
		})
	}
}

func TestHeap_FreeInvalidates(t *testing.T) {
	h := New(nil)
	a, _ := h.Alloc(8, 8)
	h.Free(a, 8, 8)
	if _, err := h.ReadU8(a); err == nil {
		t.Error("read after free succeeded")
	}
	b, _ := h.Alloc(8, 8)
	if a == b {
		t.Error("address reused after free")
	}
	if h.Live() != 1 {
		t.Errorf("Live = %d, want 1", h.Live())
	}
}

func TestHeap_Map(t *testing.T) {
	h := New(nil)
	buf := []byte{1, 2, 3, 4}
	addr, err := h.Map(buf, false)
	if err != nil {
		t.Fatal(err)
	}
	if err := h.WriteU8(addr+1, 9); err != nil {
		t.Fatal(err)
	}
	if buf[1] != 9 {
		t.Errorf("write did not reach mapped buffer: %v", buf)
	}
	h.Unmap(addr, buf)
	if h.Live() != 0 {
		t.Errorf("Live = %d after unmap", h.Live())
	}

	ro, _ := h.Map(buf, true)
	if !h.ReadOnly(ro, 4) {
		t.Error("ReadOnly = false for read-only mapping")
	}
	if err := h.WriteU8(ro, 0); !errors.Is(err, errors.ErrInvalidInput) {
		t.Errorf("write to read-only mapping: err = %v", err)
	}
}

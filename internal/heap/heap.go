// Package heap provides a Go-backed native address space. Blocks live in
// Go memory and are addressed by synthetic addresses that are never reused,
// so stale pointers fail instead of aliasing newer allocations.
package heap

import (
	"encoding/binary"
	"fmt"
	"sort"
	"sync"

	"github.com/wippyai/cffi-runtime/errors"
)

const (
	base  = 0x10000
	guard = 16
)

type block struct {
	data     []byte
	addr     uint64
	readOnly bool
	mapped   bool
}

func (b *block) end() uint64 { return b.addr + uint64(len(b.data)) }

// Heap implements cffiruntime.AddressSpace, ReadOnlyChecker and Mapper.
type Heap struct {
	order  binary.ByteOrder
	blocks []*block // sorted by addr
	next   uint64
	mu     sync.RWMutex
}

// New creates an empty heap using order for multi-byte accessors. nil
// selects little endian.
func New(order binary.ByteOrder) *Heap {
	if order == nil {
		order = binary.LittleEndian
	}
	return &Heap{order: order, next: base}
}

// Live returns the number of allocated or mapped blocks.
func (h *Heap) Live() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.blocks)
}

func (h *Heap) insert(b *block) {
	h.blocks = append(h.blocks, b)
}

func (h *Heap) reserve(size, align uint64) uint64 {
	if align == 0 {
		align = 1
	}
	addr := (h.next + align - 1) &^ (align - 1)
	h.next = addr + size + guard
	return addr
}

// Alloc returns the address of size fresh zeroed bytes.
func (h *Heap) Alloc(size, align uint64) (uint64, error) {
	if size > 1<<32 {
		return 0, fmt.Errorf("allocation of %d bytes exceeds heap limit", size)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	addr := h.reserve(size, align)
	h.insert(&block{addr: addr, data: make([]byte, size)})
	return addr, nil
}

// Free releases the block at addr. Unknown addresses are ignored.
func (h *Heap) Free(addr, _, _ uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.remove(addr)
}

func (h *Heap) remove(addr uint64) *block {
	i := sort.Search(len(h.blocks), func(i int) bool { return h.blocks[i].addr >= addr })
	if i == len(h.blocks) || h.blocks[i].addr != addr {
		return nil
	}
	b := h.blocks[i]
	h.blocks = append(h.blocks[:i], h.blocks[i+1:]...)
	return b
}

// Map exposes b directly: writes through the returned address are visible
// in b.
func (h *Heap) Map(b []byte, readOnly bool) (uint64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	addr := h.reserve(uint64(len(b)), 16)
	h.insert(&block{addr: addr, data: b, readOnly: readOnly, mapped: true})
	return addr, nil
}

// Unmap removes a mapping created by Map.
func (h *Heap) Unmap(addr uint64, _ []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.remove(addr)
}

func (h *Heap) find(addr, length uint64) (*block, error) {
	i := sort.Search(len(h.blocks), func(i int) bool { return h.blocks[i].end() > addr })
	if i < len(h.blocks) {
		b := h.blocks[i]
		if addr >= b.addr && addr+length <= b.end() {
			return b, nil
		}
	}
	return nil, errors.New(errors.PhaseLifetime, errors.KindOutOfBounds).
		Detail("access of %d bytes at 0x%x is outside any live block", length, addr).
		Build()
}

// ReadOnly reports whether [addr, addr+length) lies in a read-only mapping.
func (h *Heap) ReadOnly(addr, length uint64) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	b, err := h.find(addr, length)
	return err == nil && b.readOnly
}

func (h *Heap) view(addr, length uint64) ([]byte, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	b, err := h.find(addr, length)
	if err != nil {
		return nil, err
	}
	off := addr - b.addr
	return b.data[off : off+length], nil
}

func (h *Heap) writable(addr, length uint64) ([]byte, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	b, err := h.find(addr, length)
	if err != nil {
		return nil, err
	}
	if b.readOnly {
		return nil, errors.New(errors.PhaseEncode, errors.KindInvalidInput).
			Detail("write to read-only memory at 0x%x", addr).
			Build()
	}
	off := addr - b.addr
	return b.data[off : off+length], nil
}

func (h *Heap) Read(addr, length uint64) ([]byte, error) {
	v, err := h.view(addr, length)
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), v...), nil
}

func (h *Heap) Write(addr uint64, data []byte) error {
	v, err := h.writable(addr, uint64(len(data)))
	if err != nil {
		return err
	}
	copy(v, data)
	return nil
}

func (h *Heap) ReadU8(addr uint64) (uint8, error) {
	v, err := h.view(addr, 1)
	if err != nil {
		return 0, err
	}
	return v[0], nil
}

func (h *Heap) ReadU16(addr uint64) (uint16, error) {
	v, err := h.view(addr, 2)
	if err != nil {
		return 0, err
	}
	return h.order.Uint16(v), nil
}

func (h *Heap) ReadU32(addr uint64) (uint32, error) {
	v, err := h.view(addr, 4)
	if err != nil {
		return 0, err
	}
	return h.order.Uint32(v), nil
}

func (h *Heap) ReadU64(addr uint64) (uint64, error) {
	v, err := h.view(addr, 8)
	if err != nil {
		return 0, err
	}
	return h.order.Uint64(v), nil
}

func (h *Heap) WriteU8(addr uint64, value uint8) error {
	v, err := h.writable(addr, 1)
	if err != nil {
		return err
	}
	v[0] = value
	return nil
}

func (h *Heap) WriteU16(addr uint64, value uint16) error {
	v, err := h.writable(addr, 2)
	if err != nil {
		return err
	}
	h.order.PutUint16(v, value)
	return nil
}

func (h *Heap) WriteU32(addr uint64, value uint32) error {
	v, err := h.writable(addr, 4)
	if err != nil {
		return err
	}
	h.order.PutUint32(v, value)
	return nil
}

func (h *Heap) WriteU64(addr uint64, value uint64) error {
	v, err := h.writable(addr, 8)
	if err != nil {
		return err
	}
	h.order.PutUint64(v, value)
	return nil
}

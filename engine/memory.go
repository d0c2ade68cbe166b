package engine

import (
	"context"
	"math"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"

	"github.com/wippyai/cffi-runtime/errors"
)

// Memory is a library's linear memory seen as a native address space. It
// implements cffiruntime.AddressSpace, ReadOnlyChecker and Mapper.
// Multi-byte accessors are little endian.
type Memory struct {
	lib          *Library
	mem          api.Memory
	malloc       api.Function
	free         api.Function
	alignedAlloc api.Function
	maps         *xsync.MapOf[uint64, mapping]
}

// mapping records a buffer copied in by Map.
type mapping struct {
	size     uint64
	readOnly bool
}

// Size returns the current memory size in bytes.
func (m *Memory) Size() uint32 { return m.mem.Size() }

func (m *Memory) bounds(addr, length uint64) error {
	if addr > math.MaxUint32 || length > math.MaxUint32 || addr+length > uint64(m.mem.Size()) {
		return errors.New(errors.PhaseLifetime, errors.KindOutOfBounds).
			Detail("access of %d bytes at 0x%x is outside linear memory (%d bytes)", length, addr, m.mem.Size()).
			Build()
	}
	return nil
}

// Alloc allocates through the library's allocator. Alignments above 16
// need an aligned_alloc export.
func (m *Memory) Alloc(size, align uint64) (uint64, error) {
	release := m.lib.acquire(context.Background())
	defer release()
	return m.alloc(context.Background(), size, align)
}

// alloc calls the allocator. The library must be held.
func (m *Memory) alloc(ctx context.Context, size, align uint64) (uint64, error) {
	if size > math.MaxUint32 {
		return 0, errors.AllocationFailed(errors.PhaseLifetime, size, align, nil)
	}
	var (
		stack [2]uint64
		fn    api.Function
		n     int
	)
	switch {
	case align > 16:
		if m.alignedAlloc == nil {
			return 0, errors.New(errors.PhaseLifetime, errors.KindAllocation).
				Detail("alignment %d needs an %s export", align, m.lib.rt.cfg.AlignedAlloc).
				Build()
		}
		fn, n = m.alignedAlloc, 2
		stack[0], stack[1] = align, size
	default:
		if m.malloc == nil {
			return 0, errors.New(errors.PhaseLifetime, errors.KindAllocation).
				Detail("library exports no %s", m.lib.rt.cfg.Malloc).
				Build()
		}
		fn, n = m.malloc, 1
		stack[0] = size
	}
	if err := fn.CallWithStack(ctx, stack[:n]); err != nil {
		return 0, errors.AllocationFailed(errors.PhaseLifetime, size, align, err)
	}
	addr := uint64(uint32(stack[0]))
	if addr == 0 {
		return 0, errors.AllocationFailed(errors.PhaseLifetime, size, align, nil)
	}
	return addr, nil
}

// Free returns addr to the library's allocator.
func (m *Memory) Free(addr, _, _ uint64) {
	release := m.lib.acquire(context.Background())
	defer release()
	m.release(context.Background(), addr)
}

// release calls free. The library must be held.
func (m *Memory) release(ctx context.Context, addr uint64) {
	if m.free == nil || addr == 0 {
		return
	}
	stack := [1]uint64{addr}
	if err := m.free.CallWithStack(ctx, stack[:]); err != nil {
		Logger().Warn("free failed", zap.Uint64("addr", addr), zap.Error(err))
	}
}

// Map copies b into freshly allocated memory. Unmap copies writable
// mappings back into b.
func (m *Memory) Map(b []byte, readOnly bool) (uint64, error) {
	addr, err := m.Alloc(uint64(max(len(b), 1)), 16)
	if err != nil {
		return 0, err
	}
	if err := m.Write(addr, b); err != nil {
		m.Free(addr, 0, 0)
		return 0, err
	}
	m.maps.Store(addr, mapping{size: uint64(len(b)), readOnly: readOnly})
	return addr, nil
}

// Unmap ends a mapping created by Map.
func (m *Memory) Unmap(addr uint64, b []byte) {
	mp, ok := m.maps.LoadAndDelete(addr)
	if !ok {
		return
	}
	if !mp.readOnly {
		if data, ok := m.mem.Read(uint32(addr), uint32(mp.size)); ok {
			copy(b, data)
		}
	}
	m.Free(addr, mp.size, 16)
}

// ReadOnly reports whether [addr, addr+length) lies in a read-only mapping.
func (m *Memory) ReadOnly(addr, length uint64) bool {
	ro := false
	m.maps.Range(func(start uint64, mp mapping) bool {
		if addr >= start && addr+length <= start+mp.size {
			ro = mp.readOnly
			return false
		}
		return true
	})
	return ro
}

func (m *Memory) Read(addr, length uint64) ([]byte, error) {
	if err := m.bounds(addr, length); err != nil {
		return nil, err
	}
	data, _ := m.mem.Read(uint32(addr), uint32(length))
	return append([]byte(nil), data...), nil
}

func (m *Memory) Write(addr uint64, data []byte) error {
	if err := m.bounds(addr, uint64(len(data))); err != nil {
		return err
	}
	m.mem.Write(uint32(addr), data)
	return nil
}

func (m *Memory) ReadU8(addr uint64) (uint8, error) {
	if err := m.bounds(addr, 1); err != nil {
		return 0, err
	}
	v, _ := m.mem.ReadByte(uint32(addr))
	return v, nil
}

func (m *Memory) ReadU16(addr uint64) (uint16, error) {
	if err := m.bounds(addr, 2); err != nil {
		return 0, err
	}
	v, _ := m.mem.ReadUint16Le(uint32(addr))
	return v, nil
}

func (m *Memory) ReadU32(addr uint64) (uint32, error) {
	if err := m.bounds(addr, 4); err != nil {
		return 0, err
	}
	v, _ := m.mem.ReadUint32Le(uint32(addr))
	return v, nil
}

func (m *Memory) ReadU64(addr uint64) (uint64, error) {
	if err := m.bounds(addr, 8); err != nil {
		return 0, err
	}
	v, _ := m.mem.ReadUint64Le(uint32(addr))
	return v, nil
}

func (m *Memory) WriteU8(addr uint64, value uint8) error {
	if err := m.bounds(addr, 1); err != nil {
		return err
	}
	m.mem.WriteByte(uint32(addr), value)
	return nil
}

func (m *Memory) WriteU16(addr uint64, value uint16) error {
	if err := m.bounds(addr, 2); err != nil {
		return err
	}
	m.mem.WriteUint16Le(uint32(addr), value)
	return nil
}

func (m *Memory) WriteU32(addr uint64, value uint32) error {
	if err := m.bounds(addr, 4); err != nil {
		return err
	}
	m.mem.WriteUint32Le(uint32(addr), value)
	return nil
}

func (m *Memory) WriteU64(addr uint64, value uint64) error {
	if err := m.bounds(addr, 8); err != nil {
		return err
	}
	m.mem.WriteUint64Le(uint32(addr), value)
	return nil
}

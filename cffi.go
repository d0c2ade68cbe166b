package cffiruntime

// Memory is a byte-addressable native address space.
// Multi-byte accessors use the byte order of the address space.
type Memory interface {
	Read(addr uint64, length uint64) ([]byte, error)
	Write(addr uint64, data []byte) error
	ReadU8(addr uint64) (uint8, error)
	ReadU16(addr uint64) (uint16, error)
	ReadU32(addr uint64) (uint32, error)
	ReadU64(addr uint64) (uint64, error)
	WriteU8(addr uint64, value uint8) error
	WriteU16(addr uint64, value uint16) error
	WriteU32(addr uint64, value uint32) error
	WriteU64(addr uint64, value uint64) error
}

// ReadOnlyChecker is implemented by address spaces that can report
// read-only regions.
type ReadOnlyChecker interface {
	ReadOnly(addr uint64, length uint64) bool
}

// Allocator allocates native memory in an address space.
type Allocator interface {
	Alloc(size, align uint64) (uint64, error)
	Free(addr, size, align uint64)
}

// AddressSpace bundles memory access with its allocator.
type AddressSpace interface {
	Memory
	Allocator
}

// Mapper is implemented by address spaces that can expose external byte
// buffers at native addresses. Unmap is called once the view is no longer
// used; writable views publish their final contents back into b.
type Mapper interface {
	Map(b []byte, readOnly bool) (uint64, error)
	Unmap(addr uint64, b []byte)
}

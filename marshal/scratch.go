package marshal

import (
	"sync"

	cffiruntime "github.com/wippyai/cffi-runtime"
	"github.com/wippyai/cffi-runtime/ctype"
)

// allocation is one temporary native buffer.
type allocation struct {
	addr  uint64
	size  uint64
	align uint64
}

// copyBack publishes a temporary buffer into a Go slice after the call.
type copyBack struct {
	dst  any
	addr uint64
	elem uint64
	typ  ctype.ID
}

// scratch tracks the temporaries of one call. They are freed when the call
// returns.
type scratch struct {
	space       cffiruntime.AddressSpace
	allocations []allocation
	back        []copyBack
}

var scratchPool = sync.Pool{
	New: func() any {
		return &scratch{allocations: make([]allocation, 0, 8)}
	},
}

const maxPooledScratch = 128

func newScratch(space cffiruntime.AddressSpace) *scratch {
	s := scratchPool.Get().(*scratch)
	s.space = space
	return s
}

func (s *scratch) alloc(size, align uint64) (uint64, error) {
	if align == 0 {
		align = 1
	}
	n := max(size, 1)
	addr, err := s.space.Alloc(n, align)
	if err != nil {
		return 0, err
	}
	if err := s.space.Write(addr, make([]byte, n)); err != nil {
		s.space.Free(addr, n, align)
		return 0, err
	}
	s.allocations = append(s.allocations, allocation{addr: addr, size: n, align: align})
	return addr, nil
}

func (s *scratch) addCopyBack(c copyBack) {
	s.back = append(s.back, c)
}

// release frees every temporary and returns s to the pool. s is invalid
// afterwards.
func (s *scratch) release() {
	for i := len(s.allocations) - 1; i >= 0; i-- {
		a := s.allocations[i]
		s.space.Free(a.addr, a.size, a.align)
	}
	if cap(s.allocations) > maxPooledScratch {
		return
	}
	s.allocations = s.allocations[:0]
	s.back = s.back[:0]
	s.space = nil
	scratchPool.Put(s)
}

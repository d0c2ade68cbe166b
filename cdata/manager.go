package cdata

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	cffiruntime "github.com/wippyai/cffi-runtime"
	"github.com/wippyai/cffi-runtime/errors"
)

// Manager creates handles over one native address space and tracks how
// many are live.
type Manager struct {
	space     cffiruntime.AddressSpace
	observers map[uint64]Observer
	obsMu     sync.RWMutex
	obsNext   uint64
	live      atomic.Int64
}

// NewManager creates a manager allocating from space.
func NewManager(space cffiruntime.AddressSpace) *Manager {
	return &Manager{space: space}
}

// Space returns the managed address space.
func (m *Manager) Space() cffiruntime.AddressSpace { return m.space }

// Live returns the number of handles not yet released or finalized.
func (m *Manager) Live() int { return int(m.live.Load()) }

// Subscribe adds an observer for lifecycle events. The returned function
// removes it.
func (m *Manager) Subscribe(o Observer) func() {
	m.obsMu.Lock()
	defer m.obsMu.Unlock()
	if m.observers == nil {
		m.observers = make(map[uint64]Observer)
	}
	id := m.obsNext
	m.obsNext++
	m.observers[id] = o
	return func() {
		m.obsMu.Lock()
		defer m.obsMu.Unlock()
		delete(m.observers, id)
	}
}

func (m *Manager) notify(e Event) {
	m.obsMu.RLock()
	defer m.obsMu.RUnlock()
	for _, o := range m.observers {
		o.OnCdataEvent(e)
	}
}

func (m *Manager) track(h *Handle) *Handle {
	h.m = m
	h.refs.Store(1)
	m.live.Add(1)
	m.notify(Event{Handle: h, Type: EventCreated})
	return h
}

// Allocate returns an owning handle over size fresh bytes. zero clears
// them.
func (m *Manager) Allocate(size, align uint64, zero bool) (*Handle, error) {
	if align == 0 {
		align = 1
	}
	n := max(size, 1)
	addr, err := m.space.Alloc(n, align)
	if err != nil {
		return nil, errors.AllocationFailed(errors.PhaseLifetime, size, align, err)
	}
	if addr == 0 {
		return nil, errors.AllocationFailed(errors.PhaseLifetime, size, align, nil)
	}
	if zero {
		if err := m.space.Write(addr, make([]byte, n)); err != nil {
			m.space.Free(addr, n, align)
			return nil, errors.AllocationFailed(errors.PhaseLifetime, size, align, err)
		}
	}
	Logger().Debug("cdata allocate", zap.Uint64("addr", addr), zap.Uint64("size", size))
	return m.track(&Handle{addr: addr, size: size, alloc: n, align: align, owning: true}), nil
}

// Wrap returns a non-owning handle over memory owned elsewhere.
func (m *Manager) Wrap(addr, size uint64) *Handle {
	return m.track(&Handle{addr: addr, size: size})
}

// AttachFinalizer returns a new handle viewing the same memory as h that
// holds a reference to h. When the new handle goes away fn runs with h and
// the reference is dropped. Finalizers attached in a chain therefore run
// most recent first.
func (m *Manager) AttachFinalizer(h *Handle, fn func(*Handle)) (*Handle, error) {
	if err := h.Retain(); err != nil {
		return nil, err
	}
	return m.track(&Handle{
		addr:      h.addr,
		size:      h.size,
		readOnly:  h.readOnly,
		target:    h,
		finalizer: fn,
	}), nil
}

// FromBuffer exposes buf at a native address. A writable view over a
// read-only buffer fails here rather than at first write.
func (m *Manager) FromBuffer(buf Buffer, writable bool) (*Handle, error) {
	if writable && buf.ReadOnly() {
		return nil, errors.InvalidInput(errors.PhaseLifetime, nil, "writable view requested over a read-only buffer")
	}
	mapper, ok := m.space.(cffiruntime.Mapper)
	if !ok {
		return nil, errors.InvalidInput(errors.PhaseLifetime, nil, "address space cannot map external buffers")
	}
	b := buf.Bytes()
	addr, err := mapper.Map(b, !writable)
	if err != nil {
		return nil, errors.AllocationFailed(errors.PhaseLifetime, uint64(len(b)), 1, err)
	}
	return m.track(&Handle{
		addr:     addr,
		size:     uint64(len(b)),
		readOnly: !writable,
		unmap:    func() { mapper.Unmap(addr, b) },
	}), nil
}

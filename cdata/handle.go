package cdata

import (
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/wippyai/cffi-runtime/errors"
)

// Handle is a reference-counted view of native memory. An owning handle
// frees its memory when it is finalized or released; a non-owning handle
// only references memory owned elsewhere.
//
// A handle starts with one reference. Retain adds one, Drop removes one,
// and dropping the last reference finalizes the handle. Release tears the
// handle down immediately regardless of the count.
type Handle struct {
	m *Manager

	addr     uint64
	size     uint64
	alloc    uint64
	align    uint64
	owning   bool
	readOnly bool

	refs  atomic.Int32
	state atomic.Uint32

	mu sync.Mutex
	// keep holds dependencies released after this handle.
	keep []*Handle
	// target is the handle a finalizer handle wraps.
	target    *Handle
	finalizer func(*Handle)
	unmap     func()
}

// Addr returns the native address. It is 0 for NULL handles.
func (h *Handle) Addr() uint64 { return h.addr }

// Size returns the length of the viewed memory in bytes.
func (h *Handle) Size() uint64 { return h.size }

// Owning reports whether the handle frees its memory.
func (h *Handle) Owning() bool { return h.owning }

// ReadOnly reports whether writes through the handle are forbidden.
func (h *Handle) ReadOnly() bool { return h.readOnly }

// State returns the lifecycle state.
func (h *Handle) State() State { return State(h.state.Load()) }

// Refs returns the current reference count.
func (h *Handle) Refs() int { return int(h.refs.Load()) }

// Target returns the handle wrapped by a finalizer handle, or nil.
func (h *Handle) Target() *Handle { return h.target }

func (h *Handle) String() string {
	return fmt.Sprintf("cdata 0x%x (%d bytes)", h.addr, h.size)
}

// Check reports an error once the handle has been released or finalized.
func (h *Handle) Check() error {
	if h == nil {
		return errors.NilPointer(errors.PhaseLifetime, nil, "")
	}
	if h.State() != StateLive {
		return errors.Released(errors.PhaseLifetime, h.String())
	}
	return nil
}

// Retain adds a reference.
func (h *Handle) Retain() error {
	if err := h.Check(); err != nil {
		return err
	}
	h.refs.Add(1)
	return nil
}

// Drop removes a reference. Dropping the last one finalizes the handle:
// its finalizer runs, its memory is freed and its dependencies are dropped.
func (h *Handle) Drop() {
	if h == nil {
		return
	}
	if h.refs.Add(-1) == 0 {
		h.teardown(StateFinalized)
	}
}

// Release tears the handle down now. It is idempotent.
func (h *Handle) Release() {
	if h == nil {
		return
	}
	h.teardown(StateReleased)
}

// KeepAlive makes h hold a reference to dep until h goes away.
func (h *Handle) KeepAlive(dep *Handle) error {
	if err := h.Check(); err != nil {
		return err
	}
	if err := dep.Retain(); err != nil {
		return err
	}
	h.mu.Lock()
	h.keep = append(h.keep, dep)
	h.mu.Unlock()
	return nil
}

// DetachFinalizer removes the finalizer installed on h by AttachFinalizer.
// It reports whether there was one.
func (h *Handle) DetachFinalizer() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	had := h.finalizer != nil
	h.finalizer = nil
	return had
}

func (h *Handle) teardown(final State) {
	if !h.state.CompareAndSwap(uint32(StateLive), uint32(final)) {
		return
	}

	h.mu.Lock()
	fin, target, keep, unmap := h.finalizer, h.target, h.keep, h.unmap
	h.finalizer, h.target, h.keep, h.unmap = nil, nil, nil, nil
	h.mu.Unlock()

	if fin != nil {
		h.runFinalizer(fin, target)
	}
	if h.owning && h.addr != 0 {
		h.m.space.Free(h.addr, h.alloc, h.align)
	}
	if unmap != nil {
		unmap()
	}
	if target != nil {
		target.Drop()
	}
	for i := len(keep) - 1; i >= 0; i-- {
		keep[i].Drop()
	}

	h.m.live.Add(-1)
	typ := EventFinalized
	if final == StateReleased {
		typ = EventReleased
	}
	Logger().Debug("cdata teardown", zap.Stringer("handle", h), zap.Stringer("state", final))
	h.m.notify(Event{Handle: h, Type: typ})
}

func (h *Handle) runFinalizer(fin func(*Handle), target *Handle) {
	defer func() {
		if r := recover(); r != nil {
			Logger().Warn("cdata finalizer panicked", zap.Stringer("handle", h), zap.Any("panic", r))
		}
	}()
	fin(target)
}

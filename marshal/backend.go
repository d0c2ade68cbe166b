package marshal

import (
	"context"

	cffiruntime "github.com/wippyai/cffi-runtime"
	"github.com/wippyai/cffi-runtime/callspec"
)

// Backend executes native code.
//
// Arguments and results cross the boundary as raw bytes in target byte
// order, one slice per descriptor argument:
//
//   - ClassDirect: the scalar, Info.Size bytes.
//   - ClassDirectAggregate: the aggregate bytes.
//   - ClassIndirect: a pointer-sized address of a caller-owned copy.
//
// For a ClassIndirect result ret holds the pointer-sized address of the
// result storage, which the callee fills. Otherwise the backend fills ret
// with the result bytes. ret is empty for void results.
type Backend interface {
	Space() cffiruntime.AddressSpace
	Call(ctx context.Context, d *callspec.Descriptor, fn uint64, args [][]byte, ret []byte) error
	// NewCallback returns a native function pointer that forwards to
	// cb.Invoke.
	NewCallback(cb *Callback) (uint64, error)
	FreeCallback(fn uint64)
}

// SpecializedBackend is implemented by backends with precompiled
// trampolines for fixed signatures. They may execute static descriptors
// the generic path rejects; unsupported aggregates are then passed as their
// raw bytes.
type SpecializedBackend interface {
	Backend
	Specialized(d *callspec.Descriptor) bool
}

// ConstantProber reads the value of a named integer constant whose width
// is only known to the native side.
type ConstantProber interface {
	ProbeConstant(ctx context.Context, name string) (int64, error)
}

// Pointer is a raw native address.
type Pointer uint64

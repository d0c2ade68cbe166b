// Package errors provides structured error types for cffi-runtime.
//
// Errors are categorized by Phase (where the error occurred) and Kind (error
// category). The Kind values mirror the C FFI failure taxonomy: declaration,
// layout_mismatch, opaque_type, overflow, type_mismatch,
// unsupported_call_shape and callback_fault, plus a few operational kinds.
//
// Every error is addressable: Path names the offending field, argument index
// or member, and CType names the C type involved.
// The message spells the path in C member syntax and quotes the C type:
//
//	encode: overflow at arg[1] (C 'signed char'): value 300 out of range for 'signed char'
//
// Use the Builder for structured error construction:
//
//	err := errors.New(errors.PhaseEncode, errors.KindOverflow).
//		Path("struct foo", "a").
//		CType("int:10").
//		Detail("value 512 does not fit in 10 bits").
//		Build()
//
// Or use convenience constructors for common patterns:
//
//	err := errors.Overflow(errors.PhaseCall, []string{"arg[1]"}, 300, "signed char")
//	err := errors.LayoutMismatch("struct foo", "b", "offset", 8, 4)
//
// The Err* sentinels match on Kind only:
//
//	if errors.Is(err, errors.ErrOverflow) { ... }
package errors

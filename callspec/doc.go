// Package callspec derives ABI call plans from C function types.
//
// A Builder classifies every parameter and the result of a function type
// for the target of its layout.Resolver:
//
//   - wasm32: scalars and single-element aggregates are passed directly,
//     other aggregates through a pointer; aggregate results use a hidden
//     leading result pointer.
//   - x86-64 System V: aggregates up to 16 bytes are split into INTEGER
//     and SSE eightbytes, larger ones go through memory.
//   - Win64: aggregates of 1, 2, 4 or 8 bytes are passed as integers.
//   - i386: aggregates are copied onto the stack and returned through a
//     hidden pointer; stdcall and fastcall are honoured.
//   - aarch64: aggregates up to 16 bytes are passed in registers.
//
// Aggregates with bit-fields, unions, packing, anonymous members,
// zero-length arrays or oracle-only layouts are classified unsupported.
// Descriptor.Check turns that into an error for the generic call path;
// a specialized backend may still run Static descriptors.
//
// Variadic functions need the types of their variable part for each call:
//
//	d, _ := b.Build(printfType)
//	call, err := d.WithVarargs([]ctype.ID{intID, doubleID})
package callspec

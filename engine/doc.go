// Package engine runs C libraries compiled to wasm32 inside wazero and
// exposes them as a native backend for the marshal package.
//
// # Address space
//
// A library's linear memory is its native address space. Data pointers are
// offsets into that memory and allocations go through the library's own
// malloc and free exports, so memory handed to native code is memory the
// library can free.
//
// # Function pointers
//
// Function pointers are slots in the library's function table, the
// convention of clang's wasm32 target. Named exports are placed in the
// table on first lookup, and Go callbacks are placed there through small
// generated thunk modules that forward to a host function:
//
//	library ──call_indirect──▶ thunk (cffi:callback:N:thunk)
//	                              │
//	                              ▼
//	                       host function (cffi:callback:N.invoke)
//	                              │
//	                              ▼
//	                        marshal.Callback.Invoke
//
// Libraries must be linked with an exported, growable table
// (wasm-ld --export-table --growable-table). Without one, named exports are
// still callable but callbacks cannot be created.
//
// # Calling convention
//
// Calls follow the WebAssembly Basic C ABI:
//
//	C type                  Core representation
//	──────────────────────────────────────────────
//	integers ≤ 32 bits      i32
//	64-bit integers         i64
//	float, double           f32, f64
//	long double             i64×2
//	_Complex float/double   f32×2, f64×2
//	pointers                i32
//	singleton aggregate     its scalar member
//	other aggregates        i32 pointer to a copy
//	aggregate results       i32 result pointer as first parameter
//	variable arguments      i32 pointer to an argument buffer
//
// # Concurrency
//
// A wazero module instance is not goroutine-safe. Each library serializes
// top-level calls and allocations. Callbacks run on the goroutine that made
// the call; calls and allocations they make re-enter the library without
// locking.
package engine

// Package wasmgen assembles small WebAssembly binaries.
//
// The runtime needs wasm code it cannot get from a C compiler: thunk modules
// that place a host function into a library's function table so native code
// can call it through a function pointer. Tests use the same builder to
// produce native libraries without a toolchain.
//
// # Encoding
//
// LEB128 helpers append to a byte slice:
//
//	b = wasmgen.AppendULEB128(b, 300)
//	b = wasmgen.AppendSLEB128(b, int64(-100))
//
// # Modules
//
//	m := wasmgen.New()
//	add := m.Func(i32x2, i32x1, nil, wasmgen.NewCode().
//		LocalGet(0).LocalGet(1).I32Add())
//	m.Export("add", wasmgen.ExternFunc, add)
//	bin := m.Bytes()
//
// # Thunks
//
// Thunk builds the module behind one callback. It imports the host function
// and the library table and exports helpers that grow, fill and clear table
// slots.
//
// This package is internal to the runtime.
package wasmgen

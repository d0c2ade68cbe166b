// Package ffi is the user-facing C foreign function interface. An FFI
// holds C declarations for one target; bound to a wasm32 library it calls
// the library's functions, reads its globals and hands it Go callbacks.
//
//	f := ffi.New()
//	_ = f.CdefYAML([]byte(`
//	functions:
//	  - {name: add, type: "int(int, int)"}
//	`))
//	lib, _ := f.Open(ctx, rt, "math", wasm)
//	v, _ := lib.Call(ctx, "add", 40, 2) // int32(42)
//
// Everything that needs no library (sizes, offsets, casts, cdata in Go
// memory) works on the FFI alone. Cdata allocated by FFI.New live in Go
// memory and are copied into the library for the duration of a call;
// Lib.New allocates in the library directly.
//
// Functions a library imports can be implemented in Go with DefExtern
// before the first Open.
package ffi

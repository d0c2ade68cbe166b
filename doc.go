// Package cffiruntime describes C type graphs, resolves their memory layout and
// marshals calls across a native calling convention boundary.
//
// # Architecture Overview
//
// The library is organized into packages with distinct responsibilities:
//
//	cffiruntime/        Root package with Memory and Allocator interfaces
//	├── decl/           Declaration IR handed over by a C parser front-end
//	├── ctype/          Type table: interned nodes, namespaces, encoding
//	├── layout/         Struct/union/enum layout and oracle verification
//	├── callspec/       Call descriptors per target ABI
//	├── marshal/        Go value <-> native bytes, calls and callbacks
//	├── cdata/          Native buffer ownership, finalizers, keepalive
//	├── initonce/       One-time initialization per tag
//	├── engine/         wazero backend executing wasm32 native code
//	├── ffi/            High-level FFI object tying everything together
//	├── errors/         Structured error types
//
// # Quick Start
//
//	f := ffi.New(ffi.WithDataModel(layout.Wasm32))
//	if err := f.CdefYAML(declYAML); err != nil {
//	    log.Fatal(err)
//	}
//
//	rt, err := engine.New(ctx, nil)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer rt.Close(ctx)
//
//	lib, err := f.Open(ctx, rt, "mylib", wasmBytes)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer lib.Close(ctx)
//
//	sum, err := lib.Call(ctx, "add", 40, 2)
//
// # Memory Model
//
// Addresses are 64-bit values in the address space of the backend. The wasm32
// backend only ever produces addresses below 4 GiB.
package cffiruntime

// Package marshal converts between Go values and native memory and drives
// calls across the native boundary.
//
// An Engine is bound to one target (through a layout.Resolver) and one
// address space. It provides:
//
//   - Call: encodes Go arguments per a callspec.Descriptor, runs the
//     function through a Backend and decodes the result.
//   - Callback: wraps a Go function so native code can call it through a
//     function pointer. Failures never cross the boundary; they are handed
//     to the OnError handler and the Error value is returned instead.
//   - CData: typed access to native memory with member, element and
//     pointer accessors, created by New, Cast and aggregate returns.
//   - Constant: named constants, including ones whose value is only known
//     to the native library.
//
// # Value Mapping
//
//	C type               Go value accepted            Go value produced
//	-----------------------------------------------------------------------
//	signed integers      any integer, integral float  int8..int64 by width
//	unsigned integers    any integer, integral float  uint8..uint64 by width
//	char                 byte, 1-char string          byte
//	wchar_t, char16/32   rune, 1-char string          rune
//	_Bool                bool, 0, 1                   bool
//	float, double        any number                   float32, float64
//	long double          any number                   float64
//	enums                integer, enumerator name     underlying integer
//	pointers             *CData, Pointer, nil,        *CData
//	                     string, slices, maps
//	struct, union        *CData, map, []any, struct   *CData
//
// Out-of-range integers fail with an overflow error whose Path names the
// argument or member.
package marshal

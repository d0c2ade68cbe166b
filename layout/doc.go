// Package layout computes the memory layout of C types for a target data
// model.
//
// A Resolver turns the aggregates of a ctype.Registry into Layouts: size,
// alignment and the offset of every member, including bit-field windows.
// Layouts are computed at most once per node and are immutable afterwards.
//
// # Layout Rules
//
//   - Members are placed in declaration order at the next offset aligned to
//     their alignment, capped by the pack value when one is set.
//   - Bit-fields are placed by the model's BitfieldPolicy (GCC or MSVC).
//   - Union members all start at offset 0; the union is as large as its
//     largest member.
//   - Anonymous struct and union members are embedded; their members are
//     reachable by name from the container (see Resolver.Member).
//   - The final size is rounded up to the aggregate alignment.
//
// # Verification
//
// Partial aggregates and [...] arrays can only be placed with an Oracle.
// Resolver.Verify cross-checks a computed layout against an Oracle and
// reports every difference.
//
//	r := layout.NewResolver(reg, layout.SysVAMD64)
//	rep, _ := layout.LoadReportFile("layout.yaml")
//	err := r.Verify(id, rep)
package layout

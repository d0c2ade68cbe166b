package layout

import (
	"strings"

	"github.com/wippyai/cffi-runtime/ctype"
)

// Shape flags record aggregate features that some call ABIs cannot pass by
// value. Flags of nested aggregates propagate to the container.
type Shape uint8

const (
	ShapeBitfields Shape = 1 << iota
	ShapeUnion
	ShapePacked
	ShapeAnonymous
	ShapeZeroLength
	ShapePartial
)

func (s Shape) String() string {
	if s == 0 {
		return "plain"
	}
	var parts []string
	for _, f := range []struct {
		bit  Shape
		name string
	}{
		{ShapeBitfields, "bit-fields"},
		{ShapeUnion, "union"},
		{ShapePacked, "packed"},
		{ShapeAnonymous, "anonymous members"},
		{ShapeZeroLength, "zero-length array"},
		{ShapePartial, "incomplete"},
	} {
		if s&f.bit != 0 {
			parts = append(parts, f.name)
		}
	}
	return strings.Join(parts, ", ")
}

// Field is a placed member. For bit-fields Offset and Size describe the
// storage unit: it starts at the unit's alignment boundary and spans the
// declared type, less any part past the end of the aggregate. BitShift is
// the position of the lowest value bit when the unit is read as an integer
// in target byte order. Bit-fields sharing a unit share its Offset.
type Field struct {
	Name     string
	Type     ctype.ID
	Offset   uint64
	Size     uint64
	BitShift int
	BitWidth int
}

// IsBitfield reports whether f is a bit-field.
func (f Field) IsBitfield() bool { return f.BitWidth != ctype.NoBits }

// Layout is the resolved memory layout of a struct or union. Fields are the
// direct members in declaration order.
type Layout struct {
	Fields []Field
	Size   uint64
	Align  uint64
	Type   ctype.ID
	Shape  Shape
	// FromOracle marks layouts taken from a layout report rather than
	// computed.
	FromOracle bool
}

// Info returns the size and alignment of l.
func (l *Layout) Info() Info { return Info{Size: l.Size, Align: l.Align} }

// Direct returns the direct member called name.
func (l *Layout) Direct(name string) (Field, bool) {
	for _, f := range l.Fields {
		if f.Name == name && name != "" {
			return f, true
		}
	}
	return Field{}, false
}

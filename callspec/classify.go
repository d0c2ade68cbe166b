package callspec

import (
	"github.com/wippyai/cffi-runtime/ctype"
	"github.com/wippyai/cffi-runtime/errors"
	"github.com/wippyai/cffi-runtime/layout"
)

func (b *Builder) classify(id ctype.ID, ret bool) (Arg, error) {
	a := Arg{Type: id}
	switch b.reg.KindOf(id) {
	case ctype.KindVoid:
		if ret {
			a.Class = ClassVoid
			return a, nil
		}
		return a, errors.Declaration(nil, "parameter of type void")
	case ctype.KindStruct, ctype.KindUnion:
		return b.aggregate(a, ret)
	case ctype.KindFunc, ctype.KindArray:
		return a, errors.TypeMismatch(errors.PhaseCall, nil, "", b.reg.Name(id))
	}
	info, err := b.res.Info(id)
	if err != nil {
		return a, err
	}
	a.Info = info
	a.Class = ClassDirect
	return a, nil
}

func (b *Builder) aggregate(a Arg, ret bool) (Arg, error) {
	l, err := b.res.Resolve(a.Type)
	if err != nil {
		return a, err
	}
	a.Info = l.Info()
	if l.Shape != 0 {
		a.Class = ClassUnsupported
		a.Reason = l.Shape.String()
		return a, nil
	}

	a.Class = ClassIndirect
	switch b.res.Model().Arch {
	case layout.ArchWasm32:
		if s, ok := b.singleton(a.Type); ok {
			info, err := b.res.Info(s)
			if err != nil {
				return a, err
			}
			a.Class = ClassDirectAggregate
			a.Scalar = s
			a.Parts = []Part{{Size: info.Size, Kind: b.partKind(s)}}
		}
	case layout.ArchSysVAMD64:
		if l.Size == 0 || l.Size > 16 {
			break
		}
		if parts, ok := b.eightbytes(a.Type, l.Size); ok {
			a.Class = ClassDirectAggregate
			a.Parts = parts
		}
	case layout.ArchWin64:
		switch l.Size {
		case 1, 2, 4, 8:
			a.Class = ClassDirectAggregate
			a.Parts = []Part{{Size: l.Size, Kind: PartInteger}}
		}
	case layout.ArchI386:
		if !ret {
			a.Class = ClassDirectAggregate
			a.Parts = words(l.Size, 4)
		}
	case layout.ArchARM64:
		if l.Size > 0 && l.Size <= 16 {
			a.Class = ClassDirectAggregate
			a.Parts = words(l.Size, 8)
		}
	}
	return a, nil
}

// singleton unwraps structs with exactly one member and one-element arrays
// down to a scalar.
func (b *Builder) singleton(id ctype.ID) (ctype.ID, bool) {
	for {
		switch t := b.reg.Lookup(id).(type) {
		case *ctype.Struct:
			if len(t.Fields) != 1 {
				return ctype.Invalid, false
			}
			id = t.Fields[0].Type
		case ctype.Array:
			if t.Len != 1 {
				return ctype.Invalid, false
			}
			id = t.Elem
		case ctype.Primitive, ctype.Pointer, *ctype.Enum:
			return id, true
		default:
			return ctype.Invalid, false
		}
	}
}

func (b *Builder) partKind(id ctype.ID) PartKind {
	if p, ok := b.reg.PrimOf(id); ok && (p.IsFloat() || p.Category() == ctype.CatComplex) {
		return PartSSE
	}
	return PartInteger
}

const (
	classNone int8 = iota
	classInteger
	classSSE
)

// eightbytes classifies an aggregate of at most 16 bytes into INTEGER and
// SSE eightbytes. It fails for members that must go in memory.
func (b *Builder) eightbytes(id ctype.ID, size uint64) ([]Part, bool) {
	classes := make([]int8, (size+7)/8)
	if !b.leaves(id, 0, classes) {
		return nil, false
	}
	parts := make([]Part, len(classes))
	for i, c := range classes {
		off := uint64(i) * 8
		parts[i] = Part{Offset: off, Size: min(8, size-off), Kind: PartInteger}
		if c == classSSE {
			parts[i].Kind = PartSSE
		}
	}
	return parts, true
}

func (b *Builder) leaves(id ctype.ID, base uint64, classes []int8) bool {
	switch t := b.reg.Lookup(id).(type) {
	case *ctype.Struct:
		l, err := b.res.Resolve(id)
		if err != nil {
			return false
		}
		for _, f := range l.Fields {
			if !b.leaves(f.Type, base+f.Offset, classes) {
				return false
			}
		}
		return true
	case ctype.Array:
		info, err := b.res.Info(t.Elem)
		if err != nil {
			return false
		}
		for i := 0; i < t.Len; i++ {
			if !b.leaves(t.Elem, base+uint64(i)*info.Size, classes) {
				return false
			}
		}
		return true
	}

	if p, ok := b.reg.PrimOf(id); ok && p == ctype.PrimLongDouble {
		return false
	}
	info, err := b.res.Info(id)
	if err != nil {
		return false
	}
	cls := classInteger
	if b.partKind(id) == PartSSE {
		cls = classSSE
	}
	for i := base / 8; i <= (base+info.Size-1)/8 && int(i) < len(classes); i++ {
		switch {
		case classes[i] == classNone:
			classes[i] = cls
		case cls == classInteger:
			classes[i] = classInteger
		}
	}
	return true
}

func words(size, word uint64) []Part {
	var parts []Part
	for off := uint64(0); off < size; off += word {
		parts = append(parts, Part{Offset: off, Size: min(word, size-off), Kind: PartInteger})
	}
	return parts
}

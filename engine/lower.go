package engine

import (
	"encoding/binary"

	"github.com/tetratelabs/wazero/api"

	"github.com/wippyai/cffi-runtime/callspec"
	"github.com/wippyai/cffi-runtime/ctype"
	"github.com/wippyai/cffi-runtime/errors"
	"github.com/wippyai/cffi-runtime/layout"
)

const pointerSize = 4

// slot is one core value of a lowered C value: the bytes at
// [off, off+size) of its raw encoding.
type slot struct {
	typ    api.ValueType
	off    uint32
	size   uint32
	signed bool
}

// get reads the slot from raw bytes as a stack value.
func (s slot) get(b []byte) uint64 {
	b = b[s.off:]
	switch s.typ {
	case api.ValueTypeI64, api.ValueTypeF64:
		return binary.LittleEndian.Uint64(b)
	case api.ValueTypeF32:
		return uint64(binary.LittleEndian.Uint32(b))
	}
	var v uint32
	switch s.size {
	case 1:
		v = uint32(b[0])
		if s.signed {
			v = uint32(int32(int8(b[0])))
		}
	case 2:
		v = uint32(binary.LittleEndian.Uint16(b))
		if s.signed {
			v = uint32(int32(int16(v)))
		}
	default:
		v = binary.LittleEndian.Uint32(b)
	}
	return api.EncodeU32(v)
}

// put writes a stack value into raw bytes.
func (s slot) put(b []byte, v uint64) {
	b = b[s.off:]
	switch s.typ {
	case api.ValueTypeI64, api.ValueTypeF64:
		binary.LittleEndian.PutUint64(b, v)
		return
	case api.ValueTypeF32:
		binary.LittleEndian.PutUint32(b, uint32(v))
		return
	}
	switch s.size {
	case 1:
		b[0] = byte(v)
	case 2:
		binary.LittleEndian.PutUint16(b, uint16(v))
	default:
		binary.LittleEndian.PutUint32(b, uint32(v))
	}
}

// retMode is how a result travels.
type retMode uint8

const (
	retNone retMode = iota
	// retSlot returns one core value.
	retSlot
	// retCaller passes the caller's result storage as the first parameter.
	retCaller
	// retTemp passes temporary result storage as the first parameter and
	// copies it into the raw result afterwards.
	retTemp
)

type argPlan struct {
	slots []slot
	// spill passes the raw bytes through memory.
	spill bool
	size  uint64
	align uint64
}

// plan is a descriptor lowered to core wasm values.
type plan struct {
	params   []api.ValueType
	results  []api.ValueType
	args     []argPlan
	vars     []callspec.Arg
	ret      slot
	retInfo  layout.Info
	mode     retMode
	variadic bool
}

// lower derives the core signature of d.
func lower(d *callspec.Descriptor) (*plan, error) {
	if d.Arch != layout.ArchWasm32 {
		return nil, errors.New(errors.PhaseCall, errors.KindInvalidInput).
			Detail("wasm libraries need wasm32 descriptors, got %s", d.Arch).
			Build()
	}
	res := d.Resolver()
	p := &plan{variadic: d.Variadic, retInfo: d.Ret.Info}

	switch d.Ret.Class {
	case callspec.ClassVoid:
	case callspec.ClassIndirect:
		p.mode = retCaller
	case callspec.ClassUnsupported:
		p.mode = retTemp
	default:
		slots, err := scalarSlots(res, scalarOf(d.Ret))
		if err != nil {
			return nil, err
		}
		if len(slots) == 1 {
			p.mode = retSlot
			p.ret = slots[0]
			p.results = []api.ValueType{slots[0].typ}
		} else {
			p.mode = retTemp
		}
	}
	if p.mode == retCaller || p.mode == retTemp {
		p.params = append(p.params, api.ValueTypeI32)
	}

	for _, a := range d.Args[:d.Fixed] {
		ap := argPlan{size: a.Info.Size, align: a.Info.Align}
		switch a.Class {
		case callspec.ClassIndirect:
			ap.size = pointerSize
			ap.slots = []slot{{typ: api.ValueTypeI32, size: pointerSize}}
		case callspec.ClassUnsupported:
			ap.spill = true
			p.params = append(p.params, api.ValueTypeI32)
			p.args = append(p.args, ap)
			continue
		default:
			slots, err := scalarSlots(res, scalarOf(a))
			if err != nil {
				return nil, err
			}
			ap.slots = slots
		}
		for _, s := range ap.slots {
			p.params = append(p.params, s.typ)
		}
		p.args = append(p.args, ap)
	}

	if d.Variadic {
		p.vars = d.Args[d.Fixed:]
		p.params = append(p.params, api.ValueTypeI32)
	}
	return p, nil
}

func scalarOf(a callspec.Arg) ctype.ID {
	if a.Class == callspec.ClassDirectAggregate {
		return a.Scalar
	}
	return a.Type
}

// scalarSlots returns the core values of a scalar type.
func scalarSlots(res *layout.Resolver, id ctype.ID) ([]slot, error) {
	reg := res.Registry()
	if reg.KindOf(id) == ctype.KindPointer {
		return []slot{{typ: api.ValueTypeI32, size: pointerSize}}, nil
	}
	p, ok := reg.PrimOf(id)
	if !ok {
		return nil, errors.New(errors.PhaseCall, errors.KindUnsupportedCallShape).
			CType(reg.Name(id)).
			Detail("no wasm32 lowering").
			Build()
	}
	info := res.Model().Scalar(p)
	switch p.Category() {
	case ctype.CatFloat:
		switch info.Size {
		case 4:
			return []slot{{typ: api.ValueTypeF32, size: 4}}, nil
		case 8:
			return []slot{{typ: api.ValueTypeF64, size: 8}}, nil
		}
		return []slot{{typ: api.ValueTypeI64, size: 8}, {typ: api.ValueTypeI64, off: 8, size: 8}}, nil
	case ctype.CatComplex:
		if p == ctype.PrimFloatComplex {
			return []slot{{typ: api.ValueTypeF32, size: 4}, {typ: api.ValueTypeF32, off: 4, size: 4}}, nil
		}
		return []slot{{typ: api.ValueTypeF64, size: 8}, {typ: api.ValueTypeF64, off: 8, size: 8}}, nil
	}
	if info.Size == 8 {
		return []slot{{typ: api.ValueTypeI64, size: 8}}, nil
	}
	return []slot{{typ: api.ValueTypeI32, size: uint32(info.Size), signed: res.Model().Signed(p)}}, nil
}

// varargs lays out the variable arguments the way va_arg reads them: each
// value at its own alignment, in slots of at least four bytes.
func varargs(vars []callspec.Arg, raw [][]byte) []byte {
	var buf []byte
	for i, a := range vars {
		align := max(a.Info.Align, 4)
		if a.Class == callspec.ClassIndirect {
			align = pointerSize
		}
		off := alignUp(uint64(len(buf)), align)
		buf = append(buf, make([]byte, off-uint64(len(buf)))...)
		buf = append(buf, raw[i]...)
		buf = append(buf, make([]byte, alignUp(uint64(len(buf)), 4)-uint64(len(buf)))...)
	}
	return buf
}

func alignUp(v, align uint64) uint64 {
	return (v + align - 1) &^ (align - 1)
}

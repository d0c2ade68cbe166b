package ctype

import (
	"encoding/binary"
	"math"

	"github.com/wippyai/cffi-runtime/errors"
)

type tableReader struct {
	buf []byte
	pos int
	err error
}

func (r *tableReader) fail(detail string) {
	if r.err == nil {
		r.err = errors.InvalidData(errors.PhaseLoad, nil, detail)
	}
}

func (r *tableReader) u8() byte {
	if r.err != nil || r.pos >= len(r.buf) {
		r.fail("truncated table")
		return 0
	}
	b := r.buf[r.pos]
	r.pos++
	return b
}

func (r *tableReader) uvar() uint64 {
	if r.err != nil {
		return 0
	}
	v, n := binary.Uvarint(r.buf[r.pos:])
	if n <= 0 {
		r.fail("bad uvarint")
		return 0
	}
	r.pos += n
	return v
}

func (r *tableReader) svar() int64 {
	if r.err != nil {
		return 0
	}
	v, n := binary.Varint(r.buf[r.pos:])
	if n <= 0 {
		r.fail("bad varint")
		return 0
	}
	r.pos += n
	return v
}

func (r *tableReader) f64() float64 {
	if r.err != nil || r.pos+8 > len(r.buf) {
		r.fail("truncated table")
		return 0
	}
	v := math.Float64frombits(binary.LittleEndian.Uint64(r.buf[r.pos:]))
	r.pos += 8
	return v
}

func (r *tableReader) str() string {
	n := r.uvar()
	if r.err != nil || uint64(len(r.buf)-r.pos) < n {
		r.fail("truncated string")
		return ""
	}
	s := string(r.buf[r.pos : r.pos+int(n)])
	r.pos += int(n)
	return s
}

// count reads an element count, bounded by the remaining input so that a
// corrupt count cannot trigger a huge allocation.
func (r *tableReader) count() int {
	n := r.uvar()
	if n > uint64(len(r.buf)-r.pos) {
		r.fail("count exceeds table size")
		return 0
	}
	return int(n)
}

// Decode loads a table produced by Encode into a new Context over reg.
// includes must list the namespaces the table was encoded against, in the
// same order.
func Decode(reg *Registry, name string, data []byte, includes ...*Context) (*Context, error) {
	if reg == nil {
		reg = Default()
	}
	if len(data) < len(TableMagic)+2 || string(data[:len(TableMagic)]) != TableMagic {
		return nil, errors.InvalidData(errors.PhaseLoad, nil, "not a type table")
	}
	if v := binary.LittleEndian.Uint16(data[len(TableMagic):]); v != TableVersion {
		return nil, errors.VersionMismatch(v, TableVersion)
	}

	r := &tableReader{buf: data, pos: len(TableMagic) + 2}
	c := NewContext(reg, name)

	nInc := r.count()
	if r.err == nil && nInc != len(includes) {
		return nil, errors.InvalidInput(errors.PhaseLoad, nil, "table expects a different number of includes")
	}
	for i := 0; i < nInc; i++ {
		if want := r.str(); r.err == nil && includes[i].name != want {
			return nil, errors.InvalidInput(errors.PhaseLoad, []string{want}, "include order mismatch, got "+includes[i].name)
		}
	}
	for _, inc := range includes {
		if err := c.Include(inc); err != nil {
			return nil, err
		}
	}

	n := r.count()
	ids := make([]ID, n)
	states := make([]State, n)
	packs := make([]int, n)
	back := func(pos int) ID {
		d := r.uvar()
		if d == 0 || d > uint64(pos) {
			r.fail("bad back-reference")
			return Invalid
		}
		return ids[pos-int(d)]
	}
	for pos := 0; pos < n && r.err == nil; pos++ {
		switch op := r.u8(); op {
		case opVoid:
			ids[pos] = reg.Void()
		case opPrim:
			p := r.uvar()
			if p >= uint64(primCount) {
				r.fail("bad primitive")
				break
			}
			ids[pos] = reg.Prim(Prim(p))
		case opPointer:
			ids[pos] = reg.PointerTo(back(pos))
		case opArray:
			elem := back(pos)
			ids[pos] = reg.ArrayOf(elem, int(r.svar()))
		case opFunc:
			result := back(pos)
			np := r.count()
			params := make([]ID, np)
			for i := range params {
				params[i] = back(pos)
			}
			flags := r.uvar()
			ids[pos] = reg.FuncOf(result, params, flags&1 != 0, ABI(flags>>1))
		case opStruct:
			flags := r.uvar()
			tag, display := r.str(), r.str()
			id := reg.NewStruct(tag, flags&1 != 0)
			s, _ := reg.Struct(id)
			s.Name = display
			states[pos] = State(flags >> 1)
			packs[pos] = int(r.uvar())
			ids[pos] = id
		case opEnum:
			states[pos] = State(r.uvar())
			tag, display := r.str(), r.str()
			id := reg.NewEnum(tag)
			en, _ := reg.Enum(id)
			en.Name = display
			ids[pos] = id
		case opExtern:
			inc := r.uvar()
			key := r.str()
			if r.err != nil {
				break
			}
			if inc >= uint64(len(includes)) {
				r.fail("bad include ordinal")
				break
			}
			id, ok := includes[inc].Typedef(key)
			if kw, tag := splitTagKey(key); !ok && tag != "" {
				id, ok = includes[inc].Tag(kw, tag)
			}
			if !ok {
				return nil, errors.NotFound(errors.PhaseLoad, "included type", key)
			}
			ids[pos] = id
		default:
			r.fail("unknown opcode")
		}
	}
	if r.err != nil {
		return nil, r.err
	}

	at := func(i uint64) ID {
		if i >= uint64(n) {
			r.fail("bad node index")
			return Invalid
		}
		return ids[i]
	}

	nb := r.count()
	for b := 0; b < nb && r.err == nil; b++ {
		idx := r.uvar()
		target := at(idx)
		switch t := reg.Lookup(target).(type) {
		case *Struct:
			nf := r.count()
			fields := make([]Field, nf)
			for i := range fields {
				fields[i].Name = r.str()
				fields[i].Type = at(r.uvar())
				fields[i].Bits = int(r.svar())
			}
			if st := states[idx]; st != StateOpaque && r.err == nil {
				t.Complete(fields, packs[idx], st == StatePartial)
			}
		case *Enum:
			underlying := at(r.uvar())
			nm := r.count()
			members := make([]EnumMember, nm)
			for i := range members {
				members[i].Name = r.str()
				members[i].Value = r.svar()
			}
			if st := states[idx]; st != StateOpaque && r.err == nil {
				t.Complete(members, underlying, st == StatePartial)
			}
		default:
			r.fail("body for non-aggregate")
		}
	}

	readNames := func(dst map[string]ID, order *[]string) {
		cnt := r.count()
		for i := 0; i < cnt && r.err == nil; i++ {
			key := r.str()
			dst[key] = at(r.uvar())
			*order = append(*order, key)
		}
	}
	readNames(c.typedefs, &c.typedefOrder)
	readNames(c.tags, &c.tagOrder)
	readNames(c.functions, &c.functionOrder)
	readNames(c.globals, &c.globalOrder)

	nk := r.count()
	for i := 0; i < nk && r.err == nil; i++ {
		k := Constant{Name: r.str()}
		k.Type = at(r.uvar())
		flags := r.u8()
		k.IsFloat = flags&1 != 0
		k.Unknown = flags&2 != 0
		if k.IsFloat {
			k.Float = r.f64()
		} else {
			k.Int = r.svar()
		}
		c.constants[k.Name] = k
		c.constantOrder = append(c.constantOrder, k.Name)
	}
	if r.err != nil {
		return nil, r.err
	}
	if r.pos != len(r.buf) {
		return nil, errors.InvalidData(errors.PhaseLoad, nil, "trailing bytes after table")
	}
	return c, nil
}

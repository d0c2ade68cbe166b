package ctype

import (
	"encoding/binary"
	"math"

	"github.com/wippyai/cffi-runtime/errors"
)

// Table encoding:
//
//	header   "CFTB" u16(version)
//	includes uvarint(n)                       direct includes, by name
//	nodes    uvarint(n) node*                 aggregates and externs first
//	bodies   uvarint(n) body*                 members of encoded aggregates
//	names    typedefs, tags, functions, globals, constants
//
// Structural nodes reference earlier nodes by relative index (distance
// back from the referencing node). Bodies and names use absolute indices.
const (
	TableMagic   = "CFTB"
	TableVersion = uint16(1)
)

const (
	opVoid byte = iota + 1
	opPrim
	opPointer
	opArray
	opFunc
	opStruct
	opEnum
	opExtern
)

type tableWriter struct {
	buf []byte
}

func (w *tableWriter) u8(b byte)     { w.buf = append(w.buf, b) }
func (w *tableWriter) uvar(v uint64) { w.buf = binary.AppendUvarint(w.buf, v) }
func (w *tableWriter) svar(v int64)  { w.buf = binary.AppendVarint(w.buf, v) }
func (w *tableWriter) f64(v float64) { w.buf = binary.LittleEndian.AppendUint64(w.buf, math.Float64bits(v)) }
func (w *tableWriter) str(s string) {
	w.uvar(uint64(len(s)))
	w.buf = append(w.buf, s...)
}

type externRef struct {
	include int
	key     string
}

type tableEncoder struct {
	ctx     *Context
	reg     *Registry
	index   map[ID]int
	aggs    []ID
	nodes   []ID
	externs map[ID]externRef
	seen    map[ID]bool
}

// Encode serializes the declarations of c into a position-addressed table.
// Types owned by included namespaces are emitted as extern records and
// resolved against the includes passed to Decode.
func (c *Context) Encode() ([]byte, error) {
	e := &tableEncoder{
		ctx:     c,
		reg:     c.reg,
		index:   make(map[ID]int),
		externs: make(map[ID]externRef),
		seen:    make(map[ID]bool),
	}
	includes := c.Includes()
	for i, inc := range includes {
		e.collectExterns(i, inc)
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	for _, k := range c.tagOrder {
		e.visit(c.tags[k])
	}
	for _, n := range c.typedefOrder {
		e.visit(c.typedefs[n])
	}
	for _, n := range c.functionOrder {
		e.visit(c.functions[n])
	}
	for _, n := range c.globalOrder {
		e.visit(c.globals[n])
	}
	for _, n := range c.constantOrder {
		e.visit(c.constants[n].Type)
	}

	w := &tableWriter{}
	w.buf = append(w.buf, TableMagic...)
	w.buf = binary.LittleEndian.AppendUint16(w.buf, TableVersion)

	w.uvar(uint64(len(includes)))
	for _, inc := range includes {
		w.str(inc.name)
	}

	order := append(append([]ID(nil), e.aggs...), e.nodes...)
	for i, id := range order {
		e.index[id] = i
	}
	w.uvar(uint64(len(order)))
	for pos, id := range order {
		if err := e.writeNode(w, pos, id); err != nil {
			return nil, err
		}
	}

	var bodies []ID
	for _, id := range e.aggs {
		if _, ext := e.externs[id]; !ext {
			bodies = append(bodies, id)
		}
	}
	w.uvar(uint64(len(bodies)))
	for _, id := range bodies {
		e.writeBody(w, id)
	}

	writeNames := func(names []string, m map[string]ID) {
		w.uvar(uint64(len(names)))
		for _, n := range names {
			w.str(n)
			w.uvar(uint64(e.index[m[n]]))
		}
	}
	writeNames(c.typedefOrder, c.typedefs)
	writeNames(c.tagOrder, c.tags)
	writeNames(c.functionOrder, c.functions)
	writeNames(c.globalOrder, c.globals)

	w.uvar(uint64(len(c.constantOrder)))
	for _, n := range c.constantOrder {
		k := c.constants[n]
		w.str(n)
		w.uvar(uint64(e.index[k.Type]))
		var flags byte
		if k.IsFloat {
			flags |= 1
		}
		if k.Unknown {
			flags |= 2
		}
		w.u8(flags)
		if k.IsFloat {
			w.f64(k.Float)
		} else {
			w.svar(k.Int)
		}
	}
	return w.buf, nil
}

// collectExterns maps aggregates reachable by name through include i.
func (e *tableEncoder) collectExterns(i int, inc *Context) {
	add := func(id ID, key string) {
		if _, ok := e.externs[id]; ok {
			return
		}
		switch e.reg.Lookup(id).(type) {
		case *Struct, *Enum:
			e.externs[id] = externRef{include: i, key: key}
		}
	}
	var walk func(*Context)
	walk = func(x *Context) {
		for _, k := range x.Tags() {
			id, _ := x.Tag(splitTagKey(k))
			add(id, k)
		}
		for _, n := range x.Typedefs() {
			id, _ := x.Typedef(n)
			add(id, n)
		}
		for _, sub := range x.Includes() {
			walk(sub)
		}
	}
	walk(inc)
}

func splitTagKey(key string) (string, string) {
	for i := 0; i < len(key); i++ {
		if key[i] == ' ' {
			return key[:i], key[i+1:]
		}
	}
	return key, ""
}

func (e *tableEncoder) visit(id ID) {
	if id == Invalid || e.seen[id] {
		return
	}
	e.seen[id] = true
	switch t := e.reg.Lookup(id).(type) {
	case *Struct:
		e.aggs = append(e.aggs, id)
		if _, ext := e.externs[id]; !ext {
			for _, f := range t.Fields {
				e.visit(f.Type)
			}
		}
		return
	case *Enum:
		e.aggs = append(e.aggs, id)
		if _, ext := e.externs[id]; !ext {
			e.visit(t.Underlying)
		}
		return
	case Pointer:
		e.visit(t.Elem)
	case Array:
		e.visit(t.Elem)
	case Func:
		e.visit(t.Result)
		for _, p := range t.Params {
			e.visit(p)
		}
	}
	e.nodes = append(e.nodes, id)
}

func (e *tableEncoder) rel(pos int, target ID) (uint64, error) {
	ti, ok := e.index[target]
	if !ok || ti >= pos {
		return 0, errors.InvalidData(errors.PhaseEncode, nil, "forward reference to "+e.reg.Name(target))
	}
	return uint64(pos - ti), nil
}

func (e *tableEncoder) writeNode(w *tableWriter, pos int, id ID) error {
	if ref, ok := e.externs[id]; ok {
		w.u8(opExtern)
		w.uvar(uint64(ref.include))
		w.str(ref.key)
		return nil
	}
	switch t := e.reg.Lookup(id).(type) {
	case Void:
		w.u8(opVoid)
	case Primitive:
		w.u8(opPrim)
		w.uvar(uint64(t.Prim))
	case Pointer:
		r, err := e.rel(pos, t.Elem)
		if err != nil {
			return err
		}
		w.u8(opPointer)
		w.uvar(r)
	case Array:
		r, err := e.rel(pos, t.Elem)
		if err != nil {
			return err
		}
		w.u8(opArray)
		w.uvar(r)
		w.svar(int64(t.Len))
	case Func:
		r, err := e.rel(pos, t.Result)
		if err != nil {
			return err
		}
		w.u8(opFunc)
		w.uvar(r)
		w.uvar(uint64(len(t.Params)))
		for _, p := range t.Params {
			rp, err := e.rel(pos, p)
			if err != nil {
				return err
			}
			w.uvar(rp)
		}
		flags := uint64(t.ABI) << 1
		if t.Variadic {
			flags |= 1
		}
		w.uvar(flags)
	case *Struct:
		w.u8(opStruct)
		flags := uint64(t.State()) << 1
		if t.Union {
			flags |= 1
		}
		w.uvar(flags)
		w.str(t.Tag)
		w.str(t.Name)
		w.uvar(uint64(t.Pack))
	case *Enum:
		w.u8(opEnum)
		w.uvar(uint64(t.State()))
		w.str(t.Tag)
		w.str(t.Name)
	default:
		return errors.InvalidData(errors.PhaseEncode, nil, "unknown node")
	}
	return nil
}

func (e *tableEncoder) writeBody(w *tableWriter, id ID) {
	w.uvar(uint64(e.index[id]))
	switch t := e.reg.Lookup(id).(type) {
	case *Struct:
		w.uvar(uint64(len(t.Fields)))
		for _, f := range t.Fields {
			w.str(f.Name)
			w.uvar(uint64(e.index[f.Type]))
			w.svar(int64(f.Bits))
		}
	case *Enum:
		w.uvar(uint64(e.index[t.Underlying]))
		w.uvar(uint64(len(t.Members)))
		for _, m := range t.Members {
			w.str(m.Name)
			w.svar(m.Value)
		}
	}
}

package wasmgen

import (
	"slices"

	"github.com/tetratelabs/wazero/api"
)

// Extern kinds used by imports and exports.
const (
	ExternFunc   byte = 0x00
	ExternTable  byte = 0x01
	ExternMemory byte = 0x02
	ExternGlobal byte = 0x03
)

const funcref = 0x70

// Limits bounds a table or memory. Max is ignored unless HasMax is set.
type Limits struct {
	Min    uint32
	Max    uint32
	HasMax bool
}

func (l Limits) append(dst []byte) []byte {
	if l.HasMax {
		dst = append(dst, 0x01)
		dst = AppendULEB128(dst, l.Min)
		return AppendULEB128(dst, l.Max)
	}
	dst = append(dst, 0x00)
	return AppendULEB128(dst, l.Min)
}

type funcType struct {
	params  []api.ValueType
	results []api.ValueType
}

type importEntry struct {
	module string
	name   string
	kind   byte
	typ    uint32
	limits Limits
	val    api.ValueType
	mut    bool
}

type function struct {
	typ    uint32
	locals []api.ValueType
	body   []byte
}

type global struct {
	val  api.ValueType
	mut  bool
	init uint64
}

type export struct {
	name string
	kind byte
	idx  uint32
}

type elem struct {
	table    uint32
	offset   uint32
	funcs    []uint32
	declared bool
}

type segment struct {
	offset uint32
	data   []byte
}

// Module accumulates the definitions of one module. Imports of a kind must
// be added before definitions of the same kind, since they come first in
// the index space.
type Module struct {
	types   []funcType
	imports []importEntry
	funcs   []function
	tables  []Limits
	mems    []Limits
	globals []global
	exports []export
	elems   []elem
	data    []segment

	importedFuncs   uint32
	importedTables  uint32
	importedMems    uint32
	importedGlobals uint32
}

// New returns an empty module.
func New() *Module {
	return &Module{}
}

// Type returns the index of the function type, adding it if needed.
func (m *Module) Type(params, results []api.ValueType) uint32 {
	for i, t := range m.types {
		if slices.Equal(t.params, params) && slices.Equal(t.results, results) {
			return uint32(i)
		}
	}
	m.types = append(m.types, funcType{params: slices.Clone(params), results: slices.Clone(results)})
	return uint32(len(m.types) - 1)
}

// ImportFunc imports a function and returns its function index.
func (m *Module) ImportFunc(module, name string, params, results []api.ValueType) uint32 {
	if len(m.funcs) > 0 {
		panic("wasmgen: function import after function definition")
	}
	m.imports = append(m.imports, importEntry{module: module, name: name, kind: ExternFunc, typ: m.Type(params, results)})
	m.importedFuncs++
	return m.importedFuncs - 1
}

// ImportTable imports a funcref table and returns its table index.
func (m *Module) ImportTable(module, name string, l Limits) uint32 {
	if len(m.tables) > 0 {
		panic("wasmgen: table import after table definition")
	}
	m.imports = append(m.imports, importEntry{module: module, name: name, kind: ExternTable, limits: l})
	m.importedTables++
	return m.importedTables - 1
}

// ImportMemory imports a memory and returns its memory index.
func (m *Module) ImportMemory(module, name string, l Limits) uint32 {
	if len(m.mems) > 0 {
		panic("wasmgen: memory import after memory definition")
	}
	m.imports = append(m.imports, importEntry{module: module, name: name, kind: ExternMemory, limits: l})
	m.importedMems++
	return m.importedMems - 1
}

// ImportGlobal imports a global and returns its global index.
func (m *Module) ImportGlobal(module, name string, t api.ValueType, mutable bool) uint32 {
	if len(m.globals) > 0 {
		panic("wasmgen: global import after global definition")
	}
	m.imports = append(m.imports, importEntry{module: module, name: name, kind: ExternGlobal, val: t, mut: mutable})
	m.importedGlobals++
	return m.importedGlobals - 1
}

// Func defines a function. The body must not include the final end.
func (m *Module) Func(params, results, locals []api.ValueType, body *Code) uint32 {
	m.funcs = append(m.funcs, function{
		typ:    m.Type(params, results),
		locals: locals,
		body:   body.End().Bytes(),
	})
	return m.importedFuncs + uint32(len(m.funcs)) - 1
}

// Table defines a funcref table.
func (m *Module) Table(l Limits) uint32 {
	m.tables = append(m.tables, l)
	return m.importedTables + uint32(len(m.tables)) - 1
}

// Memory defines a memory sized in 64 KiB pages.
func (m *Module) Memory(l Limits) uint32 {
	m.mems = append(m.mems, l)
	return m.importedMems + uint32(len(m.mems)) - 1
}

// Global defines a global. init holds the value bits: a signed integer for
// i32 and i64, IEEE bits for f32 and f64.
func (m *Module) Global(t api.ValueType, mutable bool, init uint64) uint32 {
	m.globals = append(m.globals, global{val: t, mut: mutable, init: init})
	return m.importedGlobals + uint32(len(m.globals)) - 1
}

// Export exports the item of the given kind and index.
func (m *Module) Export(name string, kind byte, idx uint32) {
	m.exports = append(m.exports, export{name: name, kind: kind, idx: idx})
}

// Elem places funcs into table starting at offset when the module is
// instantiated.
func (m *Module) Elem(table, offset uint32, funcs ...uint32) {
	m.elems = append(m.elems, elem{table: table, offset: offset, funcs: funcs})
}

// Declare marks funcs as referenced by ref.func.
func (m *Module) Declare(funcs ...uint32) {
	m.elems = append(m.elems, elem{funcs: funcs, declared: true})
}

// Data initializes memory 0 at offset when the module is instantiated.
func (m *Module) Data(offset uint32, data []byte) {
	m.data = append(m.data, segment{offset: offset, data: data})
}

// Bytes encodes the module.
func (m *Module) Bytes() []byte {
	out := []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}

	if len(m.types) > 0 {
		var s []byte
		s = AppendULEB128(s, uint32(len(m.types)))
		for _, t := range m.types {
			s = append(s, 0x60)
			s = appendTypes(s, t.params)
			s = appendTypes(s, t.results)
		}
		out = appendSection(out, 0x01, s)
	}

	if len(m.imports) > 0 {
		out = appendSection(out, 0x02, m.importSection())
	}

	if len(m.funcs) > 0 {
		var s []byte
		s = AppendULEB128(s, uint32(len(m.funcs)))
		for _, f := range m.funcs {
			s = AppendULEB128(s, f.typ)
		}
		out = appendSection(out, 0x03, s)
	}

	if len(m.tables) > 0 {
		var s []byte
		s = AppendULEB128(s, uint32(len(m.tables)))
		for _, l := range m.tables {
			s = append(s, funcref)
			s = l.append(s)
		}
		out = appendSection(out, 0x04, s)
	}

	if len(m.mems) > 0 {
		var s []byte
		s = AppendULEB128(s, uint32(len(m.mems)))
		for _, l := range m.mems {
			s = l.append(s)
		}
		out = appendSection(out, 0x05, s)
	}

	if len(m.globals) > 0 {
		out = appendSection(out, 0x06, m.globalSection())
	}

	if len(m.exports) > 0 {
		var s []byte
		s = AppendULEB128(s, uint32(len(m.exports)))
		for _, e := range m.exports {
			s = appendName(s, e.name)
			s = append(s, e.kind)
			s = AppendULEB128(s, e.idx)
		}
		out = appendSection(out, 0x07, s)
	}

	if len(m.elems) > 0 {
		out = appendSection(out, 0x09, m.elemSection())
	}

	if len(m.funcs) > 0 {
		out = appendSection(out, 0x0a, m.codeSection())
	}

	if len(m.data) > 0 {
		var s []byte
		s = AppendULEB128(s, uint32(len(m.data)))
		for _, d := range m.data {
			s = append(s, 0x00, 0x41)
			s = AppendSLEB128(s, int32(d.offset))
			s = append(s, 0x0b)
			s = AppendULEB128(s, uint32(len(d.data)))
			s = append(s, d.data...)
		}
		out = appendSection(out, 0x0b, s)
	}
	return out
}

func (m *Module) importSection() []byte {
	var s []byte
	s = AppendULEB128(s, uint32(len(m.imports)))
	for _, im := range m.imports {
		s = appendName(s, im.module)
		s = appendName(s, im.name)
		s = append(s, im.kind)
		switch im.kind {
		case ExternFunc:
			s = AppendULEB128(s, im.typ)
		case ExternTable:
			s = append(s, funcref)
			s = im.limits.append(s)
		case ExternMemory:
			s = im.limits.append(s)
		case ExternGlobal:
			s = append(s, ValType(im.val))
			s = appendBool(s, im.mut)
		}
	}
	return s
}

func appendBool(dst []byte, v bool) []byte {
	if v {
		return append(dst, 0x01)
	}
	return append(dst, 0x00)
}

func (m *Module) globalSection() []byte {
	var s []byte
	s = AppendULEB128(s, uint32(len(m.globals)))
	for _, g := range m.globals {
		s = append(s, ValType(g.val))
		s = appendBool(s, g.mut)
		c := NewCode()
		switch g.val {
		case api.ValueTypeI64:
			c.I64Const(int64(g.init))
		case api.ValueTypeF32:
			c.op(0x43).u32le(uint32(g.init))
		case api.ValueTypeF64:
			c.op(0x44).u64le(g.init)
		default:
			c.I32Const(int32(g.init))
		}
		s = append(s, c.End().Bytes()...)
	}
	return s
}

func (m *Module) elemSection() []byte {
	var s []byte
	s = AppendULEB128(s, uint32(len(m.elems)))
	for _, e := range m.elems {
		switch {
		case e.declared:
			s = append(s, 0x03, 0x00)
		case e.table == 0:
			s = append(s, 0x00, 0x41)
			s = AppendSLEB128(s, int32(e.offset))
			s = append(s, 0x0b)
		default:
			s = append(s, 0x02)
			s = AppendULEB128(s, e.table)
			s = append(s, 0x41)
			s = AppendSLEB128(s, int32(e.offset))
			s = append(s, 0x0b, 0x00)
		}
		s = AppendULEB128(s, uint32(len(e.funcs)))
		for _, f := range e.funcs {
			s = AppendULEB128(s, f)
		}
	}
	return s
}

func (m *Module) codeSection() []byte {
	var s []byte
	s = AppendULEB128(s, uint32(len(m.funcs)))
	for _, f := range m.funcs {
		var body []byte
		// Locals are run-length encoded by type.
		var groups [][2]uint32
		for _, l := range f.locals {
			t := uint32(ValType(l))
			if n := len(groups); n > 0 && groups[n-1][1] == t {
				groups[n-1][0]++
				continue
			}
			groups = append(groups, [2]uint32{1, t})
		}
		body = AppendULEB128(body, uint32(len(groups)))
		for _, g := range groups {
			body = AppendULEB128(body, g[0])
			body = append(body, byte(g[1]))
		}
		body = append(body, f.body...)
		s = AppendULEB128(s, uint32(len(body)))
		s = append(s, body...)
	}
	return s
}

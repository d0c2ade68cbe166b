package wasmgen

import "github.com/tetratelabs/wazero/api"

// Names used by thunk modules.
const (
	// ThunkImport is the export name of callback host functions.
	ThunkImport = "invoke"
	ThunkFunc   = "thunk"
	ThunkGrow   = "grow"
	ThunkPlace  = "place"
	ThunkClear  = "clear"
)

// Thunk builds a module that places a function into a funcref table. It
// imports the function module.name with the given signature and the table
// tableModule.tableName, and exports:
//
//	thunk        the function itself, forwarding to the import
//	grow() i32   appends thunk to the table, returns its slot or -1
//	place(i32)   stores thunk in an existing slot
//	clear(i32)   stores null in a slot
func Thunk(module, name, tableModule, tableName string, params, results []api.ValueType) []byte {
	m := New()
	invoke := m.ImportFunc(module, name, params, results)
	table := m.ImportTable(tableModule, tableName, Limits{})

	forward := NewCode()
	for i := range params {
		forward.LocalGet(uint32(i))
	}
	thunk := m.Func(params, results, nil, forward.Call(invoke))

	i32 := []api.ValueType{api.ValueTypeI32}
	grow := m.Func(nil, i32, nil, NewCode().RefFunc(thunk).I32Const(1).TableGrow(table))
	place := m.Func(i32, nil, nil, NewCode().LocalGet(0).RefFunc(thunk).TableSet(table))
	clear := m.Func(i32, nil, nil, NewCode().LocalGet(0).RefNull().TableSet(table))

	m.Declare(thunk)
	m.Export(ThunkFunc, ExternFunc, thunk)
	m.Export(ThunkGrow, ExternFunc, grow)
	m.Export(ThunkPlace, ExternFunc, place)
	m.Export(ThunkClear, ExternFunc, clear)
	return m.Bytes()
}

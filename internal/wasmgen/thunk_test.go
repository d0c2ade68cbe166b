package wasmgen

import (
	"context"
	"testing"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/experimental/table"
)

// library builds a module with a growable exported table and an apply
// export calling table[slot](x).
func library() []byte {
	m := New()
	unary := []api.ValueType{i32}
	tbl := m.Table(Limits{Min: 1})
	m.Export("__indirect_function_table", ExternTable, tbl)
	apply := m.Func([]api.ValueType{i32, i32}, unary, nil,
		NewCode().LocalGet(1).LocalGet(0).CallIndirect(m.Type(unary, unary), tbl))
	m.Export("apply", ExternFunc, apply)
	return m.Bytes()
}

func TestThunk(t *testing.T) {
	ctx := context.Background()
	r := wazero.NewRuntime(ctx)
	defer r.Close(ctx)

	var calls int
	_, err := r.NewHostModuleBuilder("host").
		NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(func(_ context.Context, _ api.Module, stack []uint64) {
			calls++
			stack[0] = api.EncodeI32(api.DecodeI32(stack[0]) * 3)
		}), []api.ValueType{i32}, []api.ValueType{i32}).
		Export(ThunkImport).
		Instantiate(ctx)
	if err != nil {
		t.Fatal(err)
	}
	lib := instantiate(t, r, "lib", library())

	bin := Thunk("host", ThunkImport, "lib", "__indirect_function_table", []api.ValueType{i32}, []api.ValueType{i32})
	thunk := instantiate(t, r, "thunk", bin)

	slot := api.DecodeI32(call(t, thunk, ThunkGrow)[0])
	if slot != 1 {
		t.Fatalf("grow returned slot %d", slot)
	}
	if got := api.DecodeI32(call(t, lib, "apply", uint64(slot), api.EncodeI32(-4))[0]); got != -12 {
		t.Errorf("apply through thunk = %d", got)
	}

	fn := table.LookupFunction(lib, 0, uint32(slot), []api.ValueType{i32}, []api.ValueType{i32})
	res, err := fn.Call(ctx, 5)
	if err != nil || res[0] != 15 {
		t.Errorf("lookup call = %v, %v", res, err)
	}
	if calls != 2 {
		t.Errorf("host called %d times", calls)
	}

	call(t, thunk, ThunkClear, uint64(slot))
	if _, err := lib.ExportedFunction("apply").Call(ctx, uint64(slot), 1); err == nil {
		t.Error("cleared slot should trap")
	}
	call(t, thunk, ThunkPlace, uint64(slot))
	if got := call(t, lib, "apply", uint64(slot), 2)[0]; got != 6 {
		t.Errorf("apply after place = %d", got)
	}
}

func TestThunk_ForwardsModuleExports(t *testing.T) {
	ctx := context.Background()
	r := wazero.NewRuntime(ctx)
	defer r.Close(ctx)

	m := New()
	unary := []api.ValueType{i32}
	tbl := m.Table(Limits{Min: 1})
	m.Export("t", ExternTable, tbl)
	m.Export("neg", ExternFunc, m.Func(unary, unary, nil, NewCode().I32Const(0).LocalGet(0).I32Sub()))
	lib := instantiate(t, r, "lib", m.Bytes())

	pin := instantiate(t, r, "pin", Thunk("lib", "neg", "lib", "t", unary, unary))
	slot := uint32(call(t, pin, ThunkGrow)[0])

	fn := table.LookupFunction(lib, 0, slot, unary, unary)
	res, err := fn.Call(ctx, 7)
	if err != nil || api.DecodeI32(res[0]) != -7 {
		t.Errorf("pinned export = %v, %v", res, err)
	}
}

func TestThunk_FixedTable(t *testing.T) {
	ctx := context.Background()
	r := wazero.NewRuntime(ctx)
	defer r.Close(ctx)

	m := New()
	m.Export("t", ExternTable, m.Table(Limits{Min: 1, Max: 1, HasMax: true}))
	m.Export("nop", ExternFunc, m.Func(nil, nil, nil, NewCode()))
	instantiate(t, r, "lib", m.Bytes())

	pin := instantiate(t, r, "pin", Thunk("lib", "nop", "lib", "t", nil, nil))
	if got := api.DecodeI32(call(t, pin, ThunkGrow)[0]); got != -1 {
		t.Errorf("grow on a full table = %d", got)
	}
}

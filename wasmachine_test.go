package wasmachine

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/wasmachine/wasmachine/api"
	"github.com/wasmachine/wasmachine/wasm"
)

// testCtx is an arbitrary, non-default context. Non-nil also prevents linter errors.
var testCtx = context.WithValue(context.Background(), struct{}{}, "arbitrary")

var (
	i32_i32_i32 = &wasm.FunctionType{Params: []wasm.ValueType{api.ValueTypeI32, api.ValueTypeI32}, Results: []wasm.ValueType{api.ValueTypeI32}}
	v_i32       = &wasm.FunctionType{Results: []wasm.ValueType{api.ValueTypeI32}}
	v_v         = &wasm.FunctionType{}
)

func i32Const(v int32) wasm.Instruction {
	return wasm.Instruction{Opcode: wasm.OpcodeI32Const, Const: api.EncodeI32(v)}
}

func indexed(o wasm.Opcode, idx wasm.Index) wasm.Instruction {
	return wasm.Instruction{Opcode: o, Index: idx}
}

// mathModule exports "add".
func mathModule() *wasm.Module {
	return &wasm.Module{
		TypeSection:     []*wasm.FunctionType{i32_i32_i32},
		FunctionSection: []wasm.Index{0},
		CodeSection: []*wasm.Code{{Body: []wasm.Instruction{
			indexed(wasm.OpcodeLocalGet, 0), indexed(wasm.OpcodeLocalGet, 1), {Opcode: wasm.OpcodeI32Add},
		}}},
		ExportSection: []*wasm.Export{{Kind: api.ExternTypeFunc, Name: "add", Index: 0}},
	}
}

// appModule imports "add", and exports "run" which stores 40+2 at address 0 and loads it back.
func appModule() *wasm.Module {
	return &wasm.Module{
		TypeSection:     []*wasm.FunctionType{i32_i32_i32, v_i32},
		ImportSection:   []*wasm.Import{{Kind: api.ExternTypeFunc, Module: "math", Name: "add", DescFunc: 0}},
		FunctionSection: []wasm.Index{1},
		MemorySection:   []*wasm.MemoryType{{Min: 1}},
		CodeSection: []*wasm.Code{{Body: []wasm.Instruction{
			i32Const(0), i32Const(40), i32Const(2), indexed(wasm.OpcodeCall, 0),
			{Opcode: wasm.OpcodeI32Store},
			i32Const(0),
			{Opcode: wasm.OpcodeI32Load},
		}}},
		ExportSection: []*wasm.Export{
			{Kind: api.ExternTypeFunc, Name: "run", Index: 1},
			{Kind: api.ExternTypeMemory, Name: "memory", Index: 0},
		},
	}
}

func TestValidate(t *testing.T) {
	imports, err := Validate(NewRuntimeConfig(), appModule())
	require.NoError(t, err)
	require.Equal(t, []wasm.ExternType{{Kind: api.ExternTypeFunc, Func: i32_i32_i32}}, imports)

	t.Run("feature disabled", func(t *testing.T) {
		m := &wasm.Module{TypeSection: []*wasm.FunctionType{
			{Results: []wasm.ValueType{api.ValueTypeI32, api.ValueTypeI32}},
		}}

		_, err := Validate(NewRuntimeConfig(), m)
		var ve *wasm.ValidationError
		require.True(t, errors.As(err, &ve))
		require.ErrorIs(t, err, wasm.ErrOutOfRange)
		require.Equal(t, "type", ve.Section)

		_, err = Validate(NewRuntimeConfig().WithFeatureMultiValue(true), m)
		require.NoError(t, err)
	})

	t.Run("nil module", func(t *testing.T) {
		_, err := Validate(NewRuntimeConfig(), nil)
		require.EqualError(t, err, "module == nil")
	})
}

func TestInstantiate_Linked(t *testing.T) {
	s := NewStore(NewRuntimeConfig())

	math, err := Instantiate(testCtx, s, mathModule(), "math", nil)
	require.NoError(t, err)
	add, err := ExportedFunction(math, "add")
	require.NoError(t, err)

	results, err := Invoke(testCtx, s, add, api.I32(1), api.I32(2))
	require.NoError(t, err)
	require.Equal(t, []api.Val{api.I32(3)}, results)

	app, err := Instantiate(testCtx, s, appModule(), "app", []wasm.ExternVal{wasm.ExternFunc(add)})
	require.NoError(t, err)
	run, err := ExportedFunction(app, "run")
	require.NoError(t, err)

	results, err = Invoke(testCtx, s, run)
	require.NoError(t, err)
	require.Equal(t, []api.Val{api.I32(42)}, results)

	mem, err := app.Export("memory", api.ExternTypeMemory)
	require.NoError(t, err)
	b, err := s.MemoryRead(wasm.MemoryAddr(mem.Addr), 0, 4)
	require.NoError(t, err)
	require.Equal(t, []byte{42, 0, 0, 0}, b)
}

func TestInstantiate_Errors(t *testing.T) {
	t.Run("nil module", func(t *testing.T) {
		_, err := Instantiate(testCtx, NewStore(NewRuntimeConfig()), nil, "app", nil)
		require.EqualError(t, err, "module == nil")
	})

	t.Run("missing import", func(t *testing.T) {
		_, err := Instantiate(testCtx, NewStore(NewRuntimeConfig()), appModule(), "app", nil)
		var ie *wasm.InstantiationError
		require.True(t, errors.As(err, &ie))
		require.Equal(t, "app", ie.Module)
		require.ErrorIs(t, err, wasm.ErrImportMismatch)
	})

	t.Run("memory over the configured limit", func(t *testing.T) {
		s := NewStore(NewRuntimeConfig().WithMemoryMaxPages(1))
		m := &wasm.Module{MemorySection: []*wasm.MemoryType{{Min: 2}}}
		_, err := Instantiate(testCtx, s, m, "big", nil)
		require.ErrorIs(t, err, wasm.ErrOutOfRange)
	})
}

func TestExportedFunction(t *testing.T) {
	s := NewStore(NewRuntimeConfig())
	app, err := Instantiate(testCtx, s, appModule(), "app", []wasm.ExternVal{
		wasm.ExternFunc(s.AllocHostFunction("math.add", i32_i32_i32, func(_ context.Context, _ *wasm.Store, params []api.Val) ([]api.Val, error) {
			return []api.Val{api.I32(params[0].I32() + params[1].I32())}, nil
		})),
	})
	require.NoError(t, err)

	_, err = ExportedFunction(app, "missing")
	require.EqualError(t, err, `"missing" is not exported in module "app"`)

	_, err = ExportedFunction(app, "memory")
	require.EqualError(t, err, `export "memory" in module "app" is a memory, not a func`)

	run, err := ExportedFunction(app, "run")
	require.NoError(t, err)
	results, err := Invoke(nil, s, run) //nolint:staticcheck
	require.NoError(t, err)
	require.Equal(t, []api.Val{api.I32(42)}, results)
}

func TestInvoke_StepBudget(t *testing.T) {
	s := NewStore(NewRuntimeConfig().WithStepBudget(1000))
	m, err := Instantiate(testCtx, s, &wasm.Module{
		TypeSection:     []*wasm.FunctionType{v_v},
		FunctionSection: []wasm.Index{0},
		CodeSection: []*wasm.Code{{Body: []wasm.Instruction{
			{Opcode: wasm.OpcodeLoop, Body: []wasm.Instruction{indexed(wasm.OpcodeBr, 0)}},
		}}},
		ExportSection: []*wasm.Export{{Kind: api.ExternTypeFunc, Name: "spin", Index: 0}},
	}, "spin", nil)
	require.NoError(t, err)

	spin, err := ExportedFunction(m, "spin")
	require.NoError(t, err)
	_, err = Invoke(testCtx, s, spin)
	var trap *wasm.Trap
	require.True(t, errors.As(err, &trap))
	require.ErrorIs(t, err, wasm.ErrRuntimeStepBudgetExceeded)
	require.Equal(t, []string{"spin.spin"}, trap.Backtrace)
}

func TestInvoke_CloseOnContextDone(t *testing.T) {
	s := NewStore(NewRuntimeConfig().WithCloseOnContextDone(true))
	math, err := Instantiate(testCtx, s, mathModule(), "math", nil)
	require.NoError(t, err)
	add, err := ExportedFunction(math, "add")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(testCtx)
	cancel()
	_, err = Invoke(ctx, s, add, api.I32(1), api.I32(2))
	require.ErrorIs(t, err, wasm.ErrRuntimeContextDone)
	require.ErrorIs(t, err, context.Canceled)
}

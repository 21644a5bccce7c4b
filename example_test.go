package wasmachine

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/wasmachine/wasmachine/api"
	"github.com/wasmachine/wasmachine/wasm"
)

// This is an example of how to use WebAssembly via adding two numbers.
func Example() {
	// Choose the context to use for function calls.
	ctx := context.Background()

	// Create a new store which executes functions with the interpreter.
	store := NewStore(NewRuntimeConfig())

	// Modules are built directly, as decoding is out of scope. This one exports one function "add".
	i32 := api.ValueTypeI32
	math := &wasm.Module{
		TypeSection:     []*wasm.FunctionType{{Params: []wasm.ValueType{i32, i32}, Results: []wasm.ValueType{i32}}},
		FunctionSection: []wasm.Index{0},
		CodeSection: []*wasm.Code{{Body: []wasm.Instruction{
			{Opcode: wasm.OpcodeLocalGet, Index: 0},
			{Opcode: wasm.OpcodeLocalGet, Index: 1},
			{Opcode: wasm.OpcodeI32Add},
		}}},
		ExportSection: []*wasm.Export{{Kind: api.ExternTypeFunc, Name: "add", Index: 0}},
	}

	mod, err := Instantiate(ctx, store, math, "wasm/math", nil)
	if err != nil {
		log.Fatal(err)
	}

	add, err := ExportedFunction(mod, "add")
	if err != nil {
		log.Fatal(err)
	}

	x, y := api.I32(1), api.I32(2)
	results, err := Invoke(ctx, store, add, x, y)
	if err != nil {
		log.Fatal(err)
	}

	fmt.Printf("%s: %d + %d = %d\n", mod.Name, x.I32(), y.I32(), results[0].I32())

	// Output:
	// wasm/math: 1 + 2 = 3
}

// This shows how to bound execution of code which never returns.
func Example_stepBudget() {
	ctx := context.Background()

	store := NewStore(NewRuntimeConfig().WithStepBudget(100))

	forever := &wasm.Module{
		TypeSection:     []*wasm.FunctionType{{}},
		FunctionSection: []wasm.Index{0},
		CodeSection: []*wasm.Code{{Body: []wasm.Instruction{
			{Opcode: wasm.OpcodeLoop, Body: []wasm.Instruction{{Opcode: wasm.OpcodeBr, Index: 0}}},
		}}},
		ExportSection: []*wasm.Export{{Kind: api.ExternTypeFunc, Name: "forever", Index: 0}},
	}

	mod, err := Instantiate(ctx, store, forever, "spin", nil)
	if err != nil {
		log.Fatal(err)
	}

	f, err := ExportedFunction(mod, "forever")
	if err != nil {
		log.Fatal(err)
	}

	_, err = Invoke(ctx, store, f)
	var trap *wasm.Trap
	if errors.As(err, &trap) {
		fmt.Println(trap.Err, trap.Backtrace)
	}

	// Output:
	// step budget exceeded [spin.forever]
}

// This shows how to configure a store from a TOML document.
func ExampleParseRuntimeConfig() {
	config, err := ParseRuntimeConfig([]byte(`
memory-max-pages = 1

[features]
multi-value = true
`))
	if err != nil {
		log.Fatal(err)
	}

	store := NewStore(config)
	fmt.Println(store.MemoryMaxPages, store.EnabledFeatures)

	// Output:
	// 1 multi-value
}

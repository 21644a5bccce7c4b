// Package wasmachine is an abstract machine for WebAssembly 1.0 (20191205) modules: it validates them, links them into
// a store and executes their functions with an interpreter.
//
// Ex.
//
//	config := wasmachine.NewRuntimeConfig().WithFeatureMultiValue(true)
//	store := wasmachine.NewStore(config)
//	module, _ := wasmachine.Instantiate(ctx, store, decoded, "math", nil)
//	add, _ := wasmachine.ExportedFunction(module, "add")
//	results, _ := wasmachine.Invoke(ctx, store, add, api.I32(1), api.I32(2))
//
// Modules are built as *wasm.Module values; decoding the binary or text format is left to the caller.
package wasmachine

import (
	"context"
	"errors"

	"github.com/wasmachine/wasmachine/api"
	"github.com/wasmachine/wasmachine/wasm"
	"github.com/wasmachine/wasmachine/wasm/interpreter"
)

// NewStore returns an empty store executing with the interpreter, configured by the given RuntimeConfig.
func NewStore(config *RuntimeConfig) *wasm.Store {
	s := wasm.NewStore(interpreter.NewEngine(config.engineConfig()), config.enabledFeatures)
	s.MemoryMaxPages = config.memoryMaxPages
	if config.logger != nil {
		s.Logger = config.logger
	}
	return s
}

// Validate checks the module against the features enabled in the config and returns the types of its imports.
//
// Errors are *wasm.ValidationError.
func Validate(config *RuntimeConfig, module *wasm.Module) ([]wasm.ExternType, error) {
	if module == nil {
		return nil, errors.New("module == nil")
	}
	return module.Validate(config.enabledFeatures)
}

// Instantiate validates the module, links it against externs and runs its start function, if any.
//
// externs must be in the same order as the module's imports. Errors are *wasm.InstantiationError.
func Instantiate(ctx context.Context, store *wasm.Store, module *wasm.Module, name string, externs []wasm.ExternVal) (*wasm.ModuleInstance, error) {
	if module == nil {
		return nil, errors.New("module == nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	return store.Instantiate(ctx, module, name, externs)
}

// Invoke calls the function at the address with the given arguments.
//
// A runtime failure is returned as *wasm.Trap. Any other error wraps wasm.ErrEngineBug.
func Invoke(ctx context.Context, store *wasm.Store, f wasm.FunctionAddr, args ...api.Val) ([]api.Val, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	return store.Engine.Invoke(ctx, store, f, args)
}

// ExportedFunction returns the address of the function the module exports under the name.
func ExportedFunction(module *wasm.ModuleInstance, name string) (wasm.FunctionAddr, error) {
	ev, err := module.Export(name, api.ExternTypeFunc)
	if err != nil {
		return 0, err
	}
	return wasm.FunctionAddr(ev.Addr), nil
}

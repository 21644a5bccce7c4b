package wasm

import (
	"context"

	"github.com/wasmachine/wasmachine/api"
)

// HostFunction is a Go function callable from WebAssembly. params match the declared parameter types and the results
// must match the declared result types. A non-nil error traps the calling invocation.
type HostFunction func(ctx context.Context, s *Store, params []api.Val) ([]api.Val, error)

// AllocHostFunction adds a host function of the given type to the store, so that it can be passed to Instantiate.
func (s *Store) AllocHostFunction(name string, ft *FunctionType, fn HostFunction) FunctionAddr {
	return s.addFunction(&FunctionInstance{
		Kind:      FunctionKindHost,
		Type:      ft,
		DebugName: name,
		Host:      fn,
	})
}

package wasm

import (
	"context"

	"github.com/wasmachine/wasmachine/api"
)

// Engine executes functions of a Store. It is the interpreter in package interpreter.
type Engine interface {
	// Invoke calls the function at the address with the given arguments and returns its results.
	//
	// Runtime failures are returned as *Trap. Any other error means the engine itself is broken.
	Invoke(ctx context.Context, s *Store, f FunctionAddr, args []api.Val) ([]api.Val, error)
}

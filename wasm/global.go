package wasm

import (
	"fmt"

	"github.com/wasmachine/wasmachine/api"
)

// GlobalInstance is the runtime state of a global.
//
// See https://www.w3.org/TR/2019/REC-wasm-core-1-20191205/#global-instances%E2%91%A0
type GlobalInstance struct {
	Type *GlobalType
	Val  api.Val
}

// String implements fmt.Stringer
func (g *GlobalInstance) String() string {
	return fmt.Sprintf("global(%s)", g.Val)
}

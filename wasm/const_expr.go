package wasm

import (
	"fmt"

	"github.com/wasmachine/wasmachine/api"
)

// validateConstExpression checks that expr is a constant instruction producing expected. Only the first
// visibleGlobals globals may be read, and only immutable ones.
//
// See https://www.w3.org/TR/2019/REC-wasm-core-1-20191205/#constant-expressions%E2%91%A0
func (c *validationContext) validateConstExpression(expr *ConstantExpression, expected ValueType, visibleGlobals Index) error {
	if expr == nil {
		return fmt.Errorf("%w: missing constant expression", ErrInvalidTypeOfResult)
	}

	var actual ValueType
	switch expr.Opcode {
	case OpcodeI32Const:
		actual = ValueTypeI32
	case OpcodeI64Const:
		actual = ValueTypeI64
	case OpcodeF32Const:
		actual = ValueTypeF32
	case OpcodeF64Const:
		actual = ValueTypeF64
	case OpcodeGlobalGet:
		if expr.Index >= visibleGlobals || expr.Index >= Index(len(c.globals)) {
			return fmt.Errorf("%w: global index %d in constant expression", ErrOutOfIndex, expr.Index)
		}
		g := c.globals[expr.Index]
		if g.Mutable {
			return fmt.Errorf("%w: constant expression reads mutable global %d", ErrMutability, expr.Index)
		}
		actual = g.ValType
	default:
		return fmt.Errorf("%w: %s is not a constant instruction", ErrOutOfRange, InstructionName(expr.Opcode))
	}

	if actual != expected {
		return fmt.Errorf("%w: constant expression has type %s, but %s is required",
			ErrInvalidTypeOfResult, api.ValueTypeName(actual), api.ValueTypeName(expected))
	}
	return nil
}

// evalConstExpression returns the value of a validated constant expression. globals is the global index space of
// the module being instantiated, filled at least up to the referenced index.
func (s *Store) evalConstExpression(expr *ConstantExpression, globals []GlobalAddr) api.Val {
	switch expr.Opcode {
	case OpcodeI32Const:
		return api.ValueFromBits(ValueTypeI32, expr.Const)
	case OpcodeI64Const:
		return api.ValueFromBits(ValueTypeI64, expr.Const)
	case OpcodeF32Const:
		return api.ValueFromBits(ValueTypeF32, expr.Const)
	case OpcodeF64Const:
		return api.ValueFromBits(ValueTypeF64, expr.Const)
	default: // OpcodeGlobalGet
		return s.globals[globals[expr.Index]].Val
	}
}

// Package api includes constants and value types used by both end-users and internal implementations.
package api

import (
	"fmt"
	"math"
)

// ExternType classifies imports and exports with their respective types.
//
// See https://www.w3.org/TR/2019/REC-wasm-core-1-20191205/#import-section%E2%91%A0
// See https://www.w3.org/TR/2019/REC-wasm-core-1-20191205/#external-types%E2%91%A0
type ExternType = byte

const (
	ExternTypeFunc   ExternType = 0x00
	ExternTypeTable  ExternType = 0x01
	ExternTypeMemory ExternType = 0x02
	ExternTypeGlobal ExternType = 0x03
)

// The below are exported to consolidate naming of external types in error messages.
const (
	ExternTypeFuncName   = "func"
	ExternTypeTableName  = "table"
	ExternTypeMemoryName = "memory"
	ExternTypeGlobalName = "global"
)

// ExternTypeName returns the name of the WebAssembly 1.0 (20191205) Text Format field of the given type.
func ExternTypeName(et ExternType) string {
	switch et {
	case ExternTypeFunc:
		return ExternTypeFuncName
	case ExternTypeTable:
		return ExternTypeTableName
	case ExternTypeMemory:
		return ExternTypeMemoryName
	case ExternTypeGlobal:
		return ExternTypeGlobalName
	}
	return fmt.Sprintf("%#x", et)
}

// ValueType describes a numeric type used in Web Assembly 1.0 (20191205). For example, Function parameters and results are
// only definable as a value type.
//
// Note: This is a type alias as it is easier to encode and decode in the binary format.
// See https://www.w3.org/TR/2019/REC-wasm-core-1-20191205/#binary-valtype
type ValueType = byte

const (
	// ValueTypeI32 is a 32-bit integer.
	ValueTypeI32 ValueType = 0x7f
	// ValueTypeI64 is a 64-bit integer.
	ValueTypeI64 ValueType = 0x7e
	// ValueTypeF32 is a 32-bit floating point number.
	ValueTypeF32 ValueType = 0x7d
	// ValueTypeF64 is a 64-bit floating point number.
	ValueTypeF64 ValueType = 0x7c
)

// ValueTypeName returns the type name of the given ValueType as a string.
// These type names match the names used in the WebAssembly text format.
//
// Note: This returns "unknown", if an undefined ValueType value is passed.
func ValueTypeName(t ValueType) string {
	switch t {
	case ValueTypeI32:
		return "i32"
	case ValueTypeI64:
		return "i64"
	case ValueTypeF32:
		return "f32"
	case ValueTypeF64:
		return "f64"
	}
	return "unknown"
}

// Val is a runtime value tagged with its ValueType. The payload is kept as raw bits, so reading
// it back with an accessor of another kind reinterprets rather than converts.
//
// The zero value has no type and is not a valid value. Use I32, I64, F32, F64 or ValueFromBits.
type Val struct {
	typ ValueType
	raw uint64
}

// I32 returns a ValueTypeI32 value.
func I32(v int32) Val { return Val{typ: ValueTypeI32, raw: EncodeI32(v)} }

// I64 returns a ValueTypeI64 value.
func I64(v int64) Val { return Val{typ: ValueTypeI64, raw: EncodeI64(v)} }

// F32 returns a ValueTypeF32 value.
func F32(v float32) Val { return Val{typ: ValueTypeF32, raw: EncodeF32(v)} }

// F64 returns a ValueTypeF64 value.
func F64(v float64) Val { return Val{typ: ValueTypeF64, raw: EncodeF64(v)} }

// ValueFromBits returns a value of the given type from its raw bits. 32-bit types keep only the low 32 bits.
func ValueFromBits(t ValueType, bits uint64) Val {
	switch t {
	case ValueTypeI32, ValueTypeF32:
		bits = uint64(uint32(bits))
	}
	return Val{typ: t, raw: bits}
}

// ZeroValue returns the zero of the given type, used to initialize locals.
func ZeroValue(t ValueType) Val {
	return Val{typ: t}
}

// Type returns the kind of this value.
func (v Val) Type() ValueType { return v.typ }

// Bits returns the raw payload. 32-bit kinds are zero-extended.
func (v Val) Bits() uint64 { return v.raw }

// I32 returns the payload as a signed 32-bit integer.
func (v Val) I32() int32 { return int32(uint32(v.raw)) }

// U32 returns the payload as an unsigned 32-bit integer.
func (v Val) U32() uint32 { return uint32(v.raw) }

// I64 returns the payload as a signed 64-bit integer.
func (v Val) I64() int64 { return int64(v.raw) }

// F32 returns the payload as a float32.
func (v Val) F32() float32 { return DecodeF32(v.raw) }

// F64 returns the payload as a float64.
func (v Val) F64() float64 { return DecodeF64(v.raw) }

// String implements fmt.Stringer
func (v Val) String() string {
	switch v.typ {
	case ValueTypeI32:
		return fmt.Sprintf("i32:%d", v.I32())
	case ValueTypeI64:
		return fmt.Sprintf("i64:%d", v.I64())
	case ValueTypeF32:
		return fmt.Sprintf("f32:%v", v.F32())
	case ValueTypeF64:
		return fmt.Sprintf("f64:%v", v.F64())
	}
	return fmt.Sprintf("%s:%#x", ValueTypeName(v.typ), v.raw)
}

// EncodeI32 encodes the input as a ValueTypeI32.
func EncodeI32(input int32) uint64 {
	return uint64(uint32(input))
}

// EncodeI64 encodes the input as a ValueTypeI64.
func EncodeI64(input int64) uint64 {
	return uint64(input)
}

// EncodeF32 encodes the input as a ValueTypeF32.
// See DecodeF32
func EncodeF32(input float32) uint64 {
	return uint64(math.Float32bits(input))
}

// DecodeF32 decodes the input as a ValueTypeF32.
// See EncodeF32
func DecodeF32(input uint64) float32 {
	return math.Float32frombits(uint32(input))
}

// EncodeF64 encodes the input as a ValueTypeF64.
// See EncodeF32
func EncodeF64(input float64) uint64 {
	return math.Float64bits(input)
}

// DecodeF64 decodes the input as a ValueTypeF64.
// See EncodeF64
func DecodeF64(input uint64) float64 {
	return math.Float64frombits(input)
}

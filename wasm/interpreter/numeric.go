package interpreter

import (
	"math"
	"math/bits"

	"github.com/wasmachine/wasmachine/api"
	"github.com/wasmachine/wasmachine/internal/moremath"
	"github.com/wasmachine/wasmachine/wasm"
)

const (
	f32SignBit = uint32(1) << 31
	f64SignBit = uint64(1) << 63
)

// execNumeric runs comparison, arithmetic, conversion and sign extension operators.
func (ce *callEngine) execNumeric(op wasm.Opcode) {
	switch op {
	case wasm.OpcodeI32Eqz:
		ce.pushBool(ce.popU32() == 0)
	case wasm.OpcodeI32Eq, wasm.OpcodeI32Ne, wasm.OpcodeI32LtS, wasm.OpcodeI32LtU, wasm.OpcodeI32GtS,
		wasm.OpcodeI32GtU, wasm.OpcodeI32LeS, wasm.OpcodeI32LeU, wasm.OpcodeI32GeS, wasm.OpcodeI32GeU:
		v2, v1 := ce.popU32(), ce.popU32()
		ce.pushBool(compareI32(op, v1, v2))
	case wasm.OpcodeI64Eqz:
		ce.pushBool(ce.popU64() == 0)
	case wasm.OpcodeI64Eq, wasm.OpcodeI64Ne, wasm.OpcodeI64LtS, wasm.OpcodeI64LtU, wasm.OpcodeI64GtS,
		wasm.OpcodeI64GtU, wasm.OpcodeI64LeS, wasm.OpcodeI64LeU, wasm.OpcodeI64GeS, wasm.OpcodeI64GeU:
		v2, v1 := ce.popU64(), ce.popU64()
		ce.pushBool(compareI64(op, v1, v2))
	case wasm.OpcodeF32Eq, wasm.OpcodeF32Ne, wasm.OpcodeF32Lt, wasm.OpcodeF32Gt, wasm.OpcodeF32Le, wasm.OpcodeF32Ge:
		v2, v1 := ce.popF32(), ce.popF32()
		ce.pushBool(compareFloat(op-wasm.OpcodeF32Eq, float64(v1), float64(v2)))
	case wasm.OpcodeF64Eq, wasm.OpcodeF64Ne, wasm.OpcodeF64Lt, wasm.OpcodeF64Gt, wasm.OpcodeF64Le, wasm.OpcodeF64Ge:
		v2, v1 := ce.popF64(), ce.popF64()
		ce.pushBool(compareFloat(op-wasm.OpcodeF64Eq, v1, v2))

	case wasm.OpcodeI32Clz:
		ce.pushU32(uint32(bits.LeadingZeros32(ce.popU32())))
	case wasm.OpcodeI32Ctz:
		ce.pushU32(uint32(bits.TrailingZeros32(ce.popU32())))
	case wasm.OpcodeI32Popcnt:
		ce.pushU32(uint32(bits.OnesCount32(ce.popU32())))
	case wasm.OpcodeI32Add, wasm.OpcodeI32Sub, wasm.OpcodeI32Mul, wasm.OpcodeI32DivS, wasm.OpcodeI32DivU,
		wasm.OpcodeI32RemS, wasm.OpcodeI32RemU, wasm.OpcodeI32And, wasm.OpcodeI32Or, wasm.OpcodeI32Xor,
		wasm.OpcodeI32Shl, wasm.OpcodeI32ShrS, wasm.OpcodeI32ShrU, wasm.OpcodeI32Rotl, wasm.OpcodeI32Rotr:
		v2, v1 := ce.popU32(), ce.popU32()
		ce.pushU32(binaryI32(op, v1, v2))

	case wasm.OpcodeI64Clz:
		ce.pushU64(uint64(bits.LeadingZeros64(ce.popU64())))
	case wasm.OpcodeI64Ctz:
		ce.pushU64(uint64(bits.TrailingZeros64(ce.popU64())))
	case wasm.OpcodeI64Popcnt:
		ce.pushU64(uint64(bits.OnesCount64(ce.popU64())))
	case wasm.OpcodeI64Add, wasm.OpcodeI64Sub, wasm.OpcodeI64Mul, wasm.OpcodeI64DivS, wasm.OpcodeI64DivU,
		wasm.OpcodeI64RemS, wasm.OpcodeI64RemU, wasm.OpcodeI64And, wasm.OpcodeI64Or, wasm.OpcodeI64Xor,
		wasm.OpcodeI64Shl, wasm.OpcodeI64ShrS, wasm.OpcodeI64ShrU, wasm.OpcodeI64Rotl, wasm.OpcodeI64Rotr:
		v2, v1 := ce.popU64(), ce.popU64()
		ce.pushU64(binaryI64(op, v1, v2))

	case wasm.OpcodeF32Abs:
		v := ce.popTyped(api.ValueTypeF32).U32()
		ce.pushValue(api.ValueFromBits(api.ValueTypeF32, uint64(v&^f32SignBit)))
	case wasm.OpcodeF32Neg:
		v := ce.popTyped(api.ValueTypeF32).U32()
		ce.pushValue(api.ValueFromBits(api.ValueTypeF32, uint64(v^f32SignBit)))
	case wasm.OpcodeF32Ceil:
		ce.pushF32(float32(math.Ceil(float64(ce.popF32()))))
	case wasm.OpcodeF32Floor:
		ce.pushF32(float32(math.Floor(float64(ce.popF32()))))
	case wasm.OpcodeF32Trunc:
		ce.pushF32(float32(math.Trunc(float64(ce.popF32()))))
	case wasm.OpcodeF32Nearest:
		ce.pushF32(moremath.WasmCompatNearestF32(ce.popF32()))
	case wasm.OpcodeF32Sqrt:
		ce.pushF32(float32(math.Sqrt(float64(ce.popF32()))))
	case wasm.OpcodeF32Add:
		v2, v1 := ce.popF32(), ce.popF32()
		ce.pushF32(v1 + v2)
	case wasm.OpcodeF32Sub:
		v2, v1 := ce.popF32(), ce.popF32()
		ce.pushF32(v1 - v2)
	case wasm.OpcodeF32Mul:
		v2, v1 := ce.popF32(), ce.popF32()
		ce.pushF32(v1 * v2)
	case wasm.OpcodeF32Div:
		v2, v1 := ce.popF32(), ce.popF32()
		ce.pushF32(v1 / v2)
	case wasm.OpcodeF32Min:
		v2, v1 := ce.popF32(), ce.popF32()
		ce.pushF32(moremath.WasmCompatMinF32(v1, v2))
	case wasm.OpcodeF32Max:
		v2, v1 := ce.popF32(), ce.popF32()
		ce.pushF32(moremath.WasmCompatMaxF32(v1, v2))
	case wasm.OpcodeF32Copysign:
		v2 := ce.popTyped(api.ValueTypeF32).U32()
		v1 := ce.popTyped(api.ValueTypeF32).U32()
		ce.pushValue(api.ValueFromBits(api.ValueTypeF32, uint64(v1&^f32SignBit|v2&f32SignBit)))

	case wasm.OpcodeF64Abs:
		ce.pushValue(api.ValueFromBits(api.ValueTypeF64, ce.popTyped(api.ValueTypeF64).Bits()&^f64SignBit))
	case wasm.OpcodeF64Neg:
		ce.pushValue(api.ValueFromBits(api.ValueTypeF64, ce.popTyped(api.ValueTypeF64).Bits()^f64SignBit))
	case wasm.OpcodeF64Ceil:
		ce.pushF64(math.Ceil(ce.popF64()))
	case wasm.OpcodeF64Floor:
		ce.pushF64(math.Floor(ce.popF64()))
	case wasm.OpcodeF64Trunc:
		ce.pushF64(math.Trunc(ce.popF64()))
	case wasm.OpcodeF64Nearest:
		ce.pushF64(moremath.WasmCompatNearestF64(ce.popF64()))
	case wasm.OpcodeF64Sqrt:
		ce.pushF64(math.Sqrt(ce.popF64()))
	case wasm.OpcodeF64Add:
		v2, v1 := ce.popF64(), ce.popF64()
		ce.pushF64(v1 + v2)
	case wasm.OpcodeF64Sub:
		v2, v1 := ce.popF64(), ce.popF64()
		ce.pushF64(v1 - v2)
	case wasm.OpcodeF64Mul:
		v2, v1 := ce.popF64(), ce.popF64()
		ce.pushF64(v1 * v2)
	case wasm.OpcodeF64Div:
		v2, v1 := ce.popF64(), ce.popF64()
		ce.pushF64(v1 / v2)
	case wasm.OpcodeF64Min:
		v2, v1 := ce.popF64(), ce.popF64()
		ce.pushF64(moremath.WasmCompatMin(v1, v2))
	case wasm.OpcodeF64Max:
		v2, v1 := ce.popF64(), ce.popF64()
		ce.pushF64(moremath.WasmCompatMax(v1, v2))
	case wasm.OpcodeF64Copysign:
		v2 := ce.popTyped(api.ValueTypeF64).Bits()
		v1 := ce.popTyped(api.ValueTypeF64).Bits()
		ce.pushValue(api.ValueFromBits(api.ValueTypeF64, v1&^f64SignBit|v2&f64SignBit))

	case wasm.OpcodeI32WrapI64:
		ce.pushU32(uint32(ce.popU64()))
	case wasm.OpcodeI32TruncF32S:
		ce.pushU32(uint32(truncToI32(float64(ce.popF32()))))
	case wasm.OpcodeI32TruncF32U:
		ce.pushU32(truncToU32(float64(ce.popF32())))
	case wasm.OpcodeI32TruncF64S:
		ce.pushU32(uint32(truncToI32(ce.popF64())))
	case wasm.OpcodeI32TruncF64U:
		ce.pushU32(truncToU32(ce.popF64()))
	case wasm.OpcodeI64ExtendI32S:
		ce.pushU64(uint64(int64(int32(ce.popU32()))))
	case wasm.OpcodeI64ExtendI32U:
		ce.pushU64(uint64(ce.popU32()))
	case wasm.OpcodeI64TruncF32S:
		ce.pushU64(uint64(truncToI64(float64(ce.popF32()))))
	case wasm.OpcodeI64TruncF32U:
		ce.pushU64(truncToU64(float64(ce.popF32())))
	case wasm.OpcodeI64TruncF64S:
		ce.pushU64(uint64(truncToI64(ce.popF64())))
	case wasm.OpcodeI64TruncF64U:
		ce.pushU64(truncToU64(ce.popF64()))
	case wasm.OpcodeF32ConvertI32s:
		ce.pushF32(float32(int32(ce.popU32())))
	case wasm.OpcodeF32ConvertI32U:
		ce.pushF32(float32(ce.popU32()))
	case wasm.OpcodeF32ConvertI64S:
		ce.pushF32(float32(int64(ce.popU64())))
	case wasm.OpcodeF32ConvertI64U:
		ce.pushF32(float32(ce.popU64()))
	case wasm.OpcodeF32DemoteF64:
		ce.pushF32(float32(ce.popF64()))
	case wasm.OpcodeF64ConvertI32S:
		ce.pushF64(float64(int32(ce.popU32())))
	case wasm.OpcodeF64ConvertI32U:
		ce.pushF64(float64(ce.popU32()))
	case wasm.OpcodeF64ConvertI64S:
		ce.pushF64(float64(int64(ce.popU64())))
	case wasm.OpcodeF64ConvertI64U:
		ce.pushF64(float64(ce.popU64()))
	case wasm.OpcodeF64PromoteF32:
		ce.pushF64(float64(ce.popF32()))
	case wasm.OpcodeI32ReinterpretF32:
		ce.pushValue(api.ValueFromBits(api.ValueTypeI32, ce.popTyped(api.ValueTypeF32).Bits()))
	case wasm.OpcodeI64ReinterpretF64:
		ce.pushValue(api.ValueFromBits(api.ValueTypeI64, ce.popTyped(api.ValueTypeF64).Bits()))
	case wasm.OpcodeF32ReinterpretI32:
		ce.pushValue(api.ValueFromBits(api.ValueTypeF32, ce.popTyped(api.ValueTypeI32).Bits()))
	case wasm.OpcodeF64ReinterpretI64:
		ce.pushValue(api.ValueFromBits(api.ValueTypeF64, ce.popTyped(api.ValueTypeI64).Bits()))

	case wasm.OpcodeI32Extend8S:
		ce.pushU32(uint32(int8(ce.popU32())))
	case wasm.OpcodeI32Extend16S:
		ce.pushU32(uint32(int16(ce.popU32())))
	case wasm.OpcodeI64Extend8S:
		ce.pushU64(uint64(int8(ce.popU64())))
	case wasm.OpcodeI64Extend16S:
		ce.pushU64(uint64(int16(ce.popU64())))
	case wasm.OpcodeI64Extend32S:
		ce.pushU64(uint64(int32(ce.popU64())))
	default:
		bug("unsupported instruction %s", wasm.InstructionName(op))
	}
}

func compareI32(op wasm.Opcode, v1, v2 uint32) bool {
	switch op {
	case wasm.OpcodeI32Eq:
		return v1 == v2
	case wasm.OpcodeI32Ne:
		return v1 != v2
	case wasm.OpcodeI32LtS:
		return int32(v1) < int32(v2)
	case wasm.OpcodeI32LtU:
		return v1 < v2
	case wasm.OpcodeI32GtS:
		return int32(v1) > int32(v2)
	case wasm.OpcodeI32GtU:
		return v1 > v2
	case wasm.OpcodeI32LeS:
		return int32(v1) <= int32(v2)
	case wasm.OpcodeI32LeU:
		return v1 <= v2
	case wasm.OpcodeI32GeS:
		return int32(v1) >= int32(v2)
	default: // OpcodeI32GeU
		return v1 >= v2
	}
}

func compareI64(op wasm.Opcode, v1, v2 uint64) bool {
	switch op {
	case wasm.OpcodeI64Eq:
		return v1 == v2
	case wasm.OpcodeI64Ne:
		return v1 != v2
	case wasm.OpcodeI64LtS:
		return int64(v1) < int64(v2)
	case wasm.OpcodeI64LtU:
		return v1 < v2
	case wasm.OpcodeI64GtS:
		return int64(v1) > int64(v2)
	case wasm.OpcodeI64GtU:
		return v1 > v2
	case wasm.OpcodeI64LeS:
		return int64(v1) <= int64(v2)
	case wasm.OpcodeI64LeU:
		return v1 <= v2
	case wasm.OpcodeI64GeS:
		return int64(v1) >= int64(v2)
	default: // OpcodeI64GeU
		return v1 >= v2
	}
}

// compareFloat takes the offset of the operator from eq, which is the same for both float widths. Any comparison
// with NaN is false except ne. A float32 widened to float64 compares the same.
func compareFloat(rel wasm.Opcode, v1, v2 float64) bool {
	switch rel {
	case 0: // eq
		return v1 == v2
	case 1: // ne
		return v1 != v2
	case 2: // lt
		return v1 < v2
	case 3: // gt
		return v1 > v2
	case 4: // le
		return v1 <= v2
	default: // ge
		return v1 >= v2
	}
}

func binaryI32(op wasm.Opcode, v1, v2 uint32) uint32 {
	switch op {
	case wasm.OpcodeI32Add:
		return v1 + v2
	case wasm.OpcodeI32Sub:
		return v1 - v2
	case wasm.OpcodeI32Mul:
		return v1 * v2
	case wasm.OpcodeI32DivS:
		if v2 == 0 {
			trap(wasm.ErrRuntimeIntegerDivideByZero)
		}
		d1, d2 := int32(v1), int32(v2)
		if d1 == math.MinInt32 && d2 == -1 {
			trap(wasm.ErrRuntimeIntegerOverflow)
		}
		return uint32(d1 / d2)
	case wasm.OpcodeI32DivU:
		if v2 == 0 {
			trap(wasm.ErrRuntimeIntegerDivideByZero)
		}
		return v1 / v2
	case wasm.OpcodeI32RemS:
		if v2 == 0 {
			trap(wasm.ErrRuntimeIntegerDivideByZero)
		}
		if int32(v2) == -1 {
			return 0
		}
		return uint32(int32(v1) % int32(v2))
	case wasm.OpcodeI32RemU:
		if v2 == 0 {
			trap(wasm.ErrRuntimeIntegerDivideByZero)
		}
		return v1 % v2
	case wasm.OpcodeI32And:
		return v1 & v2
	case wasm.OpcodeI32Or:
		return v1 | v2
	case wasm.OpcodeI32Xor:
		return v1 ^ v2
	case wasm.OpcodeI32Shl:
		return v1 << (v2 % 32)
	case wasm.OpcodeI32ShrS:
		return uint32(int32(v1) >> (v2 % 32))
	case wasm.OpcodeI32ShrU:
		return v1 >> (v2 % 32)
	case wasm.OpcodeI32Rotl:
		return bits.RotateLeft32(v1, int(v2%32))
	default: // OpcodeI32Rotr
		return bits.RotateLeft32(v1, -int(v2%32))
	}
}

func binaryI64(op wasm.Opcode, v1, v2 uint64) uint64 {
	switch op {
	case wasm.OpcodeI64Add:
		return v1 + v2
	case wasm.OpcodeI64Sub:
		return v1 - v2
	case wasm.OpcodeI64Mul:
		return v1 * v2
	case wasm.OpcodeI64DivS:
		if v2 == 0 {
			trap(wasm.ErrRuntimeIntegerDivideByZero)
		}
		d1, d2 := int64(v1), int64(v2)
		if d1 == math.MinInt64 && d2 == -1 {
			trap(wasm.ErrRuntimeIntegerOverflow)
		}
		return uint64(d1 / d2)
	case wasm.OpcodeI64DivU:
		if v2 == 0 {
			trap(wasm.ErrRuntimeIntegerDivideByZero)
		}
		return v1 / v2
	case wasm.OpcodeI64RemS:
		if v2 == 0 {
			trap(wasm.ErrRuntimeIntegerDivideByZero)
		}
		if int64(v2) == -1 {
			return 0
		}
		return uint64(int64(v1) % int64(v2))
	case wasm.OpcodeI64RemU:
		if v2 == 0 {
			trap(wasm.ErrRuntimeIntegerDivideByZero)
		}
		return v1 % v2
	case wasm.OpcodeI64And:
		return v1 & v2
	case wasm.OpcodeI64Or:
		return v1 | v2
	case wasm.OpcodeI64Xor:
		return v1 ^ v2
	case wasm.OpcodeI64Shl:
		return v1 << (v2 % 64)
	case wasm.OpcodeI64ShrS:
		return uint64(int64(v1) >> (v2 % 64))
	case wasm.OpcodeI64ShrU:
		return v1 >> (v2 % 64)
	case wasm.OpcodeI64Rotl:
		return bits.RotateLeft64(v1, int(v2%64))
	default: // OpcodeI64Rotr
		return bits.RotateLeft64(v1, -int(v2%64))
	}
}

// truncToI32 truncates toward zero, trapping on NaN or a result outside of the signed 32-bit range.
func truncToI32(v float64) int32 {
	v = math.Trunc(v)
	if math.IsNaN(v) {
		trap(wasm.ErrRuntimeInvalidConversionToInteger)
	} else if v < math.MinInt32 || v > math.MaxInt32 {
		trap(wasm.ErrRuntimeIntegerOverflow)
	}
	return int32(v)
}

func truncToU32(v float64) uint32 {
	v = math.Trunc(v)
	if math.IsNaN(v) {
		trap(wasm.ErrRuntimeInvalidConversionToInteger)
	} else if v < 0 || v > math.MaxUint32 {
		trap(wasm.ErrRuntimeIntegerOverflow)
	}
	return uint32(v)
}

func truncToI64(v float64) int64 {
	v = math.Trunc(v)
	if math.IsNaN(v) {
		trap(wasm.ErrRuntimeInvalidConversionToInteger)
	} else if v < math.MinInt64 || v >= math.MaxInt64 {
		// math.MaxInt64 rounds up to 2^63 as a float64, which is out of range.
		trap(wasm.ErrRuntimeIntegerOverflow)
	}
	return int64(v)
}

func truncToU64(v float64) uint64 {
	v = math.Trunc(v)
	if math.IsNaN(v) {
		trap(wasm.ErrRuntimeInvalidConversionToInteger)
	} else if v < 0 || v >= math.MaxUint64 {
		// math.MaxUint64 rounds up to 2^64 as a float64, which is out of range.
		trap(wasm.ErrRuntimeIntegerOverflow)
	}
	return uint64(v)
}

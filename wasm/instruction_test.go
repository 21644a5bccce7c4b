package wasm

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInstructionName(t *testing.T) {
	tests := []struct {
		opcode   Opcode
		expected string
	}{
		{opcode: OpcodeUnreachable, expected: "unreachable"},
		{opcode: OpcodeBrTable, expected: "br_table"},
		{opcode: OpcodeI64Load32U, expected: "i64.load32_u"},
		{opcode: OpcodeF32ConvertI64U, expected: "f32.convert_i64_u"},
		{opcode: OpcodeI64Extend32S, expected: "i64.extend32_s"},
		{opcode: 0xfe, expected: ""},
	}

	for _, tt := range tests {
		tc := tt
		t.Run(tc.expected, func(t *testing.T) {
			require.Equal(t, tc.expected, InstructionName(tc.opcode))
		})
	}
}

func TestInstruction_BlockType(t *testing.T) {
	require.Equal(t, emptyFunctionType, (&Instruction{Opcode: OpcodeBlock}).blockType())

	ft := &FunctionType{Results: vI32}
	require.Equal(t, ft, (&Instruction{Opcode: OpcodeBlock, BlockType: ft}).blockType())
}

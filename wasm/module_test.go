package wasm

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/wasmachine/wasmachine/api"
)

func uint32Ptr(v uint32) *uint32 { return &v }

func i32ConstExpr(v int32) *ConstantExpression {
	return &ConstantExpression{Opcode: OpcodeI32Const, Const: api.EncodeI32(v)}
}

func TestFunctionType_String(t *testing.T) {
	tests := []struct {
		ft       *FunctionType
		expected string
	}{
		{ft: &FunctionType{}, expected: "[] -> []"},
		{ft: &FunctionType{Params: []ValueType{ValueTypeI32, ValueTypeF64}}, expected: "[i32 f64] -> []"},
		{ft: &FunctionType{Results: []ValueType{ValueTypeI64, valueTypeUnknown}}, expected: "[] -> [i64 any]"},
	}
	for _, tt := range tests {
		tc := tt
		t.Run(tc.expected, func(t *testing.T) {
			require.Equal(t, tc.expected, tc.ft.String())
		})
	}
}

func TestLimitsType_Matches(t *testing.T) {
	tests := []struct {
		name     string
		declared *LimitsType
		min      uint32
		max      *uint32
		expected bool
	}{
		{name: "equal", declared: &LimitsType{Min: 1}, min: 1, expected: true},
		{name: "bigger min", declared: &LimitsType{Min: 1}, min: 2, expected: true},
		{name: "smaller min", declared: &LimitsType{Min: 2}, min: 1},
		{name: "declared max, actual none", declared: &LimitsType{Max: uint32Ptr(2)}, min: 1},
		{name: "actual max within", declared: &LimitsType{Max: uint32Ptr(2)}, min: 1, max: uint32Ptr(2), expected: true},
		{name: "actual max over", declared: &LimitsType{Max: uint32Ptr(2)}, min: 1, max: uint32Ptr(3)},
		{name: "no declared max", declared: &LimitsType{}, max: uint32Ptr(3), expected: true},
	}
	for _, tt := range tests {
		tc := tt
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.expected, tc.declared.matches(tc.min, tc.max))
		})
	}
}

// fullModule returns a valid module with one import of each kind.
func fullModule() *Module {
	v_v := &FunctionType{}
	i32_i32 := &FunctionType{Params: vI32, Results: vI32}
	start := Index(1)
	return &Module{
		TypeSection: []*FunctionType{v_v, i32_i32},
		ImportSection: []*Import{
			{Kind: api.ExternTypeFunc, Module: "env", Name: "f", DescFunc: 1},
			{Kind: api.ExternTypeTable, Module: "env", Name: "t", DescTable: &TableType{ElemType: ElemTypeFuncref, Limit: &LimitsType{Min: 1}}},
			{Kind: api.ExternTypeMemory, Module: "env", Name: "m", DescMem: &MemoryType{Min: 1, Max: uint32Ptr(2)}},
			{Kind: api.ExternTypeGlobal, Module: "env", Name: "g", DescGlobal: &GlobalType{ValType: ValueTypeI32}},
		},
		FunctionSection: []Index{0},
		GlobalSection: []*Global{
			{Type: &GlobalType{ValType: ValueTypeI32, Mutable: true}, Init: &ConstantExpression{Opcode: OpcodeGlobalGet, Index: 0}},
		},
		CodeSection: []*Code{{Body: []Instruction{
			indexed(OpcodeGlobalGet, 0), indexed(OpcodeCall, 0), indexed(OpcodeGlobalSet, 1),
		}}},
		ExportSection: []*Export{
			{Kind: api.ExternTypeFunc, Name: "run", Index: 1},
			{Kind: api.ExternTypeMemory, Name: "memory", Index: 0},
			{Kind: api.ExternTypeGlobal, Name: "counter", Index: 1},
		},
		StartSection:   &start,
		ElementSection: []*ElementSegment{{OffsetExpr: &ConstantExpression{Opcode: OpcodeGlobalGet, Index: 0}, Init: []Index{0, 1}}},
		DataSection:    []*DataSegment{{OffsetExpression: i32ConstExpr(0), Init: []byte("hello")}},
	}
}

func TestModule_Validate(t *testing.T) {
	m := fullModule()
	imports, err := m.Validate(Features20191205)
	require.NoError(t, err)
	require.Equal(t, []ExternType{
		{Kind: api.ExternTypeFunc, Func: m.TypeSection[1]},
		{Kind: api.ExternTypeTable, Table: m.ImportSection[1].DescTable},
		{Kind: api.ExternTypeMemory, Memory: m.ImportSection[2].DescMem},
		{Kind: api.ExternTypeGlobal, Global: m.ImportSection[3].DescGlobal},
	}, imports)
	require.Equal(t, "func [i32] -> [i32]", imports[0].String())
	require.Equal(t, "memory {min: 1, max: 2}", imports[2].String())

	// Validating again yields the same result, as nothing was mutated.
	again, err := m.Validate(Features20191205)
	require.NoError(t, err)
	require.Equal(t, imports, again)
	require.Equal(t, fullModule(), m)
}

func TestModule_Validate_Errors(t *testing.T) {
	tests := []struct {
		name            string
		mutate          func(m *Module)
		features        Features
		expectedErr     error
		expectedSection string
		expectedMessage string
	}{
		{
			name: "multiple results",
			mutate: func(m *Module) {
				m.TypeSection = append(m.TypeSection, &FunctionType{Results: []ValueType{ValueTypeI32, ValueTypeI32}})
			},
			expectedErr:     ErrOutOfRange,
			expectedSection: "type",
		},
		{
			name: "invalid value type",
			mutate: func(m *Module) {
				m.TypeSection = append(m.TypeSection, &FunctionType{Params: []ValueType{0x40}})
			},
			expectedErr:     ErrOutOfRange,
			expectedSection: "type",
		},
		{
			name:            "import type index",
			mutate:          func(m *Module) { m.ImportSection[0].DescFunc = 5 },
			expectedErr:     ErrOutOfIndex,
			expectedSection: "import",
		},
		{
			name:            "import memory limits",
			mutate:          func(m *Module) { m.ImportSection[2].DescMem = &MemoryType{Min: 3, Max: uint32Ptr(2)} },
			expectedErr:     ErrOutOfRange,
			expectedSection: "import",
			expectedMessage: "invalid import[2]: value out of range: min 3 > max 2",
		},
		{
			name:            "code count",
			mutate:          func(m *Module) { m.CodeSection = nil },
			expectedErr:     ErrOutOfIndex,
			expectedSection: "code",
		},
		{
			name:            "second table",
			mutate:          func(m *Module) { m.TableSection = []*TableType{{ElemType: ElemTypeFuncref, Limit: &LimitsType{}}} },
			expectedErr:     ErrOutOfRange,
			expectedSection: "table",
		},
		{
			name:            "second memory",
			mutate:          func(m *Module) { m.MemorySection = []*MemoryType{{}} },
			expectedErr:     ErrOutOfRange,
			expectedSection: "memory",
		},
		{
			name: "memory over max pages",
			mutate: func(m *Module) {
				m.ImportSection = m.ImportSection[:2]
				m.MemorySection = []*MemoryType{{Min: 1, Max: uint32Ptr(MemoryMaxPages + 1)}}
				m.ExportSection = m.ExportSection[:1]
				m.GlobalSection = nil
				m.CodeSection[0].Body = nil
				m.ElementSection[0].OffsetExpr = i32ConstExpr(0)
			},
			expectedErr:     ErrOutOfRange,
			expectedSection: "memory",
		},
		{
			name: "global reads mutable global",
			mutate: func(m *Module) {
				m.ImportSection[3].DescGlobal = &GlobalType{ValType: ValueTypeI32, Mutable: true}
			},
			expectedErr:     ErrMutability,
			expectedSection: "global",
		},
		{
			name: "global reads itself",
			mutate: func(m *Module) {
				m.GlobalSection[0].Init = &ConstantExpression{Opcode: OpcodeGlobalGet, Index: 1}
			},
			expectedErr:     ErrOutOfIndex,
			expectedSection: "global",
		},
		{
			name: "global init type",
			mutate: func(m *Module) {
				m.GlobalSection[0].Init = &ConstantExpression{Opcode: OpcodeF64Const}
			},
			expectedErr:     ErrInvalidTypeOfResult,
			expectedSection: "global",
		},
		{
			name: "global init not constant",
			mutate: func(m *Module) {
				m.GlobalSection[0].Init = &ConstantExpression{Opcode: OpcodeI32Add}
			},
			expectedErr:     ErrOutOfRange,
			expectedSection: "global",
			expectedMessage: "invalid global[1]: value out of range: i32.add is not a constant instruction",
		},
		{
			name: "function body",
			mutate: func(m *Module) {
				m.CodeSection[0].Body = []Instruction{i32Const(1)}
			},
			expectedErr:     ErrInvalidTypeOfResult,
			expectedSection: "function",
		},
		{
			name: "duplicate export",
			mutate: func(m *Module) {
				m.ExportSection[1].Name = "run"
			},
			expectedErr:     ErrOutOfRange,
			expectedSection: "export",
			expectedMessage: `invalid export[1]: value out of range: duplicate export name "run"`,
		},
		{
			name:            "export index",
			mutate:          func(m *Module) { m.ExportSection[2].Index = 2 },
			expectedErr:     ErrOutOfIndex,
			expectedSection: "export",
		},
		{
			name: "start with params",
			mutate: func(m *Module) {
				start := Index(0)
				m.StartSection = &start
			},
			expectedErr:     ErrInvalidTypeOfArgs,
			expectedSection: "start",
		},
		{
			name:            "start index",
			mutate:          func(m *Module) { start := Index(2); m.StartSection = &start },
			expectedErr:     ErrOutOfIndex,
			expectedSection: "start",
		},
		{
			name:            "element function index",
			mutate:          func(m *Module) { m.ElementSection[0].Init = []Index{2} },
			expectedErr:     ErrOutOfIndex,
			expectedSection: "element",
		},
		{
			name: "element without table",
			mutate: func(m *Module) {
				m.ImportSection = append(m.ImportSection[:1], m.ImportSection[2:]...)
			},
			expectedErr:     ErrPreCondition,
			expectedSection: "element",
		},
		{
			name: "data offset type",
			mutate: func(m *Module) {
				m.DataSection[0].OffsetExpression = &ConstantExpression{Opcode: OpcodeI64Const}
			},
			expectedErr:     ErrInvalidTypeOfResult,
			expectedSection: "data",
		},
		{
			name: "data offset reads mutable global",
			mutate: func(m *Module) {
				m.DataSection[0].OffsetExpression = &ConstantExpression{Opcode: OpcodeGlobalGet, Index: 1}
			},
			expectedErr:     ErrMutability,
			expectedSection: "data",
		},
		{
			name:            "nil import",
			mutate:          func(m *Module) { m.ImportSection = append(m.ImportSection, nil) },
			expectedErr:     ErrOutOfRange,
			expectedSection: "import",
			expectedMessage: "invalid import[4]: value out of range: missing import",
		},
		{
			name:            "nil global",
			mutate:          func(m *Module) { m.GlobalSection = append(m.GlobalSection, nil) },
			expectedErr:     ErrOutOfRange,
			expectedSection: "global",
			expectedMessage: "invalid global[2]: value out of range: missing global type",
		},
		{
			name:            "nil export",
			mutate:          func(m *Module) { m.ExportSection = append(m.ExportSection, nil) },
			expectedErr:     ErrOutOfRange,
			expectedSection: "export",
			expectedMessage: "invalid export[3]: value out of range: missing export",
		},
		{
			name:            "nil element segment",
			mutate:          func(m *Module) { m.ElementSection = append(m.ElementSection, nil) },
			expectedErr:     ErrOutOfRange,
			expectedSection: "element",
			expectedMessage: "invalid element[1]: value out of range: missing element segment",
		},
		{
			name:            "element without offset",
			mutate:          func(m *Module) { m.ElementSection[0].OffsetExpr = nil },
			expectedErr:     ErrInvalidTypeOfResult,
			expectedSection: "element",
		},
		{
			name:            "nil data segment",
			mutate:          func(m *Module) { m.DataSection = append(m.DataSection, nil) },
			expectedErr:     ErrOutOfRange,
			expectedSection: "data",
			expectedMessage: "invalid data[1]: value out of range: missing data segment",
		},
	}

	for _, tt := range tests {
		tc := tt
		t.Run(tc.name, func(t *testing.T) {
			m := fullModule()
			tc.mutate(m)

			_, err := m.Validate(tc.features)
			require.ErrorIs(t, err, tc.expectedErr)

			var ve *ValidationError
			require.True(t, errors.As(err, &ve))
			require.Equal(t, tc.expectedSection, ve.Section)
			if tc.expectedMessage != "" {
				require.EqualError(t, err, tc.expectedMessage)
			}
		})
	}
}

func TestModule_Validate_MultiValue(t *testing.T) {
	m := &Module{
		TypeSection:     []*FunctionType{{Params: []ValueType{ValueTypeI32, ValueTypeI64}, Results: []ValueType{ValueTypeI64, ValueTypeI32}}},
		FunctionSection: []Index{0},
		CodeSection:     []*Code{{Body: []Instruction{indexed(OpcodeLocalGet, 1), indexed(OpcodeLocalGet, 0)}}},
	}
	_, err := m.Validate(Features20191205)
	require.ErrorIs(t, err, ErrOutOfRange)

	_, err = m.Validate(FeatureMultiValue)
	require.NoError(t, err)
}

func TestModule_TypeOfFunction(t *testing.T) {
	m := fullModule()
	require.Equal(t, m.TypeSection[1], m.TypeOfFunction(0))
	require.Equal(t, m.TypeSection[0], m.TypeOfFunction(1))
	require.Nil(t, m.TypeOfFunction(2))
}

func TestSectionIDName(t *testing.T) {
	require.Equal(t, "code", SectionIDName(SectionIDCode))
	require.Equal(t, "unknown", SectionIDName(100))
}

package wasm

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/wasmachine/wasmachine/api"
)

// Module is a WebAssembly module as produced by a decoder or text parser. Nothing here reads bytes: instruction bodies
// and constant expressions are already structured.
//
// See https://www.w3.org/TR/2019/REC-wasm-core-1-20191205/#modules%E2%91%A8
type Module struct {
	// TypeSection contains the unique FunctionType of functions imported or defined in this module.
	TypeSection []*FunctionType

	// ImportSection contains imported functions, tables, memories or globals required for instantiation
	// (Store.Instantiate).
	//
	// Note: there are no unique constraints relating to the two-level namespace of Import.Module and Import.Name.
	ImportSection []*Import

	// FunctionSection contains the index in TypeSection of each function defined in this module.
	//
	// Note: The function Index namespace begins with imported functions and ends with those defined in this module.
	// For example, if there are two imported functions and one defined in this module, the function Index 3 is defined
	// in this module at FunctionSection[0].
	//
	// Note: FunctionSection is index correlated with the CodeSection. If given the same position, ex. 2, a function
	// type is at TypeSection[FunctionSection[2]], while its locals and body are at CodeSection[2].
	FunctionSection []Index

	// TableSection contains each table defined in this module.
	//
	// Note: Version 1.0 (20191205) allows at most one table in the table index space, imports included.
	TableSection []*TableType

	// MemorySection contains each memory defined in this module.
	//
	// Note: Version 1.0 (20191205) allows at most one memory in the memory index space, imports included.
	MemorySection []*MemoryType

	// GlobalSection contains each global defined in this module.
	//
	// Global indexes are offset by any imported globals because the global index space begins with imports, followed by
	// ones defined in this module.
	GlobalSection []*Global

	// ExportSection contains each export defined in this module. Names must be unique.
	ExportSection []*Export

	// StartSection is the index of a function to call before returning from Store.Instantiate.
	//
	// Note: The index here is not the position in the FunctionSection, rather in the function index namespace, which
	// begins with imported functions.
	StartSection *Index

	ElementSection []*ElementSegment

	// CodeSection is index-correlated with FunctionSection and contains each function's locals and body.
	CodeSection []*Code

	DataSection []*DataSegment
}

// Index is the offset in an index namespace, not necessarily an absolute position in a Module section. This is because
// index namespaces are often preceded by a corresponding type in the Module.ImportSection.
//
// See https://www.w3.org/TR/2019/REC-wasm-core-1-20191205/#binary-index
type Index = uint32

// ValueType is an alias of api.ValueType.
type ValueType = api.ValueType

const (
	ValueTypeI32 = api.ValueTypeI32
	ValueTypeI64 = api.ValueTypeI64
	ValueTypeF32 = api.ValueTypeF32
	ValueTypeF64 = api.ValueTypeF64
)

// ElemTypeFuncref is the only table element type in WebAssembly 1.0 (20191205).
const ElemTypeFuncref byte = 0x70

// FunctionType is a possibly empty function signature.
//
// See https://www.w3.org/TR/2019/REC-wasm-core-1-20191205/#function-types%E2%91%A0
type FunctionType struct {
	// Params are the possibly empty sequence of value types accepted by a function with this signature.
	Params []ValueType

	// Results are the possibly empty sequence of value types returned by a function with this signature.
	//
	// Note: In WebAssembly 1.0 (20191205), there can be at most one result, unless FeatureMultiValue is enabled.
	Results []ValueType
}

var emptyFunctionType = &FunctionType{}

// EqualsSignature returns true if the function type has the same parameters and results.
func (t *FunctionType) EqualsSignature(params []ValueType, results []ValueType) bool {
	return bytes.Equal(t.Params, params) && bytes.Equal(t.Results, results)
}

// String returns the signature in the form "[i32 i32] -> [i64]"
func (t *FunctionType) String() string {
	return fmt.Sprintf("%s -> %s", valueTypesString(t.Params), valueTypesString(t.Results))
}

func valueTypesString(types []ValueType) string {
	names := make([]string, len(types))
	for i, vt := range types {
		if vt == valueTypeUnknown {
			names[i] = "any"
		} else {
			names[i] = api.ValueTypeName(vt)
		}
	}
	return "[" + strings.Join(names, " ") + "]"
}

// Import is the binary representation of an import indicated by Kind
// See https://www.w3.org/TR/2019/REC-wasm-core-1-20191205/#binary-import
type Import struct {
	Kind api.ExternType
	// Module is the possibly empty primary namespace of this import
	Module string
	// Name is the possibly empty secondary namespace of this import
	Name string
	// DescFunc is the index in Module.TypeSection when Kind equals api.ExternTypeFunc
	DescFunc Index
	// DescTable is the inlined TableType when Kind equals api.ExternTypeTable
	DescTable *TableType
	// DescMem is the inlined MemoryType when Kind equals api.ExternTypeMemory
	DescMem *MemoryType
	// DescGlobal is the inlined GlobalType when Kind equals api.ExternTypeGlobal
	DescGlobal *GlobalType
}

// LimitsType bounds the size of a table (in elements) or a memory (in pages).
type LimitsType struct {
	Min uint32
	Max *uint32
}

// matches returns true if actual limits can be used where l is declared.
//
// See https://www.w3.org/TR/2019/REC-wasm-core-1-20191205/#limits%E2%91%A2
func (l *LimitsType) matches(min uint32, max *uint32) bool {
	if min < l.Min {
		return false
	}
	if l.Max != nil {
		if max == nil || *max > *l.Max {
			return false
		}
	}
	return true
}

func (l *LimitsType) String() string {
	if l.Max == nil {
		return fmt.Sprintf("{min: %d}", l.Min)
	}
	return fmt.Sprintf("{min: %d, max: %d}", l.Min, *l.Max)
}

type TableType struct {
	ElemType byte
	Limit    *LimitsType
}

type MemoryType = LimitsType

type GlobalType struct {
	ValType ValueType
	Mutable bool
}

func (g *GlobalType) String() string {
	if g.Mutable {
		return "(mut " + api.ValueTypeName(g.ValType) + ")"
	}
	return api.ValueTypeName(g.ValType)
}

type Global struct {
	Type *GlobalType
	Init *ConstantExpression
}

// ConstantExpression is an initializer of a global, or the offset of an element or data segment.
//
// Opcode is one of OpcodeI32Const, OpcodeI64Const, OpcodeF32Const, OpcodeF64Const or OpcodeGlobalGet.
type ConstantExpression struct {
	Opcode Opcode
	// Const is the raw bits of the constant.
	Const uint64
	// Index is the global index of OpcodeGlobalGet.
	Index Index
}

// Export is the binary representation of an export indicated by Kind
// See https://www.w3.org/TR/2019/REC-wasm-core-1-20191205/#binary-export
type Export struct {
	Kind api.ExternType
	// Name is what the host refers to this definition as.
	Name string
	// Index is the index of the definition to export, the index namespace is by Kind
	Index Index
}

type ElementSegment struct {
	TableIndex Index
	OffsetExpr *ConstantExpression
	// Init are function indexes written into the table from the offset.
	Init []Index
}

// Code is an entry in the Module.CodeSection containing the locals and body of the function.
// See https://www.w3.org/TR/2019/REC-wasm-core-1-20191205/#binary-code
type Code struct {
	// LocalTypes are any function-scoped variables in insertion order.
	LocalTypes []ValueType
	// Body is the instruction sequence, without a trailing OpcodeEnd.
	Body []Instruction
}

type DataSegment struct {
	MemoryIndex      Index // supposed to be zero
	OffsetExpression *ConstantExpression
	Init             []byte
}

// ExternType is the static type of an import or export. Only the field corresponding to Kind is set.
//
// See https://www.w3.org/TR/2019/REC-wasm-core-1-20191205/#external-types%E2%91%A0
type ExternType struct {
	Kind   api.ExternType
	Func   *FunctionType
	Table  *TableType
	Memory *MemoryType
	Global *GlobalType
}

func (e ExternType) String() string {
	var desc string
	switch e.Kind {
	case api.ExternTypeFunc:
		desc = e.Func.String()
	case api.ExternTypeTable:
		desc = e.Table.Limit.String()
	case api.ExternTypeMemory:
		desc = e.Memory.String()
	case api.ExternTypeGlobal:
		desc = e.Global.String()
	}
	return api.ExternTypeName(e.Kind) + " " + desc
}

// SectionID identifies the sections of a Module.
//
// See https://www.w3.org/TR/2019/REC-wasm-core-1-20191205/#sections%E2%91%A0
type SectionID = byte

const (
	SectionIDCustom SectionID = iota
	SectionIDType
	SectionIDImport
	SectionIDFunction
	SectionIDTable
	SectionIDMemory
	SectionIDGlobal
	SectionIDExport
	SectionIDStart
	SectionIDElement
	SectionIDCode
	SectionIDData
)

// SectionIDName returns the canonical name of a module section.
func SectionIDName(sectionID SectionID) string {
	switch sectionID {
	case SectionIDCustom:
		return "custom"
	case SectionIDType:
		return "type"
	case SectionIDImport:
		return "import"
	case SectionIDFunction:
		return "function"
	case SectionIDTable:
		return "table"
	case SectionIDMemory:
		return "memory"
	case SectionIDGlobal:
		return "global"
	case SectionIDExport:
		return "export"
	case SectionIDStart:
		return "start"
	case SectionIDElement:
		return "element"
	case SectionIDCode:
		return "code"
	case SectionIDData:
		return "data"
	}
	return "unknown"
}

// allDeclarations returns the index spaces of the module: imports first, then local definitions.
func (m *Module) allDeclarations() (functions []Index, globals []*GlobalType, memories []*MemoryType, tables []*TableType) {
	for _, imp := range m.ImportSection {
		if imp == nil {
			continue
		}
		switch imp.Kind {
		case api.ExternTypeFunc:
			functions = append(functions, imp.DescFunc)
		case api.ExternTypeGlobal:
			globals = append(globals, imp.DescGlobal)
		case api.ExternTypeMemory:
			memories = append(memories, imp.DescMem)
		case api.ExternTypeTable:
			tables = append(tables, imp.DescTable)
		}
	}

	functions = append(functions, m.FunctionSection...)
	for _, g := range m.GlobalSection {
		if g == nil {
			globals = append(globals, nil)
			continue
		}
		globals = append(globals, g.Type)
	}
	memories = append(memories, m.MemorySection...)
	tables = append(tables, m.TableSection...)
	return
}

// importCount returns the number of imports of the given kind.
func (m *Module) importCount(kind api.ExternType) (n Index) {
	for _, imp := range m.ImportSection {
		if imp != nil && imp.Kind == kind {
			n++
		}
	}
	return
}

// TypeOfFunction returns the type of the function at the given index in the function index namespace, or nil.
func (m *Module) TypeOfFunction(funcIdx Index) *FunctionType {
	functions, _, _, _ := m.allDeclarations()
	if funcIdx >= Index(len(functions)) {
		return nil
	}
	typeIdx := functions[funcIdx]
	if typeIdx >= Index(len(m.TypeSection)) {
		return nil
	}
	return m.TypeSection[typeIdx]
}

// Validate checks the module against the validation rules of WebAssembly and returns the types of its imports, in
// declaration order. It does not mutate the module, so calling it again yields the same result.
//
// Errors are *ValidationError.
//
// See https://www.w3.org/TR/2019/REC-wasm-core-1-20191205/#valid-module
func (m *Module) Validate(features Features) ([]ExternType, error) {
	if err := m.validateTypes(features); err != nil {
		return nil, err
	}

	imports, err := m.validateImports()
	if err != nil {
		return nil, err
	}

	functions, globals, memories, tables := m.allDeclarations()
	ctx := &validationContext{
		features:  features,
		types:     m.TypeSection,
		functions: functions,
		tables:    tables,
		memories:  memories,
		globals:   globals,
	}

	if err = m.validateFunctionSection(); err != nil {
		return nil, err
	}
	if err = m.validateTables(tables); err != nil {
		return nil, err
	}
	if err = m.validateMemories(memories); err != nil {
		return nil, err
	}
	if err = m.validateGlobals(ctx); err != nil {
		return nil, err
	}
	if err = m.validateFunctions(ctx); err != nil {
		return nil, err
	}
	if err = m.validateExports(ctx); err != nil {
		return nil, err
	}
	if err = m.validateStartSection(); err != nil {
		return nil, err
	}
	if err = m.validateElements(ctx); err != nil {
		return nil, err
	}
	if err = m.validateData(ctx); err != nil {
		return nil, err
	}
	return imports, nil
}

func (m *Module) validateTypes(features Features) error {
	for i, t := range m.TypeSection {
		if t == nil {
			return validationError(SectionIDType, Index(i), fmt.Errorf("%w: nil function type", ErrOutOfRange))
		}
		if err := validateValueTypes(t.Params); err != nil {
			return validationError(SectionIDType, Index(i), err)
		}
		if err := validateValueTypes(t.Results); err != nil {
			return validationError(SectionIDType, Index(i), err)
		}
		if len(t.Results) > 1 {
			if err := features.Require(FeatureMultiValue); err != nil {
				return validationError(SectionIDType, Index(i), fmt.Errorf("%w: multiple result types invalid as %v", ErrOutOfRange, err))
			}
		}
	}
	return nil
}

func validateValueTypes(types []ValueType) error {
	for _, vt := range types {
		if err := validateValueType(vt); err != nil {
			return err
		}
	}
	return nil
}

func validateValueType(vt ValueType) error {
	switch vt {
	case ValueTypeI32, ValueTypeI64, ValueTypeF32, ValueTypeF64:
		return nil
	}
	return fmt.Errorf("%w: invalid value type %#x", ErrOutOfRange, vt)
}

func (m *Module) validateImports() ([]ExternType, error) {
	ret := make([]ExternType, 0, len(m.ImportSection))
	for i, imp := range m.ImportSection {
		idx := Index(i)
		if imp == nil {
			return nil, validationError(SectionIDImport, idx, fmt.Errorf("%w: missing import", ErrOutOfRange))
		}
		et := ExternType{Kind: imp.Kind}
		switch imp.Kind {
		case api.ExternTypeFunc:
			if imp.DescFunc >= Index(len(m.TypeSection)) {
				return nil, validationError(SectionIDImport, idx, fmt.Errorf("%w: type index %d", ErrOutOfIndex, imp.DescFunc))
			}
			et.Func = m.TypeSection[imp.DescFunc]
		case api.ExternTypeTable:
			if err := validateTableType(imp.DescTable); err != nil {
				return nil, validationError(SectionIDImport, idx, err)
			}
			et.Table = imp.DescTable
		case api.ExternTypeMemory:
			if err := validateMemoryType(imp.DescMem); err != nil {
				return nil, validationError(SectionIDImport, idx, err)
			}
			et.Memory = imp.DescMem
		case api.ExternTypeGlobal:
			if imp.DescGlobal == nil {
				return nil, validationError(SectionIDImport, idx, fmt.Errorf("%w: missing global type", ErrOutOfRange))
			}
			if err := validateValueType(imp.DescGlobal.ValType); err != nil {
				return nil, validationError(SectionIDImport, idx, err)
			}
			et.Global = imp.DescGlobal
		default:
			return nil, validationError(SectionIDImport, idx, fmt.Errorf("%w: invalid kind %#x", ErrOutOfRange, imp.Kind))
		}
		ret = append(ret, et)
	}
	return ret, nil
}

func (m *Module) validateFunctionSection() error {
	if len(m.FunctionSection) != len(m.CodeSection) {
		return validationError(SectionIDCode, Index(len(m.CodeSection)),
			fmt.Errorf("%w: function and code section have inconsistent lengths: %d != %d",
				ErrOutOfIndex, len(m.FunctionSection), len(m.CodeSection)))
	}
	for i, typeIdx := range m.FunctionSection {
		if typeIdx >= Index(len(m.TypeSection)) {
			return validationError(SectionIDFunction, Index(i)+m.importCount(api.ExternTypeFunc),
				fmt.Errorf("%w: type index %d", ErrOutOfIndex, typeIdx))
		}
	}
	return nil
}

func validateLimits(l *LimitsType, ceiling uint32, unit string) error {
	if l == nil {
		return fmt.Errorf("%w: missing limits", ErrOutOfRange)
	}
	if l.Min > ceiling {
		return fmt.Errorf("%w: min %d %s over %d", ErrOutOfRange, l.Min, unit, ceiling)
	}
	if l.Max != nil {
		if *l.Max > ceiling {
			return fmt.Errorf("%w: max %d %s over %d", ErrOutOfRange, *l.Max, unit, ceiling)
		}
		if l.Min > *l.Max {
			return fmt.Errorf("%w: min %d > max %d", ErrOutOfRange, l.Min, *l.Max)
		}
	}
	return nil
}

func validateTableType(t *TableType) error {
	if t == nil {
		return fmt.Errorf("%w: missing table type", ErrOutOfRange)
	}
	if t.ElemType != ElemTypeFuncref {
		return fmt.Errorf("%w: invalid table element type %#x", ErrOutOfRange, t.ElemType)
	}
	return validateLimits(t.Limit, ^uint32(0), "elements")
}

func validateMemoryType(t *MemoryType) error {
	return validateLimits(t, MemoryMaxPages, "pages")
}

func (m *Module) validateTables(tables []*TableType) error {
	if len(tables) > 1 {
		return validationError(SectionIDTable, 1, fmt.Errorf("%w: multiple tables", ErrOutOfRange))
	}
	offset := m.importCount(api.ExternTypeTable)
	for i, t := range m.TableSection {
		if err := validateTableType(t); err != nil {
			return validationError(SectionIDTable, offset+Index(i), err)
		}
	}
	return nil
}

func (m *Module) validateMemories(memories []*MemoryType) error {
	if len(memories) > 1 {
		return validationError(SectionIDMemory, 1, fmt.Errorf("%w: multiple memories", ErrOutOfRange))
	}
	offset := m.importCount(api.ExternTypeMemory)
	for i, t := range m.MemorySection {
		if err := validateMemoryType(t); err != nil {
			return validationError(SectionIDMemory, offset+Index(i), err)
		}
	}
	return nil
}

func (m *Module) validateGlobals(ctx *validationContext) error {
	offset := m.importCount(api.ExternTypeGlobal)
	for i, g := range m.GlobalSection {
		idx := offset + Index(i)
		if g == nil || g.Type == nil {
			return validationError(SectionIDGlobal, idx, fmt.Errorf("%w: missing global type", ErrOutOfRange))
		}
		if err := validateValueType(g.Type.ValType); err != nil {
			return validationError(SectionIDGlobal, idx, err)
		}
		// Only globals strictly before this one are visible to its initializer.
		if err := ctx.validateConstExpression(g.Init, g.Type.ValType, idx); err != nil {
			return validationError(SectionIDGlobal, idx, err)
		}
	}
	return nil
}

func (m *Module) validateFunctions(ctx *validationContext) error {
	offset := m.importCount(api.ExternTypeFunc)
	for i, typeIdx := range m.FunctionSection {
		idx := offset + Index(i)
		code := m.CodeSection[i]
		if code == nil {
			return validationError(SectionIDFunction, idx, fmt.Errorf("%w: missing code", ErrOutOfIndex))
		}
		if err := validateValueTypes(code.LocalTypes); err != nil {
			return validationError(SectionIDFunction, idx, err)
		}
		if err := ctx.validateFunction(m.TypeSection[typeIdx], code); err != nil {
			return validationError(SectionIDFunction, idx, err)
		}
	}
	return nil
}

func (m *Module) validateExports(ctx *validationContext) error {
	names := make(map[string]struct{}, len(m.ExportSection))
	for i, exp := range m.ExportSection {
		idx := Index(i)
		if exp == nil {
			return validationError(SectionIDExport, idx, fmt.Errorf("%w: missing export", ErrOutOfRange))
		}
		if _, ok := names[exp.Name]; ok {
			return validationError(SectionIDExport, idx, fmt.Errorf("%w: duplicate export name %q", ErrOutOfRange, exp.Name))
		}
		names[exp.Name] = struct{}{}

		var n int
		switch exp.Kind {
		case api.ExternTypeFunc:
			n = len(ctx.functions)
		case api.ExternTypeTable:
			n = len(ctx.tables)
		case api.ExternTypeMemory:
			n = len(ctx.memories)
		case api.ExternTypeGlobal:
			n = len(ctx.globals)
		default:
			return validationError(SectionIDExport, idx, fmt.Errorf("%w: invalid kind %#x", ErrOutOfRange, exp.Kind))
		}
		if exp.Index >= Index(n) {
			return validationError(SectionIDExport, idx, fmt.Errorf("%w: %s index %d", ErrOutOfIndex, api.ExternTypeName(exp.Kind), exp.Index))
		}
	}
	return nil
}

func (m *Module) validateStartSection() error {
	if m.StartSection == nil {
		return nil
	}
	idx := *m.StartSection
	ft := m.TypeOfFunction(idx)
	if ft == nil {
		return validationError(SectionIDStart, idx, fmt.Errorf("%w: function index %d", ErrOutOfIndex, idx))
	}
	if len(ft.Params) > 0 {
		return validationError(SectionIDStart, idx, fmt.Errorf("%w: start function must not take parameters: %s", ErrInvalidTypeOfArgs, ft))
	}
	if len(ft.Results) > 0 {
		return validationError(SectionIDStart, idx, fmt.Errorf("%w: start function must not return values: %s", ErrInvalidTypeOfResult, ft))
	}
	return nil
}

func (m *Module) validateElements(ctx *validationContext) error {
	globalCount := Index(len(ctx.globals))
	for i, elem := range m.ElementSection {
		idx := Index(i)
		if elem == nil {
			return validationError(SectionIDElement, idx, fmt.Errorf("%w: missing element segment", ErrOutOfRange))
		}
		if len(ctx.tables) == 0 {
			return validationError(SectionIDElement, idx, fmt.Errorf("%w: unknown table", ErrPreCondition))
		}
		if elem.TableIndex >= Index(len(ctx.tables)) {
			return validationError(SectionIDElement, idx, fmt.Errorf("%w: table index %d", ErrOutOfIndex, elem.TableIndex))
		}
		if err := ctx.validateConstExpression(elem.OffsetExpr, ValueTypeI32, globalCount); err != nil {
			return validationError(SectionIDElement, idx, err)
		}
		for _, funcIdx := range elem.Init {
			if funcIdx >= Index(len(ctx.functions)) {
				return validationError(SectionIDElement, idx, fmt.Errorf("%w: function index %d", ErrOutOfIndex, funcIdx))
			}
		}
	}
	return nil
}

func (m *Module) validateData(ctx *validationContext) error {
	globalCount := Index(len(ctx.globals))
	for i, d := range m.DataSection {
		idx := Index(i)
		if d == nil {
			return validationError(SectionIDData, idx, fmt.Errorf("%w: missing data segment", ErrOutOfRange))
		}
		if len(ctx.memories) == 0 {
			return validationError(SectionIDData, idx, fmt.Errorf("%w: unknown memory", ErrPreCondition))
		}
		if d.MemoryIndex >= Index(len(ctx.memories)) {
			return validationError(SectionIDData, idx, fmt.Errorf("%w: memory index %d", ErrOutOfIndex, d.MemoryIndex))
		}
		if err := ctx.validateConstExpression(d.OffsetExpression, ValueTypeI32, globalCount); err != nil {
			return validationError(SectionIDData, idx, err)
		}
	}
	return nil
}

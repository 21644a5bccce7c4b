package wasm

import (
	"fmt"
)

// valueTypeUnknown is the kind of a value whose type is not fixed: a drop or select operand resolved against a
// polymorphic stack. It matches any other type.
const valueTypeUnknown ValueType = 0xff

// stackEffect is the net effect of an instruction or sequence on the operand stack: params are consumed and results
// produced. When polymorphic is set, the stack below results is arbitrary, as happens after an unconditional
// transfer of control.
type stackEffect struct {
	params, results []ValueType
	polymorphic     bool
}

var (
	vI32 = []ValueType{ValueTypeI32}
	vI64 = []ValueType{ValueTypeI64}
	vF32 = []ValueType{ValueTypeF32}
	vF64 = []ValueType{ValueTypeF64}

	effect_None_None = stackEffect{}
	effect_None_I32  = stackEffect{results: vI32}
	effect_None_I64  = stackEffect{results: vI64}
	effect_None_F32  = stackEffect{results: vF32}
	effect_None_F64  = stackEffect{results: vF64}
	effect_I32_I32   = stackEffect{params: vI32, results: vI32}
	effect_I32_I64   = stackEffect{params: vI32, results: vI64}
	effect_I32_F32   = stackEffect{params: vI32, results: vF32}
	effect_I32_F64   = stackEffect{params: vI32, results: vF64}
	effect_I64_I32   = stackEffect{params: vI64, results: vI32}
	effect_I64_I64   = stackEffect{params: vI64, results: vI64}
	effect_I64_F32   = stackEffect{params: vI64, results: vF32}
	effect_I64_F64   = stackEffect{params: vI64, results: vF64}
	effect_F32_I32   = stackEffect{params: vF32, results: vI32}
	effect_F32_I64   = stackEffect{params: vF32, results: vI64}
	effect_F32_F32   = stackEffect{params: vF32, results: vF32}
	effect_F32_F64   = stackEffect{params: vF32, results: vF64}
	effect_F64_I32   = stackEffect{params: vF64, results: vI32}
	effect_F64_I64   = stackEffect{params: vF64, results: vI64}
	effect_F64_F32   = stackEffect{params: vF64, results: vF32}
	effect_F64_F64   = stackEffect{params: vF64, results: vF64}

	effect_I32I32_I32 = stackEffect{params: []ValueType{ValueTypeI32, ValueTypeI32}, results: vI32}
	effect_I64I64_I32 = stackEffect{params: []ValueType{ValueTypeI64, ValueTypeI64}, results: vI32}
	effect_I64I64_I64 = stackEffect{params: []ValueType{ValueTypeI64, ValueTypeI64}, results: vI64}
	effect_F32F32_I32 = stackEffect{params: []ValueType{ValueTypeF32, ValueTypeF32}, results: vI32}
	effect_F32F32_F32 = stackEffect{params: []ValueType{ValueTypeF32, ValueTypeF32}, results: vF32}
	effect_F64F64_I32 = stackEffect{params: []ValueType{ValueTypeF64, ValueTypeF64}, results: vI32}
	effect_F64F64_F64 = stackEffect{params: []ValueType{ValueTypeF64, ValueTypeF64}, results: vF64}

	effect_Unreachable = stackEffect{polymorphic: true}
)

func typesMatch(a, b ValueType) bool {
	return a == b || a == valueTypeUnknown || b == valueTypeUnknown
}

func typeListsMatch(a, b []ValueType) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !typesMatch(a[i], b[i]) {
			return false
		}
	}
	return true
}

// then composes e followed by next. The top of e.results must match next.params. When e does not produce enough
// values, the shortfall is taken from below e, extending the composed params, unless e left a polymorphic stack.
func (e stackEffect) then(next stackEffect) (stackEffect, error) {
	m, n := len(e.results), len(next.params)
	matched := m
	if n < matched {
		matched = n
	}
	for i := 1; i <= matched; i++ {
		if !typesMatch(e.results[m-i], next.params[n-i]) {
			return stackEffect{}, fmt.Errorf("%w: expected %s, but stack has %s",
				ErrInvalidTypeOfArgs, valueTypesString(next.params), valueTypesString(e.results))
		}
	}

	ret := stackEffect{params: e.params}
	if n > m && !e.polymorphic {
		ret.params = make([]ValueType, 0, n-m+len(e.params))
		ret.params = append(ret.params, next.params[:n-m]...)
		ret.params = append(ret.params, e.params...)
	}

	if next.polymorphic {
		ret.results = append([]ValueType(nil), next.results...)
		ret.polymorphic = true
		return ret, nil
	}

	var remainder []ValueType
	if m > n {
		remainder = e.results[:m-n]
	}
	ret.results = make([]ValueType, 0, len(remainder)+len(next.results))
	ret.results = append(ret.results, remainder...)
	ret.results = append(ret.results, next.results...)
	ret.polymorphic = e.polymorphic
	return ret, nil
}

// validationContext is the scoped symbol table used to type check instructions. Module-wide index spaces are set
// once; locals, labels and returns only while checking one function body.
type validationContext struct {
	features Features

	types []*FunctionType
	// functions are type indexes of the function index space.
	functions []Index
	tables    []*TableType
	memories  []*MemoryType
	globals   []*GlobalType

	locals []ValueType
	// labels are the branch types of the enclosing blocks, innermost last.
	labels  [][]ValueType
	returns []ValueType
}

// validateFunction checks the body of a function of the given type.
//
// See https://www.w3.org/TR/2019/REC-wasm-core-1-20191205/#functions%E2%91%A2
func (c *validationContext) validateFunction(ft *FunctionType, code *Code) error {
	c.locals = make([]ValueType, 0, len(ft.Params)+len(code.LocalTypes))
	c.locals = append(c.locals, ft.Params...)
	c.locals = append(c.locals, code.LocalTypes...)
	c.returns = ft.Results
	c.labels = [][]ValueType{ft.Results}
	defer func() {
		c.locals, c.returns, c.labels = nil, nil, nil
	}()
	return c.validateSequence(code.Body, nil, ft.Results)
}

// validateSequence folds the effects of body, seeded with the given params as already on the stack, and requires the
// result to be exactly results.
func (c *validationContext) validateSequence(body []Instruction, params, results []ValueType) error {
	running := stackEffect{results: append([]ValueType(nil), params...)}
	for i := range body {
		inst := &body[i]
		eff, err := c.instructionEffect(inst, running)
		if err != nil {
			return fmt.Errorf("%s[%d]: %w", inst, i, err)
		}
		if running, err = running.then(eff); err != nil {
			return fmt.Errorf("%s[%d]: %w", inst, i, err)
		}
	}
	return checkResults(running, results)
}

func checkResults(running stackEffect, expected []ValueType) error {
	if len(running.params) > 0 {
		return fmt.Errorf("%w: not enough values on the stack, missing %s", ErrInvalidTypeOfArgs, valueTypesString(running.params))
	}
	got := running.results
	if running.polymorphic {
		// Values pushed after an unconditional transfer are never executed. Only those the end of the sequence would
		// hand out must match; any below them are dropped.
		n := len(got)
		if n > len(expected) {
			n = len(expected)
		}
		if !typeListsMatch(got[len(got)-n:], expected[len(expected)-n:]) {
			return fmt.Errorf("%w: expected %s, but have %s", ErrInvalidTypeOfResult, valueTypesString(expected), valueTypesString(got))
		}
		return nil
	}
	if !typeListsMatch(got, expected) {
		return fmt.Errorf("%w: expected %s, but have %s", ErrInvalidTypeOfResult, valueTypesString(expected), valueTypesString(got))
	}
	return nil
}

// sequenceEffect returns the net effect of body in isolation, without requiring particular results.
func (c *validationContext) sequenceEffect(body []Instruction) (stackEffect, error) {
	var running stackEffect
	for i := range body {
		eff, err := c.instructionEffect(&body[i], running)
		if err != nil {
			return stackEffect{}, err
		}
		if running, err = running.then(eff); err != nil {
			return stackEffect{}, err
		}
	}
	return running, nil
}

// instructionEffect returns the stack effect of one instruction. running is the effect of the instructions before it
// in the same sequence, used to resolve the operand kind of drop and select.
//
// See https://www.w3.org/TR/2019/REC-wasm-core-1-20191205/#instructions%E2%91%A2
func (c *validationContext) instructionEffect(inst *Instruction, running stackEffect) (stackEffect, error) {
	op := inst.Opcode
	switch op {
	case OpcodeUnreachable:
		return effect_Unreachable, nil
	case OpcodeNop:
		return effect_None_None, nil
	case OpcodeBlock, OpcodeLoop, OpcodeIf:
		return c.blockEffect(inst)
	case OpcodeBr:
		types, err := c.label(inst.Index)
		if err != nil {
			return stackEffect{}, err
		}
		return stackEffect{params: types, polymorphic: true}, nil
	case OpcodeBrIf:
		types, err := c.label(inst.Index)
		if err != nil {
			return stackEffect{}, err
		}
		return stackEffect{params: appendType(types, ValueTypeI32), results: types}, nil
	case OpcodeBrTable:
		types, err := c.label(inst.Index)
		if err != nil {
			return stackEffect{}, err
		}
		for _, l := range inst.Labels {
			target, err := c.label(l)
			if err != nil {
				return stackEffect{}, err
			}
			if !typeListsMatch(target, types) {
				return stackEffect{}, fmt.Errorf("%w: label %d has %s, but default label %d has %s",
					ErrInvalidTypeOfArgs, l, valueTypesString(target), inst.Index, valueTypesString(types))
			}
		}
		return stackEffect{params: appendType(types, ValueTypeI32), polymorphic: true}, nil
	case OpcodeReturn:
		return stackEffect{params: c.returns, polymorphic: true}, nil
	case OpcodeCall:
		if inst.Index >= Index(len(c.functions)) {
			return stackEffect{}, fmt.Errorf("%w: function index %d", ErrOutOfIndex, inst.Index)
		}
		ft := c.types[c.functions[inst.Index]]
		return stackEffect{params: ft.Params, results: ft.Results}, nil
	case OpcodeCallIndirect:
		if len(c.tables) == 0 {
			return stackEffect{}, fmt.Errorf("%w: unknown table", ErrPreCondition)
		}
		if c.tables[0].ElemType != ElemTypeFuncref {
			return stackEffect{}, fmt.Errorf("%w: table is not funcref", ErrPreCondition)
		}
		if inst.Index >= Index(len(c.types)) {
			return stackEffect{}, fmt.Errorf("%w: type index %d", ErrOutOfIndex, inst.Index)
		}
		ft := c.types[inst.Index]
		return stackEffect{params: appendType(ft.Params, ValueTypeI32), results: ft.Results}, nil
	case OpcodeDrop:
		t := topType(running, 0)
		return stackEffect{params: []ValueType{t}}, nil
	case OpcodeSelect:
		t := topType(running, 1)
		if t == valueTypeUnknown {
			t = topType(running, 2)
		}
		return stackEffect{params: []ValueType{t, t, ValueTypeI32}, results: []ValueType{t}}, nil
	case OpcodeLocalGet, OpcodeLocalSet, OpcodeLocalTee:
		if inst.Index >= Index(len(c.locals)) {
			return stackEffect{}, fmt.Errorf("%w: local index %d", ErrOutOfIndex, inst.Index)
		}
		t := []ValueType{c.locals[inst.Index]}
		switch op {
		case OpcodeLocalGet:
			return stackEffect{results: t}, nil
		case OpcodeLocalSet:
			return stackEffect{params: t}, nil
		default:
			return stackEffect{params: t, results: t}, nil
		}
	case OpcodeGlobalGet, OpcodeGlobalSet:
		if inst.Index >= Index(len(c.globals)) {
			return stackEffect{}, fmt.Errorf("%w: global index %d", ErrOutOfIndex, inst.Index)
		}
		g := c.globals[inst.Index]
		t := []ValueType{g.ValType}
		if op == OpcodeGlobalGet {
			return stackEffect{results: t}, nil
		}
		if !g.Mutable {
			return stackEffect{}, fmt.Errorf("%w: global.set on immutable global %d", ErrMutability, inst.Index)
		}
		return stackEffect{params: t}, nil
	case OpcodeMemorySize, OpcodeMemoryGrow:
		if len(c.memories) == 0 {
			return stackEffect{}, fmt.Errorf("%w: unknown memory", ErrPreCondition)
		}
		if op == OpcodeMemorySize {
			return effect_None_I32, nil
		}
		return effect_I32_I32, nil
	case OpcodeI32Const:
		return effect_None_I32, nil
	case OpcodeI64Const:
		return effect_None_I64, nil
	case OpcodeF32Const:
		return effect_None_F32, nil
	case OpcodeF64Const:
		return effect_None_F64, nil
	case OpcodeI32Extend8S, OpcodeI32Extend16S, OpcodeI64Extend8S, OpcodeI64Extend16S, OpcodeI64Extend32S:
		if err := c.features.Require(FeatureSignExtensionOps); err != nil {
			return stackEffect{}, fmt.Errorf("%w: %s invalid as %v", ErrPreCondition, inst, err)
		}
		if op == OpcodeI32Extend8S || op == OpcodeI32Extend16S {
			return effect_I32_I32, nil
		}
		return effect_I64_I64, nil
	}

	if vt, width, store, ok := memoryAccess(op); ok {
		if len(c.memories) == 0 {
			return stackEffect{}, fmt.Errorf("%w: unknown memory", ErrPreCondition)
		}
		if inst.MemArg.Align >= 32 || uint32(1)<<inst.MemArg.Align > width {
			return stackEffect{}, fmt.Errorf("%w: alignment must not be larger than natural", ErrOutOfRange)
		}
		if store {
			return stackEffect{params: []ValueType{ValueTypeI32, vt}}, nil
		}
		return stackEffect{params: vI32, results: []ValueType{vt}}, nil
	}

	if eff, ok := numericEffect(op); ok {
		return eff, nil
	}
	return stackEffect{}, fmt.Errorf("%w: unknown opcode %#x", ErrOutOfRange, op)
}

// blockEffect validates the body of block, loop or if and returns its effect from outside.
func (c *validationContext) blockEffect(inst *Instruction) (stackEffect, error) {
	bt := inst.blockType()
	if err := validateValueTypes(bt.Params); err != nil {
		return stackEffect{}, err
	}
	if err := validateValueTypes(bt.Results); err != nil {
		return stackEffect{}, err
	}
	if len(bt.Params) > 0 || len(bt.Results) > 1 {
		if err := c.features.Require(FeatureMultiValue); err != nil {
			return stackEffect{}, fmt.Errorf("%w: block type %s invalid as %v", ErrOutOfRange, bt, err)
		}
	}

	// A branch to a loop restarts it, so carries the loop's params. Others exit with results.
	labelTypes := bt.Results
	if inst.Opcode == OpcodeLoop {
		labelTypes = bt.Params
	}
	c.labels = append(c.labels, labelTypes)
	defer func() { c.labels = c.labels[:len(c.labels)-1] }()

	if err := c.validateSequence(inst.Body, bt.Params, bt.Results); err != nil {
		return stackEffect{}, err
	}
	if inst.Opcode != OpcodeIf {
		return stackEffect{params: bt.Params, results: bt.Results}, nil
	}
	if err := c.validateSequence(inst.Else, bt.Params, bt.Results); err != nil {
		return stackEffect{}, fmt.Errorf("else: %w", err)
	}
	return stackEffect{params: appendType(bt.Params, ValueTypeI32), results: bt.Results}, nil
}

// label returns the branch types of the label at the relative depth, zero being the innermost.
func (c *validationContext) label(depth Index) ([]ValueType, error) {
	if depth >= Index(len(c.labels)) {
		return nil, fmt.Errorf("%w: label %d", ErrOutOfIndex, depth)
	}
	return c.labels[len(c.labels)-1-int(depth)], nil
}

// topType returns the type n below the top of the running results, or valueTypeUnknown when it is not known.
func topType(running stackEffect, n int) ValueType {
	if i := len(running.results) - 1 - n; i >= 0 {
		return running.results[i]
	}
	return valueTypeUnknown
}

func appendType(types []ValueType, t ValueType) []ValueType {
	ret := make([]ValueType, 0, len(types)+1)
	ret = append(ret, types...)
	return append(ret, t)
}

// memoryAccess returns the value type and byte width of a load or store opcode.
func memoryAccess(op Opcode) (vt ValueType, width uint32, store bool, ok bool) {
	switch op {
	case OpcodeI32Load:
		return ValueTypeI32, 4, false, true
	case OpcodeI64Load:
		return ValueTypeI64, 8, false, true
	case OpcodeF32Load:
		return ValueTypeF32, 4, false, true
	case OpcodeF64Load:
		return ValueTypeF64, 8, false, true
	case OpcodeI32Load8S, OpcodeI32Load8U:
		return ValueTypeI32, 1, false, true
	case OpcodeI32Load16S, OpcodeI32Load16U:
		return ValueTypeI32, 2, false, true
	case OpcodeI64Load8S, OpcodeI64Load8U:
		return ValueTypeI64, 1, false, true
	case OpcodeI64Load16S, OpcodeI64Load16U:
		return ValueTypeI64, 2, false, true
	case OpcodeI64Load32S, OpcodeI64Load32U:
		return ValueTypeI64, 4, false, true
	case OpcodeI32Store:
		return ValueTypeI32, 4, true, true
	case OpcodeI64Store:
		return ValueTypeI64, 8, true, true
	case OpcodeF32Store:
		return ValueTypeF32, 4, true, true
	case OpcodeF64Store:
		return ValueTypeF64, 8, true, true
	case OpcodeI32Store8:
		return ValueTypeI32, 1, true, true
	case OpcodeI32Store16:
		return ValueTypeI32, 2, true, true
	case OpcodeI64Store8:
		return ValueTypeI64, 1, true, true
	case OpcodeI64Store16:
		return ValueTypeI64, 2, true, true
	case OpcodeI64Store32:
		return ValueTypeI64, 4, true, true
	}
	return 0, 0, false, false
}

// numericEffect returns the effect of test, comparison, arithmetic and conversion opcodes.
func numericEffect(op Opcode) (stackEffect, bool) {
	switch {
	case op == OpcodeI32Eqz:
		return effect_I32_I32, true
	case op >= OpcodeI32Eq && op <= OpcodeI32GeU:
		return effect_I32I32_I32, true
	case op == OpcodeI64Eqz:
		return effect_I64_I32, true
	case op >= OpcodeI64Eq && op <= OpcodeI64GeU:
		return effect_I64I64_I32, true
	case op >= OpcodeF32Eq && op <= OpcodeF32Ge:
		return effect_F32F32_I32, true
	case op >= OpcodeF64Eq && op <= OpcodeF64Ge:
		return effect_F64F64_I32, true
	case op >= OpcodeI32Clz && op <= OpcodeI32Popcnt:
		return effect_I32_I32, true
	case op >= OpcodeI32Add && op <= OpcodeI32Rotr:
		return effect_I32I32_I32, true
	case op >= OpcodeI64Clz && op <= OpcodeI64Popcnt:
		return effect_I64_I64, true
	case op >= OpcodeI64Add && op <= OpcodeI64Rotr:
		return effect_I64I64_I64, true
	case op >= OpcodeF32Abs && op <= OpcodeF32Sqrt:
		return effect_F32_F32, true
	case op >= OpcodeF32Add && op <= OpcodeF32Copysign:
		return effect_F32F32_F32, true
	case op >= OpcodeF64Abs && op <= OpcodeF64Sqrt:
		return effect_F64_F64, true
	case op >= OpcodeF64Add && op <= OpcodeF64Copysign:
		return effect_F64F64_F64, true
	}

	switch op {
	case OpcodeI32WrapI64:
		return effect_I64_I32, true
	case OpcodeI32TruncF32S, OpcodeI32TruncF32U, OpcodeI32ReinterpretF32:
		return effect_F32_I32, true
	case OpcodeI32TruncF64S, OpcodeI32TruncF64U:
		return effect_F64_I32, true
	case OpcodeI64ExtendI32S, OpcodeI64ExtendI32U:
		return effect_I32_I64, true
	case OpcodeI64TruncF32S, OpcodeI64TruncF32U:
		return effect_F32_I64, true
	case OpcodeI64TruncF64S, OpcodeI64TruncF64U, OpcodeI64ReinterpretF64:
		return effect_F64_I64, true
	case OpcodeF32ConvertI32s, OpcodeF32ConvertI32U, OpcodeF32ReinterpretI32:
		return effect_I32_F32, true
	case OpcodeF32ConvertI64S, OpcodeF32ConvertI64U:
		return effect_I64_F32, true
	case OpcodeF32DemoteF64:
		return effect_F64_F32, true
	case OpcodeF64ConvertI32S, OpcodeF64ConvertI32U:
		return effect_I32_F64, true
	case OpcodeF64ConvertI64S, OpcodeF64ConvertI64U, OpcodeF64ReinterpretI64:
		return effect_I64_F64, true
	case OpcodeF64PromoteF32:
		return effect_F32_F64, true
	}
	return stackEffect{}, false
}

// Package interpreter executes WebAssembly function bodies directly from their structured instruction trees.
package interpreter

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"runtime/debug"

	"go.uber.org/zap"

	"github.com/wasmachine/wasmachine/api"
	"github.com/wasmachine/wasmachine/wasm"
	"github.com/wasmachine/wasmachine/wasm/buildoptions"
)

// EngineConfig tunes the limits of an engine. The zero value means no limits beyond the default call stack ceiling.
type EngineConfig struct {
	// CallStackCeiling is the maximum depth of nested function calls. Zero uses buildoptions.CallStackCeiling.
	CallStackCeiling int
	// StepBudget is the maximum count of instructions one Invoke may execute. Zero means unlimited.
	StepBudget uint64
	// CloseOnContextDone checks the context on each call and loop iteration.
	CloseOnContextDone bool
	// Logger receives trap events at debug level. nil disables logging.
	Logger *zap.Logger
}

// engine implements wasm.Engine.
type engine struct {
	callStackCeiling   int
	stepBudget         uint64
	closeOnContextDone bool
	logger             *zap.Logger
}

// NewEngine returns an interpreter.
func NewEngine(cfg EngineConfig) wasm.Engine {
	ceiling := cfg.CallStackCeiling
	if ceiling == 0 {
		ceiling = buildoptions.CallStackCeiling
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &engine{
		callStackCeiling:   ceiling,
		stepBudget:         cfg.StepBudget,
		closeOnContextDone: cfg.CloseOnContextDone,
		logger:             logger,
	}
}

type entryKind byte

const (
	entryKindValue entryKind = iota
	entryKindLabel
	entryKindActivation
)

// stackEntry is either a value, a label of a structured instruction, or the activation of a function call.
type stackEntry struct {
	kind  entryKind
	value api.Val
	// arity is the count of values a branch to this label, or a return from this activation, carries.
	arity int
	// loop is the continuation of a label: the loop to run again, or nil when the label is exited.
	loop  *wasm.Instruction
	frame *frame
}

// frame is the state of one function activation.
type frame struct {
	f      *wasm.FunctionInstance
	module *wasm.ModuleInstance
	locals []api.Val
}

type signalKind byte

const (
	signalNone signalKind = iota
	signalBranch
	signalReturn
)

// signal tells enclosing structured instructions how the inner sequence ended. The stack surgery for a branch or
// return is already done when the signal is raised.
type signal struct {
	kind signalKind
	// depth is the count of enclosing labels to leave before reaching the target of a branch.
	depth int
}

// callEngine holds the state of a single Invoke.
type callEngine struct {
	*engine
	ctx   context.Context
	store *wasm.Store
	stack []stackEntry
	// functions are the active calls, outermost first.
	functions []*wasm.FunctionInstance
	steps     uint64
}

// Invoke implements wasm.Engine Invoke
func (e *engine) Invoke(ctx context.Context, s *wasm.Store, addr wasm.FunctionAddr, args []api.Val) (results []api.Val, err error) {
	if ctx == nil {
		ctx = context.Background()
	}
	f, err := s.Function(addr)
	if err != nil {
		return nil, err
	}
	if err = checkArgs(f.Type, args); err != nil {
		return nil, &wasm.Trap{Err: err, Backtrace: []string{f.DebugName}}
	}

	ce := &callEngine{engine: e, ctx: ctx, store: s}
	defer func() {
		if v := recover(); v != nil {
			results = nil
			err = ce.recovered(v)
		}
	}()

	for _, arg := range args {
		ce.pushValue(arg)
	}
	ce.call(f)
	return ce.popValues(len(f.Type.Results)), nil
}

// recovered converts a panic raised during execution into the error returned by Invoke.
func (ce *callEngine) recovered(v interface{}) error {
	backtrace := make([]string, 0, len(ce.functions))
	for i := len(ce.functions) - 1; i >= 0; i-- {
		backtrace = append(backtrace, ce.functions[i].DebugName)
	}

	switch v := v.(type) {
	case *wasm.Trap:
		v.Backtrace = backtrace
		ce.logger.Debug("trap", zap.Error(v.Err), zap.Strings("backtrace", backtrace))
		return v
	case error:
		if errors.Is(v, wasm.ErrEngineBug) {
			return v
		}
		// Includes runtime.Error, such as an index out of range in a module the validator should have rejected.
		return fmt.Errorf("%w: %v\n%s", wasm.ErrEngineBug, v, debug.Stack())
	default:
		return fmt.Errorf("%w: %v", wasm.ErrEngineBug, v)
	}
}

func checkArgs(ft *wasm.FunctionType, args []api.Val) error {
	if len(args) != len(ft.Params) {
		return fmt.Errorf("%w: expected %d params, but passed %d", wasm.ErrRuntimeInvalidArguments, len(ft.Params), len(args))
	}
	for i, arg := range args {
		if arg.Type() != ft.Params[i] {
			return fmt.Errorf("%w: param[%d] expected %s, but was %s",
				wasm.ErrRuntimeInvalidArguments, i, api.ValueTypeName(ft.Params[i]), api.ValueTypeName(arg.Type()))
		}
	}
	return nil
}

func trap(err error) {
	panic(&wasm.Trap{Err: err})
}

func bug(format string, args ...interface{}) {
	panic(fmt.Errorf("%w: %s", wasm.ErrEngineBug, fmt.Sprintf(format, args...)))
}

func (ce *callEngine) pushValue(v api.Val) {
	ce.stack = append(ce.stack, stackEntry{kind: entryKindValue, value: v})
}

func (ce *callEngine) pushValues(vs []api.Val) {
	for _, v := range vs {
		ce.pushValue(v)
	}
}

func (ce *callEngine) popValue() api.Val {
	last := len(ce.stack) - 1
	if last < 0 || ce.stack[last].kind != entryKindValue {
		bug("expected a value on top of the stack")
	}
	v := ce.stack[last].value
	ce.stack = ce.stack[:last]
	return v
}

// popValues pops n values, returning them in stack order: the top value is last.
func (ce *callEngine) popValues(n int) []api.Val {
	if n == 0 {
		return nil
	}
	vs := make([]api.Val, n)
	for i := n - 1; i >= 0; i-- {
		vs[i] = ce.popValue()
	}
	return vs
}

func (ce *callEngine) popTyped(t api.ValueType) api.Val {
	v := ce.popValue()
	if v.Type() != t {
		bug("expected %s, but stack has %s", api.ValueTypeName(t), v)
	}
	return v
}

func (ce *callEngine) popU32() uint32  { return ce.popTyped(api.ValueTypeI32).U32() }
func (ce *callEngine) popU64() uint64  { return ce.popTyped(api.ValueTypeI64).Bits() }
func (ce *callEngine) popF32() float32 { return ce.popTyped(api.ValueTypeF32).F32() }
func (ce *callEngine) popF64() float64 { return ce.popTyped(api.ValueTypeF64).F64() }

func (ce *callEngine) pushU32(v uint32)  { ce.pushValue(api.ValueFromBits(api.ValueTypeI32, uint64(v))) }
func (ce *callEngine) pushU64(v uint64)  { ce.pushValue(api.ValueFromBits(api.ValueTypeI64, v)) }
func (ce *callEngine) pushF32(v float32) { ce.pushValue(api.F32(v)) }
func (ce *callEngine) pushF64(v float64) { ce.pushValue(api.F64(v)) }

func (ce *callEngine) pushBool(b bool) {
	if b {
		ce.pushU32(1)
	} else {
		ce.pushU32(0)
	}
}

// checkInterrupt traps if the context is done, when configured to watch it.
func (ce *callEngine) checkInterrupt() {
	if !ce.closeOnContextDone {
		return
	}
	select {
	case <-ce.ctx.Done():
		trap(fmt.Errorf("%w: %w", wasm.ErrRuntimeContextDone, ce.ctx.Err()))
	default:
	}
}

// call executes f, whose arguments are on top of the stack, leaving its results in their place.
func (ce *callEngine) call(f *wasm.FunctionInstance) {
	if buildoptions.CheckCallStackOverflow && len(ce.functions) >= ce.callStackCeiling {
		trap(wasm.ErrRuntimeCallStackOverflow)
	}
	ce.checkInterrupt()
	ce.functions = append(ce.functions, f)

	switch f.Kind {
	case wasm.FunctionKindHost:
		ce.callHost(f)
	case wasm.FunctionKindWasm:
		ce.callWasm(f)
	default:
		bug("unknown function kind %d", f.Kind)
	}

	ce.functions = ce.functions[:len(ce.functions)-1]
}

func (ce *callEngine) callHost(f *wasm.FunctionInstance) {
	params := ce.popValues(len(f.Type.Params))
	results, err := f.Host(ce.ctx, ce.store, params)
	if err != nil {
		trap(fmt.Errorf("%w: %s: %w", wasm.ErrRuntimeHostFunction, f.DebugName, err))
	}
	if len(results) != len(f.Type.Results) {
		trap(fmt.Errorf("%w: %s returned %d results, but its type is %s", wasm.ErrRuntimeHostFunction, f.DebugName, len(results), f.Type))
	}
	for i, r := range results {
		if r.Type() != f.Type.Results[i] {
			trap(fmt.Errorf("%w: %s result[%d] is %s, but its type is %s", wasm.ErrRuntimeHostFunction, f.DebugName, i, r, f.Type))
		}
	}
	ce.pushValues(results)
}

func (ce *callEngine) callWasm(f *wasm.FunctionInstance) {
	module, err := ce.store.ModuleInstance(f.Module)
	if err != nil {
		bug("function %s: %v", f.DebugName, err)
	}

	params := ce.popValues(len(f.Type.Params))
	locals := make([]api.Val, len(params), len(params)+len(f.LocalTypes))
	copy(locals, params)
	for _, lt := range f.LocalTypes {
		locals = append(locals, api.ZeroValue(lt))
	}

	arity := len(f.Type.Results)
	fr := &frame{f: f, module: module, locals: locals}
	ce.stack = append(ce.stack,
		stackEntry{kind: entryKindActivation, arity: arity, frame: fr},
		stackEntry{kind: entryKindLabel, arity: arity})

	if sig := ce.execSequence(fr, f.Body); sig.kind == signalBranch && sig.depth != 0 {
		bug("branch past the function body of %s", f.DebugName)
	}

	// Whether the body fell through, branched to its label or returned, the results are on top.
	results := ce.popValues(arity)
	for {
		last := len(ce.stack) - 1
		if last < 0 {
			bug("activation of %s is missing", f.DebugName)
		}
		kind := ce.stack[last].kind
		ce.stack = ce.stack[:last]
		if kind == entryKindActivation {
			break
		}
	}
	ce.pushValues(results)
}

// execSequence runs the instructions until the end or until a branch or return leaves the sequence.
func (ce *callEngine) execSequence(fr *frame, body []wasm.Instruction) signal {
	for i := range body {
		if sig := ce.exec(fr, &body[i]); sig.kind != signalNone {
			return sig
		}
	}
	return signal{}
}

// execBlock runs a block, loop or the taken arm of an if.
func (ce *callEngine) execBlock(fr *frame, inst *wasm.Instruction, body []wasm.Instruction) signal {
	var params, results int
	if bt := inst.BlockType; bt != nil {
		params, results = len(bt.Params), len(bt.Results)
	}

	var loop *wasm.Instruction
	arity := results
	if inst.Opcode == wasm.OpcodeLoop {
		loop, arity = inst, params
	}

	for {
		args := ce.popValues(params)
		ce.stack = append(ce.stack, stackEntry{kind: entryKindLabel, arity: arity, loop: loop})
		ce.pushValues(args)

		sig := ce.execSequence(fr, body)
		switch sig.kind {
		case signalNone:
			vs := ce.popValues(results)
			ce.popLabel()
			ce.pushValues(vs)
			return signal{}
		case signalReturn:
			return sig
		}

		// The branch already removed this label.
		if sig.depth > 0 {
			return signal{kind: signalBranch, depth: sig.depth - 1}
		}
		if loop == nil {
			return signal{}
		}
		ce.checkInterrupt()
	}
}

func (ce *callEngine) popLabel() {
	last := len(ce.stack) - 1
	if last < 0 || ce.stack[last].kind != entryKindLabel {
		bug("expected a label on top of the stack")
	}
	ce.stack = ce.stack[:last]
}

// branch pops the values carried to the label at the relative depth, discards every entry down to and including
// that label, and pushes the values back.
func (ce *callEngine) branch(depth wasm.Index) signal {
	seen := wasm.Index(0)
	for i := len(ce.stack) - 1; i >= 0; i-- {
		switch ce.stack[i].kind {
		case entryKindActivation:
			bug("label %d is outside of the function", depth)
		case entryKindLabel:
			if seen == depth {
				vs := ce.popValues(ce.stack[i].arity)
				ce.stack = ce.stack[:i]
				ce.pushValues(vs)
				return signal{kind: signalBranch, depth: int(depth)}
			}
			seen++
		}
	}
	bug("label %d not found", depth)
	return signal{}
}

// ret pops the results of the current function, discards every entry above its activation, and pushes them back.
func (ce *callEngine) ret() signal {
	for i := len(ce.stack) - 1; i >= 0; i-- {
		if ce.stack[i].kind == entryKindActivation {
			vs := ce.popValues(ce.stack[i].arity)
			ce.stack = ce.stack[:i+1]
			ce.pushValues(vs)
			return signal{kind: signalReturn}
		}
	}
	bug("return outside of a function")
	return signal{}
}

func (ce *callEngine) memory(fr *frame) *wasm.MemoryInstance {
	if len(fr.module.MemoryAddrs) == 0 {
		bug("module %s has no memory", fr.module.Name)
	}
	m, err := ce.store.Memory(fr.module.MemoryAddrs[0])
	if err != nil {
		bug("%v", err)
	}
	return m
}

func (ce *callEngine) global(fr *frame, idx wasm.Index) *wasm.GlobalInstance {
	if idx >= wasm.Index(len(fr.module.GlobalAddrs)) {
		bug("global index %d out of range", idx)
	}
	g, err := ce.store.Global(fr.module.GlobalAddrs[idx])
	if err != nil {
		bug("%v", err)
	}
	return g
}

// exec runs one instruction.
func (ce *callEngine) exec(fr *frame, inst *wasm.Instruction) signal {
	if ce.stepBudget > 0 {
		ce.steps++
		if ce.steps > ce.stepBudget {
			trap(wasm.ErrRuntimeStepBudgetExceeded)
		}
	}

	switch op := inst.Opcode; op {
	case wasm.OpcodeUnreachable:
		trap(wasm.ErrRuntimeUnreachable)
	case wasm.OpcodeNop:
	case wasm.OpcodeBlock, wasm.OpcodeLoop:
		return ce.execBlock(fr, inst, inst.Body)
	case wasm.OpcodeIf:
		if ce.popU32() != 0 {
			return ce.execBlock(fr, inst, inst.Body)
		}
		return ce.execBlock(fr, inst, inst.Else)
	case wasm.OpcodeBr:
		return ce.branch(inst.Index)
	case wasm.OpcodeBrIf:
		if ce.popU32() != 0 {
			return ce.branch(inst.Index)
		}
	case wasm.OpcodeBrTable:
		if i := ce.popU32(); i < uint32(len(inst.Labels)) {
			return ce.branch(inst.Labels[i])
		}
		return ce.branch(inst.Index)
	case wasm.OpcodeReturn:
		return ce.ret()
	case wasm.OpcodeCall:
		if inst.Index >= wasm.Index(len(fr.module.FunctionAddrs)) {
			bug("function index %d out of range", inst.Index)
		}
		f, err := ce.store.Function(fr.module.FunctionAddrs[inst.Index])
		if err != nil {
			bug("%v", err)
		}
		ce.call(f)
	case wasm.OpcodeCallIndirect:
		ce.callIndirect(fr, inst.Index)
	case wasm.OpcodeDrop:
		ce.popValue()
	case wasm.OpcodeSelect:
		c := ce.popU32()
		v2, v1 := ce.popValue(), ce.popValue()
		if v1.Type() != v2.Type() {
			bug("select operands differ: %s, %s", v1, v2)
		}
		if c != 0 {
			ce.pushValue(v1)
		} else {
			ce.pushValue(v2)
		}
	case wasm.OpcodeLocalGet:
		ce.pushValue(fr.locals[inst.Index])
	case wasm.OpcodeLocalSet:
		fr.locals[inst.Index] = ce.popTyped(fr.locals[inst.Index].Type())
	case wasm.OpcodeLocalTee:
		v := ce.popTyped(fr.locals[inst.Index].Type())
		fr.locals[inst.Index] = v
		ce.pushValue(v)
	case wasm.OpcodeGlobalGet:
		ce.pushValue(ce.global(fr, inst.Index).Val)
	case wasm.OpcodeGlobalSet:
		g := ce.global(fr, inst.Index)
		g.Val = ce.popTyped(g.Type.ValType)
	case wasm.OpcodeMemorySize:
		ce.pushU32(ce.memory(fr).PageSize())
	case wasm.OpcodeMemoryGrow:
		n := ce.popU32()
		if prev, ok := ce.memory(fr).Grow(n); ok {
			ce.pushU32(prev)
		} else {
			ce.pushU32(0xffffffff) // = -1 in signed 32-bit integer.
		}
	case wasm.OpcodeI32Const:
		ce.pushValue(api.ValueFromBits(api.ValueTypeI32, inst.Const))
	case wasm.OpcodeI64Const:
		ce.pushValue(api.ValueFromBits(api.ValueTypeI64, inst.Const))
	case wasm.OpcodeF32Const:
		ce.pushValue(api.ValueFromBits(api.ValueTypeF32, inst.Const))
	case wasm.OpcodeF64Const:
		ce.pushValue(api.ValueFromBits(api.ValueTypeF64, inst.Const))
	default:
		if op >= wasm.OpcodeI32Load && op <= wasm.OpcodeI64Store32 {
			ce.execMemoryAccess(fr, inst)
		} else {
			ce.execNumeric(op)
		}
	}
	return signal{}
}

func (ce *callEngine) callIndirect(fr *frame, typeIdx wasm.Index) {
	if len(fr.module.TableAddrs) == 0 {
		bug("module %s has no table", fr.module.Name)
	}
	table, err := ce.store.Table(fr.module.TableAddrs[0])
	if err != nil {
		bug("%v", err)
	}

	offset := ce.popU32()
	if offset >= table.Size() {
		trap(wasm.ErrRuntimeInvalidTableAccess)
	}
	slot := table.Table[offset]
	if slot == nil {
		trap(wasm.ErrRuntimeInvalidTableAccess)
	}
	f, err := ce.store.Function(*slot)
	if err != nil {
		bug("%v", err)
	}

	expected := fr.module.Types[typeIdx]
	if !f.Type.EqualsSignature(expected.Params, expected.Results) {
		trap(wasm.ErrRuntimeIndirectCallTypeMismatch)
	}
	ce.call(f)
}

// execMemoryAccess runs a load or store. The effective address is computed in 64 bits so it cannot wrap.
func (ce *callEngine) execMemoryAccess(fr *frame, inst *wasm.Instruction) {
	op := inst.Opcode
	mem := ce.memory(fr)

	var v api.Val
	store := op >= wasm.OpcodeI32Store
	if store {
		v = ce.popValue()
	}
	ea := uint64(ce.popU32()) + uint64(inst.MemArg.Offset)

	width := uint64(4)
	switch op {
	case wasm.OpcodeI64Load, wasm.OpcodeF64Load, wasm.OpcodeI64Store, wasm.OpcodeF64Store:
		width = 8
	case wasm.OpcodeI32Load8S, wasm.OpcodeI32Load8U, wasm.OpcodeI64Load8S, wasm.OpcodeI64Load8U,
		wasm.OpcodeI32Store8, wasm.OpcodeI64Store8:
		width = 1
	case wasm.OpcodeI32Load16S, wasm.OpcodeI32Load16U, wasm.OpcodeI64Load16S, wasm.OpcodeI64Load16U,
		wasm.OpcodeI32Store16, wasm.OpcodeI64Store16:
		width = 2
	}
	if !mem.HasSize(ea, width) {
		trap(wasm.ErrRuntimeOutOfBoundsMemoryAccess)
	}
	buf := mem.Buffer[ea : ea+width]

	switch op {
	case wasm.OpcodeI32Load:
		ce.pushU32(binary.LittleEndian.Uint32(buf))
	case wasm.OpcodeI64Load:
		ce.pushU64(binary.LittleEndian.Uint64(buf))
	case wasm.OpcodeF32Load:
		ce.pushValue(api.ValueFromBits(api.ValueTypeF32, uint64(binary.LittleEndian.Uint32(buf))))
	case wasm.OpcodeF64Load:
		ce.pushValue(api.ValueFromBits(api.ValueTypeF64, binary.LittleEndian.Uint64(buf)))
	case wasm.OpcodeI32Load8S:
		ce.pushU32(uint32(int8(buf[0])))
	case wasm.OpcodeI32Load8U:
		ce.pushU32(uint32(buf[0]))
	case wasm.OpcodeI32Load16S:
		ce.pushU32(uint32(int16(binary.LittleEndian.Uint16(buf))))
	case wasm.OpcodeI32Load16U:
		ce.pushU32(uint32(binary.LittleEndian.Uint16(buf)))
	case wasm.OpcodeI64Load8S:
		ce.pushU64(uint64(int8(buf[0])))
	case wasm.OpcodeI64Load8U:
		ce.pushU64(uint64(buf[0]))
	case wasm.OpcodeI64Load16S:
		ce.pushU64(uint64(int16(binary.LittleEndian.Uint16(buf))))
	case wasm.OpcodeI64Load16U:
		ce.pushU64(uint64(binary.LittleEndian.Uint16(buf)))
	case wasm.OpcodeI64Load32S:
		ce.pushU64(uint64(int32(binary.LittleEndian.Uint32(buf))))
	case wasm.OpcodeI64Load32U:
		ce.pushU64(uint64(binary.LittleEndian.Uint32(buf)))
	case wasm.OpcodeI32Store, wasm.OpcodeF32Store:
		binary.LittleEndian.PutUint32(buf, uint32(v.Bits()))
	case wasm.OpcodeI64Store, wasm.OpcodeF64Store:
		binary.LittleEndian.PutUint64(buf, v.Bits())
	case wasm.OpcodeI32Store8, wasm.OpcodeI64Store8:
		buf[0] = byte(v.Bits())
	case wasm.OpcodeI32Store16, wasm.OpcodeI64Store16:
		binary.LittleEndian.PutUint16(buf, uint16(v.Bits()))
	case wasm.OpcodeI64Store32:
		binary.LittleEndian.PutUint32(buf, uint32(v.Bits()))
	}
}

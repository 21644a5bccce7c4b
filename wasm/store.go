package wasm

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/wasmachine/wasmachine/api"
)

type (
	// Store is the runtime representation of "instantiated" Wasm module and objects.
	// Multiple modules can be instantiated within a single store, and each instance,
	// (e.g. function instance) can be referenced by other module instances in a Store via Module.ImportSection.
	//
	// Every type whose name ends with "Instance" suffix belongs to exactly one store, and is addressed by its index
	// in the store. Instances are never removed, so an address stays valid for the lifetime of the store.
	//
	// Note: A Store is not safe for concurrent use.
	//
	// See https://www.w3.org/TR/2019/REC-wasm-core-1-20191205/#store%E2%91%A0
	Store struct {
		// Engine executes functions, including start functions during Instantiate.
		Engine Engine

		// EnabledFeatures are read-only to allow optimizations.
		EnabledFeatures Features

		// MemoryMaxPages caps the size of memories allocated in this store, regardless of their declared maximum.
		// Zero, as in a Store not made by NewStore, allows only empty memories.
		MemoryMaxPages uint32

		// Logger receives debug events of instantiation. nil discards them.
		Logger *zap.Logger

		functions []*FunctionInstance
		tables    []*TableInstance
		memories  []*MemoryInstance
		globals   []*GlobalInstance
		modules   []*ModuleInstance
	}

	// FunctionAddr is the address of a FunctionInstance in a Store.
	FunctionAddr uint32
	// TableAddr is the address of a TableInstance in a Store.
	TableAddr uint32
	// MemoryAddr is the address of a MemoryInstance in a Store.
	MemoryAddr uint32
	// GlobalAddr is the address of a GlobalInstance in a Store.
	GlobalAddr uint32
	// ModuleAddr is the address of a ModuleInstance in a Store.
	ModuleAddr uint32

	// ExternVal is a runtime value satisfying an import: the kind and address of an instance in the same Store.
	//
	// See https://www.w3.org/TR/2019/REC-wasm-core-1-20191205/#external-values%E2%91%A0
	ExternVal struct {
		Kind api.ExternType
		Addr uint32
	}

	// FunctionKind distinguishes functions defined in WebAssembly from those implemented in Go.
	FunctionKind byte

	// FunctionInstance represents a function instance in a Store.
	// See https://www.w3.org/TR/2019/REC-wasm-core-1-20191205/#function-instances%E2%91%A0
	FunctionInstance struct {
		Kind FunctionKind
		Type *FunctionType
		// DebugName is used in backtraces, ex. "math.add" or "math.$2"
		DebugName string

		// Module is the module instance which defined this function, when Kind is FunctionKindWasm.
		Module     ModuleAddr
		LocalTypes []ValueType
		Body       []Instruction

		// Host is set when Kind is FunctionKindHost.
		Host HostFunction
	}

	// ModuleInstance represents instantiated wasm module.
	//
	// Each address list begins with imports, in import order, followed by the module's own definitions. It is never
	// modified after Store.Instantiate returns.
	//
	// See https://www.w3.org/TR/2019/REC-wasm-core-1-20191205/#module-instances%E2%91%A0
	ModuleInstance struct {
		Name          string
		Addr          ModuleAddr
		Types         []*FunctionType
		FunctionAddrs []FunctionAddr
		TableAddrs    []TableAddr
		MemoryAddrs   []MemoryAddr
		GlobalAddrs   []GlobalAddr
		Exports       map[string]ExternVal
	}
)

const (
	FunctionKindWasm FunctionKind = iota
	FunctionKindHost
)

// ExternFunc returns an ExternVal of a function.
func ExternFunc(addr FunctionAddr) ExternVal {
	return ExternVal{Kind: api.ExternTypeFunc, Addr: uint32(addr)}
}

// ExternTable returns an ExternVal of a table.
func ExternTable(addr TableAddr) ExternVal {
	return ExternVal{Kind: api.ExternTypeTable, Addr: uint32(addr)}
}

// ExternMemory returns an ExternVal of a memory.
func ExternMemory(addr MemoryAddr) ExternVal {
	return ExternVal{Kind: api.ExternTypeMemory, Addr: uint32(addr)}
}

// ExternGlobal returns an ExternVal of a global.
func ExternGlobal(addr GlobalAddr) ExternVal {
	return ExternVal{Kind: api.ExternTypeGlobal, Addr: uint32(addr)}
}

func (e ExternVal) String() string {
	return fmt.Sprintf("%s@%d", api.ExternTypeName(e.Kind), e.Addr)
}

// Export returns an export of the given name and type or errs if not exported or the wrong type.
func (m *ModuleInstance) Export(name string, kind api.ExternType) (ExternVal, error) {
	exp, ok := m.Exports[name]
	if !ok {
		return ExternVal{}, fmt.Errorf("%q is not exported in module %q", name, m.Name)
	}
	if exp.Kind != kind {
		return ExternVal{}, fmt.Errorf("export %q in module %q is a %s, not a %s", name, m.Name, api.ExternTypeName(exp.Kind), api.ExternTypeName(kind))
	}
	return exp, nil
}

// NewStore returns a Store which executes functions with the given engine. Logging is off until Logger is set.
func NewStore(engine Engine, enabledFeatures Features) *Store {
	return &Store{
		Engine:          engine,
		EnabledFeatures: enabledFeatures,
		MemoryMaxPages:  MemoryMaxPages,
		Logger:          zap.NewNop(),
	}
}

func (s *Store) logger() *zap.Logger {
	if s.Logger == nil {
		return zap.NewNop()
	}
	return s.Logger
}

func (s *Store) addFunction(f *FunctionInstance) FunctionAddr {
	s.functions = append(s.functions, f)
	return FunctionAddr(len(s.functions) - 1)
}

func (s *Store) addTable(t *TableInstance) TableAddr {
	s.tables = append(s.tables, t)
	return TableAddr(len(s.tables) - 1)
}

func (s *Store) addMemory(m *MemoryInstance) MemoryAddr {
	s.memories = append(s.memories, m)
	return MemoryAddr(len(s.memories) - 1)
}

func (s *Store) addGlobal(g *GlobalInstance) GlobalAddr {
	s.globals = append(s.globals, g)
	return GlobalAddr(len(s.globals) - 1)
}

// AllocTable adds an empty table of the given type, so that it can be passed to Instantiate.
func (s *Store) AllocTable(tt *TableType) (TableAddr, error) {
	if err := validateTableType(tt); err != nil {
		return 0, err
	}
	return s.addTable(newTableInstance(tt)), nil
}

// AllocMemory adds a zero-filled memory of the given type, so that it can be passed to Instantiate.
func (s *Store) AllocMemory(mt *MemoryType) (MemoryAddr, error) {
	if err := s.validateMemoryAllocation(mt); err != nil {
		return 0, err
	}
	return s.addMemory(newMemoryInstance(mt, s.MemoryMaxPages)), nil
}

func (s *Store) validateMemoryAllocation(mt *MemoryType) error {
	if err := validateMemoryType(mt); err != nil {
		return err
	}
	if mt.Min > s.MemoryMaxPages {
		return fmt.Errorf("%w: min %d pages (%s) over the limit of %d pages", ErrOutOfRange, mt.Min, PagesToUnitOfBytes(mt.Min), s.MemoryMaxPages)
	}
	return nil
}

// AllocGlobal adds a global of the given type and initial value, so that it can be passed to Instantiate.
func (s *Store) AllocGlobal(gt *GlobalType, v api.Val) (GlobalAddr, error) {
	if err := validateValueType(gt.ValType); err != nil {
		return 0, err
	}
	if v.Type() != gt.ValType {
		return 0, fmt.Errorf("%w: %s is not %s", ErrValueTypeMismatch, v, api.ValueTypeName(gt.ValType))
	}
	return s.addGlobal(&GlobalInstance{Type: gt, Val: v}), nil
}

// Function returns the function instance at the address.
func (s *Store) Function(addr FunctionAddr) (*FunctionInstance, error) {
	if int(addr) >= len(s.functions) {
		return nil, fmt.Errorf("%w: function %d", ErrInvalidAddress, addr)
	}
	return s.functions[addr], nil
}

// Table returns the table instance at the address.
func (s *Store) Table(addr TableAddr) (*TableInstance, error) {
	if int(addr) >= len(s.tables) {
		return nil, fmt.Errorf("%w: table %d", ErrInvalidAddress, addr)
	}
	return s.tables[addr], nil
}

// Memory returns the memory instance at the address.
func (s *Store) Memory(addr MemoryAddr) (*MemoryInstance, error) {
	if int(addr) >= len(s.memories) {
		return nil, fmt.Errorf("%w: memory %d", ErrInvalidAddress, addr)
	}
	return s.memories[addr], nil
}

// Global returns the global instance at the address.
func (s *Store) Global(addr GlobalAddr) (*GlobalInstance, error) {
	if int(addr) >= len(s.globals) {
		return nil, fmt.Errorf("%w: global %d", ErrInvalidAddress, addr)
	}
	return s.globals[addr], nil
}

// ModuleInstance returns the module instance at the address.
func (s *Store) ModuleInstance(addr ModuleAddr) (*ModuleInstance, error) {
	if int(addr) >= len(s.modules) {
		return nil, fmt.Errorf("%w: module %d", ErrInvalidAddress, addr)
	}
	return s.modules[addr], nil
}

// GlobalGet returns the current value of the global.
func (s *Store) GlobalGet(addr GlobalAddr) (api.Val, error) {
	g, err := s.Global(addr)
	if err != nil {
		return api.Val{}, err
	}
	return g.Val, nil
}

// GlobalSet replaces the value of a mutable global.
func (s *Store) GlobalSet(addr GlobalAddr, v api.Val) error {
	g, err := s.Global(addr)
	if err != nil {
		return err
	}
	if !g.Type.Mutable {
		return fmt.Errorf("%w: global %d", ErrImmutableGlobal, addr)
	}
	if v.Type() != g.Type.ValType {
		return fmt.Errorf("%w: %s is not %s", ErrValueTypeMismatch, v, api.ValueTypeName(g.Type.ValType))
	}
	g.Val = v
	return nil
}

// TableSize returns the count of slots in the table.
func (s *Store) TableSize(addr TableAddr) (uint32, error) {
	t, err := s.Table(addr)
	if err != nil {
		return 0, err
	}
	return t.Size(), nil
}

// TableGet returns the function address in the slot, or false if the slot is empty.
func (s *Store) TableGet(addr TableAddr, i uint32) (FunctionAddr, bool, error) {
	t, err := s.Table(addr)
	if err != nil {
		return 0, false, err
	}
	if i >= t.Size() {
		return 0, false, fmt.Errorf("%w: table %d has %d elements, index %d", ErrOutOfBounds, addr, t.Size(), i)
	}
	if f := t.Table[i]; f != nil {
		return *f, true, nil
	}
	return 0, false, nil
}

// TableSet writes a function address into the slot. nil empties it.
func (s *Store) TableSet(addr TableAddr, i uint32, f *FunctionAddr) error {
	t, err := s.Table(addr)
	if err != nil {
		return err
	}
	if i >= t.Size() {
		return fmt.Errorf("%w: table %d has %d elements, index %d", ErrOutOfBounds, addr, t.Size(), i)
	}
	if f == nil {
		t.Table[i] = nil
		return nil
	}
	if _, err = s.Function(*f); err != nil {
		return err
	}
	v := *f
	t.Table[i] = &v
	return nil
}

// TableGrow appends delta empty slots, returning the previous size, or false if the table's max would be exceeded.
func (s *Store) TableGrow(addr TableAddr, delta uint32) (uint32, bool, error) {
	t, err := s.Table(addr)
	if err != nil {
		return 0, false, err
	}
	prev, ok := t.Grow(delta)
	return prev, ok, nil
}

// MemorySize returns the size of the memory in pages.
func (s *Store) MemorySize(addr MemoryAddr) (uint32, error) {
	m, err := s.Memory(addr)
	if err != nil {
		return 0, err
	}
	return m.PageSize(), nil
}

// MemoryRead returns a copy of byteCount bytes at the offset.
func (s *Store) MemoryRead(addr MemoryAddr, offset, byteCount uint32) ([]byte, error) {
	m, err := s.Memory(addr)
	if err != nil {
		return nil, err
	}
	buf, ok := m.Read(offset, byteCount)
	if !ok {
		return nil, fmt.Errorf("%w: read of %d bytes at %d, memory %d has %d bytes", ErrOutOfBounds, byteCount, offset, addr, len(m.Buffer))
	}
	return buf, nil
}

// MemoryWrite copies data into the memory at the offset.
func (s *Store) MemoryWrite(addr MemoryAddr, offset uint32, data []byte) error {
	m, err := s.Memory(addr)
	if err != nil {
		return err
	}
	if !m.Write(offset, data) {
		return fmt.Errorf("%w: write of %d bytes at %d, memory %d has %d bytes", ErrOutOfBounds, len(data), offset, addr, len(m.Buffer))
	}
	return nil
}

// MemoryGrow appends delta zero-filled pages, returning the previous page count, or false if the memory's limit would
// be exceeded.
func (s *Store) MemoryGrow(addr MemoryAddr, delta uint32) (uint32, bool, error) {
	m, err := s.Memory(addr)
	if err != nil {
		return 0, false, err
	}
	prev, ok := m.Grow(delta)
	return prev, ok, nil
}

// Instantiate validates the module, links externs to its imports in order, allocates its definitions, initializes
// its tables and memories, and runs its start function.
//
// Errors are *InstantiationError. When validation or linking fails the store is unchanged. When a segment does not
// fit, or the start function traps, instances allocated so far remain in the store.
//
// See https://www.w3.org/TR/2019/REC-wasm-core-1-20191205/#instantiation%E2%91%A1
func (s *Store) Instantiate(ctx context.Context, module *Module, name string, externs []ExternVal) (*ModuleInstance, error) {
	imports, err := module.Validate(s.EnabledFeatures)
	if err != nil {
		return nil, &InstantiationError{Module: name, Err: err}
	}
	s.logger().Debug("validated module", zap.String("module", name), zap.Int("imports", len(imports)))

	if err = s.resolveImports(imports, externs); err != nil {
		return nil, &InstantiationError{Module: name, Err: err}
	}
	for i, mt := range module.MemorySection {
		if err = s.validateMemoryAllocation(mt); err != nil {
			return nil, &InstantiationError{Module: name, Err: validationError(SectionIDMemory, Index(i), err)}
		}
	}

	m := s.allocateModule(module, name, externs)
	s.logger().Debug("allocated module",
		zap.String("module", name),
		zap.Uint32("addr", uint32(m.Addr)),
		zap.Int("functions", len(m.FunctionAddrs)),
		zap.Int("tables", len(m.TableAddrs)),
		zap.Int("memories", len(m.MemoryAddrs)),
		zap.Int("globals", len(m.GlobalAddrs)))

	if err = s.validateSegments(m, module); err != nil {
		return nil, &InstantiationError{Module: name, Err: err}
	}
	s.applySegments(m, module)

	if module.StartSection != nil {
		funcAddr := m.FunctionAddrs[*module.StartSection]
		s.logger().Debug("invoking start function", zap.String("module", name), zap.Uint32("function", uint32(funcAddr)))
		if s.Engine == nil {
			return nil, &InstantiationError{Module: name, Err: fmt.Errorf("%w: no engine", ErrStartTrapped)}
		}
		if _, err = s.Engine.Invoke(ctx, s, funcAddr, nil); err != nil {
			return nil, &InstantiationError{Module: name, Err: fmt.Errorf("%w: %w", ErrStartTrapped, err)}
		}
	}
	return m, nil
}

// resolveImports checks each extern against the import at the same position.
func (s *Store) resolveImports(imports []ExternType, externs []ExternVal) error {
	if len(imports) != len(externs) {
		return fmt.Errorf("%w: module has %d imports, but %d externs were given", ErrImportMismatch, len(imports), len(externs))
	}
	for i, imp := range imports {
		if err := s.checkExtern(imp, externs[i]); err != nil {
			return fmt.Errorf("import[%d]: %w", i, err)
		}
	}
	return nil
}

func (s *Store) checkExtern(imp ExternType, ev ExternVal) error {
	if ev.Kind != imp.Kind {
		return fmt.Errorf("%w: expected %s, but got %s", ErrImportMismatch, api.ExternTypeName(imp.Kind), api.ExternTypeName(ev.Kind))
	}
	switch imp.Kind {
	case api.ExternTypeFunc:
		f, err := s.Function(FunctionAddr(ev.Addr))
		if err != nil {
			return fmt.Errorf("%w: %v", ErrImportMismatch, err)
		}
		if !f.Type.EqualsSignature(imp.Func.Params, imp.Func.Results) {
			return fmt.Errorf("%w: signature mismatch: %s != %s", ErrImportMismatch, imp.Func, f.Type)
		}
	case api.ExternTypeTable:
		t, err := s.Table(TableAddr(ev.Addr))
		if err != nil {
			return fmt.Errorf("%w: %v", ErrImportMismatch, err)
		}
		if t.ElemType != imp.Table.ElemType {
			return fmt.Errorf("%w: incompatible table import: element type mismatch", ErrImportMismatch)
		}
		if !imp.Table.Limit.matches(t.Size(), t.Max) {
			return fmt.Errorf("%w: incompatible table import: %s does not match size %d", ErrImportMismatch, imp.Table.Limit, t.Size())
		}
	case api.ExternTypeMemory:
		m, err := s.Memory(MemoryAddr(ev.Addr))
		if err != nil {
			return fmt.Errorf("%w: %v", ErrImportMismatch, err)
		}
		if !imp.Memory.matches(m.PageSize(), m.Max) {
			return fmt.Errorf("%w: incompatible memory import: %s does not match %d pages", ErrImportMismatch, imp.Memory, m.PageSize())
		}
	case api.ExternTypeGlobal:
		g, err := s.Global(GlobalAddr(ev.Addr))
		if err != nil {
			return fmt.Errorf("%w: %v", ErrImportMismatch, err)
		}
		if g.Type.Mutable != imp.Global.Mutable {
			return fmt.Errorf("%w: incompatible global import: mutability mismatch", ErrImportMismatch)
		}
		if g.Type.ValType != imp.Global.ValType {
			return fmt.Errorf("%w: incompatible global import: value type mismatch", ErrImportMismatch)
		}
	}
	return nil
}

// allocateModule adds the module's definitions to the store. externs must already be resolved.
func (s *Store) allocateModule(module *Module, name string, externs []ExternVal) *ModuleInstance {
	m := &ModuleInstance{
		Name:    name,
		Addr:    ModuleAddr(len(s.modules)),
		Types:   module.TypeSection,
		Exports: make(map[string]ExternVal, len(module.ExportSection)),
	}
	// Registered first, so functions can resolve their module while later steps run.
	s.modules = append(s.modules, m)

	for _, ev := range externs {
		switch ev.Kind {
		case api.ExternTypeFunc:
			m.FunctionAddrs = append(m.FunctionAddrs, FunctionAddr(ev.Addr))
		case api.ExternTypeTable:
			m.TableAddrs = append(m.TableAddrs, TableAddr(ev.Addr))
		case api.ExternTypeMemory:
			m.MemoryAddrs = append(m.MemoryAddrs, MemoryAddr(ev.Addr))
		case api.ExternTypeGlobal:
			m.GlobalAddrs = append(m.GlobalAddrs, GlobalAddr(ev.Addr))
		}
	}

	funcNames := make(map[Index]string, len(module.ExportSection))
	for _, exp := range module.ExportSection {
		if exp.Kind == api.ExternTypeFunc {
			if _, ok := funcNames[exp.Index]; !ok {
				funcNames[exp.Index] = exp.Name
			}
		}
	}

	importedFuncs := Index(len(m.FunctionAddrs))
	for i, typeIdx := range module.FunctionSection {
		idx := importedFuncs + Index(i)
		debugName, ok := funcNames[idx]
		if !ok {
			debugName = fmt.Sprintf("$%d", idx)
		}
		code := module.CodeSection[i]
		m.FunctionAddrs = append(m.FunctionAddrs, s.addFunction(&FunctionInstance{
			Kind:       FunctionKindWasm,
			Type:       module.TypeSection[typeIdx],
			DebugName:  name + "." + debugName,
			Module:     m.Addr,
			LocalTypes: code.LocalTypes,
			Body:       code.Body,
		}))
	}
	for _, tt := range module.TableSection {
		m.TableAddrs = append(m.TableAddrs, s.addTable(newTableInstance(tt)))
	}
	for _, mt := range module.MemorySection {
		m.MemoryAddrs = append(m.MemoryAddrs, s.addMemory(newMemoryInstance(mt, s.MemoryMaxPages)))
	}
	// Globals are appended one by one, so an initializer sees exactly the globals before it.
	for _, g := range module.GlobalSection {
		v := s.evalConstExpression(g.Init, m.GlobalAddrs)
		m.GlobalAddrs = append(m.GlobalAddrs, s.addGlobal(&GlobalInstance{Type: g.Type, Val: v}))
	}

	for _, exp := range module.ExportSection {
		var addr uint32
		switch exp.Kind {
		case api.ExternTypeFunc:
			addr = uint32(m.FunctionAddrs[exp.Index])
		case api.ExternTypeTable:
			addr = uint32(m.TableAddrs[exp.Index])
		case api.ExternTypeMemory:
			addr = uint32(m.MemoryAddrs[exp.Index])
		case api.ExternTypeGlobal:
			addr = uint32(m.GlobalAddrs[exp.Index])
		}
		m.Exports[exp.Name] = ExternVal{Kind: exp.Kind, Addr: addr}
	}
	return m
}

// validateSegments bounds-checks every element segment, then every data segment, before any is applied.
func (s *Store) validateSegments(m *ModuleInstance, module *Module) error {
	for i, elem := range module.ElementSection {
		offset := s.evalConstExpression(elem.OffsetExpr, m.GlobalAddrs).U32()
		table := s.tables[m.TableAddrs[elem.TableIndex]]
		if ceil := uint64(offset) + uint64(len(elem.Init)); ceil > uint64(table.Size()) {
			return fmt.Errorf("%w: element[%d] writes %d elements at %d, but table has %d",
				ErrSegmentOutOfBounds, i, len(elem.Init), offset, table.Size())
		}
	}
	for i, d := range module.DataSection {
		offset := s.evalConstExpression(d.OffsetExpression, m.GlobalAddrs).U32()
		memory := s.memories[m.MemoryAddrs[d.MemoryIndex]]
		if !memory.HasSize(uint64(offset), uint64(len(d.Init))) {
			return fmt.Errorf("%w: data[%d] writes %d bytes at %d, but memory has %d",
				ErrSegmentOutOfBounds, i, len(d.Init), offset, len(memory.Buffer))
		}
	}
	return nil
}

func (s *Store) applySegments(m *ModuleInstance, module *Module) {
	for _, elem := range module.ElementSection {
		offset := s.evalConstExpression(elem.OffsetExpr, m.GlobalAddrs).U32()
		table := s.tables[m.TableAddrs[elem.TableIndex]]
		for i, funcIdx := range elem.Init {
			addr := m.FunctionAddrs[funcIdx]
			table.Table[offset+uint32(i)] = &addr
		}
	}
	for _, d := range module.DataSection {
		offset := s.evalConstExpression(d.OffsetExpression, m.GlobalAddrs).U32()
		memory := s.memories[m.MemoryAddrs[d.MemoryIndex]]
		copy(memory.Buffer[offset:], d.Init)
	}
	s.logger().Debug("applied segments",
		zap.String("module", m.Name),
		zap.Int("elements", len(module.ElementSection)),
		zap.Int("data", len(module.DataSection)))
}

package wasm

import (
	"errors"
	"fmt"
	"strings"
)

// Validation errors classify why a module failed the static checks. They are returned wrapped in a ValidationError.
var (
	// ErrOutOfIndex means an index immediate referred past the end of its index space.
	ErrOutOfIndex = errors.New("index out of range")
	// ErrOutOfRange means a value was outside its permitted range, such as alignment or limits.
	ErrOutOfRange = errors.New("value out of range")
	// ErrMutability means an immutable global was the target of global.set or a mutable one was read by a constant
	// expression.
	ErrMutability = errors.New("global mutability mismatch")
	// ErrPreCondition means an instruction needs a memory or table the module does not have.
	ErrPreCondition = errors.New("precondition not met")
	// ErrInvalidTypeOfArgs means an instruction's operands do not match what the stack provides.
	ErrInvalidTypeOfArgs = errors.New("type mismatch of arguments")
	// ErrInvalidTypeOfResult means a body or constant expression produced the wrong result types.
	ErrInvalidTypeOfResult = errors.New("type mismatch of results")
)

// Instantiation errors are returned wrapped in an InstantiationError.
var (
	// ErrImportMismatch means an extern value did not match the kind or type the module imports.
	ErrImportMismatch = errors.New("import mismatch")
	// ErrSegmentOutOfBounds means an element or data segment does not fit its table or memory.
	ErrSegmentOutOfBounds = errors.New("segment out of bounds")
	// ErrStartTrapped means the start function trapped.
	ErrStartTrapped = errors.New("start function trapped")
)

// All the errors are returned by Engine during the execution of Wasm functions,
// and they indicate that the Wasm virtual machine's state is unrecoverable.
var (
	// ErrRuntimeCallStackOverflow indicates that there are too many function calls,
	// and the Engine terminated the execution.
	ErrRuntimeCallStackOverflow = errors.New("callstack overflow")
	// ErrRuntimeInvalidConversionToInteger indicates the Wasm function tries to
	// convert NaN floating point value to integers during trunc variant instructions.
	ErrRuntimeInvalidConversionToInteger = errors.New("invalid conversion to integer")
	// ErrRuntimeIntegerOverflow indicates that an integer arithmetic resulted in
	// overflow value. For example, when the program tried to truncate a float value
	// which doesn't fit in the range of target integer.
	ErrRuntimeIntegerOverflow = errors.New("integer overflow")
	// ErrRuntimeIntegerDivideByZero indicates that an integer div or rem instructions
	// was executed with 0 as the divisor.
	ErrRuntimeIntegerDivideByZero = errors.New("integer divide by zero")
	// ErrRuntimeUnreachable means "unreachable" instruction was executed by the program.
	ErrRuntimeUnreachable = errors.New("unreachable")
	// ErrRuntimeOutOfBoundsMemoryAccess indicates that the program tried to access the
	// region beyond the linear memory.
	ErrRuntimeOutOfBoundsMemoryAccess = errors.New("out of bounds memory access")
	// ErrRuntimeInvalidTableAccess means either offset to the table was out of bounds of table, or
	// the target element in the table was uninitialized during call_indirect instruction.
	ErrRuntimeInvalidTableAccess = errors.New("invalid table access")
	// ErrRuntimeIndirectCallTypeMismatch indicates that the type check failed during call_indirect.
	ErrRuntimeIndirectCallTypeMismatch = errors.New("indirect call type mismatch")
	// ErrRuntimeInvalidArguments means the caller passed arguments whose count or kinds differ from the function type.
	ErrRuntimeInvalidArguments = errors.New("invalid arguments")
	// ErrRuntimeHostFunction wraps an error returned by a host function, or results not matching its type.
	ErrRuntimeHostFunction = errors.New("host function failed")
	// ErrRuntimeStepBudgetExceeded means the configured instruction budget ran out.
	ErrRuntimeStepBudgetExceeded = errors.New("step budget exceeded")
	// ErrRuntimeContextDone means the context passed to Invoke was canceled or its deadline passed.
	ErrRuntimeContextDone = errors.New("context done")
)

// ErrEngineBug is returned, never as a Trap, when the engine observes a state validation should have ruled out.
var ErrEngineBug = errors.New("BUG: engine invariant violated")

// Store accessor errors.
var (
	ErrInvalidAddress    = errors.New("invalid address")
	ErrOutOfBounds       = errors.New("out of bounds")
	ErrImmutableGlobal   = errors.New("global is immutable")
	ErrValueTypeMismatch = errors.New("value type mismatch")
)

// ValidationError is returned by Module.Validate. Err is one of the validation sentinels above, possibly wrapped with
// detail.
type ValidationError struct {
	// Section names where the failure is, ex. "function", "global".
	Section string
	// Index is the index within the section.
	Index Index
	Err   error
}

// Error implements error.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s[%d]: %v", e.Section, e.Index, e.Err)
}

// Unwrap allows errors.Is against the cause.
func (e *ValidationError) Unwrap() error {
	return e.Err
}

func validationError(sectionID SectionID, idx Index, err error) *ValidationError {
	return &ValidationError{Section: SectionIDName(sectionID), Index: idx, Err: err}
}

// InstantiationError is returned by Store.Instantiate.
type InstantiationError struct {
	// Module is the name given to the module, possibly empty.
	Module string
	Err    error
}

// Error implements error.
func (e *InstantiationError) Error() string {
	if e.Module == "" {
		return fmt.Sprintf("instantiation failed: %v", e.Err)
	}
	return fmt.Sprintf("instantiation of module %q failed: %v", e.Module, e.Err)
}

// Unwrap allows errors.Is against the cause.
func (e *InstantiationError) Unwrap() error {
	return e.Err
}

// Trap is a runtime error which aborted an invocation. Err is one of the ErrRuntime sentinels, possibly wrapped.
type Trap struct {
	Err error
	// Backtrace lists the functions active when the trap happened, innermost first.
	Backtrace []string
}

// Error implements error.
func (t *Trap) Error() string {
	msg := fmt.Sprintf("wasm runtime error: %v", t.Err)
	if len(t.Backtrace) == 0 {
		return msg
	}
	traces := make([]string, len(t.Backtrace))
	for i, name := range t.Backtrace {
		traces[i] = fmt.Sprintf("\t%d: %s", i, name)
	}
	return fmt.Sprintf("%s\nwasm backtrace:\n%s", msg, strings.Join(traces, "\n"))
}

// Unwrap allows errors.Is against the cause.
func (t *Trap) Unwrap() error {
	return t.Err
}

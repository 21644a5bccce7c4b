//go:build !disable_callstack_overflow_check
// +build !disable_callstack_overflow_check

// Package buildoptions holds defaults that can be switched with build tags.
package buildoptions

const (
	// CheckCallStackOverflow enables the call depth ceiling in the interpreter.
	CheckCallStackOverflow = true
	// CallStackCeiling is the default maximum nesting of function activations.
	CallStackCeiling = 2000
)

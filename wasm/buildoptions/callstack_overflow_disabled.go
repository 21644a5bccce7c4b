//go:build disable_callstack_overflow_check
// +build disable_callstack_overflow_check

package buildoptions

const (
	CheckCallStackOverflow = false
	CallStackCeiling       = 0
)

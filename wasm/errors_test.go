package wasm

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTrap_Error(t *testing.T) {
	tests := []struct {
		name     string
		trap     *Trap
		expected string
	}{
		{
			name:     "no backtrace",
			trap:     &Trap{Err: ErrRuntimeIntegerDivideByZero},
			expected: "wasm runtime error: integer divide by zero",
		},
		{
			name: "backtrace",
			trap: &Trap{Err: fmt.Errorf("%w: env.log: boom", ErrRuntimeHostFunction), Backtrace: []string{"env.log", "test.main"}},
			expected: `wasm runtime error: host function failed: env.log: boom
wasm backtrace:
	0: env.log
	1: test.main`,
		},
	}

	for _, tt := range tests {
		tc := tt
		t.Run(tc.name, func(t *testing.T) {
			require.EqualError(t, tc.trap, tc.expected)
			require.True(t, errors.Is(tc.trap, tc.trap.Err))
		})
	}
}

func TestValidationError(t *testing.T) {
	err := validationError(SectionIDFunction, 3, fmt.Errorf("%w: local index 9", ErrOutOfIndex))
	require.EqualError(t, err, "invalid function[3]: index out of range: local index 9")
	require.ErrorIs(t, err, ErrOutOfIndex)
}

func TestInstantiationError(t *testing.T) {
	err := &InstantiationError{Err: ErrImportMismatch}
	require.EqualError(t, err, "instantiation failed: import mismatch")
	require.ErrorIs(t, err, ErrImportMismatch)

	err.Module = "math"
	require.EqualError(t, err, `instantiation of module "math" failed: import mismatch`)
}

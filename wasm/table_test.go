package wasm

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTableInstance_Grow(t *testing.T) {
	tests := []struct {
		name         string
		tt           *TableType
		delta        uint32
		expectedOk   bool
		expectedSize uint32
	}{
		{name: "no max", tt: &TableType{Limit: &LimitsType{Min: 1}}, delta: 100, expectedOk: true, expectedSize: 101},
		{name: "within max", tt: &TableType{Limit: &LimitsType{Min: 1, Max: uint32Ptr(3)}}, delta: 2, expectedOk: true, expectedSize: 3},
		{name: "over max", tt: &TableType{Limit: &LimitsType{Min: 1, Max: uint32Ptr(3)}}, delta: 3, expectedSize: 1},
		{name: "overflow", tt: &TableType{Limit: &LimitsType{Min: 1}}, delta: 0xffffffff, expectedSize: 1},
	}

	for _, tt := range tests {
		tc := tt
		t.Run(tc.name, func(t *testing.T) {
			table := newTableInstance(tc.tt)
			prev, ok := table.Grow(tc.delta)
			require.Equal(t, tc.expectedOk, ok)
			if ok {
				require.Equal(t, tc.tt.Limit.Min, prev)
			}
			require.Equal(t, tc.expectedSize, table.Size())
			for _, slot := range table.Table {
				require.Nil(t, slot)
			}
		})
	}
}

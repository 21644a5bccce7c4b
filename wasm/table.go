package wasm

import "math"

// TableInstance represents a table instance in a store.
//
// See https://www.w3.org/TR/2019/REC-wasm-core-1-20191205/#table-instances%E2%91%A0
type TableInstance struct {
	// Table holds the function address of each slot. Uninitialized slots are nil.
	Table    []*FunctionAddr
	Min      uint32
	Max      *uint32
	ElemType byte
}

func newTableInstance(tt *TableType) *TableInstance {
	return &TableInstance{
		Table:    make([]*FunctionAddr, tt.Limit.Min),
		Min:      tt.Limit.Min,
		Max:      tt.Limit.Max,
		ElemType: tt.ElemType,
	}
}

// Size returns the current count of slots.
func (t *TableInstance) Size() uint32 {
	return uint32(len(t.Table))
}

// Grow appends delta empty slots, returning the previous size, or false if that would exceed Max.
func (t *TableInstance) Grow(delta uint32) (previousSize uint32, ok bool) {
	limit := uint64(math.MaxUint32)
	if t.Max != nil {
		limit = uint64(*t.Max)
	}
	current := t.Size()
	if uint64(current)+uint64(delta) > limit {
		return 0, false
	}
	t.Table = append(t.Table, make([]*FunctionAddr, delta)...)
	return current, true
}

package wasm

import (
	"fmt"
)

const (
	// MemoryPageSize is the unit of memory length in WebAssembly,
	// and is defined as 2^16 = 65536.
	// See https://www.w3.org/TR/2019/REC-wasm-core-1-20191205/#memory-instances%E2%91%A0
	MemoryPageSize = uint32(65536)
	// MemoryMaxPages is maximum number of pages defined (2^16).
	// See https://www.w3.org/TR/2019/REC-wasm-core-1-20191205/#grow-mem
	MemoryMaxPages = uint32(65536)
	// MemoryPageSizeInBits satisfies the relation: "1 << MemoryPageSizeInBits == MemoryPageSize".
	MemoryPageSizeInBits = 16
)

// MemoryInstance represents a memory instance in a store.
//
// See https://www.w3.org/TR/2019/REC-wasm-core-1-20191205/#memory-instances%E2%91%A0.
type MemoryInstance struct {
	Buffer []byte
	Min    uint32
	// Max is the declared maximum in pages, if any.
	Max *uint32
	// limit is the page count Grow may not exceed: Max, capped by the runtime limit.
	limit uint32
}

func newMemoryInstance(mt *MemoryType, runtimeMaxPages uint32) *MemoryInstance {
	limit := MemoryMaxPages
	if mt.Max != nil && *mt.Max < limit {
		limit = *mt.Max
	}
	if runtimeMaxPages < limit {
		limit = runtimeMaxPages
	}
	return &MemoryInstance{
		Buffer: make([]byte, MemoryPagesToBytesNum(mt.Min)),
		Min:    mt.Min,
		Max:    mt.Max,
		limit:  limit,
	}
}

// HasSize returns true if the buffer holds sizeInBytes at the given offset. Arguments are 64-bit so that an address
// plus a static offset cannot overflow.
func (m *MemoryInstance) HasSize(offset uint64, sizeInBytes uint64) bool {
	return offset+sizeInBytes <= uint64(len(m.Buffer))
}

// Read returns a copy of byteCount bytes at the offset, or false if out of range.
func (m *MemoryInstance) Read(offset, byteCount uint32) ([]byte, bool) {
	if !m.HasSize(uint64(offset), uint64(byteCount)) {
		return nil, false
	}
	ret := make([]byte, byteCount)
	copy(ret, m.Buffer[offset:])
	return ret, true
}

// Write copies val to the buffer at the offset, or returns false if out of range.
func (m *MemoryInstance) Write(offset uint32, val []byte) bool {
	if !m.HasSize(uint64(offset), uint64(len(val))) {
		return false
	}
	copy(m.Buffer[offset:], val)
	return true
}

// MemoryPagesToBytesNum converts the given pages into the number of bytes contained in these pages.
func MemoryPagesToBytesNum(pages uint32) (bytesNum uint64) {
	return uint64(pages) << MemoryPageSizeInBits
}

// memoryBytesNumToPages converts the given number of bytes into the number of pages.
func memoryBytesNumToPages(bytesNum uint64) (pages uint32) {
	return uint32(bytesNum >> MemoryPageSizeInBits)
}

// Grow extends the memory buffer by "newPages" * memoryPageSize.
// The logic here is described in https://www.w3.org/TR/2019/REC-wasm-core-1-20191205/#grow-mem.
//
// Returns false, leaving the memory unchanged, if the operation would exceed the maximum memory pages.
// Otherwise, returns the prior memory size in pages.
func (m *MemoryInstance) Grow(newPages uint32) (previousPages uint32, ok bool) {
	currentPages := m.PageSize()
	if uint64(currentPages)+uint64(newPages) > uint64(m.limit) {
		return 0, false
	}
	if newPages > 0 {
		m.Buffer = append(m.Buffer, make([]byte, MemoryPagesToBytesNum(newPages))...)
	}
	return currentPages, true
}

// PageSize returns the current memory buffer size in pages.
func (m *MemoryInstance) PageSize() (result uint32) {
	return memoryBytesNumToPages(uint64(len(m.Buffer)))
}

// PagesToUnitOfBytes converts the pages to a human-readable form similar to what's specified. Ex. 1 -> "64 Ki"
func PagesToUnitOfBytes(pages uint32) string {
	k := uint64(pages) * 64
	if k < 1024 {
		return fmt.Sprintf("%d Ki", k)
	}
	m := k / 1024
	if m < 1024 {
		return fmt.Sprintf("%d Mi", m)
	}
	g := m / 1024
	if g < 1024 {
		return fmt.Sprintf("%d Gi", g)
	}
	return fmt.Sprintf("%d Ti", g/1024)
}

package metadata

import (
	"github.com/arkheap/objalloc/pool"
)

// PoolHeaderSize is the size of the header at offset 0 of free list and humongous pools.
const PoolHeaderSize = 32

// PoolHeader chains pools owned by the same allocator. Links are absolute pool base
// addresses, 0 meaning none.
type PoolHeader struct {
	words Words
	pool  *pool.Pool
}

func NewPoolHeader(words Words, p *pool.Pool) PoolHeader {
	return PoolHeader{words: words, pool: p}
}

func (h PoolHeader) Pool() *pool.Pool {
	return h.pool
}

func (h PoolHeader) Initialize(data uint64) {
	h.words.Store(h.pool, 0, 0)
	h.words.Store(h.pool, WordSize, 0)
	h.words.Store(h.pool, 2*WordSize, uint64(h.pool.Size()))
	h.words.Store(h.pool, 3*WordSize, data)
}

func (h PoolHeader) Prev() uintptr {
	return h.words.LoadAddr(h.pool, 0)
}

func (h PoolHeader) SetPrev(addr uintptr) {
	h.words.StoreAddr(h.pool, 0, addr)
}

func (h PoolHeader) Next() uintptr {
	return h.words.LoadAddr(h.pool, WordSize)
}

func (h PoolHeader) SetNext(addr uintptr) {
	h.words.StoreAddr(h.pool, WordSize, addr)
}

func (h PoolHeader) PoolSize() int {
	return int(h.words.Load(h.pool, 2*WordSize))
}

func (h PoolHeader) data() uint64 {
	return h.words.Load(h.pool, 3*WordSize)
}

func (h PoolHeader) setData(value uint64) {
	h.words.Store(h.pool, 3*WordSize, value)
}

// FreeListPoolHeader heads a free list pool. Its last word is the offset of the first block.
type FreeListPoolHeader struct {
	PoolHeader
}

func NewFreeListPoolHeader(words Words, p *pool.Pool) FreeListPoolHeader {
	return FreeListPoolHeader{PoolHeader: NewPoolHeader(words, p)}
}

func (h FreeListPoolHeader) FirstBlockOffset() int {
	return int(h.data())
}

func (h FreeListPoolHeader) FirstBlock() MemoryBlockHeader {
	return NewMemoryBlockHeader(h.words, h.pool, h.FirstBlockOffset())
}

// HumongousPoolHeader heads a pool holding at most one humongous object. Its last word is
// the address of that object, 0 while the pool is empty.
type HumongousPoolHeader struct {
	PoolHeader
}

func NewHumongousPoolHeader(words Words, p *pool.Pool) HumongousPoolHeader {
	return HumongousPoolHeader{PoolHeader: NewPoolHeader(words, p)}
}

func (h HumongousPoolHeader) ObjectAddr() uintptr {
	return uintptr(h.data())
}

func (h HumongousPoolHeader) SetObjectAddr(addr uintptr) {
	h.setData(uint64(addr))
}

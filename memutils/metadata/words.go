package metadata

import (
	"encoding/binary"

	"github.com/arkheap/objalloc/memutils/poison"
	"github.com/arkheap/objalloc/pool"
)

// WordSize is the size of every metadata field stored in pool memory.
const WordSize = 8

// Words reads and writes little-endian metadata words that live inside pool memory. Each
// access unpoisons the word, touches it and poisons it again.
type Words struct {
	Instr poison.Instrumentation
}

func NewWords(instr poison.Instrumentation) Words {
	if instr == nil {
		instr = poison.Noop{}
	}
	return Words{Instr: instr}
}

func (w Words) Load(p *pool.Pool, offset int) uint64 {
	w.Instr.Unpoison(p, offset, WordSize)
	value := binary.LittleEndian.Uint64(p.Bytes(offset, WordSize))
	w.Instr.Poison(p, offset, WordSize)
	return value
}

func (w Words) Store(p *pool.Pool, offset int, value uint64) {
	w.Instr.Unpoison(p, offset, WordSize)
	binary.LittleEndian.PutUint64(p.Bytes(offset, WordSize), value)
	w.Instr.Poison(p, offset, WordSize)
}

func (w Words) LoadAddr(p *pool.Pool, offset int) uintptr {
	return uintptr(w.Load(p, offset))
}

func (w Words) StoreAddr(p *pool.Pool, offset int, addr uintptr) {
	w.Store(p, offset, uint64(addr))
}

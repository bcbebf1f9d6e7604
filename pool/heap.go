package pool

import (
	"math"
	"sync/atomic"

	"github.com/arkheap/objalloc/memutils"
	"github.com/cockroachdb/errors"
)

// HeapProvider maps pools out of the Go heap. The Go collector never moves heap objects, so
// addresses stay stable while the pool is reachable.
type HeapProvider struct {
	mappedPools atomic.Int64
	mappedBytes atomic.Int64
}

var _ Provider = &HeapProvider{}

func NewHeapProvider() *HeapProvider {
	return &HeapProvider{}
}

// MaxHeapPoolSize bounds a single heap-backed pool, alignment slack included.
const MaxHeapPoolSize = math.MaxInt >> 1

func (h *HeapProvider) MapPool(size int, alignment uint) (*Pool, error) {
	if size <= 0 {
		return nil, errors.Newf("pool size must be positive, got %d", size)
	}
	if alignment == 0 {
		alignment = PageSize
	}
	err := memutils.CheckPow2(alignment, "alignment")
	if err != nil {
		return nil, err
	}
	if alignment > MaxHeapPoolSize || size > MaxHeapPoolSize-int(alignment) {
		return nil, errors.Newf("a %d byte pool aligned to %d exceeds the heap pool limit of %d", size, alignment, MaxHeapPoolSize)
	}

	raw, err := makePoolMemory(size + int(alignment))
	if err != nil {
		return nil, err
	}
	head := int(memutils.AlignUpAddr(addressOf(raw), alignment) - addressOf(raw))

	h.mappedPools.Add(1)
	h.mappedBytes.Add(int64(size))
	return newPool(raw, raw[head:head+size:head+size]), nil
}

// makePoolMemory turns the runtime's refusal of an impossible length into an error.
func makePoolMemory(length int) (raw []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Newf("cannot allocate %d bytes: %v", length, r)
		}
	}()

	return make([]byte, length), nil
}

func (h *HeapProvider) UnmapPool(p *Pool) error {
	if p.raw == nil {
		return errors.New("pool was already unmapped")
	}

	h.mappedPools.Add(-1)
	h.mappedBytes.Add(-int64(p.Size()))
	p.raw = nil
	p.mem = nil
	return nil
}

func (h *HeapProvider) ReleasePages(p *Pool, offset, size int) error {
	if offset < 0 || size < 0 || offset+size > p.Size() {
		return errors.Newf("page range [%d, %d) is outside a pool of %d bytes", offset, offset+size, p.Size())
	}

	clear(p.Bytes(offset, size))
	return nil
}

// MappedPools returns how many pools are currently mapped.
func (h *HeapProvider) MappedPools() int {
	return int(h.mappedPools.Load())
}

// MappedBytes returns the bytes of all currently mapped pools.
func (h *HeapProvider) MappedBytes() int {
	return int(h.mappedBytes.Load())
}

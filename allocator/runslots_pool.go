package allocator

import (
	"github.com/arkheap/objalloc/internal/utils"
	"github.com/arkheap/objalloc/memutils/metadata"
	"github.com/arkheap/objalloc/pool"
	"github.com/dolthub/swiss"
	"github.com/pkg/errors"
	"golang.org/x/exp/slices"
)

// runSlotsPool is the bookkeeping for a pool that is carved into RunSlots pages. Pages below
// freePtr have been handed out at least once; those that came back are marked in
// freedPages.
type runSlotsPool struct {
	pool       *pool.Pool
	freePtr    int
	freedPages []uint64
	freedCount int
	occupied   int
}

func newRunSlotsPool(p *pool.Pool) *runSlotsPool {
	pages := p.Size() / metadata.RunSlotsSize
	return &runSlotsPool{
		pool:       p,
		freedPages: make([]uint64, (pages+63)/64),
	}
}

func (p *runSlotsPool) hasFreePage() bool {
	return p.freedCount > 0 || p.freePtr+metadata.RunSlotsSize <= p.pool.Size()
}

func (p *runSlotsPool) isFree() bool {
	return p.occupied == 0
}

func (p *runSlotsPool) isPageFreed(page int) bool {
	return p.freedPages[page/64]&(1<<(page%64)) != 0
}

// isPageInUse reports whether the page at offset currently hosts a RunSlots.
func (p *runSlotsPool) isPageInUse(offset int) bool {
	return offset < p.freePtr && !p.isPageFreed(offset/metadata.RunSlotsSize)
}

func (p *runSlotsPool) takePage() int {
	p.occupied++

	if p.freedCount > 0 {
		for word, bitsSet := range p.freedPages {
			if bitsSet == 0 {
				continue
			}
			for bit := 0; bit < 64; bit++ {
				if bitsSet&(1<<bit) != 0 {
					p.freedPages[word] &^= 1 << bit
					p.freedCount--
					return (word*64 + bit) * metadata.RunSlotsSize
				}
			}
		}
	}

	offset := p.freePtr
	p.freePtr += metadata.RunSlotsSize
	return offset
}

func (p *runSlotsPool) returnPage(offset int) {
	page := offset / metadata.RunSlotsSize
	if !p.isPageInUse(offset) {
		panic(errors.Errorf("page at offset %d of pool %#x is not in use", offset, p.pool.Base()))
	}

	p.freedPages[page/64] |= 1 << (page % 64)
	p.freedCount++
	p.occupied--
}

// visitPagesInUse calls visitor with the offset of every page hosting a RunSlots.
func (p *runSlotsPool) visitPagesInUse(visitor func(offset int) bool) bool {
	for offset := 0; offset < p.freePtr; offset += metadata.RunSlotsSize {
		if p.isPageFreed(offset / metadata.RunSlotsSize) {
			continue
		}
		if !visitor(offset) {
			return false
		}
	}
	return true
}

// runSlotsPoolManager hands RunSlots pages out of its pools. Pools sit in one of three
// buckets: occupied pools have no page left, free pools have no page handed out and partially
// occupied pools are everything in between. Pages are taken from partially occupied pools
// first so that free pools stay free and can be given back.
type runSlotsPoolManager struct {
	mutex    utils.OptionalMutex
	byBase   *swiss.Map[uintptr, *runSlotsPool]
	occupied []*runSlotsPool
	partial  []*runSlotsPool
	free     []*runSlotsPool
}

func newRunSlotsPoolManager(useMutex bool) *runSlotsPoolManager {
	return &runSlotsPoolManager{
		mutex:  utils.OptionalMutex{UseMutex: useMutex},
		byBase: swiss.NewMap[uintptr, *runSlotsPool](8),
	}
}

func (m *runSlotsPoolManager) bucketFor(p *runSlotsPool) *[]*runSlotsPool {
	switch {
	case p.isFree():
		return &m.free
	case p.hasFreePage():
		return &m.partial
	default:
		return &m.occupied
	}
}

func removeFromBucket(bucket *[]*runSlotsPool, p *runSlotsPool) bool {
	index := slices.Index(*bucket, p)
	if index < 0 {
		return false
	}
	*bucket = slices.Delete(*bucket, index, index+1)
	return true
}

// rebucket moves p to the bucket its state calls for. from is the bucket it is in now.
func (m *runSlotsPoolManager) rebucket(p *runSlotsPool, from *[]*runSlotsPool) {
	to := m.bucketFor(p)
	if to == from {
		return
	}
	removeFromBucket(from, p)
	*to = append(*to, p)
}

func (m *runSlotsPoolManager) addPool(p *pool.Pool) *runSlotsPool {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	rsPool := newRunSlotsPool(p)
	m.byBase.Put(p.Base(), rsPool)
	m.free = append(m.free, rsPool)
	return rsPool
}

// takePage returns a page for a new RunSlots, or false when every pool is occupied.
func (m *runSlotsPoolManager) takePage() (*pool.Pool, int, bool) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	from := &m.partial
	if len(m.partial) == 0 {
		from = &m.free
	}
	if len(*from) == 0 {
		return nil, 0, false
	}

	rsPool := (*from)[0]
	offset := rsPool.takePage()
	m.rebucket(rsPool, from)
	return rsPool.pool, offset, true
}

func (m *runSlotsPoolManager) returnPage(p *pool.Pool, offset int) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	rsPool, ok := m.byBase.Get(p.Base())
	if !ok {
		panic(errors.Errorf("pool %#x is not managed by this run slots allocator", p.Base()))
	}

	from := m.bucketFor(rsPool)
	rsPool.returnPage(offset)
	m.rebucket(rsPool, from)
}

func (m *runSlotsPoolManager) isPageInUse(p *pool.Pool, offset int) bool {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	rsPool, ok := m.byBase.Get(p.Base())
	return ok && rsPool.isPageInUse(offset)
}

func (m *runSlotsPoolManager) removeFreePools() []*pool.Pool {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	pools := make([]*pool.Pool, 0, len(m.free))
	for _, rsPool := range m.free {
		m.byBase.Delete(rsPool.pool.Base())
		pools = append(pools, rsPool.pool)
	}
	m.free = nil
	return pools
}

func (m *runSlotsPoolManager) removeAllPools() []*pool.Pool {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	var pools []*pool.Pool
	for _, bucket := range [][]*runSlotsPool{m.occupied, m.partial, m.free} {
		for _, rsPool := range bucket {
			pools = append(pools, rsPool.pool)
		}
	}

	m.byBase = swiss.NewMap[uintptr, *runSlotsPool](8)
	m.occupied = nil
	m.partial = nil
	m.free = nil
	return pools
}

// visitPools calls visitor for every pool in address-independent but stable bucket order.
func (m *runSlotsPoolManager) visitPools(visitor func(rsPool *runSlotsPool) bool) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	for _, bucket := range [][]*runSlotsPool{m.occupied, m.partial, m.free} {
		for _, rsPool := range bucket {
			if !visitor(rsPool) {
				return
			}
		}
	}
}

func (m *runSlotsPoolManager) poolCount() int {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	return m.byBase.Count()
}

func (m *runSlotsPoolManager) Validate() error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	count := 0
	for _, bucket := range []*[]*runSlotsPool{&m.occupied, &m.partial, &m.free} {
		for _, rsPool := range *bucket {
			count++
			if m.bucketFor(rsPool) != bucket {
				return errors.Errorf("pool %#x is in the wrong bucket", rsPool.pool.Base())
			}

			inUse := 0
			rsPool.visitPagesInUse(func(offset int) bool {
				inUse++
				return true
			})
			if inUse != rsPool.occupied {
				return errors.Errorf("pool %#x counts %d occupied pages but has %d", rsPool.pool.Base(), rsPool.occupied, inUse)
			}
		}
	}

	if count != m.byBase.Count() {
		return errors.Errorf("run slots pool manager has %d pools in buckets but %d registered", count, m.byBase.Count())
	}
	return nil
}

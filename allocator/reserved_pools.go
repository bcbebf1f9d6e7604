package allocator

import (
	"github.com/arkheap/objalloc/pool"
	"github.com/pkg/errors"
	"golang.org/x/exp/slices"
)

// reservedPools caches emptied humongous pools, smallest first, so that a later humongous
// allocation can skip the provider.
type reservedPools struct {
	maxCount int
	maxSize  int
	pools    []*pool.Pool
}

// TryToInsert offers an emptied pool to the cache. Pools above the size ceiling are
// rejected. When the cache is full the pool only gets in if it is larger than the smallest
// cached pool, which is evicted and returned.
func (r *reservedPools) TryToInsert(p *pool.Pool) (accepted bool, evicted *pool.Pool) {
	if p.Size() > r.maxSize || r.maxCount == 0 {
		return false, nil
	}

	if len(r.pools) >= r.maxCount {
		if p.Size() <= r.pools[0].Size() {
			return false, nil
		}
		evicted = r.pools[0]
		r.pools = slices.Delete(r.pools, 0, 1)
	}

	index := slices.IndexFunc(r.pools, func(other *pool.Pool) bool {
		return other.Size() > p.Size()
	})
	if index < 0 {
		index = len(r.pools)
	}
	r.pools = slices.Insert(r.pools, index, p)
	return true, evicted
}

// Take removes and returns the smallest cached pool that fits, or nil.
func (r *reservedPools) Take(fits func(p *pool.Pool) bool) *pool.Pool {
	index := slices.IndexFunc(r.pools, fits)
	if index < 0 {
		return nil
	}

	p := r.pools[index]
	r.pools = slices.Delete(r.pools, index, index+1)
	return p
}

func (r *reservedPools) Len() int {
	return len(r.pools)
}

// Drain empties the cache and returns what it held.
func (r *reservedPools) Drain() []*pool.Pool {
	pools := r.pools
	r.pools = nil
	return pools
}

func (r *reservedPools) Validate() error {
	if len(r.pools) > r.maxCount {
		return errors.Errorf("reserved pool cache holds %d pools, more than its limit of %d", len(r.pools), r.maxCount)
	}
	for i, p := range r.pools {
		if p.Size() > r.maxSize {
			return errors.Errorf("reserved pool %#x of %d bytes is above the limit of %d", p.Base(), p.Size(), r.maxSize)
		}
		if i > 0 && r.pools[i-1].Size() > p.Size() {
			return errors.Errorf("reserved pools are not sorted at index %d", i)
		}
	}
	return nil
}

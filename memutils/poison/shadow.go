package poison

import (
	"math/bits"
	"sync"

	"github.com/arkheap/objalloc/pool"
	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
)

// GranuleSize is the resolution of the shadow: one bit covers this many pool bytes.
// Metadata is laid out in whole words, so nothing finer is needed.
const GranuleSize = 8

// ErrPoisonedAccess is returned by CheckAccess when the range overlaps poisoned memory.
var ErrPoisonedAccess = errors.New("access to poisoned memory")

type shadowPool struct {
	size int
	bits []uint64
}

// Shadow keeps a poison bitmap per pool, outside of pool memory. Pools it has never seen are
// fully accessible.
type Shadow struct {
	mutex sync.Mutex
	pools *swiss.Map[uintptr, *shadowPool]
}

var _ Instrumentation = &Shadow{}

func NewShadow() *Shadow {
	return &Shadow{
		pools: swiss.NewMap[uintptr, *shadowPool](8),
	}
}

func (s *Shadow) shadowFor(p *pool.Pool) *shadowPool {
	shadow, ok := s.pools.Get(p.Base())
	if !ok || shadow.size != p.Size() {
		granules := (p.Size() + GranuleSize - 1) / GranuleSize
		shadow = &shadowPool{
			size: p.Size(),
			bits: make([]uint64, (granules+63)/64),
		}
		s.pools.Put(p.Base(), shadow)
	}
	return shadow
}

func granuleRange(offset, size int) (int, int) {
	return offset / GranuleSize, (offset + size + GranuleSize - 1) / GranuleSize
}

func (s *Shadow) Poison(p *pool.Pool, offset, size int) {
	if size <= 0 {
		return
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	shadow := s.shadowFor(p)
	first, last := granuleRange(offset, size)
	for granule := first; granule < last; granule++ {
		shadow.bits[granule/64] |= 1 << (granule % 64)
	}
}

func (s *Shadow) Unpoison(p *pool.Pool, offset, size int) {
	if size <= 0 {
		return
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	shadow, ok := s.pools.Get(p.Base())
	if !ok {
		return
	}

	first, last := granuleRange(offset, size)
	for granule := first; granule < last; granule++ {
		shadow.bits[granule/64] &^= 1 << (granule % 64)
	}
}

func (s *Shadow) CheckAccess(p *pool.Pool, offset, size int) error {
	if offset < 0 || size < 0 || offset+size > p.Size() {
		return errors.Newf("range [%d, %d) is outside a pool of %d bytes", offset, offset+size, p.Size())
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	shadow, ok := s.pools.Get(p.Base())
	if !ok || size == 0 {
		return nil
	}

	first, last := granuleRange(offset, size)
	for granule := first; granule < last; granule++ {
		if shadow.bits[granule/64]&(1<<(granule%64)) != 0 {
			return errors.Wrapf(ErrPoisonedAccess, "byte %d of pool %#x", granule*GranuleSize, p.Base())
		}
	}
	return nil
}

// IsPoisoned reports whether every byte of the range is poisoned.
func (s *Shadow) IsPoisoned(p *pool.Pool, offset, size int) bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	shadow, ok := s.pools.Get(p.Base())
	if !ok {
		return false
	}

	first, last := granuleRange(offset, size)
	for granule := first; granule < last; granule++ {
		if shadow.bits[granule/64]&(1<<(granule%64)) == 0 {
			return false
		}
	}
	return true
}

// PoisonedBytes returns how many bytes of the pool are currently poisoned.
func (s *Shadow) PoisonedBytes(p *pool.Pool) int {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	shadow, ok := s.pools.Get(p.Base())
	if !ok {
		return 0
	}

	var count int
	for _, word := range shadow.bits {
		count += bits.OnesCount64(word)
	}
	return count * GranuleSize
}

func (s *Shadow) Forget(p *pool.Pool) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.pools.Delete(p.Base())
}

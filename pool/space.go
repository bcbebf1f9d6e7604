package pool

import (
	"github.com/arkheap/objalloc/internal/utils"
	"github.com/arkheap/objalloc/memutils"
	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
)

// AllocatorType names the allocator that owns a pool.
type AllocatorType uint8

const (
	AllocatorUndefined AllocatorType = iota
	AllocatorRunSlots
	AllocatorFreeList
	AllocatorHumongous
)

var allocatorTypeMapping = make(map[AllocatorType]string)

func (t AllocatorType) String() string {
	return allocatorTypeMapping[t]
}

func init() {
	allocatorTypeMapping[AllocatorUndefined] = "AllocatorUndefined"
	allocatorTypeMapping[AllocatorRunSlots] = "AllocatorRunSlots"
	allocatorTypeMapping[AllocatorFreeList] = "AllocatorFreeList"
	allocatorTypeMapping[AllocatorHumongous] = "AllocatorHumongous"
}

// SpaceEntry is what the Space knows about the pool covering an address.
type SpaceEntry struct {
	Pool  *Pool
	Type  AllocatorType
	Owner any
}

// Space maps addresses back to the pool, and the allocator, that they belong to. The address
// range is cut into granules of a fixed power-of-two size and every granule a registered
// pool covers points at that pool's entry, so a lookup is a single hash probe.
//
// Registered pools must start on a granule boundary.
type Space struct {
	mutex        utils.OptionalRWMutex
	granuleShift int
	granules     *swiss.Map[uintptr, *SpaceEntry]
	pools        *swiss.Map[uintptr, *SpaceEntry]
}

func NewSpace(granule uint, synchronized bool) (*Space, error) {
	err := memutils.CheckPow2(granule, "granule")
	if err != nil {
		return nil, err
	}

	return &Space{
		mutex:        utils.OptionalRWMutex{UseMutex: synchronized},
		granuleShift: memutils.Log2(int(granule)),
		granules:     swiss.NewMap[uintptr, *SpaceEntry](64),
		pools:        swiss.NewMap[uintptr, *SpaceEntry](8),
	}, nil
}

func (s *Space) Granule() uint {
	return 1 << s.granuleShift
}

func (s *Space) Register(p *Pool, allocatorType AllocatorType, owner any) error {
	if p.Base()&(uintptr(1)<<s.granuleShift-1) != 0 {
		return errors.Wrapf(memutils.MisalignedError, "pool at %#x does not start on a %d-byte granule", p.Base(), s.Granule())
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.pools.Has(p.Base()) {
		return errors.Newf("pool at %#x is already registered", p.Base())
	}

	first := p.Base() >> s.granuleShift
	last := (p.End() - 1) >> s.granuleShift
	for granule := first; granule <= last; granule++ {
		if s.granules.Has(granule) {
			return errors.Newf("pool at %#x overlaps a registered pool", p.Base())
		}
	}

	entry := &SpaceEntry{Pool: p, Type: allocatorType, Owner: owner}
	for granule := first; granule <= last; granule++ {
		s.granules.Put(granule, entry)
	}
	s.pools.Put(p.Base(), entry)
	return nil
}

func (s *Space) Unregister(p *Pool) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if !s.pools.Delete(p.Base()) {
		return
	}

	first := p.Base() >> s.granuleShift
	last := (p.End() - 1) >> s.granuleShift
	for granule := first; granule <= last; granule++ {
		s.granules.Delete(granule)
	}
}

// Lookup finds the entry of the pool containing addr.
func (s *Space) Lookup(addr uintptr) (SpaceEntry, bool) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	entry, ok := s.granules.Get(addr >> s.granuleShift)
	if !ok || !entry.Pool.Contains(addr) {
		return SpaceEntry{}, false
	}
	return *entry, true
}

// PoolOf returns the pool containing addr, or nil.
func (s *Space) PoolOf(addr uintptr) *Pool {
	entry, ok := s.Lookup(addr)
	if !ok {
		return nil
	}
	return entry.Pool
}

// MustPoolOf is PoolOf for addresses that are known to be registered.
func (s *Space) MustPoolOf(addr uintptr) *Pool {
	p := s.PoolOf(addr)
	if p == nil {
		panic(errors.Newf("address %#x does not belong to any registered pool", addr))
	}
	return p
}

func (s *Space) PoolCount() int {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	return s.pools.Count()
}

// VisitPools calls visitor for every registered pool of the given type. AllocatorUndefined
// matches every pool.
func (s *Space) VisitPools(allocatorType AllocatorType, visitor func(entry SpaceEntry) bool) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	s.pools.Iter(func(_ uintptr, entry *SpaceEntry) bool {
		if allocatorType != AllocatorUndefined && entry.Type != allocatorType {
			return false
		}
		return !visitor(*entry)
	})
}

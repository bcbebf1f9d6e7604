package allocator

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/arkheap/objalloc/internal/utils"
	"github.com/arkheap/objalloc/memutils"
	"github.com/arkheap/objalloc/memutils/metadata"
	"github.com/arkheap/objalloc/pool"
	"github.com/cockroachdb/errors"
)

// HumongousOptions configures a HumongousAllocator.
type HumongousOptions struct {
	// PoolAlign is the alignment and size granularity of humongous pools.
	PoolAlign uint
	// ReservedPoolsMaxCount bounds the number of emptied pools kept for reuse.
	ReservedPoolsMaxCount int
	// ReservedPoolMaxSize is the largest pool that may be kept for reuse.
	ReservedPoolMaxSize int
}

// HumongousAllocator gives every object its own pool. Emptied pools either go into a small
// reservation cache or back to the free pool list, from where the dispatcher unmaps them.
type HumongousAllocator struct {
	config  Config
	words   metadata.Words
	options HumongousOptions

	mutex        utils.OptionalMutex
	occupiedHead uintptr
	freeHead     uintptr
	reserved     reservedPools
	poolCount    int
}

var _ objectAllocator = &HumongousAllocator{}

func NewHumongousAllocator(config Config, options HumongousOptions) (*HumongousAllocator, error) {
	err := config.fill()
	if err != nil {
		return nil, err
	}

	if options.PoolAlign == 0 {
		options.PoolAlign = pool.PageSize
	}
	err = memutils.CheckPow2(options.PoolAlign, "HumongousOptions.PoolAlign")
	if err != nil {
		return nil, err
	}
	if options.ReservedPoolsMaxCount < 0 || options.ReservedPoolMaxSize < 0 {
		return nil, errors.New("reserved pool limits cannot be negative")
	}

	return &HumongousAllocator{
		config:  config,
		words:   config.words(),
		options: options,
		mutex:   utils.OptionalMutex{UseMutex: config.Synchronized},
		reserved: reservedPools{
			maxCount: options.ReservedPoolsMaxCount,
			maxSize:  options.ReservedPoolMaxSize,
		},
	}, nil
}

func (a *HumongousAllocator) MaxSize() int {
	return HumongousObjAllocatorMaxSize
}

func (a *HumongousAllocator) MinPoolSize() int {
	return int(a.options.PoolAlign)
}

func (a *HumongousAllocator) PoolAlign() uint {
	return a.options.PoolAlign
}

// PoolSizeFor is the size of a pool that fits an object of size bytes aligned to align,
// header included.
func (a *HumongousAllocator) PoolSizeFor(size int, align uint) int {
	if align < metadata.BlockAlignment {
		align = metadata.BlockAlignment
	}
	return memutils.AlignUp(size+memutils.AlignUp(metadata.PoolHeaderSize, align), a.options.PoolAlign)
}

func (a *HumongousAllocator) poolHeader(addr uintptr) metadata.HumongousPoolHeader {
	return metadata.NewHumongousPoolHeader(a.words, a.config.Space.MustPoolOf(addr))
}

func objectAddr(p *pool.Pool, align uint) uintptr {
	return memutils.AlignUpAddr(p.Base()+metadata.PoolHeaderSize, align)
}

func (a *HumongousAllocator) pushPool(head *uintptr, header metadata.HumongousPoolHeader) {
	header.SetPrev(0)
	header.SetNext(*head)
	if *head != 0 {
		a.poolHeader(*head).SetPrev(header.Pool().Base())
	}
	*head = header.Pool().Base()
}

func (a *HumongousAllocator) unlinkPool(head *uintptr, header metadata.HumongousPoolHeader) {
	prev := header.Prev()
	next := header.Next()

	if prev == 0 {
		*head = next
	} else {
		a.poolHeader(prev).SetNext(next)
	}
	if next != 0 {
		a.poolHeader(next).SetPrev(prev)
	}

	header.SetPrev(0)
	header.SetNext(0)
}

// Alloc places an object of size bytes in a reserved or free pool that fits it, and returns
// 0 when there is none.
func (a *HumongousAllocator) Alloc(size int, align uint) uintptr {
	memutils.DebugCheckPow2(align, "align")
	if align < metadata.BlockAlignment {
		align = metadata.BlockAlignment
	}
	if size > a.MaxSize() {
		return 0
	}

	fits := func(p *pool.Pool) bool {
		addr := objectAddr(p, align)
		return addr <= p.End() && uintptr(size) <= p.End()-addr
	}

	a.mutex.Lock()

	p := a.reserved.Take(fits)
	fromReserve := p != nil
	if p == nil {
		for addr := a.freeHead; addr != 0; {
			header := a.poolHeader(addr)
			if fits(header.Pool()) {
				a.unlinkPool(&a.freeHead, header)
				p = header.Pool()
				break
			}
			addr = header.Next()
		}
	}
	if p == nil {
		a.mutex.Unlock()
		return 0
	}

	header := metadata.NewHumongousPoolHeader(a.words, p)
	addr := objectAddr(p, align)
	header.Initialize(uint64(addr))
	a.pushPool(&a.occupiedHead, header)
	memutils.DebugValidate(&a.reserved)
	a.mutex.Unlock()

	if p.Size() > a.PoolSizeFor(size, align) {
		a.ReleaseUnusedPagesOnAlloc(p, addr, size)
	}
	a.config.Instrumentation.Unpoison(p, p.Offset(addr), size)

	if fromReserve {
		a.config.Logger.LogAttrs(context.Background(), slog.LevelDebug, "humongous object placed in reserved pool",
			addrAttr("base", p.Base()),
			slog.Int("poolSize", p.Size()),
			slog.Int("size", size),
		)
	}
	return addr
}

// ReleaseUnusedPagesOnAlloc gives back the pages of an oversized pool p past the object at
// addr.
func (a *HumongousAllocator) ReleaseUnusedPagesOnAlloc(p *pool.Pool, addr uintptr, size int) {
	footprint := memutils.AlignUp(p.Offset(addr)+size, pool.PageSize)
	if footprint < p.Size() {
		a.config.releasePages(p, footprint, p.Size()-footprint)
	}
}

// Free empties the pool holding addr and offers it to the reservation cache. Pools the
// cache turns down, and pools it evicts, move to the free pool list.
func (a *HumongousAllocator) Free(addr uintptr) {
	p := a.config.Space.MustPoolOf(addr)
	header := metadata.NewHumongousPoolHeader(a.words, p)

	a.mutex.Lock()
	defer a.mutex.Unlock()

	if header.ObjectAddr() != addr {
		panic(fmt.Sprintf("address %#x is not a live humongous object", addr))
	}

	a.config.Instrumentation.Poison(p, p.Offset(addr), int(p.End()-addr))
	header.SetObjectAddr(0)
	a.unlinkPool(&a.occupiedHead, header)

	accepted, evicted := a.reserved.TryToInsert(p)
	if !accepted {
		a.pushPool(&a.freeHead, header)
	}
	if evicted != nil {
		a.pushPool(&a.freeHead, metadata.NewHumongousPoolHeader(a.words, evicted))
	}
	memutils.DebugValidate(&a.reserved)

	a.config.Logger.LogAttrs(context.Background(), slog.LevelDebug, "humongous pool emptied",
		addrAttr("base", p.Base()),
		slog.Int("size", p.Size()),
		slog.Bool("reserved", accepted),
	)
}

func (a *HumongousAllocator) adoptPool(p *pool.Pool) error {
	if p.Base()%uintptr(a.options.PoolAlign) != 0 {
		return errors.Wrapf(memutils.MisalignedError, "humongous pool at %#x is not aligned to %d", p.Base(), a.options.PoolAlign)
	}
	if p.Size() <= metadata.PoolHeaderSize {
		return errors.Newf("humongous pool size %d cannot hold an object", p.Size())
	}

	err := a.config.Space.Register(p, pool.AllocatorHumongous, a)
	if err != nil {
		return err
	}
	a.config.Instrumentation.Poison(p, 0, p.Size())

	a.config.Logger.LogAttrs(context.Background(), slog.LevelDebug, "humongous pool added",
		addrAttr("base", p.Base()),
		slog.Int("size", p.Size()),
	)
	return nil
}

// AddMemoryPool puts an empty pool on the free pool list.
func (a *HumongousAllocator) AddMemoryPool(p *pool.Pool) error {
	err := a.adoptPool(p)
	if err != nil {
		return err
	}

	header := metadata.NewHumongousPoolHeader(a.words, p)
	header.Initialize(0)

	a.mutex.Lock()
	a.pushPool(&a.freeHead, header)
	a.poolCount++
	a.mutex.Unlock()
	return nil
}

// AllocInPool adopts a freshly mapped pool and places an object of size bytes in it
// directly, so that the pool is never visible on the free pool list.
func (a *HumongousAllocator) AllocInPool(p *pool.Pool, size int, align uint) (uintptr, error) {
	if align < metadata.BlockAlignment {
		align = metadata.BlockAlignment
	}
	addr := objectAddr(p, align)
	if addr+uintptr(size) > p.End() {
		return 0, errors.Newf("%d bytes aligned to %d do not fit a %d byte pool", size, align, p.Size())
	}

	err := a.adoptPool(p)
	if err != nil {
		return 0, err
	}

	header := metadata.NewHumongousPoolHeader(a.words, p)
	header.Initialize(uint64(addr))

	a.mutex.Lock()
	a.pushPool(&a.occupiedHead, header)
	a.poolCount++
	a.mutex.Unlock()

	a.config.Instrumentation.Unpoison(p, p.Offset(addr), size)
	return addr, nil
}

func (a *HumongousAllocator) releasePool(p *pool.Pool, visitor pool.Visitor) {
	a.config.Space.Unregister(p)
	a.config.Instrumentation.Forget(p)

	a.config.Logger.LogAttrs(context.Background(), slog.LevelDebug, "humongous pool removed",
		addrAttr("base", p.Base()),
		slog.Int("size", p.Size()),
	)
	visitor(p)
}

func (a *HumongousAllocator) drainList(head *uintptr) []*pool.Pool {
	var pools []*pool.Pool
	for addr := *head; addr != 0; {
		header := a.poolHeader(addr)
		addr = header.Next()
		pools = append(pools, header.Pool())
	}
	*head = 0
	return pools
}

// VisitAndRemoveFreePools gives up every pool on the free pool list. Reserved pools stay.
func (a *HumongousAllocator) VisitAndRemoveFreePools(visitor pool.Visitor) {
	a.mutex.Lock()
	pools := a.drainList(&a.freeHead)
	a.poolCount -= len(pools)
	a.mutex.Unlock()

	for _, p := range pools {
		a.releasePool(p, visitor)
	}
}

// VisitAndRemoveReservedPools empties the reservation cache.
func (a *HumongousAllocator) VisitAndRemoveReservedPools(visitor pool.Visitor) {
	a.mutex.Lock()
	pools := a.reserved.Drain()
	a.poolCount -= len(pools)
	a.mutex.Unlock()

	for _, p := range pools {
		a.releasePool(p, visitor)
	}
}

// VisitAndRemoveAllPools gives up every pool, live objects included.
func (a *HumongousAllocator) VisitAndRemoveAllPools(visitor pool.Visitor) {
	a.mutex.Lock()
	pools := a.drainList(&a.occupiedHead)
	pools = append(pools, a.drainList(&a.freeHead)...)
	pools = append(pools, a.reserved.Drain()...)
	a.poolCount = 0
	a.mutex.Unlock()

	for _, p := range pools {
		a.releasePool(p, visitor)
	}
}

func (a *HumongousAllocator) visitOccupied(visitor func(header metadata.HumongousPoolHeader)) {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	for addr := a.occupiedHead; addr != 0; {
		header := a.poolHeader(addr)
		addr = header.Next()
		visitor(header)
	}
}

// IterateOverObjects calls visitor with every live object.
func (a *HumongousAllocator) IterateOverObjects(visitor func(addr uintptr)) {
	a.visitOccupied(func(header metadata.HumongousPoolHeader) {
		visitor(header.ObjectAddr())
	})
}

// IterateOverObjectsInRange calls visitor with every live object whose address lies in
// [left, right).
func (a *HumongousAllocator) IterateOverObjectsInRange(visitor func(addr uintptr), left, right uintptr) {
	a.visitOccupied(func(header metadata.HumongousPoolHeader) {
		if addr := header.ObjectAddr(); addr >= left && addr < right {
			visitor(addr)
		}
	})
}

// Collect frees every live object for which isDead returns true, and returns how many it
// freed.
func (a *HumongousAllocator) Collect(isDead func(addr uintptr) bool) int {
	return collectDead(a.IterateOverObjects, isDead, a.Free)
}

// ContainObject reports whether addr lies in one of this allocator's pools.
func (a *HumongousAllocator) ContainObject(addr uintptr) bool {
	entry, ok := a.config.Space.Lookup(addr)
	return ok && entry.Owner == any(a)
}

func (a *HumongousAllocator) IsLive(addr uintptr) bool {
	if !a.ContainObject(addr) {
		return false
	}

	a.mutex.Lock()
	defer a.mutex.Unlock()

	return a.poolHeader(addr).ObjectAddr() == addr
}

func (a *HumongousAllocator) PoolCount() int {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	return a.poolCount
}

func (a *HumongousAllocator) ReservedPoolCount() int {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	return a.reserved.Len()
}

func (a *HumongousAllocator) visitIdle(visitor func(p *pool.Pool)) {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	for addr := a.freeHead; addr != 0; {
		header := a.poolHeader(addr)
		addr = header.Next()
		visitor(header.Pool())
	}
	for _, p := range a.reserved.pools {
		visitor(p)
	}
}

func (a *HumongousAllocator) AddStatistics(stats *memutils.Statistics) {
	a.visitOccupied(func(header metadata.HumongousPoolHeader) {
		p := header.Pool()
		stats.PoolCount++
		stats.PoolBytes += p.Size()
		stats.ObjectCount++
		stats.ObjectBytes += int(p.End() - header.ObjectAddr())
	})
	a.visitIdle(func(p *pool.Pool) {
		stats.PoolCount++
		stats.PoolBytes += p.Size()
	})
}

func (a *HumongousAllocator) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	a.visitOccupied(func(header metadata.HumongousPoolHeader) {
		p := header.Pool()
		stats.AddPool(p.Size())
		stats.AddObject(int(p.End() - header.ObjectAddr()))
	})
	a.visitIdle(func(p *pool.Pool) {
		stats.AddPool(p.Size())
		stats.AddFreeRange(p.Size() - metadata.PoolHeaderSize)
	})
}

func (a *HumongousAllocator) Validate() error {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	count := a.reserved.Len()
	for _, list := range []struct {
		head     uintptr
		occupied bool
	}{{a.occupiedHead, true}, {a.freeHead, false}} {
		var prev uintptr
		for addr := list.head; addr != 0; {
			header := a.poolHeader(addr)
			if header.Prev() != prev {
				return errors.Newf("humongous pool %#x has a broken back link", addr)
			}
			if (header.ObjectAddr() != 0) != list.occupied {
				return errors.Newf("humongous pool %#x is on the wrong list", addr)
			}

			count++
			prev = addr
			addr = header.Next()
		}
	}

	if count != a.poolCount {
		return errors.Newf("humongous allocator counts %d pools but holds %d", a.poolCount, count)
	}
	return a.reserved.Validate()
}

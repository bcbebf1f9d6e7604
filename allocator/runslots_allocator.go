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

const (
	// SlotsSizesVariants is the number of size classes: every power of two from
	// metadata.MinSlotSize to metadata.MaxSlotSize.
	SlotsSizesVariants = 6

	minSlotSizeLog2 = 3
)

// SlotSizeFor returns the size class that serves size bytes aligned to align, or 0 when
// the request is too large for RunSlots.
func SlotSizeFor(size int, align uint) int {
	slotSize := memutils.RoundUpPow2(size)
	if int(align) > slotSize {
		slotSize = int(align)
	}
	if slotSize < metadata.MinSlotSize {
		slotSize = metadata.MinSlotSize
	}
	if slotSize > metadata.MaxSlotSize {
		return 0
	}
	return slotSize
}

func slotSizeClass(slotSize int) int {
	return memutils.Log2(slotSize) - minSlotSizeLog2
}

type runSlotsList struct {
	mutex utils.OptionalMutex
	head  uintptr
	tail  uintptr
}

// RunSlotsOptions sizes the pools of a RunSlotsAllocator.
type RunSlotsOptions struct {
	// PoolSize is the size of the pools the dispatcher maps for this allocator. It must be a
	// multiple of metadata.RunSlotsSize.
	PoolSize int
	// PoolAlign is the alignment of those pools.
	PoolAlign uint
}

// RunSlotsAllocator serves small objects from pages carved into equally sized slots. Each
// size class keeps a list of its pages that still have room; emptied pages go to a shared
// free list from which any class can take them.
type RunSlotsAllocator struct {
	config  Config
	words   metadata.Words
	options RunSlotsOptions

	classes      [SlotsSizesVariants]runSlotsList
	freeRunSlots runSlotsList
	pools        *runSlotsPoolManager
}

var _ objectAllocator = &RunSlotsAllocator{}

func NewRunSlotsAllocator(config Config, options RunSlotsOptions) (*RunSlotsAllocator, error) {
	err := config.fill()
	if err != nil {
		return nil, err
	}

	if options.PoolAlign == 0 {
		options.PoolAlign = metadata.RunSlotsSize
	}
	err = memutils.CheckPow2(options.PoolAlign, "RunSlotsOptions.PoolAlign")
	if err != nil {
		return nil, err
	}
	if options.PoolSize == 0 {
		options.PoolSize = defaultRunSlotsPoolSize
	}
	if options.PoolSize%metadata.RunSlotsSize != 0 {
		return nil, errors.Newf("run slots pool size %d is not a multiple of %d", options.PoolSize, metadata.RunSlotsSize)
	}

	allocator := &RunSlotsAllocator{
		config:       config,
		words:        config.words(),
		options:      options,
		freeRunSlots: runSlotsList{mutex: utils.OptionalMutex{UseMutex: config.Synchronized}},
		pools:        newRunSlotsPoolManager(config.Synchronized),
	}
	for i := range allocator.classes {
		allocator.classes[i].mutex.UseMutex = config.Synchronized
	}

	return allocator, nil
}

func (a *RunSlotsAllocator) MaxSize() int {
	return metadata.MaxSlotSize
}

func (a *RunSlotsAllocator) MinPoolSize() int {
	return a.options.PoolSize
}

func (a *RunSlotsAllocator) PoolAlign() uint {
	return a.options.PoolAlign
}

func (a *RunSlotsAllocator) runSlotsAt(addr uintptr) metadata.RunSlots {
	p := a.config.Space.MustPoolOf(addr)
	return metadata.NewRunSlots(a.words, p, p.Offset(addr))
}

func (a *RunSlotsAllocator) pushFront(list *runSlotsList, runSlots metadata.RunSlots) {
	runSlots.SetPrev(0)
	runSlots.SetNext(list.head)
	if list.head != 0 {
		a.runSlotsAt(list.head).SetPrev(runSlots.Addr())
	}
	list.head = runSlots.Addr()
	if list.tail == 0 {
		list.tail = runSlots.Addr()
	}
}

func (a *RunSlotsAllocator) pushBack(list *runSlotsList, runSlots metadata.RunSlots) {
	runSlots.SetNext(0)
	runSlots.SetPrev(list.tail)
	if list.tail != 0 {
		a.runSlotsAt(list.tail).SetNext(runSlots.Addr())
	}
	list.tail = runSlots.Addr()
	if list.head == 0 {
		list.head = runSlots.Addr()
	}
}

func (a *RunSlotsAllocator) remove(list *runSlotsList, runSlots metadata.RunSlots) {
	prev := runSlots.Prev()
	next := runSlots.Next()

	if prev == 0 {
		if list.head != runSlots.Addr() {
			panic(fmt.Sprintf("run slots at %#x is not linked into this list", runSlots.Addr()))
		}
		list.head = next
	} else {
		a.runSlotsAt(prev).SetNext(next)
	}
	if next == 0 {
		list.tail = prev
	} else {
		a.runSlotsAt(next).SetPrev(prev)
	}

	runSlots.SetPrev(0)
	runSlots.SetNext(0)
}

func (a *RunSlotsAllocator) popFreeRunSlots() (metadata.RunSlots, bool) {
	a.freeRunSlots.mutex.Lock()
	defer a.freeRunSlots.mutex.Unlock()

	if a.freeRunSlots.head == 0 {
		return metadata.RunSlots{}, false
	}

	runSlots := a.runSlotsAt(a.freeRunSlots.head)
	a.remove(&a.freeRunSlots, runSlots)
	return runSlots, true
}

func (a *RunSlotsAllocator) pushFreeRunSlots(runSlots metadata.RunSlots) {
	a.freeRunSlots.mutex.Lock()
	defer a.freeRunSlots.mutex.Unlock()

	a.pushFront(&a.freeRunSlots, runSlots)
}

// Alloc returns a slot of the class serving size and align, or 0 when no pool has room.
func (a *RunSlotsAllocator) Alloc(size int, align uint) uintptr {
	slotSize := SlotSizeFor(size, align)
	if slotSize == 0 {
		panic(fmt.Sprintf("run slots cannot serve %d bytes aligned to %d", size, align))
	}

	class := &a.classes[slotSizeClass(slotSize)]
	class.mutex.Lock()
	defer class.mutex.Unlock()

	var runSlots metadata.RunSlots
	if class.head != 0 {
		runSlots = a.runSlotsAt(class.head)
	} else {
		var ok bool
		runSlots, ok = a.popFreeRunSlots()
		if !ok {
			p, offset, ok := a.pools.takePage()
			if !ok {
				return 0
			}
			runSlots = metadata.NewRunSlots(a.words, p, offset)
		}

		runSlots.Initialize(slotSize)
		a.pushBack(class, runSlots)
	}

	slot := runSlots.PopFreeSlot()
	if slot == 0 {
		panic(fmt.Sprintf("run slots at %#x was listed with room but is full", runSlots.Addr()))
	}
	if runSlots.IsFull() {
		a.remove(class, runSlots)
	}
	memutils.DebugValidate(runSlots)

	a.config.Instrumentation.Unpoison(runSlots.Pool(), runSlots.Pool().Offset(slot), slotSize)
	return slot
}

// Free returns a slot. A page that was full gets back on its class list, a page that
// became empty moves to the free RunSlots list.
func (a *RunSlotsAllocator) Free(addr uintptr) {
	runSlots := a.runSlotsAt(metadata.RunSlotsAddr(addr))
	if !a.pools.isPageInUse(runSlots.Pool(), runSlots.Offset()) {
		panic(fmt.Sprintf("address %#x is not in a run slots page", addr))
	}

	slotSize := runSlots.SlotSize()
	class := &a.classes[slotSizeClass(slotSize)]
	class.mutex.Lock()
	defer class.mutex.Unlock()

	wasFull := runSlots.IsFull()
	a.config.Instrumentation.Poison(runSlots.Pool(), runSlots.Pool().Offset(addr), slotSize)
	runSlots.PushFreeSlot(addr)
	memutils.DebugValidate(runSlots)

	switch {
	case runSlots.IsEmpty():
		if !wasFull {
			a.remove(class, runSlots)
		}
		a.pushFreeRunSlots(runSlots)
	case wasFull:
		a.pushBack(class, runSlots)
	}
}

func (a *RunSlotsAllocator) AddMemoryPool(p *pool.Pool) error {
	if p.Base()%uintptr(metadata.RunSlotsSize) != 0 {
		return errors.Wrapf(memutils.MisalignedError, "run slots pool at %#x is not page aligned", p.Base())
	}
	if p.Size() < metadata.RunSlotsSize || p.Size()%metadata.RunSlotsSize != 0 {
		return errors.Newf("run slots pool size %d is not a multiple of %d", p.Size(), metadata.RunSlotsSize)
	}

	err := a.config.Space.Register(p, pool.AllocatorRunSlots, a)
	if err != nil {
		return err
	}

	a.config.Instrumentation.Poison(p, 0, p.Size())
	a.pools.addPool(p)

	a.config.Logger.LogAttrs(context.Background(), slog.LevelDebug, "run slots pool added",
		addrAttr("base", p.Base()),
		slog.Int("size", p.Size()),
	)
	return nil
}

func (a *RunSlotsAllocator) releasePool(p *pool.Pool, visitor pool.Visitor) {
	a.config.Space.Unregister(p)
	a.config.Instrumentation.Forget(p)

	a.config.Logger.LogAttrs(context.Background(), slog.LevelDebug, "run slots pool removed",
		addrAttr("base", p.Base()),
		slog.Int("size", p.Size()),
	)
	visitor(p)
}

// VisitAndRemoveFreePools returns every empty RunSlots to its pool, releasing its page, and
// then gives up every pool that no longer hosts a RunSlots.
func (a *RunSlotsAllocator) VisitAndRemoveFreePools(visitor pool.Visitor) {
	for {
		runSlots, ok := a.popFreeRunSlots()
		if !ok {
			break
		}

		a.pools.returnPage(runSlots.Pool(), runSlots.Offset())
		a.config.releasePages(runSlots.Pool(), runSlots.Offset(), metadata.RunSlotsSize)
	}

	for _, p := range a.pools.removeFreePools() {
		a.releasePool(p, visitor)
	}
}

// VisitAndRemoveAllPools gives up every pool, live objects included.
func (a *RunSlotsAllocator) VisitAndRemoveAllPools(visitor pool.Visitor) {
	for i := range a.classes {
		a.classes[i].mutex.Lock()
		a.classes[i].head = 0
		a.classes[i].tail = 0
		a.classes[i].mutex.Unlock()
	}

	a.freeRunSlots.mutex.Lock()
	a.freeRunSlots.head = 0
	a.freeRunSlots.tail = 0
	a.freeRunSlots.mutex.Unlock()

	for _, p := range a.pools.removeAllPools() {
		a.releasePool(p, visitor)
	}
}

func (a *RunSlotsAllocator) visitRunSlots(visitor func(runSlots metadata.RunSlots) bool) {
	a.pools.visitPools(func(rsPool *runSlotsPool) bool {
		return rsPool.visitPagesInUse(func(offset int) bool {
			return visitor(metadata.NewRunSlots(a.words, rsPool.pool, offset))
		})
	})
}

// IterateOverObjects calls visitor with every live object.
func (a *RunSlotsAllocator) IterateOverObjects(visitor func(addr uintptr)) {
	a.visitRunSlots(func(runSlots metadata.RunSlots) bool {
		runSlots.IterateOverOccupiedSlots(func(addr uintptr) bool {
			visitor(addr)
			return true
		})
		return true
	})
}

// IterateOverObjectsInRange calls visitor with every live object whose address lies in
// [left, right).
func (a *RunSlotsAllocator) IterateOverObjectsInRange(visitor func(addr uintptr), left, right uintptr) {
	a.visitRunSlots(func(runSlots metadata.RunSlots) bool {
		if runSlots.Addr() >= right || runSlots.Addr()+metadata.RunSlotsSize <= left {
			return true
		}

		runSlots.IterateOverOccupiedSlots(func(addr uintptr) bool {
			if addr >= right {
				return false
			}
			if addr >= left {
				visitor(addr)
			}
			return true
		})
		return true
	})
}

// Collect frees every live object for which isDead returns true, and returns how many it
// freed.
func (a *RunSlotsAllocator) Collect(isDead func(addr uintptr) bool) int {
	return collectDead(a.IterateOverObjects, isDead, a.Free)
}

// ContainObject reports whether addr lies in one of this allocator's pools.
func (a *RunSlotsAllocator) ContainObject(addr uintptr) bool {
	entry, ok := a.config.Space.Lookup(addr)
	return ok && entry.Owner == any(a)
}

func (a *RunSlotsAllocator) IsLive(addr uintptr) bool {
	if !a.ContainObject(addr) {
		return false
	}

	runSlots := a.runSlotsAt(metadata.RunSlotsAddr(addr))
	if !a.pools.isPageInUse(runSlots.Pool(), runSlots.Offset()) {
		return false
	}
	return runSlots.IsLive(addr)
}

func (a *RunSlotsAllocator) PoolCount() int {
	return a.pools.poolCount()
}

func (a *RunSlotsAllocator) AddStatistics(stats *memutils.Statistics) {
	a.pools.visitPools(func(rsPool *runSlotsPool) bool {
		stats.PoolCount++
		stats.PoolBytes += rsPool.pool.Size()

		rsPool.visitPagesInUse(func(offset int) bool {
			runSlots := metadata.NewRunSlots(a.words, rsPool.pool, offset)
			used := runSlots.UsedSlots()
			stats.ObjectCount += used
			stats.ObjectBytes += used * runSlots.SlotSize()
			return true
		})
		return true
	})
}

func (a *RunSlotsAllocator) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	a.pools.visitPools(func(rsPool *runSlotsPool) bool {
		stats.AddPool(rsPool.pool.Size())

		unusedPages := rsPool.pool.Size()/metadata.RunSlotsSize - rsPool.occupied
		if unusedPages > 0 {
			stats.AddFreeRange(unusedPages * metadata.RunSlotsSize)
		}

		rsPool.visitPagesInUse(func(offset int) bool {
			runSlots := metadata.NewRunSlots(a.words, rsPool.pool, offset)
			slotSize := runSlots.SlotSize()
			used := runSlots.UsedSlots()
			for i := 0; i < used; i++ {
				stats.AddObject(slotSize)
			}
			if free := metadata.SlotsPerRunSlots(slotSize) - used; free > 0 {
				stats.AddFreeRange(free * slotSize)
			}
			return true
		})
		return true
	})
}

func (a *RunSlotsAllocator) Validate() error {
	for i := range a.classes {
		class := &a.classes[i]
		slotSize := metadata.MinSlotSize << i

		class.mutex.Lock()
		err := a.validateList(class, func(runSlots metadata.RunSlots) error {
			if runSlots.SlotSize() != slotSize {
				return errors.Newf("run slots at %#x of size %d is on the list for %d", runSlots.Addr(), runSlots.SlotSize(), slotSize)
			}
			if runSlots.IsFull() || runSlots.IsEmpty() {
				return errors.Newf("run slots at %#x is on a class list while full or empty", runSlots.Addr())
			}
			return nil
		})
		class.mutex.Unlock()
		if err != nil {
			return err
		}
	}

	a.freeRunSlots.mutex.Lock()
	err := a.validateList(&a.freeRunSlots, func(runSlots metadata.RunSlots) error {
		if !runSlots.IsEmpty() {
			return errors.Newf("run slots at %#x is on the free list but holds %d objects", runSlots.Addr(), runSlots.UsedSlots())
		}
		return nil
	})
	a.freeRunSlots.mutex.Unlock()
	if err != nil {
		return err
	}

	return a.pools.Validate()
}

func (a *RunSlotsAllocator) validateList(list *runSlotsList, check func(runSlots metadata.RunSlots) error) error {
	var prev uintptr
	for addr := list.head; addr != 0; {
		runSlots := a.runSlotsAt(addr)
		if runSlots.Prev() != prev {
			return errors.Newf("run slots at %#x has a broken back link", addr)
		}

		err := runSlots.Validate()
		if err != nil {
			return err
		}
		err = check(runSlots)
		if err != nil {
			return err
		}

		prev = addr
		addr = runSlots.Next()
	}
	if list.tail != prev {
		return errors.Newf("run slots list ends at %#x but its tail is %#x", prev, list.tail)
	}
	return nil
}

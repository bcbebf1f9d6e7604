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
	"golang.org/x/exp/slices"
)

// InternalAllocator routes each request to the RunSlots, FreeList or Humongous allocator
// by size, and maps a fresh pool from its Provider when the chosen allocator runs dry.
type InternalAllocator struct {
	logger   *slog.Logger
	options  CreateOptions
	config   Config
	provider pool.Provider

	runSlots  *RunSlotsAllocator
	freeList  *FreeListAllocator
	humongous *HumongousAllocator

	localsMutex utils.OptionalMutex
	locals      []*LocalAllocator
}

func (a *InternalAllocator) RunSlots() *RunSlotsAllocator {
	return a.runSlots
}

func (a *InternalAllocator) FreeList() *FreeListAllocator {
	return a.freeList
}

func (a *InternalAllocator) Humongous() *HumongousAllocator {
	return a.humongous
}

func (a *InternalAllocator) Space() *pool.Space {
	return a.config.Space
}

func normalizeRequest(size int, align uint) (int, uint, error) {
	if size < 0 {
		return 0, 0, errors.Newf("cannot allocate %d bytes", size)
	}
	if size == 0 {
		size = 1
	}
	if align == 0 {
		align = metadata.BlockAlignment
	}

	err := memutils.CheckPow2(align, "align")
	if err != nil {
		return 0, 0, err
	}
	return size, align, nil
}

// AllocatorTypeFor names the allocator that serves size bytes aligned to align.
func (a *InternalAllocator) AllocatorTypeFor(size int, align uint) pool.AllocatorType {
	switch {
	case SlotSizeFor(size, align) != 0:
		return pool.AllocatorRunSlots
	case a.freeList.Fits(size, align):
		return pool.AllocatorFreeList
	default:
		return pool.AllocatorHumongous
	}
}

// Alloc returns the address of size bytes aligned to align. An align of 0 means the default
// word alignment.
func (a *InternalAllocator) Alloc(size int, align uint) (uintptr, error) {
	size, align, err := normalizeRequest(size, align)
	if err != nil {
		return 0, err
	}

	switch a.AllocatorTypeFor(size, align) {
	case pool.AllocatorRunSlots:
		return a.allocWithPool(pool.AllocatorRunSlots, a.runSlots.Alloc, a.runSlots.AddMemoryPool, a.runSlots.MinPoolSize(), a.options.PoolAlignment, size, align)
	case pool.AllocatorFreeList:
		return a.allocWithPool(pool.AllocatorFreeList, a.freeList.Alloc, a.freeList.AddMemoryPool, a.freeList.MinPoolSize(), a.options.PoolAlignment, size, align)
	}

	if size > a.humongous.MaxSize() {
		return 0, errors.Wrapf(ErrOutOfMemory, "%d bytes is above the humongous object limit of %d", size, a.humongous.MaxSize())
	}

	return a.allocHumongous(size, align)
}

// allocHumongous maps a dedicated pool when neither the reservation cache nor the free pool
// list can take the object. The new pool goes straight to the object so that a concurrent
// Free cannot unmap it in between.
func (a *InternalAllocator) allocHumongous(size int, align uint) (uintptr, error) {
	addr := a.humongous.Alloc(size, align)
	if addr != 0 {
		return addr, nil
	}

	poolAlign := a.options.PoolAlignment
	if align > poolAlign {
		poolAlign = align
	}
	poolSize := a.humongous.PoolSizeFor(size, align)
	if poolSize < size {
		return 0, errors.Wrapf(ErrOutOfMemory, "a pool for %d bytes aligned to %d overflows the address space", size, align)
	}

	p, err := a.mapPool(poolSize, poolAlign, pool.AllocatorHumongous)
	if err != nil {
		return 0, err
	}

	addr, err = a.humongous.AllocInPool(p, size, align)
	if err != nil {
		a.unmapPool(p)
		return 0, err
	}
	return addr, nil
}

// allocWithPool tries alloc, and on exhaustion maps one pool, hands it over and tries once
// more.
func (a *InternalAllocator) allocWithPool(
	allocatorType pool.AllocatorType,
	alloc func(size int, align uint) uintptr,
	addPool func(p *pool.Pool) error,
	poolSize int,
	poolAlign uint,
	size int,
	align uint,
) (uintptr, error) {
	addr := alloc(size, align)
	if addr != 0 {
		return addr, nil
	}

	p, err := a.mapPool(poolSize, poolAlign, allocatorType)
	if err != nil {
		return 0, err
	}

	err = addPool(p)
	if err != nil {
		a.unmapPool(p)
		return 0, err
	}

	addr = alloc(size, align)
	if addr == 0 {
		return 0, errors.Wrapf(ErrOutOfMemory, "%d bytes aligned to %d do not fit a fresh %d byte pool", size, align, poolSize)
	}
	return addr, nil
}

func (a *InternalAllocator) mapPool(size int, align uint, allocatorType pool.AllocatorType) (*pool.Pool, error) {
	p, err := a.provider.MapPool(size, align)
	if err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "failed to map a %d byte %s pool", size, allocatorType), ErrOutOfMemory)
	}

	a.logger.LogAttrs(context.Background(), slog.LevelDebug, "pool mapped",
		addrAttr("base", p.Base()),
		slog.Int("size", size),
		slog.String("allocator", allocatorType.String()),
	)
	return p, nil
}

func (a *InternalAllocator) unmapPool(p *pool.Pool) {
	size := p.Size()
	base := p.Base()

	err := a.provider.UnmapPool(p)
	if err != nil {
		a.logger.LogAttrs(context.Background(), slog.LevelError, "failed to unmap pool",
			addrAttr("base", base),
			slog.Int("size", size),
			slog.Any("error", err),
		)
	}
}

func (a *InternalAllocator) ownerOf(addr uintptr) (pool.SpaceEntry, objectAllocator, bool) {
	entry, ok := a.config.Space.Lookup(addr)
	if !ok {
		return entry, nil, false
	}

	owner, ok := entry.Owner.(objectAllocator)
	return entry, owner, ok
}

// Free releases the object at addr. It panics if addr does not belong to this allocator, and
// for the small objects of a LocalAllocator, which only their own LocalAllocator may free.
// Humongous pools the reservation cache turns down are unmapped right away.
func (a *InternalAllocator) Free(addr uintptr) {
	entry, owner, ok := a.ownerOf(addr)
	if !ok {
		panic(fmt.Sprintf("address %#x was not allocated by this allocator", addr))
	}
	if entry.Type == pool.AllocatorRunSlots && owner != objectAllocator(a.runSlots) {
		panic(fmt.Sprintf("address %#x belongs to a local allocator and must be freed through it", addr))
	}

	owner.Free(addr)

	if entry.Type == pool.AllocatorHumongous {
		a.humongous.VisitAndRemoveFreePools(a.unmapPool)
	}
}

// Memory returns the size bytes of the live object at addr. Under poisoning
// instrumentation, ranges that overlap allocator metadata or freed memory are refused.
func (a *InternalAllocator) Memory(addr uintptr, size int) ([]byte, error) {
	entry, owner, ok := a.ownerOf(addr)
	if !ok || !owner.IsLive(addr) {
		return nil, errors.Wrapf(ErrNotAnObject, "address %#x", addr)
	}

	p := entry.Pool
	offset := p.Offset(addr)
	if size < 0 || offset+size > p.Size() {
		return nil, errors.Newf("%d bytes at %#x run past the end of their pool", size, addr)
	}

	err := a.config.Instrumentation.CheckAccess(p, offset, size)
	if err != nil {
		return nil, errors.Wrapf(err, "object at %#x", addr)
	}
	return p.Bytes(offset, size), nil
}

// ContainObject reports whether addr lies in a pool owned by this allocator or one of its
// local allocators.
func (a *InternalAllocator) ContainObject(addr uintptr) bool {
	_, owner, ok := a.ownerOf(addr)
	return ok && owner.ContainObject(addr)
}

func (a *InternalAllocator) IsLive(addr uintptr) bool {
	_, owner, ok := a.ownerOf(addr)
	return ok && owner.IsLive(addr)
}

func (a *InternalAllocator) visitLocals(visitor func(local *LocalAllocator)) {
	a.localsMutex.Lock()
	locals := slices.Clone(a.locals)
	a.localsMutex.Unlock()

	for _, local := range locals {
		visitor(local)
	}
}

// IterateOverObjects calls visitor with every live object. It must not run concurrently with
// Alloc or Free.
func (a *InternalAllocator) IterateOverObjects(visitor func(addr uintptr)) {
	a.runSlots.IterateOverObjects(visitor)
	a.visitLocals(func(local *LocalAllocator) {
		local.runSlots.IterateOverObjects(visitor)
	})
	a.freeList.IterateOverObjects(visitor)
	a.humongous.IterateOverObjects(visitor)
}

// IterateOverObjectsInRange calls visitor with every live object whose address lies in
// [left, right).
func (a *InternalAllocator) IterateOverObjectsInRange(visitor func(addr uintptr), left, right uintptr) {
	a.runSlots.IterateOverObjectsInRange(visitor, left, right)
	a.visitLocals(func(local *LocalAllocator) {
		local.runSlots.IterateOverObjectsInRange(visitor, left, right)
	})
	a.freeList.IterateOverObjectsInRange(visitor, left, right)
	a.humongous.IterateOverObjectsInRange(visitor, left, right)
}

// Collect frees every live object deathChecker reports as dead and returns how many were
// freed. Humongous pools emptied this way are unmapped unless the reservation cache keeps
// them.
func (a *InternalAllocator) Collect(deathChecker func(addr uintptr) bool) int {
	freed := a.runSlots.Collect(deathChecker)
	a.visitLocals(func(local *LocalAllocator) {
		freed += local.runSlots.Collect(deathChecker)
	})
	freed += a.freeList.Collect(deathChecker)
	freed += a.humongous.Collect(deathChecker)

	a.humongous.VisitAndRemoveFreePools(a.unmapPool)
	return freed
}

// ReleaseFreePools unmaps every pool that holds no live object. Reserved humongous pools
// are kept.
func (a *InternalAllocator) ReleaseFreePools() {
	a.runSlots.VisitAndRemoveFreePools(a.unmapPool)
	a.visitLocals(func(local *LocalAllocator) {
		local.runSlots.VisitAndRemoveFreePools(a.unmapPool)
	})
	a.freeList.VisitAndRemoveFreePools(a.unmapPool)
	a.humongous.VisitAndRemoveFreePools(a.unmapPool)
}

func (a *InternalAllocator) logUnreleasedObjects(iterate func(visitor func(addr uintptr))) int {
	var count int
	iterate(func(addr uintptr) {
		count++

		entry, _ := a.config.Space.Lookup(addr)
		a.logger.LogAttrs(context.Background(), slog.LevelError, "[UNRELEASED MEMORY] unfreed object",
			addrAttr("address", addr),
			slog.String("allocator", entry.Type.String()),
		)
	})
	return count
}

// Destroy logs every object that is still live and unmaps every pool, local allocators
// included. It returns an error if any object was still live.
func (a *InternalAllocator) Destroy() error {
	var unreleased int
	a.visitLocals(func(local *LocalAllocator) {
		unreleased += local.destroy()
	})

	unreleased += a.logUnreleasedObjects(a.IterateOverObjects)

	a.runSlots.VisitAndRemoveAllPools(a.unmapPool)
	a.freeList.VisitAndRemoveAllPools(a.unmapPool)
	a.humongous.VisitAndRemoveAllPools(a.unmapPool)

	if unreleased > 0 {
		return unreleasedObjectsError(unreleased)
	}
	return nil
}

func unreleasedObjectsError(count int) error {
	return errors.Newf("%d objects were not freed before the allocator was destroyed", count)
}

// NewLocalAllocator returns an allocator for the exclusive use of one goroutine. Its small
// objects come from unsynchronized RunSlots; everything else goes through a. Iteration,
// Collect and ReleaseFreePools on a reach into local RunSlots too, so they must not overlap
// with the local's owner allocating or freeing.
func (a *InternalAllocator) NewLocalAllocator() (*LocalAllocator, error) {
	config := a.config
	config.Synchronized = false

	runSlots, err := NewRunSlotsAllocator(config, RunSlotsOptions{
		PoolSize:  a.options.RunSlotsPoolSize,
		PoolAlign: a.options.PoolAlignment,
	})
	if err != nil {
		return nil, err
	}

	local := &LocalAllocator{
		parent:   a,
		runSlots: runSlots,
	}

	a.localsMutex.Lock()
	a.locals = append(a.locals, local)
	a.localsMutex.Unlock()

	return local, nil
}

func (a *InternalAllocator) removeLocal(local *LocalAllocator) {
	a.localsMutex.Lock()
	defer a.localsMutex.Unlock()

	index := slices.Index(a.locals, local)
	if index >= 0 {
		a.locals = slices.Delete(a.locals, index, index+1)
	}
}

// Validate checks every sub-allocator and that every pool in the space map is owned by one
// of them.
func (a *InternalAllocator) Validate() error {
	owners := map[any]pool.AllocatorType{
		a.runSlots:  pool.AllocatorRunSlots,
		a.freeList:  pool.AllocatorFreeList,
		a.humongous: pool.AllocatorHumongous,
	}
	a.visitLocals(func(local *LocalAllocator) {
		owners[local.runSlots] = pool.AllocatorRunSlots
	})

	var err error
	a.config.Space.VisitPools(pool.AllocatorUndefined, func(entry pool.SpaceEntry) bool {
		allocatorType, ok := owners[entry.Owner]
		if !ok || allocatorType != entry.Type {
			err = errors.Newf("%s pool at %#x has no matching owner", entry.Type, entry.Pool.Base())
			return false
		}
		return true
	})
	if err != nil {
		return err
	}

	err = a.runSlots.Validate()
	if err != nil {
		return err
	}

	err = a.freeList.Validate()
	if err != nil {
		return err
	}

	return a.humongous.Validate()
}

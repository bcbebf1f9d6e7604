package allocator

import "github.com/arkheap/objalloc/pool"

// LocalAllocator serves one goroutine. Its small objects come from a RunSlotsAllocator
// without locks and must be freed through this LocalAllocator on that goroutine; other sizes
// fall back to the parent InternalAllocator and may be freed through either.
type LocalAllocator struct {
	parent   *InternalAllocator
	runSlots *RunSlotsAllocator
}

func (l *LocalAllocator) RunSlots() *RunSlotsAllocator {
	return l.runSlots
}

func (l *LocalAllocator) Alloc(size int, align uint) (uintptr, error) {
	size, align, err := normalizeRequest(size, align)
	if err != nil {
		return 0, err
	}

	if SlotSizeFor(size, align) == 0 {
		return l.parent.Alloc(size, align)
	}

	return l.parent.allocWithPool(pool.AllocatorRunSlots, l.runSlots.Alloc, l.runSlots.AddMemoryPool, l.runSlots.MinPoolSize(), l.parent.options.PoolAlignment, size, align)
}

func (l *LocalAllocator) Free(addr uintptr) {
	if l.runSlots.ContainObject(addr) {
		l.runSlots.Free(addr)
		return
	}

	l.parent.Free(addr)
}

// IterateOverObjects visits the objects of the local RunSlots only.
func (l *LocalAllocator) IterateOverObjects(visitor func(addr uintptr)) {
	l.runSlots.IterateOverObjects(visitor)
}

func (l *LocalAllocator) Collect(deathChecker func(addr uintptr) bool) int {
	return l.runSlots.Collect(deathChecker)
}

// ReleaseFreePools unmaps the local pools without live objects.
func (l *LocalAllocator) ReleaseFreePools() {
	l.runSlots.VisitAndRemoveFreePools(l.parent.unmapPool)
}

// Destroy unmaps every local pool and detaches from the parent. It returns an error if any
// local object was still live.
func (l *LocalAllocator) Destroy() error {
	unreleased := l.destroy()
	if unreleased > 0 {
		return unreleasedObjectsError(unreleased)
	}
	return nil
}

func (l *LocalAllocator) destroy() int {
	unreleased := l.parent.logUnreleasedObjects(l.runSlots.IterateOverObjects)
	l.runSlots.VisitAndRemoveAllPools(l.parent.unmapPool)
	l.parent.removeLocal(l)
	return unreleased
}

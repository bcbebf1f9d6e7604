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

// FreeListOptions configures a FreeListAllocator.
type FreeListOptions struct {
	// PoolSize is the size of the pools the dispatcher maps for this allocator. It bounds
	// MaxSize.
	PoolSize int
	// PoolAlign is the alignment of those pools.
	PoolAlign uint
	// BucketCount is the number of segregated list buckets.
	BucketCount int
	// OrderedInsert keeps buckets sorted by descending size.
	OrderedInsert bool
	// BestFit picks the smallest fitting block of a bucket.
	BestFit bool
}

// FreeListAllocator serves medium objects from pools cut into variable-sized blocks. Free
// blocks live in a segregated list; allocation splits blocks and freeing merges a block
// with its free neighbours so that no two adjacent blocks are ever both free.
type FreeListAllocator struct {
	config  Config
	words   metadata.Words
	options FreeListOptions

	poolLock  utils.OptionalMutex
	poolHead  uintptr
	poolCount int

	allocFreeLock utils.OptionalMutex
	segregated    *metadata.SegregatedList
}

var _ objectAllocator = &FreeListAllocator{}

func NewFreeListAllocator(config Config, options FreeListOptions) (*FreeListAllocator, error) {
	err := config.fill()
	if err != nil {
		return nil, err
	}

	if options.PoolAlign == 0 {
		options.PoolAlign = pool.PageSize
	}
	err = memutils.CheckPow2(options.PoolAlign, "FreeListOptions.PoolAlign")
	if err != nil {
		return nil, err
	}
	if options.PoolSize == 0 {
		options.PoolSize = defaultFreeListPoolSize
	}
	if options.PoolSize < metadata.PoolHeaderSize+metadata.MinBlockSize || options.PoolSize%metadata.BlockAlignment != 0 {
		return nil, errors.Newf("free list pool size %d is too small or misaligned", options.PoolSize)
	}
	if options.BucketCount == 0 {
		options.BucketCount = defaultSegregatedListSize
	}

	allocator := &FreeListAllocator{
		config:        config,
		words:         config.words(),
		options:       options,
		poolLock:      utils.OptionalMutex{UseMutex: config.Synchronized},
		allocFreeLock: utils.OptionalMutex{UseMutex: config.Synchronized},
	}
	allocator.segregated = allocator.newSegregatedList()
	return allocator, nil
}

func (a *FreeListAllocator) newSegregatedList() *metadata.SegregatedList {
	return metadata.NewSegregatedList(
		a.words,
		a.config.Space,
		a.options.BucketCount,
		metadata.MinBlockSize,
		a.MaxSize(),
		a.options.OrderedInsert,
		a.options.BestFit,
	)
}

// MaxSize is the largest payload an empty pool of MinPoolSize can host.
func (a *FreeListAllocator) MaxSize() int {
	return a.options.PoolSize - metadata.PoolHeaderSize - metadata.MemoryBlockHeaderSize
}

// Fits reports whether a request of size bytes aligned to align can be served from an
// empty pool whatever the padding turns out to be.
func (a *FreeListAllocator) Fits(size int, align uint) bool {
	return metadata.RequiredBlockSize(size, metadata.MaxPadding(align)) <= a.options.PoolSize-metadata.PoolHeaderSize
}

func (a *FreeListAllocator) MinPoolSize() int {
	return a.options.PoolSize
}

func (a *FreeListAllocator) PoolAlign() uint {
	return a.options.PoolAlign
}

func (a *FreeListAllocator) header(p *pool.Pool, offset int) metadata.MemoryBlockHeader {
	return metadata.NewMemoryBlockHeader(a.words, p, offset)
}

func (a *FreeListAllocator) poolHeader(addr uintptr) metadata.FreeListPoolHeader {
	return metadata.NewFreeListPoolHeader(a.words, a.config.Space.MustPoolOf(addr))
}

// Alloc returns the address of size bytes aligned to align, or 0 when no pool has a large
// enough free block.
func (a *FreeListAllocator) Alloc(size int, align uint) uintptr {
	memutils.DebugCheckPow2(align, "align")
	if align < metadata.BlockAlignment {
		align = metadata.BlockAlignment
	}

	a.allocFreeLock.Lock()
	defer a.allocFreeLock.Unlock()

	block, padding, ok := a.segregated.FindMemoryBlock(size, align)
	if !ok {
		return 0
	}
	a.segregated.ReleaseFreeMemoryBlock(block)

	required := metadata.RequiredBlockSize(size, padding)
	a.SplitMemoryBlocks(block.MemoryBlockHeader, required)

	block.SetUsed(true)
	block.SetPadding(padding)
	memutils.DebugValidate(a.segregated)

	a.config.Instrumentation.Unpoison(block.Pool(), block.MemoryOffset(), size)
	return block.Memory()
}

// SplitMemoryBlocks trims block down to size when the remainder can host a free block of
// its own, and files the remainder in the segregated list.
func (a *FreeListAllocator) SplitMemoryBlocks(block metadata.MemoryBlockHeader, size int) {
	remainder := block.Size() - size
	if remainder < metadata.MinBlockSize {
		return
	}

	last := block.IsLastBlockInPool()
	tail := a.header(block.Pool(), block.Offset()+size)
	tail.Initialize(remainder, block.Offset(), last)

	block.SetSize(size)
	block.SetLastBlockInPool(false)

	if next, ok := tail.NextHeader(); ok {
		next.SetPrevHeaderOffset(tail.Offset())
	}

	a.segregated.AddMemoryBlock(metadata.AsFreeListHeader(tail))
}

// Free releases the object at addr and merges its block with any free neighbour.
func (a *FreeListAllocator) Free(addr uintptr) {
	p := a.config.Space.MustPoolOf(addr)

	a.allocFreeLock.Lock()
	defer a.allocFreeLock.Unlock()

	block := metadata.HeaderFromMemory(a.words, p, p.Offset(addr))
	if !block.IsUsed() {
		panic(fmt.Sprintf("object at %#x is already free", addr))
	}
	if block.Memory() != addr {
		panic(fmt.Sprintf("address %#x is not the start of an object", addr))
	}

	a.config.Instrumentation.Poison(p, block.MemoryOffset(), block.PayloadSize())
	block.SetPadding(0)
	block.SetUsed(false)

	block = a.TryToCoalescing(block)
	a.segregated.AddMemoryBlock(metadata.AsFreeListHeader(block))
	memutils.DebugValidate(a.segregated)
}

// TryToCoalescing merges a free block that is not in the segregated list with its free
// physical neighbours, and returns the merged block.
func (a *FreeListAllocator) TryToCoalescing(block metadata.MemoryBlockHeader) metadata.MemoryBlockHeader {
	if block.CanBeCoalescedWithNext() {
		next, _ := block.NextHeader()
		a.segregated.ReleaseFreeMemoryBlock(metadata.AsFreeListHeader(next))
		a.absorbNext(block, next)
	}

	if block.CanBeCoalescedWithPrev() {
		prev, _ := block.PrevHeader()
		a.segregated.ReleaseFreeMemoryBlock(metadata.AsFreeListHeader(prev))
		a.absorbNext(prev, block)
		block = prev
	}

	return block
}

func (a *FreeListAllocator) absorbNext(block, next metadata.MemoryBlockHeader) {
	block.SetSize(block.Size() + next.Size())
	block.SetLastBlockInPool(next.IsLastBlockInPool())

	if following, ok := block.NextHeader(); ok {
		following.SetPrevHeaderOffset(block.Offset())
	}
}

func (a *FreeListAllocator) AddMemoryPool(p *pool.Pool) error {
	if p.Base()%metadata.BlockAlignment != 0 {
		return errors.Wrapf(memutils.MisalignedError, "free list pool at %#x is not word aligned", p.Base())
	}
	if p.Size() < metadata.PoolHeaderSize+metadata.MinBlockSize || p.Size()%metadata.BlockAlignment != 0 {
		return errors.Newf("free list pool size %d is too small or misaligned", p.Size())
	}

	err := a.config.Space.Register(p, pool.AllocatorFreeList, a)
	if err != nil {
		return err
	}
	a.config.Instrumentation.Poison(p, 0, p.Size())

	header := metadata.NewFreeListPoolHeader(a.words, p)
	header.Initialize(metadata.PoolHeaderSize)

	a.poolLock.Lock()
	defer a.poolLock.Unlock()

	header.SetNext(a.poolHead)
	if a.poolHead != 0 {
		a.poolHeader(a.poolHead).SetPrev(p.Base())
	}
	a.poolHead = p.Base()
	a.poolCount++

	a.allocFreeLock.Lock()
	defer a.allocFreeLock.Unlock()

	block := header.FirstBlock()
	block.Initialize(p.Size()-metadata.PoolHeaderSize, 0, true)
	a.segregated.AddMemoryBlock(metadata.AsFreeListHeader(block))

	a.config.Logger.LogAttrs(context.Background(), slog.LevelDebug, "free list pool added",
		addrAttr("base", p.Base()),
		slog.Int("size", p.Size()),
	)
	return nil
}

func (a *FreeListAllocator) unlinkPool(header metadata.FreeListPoolHeader) {
	prev := header.Prev()
	next := header.Next()

	if prev == 0 {
		a.poolHead = next
	} else {
		a.poolHeader(prev).SetNext(next)
	}
	if next != 0 {
		a.poolHeader(next).SetPrev(prev)
	}
	a.poolCount--
}

func (a *FreeListAllocator) isPoolFree(header metadata.FreeListPoolHeader) bool {
	first := header.FirstBlock()
	return !first.IsUsed() && first.IsLastBlockInPool()
}

func (a *FreeListAllocator) releasePool(p *pool.Pool, visitor pool.Visitor) {
	a.config.Space.Unregister(p)
	a.config.Instrumentation.Forget(p)

	a.config.Logger.LogAttrs(context.Background(), slog.LevelDebug, "free list pool removed",
		addrAttr("base", p.Base()),
		slog.Int("size", p.Size()),
	)
	visitor(p)
}

// VisitAndRemoveFreePools gives up every pool without live objects.
func (a *FreeListAllocator) VisitAndRemoveFreePools(visitor pool.Visitor) {
	var released []*pool.Pool

	a.poolLock.Lock()
	a.allocFreeLock.Lock()
	for addr := a.poolHead; addr != 0; {
		header := a.poolHeader(addr)
		addr = header.Next()

		if !a.isPoolFree(header) {
			continue
		}

		a.segregated.ReleaseFreeMemoryBlock(metadata.AsFreeListHeader(header.FirstBlock()))
		a.unlinkPool(header)
		released = append(released, header.Pool())
	}
	a.allocFreeLock.Unlock()
	a.poolLock.Unlock()

	for _, p := range released {
		a.releasePool(p, visitor)
	}
}

// VisitAndRemoveAllPools gives up every pool, live objects included.
func (a *FreeListAllocator) VisitAndRemoveAllPools(visitor pool.Visitor) {
	var released []*pool.Pool

	a.poolLock.Lock()
	a.allocFreeLock.Lock()
	for addr := a.poolHead; addr != 0; {
		header := a.poolHeader(addr)
		addr = header.Next()
		released = append(released, header.Pool())
	}
	a.poolHead = 0
	a.poolCount = 0
	a.segregated = a.newSegregatedList()
	a.allocFreeLock.Unlock()
	a.poolLock.Unlock()

	for _, p := range released {
		a.releasePool(p, visitor)
	}
}

func (a *FreeListAllocator) visitPools(visitor func(header metadata.FreeListPoolHeader) bool) {
	a.poolLock.Lock()
	defer a.poolLock.Unlock()

	for addr := a.poolHead; addr != 0; {
		header := a.poolHeader(addr)
		addr = header.Next()
		if !visitor(header) {
			return
		}
	}
}

// visitBlocks walks the blocks of a pool in address order.
func visitBlocks(header metadata.FreeListPoolHeader, visitor func(block metadata.MemoryBlockHeader) bool) bool {
	for block, ok := header.FirstBlock(), true; ok; block, ok = block.NextHeader() {
		if !visitor(block) {
			return false
		}
	}
	return true
}

// IterateOverObjects calls visitor with every live object.
func (a *FreeListAllocator) IterateOverObjects(visitor func(addr uintptr)) {
	a.visitPools(func(header metadata.FreeListPoolHeader) bool {
		visitBlocks(header, func(block metadata.MemoryBlockHeader) bool {
			if block.IsUsed() {
				visitor(block.Memory())
			}
			return true
		})
		return true
	})
}

// IterateOverObjectsInRange calls visitor with every live object whose address lies in
// [left, right).
func (a *FreeListAllocator) IterateOverObjectsInRange(visitor func(addr uintptr), left, right uintptr) {
	a.visitPools(func(header metadata.FreeListPoolHeader) bool {
		p := header.Pool()
		if p.Base() >= right || p.End() <= left {
			return true
		}

		visitBlocks(header, func(block metadata.MemoryBlockHeader) bool {
			if block.Addr() >= right {
				return false
			}
			if block.IsUsed() {
				if addr := block.Memory(); addr >= left && addr < right {
					visitor(addr)
				}
			}
			return true
		})
		return true
	})
}

// Collect frees every live object for which isDead returns true, and returns how many it
// freed.
func (a *FreeListAllocator) Collect(isDead func(addr uintptr) bool) int {
	return collectDead(a.IterateOverObjects, isDead, a.Free)
}

// ContainObject reports whether addr lies in one of this allocator's pools.
func (a *FreeListAllocator) ContainObject(addr uintptr) bool {
	entry, ok := a.config.Space.Lookup(addr)
	return ok && entry.Owner == any(a)
}

// IsLive reports whether addr is the start of a live object. It walks the blocks of the
// pool, so it is meant for checks rather than hot paths.
func (a *FreeListAllocator) IsLive(addr uintptr) bool {
	if !a.ContainObject(addr) {
		return false
	}

	a.allocFreeLock.Lock()
	defer a.allocFreeLock.Unlock()

	header := metadata.NewFreeListPoolHeader(a.words, a.config.Space.MustPoolOf(addr))
	live := false
	visitBlocks(header, func(block metadata.MemoryBlockHeader) bool {
		if block.Addr() >= addr {
			return false
		}
		if block.IsUsed() && block.Memory() == addr {
			live = true
			return false
		}
		return true
	})
	return live
}

func (a *FreeListAllocator) PoolCount() int {
	a.poolLock.Lock()
	defer a.poolLock.Unlock()

	return a.poolCount
}

// CalculateExternalFragmentation returns 1 - largest free block / total free bytes, 0 when
// nothing is free.
func (a *FreeListAllocator) CalculateExternalFragmentation() float64 {
	a.allocFreeLock.Lock()
	defer a.allocFreeLock.Unlock()

	total := a.segregated.FreeBytes()
	if total == 0 {
		return 0
	}
	return 1 - float64(a.segregated.LargestFreeBlock())/float64(total)
}

func (a *FreeListAllocator) AddStatistics(stats *memutils.Statistics) {
	a.visitPools(func(header metadata.FreeListPoolHeader) bool {
		stats.PoolCount++
		stats.PoolBytes += header.Pool().Size()

		visitBlocks(header, func(block metadata.MemoryBlockHeader) bool {
			if block.IsUsed() {
				stats.ObjectCount++
				stats.ObjectBytes += block.Size()
			}
			return true
		})
		return true
	})
}

func (a *FreeListAllocator) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	a.visitPools(func(header metadata.FreeListPoolHeader) bool {
		stats.AddPool(header.Pool().Size())

		visitBlocks(header, func(block metadata.MemoryBlockHeader) bool {
			if block.IsUsed() {
				stats.AddObject(block.Size())
			} else {
				stats.AddFreeRange(block.Size())
			}
			return true
		})
		return true
	})
}

// Validate checks that every pool is tiled by its blocks, that no two adjacent blocks are
// free and that the segregated list holds exactly the free blocks.
func (a *FreeListAllocator) Validate() error {
	a.poolLock.Lock()
	defer a.poolLock.Unlock()
	a.allocFreeLock.Lock()
	defer a.allocFreeLock.Unlock()

	freeBlocks := 0
	pools := 0
	var prevPool uintptr
	for addr := a.poolHead; addr != 0; {
		header := a.poolHeader(addr)
		pools++
		if header.Prev() != prevPool {
			return errors.Newf("free list pool %#x has a broken back link", addr)
		}
		if header.PoolSize() != header.Pool().Size() {
			return errors.Newf("free list pool %#x records size %d but is %d bytes", addr, header.PoolSize(), header.Pool().Size())
		}

		err := validatePoolBlocks(header, &freeBlocks)
		if err != nil {
			return err
		}

		prevPool = addr
		addr = header.Next()
	}

	if pools != a.poolCount {
		return errors.Newf("free list allocator counts %d pools but links %d", a.poolCount, pools)
	}
	if freeBlocks != a.segregated.FreeCount() {
		return errors.Newf("pools hold %d free blocks but the segregated list holds %d", freeBlocks, a.segregated.FreeCount())
	}

	var err error
	a.segregated.VisitFreeBlocks(func(block metadata.FreeListHeader) bool {
		entry, ok := a.config.Space.Lookup(block.Addr())
		if !ok || entry.Owner != any(a) {
			err = errors.Newf("free block at %#x lies outside this allocator's pools", block.Addr())
			return false
		}
		return true
	})
	if err != nil {
		return err
	}
	return a.segregated.Validate()
}

func validatePoolBlocks(header metadata.FreeListPoolHeader, freeBlocks *int) error {
	p := header.Pool()
	expected := header.FirstBlockOffset()
	prevOffset := 0
	prevFree := false

	var err error
	visitBlocks(header, func(block metadata.MemoryBlockHeader) bool {
		switch {
		case block.Offset() != expected:
			err = errors.Newf("block at offset %d of pool %#x should be at %d", block.Offset(), p.Base(), expected)
		case block.PrevHeaderOffset() != prevOffset:
			err = errors.Newf("block at offset %d of pool %#x points back to %d instead of %d", block.Offset(), p.Base(), block.PrevHeaderOffset(), prevOffset)
		case block.Size() < metadata.MinBlockSize || block.Size()%metadata.BlockAlignment != 0:
			err = errors.Newf("block at offset %d of pool %#x has invalid size %d", block.Offset(), p.Base(), block.Size())
		case !block.IsUsed() && prevFree:
			err = errors.Newf("free blocks at offsets %d and %d of pool %#x are adjacent", prevOffset, block.Offset(), p.Base())
		}
		if err != nil {
			return false
		}

		if !block.IsUsed() {
			*freeBlocks++
		}
		prevFree = !block.IsUsed()
		prevOffset = block.Offset()
		expected = block.Offset() + block.Size()
		return true
	})
	if err != nil {
		return err
	}

	if expected != p.Size() {
		return errors.Newf("blocks of pool %#x end at %d instead of %d", p.Base(), expected, p.Size())
	}
	return nil
}

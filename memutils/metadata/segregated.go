package metadata

import (
	"github.com/arkheap/objalloc/pool"
	"github.com/pkg/errors"
)

// SegregatedList buckets free blocks by size. Buckets cover [minSize, maxSize] in equal
// linear steps and the last bucket also takes everything larger. Each bucket is a doubly
// linked list threaded through FreeListHeaders; the links are absolute addresses because a
// bucket spans pools.
type SegregatedList struct {
	words Words
	space *pool.Space

	minSize       int
	maxSize       int
	bucketRange   int
	orderedInsert bool
	bestFit       bool

	heads     []uintptr
	freeCount int
	freeBytes int
}

func NewSegregatedList(words Words, space *pool.Space, bucketCount, minSize, maxSize int, orderedInsert, bestFit bool) *SegregatedList {
	if bucketCount < 1 {
		bucketCount = 1
	}
	bucketRange := (maxSize - minSize + bucketCount) / bucketCount
	if bucketRange < 1 {
		bucketRange = 1
	}

	return &SegregatedList{
		words:         words,
		space:         space,
		minSize:       minSize,
		maxSize:       maxSize,
		bucketRange:   bucketRange,
		orderedInsert: orderedInsert,
		bestFit:       bestFit,
		heads:         make([]uintptr, bucketCount),
	}
}

func (l *SegregatedList) BucketCount() int {
	return len(l.heads)
}

// Index returns the bucket holding blocks of the given size.
func (l *SegregatedList) Index(size int) int {
	if size <= l.minSize {
		return 0
	}
	index := (size - l.minSize) / l.bucketRange
	if index >= len(l.heads) {
		return len(l.heads) - 1
	}
	return index
}

func (l *SegregatedList) FreeCount() int {
	return l.freeCount
}

func (l *SegregatedList) FreeBytes() int {
	return l.freeBytes
}

func (l *SegregatedList) header(addr uintptr) FreeListHeader {
	p := l.space.MustPoolOf(addr)
	return AsFreeListHeader(NewMemoryBlockHeader(l.words, p, p.Offset(addr)))
}

// AddMemoryBlock files a free block into its bucket.
func (l *SegregatedList) AddMemoryBlock(block FreeListHeader) {
	size := block.Size()
	index := l.Index(size)
	addr := block.Addr()

	var prev uintptr
	next := l.heads[index]
	if l.orderedInsert {
		for next != 0 {
			candidate := l.header(next)
			if candidate.Size() <= size {
				break
			}
			prev = next
			next = candidate.NextFree()
		}
	}

	block.SetPrevFree(prev)
	block.SetNextFree(next)
	if prev == 0 {
		l.heads[index] = addr
	} else {
		l.header(prev).SetNextFree(addr)
	}
	if next != 0 {
		l.header(next).SetPrevFree(addr)
	}

	l.freeCount++
	l.freeBytes += size
}

// ReleaseFreeMemoryBlock unlinks a block from its bucket.
func (l *SegregatedList) ReleaseFreeMemoryBlock(block FreeListHeader) {
	prev := block.PrevFree()
	next := block.NextFree()

	if prev == 0 {
		index := l.Index(block.Size())
		if l.heads[index] != block.Addr() {
			panic(errors.Errorf("free block at %#x is not in bucket %d", block.Addr(), index))
		}
		l.heads[index] = next
	} else {
		l.header(prev).SetNextFree(next)
	}
	if next != 0 {
		l.header(next).SetPrevFree(prev)
	}

	block.SetPrevFree(0)
	block.SetNextFree(0)
	l.freeCount--
	l.freeBytes -= block.Size()
}

// FindMemoryBlock looks for a free block that can host size bytes aligned to align, starting
// at the bucket for the request and moving to larger buckets. It returns the block and the
// padding its payload needs. The block stays in its bucket.
func (l *SegregatedList) FindMemoryBlock(size int, align uint) (FreeListHeader, int, bool) {
	for index := l.Index(RequiredBlockSize(size, 0)); index < len(l.heads); index++ {
		var best FreeListHeader
		bestPadding := 0
		bestSize := 0

		for addr := l.heads[index]; addr != 0; {
			block := l.header(addr)
			blockSize := block.Size()
			padding := CalculatePadding(addr, align)

			if blockSize >= RequiredBlockSize(size, padding) {
				if !l.bestFit {
					return block, padding, true
				}
				if bestSize == 0 || blockSize < bestSize {
					best, bestPadding, bestSize = block, padding, blockSize
				}
			}

			addr = block.NextFree()
		}

		if bestSize > 0 {
			return best, bestPadding, true
		}
	}

	return FreeListHeader{}, 0, false
}

// VisitFreeBlocks calls visitor for every free block until it returns false.
func (l *SegregatedList) VisitFreeBlocks(visitor func(block FreeListHeader) bool) {
	for _, head := range l.heads {
		for addr := head; addr != 0; {
			block := l.header(addr)
			next := block.NextFree()
			if !visitor(block) {
				return
			}
			addr = next
		}
	}
}

// LargestFreeBlock returns the size of the biggest free block, or 0.
func (l *SegregatedList) LargestFreeBlock() int {
	var largest int
	for index := len(l.heads) - 1; index >= 0; index-- {
		for addr := l.heads[index]; addr != 0; {
			block := l.header(addr)
			if block.Size() > largest {
				largest = block.Size()
			}
			if l.orderedInsert {
				// Buckets are sorted largest first.
				break
			}
			addr = block.NextFree()
		}
		if largest > 0 {
			break
		}
	}
	return largest
}

func (l *SegregatedList) Validate() error {
	var count, bytes int

	for index, head := range l.heads {
		var prev uintptr
		prevSize := 0
		for addr := head; addr != 0; {
			block := l.header(addr)
			if block.IsUsed() {
				return errors.Errorf("block at %#x in bucket %d is marked used", addr, index)
			}
			if block.PrevFree() != prev {
				return errors.Errorf("block at %#x in bucket %d has a broken back link", addr, index)
			}
			if l.Index(block.Size()) != index {
				return errors.Errorf("block at %#x of size %d is in bucket %d instead of %d", addr, block.Size(), index, l.Index(block.Size()))
			}
			if l.orderedInsert && prev != 0 && block.Size() > prevSize {
				return errors.Errorf("bucket %d is not sorted at block %#x", index, addr)
			}

			count++
			bytes += block.Size()
			if count > l.freeCount {
				return errors.Errorf("segregated list holds more blocks than the %d it counted", l.freeCount)
			}
			prev, prevSize = addr, block.Size()
			addr = block.NextFree()
		}
	}

	if count != l.freeCount {
		return errors.Errorf("segregated list holds %d blocks but counted %d", count, l.freeCount)
	}
	if bytes != l.freeBytes {
		return errors.Errorf("segregated list holds %d bytes but counted %d", bytes, l.freeBytes)
	}
	return nil
}

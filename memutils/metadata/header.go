package metadata

import (
	"fmt"

	"github.com/arkheap/objalloc/memutils"
	"github.com/arkheap/objalloc/pool"
)

const (
	MemoryBlockHeaderSize = 16
	FreeListHeaderSize    = 32
	// BlockAlignment is the granularity of block sizes and of the default payload alignment.
	BlockAlignment = 8
	// MinBlockSize is the smallest block that can carry a FreeListHeader once freed.
	MinBlockSize = FreeListHeaderSize
)

const (
	statusUsed        = 1 << 0
	statusLastInPool  = 1 << 1
	paddingStatusMask = 3 << 2
	paddingShift      = 2
	statusBits        = 4
	statusMask        = 1<<statusBits - 1
)

// PaddingStatus says how the distance between a block header and its payload is recorded.
type PaddingStatus uint8

const (
	// CommonHeader blocks start their payload right after the header.
	CommonHeader PaddingStatus = iota
	// PaddingHeader marks the secondary header planted right before a padded payload. Its
	// second word holds the pool offset of the primary header.
	PaddingHeader
	// PaddingSizeAfterHeader blocks store the padding length in the word after the header.
	PaddingSizeAfterHeader
	// PaddingHeaderAfterHeader blocks have exactly one header's worth of padding, which is
	// the padding header itself.
	PaddingHeaderAfterHeader
)

var paddingStatusMapping = make(map[PaddingStatus]string)

func (s PaddingStatus) String() string {
	return paddingStatusMapping[s]
}

func init() {
	paddingStatusMapping[CommonHeader] = "CommonHeader"
	paddingStatusMapping[PaddingHeader] = "PaddingHeader"
	paddingStatusMapping[PaddingSizeAfterHeader] = "PaddingSizeAfterHeader"
	paddingStatusMapping[PaddingHeaderAfterHeader] = "PaddingHeaderAfterHeader"
}

// MemoryBlockHeader is a view of the 16-byte header at the start of every block in a free
// list pool. Word 0 packs the block size with the status bits, word 1 holds the pool offset
// of the physically preceding block.
type MemoryBlockHeader struct {
	words  Words
	pool   *pool.Pool
	offset int
}

func NewMemoryBlockHeader(words Words, p *pool.Pool, offset int) MemoryBlockHeader {
	return MemoryBlockHeader{words: words, pool: p, offset: offset}
}

func (h MemoryBlockHeader) Pool() *pool.Pool {
	return h.pool
}

func (h MemoryBlockHeader) Offset() int {
	return h.offset
}

func (h MemoryBlockHeader) Addr() uintptr {
	return h.pool.Addr(h.offset)
}

// Initialize writes a free, unpadded header.
func (h MemoryBlockHeader) Initialize(size int, prevOffset int, lastInPool bool) {
	var status uint64
	if lastInPool {
		status |= statusLastInPool
	}
	h.words.Store(h.pool, h.offset, uint64(size)<<statusBits|status)
	h.words.Store(h.pool, h.offset+WordSize, uint64(prevOffset))
}

func (h MemoryBlockHeader) status() uint64 {
	return h.words.Load(h.pool, h.offset) & statusMask
}

func (h MemoryBlockHeader) setStatus(mask uint64, value uint64) {
	word := h.words.Load(h.pool, h.offset)
	word = word&^mask | value&mask
	h.words.Store(h.pool, h.offset, word)
}

// Size is the full block size, header and padding included.
func (h MemoryBlockHeader) Size() int {
	return int(h.words.Load(h.pool, h.offset) >> statusBits)
}

func (h MemoryBlockHeader) SetSize(size int) {
	word := h.words.Load(h.pool, h.offset)
	h.words.Store(h.pool, h.offset, uint64(size)<<statusBits|word&statusMask)
}

func (h MemoryBlockHeader) IsUsed() bool {
	return h.status()&statusUsed != 0
}

func (h MemoryBlockHeader) SetUsed(used bool) {
	var value uint64
	if used {
		value = statusUsed
	}
	h.setStatus(statusUsed, value)
}

func (h MemoryBlockHeader) IsLastBlockInPool() bool {
	return h.status()&statusLastInPool != 0
}

func (h MemoryBlockHeader) SetLastBlockInPool(last bool) {
	var value uint64
	if last {
		value = statusLastInPool
	}
	h.setStatus(statusLastInPool, value)
}

func (h MemoryBlockHeader) PaddingStatus() PaddingStatus {
	return PaddingStatus((h.status() & paddingStatusMask) >> paddingShift)
}

func (h MemoryBlockHeader) SetPaddingStatus(status PaddingStatus) {
	h.setStatus(paddingStatusMask, uint64(status)<<paddingShift)
}

func (h MemoryBlockHeader) PrevHeaderOffset() int {
	return int(h.words.Load(h.pool, h.offset+WordSize))
}

func (h MemoryBlockHeader) SetPrevHeaderOffset(offset int) {
	h.words.Store(h.pool, h.offset+WordSize, uint64(offset))
}

// PrevHeader returns the physically preceding block, if there is one.
func (h MemoryBlockHeader) PrevHeader() (MemoryBlockHeader, bool) {
	prev := h.PrevHeaderOffset()
	if prev == 0 {
		return MemoryBlockHeader{}, false
	}
	return NewMemoryBlockHeader(h.words, h.pool, prev), true
}

// NextHeader returns the physically following block, if this is not the last one.
func (h MemoryBlockHeader) NextHeader() (MemoryBlockHeader, bool) {
	if h.IsLastBlockInPool() {
		return MemoryBlockHeader{}, false
	}
	return NewMemoryBlockHeader(h.words, h.pool, h.offset+h.Size()), true
}

// PaddingSize is the distance between the end of the header and the payload.
func (h MemoryBlockHeader) PaddingSize() int {
	switch h.PaddingStatus() {
	case CommonHeader:
		return 0
	case PaddingHeaderAfterHeader:
		return MemoryBlockHeaderSize
	case PaddingSizeAfterHeader:
		return int(h.words.Load(h.pool, h.offset+MemoryBlockHeaderSize))
	default:
		panic(fmt.Sprintf("block at offset %d is a padding header", h.offset))
	}
}

// SetPadding records the padding in front of the payload and plants the padding header
// right before a padded payload. padding must be 0 or at least MemoryBlockHeaderSize.
func (h MemoryBlockHeader) SetPadding(padding int) {
	switch {
	case padding == 0:
		h.SetPaddingStatus(CommonHeader)
		return
	case padding < MemoryBlockHeaderSize:
		panic(fmt.Sprintf("padding of %d bytes cannot hold a padding header", padding))
	case padding == MemoryBlockHeaderSize:
		h.SetPaddingStatus(PaddingHeaderAfterHeader)
	default:
		h.SetPaddingStatus(PaddingSizeAfterHeader)
		h.words.Store(h.pool, h.offset+MemoryBlockHeaderSize, uint64(padding))
	}

	paddingHeader := h.offset + padding
	h.words.Store(h.pool, paddingHeader, uint64(PaddingHeader)<<paddingShift|statusUsed)
	h.words.Store(h.pool, paddingHeader+WordSize, uint64(h.offset))
}

// MemoryOffset is the pool offset of the payload.
func (h MemoryBlockHeader) MemoryOffset() int {
	return h.offset + MemoryBlockHeaderSize + h.PaddingSize()
}

// Memory is the payload address.
func (h MemoryBlockHeader) Memory() uintptr {
	return h.pool.Addr(h.MemoryOffset())
}

// PayloadSize is the usable size of the payload.
func (h MemoryBlockHeader) PayloadSize() int {
	return h.Size() - MemoryBlockHeaderSize - h.PaddingSize()
}

func (h MemoryBlockHeader) CanBeCoalescedWithNext() bool {
	next, ok := h.NextHeader()
	return ok && !next.IsUsed()
}

func (h MemoryBlockHeader) CanBeCoalescedWithPrev() bool {
	prev, ok := h.PrevHeader()
	return ok && !prev.IsUsed()
}

// HeaderFromMemory finds the primary header of the payload at offset, stepping through a
// padding header when there is one.
func HeaderFromMemory(words Words, p *pool.Pool, memoryOffset int) MemoryBlockHeader {
	candidate := NewMemoryBlockHeader(words, p, memoryOffset-MemoryBlockHeaderSize)
	if candidate.PaddingStatus() == PaddingHeader {
		return NewMemoryBlockHeader(words, p, candidate.PrevHeaderOffset())
	}
	return candidate
}

// CalculatePadding returns the padding needed after a header at headerAddr so that the
// payload honours align. A non-zero padding is always large enough to host a padding header.
func CalculatePadding(headerAddr uintptr, align uint) int {
	payload := headerAddr + MemoryBlockHeaderSize
	padding := int(memutils.AlignUpAddr(payload, align) - payload)
	for padding > 0 && padding < MemoryBlockHeaderSize {
		padding += int(align)
	}
	return padding
}

// MaxPadding is the largest padding CalculatePadding can return for align.
func MaxPadding(align uint) int {
	if align <= BlockAlignment {
		return 0
	}
	return int(align) + BlockAlignment
}

// RequiredBlockSize is the block size that fits a payload of size bytes behind padding.
func RequiredBlockSize(size int, padding int) int {
	required := MemoryBlockHeaderSize + padding + memutils.AlignUp(size, BlockAlignment)
	if required < MinBlockSize {
		required = MinBlockSize
	}
	return required
}

// FreeListHeader is the header of a free block: a MemoryBlockHeader followed by the
// addresses of its neighbours in a segregated list bucket.
type FreeListHeader struct {
	MemoryBlockHeader
}

func AsFreeListHeader(h MemoryBlockHeader) FreeListHeader {
	return FreeListHeader{MemoryBlockHeader: h}
}

func (h FreeListHeader) NextFree() uintptr {
	return h.words.LoadAddr(h.pool, h.offset+2*WordSize)
}

func (h FreeListHeader) SetNextFree(addr uintptr) {
	h.words.StoreAddr(h.pool, h.offset+2*WordSize, addr)
}

func (h FreeListHeader) PrevFree() uintptr {
	return h.words.LoadAddr(h.pool, h.offset+3*WordSize)
}

func (h FreeListHeader) SetPrevFree(addr uintptr) {
	h.words.StoreAddr(h.pool, h.offset+3*WordSize, addr)
}

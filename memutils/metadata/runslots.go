package metadata

import (
	"fmt"
	"math/bits"

	"github.com/arkheap/objalloc/memutils"
	"github.com/arkheap/objalloc/pool"
	"github.com/pkg/errors"
)

const (
	// RunSlotsSize is the size and alignment of a RunSlots page.
	RunSlotsSize = pool.PageSize
	// RunSlotsHeaderSize covers the packed counters, the free stack head, the list links and
	// the liveness bitmap.
	RunSlotsHeaderSize = 12 * WordSize

	MinSlotSize = 8
	MaxSlotSize = 256

	runSlotsBitmapOffset = 4 * WordSize
	runSlotsBitmapWords  = 8
	runSlotsBitmapBits   = runSlotsBitmapWords * 64
)

// RunSlots is a view of a page carved into equally sized slots. Free slots form a stack
// threaded through their first word; slots past the first uninitialized one have never been
// handed out.
//
// Word 0 packs slot size, used slot count, first uninitialized slot offset and first slot
// offset, 16 bits each. Word 1 is the page offset of the top free slot. Words 2 and 3 are the
// addresses of the previous and next RunSlots in whichever list holds this page. Words 4-11
// are the liveness bitmap, one bit per slot position.
type RunSlots struct {
	words  Words
	pool   *pool.Pool
	offset int
}

func NewRunSlots(words Words, p *pool.Pool, offset int) RunSlots {
	return RunSlots{words: words, pool: p, offset: offset}
}

func (r RunSlots) Pool() *pool.Pool {
	return r.pool
}

func (r RunSlots) Offset() int {
	return r.offset
}

func (r RunSlots) Addr() uintptr {
	return r.pool.Addr(r.offset)
}

// RunSlotsAddr masks a slot address down to its page.
func RunSlotsAddr(slot uintptr) uintptr {
	return memutils.AlignDownAddr(slot, RunSlotsSize)
}

// SlotsPerRunSlots is how many slots of slotSize fit in one page.
func SlotsPerRunSlots(slotSize int) int {
	return (RunSlotsSize - memutils.AlignUp(RunSlotsHeaderSize, uint(slotSize))) / slotSize
}

type runSlotsCounters struct {
	slotSize    int
	usedSlots   int
	firstUninit int
	firstSlot   int
}

func (r RunSlots) counters() runSlotsCounters {
	word := r.words.Load(r.pool, r.offset)
	return runSlotsCounters{
		slotSize:    int(uint16(word)),
		usedSlots:   int(uint16(word >> 16)),
		firstUninit: int(uint16(word >> 32)),
		firstSlot:   int(uint16(word >> 48)),
	}
}

func (r RunSlots) setCounters(c runSlotsCounters) {
	word := uint64(uint16(c.slotSize)) |
		uint64(uint16(c.usedSlots))<<16 |
		uint64(uint16(c.firstUninit))<<32 |
		uint64(uint16(c.firstSlot))<<48
	r.words.Store(r.pool, r.offset, word)
}

// Initialize prepares the page for slots of slotSize bytes, forgetting any previous
// contents.
func (r RunSlots) Initialize(slotSize int) {
	if !memutils.IsPow2(slotSize) || slotSize < MinSlotSize || slotSize > MaxSlotSize {
		panic(fmt.Sprintf("slot size %d is not a power of two in [%d, %d]", slotSize, MinSlotSize, MaxSlotSize))
	}

	firstSlot := memutils.AlignUp(RunSlotsHeaderSize, uint(slotSize))
	r.setCounters(runSlotsCounters{
		slotSize:    slotSize,
		firstUninit: firstSlot,
		firstSlot:   firstSlot,
	})
	r.words.Store(r.pool, r.offset+WordSize, 0)
	r.SetPrev(0)
	r.SetNext(0)
	for i := 0; i < runSlotsBitmapWords; i++ {
		r.words.Store(r.pool, r.offset+runSlotsBitmapOffset+i*WordSize, 0)
	}
}

func (r RunSlots) SlotSize() int {
	return r.counters().slotSize
}

func (r RunSlots) UsedSlots() int {
	return r.counters().usedSlots
}

func (r RunSlots) FirstSlotOffset() int {
	return r.counters().firstSlot
}

func (r RunSlots) nextFree() int {
	return int(r.words.Load(r.pool, r.offset+WordSize))
}

func (r RunSlots) setNextFree(slotOffset int) {
	r.words.Store(r.pool, r.offset+WordSize, uint64(slotOffset))
}

func (r RunSlots) Prev() uintptr {
	return r.words.LoadAddr(r.pool, r.offset+2*WordSize)
}

func (r RunSlots) SetPrev(addr uintptr) {
	r.words.StoreAddr(r.pool, r.offset+2*WordSize, addr)
}

func (r RunSlots) Next() uintptr {
	return r.words.LoadAddr(r.pool, r.offset+3*WordSize)
}

func (r RunSlots) SetNext(addr uintptr) {
	r.words.StoreAddr(r.pool, r.offset+3*WordSize, addr)
}

func (r RunSlots) bitmapWord(index int) (int, uint64) {
	wordOffset := r.offset + runSlotsBitmapOffset + (index/64)*WordSize
	return wordOffset, r.words.Load(r.pool, wordOffset)
}

func (r RunSlots) setBit(index int, live bool) {
	wordOffset, word := r.bitmapWord(index)
	if live {
		word |= 1 << (index % 64)
	} else {
		word &^= 1 << (index % 64)
	}
	r.words.Store(r.pool, wordOffset, word)
}

func (r RunSlots) bit(index int) bool {
	_, word := r.bitmapWord(index)
	return word&(1<<(index%64)) != 0
}

func (r RunSlots) IsEmpty() bool {
	return r.UsedSlots() == 0
}

func (r RunSlots) IsFull() bool {
	c := r.counters()
	return r.nextFree() == 0 && c.firstUninit+c.slotSize > RunSlotsSize
}

// PopFreeSlot hands out a slot, preferring recycled ones over carving fresh ones. It
// returns 0 when the page is full.
func (r RunSlots) PopFreeSlot() uintptr {
	c := r.counters()

	slot := r.nextFree()
	switch {
	case slot != 0:
		r.setNextFree(int(r.words.Load(r.pool, r.offset+slot)))
	case c.firstUninit+c.slotSize <= RunSlotsSize:
		slot = c.firstUninit
		c.firstUninit += c.slotSize
	default:
		return 0
	}

	c.usedSlots++
	r.setCounters(c)
	r.setBit(slot/c.slotSize, true)
	return r.pool.Addr(r.offset + slot)
}

// PushFreeSlot returns a slot to the page. It panics if the slot is not a live slot of this
// page.
func (r RunSlots) PushFreeSlot(addr uintptr) {
	c := r.counters()
	slot := int(addr - r.Addr())
	if addr < r.Addr() || slot < c.firstSlot || slot >= c.firstUninit || (slot-c.firstSlot)%c.slotSize != 0 {
		panic(fmt.Sprintf("address %#x is not a slot of the run slots at %#x", addr, r.Addr()))
	}
	if !r.bit(slot / c.slotSize) {
		panic(fmt.Sprintf("slot %#x is already free", addr))
	}

	r.words.Store(r.pool, r.offset+slot, uint64(r.nextFree()))
	r.setNextFree(slot)
	r.setBit(slot/c.slotSize, false)
	c.usedSlots--
	r.setCounters(c)
}

// IsLive reports whether addr is an allocated slot of this page.
func (r RunSlots) IsLive(addr uintptr) bool {
	c := r.counters()
	if addr < r.Addr() || addr >= r.Addr()+RunSlotsSize {
		return false
	}
	slot := int(addr - r.Addr())
	if c.slotSize == 0 || slot < c.firstSlot || slot >= c.firstUninit || (slot-c.firstSlot)%c.slotSize != 0 {
		return false
	}
	return r.bit(slot / c.slotSize)
}

// IterateOverOccupiedSlots calls visitor with the address of every live slot in address
// order until it returns false. It returns false if the visitor stopped the walk.
func (r RunSlots) IterateOverOccupiedSlots(visitor func(addr uintptr) bool) bool {
	slotSize := r.SlotSize()

	for wordIndex := 0; wordIndex < runSlotsBitmapWords; wordIndex++ {
		_, word := r.bitmapWord(wordIndex * 64)
		for byteIndex := 0; byteIndex < 8; byteIndex++ {
			b := byte(word >> (byteIndex * 8))
			for b != 0 {
				bit := bits.TrailingZeros8(b)
				b &^= 1 << bit

				index := wordIndex*64 + byteIndex*8 + bit
				if !visitor(r.Addr() + uintptr(index*slotSize)) {
					return false
				}
			}
		}
	}

	return true
}

func (r RunSlots) Validate() error {
	c := r.counters()
	if !memutils.IsPow2(c.slotSize) || c.slotSize < MinSlotSize || c.slotSize > MaxSlotSize {
		return errors.Errorf("run slots at %#x has an invalid slot size %d", r.Addr(), c.slotSize)
	}
	if c.firstSlot != memutils.AlignUp(RunSlotsHeaderSize, uint(c.slotSize)) {
		return errors.Errorf("run slots at %#x has first slot offset %d for slot size %d", r.Addr(), c.firstSlot, c.slotSize)
	}
	if c.firstUninit < c.firstSlot || c.firstUninit > RunSlotsSize {
		return errors.Errorf("run slots at %#x has first uninitialized slot offset %d", r.Addr(), c.firstUninit)
	}

	var live int
	for i := 0; i < runSlotsBitmapWords; i++ {
		_, word := r.bitmapWord(i * 64)
		live += bits.OnesCount64(word)
	}
	if live != c.usedSlots {
		return errors.Errorf("run slots at %#x counts %d used slots but its bitmap holds %d", r.Addr(), c.usedSlots, live)
	}

	carved := (c.firstUninit - c.firstSlot) / c.slotSize
	var free int
	for slot := r.nextFree(); slot != 0; slot = int(r.words.Load(r.pool, r.offset+slot)) {
		if r.bit(slot / c.slotSize) {
			return errors.Errorf("slot at offset %d of run slots at %#x is both free and live", slot, r.Addr())
		}
		free++
		if free > carved {
			return errors.Errorf("free stack of run slots at %#x is longer than the %d carved slots", r.Addr(), carved)
		}
	}
	if free+c.usedSlots != carved {
		return errors.Errorf("run slots at %#x has %d free and %d used slots but carved %d", r.Addr(), free, c.usedSlots, carved)
	}

	return nil
}

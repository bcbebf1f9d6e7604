package metadata_test

import (
	"testing"

	"github.com/arkheap/objalloc/memutils/metadata"
	"github.com/arkheap/objalloc/memutils/poison"
	"github.com/arkheap/objalloc/pool"
	"github.com/stretchr/testify/require"
)

func TestSlotsPerRunSlots(t *testing.T) {
	require.Equal(t, 500, metadata.SlotsPerRunSlots(8))
	require.Equal(t, 250, metadata.SlotsPerRunSlots(16))
	require.Equal(t, 125, metadata.SlotsPerRunSlots(32))
	require.Equal(t, 62, metadata.SlotsPerRunSlots(64))
	require.Equal(t, 31, metadata.SlotsPerRunSlots(128))
	require.Equal(t, 15, metadata.SlotsPerRunSlots(256))
}

func TestRunSlotsFillAndDrain(t *testing.T) {
	p := mapPool(t, pool.PageSize)
	runSlots := metadata.NewRunSlots(metadata.NewWords(nil), p, 0)
	runSlots.Initialize(32)

	require.True(t, runSlots.IsEmpty())
	require.False(t, runSlots.IsFull())
	require.Equal(t, 96, runSlots.FirstSlotOffset())

	var slots []uintptr
	for {
		slot := runSlots.PopFreeSlot()
		if slot == 0 {
			break
		}
		require.Zero(t, slot%32)
		slots = append(slots, slot)
	}

	require.Len(t, slots, 125)
	require.True(t, runSlots.IsFull())
	require.Equal(t, 125, runSlots.UsedSlots())
	require.NoError(t, runSlots.Validate())
	require.Equal(t, p.Base()+96, slots[0])

	for _, slot := range slots {
		require.True(t, runSlots.IsLive(slot))
		runSlots.PushFreeSlot(slot)
		require.False(t, runSlots.IsLive(slot))
	}

	require.True(t, runSlots.IsEmpty())
	require.False(t, runSlots.IsFull())
	require.NoError(t, runSlots.Validate())

	// Recycled slots come back last freed first.
	require.Equal(t, slots[len(slots)-1], runSlots.PopFreeSlot())
}

func TestRunSlotsDoubleFreePanics(t *testing.T) {
	p := mapPool(t, pool.PageSize)
	runSlots := metadata.NewRunSlots(metadata.NewWords(nil), p, 0)
	runSlots.Initialize(64)

	slot := runSlots.PopFreeSlot()
	runSlots.PushFreeSlot(slot)

	require.Panics(t, func() { runSlots.PushFreeSlot(slot) })
	require.Panics(t, func() { runSlots.PushFreeSlot(slot + 8) })
	require.Panics(t, func() { runSlots.PushFreeSlot(p.Base() + 16) })
}

func TestRunSlotsIterateOverOccupiedSlots(t *testing.T) {
	p := mapPool(t, pool.PageSize)
	runSlots := metadata.NewRunSlots(metadata.NewWords(nil), p, 0)
	runSlots.Initialize(8)

	var slots []uintptr
	for i := 0; i < 300; i++ {
		slots = append(slots, runSlots.PopFreeSlot())
	}

	var expected []uintptr
	for i, slot := range slots {
		if i%3 == 0 {
			runSlots.PushFreeSlot(slot)
		} else {
			expected = append(expected, slot)
		}
	}

	var visited []uintptr
	require.True(t, runSlots.IterateOverOccupiedSlots(func(addr uintptr) bool {
		visited = append(visited, addr)
		return true
	}))
	require.Equal(t, expected, visited)
	require.Equal(t, len(expected), runSlots.UsedSlots())
	require.NoError(t, runSlots.Validate())

	var count int
	require.False(t, runSlots.IterateOverOccupiedSlots(func(addr uintptr) bool {
		count++
		return count < 5
	}))
	require.Equal(t, 5, count)
}

func TestRunSlotsLinks(t *testing.T) {
	p := mapPool(t, 2*pool.PageSize)
	words := metadata.NewWords(nil)

	first := metadata.NewRunSlots(words, p, 0)
	second := metadata.NewRunSlots(words, p, pool.PageSize)
	first.Initialize(16)
	second.Initialize(256)

	first.SetNext(second.Addr())
	second.SetPrev(first.Addr())

	require.Equal(t, second.Addr(), first.Next())
	require.Equal(t, first.Addr(), second.Prev())
	require.Equal(t, uintptr(0), first.Prev())
	require.Equal(t, second.Addr(), metadata.RunSlotsAddr(second.Addr()+300))
	require.Equal(t, 256, second.FirstSlotOffset())
}

func TestRunSlotsFreeSlotsArePoisoned(t *testing.T) {
	p := mapPool(t, pool.PageSize)
	shadow := poison.NewShadow()
	runSlots := metadata.NewRunSlots(metadata.NewWords(shadow), p, 0)
	runSlots.Initialize(32)

	require.True(t, shadow.IsPoisoned(p, 0, metadata.RunSlotsHeaderSize))

	slot := runSlots.PopFreeSlot()
	offset := p.Offset(slot)
	require.NoError(t, shadow.CheckAccess(p, offset, 32))

	runSlots.PushFreeSlot(slot)
	require.Error(t, shadow.CheckAccess(p, offset, 32))
}

package allocator

import "sync"

var collectScratch = sync.Pool{
	New: func() any {
		scratch := make([]uintptr, 0, 256)
		return &scratch
	},
}

// collectDead frees every object that isDead reports. Dead objects are gathered before the
// first free so that iteration never races with the allocator's own bookkeeping.
func collectDead(iterate func(visitor func(addr uintptr)), isDead func(addr uintptr) bool, free func(addr uintptr)) int {
	scratchPtr := collectScratch.Get().(*[]uintptr)
	dead := (*scratchPtr)[:0]

	iterate(func(addr uintptr) {
		if isDead(addr) {
			dead = append(dead, addr)
		}
	})

	for _, addr := range dead {
		free(addr)
	}

	count := len(dead)
	*scratchPtr = dead[:0]
	collectScratch.Put(scratchPtr)
	return count
}

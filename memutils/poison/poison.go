package poison

import (
	"github.com/arkheap/objalloc/pool"
)

// Instrumentation is told which pool bytes hold allocator metadata. Every metadata word is
// unpoisoned for the duration of the access and poisoned again afterwards, so an
// implementation can catch user code that touches headers or freed memory.
type Instrumentation interface {
	Poison(p *pool.Pool, offset, size int)
	Unpoison(p *pool.Pool, offset, size int)
	// CheckAccess returns an error if any byte of the range is poisoned.
	CheckAccess(p *pool.Pool, offset, size int) error
	// Forget drops all state for a pool that is being unmapped.
	Forget(p *pool.Pool)
}

// Noop is the release-build instrumentation.
type Noop struct{}

var _ Instrumentation = Noop{}

func (Noop) Poison(p *pool.Pool, offset, size int)            {}
func (Noop) Unpoison(p *pool.Pool, offset, size int)          {}
func (Noop) CheckAccess(p *pool.Pool, offset, size int) error { return nil }
func (Noop) Forget(p *pool.Pool)                              {}

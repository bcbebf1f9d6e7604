package pool

//go:generate mockgen -source=pool.go -destination=mocks/provider.go -package=mocks

// PageSize is the granularity at which providers release memory back to the OS.
const PageSize = 4096

// Pool is a contiguous, aligned region of memory handed to an allocator. Every address an
// allocator returns lies inside exactly one Pool.
type Pool struct {
	mem  []byte
	base uintptr

	// raw is the full region the provider obtained, of which mem is the aligned window.
	raw []byte
}

// NewPool wraps a caller-owned byte slice. The slice must stay reachable for as long as the
// pool is in use, which the Pool itself guarantees by holding on to it.
func NewPool(mem []byte) *Pool {
	return newPool(mem, mem)
}

func newPool(raw, mem []byte) *Pool {
	return &Pool{
		mem:  mem,
		base: addressOf(mem),
		raw:  raw,
	}
}

func (p *Pool) Base() uintptr {
	return p.base
}

func (p *Pool) Size() int {
	return len(p.mem)
}

// End is the first address past the pool.
func (p *Pool) End() uintptr {
	return p.base + uintptr(len(p.mem))
}

func (p *Pool) Contains(addr uintptr) bool {
	return addr >= p.base && addr < p.End()
}

// Offset converts an address inside the pool to a pool offset.
func (p *Pool) Offset(addr uintptr) int {
	if !p.Contains(addr) {
		panic("address is outside the pool")
	}
	return int(addr - p.base)
}

// Addr converts a pool offset to an address.
func (p *Pool) Addr(offset int) uintptr {
	return p.base + uintptr(offset)
}

// Bytes returns the pool memory in [offset, offset+size).
func (p *Pool) Bytes(offset, size int) []byte {
	return p.mem[offset : offset+size : offset+size]
}

// Visitor is handed each pool an allocator gives up. After the call the allocator no longer
// references the pool and the visitor is free to unmap it.
type Visitor func(p *Pool)

// PageReleaser returns whole pages inside a pool to the OS without giving up the pool.
// The pages read as zero afterwards.
type PageReleaser interface {
	ReleasePages(p *Pool, offset, size int) error
}

// Provider is the OS collaborator that maps and unmaps pools.
type Provider interface {
	PageReleaser
	MapPool(size int, alignment uint) (*Pool, error)
	UnmapPool(p *Pool) error
}

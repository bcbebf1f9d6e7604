//go:build unix

package pool

import (
	"math"
	"sync/atomic"

	"github.com/arkheap/objalloc/memutils"
	"github.com/cockroachdb/errors"
	"golang.org/x/sys/unix"
)

// MmapProvider maps anonymous private memory straight from the kernel. To honour an
// alignment larger than a page it maps size+alignment bytes and gives the unaligned head and
// tail back with MADV_DONTNEED; the whole mapping is unmapped together with the pool.
type MmapProvider struct {
	mappedPools atomic.Int64
}

var _ Provider = &MmapProvider{}

func NewMmapProvider() *MmapProvider {
	return &MmapProvider{}
}

func (m *MmapProvider) MapPool(size int, alignment uint) (*Pool, error) {
	if size <= 0 || size%PageSize != 0 {
		return nil, errors.Newf("pool size must be a positive multiple of %d, got %d", PageSize, size)
	}
	if alignment < PageSize {
		alignment = PageSize
	}
	err := memutils.CheckPow2(alignment, "alignment")
	if err != nil {
		return nil, err
	}

	mapSize := size
	if alignment > PageSize {
		if alignment > math.MaxInt>>1 || size > math.MaxInt-int(alignment) {
			return nil, errors.Newf("a %d byte pool aligned to %d overflows the address space", size, alignment)
		}
		mapSize += int(alignment)
	}

	raw, err := unix.Mmap(-1, 0, mapSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, errors.Wrapf(err, "mmap of %d bytes failed", mapSize)
	}

	head := int(memutils.AlignUpAddr(addressOf(raw), alignment) - addressOf(raw))
	if head > 0 {
		_ = unix.Madvise(raw[:head], unix.MADV_DONTNEED)
	}
	if tail := raw[head+size:]; len(tail) > 0 {
		_ = unix.Madvise(tail, unix.MADV_DONTNEED)
	}

	m.mappedPools.Add(1)
	return newPool(raw, raw[head:head+size:head+size]), nil
}

func (m *MmapProvider) UnmapPool(p *Pool) error {
	if p.raw == nil {
		return errors.New("pool was already unmapped")
	}

	err := unix.Munmap(p.raw)
	if err != nil {
		return errors.Wrap(err, "munmap failed")
	}

	m.mappedPools.Add(-1)
	p.raw = nil
	p.mem = nil
	return nil
}

func (m *MmapProvider) ReleasePages(p *Pool, offset, size int) error {
	if offset%PageSize != 0 || size%PageSize != 0 {
		return errors.Newf("page range [%d, %d) is not page aligned", offset, offset+size)
	}
	if offset < 0 || offset+size > p.Size() {
		return errors.Newf("page range [%d, %d) is outside a pool of %d bytes", offset, offset+size, p.Size())
	}
	if size == 0 {
		return nil
	}

	return errors.Wrap(unix.Madvise(p.Bytes(offset, size), unix.MADV_DONTNEED), "madvise failed")
}

// MappedPools returns how many pools are currently mapped.
func (m *MmapProvider) MappedPools() int {
	return int(m.mappedPools.Load())
}

package allocator

import (
	"testing"

	"github.com/arkheap/objalloc/memutils"
	"github.com/arkheap/objalloc/memutils/metadata"
	"github.com/arkheap/objalloc/pool"
	"github.com/arkheap/objalloc/pool/mocks"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

func newTestHumongousAllocator(t *testing.T, env *testEnv, maxCount, maxSize int) *HumongousAllocator {
	allocator, err := NewHumongousAllocator(env.config, HumongousOptions{
		PoolAlign:             pool.PageSize,
		ReservedPoolsMaxCount: maxCount,
		ReservedPoolMaxSize:   maxSize,
	})
	require.NoError(t, err)
	return allocator
}

// allocInNewPool maps a pool sized for the object and places it there.
func allocInNewPool(t *testing.T, env *testEnv, allocator *HumongousAllocator, size int) (*pool.Pool, uintptr) {
	p := env.mapPool(t, allocator.PoolSizeFor(size, 8), allocator.PoolAlign())
	addr, err := allocator.AllocInPool(p, size, 8)
	require.NoError(t, err)
	return p, addr
}

func TestHumongousAllocatorPoolSizeFor(t *testing.T) {
	env := newTestEnv(t, pool.PageSize, nil)
	allocator := newTestHumongousAllocator(t, env, 0, 0)

	require.Equal(t, 102400, allocator.PoolSizeFor(100000, 8))
	require.Equal(t, pool.PageSize, allocator.PoolSizeFor(pool.PageSize-metadata.PoolHeaderSize, 8))
	require.Equal(t, 2*pool.PageSize, allocator.PoolSizeFor(pool.PageSize-metadata.PoolHeaderSize+1, 8))
	require.Equal(t, 2*pool.PageSize, allocator.PoolSizeFor(pool.PageSize-metadata.PoolHeaderSize, 64))
}

func TestHumongousAllocatorOneObjectPerPool(t *testing.T) {
	env := newTestEnv(t, pool.PageSize, nil)
	allocator := newTestHumongousAllocator(t, env, 0, 0)

	p, addr := allocInNewPool(t, env, allocator, 100000)
	require.Equal(t, p.Base()+metadata.PoolHeaderSize, addr)
	require.True(t, allocator.IsLive(addr))
	require.True(t, allocator.ContainObject(addr+50000))
	require.False(t, allocator.IsLive(addr+50000))
	require.Equal(t, 1, allocator.PoolCount())

	var stats memutils.Statistics
	allocator.AddStatistics(&stats)
	require.Equal(t, memutils.Statistics{
		PoolCount:   1,
		ObjectCount: 1,
		PoolBytes:   p.Size(),
		ObjectBytes: p.Size() - metadata.PoolHeaderSize,
	}, stats)

	require.Panics(t, func() { allocator.Free(addr + 8) })

	allocator.Free(addr)
	require.False(t, allocator.IsLive(addr))
	require.NoError(t, allocator.Validate())

	var released []*pool.Pool
	allocator.VisitAndRemoveFreePools(func(visited *pool.Pool) {
		released = append(released, visited)
	})
	require.Equal(t, []*pool.Pool{p}, released)
	require.Zero(t, allocator.PoolCount())
	require.False(t, allocator.ContainObject(addr))
}

func TestHumongousAllocatorAlignedObject(t *testing.T) {
	env := newTestEnv(t, pool.PageSize, nil)
	allocator := newTestHumongousAllocator(t, env, 0, 0)

	size := 3 * pool.PageSize
	p := env.mapPool(t, allocator.PoolSizeFor(size, 1024), allocator.PoolAlign())
	addr, err := allocator.AllocInPool(p, size, 1024)
	require.NoError(t, err)
	require.Equal(t, p.Base()+1024, addr)

	tooSmall := env.mapPool(t, pool.PageSize, allocator.PoolAlign())
	_, err = allocator.AllocInPool(tooSmall, pool.PageSize, 8)
	require.Error(t, err)
	require.False(t, allocator.ContainObject(tooSmall.Base()))
}

func TestHumongousAllocatorReservationCache(t *testing.T) {
	env := newTestEnv(t, pool.PageSize, nil)
	allocator := newTestHumongousAllocator(t, env, 2, 16*pool.PageSize)

	small, smallAddr := allocInNewPool(t, env, allocator, 2*pool.PageSize-metadata.PoolHeaderSize)
	medium, mediumAddr := allocInNewPool(t, env, allocator, 3*pool.PageSize-metadata.PoolHeaderSize)
	large, largeAddr := allocInNewPool(t, env, allocator, 4*pool.PageSize-metadata.PoolHeaderSize)
	larger, largerAddr := allocInNewPool(t, env, allocator, 5*pool.PageSize-metadata.PoolHeaderSize)
	oversized, oversizedAddr := allocInNewPool(t, env, allocator, 17*pool.PageSize-metadata.PoolHeaderSize)
	require.Equal(t, 5, allocator.PoolCount())

	allocator.Free(mediumAddr)
	allocator.Free(largeAddr)
	require.Equal(t, 2, allocator.ReservedPoolCount())

	// Not larger than the smallest cached pool.
	allocator.Free(smallAddr)
	// Evicts the smallest cached pool.
	allocator.Free(largerAddr)
	// Above the size ceiling.
	allocator.Free(oversizedAddr)
	require.Equal(t, 2, allocator.ReservedPoolCount())
	require.NoError(t, allocator.Validate())

	var freed []*pool.Pool
	allocator.VisitAndRemoveFreePools(func(p *pool.Pool) {
		freed = append(freed, p)
	})
	require.ElementsMatch(t, []*pool.Pool{small, medium, oversized}, freed)
	require.Equal(t, 2, allocator.PoolCount())

	// The smallest cached pool that fits is reused.
	addr := allocator.Alloc(3*pool.PageSize, 8)
	require.Equal(t, large.Base()+metadata.PoolHeaderSize, addr)
	require.Equal(t, 1, allocator.ReservedPoolCount())

	require.Zero(t, allocator.Alloc(5*pool.PageSize, 8))

	var reserved []*pool.Pool
	allocator.VisitAndRemoveReservedPools(func(p *pool.Pool) {
		reserved = append(reserved, p)
	})
	require.Equal(t, []*pool.Pool{larger}, reserved)
	require.Equal(t, 1, allocator.PoolCount())
	require.NoError(t, allocator.Validate())
}

func TestHumongousAllocatorReleasesPagesOfOversizedPools(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	env := newTestEnv(t, pool.PageSize, nil)
	releaser := mocks.NewMockPageReleaser(ctrl)
	env.config.PageReleaser = releaser
	allocator := newTestHumongousAllocator(t, env, 1, 1024*1024)

	p, addr := allocInNewPool(t, env, allocator, 100000)
	allocator.Free(addr)

	releaser.EXPECT().ReleasePages(p, 90112, p.Size()-90112).Return(nil)
	require.Equal(t, addr, allocator.Alloc(90000, 8))
	allocator.Free(addr)

	// A snug fit leaves nothing to release.
	require.Equal(t, addr, allocator.Alloc(100000, 8))
}

func TestHumongousAllocatorFreePoolListServesAllocations(t *testing.T) {
	env := newTestEnv(t, pool.PageSize, nil)
	allocator := newTestHumongousAllocator(t, env, 0, 0)

	p := env.mapPool(t, 8*pool.PageSize, pool.PageSize)
	require.NoError(t, allocator.AddMemoryPool(p))
	require.Zero(t, allocator.Alloc(8*pool.PageSize, 8))

	addr := allocator.Alloc(5*pool.PageSize, 8)
	require.Equal(t, p.Base()+metadata.PoolHeaderSize, addr)

	var visited []uintptr
	allocator.IterateOverObjects(func(object uintptr) {
		visited = append(visited, object)
	})
	require.Equal(t, []uintptr{addr}, visited)

	visited = nil
	allocator.IterateOverObjectsInRange(func(object uintptr) {
		visited = append(visited, object)
	}, addr+1, p.End())
	require.Empty(t, visited)

	require.Equal(t, 1, allocator.Collect(func(object uintptr) bool { return object == addr }))
	require.False(t, allocator.IsLive(addr))

	allocator.VisitAndRemoveAllPools(env.unmap(t))
	require.Zero(t, allocator.PoolCount())
	require.Zero(t, env.provider.MappedPools())
}

func TestReservedPools(t *testing.T) {
	newPool := func(size int) *pool.Pool {
		return pool.NewPool(make([]byte, size))
	}

	reserved := reservedPools{maxCount: 3, maxSize: 100}
	a, b, c := newPool(30), newPool(10), newPool(20)
	for _, p := range []*pool.Pool{a, b, c} {
		accepted, evicted := reserved.TryToInsert(p)
		require.True(t, accepted)
		require.Nil(t, evicted)
	}
	require.Equal(t, []*pool.Pool{b, c, a}, reserved.pools)
	require.NoError(t, reserved.Validate())

	accepted, evicted := reserved.TryToInsert(newPool(101))
	require.False(t, accepted)
	require.Nil(t, evicted)

	accepted, evicted = reserved.TryToInsert(newPool(5))
	require.False(t, accepted)
	require.Nil(t, evicted)

	d := newPool(25)
	accepted, evicted = reserved.TryToInsert(d)
	require.True(t, accepted)
	require.Same(t, b, evicted)
	require.Equal(t, []*pool.Pool{c, d, a}, reserved.pools)

	require.Same(t, d, reserved.Take(func(p *pool.Pool) bool { return p.Size() >= 21 }))
	require.Nil(t, reserved.Take(func(p *pool.Pool) bool { return p.Size() > 30 }))
	require.Equal(t, 2, reserved.Len())

	require.Equal(t, []*pool.Pool{c, a}, reserved.Drain())
	require.Zero(t, reserved.Len())
}

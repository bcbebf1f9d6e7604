package pool_test

import (
	"math"
	"testing"

	"github.com/arkheap/objalloc/pool"
	"github.com/stretchr/testify/require"
)

func TestHeapProviderAlignment(t *testing.T) {
	provider := pool.NewHeapProvider()

	for _, alignment := range []uint{8, 4096, 64 * 1024, 256 * 1024} {
		p, err := provider.MapPool(8192, alignment)
		require.NoError(t, err)
		require.Equal(t, 8192, p.Size())
		require.Zero(t, p.Base()%uintptr(alignment))
		require.Equal(t, p.Base()+8192, p.End())
	}

	require.Equal(t, 4, provider.MappedPools())
	require.Equal(t, 4*8192, provider.MappedBytes())
}

func TestHeapProviderRejectsBadArguments(t *testing.T) {
	provider := pool.NewHeapProvider()

	_, err := provider.MapPool(0, 4096)
	require.Error(t, err)

	_, err = provider.MapPool(4096, 3000)
	require.Error(t, err)
}

func TestHeapProviderRefusesImpossibleSizes(t *testing.T) {
	provider := pool.NewHeapProvider()

	for _, size := range []int{math.MaxInt >> 2, pool.MaxHeapPoolSize, math.MaxInt - 100} {
		var p *pool.Pool
		var err error
		require.NotPanics(t, func() {
			p, err = provider.MapPool(size, pool.PageSize)
		})
		require.Nil(t, p)
		require.Error(t, err, "size %d", size)
	}

	require.Zero(t, provider.MappedPools())
	require.Zero(t, provider.MappedBytes())
}

func TestHeapProviderUnmapTwice(t *testing.T) {
	provider := pool.NewHeapProvider()

	p, err := provider.MapPool(4096, 4096)
	require.NoError(t, err)
	require.NoError(t, provider.UnmapPool(p))
	require.Error(t, provider.UnmapPool(p))
	require.Equal(t, 0, provider.MappedPools())
}

func TestHeapProviderReleasePagesZeroes(t *testing.T) {
	provider := pool.NewHeapProvider()

	p, err := provider.MapPool(3*pool.PageSize, pool.PageSize)
	require.NoError(t, err)

	mem := p.Bytes(0, p.Size())
	for i := range mem {
		mem[i] = 0xAB
	}

	require.NoError(t, provider.ReleasePages(p, pool.PageSize, pool.PageSize))
	require.Equal(t, byte(0xAB), mem[pool.PageSize-1])
	require.Equal(t, byte(0), mem[pool.PageSize])
	require.Equal(t, byte(0), mem[2*pool.PageSize-1])
	require.Equal(t, byte(0xAB), mem[2*pool.PageSize])

	require.Error(t, provider.ReleasePages(p, 2*pool.PageSize, 2*pool.PageSize))
}

func TestPoolOffsets(t *testing.T) {
	p := pool.NewPool(make([]byte, 128))

	require.True(t, p.Contains(p.Base()))
	require.True(t, p.Contains(p.Base()+127))
	require.False(t, p.Contains(p.End()))
	require.Equal(t, 64, p.Offset(p.Addr(64)))
	require.Panics(t, func() { p.Offset(p.End()) })
}

func TestMmapProvider(t *testing.T) {
	provider := pool.NewMmapProvider()

	p, err := provider.MapPool(64*1024, 64*1024)
	require.NoError(t, err)
	require.Zero(t, p.Base()%(64*1024))

	mem := p.Bytes(0, p.Size())
	mem[0] = 1
	mem[len(mem)-1] = 2

	require.NoError(t, provider.ReleasePages(p, 0, pool.PageSize))
	require.Equal(t, byte(0), mem[0])
	require.Equal(t, byte(2), mem[len(mem)-1])

	require.NoError(t, provider.UnmapPool(p))
	require.Error(t, provider.UnmapPool(p))
}

package allocator

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"math"
	"sync"
	"testing"

	"github.com/arkheap/objalloc/memutils"
	"github.com/arkheap/objalloc/memutils/metadata"
	"github.com/arkheap/objalloc/memutils/poison"
	"github.com/arkheap/objalloc/pool"
	"github.com/arkheap/objalloc/pool/mocks"
	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jreader"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

type AllocatorSetup struct {
	Options CreateOptions
	Logs    io.Writer
}

func smallPoolOptions() CreateOptions {
	return CreateOptions{
		PoolAlignment:    pool.PageSize,
		RunSlotsPoolSize: 2 * pool.PageSize,
		FreeListPoolSize: 16 * pool.PageSize,
	}
}

func createAllocator(t *testing.T, setup AllocatorSetup) *InternalAllocator {
	logs := setup.Logs
	if logs == nil {
		logs = io.Discard
	}
	logger := slog.New(slog.NewTextHandler(logs, &slog.HandlerOptions{Level: slog.LevelDebug}))

	allocator, err := New(logger, setup.Options)
	require.NoError(t, err)
	return allocator
}

func TestNewRejectsBadOptions(t *testing.T) {
	_, err := New(nil, CreateOptions{PoolAlignment: 3 * pool.PageSize})
	require.Error(t, err)

	_, err = New(nil, CreateOptions{PoolAlignment: 1024})
	require.Error(t, err)

	_, err = New(nil, CreateOptions{PoolAlignment: 64 * 1024, RunSlotsPoolSize: 96 * 1024})
	require.True(t, errors.Is(err, memutils.MisalignedError))

	_, err = New(nil, CreateOptions{ReservedPoolsMaxCount: -1})
	require.Error(t, err)
}

func TestCreateFlagsString(t *testing.T) {
	require.Equal(t, "None", CreateFlags(0).String())
	require.Equal(t, "AllocatorCreateExternallySynchronized|AllocatorCreateMmapProvider",
		(AllocatorCreateExternallySynchronized | AllocatorCreateMmapProvider).String())
}

func TestAllocatorRoutesBySize(t *testing.T) {
	allocator := createAllocator(t, AllocatorSetup{Options: smallPoolOptions()})

	require.Equal(t, pool.AllocatorRunSlots, allocator.AllocatorTypeFor(256, 8))
	require.Equal(t, pool.AllocatorFreeList, allocator.AllocatorTypeFor(257, 8))
	require.Equal(t, pool.AllocatorFreeList, allocator.AllocatorTypeFor(allocator.FreeList().MaxSize(), 8))
	require.Equal(t, pool.AllocatorHumongous, allocator.AllocatorTypeFor(allocator.FreeList().MaxSize()+1, 8))
	require.Equal(t, pool.AllocatorFreeList, allocator.AllocatorTypeFor(24, 512))

	for _, testCase := range []struct {
		size         int
		expectedType pool.AllocatorType
	}{
		{size: 24, expectedType: pool.AllocatorRunSlots},
		{size: 1000, expectedType: pool.AllocatorFreeList},
		{size: 100000, expectedType: pool.AllocatorHumongous},
	} {
		addr, err := allocator.Alloc(testCase.size, 8)
		require.NoError(t, err)

		entry, ok := allocator.Space().Lookup(addr)
		require.True(t, ok)
		require.Equal(t, testCase.expectedType, entry.Type)
		require.True(t, allocator.IsLive(addr))
		require.True(t, allocator.ContainObject(addr))

		allocator.Free(addr)
		require.False(t, allocator.IsLive(addr))
	}

	require.NoError(t, allocator.Validate())
	require.NoError(t, allocator.Destroy())
}

func TestAllocatorMapsHumongousPoolForOversizedObject(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	heap := pool.NewHeapProvider()
	provider := mocks.NewMockProvider(ctrl)

	options := smallPoolOptions()
	options.Provider = provider
	allocator := createAllocator(t, AllocatorSetup{Options: options})

	size := allocator.FreeList().MaxSize() + 1
	expectedPoolSize := memutils.AlignUp(size+metadata.PoolHeaderSize, pool.PageSize)

	var mapped *pool.Pool
	provider.EXPECT().MapPool(expectedPoolSize, uint(pool.PageSize)).DoAndReturn(
		func(size int, alignment uint) (*pool.Pool, error) {
			p, err := heap.MapPool(size, alignment)
			mapped = p
			return p, err
		})

	addr, err := allocator.Alloc(size, 8)
	require.NoError(t, err)
	require.Equal(t, mapped.Base()+metadata.PoolHeaderSize, addr)
	require.GreaterOrEqual(t, mapped.Size(), size+metadata.PoolHeaderSize)
	require.Zero(t, mapped.Size()%pool.PageSize)

	// The emptied pool stays in the reservation cache and serves the next request.
	allocator.Free(addr)
	require.Equal(t, 1, allocator.Humongous().ReservedPoolCount())

	again, err := allocator.Alloc(size, 8)
	require.NoError(t, err)
	require.Equal(t, addr, again)
	allocator.Free(again)

	provider.EXPECT().UnmapPool(mapped).DoAndReturn(heap.UnmapPool)
	require.NoError(t, allocator.Destroy())
	require.Zero(t, heap.MappedPools())
}

func TestAllocatorMapsOnePoolPerExhaustion(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	heap := pool.NewHeapProvider()
	provider := mocks.NewMockProvider(ctrl)

	options := smallPoolOptions()
	options.Provider = provider
	allocator := createAllocator(t, AllocatorSetup{Options: options})

	provider.EXPECT().MapPool(options.RunSlotsPoolSize, options.PoolAlignment).DoAndReturn(heap.MapPool).Times(2)

	perPool := 2 * metadata.SlotsPerRunSlots(32)
	var objects []uintptr
	for i := 0; i < perPool+1; i++ {
		addr, err := allocator.Alloc(24, 8)
		require.NoError(t, err)
		objects = append(objects, addr)
	}
	require.Equal(t, 2, allocator.RunSlots().PoolCount())

	for _, addr := range objects {
		allocator.Free(addr)
	}

	provider.EXPECT().ReleasePages(gomock.Any(), gomock.Any(), metadata.RunSlotsSize).DoAndReturn(heap.ReleasePages).AnyTimes()
	provider.EXPECT().UnmapPool(gomock.Any()).DoAndReturn(heap.UnmapPool).Times(2)
	allocator.ReleaseFreePools()
	require.Zero(t, allocator.RunSlots().PoolCount())
	require.Zero(t, heap.MappedPools())
	require.NoError(t, allocator.Destroy())
}

func TestAllocatorOutOfMemory(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	provider := mocks.NewMockProvider(ctrl)
	options := smallPoolOptions()
	options.Provider = provider
	allocator := createAllocator(t, AllocatorSetup{Options: options})

	provider.EXPECT().MapPool(gomock.Any(), gomock.Any()).Return(nil, errors.New("mmap failed")).Times(3)

	for _, size := range []int{16, 4000, 1 << 20} {
		addr, err := allocator.Alloc(size, 8)
		require.Zero(t, addr)
		require.True(t, errors.Is(err, ErrOutOfMemory), "size %d: %+v", size, err)
	}
}

func TestAllocatorReportsUnmappableHumongousPool(t *testing.T) {
	allocator, err := New(slog.New(slog.NewTextHandler(io.Discard, nil)), CreateOptions{})
	require.NoError(t, err)

	for _, size := range []int{math.MaxInt >> 2, math.MaxInt - 100, math.MaxInt} {
		var addr uintptr
		require.NotPanics(t, func() {
			addr, err = allocator.Alloc(size, 8)
		})
		require.Zero(t, addr)
		require.True(t, errors.Is(err, ErrOutOfMemory), "size %d: %+v", size, err)
	}

	require.Zero(t, allocator.Humongous().PoolCount())
	require.NoError(t, allocator.Validate())
	require.NoError(t, allocator.Destroy())
}

func TestAllocatorRejectsBadRequests(t *testing.T) {
	allocator := createAllocator(t, AllocatorSetup{Options: smallPoolOptions()})

	_, err := allocator.Alloc(-1, 8)
	require.Error(t, err)

	_, err = allocator.Alloc(16, 24)
	require.Error(t, err)

	addr, err := allocator.Alloc(0, 0)
	require.NoError(t, err)
	require.Zero(t, addr%metadata.BlockAlignment)
	allocator.Free(addr)

	require.Panics(t, func() { allocator.Free(12345) })
	require.NoError(t, allocator.Destroy())
}

func TestAllocatorMemoryAccess(t *testing.T) {
	options := smallPoolOptions()
	options.Instrumentation = poison.NewShadow()
	allocator := createAllocator(t, AllocatorSetup{Options: options})

	small, err := allocator.Alloc(16, 8)
	require.NoError(t, err)
	medium, err := allocator.Alloc(3000, 64)
	require.NoError(t, err)
	require.Zero(t, medium%64)

	memory, err := allocator.Memory(medium, 3000)
	require.NoError(t, err)
	require.Len(t, memory, 3000)
	for i := range memory {
		memory[i] = 0xAB
	}

	memory, err = allocator.Memory(small, 16)
	require.NoError(t, err)
	copy(memory, "sixteen byte str")

	// The next slot is poisoned.
	_, err = allocator.Memory(small, 17)
	require.ErrorIs(t, err, poison.ErrPoisonedAccess)

	_, err = allocator.Memory(medium+8, 8)
	require.True(t, errors.Is(err, ErrNotAnObject))

	allocator.Free(small)
	_, err = allocator.Memory(small, 16)
	require.True(t, errors.Is(err, ErrNotAnObject))

	memory, err = allocator.Memory(medium, 3000)
	require.NoError(t, err)
	require.Equal(t, bytes.Repeat([]byte{0xAB}, 3000), memory)

	allocator.Free(medium)
	require.NoError(t, allocator.Validate())
	require.NoError(t, allocator.Destroy())
}

func TestAllocatorIterationAndCollect(t *testing.T) {
	allocator := createAllocator(t, AllocatorSetup{Options: smallPoolOptions()})

	live := make(map[uintptr]bool)
	for i, size := range []int{8, 100, 300, 5000, 100000, 64, 2000} {
		addr, err := allocator.Alloc(size, 8)
		require.NoError(t, err)
		live[addr] = i%2 == 0
	}

	visited := make(map[uintptr]bool)
	allocator.IterateOverObjects(func(addr uintptr) {
		require.False(t, visited[addr])
		visited[addr] = true
	})
	require.Len(t, visited, len(live))

	freed := allocator.Collect(func(addr uintptr) bool { return !live[addr] })
	require.Equal(t, 3, freed)
	for addr, keep := range live {
		require.Equal(t, keep, allocator.IsLive(addr))
	}
	require.NoError(t, allocator.Validate())

	for addr, keep := range live {
		if !keep {
			continue
		}

		var inRange []uintptr
		allocator.IterateOverObjectsInRange(func(object uintptr) {
			inRange = append(inRange, object)
		}, addr, addr+1)
		require.Equal(t, []uintptr{addr}, inRange)
		allocator.Free(addr)
	}
	require.NoError(t, allocator.Destroy())
}

func TestAllocatorStatistics(t *testing.T) {
	allocator := createAllocator(t, AllocatorSetup{Options: smallPoolOptions()})

	small, err := allocator.Alloc(24, 8)
	require.NoError(t, err)
	medium, err := allocator.Alloc(1000, 8)
	require.NoError(t, err)

	var stats memutils.Statistics
	allocator.AddStatistics(&stats)
	require.Equal(t, 2, stats.PoolCount)
	require.Equal(t, 2, stats.ObjectCount)
	require.Equal(t, 2*pool.PageSize+16*pool.PageSize, stats.PoolBytes)
	require.Equal(t, 32+metadata.RequiredBlockSize(1000, 0), stats.ObjectBytes)

	var detailed memutils.DetailedStatistics
	detailed.Clear()
	allocator.AddDetailedStatistics(&detailed)
	require.Equal(t, stats, detailed.Statistics)
	require.Equal(t, 32, detailed.ObjectSizeMin)
	require.Equal(t, metadata.RequiredBlockSize(1000, 0), detailed.ObjectSizeMax)

	reader := jreader.NewReader([]byte(allocator.BuildStatsString(true)))
	sections := make(map[string]int)
	var totalObjectSizeMax int
	var objects []string
	for obj := reader.Object(); obj.Next(); {
		name := string(obj.Name())
		if name == "Objects" {
			for arr := reader.Array(); arr.Next(); {
				for item := reader.Object(); item.Next(); {
					if string(item.Name()) == "Allocator" {
						objects = append(objects, reader.String())
					} else {
						reader.SkipValue()
					}
				}
			}
			continue
		}

		for section := reader.Object(); section.Next(); {
			switch {
			case string(section.Name()) == "ObjectCount":
				sections[name] = reader.Int()
			case name == "Total" && string(section.Name()) == "ObjectSizeMax":
				totalObjectSizeMax = reader.Int()
			default:
				reader.SkipValue()
			}
		}
	}
	require.NoError(t, reader.Error())

	require.Equal(t, map[string]int{"Total": 2, "RunSlots": 1, "FreeList": 1, "Humongous": 0}, sections)
	require.Equal(t, detailed.ObjectSizeMax, totalObjectSizeMax)
	require.ElementsMatch(t, []string{"AllocatorRunSlots", "AllocatorFreeList"}, objects)

	allocator.Free(small)
	allocator.Free(medium)
	require.NoError(t, allocator.Destroy())
}

func TestAllocatorConcurrentUse(t *testing.T) {
	allocator := createAllocator(t, AllocatorSetup{Options: smallPoolOptions()})
	sizes := []int{8, 24, 200, 700, 3000, 70000}

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for worker := 0; worker < 8; worker++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()

			var objects []uintptr
			for i := 0; i < 300; i++ {
				addr, err := allocator.Alloc(sizes[(worker+i)%len(sizes)], 8)
				if err != nil {
					errs <- err
					return
				}
				objects = append(objects, addr)

				if i%3 == 2 {
					allocator.Free(objects[0])
					objects = objects[1:]
				}
			}
			for _, addr := range objects {
				allocator.Free(addr)
			}
		}(worker)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}

	require.NoError(t, allocator.Validate())
	count := 0
	allocator.IterateOverObjects(func(addr uintptr) { count++ })
	require.Zero(t, count)

	allocator.ReleaseFreePools()
	require.Zero(t, allocator.RunSlots().PoolCount())
	require.Zero(t, allocator.FreeList().PoolCount())
	require.Equal(t, allocator.Humongous().ReservedPoolCount(), allocator.Humongous().PoolCount())
	require.NoError(t, allocator.Destroy())
}

func TestLocalAllocator(t *testing.T) {
	logs := &bytes.Buffer{}
	allocator := createAllocator(t, AllocatorSetup{Options: smallPoolOptions(), Logs: logs})

	local, err := allocator.NewLocalAllocator()
	require.NoError(t, err)

	small, err := local.Alloc(32, 8)
	require.NoError(t, err)
	require.True(t, local.RunSlots().ContainObject(small))
	require.False(t, allocator.RunSlots().ContainObject(small))
	require.True(t, allocator.IsLive(small))

	medium, err := local.Alloc(1000, 8)
	require.NoError(t, err)
	require.True(t, allocator.FreeList().ContainObject(medium))

	var visited []uintptr
	allocator.IterateOverObjects(func(addr uintptr) {
		visited = append(visited, addr)
	})
	require.ElementsMatch(t, []uintptr{small, medium}, visited)

	require.PanicsWithValue(t, fmt.Sprintf("address %#x belongs to a local allocator and must be freed through it", small), func() {
		allocator.Free(small)
	})
	require.True(t, allocator.IsLive(small))
	require.NoError(t, allocator.Validate())

	local.Free(small)
	local.Free(medium)
	require.False(t, allocator.IsLive(small))
	require.False(t, allocator.IsLive(medium))

	leaked, err := local.Alloc(64, 8)
	require.NoError(t, err)
	err = local.Destroy()
	require.Error(t, err)
	require.Contains(t, logs.String(), "[UNRELEASED MEMORY]")
	require.False(t, allocator.ContainObject(leaked))

	require.NoError(t, allocator.Destroy())
}

func TestLocalAllocatorsOnSeparateGoroutines(t *testing.T) {
	allocator := createAllocator(t, AllocatorSetup{Options: smallPoolOptions()})

	var wg sync.WaitGroup
	errs := make(chan error, 4)
	for worker := 0; worker < 4; worker++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			local, err := allocator.NewLocalAllocator()
			if err != nil {
				errs <- err
				return
			}

			var objects []uintptr
			for i := 0; i < 1000; i++ {
				addr, err := local.Alloc(24+i%3*700, 8)
				if err != nil {
					errs <- err
					return
				}
				objects = append(objects, addr)
			}
			for _, addr := range objects {
				local.Free(addr)
			}
			errs <- local.Destroy()
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}

	require.NoError(t, allocator.Validate())
	count := 0
	allocator.IterateOverObjects(func(addr uintptr) { count++ })
	require.Zero(t, count)
	require.NoError(t, allocator.Destroy())
}

func TestValidateRejectsForeignPools(t *testing.T) {
	allocator := createAllocator(t, AllocatorSetup{Options: smallPoolOptions()})

	_, err := allocator.Alloc(24, 8)
	require.NoError(t, err)
	require.NoError(t, allocator.Validate())

	stray, err := pool.NewHeapProvider().MapPool(pool.PageSize, pool.PageSize)
	require.NoError(t, err)
	require.NoError(t, allocator.Space().Register(stray, pool.AllocatorFreeList, allocator.RunSlots()))

	require.ErrorContains(t, allocator.Validate(), "has no matching owner")

	allocator.Space().Unregister(stray)
	require.NoError(t, allocator.Validate())
}

func TestDestroyReportsUnreleasedObjects(t *testing.T) {
	logs := &bytes.Buffer{}
	heap := pool.NewHeapProvider()
	options := smallPoolOptions()
	options.Provider = heap
	allocator := createAllocator(t, AllocatorSetup{Options: options, Logs: logs})

	local, err := allocator.NewLocalAllocator()
	require.NoError(t, err)
	_, err = local.Alloc(16, 8)
	require.NoError(t, err)

	for _, size := range []int{16, 2000, 200000} {
		_, err := allocator.Alloc(size, 8)
		require.NoError(t, err)
	}

	err = allocator.Destroy()
	require.EqualError(t, err, "4 objects were not freed before the allocator was destroyed")
	require.Equal(t, 4, bytes.Count(logs.Bytes(), []byte("[UNRELEASED MEMORY]")))
	require.Zero(t, heap.MappedPools())
	require.Zero(t, heap.MappedBytes())
}

package allocator

import (
	"log/slog"

	"github.com/arkheap/objalloc/internal/utils"
	"github.com/arkheap/objalloc/memutils"
	"github.com/arkheap/objalloc/memutils/poison"
	"github.com/arkheap/objalloc/pool"
	"github.com/cockroachdb/errors"
)

// CreateFlags indicate specific allocator behaviors to activate or deactivate
type CreateFlags int32

var allocatorCreateFlagsMapping = utils.NewFlagStringMapping[CreateFlags]()

func (f CreateFlags) Register(str string) {
	allocatorCreateFlagsMapping.Register(f, str)
}
func (f CreateFlags) String() string {
	return allocatorCreateFlagsMapping.FlagsToString(f)
}

const (
	// AllocatorCreateExternallySynchronized ensures that this allocator will not be synchronized
	// internally. The consumer must guarantee it is used from only one goroutine at a time or is
	// synchronized by some other mechanism.
	AllocatorCreateExternallySynchronized CreateFlags = 1 << iota
	// AllocatorCreateMmapProvider maps pools with mmap instead of from the Go heap when no
	// Provider is supplied.
	AllocatorCreateMmapProvider
)

func init() {
	AllocatorCreateExternallySynchronized.Register("AllocatorCreateExternallySynchronized")
	AllocatorCreateMmapProvider.Register("AllocatorCreateMmapProvider")
}

const (
	defaultPoolAlignment         uint = 256 * 1024
	defaultRunSlotsPoolSize      int  = 256 * 1024
	defaultFreeListPoolSize      int  = 1024 * 1024
	defaultSegregatedListSize    int  = 16
	defaultReservedPoolsMaxCount int  = 4
	defaultReservedPoolMaxSize   int  = 4 * 1024 * 1024
)

// CreateOptions contains optional settings when creating an allocator. Zero values are
// replaced with defaults.
type CreateOptions struct {
	// Flags indicates specific allocator behaviors to activate or deactivate
	Flags CreateFlags

	// Provider maps and unmaps pools. Defaults to a HeapProvider, or an MmapProvider when
	// AllocatorCreateMmapProvider is set.
	Provider pool.Provider
	// Instrumentation observes metadata access. Defaults to poison.Default().
	Instrumentation poison.Instrumentation

	// PoolAlignment is the alignment of every pool the allocator maps, and the granule of
	// its address space map. Defaults to 256KiB.
	PoolAlignment uint
	// RunSlotsPoolSize is the size of the pools small objects are carved from. Defaults to
	// 256KiB.
	RunSlotsPoolSize int
	// FreeListPoolSize is the size of the pools medium objects are carved from. It also
	// bounds the largest free list object. Defaults to 1MiB.
	FreeListPoolSize int
	// SegregatedListSize is the number of size buckets of the free list. Defaults to 16.
	SegregatedListSize int
	// FreeListOrderedInsert keeps every free list bucket sorted by descending size instead
	// of pushing freed blocks at the head.
	FreeListOrderedInsert bool
	// FreeListBestFit makes the free list pick the smallest fitting block of a bucket
	// instead of the first one.
	FreeListBestFit bool

	// ReservedPoolsMaxCount is how many emptied humongous pools are cached for reuse.
	// Defaults to 4.
	ReservedPoolsMaxCount int
	// ReservedPoolMaxSize is the largest humongous pool that may be cached. Defaults to 4MiB.
	ReservedPoolMaxSize int
}

func (o *CreateOptions) fillDefaults() error {
	if o.PoolAlignment == 0 {
		o.PoolAlignment = defaultPoolAlignment
	}
	if o.RunSlotsPoolSize == 0 {
		o.RunSlotsPoolSize = defaultRunSlotsPoolSize
	}
	if o.FreeListPoolSize == 0 {
		o.FreeListPoolSize = defaultFreeListPoolSize
	}
	if o.SegregatedListSize == 0 {
		o.SegregatedListSize = defaultSegregatedListSize
	}
	if o.ReservedPoolsMaxCount == 0 {
		o.ReservedPoolsMaxCount = defaultReservedPoolsMaxCount
	}
	if o.ReservedPoolMaxSize == 0 {
		o.ReservedPoolMaxSize = defaultReservedPoolMaxSize
	}
	if o.Instrumentation == nil {
		o.Instrumentation = poison.Default()
	}
	if o.Provider == nil {
		if o.Flags&AllocatorCreateMmapProvider != 0 {
			o.Provider = pool.NewMmapProvider()
		} else {
			o.Provider = pool.NewHeapProvider()
		}
	}

	err := memutils.CheckPow2(o.PoolAlignment, "CreateOptions.PoolAlignment")
	if err != nil {
		return err
	}
	if o.PoolAlignment < pool.PageSize {
		return errors.Newf("CreateOptions.PoolAlignment must be at least %d, got %d", pool.PageSize, o.PoolAlignment)
	}
	if o.RunSlotsPoolSize%int(o.PoolAlignment) != 0 || o.FreeListPoolSize%int(o.PoolAlignment) != 0 {
		return errors.Wrapf(memutils.MisalignedError, "pool sizes %d and %d must be multiples of the pool alignment %d",
			o.RunSlotsPoolSize, o.FreeListPoolSize, o.PoolAlignment)
	}
	if o.SegregatedListSize < 0 || o.ReservedPoolsMaxCount < 0 || o.ReservedPoolMaxSize < 0 {
		return errors.New("CreateOptions sizes cannot be negative")
	}

	return nil
}

// New creates a new InternalAllocator
//
// logger - Destination for debug and error output. When nil, slog.Default() is used
//
// options - Optional parameters: it is valid to leave all the fields blank
func New(logger *slog.Logger, options CreateOptions) (*InternalAllocator, error) {
	if logger == nil {
		logger = slog.Default()
	}

	err := options.fillDefaults()
	if err != nil {
		return nil, err
	}

	useMutex := options.Flags&AllocatorCreateExternallySynchronized == 0
	space, err := pool.NewSpace(options.PoolAlignment, useMutex)
	if err != nil {
		return nil, err
	}

	config := Config{
		Logger:          logger,
		Synchronized:    useMutex,
		Instrumentation: options.Instrumentation,
		Space:           space,
		PageReleaser:    options.Provider,
	}

	runSlots, err := NewRunSlotsAllocator(config, RunSlotsOptions{
		PoolSize:  options.RunSlotsPoolSize,
		PoolAlign: options.PoolAlignment,
	})
	if err != nil {
		return nil, err
	}

	freeList, err := NewFreeListAllocator(config, FreeListOptions{
		PoolSize:      options.FreeListPoolSize,
		PoolAlign:     options.PoolAlignment,
		BucketCount:   options.SegregatedListSize,
		OrderedInsert: options.FreeListOrderedInsert,
		BestFit:       options.FreeListBestFit,
	})
	if err != nil {
		return nil, err
	}

	humongous, err := NewHumongousAllocator(config, HumongousOptions{
		PoolAlign:             options.PoolAlignment,
		ReservedPoolsMaxCount: options.ReservedPoolsMaxCount,
		ReservedPoolMaxSize:   options.ReservedPoolMaxSize,
	})
	if err != nil {
		return nil, err
	}

	return &InternalAllocator{
		logger:    logger,
		options:   options,
		config:    config,
		provider:  options.Provider,
		runSlots:  runSlots,
		freeList:  freeList,
		humongous: humongous,

		localsMutex: utils.OptionalMutex{UseMutex: useMutex},
	}, nil
}

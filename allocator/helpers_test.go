package allocator

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/arkheap/objalloc/memutils/poison"
	"github.com/arkheap/objalloc/pool"
	"github.com/stretchr/testify/require"
)

type testEnv struct {
	provider *pool.HeapProvider
	config   Config
	logs     *bytes.Buffer
}

func newTestEnv(t *testing.T, granule uint, instr poison.Instrumentation) *testEnv {
	space, err := pool.NewSpace(granule, true)
	require.NoError(t, err)

	logs := &bytes.Buffer{}
	provider := pool.NewHeapProvider()
	return &testEnv{
		provider: provider,
		logs:     logs,
		config: Config{
			Logger:          slog.New(slog.NewTextHandler(logs, &slog.HandlerOptions{Level: slog.LevelDebug})),
			Synchronized:    true,
			Instrumentation: instr,
			Space:           space,
			PageReleaser:    provider,
		},
	}
}

func (e *testEnv) mapPool(t *testing.T, size int, alignment uint) *pool.Pool {
	p, err := e.provider.MapPool(size, alignment)
	require.NoError(t, err)
	return p
}

func (e *testEnv) unmap(t *testing.T) pool.Visitor {
	return func(p *pool.Pool) {
		require.NoError(t, e.provider.UnmapPool(p))
	}
}

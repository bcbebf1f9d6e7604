package allocator

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/arkheap/objalloc/memutils/metadata"
	"github.com/arkheap/objalloc/memutils/poison"
	"github.com/arkheap/objalloc/pool"
	"github.com/cockroachdb/errors"
)

// Config is the environment a sub-allocator works in. The dispatcher shares one Config
// between its allocators; a sub-allocator can also be used on its own.
type Config struct {
	// Logger defaults to slog.Default()
	Logger *slog.Logger
	// Synchronized turns the allocator's internal locks on
	Synchronized bool
	// Instrumentation defaults to poison.Noop
	Instrumentation poison.Instrumentation
	// Space resolves addresses to pools. It is required and every pool the allocator is
	// given gets registered in it.
	Space *pool.Space
	// PageReleaser gives unused pages back to the OS. When nil, pages are never released.
	PageReleaser pool.PageReleaser
}

func (c *Config) fill() error {
	if c.Space == nil {
		return errors.New("Config.Space is required")
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Instrumentation == nil {
		c.Instrumentation = poison.Noop{}
	}
	return nil
}

func (c Config) words() metadata.Words {
	return metadata.NewWords(c.Instrumentation)
}

func (c Config) releasePages(p *pool.Pool, offset, size int) {
	if c.PageReleaser == nil || size <= 0 {
		return
	}

	err := c.PageReleaser.ReleasePages(p, offset, size)
	if err != nil {
		c.Logger.LogAttrs(context.Background(), slog.LevelWarn, "failed to release pages",
			addrAttr("pool", p.Base()),
			slog.Int("offset", offset),
			slog.Int("size", size),
			slog.Any("error", err))
	}
}

// objectAllocator is the part of every sub-allocator the dispatcher routes through the
// space map.
type objectAllocator interface {
	Free(addr uintptr)
	ContainObject(addr uintptr) bool
	IsLive(addr uintptr) bool
}

func addrAttr(key string, addr uintptr) slog.Attr {
	return slog.String(key, fmt.Sprintf("%#x", addr))
}

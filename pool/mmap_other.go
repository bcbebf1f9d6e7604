//go:build !unix

package pool

// MmapProvider falls back to heap-backed pools where there is no mmap.
type MmapProvider struct {
	HeapProvider
}

var _ Provider = &MmapProvider{}

func NewMmapProvider() *MmapProvider {
	return &MmapProvider{}
}

//go:build debug_mem_utils

package poison

// Default returns the instrumentation used when none is configured. Debug builds poison
// metadata through a Shadow.
func Default() Instrumentation {
	return NewShadow()
}

//go:build !debug_mem_utils

package poison

// Default returns the instrumentation used when none is configured. Release builds do not
// instrument metadata access.
func Default() Instrumentation {
	return Noop{}
}

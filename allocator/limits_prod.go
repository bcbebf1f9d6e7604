//go:build !debug_mem_utils

package allocator

import "math"

// HumongousObjAllocatorMaxSize is the largest object the humongous allocator accepts.
const HumongousObjAllocatorMaxSize = math.MaxInt

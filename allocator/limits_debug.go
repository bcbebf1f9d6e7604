//go:build debug_mem_utils

package allocator

// HumongousObjAllocatorMaxSize is the largest object the humongous allocator accepts. Debug
// builds cap it so that runaway sizes fail fast.
const HumongousObjAllocatorMaxSize = 1024 * 1024 * 1024

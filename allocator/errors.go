package allocator

import "github.com/cockroachdb/errors"

// ErrOutOfMemory is returned when a request cannot be served even after asking the provider
// for a new pool.
var ErrOutOfMemory = errors.New("out of memory")

// ErrNotAnObject is returned for addresses that are not live objects of the allocator.
var ErrNotAnObject = errors.New("address is not a live object")

package memutils

import "github.com/pkg/errors"

// PowerOfTwoError is the error returned from CheckPow2 or other methods if the number being tested is not a power of two
var PowerOfTwoError error = errors.New("number must be a power of two")

// MisalignedError is returned when a pool or address handed to an allocator does not honor
// the alignment that allocator requires
var MisalignedError error = errors.New("memory is not correctly aligned")

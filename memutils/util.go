package memutils

import (
	"math/bits"

	cerrors "github.com/cockroachdb/errors"
	"golang.org/x/exp/constraints"
)

type Number interface {
	constraints.Integer
}

func CheckPow2[T Number](number T, name string) error {
	if number <= 0 || number&(number-1) != 0 {
		return cerrors.Wrapf(PowerOfTwoError, "%s is %d", name, number)
	}
	return nil
}

func IsPow2[T Number](number T) bool {
	return number > 0 && number&(number-1) == 0
}

func AlignUp(value int, alignment uint) int {
	return (value + int(alignment) - 1) & int(^(alignment - 1))
}

func AlignDown(value int, alignment uint) int {
	return value & int(^(alignment - 1))
}

// AlignUpAddr is AlignUp for raw addresses.
func AlignUpAddr(addr uintptr, alignment uint) uintptr {
	return (addr + uintptr(alignment) - 1) &^ (uintptr(alignment) - 1)
}

// AlignDownAddr is AlignDown for raw addresses.
func AlignDownAddr(addr uintptr, alignment uint) uintptr {
	return addr &^ (uintptr(alignment) - 1)
}

// RoundUpPow2 returns the smallest power of two that is greater than or equal to value.
// Values below 1 round up to 1.
func RoundUpPow2(value int) int {
	if value <= 1 {
		return 1
	}
	return 1 << (bits.Len(uint(value - 1)))
}

// Log2 returns the base-2 logarithm of a power of two.
func Log2(value int) int {
	return bits.TrailingZeros(uint(value))
}

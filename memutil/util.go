package memutil

import (
	"math/bits"

	cerrors "github.com/cockroachdb/errors"
)

type Number interface {
	~int | ~uint
}

func CheckPow2[T Number](number T, name string) error {
	if number == 0 || number&(number-1) != 0 {
		return cerrors.Wrapf(PowerOfTwoError, "%s is %d", name, number)
	}
	return nil
}

// AlignUp rounds value up to the nearest multiple of alignment. The alignment must be
// a power of two.
func AlignUp(value int, alignment uint) int {
	return (value + int(alignment) - 1) & int(^(alignment - 1))
}

// AlignDown rounds value down to the nearest multiple of alignment. The alignment must be
// a power of two.
func AlignDown(value int, alignment uint) int {
	return value & int(^(alignment - 1))
}

// FloorPow2 returns the largest power of two that is less than or equal to value.
// It panics if value is not positive.
func FloorPow2(value int) int {
	if value <= 0 {
		panic("FloorPow2 requires a positive value")
	}
	return 1 << (bits.UintSize - 1 - bits.LeadingZeros(uint(value)))
}

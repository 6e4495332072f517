package memutils

import (
	cerrors "github.com/cockroachdb/errors"
	"golang.org/x/exp/constraints"
)

// Number is any integer type that memutils alignment helpers can operate on
type Number interface {
	constraints.Integer
}

func CheckPow2[T Number](number T, name string) error {
	if number <= 0 || number&(number-1) != 0 {
		return cerrors.Wrapf(PowerOfTwoError, "%s is %d", name, number)
	}
	return nil
}

func AlignUp(value int, alignment uint) int {
	return (value + int(alignment) - 1) & int(^(alignment - 1))
}

// AlignUpPtr rounds value up to the next multiple of alignment, which must be a power of two
func AlignUpPtr(value, alignment uintptr) uintptr {
	return (value + alignment - 1) &^ (alignment - 1)
}

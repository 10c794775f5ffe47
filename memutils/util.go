package memutils

import (
	cerrors "github.com/cockroachdb/errors"
)

type Number interface {
	~int | ~uint | ~uint32 | ~uint64
}

// CheckPow2 returns PowerOfTwoError, annotated with name, if number is not a power of two. Zero
// is accepted and treated as "no requirement" by the alignment helpers.
func CheckPow2[T Number](number T, name string) error {
	if number&(number-1) != 0 {
		return cerrors.Wrapf(PowerOfTwoError, "%s is %d", name, number)
	}
	return nil
}

// AlignUp rounds value up to the next multiple of alignment. Alignments of 0 and 1 leave
// value unchanged.
func AlignUp[T Number](value T, alignment T) T {
	if alignment <= 1 {
		return value
	}
	return (value + alignment - 1) & ^(alignment - 1)
}

// FitsBits reports whether value can be stored in an unsigned field of the given width
// without truncation.
func FitsBits(value uint64, width uint) bool {
	if width >= 64 {
		return true
	}
	return value&^((uint64(1)<<width)-1) == 0
}

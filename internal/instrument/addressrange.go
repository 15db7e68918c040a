package instrument

import (
	"fmt"
	"math"
)

// AddressRange is a half-open range [Start, End) of virtual addresses in the
// target process. Well-formed ranges have Start < End.
type AddressRange struct {
	Start uint64
	End   uint64
}

func (r AddressRange) String() string {
	return fmt.Sprintf("%#x-%#x", r.Start, r.End)
}

// Overlaps reports whether the ranges overlap. Touching ranges do not count
// as overlapping. Assumes both ranges are well formed.
func (r AddressRange) Overlaps(other AddressRange) bool {
	return !(other.End <= r.Start || other.Start >= r.End)
}

// lowestIntersectingRange returns the index of the lowest range in the sorted,
// non-overlapping slice that intersects with `r`, or -1 if none does.
func lowestIntersectingRange(sorted []AddressRange, r AddressRange) int {
	for i := range sorted {
		if sorted[i].Overlaps(r) {
			return i
		}
	}
	return -1
}

// highestIntersectingRange returns the index of the highest range in the
// sorted, non-overlapping slice that intersects with `r`, or -1 if none does.
func highestIntersectingRange(sorted []AddressRange, r AddressRange) int {
	for i := len(sorted) - 1; i >= 0; i-- {
		if sorted[i].Overlaps(r) {
			return i
		}
	}
	return -1
}

// AddressDifferenceAsInt32 returns the signed 32 bit difference a-b between
// two absolute 64 bit addresses, or an error if the difference does not fit.
// This is the bound that decides whether two locations can reach each other
// with a near jump or call.
func AddressDifferenceAsInt32(a, b uint64) (int32, error) {
	if a > b && a-b > uint64(math.MaxInt32) {
		return 0, fmt.Errorf("difference between %#x and %#x is larger than +2GiB", a, b)
	}
	if b > a && b-a > uint64(-math.MinInt32) {
		return 0, fmt.Errorf("difference between %#x and %#x is larger than -2GiB", a, b)
	}
	return int32(a - b), nil
}

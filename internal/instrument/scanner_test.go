package instrument

import (
	"math"
	"os"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUnavailableAddressRanges(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("requires /proc")
	}

	ranges, err := UnavailableAddressRanges(os.Getpid())
	require.NoError(t, err)
	require.NotEmpty(t, ranges)

	assert.Equal(t, uint64(0), ranges[0].Start)
	for i, r := range ranges {
		assert.Less(t, r.Start, r.End, "range %d is malformed", i)
		if i > 0 {
			// Sorted, non-overlapping and coalesced: a gap between neighbors.
			assert.Less(t, ranges[i-1].End, r.Start)
		}
	}
}

func TestFindAddressRangeForTrampolinePlacesBelow(t *testing.T) {
	unavailable := []AddressRange{
		{Start: 0, End: 0x1000},
		{Start: 0x10000, End: 0x20000},
	}
	codeRange := AddressRange{Start: 0x10000, End: 0x11000}

	found, err := FindAddressRangeForTrampoline(unavailable, codeRange, 0x100)
	require.NoError(t, err)
	// Directly left of the occupied range the code lives in, rounded down to
	// a page boundary.
	assert.Equal(t, uint64(0xf000), found.Start)
	assert.Equal(t, uint64(0xf100), found.End)
}

func TestFindAddressRangeForTrampolinePlacesAboveWhenBelowIsFull(t *testing.T) {
	unavailable := []AddressRange{{Start: 0, End: 0x20000}}
	codeRange := AddressRange{Start: 0x10000, End: 0x11000}

	found, err := FindAddressRangeForTrampoline(unavailable, codeRange, 0x100)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x20000), found.Start)
}

func TestFindAddressRangeForTrampolineSkipsTooSmallGap(t *testing.T) {
	unavailable := []AddressRange{
		{Start: 0, End: 0x1000},
		{Start: 0x3000, End: 0x4000},
	}
	codeRange := AddressRange{Start: 0x3000, End: 0x4000}

	// 0x3000 bytes do not fit between 0x1000 and 0x3000, so the allocation
	// moves above the code.
	found, err := FindAddressRangeForTrampoline(unavailable, codeRange, 0x3000)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x4000), found.Start)
}

func TestFindAddressRangeForTrampolineFailsBeyondDisplacementBound(t *testing.T) {
	// Everything below and the first 4GiB taken: the only free spot is more
	// than 2GiB above the code.
	unavailable := []AddressRange{{Start: 0, End: 0x100000000}}
	codeRange := AddressRange{Start: 0x1000, End: 0x2000}

	_, err := FindAddressRangeForTrampoline(unavailable, codeRange, 0x1000)
	assert.Error(t, err)
}

func TestFindAddressRangeForTrampolineRejectsUnknownCodeRange(t *testing.T) {
	unavailable := []AddressRange{{Start: 0, End: 0x1000}}
	codeRange := AddressRange{Start: 0x100000, End: 0x101000}

	_, err := FindAddressRangeForTrampoline(unavailable, codeRange, 0x1000)
	assert.Error(t, err)
}

func TestFindAddressRangeForTrampolineInOwnProcess(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("requires /proc")
	}

	unavailable, err := UnavailableAddressRanges(os.Getpid())
	require.NoError(t, err)
	require.Greater(t, len(unavailable), 1)

	codeRange := unavailable[1]
	found, err := FindAddressRangeForTrampoline(unavailable, codeRange, MaxTrampolineSize())
	require.NoError(t, err)

	for _, r := range unavailable {
		assert.False(t, found.Overlaps(r), "placement %s overlaps taken range %s", found, r)
	}
	if found.Start >= codeRange.End {
		assert.LessOrEqual(t, found.End-codeRange.Start, uint64(math.MaxInt32))
	} else {
		assert.LessOrEqual(t, codeRange.End-found.Start, uint64(math.MaxInt32))
	}
}

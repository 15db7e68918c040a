package instrument

import (
	"bufio"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/reef-prof/reef/internal/sys/proc"
)

// UnavailableAddressRanges parses /proc/<pid>/maps and returns every address
// range already taken in the target process, sorted ascending with directly
// neighboring ranges joined. A range [0, mmap_min_addr) is prepended since
// mmap cannot place anything below that boundary.
func UnavailableAddressRanges(pid int) ([]AddressRange, error) {
	mmapMinAddr, err := proc.MmapMinAddr()
	if err != nil {
		return nil, err
	}
	result := []AddressRange{{Start: 0, End: mmapMinAddr}}

	path := fmt.Sprintf("/proc/%d/maps", pid)
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read memory map of process %d: %w", pid, err)
	}
	defer f.Close() // nolint:errcheck

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 1 {
			continue
		}
		addresses := strings.Split(fields[0], "-")
		if len(addresses) != 2 {
			continue
		}
		start, err := strconv.ParseUint(addresses[0], 16, 64)
		if err != nil {
			continue
		}
		end, err := strconv.ParseUint(addresses[1], 16, 64)
		if err != nil {
			continue
		}
		if start >= end {
			panic(fmt.Sprintf("malformed mapping %s in %s", fields[0], path))
		}
		// Join with the previous segment or append as a new one.
		if result[len(result)-1].End == start {
			result[len(result)-1].End = end
			continue
		}
		result = append(result, AddressRange{Start: start, End: end})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read memory map of process %d: %w", pid, err)
	}
	return result, nil
}

// FindAddressRangeForTrampoline finds an empty range of `size` bytes not
// overlapping anything in `unavailable` and close enough to `codeRange` that
// every jump between the two regions fits into a signed 32 bit displacement.
// `unavailable` must be sorted, non-overlapping and start at zero (as
// produced by UnavailableAddressRanges).
//
// The search walks outward from the occupied range containing codeRange,
// first below and then above, rounding candidates to page boundaries. As soon
// as a free gap on one side violates the displacement bound the search on
// that side stops: every further gap is even farther away.
func FindAddressRangeForTrampoline(unavailable []AddressRange, codeRange AddressRange, size uint64) (AddressRange, error) {
	const max32BitOffset = uint64(math.MaxInt32)
	const max64BitAddress = uint64(math.MaxUint64)
	pageSize := uint64(os.Getpagesize())

	if len(unavailable) == 0 || unavailable[0].Start != 0 {
		panic("unavailable ranges must start at zero; use the result of UnavailableAddressRanges")
	}

	// Try to fit the interval below codeRange.
	index := lowestIntersectingRange(unavailable, codeRange)
	if index == -1 {
		return AddressRange{}, fmt.Errorf("code range %s is not in the taken ranges", codeRange)
	}
	for index > 0 {
		// Place directly to the left of the taken interval we are in, rounded
		// down to a page boundary.
		if unavailable[index].Start < size {
			break
		}
		trampolineAddress := (unavailable[index].Start - size) / pageSize * pageSize
		candidate := AddressRange{Start: trampolineAddress, End: trampolineAddress + size}
		index = lowestIntersectingRange(unavailable, candidate)
		if index == -1 {
			// The candidate is free. codeRange lies above it, so the largest
			// displacement needed is from its start to the end of codeRange.
			if codeRange.End-candidate.Start <= max32BitOffset {
				return candidate, nil
			}
			// Already out of reach; gaps further down are worse.
			break
		}
	}

	// Try to fit the interval above codeRange.
	index = highestIntersectingRange(unavailable, codeRange)
	if index == -1 {
		return AddressRange{}, fmt.Errorf("code range %s is not in the taken ranges", codeRange)
	}
	for {
		// Rounding up the end of the taken interval must not overflow.
		if unavailable[index].End > max64BitAddress-(pageSize-1) {
			break
		}
		trampolineAddress := (unavailable[index].End + pageSize - 1) / pageSize * pageSize
		if trampolineAddress >= max64BitAddress-size {
			break
		}
		candidate := AddressRange{Start: trampolineAddress, End: trampolineAddress + size}
		index = highestIntersectingRange(unavailable, candidate)
		if index == -1 {
			if candidate.End-codeRange.Start <= max32BitOffset {
				return candidate, nil
			}
			break
		}
	}
	return AddressRange{}, fmt.Errorf("no place to fit %d bytes close to code range %s", size, codeRange)
}

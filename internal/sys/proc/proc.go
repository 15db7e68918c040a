// Package proc provides utilities for process inspection on Linux systems.
// It parses the /proc filesystem for the thread and address space information
// the instrumentation engine needs about its target.
package proc

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// ListTids returns the thread ids of the process, sorted ascending. Note that
// a running process can spawn or end threads between this call and any use of
// the result; callers that need a stable view must have stopped the process.
func ListTids(pid int) ([]int, error) {
	taskDir := fmt.Sprintf("/proc/%d/task", pid)
	entries, err := os.ReadDir(taskDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", taskDir, err)
	}

	var tids []int
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		tid, err := strconv.Atoi(entry.Name())
		if err != nil {
			continue // Not a numeric directory.
		}
		tids = append(tids, tid)
	}
	sort.Ints(tids)
	return tids, nil
}

// TracerPid returns the pid of the process tracing `pid`, or 0 if it is not
// being traced. An error means the process does not exist or /proc is not
// readable.
func TracerPid(pid int) (int, error) {
	statusPath := fmt.Sprintf("/proc/%d/status", pid)
	f, err := os.Open(statusPath)
	if err != nil {
		return 0, fmt.Errorf("failed to open %s: %w", statusPath, err)
	}
	defer f.Close() // nolint:errcheck

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "TracerPid:") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			return 0, fmt.Errorf("invalid TracerPid line in %s: %q", statusPath, line)
		}
		tracer, err := strconv.Atoi(fields[1])
		if err != nil {
			return 0, fmt.Errorf("failed to parse TracerPid in %s: %w", statusPath, err)
		}
		return tracer, nil
	}
	if err := scanner.Err(); err != nil {
		return 0, fmt.Errorf("failed to scan %s: %w", statusPath, err)
	}
	return 0, fmt.Errorf("TracerPid not found in %s", statusPath)
}

// MmapMinAddr returns the lowest address mmap may hand out, from
// /proc/sys/vm/mmap_min_addr. Everything below it is unusable for placing
// code in any process.
func MmapMinAddr() (uint64, error) {
	data, err := os.ReadFile("/proc/sys/vm/mmap_min_addr")
	if err != nil {
		return 0, fmt.Errorf("failed to read /proc/sys/vm/mmap_min_addr: %w", err)
	}
	value, err := strconv.ParseUint(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse /proc/sys/vm/mmap_min_addr: %w", err)
	}
	return value, nil
}

// ProcessExists reports whether a process with the given pid is present.
func ProcessExists(pid int) bool {
	_, err := os.Stat(fmt.Sprintf("/proc/%d", pid))
	return err == nil
}

// ModuleBase scans /proc/<pid>/maps for the first file-backed mapping whose
// file name contains one of the given substrings and returns the file path
// and the lowest address it is mapped at. The maps file is sorted by address,
// so the first line of a module is its base mapping.
func ModuleBase(pid int, names ...string) (string, uint64, error) {
	path := fmt.Sprintf("/proc/%d/maps", pid)
	f, err := os.Open(path)
	if err != nil {
		return "", 0, fmt.Errorf("failed to read memory map of process %d: %w", pid, err)
	}
	defer f.Close() // nolint:errcheck
	return findModuleInMaps(f, names...)
}

func findModuleInMaps(r io.Reader, names ...string) (string, uint64, error) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 6 || !strings.HasPrefix(fields[5], "/") {
			continue
		}
		base := filepath.Base(fields[5])
		matched := false
		for _, name := range names {
			if strings.Contains(base, name) {
				matched = true
				break
			}
		}
		if !matched {
			continue
		}
		start, err := strconv.ParseUint(strings.SplitN(fields[0], "-", 2)[0], 16, 64)
		if err != nil {
			continue
		}
		return fields[5], start, nil
	}
	if err := scanner.Err(); err != nil {
		return "", 0, fmt.Errorf("failed to scan memory map: %w", err)
	}
	return "", 0, fmt.Errorf("no loaded module matches %v", names)
}

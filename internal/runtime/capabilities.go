// Package runtime detects what the host allows us to do to other processes.
package runtime

import (
	"bufio"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
)

// Linux capability bit positions (from include/uapi/linux/capability.h).
const (
	capSysPtrace = 19 // CAP_SYS_PTRACE
)

// Capabilities describes what the current process may do with ptrace.
type Capabilities struct {
	// CapSysPtrace is set when CAP_SYS_PTRACE is in the effective set, which
	// allows attaching to arbitrary processes regardless of the Yama scope.
	CapSysPtrace bool
	// Root processes can attach even without an explicit capability set.
	IsRoot bool
}

// CanPtrace reports whether attaching to arbitrary processes will work.
func (c Capabilities) CanPtrace() bool {
	return c.CapSysPtrace || c.IsRoot
}

// DetectCapabilities inspects the current process. On non-Linux platforms it
// returns empty capabilities; everything downstream refuses to run there
// anyway.
func DetectCapabilities() (Capabilities, error) {
	if runtime.GOOS != "linux" {
		return Capabilities{}, nil
	}

	capEff, err := readCapabilityBitmask("/proc/self/status", "CapEff")
	if err != nil {
		return Capabilities{}, fmt.Errorf("failed to read capabilities: %w", err)
	}

	return Capabilities{
		CapSysPtrace: hasCapability(capEff, capSysPtrace),
		IsRoot:       os.Geteuid() == 0,
	}, nil
}

// readCapabilityBitmask reads a capability bitmask from /proc/self/status.
func readCapabilityBitmask(procStatusPath, capName string) (uint64, error) {
	file, err := os.Open(procStatusPath)
	if err != nil {
		return 0, fmt.Errorf("failed to open %s: %w", procStatusPath, err)
	}
	defer file.Close() // nolint:errcheck

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, capName+":") {
			continue
		}

		// Format: "CapEff:\t00000000a80435fb"
		parts := strings.Fields(line)
		if len(parts) < 2 {
			return 0, fmt.Errorf("invalid %s format: %s", capName, line)
		}

		bitmask, err := strconv.ParseUint(parts[1], 16, 64)
		if err != nil {
			return 0, fmt.Errorf("failed to parse %s bitmask: %w", capName, err)
		}

		return bitmask, nil
	}

	if err := scanner.Err(); err != nil {
		return 0, fmt.Errorf("failed to scan %s: %w", procStatusPath, err)
	}

	return 0, fmt.Errorf("%s not found in %s", capName, procStatusPath)
}

// hasCapability checks if a specific capability bit is set in the bitmask.
func hasCapability(bitmask uint64, capBit int) bool {
	return (bitmask & (1 << uint(capBit))) != 0
}

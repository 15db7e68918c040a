package tracee

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// ReadMemory reads `size` bytes at `address` from the target's address space
// using process_vm_readv. The caller must be allowed to ptrace the target; it
// does not have to be attached.
func ReadMemory(pid int, address uint64, size uint64) ([]byte, error) {
	if size == 0 {
		return nil, nil
	}
	buf := make([]byte, size)
	local := []unix.Iovec{{Base: &buf[0], Len: size}}
	remote := []unix.RemoteIovec{{Base: uintptr(address), Len: int(size)}}
	n, err := unix.ProcessVMReadv(pid, local, remote, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to read %d bytes at %#x from process %d: %w", size, address, pid, err)
	}
	if uint64(n) != size {
		return nil, fmt.Errorf("short read from process %d at %#x: got %d of %d bytes", pid, address, n, size)
	}
	return buf, nil
}

// WriteMemory writes `data` at `address` in the target's address space
// through /proc/<pid>/mem, which bypasses page protections for an attached
// tracer. The target process must be stopped; with the process running the
// write would race against threads executing the bytes being replaced.
func WriteMemory(pid int, address uint64, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	path := fmt.Sprintf("/proc/%d/mem", pid)
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close() // nolint:errcheck

	n, err := f.WriteAt(data, int64(address))
	if err != nil {
		return fmt.Errorf("failed to write %d bytes at %#x in process %d: %w", len(data), address, pid, err)
	}
	if n != len(data) {
		return fmt.Errorf("short write to process %d at %#x: wrote %d of %d bytes", pid, address, n, len(data))
	}
	return nil
}

package tracee

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"
)

// SyscallInTracee makes the stopped thread execute a single system call and
// returns its result. The two byte syscall instruction is written over the
// code at the thread's current instruction pointer, the thread is single
// stepped across it, and code and registers are restored afterwards. Nothing
// needs to be mapped beforehand, which makes this the bootstrap for all other
// remote operations.
func SyscallInTracee(tid int, number uint64, args ...uint64) (uint64, error) {
	if len(args) > 6 {
		return 0, fmt.Errorf("too many syscall arguments: %d", len(args))
	}

	originalRegisters, err := GetRegisters(tid)
	if err != nil {
		return 0, err
	}
	// rip always points into an executable mapping, so it is a safe place to
	// plant the two bytes of the syscall instruction.
	codeAddress := originalRegisters.Rip
	originalCode, err := ReadMemory(tid, codeAddress, 2)
	if err != nil {
		return 0, err
	}
	if err := WriteMemory(tid, codeAddress, []byte{0x0f, 0x05}); err != nil {
		return 0, err
	}
	restoreCode := func() {
		if err := WriteMemory(tid, codeAddress, originalCode); err != nil {
			log.Error().Err(err).Int("tid", tid).Msg("failed to restore code overwritten for a remote syscall")
		}
	}

	registers := originalRegisters
	registers.Rax = number
	// A thread stopped in the middle of a system call would have that call
	// restarted on the next resume, clobbering our registers. Clearing
	// orig_rax disarms the restart.
	registers.Orig_rax = ^uint64(0)
	argumentRegisters := []*uint64{
		&registers.Rdi, &registers.Rsi, &registers.Rdx,
		&registers.R10, &registers.R8, &registers.R9,
	}
	for i, arg := range args {
		*argumentRegisters[i] = arg
	}
	if err := SetRegisters(tid, registers); err != nil {
		restoreCode()
		return 0, err
	}

	if err := unix.PtraceSingleStep(tid); err != nil {
		restoreCode()
		return 0, fmt.Errorf("PTRACE_SINGLESTEP failed for thread %d: %w", tid, err)
	}
	var status unix.WaitStatus
	if _, err := unix.Wait4(tid, &status, unix.WALL, nil); err != nil {
		restoreCode()
		return 0, fmt.Errorf("wait4 failed for thread %d: %w", tid, err)
	}
	if !status.Stopped() || status.StopSignal() != unix.SIGTRAP {
		restoreCode()
		return 0, fmt.Errorf("thread %d did not stop with SIGTRAP after the injected syscall, status %#x", tid, status)
	}

	resultRegisters, err := GetRegisters(tid)
	if err != nil {
		restoreCode()
		return 0, err
	}
	restoreCode()
	if err := SetRegisters(tid, originalRegisters); err != nil {
		return 0, err
	}

	result := resultRegisters.Rax
	if errno := int64(result); errno < 0 && errno > -4096 {
		return 0, fmt.Errorf("syscall %d failed in thread %d: %w", number, tid, unix.Errno(-errno))
	}
	return result, nil
}

// memoryState tracks what Make*Executable/Writable last set the protection to.
type memoryState int

const (
	memoryWritable memoryState = iota
	memoryExecutable
)

// MemoryInTracee is an anonymous private mapping created in the target.
// Allocations start out writable; EnsureMemoryExecutable flips them before any
// code in them may run.
type MemoryInTracee struct {
	pid     int
	address uint64
	size    uint64
	state   memoryState
}

// AllocateMemory maps `size` bytes of anonymous memory in the target process.
// When addressHint is nonzero the mapping must end up exactly there; a kernel
// that places it elsewhere fails the allocation (and the stray mapping is
// unmapped again). The target process must be attached and stopped.
func AllocateMemory(pid int, addressHint, size uint64) (*MemoryInTracee, error) {
	address, err := SyscallInTracee(pid, unix.SYS_MMAP,
		addressHint, size,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS,
		^uint64(0), // fd
		0)          // offset
	if err != nil {
		return nil, fmt.Errorf("failed to mmap %d bytes in process %d: %w", size, pid, err)
	}
	if addressHint != 0 && address != addressHint {
		if _, errFree := SyscallInTracee(pid, unix.SYS_MUNMAP, address, size); errFree != nil {
			log.Error().Err(errFree).Int("pid", pid).Msg("failed to unmap a misplaced allocation")
		}
		return nil, fmt.Errorf("mmap in process %d ignored the address hint %#x and mapped at %#x", pid, addressHint, address)
	}
	return &MemoryInTracee{pid: pid, address: address, size: size, state: memoryWritable}, nil
}

// Free unmaps the memory in the target. The target must be stopped.
func (m *MemoryInTracee) Free() error {
	if _, err := SyscallInTracee(m.pid, unix.SYS_MUNMAP, m.address, m.size); err != nil {
		return fmt.Errorf("failed to unmap %d bytes at %#x in process %d: %w", m.size, m.address, m.pid, err)
	}
	return nil
}

// Pid returns the process the memory belongs to.
func (m *MemoryInTracee) Pid() int { return m.pid }

// Address returns the start address of the mapping in the target.
func (m *MemoryInTracee) Address() uint64 { return m.address }

// Size returns the size of the mapping.
func (m *MemoryInTracee) Size() uint64 { return m.size }

// EnsureMemoryExecutable makes the mapping executable (and no longer
// writable). A no-op when it already is.
func (m *MemoryInTracee) EnsureMemoryExecutable() error {
	if m.state == memoryExecutable {
		return nil
	}
	if _, err := SyscallInTracee(m.pid, unix.SYS_MPROTECT, m.address, m.size, unix.PROT_READ|unix.PROT_EXEC); err != nil {
		return fmt.Errorf("failed to make memory at %#x in process %d executable: %w", m.address, m.pid, err)
	}
	m.state = memoryExecutable
	return nil
}

// EnsureMemoryWritable makes the mapping writable (and no longer executable).
// A no-op when it already is.
func (m *MemoryInTracee) EnsureMemoryWritable() error {
	if m.state == memoryWritable {
		return nil
	}
	if _, err := SyscallInTracee(m.pid, unix.SYS_MPROTECT, m.address, m.size, unix.PROT_READ|unix.PROT_WRITE); err != nil {
		return fmt.Errorf("failed to make memory at %#x in process %d writable: %w", m.address, m.pid, err)
	}
	m.state = memoryWritable
	return nil
}

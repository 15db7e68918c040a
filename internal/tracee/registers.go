// Package tracee implements the process-control primitives the
// instrumentation engine needs on its target: ptrace attach/detach, register
// access, remote memory I/O, remote allocation and remote code execution.
// Everything here assumes an x86-64 Linux target.
package tracee

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Registers is the general purpose register file of a stopped thread.
type Registers = unix.PtraceRegs

// FPRegisters mirrors the kernel's user_fpregs_struct: the x87/SSE state
// saved and restored with PTRACE_GETREGSET/PTRACE_SETREGSET and NT_PRFPREG.
type FPRegisters struct {
	Data [512]byte
}

// NT_PRFPREG regset identifier (elf.h).
const ntPRFPReg = 2

// GetRegisters reads the general purpose registers of a stopped thread.
func GetRegisters(tid int) (Registers, error) {
	var regs Registers
	if err := unix.PtraceGetRegs(tid, &regs); err != nil {
		return regs, fmt.Errorf("PTRACE_GETREGS failed for thread %d: %w", tid, err)
	}
	return regs, nil
}

// SetRegisters writes the general purpose registers of a stopped thread.
func SetRegisters(tid int, regs Registers) error {
	if err := unix.PtraceSetRegs(tid, &regs); err != nil {
		return fmt.Errorf("PTRACE_SETREGS failed for thread %d: %w", tid, err)
	}
	return nil
}

// GetFPRegisters reads the floating point and SSE state of a stopped thread.
func GetFPRegisters(tid int) (FPRegisters, error) {
	var fpregs FPRegisters
	iov := unix.Iovec{Base: &fpregs.Data[0], Len: uint64(len(fpregs.Data))}
	_, _, errno := unix.Syscall6(unix.SYS_PTRACE, unix.PTRACE_GETREGSET,
		uintptr(tid), ntPRFPReg, uintptr(unsafe.Pointer(&iov)), 0, 0)
	if errno != 0 {
		return fpregs, fmt.Errorf("PTRACE_GETREGSET(NT_PRFPREG) failed for thread %d: %w", tid, errno)
	}
	return fpregs, nil
}

// SetFPRegisters writes the floating point and SSE state of a stopped thread.
func SetFPRegisters(tid int, fpregs FPRegisters) error {
	iov := unix.Iovec{Base: &fpregs.Data[0], Len: uint64(len(fpregs.Data))}
	_, _, errno := unix.Syscall6(unix.SYS_PTRACE, unix.PTRACE_SETREGSET,
		uintptr(tid), ntPRFPReg, uintptr(unsafe.Pointer(&iov)), 0, 0)
	if errno != 0 {
		return fmt.Errorf("PTRACE_SETREGSET(NT_PRFPREG) failed for thread %d: %w", tid, errno)
	}
	return nil
}

package tracee

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/reef-prof/reef/internal/machinecode"
)

// ExecuteMachineCode writes the given code into memory allocated in the
// target, points the stopped main thread at it and resumes the thread until
// the code traps. The code must end in an int3 and leave its result in rax.
// Registers and floating point state of the thread are restored afterwards,
// so from the target's point of view nothing happened.
func ExecuteMachineCode(memory *MemoryInTracee, code []byte) (uint64, error) {
	pid := memory.Pid()
	if uint64(len(code)) > memory.Size() {
		return 0, fmt.Errorf("machine code of %d bytes does not fit into the %d byte allocation at %#x",
			len(code), memory.Size(), memory.Address())
	}
	if err := memory.EnsureMemoryWritable(); err != nil {
		return 0, err
	}
	if err := WriteMemory(pid, memory.Address(), code); err != nil {
		return 0, err
	}
	if err := memory.EnsureMemoryExecutable(); err != nil {
		return 0, err
	}

	originalRegisters, err := GetRegisters(pid)
	if err != nil {
		return 0, err
	}
	originalFPRegisters, err := GetFPRegisters(pid)
	if err != nil {
		return 0, err
	}

	registers := originalRegisters
	registers.Rip = memory.Address()
	// Skip the red zone, keep the ABI mandated 16 byte stack alignment and
	// leave shadow space for callees that expect it.
	registers.Rsp = (originalRegisters.Rsp - 128 - 32) &^ 15
	registers.Orig_rax = ^uint64(0)
	if err := SetRegisters(pid, registers); err != nil {
		return 0, err
	}

	if err := unix.PtraceCont(pid, 0); err != nil {
		return 0, fmt.Errorf("PTRACE_CONT failed for process %d: %w", pid, err)
	}
	var status unix.WaitStatus
	if _, err := unix.Wait4(pid, &status, unix.WALL, nil); err != nil {
		return 0, fmt.Errorf("wait4 failed for process %d: %w", pid, err)
	}
	if !status.Stopped() || status.StopSignal() != unix.SIGTRAP {
		// The thread ran off somewhere we cannot recover from; the target is
		// in an unknown state and continuing to operate on it would corrupt
		// it further.
		panic(fmt.Sprintf("process %d did not stop with SIGTRAP while executing injected code, status %#x", pid, status))
	}

	resultRegisters, err := GetRegisters(pid)
	if err != nil {
		return 0, err
	}
	if err := SetFPRegisters(pid, originalFPRegisters); err != nil {
		return 0, err
	}
	if err := SetRegisters(pid, originalRegisters); err != nil {
		return 0, err
	}
	return resultRegisters.Rax, nil
}

// appendCallStub emits the code ExecuteInProcess runs in the target: load the
// System V argument registers, call through rax and trap.
//
//	movabs rdi, arg0       48 bf xx..
//	...
//	movabs rax, function   48 b8 xx..
//	call rax               ff d0
//	int3                   cc
func appendCallStub(code *machinecode.Code, functionAddress uint64, args ...uint64) error {
	if len(args) > 6 {
		return fmt.Errorf("too many function arguments: %d", len(args))
	}
	// movabs into rdi, rsi, rdx, rcx, r8, r9.
	prefixes := [][]byte{{0x48, 0xbf}, {0x48, 0xbe}, {0x48, 0xba}, {0x48, 0xb9}, {0x49, 0xb8}, {0x49, 0xb9}}

	for i, arg := range args {
		code.AppendBytes(prefixes[i]...).AppendImmediate64(arg)
	}
	code.AppendBytes(0x48, 0xb8).AppendImmediate64(functionAddress)
	code.AppendBytes(0xff, 0xd0)
	code.AppendBytes(0xcc)
	return nil
}

// ExecuteInProcess calls the function at functionAddress in the target with up
// to six integer arguments, using `memory` as scratch space for the calling
// stub, and returns the function's result. The target must be attached and
// stopped.
func ExecuteInProcess(memory *MemoryInTracee, functionAddress uint64, args ...uint64) (uint64, error) {
	var code machinecode.Code
	if err := appendCallStub(&code, functionAddress, args...); err != nil {
		return 0, err
	}
	return ExecuteMachineCode(memory, code.Bytes())
}

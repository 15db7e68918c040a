// Package instrument implements dynamic instrumentation of functions in a
// running x86-64 Linux process. It finds reachable free address space in the
// target, builds trampolines there, relocates function prologues into them
// and patches the functions so every call runs the entry and exit payloads.
//
// The whole target process must be stopped for the duration of one function's
// instrumentation; attaching and stopping is the caller's job (see package
// tracee). The engine reports target-specific conditions as errors and treats
// violations of its own invariants as fatal.
package instrument

import (
	"fmt"
	"sync"

	"golang.org/x/sys/cpu"

	"github.com/reef-prof/reef/internal/machinecode"
	"github.com/reef-prof/reef/internal/tracee"
)

// MaxRelocatedPrologueSize bounds the number of prologue bytes moved into a
// trampoline, and thereby the number of function bytes a caller has to
// provide. We relocate at most sizeOfJmp instructions; each relocated
// instruction is either copied or replaced by a short sequence of
// instructions and data of at most 16 bytes, which gives this (generous)
// upper bound.
const MaxRelocatedPrologueSize = sizeOfJmp * 16

// offsetOfFunctionIDInCallToEntryPayload is the byte offset of the function
// id operand inside an entry trampoline. The id of a function changes from
// one capture session to the next, so InstrumentFunction patches this
// location in every resident trampoline before each run. Whenever the
// trampoline emission code changes this constant has to change with it;
// appendCallToEntryPayload asserts that both still agree.
const offsetOfFunctionIDInCallToEntryPayload = 104

// Vector register width is a property of the host CPU, resolved once at
// startup. With AVX the trampoline saves ymm0-7, otherwise xmm0-7.
var hasAVX = cpu.X86.HasAVX

// appendBackupCode saves every register that may carry arguments into the
// instrumented function. This code runs immediately after control is passed
// to the function, so the top of the stack holds the return address and above
// it the stack-passed parameters.
//
// The System V ABI ("3.2 Function Calling Sequence") passes integer
// parameters in rdi, rsi, rdx, rcx, r8, r9; rax holds the number of vector
// arguments for variadic calls and r10 a function's static chain pointer. All
// of these get pushed. Floating point parameters travel in the vector
// registers, saved after realigning the stack. The remaining guarantees of
// the calling convention (x87 state, direction flag, callee-saved MXCSR
// control bits) hold across the trampoline without any work on our side since
// the payload obeys the same convention.
func appendBackupCode(trampoline *machinecode.Code) {
	// push rdi      57
	// push rsi      56
	// push rdx      52
	// push rcx      51
	// push r8       41 50
	// push r9       41 51
	// push rax      50
	// push r10      41 52
	trampoline.AppendBytes(0x57).
		AppendBytes(0x56).
		AppendBytes(0x52).
		AppendBytes(0x51).
		AppendBytes(0x41, 0x50).
		AppendBytes(0x41, 0x51).
		AppendBytes(0x50).
		AppendBytes(0x41, 0x52)

	// Align the stack to 32 bytes: round down to a multiple of 32, subtract
	// another 24 and push the 8 byte original rsp, so a later 'pop rsp'
	// undoes the whole dance.
	// mov rax, rsp                48 89 e0
	// and rsp, 0xffffffffffffffe0 48 83 e4 e0
	// sub rsp, 0x18               48 83 ec 18
	// push rax                    50
	trampoline.AppendBytes(0x48, 0x89, 0xe0).
		AppendBytes(0x48, 0x83, 0xe4, 0xe0).
		AppendBytes(0x48, 0x83, 0xec, 0x18).
		AppendBytes(0x50)

	if hasAVX {
		// sub rsp, 32            48 83 ec 20
		// vmovdqa (rsp), ymm{0..7}
		for _, modrm := range []byte{0x04, 0x0c, 0x14, 0x1c, 0x24, 0x2c, 0x34, 0x3c} {
			trampoline.AppendBytes(0x48, 0x83, 0xec, 0x20).
				AppendBytes(0xc5, 0xfd, 0x7f, modrm, 0x24)
		}
	} else {
		// sub rsp, 16            48 83 ec 10
		// movdqa (rsp), xmm{0..7}
		for _, modrm := range []byte{0x04, 0x0c, 0x14, 0x1c, 0x24, 0x2c, 0x34, 0x3c} {
			trampoline.AppendBytes(0x48, 0x83, 0xec, 0x10).
				AppendBytes(0x66, 0x0f, 0x7f, modrm, 0x24)
		}
	}
}

// appendCallToEntryPayload emits the call to the entry payload with the
// return address of the instrumented function, the function id, the pre-call
// stack pointer and the address of the return trampoline as parameters. The
// stack is 32 byte aligned at this point (see appendBackupCode), as the
// calling convention requires.
func appendCallToEntryPayload(entryPayloadAddress, returnTrampolineAddress uint64, trampoline *machinecode.Code) {
	// rax still holds the rsp from after the general purpose pushes, so
	// adding 0x40 yields the location of the return address.
	// add rax, 0x40                       48 83 c0 40
	// mov rdi, (rax)                      48 8b 38
	// mov rsi, function_id                48 be id
	// mov rdx, rax                        48 89 c2
	// mov rcx, return_trampoline_address  48 b9 addr
	// mov rax, entry_payload_address      48 b8 addr
	// call rax                            ff d0
	trampoline.AppendBytes(0x48, 0x83, 0xc0, 0x40).
		AppendBytes(0x48, 0x8b, 0x38).
		AppendBytes(0x48, 0xbe)
	if trampoline.Len() != offsetOfFunctionIDInCallToEntryPayload {
		// The emission code above changed without adjusting the constant.
		// This is an engine defect, not a target-specific condition.
		panic(fmt.Sprintf("function id operand is at offset %d, expected %d",
			trampoline.Len(), offsetOfFunctionIDInCallToEntryPayload))
	}
	// Placeholder; InstrumentFunction writes the real id for each session.
	trampoline.AppendImmediate64(0xDEADBEEFDEADBEEF).
		AppendBytes(0x48, 0x89, 0xc2).
		AppendBytes(0x48, 0xb9).
		AppendImmediate64(returnTrampolineAddress).
		AppendBytes(0x48, 0xb8).
		AppendImmediate64(entryPayloadAddress).
		AppendBytes(0xff, 0xd0)
}

// appendRestoreCode restores the registers saved by appendBackupCode in exact
// reverse order.
func appendRestoreCode(trampoline *machinecode.Code) {
	if hasAVX {
		// vmovdqa ymm{7..0}, (rsp)
		// add rsp, 32            48 83 c4 20
		for _, modrm := range []byte{0x3c, 0x34, 0x2c, 0x24, 0x1c, 0x14, 0x0c, 0x04} {
			trampoline.AppendBytes(0xc5, 0xfd, 0x6f, modrm, 0x24).
				AppendBytes(0x48, 0x83, 0xc4, 0x20)
		}
	} else {
		// movdqa xmm{7..0}, (rsp)
		// add rsp, 16            48 83 c4 10
		for _, modrm := range []byte{0x3c, 0x34, 0x2c, 0x24, 0x1c, 0x14, 0x0c, 0x04} {
			trampoline.AppendBytes(0x66, 0x0f, 0x6f, modrm, 0x24).
				AppendBytes(0x48, 0x83, 0xc4, 0x10)
		}
	}

	// Undo the 32 byte alignment.
	// pop rsp       5c
	trampoline.AppendBytes(0x5c)

	// pop r10       41 5a
	// pop rax       58
	// pop r9        41 59
	// pop r8        41 58
	// pop rcx       59
	// pop rdx       5a
	// pop rsi       5e
	// pop rdi       5f
	trampoline.AppendBytes(0x41, 0x5a).
		AppendBytes(0x58).
		AppendBytes(0x41, 0x59).
		AppendBytes(0x41, 0x58).
		AppendBytes(0x59).
		AppendBytes(0x5a).
		AppendBytes(0x5e).
		AppendBytes(0x5f)
}

// appendJumpBackCode emits the near jump from the end of the trampoline back
// into the instrumented function, to the first instruction after the
// relocated prologue.
func appendJumpBackCode(addressAfterPrologue, trampolineAddress uint64, trampoline *machinecode.Code) error {
	addressAfterJmp := trampolineAddress + uint64(trampoline.Len()) + sizeOfJmp
	offset, err := AddressDifferenceAsInt32(addressAfterPrologue, addressAfterJmp)
	if err != nil {
		// Cannot happen when the trampoline was placed by
		// FindAddressRangeForTrampoline; report it as a contract breach.
		return fmt.Errorf(
			"unable to jump back to the instrumented function, function and trampoline are more than 2GiB apart, address after prologue %#x, trampoline %#x",
			addressAfterPrologue, trampolineAddress)
	}
	trampoline.AppendBytes(0xe9).AppendImmediate32(offset)
	return nil
}

// appendCallToExitPayloadAndJumpToReturnAddress builds the body of the return
// trampoline: back up every potential return value register ("3.2.3 Parameter
// Passing" of the System V ABI: rax, rdx, st0, st1, xmm0, xmm1), realign the
// stack, call the exit payload, restore and jump to the real return address
// the payload handed back.
func appendCallToExitPayloadAndJumpToReturnAddress(exitPayloadAddress uint64, trampoline *machinecode.Code) {
	// push rax      50
	// push rdx      52
	// sub rsp, 0x0a 48 83 ec 0a
	// fstpt (rsp)   db 3c 24
	// sub rsp, 0x0a 48 83 ec 0a
	// fstpt (rsp)   db 3c 24
	trampoline.AppendBytes(0x50).
		AppendBytes(0x52).
		AppendBytes(0x48, 0x83, 0xec, 0x0a).
		AppendBytes(0xdb, 0x3c, 0x24).
		AppendBytes(0x48, 0x83, 0xec, 0x0a).
		AppendBytes(0xdb, 0x3c, 0x24)

	// Same 32 byte alignment scheme as in appendBackupCode.
	trampoline.AppendBytes(0x48, 0x89, 0xe0).
		AppendBytes(0x48, 0x83, 0xe4, 0xe0).
		AppendBytes(0x48, 0x83, 0xec, 0x18).
		AppendBytes(0x50)

	// sub rsp, 16            48 83 ec 10
	// movdqa (rsp), xmm0     66 0f 7f 04 24
	// sub rsp, 16
	// movdqa (rsp), xmm1     66 0f 7f 0c 24
	trampoline.AppendBytes(0x48, 0x83, 0xec, 0x10).
		AppendBytes(0x66, 0x0f, 0x7f, 0x04, 0x24).
		AppendBytes(0x48, 0x83, 0xec, 0x10).
		AppendBytes(0x66, 0x0f, 0x7f, 0x0c, 0x24)

	// Call the exit payload; it returns the caller's return address, which
	// moves to rdi for the final jump.
	// mov rax, exit_payload_address   48 b8 addr
	// call rax                        ff d0
	// mov rdi, rax                    48 89 c7
	trampoline.AppendBytes(0x48, 0xb8).
		AppendImmediate64(exitPayloadAddress).
		AppendBytes(0xff, 0xd0).
		AppendBytes(0x48, 0x89, 0xc7)

	// Restore in reverse order: xmm1, xmm0, rsp, st1, st0, rdx, rax.
	trampoline.AppendBytes(0x66, 0x0f, 0x6f, 0x0c, 0x24).
		AppendBytes(0x48, 0x83, 0xc4, 0x10).
		AppendBytes(0x66, 0x0f, 0x6f, 0x04, 0x24).
		AppendBytes(0x48, 0x83, 0xc4, 0x10).
		AppendBytes(0x5c).
		AppendBytes(0xdb, 0x2c, 0x24).
		AppendBytes(0x48, 0x83, 0xc4, 0x0a).
		AppendBytes(0xdb, 0x2c, 0x24).
		AppendBytes(0x48, 0x83, 0xc4, 0x0a).
		AppendBytes(0x5a).
		AppendBytes(0x58)

	// jmp rdi       ff e7
	trampoline.AppendBytes(0xff, 0xe7)
}

// roundUpTo32 rounds to the next multiple of 32 so that trampolines placed
// back to back start at aligned addresses.
func roundUpTo32(size uint64) uint64 {
	return (size + 31) / 32 * 32
}

// MaxTrampolineSize returns the size reserved for one entry trampoline. The
// value is a constant for the lifetime of the process; computing it from the
// actual emission code captures every future change to that code.
var MaxTrampolineSize = sync.OnceValue(func() uint64 {
	var unused machinecode.Code
	appendBackupCode(&unused)
	appendCallToEntryPayload(0, 0, &unused)
	appendRestoreCode(&unused)
	unused.AppendBytes(make([]byte, MaxRelocatedPrologueSize)...)
	if err := appendJumpBackCode(0, 0, &unused); err != nil {
		panic(err)
	}
	return roundUpTo32(uint64(unused.Len()))
})

// ReturnTrampolineSize returns the size of the per-process return trampoline,
// computed once from the emission code like MaxTrampolineSize.
var ReturnTrampolineSize = sync.OnceValue(func() uint64 {
	var unused machinecode.Code
	appendCallToExitPayloadAndJumpToReturnAddress(0, &unused)
	return roundUpTo32(uint64(unused.Len()))
})

// CreateTrampoline builds the entry trampoline for the function at
// functionAddress and writes it to trampolineAddress in the target process.
// The trampoline backs up the register state, calls entryPayloadAddress with
// the function's return address, a placeholder function id (patched per
// session by InstrumentFunction), the pre-call stack pointer and the return
// trampoline address, restores the state, executes the relocated prologue and
// jumps back into the function body.
//
// `function` holds the first bytes of the function (enough to cover anything
// that gets overwritten). For every instruction relocated after the first an
// entry is added to relocationMap, consumed later by
// MoveInstructionPointersOutOfOverwrittenCode. The returned address is the
// first instruction not relocated, i.e. the patch boundary.
func CreateTrampoline(pid int, functionAddress uint64, function []byte, trampolineAddress uint64,
	entryPayloadAddress, returnTrampolineAddress uint64, relocationMap map[uint64]uint64) (uint64, error) {
	var trampoline machinecode.Code
	appendBackupCode(&trampoline)
	appendCallToEntryPayload(entryPayloadAddress, returnTrampolineAddress, &trampoline)
	appendRestoreCode(&trampoline)

	addressAfterPrologue, err := appendRelocatedPrologue(functionAddress, function, trampolineAddress,
		relocationMap, &trampoline)
	if err != nil {
		return 0, err
	}
	if err := appendJumpBackCode(addressAfterPrologue, trampolineAddress, &trampoline); err != nil {
		return 0, err
	}

	if err := tracee.WriteMemory(pid, trampolineAddress, trampoline.Bytes()); err != nil {
		return 0, err
	}
	return addressAfterPrologue, nil
}

// CreateReturnTrampoline builds the process-wide return trampoline at
// returnTrampolineAddress. One instance is shared by every instrumented
// function: it is parameterized only by the true return address, which the
// exit payload reconstructs, so it needs neither per-function state nor
// 32 bit proximity to any code.
func CreateReturnTrampoline(pid int, exitPayloadAddress, returnTrampolineAddress uint64) error {
	var trampoline machinecode.Code
	appendCallToExitPayloadAndJumpToReturnAddress(exitPayloadAddress, &trampoline)
	return tracee.WriteMemory(pid, returnTrampolineAddress, trampoline.Bytes())
}

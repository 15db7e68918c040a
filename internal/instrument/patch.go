package instrument

import (
	"fmt"

	"github.com/reef-prof/reef/internal/machinecode"
	"github.com/reef-prof/reef/internal/tracee"
)

// buildJumpPatch emits the bytes written over a function entry: a 5 byte near
// jump into the trampoline, padded with nops up to addressAfterPrologue (not
// strictly required, but it keeps the patched function cleanly
// disassemblable).
func buildJumpPatch(functionAddress, addressAfterPrologue, trampolineAddress uint64) ([]byte, error) {
	var jump machinecode.Code
	offset, err := AddressDifferenceAsInt32(trampolineAddress, functionAddress+sizeOfJmp)
	if err != nil {
		// The placement search guarantees the trampoline is within reach; a
		// violation here means the scanner or assembler broke its contract.
		return nil, fmt.Errorf(
			"unable to jump from the instrumented function into the trampoline, locations are more than 2GiB apart, function %#x, trampoline %#x",
			functionAddress, trampolineAddress)
	}
	jump.AppendBytes(0xe9).AppendImmediate32(offset)
	for uint64(jump.Len()) < addressAfterPrologue-functionAddress {
		jump.AppendBytes(0x90) // nop
	}
	return jump.Bytes(), nil
}

// InstrumentFunction redirects the function at functionAddress into its
// trampoline and patches the resident trampoline with the function id of the
// current capture session at its fixed operand offset.
//
// The trampoline must have been built with CreateTrampoline and the whole
// target process must be stopped.
func InstrumentFunction(pid int, functionAddress, functionID, addressAfterPrologue, trampolineAddress uint64) error {
	patch, err := buildJumpPatch(functionAddress, addressAfterPrologue, trampolineAddress)
	if err != nil {
		return err
	}
	if err := tracee.WriteMemory(pid, functionAddress, patch); err != nil {
		return err
	}

	var id machinecode.Code
	id.AppendImmediate64(functionID)
	return tracee.WriteMemory(pid, trampolineAddress+offsetOfFunctionIDInCallToEntryPayload, id.Bytes())
}

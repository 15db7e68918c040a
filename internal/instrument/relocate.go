package instrument

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/arch/x86/x86asm"

	"github.com/reef-prof/reef/internal/machinecode"
)

// sizeOfJmp is the number of bytes overwritten at the beginning of an
// instrumented function: a jmp to a signed 32 bit offset, e9 xx xx xx xx.
const sizeOfJmp = 5

// relocatedInstruction is the result of relocating a single instruction.
type relocatedInstruction struct {
	// code holds the machine code valid at the new address. It may contain
	// multiple instructions emulating what the original instruction achieved.
	code []byte

	// Some relocated instructions embed an absolute 8 byte address in `code`.
	// If that address points at another instruction of the same prologue it
	// has to be adjusted once all relocations are done, since the target may
	// itself get moved into the trampoline. positionOfAbsoluteAddress is the
	// offset of the embedded address in `code`, or -1 if there is none.
	//
	// Example: the original conditional jump at 0x0100 targets 0x0104, which
	// is still part of the prologue.
	//
	//   0x0100: jcc 0x0104
	//   0x0102: instruction A
	//   0x0104: instruction B
	//
	// relocates to
	//
	//   0x0200: j(!cc) 0x0210
	//   0x0202: jmp [rip+0]
	//   0x0208: .quad 0x0104   <- rewritten to the relocated address of B
	//   0x0210: instruction A'
	//   0x0217: instruction B'
	//
	// Here positionOfAbsoluteAddress is 8.
	positionOfAbsoluteAddress int
}

// legacyPrefixes are the x86 instruction prefixes that may precede the opcode
// (group 1-4: lock/rep, segment overrides, operand and address size).
func isLegacyPrefix(b byte) bool {
	switch b {
	case 0xf0, 0xf2, 0xf3, 0x2e, 0x36, 0x3e, 0x26, 0x64, 0x65, 0x66, 0x67:
		return true
	}
	return false
}

// opcodeOffset returns the position of the first opcode byte, skipping legacy
// prefixes and a REX prefix.
func opcodeOffset(raw []byte) int {
	i := 0
	for i < len(raw) && isLegacyPrefix(raw[i]) {
		i++
	}
	if i < len(raw) && raw[i]&0xf0 == 0x40 { // REX
		i++
	}
	return i
}

// ripRelativeDispOffset locates the 32 bit displacement of a RIP-relative
// memory operand (modrm & 0xC7 == 0x05) in the raw encoding. It returns -1 if
// the instruction does not match that shape. Since rm=101 rules out a SIB
// byte the displacement always directly follows the modrm byte.
func ripRelativeDispOffset(raw []byte) int {
	i := opcodeOffset(raw)
	var modrmPos int
	switch {
	case i < len(raw) && raw[i] == 0xc5: // two byte VEX
		modrmPos = i + 3
	case i < len(raw) && raw[i] == 0xc4: // three byte VEX
		modrmPos = i + 4
	case i < len(raw) && raw[i] == 0x62: // EVEX (64 bit mode only)
		modrmPos = i + 5
	case i+1 < len(raw) && raw[i] == 0x0f && (raw[i+1] == 0x38 || raw[i+1] == 0x3a):
		modrmPos = i + 3
	case i < len(raw) && raw[i] == 0x0f:
		modrmPos = i + 2
	default:
		modrmPos = i + 1
	}
	if modrmPos >= len(raw) || raw[modrmPos]&0xc7 != 0x05 {
		return -1
	}
	return modrmPos + 1
}

// hasRIPRelativeOperand reports whether the decoded instruction addresses
// memory relative to the instruction pointer.
func hasRIPRelativeOperand(inst x86asm.Inst) bool {
	for _, arg := range inst.Args {
		if mem, ok := arg.(x86asm.Mem); ok && mem.Base == x86asm.RIP {
			return true
		}
	}
	return false
}

// appendAbsoluteIndirectJump emits a jump through an inline absolute address:
//
//	jmp [rip + 0]          ff 25 00 00 00 00
//	.quad target           8 bytes
//
// and returns the offset of the embedded address relative to the start of the
// emitted sequence.
func appendAbsoluteIndirectJump(code *machinecode.Code, target uint64) int {
	position := code.Len() + 6
	code.AppendBytes(0xff, 0x25).AppendImmediate32(0).AppendImmediate64(target)
	return position
}

// relocateInstruction translates one instruction from oldAddress so that it
// is valid at newAddress.
//
// Position independent instructions are copied verbatim. Instructions that
// encode a distance to the instruction pointer need translation: RIP-relative
// memory operands get their displacement recomputed, relative jumps become
// indirect jumps through an embedded absolute address. Relative calls and the
// legacy loop instructions are rejected; a relocated call would leave an
// unbounded tree of callees permanently unwindable only through the
// trampoline, while loop opcodes are not emitted by modern compilers at all.
func relocateInstruction(inst x86asm.Inst, raw []byte, oldAddress, newAddress uint64) (relocatedInstruction, error) {
	result := relocatedInstruction{positionOfAbsoluteAddress: -1}
	size := uint64(inst.Len)
	opcodePos := opcodeOffset(raw)

	if hasRIPRelativeOperand(inst) {
		// The instruction computes a memory operand as the address of the
		// next instruction plus a 32 bit displacement, e.g.
		//   add [rip + 0x123456], 1       48 83 05 56 34 12 00 01
		// The relocated instruction looks the same; only the displacement is
		// recomputed so the same absolute location is reached from the new
		// instruction end.
		dispOffset := ripRelativeDispOffset(raw)
		if dispOffset < 0 || dispOffset+4 > len(raw) {
			return result, fmt.Errorf("unsupported encoding of rip relative instruction: % x", raw)
		}
		oldDisplacement := int32(binary.LittleEndian.Uint32(raw[dispOffset:]))
		absoluteAddress := oldAddress + size + uint64(int64(oldDisplacement))
		newDisplacement, err := AddressDifferenceAsInt32(absoluteAddress, newAddress+size)
		if err != nil {
			return result, fmt.Errorf(
				"rip relative address out of range from the trampoline, old address %#x, new address %#x, instruction % x: %w",
				oldAddress, newAddress, raw, err)
		}
		result.code = append([]byte(nil), raw...)
		binary.LittleEndian.PutUint32(result.code[dispOffset:], uint32(newDisplacement))
		return result, nil
	}

	opcode := raw[opcodePos]
	switch {
	case opcode == 0xeb || opcode == 0xe9:
		// Unconditional jump to a relative 8 or 32 bit immediate. Compute the
		// absolute target and jump there through an embedded address:
		//   jmp [rip + 0]          ff 25 00 00 00 00
		//   .quad target
		var immediate int64
		if opcode == 0xe9 {
			immediate = int64(int32(binary.LittleEndian.Uint32(raw[opcodePos+1:])))
		} else {
			immediate = int64(int8(raw[opcodePos+1]))
		}
		target := oldAddress + size + uint64(immediate)
		var code machinecode.Code
		result.positionOfAbsoluteAddress = appendAbsoluteIndirectJump(&code, target)
		result.code = code.Bytes()
		return result, nil

	case opcode == 0xe8:
		// Every call relocated into a trampoline makes the whole callee tree
		// unwind through trampoline code. For the handful of prologue bytes
		// this is acceptable; for a call it would taint an unbounded number
		// of callstacks. Rejected instead of worked around.
		return result, fmt.Errorf("relocating a call instruction is not supported, instruction: % x", raw)

	case opcode&0xf0 == 0x70:
		// Conditional jump to an 8 bit immediate. Invert the condition (the
		// lowest opcode bit) to jump over a 14 byte absolute indirect jump to
		// the original target:
		//   j!cc +0x0e             7? 0e
		//   jmp [rip + 0]          ff 25 00 00 00 00
		//   .quad target
		immediate := int64(int8(raw[opcodePos+1]))
		target := oldAddress + size + uint64(immediate)
		var code machinecode.Code
		code.AppendBytes(opcode^0x01, 0x0e)
		result.positionOfAbsoluteAddress = appendAbsoluteIndirectJump(&code, target)
		result.code = code.Bytes()
		return result, nil

	case opcode == 0x0f && opcodePos+1 < len(raw) && raw[opcodePos+1]&0xf0 == 0x80:
		// Conditional jump to a 32 bit immediate, same construction as above
		// with the condition folded into the short jump opcode.
		immediate := int64(int32(binary.LittleEndian.Uint32(raw[opcodePos+2:])))
		target := oldAddress + size + uint64(immediate)
		var code machinecode.Code
		code.AppendBytes(0x70|((raw[opcodePos+1]&0x0f)^0x01), 0x0e)
		result.positionOfAbsoluteAddress = appendAbsoluteIndirectJump(&code, target)
		result.code = code.Bytes()
		return result, nil

	case opcode&0xfc == 0xe0:
		// loop, loope, loopne, jecxz. Not emitted by modern compilers, not
		// worth the complexity of emulating rcx handling.
		return result, fmt.Errorf("relocating a loop instruction is not supported, instruction: % x", raw)
	}

	// Position independent; copy verbatim.
	result.code = append([]byte(nil), raw...)
	return result, nil
}

// appendRelocatedPrologue disassembles the beginning of the function and
// relocates instructions into the trampoline until at least sizeOfJmp bytes
// of the original function are covered. It returns the address of the first
// instruction it did not relocate, i.e. where the trampoline jumps back to.
//
// Relocated jumps embed their target as an absolute address. When such a
// target is itself an instruction that got relocated the embedded address
// has to be redirected into the trampoline; the final layout is only known
// once all instructions are emitted, so this runs as a second pass over the
// recorded placeholder positions.
//
// Every relocated instruction after the first is recorded in relocationMap
// (original address to trampoline address). The first one is excluded: after
// patching, the function start holds a valid instruction again, the jump into
// the trampoline.
func appendRelocatedPrologue(functionAddress uint64, function []byte, trampolineAddress uint64,
	relocationMap map[uint64]uint64, trampoline *machinecode.Code) (uint64, error) {
	var code []byte
	var placeholderPositions []int
	localRelocations := make(map[uint64]uint64)

	disassembleAddress := functionAddress
	for disassembleAddress-functionAddress < sizeOfJmp {
		offset := disassembleAddress - functionAddress
		inst, err := x86asm.Decode(function[offset:], 64)
		if err != nil {
			break
		}
		originalAddress := disassembleAddress
		relocatedAddress := trampolineAddress + uint64(trampoline.Len()) + uint64(len(code))
		localRelocations[originalAddress] = relocatedAddress
		relocated, err := relocateInstruction(inst, function[offset:offset+uint64(inst.Len)], originalAddress, relocatedAddress)
		if err != nil {
			return 0, err
		}
		if relocated.positionOfAbsoluteAddress >= 0 {
			placeholderPositions = append(placeholderPositions, len(code)+relocated.positionOfAbsoluteAddress)
		}
		code = append(code, relocated.code...)
		disassembleAddress += uint64(inst.Len)
	}

	if disassembleAddress-functionAddress < sizeOfJmp {
		return 0, fmt.Errorf("unable to disassemble enough of the function to instrument it, code: % x", function)
	}

	// Second pass: redirect embedded absolute addresses whose targets were
	// themselves relocated.
	for _, pos := range placeholderPositions {
		target := binary.LittleEndian.Uint64(code[pos:])
		if relocated, ok := localRelocations[target]; ok {
			binary.LittleEndian.PutUint64(code[pos:], relocated)
		}
	}

	trampoline.AppendBytes(code...)
	for original, relocated := range localRelocations {
		if original == functionAddress {
			continue
		}
		relocationMap[original] = relocated
	}
	return disassembleAddress, nil
}

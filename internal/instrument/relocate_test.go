package instrument

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/arch/x86/x86asm"

	"github.com/reef-prof/reef/internal/machinecode"
)

func decode(t *testing.T, raw []byte) x86asm.Inst {
	t.Helper()
	inst, err := x86asm.Decode(raw, 64)
	require.NoError(t, err)
	require.Equal(t, len(raw), inst.Len)
	return inst
}

func TestRelocateInstructionCopiesPositionIndependentCode(t *testing.T) {
	raw := []byte{0x48, 0x89, 0xe5} // mov rbp, rsp
	result, err := relocateInstruction(decode(t, raw), raw, 0x1000, 0x2000)
	require.NoError(t, err)
	assert.Equal(t, raw, result.code)
	assert.Equal(t, -1, result.positionOfAbsoluteAddress)
}

func TestRelocateInstructionRewritesRIPRelativeDisplacement(t *testing.T) {
	// mov rax, [rip + 0x12345678]
	raw := []byte{0x48, 0x8b, 0x05, 0x78, 0x56, 0x34, 0x12}
	result, err := relocateInstruction(decode(t, raw), raw, 0x0100000000, 0x0100001000)
	require.NoError(t, err)
	require.Len(t, result.code, len(raw))
	assert.Equal(t, raw[:3], result.code[:3])
	// The instruction moved up by 0x1000, so the displacement shrinks by the
	// same amount to keep addressing the original location.
	assert.Equal(t, uint32(0x12345678-0x1000), binary.LittleEndian.Uint32(result.code[3:]))
	assert.Equal(t, -1, result.positionOfAbsoluteAddress)
}

func TestRelocateInstructionRIPRelativeOutOfRange(t *testing.T) {
	// lea rdi, [rip + 0]
	raw := []byte{0x48, 0x8d, 0x3d, 0x00, 0x00, 0x00, 0x00}
	_, err := relocateInstruction(decode(t, raw), raw, 0x0100000000, 0x0400000000)
	assert.Error(t, err)
}

func TestRelocateInstructionShortUnconditionalJump(t *testing.T) {
	raw := []byte{0xeb, 0x10} // jmp +0x10
	result, err := relocateInstruction(decode(t, raw), raw, 0x1000, 0x2000)
	require.NoError(t, err)
	require.Len(t, result.code, 14)
	assert.Equal(t, []byte{0xff, 0x25, 0x00, 0x00, 0x00, 0x00}, result.code[:6])
	assert.Equal(t, 6, result.positionOfAbsoluteAddress)
	assert.Equal(t, uint64(0x1012), binary.LittleEndian.Uint64(result.code[6:]))
}

func TestRelocateInstructionJumpTargetIndependentOfEncoding(t *testing.T) {
	// A short and a near jump to the same absolute target, relocated from
	// different address pairs, embed the same absolute address.
	const target = uint64(0x5000)

	short := []byte{0xeb, 0x10} // at 0x4fee, 0x4fee+2+0x10 = 0x5000
	shortResult, err := relocateInstruction(decode(t, short), short, 0x4fee, 0x9000)
	require.NoError(t, err)

	near := []byte{0xe9, 0xfb, 0x0f, 0x00, 0x00} // at 0x4000, 0x4000+5+0xffb = 0x5000
	nearResult, err := relocateInstruction(decode(t, near), near, 0x4000, 0x7000)
	require.NoError(t, err)

	assert.Equal(t, target, binary.LittleEndian.Uint64(shortResult.code[shortResult.positionOfAbsoluteAddress:]))
	assert.Equal(t, target, binary.LittleEndian.Uint64(nearResult.code[nearResult.positionOfAbsoluteAddress:]))
}

func TestRelocateInstructionNearUnconditionalJump(t *testing.T) {
	raw := []byte{0xe9, 0x00, 0x01, 0x00, 0x00} // jmp +0x100
	result, err := relocateInstruction(decode(t, raw), raw, 0x1000, 0x2000)
	require.NoError(t, err)
	assert.Equal(t, 6, result.positionOfAbsoluteAddress)
	assert.Equal(t, uint64(0x1105), binary.LittleEndian.Uint64(result.code[6:]))
}

func TestRelocateInstructionShortConditionalJump(t *testing.T) {
	raw := []byte{0x74, 0x08} // je +8
	result, err := relocateInstruction(decode(t, raw), raw, 0x1000, 0x2000)
	require.NoError(t, err)
	require.Len(t, result.code, 16)
	// Inverted condition jumping over the 14 byte absolute jump.
	assert.Equal(t, []byte{0x75, 0x0e}, result.code[:2])
	assert.Equal(t, []byte{0xff, 0x25, 0x00, 0x00, 0x00, 0x00}, result.code[2:8])
	assert.Equal(t, 8, result.positionOfAbsoluteAddress)
	assert.Equal(t, uint64(0x100a), binary.LittleEndian.Uint64(result.code[8:]))
}

func TestRelocateInstructionNearConditionalJump(t *testing.T) {
	raw := []byte{0x0f, 0x85, 0x10, 0x00, 0x00, 0x00} // jne +0x10
	result, err := relocateInstruction(decode(t, raw), raw, 0x1000, 0x2000)
	require.NoError(t, err)
	require.Len(t, result.code, 16)
	// jne folds to the short je (inverted) in front of the absolute jump.
	assert.Equal(t, []byte{0x74, 0x0e}, result.code[:2])
	assert.Equal(t, 8, result.positionOfAbsoluteAddress)
	assert.Equal(t, uint64(0x1016), binary.LittleEndian.Uint64(result.code[8:]))
}

func TestRelocateInstructionRejectsCall(t *testing.T) {
	raw := []byte{0xe8, 0x00, 0x00, 0x00, 0x00} // call +0
	_, err := relocateInstruction(decode(t, raw), raw, 0x1000, 0x2000)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "call")
}

func TestRelocateInstructionRejectsLoop(t *testing.T) {
	raw := []byte{0xe2, 0xfe} // loop -2
	_, err := relocateInstruction(decode(t, raw), raw, 0x1000, 0x2000)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "loop")
}

func TestAppendRelocatedPrologueCoversJumpSize(t *testing.T) {
	// Six one byte pushes; exactly five get relocated.
	function := []byte{0x50, 0x51, 0x52, 0x53, 0x54, 0x55}
	relocationMap := make(map[uint64]uint64)
	var trampoline machinecode.Code

	addressAfterPrologue, err := appendRelocatedPrologue(0x1000, function, 0x2000, relocationMap, &trampoline)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x1005), addressAfterPrologue)
	assert.Equal(t, function[:5], trampoline.Bytes())

	// Every relocated instruction except the first is in the map.
	assert.Equal(t, map[uint64]uint64{
		0x1001: 0x2001,
		0x1002: 0x2002,
		0x1003: 0x2003,
		0x1004: 0x2004,
	}, relocationMap)
}

func TestAppendRelocatedPrologueStopsAtInstructionBoundary(t *testing.T) {
	// mov rbp, rsp (3 bytes) plus sub rsp, 0x20 (4 bytes): the second
	// instruction straddles the five byte mark, so seven bytes are relocated.
	function := []byte{0x48, 0x89, 0xe5, 0x48, 0x83, 0xec, 0x20, 0xc3}
	relocationMap := make(map[uint64]uint64)
	var trampoline machinecode.Code

	addressAfterPrologue, err := appendRelocatedPrologue(0x1000, function, 0x2000, relocationMap, &trampoline)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x1007), addressAfterPrologue)
	assert.Equal(t, function[:7], trampoline.Bytes())
}

func TestAppendRelocatedPrologueBackpatchesJumpWithinPrologue(t *testing.T) {
	// 0x1000: jmp 0x1004
	// 0x1002: push rax
	// 0x1003: push rcx
	// 0x1004: push rdx
	function := []byte{0xeb, 0x02, 0x50, 0x51, 0x52}
	relocationMap := make(map[uint64]uint64)
	var trampoline machinecode.Code

	addressAfterPrologue, err := appendRelocatedPrologue(0x1000, function, 0x2000, relocationMap, &trampoline)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x1005), addressAfterPrologue)

	code := trampoline.Bytes()
	require.Len(t, code, 14+3)
	// The jump target was itself relocated, so the embedded absolute address
	// points into the trampoline, not at the original 0x1004.
	assert.Equal(t, uint64(0x2010), binary.LittleEndian.Uint64(code[6:]))
	assert.Equal(t, map[uint64]uint64{
		0x1002: 0x200e,
		0x1003: 0x200f,
		0x1004: 0x2010,
	}, relocationMap)
}

func TestAppendRelocatedPrologueFailsOnUndecodableCode(t *testing.T) {
	relocationMap := make(map[uint64]uint64)
	var trampoline machinecode.Code

	_, err := appendRelocatedPrologue(0x1000, []byte{0x50, 0x06, 0x06, 0x06, 0x06}, 0x2000, relocationMap, &trampoline)
	assert.Error(t, err)
}

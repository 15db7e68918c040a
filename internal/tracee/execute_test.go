package tracee

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reef-prof/reef/internal/machinecode"
)

func TestAppendCallStub(t *testing.T) {
	var code machinecode.Code
	require.NoError(t, appendCallStub(&code, 0x7f0000001000, 1, 2))

	bytes := code.Bytes()
	// movabs rdi, 1
	assert.Equal(t, []byte{0x48, 0xbf}, bytes[0:2])
	assert.Equal(t, uint64(1), binary.LittleEndian.Uint64(bytes[2:]))
	// movabs rsi, 2
	assert.Equal(t, []byte{0x48, 0xbe}, bytes[10:12])
	assert.Equal(t, uint64(2), binary.LittleEndian.Uint64(bytes[12:]))
	// movabs rax, function
	assert.Equal(t, []byte{0x48, 0xb8}, bytes[20:22])
	assert.Equal(t, uint64(0x7f0000001000), binary.LittleEndian.Uint64(bytes[22:]))
	// call rax; int3
	assert.Equal(t, []byte{0xff, 0xd0, 0xcc}, bytes[30:])
}

func TestAppendCallStubNoArguments(t *testing.T) {
	var code machinecode.Code
	require.NoError(t, appendCallStub(&code, 0x1000))
	assert.Equal(t, 13, code.Len())
}

func TestAppendCallStubRejectsTooManyArguments(t *testing.T) {
	var code machinecode.Code
	err := appendCallStub(&code, 0x1000, 1, 2, 3, 4, 5, 6, 7)
	assert.Error(t, err)
}

func TestExecuteMachineCodeReturnsRaxAndRestoresRegisters(t *testing.T) {
	pid := startTracedChild(t)
	memory, err := AllocateMemory(pid, 0, 4096)
	require.NoError(t, err)
	defer memory.Free() // nolint:errcheck

	before, err := GetRegisters(pid)
	require.NoError(t, err)

	var code machinecode.Code
	code.AppendBytes(0x48, 0xb8).AppendImmediate64(0x1122334455667788) // movabs rax
	code.AppendBytes(0xcc)
	result, err := ExecuteMachineCode(memory, code.Bytes())
	require.NoError(t, err)
	assert.Equal(t, uint64(0x1122334455667788), result)

	// From the target's point of view nothing happened.
	after, err := GetRegisters(pid)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestExecuteMachineCodeRejectsOversizedCode(t *testing.T) {
	pid := startTracedChild(t)
	memory, err := AllocateMemory(pid, 0, 4096)
	require.NoError(t, err)
	defer memory.Free() // nolint:errcheck

	_, err = ExecuteMachineCode(memory, make([]byte, 4097))
	assert.Error(t, err)
}

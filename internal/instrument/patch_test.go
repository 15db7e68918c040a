package instrument

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildJumpPatchEmitsNearJumpAndNops(t *testing.T) {
	patch, err := buildJumpPatch(0x1000, 0x1007, 0x5000)
	require.NoError(t, err)
	require.Len(t, patch, 7)

	assert.Equal(t, byte(0xe9), patch[0])
	// rel32 is relative to the end of the 5 byte jump.
	assert.Equal(t, uint32(0x5000-0x1005), binary.LittleEndian.Uint32(patch[1:5]))
	assert.Equal(t, []byte{0x90, 0x90}, patch[5:])
}

func TestBuildJumpPatchWithoutPadding(t *testing.T) {
	// The prologue ends exactly at the jump, backwards into the trampoline.
	patch, err := buildJumpPatch(0x5000, 0x5005, 0x1000)
	require.NoError(t, err)
	require.Len(t, patch, 5)
	assert.Equal(t, byte(0xe9), patch[0])
	assert.Equal(t, int32(0x1000-0x5005), int32(binary.LittleEndian.Uint32(patch[1:5])))
}

func TestBuildJumpPatchRejectsFarTrampoline(t *testing.T) {
	_, err := buildJumpPatch(0x1000, 0x1005, 0x1000+0x100000000)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "2GiB")
}

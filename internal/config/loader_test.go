package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "reef.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
log:
  level: debug
  pretty: false
target:
  pid: 1234
  entry_payload_address: 0x7f0000001000
  exit_payload_address: 0x7f0000002000
functions:
  - address: 0x401000
    id: 1
    name: compute
  - address: 4202496
    id: 2
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.False(t, cfg.Log.Pretty)
	assert.Equal(t, 1234, cfg.Target.Pid)
	assert.Equal(t, HexUint64(0x7f0000001000), cfg.Target.EntryPayloadAddress)
	assert.Equal(t, HexUint64(0x7f0000002000), cfg.Target.ExitPayloadAddress)

	require.Len(t, cfg.Functions, 2)
	assert.Equal(t, HexUint64(0x401000), cfg.Functions[0].Address)
	assert.Equal(t, "compute", cfg.Functions[0].Name)
	// Decimal addresses work too.
	assert.Equal(t, HexUint64(0x402000), cfg.Functions[1].Address)
}

func TestLoadDefaults(t *testing.T) {
	path := writeConfig(t, `
target:
  pid: 1
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.True(t, cfg.Log.Pretty)
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{
			name: "missing pid",
			content: `
functions:
  - address: 0x401000
    id: 1
`,
		},
		{
			name: "unknown log level",
			content: `
log:
  level: verbose
target:
  pid: 1
`,
		},
		{
			name: "zero function address",
			content: `
target:
  pid: 1
functions:
  - address: 0
    id: 1
`,
		},
		{
			name: "duplicate function address",
			content: `
target:
  pid: 1
functions:
  - address: 0x401000
    id: 1
  - address: 0x401000
    id: 2
`,
		},
		{
			name: "malformed address",
			content: `
target:
  pid: 1
functions:
  - address: 0xnope
    id: 1
`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			assert.Error(t, err)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	assert.Error(t, err)
}

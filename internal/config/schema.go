// Package config defines the YAML configuration of the reef-instr CLI.
package config

import (
	"fmt"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// HexUint64 is a uint64 that unmarshals from YAML as either a plain integer
// or a hex string like "0x7f1234560000". Addresses in configs are almost
// always copied from tooling that prints hex.
type HexUint64 uint64

// UnmarshalYAML implements yaml.Unmarshaler.
func (h *HexUint64) UnmarshalYAML(value *yaml.Node) error {
	s := strings.TrimSpace(value.Value)
	base := 10
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		s = s[2:]
		base = 16
	}
	parsed, err := strconv.ParseUint(s, base, 64)
	if err != nil {
		return fmt.Errorf("invalid address %q: %w", value.Value, err)
	}
	*h = HexUint64(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (h HexUint64) MarshalYAML() (interface{}, error) {
	return fmt.Sprintf("%#x", uint64(h)), nil
}

// LogConfig configures logging output.
type LogConfig struct {
	// Level sets the logging level (debug, info, warn, error).
	Level string `yaml:"level"`
	// Pretty enables human-readable console output.
	Pretty bool `yaml:"pretty"`
}

// TargetConfig names the process to instrument and the payload the
// trampolines call: either the addresses of functions already loaded in the
// target, or a shared library to load into it plus the symbols to resolve.
type TargetConfig struct {
	Pid                 int       `yaml:"pid"`
	EntryPayloadAddress HexUint64 `yaml:"entry_payload_address,omitempty"`
	ExitPayloadAddress  HexUint64 `yaml:"exit_payload_address,omitempty"`
	PayloadLibrary      string    `yaml:"payload_library,omitempty"`
	EntrySymbol         string    `yaml:"entry_symbol,omitempty"`
	ExitSymbol          string    `yaml:"exit_symbol,omitempty"`
}

// FunctionConfig names one function to instrument.
type FunctionConfig struct {
	Address HexUint64 `yaml:"address"`
	ID      uint64    `yaml:"id"`
	Name    string    `yaml:"name,omitempty"`
}

// Config is the root of the reef-instr configuration file.
type Config struct {
	Log       LogConfig        `yaml:"log"`
	Target    TargetConfig     `yaml:"target"`
	Functions []FunctionConfig `yaml:"functions"`
}

// Default returns a config with sensible defaults.
func Default() *Config {
	return &Config{
		Log: LogConfig{
			Level:  "info",
			Pretty: true,
		},
	}
}

package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Load reads and validates a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config file %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the config for values the session would reject anyway,
// so the operator gets one coherent error instead of a late failure mid
// instrumentation.
func (c *Config) Validate() error {
	switch c.Log.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log level %q", c.Log.Level)
	}
	if c.Target.Pid <= 0 {
		return fmt.Errorf("target.pid must be a positive process id, got %d", c.Target.Pid)
	}
	seen := make(map[uint64]string, len(c.Functions))
	for i, fn := range c.Functions {
		if fn.Address == 0 {
			return fmt.Errorf("functions[%d]: address must not be zero", i)
		}
		if previous, ok := seen[uint64(fn.Address)]; ok {
			return fmt.Errorf("functions[%d]: address %#x already used by %q", i, uint64(fn.Address), previous)
		}
		seen[uint64(fn.Address)] = fn.Name
	}
	return nil
}

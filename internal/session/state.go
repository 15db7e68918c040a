package session

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/reef-prof/reef/internal/retry"
	"github.com/reef-prof/reef/internal/tracee"
)

// PatchedFunction records one applied jump patch and the bytes it replaced.
type PatchedFunction struct {
	Address uint64 `yaml:"address"`
	Name    string `yaml:"name,omitempty"`
	// Backup is the hex encoding of the original function bytes.
	Backup string `yaml:"backup"`
}

// State is everything needed to undo a session's patches from a different
// process, for sessions that detach with the patches still applied.
type State struct {
	Pid       int               `yaml:"pid"`
	SessionID string            `yaml:"session_id"`
	Functions []PatchedFunction `yaml:"functions"`
}

// State captures the currently patched functions of the session.
func (s *Session) State() State {
	state := State{Pid: s.pid, SessionID: s.id.String()}
	for _, address := range s.InstrumentedFunctions() {
		fn := s.instrumented[address]
		state.Functions = append(state.Functions, PatchedFunction{
			Address: address,
			Name:    fn.request.Name,
			Backup:  hex.EncodeToString(fn.backup),
		})
	}
	return state
}

// WriteStateFile saves the state as YAML, readable only by the owner; the
// backup bytes are code from another process's memory.
func WriteStateFile(path string, state State) error {
	data, err := yaml.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to serialize session state: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write session state to %s: %w", path, err)
	}
	return nil
}

// ReadStateFile loads a state file written by WriteStateFile.
func ReadStateFile(path string) (State, error) {
	var state State
	data, err := os.ReadFile(path)
	if err != nil {
		return state, fmt.Errorf("failed to read session state from %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &state); err != nil {
		return state, fmt.Errorf("failed to parse session state in %s: %w", path, err)
	}
	return state, nil
}

// RestorePatchedFunctions attaches to the process named in the state, writes
// the backed up bytes over every patch and detaches again. Used to undo the
// patches of a session that no longer exists. The trampolines the patches
// jumped into stay resident and inert.
func RestorePatchedFunctions(state State) error {
	// The session that applied the patches may still be mid-detach; give its
	// tracer a moment to let go before failing.
	attach := func() error {
		_, err := tracee.AttachAndStopProcess(state.Pid)
		return err
	}
	transient := func(err error) bool {
		return errors.Is(err, tracee.ErrAlreadyTraced)
	}
	retryCfg := retry.Config{
		MaxRetries:     5,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     time.Second,
	}
	if err := retry.Do(context.Background(), retryCfg, attach, transient); err != nil {
		return fmt.Errorf("failed to attach to process %d: %w", state.Pid, err)
	}
	defer tracee.DetachAndContinueProcess(state.Pid) // nolint:errcheck

	for _, fn := range state.Functions {
		backup, err := hex.DecodeString(fn.Backup)
		if err != nil {
			return fmt.Errorf("malformed backup for function %#x: %w", fn.Address, err)
		}
		if err := tracee.WriteMemory(state.Pid, fn.Address, backup); err != nil {
			return err
		}
	}
	return nil
}

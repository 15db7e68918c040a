package testutil

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"testing"
	"time"
)

// StartChild spawns a sleeping child process to serve as a live target and
// returns its pid. The child is killed and reaped when the test finishes.
// Tests that need a target skip on platforms without one.
func StartChild(t *testing.T) int {
	t.Helper()
	if runtime.GOOS != "linux" {
		t.Skip("requires a /proc based target process")
	}
	cmd := exec.Command("sleep", "60")
	if err := cmd.Start(); err != nil {
		t.Fatalf("failed to start the target child: %v", err)
	}
	t.Cleanup(func() {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
	})
	return cmd.Process.Pid
}

// ProcessState returns the single letter run state of the process from
// /proc/<pid>/stat: "R" running, "S" sleeping, "t" stopped by a tracer.
func ProcessState(t *testing.T, pid int) string {
	t.Helper()
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		t.Fatalf("failed to read the state of process %d: %v", pid, err)
	}
	// The comm field may contain spaces; the state follows the closing paren.
	rest := data[bytes.LastIndexByte(data, ')')+1:]
	fields := strings.Fields(string(rest))
	if len(fields) == 0 {
		t.Fatalf("malformed stat line for process %d: %q", pid, data)
	}
	return fields[0]
}

// WaitForProcessState polls until the process reaches the wanted state or the
// timeout expires.
func WaitForProcessState(t *testing.T, pid int, want string, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		state := ProcessState(t, pid)
		if state == want {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("process %d is in state %q, wanted %q within %v", pid, state, want, timeout)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

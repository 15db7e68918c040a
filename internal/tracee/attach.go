package tracee

import (
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"

	"github.com/reef-prof/reef/internal/sys/proc"
)

// How long we keep retrying the stop of a freshly attached thread before
// declaring the attach failed.
const attachTimeout = time.Second

// ErrAlreadyTraced marks attach failures caused by another tracer on the
// target. Often transient: the previous session may still be detaching.
var ErrAlreadyTraced = errors.New("target process is already traced")

// attachAndStopThread attaches to a single thread and waits until the attach
// stop is delivered. Returns false without an error when the thread vanished
// before or while attaching; threads come and go while we iterate the task
// list and that is not a failure of the overall attach.
func attachAndStopThread(tid int) (bool, error) {
	if err := unix.PtraceAttach(tid); err != nil {
		if err == unix.ESRCH {
			log.Debug().Int("tid", tid).Msg("thread exited before it could be attached")
			return false, nil
		}
		return false, fmt.Errorf("PTRACE_ATTACH failed for thread %d: %w", tid, err)
	}

	deadline := time.Now().Add(attachTimeout)
	for time.Now().Before(deadline) {
		var status unix.WaitStatus
		waited, err := unix.Wait4(tid, &status, unix.WNOHANG|unix.WALL, nil)
		if err != nil {
			return false, fmt.Errorf("wait4 failed for thread %d: %w", tid, err)
		}
		if waited == tid {
			if status.Exited() || status.Signaled() {
				log.Debug().Int("tid", tid).Msg("thread exited while it was being attached")
				return false, nil
			}
			if status.Stopped() {
				return true, nil
			}
		}
		time.Sleep(time.Millisecond)
	}

	// Give up on this thread but do not leave it attached.
	_ = unix.PtraceDetach(tid)
	return false, fmt.Errorf("thread %d did not stop within %v of being attached", tid, attachTimeout)
}

// AttachAndStopProcess attaches to every thread of the process and waits until
// all of them are stopped. A process that already has a tracer (a debugger,
// strace, another instance of us) is refused. The returned set contains the
// halted thread ids; feed it back into AttachAndStopNewThreadsOfProcess to
// catch threads that were being spawned concurrently.
func AttachAndStopProcess(pid int) (map[int]bool, error) {
	tracer, err := proc.TracerPid(pid)
	if err != nil {
		return nil, err
	}
	if tracer != 0 {
		return nil, fmt.Errorf("process %d is traced by process %d: %w", pid, tracer, ErrAlreadyTraced)
	}
	return AttachAndStopNewThreadsOfProcess(pid, map[int]bool{})
}

// AttachAndStopNewThreadsOfProcess attaches to the threads of the process that
// are not yet in alreadyHalted. A thread stopped by us can still clone; the
// threads already attached cannot run, but threads that existed before the
// first pass may have been mid-clone, so the task list is re-read until no new
// threads show up.
func AttachAndStopNewThreadsOfProcess(pid int, alreadyHalted map[int]bool) (map[int]bool, error) {
	halted := make(map[int]bool, len(alreadyHalted))
	for tid := range alreadyHalted {
		halted[tid] = true
	}

	for {
		tids, err := proc.ListTids(pid)
		if err != nil {
			return halted, err
		}
		newThreads := false
		for _, tid := range tids {
			if halted[tid] {
				continue
			}
			newThreads = true
			stopped, err := attachAndStopThread(tid)
			if err != nil {
				return halted, err
			}
			if stopped {
				halted[tid] = true
			}
		}
		if !newThreads {
			return halted, nil
		}
	}
}

// DetachAndContinueProcess detaches from every thread we are attached to and
// lets the process run again. Threads that exited while halted are skipped.
func DetachAndContinueProcess(pid int) error {
	tids, err := proc.ListTids(pid)
	if err != nil {
		return err
	}
	for _, tid := range tids {
		if err := unix.PtraceDetach(tid); err != nil && err != unix.ESRCH {
			return fmt.Errorf("PTRACE_DETACH failed for thread %d: %w", tid, err)
		}
	}
	return nil
}

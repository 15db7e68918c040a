package instrument

import (
	"fmt"

	"github.com/reef-prof/reef/internal/sys/proc"
	"github.com/reef-prof/reef/internal/tracee"
)

// MoveInstructionPointersOutOfOverwrittenCode walks every thread of the
// stopped target and, when a thread's instruction pointer sits inside a
// function prologue that was just moved into a trampoline, rewrites it to the
// corresponding relocated instruction. This has to happen after the
// trampoline bytes are resident and before the jump patch commits; otherwise
// a thread could resume into bytes that are neither the original instruction
// nor its relocation.
//
// Register access failures here mean the engine lost control of a thread it
// had stopped, which is unrecoverable.
func MoveInstructionPointersOutOfOverwrittenCode(pid int, relocationMap map[uint64]uint64) {
	tids, err := proc.ListTids(pid)
	if err != nil {
		panic(fmt.Sprintf("failed to list threads of stopped process %d: %v", pid, err))
	}
	for _, tid := range tids {
		regs, err := tracee.GetRegisters(tid)
		if err != nil {
			panic(fmt.Sprintf("failed to read registers of stopped thread %d: %v", tid, err))
		}
		relocated, ok := relocationMap[regs.Rip]
		if !ok {
			continue
		}
		regs.Rip = relocated
		if err := tracee.SetRegisters(tid, regs); err != nil {
			panic(fmt.Sprintf("failed to write registers of stopped thread %d: %v", tid, err))
		}
	}
}

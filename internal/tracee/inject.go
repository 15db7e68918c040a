package tracee

import (
	"debug/elf"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/reef-prof/reef/internal/sys/proc"
)

// RTLD_NOW for the remote dlopen; lazy binding is pointless for a payload
// whose functions are all about to be called.
const rtldNow = 2

// callStubSize is the scratch allocation for the calling stub built by
// ExecuteInProcess: six movabs arguments plus call and trap fit comfortably.
const callStubSize = 128

// dynamicLoaderModules are searched in order for dlopen and dlsym. glibc 2.34
// folded libdl into libc proper, older systems still ship it separately.
var dynamicLoaderModules = []string{"libdl.so", "libc.so", "libc-2."}

// FindFunctionAddress resolves the runtime address of an exported function in
// one of the named modules loaded in the target process. No attach is needed;
// the module's ELF file is read from disk and its load bias computed from the
// target's memory map.
func FindFunctionAddress(pid int, symbol string, modules ...string) (uint64, error) {
	path, base, err := proc.ModuleBase(pid, modules...)
	if err != nil {
		return 0, fmt.Errorf("failed to locate %v in process %d: %w", modules, pid, err)
	}
	file, err := elf.Open(path)
	if err != nil {
		return 0, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer file.Close() // nolint:errcheck

	symbols, err := file.DynamicSymbols()
	if err != nil {
		return 0, fmt.Errorf("failed to read the dynamic symbols of %s: %w", path, err)
	}
	for _, sym := range symbols {
		if sym.Name == symbol && sym.Value != 0 {
			return base + sym.Value - lowestLoadVaddr(file), nil
		}
	}
	return 0, fmt.Errorf("symbol %q is not exported by %s", symbol, path)
}

// lowestLoadVaddr returns the lowest virtual address any PT_LOAD segment of
// the file wants. Shared objects are linked at zero; for anything else the
// difference between this and the mapping base is the load bias.
func lowestLoadVaddr(file *elf.File) uint64 {
	lowest := ^uint64(0)
	for _, prog := range file.Progs {
		if prog.Type == elf.PT_LOAD && prog.Vaddr < lowest {
			lowest = prog.Vaddr
		}
	}
	if lowest == ^uint64(0) {
		return 0
	}
	return lowest
}

// callWithString writes the string into the target, calls the function there
// with the arguments produced by buildArgs and frees the scratch memory
// again. The target must be attached and stopped.
func callWithString(pid int, functionAddress uint64, str string, buildArgs func(stringAddress uint64) []uint64) (uint64, error) {
	stringMemory, err := AllocateMemory(pid, 0, uint64(len(str))+1)
	if err != nil {
		return 0, err
	}
	defer func() {
		if err := stringMemory.Free(); err != nil {
			log.Warn().Err(err).Int("pid", pid).Msg("failed to free a remote string allocation")
		}
	}()
	if err := WriteMemory(pid, stringMemory.Address(), append([]byte(str), 0)); err != nil {
		return 0, err
	}

	codeMemory, err := AllocateMemory(pid, 0, callStubSize)
	if err != nil {
		return 0, err
	}
	defer func() {
		if err := codeMemory.Free(); err != nil {
			log.Warn().Err(err).Int("pid", pid).Msg("failed to free a remote code allocation")
		}
	}()
	return ExecuteInProcess(codeMemory, functionAddress, buildArgs(stringMemory.Address())...)
}

// LoadLibrary makes the stopped target dlopen the library at path and returns
// the handle. The path is resolved by the target's dynamic loader, so plain
// sonames like "libc.so.6" work as well as absolute paths.
func LoadLibrary(pid int, path string) (uint64, error) {
	dlopen, err := FindFunctionAddress(pid, "dlopen", dynamicLoaderModules...)
	if err != nil {
		return 0, err
	}
	handle, err := callWithString(pid, dlopen, path, func(stringAddress uint64) []uint64 {
		return []uint64{stringAddress, rtldNow}
	})
	if err != nil {
		return 0, fmt.Errorf("failed to load %s into process %d: %w", path, pid, err)
	}
	if handle == 0 {
		return 0, fmt.Errorf("dlopen of %s failed in process %d", path, pid)
	}
	return handle, nil
}

// ResolveSymbol makes the stopped target dlsym the named function in a
// library previously loaded with LoadLibrary.
func ResolveSymbol(pid int, handle uint64, symbol string) (uint64, error) {
	dlsym, err := FindFunctionAddress(pid, "dlsym", dynamicLoaderModules...)
	if err != nil {
		return 0, err
	}
	address, err := callWithString(pid, dlsym, symbol, func(stringAddress uint64) []uint64 {
		return []uint64{handle, stringAddress}
	})
	if err != nil {
		return 0, fmt.Errorf("failed to resolve %q in process %d: %w", symbol, pid, err)
	}
	if address == 0 {
		return 0, fmt.Errorf("symbol %q was not found in the loaded library in process %d", symbol, pid)
	}
	return address, nil
}

// Package session drives the instrumentation of one target process: it owns
// the attach state, the trampoline memory resident in the target, the
// per-function bookkeeping needed to undo everything and the relocation map
// consumed by the thread fixup. All mutable state lives on the Session; two
// sessions never share anything.
package session

import (
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shirou/gopsutil/v4/process"

	"github.com/reef-prof/reef/internal/instrument"
	"github.com/reef-prof/reef/internal/tracee"
)

// trampolinesPerChunk is the number of entry trampoline slots allocated at
// once when a code region gets its first instrumented function. Chunks are
// never freed while the session lives; a thread could be executing trampoline
// code at any time.
const trampolinesPerChunk = 4096

// Config parameterizes a session.
type Config struct {
	// Pid of the target process.
	Pid int
	// EntryPayloadAddress and ExitPayloadAddress are the functions in the
	// target's address space the trampolines call, for callers that already
	// loaded a payload and resolved its functions themselves.
	EntryPayloadAddress uint64
	ExitPayloadAddress  uint64
	// PayloadLibraryPath, when set, names a shared library the session dlopens
	// into the target on attach. The payload addresses above are then filled
	// in by resolving EntryPayloadSymbol and ExitPayloadSymbol in it.
	PayloadLibraryPath string
	EntryPayloadSymbol string
	ExitPayloadSymbol  string
	// Logger for the session; defaults to the global logger.
	Logger *zerolog.Logger
}

// FunctionRequest names one function to instrument.
type FunctionRequest struct {
	// Address is the virtual address of the function entry in the target.
	Address uint64
	// ID is the caller-chosen identifier handed to the entry payload on
	// every call of the function.
	ID uint64
	// Name is used in logs and error messages only. May be empty.
	Name string
}

// instrumentedFunction is the bookkeeping for one successfully built
// trampoline.
type instrumentedFunction struct {
	request              FunctionRequest
	trampolineAddress    uint64
	addressAfterPrologue uint64
	// The original function bytes overwritten by the jump patch, restored on
	// uninstrumentation.
	backup []byte
	// Whether the jump patch is currently applied.
	patched bool
}

// trampolineChunk is a block of trampoline slots mapped into the target,
// reachable with 32 bit displacements from the code region it was created
// for.
type trampolineChunk struct {
	memory *tracee.MemoryInTracee
	// codeRange is the occupied mapping the chunk serves.
	codeRange instrument.AddressRange
	// firstAvailable indexes the next unused slot. Slots of failed
	// instrumentations are not reused; a half-written trampoline must never
	// become live.
	firstAvailable int
}

func (c *trampolineChunk) takeSlot() (uint64, bool) {
	if c.firstAvailable >= trampolinesPerChunk {
		return 0, false
	}
	address := c.memory.Address() + uint64(c.firstAvailable)*instrument.MaxTrampolineSize()
	c.firstAvailable++
	return address, true
}

// Session is the instrumentation state of one attached target process.
type Session struct {
	id     uuid.UUID
	pid    int
	config Config
	logger zerolog.Logger

	haltedThreads map[int]bool
	chunks        []*trampolineChunk
	// relocationMap maps original instruction addresses to their relocated
	// copies, accumulated over every instrumented function.
	relocationMap map[uint64]uint64
	instrumented  map[uint64]*instrumentedFunction

	returnTrampoline *tracee.MemoryInTracee
	detached         bool
}

// NewSession attaches to the target, stops all its threads and installs the
// shared return trampoline. The target stays stopped until Close.
func NewSession(cfg Config) (*Session, error) {
	exists, err := process.PidExists(int32(cfg.Pid))
	if err != nil {
		return nil, fmt.Errorf("failed to check whether process %d exists: %w", cfg.Pid, err)
	}
	if !exists {
		return nil, fmt.Errorf("process %d does not exist", cfg.Pid)
	}

	id := uuid.New()
	logger := log.Logger
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	logger = logger.With().Str("session_id", id.String()).Int("pid", cfg.Pid).Logger()

	halted, err := tracee.AttachAndStopProcess(cfg.Pid)
	if err != nil {
		return nil, fmt.Errorf("failed to attach to process %d: %w", cfg.Pid, err)
	}
	logger.Info().Int("threads", len(halted)).Msg("attached and stopped target")

	s := &Session{
		id:            id,
		pid:           cfg.Pid,
		config:        cfg,
		logger:        logger,
		haltedThreads: halted,
		relocationMap: make(map[uint64]uint64),
		instrumented:  make(map[uint64]*instrumentedFunction),
	}

	if cfg.PayloadLibraryPath != "" {
		if err := s.loadPayloadLibrary(); err != nil {
			s.detach()
			return nil, err
		}
	}

	memory, err := tracee.AllocateMemory(cfg.Pid, 0, instrument.ReturnTrampolineSize())
	if err != nil {
		s.detach()
		return nil, fmt.Errorf("failed to allocate the return trampoline: %w", err)
	}
	s.returnTrampoline = memory
	if err := instrument.CreateReturnTrampoline(cfg.Pid, s.config.ExitPayloadAddress, memory.Address()); err != nil {
		s.detach()
		return nil, err
	}
	if err := memory.EnsureMemoryExecutable(); err != nil {
		s.detach()
		return nil, err
	}
	return s, nil
}

// loadPayloadLibrary dlopens the configured payload library in the stopped
// target and resolves the entry and exit payload functions in it. The library
// stays loaded for the lifetime of the target; trampolines keep calling into
// it even after the session detaches.
func (s *Session) loadPayloadLibrary() error {
	handle, err := tracee.LoadLibrary(s.pid, s.config.PayloadLibraryPath)
	if err != nil {
		return err
	}
	entry, err := tracee.ResolveSymbol(s.pid, handle, s.config.EntryPayloadSymbol)
	if err != nil {
		return err
	}
	exit, err := tracee.ResolveSymbol(s.pid, handle, s.config.ExitPayloadSymbol)
	if err != nil {
		return err
	}
	s.config.EntryPayloadAddress = entry
	s.config.ExitPayloadAddress = exit
	s.logger.Info().
		Str("library", s.config.PayloadLibraryPath).
		Uint64("entry_payload", entry).
		Uint64("exit_payload", exit).
		Msg("loaded the payload library into the target")
	return nil
}

// ID returns the unique id of this session.
func (s *Session) ID() uuid.UUID { return s.id }

// Pid returns the target process id.
func (s *Session) Pid() int { return s.pid }

// chunkFor returns a chunk with a free slot serving the code region that
// contains functionAddress, creating one next to the region if needed.
func (s *Session) chunkFor(functionAddress uint64) (*trampolineChunk, error) {
	unavailable, err := instrument.UnavailableAddressRanges(s.pid)
	if err != nil {
		return nil, err
	}
	point := instrument.AddressRange{Start: functionAddress, End: functionAddress + 1}
	index := sort.Search(len(unavailable), func(i int) bool {
		return unavailable[i].End > functionAddress
	})
	if index == len(unavailable) || !unavailable[index].Overlaps(point) {
		return nil, fmt.Errorf("function address %#x is not in any mapping of process %d", functionAddress, s.pid)
	}
	codeRange := unavailable[index]

	for _, chunk := range s.chunks {
		if chunk.codeRange == codeRange && chunk.firstAvailable < trampolinesPerChunk {
			return chunk, nil
		}
	}

	size := trampolinesPerChunk * instrument.MaxTrampolineSize()
	placement, err := instrument.FindAddressRangeForTrampoline(unavailable, codeRange, size)
	if err != nil {
		return nil, err
	}
	memory, err := tracee.AllocateMemory(s.pid, placement.Start, size)
	if err != nil {
		return nil, err
	}
	chunk := &trampolineChunk{memory: memory, codeRange: codeRange}
	s.chunks = append(s.chunks, chunk)
	s.logger.Debug().
		Stringer("code_range", codeRange).
		Stringer("chunk", placement).
		Msg("allocated trampoline chunk")
	return chunk, nil
}

// InstrumentFunctions builds a trampoline for every requested function and
// patches the functions to jump into them. Per-function failures (an
// unrelocatable prologue, an unreadable address) do not abort the pass; the
// returned map carries an entry per failed request. Functions already
// instrumented in this session only get their function id refreshed.
func (s *Session) InstrumentFunctions(requests []FunctionRequest) map[uint64]error {
	failures := make(map[uint64]error)
	if s.detached {
		for _, r := range requests {
			failures[r.Address] = fmt.Errorf("session %s is closed", s.id)
		}
		return failures
	}

	// Threads spawned between attach and now are stopped too; every thread
	// must be halted before any code is rewritten.
	halted, err := tracee.AttachAndStopNewThreadsOfProcess(s.pid, s.haltedThreads)
	if err != nil {
		s.logger.Warn().Err(err).Msg("failed to stop newly spawned threads")
	}
	s.haltedThreads = halted

	var created []*instrumentedFunction
	for _, request := range requests {
		if existing, ok := s.instrumented[request.Address]; ok {
			existing.request.ID = request.ID
			created = append(created, existing)
			continue
		}
		fn, err := s.createTrampoline(request)
		if err != nil {
			s.logger.Warn().Err(err).
				Str("function", request.Name).
				Uint64("address", request.Address).
				Msg("failed to build trampoline")
			failures[request.Address] = err
			continue
		}
		s.instrumented[request.Address] = fn
		created = append(created, fn)
	}

	for _, chunk := range s.chunks {
		if err := chunk.memory.EnsureMemoryExecutable(); err != nil {
			// Nothing in this chunk can be jumped to; fail every function
			// placed in it and leave the originals unpatched.
			for _, fn := range created {
				if chunk.memory.Address() <= fn.trampolineAddress &&
					fn.trampolineAddress < chunk.memory.Address()+chunk.memory.Size() {
					failures[fn.request.Address] = err
					delete(s.instrumented, fn.request.Address)
				}
			}
		}
	}

	instrument.MoveInstructionPointersOutOfOverwrittenCode(s.pid, s.relocationMap)

	for _, fn := range created {
		if _, failed := failures[fn.request.Address]; failed {
			continue
		}
		err := instrument.InstrumentFunction(s.pid, fn.request.Address, fn.request.ID,
			fn.addressAfterPrologue, fn.trampolineAddress)
		if err != nil {
			failures[fn.request.Address] = err
			delete(s.instrumented, fn.request.Address)
			continue
		}
		fn.patched = true
		s.logger.Debug().
			Str("function", fn.request.Name).
			Uint64("address", fn.request.Address).
			Uint64("trampoline", fn.trampolineAddress).
			Msg("function instrumented")
	}
	return failures
}

// prologueReadSize caps the prologue read at the end of the mapped region the
// function lives in.
func prologueReadSize(functionAddress uint64, mapped instrument.AddressRange) uint64 {
	size := uint64(instrument.MaxRelocatedPrologueSize)
	if available := mapped.End - functionAddress; available < size {
		size = available
	}
	return size
}

// createTrampoline reserves a slot and assembles the entry trampoline for one
// function. The slot of a failed assembly is left reserved and inert; reusing
// it would risk executing a half-written trampoline recorded in the
// relocation map.
func (s *Session) createTrampoline(request FunctionRequest) (*instrumentedFunction, error) {
	chunk, err := s.chunkFor(request.Address)
	if err != nil {
		return nil, err
	}
	// A function near the end of its mapping has fewer readable bytes than
	// the full prologue budget; reading past the mapping would fail the whole
	// function even though relocation only needs the first instructions.
	function, err := tracee.ReadMemory(s.pid, request.Address, prologueReadSize(request.Address, chunk.codeRange))
	if err != nil {
		return nil, err
	}
	trampolineAddress, ok := chunk.takeSlot()
	if !ok {
		return nil, fmt.Errorf("no trampoline slot left for function %#x", request.Address)
	}
	if err := chunk.memory.EnsureMemoryWritable(); err != nil {
		return nil, err
	}

	addressAfterPrologue, err := instrument.CreateTrampoline(s.pid, request.Address, function,
		trampolineAddress, s.config.EntryPayloadAddress, s.returnTrampoline.Address(), s.relocationMap)
	if err != nil {
		return nil, err
	}
	return &instrumentedFunction{
		request:              request,
		trampolineAddress:    trampolineAddress,
		addressAfterPrologue: addressAfterPrologue,
		backup:               function[:addressAfterPrologue-request.Address],
	}, nil
}

// UninstrumentFunctions restores the original first bytes of every patched
// function. Trampolines stay resident and inert; a thread may still be
// executing one. The functions remain known to the session, so a later
// InstrumentFunctions reuses their trampolines.
func (s *Session) UninstrumentFunctions() error {
	if s.detached {
		return fmt.Errorf("session %s is closed", s.id)
	}
	var firstErr error
	for _, fn := range s.instrumented {
		if !fn.patched {
			continue
		}
		if err := tracee.WriteMemory(s.pid, fn.request.Address, fn.backup); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		fn.patched = false
	}
	return firstErr
}

// InstrumentedFunctions returns the addresses of the functions currently
// patched, sorted ascending.
func (s *Session) InstrumentedFunctions() []uint64 {
	var addresses []uint64
	for address, fn := range s.instrumented {
		if fn.patched {
			addresses = append(addresses, address)
		}
	}
	sort.Slice(addresses, func(i, j int) bool { return addresses[i] < addresses[j] })
	return addresses
}

func (s *Session) detach() {
	if s.detached {
		return
	}
	if err := tracee.DetachAndContinueProcess(s.pid); err != nil {
		s.logger.Warn().Err(err).Msg("failed to detach from target")
	}
	s.detached = true
}

// Close detaches from the target and lets it run again. Trampoline memory is
// deliberately left mapped: if functions are still instrumented their calls
// keep flowing through the trampolines, and even after uninstrumentation a
// thread may sit in trampoline code. Unmapping would crash the target.
func (s *Session) Close() error {
	if s.detached {
		return nil
	}
	s.detach()
	s.logger.Info().Msg("detached from target")
	return nil
}

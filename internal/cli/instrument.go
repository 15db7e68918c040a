package cli

import (
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/reef-prof/reef/internal/config"
	"github.com/reef-prof/reef/internal/privilege"
	hostcaps "github.com/reef-prof/reef/internal/runtime"
	"github.com/reef-prof/reef/internal/session"
	"github.com/reef-prof/reef/internal/sys/proc"
)

// parseAddress accepts decimal and 0x-prefixed hex.
func parseAddress(s string) (uint64, error) {
	value, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid address %q: %w", s, err)
	}
	return value, nil
}

// parseFunctionSpec parses the --func flag format "address:id[:name]".
func parseFunctionSpec(spec string) (session.FunctionRequest, error) {
	parts := strings.SplitN(spec, ":", 3)
	if len(parts) < 2 {
		return session.FunctionRequest{}, fmt.Errorf("invalid function spec %q, expected address:id[:name]", spec)
	}
	address, err := parseAddress(parts[0])
	if err != nil {
		return session.FunctionRequest{}, err
	}
	id, err := strconv.ParseUint(parts[1], 0, 64)
	if err != nil {
		return session.FunctionRequest{}, fmt.Errorf("invalid function id in %q: %w", spec, err)
	}
	request := session.FunctionRequest{Address: address, ID: id}
	if len(parts) == 3 {
		request.Name = parts[2]
	}
	return request, nil
}

func requirePtrace() error {
	capabilities, err := hostcaps.DetectCapabilities()
	if err != nil {
		return err
	}
	if !capabilities.CanPtrace() {
		return fmt.Errorf("attaching to arbitrary processes requires CAP_SYS_PTRACE or root")
	}
	return nil
}

func newInstrumentCmd() *cobra.Command {
	var (
		pid          int
		configPath   string
		functions    []string
		entryPayload string
		exitPayload  string
		payloadLib   string
		entrySymbol  string
		exitSymbol   string
		duration     time.Duration
		keep         bool
		statePath    string
	)

	cmd := &cobra.Command{
		Use:   "instrument",
		Short: "Instrument functions in a running process",
		Long: `Attach to the target, build trampolines for the named functions, patch
their entries and detach again, leaving the target running instrumented. The
command then waits (for --duration, or until interrupted) and re-attaches to
undo the patches.

The payload the trampolines call is either already resident in the target
(--entry-payload/--exit-payload) or loaded by the command (--payload-lib with
--entry-symbol/--exit-symbol).

With --keep the patches stay applied after the command exits; the original
function bytes are saved to the state file so 'reef-instr uninstrument' can
restore them later.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := componentLogger("instrument")

			var requests []session.FunctionRequest
			cfg := session.Config{Pid: pid, Logger: &logger}

			if configPath != "" {
				fileCfg, err := config.Load(configPath)
				if err != nil {
					return err
				}
				cfg.Pid = fileCfg.Target.Pid
				cfg.EntryPayloadAddress = uint64(fileCfg.Target.EntryPayloadAddress)
				cfg.ExitPayloadAddress = uint64(fileCfg.Target.ExitPayloadAddress)
				cfg.PayloadLibraryPath = fileCfg.Target.PayloadLibrary
				if fileCfg.Target.EntrySymbol != "" {
					cfg.EntryPayloadSymbol = fileCfg.Target.EntrySymbol
				}
				if fileCfg.Target.ExitSymbol != "" {
					cfg.ExitPayloadSymbol = fileCfg.Target.ExitSymbol
				}
				for _, fn := range fileCfg.Functions {
					requests = append(requests, session.FunctionRequest{
						Address: uint64(fn.Address),
						ID:      fn.ID,
						Name:    fn.Name,
					})
				}
			}
			if entryPayload != "" {
				address, err := parseAddress(entryPayload)
				if err != nil {
					return err
				}
				cfg.EntryPayloadAddress = address
			}
			if exitPayload != "" {
				address, err := parseAddress(exitPayload)
				if err != nil {
					return err
				}
				cfg.ExitPayloadAddress = address
			}
			for _, spec := range functions {
				request, err := parseFunctionSpec(spec)
				if err != nil {
					return err
				}
				requests = append(requests, request)
			}

			if payloadLib != "" {
				cfg.PayloadLibraryPath = payloadLib
			}
			if entrySymbol != "" {
				cfg.EntryPayloadSymbol = entrySymbol
			}
			if exitSymbol != "" {
				cfg.ExitPayloadSymbol = exitSymbol
			}

			if cfg.Pid <= 0 {
				return fmt.Errorf("a target pid is required (--pid or the config file)")
			}
			if len(requests) == 0 {
				return fmt.Errorf("nothing to instrument, name functions with --func or the config file")
			}
			if cfg.PayloadLibraryPath == "" && (cfg.EntryPayloadAddress == 0 || cfg.ExitPayloadAddress == 0) {
				return fmt.Errorf("either a payload library (--payload-lib) or the entry and exit payload addresses are required")
			}
			if cfg.EntryPayloadSymbol == "" {
				cfg.EntryPayloadSymbol = "EntryPayload"
			}
			if cfg.ExitPayloadSymbol == "" {
				cfg.ExitPayloadSymbol = "ExitPayload"
			}
			if err := requirePtrace(); err != nil {
				return err
			}

			sess, err := session.NewSession(cfg)
			if err != nil {
				return err
			}
			defer sess.Close() // nolint:errcheck

			failures := sess.InstrumentFunctions(requests)
			for _, request := range requests {
				if err, failed := failures[request.Address]; failed {
					cmd.Printf("FAILED  %#x %s: %v\n", request.Address, request.Name, err)
				} else {
					cmd.Printf("OK      %#x %s\n", request.Address, request.Name)
				}
			}
			if len(failures) == len(requests) {
				return fmt.Errorf("no function could be instrumented")
			}

			if keep {
				if err := session.WriteStateFile(statePath, sess.State()); err != nil {
					return err
				}
				// Running under sudo the state file would end up root-owned
				// and the invoking user could not uninstrument later.
				if err := privilege.FixFileOwnership(statePath); err != nil {
					logger.Warn().Err(err).Str("path", statePath).Msg("failed to fix state file ownership")
				}
				cmd.Printf("patches kept; undo with: reef-instr uninstrument --state %s\n", statePath)
				return sess.Close()
			}

			// Detach before waiting: the target only runs, and calls only flow
			// through the trampolines, once every thread is resumed. The state
			// captured here is enough to undo the patches after the wait.
			state := sess.State()
			if err := sess.Close(); err != nil {
				return err
			}

			interrupted := make(chan os.Signal, 1)
			signal.Notify(interrupted, os.Interrupt, syscall.SIGTERM)
			defer signal.Stop(interrupted)
			if duration > 0 {
				select {
				case <-interrupted:
				case <-time.After(duration):
				}
			} else {
				logger.Info().Msg("instrumented and running, waiting for interrupt")
				<-interrupted
			}

			if !proc.ProcessExists(state.Pid) {
				logger.Info().Msg("target exited during the capture, nothing to restore")
				return nil
			}
			return session.RestorePatchedFunctions(state)
		},
	}

	cmd.Flags().IntVar(&pid, "pid", 0, "target process id")
	cmd.Flags().StringVar(&configPath, "config", "", "YAML config file (see docs/config.example.yaml)")
	cmd.Flags().StringArrayVar(&functions, "func", nil, "function to instrument, address:id[:name] (repeatable)")
	cmd.Flags().StringVar(&entryPayload, "entry-payload", "", "address of the entry payload in the target")
	cmd.Flags().StringVar(&exitPayload, "exit-payload", "", "address of the exit payload in the target")
	cmd.Flags().StringVar(&payloadLib, "payload-lib", "", "shared library to load into the target as the payload")
	cmd.Flags().StringVar(&entrySymbol, "entry-symbol", "", "entry payload symbol in --payload-lib (default EntryPayload)")
	cmd.Flags().StringVar(&exitSymbol, "exit-symbol", "", "exit payload symbol in --payload-lib (default ExitPayload)")
	cmd.Flags().DurationVar(&duration, "duration", 0, "how long to stay instrumented (default: until interrupted)")
	cmd.Flags().BoolVar(&keep, "keep", false, "leave the patches applied on exit")
	cmd.Flags().StringVar(&statePath, "state", "reef-session.yaml", "state file written with --keep")
	return cmd
}

func newUninstrumentCmd() *cobra.Command {
	var statePath string

	cmd := &cobra.Command{
		Use:   "uninstrument",
		Short: "Undo patches left behind by 'instrument --keep'",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requirePtrace(); err != nil {
				return err
			}
			state, err := session.ReadStateFile(statePath)
			if err != nil {
				return err
			}
			if err := session.RestorePatchedFunctions(state); err != nil {
				return err
			}
			cmd.Printf("restored %d functions in process %d\n", len(state.Functions), state.Pid)
			return nil
		},
	}

	cmd.Flags().StringVar(&statePath, "state", "reef-session.yaml", "state file written by 'instrument --keep'")
	return cmd
}

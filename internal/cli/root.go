// Package cli implements the reef-instr command line interface.
package cli

import (
	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/reef-prof/reef/internal/logging"
	"github.com/reef-prof/reef/pkg/version"
)

var (
	logLevel  string
	logPretty bool
)

var rootCmd = &cobra.Command{
	Use:   "reef-instr",
	Short: "Dynamically instrument functions in a running process",
	Long: `reef-instr rewrites function entries in a running, unmodified x86-64
Linux process so that every call is redirected through generated trampolines
invoking entry and exit payloads. No recompilation, no restart.

The target process is stopped via ptrace for the duration of each patching
pass; requires CAP_SYS_PTRACE or root.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		zlog.Logger = logging.New(logging.Config{
			Level:  logLevel,
			Pretty: logPretty,
		})
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&logPretty, "pretty", true, "human-readable log output")

	rootCmd.AddCommand(newInstrumentCmd())
	rootCmd.AddCommand(newUninstrumentCmd())
	rootCmd.AddCommand(newMapsCmd())
	rootCmd.AddCommand(newVersionCmd())
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Printf("reef-instr version %s\n", version.Version)
			cmd.Printf("Git commit: %s\n", version.GitCommit)
			cmd.Printf("Build date: %s\n", version.BuildDate)
			cmd.Printf("Go version: %s\n", version.GoVersion)
		},
	}
}

// componentLogger returns a logger for one CLI command.
func componentLogger(component string) zerolog.Logger {
	return zlog.Logger.With().Str("component", component).Logger()
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

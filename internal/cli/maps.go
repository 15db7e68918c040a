package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/reef-prof/reef/internal/instrument"
)

func newMapsCmd() *cobra.Command {
	var (
		pid     int
		address string
	)

	cmd := &cobra.Command{
		Use:   "maps",
		Short: "Show the occupied address ranges of a process",
		Long: `Print every occupied address range of the target, as the trampoline
placement search sees them. With --address, also print where a trampoline
chunk serving that code address would be placed.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if pid <= 0 {
				return fmt.Errorf("a target pid is required (--pid)")
			}
			unavailable, err := instrument.UnavailableAddressRanges(pid)
			if err != nil {
				return err
			}
			for _, r := range unavailable {
				cmd.Printf("%s (%d bytes)\n", r, r.End-r.Start)
			}

			if address == "" {
				return nil
			}
			codeAddress, err := parseAddress(address)
			if err != nil {
				return err
			}
			codeRange := instrument.AddressRange{Start: codeAddress, End: codeAddress + 1}
			placement, err := instrument.FindAddressRangeForTrampoline(unavailable, codeRange, instrument.MaxTrampolineSize())
			if err != nil {
				return err
			}
			cmd.Printf("\ntrampoline for code at %#x would be placed at %s\n", codeAddress, placement)
			return nil
		},
	}

	cmd.Flags().IntVar(&pid, "pid", 0, "target process id")
	cmd.Flags().StringVar(&address, "address", "", "code address to compute a trampoline placement for")
	return cmd
}

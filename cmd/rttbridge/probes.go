package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/bft-labs/rttbridge/pkg/transport/cmsisdap"
)

func newProbesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "probes",
		Short: "List attached CMSIS-DAP probes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			probes, err := cmsisdap.Probes()
			if err != nil {
				return err
			}
			if len(probes) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no probes found")
				return nil
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tVID:PID\tSERIAL\tBUS\tADDR")
			for _, p := range probes {
				fmt.Fprintf(tw, "%s\t%04x:%04x\t%s\t%d\t%d\n", p.Name, p.VID, p.PID, p.Serial, p.Bus, p.Addr)
			}
			return tw.Flush()
		},
	}
}

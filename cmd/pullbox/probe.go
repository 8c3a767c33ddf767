package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/pullfrog/pullbox"
)

func newProbeCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Report what the kernel can enforce",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			caps := pullbox.Probe()
			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(caps)
			}

			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintf(tw, "platform\t%s\n", caps.Platform)
			fmt.Fprintf(tw, "kernel\t%s\n", caps.KernelVersion)
			fmt.Fprintf(tw, "landlock\t%t (abi %d)\n", caps.Landlock, caps.ABIVersion)
			fmt.Fprintf(tw, "network restriction\t%t\n", caps.NetworkRestriction)
			fmt.Fprintf(tw, "pid isolation\t%t\n", caps.PIDIsolation)
			if caps.Features != "" {
				fmt.Fprintf(tw, "features\t%s\n", caps.Features)
			}
			if caps.Reason != "" {
				fmt.Fprintf(tw, "reason\t%s\n", caps.Reason)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

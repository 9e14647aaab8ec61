package main

import (
	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "rebirth",
		Short: "Reset crashed requests in run queues and resurrect the runs",
		Long: `rebirth scans the request queues of finished runs, resets every request whose
execution crashed without recording a retry, and optionally resurrects the runs
that received resets, waiting for each to finish.

Configuration is read from --config and REBIRTH_* environment variables; what to
process comes from --input and the run flags.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().String("config", "", "Config file (yaml, json or toml)")

	root.AddCommand(newRunCmd())
	root.AddCommand(newStatsCmd())
	return root
}

package commands

import (
	"printavo-archive/internal/pipeline"

	"github.com/spf13/cobra"
)

var dryRunLimit int

func init() {
	dryRunCmd.Flags().IntVar(&dryRunLimit, "limit", 0, "Look at no more than this many orders, 0 means all.")
	rootCmd.AddCommand(dryRunCmd)
}

var dryRunCmd = &cobra.Command{
	Use:   "dry-run [--limit N]",
	Short: "Counts orders and estimates how long a full run would take.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runPipeline(cmd, pipeline.Mode{DryRun: true, Limit: dryRunLimit})
	},
}

package commands

import (
	"printavo-archive/internal/pipeline"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Prints checkpoint progress and the exports kept locally and in minio.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		report, err := pipeline.Status(cmd.Context(), cfg, deps)
		if err != nil {
			return err
		}
		report.Render(cmd.OutOrStdout())
		return nil
	},
}

package commands

import (
	"printavo-archive/internal/pipeline"

	"github.com/spf13/cobra"
)

var runMode pipeline.Mode

func init() {
	flags := runCmd.Flags()
	flags.BoolVar(&runMode.APIOnly, "api-only", false, "Only export the api resources.")
	flags.BoolVar(&runMode.ArtworkOnly, "artwork-only", false, "Only scrape artwork, orders come from the latest export.")
	flags.BoolVar(&runMode.ProductionOnly, "production-only", false, "Like --artwork-only, keeping only production files.")
	flags.BoolVar(&runMode.Resume, "resume", false, "Continue from the checkpoint instead of starting over.")
	flags.BoolVar(&runMode.DryRun, "dry-run", false, "Estimate the work without downloading anything.")
	flags.BoolVar(&runMode.Sync, "sync", false, "Upload to minio when the other stages are done.")
	flags.IntVar(&runMode.Limit, "limit", 0, "Look at no more than this many orders, 0 means all.")
	flags.BoolVar(&runMode.SkipDetails, "skip-details", false, "Skip the per order sub resources of the api export.")
	rootCmd.AddCommand(runCmd)
}

var runCmd = &cobra.Command{
	Use:   "run [--api-only|--artwork-only|--production-only] [--resume] [--dry-run] [--sync] [--limit N] [--skip-details]",
	Short: "Exports the api, scrapes artwork and, when minio is configured, uploads everything.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runPipeline(cmd, runMode)
	},
}

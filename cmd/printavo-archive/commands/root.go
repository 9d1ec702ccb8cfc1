package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"printavo-archive/internal/components/chrono"
	"printavo-archive/internal/components/telemetry"
	"printavo-archive/internal/config"
	"printavo-archive/internal/pipeline"

	"github.com/spf13/cobra"
)

var (
	configFile string
	dataDir    string
	logLevel   string
)

// state set up by the root command before any subcommand runs
var (
	cfg       config.Config
	deps      pipeline.Deps
	logCloser io.Closer
	providers telemetry.Providers
)

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&configFile, "config", config.DefaultFile, "The json5 config file, a .local sibling overrides it.")
	flags.StringVar(&dataDir, "data-dir", "", "Where exports, artwork and the checkpoint are kept.")
	flags.StringVar(&logLevel, "log-level", "", "debug, info, warn or error.")
}

var rootCmd = &cobra.Command{
	Use:           "printavo-archive",
	Short:         "printavo-archive copies everything out of a printavo account into local files and minio.",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(configFile)
		if err != nil {
			return err
		}
		if dataDir != "" {
			cfg.Archive.DataDir = dataDir
		}
		if logLevel != "" {
			cfg.Archive.LogLevel = logLevel
		}

		logCloser, err = telemetry.SetupLogger(telemetry.ParseLevel(cfg.Archive.LogLevel), cfg.Archive.LogFile)
		if err != nil {
			return err
		}
		providers, err = telemetry.Setup(cmd.Context(), cfg.Archive.ServiceName, cfg.Telemetry)
		if err != nil {
			// tracing is optional, the run goes on without it
			slog.Warn("failed to set up otlp export", "err", err)
		}
		if providers.MeterProvider != nil {
			telemetry.InstrumentPerfStats(cmd.Context(), 30*time.Second, telemetry.SlogAPI{})
		}

		clock, err := chrono.NewStandardImpl("")
		if err != nil {
			return err
		}
		deps = pipeline.Deps{
			Clock: clock,
			Tel:   telemetry.SlogAPI{},
			Out:   os.Stdout,
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		shutdown()
	},
}

func shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := providers.Shutdown(ctx)
	if err != nil {
		slog.Warn("failed to flush telemetry", "err", err)
	}
	providers = telemetry.Providers{}
	if logCloser != nil {
		logCloser.Close()
		logCloser = nil
	}
}

// ExecuteContext runs the cli and returns the process exit code.
func ExecuteContext(ctx context.Context) int {
	err := rootCmd.ExecuteContext(ctx)
	if err == nil {
		return 0
	}
	// PersistentPostRun is skipped when a command fails
	shutdown()
	fmt.Fprintln(os.Stderr, "error:", err)
	if errors.Is(err, config.ErrMissingCredential) {
		fmt.Fprintln(os.Stderr, "set the missing values in the environment or in", configFile)
	}
	return 1
}

// runPipeline executes one run and prints its summary, an interrupted run
// still prints what it got done.
func runPipeline(cmd *cobra.Command, mode pipeline.Mode) error {
	summary, err := pipeline.Run(cmd.Context(), cfg, mode, deps)
	if summary != nil {
		summary.Render(cmd.OutOrStdout())
	}
	if err != nil {
		return err
	}
	if summary.Interrupted {
		slog.Warn("run interrupted, resume it with --resume", "run_id", summary.RunID)
	}
	return nil
}

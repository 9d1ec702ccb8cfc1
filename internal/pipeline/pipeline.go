// Package pipeline runs the archive end to end: the api export, the artwork
// scrape and the upload to object storage, resumable through one checkpoint.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"printavo-archive/internal/archive"
	"printavo-archive/internal/assert"
	"printavo-archive/internal/checkpoint"
	"printavo-archive/internal/components/chrono"
	"printavo-archive/internal/components/telemetry"
	"printavo-archive/internal/config"
	"printavo-archive/internal/entity"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var tracer = otel.Tracer("printavo-archive/internal/pipeline")

const (
	report_pipeline_run        = "pipeline.run"
	report_pipeline_api_stage  = "pipeline.api-stage"
	report_pipeline_sync_stage = "pipeline.sync-stage"
)

// ScopeResources is the checkpoint scope holding finished api resources.
const ScopeResources = "resources"

// TimestampLayout names export directories, it sorts lexically.
const TimestampLayout = "2006-01-02_15-04-05"

const metaExport = "export"

var (
	ErrNoOrders     = errors.New("no orders found, run the api export first")
	ErrFlushTimeout = errors.New("checkpoint flush did not finish within the shutdown grace period")
)

type Deps struct {
	Clock chrono.API
	Tel   telemetry.API
	// Store replaces the minio store built from the config.
	Store archive.ObjectStore
	// Out receives progress lines, nil discards them.
	Out io.Writer
}

type run struct {
	cfg      config.Config
	mode     Mode
	deps     Deps
	tel      telemetry.API
	acc      *checkpoint.Accumulator
	progress *progress
	summary  *Summary
}

// Run executes the stages mode asks for. Authentication failures, missing
// credentials and a held lock are returned as errors. When ctx is cancelled
// no new work is started, the checkpoint is flushed and the summary comes
// back marked as interrupted with a nil error.
func Run(ctx context.Context, cfg config.Config, mode Mode, deps Deps) (*Summary, error) {
	assert.NotNil(deps.Clock)
	assert.NotNil(deps.Tel)
	if deps.Out == nil {
		deps.Out = io.Discard
	}

	err := mode.Validate()
	if err != nil {
		return nil, err
	}
	err = cfg.Validate(mode.needs(deps.Store != nil))
	if err != nil {
		return nil, err
	}

	ctx, span := tracer.Start(ctx, "Run")
	defer span.End()
	span.SetAttributes(attribute.String("mode", mode.Name()))

	r := &run{
		cfg:      cfg,
		mode:     mode,
		deps:     deps,
		tel:      telemetry.NewScopedAPI("pipeline", deps.Tel),
		progress: newProgress(deps.Out, cfg.Archive.ProgressEvery()),
		summary: &Summary{
			Mode:      mode.Name(),
			StartedAt: deps.Clock.Now(),
		},
	}

	// a dry run only reads, it does not need to keep others out
	if mode.DryRun {
		r.summary.DryRun, err = r.dryRun(ctx)
		return r.finish(ctx, err, nil)
	}

	lock, err := checkpoint.AcquireLock(cfg.Archive.DataDir)
	if err != nil {
		return nil, err
	}
	defer lock.Release()

	stopProgress := r.progress.run(ctx)
	defer stopProgress()

	if mode.SyncOnly {
		r.summary.Sync, err = r.syncStage(ctx)
		return r.finish(ctx, err, nil)
	}

	err = r.openCheckpoint()
	if err != nil {
		return nil, err
	}
	err = r.stages(ctx)
	stopProgress()
	return r.finish(ctx, err, r.closeCheckpoint())
}

func (r *run) stages(ctx context.Context) error {
	var orders []entity.Entity
	exported := false
	if r.mode.runsAPI() {
		result, items, err := r.apiStage(ctx)
		r.summary.API = result
		if err != nil {
			return err
		}
		orders, exported = items, true
	}

	if r.mode.runsArtwork() {
		if !exported {
			var err error
			orders, _, err = latestOrders(r.cfg.Archive.ExportsDir())
			if err != nil {
				return err
			}
		}
		stats, err := r.artworkStage(ctx, orders)
		r.summary.Artwork = stats
		if err != nil {
			return err
		}
	}

	if r.mode.runsSync(r.cfg.Minio.Configured() || r.deps.Store != nil) {
		result, err := r.syncStage(ctx)
		r.summary.Sync = result
		if err != nil {
			return err
		}
	}
	return nil
}

// openCheckpoint loads the checkpoint and starts its accumulator. Without
// resume an existing checkpoint is set aside and a fresh one started.
func (r *run) openCheckpoint() error {
	path := r.cfg.Archive.CheckpointPath()
	if !r.mode.Resume {
		_, err := os.Stat(path)
		if err == nil {
			err = os.Rename(path, path+".prev")
			if err != nil {
				return fmt.Errorf("archive previous checkpoint: %w", err)
			}
		}
	}

	state, err := checkpoint.Load(path, r.deps.Clock)
	if err != nil {
		return err
	}
	r.summary.RunID = state.RunID

	r.acc = checkpoint.NewAccumulator(path, state, r.cfg.Archive.FlushInterval(), r.deps.Clock, r.deps.Tel)
	r.acc.Start()
	return nil
}

// closeCheckpoint does the final flush, giving up after the shutdown grace
// period.
func (r *run) closeCheckpoint() error {
	done := make(chan error, 1)
	go func() {
		done <- r.acc.Close()
	}()

	timer := time.NewTimer(r.cfg.Archive.ShutdownGrace())
	defer timer.Stop()
	select {
	case err := <-done:
		return err
	case <-timer.C:
		r.tel.ReportBroken(report_pipeline_run, ErrFlushTimeout)
		return ErrFlushTimeout
	}
}

func (r *run) finish(ctx context.Context, err, closeErr error) (*Summary, error) {
	r.summary.FinishedAt = r.deps.Clock.Now()
	if ctx.Err() != nil && (err == nil || errors.Is(err, ctx.Err())) {
		r.summary.Interrupted = true
		r.tel.ReportWarning(report_pipeline_run, "interrupted, progress is saved to the checkpoint")
		err = nil
	}
	err = errors.Join(err, closeErr)
	if err != nil {
		r.tel.ReportBroken(report_pipeline_run, r.mode.Name(), err)
	}
	return r.summary, err
}

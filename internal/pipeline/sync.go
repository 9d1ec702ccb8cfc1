package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"printavo-archive/internal/archive"
	"printavo-archive/internal/entity"
)

type ExportSync struct {
	Timestamp string `json:"timestamp"`
	archive.SyncResult
}

type SyncSummary struct {
	Exports []ExportSync         `json:"exports"`
	Artwork archive.SyncResult   `json:"artwork"`
	Indexes []string             `json:"indexes"`
	Catalog archive.CatalogStats `json:"catalog"`
	Stats   archive.Stats        `json:"stats"`
}

func (r *run) store() (archive.ObjectStore, error) {
	if r.deps.Store != nil {
		return r.deps.Store, nil
	}
	m := r.cfg.Minio
	return archive.NewMinioStore(archive.MinioOptions{
		Endpoint:  m.Endpoint,
		AccessKey: m.AccessKey,
		SecretKey: m.SecretKey,
		UseSSL:    m.Secure,
		Region:    m.Region,
		Bucket:    m.Bucket,
	})
}

func (r *run) uploader() (*archive.Uploader, error) {
	store, err := r.store()
	if err != nil {
		return nil, err
	}
	return archive.NewUploader(store, archive.Options{
		Prefix:  r.cfg.Minio.Prefix,
		Workers: r.cfg.Minio.Workers,
	}, r.deps.Clock, r.deps.Tel), nil
}

// syncStage mirrors the local exports and artwork into the bucket, then
// regenerates the indexes and the catalog from what is on disk. Files
// already in the bucket are not sent again. Failed files are counted and the
// stage carries on; only an unreachable bucket ends it.
func (r *run) syncStage(ctx context.Context) (*SyncSummary, error) {
	ctx, span := tracer.Start(ctx, "syncStage")
	defer span.End()

	u, err := r.uploader()
	if err != nil {
		return nil, err
	}
	r.progress.set("sync", "connecting", 0, 0)
	err = u.EnsureBucket(ctx)
	if err != nil {
		return nil, fmt.Errorf("ensure bucket: %w", err)
	}

	summary := &SyncSummary{Indexes: []string{}}
	defer func() {
		summary.Stats = u.Stats()
	}()

	exportsDir := r.cfg.Archive.ExportsDir()
	timestamps, err := exportDirs(exportsDir)
	if err != nil {
		return summary, err
	}
	for i, ts := range timestamps {
		if ctx.Err() != nil {
			return summary, ctx.Err()
		}
		r.progress.set("sync", "exports", i, len(timestamps))
		result, err := u.UploadExport(ctx, filepath.Join(exportsDir, ts), ts)
		if err != nil {
			return summary, err
		}
		summary.Exports = append(summary.Exports, ExportSync{Timestamp: ts, SyncResult: result})
	}

	artworkDir := r.cfg.Archive.ArtworkDir()
	summary.Artwork, err = u.UploadArtworkTree(ctx, artworkDir, func(p archive.SyncProgress) {
		r.progress.set("sync", "artwork files", int(p.Done), int(p.Total))
	})
	if err != nil {
		return summary, err
	}

	r.progress.set("sync", "indexes", 0, 0)
	err = r.uploadIndexes(ctx, u, summary)
	if err != nil {
		return summary, err
	}

	summary.Catalog, err = archive.BuildCatalog(ctx, artworkDir, r.cfg.Archive.CatalogPath())
	if err != nil {
		r.tel.ReportBroken(report_pipeline_sync_stage, "build catalog", err)
		return summary, fmt.Errorf("build catalog: %w", err)
	}
	err = u.UploadCatalog(ctx, r.cfg.Archive.CatalogPath())
	if err != nil {
		return summary, fmt.Errorf("upload catalog: %w", err)
	}
	summary.Indexes = append(summary.Indexes, archive.CatalogName)
	return summary, nil
}

// uploadIndexes builds the orders and customers indexes from the newest
// export that has them and the artwork index from the local tree. An index
// without source data is skipped, a failed upload is counted by the uploader.
func (r *run) uploadIndexes(ctx context.Context, u *archive.Uploader, summary *SyncSummary) error {
	exportsDir := r.cfg.Archive.ExportsDir()
	sources := []struct {
		name, file string
		build      func([]entity.Entity) archive.Index
	}{
		{"orders_index", "orders.json", func(items []entity.Entity) archive.Index {
			return archive.GenerateOrdersIndex(items)
		}},
		{"customers_index", "customers.json", func(items []entity.Entity) archive.Index {
			return archive.GenerateCustomersIndex(items)
		}},
	}
	for _, src := range sources {
		items, _, err := latestExportFile(exportsDir, src.file)
		if errors.Is(err, errNoExport) {
			r.tel.ReportDebug("no export to index", src.name)
			continue
		}
		if err != nil {
			return err
		}
		if u.UploadIndex(ctx, src.name, src.build(items)) == nil {
			summary.Indexes = append(summary.Indexes, src.name)
		}
	}

	artwork, err := archive.GenerateArtworkIndex(r.cfg.Archive.ArtworkDir())
	if err != nil {
		return fmt.Errorf("artwork index: %w", err)
	}
	if u.UploadIndex(ctx, "artwork_index", artwork) == nil {
		summary.Indexes = append(summary.Indexes, "artwork_index")
	}
	return ctx.Err()
}

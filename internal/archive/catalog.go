package archive

import (
	"context"
	_ "embed"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"time"

	"printavo-archive/internal/scrapers/printavo"
	"printavo-archive/pkg/migrations"
)

//go:embed schema.sql
var catalogSchema string

const catalogVersion = 1

// CatalogName is the object name of the sqlite catalog under index/.
const CatalogName = "catalog.sqlite"

type CatalogStats struct {
	Orders int `json:"orders"`
	Files  int `json:"files"`
}

// BuildCatalog loads every manifest under localRoot/by_customer into a
// sqlite database at dbPath so the archive can be queried without listing
// the bucket. Rows for an order are replaced when its manifest is seen again.
func BuildCatalog(ctx context.Context, localRoot, dbPath string) (CatalogStats, error) {
	_, span := tracer.Start(ctx, "BuildCatalog")
	defer span.End()

	db, err := migrations.OpenAndMigrateDB(catalogSchema, catalogVersion, dbPath)
	if err != nil {
		return CatalogStats{}, err
	}
	defer db.Close()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return CatalogStats{}, err
	}
	defer tx.Rollback()

	var stats CatalogStats
	root := filepath.Join(localRoot, "by_customer")
	err = filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if p == root && os.IsNotExist(err) {
				return filepath.SkipDir
			}
			return err
		}
		if d.IsDir() || d.Name() != printavo.ManifestName {
			return nil
		}

		dir := filepath.Dir(p)
		manifest, err := printavo.ReadManifest(dir)
		if err != nil {
			return fmt.Errorf("read %s: %w", p, err)
		}
		rel, err := filepath.Rel(localRoot, dir)
		if err != nil {
			return err
		}
		visualID := manifest.VisualID
		if visualID == "" {
			visualID = path.Base(filepath.ToSlash(dir))
		}

		_, err = tx.ExecContext(ctx, `delete from files where visual_id = ?`, visualID)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			insert or replace into orders
			(visual_id, order_id, nickname, customer_id, customer_name, created_at, folder, scraped_at)
			values (?, ?, ?, ?, ?, ?, ?, ?)`,
			visualID, manifest.OrderID, manifest.OrderNickname, manifest.CustomerID,
			manifest.CustomerName, manifest.CreatedAt, filepath.ToSlash(rel),
			manifest.ScrapedAt.Format(time.RFC3339),
		)
		if err != nil {
			return err
		}
		stats.Orders++

		for _, f := range manifest.Files {
			_, err = tx.ExecContext(ctx, `
				insert or replace into files
				(visual_id, filename, url, type, source, size_bytes, downloaded)
				values (?, ?, ?, ?, ?, ?, ?)`,
				visualID, f.Filename, f.URL, string(f.Type), f.Source, f.SizeBytes, f.Downloaded,
			)
			if err != nil {
				return err
			}
			stats.Files++
		}
		return nil
	})
	if err != nil {
		return stats, fmt.Errorf("build catalog: %w", err)
	}
	return stats, tx.Commit()
}

// UploadCatalog replaces index/catalog.sqlite with the database at dbPath.
func (u *Uploader) UploadCatalog(ctx context.Context, dbPath string) error {
	key := u.Key(IndexPath, CatalogName)
	n, err := u.store.PutFile(ctx, key, dbPath, "application/vnd.sqlite3")
	if err != nil {
		u.failed.Add(1)
		u.errors.Add("catalog: %v", err)
		u.tel.ReportBroken(report_uploader_index, CatalogName, err)
		return err
	}
	u.uploaded.Add(1)
	u.bytes.Add(n)
	return nil
}

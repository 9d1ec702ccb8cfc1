package pipeline

import (
	"context"
	"fmt"

	"printavo-archive/internal/entity"
	"printavo-archive/internal/scrapers/printavo"
)

// artworkStage logs into the web interface and downloads the files of every
// order not yet complete in the checkpoint. A failed login ends the run.
func (r *run) artworkStage(ctx context.Context, orders []entity.Entity) (*printavo.Stats, error) {
	ctx, span := tracer.Start(ctx, "artworkStage")
	defer span.End()

	catalog := printavo.DefaultCatalog()
	if r.cfg.Scraper.SelectorsFile != "" {
		var err error
		catalog, err = printavo.LoadSelectors(r.cfg.Scraper.SelectorsFile)
		if err != nil {
			return nil, fmt.Errorf("load selectors: %w", err)
		}
	}

	scraper, err := printavo.NewScraper(printavo.Options{
		BaseURL:         r.cfg.Printavo.BaseURL,
		Email:           r.cfg.Printavo.Email,
		Password:        r.cfg.Printavo.Password,
		OutputDir:       r.cfg.Archive.ArtworkDir(),
		Workers:         r.cfg.Scraper.Workers,
		PageDelay:       r.cfg.Scraper.PageDelay(),
		DownloadDelay:   r.cfg.Scraper.DownloadDelay(),
		DownloadTimeout: r.cfg.Scraper.DownloadTimeout(),
		MaxAttempts:     r.cfg.Printavo.MaxRetries,
		Catalog:         catalog,
		ProductionOnly:  r.mode.ProductionOnly || r.cfg.Scraper.ProductionOnly,
		Limit:           r.mode.Limit,
	}, r.deps.Clock, r.deps.Tel)
	if err != nil {
		return nil, err
	}

	r.progress.set("artwork", "logging in", 0, 0)
	err = scraper.Login(ctx)
	if err != nil {
		return nil, err
	}

	err = scraper.ScrapeOrders(ctx, orders, r.acc, func(done, total int) {
		r.progress.set("artwork", "orders", done, total)
	})
	stats := scraper.Stats()
	r.acc.SetStat("artwork:files_downloaded", stats.FilesDownloaded)
	r.acc.SetStat("artwork:bytes_downloaded", stats.BytesDownloaded)
	return &stats, err
}

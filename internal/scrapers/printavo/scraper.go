// Package printavo scrapes artwork and production files that are only
// reachable through printavo's web interface.
package printavo

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync/atomic"
	"time"

	"printavo-archive/internal/assert"
	"printavo-archive/internal/components/chrono"
	"printavo-archive/internal/components/errlist"
	"printavo-archive/internal/components/telemetry"
	"printavo-archive/internal/entity"
	"printavo-archive/internal/filetype"
	"printavo-archive/internal/retry"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var tracer = otel.Tracer("printavo-archive/internal/scrapers/printavo")

const (
	report_scraper_scrape_record = "scraper.scrape-record"
	report_scraper_scrape_orders = "scraper.scrape-orders"
	report_scraper_download      = "scraper.download"
)

// ScopeArtwork is the checkpoint scope holding the ids of finished orders.
const ScopeArtwork = "artwork"

// ErrNoDetailPage means every candidate detail page answered 404 or 410.
var ErrNoDetailPage = errors.New("no detail page exists")

type Options struct {
	BaseURL  string
	Email    string
	Password string
	// OutputDir is the artwork root, order folders go under by_customer/.
	OutputDir string

	Workers         int
	PageDelay       time.Duration
	DownloadDelay   time.Duration
	PageTimeout     time.Duration
	DownloadTimeout time.Duration
	MaxAttempts     int
	// RateLimitBackoff is the first wait after a 429, it doubles per retry.
	RateLimitBackoff time.Duration
	TransientBackoff time.Duration

	Catalog        Catalog
	ProductionOnly bool
	// Limit caps how many orders are looked at, 0 means all of them.
	Limit int
}

func (o *Options) setDefaults() {
	if o.BaseURL == "" {
		o.BaseURL = "https://www.printavo.com"
	}
	if o.Workers == 0 {
		o.Workers = 5
	}
	if o.PageDelay == 0 {
		o.PageDelay = 2 * time.Second
	}
	if o.DownloadDelay == 0 {
		o.DownloadDelay = 500 * time.Millisecond
	}
	if o.PageTimeout == 0 {
		o.PageTimeout = 30 * time.Second
	}
	if o.DownloadTimeout == 0 {
		o.DownloadTimeout = 60 * time.Second
	}
	if o.MaxAttempts == 0 {
		o.MaxAttempts = 3
	}
	if o.RateLimitBackoff == 0 {
		o.RateLimitBackoff = 10 * time.Second
	}
	if o.TransientBackoff == 0 {
		o.TransientBackoff = time.Second
	}
	if len(o.Catalog.Selectors) == 0 {
		o.Catalog = DefaultCatalog()
	}
}

// Checkpointer records which orders are done.
type Checkpointer interface {
	IsComplete(scope, id string) bool
	MarkComplete(scope, id string)
}

type Scraper struct {
	client *client
	opts   Options
	clock  chrono.API
	tel    telemetry.API

	ordersProcessed atomic.Int64
	ordersWithFiles atomic.Int64
	ordersSkipped   atomic.Int64
	filesFound      atomic.Int64
	filesDownloaded atomic.Int64
	bytesDownloaded atomic.Int64
	filesSkipped    atomic.Int64
	filesFailed     atomic.Int64
	errors          *errlist.List
}

func NewScraper(opts Options, clock chrono.API, tel telemetry.API) (*Scraper, error) {
	assert.NotNil(clock)
	assert.NotNil(tel)
	assert.NotEmptyStr(opts.OutputDir)
	opts.setDefaults()

	tel = telemetry.NewScopedAPI("printavo_scraper", tel)
	c, err := newClient(opts, tel)
	if err != nil {
		return nil, err
	}
	return &Scraper{
		client: c,
		opts:   opts,
		clock:  clock,
		tel:    tel,
		errors: errlist.New(20),
	}, nil
}

func (s *Scraper) Login(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "Login")
	defer span.End()
	return s.client.login(ctx, s.opts.Email, s.opts.Password)
}

func (s *Scraper) pagePolicy() retry.Policy {
	return retry.Policy{
		MaxAttempts: s.opts.MaxAttempts,
		BaseDelayFor: func(err error) time.Duration {
			if retry.IsRateLimited(err) {
				return s.opts.RateLimitBackoff
			}
			return s.opts.TransientBackoff
		},
		Retryable: func(err error) bool {
			return retry.IsRateLimited(err) || retry.IsTransient(err)
		},
	}
}

// ScrapeRecord finds the files shown on an order's detail page. The first
// candidate page answering 200 is used. ErrNoDetailPage is only returned when
// every candidate answered 404 or 410, a candidate that failed any other way
// makes its error the result. A page without files yields an empty slice.
func (s *Scraper) ScrapeRecord(ctx context.Context, order entity.Entity) ([]ScrapedFile, string, error) {
	ctx, span := tracer.Start(ctx, "ScrapeRecord")
	defer span.End()
	span.SetAttributes(attribute.String("visual_id", entity.VisualID(order)))

	var lastErr error
	for _, candidate := range DetailURLs(order, s.opts.BaseURL) {
		doc, landed, err := s.client.fetchPage(ctx, candidate, s.pagePolicy())
		if errors.Is(err, ErrNotLoggedIn) || ctx.Err() != nil {
			return nil, "", errors.Join(err, ctx.Err())
		}
		if err != nil {
			lastErr = err
			continue
		}
		if doc == nil {
			continue
		}

		files := s.opts.Catalog.ExtractFiles(ctx, doc, landed)
		orderID, _ := entity.ID(order)
		for i := range files {
			files[i].OrderID = orderID
		}
		return files, candidate, nil
	}

	if lastErr != nil {
		return nil, "", lastErr
	}
	return nil, "", ErrNoDetailPage
}

func productionOnly(files []ScrapedFile) []ScrapedFile {
	out := files[:0]
	for _, f := range files {
		if filetype.IsProduction(f.Type) {
			out = append(out, f)
		}
	}
	return out
}

// ScrapeOrders scrapes and downloads the files of every order, one order at
// a time. Orders already complete in the checkpoint are skipped, an order is
// only marked complete once its manifest is on disk. Cancelling ctx stops
// the run before the next order starts.
func (s *Scraper) ScrapeOrders(ctx context.Context, orders []entity.Entity, cp Checkpointer, onProgress func(done, total int)) error {
	ctx, span := tracer.Start(ctx, "ScrapeOrders")
	defer span.End()

	if s.opts.Limit > 0 && len(orders) > s.opts.Limit {
		orders = orders[:s.opts.Limit]
	}

	for i, order := range orders {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		key := entity.Key(order)
		if key == "" {
			continue
		}
		if cp.IsComplete(ScopeArtwork, key) {
			s.ordersSkipped.Add(1)
			continue
		}

		err := s.scrapeOrder(ctx, order)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, ErrNotLoggedIn) {
			return err
		}
		s.ordersProcessed.Add(1)
		// an order with no detail page at all will not grow one on a retry
		if err == nil || errors.Is(err, ErrNoDetailPage) {
			cp.MarkComplete(ScopeArtwork, key)
		}

		if onProgress != nil {
			onProgress(i+1, len(orders))
		}
	}
	s.tel.ReportCount(report_scraper_scrape_orders, s.ordersProcessed.Load())
	return nil
}

func (s *Scraper) scrapeOrder(ctx context.Context, order entity.Entity) error {
	files, sourceURL, err := s.ScrapeRecord(ctx, order)
	if err != nil {
		if ctx.Err() == nil && !errors.Is(err, ErrNotLoggedIn) {
			s.errors.Add("order %s: %v", entity.VisualID(order), err)
			s.tel.ReportWarning(report_scraper_scrape_record, entity.VisualID(order), err)
		}
		return err
	}
	if s.opts.ProductionOnly {
		files = productionOnly(files)
	}

	// a page without files still gets a manifest so the order reads as
	// scraped rather than never visited
	dir := filepath.Join(s.opts.OutputDir, filepath.FromSlash(OrderDir(order)))
	downloaded := []ScrapedFile{}
	if len(files) > 0 {
		s.filesFound.Add(int64(len(files)))
		downloaded, err = s.Download(ctx, files, dir)
		if err != nil {
			return err
		}
	}

	err = WriteManifest(dir, newManifest(order, sourceURL, downloaded, s.clock.Now()))
	if err != nil {
		err = fmt.Errorf("write manifest: %w", err)
		s.errors.Add("order %s: %v", entity.VisualID(order), err)
		s.tel.ReportBroken(report_scraper_scrape_record, entity.VisualID(order), err)
		return err
	}
	if len(downloaded) > 0 {
		s.ordersWithFiles.Add(1)
	}
	return nil
}

func (s *Scraper) Stats() Stats {
	return Stats{
		OrdersProcessed: s.ordersProcessed.Load(),
		OrdersWithFiles: s.ordersWithFiles.Load(),
		OrdersSkipped:   s.ordersSkipped.Load(),
		FilesFound:      s.filesFound.Load(),
		FilesDownloaded: s.filesDownloaded.Load(),
		BytesDownloaded: s.bytesDownloaded.Load(),
		FilesSkipped:    s.filesSkipped.Load(),
		FilesFailed:     s.filesFailed.Load(),
		Errors:          s.errors.Total(),
		RecentErrors:    s.errors.Recent(),
	}
}

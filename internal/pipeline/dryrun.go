package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"printavo-archive/internal/config"
	"printavo-archive/internal/entity"
	"printavo-archive/internal/printavoapi"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/shirou/gopsutil/v4/disk"
)

const (
	apiSecondsPerOrder     = 0.7
	artworkSecondsPerOrder = 3.0
)

type DryRunReport struct {
	// Source is the export timestamp the orders were read from, or "api".
	Source          string        `json:"source"`
	Orders          int           `json:"orders"`
	OrdersWithURLs  int           `json:"orders_with_urls"`
	LineItems       int           `json:"line_items"`
	Customers       int           `json:"customers"`
	APIEstimate     time.Duration `json:"api_estimate"`
	ArtworkEstimate time.Duration `json:"artwork_estimate"`
	// FreeBytes is 0 when the disk could not be inspected.
	FreeBytes uint64 `json:"free_bytes"`
}

func seconds(n int, per float64) time.Duration {
	return time.Duration(float64(n) * per * float64(time.Second)).Round(time.Second)
}

// analyze counts what a real run would work through.
func analyze(orders []entity.Entity) DryRunReport {
	report := DryRunReport{Orders: len(orders)}
	customers := map[string]struct{}{}
	for _, order := range orders {
		if entity.Str(order, "public_url") != "" || entity.Str(order, "url") != "" {
			report.OrdersWithURLs++
		}
		if key := entity.Key(entity.Customer(order)); key != "" {
			customers[key] = struct{}{}
		} else if id := entity.Str(order, "customer_id"); id != "" {
			customers[id] = struct{}{}
		}
	}
	report.Customers = len(customers)
	report.LineItems = len(printavoapi.ExtractLineItems(orders))
	report.APIEstimate = seconds(report.Orders, apiSecondsPerOrder)
	report.ArtworkEstimate = seconds(report.OrdersWithURLs, artworkSecondsPerOrder)
	return report
}

// freeBytes reports the space left on the filesystem holding dir, walking up
// to the closest directory that already exists.
func freeBytes(dir string) (uint64, error) {
	dir, err := filepath.Abs(dir)
	if err != nil {
		return 0, err
	}
	for {
		_, err = os.Stat(dir)
		if err == nil {
			break
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return 0, err
		}
		dir = parent
	}
	usage, err := disk.Usage(dir)
	if err != nil {
		return 0, err
	}
	return usage.Free, nil
}

// dryRun reads orders from the newest local export, falling back to the api
// when there is none, and estimates the work without downloading anything.
func (r *run) dryRun(ctx context.Context) (*DryRunReport, error) {
	ctx, span := tracer.Start(ctx, "dryRun")
	defer span.End()

	orders, source, err := latestOrders(r.cfg.Archive.ExportsDir())
	if errors.Is(err, ErrNoOrders) {
		source = "api"
		orders, err = r.streamOrders(ctx)
	}
	if err != nil {
		return nil, err
	}
	if r.mode.Limit > 0 && len(orders) > r.mode.Limit {
		orders = orders[:r.mode.Limit]
	}

	report := analyze(orders)
	report.Source = source
	report.FreeBytes, err = freeBytes(r.cfg.Archive.DataDir)
	if err != nil {
		r.tel.ReportWarning(report_pipeline_run, "could not read free disk space", err)
	}
	return &report, nil
}

func (r *run) streamOrders(ctx context.Context) ([]entity.Entity, error) {
	err := r.cfg.Validate(config.Needs{API: true})
	if err != nil {
		return nil, err
	}
	client := printavoapi.NewClient(printavoapi.Options{
		BaseURL:     r.cfg.Printavo.APIURL,
		Email:       r.cfg.Printavo.Email,
		Token:       r.cfg.Printavo.Token,
		Delay:       r.cfg.Printavo.RequestDelay(),
		MaxAttempts: r.cfg.Printavo.MaxRetries,
	}, r.deps.Tel)

	var orders []entity.Entity
	for order, err := range client.Stream(ctx, "orders", r.cfg.Printavo.PageSize) {
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("stream orders: %w", err)
		}
		orders = append(orders, order)
		r.progress.set("dry-run", "orders", len(orders), 0)
		if r.mode.Limit > 0 && len(orders) >= r.mode.Limit {
			break
		}
	}
	return orders, nil
}

func (d DryRunReport) Render(w io.Writer) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetTitle("Dry run (%s)", d.Source)
	t.AppendRows([]table.Row{
		{"Orders", d.Orders},
		{"Orders with urls", d.OrdersWithURLs},
		{"Line items", d.LineItems},
		{"Customers", d.Customers},
	})
	t.AppendSeparator()
	t.AppendRows([]table.Row{
		{"Api details estimate", d.APIEstimate},
		{"Artwork estimate", d.ArtworkEstimate},
		{"Total estimate", d.APIEstimate + d.ArtworkEstimate},
	})
	if d.FreeBytes > 0 {
		t.AppendSeparator()
		t.AppendRow(table.Row{"Free disk space", humanize.Bytes(d.FreeBytes)})
	}
	t.SetStyle(table.StyleRounded)
	t.Render()
}

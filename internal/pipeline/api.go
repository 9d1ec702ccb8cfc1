package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"printavo-archive/internal/entity"
	"printavo-archive/internal/printavoapi"
	"printavo-archive/pkg/fsutil"
)

// ResourceCount is one exported file and how many records went into it.
type ResourceCount struct {
	Name  string `json:"name"`
	File  string `json:"file"`
	Count int    `json:"count"`
}

type APIResult struct {
	Timestamp string          `json:"timestamp"`
	ExportDir string          `json:"export_dir"`
	Resources []ResourceCount `json:"results"`
	// Failed lists resources that could not be exported completely, they are
	// fetched again on resume.
	Failed []string          `json:"failed,omitempty"`
	Stats  printavoapi.Stats `json:"api_stats"`
}

func (a *APIResult) count(name string) int {
	for _, rc := range a.Resources {
		if rc.Name == name {
			return rc.Count
		}
	}
	return 0
}

type apiStage struct {
	*run
	client *printavoapi.Client
	dir    string
	result *APIResult
}

func one(e entity.Entity) int {
	if e == nil {
		return 0
	}
	return 1
}

func length(items []entity.Entity) int {
	return len(items)
}

func nonNil(items []entity.Entity) []entity.Entity {
	if items == nil {
		return []entity.Entity{}
	}
	return items
}

func ordersWithRecords(d map[string][]entity.Entity) int {
	return len(d)
}

// exportResource writes one resource to the export directory and marks it
// complete. A resource already complete in the checkpoint is read back from
// its export instead of being fetched again. A resource whose fetch recorded
// any error is written but left incomplete.
func exportResource[T any](ctx context.Context, s *apiStage, name, file string, count func(T) int, fetch func(context.Context) (T, error)) (T, error) {
	path := filepath.Join(s.dir, file)
	if s.acc.IsComplete(ScopeResources, name) {
		var saved T
		err := fsutil.ReadJSON(path, &saved)
		if err == nil {
			s.record(name, file, count(saved))
			return saved, nil
		}
		s.tel.ReportWarning(report_pipeline_api_stage, "completed resource has no export, fetching it again", name, err)
	}

	errorsBefore := s.client.Stats().Errors
	out, err := fetch(ctx)
	if ctx.Err() != nil {
		return out, ctx.Err()
	}
	if err != nil {
		s.failed(name, err)
		return out, nil
	}

	err = fsutil.WriteJSON(path, out)
	if err != nil {
		return out, fmt.Errorf("write %s: %w", file, err)
	}
	s.record(name, file, count(out))

	if s.client.Stats().Errors > errorsBefore {
		s.failed(name, errors.New("some requests failed"))
		return out, nil
	}
	s.acc.MarkComplete(ScopeResources, name)
	return out, nil
}

func (s *apiStage) record(name, file string, n int) {
	s.result.Resources = append(s.result.Resources, ResourceCount{Name: name, File: file, Count: n})
	s.acc.SetStat("resource:"+name, int64(n))
}

func (s *apiStage) failed(name string, err error) {
	s.result.Failed = append(s.result.Failed, name)
	s.tel.ReportWarning(report_pipeline_api_stage, name, err)
}

func (s *apiStage) onPage(p printavoapi.PageInfo) {
	s.progress.set("api", p.Resource, p.Page, p.TotalPages)
}

func (s *apiStage) paginated(resource string) func(context.Context) ([]entity.Entity, error) {
	return func(ctx context.Context) ([]entity.Entity, error) {
		items, err := s.client.FetchPaginated(ctx, resource, s.cfg.Printavo.PageSize, s.onPage)
		return nonNil(items), err
	}
}

func (s *apiStage) simple(resource string) func(context.Context) ([]entity.Entity, error) {
	return func(ctx context.Context) ([]entity.Entity, error) {
		s.progress.set("api", resource, 0, 0)
		items, err := s.client.FetchSimple(ctx, resource)
		return nonNil(items), err
	}
}

type exportSummary struct {
	ExtractionDate string            `json:"extraction_date"`
	Timestamp      string            `json:"timestamp"`
	RunID          string            `json:"run_id"`
	Results        map[string]int    `json:"results"`
	Failed         []string          `json:"failed,omitempty"`
	APIStats       printavoapi.Stats `json:"api_stats"`
	Files          []string          `json:"files"`
}

// apiStage exports every api resource into exports/{timestamp}/. On resume
// the export directory of the interrupted run is reused.
func (r *run) apiStage(ctx context.Context) (*APIResult, []entity.Entity, error) {
	ctx, span := tracer.Start(ctx, "apiStage")
	defer span.End()

	timestamp := r.acc.Meta(metaExport)
	if timestamp == "" {
		timestamp = r.deps.Clock.Now().Format(TimestampLayout)
		r.acc.SetMeta(metaExport, timestamp)
	}
	dir := filepath.Join(r.cfg.Archive.ExportsDir(), timestamp)
	err := os.MkdirAll(dir, 0755)
	if err != nil {
		return nil, nil, fmt.Errorf("create export dir: %w", err)
	}

	client := printavoapi.NewClient(printavoapi.Options{
		BaseURL:         r.cfg.Printavo.APIURL,
		Email:           r.cfg.Printavo.Email,
		Token:           r.cfg.Printavo.Token,
		Delay:           r.cfg.Printavo.RequestDelay(),
		MaxAttempts:     r.cfg.Printavo.MaxRetries,
		CheckpointEvery: r.cfg.Printavo.CheckpointEvery,
		Checkpoint:      r.acc,
	}, r.deps.Tel)

	s := &apiStage{
		run:    r,
		client: client,
		dir:    dir,
		result: &APIResult{Timestamp: timestamp, ExportDir: dir},
	}
	orders, err := s.export(ctx)
	s.result.Stats = client.Stats()
	if err != nil {
		return s.result, nil, err
	}

	err = s.writeSummary()
	if err != nil {
		return s.result, nil, err
	}
	return s.result, orders, nil
}

func (s *apiStage) export(ctx context.Context) ([]entity.Entity, error) {
	_, err := exportResource(ctx, s, "account", "account.json", one, func(ctx context.Context) (entity.Entity, error) {
		s.progress.set("api", "account", 0, 0)
		return s.client.FetchObject(ctx, "account")
	})
	if err != nil {
		return nil, err
	}

	reference := []struct{ name, file string }{
		{"orderstatuses", "order_statuses.json"},
		{"categories", "categories.json"},
		{"delivery_methods", "delivery_methods.json"},
		{"payment_terms", "payment_terms.json"},
	}
	for _, ref := range reference {
		_, err = exportResource(ctx, s, ref.name, ref.file, length, s.simple(ref.name))
		if err != nil {
			return nil, err
		}
	}

	for _, name := range []string{"users", "products", "customers"} {
		_, err = exportResource(ctx, s, name, name+".json", length, s.paginated(name))
		if err != nil {
			return nil, err
		}
	}

	orders, err := exportResource(ctx, s, "orders", "orders.json", length, s.paginated("orders"))
	if err != nil {
		return nil, err
	}

	_, err = exportResource(ctx, s, "line_items", "line_items.json", length, func(context.Context) ([]entity.Entity, error) {
		return nonNil(printavoapi.ExtractLineItems(orders)), nil
	})
	if err != nil {
		return nil, err
	}

	if !s.mode.SkipDetails && !s.cfg.Archive.SkipOrderDetails {
		err = s.exportOrderDetails(ctx, orders)
		if err != nil {
			return nil, err
		}
	}

	standalone := []struct{ name, file string }{
		{"tasks", "standalone_tasks.json"},
		{"expenses", "all_expenses.json"},
		{"inquiries", "inquiries.json"},
	}
	for _, res := range standalone {
		_, err = exportResource(ctx, s, res.name, res.file, length, s.paginated(res.name))
		if err != nil {
			return nil, err
		}
	}
	return orders, nil
}

// exportOrderDetails writes one file per order sub resource, each keyed by
// order id. The per-order progress lives in the checkpoint until every file
// is written without a failed request.
func (s *apiStage) exportOrderDetails(ctx context.Context, orders []entity.Entity) error {
	const name = "order_details"
	if s.acc.IsComplete(ScopeResources, name) {
		for _, sub := range printavoapi.OrderSubResources {
			var saved map[string][]entity.Entity
			err := fsutil.ReadJSON(filepath.Join(s.dir, sub+".json"), &saved)
			if err != nil {
				s.tel.ReportWarning(report_pipeline_api_stage, "completed order details have no export", sub, err)
				continue
			}
			s.record(sub, sub+".json", ordersWithRecords(saved))
		}
		return nil
	}

	errorsBefore := s.client.Stats().Errors
	details, err := s.client.ExtractOrderDetails(ctx, orders, func(done, total int) {
		s.progress.set("api", "order details", done, total)
	})
	if err != nil {
		return err
	}

	for _, sub := range printavoapi.OrderSubResources {
		records := details[sub]
		err = fsutil.WriteJSON(filepath.Join(s.dir, sub+".json"), records)
		if err != nil {
			return fmt.Errorf("write %s.json: %w", sub, err)
		}
		s.record(sub, sub+".json", ordersWithRecords(records))
	}

	if s.client.Stats().Errors > errorsBefore {
		// the partials and per order progress stay for the resume
		s.failed(name, errors.New("some order details failed"))
		return nil
	}
	// the files hold everything now, later runs must not replay partials
	s.acc.MarkComplete(ScopeResources, name)
	s.client.ForgetOrderDetails()
	return nil
}

func (s *apiStage) writeSummary() error {
	results := make(map[string]int, len(s.result.Resources))
	for _, rc := range s.result.Resources {
		results[rc.Name] = rc.Count
	}

	matches, err := filepath.Glob(filepath.Join(s.dir, "*.json"))
	if err != nil {
		return err
	}
	files := []string{}
	for _, m := range matches {
		name := filepath.Base(m)
		if name != "summary.json" && !strings.HasPrefix(name, ".") {
			files = append(files, name)
		}
	}
	sort.Strings(files)

	return fsutil.WriteJSON(filepath.Join(s.dir, "summary.json"), exportSummary{
		ExtractionDate: s.deps.Clock.Now().Format("2006-01-02T15:04:05Z07:00"),
		Timestamp:      s.result.Timestamp,
		RunID:          s.summary.RunID,
		Results:        results,
		Failed:         s.result.Failed,
		APIStats:       s.result.Stats,
		Files:          files,
	})
}

// exportDirs lists local export timestamps, newest first.
func exportDirs(exportsDir string) ([]string, error) {
	entries, err := os.ReadDir(exportsDir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() {
			out = append(out, e.Name())
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(out)))
	return out, nil
}

var errNoExport = errors.New("no export has this file")

// latestOrders reads orders.json from the newest export that has one.
func latestOrders(exportsDir string) ([]entity.Entity, string, error) {
	orders, dir, err := latestExportFile(exportsDir, "orders.json")
	if errors.Is(err, errNoExport) {
		return nil, "", ErrNoOrders
	}
	return orders, dir, err
}

func latestExportFile(exportsDir, file string) ([]entity.Entity, string, error) {
	dirs, err := exportDirs(exportsDir)
	if err != nil {
		return nil, "", err
	}
	for _, d := range dirs {
		path := filepath.Join(exportsDir, d, file)
		if !fsutil.NonEmpty(path) {
			continue
		}
		var items []entity.Entity
		err = fsutil.ReadJSON(path, &items)
		if err != nil {
			return nil, "", err
		}
		return items, d, nil
	}
	return nil, "", errNoExport
}

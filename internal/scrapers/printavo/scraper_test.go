package printavo

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"printavo-archive/internal/components/chrono"
	"printavo-archive/internal/components/telemetry"
	"printavo-archive/internal/entity"
	"printavo-archive/internal/filetype"

	"github.com/stretchr/testify/require"
)

var (
	pngBytes = append([]byte{0x89, 'P', 'N', 'G', 0x0D, 0x0A, 0x1A, 0x0A}, bytes.Repeat([]byte{0}, 64)...)
	dstBytes = append([]byte("LA:front          \r"), bytes.Repeat([]byte{' '}, 600)...)
)

// fakeShop is a tiny printavo: a devise login form, a dashboard and invoice
// pages that need the session cookie, plus a file host.
type fakeShop struct {
	mutex    sync.Mutex
	invoices map[string]string
	files    map[string][]byte
	fileHits map[string]int
	pageHits map[string]int
	// statuses overrides the answer for a page path
	statuses  map[string]int
	loginDest string
}

func newFakeShop() *fakeShop {
	return &fakeShop{
		invoices:  map[string]string{},
		files:     map[string][]byte{},
		fileHits:  map[string]int{},
		pageHits:  map[string]int{},
		statuses:  map[string]int{},
		loginDest: "/dashboard",
	}
}

func (f *fakeShop) loggedIn(r *http.Request) bool {
	cookie, err := r.Cookie("_session")
	return err == nil && cookie.Value == "ok"
}

func (f *fakeShop) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	switch {
	case r.URL.Path == "/users/sign_in" && r.Method == http.MethodGet:
		fmt.Fprint(w, `<html><form><input type="hidden" name="authenticity_token" value="tok123"></form></html>`)
	case r.URL.Path == "/users/sign_in" && r.Method == http.MethodPost:
		r.ParseForm()
		if r.Form.Get("authenticity_token") != "tok123" ||
			r.Form.Get("user[email]") != "shop@example.com" ||
			r.Form.Get("user[password]") != "hunter2" {
			fmt.Fprint(w, `<html><div class="alert">Invalid Email or password.</div></html>`)
			return
		}
		http.SetCookie(w, &http.Cookie{Name: "_session", Value: "ok", Path: "/"})
		http.Redirect(w, r, f.loginDest, http.StatusFound)
	case r.URL.Path == "/dashboard" || r.URL.Path == "/":
		fmt.Fprint(w, `<html>home</html>`)
	case strings.HasPrefix(r.URL.Path, "/files/"):
		f.fileHits[r.URL.Path]++
		body, ok := f.files[r.URL.Path]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Write(body)
	default:
		if !f.loggedIn(r) {
			http.Redirect(w, r, "/users/sign_in", http.StatusFound)
			return
		}
		f.pageHits[r.URL.Path]++
		if code, ok := f.statuses[r.URL.Path]; ok {
			w.WriteHeader(code)
			return
		}
		page, ok := f.invoices[r.URL.Path]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		fmt.Fprint(w, page)
	}
}

func (f *fakeShop) hits(path string) int {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return f.fileHits[path]
}

func (f *fakeShop) pageHitsFor(path string) int {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return f.pageHits[path]
}

func (f *fakeShop) recover() {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.statuses = map[string]int{}
}

type memCheckpoint struct {
	mutex     sync.Mutex
	completed map[string][]string
}

func (m *memCheckpoint) IsComplete(scope, id string) bool {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	for _, done := range m.completed[scope] {
		if done == id {
			return true
		}
	}
	return false
}

func (m *memCheckpoint) MarkComplete(scope, id string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if m.completed == nil {
		m.completed = map[string][]string{}
	}
	m.completed[scope] = append(m.completed[scope], id)
}

func newTestScraper(t *testing.T, shop *fakeShop, password string) (*Scraper, *telemetry.Recorder, string) {
	srv := httptest.NewServer(shop)
	t.Cleanup(srv.Close)

	out := t.TempDir()
	tel := telemetry.NewRecorder()
	clock := chrono.NewFixedImpl(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	s, err := NewScraper(Options{
		BaseURL:         srv.URL,
		Email:           "shop@example.com",
		Password:        password,
		OutputDir:       out,
		Workers:         3,
		PageDelay:       time.Millisecond,
		DownloadDelay:   time.Millisecond,
		DownloadTimeout: 5 * time.Second,
		MaxAttempts:     1,
	}, clock, tel)
	require.NoError(t, err)
	return s, tel, out
}

func TestLogin(t *testing.T) {
	shop := newFakeShop()
	s, _, _ := newTestScraper(t, shop, "hunter2")
	require.NoError(t, s.Login(context.Background()))
}

func TestLoginInvalidCredentials(t *testing.T) {
	shop := newFakeShop()
	s, tel, _ := newTestScraper(t, shop, "wrong")

	err := s.Login(context.Background())
	require.ErrorIs(t, err, ErrInvalidCredentials)
	require.ErrorIs(t, err, ErrLoginFailed)
	require.Len(t, tel.Find("warning", report_client_login), 1)
}

func TestLoginFailsClosed(t *testing.T) {
	shop := newFakeShop()
	// a redirect somewhere that does not prove a session exists
	shop.loginDest = "/"
	s, _, _ := newTestScraper(t, shop, "hunter2")

	err := s.Login(context.Background())
	require.ErrorIs(t, err, ErrLoginFailed)
	require.NotErrorIs(t, err, ErrInvalidCredentials)
}

func invoicePage(links ...string) string {
	var body bytes.Buffer
	body.WriteString("<html><body>")
	for _, l := range links {
		body.WriteString(l)
	}
	body.WriteString("</body></html>")
	return body.String()
}

func TestScrapeOrders(t *testing.T) {
	shop := newFakeShop()
	shop.invoices["/invoices/1"] = invoicePage(
		`<img src="/files/mockup_front.png">`,
		`<a href="/files/front.dst">Front</a>`,
		// the file host answers with an html page instead of a pdf
		`<a href="/files/sepsheet.pdf">Separations</a>`,
	)
	shop.invoices["/invoices/3"] = invoicePage(`<p>nothing here</p>`)
	shop.files["/files/mockup_front.png"] = pngBytes
	shop.files["/files/front.dst"] = dstBytes
	shop.files["/files/sepsheet.pdf"] = []byte("<!DOCTYPE html><html><body>sign in</body></html>")

	s, _, out := newTestScraper(t, shop, "hunter2")
	ctx := context.Background()
	require.NoError(t, s.Login(ctx))

	orders := []entity.Entity{
		{
			"id":             float64(1),
			"visual_id":      "1001",
			"order_nickname": "Spring Shirts",
			"created_at":     "2023-05-04T10:00:00Z",
			"customer":       map[string]any{"id": float64(7), "company_name": "Acme Tees"},
		},
		// no detail page anywhere
		{"id": float64(2), "visual_id": "1002"},
		{"id": float64(3), "visual_id": "1003"},
	}

	cp := &memCheckpoint{}
	var progress []int
	err := s.ScrapeOrders(ctx, orders, cp, func(done, total int) {
		progress = append(progress, done)
	})
	require.NoError(t, err)
	require.Equal(t, []int{1, 2, 3}, progress)
	require.Equal(t, []string{"1", "2", "3"}, cp.completed[ScopeArtwork])

	dir := filepath.Join(out, "by_customer", "acme-tees-7", "2023", "1001_spring-shirts")
	mockup, err := os.ReadFile(filepath.Join(dir, "mockup.png"))
	require.NoError(t, err)
	require.Equal(t, pngBytes, mockup)
	require.FileExists(t, filepath.Join(dir, "embroidery_1.dst"))
	require.NoFileExists(t, filepath.Join(dir, "document_2.pdf"))
	require.NoFileExists(t, filepath.Join(dir, "document_2.pdf.part"))

	manifest, err := ReadManifest(dir)
	require.NoError(t, err)
	require.EqualValues(t, 1, manifest.OrderID)
	require.Equal(t, "1001", manifest.VisualID)
	require.EqualValues(t, 7, manifest.CustomerID)
	require.Equal(t, "Acme Tees", manifest.CustomerName)
	require.Contains(t, manifest.SourceURL, "/invoices/1")
	require.Len(t, manifest.Files, 3)
	require.True(t, manifest.Files[0].Downloaded)
	require.EqualValues(t, len(pngBytes), manifest.Files[0].SizeBytes)
	require.Equal(t, filetype.Embroidery, manifest.Files[1].Type)
	require.False(t, manifest.Files[2].Downloaded)

	// scraped without finding anything
	empty, err := ReadManifest(filepath.Join(out, "by_customer", "unknown-customer-unknown", "unknown", "1003_order-1003"))
	require.NoError(t, err)
	require.Equal(t, "1003", empty.VisualID)
	require.NotNil(t, empty.Files)
	require.Empty(t, empty.Files)
	// no page at all, nothing written
	require.NoDirExists(t, filepath.Join(out, "by_customer", "unknown-customer-unknown", "unknown", "1002_order-1002"))

	stats := s.Stats()
	require.EqualValues(t, 3, stats.OrdersProcessed)
	require.EqualValues(t, 1, stats.OrdersWithFiles)
	require.EqualValues(t, 3, stats.FilesFound)
	require.EqualValues(t, 2, stats.FilesDownloaded)
	require.EqualValues(t, len(pngBytes)+len(dstBytes), stats.BytesDownloaded)
	require.EqualValues(t, 1, stats.FilesFailed)
	// the failed pdf and the order without a page
	require.EqualValues(t, 2, stats.Errors)

	// a second pass over the same orders is a no-op
	err = s.ScrapeOrders(ctx, orders, cp, nil)
	require.NoError(t, err)
	require.EqualValues(t, 3, s.Stats().OrdersSkipped)
	require.Equal(t, 1, shop.hits("/files/mockup_front.png"))
}

func TestDownloadSkipsExistingFiles(t *testing.T) {
	shop := newFakeShop()
	shop.files["/files/mockup.png"] = pngBytes
	s, _, out := newTestScraper(t, shop, "hunter2")

	dir := filepath.Join(out, "order")
	require.NoError(t, os.MkdirAll(dir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "mockup.png"), []byte("already here"), 0644))

	files := []ScrapedFile{{
		URL:      s.opts.BaseURL + "/files/mockup.png",
		Filename: "mockup.png",
		Type:     filetype.Artwork,
		Source:   "mockup",
	}}
	result, err := s.Download(context.Background(), files, dir)
	require.NoError(t, err)
	require.True(t, result[0].Downloaded)
	require.EqualValues(t, len("already here"), result[0].SizeBytes)
	require.Zero(t, shop.hits("/files/mockup.png"))

	stats := s.Stats()
	require.EqualValues(t, 1, stats.FilesSkipped)
	require.Zero(t, stats.FilesDownloaded)
	require.Zero(t, stats.FilesFailed)
}

func TestScrapeOrdersStopsWhenSessionExpires(t *testing.T) {
	shop := newFakeShop()
	shop.invoices["/invoices/1"] = invoicePage()
	// never logged in, so every invoice redirects to the login form
	s, _, _ := newTestScraper(t, shop, "hunter2")

	cp := &memCheckpoint{}
	err := s.ScrapeOrders(context.Background(), []entity.Entity{{"id": float64(1)}}, cp, nil)
	require.ErrorIs(t, err, ErrNotLoggedIn)
	require.Empty(t, cp.completed[ScopeArtwork])
}

func TestScrapeOrdersRespectsLimitAndCancel(t *testing.T) {
	shop := newFakeShop()
	for i := 1; i <= 5; i++ {
		shop.invoices[fmt.Sprintf("/invoices/%d", i)] = invoicePage()
	}
	s, _, _ := newTestScraper(t, shop, "hunter2")
	s.opts.Limit = 4
	require.NoError(t, s.Login(context.Background()))

	orders := make([]entity.Entity, 5)
	for i := range orders {
		orders[i] = entity.Entity{"id": float64(i + 1)}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	cp := &memCheckpoint{}
	err := s.ScrapeOrders(ctx, orders, cp, func(done, total int) {
		require.Equal(t, 4, total)
		if done == 2 {
			cancel()
		}
	})
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, []string{"1", "2"}, cp.completed[ScopeArtwork])
}

func TestScrapeOrdersRetriesFailingDetailPages(t *testing.T) {
	shop := newFakeShop()
	shop.invoices["/invoices/7"] = invoicePage()
	shop.invoices["/invoices/8"] = invoicePage()
	shop.statuses["/invoices/7"] = http.StatusTooManyRequests
	shop.statuses["/invoices/7/workorder"] = http.StatusTooManyRequests
	shop.statuses["/invoices/8"] = http.StatusInternalServerError

	s, tel, out := newTestScraper(t, shop, "hunter2")
	s.opts.MaxAttempts = 3
	s.opts.RateLimitBackoff = time.Millisecond
	ctx := context.Background()
	require.NoError(t, s.Login(ctx))

	orders := []entity.Entity{
		{"id": float64(7), "visual_id": "1007"},
		{"id": float64(8), "visual_id": "1008"},
	}
	cp := &memCheckpoint{}
	err := s.ScrapeOrders(ctx, orders, cp, nil)
	require.NoError(t, err)
	require.Empty(t, cp.completed[ScopeArtwork])

	rows := []struct {
		path string
		hits int
	}{
		// rate limits are retried until attempts run out
		{"/invoices/7", 3},
		{"/invoices/7/workorder", 3},
		// a server error is not retried, the next candidate is a plain 404
		{"/invoices/8", 1},
		{"/invoices/8/workorder", 1},
	}
	for _, row := range rows {
		require.Equal(t, row.hits, shop.pageHitsFor(row.path), row.path)
	}
	require.EqualValues(t, 2, s.Stats().Errors)
	require.NotEmpty(t, tel.Find("warning", report_client_fetch_page))
	require.NoDirExists(t, filepath.Join(out, "by_customer"))

	// once the shop answers again a resumed pass picks both orders up
	shop.recover()
	err = s.ScrapeOrders(ctx, orders, cp, nil)
	require.NoError(t, err)
	require.Equal(t, []string{"7", "8"}, cp.completed[ScopeArtwork])
}

package printavo

import (
	"context"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"printavo-archive/internal/entity"
	"printavo-archive/internal/filetype"

	"github.com/PuerkitoBio/goquery"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

func mustDoc(t *testing.T, html string) *goquery.Document {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	require.NoError(t, err)
	return doc
}

func mustURL(t *testing.T, raw string) *url.URL {
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u
}

func TestExtractFilesSkipsNoise(t *testing.T) {
	doc := mustDoc(t, `<html><body>
		<img src="https://cdn.example.com/files/mockup_final.png">
		<div class="line-item-group"><img src="https://cdn.example.com/files/pixel.gif"></div>
	</body></html>`)

	files := DefaultCatalog().ExtractFiles(context.Background(), doc, mustURL(t, "https://www.printavo.com/invoices/1"))
	require.Len(t, files, 1)
	require.Equal(t, filetype.Artwork, files[0].Type)
	require.Equal(t, "mockup", files[0].Source)
	require.Equal(t, "https://cdn.example.com/files/mockup_final.png", files[0].URL)
	require.Equal(t, "mockup.png", files[0].Filename)
}

func TestExtractFilesFixture(t *testing.T) {
	html, err := os.ReadFile(filepath.Join("testdata", "invoice.html"))
	require.NoError(t, err)

	doc := mustDoc(t, string(html))
	files := DefaultCatalog().ExtractFiles(context.Background(), doc, mustURL(t, "https://www.printavo.com/invoices/1001"))

	expected := []ScrapedFile{
		{URL: "https://www.printavo.com/uploads/mockup_final.png", Filename: "mockup.png", Type: filetype.Artwork, Source: "mockup"},
		{URL: "https://www.printavo.com/proofs/proof_v2.jpg", Filename: "proof_1.jpg", Type: filetype.Artwork, Source: "proof"},
		{URL: "https://cdn.filepicker.io/api/file/XyZ789", Filename: "artwork_2.png", Type: filetype.Unknown, Source: "artwork"},
		{URL: "https://cdn.filestackcontent.com/AbCdEf", Filename: "file_3.png", Type: filetype.Unknown, Source: "file"},
		{URL: "https://s3.amazonaws.com/bucket/left_chest.pes", Filename: "file_4.pes", Type: filetype.Embroidery, Source: "file"},
		{URL: "https://www.printavo.com/attachments/55/front_design.dst", Filename: "attachment_5.dst", Type: filetype.Embroidery, Source: "attachment"},
		{URL: "https://www.printavo.com/files/vector.ai", Filename: "vector_6.ai", Type: filetype.Vector, Source: "vector"},
		{URL: "https://www.printavo.com/files/sepsheet.pdf?download=1", Filename: "document_7.pdf", Type: filetype.Document, Source: "document"},
	}
	if diff := cmp.Diff(expected, files); diff != "" {
		t.Fatalf("extracted files mismatch (-want +got):\n%s", diff)
	}
}

func TestExtractFilesEmptyPage(t *testing.T) {
	doc := mustDoc(t, `<html><body><p>No artwork yet</p></body></html>`)
	files := DefaultCatalog().ExtractFiles(context.Background(), doc, mustURL(t, "https://www.printavo.com/invoices/1"))
	require.NotNil(t, files)
	require.Empty(t, files)
}

func TestCanonicalURL(t *testing.T) {
	table := []struct {
		in, out string
	}{
		{
			in:  "https://cdn.filestackcontent.com/resize=width:100/https://cdn.filepicker.io/AbC123",
			out: "https://cdn.filepicker.io/AbC123",
		},
		{
			in:  "https://cdn.filestackcontent.com/resize=width:300,height:300/AbCdEf",
			out: "https://cdn.filestackcontent.com/AbCdEf",
		},
		{
			in:  "https://cdn.filestackcontent.com/AbCdEf",
			out: "https://cdn.filestackcontent.com/AbCdEf",
		},
		{
			in:  "https://example.com/resize=width:100/a.png",
			out: "https://example.com/resize=width:100/a.png",
		},
	}
	for _, row := range table {
		require.Equal(t, row.out, CanonicalURL(row.in), row.in)
	}
}

func TestSlugify(t *testing.T) {
	table := []struct {
		in, out string
	}{
		{"Acme Tees", "acme-tees"},
		{"Café Über", "cafe-uber"},
		{"Joe's  Shirts & Co.", "joes-shirts-co"},
		{"under_score", "under_score"},
		{"  --leading--  ", "leading"},
		{"", "unknown"},
		{"!!!", "unknown"},
		{"日本", "unknown"},
		{strings.Repeat("a", 60), strings.Repeat("a", 50)},
	}
	for _, row := range table {
		require.Equal(t, row.out, Slugify(row.in), row.in)
	}
}

func TestOrderDir(t *testing.T) {
	order := entity.Entity{
		"id":             float64(12),
		"visual_id":      "1001",
		"order_nickname": "Spring Shirts",
		"created_at":     "2023-05-04T10:00:00.000-05:00",
		"customer": map[string]any{
			"id":           float64(7),
			"company_name": "Acme Tees",
		},
	}
	require.Equal(t, "by_customer/acme-tees-7/2023/1001_spring-shirts", OrderDir(order))

	rows := []struct {
		order entity.Entity
		dir   string
	}{
		{
			entity.Entity{"id": float64(13), "customer_id": float64(9)},
			"by_customer/unknown-customer-9/unknown/13_order-13",
		},
		{
			entity.Entity{"id": float64(14), "visual_id": "2002", "customer": map[string]any{"full_name": "Dana Lee"}},
			"by_customer/dana-lee-unknown/unknown/2002_order-2002",
		},
		{
			entity.Entity{"id": float64(15), "visual_id": "2003", "order_nickname": "!!!"},
			"by_customer/unknown-customer-unknown/unknown/2003_unknown",
		},
	}
	for _, row := range rows {
		require.Equal(t, row.dir, OrderDir(row.order))
	}
}

func TestDetailURLs(t *testing.T) {
	order := entity.Entity{"id": float64(12), "public_url": "https://www.printavo.com/share/abc"}
	require.Equal(t, []string{
		"https://www.printavo.com/share/abc",
		"https://www.printavo.com/invoices/12",
		"https://www.printavo.com/invoices/12/workorder",
	}, DetailURLs(order, "https://www.printavo.com/"))

	require.Empty(t, DetailURLs(entity.Entity{}, "https://www.printavo.com"))
}

func TestLoadSelectors(t *testing.T) {
	path := filepath.Join(t.TempDir(), "selectors.json5")
	err := os.WriteFile(path, []byte(`{
		// only proofs for this shop
		selectors: [
			{css: "img.proof", source: "proof"},
			{css: "a.download", source: "file"},
		],
	}`), 0644)
	require.NoError(t, err)

	catalog, err := LoadSelectors(path)
	require.NoError(t, err)
	require.Equal(t, []Selector{
		{CSS: "img.proof", Attr: "src", Source: "proof"},
		{CSS: "a.download", Attr: "href", Source: "file"},
	}, catalog.Selectors)
	require.Equal(t, DefaultCatalog().SkipPatterns, catalog.SkipPatterns)

	err = os.WriteFile(path, []byte(`{selectors: [{css: "img"}]}`), 0644)
	require.NoError(t, err)
	_, err = LoadSelectors(path)
	require.Error(t, err)
}

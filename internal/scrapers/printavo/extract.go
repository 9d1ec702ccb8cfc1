package printavo

import (
	"context"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"printavo-archive/internal/entity"
	"printavo-archive/internal/filetype"
	"printavo-archive/pkg/htmlutil"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

var cdnHosts = []string{
	"filestackcontent.com",
	"filepicker.io",
	"s3.amazonaws",
}

func isCDN(u *url.URL) bool {
	host := strings.ToLower(u.Host)
	for _, cdn := range cdnHosts {
		if strings.Contains(host, cdn) {
			return true
		}
	}
	return false
}

var (
	embeddedOriginal = regexp.MustCompile(`https?://cdn\.filepicker\.io/(?:api/file/)?[A-Za-z0-9]+`)
	resizeSegment    = regexp.MustCompile(`/resize=[^/]+`)
)

// CanonicalURL undoes filestack image transforms so the full resolution
// asset is fetched. A transform chain that embeds the original url resolves
// to that url, otherwise the resize segment is dropped from the path.
func CanonicalURL(raw string) string {
	if !strings.Contains(raw, "filestackcontent.com") || !strings.Contains(raw, "resize=") {
		return raw
	}
	if original := embeddedOriginal.FindString(raw); original != "" {
		return original
	}
	return resizeSegment.ReplaceAllString(raw, "")
}

// ExtractFiles applies the catalog to a detail page. The result is ordered by
// selector then by document order, every url appears at most once.
func (c Catalog) ExtractFiles(ctx context.Context, doc *goquery.Document, pageURL *url.URL) []ScrapedFile {
	files := []ScrapedFile{}
	seen := map[string]struct{}{}
	names := map[string]struct{}{}

	for _, selector := range c.Selectors {
		for _, l := range htmlutil.Links(ctx, pageURL, doc.Find(selector.CSS), selector.Attr) {
			if l.URL.Scheme != "http" && l.URL.Scheme != "https" {
				continue
			}
			if c.skip(l.URL) {
				continue
			}

			canonical := CanonicalURL(l.URL.String())
			if _, dup := seen[canonical]; dup {
				continue
			}

			parsed, err := url.Parse(canonical)
			if err != nil {
				continue
			}
			kind := filetype.FromURL(canonical)
			if kind == filetype.Unknown && !isCDN(parsed) {
				continue
			}
			seen[canonical] = struct{}{}

			files = append(files, ScrapedFile{
				URL:      canonical,
				Filename: uniqueFilename(names, selector.Source, canonical, len(files)),
				Type:     kind,
				Source:   selector.Source,
			})
		}
	}
	return files
}

func fileExt(raw string) string {
	ext := filetype.ExtensionOf(raw)
	if filetype.FromExtension(ext) == filetype.Unknown {
		return ".png"
	}
	return ext
}

func uniqueFilename(taken map[string]struct{}, source, raw string, index int) string {
	base := Slugify(source)
	ext := fileExt(raw)

	name := base + ext
	if index > 0 {
		name = fmt.Sprintf("%s_%d%s", base, index, ext)
	}
	for n := index + 1; ; n++ {
		if _, exists := taken[name]; !exists {
			break
		}
		name = fmt.Sprintf("%s_%d%s", base, n, ext)
	}
	taken[name] = struct{}{}
	return name
}

const slugMaxLength = 50

var (
	slugStrip    = regexp.MustCompile(`[^a-z0-9_\s-]`)
	slugSeparate = regexp.MustCompile(`[-\s]+`)
)

var asciiFold = transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// Slugify turns a name into something safe for paths and object keys.
func Slugify(s string) string {
	folded, _, err := transform.String(asciiFold, s)
	if err != nil {
		folded = s
	}
	ascii := strings.Builder{}
	for _, r := range folded {
		if r < unicode.MaxASCII {
			ascii.WriteRune(r)
		}
	}

	slug := slugStrip.ReplaceAllString(strings.ToLower(ascii.String()), "")
	slug = strings.Trim(slugSeparate.ReplaceAllString(slug, "-"), "-")
	if len(slug) > slugMaxLength {
		slug = strings.TrimRight(slug[:slugMaxLength], "-")
	}
	if slug == "" {
		return "unknown"
	}
	return slug
}

// OrderDir is where the files of an order are stored, relative to the
// artwork root. Missing fields fall back to readable placeholders: an order
// without a nickname is named order-{visual_id} and an unknown customer id
// is spelled out.
func OrderDir(order entity.Entity) string {
	customer := entity.Customer(order)
	customerID := "unknown"
	if id, ok := entity.ID(customer); ok {
		customerID = strconv.FormatInt(id, 10)
	} else if id, ok := entity.Int(order, "customer_id"); ok {
		customerID = strconv.FormatInt(id, 10)
	}
	customerName := entity.CustomerName(customer)
	if customerName == "" {
		customerName = "Unknown Customer"
	}

	year := "unknown"
	if created, ok := entity.Time(order, "created_at"); ok {
		year = strconv.Itoa(created.Year())
	}

	visualID := entity.VisualID(order)
	nickname := entity.Str(order, "order_nickname")
	if nickname == "" {
		nickname = "order-" + visualID
	}

	return strings.Join([]string{
		"by_customer",
		Slugify(customerName) + "-" + customerID,
		year,
		Slugify(visualID) + "_" + Slugify(nickname),
	}, "/")
}

// DetailURLs lists the pages that may show an order's files, the public share
// link goes first since it works without a session.
func DetailURLs(order entity.Entity, baseURL string) []string {
	baseURL = strings.TrimRight(baseURL, "/")

	var urls []string
	if public := entity.Str(order, "public_url"); public != "" {
		urls = append(urls, public)
	} else if alt := entity.Str(order, "url"); alt != "" {
		urls = append(urls, alt)
	}
	if id, ok := entity.ID(order); ok {
		urls = append(urls,
			fmt.Sprintf("%s/invoices/%d", baseURL, id),
			fmt.Sprintf("%s/invoices/%d/workorder", baseURL, id),
		)
	}
	return urls
}

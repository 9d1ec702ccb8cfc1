package printavo

import (
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/titanous/json5"
)

// Selector pulls file urls out of one kind of element, Source is the role
// recorded for whatever it finds.
type Selector struct {
	CSS    string `json:"css"`
	Attr   string `json:"attr"`
	Source string `json:"source"`
}

// Catalog is the ordered list of selectors applied to a detail page, a url
// found by an earlier selector keeps that selector's role.
type Catalog struct {
	Selectors []Selector `json:"selectors"`
	// SkipPatterns are matched against the lowercase url path.
	SkipPatterns []string `json:"skip_patterns"`
}

func img(css, source string) Selector {
	return Selector{CSS: css, Attr: "src", Source: source}
}

func link(css, source string) Selector {
	return Selector{CSS: css, Attr: "href", Source: source}
}

func DefaultCatalog() Catalog {
	return Catalog{
		Selectors: []Selector{
			img(`img[src*="mockup"]`, "mockup"),
			img(`img[src*="proof"]`, "proof"),
			img(`img[src*="artwork"]`, "artwork"),

			img(`img[src*="filestackcontent.com"]`, "artwork"),
			link(`a[href*="filestackcontent.com"]`, "file"),
			img(`img[src*="filepicker.io"]`, "artwork"),
			link(`a[href*="filepicker.io"]`, "file"),
			img(`img[src*="cdn.filepicker.io"]`, "artwork"),
			link(`a[href*="cdn.filepicker.io"]`, "file"),
			img(`img[src*="s3.amazonaws"]`, "artwork"),
			link(`a[href*="s3.amazonaws"]`, "file"),

			img(`.line-item-group img`, "lineitem"),
			img(`.imprint-image img`, "imprint"),
			link(`a[href*="/attachments/"]`, "attachment"),

			link(`a[href*=".dst"]`, "embroidery"),
			link(`a[href*=".pes"]`, "embroidery"),
			link(`a[href*=".eps"]`, "vector"),
			link(`a[href*=".ai"]`, "vector"),
			link(`a[href*=".pdf"]`, "document"),
		},
		SkipPatterns: []string{
			"pixel", "tracking", "icon", "logo", "avatar",
			"spacer", "blank", "1x1", "loader", "spinner",
		},
	}
}

// LoadSelectors reads a catalog from a json5 file. A file that only sets one
// of the two lists keeps the default for the other.
func LoadSelectors(path string) (Catalog, error) {
	buff, err := os.ReadFile(path)
	if err != nil {
		return Catalog{}, err
	}
	var catalog Catalog
	err = json5.Unmarshal(buff, &catalog)
	if err != nil {
		return Catalog{}, fmt.Errorf("parse selectors %s: %w", path, err)
	}

	defaults := DefaultCatalog()
	if len(catalog.Selectors) == 0 {
		catalog.Selectors = defaults.Selectors
	}
	if catalog.SkipPatterns == nil {
		catalog.SkipPatterns = defaults.SkipPatterns
	}
	for i, s := range catalog.Selectors {
		if s.CSS == "" || s.Source == "" {
			return Catalog{}, fmt.Errorf("selector %d in %s: css and source are required", i, path)
		}
		if s.Attr == "" {
			catalog.Selectors[i].Attr = "src"
			if strings.HasPrefix(strings.TrimSpace(s.CSS), "a") {
				catalog.Selectors[i].Attr = "href"
			}
		}
	}
	return catalog, nil
}

func (c Catalog) skip(u *url.URL) bool {
	p := strings.ToLower(u.Path)
	for _, pattern := range c.SkipPatterns {
		if strings.Contains(p, pattern) {
			return true
		}
	}
	return false
}

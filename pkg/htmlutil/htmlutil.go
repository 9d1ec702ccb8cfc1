package htmlutil

import (
	"bytes"
	"context"
	"net/url"
	"regexp"
	"strings"
	"unicode"

	"github.com/PuerkitoBio/goquery"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/net/html"
)

var tracer = otel.Tracer("printavo-archive/pkg/htmlutil")

func GetText(node *html.Node) string {
	var buffer bytes.Buffer
	getTextRecursive(node, &buffer)
	return buffer.String()
}

func getTextRecursive(node *html.Node, buffer *bytes.Buffer) {
	if node == nil {
		return
	}
	if node.Type == html.TextNode {
		buffer.WriteString(node.Data)
		return
	}
	for child := node.FirstChild; child != nil; child = child.NextSibling {
		getTextRecursive(child, buffer)
	}
}

// Link is a url pulled out of an element attribute, resolved against the
// page it was found on.
type Link struct {
	Text string
	URL  *url.URL
}

var innerWhitespace = regexp.MustCompile(`\s\s+`)

func CleanText(s string) string {
	out := strings.Builder{}
	for _, c := range s {
		if unicode.IsPrint(c) || unicode.IsSpace(c) {
			out.WriteRune(c)
		}
	}
	return innerWhitespace.ReplaceAllString(strings.TrimSpace(out.String()), " ")
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

// Links collects the given attribute of every node in sel. Empty values and
// values that do not parse as a url are left out, relative urls are resolved
// against base.
func Links(ctx context.Context, base *url.URL, sel *goquery.Selection, attrName string) []Link {
	_, span := tracer.Start(ctx, "Links")
	defer span.End()

	links := []Link{}
	for _, n := range sel.Nodes {
		raw := strings.TrimSpace(attr(n, attrName))
		if raw == "" {
			continue
		}

		link, err := url.Parse(raw)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "got error while parsing url")
			continue
		}
		if base != nil {
			link = base.ResolveReference(link)
		}

		text := CleanText(GetText(n))
		links = append(links, Link{Text: text, URL: link})
		span.AddEvent("link", trace.WithAttributes(
			attribute.String("text", text),
			attribute.String("url", link.String()),
		))
	}

	return links
}

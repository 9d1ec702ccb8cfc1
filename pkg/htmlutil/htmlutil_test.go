package htmlutil

import (
	"context"
	"net/url"
	"strings"
	"testing"

	"github.com/PuerkitoBio/goquery"
	"github.com/stretchr/testify/require"
)

func TestLinks(t *testing.T) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(`
		<div>
			<a href="/attachments/1/proof.pdf">  Proof
				v2 </a>
			<a href="https://cdn.filepicker.io/abc">Original</a>
			<a href="">empty</a>
			<a>missing</a>
			<img src="../mockup.png">
		</div>`))
	require.NoError(t, err)

	base, err := url.Parse("https://www.printavo.com/invoices/12")
	require.NoError(t, err)

	links := Links(context.Background(), base, doc.Find("a"), "href")
	require.Len(t, links, 2)
	require.Equal(t, "https://www.printavo.com/attachments/1/proof.pdf", links[0].URL.String())
	require.Equal(t, "Proof v2", links[0].Text)
	require.Equal(t, "https://cdn.filepicker.io/abc", links[1].URL.String())

	images := Links(context.Background(), base, doc.Find("img"), "src")
	require.Len(t, images, 1)
	require.Equal(t, "https://www.printavo.com/mockup.png", images[0].URL.String())
}

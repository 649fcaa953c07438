package document

import (
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// minBlockLength filters out navigation crumbs and stray fragments.
const minBlockLength = 20

// blockSelector matches the elements treated as readable text blocks.
const blockSelector = "p, h1, h2, h3, h4, h5, h6, li, blockquote, pre"

// ExtractBlocks pulls readable text blocks out of raw HTML in document
// order. Script, style and noscript subtrees are discarded first; headings
// are kept as their own blocks so page slicing tends to break at section
// boundaries.
func ExtractBlocks(html string) ([]string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}

	doc.Find("script, style, noscript").Remove()

	var blocks []string
	doc.Find(blockSelector).Each(func(_ int, sel *goquery.Selection) {
		// Nested matches (a p inside a blockquote) would duplicate text.
		if sel.Parent().Closest(blockSelector).Length() > 0 {
			return
		}
		text := normalizeSpace(sel.Text())
		if len(text) < minBlockLength && !isHeading(sel) {
			return
		}
		if text != "" {
			blocks = append(blocks, text)
		}
	})
	return blocks, nil
}

// ExtractTitle returns the page title, or the first h1, or "".
func ExtractTitle(html string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return ""
	}
	if title := normalizeSpace(doc.Find("title").First().Text()); title != "" {
		return title
	}
	return normalizeSpace(doc.Find("h1").First().Text())
}

func isHeading(sel *goquery.Selection) bool {
	return sel.Is("h1, h2, h3, h4, h5, h6")
}

func normalizeSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

package fetcher

import (
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// Content extraction prefers semantically "main" regions before falling
// back to the whole body.
var contentSelectors = []string{"main", "article", "[role='main']"}

type extracted struct {
	Title string
	Text  string
}

// extractContent strips non-content nodes and derives the page title and
// collapsed text from a parsed document.
func extractContent(doc *goquery.Document, maxChars int) extracted {
	doc.Find("script,style,noscript,iframe").Remove()

	title := normalizeWhitespace(doc.Find("title").First().Text())
	if title == "" {
		title = normalizeWhitespace(doc.Find("h1").First().Text())
	}

	var region *goquery.Selection
	for _, sel := range contentSelectors {
		if found := doc.Find(sel).First(); found.Length() > 0 {
			region = found
			break
		}
	}
	if region == nil {
		region = doc.Find("body").First()
	}

	text := normalizeWhitespace(region.Text())
	if maxChars > 0 {
		text = truncateRunes(text, maxChars)
	}

	return extracted{Title: title, Text: text}
}

func normalizeWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func truncateRunes(s string, limit int) string {
	if limit <= 0 || len(s) <= limit {
		return s
	}
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit])
}

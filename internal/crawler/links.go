package crawler

import (
	"bytes"
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// GoqueryLinkExtractor resolves anchor hrefs against the page URL.
type GoqueryLinkExtractor struct{}

// NewLinkExtractor returns a goquery-backed LinkExtractor.
func NewLinkExtractor() *GoqueryLinkExtractor {
	return &GoqueryLinkExtractor{}
}

// ExtractLinks returns the unique absolute http(s) links found in html, in document order.
// A <base href> element overrides baseURL.
func (GoqueryLinkExtractor) ExtractLinks(baseURL string, html []byte) ([]string, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	if href, ok := doc.Find("base[href]").First().Attr("href"); ok {
		if override, perr := base.Parse(strings.TrimSpace(href)); perr == nil {
			base = override
		}
	}

	seen := make(map[string]struct{})
	var links []string
	doc.Find("a[href]").Each(func(_ int, sel *goquery.Selection) {
		href, _ := sel.Attr("href")
		href = strings.TrimSpace(href)
		if href == "" || strings.HasPrefix(href, "#") {
			return
		}
		if rel, ok := sel.Attr("rel"); ok && strings.Contains(strings.ToLower(rel), "nofollow") {
			return
		}
		resolved, perr := base.Parse(href)
		if perr != nil {
			return
		}
		if resolved.Scheme != "http" && resolved.Scheme != "https" {
			return
		}
		resolved.Fragment = ""
		abs := resolved.String()
		if _, dup := seen[abs]; dup {
			return
		}
		seen[abs] = struct{}{}
		links = append(links, abs)
	})
	return links, nil
}

package crawler

import (
	"bytes"
	"net/http"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

var defaultBlockKeywords = []string{
	"captcha",
	"are you a robot",
	"access denied",
	"unusual traffic",
	"verify you are human",
	"request blocked",
}

var defaultBlockSelectors = []string{
	"#challenge-form",
	"#cf-challenge-running",
	".g-recaptcha",
	".h-captcha",
	"#px-captcha",
}

// HeuristicBlockDetector flags challenge pages that arrive with a 2xx status.
type HeuristicBlockDetector struct {
	maxBytes  int
	keywords  [][]byte
	selectors []string
}

// NewHeuristicBlockDetector builds a detector. Pages larger than maxBytes are never
// treated as blocks; challenge pages are small. Empty lists fall back to built-in markers.
func NewHeuristicBlockDetector(maxBytes int, keywords, selectors []string) *HeuristicBlockDetector {
	if maxBytes <= 0 {
		maxBytes = 64 << 10
	}
	if len(keywords) == 0 {
		keywords = defaultBlockKeywords
	}
	if len(selectors) == 0 {
		selectors = defaultBlockSelectors
	}
	lowered := make([][]byte, 0, len(keywords))
	for _, kw := range keywords {
		kw = strings.TrimSpace(kw)
		if kw == "" {
			continue
		}
		lowered = append(lowered, bytes.ToLower([]byte(kw)))
	}
	return &HeuristicBlockDetector{
		maxBytes:  maxBytes,
		keywords:  lowered,
		selectors: selectors,
	}
}

// IsBlocked implements BlockDetector.
func (d *HeuristicBlockDetector) IsBlocked(resp FetchResponse) bool {
	if d == nil || resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return false
	}
	if challengeHeader(resp.Headers) {
		return true
	}
	if len(resp.Body) == 0 || len(resp.Body) > d.maxBytes {
		return false
	}
	return d.containsKeywords(resp.Body) || d.matchesSelectors(resp.Body)
}

func challengeHeader(h http.Header) bool {
	if h == nil {
		return false
	}
	return strings.EqualFold(h.Get("Cf-Mitigated"), "challenge")
}

func (d *HeuristicBlockDetector) containsKeywords(body []byte) bool {
	lowerBody := bytes.ToLower(body)
	for _, kw := range d.keywords {
		if bytes.Contains(lowerBody, kw) {
			return true
		}
	}
	return false
}

func (d *HeuristicBlockDetector) matchesSelectors(body []byte) bool {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return false
	}
	for _, sel := range d.selectors {
		if sel == "" {
			continue
		}
		if doc.Find(sel).Length() > 0 {
			return true
		}
	}
	return false
}

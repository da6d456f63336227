package crawler

import (
	"net/http"
	"sort"
)

type headerProfile struct {
	userAgent      string
	accept         string
	acceptLanguage string
	secCHUA        string
	platform       string
	mobile         bool
}

var headerProfiles = map[string]headerProfile{
	"chrome-desktop": {
		userAgent: "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 " +
			"(KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36",
		accept: "text/html,application/xhtml+xml,application/xml;q=0.9," +
			"image/avif,image/webp,image/apng,*/*;q=0.8",
		acceptLanguage: "en-US,en;q=0.9",
		secCHUA:        `"Not/A)Brand";v="8", "Chromium";v="126", "Google Chrome";v="126"`,
		platform:       `"Windows"`,
	},
	"firefox-desktop": {
		userAgent:      "Mozilla/5.0 (X11; Linux x86_64; rv:127.0) Gecko/20100101 Firefox/127.0",
		accept:         "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8",
		acceptLanguage: "en-US,en;q=0.5",
	},
	"safari-mobile": {
		userAgent: "Mozilla/5.0 (iPhone; CPU iPhone OS 17_5 like Mac OS X) AppleWebKit/605.1.15 " +
			"(KHTML, like Gecko) Version/17.5 Mobile/15E148 Safari/604.1",
		accept:         "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8",
		acceptLanguage: "en-US,en;q=0.9",
		mobile:         true,
	},
}

// StaticHeaderGenerator returns fixed browser-like header sets keyed by family.
type StaticHeaderGenerator struct {
	fallback string
}

// NewHeaderGenerator builds a generator that falls back to DefaultHeaderFamily for unknown families.
func NewHeaderGenerator() *StaticHeaderGenerator {
	return &StaticHeaderGenerator{fallback: DefaultHeaderFamily}
}

// HeaderFamilies lists the known family names in sorted order.
func HeaderFamilies() []string {
	names := make([]string, 0, len(headerProfiles))
	for name := range headerProfiles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Headers implements HeaderGenerator. The browser transport only needs language hints since
// Chrome supplies its own navigation headers.
func (g *StaticHeaderGenerator) Headers(family string, transport Transport) http.Header {
	profile, ok := headerProfiles[family]
	if !ok {
		profile = headerProfiles[g.fallback]
	}
	h := http.Header{}
	h.Set("Accept-Language", profile.acceptLanguage)
	if transport == TransportBrowser {
		return h
	}
	h.Set("User-Agent", profile.userAgent)
	h.Set("Accept", profile.accept)
	h.Set("Upgrade-Insecure-Requests", "1")
	if profile.secCHUA != "" {
		h.Set("Sec-Ch-Ua", profile.secCHUA)
		h.Set("Sec-Ch-Ua-Platform", profile.platform)
		if profile.mobile {
			h.Set("Sec-Ch-Ua-Mobile", "?1")
		} else {
			h.Set("Sec-Ch-Ua-Mobile", "?0")
		}
	}
	return h
}

// BrowserProfile is what a headless browser needs to impersonate a header family.
type BrowserProfile struct {
	UserAgent string
	Mobile    bool
}

// BrowserProfileFor returns the profile for family, falling back to DefaultHeaderFamily.
func BrowserProfileFor(family string) BrowserProfile {
	profile, ok := headerProfiles[family]
	if !ok {
		profile = headerProfiles[DefaultHeaderFamily]
	}
	return BrowserProfile{UserAgent: profile.userAgent, Mobile: profile.mobile}
}

// Package adapters implements one fetcher per model repository. Each
// adapter satisfies the search.Adapter contract: it extracts raw listings
// for a query from its source and reports every internal failure as an
// error, never a panic; the coordinator turns both into an empty group
// for that source only.
package adapters

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// userAgent is sent on direct HTTP fetches.
const userAgent = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0 Safari/537.36"

// guard converts a panic inside a Fetch into a returned error so nothing
// escapes the adapter boundary. Use as: defer guard(&err).
func guard(err *error) {
	if r := recover(); r != nil {
		*err = fmt.Errorf("adapters: recovered: %v", r)
	}
}

// parseCount parses source-displayed counters like "382", "1.2k" or
// "3,401". Unknown or malformed text yields 0, which is a valid value.
func parseCount(s string) int {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return 0
	}
	s = strings.ReplaceAll(s, ",", "")

	mult := 1.0
	switch {
	case strings.HasSuffix(s, "k"):
		mult, s = 1_000, strings.TrimSuffix(s, "k")
	case strings.HasSuffix(s, "m"):
		mult, s = 1_000_000, strings.TrimSuffix(s, "m")
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || f < 0 {
		return 0
	}
	return int(f * mult)
}

// absURL resolves href against base, returning "" for unparseable input.
func absURL(base *url.URL, href string) string {
	if href == "" {
		return ""
	}
	u, err := url.Parse(href)
	if err != nil {
		return ""
	}
	return base.ResolveReference(u).String()
}

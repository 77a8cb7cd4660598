package search

import (
	"crypto/sha256"
	"encoding/hex"
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// sanitizer strips every HTML tag from scraped display strings. Sources
// occasionally return markup fragments in titles and author names.
var sanitizer = bluemonday.StrictPolicy()

// NormalizeQuery returns the canonical form of a user query used as the
// cache key: lowercased, leading/trailing whitespace trimmed, interior
// whitespace runs collapsed to single spaces. Punctuation is preserved.
// Returns "" for queries that are empty or all-whitespace.
//
// The rule is idempotent: NormalizeQuery(NormalizeQuery(q)) == NormalizeQuery(q).
func NormalizeQuery(q string) string {
	return strings.Join(strings.Fields(strings.ToLower(q)), " ")
}

// NormalizeListing shapes raw adapter output into the canonical Listing.
// Display strings are sanitized and trimmed; negative counts are clamped
// to zero (0 is a valid "unknown" value, not an error sentinel).
func NormalizeListing(src Source, raw RawListing) Listing {
	return Listing{
		ID:           ListingID(src, raw.SourceURL),
		Title:        cleanText(raw.Title),
		Author:       cleanText(raw.Author),
		ThumbnailURL: strings.TrimSpace(raw.ThumbnailURL),
		SourceURL:    strings.TrimSpace(raw.SourceURL),
		Source:       src,
		Likes:        max(raw.Likes, 0),
		Downloads:    max(raw.Downloads, 0),
	}
}

// ListingID derives the stable listing identifier from the source tag and
// the source-native URL. Deterministic so repeated fetches of the same item
// produce the same ID.
func ListingID(src Source, sourceURL string) string {
	sum := sha256.Sum256([]byte(string(src) + "\n" + strings.TrimSpace(sourceURL)))
	return hex.EncodeToString(sum[:8])
}

func cleanText(s string) string {
	return strings.TrimSpace(html.UnescapeString(sanitizer.Sanitize(s)))
}

// Package search implements the aggregation core: given a free-text query it
// resolves a merged set of model listings from several sources, serving from
// a two-tier cache where possible and coalescing concurrent fetches for the
// same query into a single flight.
package search

import (
	"context"
	"time"
)

// Source identifies one external model repository.
type Source string

const (
	SourcePrintables  Source = "printables"
	SourceThingiverse Source = "thingiverse"
	SourceMakerWorld  Source = "makerworld"
)

// SourceOrder is the fixed order in which source groups appear in merged
// results. Changing it changes the externally visible listing order.
var SourceOrder = []Source{SourcePrintables, SourceThingiverse, SourceMakerWorld}

// Valid reports whether s is a known source tag.
func (s Source) Valid() bool {
	switch s {
	case SourcePrintables, SourceThingiverse, SourceMakerWorld:
		return true
	}
	return false
}

// RawListing is the adapter output schema: typed fields extracted from a
// source's search page. Zero values mean "unknown", never an error.
type RawListing struct {
	Title        string
	SourceURL    string
	ThumbnailURL string
	Author       string
	Likes        int
	Downloads    int
}

// Listing is one canonical search hit.
//
// ID is derived deterministically from (Source, SourceURL), so two fetches
// of the same underlying item always produce the same ID regardless of
// mutable fields like title or counts.
type Listing struct {
	ID           string `json:"id"`
	Title        string `json:"title"`
	Author       string `json:"author,omitempty"`
	ThumbnailURL string `json:"thumbnail_url,omitempty"`
	SourceURL    string `json:"source_url"`
	Source       Source `json:"source"`
	Likes        int    `json:"likes"`
	Downloads    int    `json:"downloads"`
}

// QueryResult is the unit of caching: the merged listings for one
// normalized query plus per-source counts from the most recent fetch
// attempt for each source.
//
// Invariant: SourceCounts[s] equals the number of listings with Source == s
// whenever the record is externally observed.
type QueryResult struct {
	NormalizedQuery string
	Listings        []Listing
	SourceCounts    map[Source]int
	UpdatedAt       time.Time
}

// Adapter fetches raw listings for a query from one source.
//
// Contract: Fetch reports internal failures (timeout, blocked request,
// parse miss) as an error or an empty slice, never a panic past its
// boundary. The coordinator treats errors and timeouts as empty results,
// so a misbehaving source can lower its own count but never abort the
// aggregate operation.
type Adapter interface {
	Source() Source
	Fetch(ctx context.Context, query string) ([]RawListing, error)
}

package search

// Envelope is the externally visible shape of a query result.
type Envelope struct {
	Query   string         `json:"query"`
	Total   int            `json:"total"`
	Results []Listing      `json:"results"`
	Sources map[Source]int `json:"sources"`
}

// Assemble shapes a QueryResult into the response envelope. Pure transform:
// no side effects, the result mirrors the record exactly.
func Assemble(r *QueryResult) Envelope {
	results := r.Listings
	if results == nil {
		results = []Listing{}
	}
	sources := make(map[Source]int, len(r.SourceCounts))
	for src, n := range r.SourceCounts {
		sources[src] = n
	}
	return Envelope{
		Query:   r.NormalizedQuery,
		Total:   len(r.Listings),
		Results: results,
		Sources: sources,
	}
}

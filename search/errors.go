package search

import "errors"

// ErrInvalidQuery is returned when the query is absent or blank after
// normalization. The only error the coordinator propagates to callers.
var ErrInvalidQuery = errors.New("search: invalid query")

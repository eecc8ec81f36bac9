package client

import "strconv"

// identifierKey is the field every registry record carries as its unique id.
const identifierKey = "id"

// RawRecord is one declaration summary as returned by the registry listing,
// decoded without interpretation.
type RawRecord map[string]any

// ID extracts the record identifier. The second return is false when the
// field is absent or not readable as an integer.
func (r RawRecord) ID() (int64, bool) {
	switch v := r[identifierKey].(type) {
	case float64:
		return int64(v), true
	case int64:
		return v, true
	case int:
		return int64(v), true
	case string:
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return 0, false
		}
		return id, true
	default:
		return 0, false
	}
}

// Detail is one full declaration document as returned by the detail
// endpoint, decoded without interpretation.
type Detail map[string]any

// PageToken marks a position in a query's page walk. The zero token starts
// from the beginning; a page whose Next is the zero token is the last one.
// Tokens are only valid for the query that issued them.
type PageToken struct {
	offset int
	index  int
	query  uint64
}

// IsZero reports whether the token is the zero token.
func (t PageToken) IsZero() bool {
	return t == PageToken{}
}

// Page is one page of the registry listing.
type Page struct {
	// Index is the 1-based position of the page in the walk.
	Index int

	// Records holds the page's declaration summaries in upstream order.
	Records []RawRecord

	// Next locates the following page. The zero token means the walk is
	// complete.
	Next PageToken

	// Total is the upstream's advisory count of matching records. Zero when
	// the upstream omits it; never used as a hard bound.
	Total int
}

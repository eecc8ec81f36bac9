package client

import (
	"fmt"
	"hash/fnv"
)

// maxPageLimit is the largest page size the upstream API honors per request.
const maxPageLimit = 100

// Query identifies a slice of the public declaration registry to extract.
// Year and RecordType are required; the remaining filters narrow the
// result set and are sent to the upstream only when set.
type Query struct {
	// Year is the declaration year to extract.
	Year int `json:"year"`

	// RecordType selects which section of each declaration becomes rows.
	// Must be one of the registered record types (see pkg/schema).
	RecordType string `json:"record_type"`

	// DeclarantType narrows results to one declarant category (official,
	// spouse, ...). Zero means no filter.
	DeclarantType int `json:"declarant_type,omitempty"`

	// DeclarationType narrows results to one declaration kind (annual,
	// assuming office, ...). Zero means no filter.
	DeclarationType int `json:"declaration_type,omitempty"`

	// InstitutionGroup narrows results to one institution group. Zero means
	// no filter.
	InstitutionGroup int `json:"institution_group,omitempty"`

	// Institution narrows results to a single institution. Zero means no
	// filter.
	Institution int `json:"institution,omitempty"`

	// PageSize overrides the client's configured page size for this query.
	// Values above the upstream maximum are clamped. Zero means use the
	// client default.
	PageSize int `json:"page_size,omitempty"`

	// Offset skips records at the start of the result set. Used to resume
	// an extraction mid-registry; zero starts from the beginning.
	Offset int `json:"offset,omitempty"`

	// RetryIDs restricts normalization to the listed record identifiers.
	// The page walk is unchanged; records outside the list are ignored
	// without counting as duplicates or anomalies. Empty means all records.
	RetryIDs []int64 `json:"retry_ids,omitempty"`
}

// Validate checks that the query can be sent upstream.
func (q Query) Validate() error {
	if q.Year <= 0 {
		return fmt.Errorf("%w: year is required", ErrInvalidQuery)
	}
	if q.RecordType == "" {
		return fmt.Errorf("%w: record type is required", ErrInvalidQuery)
	}
	if q.PageSize < 0 {
		return fmt.Errorf("%w: page size must not be negative", ErrInvalidQuery)
	}
	if q.Offset < 0 {
		return fmt.Errorf("%w: offset must not be negative", ErrInvalidQuery)
	}
	return nil
}

// filter builds the upstream filter payload. Optional filters are omitted
// when unset so the upstream treats them as wildcards.
func (q Query) filter() map[string]any {
	f := map[string]any{
		"year": q.Year,
	}
	if q.DeclarantType > 0 {
		f["declarantType"] = q.DeclarantType
	}
	if q.DeclarationType > 0 {
		f["type"] = q.DeclarationType
	}
	if q.InstitutionGroup > 0 {
		f["institutionGroup"] = q.InstitutionGroup
	}
	if q.Institution > 0 {
		f["institution"] = q.Institution
	}
	return f
}

// fingerprint returns a stable hash of the fields that shape the page walk.
// Page tokens carry it so a token cannot be replayed against a different
// query. RetryIDs are excluded: they filter rows, not pages.
func (q Query) fingerprint() uint64 {
	h := fnv.New64a()
	fmt.Fprintf(h, "%d|%s|%d|%d|%d|%d|%d|%d",
		q.Year, q.RecordType, q.DeclarantType, q.DeclarationType,
		q.InstitutionGroup, q.Institution, q.PageSize, q.Offset)
	return h.Sum64()
}

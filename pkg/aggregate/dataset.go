package aggregate

import "github.com/openarmenia/cpc-extract/pkg/normalize"

// SkippedRecord names one record excluded from the dataset and why. The
// identifier is zero when the record never carried one.
type SkippedRecord struct {
	ID     int64  `json:"id"`
	Reason string `json:"reason"`
}

// Dataset is the accumulated result of one extraction run. Rows keep their
// first-seen order across pages and no two rows share a record identifier.
type Dataset struct {
	// Columns is the canonical column order for the record type.
	Columns []string

	// Rows holds one normalized row per surviving record.
	Rows []normalize.Row

	// Skipped lists records excluded from Rows, with reasons.
	Skipped []SkippedRecord

	// Anomalies counts non-fatal irregularities observed while
	// normalizing (unparseable values, unknown fields, skips).
	Anomalies int

	// Pages is the number of pages fetched from upstream.
	Pages int

	// Total is the advisory record total reported by upstream, zero
	// when upstream never reported one.
	Total int
}

// RowCount returns the number of rows in the dataset.
func (d *Dataset) RowCount() int {
	return len(d.Rows)
}

// Package normalize flattens raw declaration documents into tabular rows.
//
// The registry's detail documents are irregular: the same section arrives as
// a header/rows table, as a list of cell groups, or as a bare list of field
// maps, depending on the declaration's vintage. Normalization absorbs those
// shapes into one row per record, shaped by the record type's schema. The
// only fatal condition is a record without an identifier; every other
// irregularity degrades to an empty value and an anomaly count.
package normalize

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/openarmenia/cpc-extract/pkg/client"
	"github.com/openarmenia/cpc-extract/pkg/schema"
)

// ErrMissingIdentifier is returned when the summary record carries no usable
// identifier. Such records cannot be deduplicated and must be skipped.
var ErrMissingIdentifier = errors.New("record has no identifier")

// Row is one flattened record keyed by canonical column name. Every column
// of the schema is present; values without an upstream source are empty.
type Row map[string]string

// Outcome reports what normalization had to tolerate for one record.
type Outcome struct {
	// Anomalies counts tolerated irregularities: unparseable numbers and
	// dates, malformed section rows, cell titles no column claims.
	Anomalies int

	// UnknownTitles lists the section cell titles that matched no schema
	// column, deduplicated and sorted.
	UnknownTitles []string
}

// Record flattens one declaration summary and its detail document into a row
// shaped by s.
func Record(rec client.RawRecord, detail client.Detail, s schema.Schema) (Row, Outcome, error) {
	var out Outcome

	id, ok := rec.ID()
	if !ok {
		return nil, out, fmt.Errorf("%w: %v", ErrMissingIdentifier, rec[schema.IdentifierField])
	}

	section := walkPath(map[string]any(detail), s.SectionPath)
	entries, anomalies := sectionEntries(section)
	out.Anomalies += anomalies

	var primary map[string]any
	if len(entries) > 0 {
		primary = entries[0]
	}

	row := make(Row, len(s.Columns))
	for _, col := range s.Columns {
		if col.Name == schema.IdentifierField {
			row[col.Name] = strconv.FormatInt(id, 10)
			continue
		}

		switch col.Scope {
		case schema.ScopeSummary:
			raw, ok := lookupField(rec, col)
			if !ok {
				// Some summary fields only appear on the detail document.
				raw, _ = lookupField(detail, col)
			}
			value, anomaly := canonicalValue(raw, col.Kind)
			row[col.Name] = value
			out.Anomalies += anomaly

		case schema.ScopeSection:
			raw, _ := lookupField(primary, col)
			value, anomaly := canonicalValue(raw, col.Kind)
			row[col.Name] = value
			out.Anomalies += anomaly

		case schema.ScopeEntryCount:
			row[col.Name] = strconv.Itoa(len(entries))
		}
	}

	out.UnknownTitles = unknownTitles(entries, s)
	out.Anomalies += len(out.UnknownTitles)

	return row, out, nil
}

// walkPath follows a key chain into a decoded JSON document. Numeric path
// elements index into arrays. Returns nil as soon as a step cannot be taken.
func walkPath(doc map[string]any, path []string) any {
	var cur any = doc
	for _, step := range path {
		switch node := cur.(type) {
		case map[string]any:
			cur = node[step]
		case []any:
			i, err := strconv.Atoi(step)
			if err != nil || i < 0 || i >= len(node) {
				return nil
			}
			cur = node[i]
		default:
			return nil
		}
	}
	return cur
}

// sectionEntries flattens a section into a list of field maps, one per entry
// the declarant listed. It accepts the three shapes observed upstream:
//
//	{"headerItems": [...], "rows": [...]}   positional table
//	{"cells": [{"title": ..., "value": ...}, ...]}   single cell group
//	[ {...}, {...} ]   bare list of entries
//
// The anomaly count covers rows and cells that fit none of them.
func sectionEntries(section any) ([]map[string]any, int) {
	if section == nil {
		return nil, 0
	}

	switch node := section.(type) {
	case []any:
		var entries []map[string]any
		anomalies := 0
		for _, elem := range node {
			fields, a := entryFields(elem, nil)
			anomalies += a
			if fields != nil {
				entries = append(entries, fields)
			}
		}
		return entries, anomalies

	case map[string]any:
		if rows, ok := node["rows"].([]any); ok {
			headers := headerNames(node["headerItems"])
			var entries []map[string]any
			anomalies := 0
			for _, row := range rows {
				fields, a := entryFields(row, headers)
				anomalies += a
				if fields != nil {
					entries = append(entries, fields)
				}
			}
			return entries, anomalies
		}
		if cells, ok := node["cells"]; ok {
			fields, anomalies := cellFields(cells)
			if fields == nil {
				return nil, anomalies
			}
			return []map[string]any{fields}, anomalies
		}
		// A plain object is a section with a single entry.
		return []map[string]any{node}, 0

	default:
		return nil, 1
	}
}

// entryFields converts one section row into a field map. headers are the
// column titles for positional rows; nil when the section has none.
func entryFields(row any, headers []string) (map[string]any, int) {
	switch node := row.(type) {
	case map[string]any:
		if cells, ok := node["cells"]; ok {
			return cellFields(cells)
		}
		return node, 0

	case []any:
		if len(headers) == 0 {
			return nil, 1
		}
		fields := make(map[string]any, len(node))
		anomalies := 0
		for i, v := range node {
			if i >= len(headers) {
				// Value beyond the declared header row
				anomalies++
				continue
			}
			fields[headers[i]] = v
		}
		return fields, anomalies

	default:
		return nil, 1
	}
}

// cellFields converts a cell list into a field map. A cell either pairs a
// title with a value, or wraps a nested field map in its value.
func cellFields(cells any) (map[string]any, int) {
	list, ok := cells.([]any)
	if !ok {
		return nil, 1
	}

	fields := make(map[string]any, len(list))
	anomalies := 0
	for _, c := range list {
		cell, ok := c.(map[string]any)
		if !ok {
			anomalies++
			continue
		}

		title, _ := cell["title"].(string)
		if title == "" {
			title, _ = cell["name"].(string)
		}

		value := cell["value"]
		if title != "" {
			fields[title] = value
			continue
		}
		if nested, ok := value.(map[string]any); ok {
			for k, v := range nested {
				fields[k] = v
			}
			continue
		}
		anomalies++
	}
	return fields, anomalies
}

// headerNames extracts column titles from a section's headerItems, which
// arrive either as strings or as objects with a name field.
func headerNames(v any) []string {
	list, ok := v.([]any)
	if !ok {
		return nil
	}
	names := make([]string, 0, len(list))
	for _, item := range list {
		switch h := item.(type) {
		case string:
			names = append(names, h)
		case map[string]any:
			if name, ok := h["name"].(string); ok {
				names = append(names, name)
			} else if title, ok := h["title"].(string); ok {
				names = append(names, title)
			} else {
				names = append(names, "")
			}
		default:
			names = append(names, "")
		}
	}
	return names
}

// lookupField finds a column's value in a field map, trying the source key,
// the aliases, and finally a folded comparison that ignores case, spaces,
// and punctuation in titles.
func lookupField(fields map[string]any, col schema.Column) (any, bool) {
	if len(fields) == 0 {
		return nil, false
	}

	if v, ok := fields[col.Source]; ok {
		return v, true
	}
	for _, alias := range col.Aliases {
		if v, ok := fields[alias]; ok {
			return v, true
		}
	}

	want := make(map[string]bool, len(col.Aliases)+2)
	want[foldKey(col.Source)] = true
	want[foldKey(col.Name)] = true
	for _, alias := range col.Aliases {
		want[foldKey(alias)] = true
	}

	for k, v := range fields {
		if want[foldKey(k)] {
			return v, true
		}
	}
	return nil, false
}

// foldKey reduces a field key or cell title to lowercase letters and digits
// so "Income Type", "incomeType", and "income_type" compare equal.
func foldKey(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z' || r >= '0' && r <= '9':
			b.WriteRune(r)
		case r >= 'A' && r <= 'Z':
			b.WriteRune(r + ('a' - 'A'))
		}
	}
	return b.String()
}

// unknownTitles collects section cell titles that no schema column claims.
func unknownTitles(entries []map[string]any, s schema.Schema) []string {
	if len(entries) == 0 {
		return nil
	}

	known := make(map[string]bool)
	for _, col := range s.Columns {
		if col.Scope != schema.ScopeSection {
			continue
		}
		known[foldKey(col.Source)] = true
		known[foldKey(col.Name)] = true
		for _, alias := range col.Aliases {
			known[foldKey(alias)] = true
		}
	}

	seen := make(map[string]bool)
	var unknown []string
	for _, entry := range entries {
		for title := range entry {
			folded := foldKey(title)
			if folded == "" || known[folded] || seen[folded] {
				continue
			}
			seen[folded] = true
			unknown = append(unknown, title)
		}
	}
	sort.Strings(unknown)
	return unknown
}

// dateLayouts are the timestamp shapes observed in declaration documents,
// tried in order.
var dateLayouts = []string{
	"02.01.2006",
	"2006-01-02",
	"02/01/2006",
	"02.01.2006 15:04",
	time.RFC3339,
}

// canonicalValue renders a raw upstream value as its canonical string form.
// A value that fails to parse for its kind becomes empty and counts as an
// anomaly; a half-parsed number or date in the output would be worse than a
// gap the anomaly count points at.
func canonicalValue(v any, kind schema.Kind) (string, int) {
	raw := valueString(v)
	if raw == "" {
		return "", 0
	}

	switch kind {
	case schema.KindNumber:
		cleaned := strings.Map(func(r rune) rune {
			if r == ' ' || r == ',' || r == ' ' {
				return -1
			}
			return r
		}, raw)
		f, err := strconv.ParseFloat(cleaned, 64)
		if err != nil {
			return "", 1
		}
		return strconv.FormatFloat(f, 'f', -1, 64), 0

	case schema.KindDate:
		for _, layout := range dateLayouts {
			if t, err := time.Parse(layout, raw); err == nil {
				return t.Format("2006-01-02"), 0
			}
		}
		return "", 1

	default:
		return raw, 0
	}
}

// valueString renders a scalar upstream value as text. Cell values sometimes
// arrive wrapped one level deep as {"value": ...}.
func valueString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case bool:
		return strconv.FormatBool(t)
	case map[string]any:
		if inner, ok := t["value"]; ok && len(t) == 1 {
			return valueString(inner)
		}
		return ""
	default:
		return fmt.Sprint(t)
	}
}

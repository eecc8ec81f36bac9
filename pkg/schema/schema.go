// Package schema defines the canonical output columns for each record type
// and how they map onto the upstream declaration documents.
//
// Each record type gets exactly one Schema. A Schema fixes the CSV column
// order for an extraction run and binds every column to an upstream source:
// either a field of the declaration summary returned by the listing endpoint,
// or a cell of the tabular section addressed by SectionPath inside the
// declaration detail document.
package schema

import (
	"errors"
	"fmt"
	"sort"
)

// Kind describes how a column value is parsed and canonicalized.
type Kind string

const (
	// KindString passes the upstream value through as text.
	KindString Kind = "string"

	// KindNumber parses the upstream value as a decimal number.
	// Spaces and commas used as thousands separators are stripped.
	KindNumber Kind = "number"

	// KindDate parses the upstream value as dd.mm.yyyy and canonicalizes
	// it to yyyy-mm-dd.
	KindDate Kind = "date"
)

// Scope describes where a column value is sourced from.
type Scope string

const (
	// ScopeSummary sources the value from the declaration summary record
	// returned by the listing endpoint.
	ScopeSummary Scope = "summary"

	// ScopeSection sources the value from the primary row of the tabular
	// section addressed by the schema's SectionPath.
	ScopeSection Scope = "section"

	// ScopeEntryCount sources the value from the number of rows in the
	// section (how many entries the declarant listed).
	ScopeEntryCount Scope = "entry_count"
)

// Column binds one output column to its upstream source field.
type Column struct {
	// Name is the canonical CSV column name.
	Name string

	// Source is the upstream field key (summary scope) or cell title
	// (section scope) the value is read from.
	Source string

	// Aliases are alternate upstream titles observed for the same field.
	Aliases []string

	// Kind selects the value parser.
	Kind Kind

	// Scope selects where the value is sourced from.
	Scope Scope
}

// Schema is the fixed output contract for one record type.
type Schema struct {
	// RecordType is the registry key, e.g. "incomes".
	RecordType string

	// SectionPath is the key chain into the declaration detail document
	// that addresses this record type's tabular section. Numeric path
	// elements index into arrays.
	SectionPath []string

	// Columns is the canonical column set in output order.
	Columns []Column
}

// ErrUnknownRecordType is returned by Lookup for unregistered record types.
var ErrUnknownRecordType = errors.New("unknown record type")

// IdentifierField is the summary field carrying the upstream record identifier.
const IdentifierField = "id"

// ColumnNames returns the canonical column names in output order.
func (s Schema) ColumnNames() []string {
	names := make([]string, len(s.Columns))
	for i, c := range s.Columns {
		names[i] = c.Name
	}
	return names
}

// summaryColumns are shared by every record type. The identifier column
// comes first so the CSV reads naturally.
func summaryColumns() []Column {
	return []Column{
		{Name: "id", Source: IdentifierField, Kind: KindNumber, Scope: ScopeSummary},
		{Name: "last_name", Source: "lastName", Aliases: []string{"surname"}, Kind: KindString, Scope: ScopeSummary},
		{Name: "first_name", Source: "firstName", Aliases: []string{"name"}, Kind: KindString, Scope: ScopeSummary},
		{Name: "position", Source: "position", Kind: KindString, Scope: ScopeSummary},
		{Name: "institution", Source: "institutionName", Aliases: []string{"institution"}, Kind: KindString, Scope: ScopeSummary},
		{Name: "declaration_type", Source: "typeName", Aliases: []string{"type"}, Kind: KindString, Scope: ScopeSummary},
		{Name: "year", Source: "year", Kind: KindNumber, Scope: ScopeSummary},
		{Name: "submitted_at", Source: "submittingDate", Aliases: []string{"submissionDate"}, Kind: KindDate, Scope: ScopeSummary},
	}
}

// withSection builds a full schema: shared summary columns, the record
// type's section columns, and the trailing entry counter.
func withSection(recordType string, path []string, section []Column) Schema {
	cols := summaryColumns()
	cols = append(cols, section...)
	cols = append(cols, Column{Name: "entries", Kind: KindNumber, Scope: ScopeEntryCount})
	return Schema{
		RecordType:  recordType,
		SectionPath: path,
		Columns:     cols,
	}
}

// registry holds all known record type schemas.
var registry = map[string]Schema{
	"incomes": withSection("incomes", []string{"incomes"}, []Column{
		{Name: "income_type", Source: "incomeType", Kind: KindString, Scope: ScopeSection},
		{Name: "income_source", Source: "source", Aliases: []string{"sourceName"}, Kind: KindString, Scope: ScopeSection},
		{Name: "amount", Source: "amount", Kind: KindNumber, Scope: ScopeSection},
		{Name: "currency", Source: "currency", Kind: KindString, Scope: ScopeSection},
	}),
	"real_estate": withSection("real_estate", []string{"realEstate"}, []Column{
		{Name: "property_type", Source: "propertyType", Kind: KindString, Scope: ScopeSection},
		{Name: "address", Source: "address", Kind: KindString, Scope: ScopeSection},
		{Name: "area", Source: "area", Kind: KindNumber, Scope: ScopeSection},
		{Name: "ownership_share", Source: "share", Aliases: []string{"ownershipShare"}, Kind: KindNumber, Scope: ScopeSection},
		{Name: "acquired_at", Source: "acquisitionDate", Kind: KindDate, Scope: ScopeSection},
	}),
	"vehicles": withSection("vehicles", []string{"vehicles"}, []Column{
		{Name: "vehicle_type", Source: "vehicleType", Kind: KindString, Scope: ScopeSection},
		{Name: "make_model", Source: "makeModel", Aliases: []string{"model"}, Kind: KindString, Scope: ScopeSection},
		{Name: "made_year", Source: "productionYear", Kind: KindNumber, Scope: ScopeSection},
		{Name: "acquired_at", Source: "acquisitionDate", Kind: KindDate, Scope: ScopeSection},
		{Name: "price", Source: "price", Kind: KindNumber, Scope: ScopeSection},
		{Name: "currency", Source: "currency", Kind: KindString, Scope: ScopeSection},
	}),
	"securities": withSection("securities", []string{"securities"}, []Column{
		{Name: "security_type", Source: "securityType", Kind: KindString, Scope: ScopeSection},
		{Name: "issuer", Source: "issuer", Kind: KindString, Scope: ScopeSection},
		{Name: "quantity", Source: "quantity", Kind: KindNumber, Scope: ScopeSection},
		{Name: "nominal_value", Source: "nominalValue", Kind: KindNumber, Scope: ScopeSection},
		{Name: "currency", Source: "currency", Kind: KindString, Scope: ScopeSection},
	}),
	"loans": withSection("loans", []string{"loans"}, []Column{
		{Name: "loan_type", Source: "loanType", Kind: KindString, Scope: ScopeSection},
		{Name: "creditor", Source: "creditor", Kind: KindString, Scope: ScopeSection},
		{Name: "amount", Source: "amount", Kind: KindNumber, Scope: ScopeSection},
		{Name: "currency", Source: "currency", Kind: KindString, Scope: ScopeSection},
		{Name: "issued_at", Source: "issueDate", Kind: KindDate, Scope: ScopeSection},
	}),
}

// Lookup returns the schema registered for a record type.
func Lookup(recordType string) (Schema, error) {
	s, ok := registry[recordType]
	if !ok {
		return Schema{}, fmt.Errorf("%w: %q", ErrUnknownRecordType, recordType)
	}
	return s, nil
}

// RecordTypes returns all registered record type names, sorted.
func RecordTypes() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

package aggregate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"testing"
	"time"

	"github.com/openarmenia/cpc-extract/internal/testutil"
	"github.com/openarmenia/cpc-extract/pkg/client"
	"github.com/openarmenia/cpc-extract/pkg/schema"
)

func newTestAggregator(t *testing.T, mock *testutil.MockCPC, cfg Config) *Aggregator {
	t.Helper()

	ccfg := client.DefaultConfig(mock.URL(), "cpc-extract-tests/1.0")
	ccfg.Retry = client.RetryPolicy{
		MaxAttempts:       3,
		InitialBackoff:    2 * time.Millisecond,
		MaxBackoff:        20 * time.Millisecond,
		BackoffMultiplier: 2.0,
	}

	c, err := client.New(ccfg)
	if err != nil {
		t.Fatalf("client.New() error = %v", err)
	}
	return New(c, cfg)
}

func incomesQuery() client.Query {
	return client.Query{Year: 2024, RecordType: "incomes", PageSize: 50}
}

func TestExtract_ThreePages(t *testing.T) {
	mock := testutil.NewMockCPC()
	defer mock.Close()
	mock.SeedDeclarations(117)

	agg := newTestAggregator(t, mock, DefaultConfig())

	ds, err := agg.Extract(context.Background(), incomesQuery())
	if err != nil {
		t.Fatalf("Extract() error = %v", err)
	}

	if len(ds.Rows) != 117 {
		t.Errorf("Rows = %d, want 117", len(ds.Rows))
	}
	if ds.Pages != 3 {
		t.Errorf("Pages = %d, want 3", ds.Pages)
	}
	if ds.Total != 117 {
		t.Errorf("Total = %d, want 117", ds.Total)
	}
	if len(ds.Skipped) != 0 {
		t.Errorf("Skipped = %v, want none", ds.Skipped)
	}

	sch, err := schema.Lookup("incomes")
	if err != nil {
		t.Fatalf("schema.Lookup() error = %v", err)
	}
	if !reflect.DeepEqual(ds.Columns, sch.ColumnNames()) {
		t.Errorf("Columns = %v, want the canonical incomes order", ds.Columns)
	}

	// Rows keep first-seen order, every column present
	for i, row := range ds.Rows {
		wantID := fmt.Sprintf("%d", i+1)
		if row["id"] != wantID {
			t.Fatalf("row %d id = %q, want %q", i, row["id"], wantID)
		}
		if len(row) != len(ds.Columns) {
			t.Fatalf("row %d has %d columns, want %d", i, len(row), len(ds.Columns))
		}
	}

	first := ds.Rows[0]
	if first["last_name"] != "Declarant-1" {
		t.Errorf("last_name = %q, want Declarant-1", first["last_name"])
	}
	if first["income_source"] != "Employer-1" {
		t.Errorf("income_source = %q, want Employer-1", first["income_source"])
	}
	if first["amount"] != "1200000" {
		t.Errorf("amount = %q, want 1200000", first["amount"])
	}
	if first["submitted_at"] != "2025-01-15" {
		t.Errorf("submitted_at = %q, want 2025-01-15", first["submitted_at"])
	}
	if first["entries"] != "1" {
		t.Errorf("entries = %q, want 1", first["entries"])
	}
}

func TestExtract_Idempotent(t *testing.T) {
	mock := testutil.NewMockCPC()
	defer mock.Close()
	mock.SeedDeclarations(117)

	agg := newTestAggregator(t, mock, DefaultConfig())

	first, err := agg.Extract(context.Background(), incomesQuery())
	if err != nil {
		t.Fatalf("first Extract() error = %v", err)
	}
	second, err := agg.Extract(context.Background(), incomesQuery())
	if err != nil {
		t.Fatalf("second Extract() error = %v", err)
	}

	if len(second.Rows) != len(first.Rows) {
		t.Fatalf("row counts differ between runs: %d vs %d", len(first.Rows), len(second.Rows))
	}
	if !reflect.DeepEqual(first.Columns, second.Columns) {
		t.Errorf("column order differs between runs: %v vs %v", first.Columns, second.Columns)
	}
	if !reflect.DeepEqual(first.Rows, second.Rows) {
		t.Error("row content differs between runs against an unchanged registry")
	}
	if first.Anomalies != second.Anomalies || len(first.Skipped) != len(second.Skipped) {
		t.Errorf("counts differ between runs: anomalies %d vs %d, skipped %d vs %d",
			first.Anomalies, second.Anomalies, len(first.Skipped), len(second.Skipped))
	}
}

func TestExtract_DeduplicatesAcrossPages(t *testing.T) {
	mock := testutil.NewMockCPC()
	defer mock.Close()
	// id 7 appears on page 1 and again on page 2
	mock.SetRecords([]map[string]any{
		testutil.Summary(7),
		testutil.Summary(8),
		testutil.Summary(7),
		testutil.Summary(9),
	})
	for _, id := range []int64{7, 8, 9} {
		mock.SetDetail(id, testutil.IncomeDetail(id))
	}

	agg := newTestAggregator(t, mock, DefaultConfig())
	q := incomesQuery()
	q.PageSize = 2

	ds, err := agg.Extract(context.Background(), q)
	if err != nil {
		t.Fatalf("Extract() error = %v", err)
	}

	var gotIDs []string
	for _, row := range ds.Rows {
		gotIDs = append(gotIDs, row["id"])
	}
	wantIDs := []string{"7", "8", "9"}
	if !reflect.DeepEqual(gotIDs, wantIDs) {
		t.Errorf("row ids = %v, want %v (first occurrence wins)", gotIDs, wantIDs)
	}
	if len(ds.Skipped) != 0 {
		t.Errorf("Skipped = %v, duplicates must be dropped silently", ds.Skipped)
	}
}

func TestExtract_MissingIdentifierSkipped(t *testing.T) {
	mock := testutil.NewMockCPC()
	defer mock.Close()
	noID := map[string]any{"lastName": "Anonymous", "year": 2024}
	mock.SetRecords([]map[string]any{
		testutil.Summary(1),
		noID,
		testutil.Summary(3),
	})
	mock.SetDetail(1, testutil.IncomeDetail(1))
	mock.SetDetail(3, testutil.IncomeDetail(3))

	agg := newTestAggregator(t, mock, DefaultConfig())

	ds, err := agg.Extract(context.Background(), incomesQuery())
	if err != nil {
		t.Fatalf("Extract() error = %v, a record without an identifier must not fail the run", err)
	}

	if len(ds.Rows) != 2 {
		t.Errorf("Rows = %d, want 2", len(ds.Rows))
	}
	if len(ds.Skipped) != 1 {
		t.Fatalf("Skipped = %v, want exactly one entry", ds.Skipped)
	}
	if ds.Skipped[0].ID != 0 {
		t.Errorf("Skipped[0].ID = %d, want 0 for a record without one", ds.Skipped[0].ID)
	}
	if ds.Skipped[0].Reason == "" {
		t.Error("Skipped[0].Reason is empty")
	}
	if ds.Anomalies != 1 {
		t.Errorf("Anomalies = %d, want 1", ds.Anomalies)
	}
}

func TestExtract_DetailFailureSkipped(t *testing.T) {
	mock := testutil.NewMockCPC()
	defer mock.Close()
	mock.SeedDeclarations(3)
	mock.FailDetail(2, http.StatusNotFound, -1)

	agg := newTestAggregator(t, mock, DefaultConfig())

	ds, err := agg.Extract(context.Background(), incomesQuery())
	if err != nil {
		t.Fatalf("Extract() error = %v, a failed detail fetch must not fail the run", err)
	}

	var gotIDs []string
	for _, row := range ds.Rows {
		gotIDs = append(gotIDs, row["id"])
	}
	if !reflect.DeepEqual(gotIDs, []string{"1", "3"}) {
		t.Errorf("row ids = %v, want [1 3]", gotIDs)
	}
	if len(ds.Skipped) != 1 || ds.Skipped[0].ID != 2 {
		t.Fatalf("Skipped = %v, want the one record whose detail failed", ds.Skipped)
	}
	if ds.Skipped[0].Reason == "" {
		t.Error("Skipped[0].Reason is empty")
	}
}

func TestExtract_PageFailureReturnsPartial(t *testing.T) {
	mock := testutil.NewMockCPC()
	defer mock.Close()
	mock.SeedDeclarations(100)
	mock.FailPage(2, http.StatusInternalServerError, -1)

	agg := newTestAggregator(t, mock, DefaultConfig())

	ds, err := agg.Extract(context.Background(), incomesQuery())
	if err == nil {
		t.Fatal("Extract() succeeded despite page 2 failing every attempt")
	}

	var pageErr *PageError
	if !errors.As(err, &pageErr) {
		t.Fatalf("Extract() error = %v, want a *PageError", err)
	}
	if pageErr.LastPage != 1 {
		t.Errorf("LastPage = %d, want 1", pageErr.LastPage)
	}
	if !errors.Is(err, client.ErrRetryExhausted) {
		t.Errorf("error = %v, want it to wrap ErrRetryExhausted", err)
	}
	if !client.IsTransient(err) {
		t.Error("IsTransient() = false for an exhausted 500")
	}

	// The partial dataset covers everything up to the failure
	if ds == nil {
		t.Fatal("Extract() returned a nil dataset alongside the page error")
	}
	if len(ds.Rows) != 50 {
		t.Errorf("partial Rows = %d, want 50", len(ds.Rows))
	}
	if ds.Pages != 1 {
		t.Errorf("partial Pages = %d, want 1", ds.Pages)
	}
}

func TestExtract_PermanentFailureAborts(t *testing.T) {
	mock := testutil.NewMockCPC()
	defer mock.Close()
	mock.SeedDeclarations(10)
	mock.FailPage(1, http.StatusForbidden, -1)

	agg := newTestAggregator(t, mock, DefaultConfig())

	ds, err := agg.Extract(context.Background(), incomesQuery())
	if err == nil {
		t.Fatal("Extract() succeeded despite a 403")
	}

	var pageErr *PageError
	if !errors.As(err, &pageErr) {
		t.Fatalf("Extract() error = %v, want a *PageError", err)
	}
	if pageErr.LastPage != 0 {
		t.Errorf("LastPage = %d, want 0", pageErr.LastPage)
	}
	if !client.IsPermanent(err) {
		t.Error("IsPermanent() = false for a 403")
	}
	if mock.ListingCalls() != 1 {
		t.Errorf("ListingCalls = %d, want 1 (no retry for 4xx)", mock.ListingCalls())
	}
	if len(ds.Rows) != 0 {
		t.Errorf("Rows = %d, want 0", len(ds.Rows))
	}
}

func TestExtract_PaginationOverrun(t *testing.T) {
	mock := testutil.NewMockCPC()
	defer mock.Close()

	// A listing that always reports more pages than the ceiling allows
	next := int64(0)
	mock.SetHandler("/declarations", func(w http.ResponseWriter, r *http.Request) {
		data := []map[string]any{
			testutil.Summary(next + 1),
			testutil.Summary(next + 2),
		}
		next += 2
		writeListing(w, data, 1_000_000)
	})

	agg := newTestAggregator(t, mock, Config{MaxPages: 3})
	q := incomesQuery()
	q.PageSize = 2

	ds, err := agg.Extract(context.Background(), q)
	if !errors.Is(err, ErrPaginationOverrun) {
		t.Fatalf("Extract() error = %v, want ErrPaginationOverrun", err)
	}

	var pageErr *PageError
	if !errors.As(err, &pageErr) {
		t.Fatalf("Extract() error = %v, want a *PageError", err)
	}
	if pageErr.LastPage != 3 {
		t.Errorf("LastPage = %d, want 3", pageErr.LastPage)
	}
	if ds.Pages != 3 {
		t.Errorf("Pages = %d, want the ceiling of 3", ds.Pages)
	}
}

func TestExtract_InvalidQuery(t *testing.T) {
	mock := testutil.NewMockCPC()
	defer mock.Close()

	agg := newTestAggregator(t, mock, DefaultConfig())

	tests := []struct {
		name  string
		query client.Query
	}{
		{"missing year", client.Query{RecordType: "incomes"}},
		{"unknown record type", client.Query{Year: 2024, RecordType: "pets"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ds, err := agg.Extract(context.Background(), tt.query)
			if !errors.Is(err, client.ErrInvalidQuery) {
				t.Errorf("Extract() error = %v, want ErrInvalidQuery", err)
			}
			if ds != nil {
				t.Errorf("Extract() dataset = %v, want nil", ds)
			}
		})
	}

	if mock.ListingCalls() != 0 {
		t.Errorf("ListingCalls = %d, want 0 for invalid queries", mock.ListingCalls())
	}
}

func TestExtract_RetryIDsNarrowTheRun(t *testing.T) {
	mock := testutil.NewMockCPC()
	defer mock.Close()
	mock.SeedDeclarations(5)

	agg := newTestAggregator(t, mock, DefaultConfig())
	q := incomesQuery()
	q.RetryIDs = []int64{2, 4}

	ds, err := agg.Extract(context.Background(), q)
	if err != nil {
		t.Fatalf("Extract() error = %v", err)
	}

	var gotIDs []string
	for _, row := range ds.Rows {
		gotIDs = append(gotIDs, row["id"])
	}
	if !reflect.DeepEqual(gotIDs, []string{"2", "4"}) {
		t.Errorf("row ids = %v, want [2 4]", gotIDs)
	}
	// Only the listed records get their details fetched
	if mock.DetailCalls() != 2 {
		t.Errorf("DetailCalls = %d, want 2", mock.DetailCalls())
	}
}

func TestExtract_CancelledBeforeStart(t *testing.T) {
	mock := testutil.NewMockCPC()
	defer mock.Close()
	mock.SeedDeclarations(10)

	agg := newTestAggregator(t, mock, DefaultConfig())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ds, err := agg.Extract(ctx, incomesQuery())
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Extract() error = %v, want context.Canceled", err)
	}
	if mock.ListingCalls() != 0 {
		t.Errorf("ListingCalls = %d, want 0", mock.ListingCalls())
	}
	if ds == nil || ds.Pages != 0 {
		t.Errorf("dataset = %+v, want an empty partial dataset", ds)
	}
}

func TestExtract_ReportsProgressPerPage(t *testing.T) {
	mock := testutil.NewMockCPC()
	defer mock.Close()
	mock.SeedDeclarations(117)

	ccfg := client.DefaultConfig(mock.URL(), "cpc-extract-tests/1.0")
	c, err := client.New(ccfg)
	if err != nil {
		t.Fatalf("client.New() error = %v", err)
	}

	type tick struct{ done, total int }
	var ticks []tick
	cfg := DefaultConfig()
	cfg.Progress = func(done, total int) {
		ticks = append(ticks, tick{done, total})
	}

	if _, err := New(c, cfg).Extract(context.Background(), incomesQuery()); err != nil {
		t.Fatalf("Extract() error = %v", err)
	}

	want := []tick{{50, 117}, {100, 117}, {117, 117}}
	if !reflect.DeepEqual(ticks, want) {
		t.Errorf("progress ticks = %v, want %v", ticks, want)
	}
}

func TestExtract_EmptyRegistry(t *testing.T) {
	mock := testutil.NewMockCPC()
	defer mock.Close()

	agg := newTestAggregator(t, mock, DefaultConfig())

	ds, err := agg.Extract(context.Background(), incomesQuery())
	if err != nil {
		t.Fatalf("Extract() error = %v, an empty registry is a valid result", err)
	}
	if len(ds.Rows) != 0 {
		t.Errorf("Rows = %d, want 0", len(ds.Rows))
	}
	if ds.Pages != 1 {
		t.Errorf("Pages = %d, want 1", ds.Pages)
	}
}

// writeListing emits a registry listing response for handler overrides.
func writeListing(w http.ResponseWriter, data []map[string]any, total int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"data":%s,"paging":{"total":%d}}`, mustJSON(data), total)
}

func mustJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return string(b)
}

package pipeline

import (
	"context"
	"errors"
	"io"
	"net/http"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/openarmenia/cpc-extract/internal/testutil"
	"github.com/openarmenia/cpc-extract/pkg/client"
	"github.com/openarmenia/cpc-extract/pkg/storage"
)

func newTestClient(t *testing.T, mock *testutil.MockCPC) *client.Client {
	t.Helper()

	cfg := client.DefaultConfig(mock.URL(), "cpc-extract-tests/1.0")
	cfg.Retry = client.RetryPolicy{
		MaxAttempts:       3,
		InitialBackoff:    2 * time.Millisecond,
		MaxBackoff:        20 * time.Millisecond,
		BackoffMultiplier: 2.0,
	}

	c, err := client.New(cfg)
	if err != nil {
		t.Fatalf("client.New() error = %v", err)
	}
	return c
}

func newTestStore(t *testing.T) *storage.Dir {
	t.Helper()

	store, err := storage.NewDir(t.TempDir())
	if err != nil {
		t.Fatalf("storage.NewDir() error = %v", err)
	}
	return store
}

func incomesQuery() client.Query {
	return client.Query{Year: 2024, RecordType: "incomes", PageSize: 50}
}

// storeNames lists the artifacts currently on a store.
func storeNames(t *testing.T, store storage.Store) []string {
	t.Helper()

	names, err := store.List(context.Background())
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	return names
}

func TestRun_Success(t *testing.T) {
	mock := testutil.NewMockCPC()
	defer mock.Close()
	mock.SeedDeclarations(117)

	store := newTestStore(t)

	var states []State
	var ticks int
	o := New(newTestClient(t, mock), store, Config{
		Progress: func(done, total int) { ticks++ },
		OnState:  func(s State) { states = append(states, s) },
	})

	res := o.RunWithID(context.Background(), "run-1", incomesQuery())

	if !res.OK() {
		t.Fatalf("Run state = %s, failure = %+v, want done", res.State, res.Failure)
	}
	if res.Rows != 117 {
		t.Errorf("Rows = %d, want 117", res.Rows)
	}
	if res.Pages != 3 {
		t.Errorf("Pages = %d, want 3", res.Pages)
	}
	if res.Skipped != 0 || res.Anomalies != 0 {
		t.Errorf("Skipped/Anomalies = %d/%d, want 0/0", res.Skipped, res.Anomalies)
	}
	if res.CSVPath != store.Path("run-1.csv") {
		t.Errorf("CSVPath = %q, want %q", res.CSVPath, store.Path("run-1.csv"))
	}

	wantStates := []State{StateIdle, StateFetching, StateNormalizing, StateWriting, StateDone}
	if !reflect.DeepEqual(states, wantStates) {
		t.Errorf("state sequence = %v, want %v", states, wantStates)
	}
	if ticks != 3 {
		t.Errorf("progress ticks = %d, want 3 (one per page)", ticks)
	}

	// The CSV holds a header plus one line per row
	f, err := store.Open(context.Background(), "run-1.csv")
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	content, _ := io.ReadAll(f)
	f.Close()
	if got := strings.Count(string(content), "\n"); got != 118 {
		t.Errorf("CSV has %d lines, want 118", got)
	}

	// The sidecar describes the run
	md, err := LoadMetadata(context.Background(), store, "run-1")
	if err != nil {
		t.Fatalf("LoadMetadata() error = %v", err)
	}
	if md.RunID != "run-1" || md.Rows != 117 || md.CSVFile != "run-1.csv" {
		t.Errorf("metadata = %+v, want run-1 with 117 rows", md)
	}
	if md.Query.RecordType != "incomes" || md.Query.Year != 2024 {
		t.Errorf("metadata query = %+v, want the run's query", md.Query)
	}
	if md.SavedAt.IsZero() {
		t.Error("metadata SavedAt is zero")
	}
}

func TestRun_AssignsRunID(t *testing.T) {
	mock := testutil.NewMockCPC()
	defer mock.Close()
	mock.SeedDeclarations(1)

	o := New(newTestClient(t, mock), newTestStore(t), Config{})

	res := o.Run(context.Background(), incomesQuery())
	if !res.OK() {
		t.Fatalf("Run state = %s, want done", res.State)
	}
	if res.RunID == "" {
		t.Error("RunID is empty")
	}
}

func TestRun_TransientFailureLeavesNoFile(t *testing.T) {
	mock := testutil.NewMockCPC()
	defer mock.Close()
	mock.SeedDeclarations(100)
	mock.FailPage(2, http.StatusInternalServerError, -1)

	store := newTestStore(t)
	o := New(newTestClient(t, mock), store, Config{})

	res := o.RunWithID(context.Background(), "run-1", incomesQuery())

	if res.State != StateFailed {
		t.Fatalf("Run state = %s, want failed", res.State)
	}
	if res.Failure == nil {
		t.Fatal("Failure is nil")
	}
	if res.Failure.Kind != FailureTransientUpstream {
		t.Errorf("Failure.Kind = %s, want %s", res.Failure.Kind, FailureTransientUpstream)
	}
	if res.Failure.LastPage != 1 {
		t.Errorf("Failure.LastPage = %d, want 1", res.Failure.LastPage)
	}
	// Partial rows are reported in counts only
	if res.Rows != 50 {
		t.Errorf("Rows = %d, want 50 accumulated before the failure", res.Rows)
	}
	if names := storeNames(t, store); len(names) != 0 {
		t.Errorf("artifacts = %v, want none for a failed run", names)
	}
}

func TestRun_PermanentFailure(t *testing.T) {
	mock := testutil.NewMockCPC()
	defer mock.Close()
	mock.SeedDeclarations(10)
	mock.FailPage(1, http.StatusForbidden, -1)

	store := newTestStore(t)
	o := New(newTestClient(t, mock), store, Config{})

	res := o.RunWithID(context.Background(), "run-1", incomesQuery())

	if res.State != StateFailed || res.Failure == nil {
		t.Fatalf("Run = %+v, want failed with a failure descriptor", res)
	}
	if res.Failure.Kind != FailurePermanentUpstream {
		t.Errorf("Failure.Kind = %s, want %s", res.Failure.Kind, FailurePermanentUpstream)
	}
	if names := storeNames(t, store); len(names) != 0 {
		t.Errorf("artifacts = %v, want none", names)
	}
}

func TestRun_PaginationOverrun(t *testing.T) {
	mock := testutil.NewMockCPC()
	defer mock.Close()
	mock.SetHandler("/declarations", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		// Always a full page of two, total far beyond the ceiling
		io.WriteString(w, `{"data":[{"id":1},{"id":2}],"paging":{"total":1000000}}`)
	})

	store := newTestStore(t)
	o := New(newTestClient(t, mock), store, Config{})
	o.config.Aggregate.MaxPages = 2

	q := incomesQuery()
	q.PageSize = 2

	res := o.RunWithID(context.Background(), "run-1", q)

	if res.State != StateFailed || res.Failure == nil {
		t.Fatalf("Run = %+v, want failed", res)
	}
	if res.Failure.Kind != FailurePaginationOverrun {
		t.Errorf("Failure.Kind = %s, want %s", res.Failure.Kind, FailurePaginationOverrun)
	}
	if names := storeNames(t, store); len(names) != 0 {
		t.Errorf("artifacts = %v, want none", names)
	}
}

func TestRun_InvalidQuery(t *testing.T) {
	mock := testutil.NewMockCPC()
	defer mock.Close()

	o := New(newTestClient(t, mock), newTestStore(t), Config{})

	res := o.RunWithID(context.Background(), "run-1", client.Query{RecordType: "incomes"})

	if res.State != StateFailed || res.Failure == nil {
		t.Fatalf("Run = %+v, want failed", res)
	}
	if res.Failure.Kind != FailureInvalidQuery {
		t.Errorf("Failure.Kind = %s, want %s", res.Failure.Kind, FailureInvalidQuery)
	}
	if mock.ListingCalls() != 0 {
		t.Errorf("ListingCalls = %d, want 0", mock.ListingCalls())
	}
}

func TestRun_CancelledLeavesNoFile(t *testing.T) {
	mock := testutil.NewMockCPC()
	defer mock.Close()
	mock.SeedDeclarations(100)

	store := newTestStore(t)

	// Cancel as soon as the first page has been consumed
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	o := New(newTestClient(t, mock), store, Config{
		Progress: func(done, total int) { cancel() },
	})

	q := incomesQuery()
	q.PageSize = 50

	res := o.RunWithID(ctx, "run-1", q)

	if res.State != StateFailed || res.Failure == nil {
		t.Fatalf("Run = %+v, want failed", res)
	}
	if res.Failure.Kind != FailureCancelled {
		t.Errorf("Failure.Kind = %s, want %s", res.Failure.Kind, FailureCancelled)
	}
	if names := storeNames(t, store); len(names) != 0 {
		t.Errorf("artifacts = %v, want none after cancellation", names)
	}
}

func TestRun_StorageFailure(t *testing.T) {
	mock := testutil.NewMockCPC()
	defer mock.Close()
	mock.SeedDeclarations(5)

	store := &failingStore{failSuffix: ".csv"}
	o := New(newTestClient(t, mock), store, Config{})

	res := o.RunWithID(context.Background(), "run-1", incomesQuery())

	if res.State != StateFailed || res.Failure == nil {
		t.Fatalf("Run = %+v, want failed", res)
	}
	if res.Failure.Kind != FailureStorageWrite {
		t.Errorf("Failure.Kind = %s, want %s", res.Failure.Kind, FailureStorageWrite)
	}
}

func TestRun_SidecarFailureRemovesCSV(t *testing.T) {
	mock := testutil.NewMockCPC()
	defer mock.Close()
	mock.SeedDeclarations(5)

	dir := newTestStore(t)
	store := &failingStore{inner: dir, failSuffix: ".json"}
	o := New(newTestClient(t, mock), store, Config{})

	res := o.RunWithID(context.Background(), "run-1", incomesQuery())

	if res.State != StateFailed || res.Failure == nil {
		t.Fatalf("Run = %+v, want failed", res)
	}
	if res.Failure.Kind != FailureStorageWrite {
		t.Errorf("Failure.Kind = %s, want %s", res.Failure.Kind, FailureStorageWrite)
	}
	if names := storeNames(t, dir); len(names) != 0 {
		t.Errorf("artifacts = %v, want the CSV removed after the sidecar failed", names)
	}
}

func TestRun_SkippedRecordStillSucceeds(t *testing.T) {
	mock := testutil.NewMockCPC()
	defer mock.Close()
	mock.SetRecords([]map[string]any{
		testutil.Summary(1),
		{"lastName": "Anonymous"}, // no identifier
	})
	mock.SetDetail(1, testutil.IncomeDetail(1))

	store := newTestStore(t)
	o := New(newTestClient(t, mock), store, Config{})

	res := o.RunWithID(context.Background(), "run-1", incomesQuery())

	if !res.OK() {
		t.Fatalf("Run state = %s, failure = %+v, want done", res.State, res.Failure)
	}
	if res.Rows != 1 || res.Skipped != 1 || res.Anomalies != 1 {
		t.Errorf("Rows/Skipped/Anomalies = %d/%d/%d, want 1/1/1", res.Rows, res.Skipped, res.Anomalies)
	}

	md, err := LoadMetadata(context.Background(), store, "run-1")
	if err != nil {
		t.Fatalf("LoadMetadata() error = %v", err)
	}
	if len(md.Skipped) != 1 {
		t.Errorf("metadata skipped = %v, want one entry", md.Skipped)
	}
}

func TestRun_ZeroRecordsHeaderOnly(t *testing.T) {
	mock := testutil.NewMockCPC()
	defer mock.Close()

	store := newTestStore(t)
	o := New(newTestClient(t, mock), store, Config{})

	res := o.RunWithID(context.Background(), "run-1", incomesQuery())

	if !res.OK() {
		t.Fatalf("Run state = %s, want done for an empty registry", res.State)
	}
	if res.Rows != 0 {
		t.Errorf("Rows = %d, want 0", res.Rows)
	}

	f, err := store.Open(context.Background(), "run-1.csv")
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	content, _ := io.ReadAll(f)
	f.Close()
	if got := strings.Count(string(content), "\n"); got != 1 {
		t.Errorf("CSV has %d lines, want 1 (header only)", got)
	}
}

func TestHistory_NewestFirst(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	for i, runID := range []string{"old", "middle", "new"} {
		md := Metadata{
			RunID:   runID,
			Query:   incomesQuery(),
			CSVFile: runID + ".csv",
			Status:  string(StateDone),
			SavedAt: base.Add(time.Duration(i) * time.Hour),
		}
		if err := saveMetadata(ctx, store, md); err != nil {
			t.Fatalf("saveMetadata(%s) error = %v", runID, err)
		}
	}

	// A stray unreadable sidecar must not break the listing
	w, err := store.Create(ctx, "corrupt.json")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	io.WriteString(w, "{not json")
	w.Close()

	history, err := History(ctx, store)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}

	var got []string
	for _, md := range history {
		got = append(got, md.RunID)
	}
	want := []string{"new", "middle", "old"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("History() order = %v, want %v", got, want)
	}
}

func TestLoadMetadata_Missing(t *testing.T) {
	store := newTestStore(t)

	if _, err := LoadMetadata(context.Background(), store, "nope"); err == nil {
		t.Error("LoadMetadata() succeeded for a missing sidecar")
	}
}

// failingStore rejects writes for artifacts with a given suffix and
// delegates everything else to an optional inner store.
type failingStore struct {
	inner      storage.Store
	failSuffix string
}

func (s *failingStore) Create(ctx context.Context, name string) (io.WriteCloser, error) {
	if strings.HasSuffix(name, s.failSuffix) {
		return nil, errors.New("destination not writable")
	}
	if s.inner == nil {
		return nopWriteCloser{}, nil
	}
	return s.inner.Create(ctx, name)
}

func (s *failingStore) Open(ctx context.Context, name string) (io.ReadCloser, error) {
	if s.inner == nil {
		return nil, errors.New("not implemented")
	}
	return s.inner.Open(ctx, name)
}

func (s *failingStore) Remove(ctx context.Context, name string) error {
	if s.inner == nil {
		return nil
	}
	return s.inner.Remove(ctx, name)
}

func (s *failingStore) List(ctx context.Context) ([]string, error) {
	if s.inner == nil {
		return nil, nil
	}
	return s.inner.List(ctx)
}

func (s *failingStore) Path(name string) string {
	if s.inner == nil {
		return "fake://" + name
	}
	return s.inner.Path(name)
}

type nopWriteCloser struct{}

func (nopWriteCloser) Write(p []byte) (int, error) { return len(p), nil }
func (nopWriteCloser) Close() error                { return nil }

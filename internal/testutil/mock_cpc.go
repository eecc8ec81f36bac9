// Package testutil provides testing utilities for the extraction pipeline.
package testutil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
)

// failurePlan makes an endpoint fail with a fixed status a number of times.
type failurePlan struct {
	status     int
	times      int // negative means always
	retryAfter string
}

func (p *failurePlan) consume() bool {
	if p == nil || p.times == 0 {
		return false
	}
	if p.times > 0 {
		p.times--
	}
	return true
}

// ListingRequest captures the last payload sent to the listing endpoint.
type ListingRequest struct {
	Filter map[string]any
	Offset int
	Limit  int
}

// MockCPC is a configurable fake declaration registry for tests. It serves
// real offset-based paging over a seeded record set, per-record detail
// documents, and scripted failures.
type MockCPC struct {
	server *httptest.Server
	mu     sync.RWMutex

	records        []map[string]any
	details        map[int64]map[string]any
	pageFailures   map[int]*failurePlan
	detailFailures map[int64]*failurePlan
	handlers       map[string]http.HandlerFunc
	reportedTotal  *int

	listingCalls  int
	detailCalls   int
	lastUserAgent string
	lastListing   ListingRequest
}

// NewMockCPC creates a fake registry server. Callers must Close it.
func NewMockCPC() *MockCPC {
	mock := &MockCPC{
		details:        make(map[int64]map[string]any),
		pageFailures:   make(map[int]*failurePlan),
		detailFailures: make(map[int64]*failurePlan),
		handlers:       make(map[string]http.HandlerFunc),
	}

	mock.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mock.mu.Lock()
		mock.lastUserAgent = r.Header.Get("User-Agent")
		mock.mu.Unlock()

		mock.mu.RLock()
		handler, exists := mock.handlers[r.URL.Path]
		mock.mu.RUnlock()

		if exists {
			handler(w, r)
			return
		}

		switch {
		case r.URL.Path == "/declarations" && r.Method == http.MethodPost:
			mock.handleListing(w, r)
		case strings.HasPrefix(r.URL.Path, "/declaration/") && r.Method == http.MethodGet:
			mock.handleDetail(w, r)
		default:
			writeJSON(w, http.StatusNotFound, map[string]any{"error": "unknown endpoint"})
		}
	}))

	return mock
}

// URL returns the fake registry's base URL.
func (m *MockCPC) URL() string {
	return m.server.URL
}

// Close shuts down the fake registry.
func (m *MockCPC) Close() {
	m.server.Close()
}

// SetRecords replaces the seeded declaration summaries. Order is the
// registry's listing order.
func (m *MockCPC) SetRecords(records []map[string]any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = records
}

// SetDetail registers the detail document served for one record identifier.
func (m *MockCPC) SetDetail(id int64, doc map[string]any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.details[id] = doc
}

// SeedDeclarations seeds n consecutive declarations, ids 1..n, each with a
// single-entry incomes section in its detail document.
func (m *MockCPC) SeedDeclarations(n int) {
	records := make([]map[string]any, 0, n)
	for i := 1; i <= n; i++ {
		id := int64(i)
		records = append(records, Summary(id))
		m.SetDetail(id, IncomeDetail(id))
	}
	m.SetRecords(records)
}

// ReportTotal overrides the advisory total the listing endpoint reports,
// regardless of how many records are actually seeded. Registries misreport
// this in the wild.
func (m *MockCPC) ReportTotal(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reportedTotal = &n
}

// FailPage scripts the listing endpoint to answer the given page index
// (1-based) with an HTTP status, times times. Negative times means always.
func (m *MockCPC) FailPage(index, status, times int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pageFailures[index] = &failurePlan{status: status, times: times}
}

// RateLimitPage scripts a 429 with a Retry-After header for a page index.
func (m *MockCPC) RateLimitPage(index, retryAfterSeconds, times int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pageFailures[index] = &failurePlan{
		status:     http.StatusTooManyRequests,
		times:      times,
		retryAfter: strconv.Itoa(retryAfterSeconds),
	}
}

// FailDetail scripts the detail endpoint for one record to answer with an
// HTTP status, times times. Negative times means always.
func (m *MockCPC) FailDetail(id int64, status, times int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.detailFailures[id] = &failurePlan{status: status, times: times}
}

// SetHandler overrides a path with a custom handler.
func (m *MockCPC) SetHandler(path string, handler http.HandlerFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[path] = handler
}

// ListingCalls returns how many listing requests the registry served.
func (m *MockCPC) ListingCalls() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listingCalls
}

// DetailCalls returns how many detail requests the registry served.
func (m *MockCPC) DetailCalls() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.detailCalls
}

// LastUserAgent returns the User-Agent header of the most recent request.
func (m *MockCPC) LastUserAgent() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastUserAgent
}

// LastListing returns the most recent listing payload.
func (m *MockCPC) LastListing() ListingRequest {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastListing
}

func (m *MockCPC) handleListing(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Filter map[string]any `json:"filter"`
		Paging struct {
			Offset int `json:"offset"`
			Limit  int `json:"limit"`
		} `json:"paging"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "malformed payload"})
		return
	}

	offset, limit := payload.Paging.Offset, payload.Paging.Limit
	if limit <= 0 {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "limit required"})
		return
	}

	m.mu.Lock()
	m.listingCalls++
	m.lastListing = ListingRequest{Filter: payload.Filter, Offset: offset, Limit: limit}
	pageIndex := offset/limit + 1
	plan := m.pageFailures[pageIndex]
	fail := plan.consume()
	total := len(m.records)
	if m.reportedTotal != nil {
		total = *m.reportedTotal
	}

	var data []map[string]any
	if !fail {
		lo := offset
		if lo > len(m.records) {
			lo = len(m.records)
		}
		hi := lo + limit
		if hi > len(m.records) {
			hi = len(m.records)
		}
		data = m.records[lo:hi]
	}
	m.mu.Unlock()

	if fail {
		if plan.retryAfter != "" {
			w.Header().Set("Retry-After", plan.retryAfter)
		}
		writeJSON(w, plan.status, map[string]any{"error": http.StatusText(plan.status)})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"data":   data,
		"paging": map[string]any{"total": total},
	})
}

func (m *MockCPC) handleDetail(w http.ResponseWriter, r *http.Request) {
	idStr := strings.TrimPrefix(r.URL.Path, "/declaration/")
	id, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "bad record id"})
		return
	}

	m.mu.Lock()
	m.detailCalls++
	plan := m.detailFailures[id]
	fail := plan.consume()
	doc, ok := m.details[id]
	m.mu.Unlock()

	if fail {
		writeJSON(w, plan.status, map[string]any{"error": http.StatusText(plan.status)})
		return
	}
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "declaration not found"})
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

// Summary builds a plausible declaration summary for tests.
func Summary(id int64) map[string]any {
	return map[string]any{
		"id":              id,
		"lastName":        fmt.Sprintf("Declarant-%d", id),
		"firstName":       "Test",
		"position":        "Inspector",
		"institutionName": "Ministry of Testing",
		"typeName":        "Annual",
		"year":            2024,
		"submittingDate":  "15.01.2025",
	}
}

// IncomeDetail builds a detail document with one incomes entry for tests.
func IncomeDetail(id int64) map[string]any {
	return map[string]any{
		"incomes": []any{
			map[string]any{
				"incomeType": "Salary",
				"source":     fmt.Sprintf("Employer-%d", id),
				"amount":     "1200000",
				"currency":   "AMD",
			},
		},
	}
}

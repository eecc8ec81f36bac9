// Package aggregate drives the registry client across every page of a query
// and accumulates normalized rows into a Dataset. Pages are fetched strictly
// in sequence; only the detail fan-out within one page runs concurrently.
package aggregate

import (
	"context"
	"fmt"

	"github.com/openarmenia/cpc-extract/pkg/batch"
	"github.com/openarmenia/cpc-extract/pkg/client"
	"github.com/openarmenia/cpc-extract/pkg/normalize"
	"github.com/openarmenia/cpc-extract/pkg/schema"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Prometheus metrics for extraction runs.
var (
	cpcPagesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cpc_extraction_pages_total",
		Help: "Total pages fetched across all extraction runs",
	})

	cpcRowsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cpc_extraction_rows_total",
		Help: "Total rows accumulated across all extraction runs",
	})

	cpcSkippedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cpc_extraction_skipped_records_total",
		Help: "Total records skipped during extraction by reason",
	}, []string{"reason"})

	cpcAnomaliesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cpc_extraction_anomalies_total",
		Help: "Total non-fatal normalization anomalies across all runs",
	})
)

// DefaultMaxPages is the pagination safety ceiling. A full year of
// declarations stays in the low hundreds of pages.
const DefaultMaxPages = 1000

// Client is the upstream surface the aggregator drives.
type Client interface {
	FetchPage(ctx context.Context, q client.Query, token client.PageToken) (*client.Page, error)
	FetchDetail(ctx context.Context, id int64) (client.Detail, error)
}

// Config holds aggregator configuration.
type Config struct {
	// MaxPages caps the page walk. Zero means DefaultMaxPages.
	MaxPages int

	// Detail configures the per-page detail fan-out pool.
	Detail batch.Config

	// Progress, when set, is called after each page is consumed with the
	// number of records processed so far and the advisory upstream total
	// (zero while upstream has not reported one).
	Progress func(done, total int)
}

// DefaultConfig returns safe defaults for the registry.
func DefaultConfig() Config {
	return Config{
		MaxPages: DefaultMaxPages,
		Detail:   batch.DefaultConfig(),
	}
}

// Aggregator accumulates normalized declaration rows across pages.
type Aggregator struct {
	client  Client
	details *batch.Fetcher
	config  Config
	logger  zerolog.Logger
}

// New creates a new aggregator on top of a registry client.
func New(c Client, cfg Config) *Aggregator {
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = DefaultMaxPages
	}

	return &Aggregator{
		client:  c,
		details: batch.NewFetcher(c, cfg.Detail),
		config:  cfg,
		logger:  log.With().Str("component", "aggregator").Logger(),
	}
}

// Extract walks every page of the query and returns the accumulated dataset.
//
// Duplicate identifiers across pages keep their first occurrence; records
// whose detail fetch failed are skipped with a reason and the walk continues.
// When the walk stops early (page fetch failure, pagination overrun,
// cancellation) Extract returns the partial dataset together with a
// *PageError carrying the last page that succeeded.
func (a *Aggregator) Extract(ctx context.Context, q client.Query) (*Dataset, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	sch, err := schema.Lookup(q.RecordType)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", client.ErrInvalidQuery, err)
	}

	// RetryIDs narrows the run to re-fetching previously failed records.
	var retryOnly map[int64]struct{}
	if len(q.RetryIDs) > 0 {
		retryOnly = make(map[int64]struct{}, len(q.RetryIDs))
		for _, id := range q.RetryIDs {
			retryOnly[id] = struct{}{}
		}
	}

	ds := &Dataset{Columns: sch.ColumnNames()}
	seen := make(map[int64]struct{})
	token := client.PageToken{}
	lastPage := 0
	processed := 0

	for {
		if err := ctx.Err(); err != nil {
			return ds, &PageError{LastPage: lastPage, Err: fmt.Errorf("extraction cancelled: %w", err)}
		}
		if ds.Pages >= a.config.MaxPages {
			return ds, &PageError{
				LastPage: lastPage,
				Err:      fmt.Errorf("%w: %d pages", ErrPaginationOverrun, a.config.MaxPages),
			}
		}

		page, err := a.client.FetchPage(ctx, q, token)
		if err != nil {
			return ds, &PageError{LastPage: lastPage, Err: err}
		}
		ds.Pages++
		lastPage = page.Index
		if page.Total > 0 {
			ds.Total = page.Total
		}
		cpcPagesTotal.Inc()

		a.logger.Debug().
			Int("page", page.Index).
			Int("records", len(page.Records)).
			Int("total", page.Total).
			Msg("Page fetched")

		if err := a.consumePage(ctx, page, sch, ds, seen, retryOnly); err != nil {
			return ds, &PageError{LastPage: lastPage, Err: fmt.Errorf("extraction cancelled: %w", err)}
		}

		processed += len(page.Records)
		if a.config.Progress != nil {
			a.config.Progress(processed, ds.Total)
		}

		if page.Next.IsZero() {
			break
		}
		token = page.Next
	}

	a.logger.Info().
		Str("record_type", q.RecordType).
		Int("year", q.Year).
		Int("pages", ds.Pages).
		Int("rows", len(ds.Rows)).
		Int("skipped", len(ds.Skipped)).
		Int("anomalies", ds.Anomalies).
		Msg("Extraction complete")

	return ds, nil
}

// consumePage resolves detail documents for one page and appends normalized
// rows in page order. Returns a non-nil error only on context cancellation.
func (a *Aggregator) consumePage(ctx context.Context, page *client.Page, sch schema.Schema, ds *Dataset, seen map[int64]struct{}, retryOnly map[int64]struct{}) error {
	type pending struct {
		id  int64
		rec client.RawRecord
	}

	// Step 1: collect identifiers in page order, dropping duplicates and
	// records that never carried one.
	order := make([]pending, 0, len(page.Records))
	ids := make([]int64, 0, len(page.Records))
	for _, rec := range page.Records {
		id, ok := rec.ID()
		if !ok {
			ds.Skipped = append(ds.Skipped, SkippedRecord{Reason: "missing identifier"})
			ds.Anomalies++
			cpcSkippedTotal.WithLabelValues("missing_identifier").Inc()
			a.logger.Warn().Int("page", page.Index).Msg("Record skipped: missing identifier")
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		if retryOnly != nil {
			if _, wanted := retryOnly[id]; !wanted {
				continue
			}
		}
		seen[id] = struct{}{}
		order = append(order, pending{id: id, rec: rec})
		ids = append(ids, id)
	}

	// Step 2: fan out the detail fetches for this page.
	details, failures := a.details.FetchAll(ctx, ids)
	if err := ctx.Err(); err != nil {
		return err
	}
	failed := make(map[int64]string, len(failures))
	for _, f := range failures {
		failed[f.ID] = f.Reason
	}

	// Step 3: normalize in page order.
	for _, p := range order {
		if reason, ok := failed[p.id]; ok {
			ds.Skipped = append(ds.Skipped, SkippedRecord{ID: p.id, Reason: reason})
			ds.Anomalies++
			cpcSkippedTotal.WithLabelValues("detail_fetch_failed").Inc()
			a.logger.Warn().
				Int64("id", p.id).
				Str("reason", reason).
				Msg("Record skipped: detail fetch failed")
			continue
		}

		row, outcome, err := normalize.Record(p.rec, details[p.id], sch)
		if err != nil {
			ds.Skipped = append(ds.Skipped, SkippedRecord{ID: p.id, Reason: err.Error()})
			ds.Anomalies++
			cpcSkippedTotal.WithLabelValues("normalize_failed").Inc()
			a.logger.Warn().Int64("id", p.id).Err(err).Msg("Record skipped: normalization failed")
			continue
		}

		ds.Rows = append(ds.Rows, row)
		ds.Anomalies += outcome.Anomalies
		cpcRowsTotal.Inc()
		if outcome.Anomalies > 0 {
			cpcAnomaliesTotal.Add(float64(outcome.Anomalies))
		}
		if len(outcome.UnknownTitles) > 0 {
			a.logger.Warn().
				Int64("id", p.id).
				Strs("titles", outcome.UnknownTitles).
				Msg("Unknown section fields ignored")
		}
	}

	return nil
}

// Package pipeline orchestrates one extraction run end to end: drive the
// aggregator across all pages, write the CSV artifact, and record the run's
// metadata sidecar. Failures at any stage leave no output file behind.
package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/openarmenia/cpc-extract/pkg/aggregate"
	"github.com/openarmenia/cpc-extract/pkg/client"
	"github.com/openarmenia/cpc-extract/pkg/export"
	"github.com/openarmenia/cpc-extract/pkg/storage"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Prometheus metrics for extraction runs.
var (
	cpcRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cpc_runs_total",
		Help: "Total extraction runs by outcome (done or failure kind)",
	}, []string{"outcome"})

	cpcRunDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "cpc_run_duration_seconds",
		Help:    "End-to-end extraction run duration in seconds",
		Buckets: []float64{1, 5, 15, 60, 300, 900, 3600},
	})
)

// Config holds orchestrator configuration.
type Config struct {
	// Aggregate configures the page walk and the detail fan-out.
	Aggregate aggregate.Config

	// Progress, when set, is called after each page with records
	// processed so far and the advisory upstream total.
	Progress func(done, total int)

	// OnState, when set, is called on every state transition, Idle
	// through the terminal state, in order.
	OnState func(State)
}

// Orchestrator runs extractions. Hooks in Config fire for every run, so
// callers that need per-run callbacks (the run manager does) give each run
// its own Orchestrator; the underlying client and store are shared.
type Orchestrator struct {
	client aggregate.Client
	store  storage.Store
	config Config
	logger zerolog.Logger
}

// New creates an orchestrator on top of a registry client and a storage
// handle.
func New(c aggregate.Client, store storage.Store, cfg Config) *Orchestrator {
	return &Orchestrator{
		client: c,
		store:  store,
		config: cfg,
		logger: log.With().Str("component", "pipeline").Logger(),
	}
}

// Run executes one extraction under a fresh run ID.
func (o *Orchestrator) Run(ctx context.Context, q client.Query) Result {
	return o.RunWithID(ctx, uuid.NewString(), q)
}

// RunWithID executes one extraction. The run ID names the output artifacts:
// {runID}.csv and the {runID}.json metadata sidecar. RunWithID never returns
// an error; the Result's State and Failure describe how the run ended.
func (o *Orchestrator) RunWithID(ctx context.Context, runID string, q client.Query) Result {
	logger := o.logger.With().Str("run_id", runID).Logger()
	start := time.Now()

	res := Result{RunID: runID, State: StateIdle}
	o.transition(&res, StateIdle)

	logger.Info().
		Str("record_type", q.RecordType).
		Int("year", q.Year).
		Msg("Run started")

	// Step 1: walk the pages. The per-run aggregator reports progress and
	// the first page flips the state to Normalizing.
	o.transition(&res, StateFetching)

	acfg := o.config.Aggregate
	normalizing := false
	acfg.Progress = func(done, total int) {
		if !normalizing {
			normalizing = true
			o.transition(&res, StateNormalizing)
		}
		if o.config.Progress != nil {
			o.config.Progress(done, total)
		}
	}

	ds, err := aggregate.New(o.client, acfg).Extract(ctx, q)
	if ds != nil {
		res.Rows = len(ds.Rows)
		res.Skipped = len(ds.Skipped)
		res.Anomalies = ds.Anomalies
		res.Pages = ds.Pages
	}
	if err != nil {
		return o.fail(&res, logger, classifyFailure(err), start)
	}

	// Step 2: write the CSV artifact.
	o.transition(&res, StateWriting)
	csvName := runID + ".csv"

	if _, err := export.Write(ctx, ds, o.store, csvName); err != nil {
		return o.fail(&res, logger, classifyFailure(err), start)
	}

	// Step 3: write the metadata sidecar. The CSV must not outlive a
	// failed sidecar, History would never see the run.
	md := Metadata{
		RunID:     runID,
		Query:     q,
		CSVFile:   csvName,
		Rows:      len(ds.Rows),
		Skipped:   ds.Skipped,
		Anomalies: ds.Anomalies,
		Pages:     ds.Pages,
		Status:    string(StateDone),
		SavedAt:   time.Now().UTC(),
	}
	if err := saveMetadata(ctx, o.store, md); err != nil {
		if rmErr := o.store.Remove(context.Background(), csvName); rmErr != nil {
			logger.Warn().Err(rmErr).Msg("Failed to remove CSV after sidecar failure")
		}
		return o.fail(&res, logger, Failure{
			Kind:    FailureStorageWrite,
			Message: err.Error(),
		}, start)
	}

	res.CSVPath = o.store.Path(csvName)
	res.Duration = time.Since(start)
	o.transition(&res, StateDone)

	cpcRunsTotal.WithLabelValues("done").Inc()
	cpcRunDuration.Observe(res.Duration.Seconds())

	logger.Info().
		Int("rows", res.Rows).
		Int("skipped", res.Skipped).
		Int("anomalies", res.Anomalies).
		Int("pages", res.Pages).
		Str("csv", res.CSVPath).
		Dur("duration", res.Duration).
		Msg("Run complete")

	return res
}

func (o *Orchestrator) transition(res *Result, s State) {
	res.State = s
	if o.config.OnState != nil {
		o.config.OnState(s)
	}
}

func (o *Orchestrator) fail(res *Result, logger zerolog.Logger, f Failure, start time.Time) Result {
	res.Failure = &f
	res.Duration = time.Since(start)
	o.transition(res, StateFailed)

	cpcRunsTotal.WithLabelValues(string(f.Kind)).Inc()
	cpcRunDuration.Observe(res.Duration.Seconds())

	logger.Error().
		Str("kind", string(f.Kind)).
		Int("last_page", f.LastPage).
		Int("rows_accumulated", res.Rows).
		Msg("Run failed: " + f.Message)

	return *res
}

// classifyFailure maps an extraction or write error onto the failure
// taxonomy. Cancellation is checked first: a cancelled retry or write also
// matches broader classes.
func classifyFailure(err error) Failure {
	var pageErr *aggregate.PageError
	lastPage := 0
	if errors.As(err, &pageErr) {
		lastPage = pageErr.LastPage
	}

	switch {
	case errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, client.ErrContextCancelled):
		return Failure{Kind: FailureCancelled, Message: err.Error(), LastPage: lastPage}

	case errors.Is(err, aggregate.ErrPaginationOverrun):
		return Failure{Kind: FailurePaginationOverrun, Message: err.Error(), LastPage: lastPage}

	case errors.Is(err, export.ErrStorageWrite):
		return Failure{Kind: FailureStorageWrite, Message: err.Error()}

	case errors.Is(err, client.ErrInvalidQuery),
		errors.Is(err, client.ErrForeignToken):
		return Failure{Kind: FailureInvalidQuery, Message: err.Error()}

	case client.IsTransient(err):
		return Failure{Kind: FailureTransientUpstream, Message: err.Error(), LastPage: lastPage}

	default:
		return Failure{Kind: FailurePermanentUpstream, Message: err.Error()}
	}
}

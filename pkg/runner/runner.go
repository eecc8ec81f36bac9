// Package runner manages concurrent extraction runs for an embedding
// serving layer: start a run, watch its progress, stop it, and list what
// completed runs left behind on storage.
package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/openarmenia/cpc-extract/pkg/aggregate"
	"github.com/openarmenia/cpc-extract/pkg/client"
	"github.com/openarmenia/cpc-extract/pkg/pipeline"
	"github.com/openarmenia/cpc-extract/pkg/schema"
	"github.com/openarmenia/cpc-extract/pkg/storage"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Prometheus metrics for the run registry.
var (
	cpcActiveRuns = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "cpc_runner_active_runs",
		Help: "Number of extraction runs currently executing",
	})

	cpcBusyRejectionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cpc_runner_busy_rejections_total",
		Help: "Total run starts rejected because the concurrency cap was reached",
	})
)

// Errors returned by the manager.
var (
	ErrBusy           = errors.New("concurrent run limit reached")
	ErrUnknownRun     = errors.New("unknown run")
	ErrRunNotFinished = errors.New("run not finished")
)

// DefaultMaxConcurrent caps simultaneous runs. The registry rate limit makes
// more parallelism counterproductive.
const DefaultMaxConcurrent = 2

// Status is the registry's view of one run.
type Status string

const (
	StatusInitializing Status = "initializing"
	StatusProcessing   Status = "processing"
	StatusFinished     Status = "finished"
	StatusStopped      Status = "stopped"
	StatusError        Status = "error"
)

// Snapshot is a point-in-time view of one run.
type Snapshot struct {
	RunID   string           `json:"run_id"`
	Status  Status           `json:"status"`
	State   pipeline.State   `json:"state"`
	Done    int              `json:"done"`
	Total   int              `json:"total"`
	Message string           `json:"message,omitempty"`
	Result  *pipeline.Result `json:"result,omitempty"`
}

// Config holds manager configuration.
type Config struct {
	// MaxConcurrent caps simultaneously executing runs. Zero means
	// DefaultMaxConcurrent.
	MaxConcurrent int

	// Aggregate configures each run's page walk and detail fan-out.
	Aggregate aggregate.Config
}

// Manager starts and tracks extraction runs. All methods are safe for
// concurrent use. Runs share the client and the store; everything else is
// per run.
type Manager struct {
	client aggregate.Client
	store  storage.Store
	config Config
	logger zerolog.Logger

	mu    sync.Mutex
	runs  map[string]*run
	slots chan struct{}
}

// run is the mutable tracking state of one extraction.
type run struct {
	mu       sync.Mutex
	id       string
	status   Status
	state    pipeline.State
	done     int
	total    int
	message  string
	result   *pipeline.Result
	stopped  bool
	cancel   context.CancelFunc
	finished chan struct{}
}

// NewManager creates a run manager on top of a registry client and a
// storage handle.
func NewManager(c aggregate.Client, store storage.Store, cfg Config) *Manager {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultMaxConcurrent
	}

	return &Manager{
		client: c,
		store:  store,
		config: cfg,
		logger: log.With().Str("component", "runner").Logger(),
		runs:   make(map[string]*run),
		slots:  make(chan struct{}, cfg.MaxConcurrent),
	}
}

// Start launches a run for the query and returns its ID. It fails fast with
// ErrBusy when the concurrency cap is reached and with an invalid-query
// error before a run is ever registered.
func (m *Manager) Start(q client.Query) (string, error) {
	if err := q.Validate(); err != nil {
		return "", err
	}
	if _, err := schema.Lookup(q.RecordType); err != nil {
		return "", fmt.Errorf("%w: %v", client.ErrInvalidQuery, err)
	}

	select {
	case m.slots <- struct{}{}:
	default:
		cpcBusyRejectionsTotal.Inc()
		return "", fmt.Errorf("%w (max %d)", ErrBusy, m.config.MaxConcurrent)
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &run{
		id:       uuid.NewString(),
		status:   StatusInitializing,
		state:    pipeline.StateIdle,
		cancel:   cancel,
		finished: make(chan struct{}),
	}

	m.mu.Lock()
	m.runs[r.id] = r
	m.mu.Unlock()

	cpcActiveRuns.Inc()
	m.logger.Info().
		Str("run_id", r.id).
		Str("record_type", q.RecordType).
		Int("year", q.Year).
		Msg("Run registered")

	go m.execute(ctx, r, q)
	return r.id, nil
}

// execute drives one run to its terminal status.
func (m *Manager) execute(ctx context.Context, r *run, q client.Query) {
	defer func() {
		<-m.slots
		cpcActiveRuns.Dec()
		close(r.finished)
	}()
	defer r.cancel()

	o := pipeline.New(m.client, m.store, pipeline.Config{
		Aggregate: m.config.Aggregate,
		Progress:  r.setProgress,
		OnState:   r.setState,
	})

	r.setStatus(StatusProcessing)
	res := o.RunWithID(ctx, r.id, q)
	r.complete(res)
}

// Status returns a snapshot of one run.
func (m *Manager) Status(runID string) (Snapshot, error) {
	r, err := m.lookup(runID)
	if err != nil {
		return Snapshot{}, err
	}
	return r.snapshot(), nil
}

// Stop cancels a run cooperatively. The run terminates with the stopped
// status and leaves no output file. Stopping a finished run is a no-op.
func (m *Manager) Stop(runID string) error {
	r, err := m.lookup(runID)
	if err != nil {
		return err
	}

	r.mu.Lock()
	if terminalStatus(r.status) {
		r.mu.Unlock()
		return nil
	}
	r.stopped = true
	r.mu.Unlock()

	r.cancel()
	m.logger.Info().Str("run_id", runID).Msg("Run stop requested")
	return nil
}

// Result returns the terminal result of a finished run.
func (m *Manager) Result(runID string) (pipeline.Result, error) {
	r, err := m.lookup(runID)
	if err != nil {
		return pipeline.Result{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.result == nil {
		return pipeline.Result{}, ErrRunNotFinished
	}
	return *r.result, nil
}

// Wait blocks until the run reaches a terminal status or the context ends.
func (m *Manager) Wait(ctx context.Context, runID string) error {
	r, err := m.lookup(runID)
	if err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-r.finished:
		return nil
	}
}

// History lists completed-run metadata from the storage sidecars, newest
// first. It survives process restarts, unlike the in-memory registry.
func (m *Manager) History(ctx context.Context) ([]pipeline.Metadata, error) {
	return pipeline.History(ctx, m.store)
}

func (m *Manager) lookup(runID string) (*run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.runs[runID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownRun, runID)
	}
	return r, nil
}

func terminalStatus(s Status) bool {
	return s == StatusFinished || s == StatusStopped || s == StatusError
}

func (r *run) setStatus(s Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !terminalStatus(r.status) {
		r.status = s
	}
}

func (r *run) setState(s pipeline.State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state = s
}

func (r *run) setProgress(done, total int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.done = done
	r.total = total
}

// complete records the terminal result and maps it onto a status.
func (r *run) complete(res pipeline.Result) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.result = &res
	r.state = res.State

	switch {
	case res.OK():
		r.status = StatusFinished
	case r.stopped || (res.Failure != nil && res.Failure.Kind == pipeline.FailureCancelled):
		r.status = StatusStopped
	default:
		r.status = StatusError
	}

	if res.Failure != nil {
		r.message = res.Failure.Message
	}
}

func (r *run) snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	snap := Snapshot{
		RunID:   r.id,
		Status:  r.status,
		State:   r.state,
		Done:    r.done,
		Total:   r.total,
		Message: r.message,
	}
	if r.result != nil {
		res := *r.result
		snap.Result = &res
	}
	return snap
}

// Package batch fans out declaration detail fetches across a bounded worker
// pool. The registry tolerates little concurrency, so the pool stays small
// and failures are collected per record instead of aborting the batch.
package batch

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/openarmenia/cpc-extract/pkg/client"
	"github.com/rs/zerolog/log"
)

// Config holds batch fetcher configuration.
type Config struct {
	// Workers is the number of parallel detail fetches. The registry
	// starts shedding load beyond a handful of connections.
	Workers int

	// Timeout per detail fetch, covering all retry attempts.
	Timeout time.Duration
}

// DefaultConfig returns safe defaults for the registry.
func DefaultConfig() Config {
	return Config{
		Workers: 3,
		Timeout: 2 * time.Minute,
	}
}

// DetailFetcher is the part of the registry client the pool needs.
type DetailFetcher interface {
	FetchDetail(ctx context.Context, id int64) (client.Detail, error)
}

// Failure records one record whose detail document could not be fetched.
type Failure struct {
	ID     int64
	Reason string
	Err    error
}

// result carries one worker's outcome back to the collector.
type result struct {
	id     int64
	detail client.Detail
	err    error
}

// Fetcher fetches detail documents in parallel.
type Fetcher struct {
	fetcher DetailFetcher
	config  Config
}

// NewFetcher creates a new detail fetcher pool.
func NewFetcher(fetcher DetailFetcher, config Config) *Fetcher {
	def := DefaultConfig()
	if config.Workers <= 0 {
		config.Workers = def.Workers
	}
	if config.Timeout <= 0 {
		config.Timeout = def.Timeout
	}

	return &Fetcher{
		fetcher: fetcher,
		config:  config,
	}
}

// FetchAll fetches the detail documents for ids. Successful documents are
// returned keyed by record identifier; fetch failures are returned per
// record, sorted by identifier, and do not abort the batch. When the context
// is cancelled, pending ids are neither fetched nor reported as failures;
// the caller is expected to check the context afterwards.
func (f *Fetcher) FetchAll(ctx context.Context, ids []int64) (map[int64]client.Detail, []Failure) {
	if len(ids) == 0 {
		return map[int64]client.Detail{}, nil
	}

	start := time.Now()

	queue := make(chan int64, len(ids))
	for _, id := range ids {
		queue <- id
	}
	close(queue)

	results := make(chan result, len(ids))

	workers := f.config.Workers
	if workers > len(ids) {
		workers = len(ids)
	}

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go f.worker(ctx, queue, results, &wg, i)
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	details := make(map[int64]client.Detail, len(ids))
	var failures []Failure

	for r := range results {
		if r.err != nil {
			log.Warn().
				Err(r.err).
				Int64("record_id", r.id).
				Msg("Detail fetch failed")
			failures = append(failures, Failure{
				ID:     r.id,
				Reason: r.err.Error(),
				Err:    r.err,
			})
			continue
		}
		details[r.id] = r.detail

		if len(details)%100 == 0 {
			log.Info().
				Int("fetched", len(details)).
				Int("total", len(ids)).
				Msg("Detail fetch progress")
		}
	}

	sort.Slice(failures, func(i, j int) bool { return failures[i].ID < failures[j].ID })

	log.Debug().
		Int("fetched", len(details)).
		Int("failed", len(failures)).
		Dur("duration", time.Since(start)).
		Msg("Detail batch complete")

	return details, failures
}

// worker processes record ids from the queue.
func (f *Fetcher) worker(ctx context.Context, queue <-chan int64, results chan<- result, wg *sync.WaitGroup, workerID int) {
	defer wg.Done()
	processed := 0

	for id := range queue {
		// Check context cancellation
		select {
		case <-ctx.Done():
			log.Debug().
				Int("worker_id", workerID).
				Int("processed", processed).
				Msg("Worker stopping (context cancelled)")
			return
		default:
		}

		fetchCtx, cancel := context.WithTimeout(ctx, f.config.Timeout)
		detail, err := f.fetcher.FetchDetail(fetchCtx, id)
		cancel()

		results <- result{id: id, detail: detail, err: err}
		processed++
	}

	if processed > 0 {
		log.Debug().
			Int("worker_id", workerID).
			Int("processed", processed).
			Msg("Worker completed")
	}
}

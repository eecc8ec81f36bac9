// Package metrics provides centralized Prometheus metrics registry for the
// extraction pipeline. All metrics are defined in their respective packages
// (client, ratelimit, aggregate, pipeline, runner) to maintain modularity
// and avoid circular dependencies.
//
// This package provides documentation and reference for all available metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Registry is the default Prometheus registry used by the pipeline.
// All metrics are automatically registered via promauto in their respective packages.
var Registry = prometheus.DefaultRegisterer

// Metrics Documentation
//
// Request Metrics (pkg/client):
//   - cpc_requests_total{endpoint, status} (Counter): Upstream requests by endpoint and HTTP status
//   - cpc_request_duration_seconds{endpoint} (Histogram): Request duration by endpoint, covering all attempts
//   - cpc_upstream_errors_total{class} (Counter): Upstream errors by class (client, server, rate_limit, network, decode)
//
// Retry Metrics (pkg/client):
//   - cpc_retries_total{error_class} (Counter): Retry attempts by error class
//   - cpc_retry_backoff_seconds{error_class} (Histogram): Backoff duration by error class
//   - cpc_retry_exhausted_total{error_class} (Counter): Requests that exhausted max retries
//
// Rate Limit Metrics (pkg/ratelimit):
//   - cpc_rate_limit_cooldown_seconds (Gauge): Length of the most recently applied cooldown window
//   - cpc_rate_limit_hits_total (Counter): 429 responses reported to the tracker
//   - cpc_rate_limit_waits_total (Counter): Requests that waited inline for a cooldown to pass
//   - cpc_rate_limit_blocks_total (Counter): Requests refused because the cooldown exceeded the inline wait cap
//
// Extraction Metrics (pkg/aggregate):
//   - cpc_extraction_pages_total (Counter): Pages fetched across all runs
//   - cpc_extraction_rows_total (Counter): Rows accumulated across all runs
//   - cpc_extraction_skipped_records_total{reason} (Counter): Records skipped by reason
//     (missing_identifier, detail_fetch_failed, normalize_failed)
//   - cpc_extraction_anomalies_total (Counter): Non-fatal normalization anomalies
//
// Run Metrics (pkg/pipeline):
//   - cpc_runs_total{outcome} (Counter): Extraction runs by outcome (done or failure kind)
//   - cpc_run_duration_seconds (Histogram): End-to-end run duration
//
// Run Manager Metrics (pkg/runner):
//   - cpc_runner_active_runs (Gauge): Runs currently executing
//   - cpc_runner_busy_rejections_total (Counter): Run starts rejected at the concurrency cap
//
// Example Prometheus Queries:
//
//   # Run Success Rate
//   rate(cpc_runs_total{outcome="done"}[1h]) / sum(rate(cpc_runs_total[1h]))
//
//   # Skip Rate by Reason
//   rate(cpc_extraction_skipped_records_total[1h])
//
//   # Upstream Error Rate
//   rate(cpc_upstream_errors_total[5m])
//
//   # P95 Page Fetch Latency
//   histogram_quantile(0.95, rate(cpc_request_duration_seconds_bucket{endpoint="/declarations"}[5m]))
//
//   # Cooldown Currently Active
//   cpc_rate_limit_cooldown_seconds > 0

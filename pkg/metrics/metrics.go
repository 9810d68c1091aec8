// Package metrics provides the Prometheus registry and HTTP endpoint of the puller.
// All metrics are defined in their respective packages (ratelimit, remote,
// pagination, writer, checkpoint) to maintain modularity and avoid circular
// dependencies.
//
// This package provides documentation and reference for all available metrics.
package metrics

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the default Prometheus registry used by the puller.
// All metrics are automatically registered via promauto in their respective packages.
var Registry = prometheus.DefaultRegisterer

// Handler serves /metrics from the default gatherer and a /health probe.
func Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", healthHandler)
	return mux
}

// NewServer returns an HTTP server exposing Handler on addr.
func NewServer(addr string) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "OK")
}

// Metrics Documentation
//
// Rate Limit Metrics (pkg/ratelimit):
//   - puller_ratelimit_paced_requests_total (Counter): Requests released by the pacer
//   - puller_ratelimit_pacing_wait_seconds_total (Counter): Time spent waiting between requests
//   - puller_ratelimit_remote_errors_total{class} (Counter): Remote errors handled, by class (rate_limited, auth, other)
//   - puller_ratelimit_sleep_seconds (Histogram): Sleeps after rate limit signals
//
// Request Metrics (pkg/remote):
//   - puller_remote_requests_total{endpoint, status} (Counter): Requests by endpoint and HTTP status
//   - puller_remote_request_duration_seconds{endpoint} (Histogram): Request duration by endpoint
//   - puller_remote_errors_total{kind} (Counter): Errors by kind
//   - puller_remote_retries_total{kind} (Counter): Transport retry attempts by error kind
//   - puller_remote_retry_exhausted_total{kind} (Counter): Requests that exhausted transport retries
//
// Extraction Metrics (pkg/pagination):
//   - puller_pagination_pages_fetched_total (Counter): Pages fetched
//   - puller_pagination_records_emitted_total (Counter): Records emitted by streams
//   - puller_pagination_page_retries_total (Counter): Page fetch retries
//   - puller_pagination_streams_ended_total{reason} (Counter): Streams ended by stop reason
//
// Writer Metrics (pkg/writer):
//   - puller_writer_flushes_total{reason, result} (Counter): Flushes by trigger (size, memory, final) and result
//   - puller_writer_rows_written_total (Counter): Rows durably written
//   - puller_writer_records_dropped_total{reason} (Counter): Records dropped (invalid, duplicate)
//   - puller_writer_batch_size (Gauge): Records in the current batch
//   - puller_writer_process_rss_bytes (Gauge): Last observed resident memory
//
// Checkpoint Metrics (pkg/checkpoint):
//   - puller_checkpoint_operations_total{operation, result} (Counter): Save, load and cleanup outcomes
//   - puller_checkpoint_count (Gauge): Record count of the last saved checkpoint
//
// Example Prometheus Queries:
//
//   # Write Throughput
//   rate(puller_writer_rows_written_total[5m])
//
//   # Time Spent Rate Limited
//   sum(increase(puller_ratelimit_sleep_seconds_sum[1h]))
//
//   # Memory Flush Share
//   sum(rate(puller_writer_flushes_total{reason="memory"}[15m])) /
//   sum(rate(puller_writer_flushes_total[15m]))
//
//   # P95 Request Latency
//   histogram_quantile(0.95, rate(puller_remote_request_duration_seconds_bucket[5m]))

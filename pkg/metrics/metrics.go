// Package metrics exposes the importer's Prometheus metrics.
// All metrics are defined in their respective packages (client, ratelimit,
// importer, journal, cache) to keep those packages self-contained.
//
// This package serves them and documents what is available.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/Sternrassler/scm-target-importer/pkg/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the Prometheus registerer every importer metric is registered
// with via promauto.
var Registry = prometheus.DefaultRegisterer

// Gatherer is the source Handler reads from.
var Gatherer prometheus.Gatherer = prometheus.DefaultGatherer

// Handler returns the /metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.HandlerFor(Gatherer, promhttp.HandlerOpts{})
}

// Serve exposes Handler on addr at /metrics until the returned shutdown
// function is called. Listen errors are logged, not returned.
func Serve(addr string) (shutdown func()) {
	logger := logging.NewLogger("metrics")

	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn().Err(err).Str("addr", addr).Msg("Metrics server failed")
		}
	}()
	logger.Info().Str("addr", addr).Msg("Serving metrics")

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}

// Metrics Documentation
//
// Admission Gate Metrics (pkg/ratelimit):
//   - importer_gate_in_flight (Gauge): Requests currently holding an admission slot
//   - importer_gate_dispatches_total (Counter): Requests dispatched through the gate
//   - importer_gate_redispatches_total{outcome} (Counter): One-shot redispatches after a network failure
//
// Request Metrics (pkg/client):
//   - importer_requests_total{method, status} (Counter): Attempts by method and HTTP status ("network_error" for failed round trips)
//   - importer_request_duration_seconds{method} (Histogram): Call duration including retries
//
// Retry Metrics (pkg/client):
//   - importer_retries_total{error_class} (Counter): Retry attempts by error class
//   - importer_rate_limit_sleep_seconds (Histogram): Back-off sleeps after 429 responses
//   - importer_retry_exhausted_total{error_class} (Counter): Calls that used every attempt
//
// Import Metrics (pkg/importer):
//   - importer_submissions_total{result} (Counter): Import submissions by result
//   - importer_poll_requests_total (Counter): Job status requests
//   - importer_jobs_total{status} (Counter): Import jobs by final status
//   - importer_targets_total{outcome} (Counter): Targets skipped, rejected, submitted or failed
//   - importer_batches_total{result} (Counter): Batches by result (ok, fatal)
//   - importer_projects_total{outcome} (Counter): Projects imported or failed
//
// Journal Metrics (pkg/journal):
//   - importer_journal_appends_total{kind} (Counter): Records appended by kind
//   - importer_journal_append_errors_total{kind} (Counter): Append failures by kind
//
// Cache Metrics (pkg/cache):
//   - importer_cache_hits_total (Counter): Integration directory cache hits
//   - importer_cache_misses_total (Counter): Integration directory cache misses
//   - importer_cache_errors_total{operation} (Counter): Cache operation errors
//
// Example Prometheus Queries:
//
//   # Rate-limit pressure
//   rate(importer_retries_total{error_class="rate_limit"}[5m])
//
//   # Submission failure ratio
//   sum(rate(importer_submissions_total{result="failed"}[5m])) /
//   sum(rate(importer_submissions_total[5m]))
//
//   # P95 call latency
//   histogram_quantile(0.95, rate(importer_request_duration_seconds_bucket[5m]))
//
//   # Gate saturation
//   importer_gate_in_flight

// Package metrics exposes the Prometheus registry used by the replica.
// Metrics are declared with promauto in the packages that own them
// (client, ratelimit, universe, market, server); this package serves them.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the default Prometheus registry.
// All metrics are automatically registered via promauto in their respective packages.
var Registry = prometheus.DefaultRegisterer

// Gatherer reads back everything registered in Registry.
var Gatherer = prometheus.DefaultGatherer

// Handler serves the registry in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Gatherer, promhttp.HandlerOpts{})
}

// Metrics Documentation
//
// Error gate (pkg/ratelimit):
//   - esi_gate_error_count (Gauge): errors in the current window
//   - esi_gate_limited (Gauge): 1 while outbound requests are paused
//   - esi_gate_trips_total (Counter): times the error budget was exhausted
//   - esi_gate_lifts_total (Counter): times a paused state expired
//   - esi_upstream_errors_remaining (Gauge): X-ESI-Error-Limit-Remain as last seen
//   - esi_gate_snapshot_publish_errors_total (Counter): failed Redis mirror writes
//
// Fetch client (pkg/client):
//   - esi_requests_total{endpoint, status} (Counter)
//   - esi_request_duration_seconds{endpoint} (Histogram)
//   - esi_errors_total{class} (Counter): terminal failures by class
//   - esi_connections_in_use (Gauge): held connection slots
//   - esi_gate_wait_seconds (Histogram): time spent waiting for the gate
//   - esi_retries_total{error_class} (Counter)
//   - esi_retry_exhausted_total{error_class} (Counter)
//
// Universe refresh (internal/universe):
//   - universe_phase_rows{phase} (Gauge): rows in the store after the phase
//   - universe_phase_orphans_total{phase} (Counter)
//   - universe_phase_errors_total{phase} (Counter)
//   - universe_phase_duration_seconds{phase} (Histogram)
//
// Market refresh (internal/market):
//   - market_region_refresh_total{outcome} (Counter): staged, failed, promoted
//   - market_orders_staged_total (Counter)
//   - market_orders_skipped_total (Counter): unknown item types
//   - market_promotion_duration_seconds{mode} (Histogram)
//   - market_store_retries_total{operation} (Counter)
//
// HTTP surface (internal/server):
//   - replica_http_requests_total{route, status} (Counter)
//
// Example Prometheus Queries:
//
//   # Paused by the error gate
//   esi_gate_limited == 1
//
//   # Regions failing to stage
//   rate(market_region_refresh_total{outcome="failed"}[1h])
//
//   # P95 Request Latency
//   histogram_quantile(0.95, rate(esi_request_duration_seconds_bucket[5m]))

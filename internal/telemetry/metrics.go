// Package telemetry provides logging setup and Prometheus metrics for DeployX.
//
// All metrics are registered against the default registry and exposed on the
// side-channel HTTP server started by cmd/server:
//
//	GET http://<host>:<DEPLOYX_TELEMETRY_METRICS_PROMETHEUS_PORT>/metrics
//
// The endpoint is not served by the gin router.
//
// Metric groups:
//
//   - HTTP request counters and latency histograms (labelled by route template)
//   - Cloudflare API calls by operation and outcome
//   - Tunnel provisioning runs by operation and result
//   - Audit log writes and shipping failures
//   - Database connection pool gauge (polled every 30 s)
//
// HTTP metrics use c.FullPath() (such as /api/projects/:id) rather than the raw
// URL so user-supplied path segments cannot blow up label cardinality.
package telemetry

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "deployx"

// HTTP metrics
//
// Example PromQL queries:
//   - Error rate (%): sum(rate(deployx_http_requests_total{status=~"5.."}[5m])) / sum(rate(deployx_http_requests_total[5m])) * 100
//   - p99 latency per route: histogram_quantile(0.99, sum by (path, le) (rate(deployx_http_request_duration_seconds_bucket[5m])))
var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests processed, by method, route template, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Histogram of HTTP request latencies, by method and route template.",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"method", "path"},
	)
)

// Cloudflare API metrics, recorded by the cloudflare client for every call.
//
// The outcome label is one of "ok", "not_found", "api_error" or
// "transport_error". A rising transport_error rate means the API is
// unreachable from this host; api_error usually means the user's token lacks
// a permission.
//
// Example PromQL queries:
//   - Failures by operation: sum by (operation) (rate(deployx_cloudflare_requests_total{outcome!="ok"}[15m]))
var (
	CloudflareRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cloudflare_requests_total",
			Help:      "Total number of Cloudflare API calls, by operation and outcome.",
		},
		[]string{"operation", "outcome"},
	)

	CloudflareRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cloudflare_request_duration_seconds",
			Help:      "Latency of Cloudflare API calls, by operation.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"operation"},
	)
)

// Provisioning metrics, recorded by the provisioning service.
//
// ProvisioningTotal has labels {operation, result} where operation is "setup"
// or "teardown" and result is "success", "not_found", "in_progress",
// "upstream_error" or "error".
var (
	ProvisioningTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provisioning_total",
			Help:      "Total number of tunnel provisioning runs, by operation and result.",
		},
		[]string{"operation", "result"},
	)

	ProvisioningDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "provisioning_duration_seconds",
			Help:      "Duration of tunnel provisioning runs, by operation.",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 20, 30, 60, 120},
		},
		[]string{"operation"},
	)
)

// Audit metrics
//
// AuditWriteFailuresTotal counts entries that could not be persisted. Audit
// writes never fail the request, so this counter is the only signal.
var (
	AuditEntriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audit_entries_total",
			Help:      "Total number of audit log entries recorded, by action.",
		},
		[]string{"action"},
	)

	AuditWriteFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audit_write_failures_total",
			Help:      "Total number of audit log entries that could not be written to the database.",
		},
	)

	AuditShipFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audit_ship_failures_total",
			Help:      "Total number of audit batches a shipper failed to deliver, by shipper type.",
		},
		[]string{"shipper"},
	)
)

// DBOpenConnections tracks open connections in the sql.DB pool. It is sampled
// every 30 seconds by StartDBStatsCollector rather than per request.
var DBOpenConnections = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "db_open_connections",
		Help:      "Current number of open database connections in the pool.",
	},
)

// StartDBStatsCollector samples pool statistics every 30 seconds until ctx is
// cancelled or the database becomes unreachable.
func StartDBStatsCollector(ctx context.Context, db *sql.DB) {
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := db.PingContext(ctx); err != nil {
					slog.Warn("db stats collector: database unreachable, stopping collector", "error", err)
					return
				}
				DBOpenConnections.Set(float64(db.Stats().OpenConnections))
			}
		}
	}()
}

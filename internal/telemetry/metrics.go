// Package telemetry provides application-level observability for the portal.
//
// # Prometheus Metrics Endpoint
//
// All metrics are registered against the default Prometheus registry and are
// served by the side-channel HTTP server started by main.go:
//
//	GET http://<host>:<GG_TELEMETRY_METRICS_PROMETHEUS_PORT>/metrics
//
// Default port: 9090. The endpoint is not served by the Gin router.
//
// # Metric Groups
//
//   - HTTP request counters and latency histograms (labelled by route template, not raw URL)
//   - Audit record write outcomes and latency
//   - Ownership ledger write outcomes
//   - External audit shipping failures
//   - Database connection pool gauge (polled every 30 s)
package telemetry

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"github.com/gladgrade/portal/internal/safego"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP metrics, labelled by method, route template and status code.
//
// The path label holds the Gin route template (e.g. /api/v1/prospects/:id/owner),
// never the raw URL, so prospect ids do not explode label cardinality.
//
// Example PromQL queries:
//   - Request rate:  rate(http_requests_total[5m])
//   - p99 latency:   histogram_quantile(0.99, sum by (path, le) (rate(http_request_duration_seconds_bucket[5m])))
var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests processed, by method, route template, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Histogram of HTTP request latencies, by method and route template.",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"method", "path"},
	)
)

// Audit write outcome labels.
const (
	ResultLogged   = "logged"
	ResultFailed   = "failed"
	ResultRejected = "rejected"
	ResultDisabled = "disabled"
)

// Audit trail metrics, recorded by the audit logger.
//
// AuditRecordsWrittenTotal counts every Log call by action type and outcome
// (logged, failed, rejected, disabled). Because audit writes are best effort
// and never fail the business operation, this counter is the only signal that
// records are being lost.
//
// Example PromQL queries:
//   - Loss rate:  sum(rate(audit_records_written_total{result="failed"}[5m])) / sum(rate(audit_records_written_total[5m]))
//   - Alert:      increase(audit_records_written_total{result="failed"}[15m]) > 0
//
// AuditWriteDuration observes the database round-trip of a single audit insert.
// Observations near audit.write_timeout mean writes are being cut off.
//
// OwnershipChangesRecordedTotal counts ownership ledger appends by outcome.
// A ledger failure leaves a reassignment without its history row.
//
// AuditShipErrorsTotal counts failed deliveries to external shippers.
var (
	AuditRecordsWrittenTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "audit_records_written_total",
			Help: "Total number of audit record write attempts, by action type and result.",
		},
		[]string{"action_type", "result"},
	)

	AuditWriteDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "audit_write_duration_seconds",
			Help:    "Duration of a single audit record insert.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 3, 5},
		},
	)

	OwnershipChangesRecordedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ownership_changes_recorded_total",
			Help: "Total number of prospect ownership ledger write attempts, by result.",
		},
		[]string{"result"},
	)

	AuditShipErrorsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "audit_ship_errors_total",
			Help: "Total number of audit records that failed to reach an external shipper.",
		},
	)
)

// DBOpenConnections tracks the number of open connections held by the pool.
// It is sampled every 30 seconds by StartDBStatsCollector rather than per request.
//
// Example PromQL queries:
//   - Pool utilisation (%): db_open_connections / <GG_DATABASE_MAX_CONNECTIONS> * 100
var DBOpenConnections = promauto.NewGauge(
	prometheus.GaugeOpts{
		Name: "db_open_connections",
		Help: "Current number of open database connections in the pool.",
	},
)

// StartDBStatsCollector samples pool statistics every interval until ctx is
// cancelled or the database becomes unreachable.
//
//	telemetry.StartDBStatsCollector(ctx, database, 30*time.Second)
func StartDBStatsCollector(ctx context.Context, db *sql.DB, interval time.Duration) {
	safego.Go("db-stats-collector", func() {
		ticker := time.NewTicker(interval)
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
	})
}

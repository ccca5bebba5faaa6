// Package metrics holds the Prometheus collectors exported on /metrics.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	TxAnalyzed = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "batchwatch_tx_analyzed_total", Help: "Transactions analyzed and stored"},
		[]string{"source"},
	)
	TxFailed = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "batchwatch_tx_failed_total", Help: "Failed analysis attempts routed to the retry queue"},
		[]string{"source"},
	)
	TxSkipped = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "batchwatch_tx_skipped_total", Help: "Transactions skipped because they were already tracked"},
	)
	RetryAbandoned = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "batchwatch_retry_abandoned_total", Help: "Retry-queue entries dropped after the attempt limit"},
	)
	ScanCycles = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "batchwatch_scan_cycles_total", Help: "Scanner cycles by outcome"},
		[]string{"status"},
	)
	TruncatedPages = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "batchwatch_truncated_pages_total", Help: "Transaction pages that hit the page size limit"},
		[]string{"batcher"},
	)
	Cursor = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "batchwatch_cursor_block", Help: "Last fully scanned block"},
	)
	SnapshotRows = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "batchwatch_snapshot_rows_total", Help: "Daily snapshot rows written"},
	)
	RPCRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "batchwatch_rpc_requests_total", Help: "JSON-RPC calls by method and outcome"},
		[]string{"method", "status"},
	)
	AnalysisDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "batchwatch_analysis_duration_seconds", Help: "Transaction analysis latency", Buckets: prometheus.DefBuckets},
		[]string{"status"},
	)
)

func init() {
	prometheus.MustRegister(TxAnalyzed, TxFailed, TxSkipped, RetryAbandoned, ScanCycles, TruncatedPages, Cursor, SnapshotRows, RPCRequests, AnalysisDuration)
}

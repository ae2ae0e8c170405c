package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	FeedRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "iocpipe_feed_runs_total",
			Help: "Total number of feed runs by result (success, error, panic)",
		},
		[]string{"feed", "result"},
	)

	FeedRunDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "iocpipe_feed_run_duration_seconds",
			Help:    "Time taken to fetch, parse and persist one feed",
			Buckets: []float64{0.5, 1, 5, 15, 30, 60, 120, 300, 600, 1800},
		},
		[]string{"format"},
	)

	IOCsFetched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "iocpipe_iocs_fetched_total",
			Help: "Total number of indicators parsed from feeds",
		},
		[]string{"feed", "format"},
	)

	IOCsPersisted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "iocpipe_iocs_persisted_total",
			Help: "Total number of indicators written to the store by outcome (inserted, updated, failed)",
		},
		[]string{"outcome"},
	)

	LastRunTimestamp = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "iocpipe_last_run_timestamp_seconds",
			Help: "Unix time the last ingest run finished",
		},
	)

	QueryRows = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "iocpipe_query_rows_total",
			Help: "Total number of aggregated rows emitted by the query engine",
		},
	)

	EventCacheRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "iocpipe_event_cache_requests_total",
			Help: "Event cache lookups by tier (memory, redis) and result (hit, miss)",
		},
		[]string{"tier", "result"},
	)

	CacheErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "iocpipe_cache_errors_total",
			Help: "Total number of cache errors by operation",
		},
		[]string{"operation"},
	)
)

// WriteTextfile writes every registered metric to path in the text
// exposition format, for node_exporter's textfile collector.
func WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, prometheus.DefaultGatherer); err != nil {
		return fmt.Errorf("failed to write metrics textfile: %w", err)
	}
	return nil
}

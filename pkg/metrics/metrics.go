// Package metrics exposes Prometheus collectors for the engine and the HTTP
// service. Collectors are registered once on the default registry and served
// by Handler.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	MetadataLookups = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "geocluster_metadata_lookups_total",
		Help: "Metadata cache lookups by cache and outcome (hit or miss)",
	}, []string{"cache", "outcome"})
	MetadataLookupErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "geocluster_metadata_lookup_errors_total",
		Help: "Underlying metadata lookups that failed",
	}, []string{"cache"})
	SnapshotWrites = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "geocluster_snapshot_writes_total",
		Help: "Durable snapshot writes by kind (cache or telemetry)",
	}, []string{"kind"})
	FetchBatches = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "geocluster_fetch_batches_total",
		Help: "Completed record fetch batches",
	})
	FetchRetries = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "geocluster_fetch_retries_total",
		Help: "Fetch attempts that failed and were retried",
	})
	FetchFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "geocluster_fetch_failures_total",
		Help: "Loads that failed after exhausting retries",
	})
	BatchDurationMs = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "geocluster_fetch_batch_duration_ms",
		Help:    "Duration of one record fetch batch in milliseconds",
		Buckets: []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000},
	})
	RecomputePasses = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "geocluster_recompute_passes_total",
		Help: "Recompute passes by kind (data or style) and result",
	}, []string{"kind", "result"})
	BoundsCacheHits = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "geocluster_bounds_cache_hits_total",
		Help: "Viewport requests served without fetching",
	})
	RenderedFeatures = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "geocluster_rendered_features",
		Help: "Number of features in the currently applied render set",
	})
	RecordsServed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "geocluster_records_served_total",
		Help: "Records read from the record source for /api/records (cache misses)",
	})
)

func init() {
	prometheus.MustRegister(
		MetadataLookups,
		MetadataLookupErrors,
		SnapshotWrites,
		FetchBatches,
		FetchRetries,
		FetchFailures,
		BatchDurationMs,
		RecomputePasses,
		BoundsCacheHits,
		RenderedFeatures,
		RecordsServed,
	)
}

// Handler serves the default registry in the Prometheus text format.
func Handler() http.Handler { return promhttp.Handler() }

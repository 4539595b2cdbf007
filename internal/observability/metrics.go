package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type engineMetrics struct {
	searchStageDuration *prometheus.HistogramVec
	searchTotal         *prometheus.CounterVec
	searchEmptyTotal    prometheus.Counter
	searchDegradedTotal *prometheus.CounterVec

	cacheHitsTotal   prometheus.Counter
	cacheMissesTotal prometheus.Counter
	cacheEntries     prometheus.Gauge

	embedBatchTotal    *prometheus.CounterVec
	embedUpstreamCalls *prometheus.CounterVec
	embedZeroVectors   prometheus.Counter
	embedBatchDuration prometheus.Histogram

	chunkWriteDuration prometheus.Histogram
	chunksIndexedTotal prometheus.Gauge
	backfillRowsTotal  *prometheus.CounterVec
	backfillDuration   *prometheus.HistogramVec

	enrichRetriesTotal  prometheus.Counter
	graphExpandDuration prometheus.Histogram
}

var (
	metricsOnce sync.Once
	metricsInst *engineMetrics
)

func getMetrics() *engineMetrics {
	metricsOnce.Do(func() {
		m := &engineMetrics{
			searchStageDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "memory_search_stage_duration_seconds",
					Help:    "Retrieval stage duration in seconds by stage (ann, lexical, rerank, graph_expand).",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"stage"},
			),
			searchTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "memory_search_total",
					Help: "Total searches by status.",
				},
				[]string{"status"},
			),
			searchEmptyTotal: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "memory_search_empty_total",
					Help: "Total searches that returned no results.",
				},
			),
			searchDegradedTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "memory_search_degraded_total",
					Help: "Total degraded searches by reason.",
				},
				[]string{"reason"},
			),
			cacheHitsTotal: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "embedding_cache_hits_total",
					Help: "Total embedding cache hits.",
				},
			),
			cacheMissesTotal: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "embedding_cache_misses_total",
					Help: "Total embedding cache misses.",
				},
			),
			cacheEntries: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "embedding_cache_entries",
					Help: "Current embedding cache entry count.",
				},
			),
			embedBatchTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "embed_batch_total",
					Help: "Total embed batch requests by status.",
				},
				[]string{"status"},
			),
			embedUpstreamCalls: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "embed_upstream_calls_total",
					Help: "Total upstream embedding calls by mode (batch, single).",
				},
				[]string{"mode"},
			),
			embedZeroVectors: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "embed_zero_vector_total",
					Help: "Total zero-vector substitutions after per-item failure.",
				},
			),
			embedBatchDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "embed_batch_duration_seconds",
					Help:    "Embed batch duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
			),
			chunkWriteDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "memory_chunk_write_duration_seconds",
					Help:    "Chunk write duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
			),
			chunksIndexedTotal: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "memory_chunks_indexed_total",
					Help: "Total chunks currently indexed.",
				},
			),
			backfillRowsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "memory_backfill_rows_total",
					Help: "Total rows backfilled by index (native, lexical).",
				},
				[]string{"index"},
			),
			backfillDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "memory_backfill_duration_seconds",
					Help:    "Backfill pass duration in seconds by index.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"index"},
			),
			enrichRetriesTotal: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "link_enrich_retries_total",
					Help: "Total link enrichment retries after write conflicts.",
				},
			),
			graphExpandDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "graph_expand_duration_seconds",
					Help:    "Graph neighbor expansion duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
			),
		}

		prometheus.MustRegister(
			m.searchStageDuration,
			m.searchTotal,
			m.searchEmptyTotal,
			m.searchDegradedTotal,
			m.cacheHitsTotal,
			m.cacheMissesTotal,
			m.cacheEntries,
			m.embedBatchTotal,
			m.embedUpstreamCalls,
			m.embedZeroVectors,
			m.embedBatchDuration,
			m.chunkWriteDuration,
			m.chunksIndexedTotal,
			m.backfillRowsTotal,
			m.backfillDuration,
			m.enrichRetriesTotal,
			m.graphExpandDuration,
		)

		metricsInst = m
	})

	return metricsInst
}

// EnsureRegistered initializes and registers metrics the first time it is called.
func EnsureRegistered() {
	_ = getMetrics()
}

func MetricsHandler() http.Handler {
	EnsureRegistered()
	return promhttp.Handler()
}

func RecordSearchStage(stage string, duration time.Duration) {
	getMetrics().searchStageDuration.WithLabelValues(stage).Observe(duration.Seconds())
}

func RecordSearch(status string, empty bool) {
	m := getMetrics()
	m.searchTotal.WithLabelValues(status).Inc()
	if empty {
		m.searchEmptyTotal.Inc()
	}
}

func RecordSearchDegraded(reason string) {
	getMetrics().searchDegradedTotal.WithLabelValues(reason).Inc()
}

func RecordCacheHit() {
	getMetrics().cacheHitsTotal.Inc()
}

func RecordCacheMiss() {
	getMetrics().cacheMissesTotal.Inc()
}

func SetCacheEntries(count int) {
	getMetrics().cacheEntries.Set(float64(count))
}

func RecordEmbedBatch(duration time.Duration, success bool) {
	m := getMetrics()
	status := "error"
	if success {
		status = "success"
	}
	m.embedBatchTotal.WithLabelValues(status).Inc()
	m.embedBatchDuration.Observe(duration.Seconds())
}

func RecordUpstreamCall(mode string) {
	getMetrics().embedUpstreamCalls.WithLabelValues(mode).Inc()
}

func RecordZeroVector() {
	getMetrics().embedZeroVectors.Inc()
}

func RecordChunkWrite(duration time.Duration) {
	getMetrics().chunkWriteDuration.Observe(duration.Seconds())
}

func SetChunksIndexed(total int) {
	getMetrics().chunksIndexedTotal.Set(float64(total))
}

func RecordBackfill(index string, rows int, duration time.Duration) {
	m := getMetrics()
	m.backfillRowsTotal.WithLabelValues(index).Add(float64(rows))
	m.backfillDuration.WithLabelValues(index).Observe(duration.Seconds())
}

func RecordEnrichRetry() {
	getMetrics().enrichRetriesTotal.Inc()
}

func RecordGraphExpand(duration time.Duration) {
	getMetrics().graphExpandDuration.Observe(duration.Seconds())
}

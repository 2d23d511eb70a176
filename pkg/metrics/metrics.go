package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Bundle cache metrics
	BundleCacheHits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "burrow_bundle_cache_hits_total",
			Help: "Total number of bundle cache hits",
		},
	)

	BundleCacheMisses = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "burrow_bundle_cache_misses_total",
			Help: "Total number of bundle cache misses",
		},
	)

	BundleCacheEvictions = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "burrow_bundle_cache_evictions_total",
			Help: "Total number of bundles evicted from the secondary tier",
		},
	)

	BundleCacheBytes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "burrow_bundle_cache_bytes",
			Help: "Resident size of the secondary bundle cache tier",
		},
	)

	// Commit metrics
	CommitDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "burrow_commit_duration_seconds",
			Help:    "Time taken to persist a change log in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	CommitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "burrow_commits_total",
			Help: "Total number of commits by outcome",
		},
		[]string{"outcome"},
	)

	// Journal metrics
	JournalRevision = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "burrow_journal_revision",
			Help: "Last journal revision written or replayed by this node",
		},
	)

	JournalRecordsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "burrow_journal_records_total",
			Help: "Total number of journal records by direction",
		},
		[]string{"direction"},
	)

	// Lock metrics
	LocksActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "burrow_locks_active",
			Help: "Number of live node locks",
		},
	)

	// Query metrics
	QueryBitsetCacheHits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "burrow_query_bitset_cache_hits_total",
			Help: "Total number of wildcard bitset cache hits",
		},
	)

	QueryDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "burrow_query_duration_seconds",
			Help:    "Query execution time in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(BundleCacheHits)
	prometheus.MustRegister(BundleCacheMisses)
	prometheus.MustRegister(BundleCacheEvictions)
	prometheus.MustRegister(BundleCacheBytes)
	prometheus.MustRegister(CommitDuration)
	prometheus.MustRegister(CommitsTotal)
	prometheus.MustRegister(JournalRevision)
	prometheus.MustRegister(JournalRecordsTotal)
	prometheus.MustRegister(LocksActive)
	prometheus.MustRegister(QueryBitsetCacheHits)
	prometheus.MustRegister(QueryDuration)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

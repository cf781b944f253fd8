package session

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors that report session activity.
type Metrics struct {
	resolutions   *prometheus.CounterVec
	storeWrites   prometheus.Histogram
	migrationOps  *prometheus.CounterVec
	forkFallbacks prometheus.Counter
}

var (
	defaultMetricsOnce sync.Once
	sharedMetrics      *Metrics
)

// defaultMetrics returns the package-level metrics instance registered with
// the global Prometheus registry. The collectors are created only once to
// avoid duplicate registration panics when managers are instantiated
// multiple times (e.g. in unit tests or per-agent fan-out).
func defaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		sharedMetrics = MustNewMetrics(prometheus.DefaultRegisterer)
	})
	return sharedMetrics
}

// MustNewMetrics constructs a Metrics instance using the provided registerer.
// The caller is responsible for supplying a fresh registry when unique
// metric names are required (for example in tests). Any registration error
// will panic, which mirrors the semantics of promauto helpers and surfaces
// configuration bugs early.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	resolutions := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "otto",
			Subsystem: "session",
			Name:      "resolutions_total",
			Help:      "Session resolutions by outcome.",
		},
		[]string{"outcome"},
	)
	storeWrites := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "otto",
			Subsystem: "session",
			Name:      "store_write_duration_seconds",
			Help:      "Time spent merging an entry into the on-disk store.",
			Buckets:   prometheus.DefBuckets,
		},
	)
	migrationOps := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "otto",
			Subsystem: "session",
			Name:      "migration_changes_total",
			Help:      "State migration changes applied, by area.",
		},
		[]string{"area"},
	)
	forkFallbacks := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "otto",
			Subsystem: "session",
			Name:      "fork_header_fallbacks_total",
			Help:      "Forks that synthesized a transcript header because no branch primitive was available.",
		},
	)

	collectors := []prometheus.Collector{resolutions, storeWrites, migrationOps, forkFallbacks}
	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
				// Reuse the existing collector when it matches the expected type.
				switch target := collector.(type) {
				case *prometheus.CounterVec:
					switch target {
					case resolutions:
						resolutions = already.ExistingCollector.(*prometheus.CounterVec)
					case migrationOps:
						migrationOps = already.ExistingCollector.(*prometheus.CounterVec)
					}
				case prometheus.Histogram:
					storeWrites = already.ExistingCollector.(prometheus.Histogram)
				case prometheus.Counter:
					forkFallbacks = already.ExistingCollector.(prometheus.Counter)
				}
				continue
			}
			panic(err)
		}
	}

	return &Metrics{
		resolutions:   resolutions,
		storeWrites:   storeWrites,
		migrationOps:  migrationOps,
		forkFallbacks: forkFallbacks,
	}
}

// IncResolution increments the resolution counter for the given outcome.
func (m *Metrics) IncResolution(outcome Outcome) {
	if m == nil || m.resolutions == nil {
		return
	}
	m.resolutions.WithLabelValues(string(outcome)).Inc()
}

// ObserveStoreWrite records the duration of one merge-save.
func (m *Metrics) ObserveStoreWrite(duration time.Duration) {
	if m == nil || m.storeWrites == nil {
		return
	}
	m.storeWrites.Observe(duration.Seconds())
}

// IncMigrationChange counts one applied migration change in an area
// (sessions, agent-dir, credentials).
func (m *Metrics) IncMigrationChange(area string) {
	if m == nil || m.migrationOps == nil {
		return
	}
	m.migrationOps.WithLabelValues(area).Inc()
}

// IncForkFallback counts a fork served by a synthesized header.
func (m *Metrics) IncForkFallback() {
	if m == nil || m.forkFallbacks == nil {
		return
	}
	m.forkFallbacks.Inc()
}

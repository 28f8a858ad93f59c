// Package metrics exposes the listener's operational counters as
// Prometheus collectors, grounded on runZeroInc-sockstats's
// pkg/exporter usage of github.com/prometheus/client_golang. These are
// additive observability, never load-bearing for any spec.md
// invariant or Non-goal.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Registry bundles the collectors a listener process registers once at
// startup.
type Registry struct {
	ActiveSessions   prometheus.Gauge
	NotifyAttempts   prometheus.Counter
	NotifyChains     prometheus.Counter
	NotifyDelivered  prometheus.Counter
	NotifyExhausted  prometheus.Counter
	BufferedBytesMax prometheus.Gauge

	watermarkMu sync.Mutex
	watermark   int
}

// New constructs and registers all collectors against reg.
func New(reg prometheus.Registerer) *Registry {
	m := &Registry{
		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "rnsh",
			Subsystem: "listener",
			Name:      "active_sessions",
			Help:      "Number of sessions currently held in the registry.",
		}),
		NotifyAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "rnsh",
			Subsystem: "notify",
			Name:      "attempts_total",
			Help:      "Unreliable data-available packets sent by the retry engine.",
		}),
		NotifyChains: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "rnsh",
			Subsystem: "notify",
			Name:      "chains_started_total",
			Help:      "Retry chains begun, one each time new stdout arrives for a link with no chain in flight.",
		}),
		NotifyDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "rnsh",
			Subsystem: "notify",
			Name:      "chains_delivered_total",
			Help:      "Retry chains that ended because a receipt reached DELIVERED.",
		}),
		NotifyExhausted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "rnsh",
			Subsystem: "notify",
			Name:      "chains_exhausted_total",
			Help:      "Retry chains that ended because try_limit was reached.",
		}),
		BufferedBytesMax: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "rnsh",
			Subsystem: "session",
			Name:      "buffered_bytes_high_watermark",
			Help:      "Largest ready_bytes value observed across all sessions since startup.",
		}),
	}

	reg.MustRegister(
		m.ActiveSessions,
		m.NotifyAttempts,
		m.NotifyChains,
		m.NotifyDelivered,
		m.NotifyExhausted,
		m.BufferedBytesMax,
	)
	return m
}

// ObserveBuffered updates the high-watermark gauge if n exceeds the
// previously observed maximum. Prometheus gauges have no compare-and-set,
// so the registry only ever moves this value up; it resets on restart.
func (m *Registry) ObserveBuffered(n int) {
	// prometheus.Gauge has no Get, so track the watermark alongside it.
	m.watermarkMu.Lock()
	defer m.watermarkMu.Unlock()
	if n > m.watermark {
		m.watermark = n
		m.BufferedBytesMax.Set(float64(n))
	}
}

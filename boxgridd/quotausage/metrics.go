package quotausage

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/boxgrid/boxgrid/boxgridd/usagecache"
)

// Metrics counts the façade's slow paths.
type Metrics struct {
	rehydrates   *prometheus.CounterVec
	lockTimeouts prometheus.Counter
	reservations prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		rehydrates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "boxgridd",
			Subsystem: "quotausage",
			Name:      "rehydrates_total",
			Help:      "Usage families rehydrated from the source of truth.",
		}, []string{"family"}),
		lockTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "boxgridd",
			Subsystem: "quotausage",
			Name:      "fetch_lock_timeouts_total",
			Help:      "Rehydrates that fell back to an uncached read because the fetch lock timed out.",
		}),
		reservations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "boxgridd",
			Subsystem: "quotausage",
			Name:      "pending_reservations_total",
			Help:      "Successful pending usage reservations.",
		}),
	}
	reg.MustRegister(m.rehydrates, m.lockTimeouts, m.reservations)
	return m
}

func (m *Metrics) rehydrate(family usagecache.Family) {
	if m == nil {
		return
	}
	m.rehydrates.WithLabelValues(string(family)).Inc()
}

func (m *Metrics) lockTimeout() {
	if m == nil {
		return
	}
	m.lockTimeouts.Inc()
}

func (m *Metrics) reservation() {
	if m == nil {
		return
	}
	m.reservations.Inc()
}

package usagecache

import "github.com/prometheus/client_golang/prometheus"

// Metrics counts cache outcomes per resource family.
type Metrics struct {
	hits   *prometheus.CounterVec
	misses *prometheus.CounterVec
}

// NewMetrics registers the cache counters against the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		hits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "boxgridd",
			Subsystem: "usagecache",
			Name:      "hits_total",
			Help:      "Confirmed usage reads served from the cache.",
		}, []string{"family"}),
		misses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "boxgridd",
			Subsystem: "usagecache",
			Name:      "misses_total",
			Help:      "Confirmed usage reads that fell through to the source of truth, including stale families.",
		}, []string{"family"}),
	}
	reg.MustRegister(m.hits, m.misses)
	return m
}

func (m *Metrics) hit(family Family) {
	if m == nil {
		return
	}
	m.hits.WithLabelValues(string(family)).Inc()
}

func (m *Metrics) miss(family Family) {
	if m == nil {
		return
	}
	m.misses.WithLabelValues(string(family)).Inc()
}

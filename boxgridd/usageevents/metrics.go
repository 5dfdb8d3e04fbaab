package usageevents

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/boxgrid/boxgrid/boxgridd/usagecache"
)

// Metrics counts applied and failed usage deltas per family.
type Metrics struct {
	applied *prometheus.CounterVec
	errors  *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		applied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "boxgridd",
			Subsystem: "usageevents",
			Name:      "deltas_applied_total",
			Help:      "Counter deltas applied to the usage cache.",
		}, []string{"family"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "boxgridd",
			Subsystem: "usageevents",
			Name:      "delta_errors_total",
			Help:      "Deltas dropped because the script failed or the entity lock was unavailable.",
		}, []string{"family"}),
	}
	reg.MustRegister(m.applied, m.errors)
	return m
}

func (m *Metrics) deltaApplied(family usagecache.Family) {
	if m == nil {
		return
	}
	m.applied.WithLabelValues(string(family)).Inc()
}

func (m *Metrics) deltaError(family usagecache.Family) {
	if m == nil {
		return
	}
	m.errors.WithLabelValues(string(family)).Inc()
}

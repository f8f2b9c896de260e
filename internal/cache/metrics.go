package cache

import (
	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	hits   prometheus.Counter
	misses prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		hits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "imagevault_cache_hits_total",
			Help: "Variant cache lookups served from redis.",
		}),
		misses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "imagevault_cache_misses_total",
			Help: "Variant cache lookups that fell through to the repository.",
		}),
	}
	reg.MustRegister(m.hits, m.misses)
	return m
}

func (m *Metrics) hit() {
	if m != nil {
		m.hits.Inc()
	}
}

func (m *Metrics) miss() {
	if m != nil {
		m.misses.Inc()
	}
}

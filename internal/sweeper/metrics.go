package sweeper

import (
	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	sweptTotal    *prometheus.CounterVec
	failuresTotal *prometheus.CounterVec
}

func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.NewRegistry()
	}

	m := &Metrics{
		sweptTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "imagevault_sweeper_swept_total",
			Help: "Rows or blobs cleaned up, by sweeper job.",
		}, []string{"job"}),
		failuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "imagevault_sweeper_failures_total",
			Help: "Per-row cleanup failures, by sweeper job.",
		}, []string{"job"}),
	}

	registerer.MustRegister(m.sweptTotal, m.failuresTotal)
	return m
}

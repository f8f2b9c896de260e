package scheduler

import (
	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	jobsTotal   *prometheus.CounterVec
	jobDuration *prometheus.HistogramVec
	activeJobs  prometheus.Gauge
	queueDepth  *prometheus.GaugeVec
}

func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.NewRegistry()
	}

	m := &Metrics{
		jobsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "imagevault_scheduler_jobs_total",
			Help: "Total generation jobs by lane and final status.",
		}, []string{"lane", "status"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "imagevault_scheduler_job_duration_seconds",
			Help:    "Processing duration for each generation job.",
			Buckets: prometheus.DefBuckets,
		}, []string{"lane", "status"}),
		activeJobs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "imagevault_scheduler_active_jobs",
			Help: "Current number of jobs executing on the worker pool.",
		}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "imagevault_scheduler_queue_depth",
			Help: "Jobs currently waiting in each lane.",
		}, []string{"lane"}),
	}

	registerer.MustRegister(m.jobsTotal, m.jobDuration, m.activeJobs, m.queueDepth)
	return m
}

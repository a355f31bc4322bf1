package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics collects the counters tracked during a run.
type Metrics struct {
	workUnits *prometheus.CounterVec
	jobs      *prometheus.CounterVec
	cleanups  *prometheus.CounterVec
	clusters  *prometheus.CounterVec
}

func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	workUnits := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cloudblast_work_units_total",
		Help: "Total work units written by outcome.",
	}, []string{"outcome"})
	jobs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cloudblast_jobs_total",
		Help: "Total jobs submitted by backend.",
	}, []string{"backend"})
	cleanups := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cloudblast_cleanup_actions_total",
		Help: "Total cleanup actions run by outcome.",
	}, []string{"outcome"})
	clusters := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cloudblast_cluster_transitions_total",
		Help: "Total cluster state transitions observed.",
	}, []string{"state"})

	workUnits = registerCounterVec(registerer, workUnits)
	jobs = registerCounterVec(registerer, jobs)
	cleanups = registerCounterVec(registerer, cleanups)
	clusters = registerCounterVec(registerer, clusters)

	return &Metrics{
		workUnits: workUnits,
		jobs:      jobs,
		cleanups:  cleanups,
		clusters:  clusters,
	}
}

func (m *Metrics) IncWorkUnit(outcome string) {
	if m == nil || m.workUnits == nil {
		return
	}
	m.workUnits.WithLabelValues(outcome).Inc()
}

func (m *Metrics) IncJob(backend string) {
	if m == nil || m.jobs == nil {
		return
	}
	m.jobs.WithLabelValues(backend).Inc()
}

func (m *Metrics) IncCleanup(outcome string) {
	if m == nil || m.cleanups == nil {
		return
	}
	m.cleanups.WithLabelValues(outcome).Inc()
}

func (m *Metrics) IncClusterState(state string) {
	if m == nil || m.clusters == nil {
		return
	}
	m.clusters.WithLabelValues(state).Inc()
}

func registerCounterVec(registerer prometheus.Registerer, counter *prometheus.CounterVec) *prometheus.CounterVec {
	if err := registerer.Register(counter); err != nil {
		if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := already.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing
			}
		}
	}
	return counter
}

package report

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "cloudrunexec"

// Metrics are per-run gauges and outcome counters. The wrapper lives for a
// single run, so they are exported once as a textfile rather than scraped.
// Every value must be explainable by looking at the one Result.
type Metrics struct {
	registry *prometheus.Registry

	runs        *prometheus.CounterVec
	wallSeconds prometheus.Gauge
	cpuSeconds  prometheus.Gauge
	memoryBytes prometheus.Gauge
	energy      prometheus.Gauge
	returnValue prometheus.Gauge
	limits      *prometheus.GaugeVec
}

// NewMetrics creates a registry holding the run metrics.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Runs by outcome (success, failure, cputime, walltime, memory, killed, error).",
		}, []string{"outcome"}),
		wallSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "run_wall_seconds",
			Help:      "Wall time of the last run.",
		}),
		cpuSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "run_cpu_seconds",
			Help:      "CPU time of the last run.",
		}),
		memoryBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "run_memory_bytes",
			Help:      "Peak memory of the last run.",
		}),
		energy: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "run_energy_joules",
			Help:      "Package energy of the last run, absent when unmeasured.",
		}),
		returnValue: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "run_returnvalue",
			Help:      "Raw wait status of the last run.",
		}),
		limits: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "run_limit",
			Help:      "Configured limits of the last run (MEMLIMIT in MB, TIMELIMIT in s, CORELIMIT in cores).",
		}, []string{"kind"}),
	}

	m.registry.MustRegister(m.runs, m.wallSeconds, m.cpuSeconds, m.memoryBytes, m.returnValue, m.limits)
	return m
}

// Registry returns the gatherer holding the run metrics.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordLimits stores the configured limits.
func (m *Metrics) RecordLimits(limits map[string]int64) {
	for kind, v := range limits {
		m.limits.WithLabelValues(kind).Set(float64(v))
	}
}

// RecordResult updates all values from a single immutable Result.
func (m *Metrics) RecordResult(r *Result) {
	m.runs.WithLabelValues(r.Outcome()).Inc()
	m.wallSeconds.Set(r.WallTime.Seconds())
	m.cpuSeconds.Set(r.CPUTime.Seconds())
	m.memoryBytes.Set(float64(r.MemoryUsage))
	m.returnValue.Set(float64(r.ReturnValue))

	if r.Energy != nil {
		m.energy.Set(*r.Energy)
		// Registered lazily so an unmeasured run exports no energy series.
		_ = m.registry.Register(m.energy)
	}
}

// RecordError counts a run that produced no result.
func (m *Metrics) RecordError() {
	m.runs.WithLabelValues("error").Inc()
}

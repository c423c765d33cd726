// Package metrics exports engine, scheduler and stream counters to Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rendis/stepflow/internal/engine"
	"github.com/rendis/stepflow/pkg/schema"
)

const namespace = "stepflow"

// Metrics owns a registry and the stepflow collectors registered in it.
type Metrics struct {
	registry *prometheus.Registry

	executions  *prometheus.CounterVec
	steps       *prometheus.CounterVec
	jobs        *prometheus.CounterVec
	jobDuration *prometheus.HistogramVec
	circuits    *prometheus.GaugeVec
}

// New creates the collectors and registers them, together with the Go runtime
// and process collectors, in a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		executions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "execution_transitions_total",
			Help:      "Execution status changes by target status.",
		}, []string{"status"}),
		steps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "step_transitions_total",
			Help:      "Step attempt status changes by action kind and target status.",
		}, []string{"action", "status"}),
		jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_finished_total",
			Help:      "Jobs finished by the scheduler, by kind and final status.",
		}, []string{"kind", "status"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Time from claim to final status of a job.",
			Buckets:   []float64{.005, .01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}, []string{"kind"}),
		circuits: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_state",
			Help:      "Circuit breaker state per step kind and target (0 closed, 1 open, 2 half open).",
		}, []string{"breaker"}),
	}
	m.registry.MustRegister(
		m.executions, m.steps, m.jobs, m.jobDuration, m.circuits,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// Instrument hooks the machine's transitions and breaker state changes.
func (m *Metrics) Instrument(machine *engine.Machine) {
	machine.OnExecutionTransition(func(t engine.Transition[schema.ExecutionStatus]) {
		m.executions.WithLabelValues(string(t.To)).Inc()
	})
	machine.OnStepTransition(func(t engine.Transition[schema.StepStatus]) {
		m.steps.WithLabelValues(string(t.Action), string(t.To)).Inc()
	})
	machine.Breakers().OnStateChange(func(key string, state engine.CircuitState) {
		m.circuits.WithLabelValues(key).Set(float64(state))
	})
}

// ObserveJob records a finished job. Its signature matches scheduler.Observer.
func (m *Metrics) ObserveJob(job *schema.Job, took time.Duration) {
	m.jobs.WithLabelValues(string(job.Kind), string(job.Status)).Inc()
	m.jobDuration.WithLabelValues(string(job.Kind)).Observe(took.Seconds())
}

// WatchPool exports the pool counters as functions read at scrape time.
func (m *Metrics) WatchPool(pool *engine.WorkerPool) {
	gauge := func(name, help string, read func(engine.PoolMetrics) float64) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      name,
			Help:      help,
		}, func() float64 { return read(pool.Metrics()) })
	}
	counter := func(name, help string, read func(engine.PoolMetrics) float64) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      name,
			Help:      help,
		}, func() float64 { return read(pool.Metrics()) })
	}
	m.registry.MustRegister(
		gauge("size", "Worker pool capacity.", func(p engine.PoolMetrics) float64 { return float64(p.Size) }),
		gauge("active", "Tasks currently running.", func(p engine.PoolMetrics) float64 { return float64(p.Active) }),
		counter("completed_total", "Tasks that returned nil.", func(p engine.PoolMetrics) float64 { return float64(p.Completed) }),
		counter("failed_total", "Tasks that returned an error.", func(p engine.PoolMetrics) float64 { return float64(p.Failed) }),
		counter("panics_total", "Tasks that panicked.", func(p engine.PoolMetrics) float64 { return float64(p.Panics) }),
	)
}

// Dropper reports deliveries lost to slow subscribers.
type Dropper interface {
	Dropped() uint64
}

// WatchHub exports the subscriber drop count of the event hub.
func (m *Metrics) WatchHub(hub Dropper) {
	m.registry.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "stream",
		Name:      "dropped_total",
		Help:      "Events dropped because a subscriber buffer was full.",
	}, func() float64 { return float64(hub.Dropped()) }))
}

package sandbox

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for the sandbox engine.
type Metrics struct {
	ContainersCreated prometheus.Counter
	ContainersFailed  prometheus.Counter
	ContainersCleaned prometheus.Counter
	ActiveContainers  prometheus.Gauge
	ExecutionsTotal   prometheus.Counter
	ExecutionFailures prometheus.Counter
	ExecutionTimeouts prometheus.Counter
	ExecutionDuration prometheus.Histogram
}

// NewMetrics creates and registers engine metrics.
// Returns nil if reg is nil; all record methods are nil-safe.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		return nil
	}

	m := &Metrics{
		ContainersCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "codeyard",
			Subsystem: "sandbox",
			Name:      "containers_created_total",
			Help:      "Total containers created and started.",
		}),
		ContainersFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "codeyard",
			Subsystem: "sandbox",
			Name:      "containers_failed_total",
			Help:      "Total containers that failed during creation or startup.",
		}),
		ContainersCleaned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "codeyard",
			Subsystem: "sandbox",
			Name:      "containers_cleaned_total",
			Help:      "Total containers torn down by cleanup.",
		}),
		ActiveContainers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "codeyard",
			Subsystem: "sandbox",
			Name:      "active_containers",
			Help:      "Containers currently tracked in the registry.",
		}),
		ExecutionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "codeyard",
			Subsystem: "sandbox",
			Name:      "executions_total",
			Help:      "Total commands executed inside containers.",
		}),
		ExecutionFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "codeyard",
			Subsystem: "sandbox",
			Name:      "execution_failures_total",
			Help:      "Total commands that failed at the runtime level.",
		}),
		ExecutionTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "codeyard",
			Subsystem: "sandbox",
			Name:      "execution_timeouts_total",
			Help:      "Total commands terminated for exceeding their deadline.",
		}),
		ExecutionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "codeyard",
			Subsystem: "sandbox",
			Name:      "execution_duration_seconds",
			Help:      "Wall-clock duration of container command executions.",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 120},
		}),
	}

	reg.MustRegister(
		m.ContainersCreated,
		m.ContainersFailed,
		m.ContainersCleaned,
		m.ActiveContainers,
		m.ExecutionsTotal,
		m.ExecutionFailures,
		m.ExecutionTimeouts,
		m.ExecutionDuration,
	)

	return m
}

func (m *Metrics) containerCreated() {
	if m == nil {
		return
	}
	m.ContainersCreated.Inc()
}

func (m *Metrics) containerFailed() {
	if m == nil {
		return
	}
	m.ContainersFailed.Inc()
}

func (m *Metrics) containerCleaned() {
	if m == nil {
		return
	}
	m.ContainersCleaned.Inc()
}

// The active gauge tracks registry membership, not successful starts: a
// Failed container stays registered until cleanup and must count, or the
// gauge goes negative when it is swept.
func (m *Metrics) containerRegistered() {
	if m == nil {
		return
	}
	m.ActiveContainers.Inc()
}

func (m *Metrics) containerDeregistered() {
	if m == nil {
		return
	}
	m.ActiveContainers.Dec()
}

func (m *Metrics) executionFinished(seconds float64) {
	if m == nil {
		return
	}
	m.ExecutionsTotal.Inc()
	m.ExecutionDuration.Observe(seconds)
}

func (m *Metrics) executionFailed() {
	if m == nil {
		return
	}
	m.ExecutionFailures.Inc()
}

func (m *Metrics) executionTimedOut() {
	if m == nil {
		return
	}
	m.ExecutionTimeouts.Inc()
}

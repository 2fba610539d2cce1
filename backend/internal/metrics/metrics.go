// Package metrics exposes Prometheus collectors for runs and subscribers.
package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "taskbox"

// Metrics holds the run collectors. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	runsStarted   prometheus.Counter
	runsActive    prometheus.Gauge
	runsQueued    prometheus.Gauge
	tasksFinished *prometheus.CounterVec
	runDuration   prometheus.Histogram
}

// MustNewMetrics registers the collectors with reg. Collectors already
// registered, e.g. by a previous server in the same test binary, are reused.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	return &Metrics{
		runsStarted: register(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "runs",
			Name:      "started_total",
			Help:      "Agent runs spawned.",
		})),
		runsActive: register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "runs",
			Name:      "active",
			Help:      "Agent runs currently holding a slot.",
		})),
		runsQueued: register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "runs",
			Name:      "queued",
			Help:      "Tasks waiting for a run slot.",
		})),
		tasksFinished: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tasks",
			Name:      "finished_total",
			Help:      "Tasks that reached a terminal status.",
		}, []string{"status"})),
		runDuration: register(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "runs",
			Name:      "duration_seconds",
			Help:      "Wall time of agent runs, including the image build.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		})),
	}
}

// RegisterSubscribers exports the live subscriber count of one transport.
func RegisterSubscribers(reg prometheus.Registerer, transport string, count func() int) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	register(reg, prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace:   namespace,
		Name:        "subscribers",
		Help:        "Connected live log subscribers.",
		ConstLabels: prometheus.Labels{"transport": transport},
	}, func() float64 { return float64(count()) }))
}

func register[T prometheus.Collector](reg prometheus.Registerer, c T) T {
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(T); ok {
				return existing
			}
		}
		panic(err)
	}
	return c
}

// Queued marks a task waiting for a slot.
func (m *Metrics) Queued() {
	if m == nil {
		return
	}
	m.runsQueued.Inc()
}

// Dequeued marks a task that stopped waiting, with or without a slot.
func (m *Metrics) Dequeued() {
	if m == nil {
		return
	}
	m.runsQueued.Dec()
}

// RunStarted marks a run as active.
func (m *Metrics) RunStarted() {
	if m == nil {
		return
	}
	m.runsStarted.Inc()
	m.runsActive.Inc()
}

// RunFinished marks a run as done.
func (m *Metrics) RunFinished(d time.Duration) {
	if m == nil {
		return
	}
	m.runsActive.Dec()
	m.runDuration.Observe(d.Seconds())
}

// TaskFinished counts a terminal transition.
func (m *Metrics) TaskFinished(status string) {
	if m == nil {
		return
	}
	m.tasksFinished.WithLabelValues(status).Inc()
}

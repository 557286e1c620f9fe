// Package metrics is the write-only instrumentation sink for the scheduler.
//
// Components depend on Recorder; Prometheus exports it and Nop discards it.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "agentsched"

// Submission failure reasons.
const (
	ReasonRejected          = "rejected"
	ReasonResourceExhausted = "resource_exhausted"
)

// Execution outcomes.
const (
	OutcomeSuccess  = "success"
	OutcomeFinished = "finished"
	OutcomeFailure  = "failure"
	OutcomePanic    = "panic"
)

// Reclaim sources.
const (
	SourceZombie = "zombie"
	SourceOrphan = "orphan"
)

type Recorder interface {
	AcquisitionAttempt(acquired int)
	SubmissionFailure(reason string)
	ExecutionCompleted(outcome string, took time.Duration)
	Reclaimed(source string, n int)
	BreakerEvent(name, event, kind string)
	SetActive(n int)
	SetPodView(count, index int)
}

type Nop struct{}

func (Nop) AcquisitionAttempt(int)                   {}
func (Nop) SubmissionFailure(string)                 {}
func (Nop) ExecutionCompleted(string, time.Duration) {}
func (Nop) Reclaimed(string, int)                    {}
func (Nop) BreakerEvent(string, string, string)      {}
func (Nop) SetActive(int)                            {}
func (Nop) SetPodView(int, int)                      {}

type Prometheus struct {
	attempts       prometheus.Counter
	acquired       prometheus.Counter
	submitFailures *prometheus.CounterVec
	executions     *prometheus.CounterVec
	execSeconds    prometheus.Histogram
	reclaimed      *prometheus.CounterVec
	breakerEvents  *prometheus.CounterVec
	active         prometheus.Gauge
	podCount       prometheus.Gauge
	podIndex       prometheus.Gauge
}

// NewPrometheus registers all collectors on reg. A nil reg gets a fresh registry.
func NewPrometheus(reg prometheus.Registerer) *Prometheus {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := &Prometheus{
		attempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "acquisition_attempts_total",
			Help:      "Number of saturatePool ticks that tried to claim work.",
		}),
		acquired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "acquired_total",
			Help:      "Number of work items dispatched to the executor.",
		}),
		submitFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "submission_failures_total",
			Help:      "Work items that could not be handed to the executor, by reason.",
		}, []string{"reason"}),
		executions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "executions_total",
			Help:      "Completed executions by outcome.",
		}, []string{"outcome"}),
		execSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "execution_seconds",
			Help:      "Execution duration of work items.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
		reclaimed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reclaimed_total",
			Help:      "Stuck work items returned to the waiting set, by cleanup source.",
		}, []string{"source"}),
		breakerEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_events_total",
			Help:      "Circuit breaker events (trip, blocked, recovery, reset).",
		}, []string{"breaker", "event", "kind"}),
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_agents",
			Help:      "Work items currently tracked as in flight on this pod.",
		}),
		podCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pod_count",
			Help:      "Live pods in this pod's membership view.",
		}),
		podIndex: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pod_index",
			Help:      "This pod's index in the sorted membership view.",
		}),
	}
	reg.MustRegister(
		m.attempts, m.acquired, m.submitFailures, m.executions, m.execSeconds,
		m.reclaimed, m.breakerEvents, m.active, m.podCount, m.podIndex,
	)
	return m
}

func (m *Prometheus) AcquisitionAttempt(acquired int) {
	m.attempts.Inc()
	if acquired > 0 {
		m.acquired.Add(float64(acquired))
	}
}

func (m *Prometheus) SubmissionFailure(reason string) {
	m.submitFailures.WithLabelValues(reason).Inc()
}

func (m *Prometheus) ExecutionCompleted(outcome string, took time.Duration) {
	m.executions.WithLabelValues(outcome).Inc()
	m.execSeconds.Observe(took.Seconds())
}

func (m *Prometheus) Reclaimed(source string, n int) {
	if n > 0 {
		m.reclaimed.WithLabelValues(source).Add(float64(n))
	}
}

func (m *Prometheus) BreakerEvent(name, event, kind string) {
	m.breakerEvents.WithLabelValues(name, event, kind).Inc()
}

func (m *Prometheus) SetActive(n int) { m.active.Set(float64(n)) }

func (m *Prometheus) SetPodView(count, index int) {
	m.podCount.Set(float64(count))
	m.podIndex.Set(float64(index))
}

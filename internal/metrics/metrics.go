// Package metrics defines the Prometheus collectors exported by the job
// runner. Collectors are registered on a caller-supplied registry so tests
// can build as many runners as they like without duplicate registration.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "registry_jobs"

// Failure reasons recorded on the jobs_failed_total counter.
const (
	ReasonError = "error"
	ReasonPanic = "panic"
)

// Jobs holds the runner's collectors.
type Jobs struct {
	Claimed     prometheus.Counter
	Succeeded   prometheus.Counter
	Failed      *prometheus.CounterVec
	PollRuns    *prometheus.CounterVec
	DeadLetters prometheus.Gauge
}

// New creates the runner collectors and registers them on reg. A nil reg
// leaves them unregistered.
func New(reg prometheus.Registerer) *Jobs {
	m := &Jobs{
		Claimed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "claimed_total",
			Help:      "Jobs claimed by a worker.",
		}),
		Succeeded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "succeeded_total",
			Help:      "Jobs that ran successfully and were deleted.",
		}),
		Failed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "failed_total",
			Help:      "Job attempts that returned an error or panicked.",
		}, []string{"reason"}),
		PollRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "poll_runs_total",
			Help:      "Completed polling runs by outcome.",
		}, []string{"outcome"}),
		DeadLetters: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "dead_letters",
			Help:      "Jobs whose retry counter crossed the dead-letter threshold at last check.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.Claimed, m.Succeeded, m.Failed, m.PollRuns, m.DeadLetters)
	}
	return m
}

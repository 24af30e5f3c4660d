package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type counters struct {
	decisions     *prometheus.CounterVec
	outcomes      *prometheus.CounterVec
	trips         prometheus.Counter
	regenerations prometheus.Counter
}

// newCounters creates the engine's collectors. A nil reg leaves them
// unregistered.
func newCounters(reg prometheus.Registerer) *counters {
	f := promauto.With(reg)
	return &counters{
		decisions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "floodgate_admission_decisions_total",
			Help: "Admission decisions by operation and result code",
		}, []string{"op", "code"}),
		outcomes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "floodgate_action_outcomes_total",
			Help: "Recorded action outcomes",
		}, []string{"result"}),
		trips: f.NewCounter(prometheus.CounterOpts{
			Name: "floodgate_breaker_trips_total",
			Help: "Number of times the circuit breaker opened",
		}),
		regenerations: f.NewCounter(prometheus.CounterOpts{
			Name: "floodgate_regeneration_attempts_total",
			Help: "Content regeneration attempts made by the quality gate",
		}),
	}
}

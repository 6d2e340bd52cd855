// Package metrics exposes prometheus collectors for the pipeline engine
// and campaign coordinator.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the collectors shared by the engine and coordinator.
type Metrics struct {
	// StageTransitions counts engine stage transitions by target stage.
	StageTransitions *prometheus.CounterVec

	// AgentErrors counts recorded agent failures by agent and kind.
	AgentErrors *prometheus.CounterVec

	// Escalations counts workflows escalated to human intervention.
	Escalations prometheus.Counter

	// Broadcasts counts coordinator status broadcasts. The forced label
	// distinguishes throttle-bypassing broadcasts; suppressed ones are
	// counted separately.
	Broadcasts *prometheus.CounterVec

	// BroadcastsSuppressed counts broadcasts dropped by the throttle.
	BroadcastsSuppressed prometheus.Counter

	// SnapshotPersists counts snapshot writes to the state store.
	SnapshotPersists prometheus.Counter

	// StageDuration observes seconds spent per stage at transition time.
	StageDuration *prometheus.HistogramVec
}

// New creates the collectors and registers them with the given registerer.
// Pass prometheus.DefaultRegisterer in production; tests use a fresh
// prometheus.NewRegistry to avoid duplicate registration.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		StageTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "prospectflow",
			Name:      "stage_transitions_total",
			Help:      "Workflow stage transitions by target stage.",
		}, []string{"stage"}),
		AgentErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "prospectflow",
			Name:      "agent_errors_total",
			Help:      "Agent failures recorded on workflow states.",
		}, []string{"agent", "kind"}),
		Escalations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "prospectflow",
			Name:      "escalations_total",
			Help:      "Workflows escalated to human intervention.",
		}),
		Broadcasts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "prospectflow",
			Name:      "broadcasts_total",
			Help:      "Campaign status broadcasts delivered to observers.",
		}, []string{"forced"}),
		BroadcastsSuppressed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "prospectflow",
			Name:      "broadcasts_suppressed_total",
			Help:      "Campaign status broadcasts dropped by the throttle.",
		}),
		SnapshotPersists: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "prospectflow",
			Name:      "snapshot_persists_total",
			Help:      "Workflow snapshot writes to the state store.",
		}),
		StageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "prospectflow",
			Name:      "stage_duration_seconds",
			Help:      "Seconds spent in a stage, observed at transition.",
			Buckets:   prometheus.ExponentialBuckets(1, 4, 10),
		}, []string{"stage"}),
	}

	reg.MustRegister(
		m.StageTransitions,
		m.AgentErrors,
		m.Escalations,
		m.Broadcasts,
		m.BroadcastsSuppressed,
		m.SnapshotPersists,
		m.StageDuration,
	)
	return m
}

// NewNop creates unregistered collectors for tests that don't assert on
// metric output.
func NewNop() *Metrics {
	return New(prometheus.NewRegistry())
}

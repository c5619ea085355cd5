package sinks

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/labnodes/internal/node"
	"github.com/JakeFAU/labnodes/internal/progress"
)

// PrometheusSink exports action lifecycle metrics via Prometheus.
type PrometheusSink struct {
	actionsStarted   *prometheus.CounterVec
	actionsCompleted *prometheus.CounterVec
	actionsRunning   prometheus.Gauge
	actionDuration   *prometheus.HistogramVec
	transitions      *prometheus.CounterVec
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		actionsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "labnode_actions_started_total",
			Help: "Total admitted actions partitioned by node and handle.",
		}, []string{"node", "handle"}),
		actionsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "labnode_actions_completed_total",
			Help: "Total finished actions partitioned by node, handle, result and error kind.",
		}, []string{"node", "handle", "result", "kind"}),
		actionsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "labnode_actions_running",
			Help: "Actions currently holding the execution slot.",
		}),
		actionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "labnode_action_duration_seconds",
			Help:    "Wall time per finished action.",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 300, 900, 1800, 3600},
		}, []string{"node", "handle", "result"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "labnode_status_transitions_total",
			Help: "Status register transitions partitioned by node, source and target status.",
		}, []string{"node", "from", "to"}),
	}
	for _, collector := range []prometheus.Collector{
		s.actionsStarted,
		s.actionsCompleted,
		s.actionsRunning,
		s.actionDuration,
		s.transitions,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the Prometheus collectors using the provided batch. It is
// safe for concurrent use by multiple goroutines.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt progress.Event) {
	switch evt.Stage {
	case progress.StageActionStart:
		s.actionsStarted.WithLabelValues(evt.Node, evt.Handle).Inc()
		s.actionsRunning.Inc()
	case progress.StageActionDone, progress.StageActionError:
		result := string(evt.Result)
		if result == "" {
			result = string(node.StepFailed)
		}
		s.actionsCompleted.WithLabelValues(evt.Node, evt.Handle, result, string(evt.Kind)).Inc()
		s.actionsRunning.Dec()
		if evt.Dur > 0 {
			s.actionDuration.WithLabelValues(evt.Node, evt.Handle, result).Observe(evt.Dur.Seconds())
		}
	case progress.StageStatusChange:
		from := string(evt.From)
		if from == "" {
			from = string(node.StatusUnknown)
		}
		s.transitions.WithLabelValues(evt.Node, from, string(evt.To)).Inc()
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

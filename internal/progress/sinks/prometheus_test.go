package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/labnodes/internal/node"
	"github.com/JakeFAU/labnodes/internal/progress"
)

// TestPrometheusSinkRecordsMetrics ensures counters and histograms are incremented from events.
func TestPrometheusSinkRecordsMetrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	now := time.Now()
	batch := []progress.Event{
		{TS: now, Stage: progress.StageStatusChange, Node: "uc2", From: node.StatusIdle, To: node.StatusBusy},
		{ActionID: "a1", TS: now, Stage: progress.StageActionStart, Node: "uc2", Handle: "home"},
		{
			ActionID: "a1",
			TS:       now.Add(2 * time.Second),
			Stage:    progress.StageActionDone,
			Node:     "uc2",
			Handle:   "home",
			Result:   node.StepSucceeded,
			Dur:      2 * time.Second,
		},
		{ActionID: "a2", TS: now, Stage: progress.StageActionStart, Node: "uc2", Handle: "move"},
		{
			ActionID: "a2",
			TS:       now.Add(time.Second),
			Stage:    progress.StageActionError,
			Node:     "uc2",
			Handle:   "move",
			Result:   node.StepFailed,
			Kind:     node.KindConnection,
			Dur:      time.Second,
		},
	}

	require.NoError(t, sink.Consume(context.Background(), batch))

	require.Equal(t, 1.0, testutil.ToFloat64(sink.actionsStarted.WithLabelValues("uc2", "home")))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.actionsCompleted.WithLabelValues("uc2", "home", "succeeded", "")))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.actionsCompleted.WithLabelValues("uc2", "move", "failed", "connection")))
	require.Equal(t, 0.0, testutil.ToFloat64(sink.actionsRunning))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.transitions.WithLabelValues("uc2", "IDLE", "BUSY")))
	require.Equal(t, 2, testutil.CollectAndCount(sink.actionDuration, "labnode_action_duration_seconds"))
}

func TestPrometheusSinkRejectsDuplicateRegistration(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	_, err := NewPrometheusSink(reg)
	require.NoError(t, err)
	_, err = NewPrometheusSink(reg)
	require.Error(t, err)
}

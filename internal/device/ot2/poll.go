package ot2

import (
	"context"
	"fmt"
	"time"
)

// DefaultPollInterval is how often a run is polled while it executes.
const DefaultPollInterval = time.Second

// RunGetter fetches run state.
type RunGetter interface {
	GetRun(ctx context.Context, runID string) (Run, error)
}

// PollRun polls runID until it reaches a terminal status. onStatus, when
// non-nil, is called each time the observed status changes.
func PollRun(ctx context.Context, rg RunGetter, runID string, interval time.Duration, onStatus func(string)) (Run, error) {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	last := ""
	for {
		run, err := rg.GetRun(ctx, runID)
		if err != nil {
			return Run{}, fmt.Errorf("poll run %s: %w", runID, err)
		}
		if run.Status != last {
			last = run.Status
			if onStatus != nil {
				onStatus(run.Status)
			}
		}
		if run.Terminal() {
			return run, nil
		}
		select {
		case <-ctx.Done():
			return run, fmt.Errorf("poll run %s: %w", runID, ctx.Err())
		case <-ticker.C:
		}
	}
}

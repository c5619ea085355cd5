package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/JakeFAU/labnodes/internal/node"
)

// Stage denotes the type of milestone represented by an Event.
type Stage string

// Supported progress stages.
const (
	StageActionStart  Stage = "ACTION_START"
	StageActionDone   Stage = "ACTION_DONE"
	StageActionError  Stage = "ACTION_ERROR"
	StageStatusChange Stage = "STATUS_CHANGE"
)

// Event captures one milestone of a node's action lifecycle.
type Event struct {
	// ActionID identifies the admitted action (UUIDv7). Empty for status
	// changes outside an action, such as the startup connect.
	ActionID string `json:"action_id,omitempty"`
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time `json:"ts"`
	// Stage denotes which lifecycle milestone occurred.
	Stage Stage `json:"stage"`
	// Node is the alias of the emitting node.
	Node string `json:"node"`
	// Handle is the action handle, for action stages.
	Handle string `json:"handle,omitempty"`
	// Result is the step outcome for ACTION_DONE and ACTION_ERROR.
	Result node.StepStatus `json:"result,omitempty"`
	// Kind classifies ACTION_ERROR events.
	Kind node.Kind `json:"kind,omitempty"`
	// From and To describe STATUS_CHANGE transitions.
	From node.Status `json:"from,omitempty"`
	To   node.Status `json:"to,omitempty"`
	// Dur captures the action's execution latency.
	Dur time.Duration `json:"duration_ns,omitempty"`
	// Note lets emitters attach low-volume context (e.g. error text).
	Note string `json:"note,omitempty"`
	// Trace carries the emitter's propagated trace context so sinks that
	// forward events can continue the trace.
	Trace map[string]string `json:"-"`
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	if e.Node == "" {
		return errors.New("node is required")
	}
	switch e.Stage {
	case StageActionStart, StageActionDone, StageActionError:
		if e.ActionID == "" {
			return fmt.Errorf("%s requires action id", e.Stage)
		}
		if e.Handle == "" {
			return fmt.Errorf("%s requires handle", e.Stage)
		}
	case StageStatusChange:
		if e.To == "" {
			return errors.New("status change requires target status")
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}
